package models

import (
	"strings"
	"time"

	"chat-core/internal/apperr"
)

type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// Rank orders statuses along sending < sent < delivered < read. Failed ranks
// lowest and is only reachable from sending.
func (s MessageStatus) Rank() int {
	switch s {
	case StatusSending:
		return 0
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return -1
}

// CanAdvanceTo reports whether moving from s to next is a forward transition.
func (s MessageStatus) CanAdvanceTo(next MessageStatus) bool {
	if next == StatusFailed {
		return s == StatusSending
	}
	if s == StatusFailed {
		return false
	}
	return next.Rank() > s.Rank()
}

type MessageType string

const (
	MessageText   MessageType = "text"
	MessageMedia  MessageType = "media"
	MessageSystem MessageType = "system"
)

type MediaType string

const (
	MediaImage MediaType = "image"
	MediaVideo MediaType = "video"
	MediaAudio MediaType = "audio"
	MediaFile  MediaType = "file"
)

type Media struct {
	Type         MediaType `json:"type" bson:"type"`
	URL          string    `json:"url" bson:"url"`
	FileName     string    `json:"fileName,omitempty" bson:"fileName,omitempty"`
	MimeType     string    `json:"mimeType,omitempty" bson:"mimeType,omitempty"`
	Size         int64     `json:"size,omitempty" bson:"size,omitempty"`
	Width        int       `json:"width,omitempty" bson:"width,omitempty"`
	Height       int       `json:"height,omitempty" bson:"height,omitempty"`
	Duration     float64   `json:"duration,omitempty" bson:"duration,omitempty"`
	ThumbnailURL string    `json:"thumbnailUrl,omitempty" bson:"thumbnailUrl,omitempty"`
}

// Validate enforces the type-conditional required fields.
func (m Media) Validate() error {
	if strings.TrimSpace(m.URL) == "" {
		return invalidf("media url is required")
	}
	switch m.Type {
	case MediaImage:
		if m.Width <= 0 || m.Height <= 0 {
			return invalidf("image media requires width and height")
		}
	case MediaVideo:
		if m.Width <= 0 || m.Height <= 0 {
			return invalidf("video media requires width and height")
		}
		if m.Duration <= 0 {
			return invalidf("video media requires duration")
		}
	case MediaAudio:
		if m.Duration <= 0 {
			return invalidf("audio media requires duration")
		}
	case MediaFile:
	default:
		return invalidf("unknown media type %q", m.Type)
	}
	return nil
}

type ReceiptKind string

const (
	ReceiptDelivered ReceiptKind = "delivered"
	ReceiptRead      ReceiptKind = "read"
)

// Receipt records that a user received or read a message.
type Receipt struct {
	UserID string    `json:"userId" bson:"userId"`
	At     time.Time `json:"at" bson:"at"`
}

type Reaction struct {
	Emoji string    `json:"emoji" bson:"emoji"`
	At    time.Time `json:"at" bson:"at"`
}

type Edit struct {
	Content  string    `json:"content" bson:"content"`
	EditedAt time.Time `json:"editedAt" bson:"editedAt"`
}

// Message is a single chat message. Reactions are keyed by user id.
type Message struct {
	ID             string              `json:"id" bson:"_id"`
	ConversationID string              `json:"conversationId" bson:"conversationId"`
	SenderID       string              `json:"senderId" bson:"senderId"`
	Content        string              `json:"content" bson:"content"`
	Media          []Media             `json:"media,omitempty" bson:"media,omitempty"`
	ReplyTo        string              `json:"replyTo,omitempty" bson:"replyTo,omitempty"`
	ForwardedFrom  string              `json:"forwardedFrom,omitempty" bson:"forwardedFrom,omitempty"`
	Type           MessageType         `json:"messageType" bson:"messageType"`
	Status         MessageStatus       `json:"status" bson:"status"`
	Mentions       []string            `json:"mentions,omitempty" bson:"mentions,omitempty"`
	DeliveredTo    []Receipt           `json:"deliveredTo" bson:"deliveredTo"`
	ReadBy         []Receipt           `json:"readBy" bson:"readBy"`
	Reactions      map[string]Reaction `json:"reactions,omitempty" bson:"reactions,omitempty"`
	IsDeleted      bool                `json:"isDeleted" bson:"isDeleted"`
	DeletedAt      *time.Time          `json:"deletedAt,omitempty" bson:"deletedAt,omitempty"`
	DeletedBy      string              `json:"deletedBy,omitempty" bson:"deletedBy,omitempty"`
	DeletedFor     []string            `json:"-" bson:"deletedFor,omitempty"`
	EditHistory    []Edit              `json:"editHistory,omitempty" bson:"editHistory,omitempty"`
	IsEdited       bool                `json:"isEdited" bson:"isEdited"`
	IsPinned       bool                `json:"isPinned" bson:"isPinned"`
	ExpiresAt      *time.Time          `json:"expiresAt,omitempty" bson:"expiresAt,omitempty"`
	CreatedAt      time.Time           `json:"createdAt" bson:"createdAt"`
	UpdatedAt      time.Time           `json:"updatedAt" bson:"updatedAt"`
}

// HasContent reports whether the message carries text or media.
func HasContent(content string, media []Media) bool {
	return strings.TrimSpace(content) != "" || len(media) > 0
}

// HiddenFor reports whether viewer deleted the message for themselves.
func (m *Message) HiddenFor(viewer string) bool {
	for _, id := range m.DeletedFor {
		if id == viewer {
			return true
		}
	}
	return false
}

// VisibleTo is the read-time visibility predicate.
// Failed messages are only shown to their sender.
func (m *Message) VisibleTo(viewer string) bool {
	if m.Status == StatusFailed && m.SenderID != viewer {
		return false
	}
	return !m.IsDeleted && !m.HiddenFor(viewer)
}

// HasReceipt reports whether userID is recorded under kind.
func (m *Message) HasReceipt(kind ReceiptKind, userID string) bool {
	receipts := m.DeliveredTo
	if kind == ReceiptRead {
		receipts = m.ReadBy
	}
	for _, r := range receipts {
		if r.UserID == userID {
			return true
		}
	}
	return false
}

// AggregateStatus derives the status across the whole recipient set: read once
// every recipient read it, delivered once every recipient received it,
// otherwise the lower of sent and the stored status.
func (m *Message) AggregateStatus(recipients []string) MessageStatus {
	if m.Status == StatusFailed || m.Status == StatusSending {
		return m.Status
	}
	if len(recipients) == 0 {
		return StatusSent
	}
	allRead, allDelivered := true, true
	for _, id := range recipients {
		if id == m.SenderID {
			continue
		}
		if !m.HasReceipt(ReceiptRead, id) {
			allRead = false
		}
		if !m.HasReceipt(ReceiptDelivered, id) && !m.HasReceipt(ReceiptRead, id) {
			allDelivered = false
		}
	}
	switch {
	case allRead:
		return StatusRead
	case allDelivered:
		return StatusDelivered
	}
	return StatusSent
}

// ReactionOf returns userID's reaction, if any.
func (m *Message) ReactionOf(userID string) (Reaction, bool) {
	if m.Reactions == nil {
		return Reaction{}, false
	}
	r, ok := m.Reactions[userID]
	return r, ok
}

func invalidf(format string, args ...any) error {
	return apperr.Errorf(apperr.ErrValidation, format, args...)
}
