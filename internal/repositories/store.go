package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chat-core/internal/apperr"
	"chat-core/internal/models"
)

var (
	ErrConversationNotFound = fmt.Errorf("%w: conversation", apperr.ErrNotFound)
	ErrMessageNotFound      = fmt.Errorf("%w: message", apperr.ErrNotFound)
	ErrParticipantNotFound  = fmt.Errorf("%w: participant", apperr.ErrNotFound)

	// ErrDuplicate reports a uniqueness violation (direct pair key, message id, invite code).
	ErrDuplicate = errors.New("duplicate key")
	// ErrTxUnsupported is returned by Transactor.WithTx when the backing store
	// cannot run multi-document transactions.
	ErrTxUnsupported = errors.New("transactions unsupported")
	// ErrTransient marks store errors worth one retry (serialization failures, write conflicts).
	ErrTransient = errors.New("transient store error")
)

// MessageRecord describes the counter side effects of one sent message.
type MessageRecord struct {
	MessageID string
	SenderID  string
	At        time.Time
	// Mentions must already be filtered to active, non-sender participants.
	Mentions []string
}

// ConversationStore owns conversation documents. Every mutator is a single
// atomic, conditional update at the store level.
type ConversationStore interface {
	Create(ctx context.Context, conv *models.Conversation) error
	Get(ctx context.Context, id string) (*models.Conversation, error)
	FindDirect(ctx context.Context, directKey string) (*models.Conversation, error)
	FindByInviteCode(ctx context.Context, code string) (*models.Conversation, error)
	ListForUser(ctx context.Context, userID string) ([]*models.Conversation, error)
	ActiveParticipantIDs(ctx context.Context, id string) ([]string, error)

	// AddParticipants appends new entries or reactivates inactive ones and
	// zeroes their unread state. Already active users are left untouched.
	AddParticipants(ctx context.Context, id string, participants []models.Participant) error
	DeactivateParticipant(ctx context.Context, id, userID string, at time.Time) (bool, error)
	PromoteToAdmin(ctx context.Context, id, userID string) error
	SoftDelete(ctx context.Context, id string, at time.Time) error

	// RecordMessage applies the counters of one message exactly once per
	// message id: unread and mention increments for active non-sender
	// participants, last message pointer, and stats. It reports whether the
	// record was applied by this call.
	RecordMessage(ctx context.Context, id string, rec MessageRecord) (bool, error)
	// ResetUnread zeroes userID's counters and moves the read pointer. It
	// reports false when nothing changed.
	ResetUnread(ctx context.Context, id, userID, lastReadMessageID string, at time.Time) (bool, error)
	EnsureUnreadEntry(ctx context.Context, id, userID string) error
	TotalUnread(ctx context.Context, userID string) (int, error)

	SetInvite(ctx context.Context, id string, invite models.InviteLink) error
	// ConsumeInvite increments the use count only while the link is unexpired
	// and below its limit.
	ConsumeInvite(ctx context.Context, id, code string, at time.Time) (bool, error)
	SetDraft(ctx context.Context, id, userID, content string) error
	AddPin(ctx context.Context, id string, pin models.PinnedMessage) (bool, error)
	RemovePin(ctx context.Context, id, messageID string) (bool, error)
}

// MessageStore owns message documents.
type MessageStore interface {
	Insert(ctx context.Context, msg *models.Message) error
	Get(ctx context.Context, id string) (*models.Message, error)
	// ListForConversation returns up to limit messages created before the
	// given time (zero means now), oldest first.
	ListForConversation(ctx context.Context, conversationID string, before time.Time, limit int) ([]*models.Message, error)

	AdvanceStatus(ctx context.Context, id string, status models.MessageStatus) (bool, error)
	AddReceipt(ctx context.Context, id, userID string, kind models.ReceiptKind, at time.Time) (bool, error)
	// ToggleReaction removes userID's reaction when it equals emoji and sets
	// it otherwise. It reports whether a reaction is present afterwards.
	ToggleReaction(ctx context.Context, id, userID, emoji string, at time.Time) (bool, error)
	RemoveReaction(ctx context.Context, id, userID string) (bool, error)
	DeleteForEveryone(ctx context.Context, id, deletedBy string, at time.Time) (bool, error)
	HideForUser(ctx context.Context, id, userID string) (bool, error)
	// Edit replaces the content of a non-deleted message and appends the
	// previous content to its history.
	Edit(ctx context.Context, id, content string, at time.Time) (bool, error)
	SetPinned(ctx context.Context, id string, pinned bool) error
}

// UserStore persists the presence slice of user records.
type UserStore interface {
	SetPresence(ctx context.Context, userID string, online bool, at time.Time) error
	GetUser(ctx context.Context, userID string) (models.User, error)
}

// Transactor runs fn inside a multi-document transaction. Stores that cannot
// do so return ErrTxUnsupported without calling fn.
type Transactor interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}
