package ws

import (
	"strings"
	"time"

	"chat-core/internal/models"
)

// Inbound payloads. Every request may carry a clientId which is echoed on
// the acknowledgement or error it produces.

type createConversationRequest struct {
	Type           models.ConversationType `json:"type"`
	Name           string                  `json:"name"`
	Description    string                  `json:"description"`
	Privacy        models.Privacy          `json:"privacy"`
	ParticipantIDs []string                `json:"participantIds"`
	Settings       models.Settings         `json:"settings"`
	ClientID       string                  `json:"clientId"`
}

type joinRequest struct {
	ConversationID string `json:"conversationId"`
	InviteCode     string `json:"inviteCode"`
	ClientID       string `json:"clientId"`
}

type membersRequest struct {
	ConversationID string   `json:"conversationId"`
	UserIDs        []string `json:"userIds"`
	UserID         string   `json:"userId"`
	ClientID       string   `json:"clientId"`
}

type markReadRequest struct {
	ConversationID    string `json:"conversationId"`
	LastReadMessageID string `json:"lastReadMessageId"`
	ClientID          string `json:"clientId"`
}

type draftRequest struct {
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
	ClientID       string `json:"clientId"`
}

type inviteRequest struct {
	ConversationID string `json:"conversationId"`
	// ExpiresInSeconds of zero means the link never expires.
	ExpiresInSeconds int    `json:"expiresInSeconds"`
	MaxUses          int    `json:"maxUses"`
	ClientID         string `json:"clientId"`
}

type sendRequest struct {
	ConversationID string         `json:"conversationId"`
	RecipientID    string         `json:"recipientId"`
	Content        string         `json:"content"`
	Media          []models.Media `json:"media"`
	ReplyTo        string         `json:"replyTo"`
	ForwardedFrom  string         `json:"forwardedFrom"`
	Mentions       []string       `json:"mentions"`
	ClientID       string         `json:"clientId"`
}

type messageRequest struct {
	MessageID string `json:"messageId"`
	Content   string `json:"content"`
	Emoji     string `json:"emoji"`
	DeleteFor string `json:"deleteFor"`
	ClientID  string `json:"clientId"`
}

type typingRequest struct {
	ConversationID string `json:"conversationId"`
}

// clientIDOnly recovers the clientId of a request whose handler failed
// before it decoded the full payload.
type clientIDOnly struct {
	ClientID string `json:"clientId"`
}

func (r inviteRequest) expiresIn() time.Duration {
	return time.Duration(r.ExpiresInSeconds) * time.Second
}

// errorEvent names the error reply of an inbound event: "message:send"
// fails with "message:error".
func errorEvent(event string) string {
	prefix, _, ok := strings.Cut(event, ":")
	if !ok || prefix == "" {
		return models.EventConnectionError
	}
	return prefix + ":error"
}
