package models

import (
	"encoding/json"
	"time"
)

// Inbound event names.
const (
	EventConversationCreate       = "conversation:create"
	EventConversationJoin         = "conversation:join"
	EventConversationLeave        = "conversation:leave"
	EventConversationAddMembers   = "conversation:add_members"
	EventConversationRemoveMember = "conversation:remove_member"
	EventConversationMarkRead     = "conversation:mark_read"
	EventConversationDraft        = "conversation:draft"
	EventConversationInvite       = "conversation:invite"
	EventMessageSend              = "message:send"
	EventMessageDelivered         = "message:delivered"
	EventMessageRead              = "message:read"
	EventMessageDelete            = "message:delete"
	EventMessageEdit              = "message:edit"
	EventMessageReact             = "message:react"
	EventMessageUnreact           = "message:unreact"
	EventMessagePin               = "message:pin"
	EventMessageUnpin             = "message:unpin"
	EventTypingStart              = "typing:start"
	EventTypingStop               = "typing:stop"
)

// Outbound event names.
const (
	EventConversationCreated       = "conversation:created"
	EventConversationUserJoined    = "conversation:user_joined"
	EventConversationUserLeft      = "conversation:user_left"
	EventConversationDeleted       = "conversation:deleted"
	EventConversationInviteCreated = "conversation:invite_created"
	EventConversationUnreadCount   = "conversation:unread_count"
	EventConversationTotalUnread   = "conversation:total_unread_count"
	EventMessageNew                = "message:new"
	EventMessageSent               = "message:sent"
	EventMessageStatus             = "message:status"
	EventMessageDeleted            = "message:deleted"
	EventMessageEdited             = "message:edited"
	EventMessageReaction           = "message:reaction"
	EventMessagePinned             = "message:pinned"
	EventMessageUnpinned           = "message:unpinned"
	EventUserStatus                = "user:status"
	EventConnectionReady           = "connection:ready"
	EventConnectionError           = "connection:error"
)

// Envelope is the wire frame in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ErrorPayload is the body of every "<prefix>:error" event.
type ErrorPayload struct {
	Error    string `json:"error"`
	Kind     string `json:"kind"`
	ClientID string `json:"clientId,omitempty"`
}

type ConversationPayload struct {
	Conversation *Conversation `json:"conversation"`
	ClientID     string        `json:"clientId,omitempty"`
}

type MembershipPayload struct {
	ConversationID string   `json:"conversationId"`
	UserIDs        []string `json:"userIds"`
	ActorID        string   `json:"actorId"`
	NewAdminID     string   `json:"newAdminId,omitempty"`
	ClientID       string   `json:"clientId,omitempty"`
}

type ConversationDeletedPayload struct {
	ConversationID string `json:"conversationId"`
}

type InvitePayload struct {
	ConversationID string     `json:"conversationId"`
	Invite         InviteLink `json:"invite"`
	ClientID       string     `json:"clientId,omitempty"`
}

type DraftPayload struct {
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
	ClientID       string `json:"clientId,omitempty"`
}

type MessagePayload struct {
	Message  *Message `json:"message"`
	ClientID string   `json:"clientId,omitempty"`
}

type StatusPayload struct {
	MessageID         string        `json:"messageId,omitempty"`
	ConversationID    string        `json:"conversationId"`
	UserID            string        `json:"userId"`
	Status            MessageStatus `json:"status"`
	LastReadMessageID string        `json:"lastReadMessageId,omitempty"`
	At                time.Time     `json:"at"`
	ClientID          string        `json:"clientId,omitempty"`
}

type DeletedPayload struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	DeleteFor      string `json:"deleteFor"`
	ClientID       string `json:"clientId,omitempty"`
}

type ReactionPayload struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	Emoji          string `json:"emoji,omitempty"`
	Action         string `json:"action"`
	ClientID       string `json:"clientId,omitempty"`
}

type PinPayload struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	ClientID       string `json:"clientId,omitempty"`
}

type UnreadCountPayload struct {
	ConversationID string `json:"conversationId"`
	Count          int    `json:"count"`
	MentionsCount  int    `json:"mentionsCount"`
	ClientID       string `json:"clientId,omitempty"`
}

type TotalUnreadPayload struct {
	Total int `json:"total"`
}

type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

type UserStatusPayload struct {
	UserID   string    `json:"userId"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"lastSeen"`
}

type ReadyPayload struct {
	UserID        string   `json:"userId"`
	Conversations []string `json:"conversations"`
	TotalUnread   int      `json:"totalUnread"`
}
