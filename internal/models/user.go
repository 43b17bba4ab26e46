package models

import "time"

// User is the presence slice of the externally owned user record.
type User struct {
	ID       string    `db:"id" json:"id" bson:"_id"`
	IsOnline bool      `db:"is_online" json:"isOnline" bson:"isOnline"`
	LastSeen time.Time `db:"last_seen" json:"lastSeen" bson:"lastSeen"`
}

// Notification is handed to the offline-notification dispatcher.
type Notification struct {
	RecipientID    string    `json:"recipientId"`
	ConversationID string    `json:"conversationId"`
	MessageID      string    `json:"messageId"`
	SenderID       string    `json:"senderId"`
	Preview        string    `json:"preview"`
	Mentioned      bool      `json:"mentioned"`
	CreatedAt      time.Time `json:"createdAt"`
}
