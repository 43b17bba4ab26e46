package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"chat-core/internal/messaging"
	"chat-core/internal/models"
)

type ConversationServiceMock struct {
	mock.Mock
}

func (m *ConversationServiceMock) ListConversations(ctx context.Context, userID string) ([]*models.Conversation, error) {
	args := m.Called(ctx, userID)
	var list []*models.Conversation
	if val := args.Get(0); val != nil {
		list = val.([]*models.Conversation)
	}
	return list, args.Error(1)
}

func (m *ConversationServiceMock) ListMessages(ctx context.Context, conversationID, userID string, before time.Time, limit int) ([]*models.Message, error) {
	args := m.Called(ctx, conversationID, userID, before, limit)
	var list []*models.Message
	if val := args.Get(0); val != nil {
		list = val.([]*models.Message)
	}
	return list, args.Error(1)
}

func (m *ConversationServiceMock) CreateInvite(ctx context.Context, conversationID, actor string, in messaging.InviteInput) (models.InviteLink, error) {
	args := m.Called(ctx, conversationID, actor, in)
	var link models.InviteLink
	if val := args.Get(0); val != nil {
		link = val.(models.InviteLink)
	}
	return link, args.Error(1)
}

func (m *ConversationServiceMock) TotalUnread(ctx context.Context, userID string) (int, error) {
	args := m.Called(ctx, userID)
	return args.Int(0), args.Error(1)
}

type PresenceMock struct {
	mock.Mock
}

func (m *PresenceMock) IsOnline(userID string) bool {
	return m.Called(userID).Bool(0)
}

func (m *PresenceMock) LastSeen(userID string) (time.Time, bool) {
	args := m.Called(userID)
	var at time.Time
	if val := args.Get(0); val != nil {
		at = val.(time.Time)
	}
	return at, args.Bool(1)
}

type AuthenticatorMock struct {
	mock.Mock
}

func (m *AuthenticatorMock) Authenticate(ctx context.Context, token string) (string, error) {
	args := m.Called(ctx, token)
	return args.String(0), args.Error(1)
}
