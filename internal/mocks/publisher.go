package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"chat-core/internal/auth"
	"chat-core/internal/rabbitmq"
)

var (
	_ rabbitmq.Publisher = (*PublisherMock)(nil)
	_ auth.Authenticator = (*AuthenticatorMock)(nil)
)

// PublisherMock records broker publishes. Envelopes are matched with
// mock.MatchedBy in tests.
type PublisherMock struct {
	mock.Mock
}

func (m *PublisherMock) Publish(ctx context.Context, routingKey string, event any) error {
	return m.Called(ctx, routingKey, event).Error(0)
}

func (m *PublisherMock) PublishWithHeaders(ctx context.Context, routingKey string, event any, headers map[string]string) error {
	return m.Called(ctx, routingKey, event, headers).Error(0)
}

func (m *PublisherMock) Close() error {
	return m.Called().Error(0)
}
