// Package notifications hands messages for offline recipients to the push
// pipeline over the broker.
package notifications

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"

	"chat-core/internal/models"
	"chat-core/internal/observability"
)

const eventName = "offline_message"

// Publisher is the slice of the AMQP publisher the dispatcher needs.
type Publisher interface {
	PublishWithHeaders(ctx context.Context, routingKey string, event any, headers map[string]string) error
}

type Dispatcher struct {
	publisher  Publisher
	routingKey string
	logger     *log.Logger
}

func NewDispatcher(publisher Publisher, routingKey string, logger *log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.Default()
	}
	return &Dispatcher{publisher: publisher, routingKey: routingKey, logger: logger.WithPrefix("notifications")}
}

// Notify publishes n keyed by recipient so consumers can shard on it.
func (d *Dispatcher) Notify(ctx context.Context, n models.Notification) error {
	if n.RecipientID == "" || n.MessageID == "" {
		return fmt.Errorf("notification needs recipient and message ids")
	}
	envelope := observability.NewEventEnvelope("notification", eventName, n)
	headers := observability.BuildHeaders("", observability.TraceIDFromContext(ctx))
	headers["x-recipient-id"] = n.RecipientID
	if err := d.publisher.PublishWithHeaders(ctx, d.routingKey, envelope, headers); err != nil {
		observability.IncAMQPPublishError()
		return fmt.Errorf("publish notification: %w", err)
	}
	d.logger.Debug("offline notification queued", "recipient_id", n.RecipientID, "message_id", n.MessageID)
	return nil
}
