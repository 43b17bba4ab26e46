package observability

import (
	"context"
)

// Publisher is the slice of the AMQP publisher the event stream needs.
type Publisher interface {
	PublishWithHeaders(ctx context.Context, routingKey string, event any, headers map[string]string) error
}

// EventPublisher streams connection lifecycle and delivery events to the
// broker. A nil EventPublisher is valid and publishes nothing.
type EventPublisher struct {
	publisher  Publisher
	routingKey string
}

func NewEventPublisher(publisher Publisher, routingKey string) *EventPublisher {
	return &EventPublisher{publisher: publisher, routingKey: routingKey}
}

// Publish wraps payload in an envelope and sends it with request and trace
// headers. Failures are counted and returned; callers usually ignore them.
func (p *EventPublisher) Publish(ctx context.Context, eventType, eventName string, payload any, requestID string) error {
	if p == nil || p.publisher == nil {
		return nil
	}
	envelope := NewEventEnvelope(eventType, eventName, payload)
	headers := BuildHeaders(requestID, TraceIDFromContext(ctx))
	err := p.publisher.PublishWithHeaders(ctx, p.routingKey, envelope, headers)
	if err != nil {
		IncAMQPPublishError()
	}
	return err
}
