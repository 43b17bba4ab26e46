package telemetry

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
)

type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any) error
}

// AuditEmitter publishes audit records for state changes users care about:
// membership changes, global deletes, invite use.
type AuditEmitter struct {
	publisher   Publisher
	routingKey  string
	service     string
	environment string
	logger      *log.Logger
}

type AuditEnvelope struct {
	SchemaVersion int          `json:"schema_version"`
	EventType     string       `json:"event_type"`
	OccurredAt    string       `json:"occurred_at"`
	Service       string       `json:"service"`
	Environment   string       `json:"environment"`
	RequestID     string       `json:"request_id"`
	UserID        string       `json:"user_id,omitempty"`
	Payload       AuditPayload `json:"payload"`
}

type AuditPayload struct {
	Level          string `json:"level"`
	Action         string `json:"action"`
	Text           string `json:"text"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// AuditRecord is one auditable action.
type AuditRecord struct {
	Level          string
	Action         string
	Text           string
	ConversationID string
	RequestID      string
	UserID         string
}

func NewAuditEmitter(publisher Publisher, routingKey, service, environment string) *AuditEmitter {
	return &AuditEmitter{
		publisher:   publisher,
		routingKey:  routingKey,
		service:     service,
		environment: environment,
		logger:      log.WithPrefix("audit"),
	}
}

// Emit publishes rec. Publish failures are logged and dropped.
func (e *AuditEmitter) Emit(ctx context.Context, rec AuditRecord) {
	if e == nil || e.publisher == nil {
		return
	}
	if rec.Level == "" {
		rec.Level = "info"
	}

	e.logger.Debug("audit emit", "action", rec.Action, "user_id", rec.UserID, "conversation_id", rec.ConversationID, "request_id", rec.RequestID)
	envelope := AuditEnvelope{
		SchemaVersion: 1,
		EventType:     "audit_log",
		OccurredAt:    time.Now().UTC().Format(time.RFC3339Nano),
		Service:       e.service,
		Environment:   e.environment,
		RequestID:     rec.RequestID,
		UserID:        rec.UserID,
		Payload: AuditPayload{
			Level:          rec.Level,
			Action:         rec.Action,
			Text:           rec.Text,
			ConversationID: rec.ConversationID,
		},
	}

	if err := e.publisher.Publish(ctx, e.routingKey, envelope); err != nil {
		e.logger.Error("audit publish failed", "action", rec.Action, "err", err)
	}
}
