// Package messaging implements the conversation and message state machine.
//
// Every mutation of a conversation, and of the messages inside it, runs under
// a per-conversation lock. The lock also covers the broadcasts the mutation
// triggers, which keeps events of one conversation in order on every
// connection. Store updates themselves are atomic and conditional, so
// processes that do not share the lock still converge.
package messaging

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"chat-core/internal/apperr"
	"chat-core/internal/delivery"
	"chat-core/internal/models"
	"chat-core/internal/observability"
	"chat-core/internal/repositories"
	"chat-core/internal/telemetry"
)

const (
	DefaultEditWindow       = 15 * time.Minute
	DefaultDeleteWindow     = 10 * time.Minute
	DefaultMaxContentLength = 4000

	maxEmojiLength = 32
)

// Broadcaster is the slice of the delivery router the orchestrator drives.
type Broadcaster interface {
	BroadcastToConversation(ctx context.Context, conversationID, event string, payload any) (delivery.Reach, error)
	BroadcastToUsers(ctx context.Context, userIDs []string, event string, payload any) (delivery.Reach, error)
	SendToUser(ctx context.Context, userID, event string, payload any) bool
	JoinUser(roomID, userID string)
	RemoveUser(roomID, userID string)
}

// OfflineNotifier receives messages for recipients without a live connection.
type OfflineNotifier interface {
	Notify(ctx context.Context, n models.Notification) error
}

// Auditor records auditable actions.
type Auditor interface {
	Emit(ctx context.Context, rec telemetry.AuditRecord)
}

type Config struct {
	EditWindow       time.Duration
	DeleteWindow     time.Duration
	MaxContentLength int
}

func (c Config) withDefaults() Config {
	if c.EditWindow <= 0 {
		c.EditWindow = DefaultEditWindow
	}
	if c.DeleteWindow <= 0 {
		c.DeleteWindow = DefaultDeleteWindow
	}
	if c.MaxContentLength <= 0 {
		c.MaxContentLength = DefaultMaxContentLength
	}
	return c
}

// Deps are the collaborators of an Orchestrator. Tx, Notifier, Audit, Logger,
// Clock and NewID are optional.
type Deps struct {
	Conversations repositories.ConversationStore
	Messages      repositories.MessageStore
	Tx            repositories.Transactor
	Router        Broadcaster
	Notifier      OfflineNotifier
	Audit         Auditor
	Logger        *log.Logger
	Clock         func() time.Time
	NewID         func() string
}

type Orchestrator struct {
	convs    repositories.ConversationStore
	msgs     repositories.MessageStore
	tx       repositories.Transactor
	router   Broadcaster
	notifier OfflineNotifier
	audit    Auditor
	logger   *log.Logger
	tracer   trace.Tracer
	locks    *keyedMutex
	cfg      Config
	now      func() time.Time
	newID    func() string
}

func New(deps Deps, cfg Config) *Orchestrator {
	o := &Orchestrator{
		convs:    deps.Conversations,
		msgs:     deps.Messages,
		tx:       deps.Tx,
		router:   deps.Router,
		notifier: deps.Notifier,
		audit:    deps.Audit,
		logger:   deps.Logger,
		tracer:   otel.Tracer("chat-core/messaging"),
		locks:    newKeyedMutex(),
		cfg:      cfg.withDefaults(),
		now:      deps.Clock,
		newID:    deps.NewID,
	}
	if o.tx == nil {
		o.tx = noTx{}
	}
	if o.logger == nil {
		o.logger = log.Default()
	}
	o.logger = o.logger.WithPrefix("messaging")
	if o.now == nil {
		o.now = time.Now
	}
	if o.newID == nil {
		o.newID = uuid.NewString
	}
	return o
}

type noTx struct{}

func (noTx) WithTx(context.Context, func(ctx context.Context) error) error {
	return repositories.ErrTxUnsupported
}

// begin opens a span for op; the returned func ends it and records latency.
func (o *Orchestrator) begin(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := o.tracer.Start(ctx, "messaging."+op, trace.WithAttributes(attrs...))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, apperr.Kind(err))
		}
		span.End()
		observability.ObserveOperation(op, start, err)
	}
}

// conversation loads a conversation that is not soft-deleted.
func (o *Orchestrator) conversation(ctx context.Context, id string) (*models.Conversation, error) {
	if id == "" {
		return nil, apperr.Errorf(apperr.ErrValidation, "conversationId is required")
	}
	conv, err := o.convs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if conv.IsDeleted {
		return nil, repositories.ErrConversationNotFound
	}
	return conv, nil
}

// member returns userID's active entry or PermissionDenied.
func member(conv *models.Conversation, userID string) (models.Participant, error) {
	p, ok := conv.ActiveParticipant(userID)
	if !ok {
		return models.Participant{}, apperr.Errorf(apperr.ErrPermissionDenied, "user is not a participant of this conversation")
	}
	return p, nil
}

// message loads a message and locks its conversation. The returned message
// is re-read under the lock.
func (o *Orchestrator) lockMessage(ctx context.Context, id string) (*models.Message, func(), error) {
	if id == "" {
		return nil, nil, apperr.Errorf(apperr.ErrValidation, "messageId is required")
	}
	msg, err := o.msgs.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	unlock := o.locks.lock(msg.ConversationID)
	msg, err = o.msgs.Get(ctx, id)
	if err != nil {
		unlock()
		return nil, nil, err
	}
	return msg, unlock, nil
}

func (o *Orchestrator) emitAudit(ctx context.Context, action, text, conversationID, userID string) {
	if o.audit == nil {
		return
	}
	o.audit.Emit(ctx, telemetry.AuditRecord{
		Action:         action,
		Text:           text,
		ConversationID: conversationID,
		UserID:         userID,
		RequestID:      RequestIDFromContext(ctx),
	})
}

func (o *Orchestrator) broadcast(ctx context.Context, conversationID, event string, payload any) delivery.Reach {
	reach, err := o.router.BroadcastToConversation(ctx, conversationID, event, payload)
	if err != nil {
		o.logger.Warn("broadcast failed", "event", event, "conversation_id", conversationID, "err", err)
	}
	return reach
}

func (o *Orchestrator) broadcastUsers(ctx context.Context, userIDs []string, event string, payload any) delivery.Reach {
	reach, err := o.router.BroadcastToUsers(ctx, userIDs, event, payload)
	if err != nil {
		o.logger.Warn("broadcast failed", "event", event, "err", err)
	}
	return reach
}

type requestIDKey struct{}

// WithRequestID tags ctx with the request id of the originating connection.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func dedupe(ids []string, skip string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || id == skip || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func without(ids []string, skip string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != skip {
			out = append(out, id)
		}
	}
	return out
}
