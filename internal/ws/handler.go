// Package ws serves the realtime websocket protocol: one JSON envelope per
// frame in both directions.
package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"chat-core/internal/auth"
	"chat-core/internal/delivery"
	"chat-core/internal/messaging"
	"chat-core/internal/models"
	"chat-core/internal/observability"
	"chat-core/internal/presence"
)

// Service is the messaging surface the protocol drives.
type Service interface {
	FindOrCreateDirect(ctx context.Context, a, b, clientID string) (*models.Conversation, error)
	CreateGroup(ctx context.Context, creator string, in messaging.GroupInput) (*models.Conversation, error)
	AddParticipants(ctx context.Context, conversationID, actor string, userIDs []string, clientID string) ([]string, error)
	RemoveParticipant(ctx context.Context, conversationID, actor, target, clientID string) error
	MarkRead(ctx context.Context, conversationID, userID, lastReadMessageID, clientID string) (bool, error)
	SaveDraft(ctx context.Context, conversationID, userID, content, clientID string) error
	CreateInvite(ctx context.Context, conversationID, actor string, in messaging.InviteInput) (models.InviteLink, error)
	JoinByInvite(ctx context.Context, code, userID, clientID string) (*models.Conversation, error)
	CheckMember(ctx context.Context, conversationID, userID string) error
	SendMessage(ctx context.Context, in messaging.SendInput) (*models.Message, error)
	UpdateDeliveryStatus(ctx context.Context, messageID, userID string, status models.MessageStatus, clientID string) (bool, error)
	ToggleReaction(ctx context.Context, messageID, userID, emoji, clientID string) (bool, error)
	RemoveReaction(ctx context.Context, messageID, userID, clientID string) (bool, error)
	DeleteMessage(ctx context.Context, messageID, userID, scope, clientID string) error
	EditMessage(ctx context.Context, messageID, userID, content, clientID string) (*models.Message, error)
	PinMessage(ctx context.Context, messageID, userID, clientID string) error
	UnpinMessage(ctx context.Context, messageID, userID, clientID string) error
	ConversationIDs(ctx context.Context, userID string) ([]string, error)
	TotalUnread(ctx context.Context, userID string) (int, error)
}

var _ Service = (*messaging.Orchestrator)(nil)

// Presence is the connection registry.
type Presence interface {
	Register(userID string, conn presence.Conn)
	Unregister(userID string, conn presence.Conn)
}

type Options struct {
	SendBuffer int
	Events     *observability.EventPublisher
	Logger     *log.Logger
}

// Handler upgrades /ws requests into sessions.
type Handler struct {
	svc           Service
	router        *delivery.Router
	presence      Presence
	authenticator auth.Authenticator
	events        *observability.EventPublisher
	logger        *log.Logger
	sendBuffer    int
	upgrader      websocket.Upgrader
}

func NewHandler(svc Service, router *delivery.Router, registry Presence, authenticator auth.Authenticator, opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{
		svc:           svc,
		router:        router,
		presence:      registry,
		authenticator: authenticator,
		events:        opts.Events,
		logger:        logger.WithPrefix("ws"),
		sendBuffer:    opts.SendBuffer,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handle upgrades first and authenticates second, so a bad token is
// reported on the socket as connection:error.
func (h *Handler) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("chat-core/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upgrade failed")
		return
	}

	client := observability.ClientInfoFromRequest(c.Request)
	info := ConnInfo{
		ConnID:      newConnID(),
		DeviceID:    client.DeviceID,
		IP:          client.IP,
		UserAgent:   client.UserAgent,
		RequestID:   client.RequestID,
		TraceID:     span.SpanContext().TraceID().String(),
		ConnectedAt: time.Now(),
	}
	span.SetAttributes(attribute.String("conn_id", info.ConnID))

	s := newSession(h, conn, info, context.WithoutCancel(ctx))
	go s.client.writePump()

	userID, err := h.authenticate(ctx, c.Request)
	if err != nil {
		span.SetStatus(codes.Error, "unauthenticated")
		s.reject("Unauthenticated", "unauthenticated")
		return
	}
	span.SetAttributes(attribute.String("user_id", userID))

	if err := s.activate(userID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "activation failed")
		s.logger.Error("activate", "err", err)
		s.reject("Internal", "internal error")
		return
	}
	go s.run()
}

func (h *Handler) authenticate(ctx context.Context, r *http.Request) (string, error) {
	token, err := auth.TokenFromRequest(r)
	if err != nil {
		return "", err
	}
	return h.authenticator.Authenticate(ctx, token)
}
