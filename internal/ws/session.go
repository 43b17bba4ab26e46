package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"chat-core/internal/apperr"
	"chat-core/internal/delivery"
	"chat-core/internal/messaging"
	"chat-core/internal/models"
	"chat-core/internal/observability"
)

const eventTimeout = 15 * time.Second

// State is the lifecycle stage of a session.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticated
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

var transitions = map[State][]State{
	StateConnecting:    {StateAuthenticated, StateClosing},
	StateAuthenticated: {StateActive, StateClosing},
	StateActive:        {StateClosing},
	StateClosing:       {StateClosed},
}

// Session drives one authenticated connection: it dispatches inbound events
// in arrival order and tears the connection down exactly once.
type Session struct {
	h      *Handler
	client *Client
	info   ConnInfo
	// ctx outlives the upgrade request; it only carries trace values.
	ctx    context.Context
	logger *log.Logger

	mu    sync.Mutex
	state State
}

func newSession(h *Handler, conn *websocket.Conn, info ConnInfo, ctx context.Context) *Session {
	return &Session{
		h:      h,
		client: newClient(conn, info, h.sendBuffer),
		info:   info,
		ctx:    ctx,
		logger: h.logger.With("conn_id", info.ConnID),
		state:  StateConnecting,
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, allowed := range transitions[s.state] {
		if allowed == to {
			s.state = to
			return nil
		}
	}
	return fmt.Errorf("ws: invalid transition %s -> %s", s.state, to)
}

// reject answers a failed handshake with connection:error and closes.
func (s *Session) reject(kind, reason string) {
	s.reply(models.EventConnectionError, models.ErrorPayload{Error: reason, Kind: kind})
	if err := s.transition(StateClosing); err != nil {
		s.logger.Error("reject", "err", err)
	}
	s.client.close()
	_ = s.transition(StateClosed)
	observability.IncWSEvent("lifecycle", "ws_error")
	_ = s.h.events.Publish(s.ctx, "ws_events", "ws_error", s.info.lifecyclePayload("ws_error", reason), s.info.RequestID)
}

// activate registers the authenticated user and sends connection:ready.
func (s *Session) activate(userID string) error {
	s.info.UserID = userID
	s.client.info.UserID = userID
	s.logger = s.logger.With("user_id", userID)
	if err := s.transition(StateAuthenticated); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(s.ctx, eventTimeout)
	defer cancel()
	ids, err := s.h.svc.ConversationIDs(ctx, userID)
	if err != nil {
		return fmt.Errorf("load conversations: %w", err)
	}
	total, err := s.h.svc.TotalUnread(ctx, userID)
	if err != nil {
		s.logger.Warn("total unread unavailable", "err", err)
	}
	if ids == nil {
		ids = []string{}
	}

	if err := s.transition(StateActive); err != nil {
		return err
	}
	// Registered before ready, so a client never misses an event that
	// happened after it saw connection:ready.
	for _, id := range ids {
		s.h.router.JoinRoom(id, s.client)
	}
	s.h.presence.Register(userID, s.client)
	s.reply(models.EventConnectionReady, models.ReadyPayload{UserID: userID, Conversations: ids, TotalUnread: total})

	observability.IncWSActive()
	observability.IncWSEvent("lifecycle", "ws_connect")
	_ = s.h.events.Publish(s.ctx, "ws_events", "ws_connect", s.info.lifecyclePayload("ws_connect", ""), s.info.RequestID)
	s.logger.Info("connected", "conversations", len(ids))
	return nil
}

// run blocks until the connection ends, then tears the session down.
func (s *Session) run() {
	err := s.client.readPump(s.dispatch)
	s.shutdown(err)
}

func (s *Session) shutdown(cause error) {
	if err := s.transition(StateClosing); err != nil {
		return
	}
	s.h.presence.Unregister(s.info.UserID, s.client)
	s.h.router.LeaveAll(s.client)
	// A client closed before the reader stopped was dropped locally and its
	// error was already reported by the router.
	dropped := s.client.isClosed()
	s.client.close()
	observability.DecWSActive()

	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	if cause != nil && !dropped &&
		!websocket.IsCloseError(cause, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		observability.IncWSEvent("lifecycle", "ws_error")
		_ = s.h.events.Publish(s.ctx, "ws_events", "ws_error", s.info.lifecyclePayload("ws_error", reason), s.info.RequestID)
		s.logger.Warn("connection error", "err", cause)
	}
	observability.IncWSEvent("lifecycle", "ws_disconnect")
	_ = s.h.events.Publish(s.ctx, "ws_events", "ws_disconnect", s.info.lifecyclePayload("ws_disconnect", reason), s.info.RequestID)
	_ = s.transition(StateClosed)
	s.logger.Info("disconnected", "duration", time.Since(s.info.ConnectedAt).Round(time.Millisecond))
}

// reply writes to this connection only.
func (s *Session) reply(event string, payload any) {
	data, err := delivery.Encode(event, payload)
	if err != nil {
		s.logger.Error("encode reply", "event", event, "err", err)
		return
	}
	if err := s.client.Send(data); err != nil {
		s.logger.Debug("reply dropped", "event", event, "err", err)
		return
	}
	observability.IncWSEvent("out", event)
}

func (s *Session) fail(event string, err error, clientID string) {
	kind := apperr.Kind(err)
	if kind == "Internal" {
		s.logger.Error("event failed", "event", event, "err", err)
	} else {
		s.logger.Debug("event rejected", "event", event, "kind", kind, "err", err)
	}
	s.reply(errorEvent(event), models.ErrorPayload{Error: apperr.PublicMessage(err), Kind: kind, ClientID: clientID})
}

// dispatch handles one inbound frame. Service calls run detached from the
// connection so a disconnect never aborts a half-applied operation.
func (s *Session) dispatch(frame []byte) {
	var env models.Envelope
	if err := json.Unmarshal(frame, &env); err != nil || env.Event == "" {
		s.reply(models.EventConnectionError, models.ErrorPayload{Error: "malformed frame", Kind: "ValidationError"})
		return
	}
	observability.IncWSEvent("in", env.Event)
	if s.State() != StateActive {
		return
	}
	handle, ok := routes[env.Event]
	if !ok {
		s.reply(models.EventConnectionError, models.ErrorPayload{Error: "unknown event " + env.Event, Kind: "ValidationError"})
		return
	}

	ctx, cancel := context.WithTimeout(messaging.WithRequestID(s.ctx, uuid.NewString()), eventTimeout)
	defer cancel()
	if err := handle(s, ctx, env.Data); err != nil {
		var ref clientIDOnly
		_ = json.Unmarshal(env.Data, &ref)
		s.fail(env.Event, err, ref.ClientID)
	}
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return apperr.Errorf(apperr.ErrValidation, "payload is required")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return apperr.Errorf(apperr.ErrValidation, "invalid payload: %v", err)
	}
	return nil
}
