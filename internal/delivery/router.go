// Package delivery fans events out to live connections.
package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"

	"chat-core/internal/models"
	"chat-core/internal/observability"
	"chat-core/internal/presence"
)

// Presence resolves live connections of a user.
type Presence interface {
	ConnectionsFor(userID string) []presence.Conn
}

// Participants resolves the active members of a conversation.
type Participants interface {
	ActiveParticipantIDs(ctx context.Context, conversationID string) ([]string, error)
}

// Reach splits the targeted users of a push by whether at least one of their
// connections accepted the event.
type Reach struct {
	Online  []string
	Offline []string
}

// Router pushes encoded envelopes onto connection send queues. It also keeps
// conversation rooms for room-scoped events such as typing indicators.
type Router struct {
	presence     Presence
	participants Participants
	events       *observability.EventPublisher
	logger       *log.Logger

	mu    sync.RWMutex
	rooms map[string]map[string]presence.Conn
	// joined is the reverse index conn id -> room ids.
	joined map[string]map[string]struct{}
}

func NewRouter(p Presence, participants Participants, events *observability.EventPublisher, logger *log.Logger) *Router {
	if logger == nil {
		logger = log.Default()
	}
	return &Router{
		presence:     p,
		participants: participants,
		events:       events,
		logger:       logger.WithPrefix("delivery"),
		rooms:        make(map[string]map[string]presence.Conn),
		joined:       make(map[string]map[string]struct{}),
	}
}

// Encode builds the wire frame for event.
func Encode(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", event, err)
	}
	return json.Marshal(models.Envelope{Event: event, Data: data})
}

// BroadcastToConversation pushes to every live connection of the
// conversation's active participants.
func (r *Router) BroadcastToConversation(ctx context.Context, conversationID, event string, payload any) (Reach, error) {
	ids, err := r.participants.ActiveParticipantIDs(ctx, conversationID)
	if err != nil {
		return Reach{}, err
	}
	return r.BroadcastToUsers(ctx, ids, event, payload)
}

// BroadcastToUsers encodes once and pushes to all connections of userIDs.
func (r *Router) BroadcastToUsers(ctx context.Context, userIDs []string, event string, payload any) (Reach, error) {
	data, err := Encode(event, payload)
	if err != nil {
		return Reach{}, err
	}
	var reach Reach
	for _, id := range userIDs {
		if r.pushUser(ctx, id, data) {
			reach.Online = append(reach.Online, id)
		} else {
			reach.Offline = append(reach.Offline, id)
		}
	}
	return reach, nil
}

// SendToUser pushes to every connection of userID and reports whether any
// accepted it.
func (r *Router) SendToUser(ctx context.Context, userID, event string, payload any) bool {
	data, err := Encode(event, payload)
	if err != nil {
		r.logger.Error("encode failed", "event", event, "err", err)
		return false
	}
	return r.pushUser(ctx, userID, data)
}

func (r *Router) pushUser(ctx context.Context, userID string, data []byte) bool {
	delivered := false
	for _, conn := range r.presence.ConnectionsFor(userID) {
		if r.push(ctx, conn, data) {
			delivered = true
		}
	}
	return delivered
}

// push never fails the caller: a dead connection is logged and skipped.
func (r *Router) push(ctx context.Context, conn presence.Conn, data []byte) bool {
	if err := conn.Send(data); err != nil {
		observability.IncDelivery("dropped")
		r.logger.Warn("push dropped", "conn_id", conn.ID(), "user_id", conn.UserID(), "err", err)
		_ = r.events.Publish(ctx, "ws_events", "ws_error", map[string]any{
			"conn_id": conn.ID(),
			"user_id": conn.UserID(),
			"reason":  err.Error(),
		}, "")
		return false
	}
	observability.IncDelivery("queued")
	return true
}

// JoinRoom adds conn to the room of a conversation.
func (r *Router) JoinRoom(roomID string, conn presence.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rooms[roomID]; !ok {
		r.rooms[roomID] = make(map[string]presence.Conn)
	}
	r.rooms[roomID][conn.ID()] = conn
	if _, ok := r.joined[conn.ID()]; !ok {
		r.joined[conn.ID()] = make(map[string]struct{})
	}
	r.joined[conn.ID()][roomID] = struct{}{}
}

// LeaveRoom removes conn from roomID.
func (r *Router) LeaveRoom(roomID string, conn presence.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(roomID, conn.ID())
}

func (r *Router) leaveLocked(roomID, connID string) {
	if conns, ok := r.rooms[roomID]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(r.rooms, roomID)
		}
	}
	if rooms, ok := r.joined[connID]; ok {
		delete(rooms, roomID)
		if len(rooms) == 0 {
			delete(r.joined, connID)
		}
	}
}

// LeaveAll removes conn from every room it joined.
func (r *Router) LeaveAll(conn presence.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for roomID := range r.joined[conn.ID()] {
		r.leaveLocked(roomID, conn.ID())
	}
}

// JoinUser joins every live connection of userID to roomID.
func (r *Router) JoinUser(roomID, userID string) {
	for _, conn := range r.presence.ConnectionsFor(userID) {
		r.JoinRoom(roomID, conn)
	}
}

// RemoveUser removes every connection of userID from roomID.
func (r *Router) RemoveUser(roomID, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for connID, conn := range r.rooms[roomID] {
		if conn.UserID() == userID {
			r.leaveLocked(roomID, connID)
		}
	}
}

// InRoom reports whether conn joined roomID.
func (r *Router) InRoom(roomID string, conn presence.Conn) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[roomID][conn.ID()]
	return ok
}

// BroadcastToRoom pushes to the room's connections except those of
// exceptUserID and returns how many accepted.
func (r *Router) BroadcastToRoom(ctx context.Context, roomID, exceptUserID, event string, payload any) int {
	data, err := Encode(event, payload)
	if err != nil {
		r.logger.Error("encode failed", "event", event, "err", err)
		return 0
	}
	r.mu.RLock()
	targets := make([]presence.Conn, 0, len(r.rooms[roomID]))
	for _, conn := range r.rooms[roomID] {
		if conn.UserID() != exceptUserID {
			targets = append(targets, conn)
		}
	}
	r.mu.RUnlock()

	sent := 0
	for _, conn := range targets {
		if r.push(ctx, conn, data) {
			sent++
		}
	}
	return sent
}
