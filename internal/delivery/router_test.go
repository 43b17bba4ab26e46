package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-core/internal/models"
	"chat-core/internal/presence"
)

type fakeConn struct {
	id, user string
	fail     bool

	mu     sync.Mutex
	frames [][]byte
}

func (c *fakeConn) ID() string     { return c.id }
func (c *fakeConn) UserID() string { return c.user }

func (c *fakeConn) Send(data []byte) error {
	if c.fail {
		return errors.New("closed")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, data)
	return nil
}

func (c *fakeConn) events() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, f := range c.frames {
		var env models.Envelope
		_ = json.Unmarshal(f, &env)
		out = append(out, env.Event)
	}
	return out
}

type fakePresence map[string][]presence.Conn

func (p fakePresence) ConnectionsFor(userID string) []presence.Conn { return p[userID] }

type fakeParticipants map[string][]string

func (p fakeParticipants) ActiveParticipantIDs(_ context.Context, id string) ([]string, error) {
	return p[id], nil
}

func TestBroadcastToConversation_ReportsReach(t *testing.T) {
	a1 := &fakeConn{id: "a1", user: "a"}
	a2 := &fakeConn{id: "a2", user: "a"}
	b1 := &fakeConn{id: "b1", user: "b", fail: true}
	r := NewRouter(
		fakePresence{"a": {a1, a2}, "b": {b1}},
		fakeParticipants{"c1": {"a", "b", "c"}},
		nil, nil,
	)

	reach, err := r.BroadcastToConversation(context.Background(), "c1", models.EventMessageNew, map[string]string{"x": "y"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, reach.Online)
	assert.Equal(t, []string{"b", "c"}, reach.Offline)
	assert.Equal(t, []string{models.EventMessageNew}, a1.events())
	assert.Equal(t, []string{models.EventMessageNew}, a2.events())
}

func TestSendToUser(t *testing.T) {
	a1 := &fakeConn{id: "a1", user: "a"}
	r := NewRouter(fakePresence{"a": {a1}}, fakeParticipants{}, nil, nil)

	assert.True(t, r.SendToUser(context.Background(), "a", models.EventMessageSent, struct{}{}))
	assert.False(t, r.SendToUser(context.Background(), "nobody", models.EventMessageSent, struct{}{}))
	assert.Len(t, a1.events(), 1)
}

func TestRooms_TypingExcludesSender(t *testing.T) {
	a1 := &fakeConn{id: "a1", user: "a"}
	b1 := &fakeConn{id: "b1", user: "b"}
	b2 := &fakeConn{id: "b2", user: "b"}
	r := NewRouter(fakePresence{"b": {b1, b2}}, fakeParticipants{}, nil, nil)

	r.JoinRoom("c1", a1)
	r.JoinUser("c1", "b")
	assert.True(t, r.InRoom("c1", b2))

	sent := r.BroadcastToRoom(context.Background(), "c1", "a", models.EventTypingStart, models.TypingPayload{ConversationID: "c1", UserID: "a"})
	assert.Equal(t, 2, sent)
	assert.Empty(t, a1.events())

	r.RemoveUser("c1", "b")
	assert.False(t, r.InRoom("c1", b1))
	assert.Equal(t, 0, r.BroadcastToRoom(context.Background(), "c1", "a", models.EventTypingStop, nil))

	r.JoinRoom("c2", a1)
	r.LeaveAll(a1)
	assert.False(t, r.InRoom("c1", a1))
	assert.False(t, r.InRoom("c2", a1))
}

func TestEncode(t *testing.T) {
	data, err := Encode(models.EventMessageStatus, models.StatusPayload{MessageID: "m1", Status: models.StatusRead})
	require.NoError(t, err)

	var env models.Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, models.EventMessageStatus, env.Event)
	assert.Contains(t, string(env.Data), `"messageId":"m1"`)
}

func TestOrderingPerConnection(t *testing.T) {
	a1 := &fakeConn{id: "a1", user: "a"}
	r := NewRouter(fakePresence{"a": {a1}}, fakeParticipants{"c1": {"a"}}, nil, nil)
	names := []string{models.EventMessageNew, models.EventMessageStatus, models.EventMessageDeleted}
	for _, n := range names {
		_, err := r.BroadcastToConversation(context.Background(), "c1", n, nil)
		require.NoError(t, err)
	}
	assert.Equal(t, names, a1.events())
}
