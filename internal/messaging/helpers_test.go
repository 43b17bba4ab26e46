package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chat-core/internal/delivery"
	"chat-core/internal/models"
	"chat-core/internal/presence"
	"chat-core/internal/repositories/memstore"
)

type frame struct {
	event string
	data  json.RawMessage
}

type fakeConn struct {
	id, user string

	mu     sync.Mutex
	frames []frame
}

func (c *fakeConn) ID() string     { return c.id }
func (c *fakeConn) UserID() string { return c.user }

func (c *fakeConn) Send(data []byte) error {
	var env models.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, frame{event: env.Event, data: env.Data})
	return nil
}

func (c *fakeConn) events() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.frames))
	for _, f := range c.frames {
		out = append(out, f.event)
	}
	return out
}

// last decodes the most recent frame of event into v and reports whether
// there was one.
func (c *fakeConn) last(event string, v any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.frames) - 1; i >= 0; i-- {
		if c.frames[i].event == event {
			return json.Unmarshal(c.frames[i].data, v) == nil
		}
	}
	return false
}

// raw joins the payloads of every frame of event.
func (c *fakeConn) raw(event string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []byte
	for _, f := range c.frames {
		if f.event == event {
			out = append(out, f.data...)
		}
	}
	return string(out)
}

func (c *fakeConn) count(event string) int {
	n := 0
	for _, e := range c.events() {
		if e == event {
			n++
		}
	}
	return n
}

type fakePresence struct {
	mu    sync.Mutex
	conns map[string][]presence.Conn
}

func (p *fakePresence) ConnectionsFor(userID string) []presence.Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]presence.Conn(nil), p.conns[userID]...)
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []models.Notification
}

func (n *fakeNotifier) Notify(_ context.Context, note models.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, note)
	return nil
}

func (n *fakeNotifier) recipients() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, s := range n.sent {
		out = append(out, s.RecipientID)
	}
	return out
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type harness struct {
	o        *Orchestrator
	convs    *memstore.Conversations
	msgs     *memstore.Messages
	presence *fakePresence
	notifier *fakeNotifier
	clock    *fakeClock
	conns    map[string]*fakeConn
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		convs:    memstore.NewConversations(),
		msgs:     memstore.NewMessages(),
		presence: &fakePresence{conns: map[string][]presence.Conn{}},
		notifier: &fakeNotifier{},
		clock:    &fakeClock{t: time.Now().Add(-time.Hour)},
		conns:    map[string]*fakeConn{},
	}
	var seq atomic.Int64
	router := delivery.NewRouter(h.presence, h.convs, nil, nil)
	h.o = New(Deps{
		Conversations: h.convs,
		Messages:      h.msgs,
		Tx:            h.convs,
		Router:        router,
		Notifier:      h.notifier,
		Clock:         h.clock.now,
		NewID:         func() string { return fmt.Sprintf("id-%d", seq.Add(1)) },
	}, Config{})
	return h
}

// connect gives userID one live connection.
func (h *harness) connect(userID string) *fakeConn {
	conn := &fakeConn{id: "conn-" + userID, user: userID}
	h.presence.mu.Lock()
	h.presence.conns[userID] = append(h.presence.conns[userID], conn)
	h.presence.mu.Unlock()
	h.conns[userID] = conn
	return conn
}

func (h *harness) conversation(t *testing.T, id string) *models.Conversation {
	t.Helper()
	conv, err := h.convs.Get(context.Background(), id)
	require.NoError(t, err)
	return conv
}

func (h *harness) group(t *testing.T, creator string, others ...string) *models.Conversation {
	t.Helper()
	conv, err := h.o.CreateGroup(context.Background(), creator, GroupInput{Name: "team", ParticipantIDs: others})
	require.NoError(t, err)
	return conv
}

func (h *harness) send(t *testing.T, convID, sender, content string) *models.Message {
	t.Helper()
	msg, err := h.o.SendMessage(context.Background(), SendInput{ConversationID: convID, SenderID: sender, Content: content})
	require.NoError(t, err)
	return msg
}
