package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-core/internal/auth"
	"chat-core/internal/delivery"
	"chat-core/internal/messaging"
	"chat-core/internal/models"
	"chat-core/internal/presence"
	"chat-core/internal/repositories/memstore"
)

const testSecret = "test-secret"

type testServer struct {
	url      string
	svc      *messaging.Orchestrator
	registry *presence.Registry
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	convs := memstore.NewConversations()
	registry := presence.NewRegistry(presence.Options{})
	router := delivery.NewRouter(registry, convs, nil, nil)
	svc := messaging.New(messaging.Deps{
		Conversations: convs,
		Messages:      memstore.NewMessages(),
		Tx:            convs,
		Router:        router,
	}, messaging.Config{})

	h := NewHandler(svc, router, registry, auth.NewJWTAuthenticator(testSecret), Options{SendBuffer: 64})
	engine := gin.New()
	engine.GET("/ws", h.Handle)
	srv := httptest.NewServer(engine)
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = registry.Close(ctx)
	})
	return &testServer{url: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws", svc: svc, registry: registry}
}

func token(t *testing.T, userID string) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   userID,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func (s *testServer) dial(t *testing.T, tok string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(s.url+"?token="+tok, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// connect dials as userID and consumes connection:ready.
func (s *testServer) connect(t *testing.T, userID string) (*websocket.Conn, models.ReadyPayload) {
	t.Helper()
	conn := s.dial(t, token(t, userID))
	var ready models.ReadyPayload
	expect(t, conn, models.EventConnectionReady, &ready)
	return conn, ready
}

func emit(t *testing.T, conn *websocket.Conn, event string, payload any) {
	t.Helper()
	data, err := delivery.Encode(event, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

// expect reads frames until event arrives and decodes its data into v.
func expect(t *testing.T, conn *websocket.Conn, event string, v any) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %s", event)
		var env models.Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		if env.Event == event {
			if v != nil {
				require.NoError(t, json.Unmarshal(env.Data, v))
			}
			return
		}
	}
}

func TestHandle_RejectsMissingToken(t *testing.T) {
	s := newTestServer(t)
	conn := s.dial(t, "")

	var payload models.ErrorPayload
	expect(t, conn, models.EventConnectionError, &payload)
	assert.Equal(t, "Unauthenticated", payload.Kind)

	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestHandle_RejectsBadToken(t *testing.T) {
	s := newTestServer(t)
	conn := s.dial(t, "not-a-jwt")

	var payload models.ErrorPayload
	expect(t, conn, models.EventConnectionError, &payload)
	assert.Equal(t, "Unauthenticated", payload.Kind)
}

func TestHandle_ReadyListsConversations(t *testing.T) {
	s := newTestServer(t)
	conv, err := s.svc.FindOrCreateDirect(context.Background(), "alice", "bob", "")
	require.NoError(t, err)

	_, ready := s.connect(t, "bob")
	assert.Equal(t, "bob", ready.UserID)
	assert.Equal(t, []string{conv.ID}, ready.Conversations)
	assert.True(t, s.registry.IsOnline("bob"))
}

func TestHandle_SendMessageAcksAndFansOut(t *testing.T) {
	s := newTestServer(t)
	alice, _ := s.connect(t, "alice")
	bob, _ := s.connect(t, "bob")

	emit(t, alice, models.EventMessageSend, map[string]any{
		"recipientId": "bob",
		"content":     "hello",
		"clientId":    "c-1",
	})

	var ack models.MessagePayload
	expect(t, alice, models.EventMessageSent, &ack)
	assert.Equal(t, "c-1", ack.ClientID)
	assert.Equal(t, "hello", ack.Message.Content)

	var got models.MessagePayload
	expect(t, bob, models.EventMessageNew, &got)
	assert.Equal(t, ack.Message.ID, got.Message.ID)

	var unread models.UnreadCountPayload
	expect(t, bob, models.EventConversationUnreadCount, &unread)
	assert.Equal(t, 1, unread.Count)

	emit(t, bob, models.EventMessageRead, map[string]any{"messageId": got.Message.ID})
	var status models.StatusPayload
	expect(t, alice, models.EventMessageStatus, &status)
	assert.Equal(t, models.StatusRead, status.Status)
	assert.Equal(t, "bob", status.UserID)
}

func TestHandle_ErrorsAreReportedPerPrefix(t *testing.T) {
	s := newTestServer(t)
	alice, _ := s.connect(t, "alice")

	emit(t, alice, models.EventMessageSend, map[string]any{"recipientId": "bob", "clientId": "c-2"})
	var payload models.ErrorPayload
	expect(t, alice, "message:error", &payload)
	assert.Equal(t, "ValidationError", payload.Kind)
	assert.Equal(t, "c-2", payload.ClientID)

	emit(t, alice, models.EventConversationMarkRead, map[string]any{"conversationId": "missing"})
	expect(t, alice, "conversation:error", &payload)
	assert.Equal(t, "NotFound", payload.Kind)

	emit(t, alice, "bogus:event", map[string]any{})
	expect(t, alice, models.EventConnectionError, &payload)
	assert.Equal(t, "ValidationError", payload.Kind)

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte("{not json")))
	expect(t, alice, models.EventConnectionError, &payload)
	assert.Equal(t, "malformed frame", payload.Error)
}

func TestHandle_TypingRelaysToRoom(t *testing.T) {
	s := newTestServer(t)
	conv, err := s.svc.CreateGroup(context.Background(), "alice", messaging.GroupInput{
		Name:           "team",
		ParticipantIDs: []string{"bob", "carol"},
	})
	require.NoError(t, err)

	alice, _ := s.connect(t, "alice")
	bob, _ := s.connect(t, "bob")

	emit(t, alice, models.EventTypingStart, map[string]any{"conversationId": conv.ID})
	var typing models.TypingPayload
	expect(t, bob, models.EventTypingStart, &typing)
	assert.Equal(t, "alice", typing.UserID)
	assert.Equal(t, conv.ID, typing.ConversationID)

	emit(t, alice, models.EventTypingStop, map[string]any{"conversationId": "elsewhere"})
	var payload models.ErrorPayload
	expect(t, alice, "typing:error", &payload)
	assert.Equal(t, "PermissionDenied", payload.Kind)
}

func TestHandle_CreateGroupJoinsMembersOnline(t *testing.T) {
	s := newTestServer(t)
	alice, _ := s.connect(t, "alice")
	bob, _ := s.connect(t, "bob")

	emit(t, alice, models.EventConversationCreate, map[string]any{
		"type":           "group",
		"name":           "team",
		"participantIds": []string{"bob", "carol"},
		"clientId":       "g-1",
	})
	var created models.ConversationPayload
	expect(t, alice, models.EventConversationCreated, &created)
	assert.Equal(t, "g-1", created.ClientID)
	expect(t, bob, models.EventConversationCreated, nil)

	// bob's existing connection joined the new room.
	emit(t, bob, models.EventTypingStart, map[string]any{"conversationId": created.Conversation.ID})
	expect(t, alice, models.EventTypingStart, nil)
}

func TestHandle_DisconnectUnregisters(t *testing.T) {
	s := newTestServer(t)
	alice, _ := s.connect(t, "alice")
	require.True(t, s.registry.IsOnline("alice"))

	require.NoError(t, alice.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	assert.Eventually(t, func() bool { return !s.registry.IsOnline("alice") }, 3*time.Second, 10*time.Millisecond)
}

func TestSession_Transitions(t *testing.T) {
	s := &Session{state: StateConnecting}
	require.NoError(t, s.transition(StateAuthenticated))
	require.Error(t, s.transition(StateConnecting))
	require.NoError(t, s.transition(StateActive))
	require.Error(t, s.transition(StateClosed), "must pass through closing")
	require.NoError(t, s.transition(StateClosing))
	require.Error(t, s.transition(StateClosing), "teardown runs once")
	require.NoError(t, s.transition(StateClosed))
	assert.Equal(t, "closed", s.State().String())
}

func TestClient_SendOverflowCloses(t *testing.T) {
	c := newClient(nil, ConnInfo{ConnID: "c1", UserID: "alice"}, 1)
	require.NoError(t, c.Send([]byte("a")))
	assert.ErrorIs(t, c.Send([]byte("b")), ErrSendQueueFull)
	assert.ErrorIs(t, c.Send([]byte("c")), ErrClientClosed)
	assert.True(t, c.isClosed())
}

func TestErrorEvent(t *testing.T) {
	assert.Equal(t, "message:error", errorEvent(models.EventMessageSend))
	assert.Equal(t, "typing:error", errorEvent(models.EventTypingStart))
	assert.Equal(t, models.EventConnectionError, errorEvent("bogus"))
}
