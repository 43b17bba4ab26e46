package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"chat-core/internal/apperr"
	"chat-core/internal/messaging"
	"chat-core/internal/models"
)

// ConversationService is the read side of messaging plus invite creation.
type ConversationService interface {
	ListConversations(ctx context.Context, userID string) ([]*models.Conversation, error)
	ListMessages(ctx context.Context, conversationID, userID string, before time.Time, limit int) ([]*models.Message, error)
	CreateInvite(ctx context.Context, conversationID, actor string, in messaging.InviteInput) (models.InviteLink, error)
	TotalUnread(ctx context.Context, userID string) (int, error)
}

// PresenceReader answers presence queries from the connection registry.
type PresenceReader interface {
	IsOnline(userID string) bool
	LastSeen(userID string) (time.Time, bool)
}

// ConversationHandler serves the REST endpoints clients use to load state
// before and between websocket sessions.
type ConversationHandler struct {
	svc      ConversationService
	presence PresenceReader
}

func NewConversationHandler(svc ConversationService, presence PresenceReader) *ConversationHandler {
	return &ConversationHandler{svc: svc, presence: presence}
}

// Register mounts the routes on an authenticated group.
func (h *ConversationHandler) Register(r gin.IRoutes) {
	r.GET("/conversations", h.ListConversations)
	r.GET("/conversations/:conversation_id/messages", h.ListMessages)
	r.POST("/conversations/:conversation_id/invites", h.CreateInvite)
	r.GET("/unread", h.TotalUnread)
	r.GET("/presence/:user_id", h.Presence)
}

func (h *ConversationHandler) ListConversations(c *gin.Context) {
	convs, err := h.svc.ListConversations(c.Request.Context(), userIDFromContext(c))
	if err != nil {
		respondError(c, err)
		return
	}
	if convs == nil {
		convs = []*models.Conversation{}
	}
	c.JSON(http.StatusOK, gin.H{"conversations": convs})
}

// ListMessages pages backwards: ?before=<RFC3339>&limit=<n>.
func (h *ConversationHandler) ListMessages(c *gin.Context) {
	var before time.Time
	if raw := c.Query("before"); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			respondError(c, apperr.Errorf(apperr.ErrValidation, "before must be an RFC3339 timestamp"))
			return
		}
		before = parsed
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			respondError(c, apperr.Errorf(apperr.ErrValidation, "limit must be a positive integer"))
			return
		}
		limit = parsed
	}

	msgs, err := h.svc.ListMessages(c.Request.Context(), c.Param("conversation_id"), userIDFromContext(c), before, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	if msgs == nil {
		msgs = []*models.Message{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

type createInviteRequest struct {
	ExpiresInSeconds int    `json:"expires_in_seconds"`
	MaxUses          int    `json:"max_uses"`
	ClientID         string `json:"client_id"`
}

func (h *ConversationHandler) CreateInvite(c *gin.Context) {
	var req createInviteRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, apperr.Errorf(apperr.ErrValidation, "invalid request body"))
			return
		}
	}

	ctx := messaging.WithRequestID(c.Request.Context(), requestIDFromContext(c))
	link, err := h.svc.CreateInvite(ctx, c.Param("conversation_id"), userIDFromContext(c), messaging.InviteInput{
		ExpiresIn: time.Duration(req.ExpiresInSeconds) * time.Second,
		MaxUses:   req.MaxUses,
		ClientID:  req.ClientID,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"invite": link})
}

func (h *ConversationHandler) TotalUnread(c *gin.Context) {
	total, err := h.svc.TotalUnread(c.Request.Context(), userIDFromContext(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"total": total})
}

func (h *ConversationHandler) Presence(c *gin.Context) {
	userID := c.Param("user_id")
	resp := gin.H{"user_id": userID, "online": h.presence.IsOnline(userID)}
	if seen, ok := h.presence.LastSeen(userID); ok {
		resp["last_seen"] = seen
	}
	c.JSON(http.StatusOK, resp)
}
