package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"chat-sync/internal/feed"
	"chat-sync/internal/models"
	"chat-sync/internal/mutation"
	"chat-sync/internal/projector"
	"chat-sync/internal/store"
	"chat-sync/internal/syncerr"
	"chat-sync/internal/telemetry"
)

// SyncService is the engine surface the HTTP layer drives.
type SyncService interface {
	Conversations(f projector.ConversationFilter) ([]projector.ConversationView, error)
	Conversation(conversationID string) (*models.Conversation, error)
	Messages(conversationID string) ([]*models.Message, error)
	OpenConversation(ctx context.Context, conversationID string) (*feed.Handle, error)
	CloseConversation(conversationID string)
	MarkConversationRead(conversationID string, count int) (*mutation.Mutation, error)
	MarkConversationAllRead(conversationID string) (*mutation.Mutation, error)
	MarkMessageRead(conversationID, messageID string) (*mutation.Mutation, error)
	SetFlag(conversationID string, op mutation.Op, value bool) (*mutation.Mutation, error)
	DeleteMessage(conversationID, messageID string) (*mutation.Mutation, error)
	Notifications(f projector.NotificationFilter) ([]*models.Notification, error)
	MarkNotificationRead(notificationID string) (*mutation.Mutation, error)
	MarkAllNotificationsRead() (int, error)
	Totals() store.Totals
	Pending() []*mutation.Mutation
	Presence(userID string) models.PresenceEntry
	SetOwnPresence(ctx context.Context, status models.PresenceStatus) error
	SetOwnTyping(ctx context.Context, conversationID string, typing bool) error
}

// SyncHandler serves projections and accepts mutations.
type SyncHandler struct {
	svc    SyncService
	audit  *telemetry.AuditEmitter
	logger *zap.Logger
	// feedCtx outlives requests; message feeds opened over HTTP stay open
	// until closed explicitly.
	feedCtx context.Context
}

// NewSyncHandler builds a SyncHandler.
func NewSyncHandler(feedCtx context.Context, svc SyncService, audit *telemetry.AuditEmitter, logger *zap.Logger) *SyncHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SyncHandler{svc: svc, audit: audit, logger: logger, feedCtx: feedCtx}
}

// Register wires the routes onto r.
func (h *SyncHandler) Register(r gin.IRouter) {
	r.GET("/conversations", h.ListConversations)
	r.GET("/conversations/:id", h.GetConversation)
	r.POST("/conversations/:id/open", h.OpenConversation)
	r.DELETE("/conversations/:id/open", h.CloseConversation)
	r.GET("/conversations/:id/messages", h.ListMessages)
	r.POST("/conversations/:id/read", h.MarkConversationRead)
	r.POST("/conversations/:id/read-all", h.MarkConversationAllRead)
	r.PUT("/conversations/:id/flags/:flag", h.SetFlag)
	r.POST("/conversations/:id/messages/:message_id/read", h.MarkMessageRead)
	r.DELETE("/conversations/:id/messages/:message_id", h.DeleteMessage)
	r.GET("/notifications", h.ListNotifications)
	r.POST("/notifications/read-all", h.MarkAllNotificationsRead)
	r.POST("/notifications/:id/read", h.MarkNotificationRead)
	r.GET("/badge", h.Badge)
	r.GET("/presence/:user_id", h.GetPresence)
	r.PUT("/presence", h.SetPresence)
}

type mutationResponse struct {
	ID     string      `json:"mutation_id"`
	Op     mutation.Op `json:"op"`
	Target models.Ref  `json:"target"`
	Value  bool        `json:"value,omitempty"`
}

func toMutationResponse(m *mutation.Mutation) *mutationResponse {
	if m == nil {
		return nil
	}
	return &mutationResponse{ID: m.ID, Op: m.Op, Target: m.Target, Value: m.Value}
}

// writeError maps sync errors onto status codes.
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, syncerr.ErrInvalidOperation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, syncerr.ErrNotFound), errors.Is(err, syncerr.ErrTombstoned):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, syncerr.ErrPermissionDenied):
		c.JSON(http.StatusForbidden, gin.H{"error": "permission denied"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func (h *SyncHandler) accepted(c *gin.Context, m *mutation.Mutation, err error, what string) {
	if err != nil {
		h.logger.Debug("mutation rejected", zap.String("op", what), zap.Error(err))
		writeError(c, err)
		return
	}
	if m != nil {
		h.audit.Emit(c.Request.Context(), "INFO", fmt.Sprintf("%s %s", m.Op, m.Target), requestIDFromContext(c), userIDFromContext(c))
	}
	c.JSON(http.StatusAccepted, gin.H{"mutation": toMutationResponse(m)})
}

// ListConversations returns the projected conversation list.
func (h *SyncHandler) ListConversations(c *gin.Context) {
	f := projector.ConversationFilter{
		Mode: projector.ConversationMode(c.Query("filter")),
		Sort: projector.ConversationSort(c.Query("sort")),
		Kind: models.ConversationKind(c.Query("kind")),
	}
	if raw := c.Query("include_archived"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid include_archived"})
			return
		}
		f.IncludeArchived = v
	}

	views, err := h.svc.Conversations(f)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": views})
}

// GetConversation returns one conversation.
func (h *SyncHandler) GetConversation(c *gin.Context) {
	conv, err := h.svc.Conversation(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation": conv})
}

// OpenConversation starts following the messages of a conversation.
func (h *SyncHandler) OpenConversation(c *gin.Context) {
	handle, err := h.svc.OpenConversation(h.feedCtx, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"query": handle.Query().String()})
}

// CloseConversation stops the messages feed of a conversation.
func (h *SyncHandler) CloseConversation(c *gin.Context) {
	h.svc.CloseConversation(c.Param("id"))
	c.Status(http.StatusNoContent)
}

// ListMessages returns the loaded messages of a conversation.
func (h *SyncHandler) ListMessages(c *gin.Context) {
	msgs, err := h.svc.Messages(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// MarkConversationRead decrements the unread counter by count.
func (h *SyncHandler) MarkConversationRead(c *gin.Context) {
	var req struct {
		Count *int `json:"count" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	m, err := h.svc.MarkConversationRead(c.Param("id"), *req.Count)
	h.accepted(c, m, err, "markRead")
}

// MarkConversationAllRead clears the conversation's unread state.
func (h *SyncHandler) MarkConversationAllRead(c *gin.Context) {
	m, err := h.svc.MarkConversationAllRead(c.Param("id"))
	h.accepted(c, m, err, "markAllRead")
}

var flagOps = map[string]mutation.Op{
	"pin":      mutation.OpPin,
	"mute":     mutation.OpMute,
	"archive":  mutation.OpArchive,
	"favorite": mutation.OpFavorite,
}

// SetFlag toggles pin, mute, archive or favorite.
func (h *SyncHandler) SetFlag(c *gin.Context) {
	op, ok := flagOps[c.Param("flag")]
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown flag"})
		return
	}
	var req struct {
		Value *bool `json:"value" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	m, err := h.svc.SetFlag(c.Param("id"), op, *req.Value)
	h.accepted(c, m, err, string(op))
}

// MarkMessageRead marks one message read.
func (h *SyncHandler) MarkMessageRead(c *gin.Context) {
	m, err := h.svc.MarkMessageRead(c.Param("id"), c.Param("message_id"))
	h.accepted(c, m, err, "markRead")
}

// DeleteMessage tombstones a message.
func (h *SyncHandler) DeleteMessage(c *gin.Context) {
	m, err := h.svc.DeleteMessage(c.Param("id"), c.Param("message_id"))
	h.accepted(c, m, err, "delete")
}

// ListNotifications returns the projected notification list.
func (h *SyncHandler) ListNotifications(c *gin.Context) {
	f := projector.NotificationFilter{
		Mode: projector.NotificationMode(c.Query("filter")),
		Type: models.NotificationType(c.Query("type")),
		Sort: projector.NotificationSort(c.Query("sort")),
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		f.Limit = limit
	}

	list, err := h.svc.Notifications(f)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"notifications": list})
}

// MarkNotificationRead marks one notification read.
func (h *SyncHandler) MarkNotificationRead(c *gin.Context) {
	m, err := h.svc.MarkNotificationRead(c.Param("id"))
	h.accepted(c, m, err, "markRead")
}

// MarkAllNotificationsRead marks every unread notification read.
func (h *SyncHandler) MarkAllNotificationsRead(c *gin.Context) {
	n, err := h.svc.MarkAllNotificationsRead()
	if err != nil {
		writeError(c, err)
		return
	}
	if n > 0 {
		h.audit.Emit(c.Request.Context(), "INFO", fmt.Sprintf("markAllRead %d notifications", n), requestIDFromContext(c), userIDFromContext(c))
	}
	c.JSON(http.StatusAccepted, gin.H{"marked": n})
}

// Badge returns the derived unread totals.
func (h *SyncHandler) Badge(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.Totals())
}

// GetPresence returns a user's presence; unknown users read as offline.
func (h *SyncHandler) GetPresence(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.Presence(c.Param("user_id")))
}

// SetPresence publishes the current user's status and typing state.
func (h *SyncHandler) SetPresence(c *gin.Context) {
	var req struct {
		Status         models.PresenceStatus `json:"status"`
		Typing         *bool                 `json:"typing"`
		ConversationID string                `json:"conversation_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Status == "" && req.Typing == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "status or typing required"})
		return
	}
	if req.Typing != nil && req.ConversationID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "conversation_id required with typing"})
		return
	}

	ctx := c.Request.Context()
	if req.Status != "" {
		if err := h.svc.SetOwnPresence(ctx, req.Status); err != nil {
			writeError(c, err)
			return
		}
	}
	if req.Typing != nil {
		if err := h.svc.SetOwnTyping(ctx, req.ConversationID, *req.Typing); err != nil {
			writeError(c, err)
			return
		}
	}
	c.Status(http.StatusNoContent)
}
