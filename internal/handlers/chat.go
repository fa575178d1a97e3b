package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"marketplace-chat/internal/bus"
	"marketplace-chat/internal/directory"
	"marketplace-chat/internal/models"
	"marketplace-chat/internal/observability"
	"marketplace-chat/internal/store"
	"marketplace-chat/internal/telemetry"
)

// ChatHandler manages the conversation endpoints.
type ChatHandler struct {
	store   store.MessageStore
	dir     *directory.Directory
	bus     *bus.Bus
	emitter *telemetry.EventEmitter
}

// NewChatHandler builds a ChatHandler.
func NewChatHandler(st store.MessageStore, dir *directory.Directory, b *bus.Bus, emitter *telemetry.EventEmitter) *ChatHandler {
	return &ChatHandler{
		store:   st,
		dir:     dir,
		bus:     b,
		emitter: emitter,
	}
}

// ListConversations returns the authenticated user's inbox: one row per
// counterpart previewed by the most recent message, newest first.
func (h *ChatHandler) ListConversations(c *gin.Context) {
	userID := c.GetString("userID")

	conversations, err := h.dir.ListConversations(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load conversations"})
		return
	}

	unread, err := h.store.CountUnread(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load unread count"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"conversations": conversations, "unread_total": unread})
}

// GetThread returns the full message history with the counterpart,
// ascending by created_at. With ?mark_read=true the fetched direction is
// marked read in the same request, which is what the inbox does on open.
func (h *ChatHandler) GetThread(c *gin.Context) {
	userID := c.GetString("userID")
	counterpart := c.Param("user_id")
	if counterpart == "" || counterpart == userID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid counterpart id"})
		return
	}

	msgs, err := h.store.Range(c.Request.Context(), userID, counterpart)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load messages"})
		return
	}

	if c.Query("mark_read") == "true" {
		h.markRead(c, userID, counterpart)
	}

	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// PostMessage stores a message to the counterpart and pushes it onto the
// change feed.
func (h *ChatHandler) PostMessage(c *gin.Context) {
	userID := c.GetString("userID")
	counterpart := c.Param("user_id")

	var req struct {
		Content       string  `json:"content"`
		Type          string  `json:"type"`
		AdID          *string `json:"ad_id"`
		AttachmentURL *string `json:"attachment_url"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Type == "" {
		req.Type = string(models.TypeText)
	}

	msg, err := h.store.Insert(c.Request.Context(), models.NewMessage{
		SenderID:      userID,
		ReceiverID:    counterpart,
		AdID:          req.AdID,
		Content:       req.Content,
		Type:          models.MessageType(req.Type),
		AttachmentURL: req.AttachmentURL,
	})
	if err != nil {
		if errors.Is(err, models.ErrValidation) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store message"})
		return
	}

	ev := models.Event{Kind: models.EventMessageCreated, Message: &msg}
	h.bus.Publish(ev)
	observability.IncBusEvent(string(ev.Kind))
	h.dir.Invalidate(c.Request.Context(), msg.SenderID, msg.ReceiverID)
	h.emitter.Emit(c.Request.Context(), ev)

	c.JSON(http.StatusCreated, msg)
}

// MarkRead flips every unread message from the counterpart to the caller.
// Idempotent: repeat calls report zero updates.
func (h *ChatHandler) MarkRead(c *gin.Context) {
	userID := c.GetString("userID")
	counterpart := c.Param("user_id")
	if counterpart == "" || counterpart == userID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid counterpart id"})
		return
	}

	updated, ok := h.markRead(c, userID, counterpart)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": updated})
}

func (h *ChatHandler) markRead(c *gin.Context, reader, other string) (int64, bool) {
	updated, err := h.store.MarkRead(c.Request.Context(), reader, other)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to mark messages read"})
		return 0, false
	}
	if updated > 0 {
		ev := models.Event{Kind: models.EventMessagesRead, ReaderID: reader, OtherID: other}
		h.bus.Publish(ev)
		observability.IncBusEvent(string(ev.Kind))
		h.dir.Invalidate(c.Request.Context(), reader, other)
		h.emitter.Emit(c.Request.Context(), ev)
	}
	return updated, true
}
