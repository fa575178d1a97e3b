package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"

	"marketplace-chat/internal/bus"
	"marketplace-chat/internal/directory"
	"marketplace-chat/internal/identity"
	"marketplace-chat/internal/models"
	"marketplace-chat/internal/observability"
	"marketplace-chat/internal/presence"
	"marketplace-chat/internal/store"
	"marketplace-chat/internal/telemetry"
)

// ChatWebSocketHandler upgrades conversation websocket connections and
// bridges them to the change feed and the presence channel.
type ChatWebSocketHandler struct {
	hub      *Hub
	tracker  *presence.Tracker
	store    store.MessageStore
	dir      *directory.Directory
	bus      *bus.Bus
	emitter  *telemetry.EventEmitter
	provider *identity.Provider
}

// NewChatWebSocketHandler constructs a ChatWebSocketHandler.
func NewChatWebSocketHandler(hub *Hub, tracker *presence.Tracker, st store.MessageStore, dir *directory.Directory, b *bus.Bus, emitter *telemetry.EventEmitter, provider *identity.Provider) *ChatWebSocketHandler {
	return &ChatWebSocketHandler{
		hub:      hub,
		tracker:  tracker,
		store:    st,
		dir:      dir,
		bus:      b,
		emitter:  emitter,
		provider: provider,
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handle authenticates, upgrades the connection and wires it into the
// conversation channel. The subscription, presence session and room
// membership are all released on the same defer path, so navigating away
// can never leak a listener or a ghost typing indicator.
func (h *ChatWebSocketHandler) Handle(c *gin.Context) {
	counterpart := c.Param("user_id")
	if counterpart == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid counterpart id"})
		return
	}

	ctx, span := otel.Tracer("marketplace-chat/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	token := c.GetHeader("Authorization")
	if token == "" {
		if q := c.Query("token"); q != "" {
			token = "Bearer " + q
		}
	}
	userID, err := h.validateToken(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	if userID == counterpart {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot open a conversation with yourself"})
		return
	}

	key := models.NewConversationKey(userID, counterpart)
	kind := "pair"
	channel := key.Channel()
	if adID := c.Query("ad_id"); adID != "" {
		// Embedded widget variant: presence is scoped per ad+pair.
		channel = key.ChannelForAd(adID)
		kind = "ad"
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	info := ConnInfo{
		ConnID:      newConnID(),
		UserID:      userID,
		Kind:        kind,
		DeviceID:    observability.DeviceIDFromRequest(c.Request),
		IP:          observability.IPFromRequest(c.Request),
		RequestID:   observability.RequestIDFromRequest(c.Request),
		TraceID:     span.SpanContext().TraceID().String(),
		ConnectedAt: time.Now(),
	}

	client := h.hub.Join(channel, key, conn, info)
	session := h.tracker.Track(channel, info.ConnID, userID)
	observability.IncWSEvent(kind, "ws_connect")
	observability.SetPresenceSessions(h.tracker.Sessions())

	go h.readLoop(conn, client, session, userID, counterpart, kind)
}

func (h *ChatWebSocketHandler) readLoop(conn *websocket.Conn, client *Client, session *presence.Session, userID, counterpart, kind string) {
	defer func() {
		session.Leave()
		h.hub.Leave(client)
		conn.Close()
		observability.IncWSEvent(kind, "ws_disconnect")
		observability.SetPresenceSessions(h.tracker.Sessions())
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				observability.IncWSEvent(kind, "ws_error")
			}
			return
		}

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Debug().Err(err).Str("user_id", userID).Msg("malformed websocket frame")
			continue
		}

		switch frame.Type {
		case "typing":
			session.SetTyping(frame.IsTyping)
		case "heartbeat":
			session.Heartbeat()
		case "read":
			h.markRead(context.Background(), userID, counterpart)
		}
	}
}

func (h *ChatWebSocketHandler) markRead(ctx context.Context, reader, other string) {
	updated, err := h.store.MarkRead(ctx, reader, other)
	if err != nil {
		log.Warn().Err(err).Str("reader", reader).Msg("websocket mark read failed")
		return
	}
	if updated == 0 {
		return
	}
	ev := models.Event{Kind: models.EventMessagesRead, ReaderID: reader, OtherID: other}
	h.bus.Publish(ev)
	observability.IncBusEvent(string(ev.Kind))
	h.dir.Invalidate(ctx, reader, other)
	h.emitter.Emit(ctx, ev)
}

func (h *ChatWebSocketHandler) validateToken(header string) (string, error) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", identity.ErrAuthRequired
	}
	return h.provider.Verify(parts[1])
}
