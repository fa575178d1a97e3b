package ws

import (
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"marketplace-chat/internal/bus"
	"marketplace-chat/internal/models"
	"marketplace-chat/internal/observability"
	"marketplace-chat/internal/presence"
)

const clientQueueSize = 32

// Hub maintains active websocket rooms, one per presence channel. It owns
// a single change-feed subscription and routes each event to every room
// whose conversation the event belongs to; presence snapshots are fanned
// out per room by a watcher held for the room's lifetime.
type Hub struct {
	mu      sync.RWMutex
	rooms   map[string]*room
	bus     *bus.Bus
	tracker *presence.Tracker
}

type room struct {
	channel string
	key     models.ConversationKey
	clients map[*Client]struct{}
	watcher *presence.Watcher
	done    chan struct{}
}

// Client is one registered websocket connection with its outbound queue.
type Client struct {
	conn *websocket.Conn
	send chan Frame
	info ConnInfo

	room *room
	once sync.Once
	done chan struct{}
}

// Info returns the connection metadata.
func (c *Client) Info() ConnInfo {
	return c.info
}

// NewHub creates an empty hub.
func NewHub(b *bus.Bus, tracker *presence.Tracker) *Hub {
	return &Hub{
		rooms:   make(map[string]*room),
		bus:     b,
		tracker: tracker,
	}
}

// Run consumes the change feed and dispatches to rooms until the bus
// subscription handle is closed via the returned stop function.
func (h *Hub) Run() (stop func()) {
	sub := h.bus.Subscribe()
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case ev := <-sub.C():
				h.dispatch(ev)
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			sub.Close()
			close(done)
		})
	}
}

func (h *Hub) dispatch(ev models.Event) {
	frame := frameFromEvent(ev)
	evKey := ev.Key()

	h.mu.RLock()
	var targets []*Client
	for _, r := range h.rooms {
		if r.key == evKey {
			for c := range r.clients {
				targets = append(targets, c)
			}
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.enqueue(frame)
	}
}

// Join registers a connection in the channel's room, creating the room and
// its presence watcher on first join. The returned client's writer pump is
// already running.
func (h *Hub) Join(channel string, key models.ConversationKey, conn *websocket.Conn, info ConnInfo) *Client {
	client := &Client{
		conn: conn,
		send: make(chan Frame, clientQueueSize),
		info: info,
		done: make(chan struct{}),
	}

	h.mu.Lock()
	r, ok := h.rooms[channel]
	if !ok {
		r = &room{
			channel: channel,
			key:     key,
			clients: make(map[*Client]struct{}),
			watcher: h.tracker.Watch(channel),
			done:    make(chan struct{}),
		}
		h.rooms[channel] = r
		go h.forwardPresence(r)
	}
	r.clients[client] = struct{}{}
	client.room = r
	h.mu.Unlock()

	if conn != nil {
		go client.writePump(h)
	}
	observability.IncWSActive(info.Kind)
	return client
}

// Leave removes the client and tears the room down when it empties,
// closing the presence watcher with it. Idempotent.
func (h *Hub) Leave(client *Client) {
	client.once.Do(func() {
		h.mu.Lock()
		r := client.room
		delete(r.clients, client)
		empty := len(r.clients) == 0
		if empty {
			delete(h.rooms, r.channel)
		}
		h.mu.Unlock()

		close(client.done)
		if empty {
			r.watcher.Close()
			close(r.done)
		}
		observability.DecWSActive(client.info.Kind)
	})
}

// ClientCount reports the number of clients in a channel's room.
func (h *Hub) ClientCount(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if r, ok := h.rooms[channel]; ok {
		return len(r.clients)
	}
	return 0
}

func (h *Hub) forwardPresence(r *room) {
	for {
		select {
		case <-r.done:
			return
		case snap := <-r.watcher.C():
			frame := Frame{Type: "presence", Presence: snap}
			h.mu.RLock()
			clients := make([]*Client, 0, len(r.clients))
			for c := range r.clients {
				clients = append(clients, c)
			}
			h.mu.RUnlock()
			for _, c := range clients {
				c.enqueue(frame)
			}
		}
	}
}

func (c *Client) enqueue(frame Frame) {
	select {
	case c.send <- frame:
	case <-c.done:
	default:
		// Queue full: the connection is too slow to keep up. Drop the frame
		// for this client; transcript consistency is restored by the
		// client's own fetch-and-dedupe path.
		observability.IncWSEvent(c.info.Kind, "ws_dropped_frame")
	}
}

func (c *Client) writePump(h *Hub) {
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			if err := c.conn.WriteJSON(frame); err != nil {
				log.Debug().Err(err).Str("conn_id", c.info.ConnID).Msg("websocket write error")
				observability.IncWSEvent(c.info.Kind, "ws_error")
				c.conn.Close()
				h.Leave(c)
				return
			}
		}
	}
}
