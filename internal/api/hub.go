package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"fleet-risk/internal/reconcile"
)

const (
	writeWait      = 10 * time.Second
	broadcastDepth = 256
)

type client struct {
	conn     *websocket.Conn
	instance string
}

// Hub streams reconciliation events to websocket clients. Each client
// subscribes to one instance.
type Hub struct {
	upgrader  websocket.Upgrader
	clients   map[*client]struct{}
	clientsMu sync.RWMutex
	broadcast chan reconcile.Event
}

var _ reconcile.Sink = (*Hub)(nil)

func NewHub() *Hub {
	return &Hub{
		upgrader:  websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		clients:   make(map[*client]struct{}),
		broadcast: make(chan reconcile.Event, broadcastDepth),
	}
}

// Publish queues an event for delivery. Events are dropped rather than
// blocking the loop when the queue is full.
func (h *Hub) Publish(ev reconcile.Event) {
	select {
	case h.broadcast <- ev:
	default:
		log.Warn().Str("instance", ev.Instance).Str("type", string(ev.Type)).Msg("Event queue full, dropping event")
	}
}

// Run delivers queued events until ctx is cancelled, then disconnects every
// client.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case ev := <-h.broadcast:
			h.broadcastToClients(ev)
		}
	}
}

// Clients returns the number of connected subscribers.
func (h *Hub) Clients() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

func (h *Hub) broadcastToClients(ev reconcile.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal event for broadcast")
		return
	}

	h.clientsMu.RLock()
	var failed []*client
	for c := range h.clients {
		if c.instance != ev.Instance {
			continue
		}
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Debug().Err(err).Str("instance", c.instance).Msg("Failed to send event to websocket client")
			failed = append(failed, c)
		}
	}
	h.clientsMu.RUnlock()

	for _, c := range failed {
		h.remove(c)
	}
}

// serve upgrades the request and keeps the subscription open until the peer
// goes away. initial is sent before any event.
func (h *Hub) serve(w http.ResponseWriter, r *http.Request, instance string, initial any) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Failed to upgrade websocket connection")
		return
	}
	c := &client{conn: conn, instance: instance}

	if initial != nil {
		if data, err := json.Marshal(initial); err == nil {
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				conn.Close()
				return
			}
		}
	}

	h.clientsMu.Lock()
	h.clients[c] = struct{}{}
	h.clientsMu.Unlock()
	log.Debug().Str("instance", instance).Msg("Event subscriber connected")

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.remove(c)
}

func (h *Hub) remove(c *client) {
	h.clientsMu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.clientsMu.Unlock()
	if ok {
		c.conn.Close()
	}
}

func (h *Hub) closeAll() {
	h.clientsMu.Lock()
	for c := range h.clients {
		c.conn.Close()
	}
	h.clients = make(map[*client]struct{})
	h.clientsMu.Unlock()
}
