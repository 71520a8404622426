// Package live streams buffered readings to dashboard clients over
// WebSocket.
package live

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/illmade-knight/sensorhub/pkg/types"
)

// Message is the frame sent to clients.
type Message struct {
	Type    string        `json:"type"`
	Payload types.Reading `json:"payload"`
}

// Config holds the hub's queue sizes.
type Config struct {
	BroadcastCapacity int
	ClientBuffer      int
}

// DefaultConfig provides sensible defaults.
func DefaultConfig() Config {
	return Config{BroadcastCapacity: 256, ClientBuffer: 64}
}

// Hub maintains the set of connected clients and broadcasts readings to
// them. Slow clients are disconnected rather than allowed to hold up
// ingestion.
type Hub struct {
	cfg      Config
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	mu      sync.RWMutex
	clients map[*Client]struct{}
	done    chan struct{}
}

// NewHub creates a Hub; call Run to start it.
func NewHub(cfg Config, logger zerolog.Logger) *Hub {
	d := DefaultConfig()
	if cfg.BroadcastCapacity <= 0 {
		cfg.BroadcastCapacity = d.BroadcastCapacity
	}
	if cfg.ClientBuffer <= 0 {
		cfg.ClientBuffer = d.ClientBuffer
	}
	return &Hub{
		cfg:    cfg,
		logger: logger.With().Str("component", "LiveHub").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The dashboard is served from another origin, like the rest of the API.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		broadcast:  make(chan []byte, cfg.BroadcastCapacity),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[*Client]struct{}),
		done:       make(chan struct{}),
	}
}

// Run services registrations and broadcasts until ctx is cancelled, then
// closes every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			h.logger.Info().Msg("Live hub stopped")
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			h.mu.Unlock()
			h.logger.Info().Str("remote", c.conn.RemoteAddr().String()).Msg("WebSocket client registered")

		case c := <-h.unregister:
			h.remove(c)

		case msg := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					h.logger.Warn().Str("remote", c.conn.RemoteAddr().String()).Msg("WebSocket client send buffer full, removing")
					delete(h.clients, c)
					close(c.send)
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
		h.logger.Info().Str("remote", c.conn.RemoteAddr().String()).Msg("WebSocket client unregistered")
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast queues a reading for every client. It never blocks: when the
// queue is full the reading is dropped.
func (h *Hub) Broadcast(r types.Reading) {
	msg, err := json.Marshal(Message{Type: "reading", Payload: r})
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to marshal reading for broadcast")
		return
	}
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn().Str("node_id", r.NodeID).Msg("Live broadcast queue full, reading dropped")
	}
}

// ServeHTTP upgrades the request and attaches the connection to the hub.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	c := &Client{hub: h, conn: conn, send: make(chan []byte, h.cfg.ClientBuffer), logger: h.logger}

	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}
