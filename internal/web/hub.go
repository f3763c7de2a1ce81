package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// Hub fans panel events out to connected WebSocket clients. Slow clients
// are evicted rather than allowed to stall the broadcast path.
type Hub struct {
	mu      sync.Mutex
	clients map[*hubClient]struct{}
	closed  bool
	logger  *slog.Logger
}

type hubClient struct {
	send chan []byte
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[*hubClient]struct{}),
		logger:  logger.With("component", "web"),
	}
}

// Broadcast marshals msg once and queues it to every client.
func (h *Hub) Broadcast(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("event marshal failed", "err", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			delete(h.clients, c)
			close(c.send)
			h.logger.Warn("event client evicted, send buffer full")
		}
	}
}

// Close evicts every client. Further broadcasts are dropped.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) add(c *hubClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) remove(c *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// handleEvents upgrades the request and streams broadcast events until
// the client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{})
	if err != nil {
		s.logger.Error("websocket accept failed", "err", err)
		return
	}
	conn.SetReadLimit(4096)

	client := &hubClient{send: make(chan []byte, 64)}
	if !s.hub.add(client) {
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go func() {
		defer cancel()
		for msg := range client.send {
			wctx, wcancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Write(wctx, websocket.MessageText, msg)
			wcancel()
			if err != nil {
				return
			}
		}
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	// Inbound frames are not part of the protocol; reading only detects
	// disconnect.
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			s.hub.remove(client)
			return
		}
	}
}
