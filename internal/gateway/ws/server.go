// Package ws broadcasts the live agent event feed over WebSocket.
// Clients are passive observers: dashboards connect, receive every chat
// event the gateway publishes (tokens, tool activity, progress, approval
// requests), and send nothing back. Each client gets a buffered send
// queue; a client that stops reading long enough to fill its queue is
// evicted rather than allowed to stall the feed.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/nyumba/internal/dispatch"
)

const (
	// sendBuffer is the per-client event queue depth. Publishing never
	// blocks: a full queue evicts the client instead.
	sendBuffer = 64

	writeTimeout = 5 * time.Second
	pingInterval = 30 * time.Second

	subprotocol = "nyumba-feed-v1"
)

// Hub fans the event feed out to connected WebSocket clients.
type Hub struct {
	authToken string
	logger    *slog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

type client struct {
	conn *websocket.Conn
	send chan dispatch.Event

	// evict is closed at most once, when the hub gives up on the client.
	evictOnce sync.Once
	evict     chan struct{}
}

// NewHub creates an event feed hub. An empty authToken disables
// authentication, matching the HTTP gateway's local-deployment mode.
func NewHub(authToken string, logger *slog.Logger) *Hub {
	return &Hub{
		authToken: authToken,
		logger:    logger,
		clients:   make(map[*client]struct{}),
	}
}

// Publish queues an event on every connected client. Clients whose
// queue is full are evicted; Publish itself never blocks.
func (h *Hub) Publish(ev dispatch.Event) {
	h.mu.Lock()
	var slow []*client
	for c := range h.clients {
		select {
		case c.send <- ev:
		default:
			slow = append(slow, c)
			delete(h.clients, c)
		}
	}
	h.mu.Unlock()

	for _, c := range slow {
		h.logger.Warn("evicting slow websocket client",
			slog.Int("queued", len(c.send)),
		)
		c.markEvicted()
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Shutdown disconnects every client. The hub accepts no new connections
// afterwards.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
		delete(h.clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

// Handler returns the http.Handler that upgrades connections. Mounted
// by the HTTP gateway at /v1/events.
func (h *Hub) Handler() http.Handler {
	return http.HandlerFunc(h.handleUpgrade)
}

func (h *Hub) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{subprotocol},
	})
	if err != nil {
		h.logger.Warn("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		conn:  conn,
		send:  make(chan dispatch.Event, sendBuffer),
		evict: make(chan struct{}),
	}
	if !h.add(c) {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer func() {
		h.remove(c)
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	h.logger.Debug("websocket client connected", slog.String("remote", r.RemoteAddr))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Observers send nothing; the read loop only notices disconnects.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	h.writeLoop(ctx, c)
}

// writeLoop drains the client's queue onto the wire until the client
// disconnects, is evicted, or a write fails.
func (h *Hub) writeLoop(ctx context.Context, c *client) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.evict:
			c.conn.Close(websocket.StatusPolicyViolation, "client too slow")
			return
		case ev := <-c.send:
			if err := h.writeEvent(ctx, c.conn, ev); err != nil {
				return
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (h *Hub) writeEvent(ctx context.Context, conn *websocket.Conn, ev dispatch.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

// add registers the client, refusing when the hub is shut down.
func (h *Hub) add(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

func (c *client) markEvicted() {
	c.evictOnce.Do(func() { close(c.evict) })
}

// authorized checks the bearer token, also accepting ?token= because
// browser WebSocket clients cannot set an Authorization header.
func (h *Hub) authorized(r *http.Request) bool {
	if h.authToken == "" {
		return true
	}
	token := r.URL.Query().Get("token")
	if token == "" {
		header := r.Header.Get("Authorization")
		if strings.HasPrefix(header, "Bearer ") {
			token = strings.TrimPrefix(header, "Bearer ")
		}
	}
	return token == h.authToken
}
