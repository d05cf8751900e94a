// Package realtime streams scoring activity over WebSocket.
//
// Subscribers connect to /ws and receive transaction.scored and
// transaction.chargeback events. A client narrows its stream by sending a
// Subscription as JSON at any time; the hub answers with
// subscription.updated.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mbd888/txguard/internal/idgen"
	"github.com/mbd888/txguard/internal/metrics"
	"github.com/mbd888/txguard/internal/transactions"
)

// DefaultMaxClients caps concurrent connections unless WithMaxClients says otherwise.
const DefaultMaxClients = 10000

const broadcastBuffer = 256

// Stats is a point-in-time view of hub activity.
type Stats struct {
	ConnectedClients int   `json:"connected_clients"`
	TotalEvents      int64 `json:"total_events"`
	DroppedEvents    int64 `json:"dropped_events"`
	TotalClients     int64 `json:"total_clients"`
	PeakClients      int64 `json:"peak_clients"`
}

// Option configures a Hub.
type Option func(*Hub)

// WithMaxClients caps concurrent connections.
func WithMaxClients(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.maxClients = n
		}
	}
}

// WithAllowedOrigins admits browser connections from these origins in
// addition to the server's own host. "*" admits any origin.
func WithAllowedOrigins(origins []string) Option {
	return func(h *Hub) { h.origins = origins }
}

// Hub fans scored transactions out to WebSocket clients. All client set
// mutations happen on the Run goroutine.
type Hub struct {
	logger     *slog.Logger
	upgrader   websocket.Upgrader
	origins    []string
	maxClients int

	mu      sync.RWMutex
	clients map[*Client]struct{}

	broadcast  chan *Event
	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	totalEvents   atomic.Int64
	droppedEvents atomic.Int64
	totalClients  atomic.Int64
	peakClients   atomic.Int64
}

// NewHub creates a hub. Call Run before accepting connections.
func NewHub(logger *slog.Logger, opts ...Option) *Hub {
	h := &Hub{
		logger:     logger,
		maxClients: DefaultMaxClients,
		clients:    make(map[*Client]struct{}),
		broadcast:  make(chan *Event, broadcastBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if origin == "http://"+r.Host || origin == "https://"+r.Host {
		return true
	}
	return slices.Contains(h.origins, "*") || slices.Contains(h.origins, origin)
}

// Run owns the client set until ctx is cancelled, then disconnects everyone.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				h.drop(c)
			}
			h.mu.Unlock()
			h.logger.Info("realtime hub stopped")
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := int64(len(h.clients))
			h.mu.Unlock()
			h.totalClients.Add(1)
			if n > h.peakClients.Load() {
				h.peakClients.Store(n)
			}
			metrics.ActiveWebSocketClients.Set(float64(n))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				h.drop(c)
			}
			h.mu.Unlock()

		case e := <-h.broadcast:
			h.fanOut(e)
		}
	}
}

// drop removes c and closes its send channel. Callers hold h.mu.
func (h *Hub) drop(c *Client) {
	delete(h.clients, c)
	close(c.send)
	metrics.ActiveWebSocketClients.Set(float64(len(h.clients)))
}

// fanOut delivers e to every matching client. Clients whose buffer is full
// are disconnected rather than allowed to stall the stream.
func (h *Hub) fanOut(e *Event) {
	h.totalEvents.Add(1)
	payload, err := json.Marshal(e)
	if err != nil {
		h.logger.Error("encode realtime event", "type", e.Type, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	slow := 0
	for c := range h.clients {
		if !c.subscription().Matches(e) {
			continue
		}
		select {
		case c.send <- payload:
		default:
			h.drop(c)
			slow++
		}
	}
	if slow > 0 {
		h.logger.Warn("disconnected slow websocket clients", "count", slow)
	}
}

// PublishTransaction broadcasts a copy of tx. It never blocks; when the
// broadcast buffer is full the event is dropped and counted.
func (h *Hub) PublishTransaction(eventType EventType, tx *transactions.Transaction) {
	e := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      tx.Clone(),
	}
	select {
	case h.broadcast <- e:
	default:
		h.droppedEvents.Add(1)
		h.logger.Warn("realtime buffer full, dropping event", "type", eventType, "transaction_id", tx.ID)
	}
}

// Stats returns hub counters.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()

	return Stats{
		ConnectedClients: n,
		TotalEvents:      h.totalEvents.Load(),
		DroppedEvents:    h.droppedEvents.Load(),
		TotalClients:     h.totalClients.Load(),
		PeakClients:      h.peakClients.Load(),
	}
}

// HandleWebSocket upgrades the request and attaches a client that receives
// every event until it subscribes.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	if h.Stats().ConnectedClients >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	c := newClient(h, conn)
	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}
