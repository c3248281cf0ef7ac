// Package realtime streams credit score changes to dashboards over
// WebSocket. Clients narrow the feed by sending a subscribe message.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/creditrisk/internal/metrics"
	"github.com/mbd888/creditrisk/internal/scoring"
)

const (
	// MaxClients is the default cap on concurrent WebSocket connections.
	MaxClients = 10000
	// MaxWatchedCustomers caps CustomerIDs in one subscription.
	MaxWatchedCustomers = 500

	hubBuffer    = 256
	clientBuffer = 64
	readLimit    = 64 * 1024
	pongWait     = 60 * time.Second
	pingPeriod   = 30 * time.Second
	writeWait    = 10 * time.Second
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

// EventType for real-time events
type EventType string

const (
	EventScoreUpdated         EventType = scoring.EventScoreUpdated
	EventScoreRecomputeFailed EventType = scoring.EventScoreRecomputeFailed
)

func (t EventType) valid() bool {
	return t == EventScoreUpdated || t == EventScoreRecomputeFailed
}

// Event is one message on the feed.
type Event struct {
	Type      EventType     `json:"type"`
	Timestamp time.Time     `json:"timestamp"`
	Data      scoring.Event `json:"data"`
}

// Subscription filters what a client receives. The zero value receives
// everything.
type Subscription struct {
	AllEvents   bool           `json:"allEvents"`
	EventTypes  []EventType    `json:"eventTypes"`
	CustomerIDs []string       `json:"customerIds"` // Watch specific customers
	Bands       []scoring.Band `json:"bands"`       // Only scores landing in these bands
	MaxScore    int            `json:"maxScore"`    // Only scores at or below this
}

// Validate rejects filters that could never match.
func (s Subscription) Validate() error {
	for _, t := range s.EventTypes {
		if !t.valid() {
			return fmt.Errorf("unknown event type %q", t)
		}
	}
	for _, b := range s.Bands {
		if !b.Valid() {
			return fmt.Errorf("unknown risk band %q", b)
		}
	}
	if len(s.CustomerIDs) > MaxWatchedCustomers {
		return fmt.Errorf("at most %d customerIds per subscription", MaxWatchedCustomers)
	}
	if s.MaxScore != 0 && (s.MaxScore < scoring.MinScore || s.MaxScore > scoring.MaxScore) {
		return fmt.Errorf("maxScore must be between %d and %d", scoring.MinScore, scoring.MaxScore)
	}
	return nil
}

// matches reports whether ev passes the filters.
func (s Subscription) matches(ev *Event) bool {
	if s.AllEvents {
		return true
	}
	if len(s.EventTypes) > 0 && !slices.Contains(s.EventTypes, ev.Type) {
		return false
	}
	if len(s.CustomerIDs) > 0 && !slices.Contains(s.CustomerIDs, ev.Data.CustomerID) {
		return false
	}

	// Band and score filters only apply to events that carry a score.
	if ev.Type == EventScoreUpdated {
		if len(s.Bands) > 0 && !slices.Contains(s.Bands, ev.Data.RiskBand) {
			return false
		}
		if s.MaxScore > 0 && ev.Data.Score > s.MaxScore {
			return false
		}
	}
	return true
}

// clientMessage is what a client may send. Action defaults to subscribe.
type clientMessage struct {
	Action string `json:"action"`
	Subscription
}

// controlMessage answers a client message.
type controlMessage struct {
	Type         string        `json:"type"` // subscribed, pong, error
	Subscription *Subscription `json:"subscription,omitempty"`
	Message      string        `json:"message,omitempty"`
}

var _ scoring.EventPublisher = (*Hub)(nil)

// Client represents a WebSocket connection
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte // events; closed by the hub
	ctrl chan []byte // replies to this client's own messages; never closed
	mu   sync.RWMutex
	sub  Subscription
}

func (c *Client) subscription() Subscription {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sub
}

// Stats is a snapshot of hub activity, reported on /health.
type Stats struct {
	ConnectedClients int   `json:"connectedClients"`
	TotalEvents      int64 `json:"totalEvents"`
	TotalClients     int64 `json:"totalClients"`
	PeakClients      int64 `json:"peakClients"`
	DroppedEvents    int64 `json:"droppedEvents"`
}

// Option configures a Hub.
type Option func(*Hub)

// WithAllowedOrigins lists browser origins allowed to connect. "*" allows
// any origin. Same-host and non-browser clients are always allowed.
func WithAllowedOrigins(origins []string) Option {
	return func(h *Hub) {
		h.origins = origins
	}
}

// Hub fans score events out to WebSocket clients.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan *Event
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits; prevents upgrade race
	maxClients int
	origins    []string
	upgrader   websocket.Upgrader

	totalEvents   atomic.Int64
	totalClients  atomic.Int64
	peakClients   atomic.Int64
	droppedEvents atomic.Int64
}

// NewHub creates a hub. Call Run before serving connections.
func NewHub(logger *slog.Logger, opts ...Option) *Hub {
	h := &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan *Event, hubBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
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
		return true // non-browser client
	}
	if slices.Contains(h.origins, "*") || slices.Contains(h.origins, origin) {
		return true
	}
	u, err := url.Parse(origin)
	return err == nil && u.Host == r.Host
}

// Run owns the client set until ctx ends.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send) // writePump sends CloseMessage on closed channel
				delete(h.clients, client)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.totalClients.Add(1)
			if int64(n) > h.peakClients.Load() {
				h.peakClients.Store(int64(n))
			}
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("client connected", "total", n)

		case client := <-h.unregister:
			h.drop(client)

		case event := <-h.broadcast:
			h.deliver(event)
		}
	}
}

// deliver encodes the event once and queues it on every matching client.
// Clients whose queue is full are disconnected.
func (h *Hub) deliver(event *Event) {
	h.totalEvents.Add(1)
	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("encode realtime event", "error", err)
		return
	}

	var slow []*Client
	h.mu.RLock()
	for client := range h.clients {
		if !client.subscription().matches(event) {
			continue
		}
		select {
		case client.send <- payload:
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range slow {
		metrics.RealtimeEventsDropped.WithLabelValues("slow_client").Inc()
		h.droppedEvents.Add(1)
		h.logger.Warn("disconnecting slow websocket client")
		h.drop(client)
	}
}

func (h *Hub) drop(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.ActiveWebSocketClients.Set(float64(n))
}

// Broadcast queues an event for delivery. It never blocks; when the hub is
// backed up the event is dropped.
func (h *Hub) Broadcast(event *Event) {
	select {
	case h.broadcast <- event:
	default:
		metrics.RealtimeEventsDropped.WithLabelValues("hub_full").Inc()
		h.droppedEvents.Add(1)
		h.logger.Warn("broadcast channel full, dropping event", "type", event.Type)
	}
}

// PublishScoreEvent forwards a recompute outcome to subscribed clients.
func (h *Hub) PublishScoreEvent(ev scoring.Event) {
	h.Broadcast(&Event{
		Type:      EventType(ev.Type),
		Timestamp: ev.Timestamp,
		Data:      ev,
	})
}

// Stats returns hub statistics
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()

	return Stats{
		ConnectedClients: n,
		TotalEvents:      h.totalEvents.Load(),
		TotalClients:     h.totalClients.Load(),
		PeakClients:      h.peakClients.Load(),
		DroppedEvents:    h.droppedEvents.Load(),
	}
}

// HandleWebSocket upgrades HTTP to WebSocket
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Reject upgrades after the hub has stopped to prevent orphaned connections.
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, clientBuffer),
		ctrl: make(chan []byte, 8),
	}

	select {
	case h.register <- client:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// handleMessage applies one client message and returns the reply.
func (c *Client) handleMessage(raw []byte) controlMessage {
	var msg clientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return controlMessage{Type: "error", Message: "invalid JSON"}
	}

	switch msg.Action {
	case "ping":
		return controlMessage{Type: "pong"}
	case "", "subscribe":
		if err := msg.Subscription.Validate(); err != nil {
			return controlMessage{Type: "error", Message: err.Error()}
		}
		sub := msg.Subscription
		c.mu.Lock()
		c.sub = sub
		c.mu.Unlock()
		return controlMessage{Type: "subscribed", Subscription: &sub}
	default:
		return controlMessage{Type: "error", Message: fmt.Sprintf("unknown action %q", msg.Action)}
	}
}

// readPump applies subscription updates until the connection drops.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) && !errors.Is(err, websocket.ErrReadLimit) {
				c.hub.logger.Debug("websocket read error", "error", err)
			}
			return
		}

		reply, _ := json.Marshal(c.handleMessage(message))
		select {
		case c.ctrl <- reply:
		default:
			// Client is flooding us faster than we can answer.
		}
	}
}

// writePump is the only writer on the connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	write := func(kind int, data []byte) error {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		return c.conn.WriteMessage(kind, data)
	}

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				_ = write(websocket.CloseMessage, []byte{})
				return
			}
			if err := write(websocket.TextMessage, message); err != nil {
				c.hub.logger.Debug("websocket write error", "error", err)
				return
			}

		case reply := <-c.ctrl:
			if err := write(websocket.TextMessage, reply); err != nil {
				return
			}

		case <-ticker.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
