// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/noldarim/buildgate/internal/orchestrator/database"
	"github.com/noldarim/buildgate/internal/orchestrator/models"
	"github.com/noldarim/buildgate/internal/protocol"
)

const (
	maxMessageSize = 4096
	maxFilters     = 50
	maxClients     = 1000
	sendBuffer     = 64
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	writeWait      = 10 * time.Second
	snapshotWait   = 5 * time.Second
)

// Message types on the /ws stream.
const (
	msgSubscribe   = "subscribe"
	msgUnsubscribe = "unsubscribe"
	msgEvent       = "event"
	msgSnapshot    = "snapshot"
	msgError       = "error"
)

// RunLookup returns the current state of a run. Subscribing to a run_id
// replays its state through it before live events follow.
type RunLookup func(ctx context.Context, runID string) (*models.PipelineRun, error)

// SubscriptionFilter selects the events a client receives. Empty fields
// match anything; a filter with Cell set only matches cell events.
type SubscriptionFilter struct {
	RunID string `json:"run_id,omitempty"`
	Job   string `json:"job,omitempty"`
	Cell  string `json:"cell,omitempty"`
}

func (f SubscriptionFilter) matches(s eventScope) bool {
	return (f.RunID == "" || f.RunID == s.runID) &&
		(f.Job == "" || f.Job == s.job) &&
		(f.Cell == "" || f.Cell == s.cell)
}

// eventScope is where in a run an event happened.
type eventScope struct {
	runID, job, cell string
}

func scopeOf(event protocol.Event) eventScope {
	var s eventScope
	if e, ok := event.(interface{ GetRunID() string }); ok {
		s.runID = e.GetRunID()
	}
	if e, ok := event.(interface{ GetJob() string }); ok {
		s.job = e.GetJob()
	}
	if e, ok := event.(interface{ GetCell() string }); ok {
		s.cell = e.GetCell()
	}
	return s
}

type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	mu      sync.RWMutex
	filters []SubscriptionFilter
}

// wants reports whether any filter matches. A client without filters
// follows every run.
func (c *wsClient) wants(event protocol.Event) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.filters) == 0 {
		return true
	}
	s := scopeOf(event)
	for _, f := range c.filters {
		if f.matches(s) {
			return true
		}
	}
	return false
}

func (c *wsClient) subscribe(f SubscriptionFilter) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.filters) >= maxFilters {
		return false
	}
	for _, existing := range c.filters {
		if existing == f {
			return true
		}
	}
	c.filters = append(c.filters, f)
	return true
}

func (c *wsClient) unsubscribe(f SubscriptionFilter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filters = removeFilter(c.filters, f)
}

// enqueue hands data to the write pump without blocking the caller.
func (c *wsClient) enqueue(data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// ClientRegistry tracks connected clients and fans events out to them.
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[*wsClient]struct{}
}

func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{clients: make(map[*wsClient]struct{})}
}

// Broadcast delivers event to every client whose filters match. Clients
// whose send buffer is full miss the event.
func (r *ClientRegistry) Broadcast(event protocol.Event) {
	data, err := encodeMessage(wsOutMessage{Type: msgEvent, EventType: protocol.TypeOf(event), Payload: event})
	if err != nil {
		getLog().Error().Err(err).Str("event_type", protocol.TypeOf(event)).Msg("Failed to encode event for WebSocket clients")
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for c := range r.clients {
		if c.wants(event) && !c.enqueue(data) {
			getLog().Warn().Str("client", c.id).Str("event_type", protocol.TypeOf(event)).Msg("WebSocket client too slow, event dropped")
		}
	}
}

func (r *ClientRegistry) add(c *wsClient) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.clients) >= maxClients {
		return false
	}
	r.clients[c] = struct{}{}
	return true
}

func (r *ClientRegistry) remove(c *wsClient) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, c)
}

type wsMessage struct {
	Type    string             `json:"type"`
	Filters SubscriptionFilter `json:"filters"`
}

type wsOutMessage struct {
	Type      string `json:"type"`
	EventType string `json:"event_type,omitempty"`
	Payload   any    `json:"payload,omitempty"`
	Message   string `json:"message,omitempty"`
}

func encodeMessage(m wsOutMessage) ([]byte, error) {
	return json.Marshal(m)
}

// HandleWebSocket streams lifecycle events. Query parameters run_id, job
// and cell subscribe at connect time; further filters arrive as
// subscribe/unsubscribe messages. lookup may be nil, in which case no
// snapshots are sent.
func HandleWebSocket(registry *ClientRegistry, allowedOrigins []string, lookup RunLookup) http.HandlerFunc {
	upgrader := websocket.Upgrader{CheckOrigin: originChecker(allowedOrigins)}

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			getLog().Warn().Err(err).Str("remote", r.RemoteAddr).Msg("WebSocket upgrade failed")
			return
		}

		c := &wsClient{id: uuid.NewString(), conn: conn, send: make(chan []byte, sendBuffer)}
		q := r.URL.Query()
		initial := SubscriptionFilter{RunID: q.Get("run_id"), Job: q.Get("job"), Cell: q.Get("cell")}
		if initial != (SubscriptionFilter{}) {
			c.subscribe(initial)
		}

		if !registry.add(c) {
			getLog().Warn().Str("remote", r.RemoteAddr).Int("limit", maxClients).Msg("WebSocket connection refused, client limit reached")
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too many connections"),
				time.Now().Add(writeWait))
			conn.Close()
			return
		}
		getLog().Info().Str("client", c.id).Str("remote", r.RemoteAddr).Msg("WebSocket client connected")

		session := &wsSession{client: c, registry: registry, lookup: lookup}
		session.sendSnapshot(r.Context(), initial.RunID)

		go c.writePump()
		session.readPump()
	}
}

func originChecker(allowedOrigins []string) func(*http.Request) bool {
	allowed := originSet(allowedOrigins)
	return func(r *http.Request) bool { return allowed(r.Header.Get("Origin")) }
}

// wsSession owns the read side of one connection.
type wsSession struct {
	client   *wsClient
	registry *ClientRegistry
	lookup   RunLookup
}

// sendSnapshot queues the current state of runID. A run that is not
// stored yet has no snapshot; its events follow once it starts.
func (s *wsSession) sendSnapshot(parent context.Context, runID string) {
	if runID == "" || s.lookup == nil {
		return
	}
	ctx, cancel := context.WithTimeout(parent, snapshotWait)
	defer cancel()

	run, err := s.lookup(ctx, runID)
	if errors.Is(err, database.ErrRunNotFound) {
		return
	}
	if err != nil {
		getLog().Warn().Err(err).Str("run_id", runID).Msg("Failed to load run snapshot")
		s.reply(wsOutMessage{Type: msgError, Message: "run snapshot unavailable"})
		return
	}
	s.reply(wsOutMessage{Type: msgSnapshot, Payload: run})
}

func (s *wsSession) reply(m wsOutMessage) {
	data, err := encodeMessage(m)
	if err != nil {
		getLog().Error().Err(err).Str("type", m.Type).Msg("Failed to encode WebSocket message")
		return
	}
	if !s.client.enqueue(data) {
		getLog().Warn().Str("client", s.client.id).Str("type", m.Type).Msg("WebSocket client too slow, message dropped")
	}
}

func (s *wsSession) readPump() {
	c := s.client
	defer func() {
		s.registry.remove(c)
		close(c.send)
		c.conn.Close()
		getLog().Info().Str("client", c.id).Msg("WebSocket client disconnected")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				getLog().Warn().Err(err).Str("client", c.id).Msg("WebSocket read error")
			}
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.reply(wsOutMessage{Type: msgError, Message: "malformed message"})
			continue
		}
		s.handle(msg)
	}
}

func (s *wsSession) handle(msg wsMessage) {
	ev := getLog().Debug().Str("client", s.client.id).
		Str("run_id", msg.Filters.RunID).Str("job", msg.Filters.Job).Str("cell", msg.Filters.Cell)

	switch msg.Type {
	case msgSubscribe:
		if !s.client.subscribe(msg.Filters) {
			s.reply(wsOutMessage{Type: msgError, Message: "too many subscriptions"})
			return
		}
		ev.Msg("WebSocket client subscribed")
		s.sendSnapshot(context.Background(), msg.Filters.RunID)
	case msgUnsubscribe:
		s.client.unsubscribe(msg.Filters)
		ev.Msg("WebSocket client unsubscribed")
	default:
		s.reply(wsOutMessage{Type: msgError, Message: "unknown message type " + msg.Type})
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				getLog().Warn().Err(err).Str("client", c.id).Msg("WebSocket write error")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func removeFilter(filters []SubscriptionFilter, target SubscriptionFilter) []SubscriptionFilter {
	kept := filters[:0:0]
	for _, f := range filters {
		if f != target {
			kept = append(kept, f)
		}
	}
	return kept
}
