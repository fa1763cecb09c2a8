package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"chat-sync/internal/models"
	"chat-sync/internal/observability"
	"chat-sync/internal/store"
	"chat-sync/internal/syncerr"
)

const (
	EventHello    = "hello"
	EventChanged  = "changed"
	EventAlert    = "alert"
	EventPresence = "presence"

	defaultSendBuffer = 64
)

// Event is one message pushed to UI clients. Clients re-read projections
// over HTTP when they receive a change.
type Event struct {
	Type     string                `json:"type"`
	Refs     []models.Ref          `json:"refs,omitempty"`
	Totals   *store.Totals         `json:"totals,omitempty"`
	Alert    *alertPayload         `json:"alert,omitempty"`
	Presence *models.PresenceEntry `json:"presence,omitempty"`
}

type alertPayload struct {
	syncerr.Alert
	Reason string `json:"reason,omitempty"`
}

// EventSource is what the hub forwards to clients.
type EventSource interface {
	OnChange(fn func([]models.Ref)) func()
	OnAlert(fn func(syncerr.Alert)) func()
	OnPresence(fn func(userID string)) func()
	Totals() store.Totals
	Presence(userID string) models.PresenceEntry
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	info ConnInfo
}

// Hub fans events out to connected clients. Sends never block: a client
// whose buffer is full is dropped.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
	src     EventSource
	buffer  int
	logger  *zap.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients: make(map[*client]struct{}),
		buffer:  defaultSendBuffer,
		logger:  logger,
	}
}

// Attach forwards src's changes, alerts and presence to every client until
// the returned func is called.
func (h *Hub) Attach(src EventSource) func() {
	h.mu.Lock()
	h.src = src
	h.mu.Unlock()

	stops := []func(){
		src.OnChange(func(refs []models.Ref) {
			totals := src.Totals()
			h.Broadcast(Event{Type: EventChanged, Refs: refs, Totals: &totals})
		}),
		src.OnAlert(func(a syncerr.Alert) {
			p := &alertPayload{Alert: a}
			if a.Err != nil {
				p.Reason = a.Err.Error()
			}
			h.Broadcast(Event{Type: EventAlert, Alert: p})
		}),
		src.OnPresence(func(userID string) {
			entry := src.Presence(userID)
			h.Broadcast(Event{Type: EventPresence, Presence: &entry})
		}),
	}
	return func() {
		for _, stop := range stops {
			stop()
		}
	}
}

// AddClient registers a connection and queues a hello event with the
// current totals.
func (h *Hub) AddClient(conn *websocket.Conn, info ConnInfo) *client {
	c := &client{conn: conn, send: make(chan []byte, h.buffer), info: info}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	src := h.src
	h.mu.Unlock()

	hello := Event{Type: EventHello}
	if src != nil {
		totals := src.Totals()
		hello.Totals = &totals
	}
	if payload, err := json.Marshal(hello); err == nil {
		c.send <- payload
	}
	return c
}

// RemoveClient unregisters c and closes its send queue. It is safe to call
// more than once.
func (h *Hub) RemoveClient(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return false
	}
	delete(h.clients, c)
	close(c.send)
	return true
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast queues ev for every client.
func (h *Hub) Broadcast(ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("websocket event encode failed", zap.String("type", ev.Type), zap.Error(err))
		return
	}

	var slow []*client
	h.mu.RLock()
	for c := range h.clients {
		select {
		case c.send <- payload:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		if h.RemoveClient(c) {
			h.logger.Warn("dropping slow websocket client", zap.String("conn_id", c.info.ConnID))
			observability.DecWSActive()
			publishWSEvent(context.Background(), "ws_error", c.info, "send buffer full")
		}
	}
	observability.IncWSEvent(ev.Type)
}

func publishWSEvent(ctx context.Context, name string, info ConnInfo, reason string) {
	observability.IncWSEvent(name)
	duration := int64(0)
	if !info.ConnectedAt.IsZero() {
		duration = time.Since(info.ConnectedAt).Milliseconds()
	}
	_ = observability.PublishEvent(ctx, observability.RoutingWSEvents, observability.EventEnvelope{
		EventType:  "ws_events",
		EventName:  name,
		OccurredAt: time.Now().UTC(),
		Payload: map[string]interface{}{
			"ws": map[string]interface{}{
				"kind":        "sync",
				"event":       name,
				"conn_id":     info.ConnID,
				"duration_ms": duration,
				"reason":      reason,
			},
			"identity": map[string]interface{}{
				"user_id":   info.UserID,
				"device_id": info.DeviceID,
				"ip":        info.IP,
			},
		},
	}, observability.BuildHeaders(info.RequestID, info.TraceID))
}
