// Package progress fans ingestion run events out to live subscribers.
package progress

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ericvolp12/feedcrawl/pkg/feed"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

type EventType string

const (
	EventRunStarted  EventType = "run_started"
	EventPageStored  EventType = "page_stored"
	EventRetry       EventType = "retry"
	EventRunFinished EventType = "run_finished"
)

type Event struct {
	RunID       string         `json:"runId"`
	Type        EventType      `json:"type"`
	Direction   feed.Direction `json:"direction,omitempty"`
	Page        int            `json:"page,omitempty"`
	Fetched     int            `json:"fetched,omitempty"`
	Stored      int            `json:"stored,omitempty"`
	Attempt     int            `json:"attempt,omitempty"`
	MaxAttempts int            `json:"maxAttempts,omitempty"`
	Error       string         `json:"error,omitempty"`
	Report      any            `json:"report,omitempty"`
	Time        time.Time      `json:"time"`
}

const (
	defaultBuffer = 64
	writeWait     = 10 * time.Second
	pingInterval  = 30 * time.Second
)

// Hub broadcasts events to every subscriber. Publishing never blocks; a
// subscriber that falls behind loses events.
type Hub struct {
	logger *slog.Logger

	mu     sync.RWMutex
	subs   map[uint64]chan Event
	nextID uint64
	closed bool

	buffer   int
	upgrader websocket.Upgrader
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger: logger.With("module", "progress"),
		subs:   make(map[uint64]chan Event),
		buffer: defaultBuffer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Publish is safe on a nil Hub.
func (h *Hub) Publish(evt Event) {
	if h == nil {
		return
	}
	if evt.Time.IsZero() {
		evt.Time = time.Now().UTC()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}

	eventsPublished.WithLabelValues(string(evt.Type)).Inc()
	for _, ch := range h.subs {
		select {
		case ch <- evt:
		default:
			eventsDropped.Inc()
		}
	}
}

// Subscribe returns an event channel and a func that unsubscribes and
// closes it. The channel is also closed when the hub closes.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, h.buffer)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	subscribers.Inc()
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if _, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(ch)
				subscribers.Dec()
			}
		})
	}
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
		subscribers.Dec()
	}
}

// HandleWS handles the GET /ingest/events websocket endpoint
func (h *Hub) HandleWS(c echo.Context) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.Warn("failed to upgrade websocket", "err", err)
		return nil
	}
	defer conn.Close()

	events, unsubscribe := h.Subscribe()
	defer unsubscribe()

	logger := h.logger.With("remote", c.RealIP())
	logger.Info("subscriber connected")

	// Drain client frames so close and pong are processed.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-gone:
			logger.Info("subscriber disconnected")
			return nil
		case <-c.Request().Context().Done():
			return nil
		case evt, ok := <-events:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(writeWait))
				return nil
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(evt); err != nil {
				logger.Warn("failed to write event", "err", err)
				return nil
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return nil
			}
		}
	}
}
