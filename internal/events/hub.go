package events

import (
	"context"
	"net/http"
	"sync"
	"time"

	"slackscheduler/internal/metrics"
	"slackscheduler/internal/models"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

// EventStatusChanged is published whenever a scheduled message changes status.
const EventStatusChanged = "scheduled_message.status"

const (
	clientBufferSize = 64
	writeTimeout     = 5 * time.Second
)

type Event struct {
	ID        string                   `json:"id"`
	Type      string                   `json:"type"`
	Message   *models.ScheduledMessage `json:"message"`
	Timestamp time.Time                `json:"timestamp"`
}

type client struct {
	id   string
	send chan Event
}

// Hub fans status changes out to connected websocket clients. Slow clients drop
// events rather than blocking the scheduler.
type Hub struct {
	mu             sync.RWMutex
	clients        map[string]*client
	originPatterns []string
	logger         *logrus.Logger
}

func NewHub(logger *logrus.Logger, originPatterns []string) *Hub {
	return &Hub{
		clients:        make(map[string]*client),
		originPatterns: originPatterns,
		logger:         logger,
	}
}

// Notify broadcasts a status change without blocking.
func (h *Hub) Notify(msg *models.ScheduledMessage) {
	if msg == nil {
		return
	}
	event := Event{
		ID:        ulid.Make().String(),
		Type:      EventStatusChanged,
		Message:   msg,
		Timestamp: time.Now().UTC(),
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		select {
		case c.send <- event:
		default:
			metrics.IncrementCounter("events_dropped_total", nil, "Status events dropped for slow websocket clients")
			h.logger.WithField("client_id", c.id).Debug("Dropping status event for slow client")
		}
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c.id] = c
	n := len(h.clients)
	h.mu.Unlock()
	metrics.SetGauge("websocket_clients", float64(n), nil, "Connected websocket clients")
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c.id)
	n := len(h.clients)
	h.mu.Unlock()
	metrics.SetGauge("websocket_clients", float64(n), nil, "Connected websocket clients")
}

// ServeHTTP upgrades the request and streams events until the client goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Server read/write timeouts would otherwise cut long-lived connections.
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.originPatterns})
	if err != nil {
		h.logger.WithError(err).Warn("Websocket upgrade failed")
		return
	}
	defer conn.CloseNow()

	c := &client{id: ulid.Make().String(), send: make(chan Event, clientBufferSize)}
	h.register(c)
	defer h.unregister(c)

	logger := h.logger.WithField("client_id", c.id)
	logger.Debug("Websocket client connected")

	// The feed is one-way; CloseRead handles control frames and cancels ctx on close.
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			logger.Debug("Websocket client disconnected")
			return
		case event := <-c.send:
			if err := h.write(ctx, conn, event); err != nil {
				logger.WithError(err).Debug("Websocket write failed")
				return
			}
		}
	}
}

func (h *Hub) write(ctx context.Context, conn *websocket.Conn, event Event) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, event)
}
