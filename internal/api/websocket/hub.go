// Package websocket streams security events to connected dashboards.
package websocket

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-perimeter/internal/monitor"
	"github.com/kubilitics/kubilitics-perimeter/internal/pkg/metrics"
)

// Message types sent to clients.
const (
	TypeSecurityEvent = "security_event"
	TypeMetrics       = "metrics"
)

// Message is one frame sent to a client.
type Message struct {
	Type      string           `json:"type"`
	Event     *monitor.Event   `json:"event,omitempty"`
	Metrics   *monitor.Metrics `json:"metrics,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

type broadcast struct {
	severity  monitor.Severity
	eventType string
	data      []byte
}

// Hub fans events out to clients. All client bookkeeping happens on the Run goroutine.
type Hub struct {
	clients    map[*Client]struct{}
	broadcast  chan broadcast
	register   chan *Client
	unregister chan *Client
	count      chan chan int
	done       chan struct{}
	logger     *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients:    make(map[*Client]struct{}),
		broadcast:  make(chan broadcast, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		count:      make(chan chan int),
		done:       make(chan struct{}),
		logger:     logger.Named("ws-hub"),
	}
}

// Run serves the hub until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				h.drop(c)
			}
			return nil

		case c := <-h.register:
			h.clients[c] = struct{}{}
			metrics.WebSocketConnectionsActive.Inc()
			h.logger.Debug("client connected", zap.String("client", c.id))

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				h.drop(c)
			}

		case b := <-h.broadcast:
			for c := range h.clients {
				if !c.accepts(b.severity, b.eventType) {
					continue
				}
				select {
				case c.send <- b.data:
				default:
					h.logger.Warn("client too slow, disconnecting", zap.String("client", c.id))
					h.drop(c)
				}
			}

		case reply := <-h.count:
			reply <- len(h.clients)
		}
	}
}

func (h *Hub) drop(c *Client) {
	delete(h.clients, c)
	close(c.send)
	metrics.WebSocketConnectionsActive.Dec()
}

// Publish queues ev for every client whose filter accepts it. It never blocks;
// when the hub is backed up the event is dropped. Usable as a monitor listener.
func (h *Hub) Publish(ev monitor.Event) {
	data, err := json.Marshal(Message{Type: TypeSecurityEvent, Event: &ev, Timestamp: ev.Timestamp})
	if err != nil {
		h.logger.Error("failed to encode event", zap.String("event_id", ev.ID), zap.Error(err))
		return
	}
	select {
	case h.broadcast <- broadcast{severity: ev.Severity, eventType: ev.Type, data: data}:
	default:
		metrics.ListenerDroppedTotal.WithLabelValues("websocket").Inc()
	}
}

// ClientCount is the number of connected clients.
func (h *Hub) ClientCount() int {
	reply := make(chan int, 1)
	select {
	case h.count <- reply:
		return <-reply
	case <-h.done:
		return 0
	}
}

func (h *Hub) add(ctx context.Context, c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	case <-ctx.Done():
		return false
	}
}

func (h *Hub) remove(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
