package websocket

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-perimeter/internal/monitor"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024
	sendBuffer     = 256
)

// Filter selects which events a client receives.
type Filter struct {
	MinSeverity monitor.Severity `json:"minSeverity,omitempty"`
	Types       []string         `json:"types,omitempty"`
}

// Client is one dashboard connection.
type Client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub

	mu     sync.RWMutex
	filter Filter

	logger *zap.Logger
}

func newClient(id string, hub *Hub, conn *websocket.Conn, filter Filter, logger *zap.Logger) *Client {
	return &Client{
		id:     id,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		hub:    hub,
		filter: filter,
		logger: logger.With(zap.String("client", id)),
	}
}

func (c *Client) accepts(sev monitor.Severity, eventType string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.filter.MinSeverity != "" && sev.Rank() < c.filter.MinSeverity.Rank() {
		return false
	}
	if len(c.filter.Types) == 0 {
		return true
	}
	for _, t := range c.filter.Types {
		if t == eventType {
			return true
		}
	}
	return false
}

// setFilter replaces the client's filter. Unknown severities are ignored.
func (c *Client) setFilter(f Filter) {
	if f.MinSeverity != "" && !f.MinSeverity.Valid() {
		c.logger.Debug("ignoring unknown severity filter", zap.String("severity", string(f.MinSeverity)))
		f.MinSeverity = ""
	}
	c.mu.Lock()
	c.filter = f
	c.mu.Unlock()
}

// readPump handles filter updates and pongs until the peer goes away.
func (c *Client) readPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
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
				c.logger.Debug("websocket read failed", zap.Error(err))
			}
			return
		}
		var f Filter
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Debug("ignoring malformed client message", zap.Error(err))
			continue
		}
		c.setFilter(f)
	}
}

// writePump drains the send queue and keeps the connection alive with pings.
// It exits when the hub closes the send channel.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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

func parseTypes(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}
