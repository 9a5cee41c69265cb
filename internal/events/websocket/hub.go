package websocket

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"capital-pools/pool-engine/internal/events"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 64
)

// Hub fans domain events out to connected operator consoles.
type Hub struct {
	mu          sync.RWMutex
	connections map[*Connection]struct{}
	upgrader    websocket.Upgrader
	logger      *zap.Logger
}

// Connection represents a WebSocket client connection
type Connection struct {
	ID          string
	Subject     string
	Conn        *websocket.Conn
	Send        chan events.Event
	ConnectedAt time.Time
}

// NewHub creates a new websocket hub
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		connections: make(map[*Connection]struct{}),
		logger:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// Forward is an events.Handler that broadcasts every event.
func (h *Hub) Forward(_ context.Context, e events.Event) error {
	h.Broadcast(e)
	return nil
}

// Broadcast queues an event on every connection. Slow consumers are dropped.
func (h *Hub) Broadcast(e events.Event) {
	h.mu.RLock()
	var slow []*Connection
	for c := range h.connections {
		select {
		case c.Send <- e:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn("Dropping slow websocket consumer", zap.String("connection_id", c.ID))
		h.unregister(c)
	}
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// HandleConnection upgrades the request and starts the pumps.
func (h *Hub) HandleConnection(w http.ResponseWriter, r *http.Request, subject string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	c := &Connection{
		ID:          uuid.New().String(),
		Subject:     subject,
		Conn:        conn,
		Send:        make(chan events.Event, sendBuffer),
		ConnectedAt: time.Now().UTC(),
	}

	h.mu.Lock()
	h.connections[c] = struct{}{}
	h.mu.Unlock()

	h.logger.Info("Operator feed connected",
		zap.String("connection_id", c.ID),
		zap.String("subject", subject))

	go h.writePump(c)
	go h.readPump(c)
	return nil
}

func (h *Hub) unregister(c *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.connections[c]; ok {
		delete(h.connections, c)
		close(c.Send)
	}
}

// readPump only services control frames; the feed is one-way.
func (h *Hub) readPump(c *Connection) {
	defer func() {
		h.unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(512)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Debug("Websocket read error", zap.String("connection_id", c.ID), zap.Error(err))
			}
			return
		}
	}
}

func (h *Hub) writePump(c *Connection) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case e, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteJSON(e); err != nil {
				return
			}
		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
