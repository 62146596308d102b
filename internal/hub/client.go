package hub

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/ralph/internal/common/constants"
	"github.com/kandev/ralph/internal/common/logger"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 512 * 1024
)

// Client is one bidirectional subscriber connection. Read/write pump
// structure follows the teacher's gateway websocket client; heartbeat
// cadence and the two-missed-beat disconnect rule are this package's own,
// per spec §4.5 (the teacher relies on a single pong-deadline reset with
// no explicit miss counter).
type Client struct {
	id   string
	conn *websocket.Conn
	hub  *Hub

	send chan []byte

	mu         sync.RWMutex
	workspaces map[string]bool
	closed     bool

	missedBeats int

	logger *logger.Logger
}

// NewClient wraps an accepted websocket connection.
func NewClient(id string, conn *websocket.Conn, h *Hub, log *logger.Logger) *Client {
	if log == nil {
		log = logger.Default()
	}
	return &Client{
		id:         id,
		conn:       conn,
		hub:        h,
		send:       make(chan []byte, 256),
		workspaces: make(map[string]bool),
		logger:     log.WithFields(zap.String("client_id", id)),
	}
}

func (c *Client) deliver(data []byte) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("client send buffer full, dropping message")
	}
}

func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
}

// ReadPump consumes inbound subscribe/reconnect messages until the
// connection closes or two consecutive heartbeats are missed.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * constants.HeartbeatInterval))
	c.conn.SetPongHandler(func(string) error {
		c.mu.Lock()
		c.missedBeats = 0
		c.mu.Unlock()
		return c.conn.SetReadDeadline(time.Now().Add(2 * constants.HeartbeatInterval))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNoStatusReceived, websocket.CloseAbnormalClosure) {
				c.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}

		in := translateInbound(message)
		if in == nil {
			continue
		}
		switch {
		case in.Subscribe != nil:
			c.hub.subscribe(c, in.Subscribe.WorkspaceID)
		case in.Reconnect != nil:
			resp, err := c.hub.reconnectReplay(ctx, *in.Reconnect)
			if err != nil {
				c.logger.Error("reconnect replay failed", zap.Error(err))
				continue
			}
			c.deliver(resp)
		}
	}
}

// WritePump drains the send channel to the connection and emits periodic
// pings; a client that fails to pong twice in a row is disconnected.
func (c *Client) WritePump() {
	ticker := time.NewTicker(constants.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.mu.Lock()
			c.missedBeats++
			missed := c.missedBeats
			c.mu.Unlock()
			if missed > constants.HeartbeatMissedLimit {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
