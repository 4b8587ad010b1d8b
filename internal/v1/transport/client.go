package transport

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/anontalk/relay/internal/v1/logging"
	"github.com/anontalk/relay/internal/v1/metrics"
	"github.com/anontalk/relay/internal/v1/types"
)

const (
	// maxFrameBytes caps inbound frames at 30 MiB; the 35 MiB payload cap in
	// the dispatcher accounts for base64 overhead on top of this.
	maxFrameBytes = 30 * 1024 * 1024

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	sendBuffer = 256
)

// wsConnection defines the interface for WebSocket connection operations.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
}

// Client is a single live WebSocket attachment. It implements relay.Conn.
type Client struct {
	id   types.ConnectionIDType
	conn wsConnection
	hub  *Hub

	mu        sync.RWMutex
	sessionID types.SessionIDType
	closed    bool

	closeOnce sync.Once
	send      chan []byte
}

// ConnectionID satisfies relay.Conn.
func (c *Client) ConnectionID() types.ConnectionIDType {
	return c.id
}

// SessionID returns the session bound by a successful join, or "".
func (c *Client) SessionID() types.SessionIDType {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// BindSession records the session this connection now speaks for.
func (c *Client) BindSession(sessionID types.SessionIDType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = sessionID
}

// Close tears the connection down. Safe to call more than once; the write
// pump drains the buffer, sends a close frame, and closes the socket.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.send)
	})
}

// enqueue serializes the event into a frame and queues it for the write
// pump. Sends to a closed or saturated client are dropped: fan-out is
// best-effort by contract.
func (c *Client) enqueue(event types.Event, data json.RawMessage) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return
	}
	c.mu.RUnlock()

	frame, err := json.Marshal(types.Message{Event: event, Data: data})
	if err != nil {
		logging.Error(context.Background(), "Failed to marshal outbound frame", zap.Error(err))
		return
	}

	// The pump may close the channel between the flag check and the send.
	defer func() {
		if r := recover(); r != nil {
			logging.GetLogger().Debug("Dropped frame for closing connection", zap.String("connection_id", string(c.id)))
		}
	}()

	select {
	case c.send <- frame:
	default:
		logging.Warn(context.Background(), "Client send buffer full - dropping frame",
			zap.String("connection_id", string(c.id)), zap.String("event", string(event)))
	}
}

// readPump processes inbound frames sequentially, preserving per-connection
// event order. It owns the disconnect cleanup.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.hub.dispatcher.HandleDisconnect(context.Background(), c)
		c.Close()
		_ = c.conn.Close()
		metrics.DecConnection()
	}()

	c.conn.SetReadLimit(maxFrameBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}

		var msg types.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			logging.Warn(context.Background(), "Discarding malformed frame",
				zap.String("connection_id", string(c.id)), zap.Error(err))
			continue
		}
		if msg.Event == "" {
			continue
		}

		c.hub.dispatcher.Dispatch(context.Background(), c, msg)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				logging.Error(context.Background(), "Error writing frame", zap.Error(err))
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
