// Package transport owns the WebSocket surface: connection upgrade, the
// read/write pumps, and fan-out of dispatcher events to connections. Local
// connections get events directly, remote ones via the backend's pub/sub
// channel.
package transport

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/anontalk/relay/internal/v1/logging"
	"github.com/anontalk/relay/internal/v1/metrics"
	"github.com/anontalk/relay/internal/v1/ratelimit"
	"github.com/anontalk/relay/internal/v1/relay"
	"github.com/anontalk/relay/internal/v1/store"
	"github.com/anontalk/relay/internal/v1/types"
)

// envelope is the cross-node fan-out frame on the relay:events channel.
// Every node subscribes once and delivers envelopes addressed to a local
// connection, dropping the rest.
type envelope struct {
	ConnectionID types.ConnectionIDType `json:"connectionId"`
	Event        types.Event            `json:"event,omitempty"`
	Data         json.RawMessage        `json:"data,omitempty"`
	Close        bool                   `json:"close,omitempty"`
}

// Hub is the central coordinator for live connections on this node.
// It implements types.Emitter for the dispatcher.
type Hub struct {
	mu      sync.RWMutex
	clients map[types.ConnectionIDType]*Client

	backend        store.Backend
	dispatcher     *relay.Dispatcher
	connectLimiter *ratelimit.ConnectLimiter
	allowedOrigins []string

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewHub creates a hub over the given backend. The dispatcher is attached
// afterwards via SetDispatcher; it needs the hub as its emitter.
func NewHub(backend store.Backend, connectLimiter *ratelimit.ConnectLimiter, allowedOrigins []string) *Hub {
	return &Hub{
		clients:        make(map[types.ConnectionIDType]*Client),
		backend:        backend,
		connectLimiter: connectLimiter,
		allowedOrigins: allowedOrigins,
	}
}

// SetDispatcher attaches the event dispatcher. Must be called before ServeWs.
func (h *Hub) SetDispatcher(d *relay.Dispatcher) {
	h.dispatcher = d
}

// Start subscribes to the cross-node fan-out channel.
func (h *Hub) Start(ctx context.Context) {
	h.ctx, h.cancel = context.WithCancel(ctx)
	h.backend.Subscribe(h.ctx, store.EventsChannel, &h.wg, h.handleEnvelope)
}

// ServeWs rate-limits, validates the origin, upgrades, and starts the pumps.
func (h *Hub) ServeWs(c *gin.Context) {
	if h.connectLimiter != nil && !h.connectLimiter.CheckWebSocket(c) {
		return // Response already written by CheckWebSocket
	}

	conn, err := h.upgradeWebSocket(c)
	if err != nil {
		return
	}

	client := &Client{
		id:   types.ConnectionIDType(uuid.NewString()),
		conn: conn,
		hub:  h,
		send: make(chan []byte, sendBuffer),
	}

	h.mu.Lock()
	h.clients[client.id] = client
	h.mu.Unlock()

	metrics.IncConnection()
	logging.Info(c.Request.Context(), "Connection established", zap.String("connection_id", string(client.id)))

	go client.writePump()
	go client.readPump()
}

// Emit delivers an event to a connection: directly when it lives on this
// node, via pub/sub otherwise. Best-effort either way.
func (h *Hub) Emit(connectionID types.ConnectionIDType, event types.Event, data any) {
	raw, err := marshalData(data)
	if err != nil {
		logging.Error(context.Background(), "Failed to marshal outbound event", zap.Error(err))
		return
	}

	if client := h.lookup(connectionID); client != nil {
		client.enqueue(event, raw)
		return
	}

	h.publish(envelope{ConnectionID: connectionID, Event: event, Data: raw})
}

// ForceClose tears down the connection, on this node or a peer node.
func (h *Hub) ForceClose(connectionID types.ConnectionIDType) {
	if client := h.lookup(connectionID); client != nil {
		client.Close()
		return
	}

	h.publish(envelope{ConnectionID: connectionID, Close: true})
}

// ConnectionCount reports live connections on this node.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Shutdown closes every local connection and stops the fan-out subscriber.
func (h *Hub) Shutdown(ctx context.Context) error {
	logging.Info(ctx, "Shutting down hub - closing all connections")

	if h.cancel != nil {
		h.cancel()
	}

	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.Unlock()

	for _, client := range clients {
		client.Close()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.wg.Wait()
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) lookup(connectionID types.ConnectionIDType) *Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clients[connectionID]
}

func (h *Hub) unregister(client *Client) {
	h.mu.Lock()
	if h.clients[client.id] == client {
		delete(h.clients, client.id)
	}
	h.mu.Unlock()
}

func (h *Hub) publish(env envelope) {
	raw, err := json.Marshal(env)
	if err != nil {
		logging.Error(context.Background(), "Failed to marshal fan-out envelope", zap.Error(err))
		return
	}
	if err := h.backend.Publish(context.Background(), store.EventsChannel, raw); err != nil {
		logging.Error(context.Background(), "Fan-out publish failed", zap.Error(err))
	}
}

// handleEnvelope delivers a pub/sub envelope addressed to a local connection.
// Envelopes for connections on other nodes are dropped here and delivered
// there; our own publishes come back too and fall through the same check.
func (h *Hub) handleEnvelope(payload []byte) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		logging.Error(context.Background(), "Failed to unmarshal fan-out envelope", zap.Error(err))
		return
	}

	client := h.lookup(env.ConnectionID)
	if client == nil {
		return
	}

	if env.Close {
		client.Close()
		return
	}
	client.enqueue(env.Event, env.Data)
}

func marshalData(data any) (json.RawMessage, error) {
	if data == nil {
		return nil, nil
	}
	if raw, ok := data.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(data)
}
