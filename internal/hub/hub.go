// Package hub accepts browser WebSocket connections and moves JSON
// both ways: client commands in, bridge events out. Each client gets
// a bounded outbound queue so one stalled reader cannot block the
// rest; queue overflow drops market data before it ever touches an
// order status or an error.
package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"marketbridge/internal/config"
	"marketbridge/internal/metrics"
	"marketbridge/pkg/types"
)

// Command is one decoded client request tagged with its origin.
type Command struct {
	ClientID string
	Cmd      types.ClientCommand
}

// StatusProvider supplies the connection snapshot pushed to every
// client right after it connects.
type StatusProvider interface {
	ConnectionStatus() types.ConnectionStatusMsg
}

// Hub owns the WebSocket listener and the set of connected clients.
type Hub struct {
	cfg     config.WSConfig
	status  StatusProvider
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu      sync.RWMutex
	clients map[string]*Client
	stopped bool

	commands    chan Command
	disconnects chan string

	upgrader websocket.Upgrader
	server   *http.Server
	addr     string
	wg       sync.WaitGroup
}

func New(cfg config.WSConfig, status StatusProvider, m *metrics.Metrics, logger *slog.Logger) *Hub {
	h := &Hub{
		cfg:         cfg,
		status:      status,
		metrics:     m,
		logger:      logger.With("component", "hub"),
		clients:     make(map[string]*Client),
		commands:    make(chan Command, 256),
		disconnects: make(chan string, 64),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	return h
}

// Commands is the inbox of decoded client requests.
func (h *Hub) Commands() <-chan Command { return h.commands }

// Disconnects reports clients that have gone away so their
// subscriptions can be torn down.
func (h *Hub) Disconnects() <-chan string { return h.disconnects }

// Start binds the listener and begins accepting clients. A bind
// failure is returned synchronously so startup can abort.
func (h *Hub) Start() error {
	ln, err := net.Listen("tcp", h.cfg.Addr)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", h.handleWS)
	h.server = &http.Server{Handler: mux}
	h.addr = ln.Addr().String()

	h.logger.Info("websocket server listening", "addr", h.addr)
	go func() {
		if err := h.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			h.logger.Error("websocket server failed", "error", err)
		}
	}()
	return nil
}

// Stop closes the listener and every connected client, then waits for
// their pumps to drain or the context to expire.
func (h *Hub) Stop(ctx context.Context) error {
	h.mu.Lock()
	h.stopped = true
	open := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		open = append(open, c)
	}
	h.mu.Unlock()

	if h.server != nil {
		h.server.Shutdown(ctx)
	}
	for _, c := range open {
		c.close(websocket.CloseGoingAway, "server shutdown")
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ClientCount reports how many clients are currently connected.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Addr is the bound listen address, available after Start.
func (h *Hub) Addr() string { return h.addr }

func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	stopped := h.stopped
	h.mu.RUnlock()
	if stopped {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	c := &Client{
		id:    uuid.NewString(),
		hub:   h,
		conn:  conn,
		queue: newOutQueue(h.cfg.QueueSize),
		done:  make(chan struct{}),
	}

	h.mu.Lock()
	h.clients[c.id] = c
	n := len(h.clients)
	h.mu.Unlock()
	h.metrics.ConnectedClients.Set(float64(n))
	h.logger.Info("client connected", "client_id", c.id, "remote", r.RemoteAddr, "clients", n)

	// The connection snapshot goes out first, before any other
	// traffic can be queued for this client.
	h.enqueue(c, h.status.ConnectionStatus())

	h.wg.Add(1)
	go c.writePump()
	go c.readPump()
}

// dropClient unregisters a client and reports the disconnect for
// subscription cleanup. Called exactly once, from readPump's exit.
func (h *Hub) dropClient(c *Client) {
	defer h.wg.Done()
	c.close(websocket.CloseNormalClosure, "")

	h.mu.Lock()
	_, known := h.clients[c.id]
	delete(h.clients, c.id)
	n := len(h.clients)
	stopped := h.stopped
	h.mu.Unlock()
	if !known {
		return
	}

	h.metrics.ConnectedClients.Set(float64(n))
	h.logger.Info("client disconnected", "client_id", c.id, "clients", n)

	if !stopped {
		select {
		case h.disconnects <- c.id:
		case <-time.After(5 * time.Second):
			h.logger.Error("disconnect cascade stalled", "client_id", c.id)
		}
	}
}

// dispatchCommand decodes one inbound frame. Garbage stays a
// per-message problem: the client gets an error and the connection
// lives on.
func (h *Hub) dispatchCommand(c *Client, data []byte) {
	var cmd types.ClientCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		h.SendError(c.id, types.SeverityError, types.ErrBadRequest, "malformed JSON")
		return
	}
	if cmd.Command == "" {
		h.SendError(c.id, types.SeverityError, types.ErrBadRequest, "missing command")
		return
	}

	select {
	case h.commands <- Command{ClientID: c.id, Cmd: cmd}:
	case <-c.done:
	}
}

// Send delivers one message to one client. Unknown clients are a
// no-op: the client may have disconnected while the reply was being
// built.
func (h *Hub) Send(clientID string, msg any) {
	h.mu.RLock()
	c, ok := h.clients[clientID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	h.enqueue(c, msg)
}

// SendError builds and delivers an error message to one client.
func (h *Hub) SendError(clientID string, sev types.Severity, code any, text string) {
	h.Send(clientID, types.NewError(sev, code, text))
}

// Broadcast delivers one message to every connected client.
func (h *Hub) Broadcast(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal broadcast", "error", err)
		return
	}
	critical := isCritical(msg)

	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.push(c, data, critical)
	}
}

func (h *Hub) enqueue(c *Client, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal message", "error", err, "client_id", c.id)
		return
	}
	h.push(c, data, isCritical(msg))
}

func (h *Hub) push(c *Client, data []byte, critical bool) {
	switch c.queue.push(data, critical) {
	case pushOK:
	case pushedDroppingOldest, droppedSelf:
		h.metrics.ClientDropped.Inc()
		h.logger.Debug("queue full, dropped market data", "client_id", c.id)
	case queueStuck:
		h.metrics.SlowConsumers.Inc()
		h.logger.Warn("slow consumer, disconnecting", "client_id", c.id, "queued", c.queue.len())
		c.close(websocket.CloseInternalServerErr, "slow_consumer")
	}
}

// isCritical reports whether a message must never be silently
// dropped. Losing a tick is harmless; losing an order status is not.
func isCritical(msg any) bool {
	switch msg.(type) {
	case types.OrderStatusMsg, types.ConnectionStatusMsg, types.ErrorMsg:
		return true
	}
	return false
}
