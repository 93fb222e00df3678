// Package engine is the central orchestrator of the bridge.
//
// It wires together all subsystems:
//
//  1. The upstream session speaks the gateway's framed binary protocol
//     and feeds a single event stream.
//  2. The event router is that stream's only consumer; it resolves
//     request and order ids through the routing tables and delivers
//     JSON to the owning WebSocket client.
//  3. The subscription manager runs the subscribe/resolve/cancel
//     lifecycle, including front-month contract resolution.
//  4. The order manager validates and places orders and folds status
//     reports into its registry.
//  5. The hub owns the WebSocket listener and per-client queues.
//
// Lifecycle: New() → Run(ctx) until the context is cancelled, then a
// broadcast warning, a short grace period, and an orderly teardown.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"marketbridge/internal/config"
	"marketbridge/internal/hub"
	"marketbridge/internal/ibwire"
	"marketbridge/internal/metrics"
	"marketbridge/internal/routing"
	"marketbridge/internal/upstream"
	"marketbridge/pkg/types"
)

// shutdownGrace is how long the shutting_down broadcast gets to reach
// clients before their connections are closed.
const shutdownGrace = 2 * time.Second

// clientGateway is the outbound half of the hub as the engine sees it.
type clientGateway interface {
	Send(clientID string, msg any)
	Broadcast(msg any)
}

// upstreamLink is the outbound half of the session as the managers see
// it.
type upstreamLink interface {
	Ready() bool
	State() types.SessionState
	ServerVersion() int
	Send(ctx context.Context, b *ibwire.Builder) error
}

// Engine owns every long-lived component and supervises their
// goroutines.
type Engine struct {
	cfg     config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	alloc   *routing.Allocator
	tables  *routing.Tables
	session *upstream.Session
	link    upstreamLink
	hub     *hub.Hub
	gw      clientGateway
	subs    *subManager
	orders  *orderManager

	events      <-chan any
	commands    <-chan hub.Command
	disconnects <-chan string

	startedAt time.Time
}

// New creates and wires all engine components. Nothing is listening or
// dialing until Run.
func New(cfg config.Config, logger *slog.Logger) *Engine {
	m := metrics.New()
	alloc := routing.NewAllocator()
	tables := routing.NewTables()
	session := upstream.New(cfg.Upstream, m, logger)

	e := &Engine{
		cfg:     cfg,
		logger:  logger.With("component", "engine"),
		metrics: m,
		alloc:   alloc,
		tables:  tables,
		session: session,
		link:    session,
		events:  session.Events(),
	}

	h := hub.New(cfg.WS, e, m, logger)
	e.hub = h
	e.gw = h
	e.commands = h.Commands()
	e.disconnects = h.Disconnects()

	e.subs = newSubManager(alloc, tables, e.link, e.gw, m, logger)
	e.orders = newOrderManager(cfg.Orders, alloc, tables, e.link, e.gw, m, logger)
	return e
}

// Run starts every component and blocks until the context is cancelled
// or the session fails fatally. The WebSocket listener comes up last so
// no client can connect while the plumbing behind it is half built.
func (e *Engine) Run(ctx context.Context) error {
	e.startedAt = time.Now()

	if err := e.hub.Start(); err != nil {
		return fmt.Errorf("websocket listen: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := e.session.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error { return e.routeEvents(gctx) })
	g.Go(func() error { e.commandLoop(gctx); return nil })
	g.Go(func() error { e.orders.run(gctx); return nil })

	err := g.Wait()
	e.shutdown()
	return err
}

// shutdown warns connected clients, gives the write pumps a moment to
// flush, then tears the hub down.
func (e *Engine) shutdown() {
	e.logger.Info("shutting down")
	e.gw.Broadcast(types.ConnectionStatusMsg{
		Type:      types.MsgTypeConnectionStatus,
		Status:    types.ConnShuttingDown,
		Timestamp: types.UnixNow(),
	})
	time.Sleep(shutdownGrace)

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.hub.Stop(stopCtx); err != nil {
		e.logger.Warn("hub stop", "error", err)
	}
	e.subs.stopTimers()
	e.logger.Info("shutdown complete")
}

// commandLoop consumes decoded client commands and disconnect notices.
// Command handling is serialized here; the managers' own locks only
// guard against the router and timer goroutines.
func (e *Engine) commandLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-e.commands:
			e.handleCommand(ctx, cmd)
		case clientID := <-e.disconnects:
			e.subs.dropClient(ctx, clientID)
		}
	}
}

func (e *Engine) handleCommand(ctx context.Context, cmd hub.Command) {
	switch cmd.Cmd.Command {
	case types.CmdSubscribeMarketData:
		e.subs.subscribe(ctx, cmd.ClientID, cmd.Cmd, types.StreamMarketData)
	case types.CmdSubscribeTimeAndSales:
		e.subs.subscribe(ctx, cmd.ClientID, cmd.Cmd, types.StreamTimeAndSales)
	case types.CmdSubscribeBidAsk:
		e.subs.subscribe(ctx, cmd.ClientID, cmd.Cmd, types.StreamBidAsk)
	case types.CmdUnsubscribeMarketData:
		// The broad unsubscribe clears the symbol across every stream.
		e.subs.unsubscribe(ctx, cmd.ClientID, cmd.Cmd,
			types.StreamMarketData, types.StreamTimeAndSales, types.StreamBidAsk)
	case types.CmdUnsubscribeTimeAndSales:
		e.subs.unsubscribe(ctx, cmd.ClientID, cmd.Cmd, types.StreamTimeAndSales)
	case types.CmdUnsubscribeBidAsk:
		e.subs.unsubscribe(ctx, cmd.ClientID, cmd.Cmd, types.StreamBidAsk)
	case types.CmdPlaceOrder:
		e.orders.place(ctx, cmd.ClientID, cmd.Cmd)
	case types.CmdCancelOrder:
		e.orders.cancel(ctx, cmd.ClientID, cmd.Cmd)
	case types.CmdGetContractDetails:
		e.subs.getDetails(ctx, cmd.ClientID, cmd.Cmd)
	case types.CmdListOrders:
		e.orders.list(cmd.ClientID)
	default:
		e.gw.Send(cmd.ClientID, types.NewError(types.SeverityError, types.ErrBadRequest,
			"unknown command: "+cmd.Cmd.Command))
	}
}

// ConnectionStatus is the snapshot pushed to every client on connect.
// The session machine's phases collapse to the client vocabulary:
// ready is connected, dialing and handshaking are connecting, and
// everything else (including waiting out a reconnect backoff) is
// disconnected. NextOrderID is only meaningful while connected.
func (e *Engine) ConnectionStatus() types.ConnectionStatusMsg {
	msg := types.ConnectionStatusMsg{
		Type:      types.MsgTypeConnectionStatus,
		Timestamp: types.UnixNow(),
	}
	switch e.link.State() {
	case types.SessionReady:
		msg.Status = types.ConnConnected
		msg.NextOrderID = e.alloc.OrderFloor()
	case types.SessionConnecting, types.SessionHandshaking:
		msg.Status = types.ConnConnecting
	default:
		msg.Status = types.ConnDisconnected
	}
	return msg
}

// Snapshot is the point-in-time view served by the status API.
type Snapshot struct {
	UpstreamState types.SessionState `json:"upstream_state"`
	ServerVersion int                `json:"server_version,omitempty"`
	NextOrderID   int64              `json:"next_order_id"`
	Clients       int                `json:"clients"`
	Subscriptions int                `json:"subscriptions"`
	WorkingOrders int                `json:"working_orders"`
	TrackedOrders int                `json:"tracked_orders"`
	EventsRouted  int64              `json:"events_routed"`
	EventsDropped int64              `json:"events_dropped"`
	UptimeSeconds int64              `json:"uptime_seconds"`
}

func (e *Engine) Snapshot() Snapshot {
	stats := e.tables.Stats()
	tracked, working := e.orders.stats()
	routed, dropped := e.metrics.EventTotals()
	return Snapshot{
		UpstreamState: e.link.State(),
		ServerVersion: e.link.ServerVersion(),
		NextOrderID:   e.alloc.OrderFloor(),
		Clients:       e.hub.ClientCount(),
		Subscriptions: stats.Subscriptions,
		WorkingOrders: working,
		TrackedOrders: tracked,
		EventsRouted:  routed,
		EventsDropped: dropped,
		UptimeSeconds: int64(time.Since(e.startedAt).Seconds()),
	}
}

// Metrics exposes the collector set for the status API's /metrics.
func (e *Engine) Metrics() *metrics.Metrics { return e.metrics }
