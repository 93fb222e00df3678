package engine

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"marketbridge/internal/config"
	"marketbridge/internal/ibwire"
	"marketbridge/internal/instrument"
	"marketbridge/internal/metrics"
	"marketbridge/internal/routing"
	"marketbridge/pkg/types"
)

// orderManager validates and places orders, folds upstream status
// reports into its registry, and garbage-collects finished orders.
// Orders are never queued: with no upstream session a place_order
// fails immediately rather than firing later at a price the client
// never saw.
type orderManager struct {
	cfg     config.OrdersConfig
	alloc   *routing.Allocator
	tables  *routing.Tables
	session upstreamLink
	gw      clientGateway
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu     sync.Mutex
	orders map[int64]*types.Order

	now func() time.Time
}

func newOrderManager(cfg config.OrdersConfig, alloc *routing.Allocator, tables *routing.Tables, session upstreamLink, gw clientGateway, m *metrics.Metrics, logger *slog.Logger) *orderManager {
	return &orderManager{
		cfg:     cfg,
		alloc:   alloc,
		tables:  tables,
		session: session,
		gw:      gw,
		metrics: m,
		logger:  logger.With("component", "orders"),
		orders:  make(map[int64]*types.Order),
		now:     time.Now,
	}
}

func (om *orderManager) sendError(clientID string, code any, text string, orderID int64) {
	e := types.NewError(types.SeverityError, code, text)
	e.OrderID = orderID
	om.gw.Send(clientID, e)
}

// place handles one place_order command.
func (om *orderManager) place(ctx context.Context, clientID string, cmd types.ClientCommand) {
	inst, err := instrument.Canonicalize(cmd)
	if err != nil {
		om.sendError(clientID, types.ErrBadRequest, err.Error(), 0)
		return
	}
	side, ok := types.ParseSide(cmd.Action)
	if !ok {
		om.sendError(clientID, types.ErrBadRequest, "action must be BUY or SELL", 0)
		return
	}
	otype, ok := types.ParseOrderType(cmd.OrderType)
	if !ok {
		om.sendError(clientID, types.ErrBadRequest, "order_type must be MKT, LMT or STP", 0)
		return
	}
	if cmd.Quantity.Sign() <= 0 || !cmd.Quantity.IsInteger() {
		om.sendError(clientID, types.ErrBadRequest, "quantity must be a positive integer", 0)
		return
	}
	if otype != types.OrderMarket && cmd.Price.Sign() <= 0 {
		om.sendError(clientID, types.ErrBadRequest,
			string(otype)+" order requires a positive price", 0)
		return
	}
	if !om.session.Ready() {
		om.sendError(clientID, types.ErrNotConnected, "upstream session is not ready", 0)
		return
	}

	now := om.now().UTC()
	ord := &types.Order{
		OrderID:    om.alloc.NextOrderID(),
		ClientID:   clientID,
		Instrument: inst,
		Side:       side,
		Type:       otype,
		Quantity:   cmd.Quantity,
		State:      types.OrderPendingSubmit,
		Remaining:  cmd.Quantity,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if otype != types.OrderMarket {
		ord.Price = cmd.Price
	}

	// Snapshot the ack now; once the order is registered the router may
	// start folding status reports into it.
	ack := orderStatusMsg(ord, types.UnixTime(now))

	// Register ownership before the order leaves: the first status
	// report can beat the Send return.
	om.mu.Lock()
	om.orders[ord.OrderID] = ord
	om.mu.Unlock()
	om.tables.BindOrder(ord.OrderID, clientID)

	spec := ibwire.OrderSpec{
		Action:    string(side),
		Quantity:  ord.Quantity,
		OrderType: otype.Upstream(),
		TIF:       "DAY",
	}
	switch otype {
	case types.OrderLimit:
		spec.LimitPrice = ord.Price
	case types.OrderStop:
		spec.StopPrice = ord.Price
	}
	msg := ibwire.PlaceOrder(ord.OrderID, instrument.WireContract(inst), spec, om.session.ServerVersion())
	if err := om.session.Send(ctx, msg); err != nil {
		om.mu.Lock()
		delete(om.orders, ord.OrderID)
		om.mu.Unlock()
		om.tables.ForgetOrder(ord.OrderID)
		om.sendError(clientID, types.ErrNotConnected, "upstream send failed: "+err.Error(), 0)
		return
	}

	om.metrics.OrdersPlaced.Inc()
	om.logger.Info("order placed",
		"order_id", ord.OrderID,
		"client_id", clientID,
		"instrument", inst.Display(),
		"action", side,
		"order_type", otype.Upstream(),
		"quantity", cmd.Quantity,
	)
	om.gw.Send(clientID, ack)
}

// cancel handles one cancel_order command. Only the placing client may
// cancel, and only while the order can still change state.
func (om *orderManager) cancel(ctx context.Context, clientID string, cmd types.ClientCommand) {
	if cmd.OrderID == 0 {
		om.sendError(clientID, types.ErrBadRequest, "missing order_id", 0)
		return
	}

	om.mu.Lock()
	ord, ok := om.orders[cmd.OrderID]
	var owner string
	var state types.OrderState
	if ok {
		owner = ord.ClientID
		state = ord.State
	}
	om.mu.Unlock()

	switch {
	case !ok:
		om.sendError(clientID, types.ErrNotFound, "no such order", cmd.OrderID)
		return
	case owner != clientID:
		om.sendError(clientID, types.ErrNotOwned, "order belongs to another client", cmd.OrderID)
		return
	case state.Terminal():
		om.sendError(clientID, types.ErrTerminal, "order is already "+string(state), cmd.OrderID)
		return
	}
	if !om.session.Ready() {
		om.sendError(clientID, types.ErrNotConnected, "upstream session is not ready", cmd.OrderID)
		return
	}

	if err := om.session.Send(ctx, ibwire.CancelOrder(cmd.OrderID, om.session.ServerVersion())); err != nil {
		om.sendError(clientID, types.ErrNotConnected, "upstream send failed: "+err.Error(), cmd.OrderID)
		return
	}
	om.logger.Info("cancel requested", "order_id", cmd.OrderID, "client_id", clientID)
}

// list answers list_orders with every order the client owns, oldest
// first.
func (om *orderManager) list(clientID string) {
	om.mu.Lock()
	owned := make([]types.OrderSummary, 0, 8)
	for _, ord := range om.orders {
		if ord.ClientID == clientID {
			owned = append(owned, orderSummary(ord))
		}
	}
	om.mu.Unlock()

	sort.Slice(owned, func(i, j int) bool { return owned[i].OrderID < owned[j].OrderID })
	om.gw.Send(clientID, types.OrdersMsg{
		Type:      types.MsgTypeOrders,
		Orders:    owned,
		Timestamp: types.UnixTime(om.now()),
	})
}

// normalizeOrderStatus maps the vendor status vocabulary onto the
// client-facing one. PreSubmitted is a Submitted order parked at the
// exchange; a Submitted order with partial execution reports as
// PartiallyFilled; Inactive means the venue refused it.
func normalizeOrderStatus(ev ibwire.OrderStatus) (types.OrderState, bool) {
	switch ev.Status {
	case "PendingSubmit", "ApiPending":
		return types.OrderPendingSubmit, true
	case "PreSubmitted", "Submitted", "PendingCancel":
		if ev.Filled.Sign() > 0 && ev.Remaining.Sign() > 0 {
			return types.OrderPartiallyFilled, true
		}
		return types.OrderSubmitted, true
	case "Filled":
		return types.OrderFilled, true
	case "Cancelled", "ApiCancelled":
		return types.OrderCancelled, true
	case "Inactive":
		return types.OrderRejected, true
	}
	return "", false
}

// applyStatus folds one upstream status report into the registry.
// Upstream reports can arrive out of order; the fold keeps the
// monotonic fields monotonic: state tracks the latest report, filled
// never decreases, remaining and non-zero fill prices track the report.
func (om *orderManager) applyStatus(ev ibwire.OrderStatus) (types.OrderStatusMsg, string, bool) {
	om.mu.Lock()
	defer om.mu.Unlock()

	ord, ok := om.orders[ev.OrderID]
	if !ok {
		return types.OrderStatusMsg{}, "", false
	}

	prev := ord.State
	if state, known := normalizeOrderStatus(ev); known {
		ord.State = state
	} else {
		om.logger.Debug("unknown order status", "order_id", ev.OrderID, "status", ev.Status)
	}
	if ev.Filled.GreaterThan(ord.Filled) {
		ord.Filled = ev.Filled
	}
	ord.Remaining = ev.Remaining
	if ev.AvgFillPrice.Sign() > 0 {
		ord.AvgFillPrice = ev.AvgFillPrice
	}
	if ev.LastFillPrice.Sign() > 0 {
		ord.LastFillPrice = ev.LastFillPrice
	}
	ord.UpdatedAt = om.now().UTC()

	if ord.State == types.OrderFilled && prev != types.OrderFilled {
		om.metrics.OrdersFilled.Inc()
	}

	return orderStatusMsg(ord, types.UnixTime(ord.UpdatedAt)), ord.ClientID, true
}

// run sweeps finished orders out of the registry once they are old
// enough that no client still cares.
func (om *orderManager) run(ctx context.Context) {
	ticker := time.NewTicker(om.cfg.GCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			om.sweep()
		}
	}
}

func (om *orderManager) sweep() {
	cutoff := om.now().UTC().Add(-om.cfg.Retention)

	om.mu.Lock()
	var removed []int64
	for id, ord := range om.orders {
		if ord.State.Terminal() && ord.UpdatedAt.Before(cutoff) {
			delete(om.orders, id)
			removed = append(removed, id)
		}
	}
	om.mu.Unlock()

	for _, id := range removed {
		om.tables.ForgetOrder(id)
	}
	if len(removed) > 0 {
		om.logger.Debug("swept finished orders", "count", len(removed))
	}
}

// stats reports registry sizes for the status endpoint.
func (om *orderManager) stats() (total, working int) {
	om.mu.Lock()
	defer om.mu.Unlock()
	for _, ord := range om.orders {
		if !ord.State.Terminal() {
			working++
		}
	}
	return len(om.orders), working
}

func orderStatusMsg(ord *types.Order, ts float64) types.OrderStatusMsg {
	return types.OrderStatusMsg{
		Type:          types.MsgTypeOrderStatus,
		OrderID:       ord.OrderID,
		Status:        ord.State,
		Filled:        ord.Filled.InexactFloat64(),
		Remaining:     ord.Remaining.InexactFloat64(),
		AvgFillPrice:  ord.AvgFillPrice.InexactFloat64(),
		LastFillPrice: ord.LastFillPrice.InexactFloat64(),
		Timestamp:     ts,
	}
}

func orderSummary(ord *types.Order) types.OrderSummary {
	return types.OrderSummary{
		OrderID:       ord.OrderID,
		Symbol:        ord.Instrument.Symbol,
		Action:        ord.Side,
		Quantity:      ord.Quantity.InexactFloat64(),
		OrderType:     ord.Type.Upstream(),
		Price:         ord.Price.InexactFloat64(),
		Status:        ord.State,
		Filled:        ord.Filled.InexactFloat64(),
		Remaining:     ord.Remaining.InexactFloat64(),
		AvgFillPrice:  ord.AvgFillPrice.InexactFloat64(),
		LastFillPrice: ord.LastFillPrice.InexactFloat64(),
		CreatedAt:     types.UnixTime(ord.CreatedAt),
		UpdatedAt:     types.UnixTime(ord.UpdatedAt),
	}
}
