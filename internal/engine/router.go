package engine

import (
	"context"

	"marketbridge/internal/ibwire"
	"marketbridge/internal/upstream"
	"marketbridge/pkg/types"
)

// piggySizeField maps a price tick code to the size field that rides
// along with it on the same update. The size goes out as its own
// data_type:"size" message right after the price.
var piggySizeField = map[int]string{
	1: "bid_size",
	2: "ask_size",
	4: "last_size",
}

// routeEvents is the single consumer of the upstream event stream.
// Everything the gateway says passes through here exactly once and is
// either delivered to its owner, broadcast, or dropped with a reason.
func (e *Engine) routeEvents(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-e.events:
			if !ok {
				return nil
			}
			e.dispatchEvent(ctx, ev)
		}
	}
}

func (e *Engine) dispatchEvent(ctx context.Context, ev any) {
	switch ev := ev.(type) {
	case upstream.ConnectionReady:
		e.metrics.EventsRouted.WithLabelValues("session").Inc()
		e.alloc.RaiseOrderFloor(ev.NextOrderID)
		e.logger.Info("upstream ready", "next_order_id", ev.NextOrderID, "server_version", ev.ServerVersion)
		e.subs.handleConnectionReady(ctx)
		e.gw.Broadcast(types.ConnectionStatusMsg{
			Type:        types.MsgTypeConnectionStatus,
			Status:      types.ConnConnected,
			NextOrderID: e.alloc.OrderFloor(),
			Timestamp:   types.UnixNow(),
		})

	case upstream.ConnectionLost:
		e.metrics.EventsRouted.WithLabelValues("session").Inc()
		e.logger.Warn("upstream lost", "error", ev.Err)
		e.subs.handleConnectionLost()
		e.gw.Broadcast(types.ConnectionStatusMsg{
			Type:      types.MsgTypeConnectionStatus,
			Status:    types.ConnDisconnected,
			Timestamp: types.UnixNow(),
		})

	case ibwire.TickPrice:
		e.routeTickPrice(ev)

	case ibwire.TickSize:
		e.routeTickSize(ev)

	case ibwire.TickByTickLast:
		e.routeTrade(ev)

	case ibwire.TickByTickBidAsk:
		e.routeQuote(ev)

	case ibwire.OrderStatus:
		e.metrics.EventsRouted.WithLabelValues("order").Inc()
		msg, owner, ok := e.orders.applyStatus(ev)
		if !ok {
			e.metrics.EventsDropped.WithLabelValues("unknown_order").Inc()
			e.logger.Warn("status for unknown order", "order_id", ev.OrderID, "status", ev.Status)
			return
		}
		e.gw.Send(owner, msg)

	case ibwire.ErrMsg:
		e.routeUpstreamNotice(ev)

	case ibwire.ContractData:
		e.metrics.EventsRouted.WithLabelValues("contract").Inc()
		if !e.subs.handleContractData(ev) {
			e.metrics.EventsDropped.WithLabelValues("unknown_req").Inc()
			e.logger.Warn("contract data for unknown request", "req_id", ev.ReqID, "symbol", ev.Symbol)
		}

	case ibwire.ContractDataEnd:
		e.metrics.EventsRouted.WithLabelValues("contract").Inc()
		if !e.subs.handleContractDataEnd(ctx, ev) {
			e.metrics.EventsDropped.WithLabelValues("unknown_req").Inc()
			e.logger.Warn("contract data end for unknown request", "req_id", ev.ReqID)
		}

	case ibwire.NextValidID:
		// Mid-session re-announce; only ever raises the floor.
		e.metrics.EventsRouted.WithLabelValues("session").Inc()
		e.alloc.RaiseOrderFloor(ev.OrderID)

	case ibwire.CurrentTime:
		e.metrics.EventsRouted.WithLabelValues("session").Inc()
		e.logger.Debug("heartbeat answered", "server_time", ev.Time)

	case ibwire.Unknown:
		e.metrics.EventsDropped.WithLabelValues("unknown_msg").Inc()
		e.logger.Debug("unhandled upstream message", "msg_id", ev.MsgID, "fields", len(ev.Fields))
	}
}

// resolveTick looks up the subscription for a market data event and
// applies the drop rules shared by every tick shape.
func (e *Engine) resolveTick(reqID int64) (types.Subscription, bool) {
	sub, ok := e.tables.ByReq(reqID)
	if !ok {
		e.metrics.EventsDropped.WithLabelValues("unknown_req").Inc()
		e.logger.Warn("tick for unknown request", "req_id", reqID)
		return types.Subscription{}, false
	}
	if sub.State == types.SubCancelling || sub.State == types.SubCancelled {
		// In-flight data behind a cancel; the client asked for silence.
		e.metrics.EventsDropped.WithLabelValues("draining").Inc()
		return types.Subscription{}, false
	}
	e.tables.MarkActive(sub.SubID)
	return sub, true
}

func (e *Engine) routeTickPrice(ev ibwire.TickPrice) {
	sub, ok := e.resolveTick(ev.ReqID)
	if !ok {
		return
	}
	field, known := ibwire.PriceTickField(ev.Code)
	if !known {
		e.metrics.EventsDropped.WithLabelValues("unmapped_tick").Inc()
		e.logger.Debug("unmapped price tick", "code", ev.Code, "req_id", ev.ReqID)
		return
	}
	e.metrics.EventsRouted.WithLabelValues("tick").Inc()

	now := types.UnixNow()
	e.gw.Send(sub.ClientID, types.MarketDataMsg{
		Type:      types.MsgTypeMarketData,
		Symbol:    sub.Instrument.Symbol,
		ReqID:     ev.ReqID,
		DataType:  types.DataTypePrice,
		TickType:  field,
		Price:     ev.Price.InexactFloat64(),
		Timestamp: now,
	})
	if sizeField, hasSize := piggySizeField[ev.Code]; hasSize && ev.Size.Sign() > 0 {
		e.gw.Send(sub.ClientID, types.MarketDataMsg{
			Type:      types.MsgTypeMarketData,
			Symbol:    sub.Instrument.Symbol,
			ReqID:     ev.ReqID,
			DataType:  types.DataTypeSize,
			TickType:  sizeField,
			Size:      ev.Size.InexactFloat64(),
			Timestamp: now,
		})
	}
}

func (e *Engine) routeTickSize(ev ibwire.TickSize) {
	sub, ok := e.resolveTick(ev.ReqID)
	if !ok {
		return
	}
	field, known := ibwire.SizeTickField(ev.Code)
	if !known {
		e.metrics.EventsDropped.WithLabelValues("unmapped_tick").Inc()
		e.logger.Debug("unmapped size tick", "code", ev.Code, "req_id", ev.ReqID)
		return
	}
	e.metrics.EventsRouted.WithLabelValues("tick").Inc()

	e.gw.Send(sub.ClientID, types.MarketDataMsg{
		Type:      types.MsgTypeMarketData,
		Symbol:    sub.Instrument.Symbol,
		ReqID:     ev.ReqID,
		DataType:  types.DataTypeSize,
		TickType:  field,
		Size:      ev.Size.InexactFloat64(),
		Timestamp: types.UnixNow(),
	})
}

func (e *Engine) routeTrade(ev ibwire.TickByTickLast) {
	sub, ok := e.resolveTick(ev.ReqID)
	if !ok {
		return
	}
	e.metrics.EventsRouted.WithLabelValues("trade").Inc()

	e.gw.Send(sub.ClientID, types.TimeAndSalesMsg{
		Type:      types.MsgTypeTimeAndSales,
		Symbol:    sub.Instrument.Symbol,
		ReqID:     ev.ReqID,
		Price:     ev.Price.InexactFloat64(),
		Size:      ev.Size.InexactFloat64(),
		Exchange:  ev.Exchange,
		Timestamp: types.UnixTime(ev.Time),
	})
}

func (e *Engine) routeQuote(ev ibwire.TickByTickBidAsk) {
	sub, ok := e.resolveTick(ev.ReqID)
	if !ok {
		return
	}
	e.metrics.EventsRouted.WithLabelValues("quote").Inc()

	e.gw.Send(sub.ClientID, types.BidAskMsg{
		Type:      types.MsgTypeBidAsk,
		Symbol:    sub.Instrument.Symbol,
		ReqID:     ev.ReqID,
		BidPrice:  ev.Bid.InexactFloat64(),
		AskPrice:  ev.Ask.InexactFloat64(),
		BidSize:   ev.BidSize.InexactFloat64(),
		AskSize:   ev.AskSize.InexactFloat64(),
		Timestamp: types.UnixTime(ev.Time),
	})
}

// routeUpstreamNotice handles the server's error/notice channel. A
// negative ref id is connection-level chatter and stays in the logs;
// anything else is delivered verbatim, code and text untouched, to
// whoever owns the referenced request or order.
func (e *Engine) routeUpstreamNotice(ev ibwire.ErrMsg) {
	e.metrics.EventsRouted.WithLabelValues("notice").Inc()
	sev := ibwire.ClassifySeverity(ev.Code)

	if ev.RefID < 0 {
		switch sev {
		case types.SeverityError:
			e.logger.Error("upstream notice", "code", ev.Code, "text", ev.Text)
		case types.SeverityWarning:
			e.logger.Warn("upstream notice", "code", ev.Code, "text", ev.Text)
		default:
			e.logger.Info("upstream notice", "code", ev.Code, "text", ev.Text)
		}
		return
	}

	if e.subs.handleUpstreamError(ev, sev) {
		return
	}

	if owner, ok := e.tables.OrderOwner(ev.RefID); ok {
		msg := types.NewError(sev, ev.Code, ev.Text)
		msg.OrderID = ev.RefID
		e.gw.Send(owner, msg)
		return
	}

	e.metrics.EventsDropped.WithLabelValues("unknown_ref").Inc()
	e.logger.Warn("upstream notice for unknown ref", "ref_id", ev.RefID, "code", ev.Code, "text", ev.Text)
}
