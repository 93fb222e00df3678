package engine

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"marketbridge/internal/ibwire"
	"marketbridge/internal/instrument"
	"marketbridge/internal/metrics"
	"marketbridge/internal/routing"
	"marketbridge/pkg/types"
)

const (
	// cancelGrace is how long a cancelled subscription stays in the
	// tables to absorb in-flight events before it is forgotten.
	cancelGrace = 5 * time.Second

	// resolveWindow bounds a contract details round trip.
	resolveWindow = 10 * time.Second
)

type resolveKind int

const (
	resolveSubscribe resolveKind = iota // front-month lookup feeding a subscription
	resolveDetails                      // get_contract_details passthrough
)

// resolution is one front-month or contract-details lookup. While the
// upstream session is down, subscribe-kind resolutions wait in a queue
// with a nil timer.
type resolution struct {
	kind     resolveKind
	clientID string
	inst     types.Instrument
	stream   types.StreamKind
	expiries []string
	sent     int // contracts forwarded so far (details flow)
	timer    *time.Timer
}

// subManager owns the subscription lifecycle: canonicalize, resolve
// front months, register routing before anything hits the wire, and
// tear down with a drain window so late ticks die quietly. Subscribes
// that arrive while the upstream is down are queued, not rejected; the
// ConnectionReady replay puts them on the wire.
type subManager struct {
	alloc   *routing.Allocator
	tables  *routing.Tables
	session upstreamLink
	gw      clientGateway
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu           sync.Mutex
	resolutions  map[int64]*resolution // in flight, by req id
	queued       []*resolution         // waiting for the session to come up
	resolvePairs map[string]struct{}   // dup guard across in-flight and queued
	cancels      map[string]*time.Timer

	now func() time.Time
}

func newSubManager(alloc *routing.Allocator, tables *routing.Tables, session upstreamLink, gw clientGateway, m *metrics.Metrics, logger *slog.Logger) *subManager {
	return &subManager{
		alloc:        alloc,
		tables:       tables,
		session:      session,
		gw:           gw,
		metrics:      m,
		logger:       logger.With("component", "subs"),
		resolutions:  make(map[int64]*resolution),
		resolvePairs: make(map[string]struct{}),
		cancels:      make(map[string]*time.Timer),
		now:          time.Now,
	}
}

func (m *subManager) nowUnix() float64 { return types.UnixTime(m.now()) }

func (m *subManager) sendError(clientID string, sev types.Severity, code any, text string) {
	m.gw.Send(clientID, types.NewError(sev, code, text))
}

func resolvePairKey(clientID string, inst types.Instrument, stream types.StreamKind) string {
	return clientID + "|" + inst.Key() + "|" + string(stream)
}

// subscribe handles one subscribe_* command. Futures without an expiry
// take a detour through contract resolution first.
func (m *subManager) subscribe(ctx context.Context, clientID string, cmd types.ClientCommand, stream types.StreamKind) {
	inst, err := instrument.Canonicalize(cmd)
	if err != nil {
		m.sendError(clientID, types.SeverityError, types.ErrBadRequest, err.Error())
		return
	}

	if s, ok := m.tables.ByPair(clientID, inst, stream); ok && s.State != types.SubCancelling && s.State != types.SubCancelled {
		m.sendError(clientID, types.SeverityError, types.ErrDuplicateSubscription,
			"already subscribed to "+inst.Display())
		return
	}

	if instrument.NeedsResolution(inst) {
		m.startResolution(ctx, resolveSubscribe, clientID, inst, stream)
		return
	}
	m.createSub(ctx, clientID, inst, stream)
}

// createSub registers the subscription and, when the session is up, puts
// the request on the wire. Routing is registered first: the first tick
// can arrive before Send returns. With the session down the subscription
// stays Pending and rides the next ConnectionReady replay, which assigns
// a fresh req id.
func (m *subManager) createSub(ctx context.Context, clientID string, inst types.Instrument, stream types.StreamKind) {
	sub := types.Subscription{
		SubID:      uuid.NewString(),
		ClientID:   clientID,
		Instrument: inst,
		Stream:     stream,
		ReqID:      m.alloc.NextReqID(),
		State:      types.SubPending,
		CreatedAt:  m.now().UTC(),
	}
	if err := m.tables.AddSub(sub); err != nil {
		m.sendError(clientID, types.SeverityError, types.ErrDuplicateSubscription,
			"already subscribed to "+inst.Display())
		return
	}
	m.metrics.ActiveSubscriptions.Set(float64(m.tables.Stats().Subscriptions))

	if !m.session.Ready() {
		m.logger.Info("subscription queued until upstream is ready",
			"client_id", clientID,
			"sub_id", sub.SubID,
			"instrument", inst.Display(),
			"stream", stream,
		)
		return
	}
	if err := m.session.Send(ctx, m.streamRequest(sub.ReqID, inst, stream)); err != nil {
		// Send raced a disconnect; the ConnectionReady replay picks
		// this subscription up.
		m.logger.Warn("subscribe send failed, left queued", "sub_id", sub.SubID, "error", err)
		return
	}
	m.logger.Info("subscribed",
		"client_id", clientID,
		"sub_id", sub.SubID,
		"instrument", inst.Display(),
		"stream", stream,
		"req_id", sub.ReqID,
	)
}

// streamRequest builds the upstream request for one stream kind.
func (m *subManager) streamRequest(reqID int64, inst types.Instrument, stream types.StreamKind) *ibwire.Builder {
	c := instrument.WireContract(inst)
	switch stream {
	case types.StreamTimeAndSales:
		return ibwire.ReqTickByTick(reqID, c, ibwire.TickTypeAllLast)
	case types.StreamBidAsk:
		return ibwire.ReqTickByTick(reqID, c, ibwire.TickTypeBidAsk)
	default:
		return ibwire.ReqMktData(reqID, c, ibwire.GenericTickList)
	}
}

// unsubscribe cancels this client's subscriptions for a symbol. The
// plain unsubscribe_market_data covers every stream kind; the
// per-stream variants narrow it. Matches enter Cancelling and are
// forgotten after the drain window. A miss is a silent no-op, matching
// the idempotent contract of unsubscribing.
func (m *subManager) unsubscribe(ctx context.Context, clientID string, cmd types.ClientCommand, kinds ...types.StreamKind) {
	sym := strings.ToUpper(strings.TrimSpace(cmd.Symbol))
	if sym == "" {
		m.sendError(clientID, types.SeverityError, types.ErrBadRequest, "symbol is required")
		return
	}

	matched := 0
	for _, sub := range m.tables.ClientSubs(clientID) {
		if sub.Instrument.Symbol != sym || !streamIn(sub.Stream, kinds) {
			continue
		}
		if sub.State == types.SubCancelling || sub.State == types.SubCancelled {
			continue
		}
		matched++
		m.tables.SetState(sub.SubID, types.SubCancelling)

		// Upstream cancel is best effort: if the session is down the
		// server side is already gone.
		if m.session.Ready() {
			if err := m.session.Send(ctx, m.cancelRequest(sub)); err != nil {
				m.logger.Warn("upstream cancel failed", "sub_id", sub.SubID, "error", err)
			}
		}
		m.logger.Info("unsubscribing",
			"client_id", clientID,
			"sub_id", sub.SubID,
			"instrument", sub.Instrument.Display(),
			"stream", sub.Stream,
		)
		m.scheduleForget(sub.SubID)
	}

	matched += m.dropResolutions(clientID, sym, kinds)
	if matched == 0 {
		m.logger.Debug("unsubscribe matched nothing", "client_id", clientID, "symbol", sym)
	}
}

func streamIn(s types.StreamKind, kinds []types.StreamKind) bool {
	for _, k := range kinds {
		if k == s {
			return true
		}
	}
	return false
}

// dropResolutions abandons front-month lookups that an unsubscribe
// reaches before they finish. Answers for an already-sent lookup route
// to nobody and die in the router.
func (m *subManager) dropResolutions(clientID, sym string, kinds []types.StreamKind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for reqID, r := range m.resolutions {
		if r.kind != resolveSubscribe || r.clientID != clientID || r.inst.Symbol != sym || !streamIn(r.stream, kinds) {
			continue
		}
		r.timer.Stop()
		delete(m.resolutions, reqID)
		delete(m.resolvePairs, resolvePairKey(r.clientID, r.inst, r.stream))
		n++
	}
	kept := m.queued[:0]
	for _, r := range m.queued {
		if r.kind == resolveSubscribe && r.clientID == clientID && r.inst.Symbol == sym && streamIn(r.stream, kinds) {
			delete(m.resolvePairs, resolvePairKey(r.clientID, r.inst, r.stream))
			n++
			continue
		}
		kept = append(kept, r)
	}
	m.queued = kept
	return n
}

func (m *subManager) cancelRequest(sub types.Subscription) *ibwire.Builder {
	switch sub.Stream {
	case types.StreamTimeAndSales, types.StreamBidAsk:
		return ibwire.CancelTickByTick(sub.ReqID)
	default:
		return ibwire.CancelMktData(sub.ReqID)
	}
}

// scheduleForget arms the drain timer for a cancelling subscription.
func (m *subManager) scheduleForget(subID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, armed := m.cancels[subID]; armed {
		return
	}
	m.cancels[subID] = time.AfterFunc(cancelGrace, func() { m.finalizeCancel(subID) })
}

// finalizeCancel completes a teardown after the drain window.
func (m *subManager) finalizeCancel(subID string) {
	m.mu.Lock()
	if t, ok := m.cancels[subID]; ok {
		t.Stop()
		delete(m.cancels, subID)
	}
	m.mu.Unlock()

	sub, ok := m.tables.BySub(subID)
	if !ok {
		return
	}
	m.tables.Forget(subID)
	m.metrics.ActiveSubscriptions.Set(float64(m.tables.Stats().Subscriptions))
	m.logger.Info("unsubscribed", "sub_id", subID, "instrument", sub.Instrument.Display(), "stream", sub.Stream)
}

// dropClient tears down everything a disconnected client owned.
func (m *subManager) dropClient(ctx context.Context, clientID string) {
	subs := m.tables.ClientSubs(clientID)
	for _, sub := range subs {
		if m.session.Ready() && sub.State != types.SubCancelling && sub.State != types.SubCancelled {
			if err := m.session.Send(ctx, m.cancelRequest(sub)); err != nil {
				m.logger.Warn("upstream cancel failed", "sub_id", sub.SubID, "error", err)
			}
		}
		m.mu.Lock()
		if t, ok := m.cancels[sub.SubID]; ok {
			t.Stop()
			delete(m.cancels, sub.SubID)
		}
		m.mu.Unlock()
		m.tables.Forget(sub.SubID)
	}
	if len(subs) > 0 {
		m.metrics.ActiveSubscriptions.Set(float64(m.tables.Stats().Subscriptions))
		m.logger.Info("dropped client subscriptions", "client_id", clientID, "count", len(subs))
	}

	// Orphan the client's resolutions, queued or in flight; answers
	// for them now route to nobody and are dropped by the router.
	m.mu.Lock()
	for reqID, r := range m.resolutions {
		if r.clientID != clientID {
			continue
		}
		r.timer.Stop()
		delete(m.resolutions, reqID)
		delete(m.resolvePairs, resolvePairKey(r.clientID, r.inst, r.stream))
	}
	kept := m.queued[:0]
	for _, r := range m.queued {
		if r.clientID == clientID {
			delete(m.resolvePairs, resolvePairKey(r.clientID, r.inst, r.stream))
			continue
		}
		kept = append(kept, r)
	}
	m.queued = kept
	m.mu.Unlock()
}

// ------------------------------------------------------------------------
// Contract resolution
// ------------------------------------------------------------------------

// startResolution kicks off a contract details request, either to pick
// a front month for a subscription or to answer get_contract_details.
// Front-month lookups queue while the session is down; one-shot details
// lookups are rejected instead, there is no later moment the client is
// still waiting for.
func (m *subManager) startResolution(ctx context.Context, kind resolveKind, clientID string, inst types.Instrument, stream types.StreamKind) {
	r := &resolution{kind: kind, clientID: clientID, inst: inst, stream: stream}

	if kind == resolveSubscribe {
		pk := resolvePairKey(clientID, inst, stream)
		m.mu.Lock()
		if _, dup := m.resolvePairs[pk]; dup {
			m.mu.Unlock()
			m.sendError(clientID, types.SeverityError, types.ErrDuplicateSubscription,
				"already subscribing to "+inst.Display())
			return
		}
		m.resolvePairs[pk] = struct{}{}
		if !m.session.Ready() {
			m.queued = append(m.queued, r)
			m.mu.Unlock()
			m.logger.Info("front month lookup queued until upstream is ready",
				"client_id", clientID, "instrument", inst.Display(), "stream", stream)
			return
		}
		m.mu.Unlock()
	} else if !m.session.Ready() {
		m.sendError(clientID, types.SeverityError, types.ErrNotConnected, "upstream session is not ready")
		return
	}

	m.fireResolution(ctx, r)
}

// fireResolution allocates a req id, arms the timeout and sends the
// contract details request upstream.
func (m *subManager) fireResolution(ctx context.Context, r *resolution) {
	reqID := m.alloc.NextReqID()
	m.mu.Lock()
	r.timer = time.AfterFunc(resolveWindow, func() { m.expireResolution(reqID) })
	m.resolutions[reqID] = r
	m.mu.Unlock()

	if err := m.session.Send(ctx, ibwire.ReqContractDetails(reqID, instrument.WireContract(r.inst), m.session.ServerVersion())); err != nil {
		m.mu.Lock()
		cur, ok := m.resolutions[reqID]
		owned := ok && cur == r
		if owned {
			r.timer.Stop()
			delete(m.resolutions, reqID)
			if r.kind == resolveSubscribe {
				m.queued = append(m.queued, r)
			}
		}
		m.mu.Unlock()
		if !owned {
			// The timeout or a teardown settled this lookup while Send
			// was blocked; the client already has its answer.
			return
		}
		if r.kind == resolveSubscribe {
			m.logger.Warn("front month lookup send failed, queued", "instrument", r.inst.Display(), "error", err)
			return
		}
		m.sendError(r.clientID, types.SeverityError, types.ErrNotConnected, "upstream send failed: "+err.Error())
		return
	}
	m.logger.Debug("contract resolution started", "req_id", reqID, "instrument", r.inst.Display())
}

func (m *subManager) removeResolution(reqID int64) (*resolution, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.resolutions[reqID]
	if !ok {
		return nil, false
	}
	r.timer.Stop()
	delete(m.resolutions, reqID)
	if r.kind == resolveSubscribe {
		delete(m.resolvePairs, resolvePairKey(r.clientID, r.inst, r.stream))
	}
	return r, true
}

func (m *subManager) expireResolution(reqID int64) {
	r, ok := m.removeResolution(reqID)
	if !ok {
		return
	}
	m.logger.Warn("contract resolution timed out", "req_id", reqID, "instrument", r.inst.Display())
	m.sendError(r.clientID, types.SeverityError, types.ErrInstrumentUnresolved,
		"contract lookup timed out for "+r.inst.Display())
}

// handleContractData consumes one resolved contract. Returns false if
// the req id belongs to no live resolution.
func (m *subManager) handleContractData(ev ibwire.ContractData) bool {
	m.mu.Lock()
	r, ok := m.resolutions[ev.ReqID]
	if !ok {
		m.mu.Unlock()
		return false
	}

	switch r.kind {
	case resolveSubscribe:
		if ev.Expiry != "" {
			r.expiries = append(r.expiries, ev.Expiry)
		}
		m.mu.Unlock()
	case resolveDetails:
		r.sent++
		clientID := r.clientID
		m.mu.Unlock()
		m.gw.Send(clientID, contractDetailsMsg(ev, m.nowUnix()))
	}
	return true
}

// handleContractDataEnd finishes a resolution: front-month lookups
// continue into the real subscription, details lookups get their end
// marker.
func (m *subManager) handleContractDataEnd(ctx context.Context, ev ibwire.ContractDataEnd) bool {
	r, ok := m.removeResolution(ev.ReqID)
	if !ok {
		return false
	}

	switch r.kind {
	case resolveSubscribe:
		expiry, found := instrument.FrontMonth(r.expiries, m.now())
		if !found {
			m.sendError(r.clientID, types.SeverityError, types.ErrInstrumentUnresolved,
				"could not find front month contract for "+r.inst.Display())
			return true
		}
		resolved := r.inst
		resolved.Expiry = expiry
		m.logger.Info("front month resolved", "instrument", r.inst.Display(), "expiry", expiry)
		m.createSub(ctx, r.clientID, resolved, r.stream)
	case resolveDetails:
		m.gw.Send(r.clientID, types.ContractDetailsEndMsg{
			Type:      types.MsgTypeContractDetailsEnd,
			ReqID:     ev.ReqID,
			Timestamp: m.nowUnix(),
		})
	}
	return true
}

// getDetails handles get_contract_details.
func (m *subManager) getDetails(ctx context.Context, clientID string, cmd types.ClientCommand) {
	inst, err := instrument.Canonicalize(cmd)
	if err != nil {
		m.sendError(clientID, types.SeverityError, types.ErrBadRequest, err.Error())
		return
	}
	m.startResolution(ctx, resolveDetails, clientID, inst, types.StreamKind(""))
}

func contractDetailsMsg(ev ibwire.ContractData, ts float64) types.ContractDetailsMsg {
	c := types.ContractInfo{
		Symbol:        ev.Symbol,
		SecType:       ev.SecType,
		Exchange:      ev.Exchange,
		Currency:      ev.Currency,
		LocalSymbol:   ev.LocalSymbol,
		TradingClass:  ev.TradingClass,
		ConID:         ev.ConID,
		Multiplier:    ev.Multiplier,
		LastTradeDate: ev.Expiry,
	}
	if ev.Right != "" {
		c.Right = ev.Right
		if d, err := decimal.NewFromString(ev.Strike); err == nil && d.Sign() > 0 {
			c.Strike = d.InexactFloat64()
		}
	}
	return types.ContractDetailsMsg{
		Type:       types.MsgTypeContractDetails,
		ReqID:      ev.ReqID,
		Contract:   c,
		MarketName: ev.MarketName,
		MinTick:    ev.MinTick.InexactFloat64(),
		Timestamp:  ts,
	}
}

// ------------------------------------------------------------------------
// Upstream session transitions
// ------------------------------------------------------------------------

// handleConnectionReady replays every surviving subscription onto the
// new session with fresh request ids, then fires the queued front-month
// lookups. Old req_ids stay dead forever. The replay is ordered so each
// client's streams go back on the wire in the order they subscribed.
func (m *subManager) handleConnectionReady(ctx context.Context) {
	subs := m.tables.AllSubs()
	sort.Slice(subs, func(i, j int) bool {
		a, b := subs[i], subs[j]
		if a.ClientID != b.ClientID {
			return a.ClientID < b.ClientID
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		// CreatedAt can tie; req ids within a client are assigned in
		// creation order, and rebinding below reassigns them in this
		// same order.
		return a.ReqID < b.ReqID
	})
	for _, sub := range subs {
		if sub.State == types.SubCancelling || sub.State == types.SubCancelled {
			// The upstream side died with the old session; finish
			// the teardown without waiting out the drain window.
			m.finalizeCancel(sub.SubID)
			continue
		}

		reqID := m.alloc.NextReqID()
		if !m.tables.Rebind(sub.SubID, reqID) {
			continue
		}
		m.tables.SetState(sub.SubID, types.SubPending)
		if err := m.session.Send(ctx, m.streamRequest(reqID, sub.Instrument, sub.Stream)); err != nil {
			m.logger.Warn("resubscribe failed", "sub_id", sub.SubID, "error", err)
			continue
		}
		m.logger.Info("resubscribed", "sub_id", sub.SubID, "instrument", sub.Instrument.Display(), "req_id", reqID)
	}

	m.mu.Lock()
	queued := m.queued
	m.queued = nil
	m.mu.Unlock()
	for _, r := range queued {
		m.logger.Info("replaying queued front month lookup", "instrument", r.inst.Display())
		m.fireResolution(ctx, r)
	}
}

// handleConnectionLost demotes Active subscriptions to Pending (their
// upstream leg is gone until the replay restores it), parks
// subscribe-kind resolutions back in the queue and fails one-shot
// details lookups. The subscriptions themselves survive for the
// ConnectionReady replay.
func (m *subManager) handleConnectionLost() {
	for _, sub := range m.tables.AllSubs() {
		if sub.State == types.SubActive {
			m.tables.SetState(sub.SubID, types.SubPending)
		}
	}

	var failed []*resolution
	m.mu.Lock()
	for reqID, r := range m.resolutions {
		r.timer.Stop()
		delete(m.resolutions, reqID)
		if r.kind == resolveSubscribe {
			r.expiries = nil
			m.queued = append(m.queued, r)
			continue
		}
		failed = append(failed, r)
	}
	m.mu.Unlock()

	for _, r := range failed {
		m.sendError(r.clientID, types.SeverityError, types.ErrNotConnected,
			"upstream connection lost during contract lookup for "+r.inst.Display())
	}
}

// handleUpstreamError routes a request-scoped upstream notice to its
// owner, code and text verbatim. Returns false when the req id belongs
// to nothing we track. An ERROR-severity notice is fatal for whatever
// it names: the resolution or subscription is torn down after the
// client hears about it.
func (m *subManager) handleUpstreamError(ev ibwire.ErrMsg, sev types.Severity) bool {
	if sev == types.SeverityError {
		if r, ok := m.removeResolution(ev.RefID); ok {
			m.logger.Warn("contract resolution failed upstream",
				"req_id", ev.RefID, "instrument", r.inst.Display(), "code", ev.Code)
			m.forwardUpstream(r.clientID, ev, sev, resolutionRefID(r, ev.RefID))
			return true
		}
	} else {
		m.mu.Lock()
		r, live := m.resolutions[ev.RefID]
		m.mu.Unlock()
		if live {
			m.forwardUpstream(r.clientID, ev, sev, resolutionRefID(r, ev.RefID))
			return true
		}
	}

	sub, ok := m.tables.ByReq(ev.RefID)
	if !ok {
		return false
	}
	if sub.State == types.SubCancelling || sub.State == types.SubCancelled {
		// Late noise for a dying subscription.
		return true
	}

	if sev == types.SeverityError {
		m.mu.Lock()
		if t, armed := m.cancels[sub.SubID]; armed {
			t.Stop()
			delete(m.cancels, sub.SubID)
		}
		m.mu.Unlock()
		m.tables.SetState(sub.SubID, types.SubFailed)
		m.tables.Forget(sub.SubID)
		m.metrics.ActiveSubscriptions.Set(float64(m.tables.Stats().Subscriptions))
		m.logger.Warn("subscription failed upstream", "sub_id", sub.SubID, "code", ev.Code, "text", ev.Text)
	}
	m.forwardUpstream(sub.ClientID, ev, sev, ev.RefID)
	return true
}

// resolutionRefID picks the req_id a forwarded notice carries. A
// front-month lookup's req id is internal, the client has never seen
// it; a details lookup's req id is the one the contract_details
// messages carry.
func resolutionRefID(r *resolution, refID int64) int64 {
	if r.kind == resolveSubscribe {
		return 0
	}
	return refID
}

func (m *subManager) forwardUpstream(clientID string, ev ibwire.ErrMsg, sev types.Severity, refID int64) {
	e := types.NewError(sev, ev.Code, ev.Text)
	e.ReqID = refID
	m.gw.Send(clientID, e)
}

// stopTimers silences all pending timers during shutdown.
func (m *subManager) stopTimers() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.cancels {
		t.Stop()
		delete(m.cancels, id)
	}
	for reqID, r := range m.resolutions {
		r.timer.Stop()
		delete(m.resolutions, reqID)
	}
	m.queued = nil
	m.resolvePairs = make(map[string]struct{})
}
