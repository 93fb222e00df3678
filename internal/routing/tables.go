// Package routing owns the identifier allocator and the lookup tables
// that tie upstream request/order ids to client subscriptions. All
// mutations take the table lock; the hot read path (one lookup per
// inbound tick) takes only the read side.
package routing

import (
	"errors"
	"sync"
	"time"

	"marketbridge/pkg/types"
)

// ErrDuplicate is returned when a client already holds a live
// subscription for the same instrument and stream.
var ErrDuplicate = errors.New("duplicate subscription")

// Tables is the authoritative registry of live subscriptions and order
// ownership. Subscription state lives here so that the event router, the
// hub and the managers all observe one consistent view.
type Tables struct {
	mu sync.RWMutex

	subs          map[string]types.Subscription // sub_id → subscription
	reqToSub      map[int64]string              // req_id → sub_id
	orderToClient map[int64]string              // order_id → client_id
	clientSubs    map[string]map[string]struct{}
	pairToSub     map[string]string // client|instrument|stream → sub_id
}

func NewTables() *Tables {
	return &Tables{
		subs:          make(map[string]types.Subscription),
		reqToSub:      make(map[int64]string),
		orderToClient: make(map[int64]string),
		clientSubs:    make(map[string]map[string]struct{}),
		pairToSub:     make(map[string]string),
	}
}

func pairKey(clientID string, inst types.Instrument, stream types.StreamKind) string {
	return clientID + "|" + inst.Key() + "|" + string(stream)
}

// AddSub registers a new subscription in every table. ErrDuplicate means
// the client already has a non-cancelled subscription for the pair.
func (t *Tables) AddSub(s types.Subscription) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	pk := pairKey(s.ClientID, s.Instrument, s.Stream)
	if existing, ok := t.pairToSub[pk]; ok {
		if cur, live := t.subs[existing]; live && cur.State != types.SubCancelling && cur.State != types.SubCancelled {
			return ErrDuplicate
		}
	}

	t.subs[s.SubID] = s
	t.reqToSub[s.ReqID] = s.SubID
	t.pairToSub[pk] = s.SubID
	set, ok := t.clientSubs[s.ClientID]
	if !ok {
		set = make(map[string]struct{})
		t.clientSubs[s.ClientID] = set
	}
	set[s.SubID] = struct{}{}
	return nil
}

// BySub returns the subscription by id.
func (t *Tables) BySub(subID string) (types.Subscription, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.subs[subID]
	return s, ok
}

// ByReq resolves an upstream request id to its subscription.
func (t *Tables) ByReq(reqID int64) (types.Subscription, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	subID, ok := t.reqToSub[reqID]
	if !ok {
		return types.Subscription{}, false
	}
	s, ok := t.subs[subID]
	return s, ok
}

// ByPair resolves a (client, instrument, stream) triple to its live
// subscription, if any.
func (t *Tables) ByPair(clientID string, inst types.Instrument, stream types.StreamKind) (types.Subscription, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	subID, ok := t.pairToSub[pairKey(clientID, inst, stream)]
	if !ok {
		return types.Subscription{}, false
	}
	s, ok := t.subs[subID]
	return s, ok
}

// ClientSubs returns copies of all subscriptions owned by a client.
func (t *Tables) ClientSubs(clientID string) []types.Subscription {
	t.mu.RLock()
	defer t.mu.RUnlock()
	set := t.clientSubs[clientID]
	out := make([]types.Subscription, 0, len(set))
	for subID := range set {
		if s, ok := t.subs[subID]; ok {
			out = append(out, s)
		}
	}
	return out
}

// AllSubs returns copies of every tracked subscription.
func (t *Tables) AllSubs() []types.Subscription {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]types.Subscription, 0, len(t.subs))
	for _, s := range t.subs {
		out = append(out, s)
	}
	return out
}

// SetState updates a subscription's lifecycle state.
func (t *Tables) SetState(subID string, state types.SubState) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.subs[subID]
	if !ok {
		return false
	}
	s.State = state
	t.subs[subID] = s
	return true
}

// MarkActive records the arrival of a data event for the subscription
// and promotes it out of Pending on the first one.
func (t *Tables) MarkActive(subID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.subs[subID]
	if !ok {
		return
	}
	s.LastEventAt = time.Now()
	if s.State == types.SubPending {
		s.State = types.SubActive
	}
	t.subs[subID] = s
}

// Rebind atomically moves a subscription to a fresh request id. Used on
// reconnect so that stale req_ids from the previous session can never
// route to a live subscription.
func (t *Tables) Rebind(subID string, newReqID int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.subs[subID]
	if !ok {
		return false
	}
	if cur, ok := t.reqToSub[s.ReqID]; ok && cur == subID {
		delete(t.reqToSub, s.ReqID)
	}
	s.ReqID = newReqID
	t.subs[subID] = s
	t.reqToSub[newReqID] = subID
	return true
}

// Forget removes a subscription from every table in one critical section.
func (t *Tables) Forget(subID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.subs[subID]
	if !ok {
		return false
	}
	delete(t.subs, subID)
	if cur, ok := t.reqToSub[s.ReqID]; ok && cur == subID {
		delete(t.reqToSub, s.ReqID)
	}
	pk := pairKey(s.ClientID, s.Instrument, s.Stream)
	if cur, ok := t.pairToSub[pk]; ok && cur == subID {
		delete(t.pairToSub, pk)
	}
	if set, ok := t.clientSubs[s.ClientID]; ok {
		delete(set, subID)
		if len(set) == 0 {
			delete(t.clientSubs, s.ClientID)
		}
	}
	return true
}

// BindOrder records order ownership for status routing.
func (t *Tables) BindOrder(orderID int64, clientID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.orderToClient[orderID] = clientID
}

// OrderOwner resolves an order id to the owning client.
func (t *Tables) OrderOwner(orderID int64) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.orderToClient[orderID]
	return c, ok
}

// ForgetOrder drops an order's routing entry (terminal-order GC).
func (t *Tables) ForgetOrder(orderID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.orderToClient, orderID)
}

// Stats is a point-in-time size snapshot for the status endpoint.
type Stats struct {
	Subscriptions int `json:"subscriptions"`
	TrackedOrders int `json:"tracked_orders"`
}

func (t *Tables) Stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return Stats{
		Subscriptions: len(t.subs),
		TrackedOrders: len(t.orderToClient),
	}
}
