package routing

import "sync/atomic"

// Allocator hands out upstream identifiers. Request ids start at 1 and
// never reset, so a req_id observed anywhere in a process log is
// unambiguous across reconnects. Order ids are floored by the value the
// server announces in NextValidId.
type Allocator struct {
	req   atomic.Int64
	order atomic.Int64
}

func NewAllocator() *Allocator {
	a := &Allocator{}
	a.order.Store(1)
	return a
}

// NextReqID returns the next request id, starting at 1.
func (a *Allocator) NextReqID() int64 {
	return a.req.Add(1)
}

// NextOrderID returns the next order id and advances the floor.
func (a *Allocator) NextOrderID() int64 {
	return a.order.Add(1) - 1
}

// RaiseOrderFloor lifts the next order id to n if n is larger. Called on
// every handshake; ids already handed out are never reissued because the
// floor only moves up.
func (a *Allocator) RaiseOrderFloor(n int64) {
	for {
		cur := a.order.Load()
		if n <= cur {
			return
		}
		if a.order.CompareAndSwap(cur, n) {
			return
		}
	}
}

// OrderFloor reports the next order id without consuming it.
func (a *Allocator) OrderFloor() int64 {
	return a.order.Load()
}
