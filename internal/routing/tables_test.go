package routing

import (
	"errors"
	"testing"
	"time"

	"marketbridge/pkg/types"
)

func testSub(subID, clientID string, reqID int64, symbol string, stream types.StreamKind) types.Subscription {
	return types.Subscription{
		SubID:    subID,
		ClientID: clientID,
		Instrument: types.Instrument{
			Symbol:   symbol,
			Kind:     types.KindFuture,
			Exchange: "CME",
			Currency: "USD",
			Expiry:   "202509",
		},
		Stream:    stream,
		ReqID:     reqID,
		State:     types.SubPending,
		CreatedAt: time.Now(),
	}
}

func TestAddAndLookup(t *testing.T) {
	t.Parallel()

	tb := NewTables()
	s := testSub("sub-1", "client-1", 1, "ES", types.StreamMarketData)
	if err := tb.AddSub(s); err != nil {
		t.Fatalf("AddSub: %v", err)
	}

	byReq, ok := tb.ByReq(1)
	if !ok || byReq.SubID != "sub-1" {
		t.Errorf("ByReq(1) = %+v, %v", byReq, ok)
	}
	byPair, ok := tb.ByPair("client-1", s.Instrument, types.StreamMarketData)
	if !ok || byPair.SubID != "sub-1" {
		t.Errorf("ByPair = %+v, %v", byPair, ok)
	}
	if _, ok := tb.ByReq(99); ok {
		t.Error("ByReq(99) found a subscription that was never added")
	}
}

func TestDuplicatePairRejected(t *testing.T) {
	t.Parallel()

	tb := NewTables()
	if err := tb.AddSub(testSub("sub-1", "client-1", 1, "ES", types.StreamMarketData)); err != nil {
		t.Fatalf("AddSub: %v", err)
	}

	err := tb.AddSub(testSub("sub-2", "client-1", 2, "ES", types.StreamMarketData))
	if !errors.Is(err, ErrDuplicate) {
		t.Errorf("AddSub(duplicate pair) = %v, want ErrDuplicate", err)
	}

	// Same instrument, different stream: allowed.
	if err := tb.AddSub(testSub("sub-3", "client-1", 3, "ES", types.StreamBidAsk)); err != nil {
		t.Errorf("AddSub(same instrument, other stream) = %v", err)
	}
	// Same pair, different client: allowed.
	if err := tb.AddSub(testSub("sub-4", "client-2", 4, "ES", types.StreamMarketData)); err != nil {
		t.Errorf("AddSub(same pair, other client) = %v", err)
	}

	// Once the original is cancelling, the pair frees up.
	tb.SetState("sub-1", types.SubCancelling)
	if err := tb.AddSub(testSub("sub-5", "client-1", 5, "ES", types.StreamMarketData)); err != nil {
		t.Errorf("AddSub(pair with cancelling predecessor) = %v", err)
	}
}

func TestForgetRemovesEverywhere(t *testing.T) {
	t.Parallel()

	tb := NewTables()
	s := testSub("sub-1", "client-1", 1, "ES", types.StreamMarketData)
	if err := tb.AddSub(s); err != nil {
		t.Fatalf("AddSub: %v", err)
	}

	if !tb.Forget("sub-1") {
		t.Fatal("Forget returned false for a live subscription")
	}
	if _, ok := tb.BySub("sub-1"); ok {
		t.Error("BySub still finds forgotten subscription")
	}
	if _, ok := tb.ByReq(1); ok {
		t.Error("ByReq still routes forgotten subscription")
	}
	if _, ok := tb.ByPair("client-1", s.Instrument, s.Stream); ok {
		t.Error("ByPair still finds forgotten subscription")
	}
	if subs := tb.ClientSubs("client-1"); len(subs) != 0 {
		t.Errorf("ClientSubs = %d entries, want 0", len(subs))
	}
	if tb.Forget("sub-1") {
		t.Error("second Forget returned true")
	}
}

func TestRebindInvalidatesStaleReqID(t *testing.T) {
	t.Parallel()

	tb := NewTables()
	if err := tb.AddSub(testSub("sub-1", "client-1", 1, "ES", types.StreamMarketData)); err != nil {
		t.Fatalf("AddSub: %v", err)
	}

	if !tb.Rebind("sub-1", 17) {
		t.Fatal("Rebind returned false")
	}
	if _, ok := tb.ByReq(1); ok {
		t.Error("stale req_id 1 still routes after Rebind")
	}
	s, ok := tb.ByReq(17)
	if !ok || s.SubID != "sub-1" {
		t.Errorf("ByReq(17) = %+v, %v, want sub-1", s, ok)
	}
	if s.ReqID != 17 {
		t.Errorf("subscription ReqID = %d, want 17", s.ReqID)
	}
}

func TestMarkActiveOnlyPromotesPending(t *testing.T) {
	t.Parallel()

	tb := NewTables()
	if err := tb.AddSub(testSub("sub-1", "client-1", 1, "ES", types.StreamMarketData)); err != nil {
		t.Fatalf("AddSub: %v", err)
	}

	tb.MarkActive("sub-1")
	s, _ := tb.BySub("sub-1")
	if s.State != types.SubActive {
		t.Errorf("state after MarkActive = %q, want active", s.State)
	}
	if s.LastEventAt.IsZero() {
		t.Error("MarkActive did not stamp LastEventAt")
	}

	tb.SetState("sub-1", types.SubCancelling)
	tb.MarkActive("sub-1")
	if s, _ := tb.BySub("sub-1"); s.State != types.SubCancelling {
		t.Errorf("MarkActive overwrote cancelling state: %q", s.State)
	}
}

func TestClientSubsAndOrderOwnership(t *testing.T) {
	t.Parallel()

	tb := NewTables()
	for i, sym := range []string{"ES", "NQ", "CL"} {
		if err := tb.AddSub(testSub(sym, "client-1", int64(i+1), sym, types.StreamMarketData)); err != nil {
			t.Fatalf("AddSub(%s): %v", sym, err)
		}
	}
	if err := tb.AddSub(testSub("other", "client-2", 9, "GC", types.StreamMarketData)); err != nil {
		t.Fatalf("AddSub(other): %v", err)
	}

	if subs := tb.ClientSubs("client-1"); len(subs) != 3 {
		t.Errorf("ClientSubs(client-1) = %d, want 3", len(subs))
	}

	tb.BindOrder(1001, "client-1")
	owner, ok := tb.OrderOwner(1001)
	if !ok || owner != "client-1" {
		t.Errorf("OrderOwner(1001) = %q, %v", owner, ok)
	}
	tb.ForgetOrder(1001)
	if _, ok := tb.OrderOwner(1001); ok {
		t.Error("OrderOwner still resolves after ForgetOrder")
	}

	st := tb.Stats()
	if st.Subscriptions != 4 || st.TrackedOrders != 0 {
		t.Errorf("Stats = %+v, want 4 subscriptions, 0 orders", st)
	}
}
