package instrument

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"marketbridge/pkg/types"
)

func TestDetectKind(t *testing.T) {
	t.Parallel()

	tests := []struct {
		symbol string
		want   types.InstrumentKind
	}{
		{"ES", types.KindFuture},
		{"es", types.KindFuture},
		{"MNQ", types.KindFuture},
		{"6E", types.KindFuture},
		{"EURUSD", types.KindForex},
		{"usdjpy", types.KindForex},
		{"AAPL", types.KindStock},
		{"GOOGL", types.KindStock}, // five letters, not a pair
		{"SPY", types.KindStock},
	}

	for _, tt := range tests {
		if got := DetectKind(tt.symbol); got != tt.want {
			t.Errorf("DetectKind(%q) = %q, want %q", tt.symbol, got, tt.want)
		}
	}
}

func TestCanonicalizeDefaults(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cmd  types.ClientCommand
		want types.Instrument
	}{
		{
			name: "future with auto-detect",
			cmd:  types.ClientCommand{Symbol: "es"},
			want: types.Instrument{Symbol: "ES", Kind: types.KindFuture, Exchange: "CME", Currency: "USD"},
		},
		{
			name: "stock with auto-detect",
			cmd:  types.ClientCommand{Symbol: "aapl"},
			want: types.Instrument{Symbol: "AAPL", Kind: types.KindStock, Exchange: "SMART", Currency: "USD"},
		},
		{
			name: "forex pair keeps full symbol",
			cmd:  types.ClientCommand{Symbol: "EURUSD"},
			want: types.Instrument{Symbol: "EURUSD", Kind: types.KindForex, Exchange: "IDEALPRO", Currency: "USD"},
		},
		{
			name: "forex quote currency from pair",
			cmd:  types.ClientCommand{Symbol: "usdjpy"},
			want: types.Instrument{Symbol: "USDJPY", Kind: types.KindForex, Exchange: "IDEALPRO", Currency: "JPY"},
		},
		{
			name: "explicit type wins over detection",
			cmd:  types.ClientCommand{Symbol: "ES", InstrumentType: "stock"},
			want: types.Instrument{Symbol: "ES", Kind: types.KindStock, Exchange: "SMART", Currency: "USD"},
		},
		{
			name: "explicit crypto",
			cmd:  types.ClientCommand{Symbol: "btc", InstrumentType: "crypto"},
			want: types.Instrument{Symbol: "BTC", Kind: types.KindCrypto, Exchange: "PAXOS", Currency: "USD"},
		},
		{
			name: "explicit exchange and currency kept",
			cmd:  types.ClientCommand{Symbol: "DAX", InstrumentType: "index", Exchange: "eurex", Currency: "eur"},
			want: types.Instrument{Symbol: "DAX", Kind: types.KindIndex, Exchange: "EUREX", Currency: "EUR"},
		},
		{
			name: "future with contract month",
			cmd:  types.ClientCommand{Symbol: "ES", ContractMonth: "202509"},
			want: types.Instrument{Symbol: "ES", Kind: types.KindFuture, Exchange: "CME", Currency: "USD", Expiry: "202509"},
		},
		{
			name: "last trade date wins over contract month",
			cmd:  types.ClientCommand{Symbol: "ES", ContractMonth: "202509", LastTradeDate: "20250919"},
			want: types.Instrument{Symbol: "ES", Kind: types.KindFuture, Exchange: "CME", Currency: "USD", Expiry: "20250919"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Canonicalize(tt.cmd)
			if err != nil {
				t.Fatalf("Canonicalize: %v", err)
			}
			if got != tt.want {
				t.Errorf("Canonicalize = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestCanonicalizeOption(t *testing.T) {
	t.Parallel()

	got, err := Canonicalize(types.ClientCommand{
		Symbol:         "aapl",
		InstrumentType: "option",
		ContractMonth:  "20250919",
		Strike:         decimal.RequireFromString("190"),
		Right:          "call",
	})
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	if got.Kind != types.KindOption || got.Exchange != "SMART" || got.Expiry != "20250919" {
		t.Errorf("Canonicalize option = %+v", got)
	}
	if got.Right != "C" || !got.Strike.Equal(decimal.RequireFromString("190")) {
		t.Errorf("Canonicalize option strike/right = %q %v", got.Right, got.Strike)
	}
}

func TestCanonicalizeRejects(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		cmd  types.ClientCommand
	}{
		{"empty symbol", types.ClientCommand{}},
		{"unknown type", types.ClientCommand{Symbol: "ES", InstrumentType: "bond"}},
		{"expiry on stock", types.ClientCommand{Symbol: "AAPL", InstrumentType: "stock", ContractMonth: "202509"}},
		{"malformed expiry", types.ClientCommand{Symbol: "ES", InstrumentType: "future", ContractMonth: "2025-09"}},
		{"short expiry", types.ClientCommand{Symbol: "ES", InstrumentType: "future", ContractMonth: "2509"}},
		{"bad option right", types.ClientCommand{Symbol: "AAPL", InstrumentType: "option", Right: "X"}},
		{"negative strike", types.ClientCommand{Symbol: "AAPL", InstrumentType: "option", Strike: decimal.RequireFromString("-5")}},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := Canonicalize(tt.cmd); err == nil {
				t.Errorf("Canonicalize(%+v) accepted invalid input", tt.cmd)
			}
		})
	}
}

func TestNeedsResolution(t *testing.T) {
	t.Parallel()

	bare := types.Instrument{Symbol: "ES", Kind: types.KindFuture}
	if !NeedsResolution(bare) {
		t.Error("future without expiry should need resolution")
	}
	dated := types.Instrument{Symbol: "ES", Kind: types.KindFuture, Expiry: "202509"}
	if NeedsResolution(dated) {
		t.Error("future with expiry should not need resolution")
	}
	stock := types.Instrument{Symbol: "AAPL", Kind: types.KindStock}
	if NeedsResolution(stock) {
		t.Error("stock should not need resolution")
	}
}

func TestFrontMonth(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, time.August, 25, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		expiries []string
		want     string
		ok       bool
	}{
		{
			name:     "nearest unexpired month wins",
			expiries: []string{"202512", "202509", "202603"},
			want:     "202509",
			ok:       true,
		},
		{
			name:     "past months skipped",
			expiries: []string{"202503", "202506", "202512"},
			want:     "202512",
			ok:       true,
		},
		{
			name:     "daily expiries compared by date",
			expiries: []string{"20250919", "20250620", "20251219"},
			want:     "20250919",
			ok:       true,
		},
		{
			name:     "mixed formats",
			expiries: []string{"202509", "20250905"},
			want:     "20250905",
			ok:       true,
		},
		{
			name:     "all expired",
			expiries: []string{"202401", "20240315"},
			want:     "",
			ok:       false,
		},
		{
			name:     "garbage ignored",
			expiries: []string{"", "soon", "202509"},
			want:     "202509",
			ok:       true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := FrontMonth(tt.expiries, now)
			if got != tt.want || ok != tt.ok {
				t.Errorf("FrontMonth(%v) = (%q, %v), want (%q, %v)", tt.expiries, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestWireContract(t *testing.T) {
	t.Parallel()

	inst := types.Instrument{Symbol: "ES", Kind: types.KindFuture, Exchange: "CME", Currency: "USD", Expiry: "202509"}
	c := WireContract(inst)
	if c.Symbol != "ES" || c.SecType != "FUT" || c.Expiry != "202509" || c.Exchange != "CME" || c.Currency != "USD" {
		t.Errorf("WireContract = %+v", c)
	}

	fx := types.Instrument{Symbol: "EURUSD", Kind: types.KindForex, Exchange: "IDEALPRO", Currency: "USD"}
	fc := WireContract(fx)
	if fc.Symbol != "EUR" || fc.SecType != "CASH" || fc.Currency != "USD" {
		t.Errorf("WireContract forex = %+v", fc)
	}
}
