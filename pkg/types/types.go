// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the bridge — instruments,
// subscriptions, orders, and the JSON messages exchanged with WebSocket
// clients. It has no dependencies on internal packages, so it can be
// imported by any layer.
package types

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// UnixTime converts t to fractional UNIX seconds, the timestamp format
// of every outbound client message.
func UnixTime(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// UnixNow returns the current time as fractional UNIX seconds.
func UnixNow() float64 { return UnixTime(time.Now()) }

// ------------------------------------------------------------------------
// Core enums
// ------------------------------------------------------------------------

// InstrumentKind classifies what kind of contract an instrument refers to.
// It drives the default exchange/currency and the upstream contract encoding.
type InstrumentKind string

const (
	KindStock  InstrumentKind = "stock"
	KindOption InstrumentKind = "option"
	KindFuture InstrumentKind = "future"
	KindForex  InstrumentKind = "forex"
	KindIndex  InstrumentKind = "index"
	KindCrypto InstrumentKind = "crypto"
)

// DefaultExchange returns the routing exchange used when a client does not
// name one explicitly.
func (k InstrumentKind) DefaultExchange() string {
	switch k {
	case KindFuture:
		return "CME"
	case KindForex:
		return "IDEALPRO"
	case KindIndex:
		return "CBOE"
	case KindCrypto:
		return "PAXOS"
	default:
		return "SMART"
	}
}

// SecType returns the upstream security-type code for the kind.
func (k InstrumentKind) SecType() string {
	switch k {
	case KindOption:
		return "OPT"
	case KindFuture:
		return "FUT"
	case KindForex:
		return "CASH"
	case KindIndex:
		return "IND"
	case KindCrypto:
		return "CRYPTO"
	default:
		return "STK"
	}
}

// Valid reports whether k is one of the supported kinds.
func (k InstrumentKind) Valid() bool {
	switch k {
	case KindStock, KindOption, KindFuture, KindForex, KindIndex, KindCrypto:
		return true
	}
	return false
}

// StreamKind identifies one of the three market data streams a client can
// subscribe to for an instrument.
type StreamKind string

const (
	StreamMarketData   StreamKind = "market_data"    // level-1 ticks: bid/ask/last/volume fields
	StreamTimeAndSales StreamKind = "time_and_sales" // individual trade prints
	StreamBidAsk       StreamKind = "bid_ask"        // tick-by-tick quote updates
)

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// ParseSide normalizes a client-supplied action string. ok is false for
// anything other than buy/sell (any case).
func ParseSide(s string) (Side, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY":
		return BUY, true
	case "SELL":
		return SELL, true
	}
	return "", false
}

// OrderType enumerates the supported order types.
type OrderType string

const (
	OrderMarket OrderType = "market"
	OrderLimit  OrderType = "limit"
	OrderStop   OrderType = "stop"
)

// Upstream returns the upstream order-type code (MKT/LMT/STP).
func (o OrderType) Upstream() string {
	switch o {
	case OrderLimit:
		return "LMT"
	case OrderStop:
		return "STP"
	default:
		return "MKT"
	}
}

// ParseOrderType normalizes a client-supplied order type. Both the wire
// codes (MKT/LMT/STP) and the long names are accepted.
func ParseOrderType(s string) (OrderType, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "MARKET", "MKT":
		return OrderMarket, true
	case "LIMIT", "LMT":
		return OrderLimit, true
	case "STOP", "STP":
		return OrderStop, true
	}
	return "", false
}

// OrderState is the lifecycle state of an order. Upstream statuses are
// normalized into this set before they reach a client.
type OrderState string

const (
	OrderPendingSubmit   OrderState = "PendingSubmit"
	OrderSubmitted       OrderState = "Submitted"
	OrderPartiallyFilled OrderState = "PartiallyFilled"
	OrderFilled          OrderState = "Filled"
	OrderCancelled       OrderState = "Cancelled"
	OrderRejected        OrderState = "Rejected"
)

// Terminal reports whether the order can never change state again.
func (s OrderState) Terminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderRejected:
		return true
	}
	return false
}

// SubState is the lifecycle state of a market data subscription.
type SubState string

const (
	SubPending    SubState = "pending"    // accepted, not confirmed by data yet
	SubActive     SubState = "active"     // at least one upstream event delivered
	SubFailed     SubState = "failed"     // rejected upstream, about to be forgotten
	SubCancelling SubState = "cancelling" // cancel sent upstream, draining
	SubCancelled  SubState = "cancelled"  // fully torn down
)

// SessionState is the upstream connection phase as the session machine
// tracks it. Clients see the coarser ConnStatus vocabulary instead.
type SessionState string

const (
	SessionDisconnected SessionState = "disconnected"
	SessionConnecting   SessionState = "connecting"
	SessionHandshaking  SessionState = "handshaking"
	SessionReady        SessionState = "ready"
	SessionReconnecting SessionState = "reconnecting"
	SessionClosed       SessionState = "closed"
)

// ConnStatus is the connection state vocabulary of connection_status
// messages.
type ConnStatus string

const (
	ConnConnected    ConnStatus = "connected"
	ConnConnecting   ConnStatus = "connecting"
	ConnDisconnected ConnStatus = "disconnected"
	ConnShuttingDown ConnStatus = "shutting_down"
)

// Severity classifies errors for client display.
type Severity string

const (
	SeverityError   Severity = "ERROR"
	SeverityWarning Severity = "WARNING"
	SeverityInfo    Severity = "INFO"
)

// ------------------------------------------------------------------------
// Instruments
// ------------------------------------------------------------------------

// Instrument identifies a tradable contract. The zero Expiry means
// "front month" for futures and is resolved before the subscription
// reaches the upstream.
type Instrument struct {
	Symbol   string
	Kind     InstrumentKind
	Exchange string
	Currency string
	Expiry   string          // YYYYMM or YYYYMMDD, futures and options
	Strike   decimal.Decimal // options only
	Right    string          // options only: C or P
}

// Key returns the canonical routing key for the instrument. Two instruments
// with the same key are the same contract for subscription dedup purposes.
func (i Instrument) Key() string {
	k := strings.ToUpper(i.Symbol) + "|" + string(i.Kind) + "|" + i.Exchange + "|" + i.Currency + "|" + i.Expiry
	if i.Kind == KindOption {
		k += "|" + i.Strike.String() + "|" + i.Right
	}
	return k
}

// Display returns the human-facing name, e.g. "ES 202509" or "AAPL".
func (i Instrument) Display() string {
	out := strings.ToUpper(i.Symbol)
	if i.Expiry != "" {
		out += " " + i.Expiry
	}
	if i.Kind == KindOption && i.Right != "" {
		out += " " + i.Strike.String() + i.Right
	}
	return out
}

// ------------------------------------------------------------------------
// Subscriptions and orders
// ------------------------------------------------------------------------

// Subscription is one client's claim on one stream of one instrument.
type Subscription struct {
	SubID       string
	ClientID    string
	Instrument  Instrument
	Stream      StreamKind
	ReqID       int64
	State       SubState
	CreatedAt   time.Time
	LastEventAt time.Time
}

// Order is the bridge's view of one working or recently finished order.
// Prices and quantities are decimals internally; they become plain JSON
// numbers only at the client boundary.
type Order struct {
	OrderID       int64
	ClientID      string
	Instrument    Instrument
	Side          Side
	Type          OrderType
	Quantity      decimal.Decimal
	Price         decimal.Decimal // limit price for LMT, stop price for STP
	State         OrderState
	Filled        decimal.Decimal
	Remaining     decimal.Decimal
	AvgFillPrice  decimal.Decimal
	LastFillPrice decimal.Decimal
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ------------------------------------------------------------------------
// Client protocol: inbound commands
// ------------------------------------------------------------------------

// Command discriminators accepted from WebSocket clients.
const (
	CmdSubscribeMarketData     = "subscribe_market_data"
	CmdSubscribeTimeAndSales   = "subscribe_time_and_sales"
	CmdSubscribeBidAsk         = "subscribe_bid_ask"
	CmdUnsubscribeMarketData   = "unsubscribe_market_data"
	CmdUnsubscribeTimeAndSales = "unsubscribe_time_and_sales"
	CmdUnsubscribeBidAsk       = "unsubscribe_bid_ask"
	CmdPlaceOrder              = "place_order"
	CmdCancelOrder             = "cancel_order"
	CmdGetContractDetails      = "get_contract_details"
	CmdListOrders              = "list_orders"
)

// ClientCommand is the single flat schema for every inbound client
// message. Command selects the verb; the other fields are read as that
// command needs them.
type ClientCommand struct {
	Command string `json:"command"`

	// Instrument selection (subscribe/unsubscribe/order/details commands).
	Symbol         string          `json:"symbol,omitempty"`
	InstrumentType string          `json:"instrument_type,omitempty"` // empty = auto-detect
	Exchange       string          `json:"exchange,omitempty"`
	Currency       string          `json:"currency,omitempty"`
	ContractMonth  string          `json:"contract_month,omitempty"`
	LastTradeDate  string          `json:"last_trade_date,omitempty"`
	Expiry         string          `json:"expiry,omitempty"` // legacy alias for contract_month
	Strike         decimal.Decimal `json:"strike,omitempty"`
	Right          string          `json:"right,omitempty"`

	// Order fields (place_order / cancel_order).
	Action    string          `json:"action,omitempty"`
	Quantity  decimal.Decimal `json:"quantity,omitempty"`
	OrderType string          `json:"order_type,omitempty"`
	Price     decimal.Decimal `json:"price,omitempty"`
	OrderID   int64           `json:"order_id,omitempty"`
}

// ExpiryValue returns the contract month or date named by the command.
// last_trade_date is the most specific spelling and wins; the bare
// "expiry" key is accepted for older clients.
func (c ClientCommand) ExpiryValue() string {
	if c.LastTradeDate != "" {
		return c.LastTradeDate
	}
	if c.ContractMonth != "" {
		return c.ContractMonth
	}
	return c.Expiry
}

// ------------------------------------------------------------------------
// Client protocol: outbound messages
// ------------------------------------------------------------------------
// These structs map 1:1 to the JSON messages sent to WebSocket clients.
// Every message carries "type" and a fractional-UNIX-seconds "timestamp".
// order_status, connection_status and error are delivery-critical: the
// hub never drops them from a full queue.

// Outbound message type discriminators.
const (
	MsgTypeConnectionStatus   = "connection_status"
	MsgTypeMarketData         = "market_data"
	MsgTypeTimeAndSales       = "time_and_sales"
	MsgTypeBidAsk             = "bid_ask_tick"
	MsgTypeOrderStatus        = "order_status"
	MsgTypeOrders             = "orders"
	MsgTypeContractDetails    = "contract_details"
	MsgTypeContractDetailsEnd = "contract_details_end"
	MsgTypeError              = "error"
)

// Market data payload classes.
const (
	DataTypePrice = "price"
	DataTypeSize  = "size"
)

// ConnectionStatusMsg reports the upstream connection state. NextOrderID
// is present only when the status is "connected".
type ConnectionStatusMsg struct {
	Type        string     `json:"type"`
	Status      ConnStatus `json:"status"`
	NextOrderID int64      `json:"next_order_id,omitempty"`
	Timestamp   float64    `json:"timestamp"`
}

// MarketDataMsg is one level-1 tick. DataType selects which of Price and
// Size is populated; TickType names the field, e.g. "last" or "bid_size".
type MarketDataMsg struct {
	Type      string  `json:"type"`
	Symbol    string  `json:"symbol"`
	ReqID     int64   `json:"req_id"`
	DataType  string  `json:"data_type"`
	TickType  string  `json:"tick_type"`
	Price     float64 `json:"price,omitempty"`
	Size      float64 `json:"size,omitempty"`
	Timestamp float64 `json:"timestamp"`
}

// TimeAndSalesMsg is a single trade print. The timestamp is the trade
// time reported upstream, not the forwarding time.
type TimeAndSalesMsg struct {
	Type      string  `json:"type"`
	Symbol    string  `json:"symbol"`
	ReqID     int64   `json:"req_id"`
	Price     float64 `json:"price"`
	Size      float64 `json:"size"`
	Exchange  string  `json:"exchange,omitempty"`
	Timestamp float64 `json:"timestamp"`
}

// BidAskMsg is a tick-by-tick quote update.
type BidAskMsg struct {
	Type      string  `json:"type"`
	Symbol    string  `json:"symbol"`
	ReqID     int64   `json:"req_id"`
	BidPrice  float64 `json:"bid_price"`
	AskPrice  float64 `json:"ask_price"`
	BidSize   float64 `json:"bid_size"`
	AskSize   float64 `json:"ask_size"`
	Timestamp float64 `json:"timestamp"`
}

// OrderStatusMsg reports the merged state of one order to its owner.
type OrderStatusMsg struct {
	Type          string     `json:"type"`
	OrderID       int64      `json:"order_id"`
	Status        OrderState `json:"status"`
	Filled        float64    `json:"filled"`
	Remaining     float64    `json:"remaining"`
	AvgFillPrice  float64    `json:"avg_fill_price,omitempty"`
	LastFillPrice float64    `json:"last_fill_price,omitempty"`
	Timestamp     float64    `json:"timestamp"`
}

// OrderSummary is one row of a list_orders reply, in wire vocabulary.
type OrderSummary struct {
	OrderID       int64      `json:"order_id"`
	Symbol        string     `json:"symbol"`
	Action        Side       `json:"action"`
	Quantity      float64    `json:"quantity"`
	OrderType     string     `json:"order_type"`
	Price         float64    `json:"price,omitempty"`
	Status        OrderState `json:"status"`
	Filled        float64    `json:"filled"`
	Remaining     float64    `json:"remaining"`
	AvgFillPrice  float64    `json:"avg_fill_price,omitempty"`
	LastFillPrice float64    `json:"last_fill_price,omitempty"`
	CreatedAt     float64    `json:"created_at"`
	UpdatedAt     float64    `json:"updated_at"`
}

// OrdersMsg answers list_orders with the client's own orders.
type OrdersMsg struct {
	Type      string         `json:"type"`
	Orders    []OrderSummary `json:"orders"`
	Timestamp float64        `json:"timestamp"`
}

// ContractInfo is the contract block inside a contract_details message.
type ContractInfo struct {
	Symbol        string  `json:"symbol"`
	SecType       string  `json:"sec_type"`
	Exchange      string  `json:"exchange"`
	Currency      string  `json:"currency"`
	LocalSymbol   string  `json:"local_symbol,omitempty"`
	TradingClass  string  `json:"trading_class,omitempty"`
	ConID         int64   `json:"con_id,omitempty"`
	Multiplier    string  `json:"multiplier,omitempty"`
	LastTradeDate string  `json:"last_trade_date,omitempty"`
	Strike        float64 `json:"strike,omitempty"`
	Right         string  `json:"right,omitempty"`
}

// ContractDetailsMsg carries one resolved contract for get_contract_details.
type ContractDetailsMsg struct {
	Type       string       `json:"type"`
	ReqID      int64        `json:"req_id"`
	Contract   ContractInfo `json:"contract"`
	MarketName string       `json:"market_name,omitempty"`
	MinTick    float64      `json:"min_tick,omitempty"`
	Timestamp  float64      `json:"timestamp"`
}

// ContractDetailsEndMsg terminates a contract details response stream.
type ContractDetailsEndMsg struct {
	Type      string  `json:"type"`
	ReqID     int64   `json:"req_id"`
	Timestamp float64 `json:"timestamp"`
}

// ErrorMsg is the only way errors reach a client; the connection stays
// open. ErrorCode is a bridge reason string for errors raised here and
// the verbatim numeric code for errors forwarded from upstream. ReqID
// and OrderID tie the error to a request or order when one is known.
type ErrorMsg struct {
	Type        string   `json:"type"`
	Severity    Severity `json:"severity"`
	ErrorCode   any      `json:"error_code"`
	ErrorString string   `json:"error_string"`
	ReqID       int64    `json:"req_id,omitempty"`
	OrderID     int64    `json:"order_id,omitempty"`
	Timestamp   float64  `json:"timestamp"`
}

// NewError builds an error message stamped with the current time.
func NewError(sev Severity, code any, text string) ErrorMsg {
	return ErrorMsg{
		Type:        MsgTypeError,
		Severity:    sev,
		ErrorCode:   code,
		ErrorString: text,
		Timestamp:   UnixNow(),
	}
}

// Bridge-origin error codes.
const (
	ErrBadRequest            = "bad_request"
	ErrDuplicateSubscription = "duplicate_subscription"
	ErrNotConnected          = "not_connected"
	ErrNotFound              = "not_found"
	ErrNotOwned              = "not_owned"
	ErrTerminal              = "terminal"
	ErrInstrumentUnresolved  = "instrument_unresolved"
)
