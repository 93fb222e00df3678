package ibwire

import (
	"io"

	"github.com/shopspring/decimal"
)

// Contract is the wire-level contract description. Zero values encode as
// empty fields, which the gateway treats as unset.
type Contract struct {
	ConID           int64
	Symbol          string
	SecType         string
	Expiry          string // lastTradeDateOrContractMonth, YYYYMM or YYYYMMDD
	Strike          string
	Right           string
	Multiplier      string
	Exchange        string
	PrimaryExchange string
	Currency        string
	LocalSymbol     string
	TradingClass    string
}

// fields appends the standard contract block used by market data and
// tick-by-tick requests.
func (c Contract) fields(b *Builder) {
	b.Int64(c.ConID)
	b.Str(c.Symbol)
	b.Str(c.SecType)
	b.Str(c.Expiry)
	if c.Strike == "" {
		b.Str("0")
	} else {
		b.Str(c.Strike)
	}
	b.Str(c.Right)
	b.Str(c.Multiplier)
	b.Str(c.Exchange)
	b.Str(c.PrimaryExchange)
	b.Str(c.Currency)
	b.Str(c.LocalSymbol)
	b.Str(c.TradingClass)
}

// OrderSpec carries the order fields the bridge actually sets; everything
// else in the order message encodes as protocol defaults.
type OrderSpec struct {
	Action     string // BUY or SELL
	Quantity   decimal.Decimal
	OrderType  string          // MKT, LMT, STP
	LimitPrice decimal.Decimal // unset encodes empty
	StopPrice  decimal.Decimal // unset encodes empty; wire name auxPrice
	TIF        string          // empty = gateway default
}

// Handshake writes the unframed API preamble followed by the framed
// version range. The server answers with [serverVersion, connTime].
func Handshake(w io.Writer) error {
	if _, err := w.Write(APIPrefix); err != nil {
		return err
	}
	return WriteFrame(w, []byte(VersionRange))
}

// StartAPI announces the client id and completes session setup. The
// server responds with NextValidId once the session is live.
func StartAPI(clientID int) *Builder {
	b := NewBuilder(OutStartAPI)
	b.Int(2) // message version
	b.Int(clientID)
	b.Str("") // optional capabilities
	return b
}

// ReqCurrentTime is the liveness probe; the server answers with CurrentTime.
func ReqCurrentTime() *Builder {
	b := NewBuilder(OutReqCurrentTime)
	b.Int(1) // message version
	return b
}

// ReqMktData subscribes to level-1 ticks for a contract. genericTicks is
// the comma-separated generic tick list, e.g. "233,236,258".
func ReqMktData(reqID int64, c Contract, genericTicks string) *Builder {
	b := NewBuilder(OutReqMktData)
	b.Int(11) // message version
	b.Int64(reqID)
	c.fields(b)
	b.Bool(false) // no delta-neutral leg
	b.Str(genericTicks)
	b.Bool(false) // snapshot
	b.Bool(false) // regulatory snapshot
	b.Str("")     // market data options
	return b
}

// CancelMktData tears down a ReqMktData subscription.
func CancelMktData(reqID int64) *Builder {
	b := NewBuilder(OutCancelMktData)
	b.Int(2) // message version
	b.Int64(reqID)
	return b
}

// TickTypeAllLast and TickTypeBidAsk are the tick stream types the
// bridge requests; the protocol also defines "Last" and "MidPoint".
const (
	TickTypeAllLast = "AllLast"
	TickTypeBidAsk  = "BidAsk"
)

// ReqTickByTick subscribes to a tick-by-tick stream for a contract.
func ReqTickByTick(reqID int64, c Contract, tickType string) *Builder {
	b := NewBuilder(OutReqTickByTick)
	b.Int64(reqID)
	c.fields(b)
	b.Str(tickType)
	b.Int(0)      // number of historical ticks
	b.Bool(false) // ignore size-only updates
	return b
}

// CancelTickByTick tears down a ReqTickByTick subscription.
func CancelTickByTick(reqID int64) *Builder {
	b := NewBuilder(OutCancelTickByTick)
	b.Int64(reqID)
	return b
}

// ReqContractDetails asks the server to resolve a (possibly partial)
// contract into full contract data, answered by a ContractData stream
// and a ContractDataEnd.
func ReqContractDetails(reqID int64, c Contract, serverVersion int) *Builder {
	b := NewBuilder(OutReqContractData)
	b.Int(8) // message version
	b.Int64(reqID)
	c.fields(b)
	b.Bool(false) // include expired
	b.Str("")     // secIdType
	b.Str("")     // secId
	if serverVersion >= 176 {
		b.Str("") // issuerId
	}
	return b
}

// PlaceOrder encodes a new order. The layout is the no-version form used
// by servers in the negotiated range; fields the bridge never sets are
// written as protocol defaults.
func PlaceOrder(orderID int64, c Contract, o OrderSpec, serverVersion int) *Builder {
	b := NewBuilder(OutPlaceOrder)
	b.Int64(orderID)

	// Contract block, extended with secIdType/secId for order routing.
	c.fields(b)
	b.Empty(2) // secIdType, secId

	// Main order fields.
	b.Str(o.Action)
	b.Decimal(o.Quantity)
	b.Str(o.OrderType)
	b.OptDecimal(o.LimitPrice) // lmtPrice
	b.OptDecimal(o.StopPrice)  // auxPrice

	// Extended order fields, all defaults.
	b.Str(o.TIF)
	b.Str("")     // ocaGroup
	b.Str("")     // account
	b.Str("O")    // openClose
	b.Int(0)      // origin: customer
	b.Str("")     // orderRef
	b.Bool(true)  // transmit
	b.Int(0)      // parentId
	b.Bool(false) // blockOrder
	b.Bool(false) // sweepToFill
	b.Int(0)      // displaySize
	b.Int(0)      // triggerMethod
	b.Bool(false) // outsideRth
	b.Bool(false) // hidden

	b.Str("")    // deprecated sharesAllocation
	b.Str("0")   // discretionaryAmt
	b.Str("")    // goodAfterTime
	b.Str("")    // goodTillDate
	b.Empty(3)   // faGroup, faMethod, faPercentage
	if serverVersion < 177 {
		b.Str("") // faProfile, removed in later servers
	}
	b.Str("")    // modelCode
	b.Int(0)     // shortSaleSlot
	b.Str("")    // designatedLocation
	b.Int(-1)    // exemptCode
	b.Int(0)     // ocaType
	b.Str("")    // rule80A
	b.Str("")    // settlingFirm
	b.Bool(false) // allOrNone
	b.Str("")    // minQty
	b.Str("")    // percentOffset
	b.Bool(false) // eTradeOnly (deprecated)
	b.Bool(false) // firmQuoteOnly (deprecated)
	b.Str("")    // nbboPriceCap (deprecated)
	b.Int(0)     // auctionStrategy
	b.Empty(5)   // startingPrice, stockRefPrice, delta, stockRangeLower, stockRangeUpper
	b.Bool(false) // overridePercentageConstraints
	b.Empty(4)   // volatility, volatilityType, deltaNeutralOrderType, deltaNeutralAuxPrice
	b.Int(0)     // continuousUpdate
	b.Str("")    // referencePriceType
	b.Empty(2)   // trailStopPrice, trailingPercent
	b.Empty(3)   // scaleInitLevelSize, scaleSubsLevelSize, scalePriceIncrement
	b.Str("")    // scaleTable
	b.Str("")    // activeStartTime
	b.Str("")    // activeStopTime
	b.Str("")    // hedgeType
	b.Bool(false) // optOutSmartRouting
	b.Str("")    // clearingAccount
	b.Str("")    // clearingIntent
	b.Bool(false) // notHeld
	b.Bool(false) // no delta-neutral contract
	b.Str("")    // algoStrategy
	b.Str("")    // algoId
	b.Bool(false) // whatIf
	b.Str("")    // miscOptions
	b.Bool(false) // solicited
	b.Bool(false) // randomizeSize
	b.Bool(false) // randomizePrice
	b.Int(0)     // conditions count
	b.Str("")    // adjustedOrderType
	b.Empty(5)   // triggerPrice, lmtPriceOffset, adjustedStopPrice, adjustedStopLimitPrice, adjustedTrailingAmount
	b.Int(0)     // adjustableTrailingUnit
	b.Str("")    // extOperator
	b.Empty(2)   // softDollarTier name, value
	b.Str("")    // cashQty
	b.Empty(2)   // mifid2DecisionMaker, mifid2DecisionAlgo
	b.Empty(2)   // mifid2ExecutionTrader, mifid2ExecutionAlgo
	b.Bool(false) // dontUseAutoPriceForHedge
	if serverVersion >= 159 {
		b.Bool(false) // isOmsContainer
	}
	if serverVersion >= 160 {
		b.Bool(false) // discretionaryUpToLimitPrice
	}
	if serverVersion >= 161 {
		b.Str("") // usePriceMgmtAlgo
	}
	if serverVersion >= 158 {
		b.Str("") // duration
	}
	if serverVersion >= 160 {
		b.Str("") // postToAts
	}
	b.Bool(false) // autoCancelParent
	if serverVersion >= 166 {
		b.Str("") // advancedErrorOverride
	}
	if serverVersion >= 169 {
		b.Str("") // manualOrderTime
	}
	return b
}

// CancelOrder asks the server to cancel a working order. Cancellation is
// acknowledged through OrderStatus, not a dedicated reply.
func CancelOrder(orderID int64, serverVersion int) *Builder {
	b := NewBuilder(OutCancelOrder)
	b.Int(1) // message version
	b.Int64(orderID)
	if serverVersion >= 169 {
		b.Str("") // manualOrderCancelTime
	}
	return b
}
