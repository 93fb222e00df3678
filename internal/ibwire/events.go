package ibwire

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ServerHello is the first framed reply after the version exchange.
type ServerHello struct {
	Version  int
	ConnTime string
}

// ParseServerHello decodes the handshake reply frame.
func ParseServerHello(fields []string) (ServerHello, error) {
	r := newFieldReader(fields)
	h := ServerHello{
		Version:  r.Int(),
		ConnTime: r.Str(),
	}
	if err := r.Err(); err != nil {
		return ServerHello{}, fmt.Errorf("server hello: %w", err)
	}
	return h, nil
}

// ------------------------------------------------------------------------
// Inbound events
// ------------------------------------------------------------------------

// TickPrice is a level-1 price update. Code is the numeric tick type;
// Size piggybacks the matching size for bid/ask/last prices.
type TickPrice struct {
	ReqID int64
	Code  int
	Price decimal.Decimal
	Size  decimal.Decimal
}

// TickSize is a level-1 size-only update.
type TickSize struct {
	ReqID int64
	Code  int
	Size  decimal.Decimal
}

// OrderStatus reports upstream order state. Filled/Remaining are decimals
// since servers in the negotiated range support fractional quantities.
type OrderStatus struct {
	OrderID       int64
	Status        string
	Filled        decimal.Decimal
	Remaining     decimal.Decimal
	AvgFillPrice  decimal.Decimal
	PermID        int64
	ParentID      int64
	LastFillPrice decimal.Decimal
	ClientID      int64
	WhyHeld       string
	MktCapPrice   decimal.Decimal
}

// ErrMsg is the server's error/notice channel. RefID is the request or
// order id the notice refers to, or -1 for connection-level notices.
type ErrMsg struct {
	RefID int64
	Code  int
	Text  string
}

// NextValidID announces the floor for order ids in this session.
type NextValidID struct {
	OrderID int64
}

// ContractData is one resolved contract from a ReqContractDetails.
type ContractData struct {
	ReqID        int64
	Symbol       string
	SecType      string
	Expiry       string
	Strike       string
	Right        string
	Exchange     string
	Currency     string
	LocalSymbol  string
	MarketName   string
	TradingClass string
	ConID        int64
	MinTick      decimal.Decimal
	Multiplier   string
	LongName     string
}

// ContractDataEnd terminates a ContractData stream.
type ContractDataEnd struct {
	ReqID int64
}

// CurrentTime answers the liveness probe.
type CurrentTime struct {
	Time time.Time
}

// TickByTickLast is one trade print from an AllLast stream.
type TickByTickLast struct {
	ReqID             int64
	Time              time.Time
	Price             decimal.Decimal
	Size              decimal.Decimal
	Exchange          string
	SpecialConditions string
}

// TickByTickBidAsk is one quote update from a BidAsk stream.
type TickByTickBidAsk struct {
	ReqID   int64
	Time    time.Time
	Bid     decimal.Decimal
	Ask     decimal.Decimal
	BidSize decimal.Decimal
	AskSize decimal.Decimal
}

// Unknown wraps message types the bridge does not interpret.
type Unknown struct {
	MsgID  int
	Fields []string
}

// Parse decodes one inbound frame's fields into a typed event. Message
// types the bridge does not use decode to Unknown, never to an error;
// an error means the frame is malformed and the connection is suspect.
func Parse(fields []string, serverVersion int) (any, error) {
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty message")
	}
	r := newFieldReader(fields)
	msgID := r.Int()
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("message id: %w", err)
	}

	var ev any
	switch msgID {
	case InTickPrice:
		r.Skip(1) // version
		ev = TickPrice{
			ReqID: r.Int64(),
			Code:  r.Int(),
			Price: r.Decimal(),
			Size:  r.Decimal(),
		}
		// trailing attribute mask ignored

	case InTickSize:
		r.Skip(1) // version
		ev = TickSize{
			ReqID: r.Int64(),
			Code:  r.Int(),
			Size:  r.Decimal(),
		}

	case InOrderStatus:
		// No version field for servers in the negotiated range.
		ev = OrderStatus{
			OrderID:       r.Int64(),
			Status:        r.Str(),
			Filled:        r.Decimal(),
			Remaining:     r.Decimal(),
			AvgFillPrice:  r.Decimal(),
			PermID:        r.Int64(),
			ParentID:      r.Int64(),
			LastFillPrice: r.Decimal(),
			ClientID:      r.Int64(),
			WhyHeld:       r.Str(),
			MktCapPrice:   r.Decimal(),
		}

	case InErrMsg:
		r.Skip(1) // version
		ev = ErrMsg{
			RefID: r.Int64(),
			Code:  r.Int(),
			Text:  r.Str(),
		}
		// advanced order reject json (newer servers) ignored

	case InNextValidID:
		r.Skip(1) // version
		ev = NextValidID{OrderID: r.Int64()}

	case InContractData:
		if serverVersion < 164 {
			r.Skip(1) // version
		}
		cd := ContractData{
			ReqID:   r.Int64(),
			Symbol:  r.Str(),
			SecType: r.Str(),
			Expiry:  r.Str(),
			Strike:  r.Str(),
			Right:   r.Str(),
		}
		cd.Exchange = r.Str()
		cd.Currency = r.Str()
		cd.LocalSymbol = r.Str()
		cd.MarketName = r.Str()
		cd.TradingClass = r.Str()
		cd.ConID = r.Int64()
		cd.MinTick = r.Decimal()
		if serverVersion < 164 {
			r.Skip(1) // mdSizeMultiplier, removed in later servers
		}
		cd.Multiplier = r.Str()
		r.Skip(4) // orderTypes, validExchanges, priceMagnifier, underConId
		cd.LongName = r.Str()
		ev = cd
		// remaining descriptive fields ignored

	case InContractDataEnd:
		r.Skip(1) // version
		ev = ContractDataEnd{ReqID: r.Int64()}

	case InCurrentTime:
		r.Skip(1) // version
		ev = CurrentTime{Time: time.Unix(r.Int64(), 0).UTC()}

	case InTickByTick:
		reqID := r.Int64()
		tickType := r.Int()
		ts := time.Unix(r.Int64(), 0).UTC()
		switch tickType {
		case 1, 2: // Last, AllLast
			e := TickByTickLast{ReqID: reqID, Time: ts}
			e.Price = r.Decimal()
			e.Size = r.Decimal()
			r.Skip(1) // attribute mask
			e.Exchange = r.Str()
			e.SpecialConditions = r.Str()
			ev = e
		case 3: // BidAsk
			e := TickByTickBidAsk{ReqID: reqID, Time: ts}
			e.Bid = r.Decimal()
			e.Ask = r.Decimal()
			e.BidSize = r.Decimal()
			e.AskSize = r.Decimal()
			// attribute mask ignored
			ev = e
		default: // MidPoint and future types
			return Unknown{MsgID: msgID, Fields: fields}, nil
		}

	default:
		return Unknown{MsgID: msgID, Fields: fields}, nil
	}

	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("msg %d: %w", msgID, err)
	}
	return ev, nil
}
