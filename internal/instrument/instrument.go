// Package instrument turns loosely-specified client requests into
// canonical contracts: upper-cased symbols, kind auto-detection, default
// exchange/currency per kind, and front-month selection for futures
// subscribed without an expiry.
package instrument

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"marketbridge/internal/ibwire"
	"marketbridge/pkg/types"
)

// futuresRoots are symbols assumed to be futures when the client does not
// say otherwise: index, energy, metals, grains, softs, rates, FX and
// livestock contracts with liquid listings.
var futuresRoots = map[string]struct{}{
	"ES": {}, "NQ": {}, "YM": {}, "RTY": {}, "MES": {}, "MNQ": {}, "MYM": {}, "M2K": {},
	"CL": {}, "NG": {}, "GC": {}, "SI": {}, "HG": {}, "PL": {}, "PA": {},
	"ZC": {}, "ZS": {}, "ZW": {}, "ZL": {}, "ZM": {},
	"KC": {}, "SB": {}, "CC": {}, "CT": {},
	"ZB": {}, "ZN": {}, "ZF": {}, "ZT": {},
	"6E": {}, "6B": {}, "6J": {}, "6A": {}, "6C": {}, "6S": {},
	"RB": {}, "HO": {}, "BZ": {}, "ZG": {}, "ZI": {},
	"LE": {}, "GF": {}, "HE": {},
}

var (
	forexPair = regexp.MustCompile(`^[A-Z]{6}$`)
	expiryRe  = regexp.MustCompile(`^\d{6}(\d{2})?$`)
)

// DetectKind guesses the instrument kind from the bare symbol. Explicit
// kinds from the client always take precedence over this guess.
func DetectKind(symbol string) types.InstrumentKind {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if _, ok := futuresRoots[s]; ok {
		return types.KindFuture
	}
	if forexPair.MatchString(s) {
		return types.KindForex
	}
	return types.KindStock
}

// Canonicalize validates and normalizes the instrument named by a client
// command. An empty instrument_type is auto-detected; empty
// exchange/currency take the kind's defaults. A six-letter forex pair
// keeps its full symbol (EURUSD), so two pairs with the same base stay
// distinguishable in outbound data; the base/quote split happens in
// WireContract.
func Canonicalize(cmd types.ClientCommand) (types.Instrument, error) {
	sym := strings.ToUpper(strings.TrimSpace(cmd.Symbol))
	if sym == "" {
		return types.Instrument{}, fmt.Errorf("symbol is required")
	}

	var k types.InstrumentKind
	if cmd.InstrumentType == "" {
		k = DetectKind(sym)
	} else {
		k = types.InstrumentKind(strings.ToLower(strings.TrimSpace(cmd.InstrumentType)))
		if !k.Valid() {
			return types.Instrument{}, fmt.Errorf("unknown instrument_type %q", cmd.InstrumentType)
		}
	}

	inst := types.Instrument{
		Symbol:   sym,
		Kind:     k,
		Exchange: strings.ToUpper(strings.TrimSpace(cmd.Exchange)),
		Currency: strings.ToUpper(strings.TrimSpace(cmd.Currency)),
		Expiry:   strings.TrimSpace(cmd.ExpiryValue()),
	}

	if k == types.KindForex && forexPair.MatchString(sym) && inst.Currency == "" {
		inst.Currency = sym[3:]
	}
	if inst.Exchange == "" {
		inst.Exchange = k.DefaultExchange()
	}
	if inst.Currency == "" {
		inst.Currency = "USD"
	}

	if inst.Expiry != "" {
		if k != types.KindFuture && k != types.KindOption {
			return types.Instrument{}, fmt.Errorf("contract_month is only valid for futures and options")
		}
		if !expiryRe.MatchString(inst.Expiry) {
			return types.Instrument{}, fmt.Errorf("contract_month %q must be YYYYMM or YYYYMMDD", inst.Expiry)
		}
	}

	if k == types.KindOption {
		right, err := parseRight(cmd.Right)
		if err != nil {
			return types.Instrument{}, err
		}
		inst.Right = right
		inst.Strike = cmd.Strike
		if inst.Strike.Sign() < 0 {
			return types.Instrument{}, fmt.Errorf("strike must not be negative")
		}
	}
	return inst, nil
}

func parseRight(s string) (string, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "":
		return "", nil
	case "C", "CALL":
		return "C", nil
	case "P", "PUT":
		return "P", nil
	}
	return "", fmt.Errorf("right %q must be C or P", s)
}

// NeedsResolution reports whether the instrument must be resolved against
// upstream contract data before it can be subscribed (futures without an
// explicit expiry).
func NeedsResolution(inst types.Instrument) bool {
	return inst.Kind == types.KindFuture && inst.Expiry == ""
}

// FrontMonth picks the nearest expiry that has not passed. Expiries come
// from upstream contract data as YYYYMM or YYYYMMDD strings, which order
// correctly as plain strings within each format; comparing against now is
// done at day granularity.
func FrontMonth(expiries []string, now time.Time) (string, bool) {
	today := now.Format("20060102")
	month := now.Format("200601")

	best := ""
	for _, e := range expiries {
		if !expiryRe.MatchString(e) {
			continue
		}
		switch len(e) {
		case 6:
			if e < month {
				continue
			}
		case 8:
			if e < today {
				continue
			}
		}
		if best == "" || padExpiry(e) < padExpiry(best) {
			best = e
		}
	}
	return best, best != ""
}

// padExpiry widens YYYYMM to a comparable YYYYMMDD by assuming end of
// month, so mixed-format lists still sort by actual date.
func padExpiry(e string) string {
	if len(e) == 6 {
		return e + "31"
	}
	return e
}

// WireContract maps a canonical instrument onto the upstream contract
// encoding. Forex pairs split here: EURUSD becomes symbol EUR with
// currency USD, which is how the gateway expects cash contracts.
func WireContract(inst types.Instrument) ibwire.Contract {
	sym := inst.Symbol
	if inst.Kind == types.KindForex && forexPair.MatchString(sym) {
		sym = sym[:3]
	}
	c := ibwire.Contract{
		Symbol:   sym,
		SecType:  inst.Kind.SecType(),
		Expiry:   inst.Expiry,
		Exchange: inst.Exchange,
		Currency: inst.Currency,
	}
	if inst.Kind == types.KindOption {
		if inst.Strike.Sign() > 0 {
			c.Strike = inst.Strike.String()
		}
		c.Right = inst.Right
	}
	return c
}
