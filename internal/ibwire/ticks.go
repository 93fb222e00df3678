package ibwire

import "marketbridge/pkg/types"

// GenericTickList is the default generic tick set requested with market
// data subscriptions: RT volume (233), shortable (236), mark price (258).
const GenericTickList = "233,236,258"

// priceTickFields maps numeric price tick types to client-facing field
// names. Codes outside the map are dropped by the router.
var priceTickFields = map[int]string{
	1:  "bid",
	2:  "ask",
	4:  "last",
	6:  "high",
	7:  "low",
	9:  "close",
	14: "open",
}

// sizeTickFields maps numeric size tick types to client-facing field names.
var sizeTickFields = map[int]string{
	0:  "bid_size",
	3:  "ask_size",
	5:  "last_size",
	8:  "volume",
	21: "avg_volume",
	27: "call_open_interest",
	28: "put_open_interest",
	29: "call_volume",
	30: "put_volume",
}

// PriceTickField resolves a price tick code to its field name.
func PriceTickField(code int) (string, bool) {
	f, ok := priceTickFields[code]
	return f, ok
}

// SizeTickField resolves a size tick code to its field name.
func SizeTickField(code int) (string, bool) {
	f, ok := sizeTickFields[code]
	return f, ok
}

// ClassifySeverity buckets an upstream error code. Codes below 2000 are
// genuine errors, below 10000 warnings, and anything above is
// informational (system notices, farm connection chatter).
func ClassifySeverity(code int) types.Severity {
	switch {
	case code < 2000:
		return types.SeverityError
	case code < 10000:
		return types.SeverityWarning
	default:
		return types.SeverityInfo
	}
}
