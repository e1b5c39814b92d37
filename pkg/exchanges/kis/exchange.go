package kis

import (
	"strings"

	"kis-autotrader/pkg/exchanges/common"
)

// Quote endpoints use three-letter exchange codes, order endpoints four-letter
// ones. The BAQ/BAY/BAA codes are the day-session aliases of the US venues.
var quoteToOrder = map[string]string{
	"NAS": "NASD",
	"NYS": "NYSE",
	"AMS": "AMEX",
	"BAQ": "NASD",
	"BAY": "NYSE",
	"BAA": "AMEX",
	"HKS": "SEHK",
	"TSE": "TKSE",
	"SHS": "SHAA",
	"SZS": "SZAA",
	"HNX": "HASE",
	"HSX": "VNSE",
}

var orderToQuote = map[string]string{
	"NASD": "NAS",
	"NYSE": "NYS",
	"AMEX": "AMS",
	"SEHK": "HKS",
	"TKSE": "TSE",
	"SHAA": "SHS",
	"SZAA": "SZS",
	"HASE": "HNX",
	"VNSE": "HSX",
}

const (
	DefaultQuoteExchange = "NAS"
	DefaultOrderExchange = "NASD"
)

// OrderExchange normalizes any exchange code to its order-endpoint form.
func OrderExchange(code string) string {
	c := strings.ToUpper(strings.TrimSpace(code))
	if c == "" {
		return DefaultOrderExchange
	}
	if v, ok := quoteToOrder[c]; ok {
		return v
	}
	return c
}

// QuoteExchange normalizes any exchange code to its quote-endpoint form.
func QuoteExchange(code string) string {
	c := strings.ToUpper(strings.TrimSpace(code))
	if c == "" {
		return DefaultQuoteExchange
	}
	if v, ok := orderToQuote[c]; ok {
		return v
	}
	return c
}

// market groups order exchanges sharing one set of transaction ids.
type market int

const (
	marketUS market = iota
	marketHK
	marketJP
	marketSH
	marketSZ
	marketVN
)

func marketOf(exchange string) market {
	switch OrderExchange(exchange) {
	case "SEHK":
		return marketHK
	case "TKSE":
		return marketJP
	case "SHAA":
		return marketSH
	case "SZAA":
		return marketSZ
	case "HASE", "VNSE":
		return marketVN
	default:
		return marketUS
	}
}

type trPair struct{ mock, real string }

func (p trPair) pick(mode common.Mode) string {
	if mode == common.ModeReal {
		return p.real
	}
	return p.mock
}

var buyTR = map[market]trPair{
	marketUS: {"VTTT1002U", "TTTT1002U"},
	marketHK: {"VTTS1002U", "TTTS1002U"},
	marketJP: {"VTTS0308U", "TTTS0308U"},
	marketSH: {"VTTS0202U", "TTTS0202U"},
	marketSZ: {"VTTS0305U", "TTTS0305U"},
	marketVN: {"VTTS0311U", "TTTS0311U"},
}

var sellTR = map[market]trPair{
	marketUS: {"VTTT1001U", "TTTT1006U"},
	marketHK: {"VTTS1001U", "TTTS1001U"},
	marketJP: {"VTTS0307U", "TTTS0307U"},
	marketSH: {"VTTS1005U", "TTTS1005U"},
	marketSZ: {"VTTS0304U", "TTTS0304U"},
	marketVN: {"VTTS0310U", "TTTS0310U"},
}

var reviseCancelTR = map[market]trPair{
	marketUS: {"VTTT1004U", "TTTT1004U"},
	marketHK: {"VTTS1003U", "TTTS1003U"},
	marketJP: {"VTTS0309U", "TTTS0309U"},
	marketSH: {"VTTS0302U", "TTTS0302U"},
	marketSZ: {"VTTS0306U", "TTTS0306U"},
	marketVN: {"VTTS0312U", "TTTS0312U"},
}

// OrderTrID returns the transaction id for placing an order. Unknown
// exchanges use the US ids.
func OrderTrID(exchange string, side common.Side, mode common.Mode) string {
	m := marketOf(exchange)
	if side == common.SideSell {
		return sellTR[m].pick(mode)
	}
	return buyTR[m].pick(mode)
}

// ReviseCancelTrID returns the transaction id for revising or cancelling.
func ReviseCancelTrID(exchange string, mode common.Mode) string {
	return reviseCancelTR[marketOf(exchange)].pick(mode)
}
