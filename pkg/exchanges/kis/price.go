package kis

import (
	"strings"

	"github.com/shopspring/decimal"
)

var (
	one     = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)
)

// FormatUnitPrice truncates to 8 fractional digits and strips trailing zeros.
func FormatUnitPrice(p decimal.Decimal) string {
	return p.Truncate(8).String()
}

// FormatOrderPrice truncates to 2 fractional digits for prices >= 1 and to 4
// digits below that. It never rounds up.
func FormatOrderPrice(p decimal.Decimal) string {
	if p.GreaterThanOrEqual(one) {
		return p.Truncate(2).StringFixed(2)
	}
	return p.Truncate(4).StringFixed(4)
}

// OrderPrice is the decimal value FormatOrderPrice would submit.
func OrderPrice(p decimal.Decimal) decimal.Decimal {
	if p.GreaterThanOrEqual(one) {
		return p.Truncate(2)
	}
	return p.Truncate(4)
}

// WithSlippage moves price by pct percent: up for buys, down for sells.
func WithSlippage(price, pct decimal.Decimal, buy bool) decimal.Decimal {
	factor := pct.Div(hundred)
	if buy {
		return price.Mul(one.Add(factor))
	}
	return price.Mul(one.Sub(factor))
}

// QtyForBudget returns the largest whole quantity whose cost at price does
// not exceed budget.
func QtyForBudget(budget, price decimal.Decimal) int64 {
	if !price.IsPositive() || !budget.IsPositive() {
		return 0
	}
	q, _ := budget.QuoRem(price, 0)
	return q.IntPart()
}

// Num is a numeric field the API encodes as a string, possibly empty.
type Num string

// Decimal parses n, returning zero when blank or malformed.
func (n Num) Decimal() decimal.Decimal {
	s := strings.TrimSpace(strings.ReplaceAll(string(n), ",", ""))
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// Int parses n as a whole quantity, truncating fractions.
func (n Num) Int() int64 {
	return n.Decimal().IntPart()
}

// Present reports whether n holds a parseable value.
func (n Num) Present() bool {
	s := strings.TrimSpace(strings.ReplaceAll(string(n), ",", ""))
	if s == "" {
		return false
	}
	_, err := decimal.NewFromString(s)
	return err == nil
}
