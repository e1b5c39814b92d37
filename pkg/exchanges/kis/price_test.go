package kis

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"
)

func TestFormatUnitPrice(t *testing.T) {
	tests := []struct {
		in   decimal.Decimal
		want string
	}{
		{decimal.NewFromFloat(0.1 + 0.2), "0.3"},
		{decimal.RequireFromString("123.456789129"), "123.45678912"},
		{decimal.RequireFromString("5.10000000"), "5.1"},
		{decimal.RequireFromString("0.000000019"), "0.00000001"},
		{decimal.NewFromInt(42), "42"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			got := FormatUnitPrice(tt.in)
			if got != tt.want {
				t.Fatalf("FormatUnitPrice(%s) = %q, want %q", tt.in, got, tt.want)
			}
			if i := strings.IndexByte(got, '.'); i >= 0 && len(got)-i-1 > 8 {
				t.Fatalf("more than 8 fractional digits: %q", got)
			}
		})
	}
}

func TestFormatOrderPriceTruncates(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"123.456", "123.45"},
		{"1.999", "1.99"},
		{"1", "1.00"},
		{"0.99999", "0.9999"},
		{"0.12345", "0.1234"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := FormatOrderPrice(decimal.RequireFromString(tt.in)); got != tt.want {
				t.Fatalf("FormatOrderPrice(%s) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestQtyForBudgetNeverExceedsBudget(t *testing.T) {
	tests := []struct {
		budget, price string
		want          int64
	}{
		{"1000", "250", 4},
		{"999.99", "250", 3},
		{"100", "33.33", 3},
		{"10", "0", 0},
		{"0", "10", 0},
	}
	for _, tt := range tests {
		b, p := decimal.RequireFromString(tt.budget), decimal.RequireFromString(tt.price)
		got := QtyForBudget(b, p)
		if got != tt.want {
			t.Fatalf("QtyForBudget(%s, %s) = %d, want %d", tt.budget, tt.price, got, tt.want)
		}
		if p.IsPositive() && p.Mul(decimal.NewFromInt(got)).GreaterThan(b) {
			t.Fatalf("cost exceeds budget for %s/%s", tt.budget, tt.price)
		}
	}
}

func TestWithSlippage(t *testing.T) {
	p := decimal.NewFromInt(100)
	pct := decimal.RequireFromString("0.5")
	if got := WithSlippage(p, pct, true); !got.Equal(decimal.RequireFromString("100.5")) {
		t.Fatalf("buy slippage = %s", got)
	}
	if got := WithSlippage(p, pct, false); !got.Equal(decimal.RequireFromString("99.5")) {
		t.Fatalf("sell slippage = %s", got)
	}
}

func TestNumParsing(t *testing.T) {
	if !Num("").Decimal().IsZero() || Num("").Present() {
		t.Fatalf("blank Num should be zero and absent")
	}
	if Num("1,234.5").Decimal().String() != "1234.5" {
		t.Fatalf("comma grouping not handled")
	}
	if Num("10.9").Int() != 10 {
		t.Fatalf("Int should truncate")
	}
	if Num("abc").Present() {
		t.Fatalf("malformed Num reported present")
	}
}
