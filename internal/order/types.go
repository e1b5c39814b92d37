// Package order places buys and sells against the broker: the ask ladder,
// single slippage-limit orders, and stale-order cleanup.
package order

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"kis-autotrader/internal/persistence"
	"kis-autotrader/pkg/db"
	"kis-autotrader/pkg/exchanges/common"
	"kis-autotrader/pkg/exchanges/kis"
)

// Broker is the order and quote surface of the brokerage client.
type Broker interface {
	CurrentPrice(ctx context.Context, exchange, symbol string) (decimal.Decimal, error)
	AskLevels(ctx context.Context, exchange, symbol string) ([]kis.AskLevel, error)
	BuyableAmount(ctx context.Context, exchange, symbol string, price decimal.Decimal) (*kis.Buyable, error)
	PlaceOrder(ctx context.Context, req common.OrderRequest) (*common.OrderResult, error)
	CancelOrder(ctx context.Context, exchange, symbol, orderNo string, qty int64) error
	FillState(ctx context.Context, orderNo, symbol, start, end string) (*common.FillState, error)
	UnfilledOrders(ctx context.Context, exchange string) ([]kis.UnfilledOrder, error)
}

// Journal records every submission. *db.Database satisfies it.
type Journal interface {
	CreateOrder(ctx context.Context, o *db.OrderRecord) error
	UpdateOrderFill(ctx context.Context, id, status string, filledQty int64) error
}

// Order methods as recorded on attempts and in metrics.
const (
	MethodLadder        = "ladder"
	MethodSlippageLimit = "slippage_limit"
	MethodFallback      = "slippage_limit_fallback"
	MethodMarket        = "market"
)

// LadderConfig tunes the ask ladder.
type LadderConfig struct {
	MaxLevels     int
	MaxPremiumPct decimal.Decimal
	Settle        time.Duration
}

// Config configures an Executor.
type Config struct {
	Mode        common.Mode
	SlippagePct decimal.Decimal
	Ladder      LadderConfig
	Location    *time.Location // order dates are in this zone
}

// BuyRequest asks for one candidate to be bought.
type BuyRequest struct {
	Symbol    string
	Exchange  string
	Budget    decimal.Decimal
	Reference decimal.Decimal // last price used for sizing and the guard ceiling
	UseLadder bool
}

// BuyResult is the outcome of one buy request. Skip is set when no order
// was submitted for a deliberate reason.
type BuyResult struct {
	Method    string
	Qty       int64
	FilledQty int64
	Price     decimal.Decimal // last submitted price
	OrderNos  []string
	Partial   bool
	Aborted   bool
	Skip      persistence.SkipReason
	Err       error
}

// Placed reports whether at least one order was accepted.
func (r *BuyResult) Placed() bool { return len(r.OrderNos) > 0 }

// SellRequest asks for a holding to be sold.
type SellRequest struct {
	Symbol    string
	Exchange  string
	Qty       int64
	Reason    persistence.SellReason
	LastPrice decimal.Decimal // snapshot price used when the quote fails
}

// SellResult is the outcome of one sell request.
type SellResult struct {
	Method  string
	Price   decimal.Decimal
	OrderNo string
	Skip    persistence.SkipReason
	Err     error
}

// Placed reports whether the sell order was accepted.
func (r *SellResult) Placed() bool { return r.OrderNo != "" }
