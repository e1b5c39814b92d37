// Package risk decides when a holding must be sold.
package risk

import (
	"fmt"

	"github.com/shopspring/decimal"

	"kis-autotrader/internal/persistence"
)

// Rules are the per-mode exit thresholds. Zero disables a rule.
type Rules struct {
	TakeProfitPct decimal.Decimal
	StopLossPct   decimal.Decimal // positive number, compared against -StopLossPct
	MaxHoldDays   int
}

// NewRules builds Rules from config values.
func NewRules(takeProfitPct, stopLossPct float64, maxHoldDays int) Rules {
	return Rules{
		TakeProfitPct: decimal.NewFromFloat(takeProfitPct),
		StopLossPct:   decimal.NewFromFloat(stopLossPct).Abs(),
		MaxHoldDays:   maxHoldDays,
	}
}

// Input is what the rules look at for one holding.
type Input struct {
	Symbol     string
	ProfitRate decimal.Decimal // percent
	HoldDays   int
	HasOpen    bool // HoldDays is known
}

// Decision is the outcome for one holding.
type Decision struct {
	Sell   bool
	Reason persistence.SellReason
	Detail string
}

// Evaluate applies take-profit, then stop-loss, then max-hold. The first
// matching rule wins.
func (r Rules) Evaluate(in Input) Decision {
	if r.TakeProfitPct.IsPositive() && in.ProfitRate.GreaterThanOrEqual(r.TakeProfitPct) {
		return Decision{
			Sell:   true,
			Reason: persistence.SellTakeProfit,
			Detail: fmt.Sprintf("%s%% >= %s%%", in.ProfitRate, r.TakeProfitPct),
		}
	}
	if r.StopLossPct.IsPositive() && in.ProfitRate.LessThanOrEqual(r.StopLossPct.Neg()) {
		return Decision{
			Sell:   true,
			Reason: persistence.SellStopLoss,
			Detail: fmt.Sprintf("%s%% <= -%s%%", in.ProfitRate, r.StopLossPct),
		}
	}
	if r.MaxHoldDays > 0 && in.HasOpen && in.HoldDays >= r.MaxHoldDays {
		return Decision{
			Sell:   true,
			Reason: persistence.SellMaxHold,
			Detail: fmt.Sprintf("%dd >= %dd", in.HoldDays, r.MaxHoldDays),
		}
	}
	return Decision{}
}

// IntradayTriggered reports whether profitRate crosses threshold. A negative
// threshold is a stop-loss, a positive one a take-profit, zero never fires.
func IntradayTriggered(profitRate, threshold decimal.Decimal) bool {
	switch threshold.Sign() {
	case -1:
		return profitRate.LessThanOrEqual(threshold)
	case 1:
		return profitRate.GreaterThanOrEqual(threshold)
	default:
		return false
	}
}
