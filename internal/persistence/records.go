// Package persistence keeps the per-mode run ledger and daily run marker on disk.
package persistence

import (
	"time"

	"github.com/shopspring/decimal"
)

// RunType distinguishes scheduled cycles from operator-triggered ones.
type RunType string

const (
	RunScheduled RunType = "scheduled"
	RunManual    RunType = "manual"
)

// RunStatus is the final outcome of a cycle.
type RunStatus string

const (
	StatusSuccess RunStatus = "success"
	StatusPartial RunStatus = "partial"
	StatusNoTrade RunStatus = "no_trade"
	StatusError   RunStatus = "error"
)

// SkipReason codes every candidate or holding that was deliberately not traded.
type SkipReason string

const (
	SkipAlreadyHeld      SkipReason = "already_held"
	SkipNoPrice          SkipReason = "no_price"
	SkipBudgetTooSmall   SkipReason = "budget_too_small"
	SkipZeroOrderableQty SkipReason = "zero_orderable_qty"
	SkipGuardCeiling     SkipReason = "guard_ceiling"
	SkipFxUnavailable    SkipReason = "fx_unavailable"
	SkipNoCandidates     SkipReason = "no_candidates"
	SkipSoldCooldown     SkipReason = "sold_cooldown"
	SkipNoSellPrice      SkipReason = "no_sell_price"
	SkipMarketClosed     SkipReason = "market_closed"
)

// ErrorKind groups cycle errors by the step that produced them.
type ErrorKind string

const (
	ErrorToken    ErrorKind = "token"
	ErrorFx       ErrorKind = "fx"
	ErrorBalance  ErrorKind = "balance"
	ErrorAnalysis ErrorKind = "analysis"
	ErrorGateway  ErrorKind = "gateway"
	ErrorState    ErrorKind = "state"
	ErrorPanic    ErrorKind = "panic"
)

// SellReason is the rule that triggered a sell.
type SellReason string

const (
	SellTakeProfit SellReason = "take_profit"
	SellStopLoss   SellReason = "stop_loss"
	SellMaxHold    SellReason = "max_hold"
	SellIntraday   SellReason = "intraday_threshold"
)

// BuyAttempt is one buy submission (possibly several ladder orders).
type BuyAttempt struct {
	Symbol    string          `json:"symbol"`
	Exchange  string          `json:"exchange"`
	Method    string          `json:"method"`
	Qty       int64           `json:"qty"`
	FilledQty int64           `json:"filled_qty"`
	Price     decimal.Decimal `json:"price"`
	Budget    decimal.Decimal `json:"budget"`
	OrderNos  []string        `json:"order_nos,omitempty"`
	OK        bool            `json:"ok"`
	Partial   bool            `json:"partial,omitempty"`
	Error     string          `json:"error,omitempty"`
	At        time.Time       `json:"at"`
}

// SellAttempt is one sell submission.
type SellAttempt struct {
	Symbol     string          `json:"symbol"`
	Exchange   string          `json:"exchange"`
	Reason     SellReason      `json:"reason"`
	Method     string          `json:"method"`
	Qty        int64           `json:"qty"`
	Price      decimal.Decimal `json:"price"`
	ProfitRate decimal.Decimal `json:"profit_rate"`
	HoldDays   int             `json:"hold_days,omitempty"`
	OrderNo    string          `json:"order_no,omitempty"`
	OK         bool            `json:"ok"`
	Error      string          `json:"error,omitempty"`
	At         time.Time       `json:"at"`
}

// Skip records a deliberate no-trade decision.
type Skip struct {
	Symbol string     `json:"symbol,omitempty"`
	Reason SkipReason `json:"reason"`
	Detail string     `json:"detail,omitempty"`
}

// RunError records a failure inside the cycle.
type RunError struct {
	Kind    ErrorKind `json:"kind"`
	Step    string    `json:"step"`
	Symbol  string    `json:"symbol,omitempty"`
	Message string    `json:"message"`
	Stack   string    `json:"stack,omitempty"`
}

// TraceStep marks the cycle passing a step.
type TraceStep struct {
	Step   string    `json:"step"`
	At     time.Time `json:"at"`
	Detail string    `json:"detail,omitempty"`
}

// HoldingSnapshot is one holding as seen at the start of the cycle.
type HoldingSnapshot struct {
	Symbol         string          `json:"symbol"`
	Exchange       string          `json:"exchange"`
	Qty            int64           `json:"qty"`
	OrderableQty   int64           `json:"orderable_qty"`
	ProfitRate     decimal.Decimal `json:"profit_rate"`
	OpenDate       string          `json:"open_date,omitempty"`
	OpenDateSource string          `json:"open_date_source,omitempty"`
}

// Snapshot is the account state the cycle decided on.
type Snapshot struct {
	Holdings      []HoldingSnapshot `json:"holdings"`
	OrderableCash decimal.Decimal   `json:"orderable_cash"`
	CashSource    string            `json:"cash_source,omitempty"`
	Reserve       decimal.Decimal   `json:"reserve"`
	PerBuyBudget  decimal.Decimal   `json:"per_buy_budget"`
	FxRate        decimal.Decimal   `json:"fx_rate"`
	FxSource      string            `json:"fx_source,omitempty"`
	MarketOpen    bool              `json:"market_open"`
}

// ExecutionRun is the immutable record of one cycle.
type ExecutionRun struct {
	RunID        string        `json:"run_id"`
	Mode         string        `json:"mode"`
	RunType      RunType       `json:"run_type"`
	StartedAt    time.Time     `json:"started_at"`
	FinishedAt   time.Time     `json:"finished_at"`
	Status       RunStatus     `json:"status"`
	Snapshot     Snapshot      `json:"snapshot"`
	Trace        []TraceStep   `json:"trace"`
	BuyAttempts  []BuyAttempt  `json:"buy_attempts"`
	SellAttempts []SellAttempt `json:"sell_attempts"`
	Skips        []Skip        `json:"skips"`
	Errors       []RunError    `json:"errors"`
	Excluded     []string      `json:"excluded"`
}

// Summary reduces a run to its index entry.
func (r *ExecutionRun) Summary() RunSummary {
	s := RunSummary{
		RunID:      r.RunID,
		Mode:       r.Mode,
		RunType:    r.RunType,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		Status:     r.Status,
		Sells:      len(r.SellAttempts),
		Buys:       len(r.BuyAttempts),
		Skips:      len(r.Skips),
		Errors:     len(r.Errors),
	}
	for _, b := range r.BuyAttempts {
		if b.OK {
			s.Bought = append(s.Bought, b.Symbol)
		}
	}
	return s
}

// RunSummary is one index entry.
type RunSummary struct {
	RunID      string    `json:"run_id"`
	Mode       string    `json:"mode"`
	RunType    RunType   `json:"run_type"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Status     RunStatus `json:"status"`
	Buys       int       `json:"buys"`
	Sells      int       `json:"sells"`
	Skips      int       `json:"skips"`
	Errors     int       `json:"errors"`
	Bought     []string  `json:"bought,omitempty"`
}
