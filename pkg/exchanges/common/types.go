package common

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderStatus normalizes a broker order state after a fill check.
type OrderStatus string

const (
	StatusFilled  OrderStatus = "filled"  // fully executed
	StatusPartial OrderStatus = "partial" // some quantity executed, residual resting
	StatusResting OrderStatus = "resting" // nothing executed yet
	StatusRemoved OrderStatus = "removed" // no longer listed (cancelled or rejected by venue)
	StatusUnknown OrderStatus = "unknown"
)

// Done reports whether the order needs no further handling.
func (s OrderStatus) Done() bool {
	return s == StatusFilled || s == StatusRemoved
}

// OrderRequest captures a limit order intent.
type OrderRequest struct {
	Symbol   string
	Exchange string // order-side exchange code (NASD, SEHK, ...)
	Side     Side
	Qty      int64
	Price    string // already formatted for submission
}

// OrderResult is the broker acknowledgement.
type OrderResult struct {
	OrderNo string
	Raw     map[string]any
}

// FillState is the result of querying an order by number.
type FillState struct {
	OrderNo   string
	Status    OrderStatus
	FilledQty int64
	OpenQty   int64
}

// Mode selects the brokerage environment.
type Mode string

const (
	ModeMock Mode = "mock"
	ModeReal Mode = "real"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool { return m == ModeMock || m == ModeReal }
