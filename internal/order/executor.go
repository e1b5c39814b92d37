package order

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"kis-autotrader/internal/monitor"
	"kis-autotrader/internal/persistence"
	"kis-autotrader/pkg/db"
	"kis-autotrader/pkg/exchanges/common"
	"kis-autotrader/pkg/exchanges/kis"
)

// ErrNoPrice is returned when neither a quote nor a fallback price exists.
var ErrNoPrice = errors.New("order: no usable price")

// Executor submits orders for one mode.
type Executor struct {
	broker  Broker
	journal Journal

	mu  sync.RWMutex
	cfg Config

	// Sleep waits between ladder steps; tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// NewExecutor creates an executor. journal may be nil.
func NewExecutor(broker Broker, journal Journal, cfg Config, now func() time.Time) *Executor {
	if now == nil {
		now = time.Now
	}
	return &Executor{broker: broker, journal: journal, cfg: cfg.normalized(), Sleep: common.SleepContext, now: now}
}

func (c Config) normalized() Config {
	if c.Location == nil {
		c.Location = time.Local
	}
	if c.Ladder.MaxLevels <= 0 || c.Ladder.MaxLevels > 10 {
		c.Ladder.MaxLevels = 10
	}
	return c
}

// Reconfigure replaces slippage and ladder tuning for sessions begun later.
func (e *Executor) Reconfigure(cfg Config) {
	e.mu.Lock()
	e.cfg = cfg.normalized()
	e.mu.Unlock()
}

// Session scopes order placement to one cycle: journal rows carry the run id
// and unfilled-order listings are fetched at most once per exchange.
type Session struct {
	ex    *Executor
	cfg   Config
	runID string

	mu       sync.Mutex
	unfilled map[string][]kis.UnfilledOrder
}

// Begin opens a session for runID.
func (e *Executor) Begin(runID string) *Session {
	e.mu.RLock()
	cfg := e.cfg
	e.mu.RUnlock()
	return &Session{ex: e, cfg: cfg, runID: runID, unfilled: make(map[string][]kis.UnfilledOrder)}
}

// CancelStale cancels resting orders for symbol and side before a new order
// is placed. Only the real venue lists unfilled orders. Failures are logged.
func (s *Session) CancelStale(ctx context.Context, exchange, symbol string, side common.Side) int {
	if s.cfg.Mode != common.ModeReal {
		return 0
	}
	exchange = kis.OrderExchange(exchange)

	s.mu.Lock()
	orders, ok := s.unfilled[exchange]
	s.mu.Unlock()
	if !ok {
		var err error
		orders, err = s.ex.broker.UnfilledOrders(ctx, exchange)
		if err != nil {
			log.Printf("⚠️ order: list unfilled on %s: %v", exchange, err)
			return 0
		}
		s.mu.Lock()
		s.unfilled[exchange] = orders
		s.mu.Unlock()
	}

	cancelled := 0
	kept := orders[:0:0]
	for _, o := range orders {
		if o.Symbol != symbol || o.Side != side || o.OpenQty <= 0 {
			kept = append(kept, o)
			continue
		}
		if err := s.ex.broker.CancelOrder(ctx, exchange, symbol, o.OrderNo, o.OpenQty); err != nil {
			log.Printf("⚠️ order: cancel stale %s %s #%s: %v", side, symbol, o.OrderNo, err)
			kept = append(kept, o)
			continue
		}
		cancelled++
		log.Printf("🔄 order: cancelled stale %s %s #%s (%d open)", side, symbol, o.OrderNo, o.OpenQty)
	}
	s.mu.Lock()
	s.unfilled[exchange] = kept
	s.mu.Unlock()
	return cancelled
}

// place submits one limit order and journals it.
func (s *Session) place(ctx context.Context, req common.OrderRequest, method, reason string) (orderNo, journalID string, err error) {
	rec := &db.OrderRecord{
		RunID:    s.runID,
		Mode:     string(s.cfg.Mode),
		Symbol:   req.Symbol,
		Exchange: req.Exchange,
		Side:     string(req.Side),
		Qty:      req.Qty,
		Price:    req.Price,
		Status:   db.OrderSubmitted,
		Reason:   reason,
	}

	res, err := s.ex.broker.PlaceOrder(ctx, req)
	monitor.ObserveOrder(string(s.cfg.Mode), string(req.Side), method, err == nil)
	if err != nil {
		rec.Status = db.OrderRejected
		rec.Error = err.Error()
		log.Printf("❌ order: %s %s %d @ %s failed: %v", req.Side, req.Symbol, req.Qty, req.Price, err)
	} else {
		rec.OrderNo = res.OrderNo
		log.Printf("✓ order: %s %s %d @ %s accepted #%s (%s)", req.Side, req.Symbol, req.Qty, req.Price, res.OrderNo, method)
	}
	if s.ex.journal != nil {
		if jerr := s.ex.journal.CreateOrder(ctx, rec); jerr != nil {
			log.Printf("⚠️ order: journal: %v", jerr)
		}
	}
	if err != nil {
		return "", "", err
	}
	return res.OrderNo, rec.ID, nil
}

func (s *Session) journalFill(ctx context.Context, id, status string, filled int64) {
	if s.ex.journal == nil || id == "" {
		return
	}
	if err := s.ex.journal.UpdateOrderFill(ctx, id, status, filled); err != nil {
		log.Printf("⚠️ order: journal update %s: %v", id, err)
	}
}

// fillWindow is the order-date range used for fill lookups. It starts a day
// back because a US session crosses local midnight.
func (s *Session) fillWindow() (string, string) {
	today := s.ex.now().In(s.cfg.Location)
	return today.AddDate(0, 0, -1).Format("20060102"), today.Format("20060102")
}

// Buy places a buy for one candidate, by ladder or single slippage limit.
func (s *Session) Buy(ctx context.Context, req BuyRequest) *BuyResult {
	req.Exchange = kis.OrderExchange(req.Exchange)
	s.CancelStale(ctx, req.Exchange, req.Symbol, common.SideBuy)
	if req.UseLadder {
		return s.ladderBuy(ctx, req)
	}
	return s.limitBuy(ctx, req, MethodSlippageLimit)
}

// limitBuy submits one limit order at reference plus slippage, sized so the
// cost at that price stays within budget and the broker's orderable qty.
func (s *Session) limitBuy(ctx context.Context, req BuyRequest, method string) *BuyResult {
	res := &BuyResult{Method: method}
	if !req.Reference.IsPositive() {
		res.Skip = persistence.SkipNoPrice
		return res
	}
	price := kis.OrderPrice(kis.WithSlippage(req.Reference, s.cfg.SlippagePct, true))
	qty := kis.QtyForBudget(req.Budget, price)
	if qty <= 0 {
		res.Skip = persistence.SkipBudgetTooSmall
		return res
	}

	b, err := s.ex.broker.BuyableAmount(ctx, req.Exchange, req.Symbol, price)
	if err != nil {
		log.Printf("⚠️ order: buyable %s: %v (sizing by budget only)", req.Symbol, err)
	} else {
		qty = min(qty, b.Qty())
	}
	if qty <= 0 {
		res.Skip = persistence.SkipZeroOrderableQty
		return res
	}

	res.Qty, res.Price = qty, price
	orderNo, _, err := s.place(ctx, common.OrderRequest{
		Symbol: req.Symbol, Exchange: req.Exchange, Side: common.SideBuy,
		Qty: qty, Price: kis.FormatOrderPrice(price),
	}, method, "buy")
	if err != nil {
		res.Err = err
		return res
	}
	res.OrderNos = append(res.OrderNos, orderNo)
	return res
}

// Sell sells a holding. On the real venue it first tries a limit at the last
// trade price and falls back to a slippage limit; the mock venue goes
// straight to the slippage limit.
func (s *Session) Sell(ctx context.Context, req SellRequest) *SellResult {
	req.Exchange = kis.OrderExchange(req.Exchange)
	s.CancelStale(ctx, req.Exchange, req.Symbol, common.SideSell)

	last, err := s.ex.broker.CurrentPrice(ctx, req.Exchange, req.Symbol)
	if err != nil {
		log.Printf("⚠️ order: quote %s: %v", req.Symbol, err)
	}
	if !last.IsPositive() {
		last = req.LastPrice
	}
	if !last.IsPositive() {
		return &SellResult{Skip: persistence.SkipNoSellPrice, Err: ErrNoPrice}
	}

	if s.cfg.Mode == common.ModeReal && err == nil {
		res := s.sellAt(ctx, req, kis.OrderPrice(last), MethodMarket)
		if res.Placed() {
			return res
		}
		log.Printf("🔄 order: %s sell at last price failed, falling back to slippage limit", req.Symbol)
	}
	return s.sellAt(ctx, req, kis.OrderPrice(kis.WithSlippage(last, s.cfg.SlippagePct, false)), MethodSlippageLimit)
}

func (s *Session) sellAt(ctx context.Context, req SellRequest, price decimal.Decimal, method string) *SellResult {
	res := &SellResult{Method: method, Price: price}
	if !price.IsPositive() {
		res.Skip, res.Err = persistence.SkipNoSellPrice, ErrNoPrice
		return res
	}
	orderNo, _, err := s.place(ctx, common.OrderRequest{
		Symbol: req.Symbol, Exchange: req.Exchange, Side: common.SideSell,
		Qty: req.Qty, Price: kis.FormatOrderPrice(price),
	}, method, string(req.Reason))
	if err != nil {
		res.Err = err
		return res
	}
	res.OrderNo = orderNo
	return res
}

func describe(r *BuyResult) string {
	return fmt.Sprintf("method=%s qty=%d filled=%d orders=%d partial=%v aborted=%v", r.Method, r.Qty, r.FilledQty, len(r.OrderNos), r.Partial, r.Aborted)
}
