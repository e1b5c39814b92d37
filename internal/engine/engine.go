// Package engine runs the per-mode trading cycle and the intraday risk watch.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"kis-autotrader/internal/analysis"
	"kis-autotrader/internal/balance"
	"kis-autotrader/internal/fx"
	"kis-autotrader/internal/monitor"
	"kis-autotrader/internal/order"
	"kis-autotrader/internal/persistence"
	"kis-autotrader/internal/reconciliation"
	"kis-autotrader/internal/risk"
	"kis-autotrader/internal/state"
	"kis-autotrader/pkg/config"
	"kis-autotrader/pkg/db"
	"kis-autotrader/pkg/exchanges/common"
)

const (
	readinessPoll    = 5 * time.Second
	readinessTimeout = 30 * time.Second
	postSellSettle   = 3 * time.Second
	scheduleSlack    = time.Minute
)

// ErrBusy is returned when a cycle or watch is already running.
var ErrBusy = errors.New("engine: cycle already running")

// Tokens yields bearer tokens for a mode.
type Tokens interface {
	GetToken(ctx context.Context, mode common.Mode) (string, error)
}

// FxSource resolves the USD/KRW rate.
type FxSource interface {
	Resolve(ctx context.Context) fx.Result
}

// Balances fetches holdings and spendable cash.
type Balances interface {
	Sync(ctx context.Context) (*balance.Snapshot, error)
	OrderableCash(ctx context.Context, exchange, symbol string, price decimal.Decimal) (decimal.Decimal, string)
}

// Candidates supplies buy candidates.
type Candidates interface {
	Candidates(ctx context.Context) ([]analysis.Candidate, error)
}

// Quoter returns last trade prices.
type Quoter interface {
	CurrentPrice(ctx context.Context, exchange, symbol string) (decimal.Decimal, error)
}

// Reconciler corrects open dates from trade history.
type Reconciler interface {
	Reconcile(ctx context.Context) reconciliation.Report
}

// CycleJournal mirrors run summaries into SQL. *db.Database satisfies it.
type CycleJournal interface {
	RecordCycle(ctx context.Context, c db.CycleRecord) error
}

// Deps are the collaborators of an Engine, built once per process.
type Deps struct {
	Tokens     Tokens
	Fx         FxSource
	Balances   Balances
	Candidates Candidates
	Quotes     Quoter
	Orders     *order.Executor
	Positions  *state.Manager
	Reconciler Reconciler
	History    *persistence.HistoryStore
	RunState   *persistence.RunStateStore
	Cooldown   *risk.SellCooldown
	Journal    CycleJournal // optional
}

// RunRequest selects the cycle type. Candidates, when set, replaces the
// analysis fetch (a previewed manual run).
type RunRequest struct {
	Type       persistence.RunType
	Candidates *[]analysis.Candidate
}

// Status is what the scheduler reports in its heartbeat.
type Status struct {
	LastRunAt      time.Time
	LastError      string
	LastWatchAt    time.Time
	LastWatchError string
}

// Engine runs cycles for one mode.
type Engine struct {
	mode  common.Mode
	deps  Deps
	hours *MarketHours

	// Sleep is used for readiness polling and settle waits; tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time

	running atomic.Bool

	mu       sync.RWMutex
	settings config.ModeSettings
	status   Status
}

// New creates an engine for mode.
func New(mode common.Mode, settings config.ModeSettings, hours *MarketHours, deps Deps, now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	if deps.Cooldown == nil {
		deps.Cooldown = risk.NewSellCooldown(risk.DefaultSellCooldown, now)
	}
	return &Engine{
		mode:     mode,
		deps:     deps,
		hours:    hours,
		settings: settings,
		Sleep:    common.SleepContext,
		now:      now,
	}
}

// SetSettings swaps the strategy parameters; the next cycle picks them up.
func (e *Engine) SetSettings(s config.ModeSettings) {
	e.mu.Lock()
	e.settings = s
	e.mu.Unlock()
	e.deps.Orders.Reconfigure(OrderConfig(e.mode, s, e.hours.OperatorLoc))
}

// OrderConfig maps mode settings onto executor tuning.
func OrderConfig(mode common.Mode, s config.ModeSettings, loc *time.Location) order.Config {
	return order.Config{
		Mode:        mode,
		SlippagePct: decimal.NewFromFloat(s.Strategy.SlippagePct),
		Ladder: order.LadderConfig{
			MaxLevels:     s.Ladder.MaxLevels,
			MaxPremiumPct: decimal.NewFromFloat(s.Ladder.MaxPremiumPct),
			Settle:        time.Duration(s.Ladder.SettleMs) * time.Millisecond,
		},
		Location: loc,
	}
}

func (e *Engine) currentSettings() config.ModeSettings {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.settings
}

// Executing reports whether a cycle is in progress.
func (e *Engine) Executing() bool { return e.running.Load() }

// Status returns the last run and watch outcomes.
func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

func (e *Engine) today() string {
	return e.now().In(e.hours.OperatorLoc).Format("20060102")
}

// scheduleDue reports whether now is within a minute of the configured
// schedule time and no scheduled run has happened today.
func (e *Engine) scheduleDue(s config.ModeSettings) (bool, string) {
	if !s.AutoTradingEnabled {
		return false, "auto trading disabled"
	}
	at, err := parseClock(s.ScheduleTime)
	if err != nil {
		return false, fmt.Sprintf("bad schedule_time %q", s.ScheduleTime)
	}
	now := e.now().In(e.hours.OperatorLoc)
	y, m, d := now.Date()
	target := time.Date(y, m, d, 0, 0, 0, 0, e.hours.OperatorLoc).Add(at)
	if diff := now.Sub(target); diff < -scheduleSlack || diff > scheduleSlack {
		return false, "outside schedule window"
	}
	last, err := e.deps.RunState.LastScheduledRunDay()
	if err != nil {
		return false, fmt.Sprintf("read run state: %v", err)
	}
	if last == e.today() {
		return false, "already ran today"
	}
	return true, ""
}

// cycle carries per-run state between steps.
type cycle struct {
	run      *persistence.ExecutionRun
	settings config.ModeSettings
	session  *order.Session
	fx       fx.Result
	fxOK     bool
	snap     *balance.Snapshot
	sold     map[string]bool
	fatal    bool
	step     string
}

func (c *cycle) trace(at time.Time, step, detail string) {
	c.step = step
	c.run.Trace = append(c.run.Trace, persistence.TraceStep{Step: step, At: at, Detail: detail})
}

func (c *cycle) skip(mode, symbol string, reason persistence.SkipReason, detail string) {
	c.run.Skips = append(c.run.Skips, persistence.Skip{Symbol: symbol, Reason: reason, Detail: detail})
	monitor.ObserveSkip(mode, string(reason))
}

func (c *cycle) fail(kind persistence.ErrorKind, symbol string, err error) {
	c.run.Errors = append(c.run.Errors, persistence.RunError{Kind: kind, Step: c.step, Symbol: symbol, Message: err.Error()})
}

// RunCycle executes one cycle. It returns nil when the cycle did not start
// (another cycle running, or a scheduled cycle whose gate is closed).
func (e *Engine) RunCycle(ctx context.Context, req RunRequest) *persistence.ExecutionRun {
	if req.Type == "" {
		req.Type = persistence.RunScheduled
	}
	if !e.running.CompareAndSwap(false, true) {
		log.Printf("⚠️ engine: %s cycle skipped, previous cycle still running", req.Type)
		return nil
	}
	defer e.running.Store(false)

	settings := e.currentSettings()
	if req.Type == persistence.RunScheduled {
		if ok, _ := e.scheduleDue(settings); !ok {
			return nil
		}
	}

	c := &cycle{
		settings: settings,
		sold:     make(map[string]bool),
		run: &persistence.ExecutionRun{
			RunID:        uuid.NewString(),
			Mode:         string(e.mode),
			RunType:      req.Type,
			StartedAt:    e.now(),
			Trace:        []persistence.TraceStep{},
			BuyAttempts:  []persistence.BuyAttempt{},
			SellAttempts: []persistence.SellAttempt{},
			Skips:        []persistence.Skip{},
			Errors:       []persistence.RunError{},
			Excluded:     []string{},
		},
	}
	c.session = e.deps.Orders.Begin(c.run.RunID)
	log.Printf("🚀 engine: %s cycle %s started", req.Type, c.run.RunID)

	func() {
		defer func() {
			if r := recover(); r != nil {
				c.fatal = true
				c.run.Errors = append(c.run.Errors, persistence.RunError{
					Kind:    persistence.ErrorPanic,
					Step:    c.step,
					Message: fmt.Sprint(r),
					Stack:   string(debug.Stack()),
				})
				log.Printf("❌ engine: panic in step %s: %v", c.step, r)
			}
		}()
		e.execute(ctx, c, req)
	}()

	e.finalize(ctx, c)
	return c.run
}

// execute runs steps 3 through 10; any early return ends the cycle.
func (e *Engine) execute(ctx context.Context, c *cycle, req RunRequest) {
	mode := string(e.mode)

	c.trace(e.now(), "token", "")
	if err := e.waitToken(ctx); err != nil {
		c.fatal = true
		c.fail(persistence.ErrorToken, "", err)
		log.Printf("❌ engine: token not ready: %v", err)
		return
	}

	c.trace(e.now(), "fx", "")
	c.fx = e.resolveFx(ctx, c.settings)
	c.fxOK = c.fx.OK()
	c.run.Snapshot.FxRate, c.run.Snapshot.FxSource = c.fx.Rate, c.fx.Source
	if !c.fxOK {
		msg := "no rate"
		if c.fx.Err != "" {
			msg = c.fx.Err
		}
		c.fail(persistence.ErrorFx, "", fmt.Errorf("fx unresolved, buys disabled: %s", msg))
		log.Printf("⚠️ engine: FX unavailable, sells only this cycle")
	}

	c.trace(e.now(), "market_hours", "")
	c.run.Snapshot.MarketOpen = e.hours.IsOpen(e.now())
	if !c.run.Snapshot.MarketOpen {
		c.skip(mode, "", persistence.SkipMarketClosed, "")
		log.Printf("💤 engine: market closed")
		return
	}

	c.trace(e.now(), "balance", "")
	snap, err := e.deps.Balances.Sync(ctx)
	if err != nil {
		c.fatal = true
		c.fail(persistence.ErrorBalance, "", err)
		return
	}
	c.snap = snap
	e.trackPositions(ctx, c)

	if req.Type == persistence.RunScheduled {
		if err := e.deps.RunState.SetLastScheduledRunDay(e.today()); err != nil {
			c.fail(persistence.ErrorState, "", err)
		}
		c.trace(e.now(), "marked_ran_today", e.today())
	}

	c.trace(e.now(), "sell_scan", "")
	e.sellScan(ctx, c)

	if len(c.sold) > 0 {
		c.trace(e.now(), "post_sell_settle", "")
		if err := e.Sleep(ctx, postSellSettle); err != nil {
			c.fail(persistence.ErrorBalance, "", err)
			return
		}
		if snap, err := e.deps.Balances.Sync(ctx); err != nil {
			c.fail(persistence.ErrorBalance, "", err)
		} else {
			c.snap = snap
		}
	}

	c.trace(e.now(), "buy_scan", "")
	e.buyScan(ctx, c, req)
}

func (e *Engine) waitToken(ctx context.Context) error {
	deadline := e.now().Add(readinessTimeout)
	for {
		_, err := e.deps.Tokens.GetToken(ctx, e.mode)
		if err == nil {
			return nil
		}
		if !e.now().Before(deadline) {
			return fmt.Errorf("token wait timed out: %w", err)
		}
		if serr := e.Sleep(ctx, readinessPoll); serr != nil {
			return serr
		}
	}
}

// resolveFx blocks for a rate only when a KRW reserve depends on it.
func (e *Engine) resolveFx(ctx context.Context, s config.ModeSettings) fx.Result {
	res := e.deps.Fx.Resolve(ctx)
	if res.OK() || s.Strategy.ReserveCashKRW <= 0 {
		return res
	}
	deadline := e.now().Add(readinessTimeout)
	for e.now().Before(deadline) {
		if err := e.Sleep(ctx, readinessPoll); err != nil {
			return res
		}
		if res = e.deps.Fx.Resolve(ctx); res.OK() {
			return res
		}
	}
	return res
}

func (e *Engine) trackPositions(ctx context.Context, c *cycle) {
	held := make(map[string]state.Held, len(c.snap.Holdings))
	for _, h := range c.snap.Holdings {
		held[h.Symbol] = state.Held{Qty: h.Qty, Exchange: h.Exchange}
	}
	if _, err := e.deps.Positions.SyncSnapshot(held); err != nil {
		c.fail(persistence.ErrorState, "", err)
	}
	if e.deps.Reconciler != nil {
		rep := e.deps.Reconciler.Reconcile(ctx)
		if rep.Err != nil {
			c.trace(e.now(), "reconcile", "trade history unavailable: "+rep.Err.Error())
		}
	}

	for _, h := range c.snap.Holdings {
		hs := persistence.HoldingSnapshot{
			Symbol:       h.Symbol,
			Exchange:     h.Exchange,
			Qty:          h.Qty,
			OrderableQty: h.OrderableQty,
			ProfitRate:   h.ProfitRate,
		}
		if d, src, ok := e.deps.Positions.OpenDate(h.Symbol); ok {
			hs.OpenDate, hs.OpenDateSource = d, string(src)
		}
		c.run.Snapshot.Holdings = append(c.run.Snapshot.Holdings, hs)
	}
}

func (e *Engine) sellScan(ctx context.Context, c *cycle) {
	mode := string(e.mode)
	st := c.settings.Strategy
	rules := risk.NewRules(st.TakeProfitPct, st.StopLossPct, st.MaxHoldDays)

	for _, h := range c.snap.Holdings {
		if h.OrderableQty <= 0 {
			continue
		}
		if e.deps.Cooldown.Active(h.Symbol) {
			c.skip(mode, h.Symbol, persistence.SkipSoldCooldown, "")
			continue
		}
		days, hasOpen := e.deps.Positions.HoldingDays(h.Symbol)
		dec := rules.Evaluate(risk.Input{Symbol: h.Symbol, ProfitRate: h.ProfitRate, HoldDays: days, HasOpen: hasOpen})
		if !dec.Sell {
			continue
		}
		log.Printf("💸 engine: sell %s x%d (%s: %s)", h.Symbol, h.OrderableQty, dec.Reason, dec.Detail)

		res := c.session.Sell(ctx, order.SellRequest{
			Symbol:    h.Symbol,
			Exchange:  h.Exchange,
			Qty:       h.OrderableQty,
			Reason:    dec.Reason,
			LastPrice: h.LastPrice,
		})
		if res.Skip != "" {
			c.skip(mode, h.Symbol, res.Skip, string(dec.Reason))
			continue
		}
		att := persistence.SellAttempt{
			Symbol:     h.Symbol,
			Exchange:   h.Exchange,
			Reason:     dec.Reason,
			Method:     res.Method,
			Qty:        h.OrderableQty,
			Price:      res.Price,
			ProfitRate: h.ProfitRate,
			HoldDays:   days,
			OrderNo:    res.OrderNo,
			OK:         res.Placed(),
			At:         e.now(),
		}
		if res.Err != nil {
			att.Error = res.Err.Error()
			c.fail(persistence.ErrorGateway, h.Symbol, res.Err)
		}
		c.run.SellAttempts = append(c.run.SellAttempts, att)
		if att.OK {
			c.sold[h.Symbol] = true
			e.deps.Cooldown.Mark(h.Symbol)
		}
	}
}

func (e *Engine) buyScan(ctx context.Context, c *cycle, req RunRequest) {
	mode := string(e.mode)
	st := c.settings.Strategy

	if !c.fxOK {
		c.skip(mode, "", persistence.SkipFxUnavailable, "buys disabled")
		return
	}

	var cands []analysis.Candidate
	if req.Candidates != nil {
		cands = *req.Candidates
	} else if e.deps.Candidates != nil {
		var err error
		cands, err = e.deps.Candidates.Candidates(ctx)
		if err != nil {
			c.fail(persistence.ErrorAnalysis, "", err)
			return
		}
	}

	held := c.snap.Symbols()
	var picked []analysis.Candidate
	for _, cand := range cands {
		if held[cand.Symbol] && !c.sold[cand.Symbol] {
			c.run.Excluded = append(c.run.Excluded, cand.Symbol)
			c.skip(mode, cand.Symbol, persistence.SkipAlreadyHeld, "")
			continue
		}
		picked = append(picked, cand)
	}
	if st.TopN > 0 && len(picked) > st.TopN {
		picked = picked[:st.TopN]
	}
	if len(picked) == 0 {
		c.skip(mode, "", persistence.SkipNoCandidates, "")
		return
	}

	prices := make(map[string]decimal.Decimal, len(picked))
	var probe *analysis.Candidate
	for i, cand := range picked {
		p, err := e.deps.Quotes.CurrentPrice(ctx, cand.Exchange, cand.Symbol)
		if err != nil || !p.IsPositive() {
			detail := "zero price"
			if err != nil {
				detail = err.Error()
			}
			c.skip(mode, cand.Symbol, persistence.SkipNoPrice, detail)
			continue
		}
		prices[cand.Symbol] = p
		if probe == nil {
			probe = &picked[i]
		}
	}
	if probe == nil {
		return
	}

	cash, source := e.deps.Balances.OrderableCash(ctx, probe.Exchange, probe.Symbol, prices[probe.Symbol])
	reserve := decimal.NewFromFloat(st.ReserveCash)
	if st.ReserveCashKRW > 0 && c.fx.Rate.IsPositive() {
		reserve = reserve.Add(decimal.NewFromFloat(st.ReserveCashKRW).Div(c.fx.Rate))
	}
	total := cash.Sub(reserve)
	if st.MaxBuyAmount > 0 {
		total = decimal.Min(total, decimal.NewFromFloat(st.MaxBuyAmount))
	}
	per := decimal.Zero
	if total.IsPositive() {
		per = total.Div(decimal.NewFromInt(int64(len(picked)))).Truncate(2)
	}
	c.run.Snapshot.OrderableCash, c.run.Snapshot.CashSource = cash, source
	c.run.Snapshot.Reserve, c.run.Snapshot.PerBuyBudget = reserve.Round(2), per
	log.Printf("💰 engine: cash=%s (%s) reserve=%s per-buy=%s x%d", cash, source, reserve.StringFixed(2), per, len(picked))

	useLadder := c.settings.BuyMethod == config.BuyMethodLadder && e.mode == common.ModeReal
	for _, cand := range picked {
		price, ok := prices[cand.Symbol]
		if !ok {
			continue
		}
		if !per.IsPositive() {
			c.skip(mode, cand.Symbol, persistence.SkipBudgetTooSmall, "no budget after reserve")
			continue
		}
		res := c.session.Buy(ctx, order.BuyRequest{
			Symbol:    cand.Symbol,
			Exchange:  cand.Exchange,
			Budget:    per,
			Reference: price,
			UseLadder: useLadder,
		})
		if res.Skip != "" && !res.Placed() {
			c.skip(mode, cand.Symbol, res.Skip, res.Method)
			continue
		}
		att := persistence.BuyAttempt{
			Symbol:    cand.Symbol,
			Exchange:  cand.Exchange,
			Method:    res.Method,
			Qty:       res.Qty,
			FilledQty: res.FilledQty,
			Price:     res.Price,
			Budget:    per,
			OrderNos:  res.OrderNos,
			OK:        res.Placed(),
			Partial:   res.Partial,
			At:        e.now(),
		}
		if res.Err != nil {
			att.Error = res.Err.Error()
			c.fail(persistence.ErrorGateway, cand.Symbol, res.Err)
		}
		c.run.BuyAttempts = append(c.run.BuyAttempts, att)
	}
}

// informational skips describe the cycle rather than a trading decision.
func informational(r persistence.SkipReason) bool {
	switch r {
	case persistence.SkipFxUnavailable, persistence.SkipMarketClosed, persistence.SkipNoCandidates:
		return true
	}
	return false
}

func resolveStatus(c *cycle) persistence.RunStatus {
	if c.fatal {
		return persistence.StatusError
	}
	ok := false
	for _, a := range c.run.SellAttempts {
		ok = ok || a.OK
	}
	for _, a := range c.run.BuyAttempts {
		ok = ok || a.OK
	}
	if ok && c.fxOK {
		return persistence.StatusSuccess
	}

	activity := len(c.run.SellAttempts) + len(c.run.BuyAttempts)
	for _, s := range c.run.Skips {
		if !informational(s.Reason) {
			activity++
		}
	}
	for _, er := range c.run.Errors {
		if er.Kind != persistence.ErrorFx {
			activity++
		}
	}
	if activity > 0 {
		return persistence.StatusPartial
	}
	return persistence.StatusNoTrade
}

func (e *Engine) finalize(ctx context.Context, c *cycle) {
	run := c.run
	run.FinishedAt = e.now()
	run.Status = resolveStatus(c)
	c.trace(run.FinishedAt, "finalize", string(run.Status))

	if err := e.deps.History.Append(run); err != nil {
		log.Printf("❌ engine: persist run %s: %v", run.RunID, err)
	}
	if e.deps.Journal != nil {
		sum := run.Summary()
		if err := e.deps.Journal.RecordCycle(ctx, db.CycleRecord{
			RunID: sum.RunID, Mode: sum.Mode, RunType: string(sum.RunType), Status: string(sum.Status),
			Buys: sum.Buys, Sells: sum.Sells, Skips: sum.Skips, Errors: sum.Errors,
			StartedAt: sum.StartedAt, FinishedAt: sum.FinishedAt,
		}); err != nil {
			log.Printf("⚠️ engine: journal cycle: %v", err)
		}
	}
	monitor.ObserveCycle(run.Mode, string(run.RunType), string(run.Status), run.FinishedAt.Sub(run.StartedAt))

	lastErr := ""
	if len(run.Errors) > 0 {
		last := run.Errors[len(run.Errors)-1]
		lastErr = fmt.Sprintf("%s: %s", last.Kind, last.Message)
	}
	e.mu.Lock()
	e.status.LastRunAt = run.FinishedAt
	e.status.LastError = lastErr
	e.mu.Unlock()

	log.Printf("🏁 engine: cycle %s %s (sells=%d buys=%d skips=%d errors=%d)",
		run.RunID, run.Status, len(run.SellAttempts), len(run.BuyAttempts), len(run.Skips), len(run.Errors))
}
