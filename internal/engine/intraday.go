package engine

import (
	"context"
	"log"

	"github.com/shopspring/decimal"

	"kis-autotrader/internal/order"
	"kis-autotrader/internal/persistence"
	"kis-autotrader/internal/risk"
	"kis-autotrader/pkg/config"
	"kis-autotrader/pkg/exchanges/kis"
)

// RunIntradayWatch sells every holding whose profit rate crosses the
// intraday threshold. It does nothing when disabled, when the market is
// closed, or while a cycle is running. Sells share the cycle's per-symbol
// cooldown.
func (e *Engine) RunIntradayWatch(ctx context.Context) ([]persistence.SellAttempt, error) {
	s := e.currentSettings()
	if !s.IntradayStopLoss.Enabled || s.IntradayStopLoss.ThresholdPct == 0 {
		return nil, nil
	}
	if !e.hours.IsOpen(e.now()) {
		return nil, nil
	}
	if !e.running.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	defer e.running.Store(false)

	attempts, err := e.watch(ctx, s)

	e.mu.Lock()
	e.status.LastWatchAt = e.now()
	e.status.LastWatchError = ""
	if err != nil {
		e.status.LastWatchError = err.Error()
	}
	e.mu.Unlock()
	return attempts, err
}

func (e *Engine) watch(ctx context.Context, s config.ModeSettings) ([]persistence.SellAttempt, error) {
	snap, err := e.deps.Balances.Sync(ctx)
	if err != nil {
		return nil, err
	}
	threshold := decimal.NewFromFloat(s.IntradayStopLoss.ThresholdPct)
	session := e.deps.Orders.Begin("intraday-" + e.today())
	e.deps.Cooldown.Prune()

	var out []persistence.SellAttempt
	for _, h := range snap.Holdings {
		if h.Qty <= 0 || !risk.IntradayTriggered(h.ProfitRate, threshold) {
			continue
		}
		if e.deps.Cooldown.Active(h.Symbol) {
			continue
		}
		qty := h.OrderableQty
		if qty <= 0 {
			continue
		}
		log.Printf("🚨 engine: intraday %s rate=%s%% threshold=%s%% qty=%d", h.Symbol, h.ProfitRate, threshold, qty)
		res := session.Sell(ctx, sellRequest(h, qty))
		att := persistence.SellAttempt{
			Symbol:     h.Symbol,
			Exchange:   h.Exchange,
			Reason:     persistence.SellIntraday,
			Method:     res.Method,
			Qty:        qty,
			Price:      res.Price,
			ProfitRate: h.ProfitRate,
			OrderNo:    res.OrderNo,
			OK:         res.Placed(),
			At:         e.now(),
		}
		if res.Err != nil {
			att.Error = res.Err.Error()
		}
		if att.OK {
			e.deps.Cooldown.Mark(h.Symbol)
		}
		out = append(out, att)
	}
	return out, nil
}

func sellRequest(h kis.Holding, qty int64) order.SellRequest {
	return order.SellRequest{
		Symbol:    h.Symbol,
		Exchange:  h.Exchange,
		Qty:       qty,
		Reason:    persistence.SellIntraday,
		LastPrice: h.LastPrice,
	}
}
