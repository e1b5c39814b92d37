package order

import (
	"context"
	"fmt"
	"log"

	"github.com/shopspring/decimal"

	"kis-autotrader/internal/persistence"
	"kis-autotrader/pkg/db"
	"kis-autotrader/pkg/exchanges/common"
	"kis-autotrader/pkg/exchanges/kis"
)

var hundred = decimal.NewFromInt(100)

// GuardCeiling is the highest price the ladder may pay.
func GuardCeiling(reference, maxPremiumPct decimal.Decimal) decimal.Decimal {
	return reference.Mul(decimal.NewFromInt(1).Add(maxPremiumPct.Div(hundred)))
}

// ladderBuy walks the ask side one level at a time. At each level it sizes
// by remaining budget and the broker's orderable qty at that price, submits
// a limit, waits for the settle interval and checks the fill. A residual is
// cancelled before moving up; if that cancel fails the ladder stops so no
// second order can duplicate the first. At the last level the residual is
// left resting.
func (s *Session) ladderBuy(ctx context.Context, req BuyRequest) *BuyResult {
	res := &BuyResult{Method: MethodLadder}
	cfg := s.cfg.Ladder

	levels, err := s.ex.broker.AskLevels(ctx, req.Exchange, req.Symbol)
	if err != nil || len(levels) == 0 {
		if err == nil {
			err = fmt.Errorf("empty order book")
		}
		log.Printf("⚠️ ladder: order book %s unavailable (%v), single slippage-limit fallback", req.Symbol, err)
		return s.limitBuy(ctx, req, MethodFallback)
	}
	if len(levels) > cfg.MaxLevels {
		levels = levels[:cfg.MaxLevels]
	}

	reference := req.Reference
	if !reference.IsPositive() {
		reference = levels[0].Price
	}
	ceiling := GuardCeiling(reference, cfg.MaxPremiumPct)
	remaining := req.Budget
	start, end := s.fillWindow()

	for i, lvl := range levels {
		last := i == len(levels)-1
		price := kis.OrderPrice(lvl.Price)
		if price.GreaterThan(ceiling) {
			log.Printf("🛑 ladder: %s level %d %s above ceiling %s", req.Symbol, i+1, price, ceiling.StringFixed(4))
			if !res.Placed() {
				res.Skip = persistence.SkipGuardCeiling
			}
			break
		}

		qty := kis.QtyForBudget(remaining, price)
		if qty <= 0 {
			if !res.Placed() {
				res.Skip = persistence.SkipBudgetTooSmall
			}
			break
		}
		b, err := s.ex.broker.BuyableAmount(ctx, req.Exchange, req.Symbol, price)
		if err != nil {
			if !res.Placed() {
				res.Err = fmt.Errorf("buyable at %s: %w", price, err)
			}
			log.Printf("⚠️ ladder: buyable %s at %s: %v", req.Symbol, price, err)
			break
		}
		qty = min(qty, b.Qty())
		if qty <= 0 {
			if !res.Placed() {
				res.Skip = persistence.SkipZeroOrderableQty
			}
			break
		}

		orderNo, jid, err := s.place(ctx, common.OrderRequest{
			Symbol: req.Symbol, Exchange: req.Exchange, Side: common.SideBuy,
			Qty: qty, Price: kis.FormatOrderPrice(price),
		}, MethodLadder, fmt.Sprintf("ladder level %d", i+1))
		if err != nil {
			if !res.Placed() {
				res.Err = err
			}
			break
		}
		res.OrderNos = append(res.OrderNos, orderNo)
		res.Qty += qty
		res.Price = price

		if err := s.ex.Sleep(ctx, cfg.Settle); err != nil {
			res.Partial, res.Aborted = true, true
			res.Err = err
			break
		}

		fs, err := s.ex.broker.FillState(ctx, orderNo, req.Symbol, start, end)
		if err != nil {
			log.Printf("⚠️ ladder: fill check %s #%s: %v", req.Symbol, orderNo, err)
			fs = &common.FillState{OrderNo: orderNo, Status: common.StatusUnknown}
		}
		filled := min(fs.FilledQty, qty)
		res.FilledQty += filled
		remaining = remaining.Sub(price.Mul(decimal.NewFromInt(filled)))

		if fs.Status.Done() {
			status := db.OrderFilled
			if fs.Status == common.StatusRemoved && filled < qty {
				status = db.OrderCancelled
			}
			s.journalFill(ctx, jid, status, filled)
			res.Partial = filled < qty && res.FilledQty > 0
			break
		}

		open := qty - filled
		if fs.OpenQty > 0 {
			open = fs.OpenQty
		}
		if last {
			s.journalFill(ctx, jid, db.OrderPartial, filled)
			res.Partial = true
			log.Printf("⏸️ ladder: %s last level, %d left resting at %s", req.Symbol, open, price)
			break
		}
		if err := s.ex.broker.CancelOrder(ctx, req.Exchange, req.Symbol, orderNo, open); err != nil {
			s.journalFill(ctx, jid, db.OrderPartial, filled)
			res.Partial, res.Aborted = true, true
			res.Err = fmt.Errorf("cancel residual #%s: %w", orderNo, err)
			log.Printf("🛑 ladder: %s cancel of #%s failed, stopping: %v", req.Symbol, orderNo, err)
			break
		}
		s.journalFill(ctx, jid, db.OrderCancelled, filled)
	}

	log.Printf("📈 ladder: %s done: %s", req.Symbol, describe(res))
	return res
}
