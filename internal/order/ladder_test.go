package order

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"kis-autotrader/internal/persistence"
	"kis-autotrader/pkg/db"
	"kis-autotrader/pkg/exchanges/common"
	"kis-autotrader/pkg/exchanges/kis"
)

type fakeBroker struct {
	mu sync.Mutex

	price     decimal.Decimal
	priceErr  error
	levels    []kis.AskLevel
	levelsErr error
	buyable   *kis.Buyable
	fills     []common.FillState // returned in order, last one repeats
	cancelErr error
	placeErr  error
	unfilled  []kis.UnfilledOrder

	placed        []common.OrderRequest
	cancelled     []string
	unfilledCalls int
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func (f *fakeBroker) CurrentPrice(context.Context, string, string) (decimal.Decimal, error) {
	return f.price, f.priceErr
}

func (f *fakeBroker) AskLevels(context.Context, string, string) ([]kis.AskLevel, error) {
	return f.levels, f.levelsErr
}

func (f *fakeBroker) BuyableAmount(context.Context, string, string, decimal.Decimal) (*kis.Buyable, error) {
	if f.buyable == nil {
		return &kis.Buyable{MaxQty: 1_000_000}, nil
	}
	return f.buyable, nil
}

func (f *fakeBroker) PlaceOrder(_ context.Context, req common.OrderRequest) (*common.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.placeErr != nil {
		return nil, f.placeErr
	}
	f.placed = append(f.placed, req)
	return &common.OrderResult{OrderNo: string(rune('0' + len(f.placed)))}, nil
}

func (f *fakeBroker) CancelOrder(_ context.Context, _, _, orderNo string, _ int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.cancelled = append(f.cancelled, orderNo)
	return nil
}

func (f *fakeBroker) FillState(_ context.Context, orderNo, _, _, _ string) (*common.FillState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fs := f.fills[0]
	if len(f.fills) > 1 {
		f.fills = f.fills[1:]
	}
	fs.OrderNo = orderNo
	return &fs, nil
}

func (f *fakeBroker) UnfilledOrders(context.Context, string) ([]kis.UnfilledOrder, error) {
	f.unfilledCalls++
	return f.unfilled, nil
}

type memJournal struct {
	rows    []*db.OrderRecord
	updates map[string]string
}

func (j *memJournal) CreateOrder(_ context.Context, o *db.OrderRecord) error {
	o.ID = o.OrderNo + "-id"
	j.rows = append(j.rows, o)
	return nil
}

func (j *memJournal) UpdateOrderFill(_ context.Context, id, status string, _ int64) error {
	if j.updates == nil {
		j.updates = map[string]string{}
	}
	j.updates[id] = status
	return nil
}

func newTestSession(f *fakeBroker, mode common.Mode, j Journal) *Session {
	ex := NewExecutor(f, j, Config{
		Mode:        mode,
		SlippagePct: d("0.5"),
		Ladder:      LadderConfig{MaxLevels: 10, MaxPremiumPct: d("1.0"), Settle: time.Second},
		Location:    time.UTC,
	}, func() time.Time { return time.Date(2026, 3, 10, 23, 0, 0, 0, time.UTC) })
	ex.Sleep = func(context.Context, time.Duration) error { return nil }
	return ex.Begin("run-1")
}

func ladderReq() BuyRequest {
	return BuyRequest{Symbol: "XYZ", Exchange: "NASD", Budget: d("1000"), Reference: d("100"), UseLadder: true}
}

func TestLadderGuardCeilingBlocksFirstLevel(t *testing.T) {
	f := &fakeBroker{levels: []kis.AskLevel{{Price: d("101.01"), Qty: 100}}}
	res := newTestSession(f, common.ModeReal, nil).Buy(context.Background(), ladderReq())
	if len(f.placed) != 0 {
		t.Fatalf("no order may be placed above the ceiling, got %d", len(f.placed))
	}
	if res.Skip != persistence.SkipGuardCeiling {
		t.Fatalf("skip = %q", res.Skip)
	}
}

func TestLadderFullFillAtFirstLevel(t *testing.T) {
	j := &memJournal{}
	f := &fakeBroker{
		levels: []kis.AskLevel{{Price: d("100.50"), Qty: 5}, {Price: d("100.80"), Qty: 5}},
		fills:  []common.FillState{{Status: common.StatusFilled, FilledQty: 9}},
	}
	res := newTestSession(f, common.ModeReal, j).Buy(context.Background(), ladderReq())
	if len(f.placed) != 1 {
		t.Fatalf("expected exactly one order, got %d", len(f.placed))
	}
	if f.placed[0].Qty != 9 || f.placed[0].Price != "100.50" {
		t.Fatalf("unexpected order %+v", f.placed[0])
	}
	if res.FilledQty != 9 || res.Partial || !res.Placed() {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(j.rows) != 1 || j.rows[0].RunID != "run-1" || j.updates[j.rows[0].ID] != db.OrderFilled {
		t.Fatalf("journal not updated: %+v %+v", j.rows, j.updates)
	}
}

func TestLadderPartialFillCancelsAndMovesUp(t *testing.T) {
	f := &fakeBroker{
		levels: []kis.AskLevel{{Price: d("100"), Qty: 4}, {Price: d("100.50"), Qty: 10}, {Price: d("100.90"), Qty: 10}},
		fills: []common.FillState{
			{Status: common.StatusPartial, FilledQty: 4, OpenQty: 6},
			{Status: common.StatusFilled, FilledQty: 5},
		},
	}
	res := newTestSession(f, common.ModeReal, nil).Buy(context.Background(), ladderReq())
	if len(f.placed) != 2 {
		t.Fatalf("expected exactly one further order, got %d orders", len(f.placed))
	}
	if len(f.cancelled) != 1 || f.cancelled[0] != "1" {
		t.Fatalf("residual not cancelled: %v", f.cancelled)
	}
	// 1000 - 4*100 = 600 left; 600 / 100.50 = 5.
	if f.placed[1].Qty != 5 || f.placed[1].Price != "100.50" {
		t.Fatalf("second order %+v", f.placed[1])
	}
	if res.FilledQty != 9 {
		t.Fatalf("filled = %d", res.FilledQty)
	}
}

func TestLadderCancelFailureStops(t *testing.T) {
	f := &fakeBroker{
		levels:    []kis.AskLevel{{Price: d("100"), Qty: 1}, {Price: d("100.10"), Qty: 50}, {Price: d("100.20"), Qty: 50}},
		fills:     []common.FillState{{Status: common.StatusPartial, FilledQty: 1, OpenQty: 9}},
		cancelErr: errors.New("cancel rejected"),
	}
	res := newTestSession(f, common.ModeReal, nil).Buy(context.Background(), ladderReq())
	if len(f.placed) != 1 {
		t.Fatalf("failed cancel must prevent further orders, got %d", len(f.placed))
	}
	if !res.Aborted || !res.Partial || res.Err == nil {
		t.Fatalf("expected aborted partial result, got %+v", res)
	}
}

func TestLadderLastLevelLeavesResidualResting(t *testing.T) {
	f := &fakeBroker{
		levels: []kis.AskLevel{{Price: d("100"), Qty: 1}, {Price: d("100.10"), Qty: 1}},
		fills:  []common.FillState{{Status: common.StatusResting, OpenQty: 10}},
	}
	ex := newTestSession(f, common.ModeReal, nil)
	ex.cfg.Ladder.MaxLevels = 2
	res := ex.Buy(context.Background(), ladderReq())
	if len(f.placed) != 2 || len(f.cancelled) != 1 {
		t.Fatalf("placed=%d cancelled=%d", len(f.placed), len(f.cancelled))
	}
	if !res.Partial || res.Aborted {
		t.Fatalf("last level should leave the order resting: %+v", res)
	}
}

func TestLadderOrderBookFailureFallsBackOnce(t *testing.T) {
	f := &fakeBroker{levelsErr: errors.New("book down")}
	res := newTestSession(f, common.ModeReal, nil).Buy(context.Background(), ladderReq())
	if len(f.placed) != 1 || res.Method != MethodFallback {
		t.Fatalf("expected one fallback order, got %d (%s)", len(f.placed), res.Method)
	}
	// 100 * 1.005 = 100.50; 1000 / 100.50 = 9.
	if f.placed[0].Price != "100.50" || f.placed[0].Qty != 9 {
		t.Fatalf("fallback order %+v", f.placed[0])
	}
}

func TestGuardCeiling(t *testing.T) {
	if got := GuardCeiling(d("100"), d("1.0")); !got.Equal(d("101")) {
		t.Fatalf("ceiling = %s", got)
	}
}
