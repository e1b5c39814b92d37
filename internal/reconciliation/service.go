// Package reconciliation corrects locally detected open dates against the
// broker's trade history.
package reconciliation

import (
	"context"
	"log"
	"sort"
	"time"

	"kis-autotrader/internal/state"
	"kis-autotrader/pkg/exchanges/common"
	"kis-autotrader/pkg/exchanges/kis"
)

const (
	defaultLookbackDays = 90
	defaultRetryAfter   = 30 * time.Minute
	// hintWindowDays bounds how far a ledger buy may precede the detect date
	// and still describe the same holding.
	hintWindowDays = 3
)

// HistoryClient reads the broker's order/fill history.
type HistoryClient interface {
	OrderHistory(ctx context.Context, q kis.HistoryQuery) ([]kis.Execution, error)
}

// BuyLedger answers "when did this bot last buy symbol".
type BuyLedger interface {
	LastBuyDate(symbol string, days int) (string, bool)
}

// Report describes one reconciliation pass.
type Report struct {
	Queried   bool     // history endpoint was called
	FromCache bool     // today's cached result was reused
	Deferred  bool     // a previous failure scheduled a later retry
	Promoted  []string // symbols whose open date changed
	Hinted    []string // symbols dated from the run ledger
	Err       error
}

// Service runs at most one history query per day; the result and any
// failure backoff live in the position store so they survive restarts.
type Service struct {
	history      HistoryClient
	positions    *state.Manager
	ledger       BuyLedger
	lookbackDays int
	retryAfter   time.Duration
	now          func() time.Time
}

// NewService creates a reconciliation service. ledger may be nil.
func NewService(history HistoryClient, positions *state.Manager, ledger BuyLedger, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{
		history:      history,
		positions:    positions,
		ledger:       ledger,
		lookbackDays: defaultLookbackDays,
		retryAfter:   defaultRetryAfter,
		now:          now,
	}
}

// Reconcile promotes open dates for currently tracked positions.
func (s *Service) Reconcile(ctx context.Context) Report {
	var rep Report
	today := s.positions.Today()
	meta := s.positions.Meta()

	switch {
	case meta.APISyncDay == today:
		rep.FromCache = true
		rep.Promoted = s.apply(meta.APIOpenDates)
		return rep
	case meta.APIRetryAt != nil && s.now().Before(*meta.APIRetryAt):
		rep.Deferred = true
		rep.Hinted = s.applyHints()
		return rep
	}

	rep.Queried = true
	openDates, err := s.fetchOpenDates(ctx, today)
	if err != nil {
		rep.Err = err
		retryAt := s.now().Add(s.retryAfter)
		if serr := s.positions.RecordAPIFailure(retryAt, err.Error()); serr != nil {
			log.Printf("❌ reconcile: record failure: %v", serr)
		}
		log.Printf("⚠️ reconcile: trade history unavailable, retry at %s: %v", retryAt.Format(time.RFC3339), err)
		rep.Hinted = s.applyHints()
		return rep
	}
	if err := s.positions.RecordAPISync(today, openDates); err != nil {
		log.Printf("❌ reconcile: record sync: %v", err)
	}
	rep.Promoted = s.apply(openDates)
	log.Printf("✓ reconcile: %d open dates from trade history, %d promoted", len(openDates), len(rep.Promoted))
	return rep
}

func (s *Service) fetchOpenDates(ctx context.Context, today string) (map[string]string, error) {
	end, err := time.Parse("20060102", today)
	if err != nil {
		return nil, err
	}
	rows, err := s.history.OrderHistory(ctx, kis.HistoryQuery{
		Start: end.AddDate(0, 0, -s.lookbackDays).Format("20060102"),
		End:   today,
	})
	if err != nil {
		return nil, err
	}
	return OpenDates(rows), nil
}

// OpenDates derives, per symbol, the first buy date of the holding still
// open at the end of the history. Net filled quantity is tracked in date
// order; whenever it drops to zero the holding start resets.
func OpenDates(rows []kis.Execution) map[string]string {
	sorted := make([]kis.Execution, 0, len(rows))
	for _, r := range rows {
		if r.FilledQty > 0 && len(r.OrderDate) == 8 {
			sorted = append(sorted, r)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].OrderDate < sorted[j].OrderDate })

	net := make(map[string]int64)
	start := make(map[string]string)
	for _, r := range sorted {
		switch r.Side {
		case common.SideBuy:
			if net[r.Symbol] <= 0 {
				start[r.Symbol] = r.OrderDate
				net[r.Symbol] = 0
			}
			net[r.Symbol] += r.FilledQty
		case common.SideSell:
			net[r.Symbol] -= r.FilledQty
			if net[r.Symbol] <= 0 {
				delete(start, r.Symbol)
			}
		}
	}
	return start
}

func (s *Service) apply(openDates map[string]string) []string {
	var promoted []string
	for _, sym := range s.positions.Symbols() {
		date, ok := openDates[sym]
		if !ok {
			continue
		}
		changed, err := s.positions.SetOpenDate(sym, date, state.SourceAPI)
		if err != nil {
			log.Printf("❌ reconcile: set open date %s: %v", sym, err)
			continue
		}
		if changed {
			promoted = append(promoted, sym)
		}
	}
	return promoted
}

// applyHints dates detect-only positions from the bot's own buy ledger when
// the last recorded buy is on, or shortly before, the detect date.
func (s *Service) applyHints() []string {
	if s.ledger == nil {
		return nil
	}
	var hinted []string
	for _, sym := range s.positions.Symbols() {
		detect, src, ok := s.positions.OpenDate(sym)
		if !ok || src != state.SourceDetect {
			continue
		}
		hint, ok := s.ledger.LastBuyDate(sym, 0)
		if !ok || !withinHintWindow(hint, detect) {
			continue
		}
		changed, err := s.positions.SetOpenDate(sym, hint, state.SourceAPI)
		if err != nil {
			log.Printf("❌ reconcile: set hinted date %s: %v", sym, err)
			continue
		}
		if changed {
			hinted = append(hinted, sym)
		}
	}
	return hinted
}

func withinHintWindow(hint, detect string) bool {
	h, err := time.Parse("20060102", hint)
	if err != nil {
		return false
	}
	d, err := time.Parse("20060102", detect)
	if err != nil {
		return false
	}
	gap := d.Sub(h)
	return gap >= 0 && gap <= hintWindowDays*24*time.Hour
}
