package persistence

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"kis-autotrader/pkg/exchanges/common"
	"kis-autotrader/pkg/jsonfile"
)

// DefaultMaxEntries caps the summary index.
const DefaultMaxEntries = 2000

// ErrRunNotFound is returned by Get for unknown run ids.
var ErrRunNotFound = errors.New("persistence: run not found")

// HistoryStore is the append-only run ledger for one mode: a summary index
// (newest first) plus one detail file per run.
type HistoryStore struct {
	mu         sync.Mutex
	indexPath  string
	runsDir    string
	maxEntries int
	loc        *time.Location
	now        func() time.Time
}

// NewHistoryStore opens the ledger under dataDir.
func NewHistoryStore(dataDir string, mode common.Mode, loc *time.Location, now func() time.Time) *HistoryStore {
	if now == nil {
		now = time.Now
	}
	if loc == nil {
		loc = time.Local
	}
	return &HistoryStore{
		indexPath:  filepath.Join(dataDir, fmt.Sprintf("auto_trading_history_%s.json", mode)),
		runsDir:    filepath.Join(dataDir, fmt.Sprintf("auto_trading_runs_%s", mode)),
		maxEntries: DefaultMaxEntries,
		loc:        loc,
		now:        now,
	}
}

// SetMaxEntries overrides the index cap.
func (h *HistoryStore) SetMaxEntries(n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n > 0 {
		h.maxEntries = n
	}
}

func (h *HistoryStore) detailPath(runID string) string {
	return filepath.Join(h.runsDir, runID+".json")
}

func (h *HistoryStore) readIndex() ([]RunSummary, error) {
	var rows []RunSummary
	if _, err := jsonfile.Read(h.indexPath, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// Append stores the detail file first, then the index entry, so an index
// entry always has its detail. Entries beyond the cap are evicted together
// with their detail files.
func (h *HistoryStore) Append(run *ExecutionRun) error {
	if run == nil || strings.TrimSpace(run.RunID) == "" {
		return errors.New("persistence: run id required")
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := jsonfile.WriteAtomic(h.detailPath(run.RunID), run); err != nil {
		return fmt.Errorf("write run detail: %w", err)
	}
	rows, err := h.readIndex()
	if err != nil {
		return fmt.Errorf("read run index: %w", err)
	}
	rows = append([]RunSummary{run.Summary()}, rows...)

	var evicted []RunSummary
	if len(rows) > h.maxEntries {
		evicted = rows[h.maxEntries:]
		rows = rows[:h.maxEntries]
	}
	if err := jsonfile.WriteAtomic(h.indexPath, rows); err != nil {
		return fmt.Errorf("write run index: %w", err)
	}
	for _, e := range evicted {
		if err := os.Remove(h.detailPath(e.RunID)); err != nil && !os.IsNotExist(err) {
			log.Printf("⚠️ history: remove evicted run %s: %v", e.RunID, err)
		}
	}
	return nil
}

// List returns summaries started within the last days days, newest first.
func (h *HistoryStore) List(days int) ([]RunSummary, error) {
	h.mu.Lock()
	rows, err := h.readIndex()
	h.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if days <= 0 {
		days = 7
	}
	cutoff := h.now().AddDate(0, 0, -days)
	out := make([]RunSummary, 0, len(rows))
	for _, r := range rows {
		if r.StartedAt.IsZero() || !r.StartedAt.Before(cutoff) {
			out = append(out, r)
		}
	}
	return out, nil
}

// Get loads the full record of one run.
func (h *HistoryStore) Get(runID string) (*ExecutionRun, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" || strings.ContainsAny(runID, `/\`) {
		return nil, ErrRunNotFound
	}
	var run ExecutionRun
	found, err := jsonfile.Read(h.detailPath(runID), &run)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrRunNotFound
	}
	return &run, nil
}

// LastBuyDate returns the operator-local date (YYYYMMDD) of the most recent
// run with a successful buy of symbol. days <= 0 searches the whole index.
func (h *HistoryStore) LastBuyDate(symbol string, days int) (string, bool) {
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	if sym == "" {
		return "", false
	}
	h.mu.Lock()
	rows, err := h.readIndex()
	h.mu.Unlock()
	if err != nil {
		log.Printf("⚠️ history: read index: %v", err)
		return "", false
	}
	var cutoff time.Time
	if days > 0 {
		cutoff = h.now().AddDate(0, 0, -days)
	}
	for _, r := range rows {
		if !cutoff.IsZero() && r.StartedAt.Before(cutoff) {
			continue
		}
		for _, b := range r.Bought {
			if strings.EqualFold(b, sym) {
				return r.StartedAt.In(h.loc).Format("20060102"), true
			}
		}
	}
	return "", false
}
