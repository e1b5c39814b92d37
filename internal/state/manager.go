// Package state tracks per-symbol holding periods across cycles and restarts.
package state

import (
	"fmt"
	"log"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"kis-autotrader/pkg/exchanges/common"
	"kis-autotrader/pkg/jsonfile"
)

// Source says where an open date came from.
type Source string

const (
	SourceDetect Source = "detect" // first seen in a balance snapshot
	SourceAPI    Source = "api"    // confirmed by trade history
)

// removeAfterMisses is how many consecutive absent snapshots drop a position.
const removeAfterMisses = 2

// Position is one tracked holding.
type Position struct {
	OpenDate       string `json:"open_date"` // YYYYMMDD
	OpenDateSource Source `json:"open_date_source"`
	Qty            int64  `json:"qty"`
	Exchange       string `json:"exchange,omitempty"`
}

// Meta carries trade-history sync bookkeeping.
type Meta struct {
	APISyncDay    string            `json:"api_sync_day,omitempty"`
	APIRetryAt    *time.Time        `json:"api_retry_at,omitempty"`
	APILastError  string            `json:"api_last_error,omitempty"`
	APIOpenDates  map[string]string `json:"api_open_dates,omitempty"`
	MissingCounts map[string]int    `json:"missing_counts"`
}

type document struct {
	Meta      Meta                `json:"meta"`
	Positions map[string]Position `json:"positions"`
}

// Held is one row of a balance snapshot.
type Held struct {
	Qty      int64
	Exchange string
}

// Manager is the durable position tracker for one mode. Every mutation is
// persisted before it returns.
type Manager struct {
	mu   sync.RWMutex
	path string
	now  func() time.Time
	loc  *time.Location
	doc  document
}

// NewManager loads positions_{mode}.json from dataDir. Dates are computed in
// loc (operator time zone).
func NewManager(dataDir string, mode common.Mode, loc *time.Location, now func() time.Time) (*Manager, error) {
	if now == nil {
		now = time.Now
	}
	if loc == nil {
		loc = time.Local
	}
	m := &Manager{
		path: filepath.Join(dataDir, fmt.Sprintf("positions_%s.json", mode)),
		now:  now,
		loc:  loc,
	}
	if _, err := jsonfile.Read(m.path, &m.doc); err != nil {
		return nil, err
	}
	if m.doc.Positions == nil {
		m.doc.Positions = make(map[string]Position)
	}
	if m.doc.Meta.MissingCounts == nil {
		m.doc.Meta.MissingCounts = make(map[string]int)
	}
	return m, nil
}

func normalize(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// Today returns the operator-local date as YYYYMMDD.
func (m *Manager) Today() string {
	return m.now().In(m.loc).Format("20060102")
}

func (m *Manager) save() error {
	if err := jsonfile.WriteAtomic(m.path, m.doc); err != nil {
		return fmt.Errorf("save positions: %w", err)
	}
	return nil
}

// upsertLocked applies one snapshot row; callers hold mu.
func (m *Manager) upsertLocked(symbol string, qty int64, exchange string) {
	if qty <= 0 {
		delete(m.doc.Positions, symbol)
		delete(m.doc.Meta.MissingCounts, symbol)
		return
	}
	today := m.Today()
	p, ok := m.doc.Positions[symbol]
	if !ok {
		m.doc.Positions[symbol] = Position{OpenDate: today, OpenDateSource: SourceDetect, Qty: qty, Exchange: exchange}
		delete(m.doc.Meta.MissingCounts, symbol)
		return
	}
	// An add-on buy restarts the holding clock unless the date is confirmed.
	if qty > p.Qty && p.OpenDateSource != SourceAPI {
		p.OpenDate = today
		p.OpenDateSource = SourceDetect
	}
	p.Qty = qty
	if exchange != "" {
		p.Exchange = exchange
	}
	m.doc.Positions[symbol] = p
	delete(m.doc.Meta.MissingCounts, symbol)
}

// Upsert records a holding seen in a snapshot. qty <= 0 removes it.
func (m *Manager) Upsert(symbol string, qty int64, exchange string) error {
	symbol = normalize(symbol)
	if symbol == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upsertLocked(symbol, qty, exchange)
	return m.save()
}

// markMissingLocked bumps the absence count and reports removal.
func (m *Manager) markMissingLocked(symbol string) bool {
	if _, ok := m.doc.Positions[symbol]; !ok {
		delete(m.doc.Meta.MissingCounts, symbol)
		return false
	}
	m.doc.Meta.MissingCounts[symbol]++
	if m.doc.Meta.MissingCounts[symbol] >= removeAfterMisses {
		delete(m.doc.Positions, symbol)
		delete(m.doc.Meta.MissingCounts, symbol)
		return true
	}
	return false
}

// MarkMissing notes one absent snapshot for symbol and reports whether the
// position was removed.
func (m *Manager) MarkMissing(symbol string) (bool, error) {
	symbol = normalize(symbol)
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := m.markMissingLocked(symbol)
	return removed, m.save()
}

// SyncSnapshot applies a full balance snapshot in one write: present symbols
// are upserted, tracked ones that are absent are marked missing. It returns
// the symbols removed.
func (m *Manager) SyncSnapshot(held map[string]Held) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]bool, len(held))
	for sym, h := range held {
		sym = normalize(sym)
		if sym == "" {
			continue
		}
		seen[sym] = true
		m.upsertLocked(sym, h.Qty, h.Exchange)
	}

	var removed []string
	for sym := range m.doc.Positions {
		if seen[sym] {
			continue
		}
		if m.markMissingLocked(sym) {
			removed = append(removed, sym)
		}
	}
	sort.Strings(removed)
	for _, sym := range removed {
		log.Printf("🗑️ state: %s removed after %d absent snapshots", sym, removeAfterMisses)
	}
	return removed, m.save()
}

// SetOpenDate records an open date. An api date always replaces a detect
// date. Between dates of the same source only newer ones are taken, and a
// detect date never replaces an api date. It reports whether anything changed.
func (m *Manager) SetOpenDate(symbol, date string, source Source) (bool, error) {
	symbol = normalize(symbol)
	if symbol == "" || len(date) != 8 {
		return false, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.doc.Positions[symbol]
	if !ok {
		return false, nil
	}
	cur := p.OpenDate
	switch {
	case len(cur) != 8:
	case source == SourceAPI && p.OpenDateSource != SourceAPI:
	case source == SourceDetect && p.OpenDateSource == SourceAPI:
		return false, nil
	default:
		if date <= cur {
			return false, nil
		}
	}
	p.OpenDate = date
	p.OpenDateSource = source
	m.doc.Positions[symbol] = p
	return true, m.save()
}

// Get returns one position.
func (m *Manager) Get(symbol string) (Position, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.doc.Positions[normalize(symbol)]
	return p, ok
}

// OpenDate returns the recorded open date and its source.
func (m *Manager) OpenDate(symbol string) (string, Source, bool) {
	p, ok := m.Get(symbol)
	if !ok {
		return "", "", false
	}
	return p.OpenDate, p.OpenDateSource, true
}

// MissingCount returns the consecutive absence count.
func (m *Manager) MissingCount(symbol string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.doc.Meta.MissingCounts[normalize(symbol)]
}

// Symbols returns tracked symbols, sorted.
func (m *Manager) Symbols() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.doc.Positions))
	for s := range m.doc.Positions {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// HoldingDays returns calendar days from the open date to today.
func (m *Manager) HoldingDays(symbol string) (int, bool) {
	p, ok := m.Get(symbol)
	if !ok {
		return 0, false
	}
	open, err := time.ParseInLocation("20060102", p.OpenDate, m.loc)
	if err != nil {
		return 0, false
	}
	today, _ := time.ParseInLocation("20060102", m.Today(), m.loc)
	return int(today.Sub(open).Hours() / 24), true
}

// Meta returns a copy of the sync bookkeeping.
func (m *Manager) Meta() Meta {
	m.mu.RLock()
	defer m.mu.RUnlock()
	meta := m.doc.Meta
	meta.APIOpenDates = make(map[string]string, len(m.doc.Meta.APIOpenDates))
	for k, v := range m.doc.Meta.APIOpenDates {
		meta.APIOpenDates[k] = v
	}
	meta.MissingCounts = make(map[string]int, len(m.doc.Meta.MissingCounts))
	for k, v := range m.doc.Meta.MissingCounts {
		meta.MissingCounts[k] = v
	}
	return meta
}

// RecordAPISync stores a successful trade-history sync for day.
func (m *Manager) RecordAPISync(day string, openDates map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.doc.Meta.APISyncDay = day
	m.doc.Meta.APIRetryAt = nil
	m.doc.Meta.APILastError = ""
	m.doc.Meta.APIOpenDates = openDates
	return m.save()
}

// RecordAPIFailure schedules the next sync attempt.
func (m *Manager) RecordAPIFailure(retryAt time.Time, cause string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.doc.Meta.APIRetryAt = &retryAt
	m.doc.Meta.APILastError = cause
	return m.save()
}
