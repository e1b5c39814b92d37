package persistence

import (
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"kis-autotrader/pkg/exchanges/common"
)

func TestHistoryAppendListGet(t *testing.T) {
	now := time.Date(2026, 3, 10, 23, 0, 0, 0, time.UTC)
	h := NewHistoryStore(t.TempDir(), common.ModeMock, time.UTC, func() time.Time { return now })

	old := &ExecutionRun{RunID: "old", Mode: "mock", StartedAt: now.AddDate(0, 0, -10), Status: StatusNoTrade}
	recent := &ExecutionRun{
		RunID: "recent", Mode: "mock", StartedAt: now.Add(-time.Hour), Status: StatusSuccess,
		BuyAttempts: []BuyAttempt{{Symbol: "AAPL", OK: true}, {Symbol: "MSFT", OK: false}},
	}
	for _, r := range []*ExecutionRun{old, recent} {
		if err := h.Append(r); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	rows, err := h.List(7)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].RunID != "recent" || rows[0].Buys != 2 {
		t.Fatalf("unexpected list %+v", rows)
	}
	all, _ := h.List(30)
	if len(all) != 2 || all[0].RunID != "recent" {
		t.Fatalf("index should be newest first: %+v", all)
	}

	got, err := h.Get("recent")
	if err != nil || len(got.BuyAttempts) != 2 {
		t.Fatalf("Get: %+v %v", got, err)
	}
	if _, err := h.Get("missing"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}

	if d, ok := h.LastBuyDate("aapl", 0); !ok || d != "20260310" {
		t.Fatalf("LastBuyDate = %s %v", d, ok)
	}
	if _, ok := h.LastBuyDate("MSFT", 0); ok {
		t.Fatalf("failed buys must not count")
	}
}

func TestHistoryEvictsDetailFiles(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 3, 10, 23, 0, 0, 0, time.UTC)
	h := NewHistoryStore(dir, common.ModeReal, time.UTC, func() time.Time { return now })
	h.SetMaxEntries(3)

	for i := 0; i < 5; i++ {
		if err := h.Append(&ExecutionRun{RunID: fmt.Sprintf("r%d", i), StartedAt: now}); err != nil {
			t.Fatal(err)
		}
	}
	rows, _ := h.List(1)
	if len(rows) != 3 || rows[0].RunID != "r4" || rows[2].RunID != "r2" {
		t.Fatalf("unexpected index %+v", rows)
	}
	for _, id := range []string{"r0", "r1"} {
		if _, err := os.Stat(h.detailPath(id)); !os.IsNotExist(err) {
			t.Fatalf("detail for %s should be removed", id)
		}
	}
	if _, err := h.Get("r2"); err != nil {
		t.Fatalf("kept run should load: %v", err)
	}
}

func TestRunStateSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	s := NewRunStateStore(dir, common.ModeMock)
	if d, err := s.LastScheduledRunDay(); err != nil || d != "" {
		t.Fatalf("fresh store: %q %v", d, err)
	}
	if err := s.SetLastScheduledRunDay("2026031"); err == nil {
		t.Fatalf("expected invalid day error")
	}
	if err := s.SetLastScheduledRunDay("20260310"); err != nil {
		t.Fatal(err)
	}
	reopened := NewRunStateStore(dir, common.ModeMock)
	if d, _ := reopened.LastScheduledRunDay(); d != "20260310" {
		t.Fatalf("marker lost across restart: %q", d)
	}
}
