package config

import (
	"os"
	"path/filepath"
	"testing"

	"kis-autotrader/pkg/exchanges/common"
)

func TestLoadSettingsMissingFileUsesDefaults(t *testing.T) {
	s, err := LoadSettings(filepath.Join(t.TempDir(), "settings.yaml"))
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}
	mock, real := s.Mode(common.ModeMock), s.Mode(common.ModeReal)
	if mock.Strategy.MaxBuyAmount != 1000 || mock.Strategy.TakeProfitPct != 5 || mock.Strategy.MaxHoldDays != 15 {
		t.Fatalf("unexpected mock defaults %+v", mock.Strategy)
	}
	if real.Strategy.ReserveCash != 1000 || real.Strategy.StopLossPct != 2 || real.BuyMethod != BuyMethodLadder {
		t.Fatalf("unexpected real defaults %+v", real)
	}
	if mock.IntradayStopLoss.ThresholdPct != -7 || mock.ScheduleTime != "22:30" {
		t.Fatalf("unexpected mock toggles %+v", mock)
	}
}

func TestLoadSettingsOverlayAndSecrets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	doc := `
common:
  analysis_url: http://analysis:5000/analysis
mock:
  account_no_prefix: "50001111"
  buy_method: ladder
  strategy:
    top_n: 5
    take_profit_pct: 7.5
real:
  schedule_time: "23:00"
  ladder:
    max_levels: 25
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("REAL_APP_KEY", "env-key")
	t.Setenv("REAL_ACCOUNT_NO", "12345678-22")

	s, err := LoadSettings(path)
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}
	if s.Common.AnalysisURL != "http://analysis:5000/analysis" {
		t.Fatalf("analysis url = %s", s.Common.AnalysisURL)
	}
	if s.Mock.AccountNo() != "50001111-01" {
		t.Fatalf("mock account = %s", s.Mock.AccountNo())
	}
	if s.Mock.Strategy.TopN != 5 || s.Mock.Strategy.TakeProfitPct != 7.5 || s.Mock.Strategy.StopLossPct != 3 {
		t.Fatalf("overlay lost defaults: %+v", s.Mock.Strategy)
	}
	if s.Mock.BuyMethod != BuyMethodLimit {
		t.Fatalf("mock must stay on limit buys, got %s", s.Mock.BuyMethod)
	}
	if s.Real.AppKey != "env-key" || s.Real.AccountNo() != "12345678-22" {
		t.Fatalf("env overrides not applied: %+v", s.Real)
	}
	if s.Real.ScheduleTime != "23:00" || s.Real.Ladder.MaxLevels != 10 {
		t.Fatalf("unexpected real settings %+v", s.Real)
	}
}

func TestLoadEnv(t *testing.T) {
	t.Setenv("DATA_DIR", "/tmp/kis")
	t.Setenv("MODES", "real, bogus")
	t.Setenv("METRICS_ADDR_REAL", ":9101")
	env := LoadEnv()
	if env.DataDir != "/tmp/kis" || env.JournalDBPath != filepath.Join("/tmp/kis", "order_journal.db") {
		t.Fatalf("unexpected paths %+v", env)
	}
	if len(env.Modes) != 1 || env.Modes[0] != common.ModeReal {
		t.Fatalf("modes = %v", env.Modes)
	}
	if env.MetricsAddr[common.ModeReal] != ":9101" {
		t.Fatalf("metrics addr not read")
	}
}
