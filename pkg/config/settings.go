package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"kis-autotrader/pkg/exchanges/common"
)

// Settings is the strategy document (settings.yaml).
type Settings struct {
	Common CommonSettings `yaml:"common"`
	Mock   ModeSettings   `yaml:"mock"`
	Real   ModeSettings   `yaml:"real"`
}

// CommonSettings are shared by both modes.
type CommonSettings struct {
	AnalysisURL         string `yaml:"analysis_url"`
	AnalysisMockEnabled bool   `yaml:"analysis_mock_enabled"`
	AnalysisTimeoutSec  int    `yaml:"analysis_timeout_sec"`
	FxFallbackURL       string `yaml:"fx_fallback_url"`

	OperatorTimezone string   `yaml:"operator_timezone"`
	MarketTimezone   string   `yaml:"market_timezone"`
	MarketOpen       string   `yaml:"market_open"`  // HH:MM in market time
	MarketClose      string   `yaml:"market_close"` // HH:MM in market time
	PadBeforeMin     int      `yaml:"pad_before_min"`
	PadAfterMin      int      `yaml:"pad_after_min"`
	Holidays         []string `yaml:"holidays"` // YYYY-MM-DD market dates
}

// ModeSettings are the per-account strategy parameters and toggles.
type ModeSettings struct {
	AccountNoPrefix string `yaml:"account_no_prefix"`
	AccountNoSuffix string `yaml:"account_no_suffix"`
	AppKey          string `yaml:"app_key"`
	AppSecret       string `yaml:"app_secret"`
	URLBase         string `yaml:"url_base"`

	AutoTradingEnabled bool             `yaml:"auto_trading_enabled"`
	ScheduleTime       string           `yaml:"schedule_time"` // HH:MM operator time
	BuyMethod          string           `yaml:"buy_method"`    // ladder | limit
	BalanceExchanges   []string         `yaml:"balance_exchanges"`
	IntradayStopLoss   IntradaySettings `yaml:"intraday_stop_loss"`
	Strategy           StrategySettings `yaml:"strategy"`
	Ladder             LadderSettings   `yaml:"ladder"`
}

// IntradaySettings drive the continuous risk watch. A negative threshold is a
// stop-loss, a positive one a take-profit.
type IntradaySettings struct {
	Enabled      bool    `yaml:"enabled"`
	ThresholdPct float64 `yaml:"threshold_pct"`
}

// StrategySettings size and exit positions.
type StrategySettings struct {
	MaxBuyAmount   float64 `yaml:"max_buy_amount"`
	TopN           int     `yaml:"top_n"`
	ReserveCash    float64 `yaml:"reserve_cash"`
	ReserveCashKRW float64 `yaml:"reserve_cash_krw"`
	TakeProfitPct  float64 `yaml:"take_profit_pct"`
	StopLossPct    float64 `yaml:"stop_loss_pct"`
	MaxHoldDays    int     `yaml:"max_hold_days"`
	SlippagePct    float64 `yaml:"slippage_pct"`
}

// LadderSettings tune the ask-ladder buy.
type LadderSettings struct {
	MaxLevels     int     `yaml:"max_levels"`
	MaxPremiumPct float64 `yaml:"max_premium_pct"`
	SettleMs      int     `yaml:"settle_ms"`
}

const (
	BuyMethodLadder = "ladder"
	BuyMethodLimit  = "limit"
)

// AccountNo joins prefix and suffix as "PPPPPPPP-SS".
func (m ModeSettings) AccountNo() string {
	if m.AccountNoPrefix == "" {
		return ""
	}
	suffix := m.AccountNoSuffix
	if suffix == "" {
		suffix = "01"
	}
	return m.AccountNoPrefix + "-" + suffix
}

// Defaults returns the settings used when no document exists.
func Defaults() *Settings {
	return &Settings{
		Common: CommonSettings{
			AnalysisURL:        "http://localhost:5000/analysis",
			AnalysisTimeoutSec: 120,
			FxFallbackURL:      "https://query1.finance.yahoo.com/v8/finance/chart/KRW=X",
			OperatorTimezone:   "Asia/Seoul",
			MarketTimezone:     "America/New_York",
			MarketOpen:         "09:30",
			MarketClose:        "16:00",
			PadBeforeMin:       60,
			PadAfterMin:        60,
		},
		Mock: ModeSettings{
			AccountNoSuffix:  "01",
			URLBase:          "https://openapivts.koreainvestment.com:29443",
			ScheduleTime:     "22:30",
			BuyMethod:        BuyMethodLimit,
			BalanceExchanges: []string{"NASD"},
			IntradayStopLoss: IntradaySettings{ThresholdPct: -7},
			Strategy: StrategySettings{
				MaxBuyAmount:  1000,
				TopN:          3,
				TakeProfitPct: 5,
				StopLossPct:   3,
				MaxHoldDays:   15,
				SlippagePct:   0.5,
			},
			Ladder: LadderSettings{MaxLevels: 10, MaxPremiumPct: 1.0, SettleMs: 1500},
		},
		Real: ModeSettings{
			AccountNoSuffix:  "01",
			URLBase:          "https://openapi.koreainvestment.com:9443",
			ScheduleTime:     "22:30",
			BuyMethod:        BuyMethodLadder,
			BalanceExchanges: []string{"NASD"},
			IntradayStopLoss: IntradaySettings{ThresholdPct: -7},
			Strategy: StrategySettings{
				MaxBuyAmount:  500,
				TopN:          3,
				ReserveCash:   1000,
				TakeProfitPct: 3,
				StopLossPct:   2,
				MaxHoldDays:   10,
				SlippagePct:   0.5,
			},
			Ladder: LadderSettings{MaxLevels: 10, MaxPremiumPct: 1.0, SettleMs: 1500},
		},
	}
}

// LoadSettings reads the YAML document over Defaults. A missing file yields
// defaults. <MODE>_APP_KEY, <MODE>_APP_SECRET and <MODE>_ACCOUNT_NO override
// the document's credentials.
func LoadSettings(path string) (*Settings, error) {
	s := Defaults()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read settings %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, s); err != nil {
			return nil, fmt.Errorf("parse settings %s: %w", path, err)
		}
	}
	applySecretOverrides(&s.Mock, "MOCK")
	applySecretOverrides(&s.Real, "REAL")
	s.Mock.normalize(common.ModeMock)
	s.Real.normalize(common.ModeReal)
	return s, nil
}

func applySecretOverrides(m *ModeSettings, prefix string) {
	if v := os.Getenv(prefix + "_APP_KEY"); v != "" {
		m.AppKey = v
	}
	if v := os.Getenv(prefix + "_APP_SECRET"); v != "" {
		m.AppSecret = v
	}
	if v := os.Getenv(prefix + "_ACCOUNT_NO"); v != "" {
		acct := strings.ReplaceAll(v, "-", "")
		if len(acct) >= 10 {
			m.AccountNoPrefix, m.AccountNoSuffix = acct[:8], acct[8:10]
		}
	}
	if v := getEnvFloat(prefix+"_MAX_BUY_AMOUNT", -1); v >= 0 {
		m.Strategy.MaxBuyAmount = v
	}
}

func (m *ModeSettings) normalize(mode common.Mode) {
	if m.BuyMethod == "" {
		m.BuyMethod = BuyMethodLimit
		if mode == common.ModeReal {
			m.BuyMethod = BuyMethodLadder
		}
	}
	if mode == common.ModeMock {
		// The mock venue has no order book inquiry.
		m.BuyMethod = BuyMethodLimit
	}
	if m.Strategy.SlippagePct <= 0 {
		m.Strategy.SlippagePct = 0.5
	}
	if m.Strategy.TopN <= 0 {
		m.Strategy.TopN = 3
	}
	if m.Ladder.MaxLevels <= 0 || m.Ladder.MaxLevels > 10 {
		m.Ladder.MaxLevels = 10
	}
	if m.Ladder.SettleMs <= 0 {
		m.Ladder.SettleMs = 1500
	}
	if len(m.BalanceExchanges) == 0 {
		m.BalanceExchanges = []string{"NASD"}
	}
}

// Mode returns the settings of one mode.
func (s *Settings) Mode(mode common.Mode) ModeSettings {
	if mode == common.ModeReal {
		return s.Real
	}
	return s.Mock
}
