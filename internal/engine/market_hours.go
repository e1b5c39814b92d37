package engine

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata" // zone data for hosts without a system database

	"kis-autotrader/pkg/config"
)

// MarketHours decides whether the exchange session is open. Sessions are
// computed on the market's own calendar so daylight-saving shifts follow the
// exchange, and a padded session that runs past midnight belongs to the
// market date it started on.
type MarketHours struct {
	OperatorLoc *time.Location
	MarketLoc   *time.Location
	Open        time.Duration // offset from market midnight
	Close       time.Duration
	PadBefore   time.Duration
	PadAfter    time.Duration
	Holidays    map[string]bool // YYYY-MM-DD market dates
}

// NewMarketHours builds MarketHours from the common settings.
func NewMarketHours(c config.CommonSettings) (*MarketHours, error) {
	op, err := time.LoadLocation(c.OperatorTimezone)
	if err != nil {
		return nil, fmt.Errorf("operator timezone: %w", err)
	}
	mkt, err := time.LoadLocation(c.MarketTimezone)
	if err != nil {
		return nil, fmt.Errorf("market timezone: %w", err)
	}
	open, err := parseClock(c.MarketOpen)
	if err != nil {
		return nil, fmt.Errorf("market_open: %w", err)
	}
	closeAt, err := parseClock(c.MarketClose)
	if err != nil {
		return nil, fmt.Errorf("market_close: %w", err)
	}
	h := &MarketHours{
		OperatorLoc: op,
		MarketLoc:   mkt,
		Open:        open,
		Close:       closeAt,
		PadBefore:   time.Duration(c.PadBeforeMin) * time.Minute,
		PadAfter:    time.Duration(c.PadAfterMin) * time.Minute,
		Holidays:    make(map[string]bool),
	}
	for _, d := range c.Holidays {
		h.Holidays[strings.TrimSpace(d)] = true
	}
	return h, nil
}

// parseClock turns "HH:MM" into an offset from midnight.
func parseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// session returns the padded session window of market date day.
func (m *MarketHours) session(day time.Time) (time.Time, time.Time) {
	y, mo, d := day.Date()
	midnight := time.Date(y, mo, d, 0, 0, 0, 0, m.MarketLoc)
	start := midnight.Add(m.Open - m.PadBefore)
	end := midnight.Add(m.Close + m.PadAfter)
	if end.Before(start) {
		end = end.Add(24 * time.Hour)
	}
	return start, end
}

func (m *MarketHours) tradingDay(day time.Time) bool {
	switch day.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return !m.Holidays[day.Format("2006-01-02")]
}

// SessionDate returns the market date whose padded session contains t.
func (m *MarketHours) SessionDate(t time.Time) (time.Time, bool) {
	local := t.In(m.MarketLoc)
	for _, offset := range []int{0, -1, 1} {
		day := local.AddDate(0, 0, offset)
		start, end := m.session(day)
		if !t.Before(start) && !t.After(end) {
			return day, true
		}
	}
	return time.Time{}, false
}

// IsOpen reports whether t falls inside a trading-day session.
func (m *MarketHours) IsOpen(t time.Time) bool {
	day, ok := m.SessionDate(t)
	return ok && m.tradingDay(day)
}
