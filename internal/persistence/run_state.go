package persistence

import (
	"fmt"
	"path/filepath"
	"sync"

	"kis-autotrader/pkg/exchanges/common"
	"kis-autotrader/pkg/jsonfile"
)

type runState struct {
	LastScheduledRunDay string `json:"last_scheduled_run_day,omitempty"`
}

// RunStateStore persists the "scheduled cycle already ran today" marker so a
// restart cannot trade twice on one day.
type RunStateStore struct {
	mu   sync.Mutex
	path string
}

// NewRunStateStore opens run_state_{mode}.json under dataDir.
func NewRunStateStore(dataDir string, mode common.Mode) *RunStateStore {
	return &RunStateStore{path: filepath.Join(dataDir, fmt.Sprintf("run_state_%s.json", mode))}
}

// LastScheduledRunDay returns the stored YYYYMMDD, or "" if none is valid.
func (s *RunStateStore) LastScheduledRunDay() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st runState
	if _, err := jsonfile.Read(s.path, &st); err != nil {
		return "", err
	}
	if !validDay(st.LastScheduledRunDay) {
		return "", nil
	}
	return st.LastScheduledRunDay, nil
}

// SetLastScheduledRunDay stores day (YYYYMMDD).
func (s *RunStateStore) SetLastScheduledRunDay(day string) error {
	if !validDay(day) {
		return fmt.Errorf("persistence: invalid run day %q", day)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return jsonfile.WriteAtomic(s.path, runState{LastScheduledRunDay: day})
}

func validDay(day string) bool {
	if len(day) != 8 {
		return false
	}
	for _, c := range day {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
