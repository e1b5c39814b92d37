// Package scheduler runs one trading worker per mode in its own process and
// supervises those processes from the parent.
package scheduler

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"kis-autotrader/pkg/exchanges/common"
	"kis-autotrader/pkg/jsonfile"
)

// Heartbeat is the scheduler_state_{mode}.json document. The worker owns it
// while alive; the supervisor only writes the restart fields after the
// worker has died.
type Heartbeat struct {
	Mode        string     `json:"mode"`
	PID         int        `json:"pid"`
	LastCheckAt time.Time  `json:"last_check_at"`
	IsRunning   bool       `json:"is_running"`
	IsExecuting bool       `json:"is_executing"`
	LastError   string     `json:"last_error,omitempty"`
	LoopStarted *time.Time `json:"started_at,omitempty"`

	EngineLastRunAt *time.Time `json:"engine_last_run_at,omitempty"`
	EngineLastError string     `json:"engine_last_error,omitempty"`
	WatchLastRunAt  *time.Time `json:"stop_watch_last_run_at,omitempty"`
	WatchLastError  string     `json:"stop_watch_last_error,omitempty"`

	ProcessStartedAt *time.Time `json:"process_started_at,omitempty"`
	RestartCount     int        `json:"restart_count"`
	RestartLastAt    *time.Time `json:"restart_last_at,omitempty"`
	RestartReason    string     `json:"restart_reason,omitempty"`
}

// HeartbeatStore reads and replaces the heartbeat file of one mode.
type HeartbeatStore struct {
	mu   sync.Mutex
	path string
}

// NewHeartbeatStore returns the store for mode under dataDir.
func NewHeartbeatStore(dataDir string, mode common.Mode) *HeartbeatStore {
	return &HeartbeatStore{path: filepath.Join(dataDir, fmt.Sprintf("scheduler_state_%s.json", mode))}
}

// Path returns the file location.
func (s *HeartbeatStore) Path() string { return s.path }

// Read returns the stored heartbeat; a missing file yields the zero value.
func (s *HeartbeatStore) Read() (Heartbeat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var hb Heartbeat
	_, err := jsonfile.Read(s.path, &hb)
	return hb, err
}

// Write replaces the heartbeat file.
func (s *HeartbeatStore) Write(hb Heartbeat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return jsonfile.WriteAtomic(s.path, hb)
}

// RecordRestart increments the restart counter of a dead worker.
func (s *HeartbeatStore) RecordRestart(mode common.Mode, at time.Time, reason string) (int, error) {
	prev, err := s.Read()
	if err != nil {
		// A corrupt heartbeat must not block the restart.
		prev = Heartbeat{}
	}
	lastErr := prev.LastError
	if lastErr == "" {
		lastErr = "process_down"
	}
	hb := prev
	hb.Mode = string(mode)
	hb.PID = 0
	hb.IsRunning = false
	hb.IsExecuting = false
	hb.LastError = lastErr
	hb.LastCheckAt = at
	hb.RestartCount = prev.RestartCount + 1
	hb.RestartLastAt = &at
	hb.RestartReason = reason
	return hb.RestartCount, s.Write(hb)
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
