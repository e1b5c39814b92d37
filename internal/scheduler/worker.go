package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"kis-autotrader/internal/engine"
	"kis-autotrader/internal/monitor"
	"kis-autotrader/internal/persistence"
	"kis-autotrader/pkg/config"
	"kis-autotrader/pkg/exchanges/common"
)

// DefaultInterval is the worker loop period.
const DefaultInterval = 60 * time.Second

// Cycler is the engine surface the worker drives. *engine.Engine satisfies it.
type Cycler interface {
	SetSettings(s config.ModeSettings)
	RunIntradayWatch(ctx context.Context) ([]persistence.SellAttempt, error)
	RunCycle(ctx context.Context, req engine.RunRequest) *persistence.ExecutionRun
	Status() engine.Status
}

// SettingsLoader returns the current settings of the worker's mode.
type SettingsLoader func() (config.ModeSettings, error)

// Worker is the loop of one mode process.
type Worker struct {
	mode  common.Mode
	eng   Cycler
	load  SettingsLoader
	store *HeartbeatStore

	Interval time.Duration
	// Sleep waits between ticks; tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time

	mu        sync.Mutex
	started   time.Time
	restarts  int
	restartAt *time.Time
	restartBy string
	lastError string
	executing bool
}

// NewWorker creates a worker. load may be nil to keep the initial settings.
func NewWorker(mode common.Mode, eng Cycler, load SettingsLoader, store *HeartbeatStore, now func() time.Time) *Worker {
	if now == nil {
		now = time.Now
	}
	return &Worker{
		mode:     mode,
		eng:      eng,
		load:     load,
		store:    store,
		Interval: DefaultInterval,
		Sleep:    common.SleepContext,
		now:      now,
	}
}

// Run ticks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.start()
	for {
		w.Tick(ctx)
		if err := w.Sleep(ctx, w.Interval); err != nil {
			return nil
		}
	}
}

func (w *Worker) start() {
	prev, err := w.store.Read()
	if err != nil {
		log.Printf("⚠️ scheduler: read heartbeat: %v", err)
	}
	w.mu.Lock()
	w.started = w.now()
	w.restarts = prev.RestartCount
	w.restartAt, w.restartBy = prev.RestartLastAt, prev.RestartReason
	w.mu.Unlock()
	log.Printf("✓ scheduler: worker started pid=%d mode=%s", os.Getpid(), w.mode)
	w.beat(nil)
}

// Tick runs one loop iteration: reload settings, intraday watch, one cycle.
// A panic is recorded as the worker's last error and does not end the loop.
func (w *Worker) Tick(ctx context.Context) {
	loopStarted := w.now()
	defer func() {
		if r := recover(); r != nil {
			w.setError(fmt.Sprintf("panic: %v", r))
			w.setExecuting(false)
			log.Printf("❌ scheduler: loop error: %v", r)
			w.beat(nil)
		}
	}()

	if w.load != nil {
		s, err := w.load()
		if err != nil {
			w.setError(err.Error())
			log.Printf("⚠️ scheduler: reload settings: %v (keeping previous)", err)
		} else {
			w.eng.SetSettings(s)
		}
	}
	w.beat(&loopStarted)

	if attempts, err := w.eng.RunIntradayWatch(ctx); err != nil && !errors.Is(err, engine.ErrBusy) {
		log.Printf("⚠️ scheduler: intraday watch: %v", err)
	} else if len(attempts) > 0 {
		log.Printf("🚨 scheduler: intraday watch placed %d sell(s)", len(attempts))
	}

	w.setExecuting(true)
	w.beat(nil)
	w.eng.RunCycle(ctx, engine.RunRequest{Type: persistence.RunScheduled})
	w.setExecuting(false)
	w.beat(nil)
}

// Shutdown writes the final heartbeat, e.g. with reason "signal:terminated".
func (w *Worker) Shutdown(reason string) {
	w.mu.Lock()
	w.lastError = reason
	w.mu.Unlock()
	hb := w.snapshot(nil)
	hb.IsRunning = false
	if err := w.store.Write(hb); err != nil {
		log.Printf("⚠️ scheduler: final heartbeat: %v", err)
	}
	log.Printf("🛑 scheduler: worker stopped pid=%d mode=%s (%s)", os.Getpid(), w.mode, reason)
}

func (w *Worker) setError(msg string) {
	w.mu.Lock()
	w.lastError = msg
	w.mu.Unlock()
}

func (w *Worker) setExecuting(v bool) {
	w.mu.Lock()
	w.executing = v
	w.mu.Unlock()
}

func (w *Worker) snapshot(loopStarted *time.Time) Heartbeat {
	st := w.eng.Status()
	now := w.now()
	w.mu.Lock()
	defer w.mu.Unlock()
	started := w.started
	return Heartbeat{
		Mode:             string(w.mode),
		PID:              os.Getpid(),
		LastCheckAt:      now,
		IsRunning:        true,
		IsExecuting:      w.executing,
		LastError:        w.lastError,
		LoopStarted:      loopStarted,
		EngineLastRunAt:  timePtr(st.LastRunAt),
		EngineLastError:  st.LastError,
		WatchLastRunAt:   timePtr(st.LastWatchAt),
		WatchLastError:   st.LastWatchError,
		ProcessStartedAt: timePtr(started),
		RestartCount:     w.restarts,
		RestartLastAt:    w.restartAt,
		RestartReason:    w.restartBy,
	}
}

func (w *Worker) beat(loopStarted *time.Time) {
	hb := w.snapshot(loopStarted)
	if err := w.store.Write(hb); err != nil {
		log.Printf("⚠️ scheduler: heartbeat: %v", err)
		return
	}
	monitor.Heartbeat(hb.Mode, hb.LastCheckAt)
}
