package scheduler

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/jpillora/backoff"

	"kis-autotrader/internal/monitor"
	"kis-autotrader/pkg/exchanges/common"
)

// WatchdogInterval is how often the supervisor checks its children.
const WatchdogInterval = 2 * time.Second

// Process is a running child worker.
type Process interface {
	Pid() int
	Alive() bool
	Stop(timeout time.Duration) error
}

// Launcher starts the worker process of a mode.
type Launcher func(mode common.Mode) (Process, error)

// ChildState is a supervised child's position in the restart cycle.
type ChildState string

const (
	StateStopped ChildState = "stopped"
	StateRunning ChildState = "running"
	StateBackoff ChildState = "backoff"
)

type child struct {
	mode    common.Mode
	state   ChildState
	proc    Process
	store   *HeartbeatStore
	backoff *backoff.Backoff
	retryAt time.Time
}

// Supervisor keeps one worker process alive per mode.
type Supervisor struct {
	launch Launcher
	now    func() time.Time

	mu       sync.Mutex
	children []*child
}

// NewSupervisor creates a supervisor for modes.
func NewSupervisor(dataDir string, modes []common.Mode, launch Launcher, now func() time.Time) *Supervisor {
	if now == nil {
		now = time.Now
	}
	s := &Supervisor{launch: launch, now: now}
	for _, m := range modes {
		s.children = append(s.children, &child{
			mode:    m,
			state:   StateStopped,
			store:   NewHeartbeatStore(dataDir, m),
			backoff: &backoff.Backoff{Min: time.Second, Max: 30 * time.Second, Factor: 2},
		})
	}
	return s
}

// State returns the current state of mode's child.
func (s *Supervisor) State(mode common.Mode) ChildState {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.children {
		if c.mode == mode {
			return c.state
		}
	}
	return StateStopped
}

// Run starts every child and watches them until ctx is cancelled, then
// stops them.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	for _, c := range s.children {
		s.start(c)
	}
	s.mu.Unlock()

	ticker := time.NewTicker(WatchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.stopAll()
			return nil
		case <-ticker.C:
			s.Check()
		}
	}
}

// Check runs one watchdog pass.
func (s *Supervisor) Check() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for _, c := range s.children {
		switch c.state {
		case StateRunning:
			if c.proc.Alive() {
				c.backoff.Reset()
				continue
			}
			n, err := c.store.RecordRestart(c.mode, now, "watchdog")
			if err != nil {
				log.Printf("⚠️ scheduler: record restart for %s: %v", c.mode, err)
			}
			monitor.ObserveRestart(string(c.mode))
			s.scheduleRetry(c, now)
			log.Printf("🔄 scheduler: %s worker (pid %d) died, restart #%d at %s",
				c.mode, c.proc.Pid(), n, c.retryAt.Format(time.TimeOnly))
			c.proc = nil
		case StateBackoff:
			if now.Before(c.retryAt) {
				continue
			}
			s.start(c)
		case StateStopped:
			s.start(c)
		}
	}
}

func (s *Supervisor) scheduleRetry(c *child, now time.Time) {
	c.state = StateBackoff
	c.retryAt = now.Add(c.backoff.Duration())
}

func (s *Supervisor) start(c *child) {
	p, err := s.launch(c.mode)
	if err != nil {
		s.scheduleRetry(c, s.now())
		log.Printf("❌ scheduler: start %s worker: %v (retry at %s)", c.mode, err, c.retryAt.Format(time.TimeOnly))
		return
	}
	c.proc = p
	c.state = StateRunning
	log.Printf("✓ scheduler: %s worker running pid=%d", c.mode, p.Pid())
}

func (s *Supervisor) stopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.children {
		if c.proc != nil && c.proc.Alive() {
			if err := c.proc.Stop(10 * time.Second); err != nil {
				log.Printf("⚠️ scheduler: stop %s worker: %v", c.mode, err)
			}
		}
		c.proc = nil
		c.state = StateStopped
	}
}

// ExecLauncher starts workers by re-executing the current binary with
// "-worker -mode <mode>" plus extra args. Child output goes to the parent's.
func ExecLauncher(extra ...string) Launcher {
	return func(mode common.Mode) (Process, error) {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate executable: %w", err)
		}
		args := append([]string{"-worker", "-mode", string(mode)}, extra...)
		cmd := exec.Command(self, args...)
		cmd.Stdout, cmd.Stderr = os.Stdout, os.Stderr
		cmd.Env = os.Environ()
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("start worker: %w", err)
		}
		p := &execProcess{cmd: cmd, done: make(chan struct{})}
		go func() {
			_ = cmd.Wait()
			close(p.done)
		}()
		return p, nil
	}
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
}

func (p *execProcess) Pid() int { return p.cmd.Process.Pid }

func (p *execProcess) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Stop sends SIGTERM so the worker can write its final heartbeat, then
// kills it after timeout.
func (p *execProcess) Stop(timeout time.Duration) error {
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return p.cmd.Process.Kill()
	}
	select {
	case <-p.done:
		return nil
	case <-time.After(timeout):
		return p.cmd.Process.Kill()
	}
}
