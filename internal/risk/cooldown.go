package risk

import (
	"strings"
	"sync"
	"time"
)

// DefaultSellCooldown keeps the cycle and the intraday watch from selling the
// same symbol twice while the first order settles.
const DefaultSellCooldown = 5 * time.Minute

// SellCooldown is a per-symbol guard shared by every sell path of a process.
type SellCooldown struct {
	mu     sync.Mutex
	window time.Duration
	last   map[string]time.Time
	now    func() time.Time
}

// NewSellCooldown creates a guard with the given window.
func NewSellCooldown(window time.Duration, now func() time.Time) *SellCooldown {
	if window <= 0 {
		window = DefaultSellCooldown
	}
	if now == nil {
		now = time.Now
	}
	return &SellCooldown{window: window, last: make(map[string]time.Time), now: now}
}

// Active reports whether symbol was sold within the window.
func (c *SellCooldown) Active(symbol string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.last[strings.ToUpper(symbol)]
	return ok && c.now().Sub(t) < c.window
}

// Mark records a sell of symbol now.
func (c *SellCooldown) Mark(symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last[strings.ToUpper(symbol)] = c.now()
}

// Prune drops expired entries.
func (c *SellCooldown) Prune() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for s, t := range c.last {
		if now.Sub(t) >= c.window {
			delete(c.last, s)
		}
	}
}
