// Package auth arbitrates bearer-token issuance per mode across goroutines
// and processes.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"kis-autotrader/pkg/exchanges/common"
	"kis-autotrader/pkg/exchanges/kis"
	"kis-autotrader/pkg/jsonfile"
	"kis-autotrader/pkg/lockfile"
)

var (
	// ErrTokenUnavailable means no token could be produced right now. It is
	// never fatal; callers retry on their own schedule.
	ErrTokenUnavailable = errors.New("auth: token unavailable")
	// ErrCooldown means issuance is gated by a persisted cooldown.
	ErrCooldown = errors.New("auth: issuance cooling down")
)

const (
	validityMargin  = 60 * time.Second
	staleLockAge    = 120 * time.Second
	cooldownHeld    = 10 * time.Second
	cooldownFailed  = 10 * time.Second
	cooldownLimited = 65 * time.Second
	cooldownNetwork = 5 * time.Second
)

// Cooldown reasons written to token_meta_{mode}.json.
const (
	ReasonIssued          = "issued"
	ReasonIssueInProgress = "issue_in_progress"
	ReasonIssueFailed     = "issue_failed"
	ReasonRateLimited     = "rate_limited"
	ReasonException       = "exception"
)

// Credentials identify the app for one mode.
type Credentials struct {
	BaseURL   string
	AppKey    string
	AppSecret string
}

// Issuer obtains a fresh token.
type Issuer func(ctx context.Context, c Credentials) (*kis.TokenResult, error)

// Cooldown is the persisted issuance gate.
type Cooldown struct {
	NextIssueAt *time.Time `json:"next_issue_at"`
	Reason      string     `json:"reason"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

type cachedToken struct {
	token     string
	expiresAt time.Time
}

// Arbiter issues, caches and invalidates per-mode tokens.
type Arbiter struct {
	dataDir string
	now     func() time.Time
	issue   Issuer

	mu     sync.Mutex
	modeMu map[common.Mode]*sync.Mutex
	tokens map[common.Mode]cachedToken
	creds  map[common.Mode]Credentials

	// OnIssue observes issuance outcomes by reason (metrics).
	OnIssue func(mode common.Mode, reason string)
}

// NewArbiter creates an arbiter persisting cooldown and lock files in dataDir.
// A nil issuer uses kis.IssueToken; a nil clock uses time.Now.
func NewArbiter(dataDir string, issue Issuer, now func() time.Time) *Arbiter {
	if now == nil {
		now = time.Now
	}
	if issue == nil {
		httpClient := &http.Client{Timeout: 20 * time.Second}
		issue = func(ctx context.Context, c Credentials) (*kis.TokenResult, error) {
			return kis.IssueToken(ctx, httpClient, c.BaseURL, c.AppKey, c.AppSecret)
		}
	}
	return &Arbiter{
		dataDir: dataDir,
		now:     now,
		issue:   issue,
		modeMu:  make(map[common.Mode]*sync.Mutex),
		tokens:  make(map[common.Mode]cachedToken),
		creds:   make(map[common.Mode]Credentials),
	}
}

// SetCredentials registers or replaces a mode's credentials. Changing them
// drops the cached token.
func (a *Arbiter) SetCredentials(mode common.Mode, c Credentials) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if prev, ok := a.creds[mode]; ok && prev != c {
		delete(a.tokens, mode)
	}
	a.creds[mode] = c
}

func (a *Arbiter) metaPath(mode common.Mode) string {
	return filepath.Join(a.dataDir, fmt.Sprintf("token_meta_%s.json", mode))
}

func (a *Arbiter) lockPath(mode common.Mode) string {
	return filepath.Join(a.dataDir, fmt.Sprintf("token_issue_%s.lock", mode))
}

func (a *Arbiter) cached(mode common.Mode) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.tokens[mode]
	if !ok || t.token == "" {
		return "", false
	}
	if !a.now().Before(t.expiresAt.Add(-validityMargin)) {
		return "", false
	}
	return t.token, true
}

func (a *Arbiter) modeLock(mode common.Mode) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.modeMu[mode]
	if !ok {
		m = &sync.Mutex{}
		a.modeMu[mode] = m
	}
	return m
}

// GetToken returns a valid "Bearer ..." token for mode, issuing one if
// needed. It never blocks on another process: when issuance is gated it
// returns an error wrapping ErrTokenUnavailable.
func (a *Arbiter) GetToken(ctx context.Context, mode common.Mode) (string, error) {
	if tok, ok := a.cached(mode); ok {
		return tok, nil
	}
	if a.inCooldown(mode) {
		return "", fmt.Errorf("%w: %w", ErrTokenUnavailable, ErrCooldown)
	}

	m := a.modeLock(mode)
	m.Lock()
	defer m.Unlock()

	if tok, ok := a.cached(mode); ok {
		return tok, nil
	}
	if a.inCooldown(mode) {
		return "", fmt.Errorf("%w: %w", ErrTokenUnavailable, ErrCooldown)
	}
	return a.issueLocked(ctx, mode)
}

func (a *Arbiter) issueLocked(ctx context.Context, mode common.Mode) (string, error) {
	lock, err := lockfile.TryAcquire(a.lockPath(mode), staleLockAge, a.now)
	if errors.Is(err, lockfile.ErrHeld) {
		log.Printf("⚠️ auth: [%s] token issuance in progress elsewhere (pid %d)", mode, lockfile.Owner(a.lockPath(mode)))
		a.setCooldown(mode, cooldownHeld, ReasonIssueInProgress)
		return "", fmt.Errorf("%w: %s", ErrTokenUnavailable, ReasonIssueInProgress)
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTokenUnavailable, err)
	}
	defer func() {
		if err := lock.Release(); err != nil {
			log.Printf("⚠️ auth: %v", err)
		}
	}()

	a.mu.Lock()
	creds := a.creds[mode]
	a.mu.Unlock()

	res, err := a.issue(ctx, creds)
	if err != nil {
		var tokErr *kis.TokenError
		switch {
		case errors.As(err, &tokErr) && tokErr.RateLimited():
			a.setCooldown(mode, cooldownLimited, ReasonRateLimited)
		case errors.As(err, &tokErr):
			a.setCooldown(mode, cooldownFailed, ReasonIssueFailed)
		default:
			a.setCooldown(mode, cooldownNetwork, ReasonException)
		}
		log.Printf("❌ auth: [%s] token issuance failed: %v", mode, err)
		return "", fmt.Errorf("%w: %v", ErrTokenUnavailable, err)
	}

	token := "Bearer " + res.AccessToken
	a.mu.Lock()
	a.tokens[mode] = cachedToken{token: token, expiresAt: a.now().Add(res.ExpiresIn)}
	a.mu.Unlock()
	a.setCooldown(mode, 0, ReasonIssued)
	log.Printf("✓ auth: [%s] token issued, expires in %s", mode, res.ExpiresIn)
	return token, nil
}

// InvalidateToken drops the cached token. The cooldown is untouched.
func (a *Arbiter) InvalidateToken(mode common.Mode) {
	a.mu.Lock()
	delete(a.tokens, mode)
	a.mu.Unlock()
	log.Printf("🔄 auth: [%s] token invalidated", mode)
}

// ReadCooldown returns the persisted cooldown for mode.
func (a *Arbiter) ReadCooldown(mode common.Mode) Cooldown {
	var c Cooldown
	if _, err := jsonfile.Read(a.metaPath(mode), &c); err != nil {
		log.Printf("⚠️ auth: %v", err)
	}
	return c
}

func (a *Arbiter) inCooldown(mode common.Mode) bool {
	c := a.ReadCooldown(mode)
	return c.NextIssueAt != nil && a.now().Before(*c.NextIssueAt)
}

func (a *Arbiter) setCooldown(mode common.Mode, d time.Duration, reason string) {
	now := a.now()
	c := Cooldown{Reason: reason, UpdatedAt: now}
	if d > 0 {
		next := now.Add(d)
		c.NextIssueAt = &next
	}
	if err := jsonfile.WriteAtomic(a.metaPath(mode), c); err != nil {
		log.Printf("⚠️ auth: write cooldown: %v", err)
	}
	if a.OnIssue != nil {
		a.OnIssue(mode, reason)
	}
}

// Source adapts the arbiter to kis.TokenSource for one mode.
func (a *Arbiter) Source(mode common.Mode) kis.TokenSource {
	return modeSource{a: a, mode: mode}
}

type modeSource struct {
	a    *Arbiter
	mode common.Mode
}

func (s modeSource) Token(ctx context.Context) (string, error) { return s.a.GetToken(ctx, s.mode) }
func (s modeSource) Invalidate()                              { s.a.InvalidateToken(s.mode) }
