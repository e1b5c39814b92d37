package auth

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"kis-autotrader/pkg/exchanges/common"
	"kis-autotrader/pkg/exchanges/kis"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func countingIssuer(calls *atomic.Int32, expires time.Duration, err error) Issuer {
	return func(context.Context, Credentials) (*kis.TokenResult, error) {
		n := calls.Add(1)
		if err != nil {
			return nil, err
		}
		return &kis.TokenResult{AccessToken: "tok" + string(rune('0'+n)), ExpiresIn: expires}, nil
	}
}

func TestTokenValidityWindow(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	var calls atomic.Int32
	a := NewArbiter(t.TempDir(), countingIssuer(&calls, 120*time.Second, nil), clock.now)
	ctx := context.Background()

	tok, err := a.GetToken(ctx, common.ModeMock)
	if err != nil || tok != "Bearer tok1" {
		t.Fatalf("first GetToken = %q, %v", tok, err)
	}

	clock.advance(59 * time.Second)
	if tok, _ := a.GetToken(ctx, common.ModeMock); tok != "Bearer tok1" || calls.Load() != 1 {
		t.Fatalf("token should still be cached at expiry-61s")
	}

	// expiresAt - 60s reached: no longer valid.
	clock.advance(time.Second)
	tok, err = a.GetToken(ctx, common.ModeMock)
	if err != nil || tok != "Bearer tok2" || calls.Load() != 2 {
		t.Fatalf("expected reissue at expiry-60s, got %q calls=%d err=%v", tok, calls.Load(), err)
	}
}

func TestInvalidateKeepsCooldown(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	var calls atomic.Int32
	a := NewArbiter(t.TempDir(), countingIssuer(&calls, time.Hour, nil), clock.now)
	ctx := context.Background()

	if _, err := a.GetToken(ctx, common.ModeReal); err != nil {
		t.Fatal(err)
	}
	a.setCooldown(common.ModeReal, 30*time.Second, ReasonIssueFailed)
	a.InvalidateToken(common.ModeReal)

	_, err := a.GetToken(ctx, common.ModeReal)
	if !errors.Is(err, ErrTokenUnavailable) || !errors.Is(err, ErrCooldown) {
		t.Fatalf("expected cooldown after invalidate, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("issuer must not run during cooldown")
	}
}

func TestIssuanceFailureCooldowns(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		wait   time.Duration
		reason string
	}{
		{"rate limited", &kis.TokenError{Status: 403, Code: "EGW00133"}, 65 * time.Second, ReasonRateLimited},
		{"generic failure", &kis.TokenError{Status: 401, Code: "EGW00002"}, 10 * time.Second, ReasonIssueFailed},
		{"network", errors.New("connection reset"), 5 * time.Second, ReasonException},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := &fakeClock{t: time.Now()}
			var calls atomic.Int32
			a := NewArbiter(t.TempDir(), countingIssuer(&calls, time.Hour, tt.err), clock.now)
			ctx := context.Background()

			if _, err := a.GetToken(ctx, common.ModeMock); !errors.Is(err, ErrTokenUnavailable) {
				t.Fatalf("expected ErrTokenUnavailable, got %v", err)
			}
			c := a.ReadCooldown(common.ModeMock)
			if c.Reason != tt.reason || c.NextIssueAt == nil || !c.NextIssueAt.Equal(clock.t.Add(tt.wait)) {
				t.Fatalf("unexpected cooldown %+v", c)
			}

			clock.advance(tt.wait - time.Second)
			if _, err := a.GetToken(ctx, common.ModeMock); !errors.Is(err, ErrCooldown) {
				t.Fatalf("expected cooldown gate, got %v", err)
			}
			if calls.Load() != 1 {
				t.Fatalf("issuer called during cooldown")
			}

			clock.advance(time.Second)
			_, _ = a.GetToken(ctx, common.ModeMock)
			if calls.Load() != 2 {
				t.Fatalf("issuer should run once the cooldown elapses")
			}
		})
	}
}

func TestSuccessClearsCooldown(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	var calls atomic.Int32
	a := NewArbiter(t.TempDir(), countingIssuer(&calls, time.Hour, nil), clock.now)
	if _, err := a.GetToken(context.Background(), common.ModeMock); err != nil {
		t.Fatal(err)
	}
	c := a.ReadCooldown(common.ModeMock)
	if c.NextIssueAt != nil || c.Reason != ReasonIssued {
		t.Fatalf("cooldown not cleared: %+v", c)
	}
}

// Two arbiters sharing a data dir stand in for two OS processes.
func TestCrossProcessIssuanceCollapses(t *testing.T) {
	dir := t.TempDir()
	release := make(chan struct{})
	var callsA, callsB atomic.Int32

	a := NewArbiter(dir, func(context.Context, Credentials) (*kis.TokenResult, error) {
		callsA.Add(1)
		<-release
		return &kis.TokenResult{AccessToken: "A", ExpiresIn: time.Hour}, nil
	}, nil)
	b := NewArbiter(dir, countingIssuer(&callsB, time.Hour, nil), nil)

	done := make(chan error, 1)
	go func() {
		_, err := a.GetToken(context.Background(), common.ModeReal)
		done <- err
	}()

	lockPath := filepath.Join(dir, "token_issue_real.lock")
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := os.Stat(lockPath); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("process A never took the issue lock")
		}
		time.Sleep(5 * time.Millisecond)
	}

	tok, err := b.GetToken(context.Background(), common.ModeReal)
	if tok != "" || !errors.Is(err, ErrTokenUnavailable) {
		t.Fatalf("process B should get no token, got %q %v", tok, err)
	}
	if c := b.ReadCooldown(common.ModeReal); c.Reason != ReasonIssueInProgress || c.NextIssueAt == nil {
		t.Fatalf("expected issue_in_progress cooldown, got %+v", c)
	}
	if _, err := b.GetToken(context.Background(), common.ModeReal); !errors.Is(err, ErrCooldown) {
		t.Fatalf("process B should be gated by its cooldown, got %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("process A: %v", err)
	}
	if callsA.Load() != 1 || callsB.Load() != 0 {
		t.Fatalf("expected exactly one issuance, got A=%d B=%d", callsA.Load(), callsB.Load())
	}
	if _, err := os.Stat(lockPath); !os.IsNotExist(err) {
		t.Fatalf("lock file should be released")
	}
}

func TestSameProcessCallersCollapse(t *testing.T) {
	var calls atomic.Int32
	a := NewArbiter(t.TempDir(), func(context.Context, Credentials) (*kis.TokenResult, error) {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		return &kis.TokenResult{AccessToken: "x", ExpiresIn: time.Hour}, nil
	}, nil)

	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func() {
			_, err := a.GetToken(context.Background(), common.ModeMock)
			errs <- err
		}()
	}
	for i := 0; i < 8; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("GetToken: %v", err)
		}
	}
	if calls.Load() != 1 {
		t.Fatalf("expected one issuance, got %d", calls.Load())
	}
}

func TestStaleIssueLockReclaimedOnArbiterClock(t *testing.T) {
	dir := t.TempDir()
	clock := &fakeClock{t: time.Now()}
	var calls atomic.Int32
	a := NewArbiter(dir, countingIssuer(&calls, time.Hour, nil), clock.now)
	ctx := context.Background()

	// Left behind by a process that died mid-issuance.
	if err := os.WriteFile(filepath.Join(dir, "token_issue_mock.lock"), []byte("99999"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := a.GetToken(ctx, common.ModeMock); !errors.Is(err, ErrTokenUnavailable) || calls.Load() != 0 {
		t.Fatalf("fresh lock should block issuance, err=%v calls=%d", err, calls.Load())
	}

	clock.advance(staleLockAge + time.Second)
	tok, err := a.GetToken(ctx, common.ModeMock)
	if err != nil || tok != "Bearer tok1" {
		t.Fatalf("stale lock should be reclaimed, got %q, %v", tok, err)
	}
	if _, err := os.Stat(filepath.Join(dir, "token_issue_mock.lock")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("lock should be released after issuance, stat err=%v", err)
	}
}
