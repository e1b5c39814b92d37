package common

import (
	"context"
	"time"
)

// Class is the outcome category of one remote call.
type Class int

const (
	ClassSuccess Class = iota
	ClassExpiredToken
	ClassRateLimited
	ClassTransient
	ClassTerminal
)

func (c Class) String() string {
	switch c {
	case ClassSuccess:
		return "success"
	case ClassExpiredToken:
		return "expired_token"
	case ClassRateLimited:
		return "rate_limited"
	case ClassTransient:
		return "transient_validation"
	default:
		return "terminal"
	}
}

// Policy parameterizes Retry for one endpoint.
type Policy struct {
	// MaxAttempts bounds total calls for expired-token and rate-limited
	// outcomes. Zero means 3.
	MaxAttempts int
	// TransientRetries bounds extra calls after a transient-validation
	// outcome. Zero disables retrying that class.
	TransientRetries int
	// Classify maps a call error to a Class. nil errors are always success.
	Classify func(error) Class
	// Backoff returns the wait before the given retry (1-based). Nil uses
	// LinearBackoff(time.Second).
	Backoff func(retry int) time.Duration
	// OnRetry runs before each backoff wait.
	OnRetry func(retry int, class Class, err error)
	// Sleep waits for d or until ctx is done. Nil uses a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// LinearBackoff waits retry × step.
func LinearBackoff(step time.Duration) func(int) time.Duration {
	return func(retry int) time.Duration {
		return time.Duration(retry) * step
	}
}

// SleepContext waits for d unless ctx ends first.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Retry calls fn until it succeeds, a terminal outcome occurs, or the
// policy's budget is spent. It returns the last error and its class.
func Retry(ctx context.Context, p Policy, fn func(ctx context.Context) error) (Class, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	backoff := p.Backoff
	if backoff == nil {
		backoff = LinearBackoff(time.Second)
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = SleepContext
	}

	attempts, transient, retry := 0, 0, 0
	for {
		attempts++
		err := fn(ctx)
		if err == nil {
			return ClassSuccess, nil
		}
		class := ClassTerminal
		if p.Classify != nil {
			class = p.Classify(err)
		}

		switch class {
		case ClassSuccess:
			return ClassSuccess, nil
		case ClassExpiredToken, ClassRateLimited:
			if attempts >= maxAttempts {
				return class, err
			}
		case ClassTransient:
			if transient >= p.TransientRetries {
				return class, err
			}
			transient++
		default:
			return class, err
		}

		retry++
		if p.OnRetry != nil {
			p.OnRetry(retry, class, err)
		}
		if serr := sleep(ctx, backoff(retry)); serr != nil {
			return class, err
		}
	}
}
