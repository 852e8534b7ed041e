// Package backoff implements bounded exponential retry with jitter.
package backoff

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Permanent wraps an error that must not be retried. Retry unwraps it and
// returns the underlying error immediately.
type Permanent struct {
	Err error
}

func (p *Permanent) Error() string { return p.Err.Error() }
func (p *Permanent) Unwrap() error { return p.Err }

// Policy describes one retry schedule. The zero value is not usable; use
// Default() or construct explicitly.
type Policy struct {
	Base        time.Duration // first wait
	Multiplier  float64       // growth factor per attempt
	Cap         time.Duration // upper bound on a single wait
	Jitter      float64       // fraction of the wait randomized, 0..1
	MaxAttempts int           // total tries including the first
}

// Default returns the schedule used for upstream API calls: 1s base,
// doubling, capped at 30s, 25% jitter, 4 attempts.
func Default() Policy {
	return Policy{
		Base:        time.Second,
		Multiplier:  2,
		Cap:         30 * time.Second,
		Jitter:      0.25,
		MaxAttempts: 4,
	}
}

// Delay returns the wait before retry number attempt (0-based), jittered.
func (p Policy) Delay(attempt int) time.Duration {
	d := float64(p.Base)
	for i := 0; i < attempt; i++ {
		d *= p.Multiplier
		if d >= float64(p.Cap) {
			d = float64(p.Cap)
			break
		}
	}
	if p.Jitter > 0 {
		// Jitter shrinks the wait by up to Jitter so bursts spread out
		// without ever exceeding the cap.
		d -= d * p.Jitter * rand.Float64()
	}
	return time.Duration(d)
}

// Retry calls fn until it succeeds, returns a Permanent error, or the
// attempt budget is exhausted. fn may return a suggested wait (e.g. from a
// Retry-After header); a zero suggestion falls back to the policy delay.
func Retry(ctx context.Context, p Policy, fn func() (time.Duration, error)) error {
	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		suggested, err := fn()
		if err == nil {
			return nil
		}
		var perm *Permanent
		if errors.As(err, &perm) {
			return perm.Err
		}
		lastErr = err

		if attempt == p.MaxAttempts-1 {
			break
		}

		wait := suggested
		if wait <= 0 {
			wait = p.Delay(attempt)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return lastErr
}
