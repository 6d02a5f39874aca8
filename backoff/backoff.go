// Package backoff provides the delay strategies shared by the retry policy
// and by reconnect loops. All strategies are stateless and safe for
// concurrent use.
package backoff

import (
	"context"
	"math/rand/v2"
	"time"
)

// Strategy computes the delay before the next attempt. n is the number of
// failures recorded so far (1 after the first failure).
type Strategy interface {
	Delay(n int) time.Duration
}

// ──────────────────────────────────────────────────
// Constant
// ──────────────────────────────────────────────────

// Constant always returns the same delay.
type Constant struct {
	Interval time.Duration
}

// NewConstant creates a constant strategy.
func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

// Delay returns the fixed interval.
func (c *Constant) Delay(_ int) time.Duration { return c.Interval }

// ──────────────────────────────────────────────────
// Exponential
// ──────────────────────────────────────────────────

// Exponential computes Base * 2^n, capped at Max. It is monotonically
// non-decreasing in n, which the retry policy relies on.
type Exponential struct {
	Base time.Duration
	Max  time.Duration
}

// NewExponential creates an exponential strategy.
func NewExponential(base, maxDelay time.Duration) *Exponential {
	return &Exponential{Base: base, Max: maxDelay}
}

// Delay returns min(Base * 2^n, Max).
func (e *Exponential) Delay(n int) time.Duration {
	return exp(e.Base, e.Max, n)
}

// ──────────────────────────────────────────────────
// ExponentialWithJitter (full jitter)
// ──────────────────────────────────────────────────

// ExponentialWithJitter picks a random delay in [0, min(Base * 2^n, Max)].
// Use it for reconnect loops where many processes retry at once; it is not
// monotonic and so is not the default retry policy.
type ExponentialWithJitter struct {
	Base time.Duration
	Max  time.Duration
}

// NewExponentialWithJitter creates an exponential strategy with full jitter.
func NewExponentialWithJitter(base, maxDelay time.Duration) *ExponentialWithJitter {
	return &ExponentialWithJitter{Base: base, Max: maxDelay}
}

// Delay returns a random duration in [0, min(Base * 2^n, Max)].
func (e *ExponentialWithJitter) Delay(n int) time.Duration {
	ceiling := exp(e.Base, e.Max, n)
	if ceiling <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(ceiling) + 1)) //nolint:gosec // jitter intentionally uses non-crypto rand
}

// exp computes base * 2^n without overflowing; a zero or negative max means
// no cap.
func exp(base, maxDelay time.Duration, n int) time.Duration {
	if n < 0 {
		n = 0
	}
	d := base
	for range n {
		if maxDelay > 0 && d >= maxDelay {
			return maxDelay
		}
		if d > (1<<62)/2 {
			break
		}
		d *= 2
	}
	if maxDelay > 0 && d > maxDelay {
		return maxDelay
	}
	return d
}

// DefaultStrategy is the retry policy used when none is configured:
// exponential from 1s, capped at 1h.
func DefaultStrategy() Strategy {
	return NewExponential(time.Second, time.Hour)
}

// DefaultReconnect is used for reconnect loops against an unavailable
// backend: jittered exponential from 100ms, capped at 30s.
func DefaultReconnect() Strategy {
	return NewExponentialWithJitter(100*time.Millisecond, 30*time.Second)
}

// Retry calls fn until it succeeds, retryable reports false for its error,
// maxAttempts calls have been made, or ctx is done. It returns the last
// error from fn, or ctx.Err() if the context ended while waiting.
func Retry(ctx context.Context, s Strategy, maxAttempts int, retryable func(error) bool, fn func(ctx context.Context) error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(ctx); err == nil || !retryable(err) || attempt >= maxAttempts {
			return err
		}
		if sleepErr := Sleep(ctx, s.Delay(attempt)); sleepErr != nil {
			return sleepErr
		}
	}
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
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
