// Package retry runs an operation in an explicit bounded loop with
// exponential backoff and jitter.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"scenarioharness/internal/config"
	"scenarioharness/internal/logging"
)

// Outcome classifies the result of one try.
type Outcome int

const (
	Success Outcome = iota
	Transient
	Permanent
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// ErrMaxRetriesExceeded indicates all retry attempts failed with transient
// errors.
var ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")

// Policy bounds the loop. MaxRetries is the number of retries after the first
// try, so a policy makes at most MaxRetries+1 calls.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Jitter     bool

	// Sleep waits between tries. Defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
	// Rand returns a value in [0, 1) for jitter. Defaults to math/rand/v2.
	Rand func() float64
}

// FromConfig builds a policy from provider retry settings.
func FromConfig(c config.RetryConfig) Policy {
	return Policy{
		MaxRetries: c.MaxRetries,
		BaseDelay:  c.GetBaseDelay(),
		MaxDelay:   c.GetMaxDelay(),
		Jitter:     c.JitterEnabled(),
	}
}

// Backoff returns the delay before retry number n (1-based):
// min(MaxDelay, BaseDelay * 2^(n-1)), scaled by a factor in [0.5, 1.5) when
// jitter is on.
func (p Policy) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := float64(p.BaseDelay) * math.Pow(2, float64(n-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter {
		r := rand.Float64
		if p.Rand != nil {
			r = p.Rand
		}
		d *= 0.5 + r()
	}
	return time.Duration(d)
}

// Do calls fn until it succeeds, classify reports a permanent failure, or
// the retry budget is spent. A permanent error is returned unchanged; on
// exhaustion the last error is wrapped together with ErrMaxRetriesExceeded.
func Do[T any](ctx context.Context, p Policy, operation string, classify func(error) Outcome, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := p.Backoff(attempt)
			logging.APIDebug("Retrying %s in %v (attempt %d/%d)", operation, backoff, attempt+1, p.MaxRetries+1)
			if err := sleep(ctx, backoff); err != nil {
				return zero, fmt.Errorf("%s: %w", operation, err)
			}
		}

		v, err := fn(ctx)
		outcome := Success
		if err != nil {
			outcome = classify(err)
		}
		switch outcome {
		case Success:
			if attempt > 0 {
				logging.APIDebug("Retry succeeded for %s on attempt %d", operation, attempt+1)
			}
			return v, nil
		case Permanent:
			logging.APIDebug("%s failed permanently on attempt %d: %v", operation, attempt+1, err)
			return zero, err
		}

		lastErr = err
		logging.APIDebug("Attempt %d/%d for %s failed: %v", attempt+1, p.MaxRetries+1, operation, err)
	}

	return zero, fmt.Errorf("%w for %s after %d attempts: %w", ErrMaxRetriesExceeded, operation, p.MaxRetries+1, lastErr)
}

func sleepContext(ctx context.Context, d time.Duration) error {
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
