package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scenarioharness/internal/config"
)

var (
	errFlaky  = errors.New("flaky")
	errBroken = errors.New("broken")
)

func classify(err error) Outcome {
	if errors.Is(err, errBroken) {
		return Permanent
	}
	return Transient
}

func recordingPolicy(maxRetries int, slept *[]time.Duration) Policy {
	return Policy{
		MaxRetries: maxRetries,
		BaseDelay:  10 * time.Millisecond,
		MaxDelay:   25 * time.Millisecond,
		Sleep: func(_ context.Context, d time.Duration) error {
			*slept = append(*slept, d)
			return nil
		},
	}
}

func TestDo_SucceedsAfterTransient(t *testing.T) {
	var slept []time.Duration
	calls := 0
	v, err := Do(context.Background(), recordingPolicy(3, &slept), "op", classify, func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errFlaky
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, slept)
}

func TestDo_Exhausted(t *testing.T) {
	var slept []time.Duration
	calls := 0
	_, err := Do(context.Background(), recordingPolicy(2, &slept), "op", classify, func(context.Context) (int, error) {
		calls++
		return 0, errFlaky
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMaxRetriesExceeded)
	assert.ErrorIs(t, err, errFlaky)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, slept)
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	var slept []time.Duration
	calls := 0
	_, err := Do(context.Background(), recordingPolicy(5, &slept), "op", classify, func(context.Context) (int, error) {
		calls++
		return 0, errBroken
	})
	assert.Equal(t, errBroken, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, slept)
}

func TestDo_ZeroRetries(t *testing.T) {
	var slept []time.Duration
	calls := 0
	_, err := Do(context.Background(), recordingPolicy(0, &slept), "op", classify, func(context.Context) (int, error) {
		calls++
		return 0, errFlaky
	})
	assert.ErrorIs(t, err, ErrMaxRetriesExceeded)
	assert.Equal(t, 1, calls)
}

func TestDo_CancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := Policy{MaxRetries: 3, BaseDelay: time.Hour}
	calls := 0
	_, err := Do(ctx, p, "op", classify, func(context.Context) (int, error) {
		calls++
		return 0, errFlaky
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestBackoff(t *testing.T) {
	p := Policy{BaseDelay: time.Second, MaxDelay: 5 * time.Second}
	assert.Equal(t, time.Second, p.Backoff(1))
	assert.Equal(t, 2*time.Second, p.Backoff(2))
	assert.Equal(t, 4*time.Second, p.Backoff(3))
	assert.Equal(t, 5*time.Second, p.Backoff(4))

	p.Jitter = true
	p.Rand = func() float64 { return 0 }
	assert.Equal(t, 500*time.Millisecond, p.Backoff(1))
	p.Rand = func() float64 { return 0.5 }
	assert.Equal(t, 2*time.Second, p.Backoff(2))
}

func TestFromConfig(t *testing.T) {
	p := FromConfig(config.RetryConfig{MaxRetries: 4, BaseDelay: "200ms", MaxDelay: "3s"})
	assert.Equal(t, 4, p.MaxRetries)
	assert.Equal(t, 200*time.Millisecond, p.BaseDelay)
	assert.Equal(t, 3*time.Second, p.MaxDelay)
	assert.True(t, p.Jitter)
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "transient", Transient.String())
	assert.Equal(t, "outcome(9)", Outcome(9).String())
}
