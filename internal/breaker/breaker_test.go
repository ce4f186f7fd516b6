package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/topcoder-platform/autopilot/internal/errors"
)

var errBoom = errors.New("boom")

// fakeClock advances only when told to, so reset timeouts are deterministic.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestBreaker(clock *fakeClock, opts Options) *CircuitBreaker {
	opts.Clock = clock.Now
	return New(opts)
}

func fail(context.Context) error { return errBoom }

func succeed(context.Context) error { return nil }

func TestCircuitBreaker_OpensAtFailureThreshold(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	cb := newTestBreaker(clock, Options{Name: "test", FailureThreshold: 3, ResetTimeout: time.Minute})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.ErrorIs(t, cb.Execute(ctx, fail), errBoom)
		assert.Equal(t, StateClosed, cb.State())
	}
	require.ErrorIs(t, cb.Execute(ctx, fail), errBoom)
	assert.Equal(t, StateOpen, cb.State())

	err := cb.Execute(ctx, succeed)
	require.Error(t, err)
	assert.True(t, apperrors.IsCircuitOpen(err))
}

func TestCircuitBreaker_SuccessDecrementsFailuresFloorZero(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	cb := newTestBreaker(clock, Options{Name: "test", FailureThreshold: 3, ResetTimeout: time.Minute})
	ctx := context.Background()

	require.ErrorIs(t, cb.Execute(ctx, fail), errBoom)
	require.ErrorIs(t, cb.Execute(ctx, fail), errBoom)
	require.NoError(t, cb.Execute(ctx, succeed))
	require.NoError(t, cb.Execute(ctx, succeed))
	require.NoError(t, cb.Execute(ctx, succeed)) // counter already at zero

	// Two more failures must not trip a threshold of three.
	require.ErrorIs(t, cb.Execute(ctx, fail), errBoom)
	require.ErrorIs(t, cb.Execute(ctx, fail), errBoom)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	cb := newTestBreaker(clock, Options{
		Name:             "test",
		FailureThreshold: 1,
		ResetTimeout:     30 * time.Second,
		SuccessThreshold: 2,
	})
	ctx := context.Background()

	require.ErrorIs(t, cb.Execute(ctx, fail), errBoom)
	require.Equal(t, StateOpen, cb.State())

	// Still inside the reset timeout: rejected.
	clock.Advance(10 * time.Second)
	assert.True(t, apperrors.IsCircuitOpen(cb.Execute(ctx, succeed)))

	// After the reset timeout the next call probes in half-open.
	clock.Advance(30 * time.Second)
	require.NoError(t, cb.Execute(ctx, succeed))
	assert.Equal(t, StateHalfOpen, cb.State())

	require.NoError(t, cb.Execute(ctx, succeed))
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	cb := newTestBreaker(clock, Options{
		Name:             "test",
		FailureThreshold: 1,
		ResetTimeout:     time.Second,
		SuccessThreshold: 2,
	})
	ctx := context.Background()

	require.ErrorIs(t, cb.Execute(ctx, fail), errBoom)
	clock.Advance(2 * time.Second)
	require.ErrorIs(t, cb.Execute(ctx, fail), errBoom)
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_ErrorFilterSkipsUncountedFailures(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	cb := newTestBreaker(clock, Options{
		Name:             "test",
		FailureThreshold: 1,
		ResetTimeout:     time.Minute,
		ErrorFilter: func(err error) bool {
			return !errors.Is(err, context.Canceled)
		},
	})
	ctx := context.Background()

	// Uncounted failures never trip the breaker.
	for i := 0; i < 5; i++ {
		require.ErrorIs(t, cb.Execute(ctx, func(context.Context) error { return context.Canceled }), context.Canceled)
	}
	assert.Equal(t, StateClosed, cb.State())

	require.ErrorIs(t, cb.Execute(ctx, fail), errBoom)
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_FallbackRunsWhileOpen(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	fallbackCalls := 0
	cb := newTestBreaker(clock, Options{
		Name:             "test",
		FailureThreshold: 1,
		ResetTimeout:     time.Minute,
		Fallback: func(context.Context) error {
			fallbackCalls++
			return nil
		},
	})
	ctx := context.Background()

	require.ErrorIs(t, cb.Execute(ctx, fail), errBoom)
	require.NoError(t, cb.Execute(ctx, fail))
	assert.Equal(t, 1, fallbackCalls)
}

func TestCircuitBreaker_OperationTimeout(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	cb := newTestBreaker(clock, Options{
		Name:             "test",
		FailureThreshold: 5,
		ResetTimeout:     time.Minute,
		OperationTimeout: 10 * time.Millisecond,
	})

	err := cb.Execute(context.Background(), func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
			return nil
		}
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCircuitBreaker_Metrics(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	cb := newTestBreaker(clock, Options{Name: "test", FailureThreshold: 10, ResetTimeout: time.Minute})
	ctx := context.Background()

	require.NoError(t, cb.Execute(ctx, succeed))
	require.ErrorIs(t, cb.Execute(ctx, fail), errBoom)

	m := cb.Metrics()
	assert.Equal(t, StateClosed, m.State)
	assert.Equal(t, int64(2), m.TotalCalls)
	assert.Equal(t, int64(1), m.TotalSuccesses)
	assert.Equal(t, int64(1), m.TotalFailures)
	assert.InDelta(t, 0.5, m.FailureRate, 1e-9)
	assert.InDelta(t, 0.5, m.SuccessRate, 1e-9)
}
