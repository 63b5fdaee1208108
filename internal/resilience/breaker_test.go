package resilience

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets tests advance the breaker's view of time.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestBreaker(threshold int, timeout time.Duration) (*CircuitBreaker, *fakeClock) {
	b := NewCircuitBreaker(threshold, timeout, testLogger())
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	b.now = func() time.Time { return clock.now }
	return b, clock
}

var errBoom = errors.New("boom")

func fail() error    { return errBoom }
func succeed() error { return nil }

func TestBreaker_OpensAtThreshold(t *testing.T) {
	t.Parallel()

	b, _ := newTestBreaker(3, 30*time.Second)

	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, b.Execute(fail), errBoom)
		assert.Equal(t, StateClosed, b.State())
	}

	assert.ErrorIs(t, b.Execute(fail), errBoom)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_ShortCircuitsWhileOpen(t *testing.T) {
	t.Parallel()

	b, clock := newTestBreaker(1, 30*time.Second)
	require.Error(t, b.Execute(fail))
	require.Equal(t, StateOpen, b.State())

	calls := 0
	err := b.Execute(func() error { calls++; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Zero(t, calls)

	clock.advance(29 * time.Second)
	assert.ErrorIs(t, b.Execute(succeed), ErrCircuitOpen)
}

func TestBreaker_HalfOpenProbeClosesOnSuccess(t *testing.T) {
	t.Parallel()

	b, clock := newTestBreaker(1, 30*time.Second)
	require.Error(t, b.Execute(fail))

	clock.advance(30 * time.Second)
	require.NoError(t, b.Execute(succeed))

	assert.Equal(t, StateClosed, b.State())
	assert.Zero(t, b.FailureCount())
}

func TestBreaker_HalfOpenProbeReopensOnFailure(t *testing.T) {
	t.Parallel()

	b, clock := newTestBreaker(1, 30*time.Second)
	require.Error(t, b.Execute(fail))

	clock.advance(30 * time.Second)
	assert.ErrorIs(t, b.Execute(fail), errBoom)
	assert.Equal(t, StateOpen, b.State())

	// The deadline is fresh: still short-circuiting just before it.
	clock.advance(29 * time.Second)
	assert.ErrorIs(t, b.Execute(succeed), ErrCircuitOpen)

	clock.advance(time.Second)
	assert.NoError(t, b.Execute(succeed))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_ResetClearsState(t *testing.T) {
	t.Parallel()

	b, _ := newTestBreaker(1, 30*time.Second)
	require.Error(t, b.Execute(fail))
	require.Equal(t, StateOpen, b.State())

	b.Reset()

	assert.Equal(t, StateClosed, b.State())
	assert.Zero(t, b.FailureCount())
	assert.NoError(t, b.Execute(succeed))
}

// TestBreaker_TransitionTableProperty drives the breaker with random
// success/failure outcomes and time advances, checking it against a
// reference implementation of the transition table.
func TestBreaker_TransitionTableProperty(t *testing.T) {
	t.Parallel()

	const (
		threshold = 3
		timeout   = 10 * time.Second
		steps     = 2000
	)

	rng := rand.New(rand.NewSource(42))
	b, clock := newTestBreaker(threshold, timeout)

	// Reference model.
	refState := StateClosed
	refFailures := 0
	var refDeadline time.Time

	for i := 0; i < steps; i++ {
		if rng.Intn(4) == 0 {
			clock.advance(time.Duration(rng.Intn(8)) * time.Second)
		}

		willFail := rng.Intn(2) == 0
		var op func() error
		if willFail {
			op = fail
		} else {
			op = succeed
		}

		err := b.Execute(op)
		now := clock.now

		// Advance the reference model.
		switch refState {
		case StateOpen:
			if now.Before(refDeadline) {
				require.ErrorIs(t, err, ErrCircuitOpen, "step %d", i)
				continue
			}
			refState = StateHalfOpen
			fallthrough
		case StateHalfOpen:
			if willFail {
				refFailures++
				refDeadline = now.Add(timeout)
				refState = StateOpen
			} else {
				refFailures = 0
				refState = StateClosed
			}
		case StateClosed:
			if willFail {
				refFailures++
				if refFailures >= threshold {
					refDeadline = now.Add(timeout)
					refState = StateOpen
				}
			}
		}

		if willFail {
			require.ErrorIs(t, err, errBoom, "step %d", i)
		} else {
			require.NoError(t, err, "step %d", i)
		}
		require.Equal(t, refState, b.State(), "step %d", i)
		require.Equal(t, refFailures, b.FailureCount(), "step %d", i)
	}
}
