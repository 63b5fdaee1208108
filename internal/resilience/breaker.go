package resilience

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrCircuitOpen is returned when a call is short-circuited because
// the breaker is open and its timeout has not elapsed.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerState is the breaker's position.
type BreakerState int32

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// CircuitBreaker trips open after a threshold of consecutive recorded
// failures and lets a probe call through once the timeout elapses.
//
// Transitions:
//   - closed + failure: count++; at threshold go open until now+timeout
//   - open before the deadline: short-circuit with ErrCircuitOpen
//   - open at/after the deadline: go half-open and pass the call
//   - half-open + success: closed, counters reset
//   - half-open + failure: open again with a fresh deadline
type CircuitBreaker struct {
	mu              sync.Mutex
	state           BreakerState
	failureCount    int
	lastFailureTime time.Time
	nextRetryTime   time.Time

	threshold int
	timeout   time.Duration
	now       func() time.Time
	log       *logrus.Entry

	// OnStateChange is an observability hook; may be nil.
	OnStateChange func(s BreakerState)
}

// NewCircuitBreaker creates a closed breaker. threshold <= 0 defaults
// to 5, timeout <= 0 to 30s.
func NewCircuitBreaker(threshold int, timeout time.Duration, log *logrus.Logger) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &CircuitBreaker{
		state:     StateClosed,
		threshold: threshold,
		timeout:   timeout,
		now:       time.Now,
		log:       log.WithField("component", "circuit-breaker"),
	}
}

// Execute runs fn under the breaker and records its outcome.
func (b *CircuitBreaker) Execute(fn func() error) error {
	b.mu.Lock()
	if b.state == StateOpen {
		if b.now().Before(b.nextRetryTime) {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		b.transition(StateHalfOpen)
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.recordFailure()
		return err
	}
	b.recordSuccess()
	return nil
}

// State reports the current position.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// FailureCount reports recorded failures since the last reset.
func (b *CircuitBreaker) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureCount
}

// Reset clears all state back to closed.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureCount = 0
	b.lastFailureTime = time.Time{}
	b.nextRetryTime = time.Time{}
	b.transition(StateClosed)
}

func (b *CircuitBreaker) recordFailure() {
	now := b.now()
	b.failureCount++
	b.lastFailureTime = now

	switch b.state {
	case StateHalfOpen:
		b.nextRetryTime = now.Add(b.timeout)
		b.transition(StateOpen)
	case StateClosed:
		if b.failureCount >= b.threshold {
			b.nextRetryTime = now.Add(b.timeout)
			b.transition(StateOpen)
		}
	}
}

func (b *CircuitBreaker) recordSuccess() {
	if b.state == StateHalfOpen {
		b.failureCount = 0
		b.lastFailureTime = time.Time{}
		b.nextRetryTime = time.Time{}
		b.transition(StateClosed)
	}
}

func (b *CircuitBreaker) transition(next BreakerState) {
	if b.state == next {
		return
	}
	b.log.WithFields(logrus.Fields{
		"from":     b.state.String(),
		"to":       next.String(),
		"failures": b.failureCount,
	}).Warn("circuit breaker state change")
	b.state = next
	if b.OnStateChange != nil {
		b.OnStateChange(next)
	}
}
