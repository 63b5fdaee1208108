// Package resilience guards the processor's hot path: a bounded retry
// policy with exponential backoff and a circuit breaker.
package resilience

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// RetryConfig tunes a RetryPolicy.
type RetryConfig struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration

	// MaxDelay caps the exponential growth.
	MaxDelay time.Duration

	// Exponential selects min(base * 2^k, max) over a constant base.
	Exponential bool
}

// RetryPolicy runs an operation up to MaxRetries+1 times. No jitter is
// applied; retry storms are bounded by the breaker sitting elsewhere.
type RetryPolicy struct {
	cfg   RetryConfig
	log   *logrus.Entry
	sleep func(time.Duration)
}

// NewRetryPolicy creates a policy. Zero config fields get safe
// defaults (3 retries, 1s base, 10s cap, exponential).
func NewRetryPolicy(cfg RetryConfig, log *logrus.Logger) *RetryPolicy {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 10 * time.Second
	}
	return &RetryPolicy{
		cfg:   cfg,
		log:   log.WithField("component", "retry"),
		sleep: time.Sleep,
	}
}

// Execute runs fn until it succeeds or the attempt budget is spent.
// The last error is returned unwrapped. Context cancellation cuts the
// budget short.
func (p *RetryPolicy) Execute(ctx context.Context, op string, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			p.sleep(p.delay(attempt - 1))
		}

		lastErr = fn()
		if lastErr == nil {
			if attempt > 0 {
				p.log.WithFields(logrus.Fields{
					"op":      op,
					"attempt": attempt + 1,
				}).Info("succeeded after retry")
			}
			return nil
		}

		p.log.WithError(lastErr).WithFields(logrus.Fields{
			"op":      op,
			"attempt": attempt + 1,
		}).Warn("attempt failed")
	}

	return lastErr
}

// delay computes the pause before retry k (0-indexed among retries).
func (p *RetryPolicy) delay(k int) time.Duration {
	if !p.cfg.Exponential {
		return p.cfg.BaseDelay
	}
	d := p.cfg.BaseDelay
	for i := 0; i < k; i++ {
		d *= 2
		if d >= p.cfg.MaxDelay {
			return p.cfg.MaxDelay
		}
	}
	if d > p.cfg.MaxDelay {
		return p.cfg.MaxDelay
	}
	return d
}
