// Package shutdown coordinates graceful teardown: wait for a signal
// context, then run cleanup functions sequentially under one timeout.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultTimeout leaves a buffer before a supervisor's SIGKILL.
const DefaultTimeout = 25 * time.Second

// Coordinator runs registered cleanup functions once the process is
// told to stop.
type Coordinator struct {
	timeout time.Duration
	log     *logrus.Entry
}

// NewCoordinator creates a Coordinator. timeout == 0 applies
// DefaultTimeout.
func NewCoordinator(timeout time.Duration, log *logrus.Logger) *Coordinator {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &Coordinator{
		timeout: timeout,
		log:     log.WithField("component", "shutdown"),
	}
}

// WaitForShutdown blocks until ctx is cancelled (typically by
// signal.NotifyContext), then executes the cleanup functions in order
// under a shared timeout context. All cleanup errors are collected.
func (c *Coordinator) WaitForShutdown(ctx context.Context, cleanups ...func(context.Context) error) error {
	<-ctx.Done()
	c.log.Info("shutdown signal received")

	cleanupCtx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	var errs []error
	for i, cleanup := range cleanups {
		if err := cleanup(cleanupCtx); err != nil {
			c.log.WithError(err).WithField("step", i+1).Error("cleanup step failed")
			errs = append(errs, fmt.Errorf("cleanup %d: %w", i+1, err))
		}
	}

	if cleanupCtx.Err() == context.DeadlineExceeded {
		c.log.WithField("timeout", c.timeout).Error("shutdown timeout exceeded")
		errs = append(errs, fmt.Errorf("shutdown timeout exceeded: %w", cleanupCtx.Err()))
	}

	if len(errs) == 0 {
		c.log.Info("graceful shutdown completed")
		return nil
	}
	return errors.Join(errs...)
}
