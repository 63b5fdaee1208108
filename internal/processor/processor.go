// Package processor subscribes to the normalized-events topic, applies
// vehicle upserts and removes to the in-memory state and recomputes
// scoped frames for the affected city, guarded by a circuit breaker
// and a retry policy.
package processor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/transitlive/dispatch/internal/config"
	"github.com/transitlive/dispatch/internal/eventbus"
	"github.com/transitlive/dispatch/internal/frames"
	"github.com/transitlive/dispatch/internal/metrics"
	"github.com/transitlive/dispatch/internal/model"
	"github.com/transitlive/dispatch/internal/resilience"
	"github.com/transitlive/dispatch/internal/scope"
	"github.com/transitlive/dispatch/internal/state"
	"github.com/transitlive/dispatch/internal/validator"
)

const (
	// ConsumerGroup is the processor's consumer group. A single live
	// processor instance is assumed; the stream totally orders events.
	ConsumerGroup = "processor"

	// ConsumerName identifies this instance within the group.
	ConsumerName = "processor-1"
)

// Processor owns the event pipeline: validate, mutate state, recompute
// frames, record metrics.
type Processor struct {
	bus       eventbus.Bus
	validator *validator.EnvelopeValidator
	vehicles  *state.Manager
	computer  *frames.Computer
	scopes    *scope.Store
	breaker   *resilience.CircuitBreaker
	retry     *resilience.RetryPolicy
	metrics   *metrics.Metrics
	cfg       config.Processor
	log       *logrus.Entry

	isShuttingDown atomic.Bool
	unsubscribe    eventbus.UnsubscribeFunc
	cleanupStop    chan struct{}
	cleanupDone    chan struct{}
}

// New wires a Processor from its collaborators. m may be nil when
// metrics are disabled.
func New(bus eventbus.Bus, v *validator.EnvelopeValidator, vehicles *state.Manager, computer *frames.Computer, scopes *scope.Store, cfg config.Processor, m *metrics.Metrics, log *logrus.Logger) *Processor {
	breaker := resilience.NewCircuitBreaker(
		cfg.CircuitBreakerThreshold,
		time.Duration(cfg.CircuitBreakerTimeoutMs)*time.Millisecond,
		log,
	)
	if m != nil {
		breaker.OnStateChange = func(s resilience.BreakerState) {
			m.BreakerState.Set(float64(s))
		}
	}

	return &Processor{
		bus:       bus,
		validator: v,
		vehicles:  vehicles,
		computer:  computer,
		scopes:    scopes,
		breaker:   breaker,
		retry: resilience.NewRetryPolicy(resilience.RetryConfig{
			MaxRetries:  cfg.MaxRetries,
			BaseDelay:   time.Duration(cfg.RetryBaseDelayMs) * time.Millisecond,
			MaxDelay:    time.Duration(cfg.RetryMaxDelayMs) * time.Millisecond,
			Exponential: true,
		}, log),
		metrics: m,
		cfg:     cfg,
		log:     log.WithField("component", "processor"),
	}
}

// Start subscribes to the normalized-events topic and launches the
// periodic cleanup task.
func (p *Processor) Start() error {
	unsub, err := p.bus.Subscribe(eventbus.TopicNormalizedEvents, ConsumerGroup, ConsumerName, p.handleEnvelope)
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	p.unsubscribe = unsub

	p.cleanupStop = make(chan struct{})
	p.cleanupDone = make(chan struct{})
	go p.cleanupLoop()

	p.log.WithFields(logrus.Fields{
		"topic":    eventbus.TopicNormalizedEvents,
		"group":    ConsumerGroup,
		"consumer": ConsumerName,
	}).Info("processor started")
	return nil
}

// Stop flags shutdown, halts the cleanup task and detaches the
// subscription. In-flight handler invocations complete.
func (p *Processor) Stop(ctx context.Context) error {
	if !p.isShuttingDown.CompareAndSwap(false, true) {
		return nil
	}
	close(p.cleanupStop)
	if p.unsubscribe != nil {
		p.unsubscribe()
	}

	select {
	case <-p.cleanupDone:
	case <-ctx.Done():
		return ctx.Err()
	}
	p.log.Info("processor stopped")
	return nil
}

// Breaker exposes the circuit breaker for tests and manual resets.
func (p *Processor) Breaker() *resilience.CircuitBreaker { return p.breaker }

// VehicleStats reports current vehicle-state totals.
func (p *Processor) VehicleStats() state.Stats { return p.vehicles.GetStats() }

// handleEnvelope is the per-entry pipeline. A nil return acknowledges
// the entry; invalid envelopes are discarded rather than redelivered.
func (p *Processor) handleEnvelope(ctx context.Context, raw []byte) error {
	start := time.Now()

	res := p.validator.Validate(raw)
	if !res.OK {
		p.log.WithField("errors", res.Errors).Warn("discarding invalid envelope")
		p.recordEvent("invalid", "discarded", start)
		return nil
	}
	ev := res.Event

	err := p.breaker.Execute(func() error {
		if err := p.applyEvent(ev); err != nil {
			return err
		}
		return p.computeFramesForCity(ctx, ev.CityID)
	})
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			p.log.WithField("kind", ev.Kind).Warn("circuit open, deferring event")
		} else {
			p.log.WithError(err).WithField("kind", ev.Kind).Error("event processing failed")
		}
		p.recordEvent(ev.Kind, "error", start)
		return err
	}

	p.recordEvent(ev.Kind, "success", start)
	if p.cfg.EnableDetailedLogging {
		p.log.WithFields(logrus.Fields{
			"kind":    ev.Kind,
			"city":    ev.CityID,
			"elapsed": time.Since(start),
		}).Info("event processed")
	}
	return nil
}

func (p *Processor) applyEvent(ev *model.Event) error {
	switch ev.Kind {
	case model.KindVehicleUpsert:
		return p.vehicles.UpsertVehicle(ev.CityID, ev.Upsert.Payload.ID, ev.Upsert.Payload)
	case model.KindVehicleRemove:
		p.vehicles.RemoveVehicle(ev.CityID, ev.Remove.Payload.ID)
		return nil
	}
	return fmt.Errorf("unhandled event kind %q", ev.Kind)
}

// computeFramesForCity recomputes every active scope in the city under
// the retry policy.
func (p *Processor) computeFramesForCity(ctx context.Context, cityID string) error {
	return p.retry.Execute(ctx, "compute-frames", func() error {
		vehicles := p.vehicles.GetVehiclesForCity(cityID)
		res := p.computer.ComputeFrames(cityID, vehicles, func(def model.ScopeDefinition) bool {
			return def.CityID == cityID
		})
		if len(res.Errors) > 0 {
			return fmt.Errorf("frame computation had %d failures: %w", len(res.Errors), errors.Join(res.Errors...))
		}
		return nil
	})
}

func (p *Processor) cleanupLoop() {
	defer close(p.cleanupDone)

	interval := time.Duration(p.cfg.CleanupIntervalMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.runCleanup()
		case <-p.cleanupStop:
			return
		}
	}
}

// runCleanup evicts stale vehicles and sweeps expired scope entries.
// A panic here is logged and counted; the task keeps its schedule.
func (p *Processor) runCleanup() {
	defer func() {
		if r := recover(); r != nil {
			p.log.WithField("panic", r).Error("cleanup failed")
			if p.metrics != nil {
				p.metrics.CleanupErrors.Inc()
			}
		}
	}()

	maxAge := time.Duration(p.cfg.MaxVehicleAgeMs) * time.Millisecond
	removed := p.vehicles.Cleanup(maxAge)
	p.scopes.Sweep()

	stats := p.vehicles.GetStats()
	if p.metrics != nil {
		p.metrics.CleanupRuns.Inc()
		p.metrics.TrackedVehicles.Set(float64(stats.TotalVehicles))
		p.metrics.ActiveScopes.Set(float64(p.scopes.ActiveScopeCount()))
	}
	p.log.WithFields(logrus.Fields{
		"removed":  removed,
		"tracked":  stats.TotalVehicles,
		"cities":   len(stats.Cities),
	}).Debug("cleanup completed")
}

func (p *Processor) recordEvent(kind, result string, start time.Time) {
	if p.metrics == nil {
		return
	}
	p.metrics.EventsProcessed.WithLabelValues(kind, result).Inc()
	p.metrics.EventProcessingSeconds.Observe(time.Since(start).Seconds())
	p.metrics.TrackedVehicles.Set(float64(p.vehicles.GetStats().TotalVehicles))
}
