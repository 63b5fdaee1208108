// dispatch-server is the transit dispatch backbone: it consumes
// vehicle-position envelopes from the stream bus, maintains per-city
// vehicle state, recomputes scoped snapshot frames and serves the
// scope provisioning/retrieval API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/transitlive/dispatch/internal/config"
	"github.com/transitlive/dispatch/internal/eventbus"
	"github.com/transitlive/dispatch/internal/frames"
	"github.com/transitlive/dispatch/internal/httpapi"
	"github.com/transitlive/dispatch/internal/metrics"
	"github.com/transitlive/dispatch/internal/model"
	"github.com/transitlive/dispatch/internal/processor"
	"github.com/transitlive/dispatch/internal/scope"
	"github.com/transitlive/dispatch/internal/shutdown"
	"github.com/transitlive/dispatch/internal/state"
	"github.com/transitlive/dispatch/internal/streambus"
	"github.com/transitlive/dispatch/internal/validator"
)

const version = "1.0.0"

func main() {
	cfg := config.Default()
	var configFile string

	root := &cobra.Command{
		Use:          "dispatch-server",
		Short:        "Real-time transit-vehicle dispatch backbone",
		Version:      version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if configFile != "" {
				if err := cfg.LoadFile(configFile); err != nil {
					return err
				}
			}
			cfg.ApplyEnv()
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			return run(cfg)
		},
	}

	root.Flags().StringVar(&configFile, "config", "", "Optional YAML config file")
	cfg.BindFlags(root.Flags())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	log := newLogger(cfg.LogLevel)
	log.WithField("version", version).Info("dispatch-server starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	busClient := streambus.New(streambus.Options{
		URL:            cfg.StreamBus.URL,
		DefaultBlockMs: cfg.StreamBus.DefaultBlockMs,
		DefaultCount:   cfg.StreamBus.DefaultCount,
	}, log)
	if err := busClient.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to stream server: %w", err)
	}

	var m *metrics.Metrics
	if cfg.Processor.EnableMetrics {
		m = metrics.New()
	}

	bus := eventbus.NewStreamBus(busClient, cfg.StreamBus.MaxLen, log)

	v, err := validator.New(log)
	if err != nil {
		return fmt.Errorf("failed to initialize validator: %w", err)
	}

	scopeTTL := time.Duration(cfg.ScopeStore.DefaultTTLMs) * time.Millisecond
	scopes := scope.NewStore(scopeTTL, log)
	if m != nil {
		scopes.OnScopeCreated = func(model.ScopeDefinition) {
			m.ScopesCreated.Inc()
			m.ActiveScopes.Set(float64(scopes.ActiveScopeCount()))
		}
		scopes.OnFrameUpdated = func(model.ScopedTrainsFrame) {
			m.FramesUpdated.Inc()
		}
	}

	vehicles := state.NewManager(cfg.Processor.MaxVehiclesPerCity, log)
	computer := frames.NewComputer(scopes, m, log)

	proc := processor.New(bus, v, vehicles, computer, scopes, cfg.Processor, m, log)
	if err := proc.Start(); err != nil {
		return fmt.Errorf("failed to start processor: %w", err)
	}

	api := httpapi.New(cfg.HTTP.Addr, scopes, scopeTTL, proc, m, log)
	go func() {
		if err := api.Start(); err != nil {
			log.WithError(err).Error("http server failed")
			stop()
		}
	}()

	coordinator := shutdown.NewCoordinator(shutdown.DefaultTimeout, log)
	return coordinator.WaitForShutdown(ctx,
		func(cleanupCtx context.Context) error { return api.Shutdown(cleanupCtx) },
		func(cleanupCtx context.Context) error { return proc.Stop(cleanupCtx) },
		func(context.Context) error { return busClient.Close() },
	)
}

func newLogger(level string) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)
	return log
}
