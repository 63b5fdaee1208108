// dispatch-feedsim publishes synthetic vehicle-position envelopes to
// the stream bus: a fleet of vehicles random-walking inside a city
// bounding box, with occasional removals. It exercises only the
// envelope contract; the backbone cannot tell it from a real feed.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/transitlive/dispatch/internal/eventbus"
	"github.com/transitlive/dispatch/internal/model"
	"github.com/transitlive/dispatch/internal/streambus"
)

type simConfig struct {
	redisURL   string
	cityID     string
	south      float64
	west       float64
	north      float64
	east       float64
	vehicles   int
	interval   time.Duration
	removeProb float64
	maxLen     int64
}

func main() {
	cfg := simConfig{}

	root := &cobra.Command{
		Use:          "dispatch-feedsim",
		Short:        "Synthetic vehicle-position feed for the dispatch backbone",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cfg)
		},
	}

	fs := root.Flags()
	fs.StringVar(&cfg.redisURL, "redis-url", "redis://localhost:6379", "Stream server connection URL")
	fs.StringVar(&cfg.cityID, "city", "nyc", "City id stamped on every event")
	fs.Float64Var(&cfg.south, "south", 40.70, "Fleet area south edge")
	fs.Float64Var(&cfg.west, "west", -74.02, "Fleet area west edge")
	fs.Float64Var(&cfg.north, "north", 40.76, "Fleet area north edge")
	fs.Float64Var(&cfg.east, "east", -73.96, "Fleet area east edge")
	fs.IntVar(&cfg.vehicles, "vehicles", 25, "Fleet size")
	fs.DurationVar(&cfg.interval, "interval", 2*time.Second, "Delay between publish rounds")
	fs.Float64Var(&cfg.removeProb, "remove-prob", 0.02, "Per-round probability a vehicle is removed and respawned")
	fs.Int64Var(&cfg.maxLen, "max-stream-len", 10000, "Approximate stream length bound")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

type simVehicle struct {
	id  string
	lat float64
	lng float64
}

func run(cfg simConfig) error {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if cfg.vehicles <= 0 {
		return fmt.Errorf("--vehicles must be positive")
	}
	if cfg.north < cfg.south || cfg.east < cfg.west {
		return fmt.Errorf("fleet area edges are inverted")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := streambus.New(streambus.Options{URL: cfg.redisURL}, log)
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to stream server: %w", err)
	}
	defer client.Close()

	bus := eventbus.NewStreamBus(client, cfg.maxLen, log)
	source := "feedsim-" + uuid.NewString()[:8]

	fleet := make([]*simVehicle, cfg.vehicles)
	for i := range fleet {
		fleet[i] = spawn(cfg)
	}
	log.WithFields(logrus.Fields{
		"city":     cfg.cityID,
		"vehicles": cfg.vehicles,
		"source":   source,
	}).Info("feed simulator started")

	ticker := time.NewTicker(cfg.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("feed simulator stopped")
			return nil
		case <-ticker.C:
			for i, v := range fleet {
				if rand.Float64() < cfg.removeProb {
					publishRemove(ctx, bus, cfg.cityID, source, v.id)
					fleet[i] = spawn(cfg)
					continue
				}
				v.step(cfg)
				publishUpsert(ctx, bus, cfg.cityID, source, v)
			}
		}
	}
}

func spawn(cfg simConfig) *simVehicle {
	return &simVehicle{
		id:  "SIM-" + uuid.NewString()[:8],
		lat: cfg.south + rand.Float64()*(cfg.north-cfg.south),
		lng: cfg.west + rand.Float64()*(cfg.east-cfg.west),
	}
}

// step moves the vehicle a small random distance, bouncing off the
// fleet-area edges.
func (v *simVehicle) step(cfg simConfig) {
	v.lat += (rand.Float64() - 0.5) * 0.002
	v.lng += (rand.Float64() - 0.5) * 0.002
	v.lat = clampF(v.lat, cfg.south, cfg.north)
	v.lng = clampF(v.lng, cfg.west, cfg.east)
}

func publishUpsert(ctx context.Context, bus eventbus.Bus, cityID, source string, v *simVehicle) {
	now := model.FormatEventTime(time.Now())
	bearing := rand.Float64() * 360
	speed := rand.Float64() * 20

	envelope := map[string]any{
		"schemaVersion": model.SchemaVersion,
		"data": model.VehicleUpsertEvent{
			Kind:   model.KindVehicleUpsert,
			At:     now,
			CityID: cityID,
			Source: source,
			Payload: model.VehiclePosition{
				ID:         v.id,
				Coordinate: model.Coordinate{Lat: v.lat, Lng: v.lng},
				UpdatedAt:  now,
				Bearing:    &bearing,
				SpeedMps:   &speed,
				Status:     model.StatusInService,
			},
		},
	}
	bus.Publish(ctx, eventbus.TopicNormalizedEvents, envelope)
}

func publishRemove(ctx context.Context, bus eventbus.Bus, cityID, source, vehicleID string) {
	envelope := map[string]any{
		"schemaVersion": model.SchemaVersion,
		"data": model.VehicleRemoveEvent{
			Kind:    model.KindVehicleRemove,
			At:      model.FormatEventTime(time.Now()),
			CityID:  cityID,
			Source:  source,
			Payload: model.RemovePayload{ID: vehicleID},
		},
	}
	bus.Publish(ctx, eventbus.TopicNormalizedEvents, envelope)
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
