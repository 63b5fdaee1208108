package processor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/transitlive/dispatch/internal/config"
	"github.com/transitlive/dispatch/internal/eventbus"
	"github.com/transitlive/dispatch/internal/frames"
	"github.com/transitlive/dispatch/internal/model"
	"github.com/transitlive/dispatch/internal/scope"
	"github.com/transitlive/dispatch/internal/state"
	"github.com/transitlive/dispatch/internal/validator"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

type fixture struct {
	bus   *eventbus.Memory
	store *scope.Store
	proc  *Processor
}

func setupProcessor(t *testing.T, cfg config.Processor) *fixture {
	t.Helper()

	log := testLogger()
	bus := eventbus.NewMemory(log)
	store := scope.NewStore(time.Minute, log)
	vehicles := state.NewManager(cfg.MaxVehiclesPerCity, log)
	computer := frames.NewComputer(store, nil, log)

	v, err := validator.New(log)
	require.NoError(t, err)

	proc := New(bus, v, vehicles, computer, store, cfg, nil, log)
	require.NoError(t, proc.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		proc.Stop(ctx)
	})

	return &fixture{bus: bus, store: store, proc: proc}
}

func fastConfig() config.Processor {
	cfg := config.Default().Processor
	cfg.RetryBaseDelayMs = 1
	cfg.RetryMaxDelayMs = 5
	cfg.CleanupIntervalMs = 3600 * 1000
	return cfg
}

func provisionScope(f *fixture, id string) {
	f.store.UpsertScope(id, model.ScopeDefinition{
		ID:        id,
		CityID:    "nyc",
		BBox:      model.BBox{South: 40.70, West: -74.02, North: 40.76, East: -73.96},
		CreatedAt: "2024-01-01T00:00:00Z",
	}, 0)
}

func upsertEnvelope(vehicleID string, lat, lng float64, at string) map[string]any {
	return map[string]any{
		"schemaVersion": "1",
		"data": map[string]any{
			"kind":   "vehicle.upsert",
			"at":     at,
			"cityId": "nyc",
			"source": "test",
			"payload": map[string]any{
				"id":         vehicleID,
				"coordinate": map[string]any{"lat": lat, "lng": lng},
				"updatedAt":  at,
			},
		},
	}
}

func removeEnvelope(vehicleID string) map[string]any {
	return map[string]any{
		"schemaVersion": "1",
		"data": map[string]any{
			"kind":    "vehicle.remove",
			"at":      model.FormatEventTime(time.Now()),
			"cityId":  "nyc",
			"source":  "test",
			"payload": map[string]any{"id": vehicleID},
		},
	}
}

func TestProcessor_UpsertProducesFrame(t *testing.T) {
	t.Parallel()

	f := setupProcessor(t, fastConfig())
	provisionScope(f, "downtown")

	now := model.FormatEventTime(time.Now())
	require.True(t, f.bus.Publish(context.Background(), eventbus.TopicNormalizedEvents,
		upsertEnvelope("V1", 40.75, -73.98, now)))

	require.Eventually(t, func() bool {
		frame, ok := f.store.GetFrame("downtown")
		return ok && len(frame.Vehicles) == 1 && frame.Vehicles[0].ID == "V1"
	}, 2*time.Second, 10*time.Millisecond)

	frame, _ := f.store.GetFrame("downtown")
	assert.Equal(t, "nyc", frame.CityID)
	assert.Equal(t, 40.75, frame.Vehicles[0].Coordinate.Lat)
}

func TestProcessor_UpsertIsLastWriterWins(t *testing.T) {
	t.Parallel()

	f := setupProcessor(t, fastConfig())
	provisionScope(f, "downtown")
	ctx := context.Background()

	now := model.FormatEventTime(time.Now())
	require.True(t, f.bus.Publish(ctx, eventbus.TopicNormalizedEvents, upsertEnvelope("V1", 40.75, -73.98, now)))
	require.True(t, f.bus.Publish(ctx, eventbus.TopicNormalizedEvents, upsertEnvelope("V1", 40.71, -74.00, now)))

	require.Eventually(t, func() bool {
		frame, ok := f.store.GetFrame("downtown")
		return ok && len(frame.Vehicles) == 1 && frame.Vehicles[0].Coordinate.Lat == 40.71
	}, 2*time.Second, 10*time.Millisecond)
}

func TestProcessor_RemoveEmptiesFrame(t *testing.T) {
	t.Parallel()

	f := setupProcessor(t, fastConfig())
	provisionScope(f, "downtown")
	ctx := context.Background()

	now := model.FormatEventTime(time.Now())
	require.True(t, f.bus.Publish(ctx, eventbus.TopicNormalizedEvents, upsertEnvelope("V1", 40.75, -73.98, now)))
	require.Eventually(t, func() bool {
		frame, ok := f.store.GetFrame("downtown")
		return ok && len(frame.Vehicles) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.True(t, f.bus.Publish(ctx, eventbus.TopicNormalizedEvents, removeEnvelope("V1")))
	require.Eventually(t, func() bool {
		frame, ok := f.store.GetFrame("downtown")
		return ok && len(frame.Vehicles) == 0 && frame.Vehicles != nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestProcessor_RemoveUnknownVehicleIsNoOp(t *testing.T) {
	t.Parallel()

	f := setupProcessor(t, fastConfig())
	provisionScope(f, "downtown")

	require.True(t, f.bus.Publish(context.Background(), eventbus.TopicNormalizedEvents, removeEnvelope("ghost")))

	require.Eventually(t, func() bool {
		frame, ok := f.store.GetFrame("downtown")
		return ok && len(frame.Vehicles) == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, f.proc.VehicleStats().TotalVehicles)
}

func TestProcessor_InvalidEnvelopeDiscarded(t *testing.T) {
	t.Parallel()

	f := setupProcessor(t, fastConfig())
	provisionScope(f, "downtown")
	ctx := context.Background()

	bad := upsertEnvelope("V1", 40.75, -73.98, "not-a-timestamp")
	require.True(t, f.bus.Publish(ctx, eventbus.TopicNormalizedEvents, bad))

	// A valid event published after the bad one still lands, proving
	// the pipeline did not wedge on the discard.
	now := model.FormatEventTime(time.Now())
	require.True(t, f.bus.Publish(ctx, eventbus.TopicNormalizedEvents, upsertEnvelope("V2", 40.72, -74.00, now)))

	require.Eventually(t, func() bool {
		frame, ok := f.store.GetFrame("downtown")
		return ok && len(frame.Vehicles) == 1 && frame.Vehicles[0].ID == "V2"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, f.proc.VehicleStats().TotalVehicles)
}

func TestProcessor_OutOfScopeVehicleExcluded(t *testing.T) {
	t.Parallel()

	f := setupProcessor(t, fastConfig())
	provisionScope(f, "downtown")
	ctx := context.Background()

	now := model.FormatEventTime(time.Now())
	// North of the scope's bbox.
	require.True(t, f.bus.Publish(ctx, eventbus.TopicNormalizedEvents, upsertEnvelope("V1", 40.85, -73.95, now)))

	require.Eventually(t, func() bool {
		frame, ok := f.store.GetFrame("downtown")
		return ok && len(frame.Vehicles) == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, f.proc.VehicleStats().TotalVehicles, "vehicle is tracked even when no scope contains it")
}

func TestProcessor_CleanupEvictsStaleVehicles(t *testing.T) {
	t.Parallel()

	cfg := fastConfig()
	cfg.CleanupIntervalMs = 20
	cfg.MaxVehicleAgeMs = 50
	f := setupProcessor(t, cfg)
	provisionScope(f, "downtown")

	// Already stale relative to the 50ms cutoff.
	old := model.FormatEventTime(time.Now().Add(-time.Minute))
	require.True(t, f.bus.Publish(context.Background(), eventbus.TopicNormalizedEvents,
		upsertEnvelope("V1", 40.75, -73.98, old)))

	require.Eventually(t, func() bool {
		return f.proc.VehicleStats().TotalVehicles == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return f.proc.VehicleStats().TotalVehicles == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestProcessor_StopIsIdempotent(t *testing.T) {
	t.Parallel()

	f := setupProcessor(t, fastConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.proc.Stop(ctx))
	require.NoError(t, f.proc.Stop(ctx))
}

func TestProcessor_EnvelopeShapeOnWire(t *testing.T) {
	t.Parallel()

	// The helper envelopes must themselves pass validation, otherwise
	// the tests above would silently exercise the discard path.
	v, err := validator.New(testLogger())
	require.NoError(t, err)

	for _, env := range []map[string]any{
		upsertEnvelope("V1", 40.75, -73.98, "2024-01-01T00:00:00Z"),
		removeEnvelope("V1"),
	} {
		raw, err := json.Marshal(env)
		require.NoError(t, err)
		res := v.Validate(raw)
		require.True(t, res.OK, "errors: %v", res.Errors)
	}
}
