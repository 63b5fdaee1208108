package scope

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/transitlive/dispatch/internal/model"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func testDef(id, city string) model.ScopeDefinition {
	return model.ScopeDefinition{
		ID:        id,
		CityID:    city,
		BBox:      model.BBox{South: 40.70, West: -74.02, North: 40.76, East: -73.96},
		CreatedAt: "2024-01-01T00:00:00Z",
	}
}

func testFrame(id, city string) model.ScopedTrainsFrame {
	return model.ScopedTrainsFrame{
		ScopeID:  id,
		BBox:     model.BBox{South: 40.70, West: -74.02, North: 40.76, East: -73.96},
		CityID:   city,
		At:       "2024-01-01T00:00:00Z",
		Vehicles: []model.VehiclePosition{},
	}
}

func TestStore_UpsertAndGetScope(t *testing.T) {
	t.Parallel()

	store := NewStore(time.Minute, testLogger())
	store.UpsertScope("s1", testDef("s1", "nyc"), 0)

	def, ok := store.GetScope("s1")
	require.True(t, ok)
	assert.Equal(t, "nyc", def.CityID)

	_, ok = store.GetScope("missing")
	assert.False(t, ok)
}

func TestStore_ExpiredEntriesAreInvisible(t *testing.T) {
	t.Parallel()

	store := NewStore(time.Minute, testLogger())
	store.UpsertScope("s1", testDef("s1", "nyc"), 10*time.Millisecond)
	store.SetFrame("s1", testFrame("s1", "nyc"), 10*time.Millisecond)

	time.Sleep(30 * time.Millisecond)

	_, ok := store.GetScope("s1")
	assert.False(t, ok)
	_, ok = store.GetFrame("s1")
	assert.False(t, ok)
}

func TestStore_PerCallTTLOverride(t *testing.T) {
	t.Parallel()

	store := NewStore(10*time.Millisecond, testLogger())
	store.UpsertScope("long", testDef("long", "nyc"), time.Minute)
	store.UpsertScope("short", testDef("short", "nyc"), 0)

	time.Sleep(30 * time.Millisecond)

	_, ok := store.GetScope("long")
	assert.True(t, ok)
	_, ok = store.GetScope("short")
	assert.False(t, ok)
}

func TestStore_UpsertRefreshesExpiry(t *testing.T) {
	t.Parallel()

	store := NewStore(time.Minute, testLogger())
	store.UpsertScope("s1", testDef("s1", "nyc"), 40*time.Millisecond)

	time.Sleep(25 * time.Millisecond)
	store.UpsertScope("s1", testDef("s1", "nyc"), 40*time.Millisecond)
	time.Sleep(25 * time.Millisecond)

	_, ok := store.GetScope("s1")
	assert.True(t, ok)
}

func TestStore_ForEachActiveScopeSkipsExpired(t *testing.T) {
	t.Parallel()

	store := NewStore(time.Minute, testLogger())
	store.UpsertScope("live", testDef("live", "nyc"), time.Minute)
	store.UpsertScope("dead", testDef("dead", "nyc"), 10*time.Millisecond)

	time.Sleep(30 * time.Millisecond)

	var seen []string
	store.ForEachActiveScope(func(def model.ScopeDefinition) {
		seen = append(seen, def.ID)
	})
	assert.Equal(t, []string{"live"}, seen)
}

func TestStore_SetAndGetFrame(t *testing.T) {
	t.Parallel()

	store := NewStore(time.Minute, testLogger())
	store.SetFrame("s1", testFrame("s1", "nyc"), 0)

	frame, ok := store.GetFrame("s1")
	require.True(t, ok)
	assert.Equal(t, "s1", frame.ScopeID)
	assert.Empty(t, frame.Vehicles)
}

func TestStore_ObservabilityHooks(t *testing.T) {
	t.Parallel()

	store := NewStore(time.Minute, testLogger())

	var createdScopes, updatedFrames int
	store.OnScopeCreated = func(model.ScopeDefinition) { createdScopes++ }
	store.OnFrameUpdated = func(model.ScopedTrainsFrame) { updatedFrames++ }

	store.UpsertScope("s1", testDef("s1", "nyc"), 0)
	store.SetFrame("s1", testFrame("s1", "nyc"), 0)
	store.SetFrame("s1", testFrame("s1", "nyc"), 0)

	assert.Equal(t, 1, createdScopes)
	assert.Equal(t, 2, updatedFrames)
}

func TestStore_SweepDropsExpired(t *testing.T) {
	t.Parallel()

	store := NewStore(time.Minute, testLogger())
	store.UpsertScope("live", testDef("live", "nyc"), time.Minute)
	store.UpsertScope("dead", testDef("dead", "nyc"), 10*time.Millisecond)

	time.Sleep(30 * time.Millisecond)
	store.Sweep()

	assert.Equal(t, 1, store.ActiveScopeCount())
	assert.Len(t, store.ActiveScopes(), 1)
}
