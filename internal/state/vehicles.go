// Package state keeps the authoritative in-memory vehicle positions,
// bucketed per city. Only the processor and its cleanup tick touch it,
// so one mutex around the outer map is enough.
package state

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/transitlive/dispatch/internal/model"
)

// DefaultMaxVehiclesPerCity bounds each city bucket. The bound is an
// LRU: when a feed misbehaves the oldest-touched vehicle is evicted
// rather than growing without limit.
const DefaultMaxVehiclesPerCity = 10000

type record struct {
	pos         model.VehiclePosition
	lastUpdated time.Time
}

// Stats summarizes tracked state for observability.
type Stats struct {
	TotalVehicles int
	Cities        map[string]int
}

// Manager is the per-city vehicle position map. Each city holds at
// most one record per vehicle id; last writer wins.
type Manager struct {
	mu         sync.Mutex
	cities     map[string]*lru.Cache[string, record]
	maxPerCity int
	log        *logrus.Entry
}

// NewManager creates an empty Manager. maxPerCity <= 0 falls back to
// DefaultMaxVehiclesPerCity.
func NewManager(maxPerCity int, log *logrus.Logger) *Manager {
	if maxPerCity <= 0 {
		maxPerCity = DefaultMaxVehiclesPerCity
	}
	return &Manager{
		cities:     make(map[string]*lru.Cache[string, record]),
		maxPerCity: maxPerCity,
		log:        log.WithField("component", "vehicle-state"),
	}
}

// UpsertVehicle inserts or overwrites the position for (cityID, id).
// The record's age is taken from the position's updatedAt.
func (m *Manager) UpsertVehicle(cityID, id string, pos model.VehiclePosition) error {
	updated, err := model.ParseEventTime(pos.UpdatedAt)
	if err != nil {
		return fmt.Errorf("invalid updatedAt for vehicle %s: %w", id, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	bucket, ok := m.cities[cityID]
	if !ok {
		bucket, err = lru.New[string, record](m.maxPerCity)
		if err != nil {
			return fmt.Errorf("failed to create city bucket: %w", err)
		}
		m.cities[cityID] = bucket
	}

	if evicted := bucket.Add(id, record{pos: pos, lastUpdated: updated}); evicted {
		m.log.WithField("city", cityID).Warn("city bucket full, evicted oldest vehicle")
	}
	return nil
}

// RemoveVehicle deletes the record for (cityID, id). Empty city
// buckets are dropped.
func (m *Manager) RemoveVehicle(cityID, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bucket, ok := m.cities[cityID]
	if !ok {
		return
	}
	bucket.Remove(id)
	if bucket.Len() == 0 {
		delete(m.cities, cityID)
	}
}

// GetVehiclesForCity returns a copy of the city's positions keyed by
// vehicle id.
func (m *Manager) GetVehiclesForCity(cityID string) map[string]model.VehiclePosition {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]model.VehiclePosition)
	bucket, ok := m.cities[cityID]
	if !ok {
		return out
	}
	for _, id := range bucket.Keys() {
		if rec, ok := bucket.Peek(id); ok {
			out[id] = rec.pos
		}
	}
	return out
}

// GetVehiclesInBBox returns the city's vehicles inside the box. All
// four edges are inclusive.
func (m *Manager) GetVehiclesInBBox(cityID string, bbox model.BBox) []model.VehiclePosition {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []model.VehiclePosition
	bucket, ok := m.cities[cityID]
	if !ok {
		return out
	}
	for _, id := range bucket.Keys() {
		rec, ok := bucket.Peek(id)
		if !ok {
			continue
		}
		if bbox.Contains(rec.pos.Coordinate) {
			out = append(out, rec.pos)
		}
	}
	return out
}

// Cleanup removes vehicles whose last update is older than maxAge and
// drops city buckets that end up empty. Returns the number of removed
// vehicles.
func (m *Manager) Cleanup(maxAge time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	removed := 0

	for cityID, bucket := range m.cities {
		for _, id := range bucket.Keys() {
			rec, ok := bucket.Peek(id)
			if !ok {
				continue
			}
			if rec.lastUpdated.Before(cutoff) {
				bucket.Remove(id)
				removed++
			}
		}
		if bucket.Len() == 0 {
			delete(m.cities, cityID)
		}
	}

	if removed > 0 {
		m.log.WithField("removed", removed).Info("cleaned up stale vehicles")
	}
	return removed
}

// GetStats reports vehicle totals and per-city counts.
func (m *Manager) GetStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := Stats{Cities: make(map[string]int, len(m.cities))}
	for cityID, bucket := range m.cities {
		n := bucket.Len()
		stats.Cities[cityID] = n
		stats.TotalVehicles += n
	}
	return stats
}
