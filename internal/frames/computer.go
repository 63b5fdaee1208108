// Package frames recomputes scoped snapshot frames from the in-memory
// vehicle state whenever the processor applies a change.
package frames

import (
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/transitlive/dispatch/internal/metrics"
	"github.com/transitlive/dispatch/internal/model"
	"github.com/transitlive/dispatch/internal/scope"
)

// Result summarizes one recomputation pass.
type Result struct {
	ScopesProcessed int

	// VehiclesIncluded sums inclusions across scopes; a vehicle inside
	// two overlapping scopes counts twice.
	VehiclesIncluded int

	ProcessingTime time.Duration
	Errors         []error
}

// Computer writes one frame per active scope passing the filter.
type Computer struct {
	store   *scope.Store
	metrics *metrics.Metrics
	log     *logrus.Entry
}

// NewComputer creates a Computer. metrics may be nil.
func NewComputer(store *scope.Store, m *metrics.Metrics, log *logrus.Logger) *Computer {
	return &Computer{
		store:   store,
		metrics: m,
		log:     log.WithField("component", "frame-computer"),
	}
}

// ComputeFrames builds and stores a frame for every active scope that
// passes include (nil includes everything). A failing scope lands in
// Result.Errors; the pass continues.
func (c *Computer) ComputeFrames(cityID string, vehicles map[string]model.VehiclePosition, include func(model.ScopeDefinition) bool) Result {
	start := time.Now()
	now := model.FormatEventTime(start)
	var res Result

	c.store.ForEachActiveScope(func(def model.ScopeDefinition) {
		if include != nil && !include(def) {
			return
		}

		frame := model.ScopedTrainsFrame{
			ScopeID:  def.ID,
			BBox:     def.BBox,
			CityID:   def.CityID,
			At:       now,
			Vehicles: filterByBBox(vehicles, def.BBox),
		}
		if err := frame.Validate(); err != nil {
			res.Errors = append(res.Errors, fmt.Errorf("scope %s: %w", def.ID, err))
			if c.metrics != nil {
				c.metrics.FrameComputeErrors.Inc()
			}
			return
		}

		c.store.SetFrame(def.ID, frame, 0)
		res.ScopesProcessed++
		res.VehiclesIncluded += len(frame.Vehicles)
		if c.metrics != nil {
			c.metrics.FramesComputed.Inc()
		}
	})

	res.ProcessingTime = time.Since(start)
	c.log.WithFields(logrus.Fields{
		"city":     cityID,
		"scopes":   res.ScopesProcessed,
		"vehicles": res.VehiclesIncluded,
		"elapsed":  res.ProcessingTime,
		"errors":   len(res.Errors),
	}).Debug("frames recomputed")
	return res
}

// filterByBBox selects the vehicles inside the box, sorted by id so
// successive frames of an unchanged scope are byte-identical.
func filterByBBox(vehicles map[string]model.VehiclePosition, bbox model.BBox) []model.VehiclePosition {
	out := make([]model.VehiclePosition, 0)
	for _, v := range vehicles {
		if bbox.Contains(v.Coordinate) {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
