// Package model defines the wire-level types shared by the stream bus,
// the processor and the HTTP API: coordinates, viewports, vehicle
// positions, event envelopes, scope definitions and snapshot frames.
package model

import (
	"fmt"
	"strings"
	"time"
)

// SchemaVersion is the only envelope schema version this service accepts.
// Adding fields to stream entries requires bumping it.
const SchemaVersion = "1"

// Event kinds carried in EventEnvelope.Data.
const (
	KindVehicleUpsert = "vehicle.upsert"
	KindVehicleRemove = "vehicle.remove"
)

// Vehicle service statuses.
const (
	StatusInService    = "in_service"
	StatusOutOfService = "out_of_service"
	StatusLayover      = "layover"
	StatusDeadhead     = "deadhead"
)

// Coordinate is a WGS-84 point.
type Coordinate struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Validate checks the coordinate is within WGS-84 bounds.
func (c Coordinate) Validate() error {
	if c.Lat < -90 || c.Lat > 90 {
		return fmt.Errorf("lat %v outside [-90, 90]", c.Lat)
	}
	if c.Lng < -180 || c.Lng > 180 {
		return fmt.Errorf("lng %v outside [-180, 180]", c.Lng)
	}
	return nil
}

// BBox is a geographic viewport. Zoom is a rendering hint only and is
// never part of scope identity.
type BBox struct {
	South float64 `json:"south"`
	West  float64 `json:"west"`
	North float64 `json:"north"`
	East  float64 `json:"east"`
	Zoom  *int    `json:"zoom,omitempty"`
}

// Contains reports whether the coordinate lies inside the box.
// All four edges are inclusive.
func (b BBox) Contains(c Coordinate) bool {
	return b.South <= c.Lat && c.Lat <= b.North &&
		b.West <= c.Lng && c.Lng <= b.East
}

// Validate checks ordering and the optional zoom range.
func (b BBox) Validate() error {
	if b.North < b.South {
		return fmt.Errorf("north must be >= south")
	}
	if b.East < b.West {
		return fmt.Errorf("east must be >= west")
	}
	if b.Zoom != nil && (*b.Zoom < 0 || *b.Zoom > 22) {
		return fmt.Errorf("zoom %d outside [0, 22]", *b.Zoom)
	}
	return nil
}

// VehiclePosition is one vehicle's latest known position.
// UpdatedAt is an RFC-3339 UTC timestamp with a Z suffix.
type VehiclePosition struct {
	ID         string     `json:"id"`
	Coordinate Coordinate `json:"coordinate"`
	UpdatedAt  string     `json:"updatedAt"`
	TripID     string     `json:"tripId,omitempty"`
	RouteID    string     `json:"routeId,omitempty"`
	Bearing    *float64   `json:"bearing,omitempty"`
	SpeedMps   *float64   `json:"speedMps,omitempty"`
	Status     string     `json:"status,omitempty"`
}

// Validate checks every constrained field of the position.
func (p VehiclePosition) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("id must not be empty")
	}
	if err := p.Coordinate.Validate(); err != nil {
		return fmt.Errorf("coordinate: %w", err)
	}
	if _, err := ParseEventTime(p.UpdatedAt); err != nil {
		return fmt.Errorf("updatedAt: %w", err)
	}
	if p.Bearing != nil && (*p.Bearing < 0 || *p.Bearing >= 360) {
		return fmt.Errorf("bearing %v outside [0, 360)", *p.Bearing)
	}
	if p.SpeedMps != nil && *p.SpeedMps < 0 {
		return fmt.Errorf("speedMps %v must be >= 0", *p.SpeedMps)
	}
	if p.Status != "" && !validStatus(p.Status) {
		return fmt.Errorf("unknown status %q", p.Status)
	}
	return nil
}

func validStatus(s string) bool {
	switch s {
	case StatusInService, StatusOutOfService, StatusLayover, StatusDeadhead:
		return true
	}
	return false
}

// VehicleUpsertEvent inserts or overwrites a vehicle position in a city.
type VehicleUpsertEvent struct {
	Kind    string          `json:"kind"`
	At      string          `json:"at"`
	CityID  string          `json:"cityId"`
	Source  string          `json:"source"`
	Payload VehiclePosition `json:"payload"`
}

// RemovePayload identifies the vehicle dropped by a remove event.
type RemovePayload struct {
	ID string `json:"id"`
}

// VehicleRemoveEvent drops a vehicle from a city.
type VehicleRemoveEvent struct {
	Kind    string        `json:"kind"`
	At      string        `json:"at"`
	CityID  string        `json:"cityId"`
	Source  string        `json:"source"`
	Payload RemovePayload `json:"payload"`
}

// Event is the validated, typed form of an envelope's data member.
// Exactly one of Upsert and Remove is non-nil; Kind and CityID are
// always populated.
type Event struct {
	Kind   string
	CityID string
	Upsert *VehicleUpsertEvent
	Remove *VehicleRemoveEvent
}

// ScopeDefinition is a provisioned viewport: a city plus a normalized
// bounding box. Its id is deterministic unless an external key was used.
type ScopeDefinition struct {
	ID        string `json:"id"`
	CityID    string `json:"cityId"`
	BBox      BBox   `json:"bbox"`
	CreatedAt string `json:"createdAt"`
}

// ScopedTrainsFrame is the latest vehicle snapshot for one scope.
// Every vehicle in the frame lies inside the frame's bbox.
type ScopedTrainsFrame struct {
	ScopeID  string            `json:"scopeId"`
	BBox     BBox              `json:"bbox"`
	CityID   string            `json:"cityId"`
	At       string            `json:"at"`
	Checksum string            `json:"checksum,omitempty"`
	Vehicles []VehiclePosition `json:"vehicles"`
}

// Validate checks the frame's internal consistency: required fields
// plus the containment invariant for every vehicle.
func (f ScopedTrainsFrame) Validate() error {
	if f.ScopeID == "" {
		return fmt.Errorf("scopeId must not be empty")
	}
	if f.CityID == "" {
		return fmt.Errorf("cityId must not be empty")
	}
	if _, err := ParseEventTime(f.At); err != nil {
		return fmt.Errorf("at: %w", err)
	}
	if f.Vehicles == nil {
		return fmt.Errorf("vehicles must not be null")
	}
	for _, v := range f.Vehicles {
		if !f.BBox.Contains(v.Coordinate) {
			return fmt.Errorf("vehicle %s outside frame bbox", v.ID)
		}
	}
	return nil
}

// ViewportRequest is the body of POST /api/v1/trains/scopes.
type ViewportRequest struct {
	CityID           string `json:"cityId"`
	BBox             BBox   `json:"bbox"`
	ExternalScopeKey string `json:"externalScopeKey,omitempty"`
}

// FieldError is one entry of a validation failure's details array.
type FieldError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// ParseEventTime parses an event timestamp. Only UTC timestamps with a
// literal Z suffix are accepted; offsets like +02:00 are rejected even
// when they denote UTC. Years are bounded to 1800..9999.
func ParseEventTime(s string) (time.Time, error) {
	if !strings.HasSuffix(s, "Z") {
		return time.Time{}, fmt.Errorf("timestamp %q must end in Z", s)
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("timestamp %q is not RFC 3339", s)
	}
	if y := t.Year(); y < 1800 || y > 9999 {
		return time.Time{}, fmt.Errorf("timestamp year %d outside 1800..9999", y)
	}
	return t, nil
}

// FormatEventTime renders a timestamp in the wire format produced by
// this service.
func FormatEventTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
