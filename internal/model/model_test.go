package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEventTime_AcceptsZSuffixedUTC(t *testing.T) {
	t.Parallel()

	ts, err := ParseEventTime("2024-01-01T00:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, 2024, ts.Year())
}

func TestParseEventTime_Rejections(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		input string
	}{
		{"offset instead of Z", "2024-01-01T00:00:00+00:00"},
		{"no timezone", "2024-01-01T00:00:00"},
		{"not a timestamp", "yesterday"},
		{"year below 1800", "1799-12-31T23:59:59Z"},
		{"empty", ""},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := ParseEventTime(tc.input)
			assert.Error(t, err)
		})
	}
}

func TestBBoxContains_EdgesAreInclusive(t *testing.T) {
	t.Parallel()

	box := BBox{South: 40.70, West: -74.02, North: 40.76, East: -73.96}

	assert.True(t, box.Contains(Coordinate{Lat: 40.70, Lng: -74.02}))
	assert.True(t, box.Contains(Coordinate{Lat: 40.76, Lng: -73.96}))
	assert.True(t, box.Contains(Coordinate{Lat: 40.73, Lng: -74.00}))
	assert.False(t, box.Contains(Coordinate{Lat: 40.77, Lng: -74.00}))
	assert.False(t, box.Contains(Coordinate{Lat: 40.73, Lng: -73.95}))
}

func TestVehiclePositionValidate(t *testing.T) {
	t.Parallel()

	base := func() VehiclePosition {
		return VehiclePosition{
			ID:         "V1",
			Coordinate: Coordinate{Lat: 40.75, Lng: -73.98},
			UpdatedAt:  "2024-01-01T00:00:00Z",
		}
	}

	t.Run("minimal valid", func(t *testing.T) {
		assert.NoError(t, base().Validate())
	})

	t.Run("bearing upper bound is exclusive", func(t *testing.T) {
		p := base()
		bearing := 360.0
		p.Bearing = &bearing
		assert.Error(t, p.Validate())

		bearing = 359.9
		assert.NoError(t, p.Validate())
	})

	t.Run("negative speed rejected", func(t *testing.T) {
		p := base()
		speed := -1.0
		p.SpeedMps = &speed
		assert.Error(t, p.Validate())
	})

	t.Run("unknown status rejected", func(t *testing.T) {
		p := base()
		p.Status = "parked"
		assert.Error(t, p.Validate())

		p.Status = StatusLayover
		assert.NoError(t, p.Validate())
	})

	t.Run("latitude out of range", func(t *testing.T) {
		p := base()
		p.Coordinate.Lat = 91
		assert.Error(t, p.Validate())
	})
}

func TestFrameValidate_ContainmentInvariant(t *testing.T) {
	t.Parallel()

	frame := ScopedTrainsFrame{
		ScopeID: "v1|nyc|40.7000|-74.0200|40.7600|-73.9600",
		BBox:    BBox{South: 40.70, West: -74.02, North: 40.76, East: -73.96},
		CityID:  "nyc",
		At:      "2024-01-01T00:00:00Z",
		Vehicles: []VehiclePosition{{
			ID:         "V1",
			Coordinate: Coordinate{Lat: 40.75, Lng: -73.98},
			UpdatedAt:  "2024-01-01T00:00:00Z",
		}},
	}
	require.NoError(t, frame.Validate())

	frame.Vehicles[0].Coordinate.Lat = 41.0
	assert.Error(t, frame.Validate())
}

func TestEnvelopeRoundTrip(t *testing.T) {
	t.Parallel()

	bearing := 90.0
	original := VehicleUpsertEvent{
		Kind:   KindVehicleUpsert,
		At:     "2024-01-01T00:00:00Z",
		CityID: "nyc",
		Source: "test",
		Payload: VehiclePosition{
			ID:         "V1",
			Coordinate: Coordinate{Lat: 40.75, Lng: -73.98},
			UpdatedAt:  "2024-01-01T00:00:00Z",
			TripID:     "T42",
			Bearing:    &bearing,
			Status:     StatusInService,
		},
	}

	body, err := json.Marshal(original)
	require.NoError(t, err)

	var decoded VehicleUpsertEvent
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.Equal(t, original, decoded)
}
