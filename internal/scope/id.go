// Package scope owns viewport identity and the TTL-indexed store for
// scope definitions and their snapshot frames.
package scope

import (
	"fmt"
	"math"
	"strconv"

	"github.com/transitlive/dispatch/internal/model"
)

const (
	// webMercatorMaxLat is the latitude bound of Web-Mercator tiling.
	webMercatorMaxLat = 85.05112878

	// precision is the quantization grid (~11 m at the equator). Client
	// viewport jitter below the grid collapses onto one scope.
	precision = 1e-4

	// idVersion prefixes every derived scope id.
	idVersion = "v1"
)

// MaxExternalKeyLen bounds client-supplied scope keys.
const MaxExternalKeyLen = 256

// Normalize clamps a bbox to Web-Mercator bounds and quantizes each
// edge to the grid. Zoom is dropped; it is never part of identity.
// Boxes that invert under quantization are rejected.
func Normalize(b model.BBox) (model.BBox, error) {
	n := model.BBox{
		South: quantize(clamp(b.South, -webMercatorMaxLat, webMercatorMaxLat)),
		North: quantize(clamp(b.North, -webMercatorMaxLat, webMercatorMaxLat)),
		West:  quantize(clamp(b.West, -180, 180)),
		East:  quantize(clamp(b.East, -180, 180)),
	}
	if n.North < n.South {
		return model.BBox{}, fmt.Errorf("north < south")
	}
	if n.East < n.West {
		return model.BBox{}, fmt.Errorf("east < west")
	}
	return n, nil
}

// DeriveID computes the deterministic scope id for a city and a
// normalized bbox: "v1|<city>|<south>|<west>|<north>|<east>" with four
// fractional digits per edge.
func DeriveID(cityID string, b model.BBox) string {
	return idVersion + "|" + cityID +
		"|" + formatEdge(b.South) +
		"|" + formatEdge(b.West) +
		"|" + formatEdge(b.North) +
		"|" + formatEdge(b.East)
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}

func quantize(v float64) float64 {
	q := math.Round(v/precision) * precision
	if q == 0 {
		// Avoid a "-0.0000" edge in derived ids.
		return 0
	}
	return q
}

func formatEdge(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}
