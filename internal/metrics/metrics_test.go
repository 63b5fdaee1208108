package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RegistersWithoutCollision(t *testing.T) {
	t.Parallel()

	// Two instances must not share registries or panic on duplicate
	// registration.
	a := New()
	b := New()

	a.EventsProcessed.WithLabelValues("vehicle.upsert", "success").Inc()
	assert.Equal(t, float64(1), testutil.ToFloat64(a.EventsProcessed.WithLabelValues("vehicle.upsert", "success")))
	assert.Equal(t, float64(0), testutil.ToFloat64(b.EventsProcessed.WithLabelValues("vehicle.upsert", "success")))
}

func TestHandler_ExposesCounters(t *testing.T) {
	t.Parallel()

	m := New()
	m.FramesComputed.Inc()
	m.ActiveScopes.Set(4)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "dispatch_frames_computed_total")
	assert.Contains(t, body, "dispatch_active_scopes 4")
}