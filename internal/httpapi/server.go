// Package httpapi serves the scope provisioning and retrieval surface:
// viewport scopes are minted or reused on POST and their latest frames
// polled on GET. Metrics, health and the OpenAPI contract ride along.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"github.com/sirupsen/logrus"

	"github.com/transitlive/dispatch/internal/metrics"
	"github.com/transitlive/dispatch/internal/scope"
	"github.com/transitlive/dispatch/internal/state"
)

// ServiceName appears in health responses.
const ServiceName = "dispatch-server"

// VehicleStatsSource reports tracked-vehicle totals for the stats
// endpoint. The processor implements it.
type VehicleStatsSource interface {
	VehicleStats() state.Stats
}

// Server is the HTTP API.
type Server struct {
	store    *scope.Store
	scopeTTL time.Duration
	stats    VehicleStatsSource
	metrics  *metrics.Metrics
	log      *logrus.Entry

	httpServer *http.Server
	openapi    []byte
	openapiErr error
}

// New builds the server. stats and m may be nil (the stats endpoint
// then omits vehicle totals, and /metrics serves an empty registry).
func New(addr string, store *scope.Store, scopeTTL time.Duration, stats VehicleStatsSource, m *metrics.Metrics, log *logrus.Logger) *Server {
	s := &Server{
		store:    store,
		scopeTTL: scopeTTL,
		stats:    stats,
		metrics:  m,
		log:      log.WithField("component", "httpapi"),
	}
	s.openapi, s.openapiErr = buildOpenAPIDocument()

	router := httprouter.New()
	router.POST("/api/v1/trains/scopes", s.instrument("/api/v1/trains/scopes", s.handleCreateScope))
	router.GET("/api/v1/trains", s.instrument("/api/v1/trains", s.handleGetFrame))
	router.GET("/api/v1/trains/scopes", s.instrument("/api/v1/trains/scopes", s.handleListScopes))
	router.GET("/api/v1/stats", s.instrument("/api/v1/stats", s.handleStats))
	router.GET("/healthz", s.instrument("/healthz", s.handleHealthz))
	router.GET("/openapi.json", s.instrument("/openapi.json", s.handleOpenAPI))
	if m != nil {
		router.Handler(http.MethodGet, "/metrics", m.Handler())
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start begins serving. Blocks until the listener closes.
func (s *Server) Start() error {
	s.log.WithField("addr", s.httpServer.Addr).Info("http server listening")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// instrument wraps a handler with access logging and HTTP metrics.
func (s *Server) instrument(route string, h httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		start := time.Now()
		rw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		requestID := uuid.NewString()

		h(rw, r, ps)

		elapsed := time.Since(start)
		if s.metrics != nil {
			s.metrics.HTTPRequests.WithLabelValues(route, r.Method, strconv.Itoa(rw.status)).Inc()
			s.metrics.HTTPDurationSeconds.WithLabelValues(route).Observe(elapsed.Seconds())
		}
		s.log.WithFields(logrus.Fields{
			"request": requestID,
			"method":  r.Method,
			"route":   route,
			"status":  rw.status,
			"elapsed": elapsed,
		}).Debug("request served")
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.WithError(err).Error("failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string, details any) {
	body := map[string]any{"ok": false, "error": message}
	if details != nil {
		body["details"] = details
	}
	s.writeJSON(w, status, body)
}
