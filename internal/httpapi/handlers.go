package httpapi

import (
	"encoding/json"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/transitlive/dispatch/internal/model"
	"github.com/transitlive/dispatch/internal/scope"
)

// handleCreateScope provisions (or refreshes) a viewport scope.
// 200 when a frame already exists for the scope, 201 when an empty
// frame was just written, 400 on validation failure.
func (s *Server) handleCreateScope(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req model.ViewportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid viewport request", []model.FieldError{
			{Path: "body", Message: "request body is not valid JSON", Code: "malformed"},
		})
		return
	}

	req.CityID = strings.TrimSpace(req.CityID)
	if details := validateViewportRequest(req); len(details) > 0 {
		s.writeError(w, http.StatusBadRequest, "Invalid viewport request", details)
		return
	}

	nbox, err := scope.Normalize(req.BBox)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid viewport request", []model.FieldError{
			{Path: "bbox", Message: err.Error(), Code: "invalid_range"},
		})
		return
	}

	scopeID := req.ExternalScopeKey
	if scopeID == "" {
		scopeID = scope.DeriveID(req.CityID, nbox)
	}

	now := model.FormatEventTime(time.Now())
	def := model.ScopeDefinition{
		ID:        scopeID,
		CityID:    req.CityID,
		BBox:      nbox,
		CreatedAt: now,
	}
	s.store.UpsertScope(scopeID, def, s.scopeTTL)

	if frame, ok := s.store.GetFrame(scopeID); ok {
		s.writeJSON(w, http.StatusOK, map[string]any{
			"ok": true, "scopeId": scopeID, "frame": frame,
		})
		return
	}

	frame := model.ScopedTrainsFrame{
		ScopeID:  scopeID,
		BBox:     nbox,
		CityID:   req.CityID,
		At:       now,
		Vehicles: []model.VehiclePosition{},
	}
	if err := frame.Validate(); err != nil {
		s.log.WithError(err).Error("built an invalid empty frame")
		s.writeError(w, http.StatusInternalServerError, "Internal server error", nil)
		return
	}
	s.store.SetFrame(scopeID, frame, s.scopeTTL)

	s.writeJSON(w, http.StatusCreated, map[string]any{
		"ok": true, "scopeId": scopeID, "frame": frame,
	})
}

// handleGetFrame serves the latest frame for ?scope=<id>.
func (s *Server) handleGetFrame(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	scopeID := strings.TrimSpace(r.URL.Query().Get("scope"))
	if scopeID == "" || len(scopeID) > scope.MaxExternalKeyLen {
		s.writeError(w, http.StatusBadRequest, "Missing or invalid scope parameter", nil)
		return
	}

	frame, ok := s.store.GetFrame(scopeID)
	if !ok {
		s.writeError(w, http.StatusNotFound, "Scope not found", nil)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "frame": frame})
}

// handleListScopes lists active scope definitions. Operator tooling
// only; clients poll frames, not this.
func (s *Server) handleListScopes(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	scopes := s.store.ActiveScopes()
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "scopes": scopes})
}

// handleStats reports tracked vehicles, live scopes and process usage.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	body := map[string]any{
		"ok":           true,
		"activeScopes": s.store.ActiveScopeCount(),
	}
	if s.stats != nil {
		vs := s.stats.VehicleStats()
		body["vehicles"] = map[string]any{
			"total":  vs.TotalVehicles,
			"cities": vs.Cities,
		}
	}

	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if cpu, err := proc.CPUPercent(); err == nil {
			body["cpuPercent"] = cpu
		}
		if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
			body["rssBytes"] = mem.RSS
		}
	}

	s.writeJSON(w, http.StatusOK, body)
}

// handleHealthz is the liveness probe.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"service": ServiceName,
		"time":    model.FormatEventTime(time.Now()),
	})
}

// handleOpenAPI publishes the API contract.
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if s.openapiErr != nil {
		s.log.WithError(s.openapiErr).Error("openapi document unavailable")
		s.writeError(w, http.StatusInternalServerError, "OpenAPI document unavailable", nil)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(s.openapi)
}

// validateViewportRequest checks the request shape. Coordinates are
// not range-checked here: normalization clamps them to Web-Mercator
// bounds instead.
func validateViewportRequest(req model.ViewportRequest) []model.FieldError {
	var details []model.FieldError

	if req.CityID == "" {
		details = append(details, model.FieldError{
			Path: "cityId", Message: "cityId must not be empty", Code: "required",
		})
	}
	if req.BBox.North < req.BBox.South {
		details = append(details, model.FieldError{
			Path: "bbox.north", Message: "north must be >= south", Code: "invalid_range",
		})
	}
	if req.BBox.East < req.BBox.West {
		details = append(details, model.FieldError{
			Path: "bbox.east", Message: "east must be >= west", Code: "invalid_range",
		})
	}
	if z := req.BBox.Zoom; z != nil && (*z < 0 || *z > 22) {
		details = append(details, model.FieldError{
			Path: "bbox.zoom", Message: "zoom must be within [0, 22]", Code: "invalid_range",
		})
	}
	if key := req.ExternalScopeKey; key != "" && len(key) > scope.MaxExternalKeyLen {
		details = append(details, model.FieldError{
			Path: "externalScopeKey", Message: "externalScopeKey must be 1..256 characters", Code: "invalid_length",
		})
	}
	return details
}
