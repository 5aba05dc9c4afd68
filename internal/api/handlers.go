package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/udmi-device/internal/device"
)

// handleHealth reports liveness and the runtime phase. A shutting-down
// runtime answers 503 so supervisors stop routing to it.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	phase := s.runtime.Phase()
	status := http.StatusOK
	health := "ok"
	if phase == device.PhaseShuttingDown {
		status = http.StatusServiceUnavailable
		health = "shutting_down"
	}
	writeJSON(w, status, map[string]any{
		"status":    health,
		"version":   s.version,
		"device_id": s.runtime.DeviceID(),
		"phase":     phase.String(),
	})
}

func (s *Server) handleGetState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.runtime.State())
}

func (s *Server) handleGetConfig(w http.ResponseWriter, _ *http.Request) {
	cfg := s.runtime.Config()
	if cfg == nil {
		writeNotFound(w, "no config received yet")
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleListPoints(w http.ResponseWriter, _ *http.Request) {
	if s.points == nil {
		writeNotFound(w, "pointset not available")
		return
	}
	points := s.points.Points()
	writeJSON(w, http.StatusOK, map[string]any{
		"points": points,
		"count":  len(points),
	})
}

// setPointRequest is the body of PUT /points/{name}.
type setPointRequest struct {
	PresentValue json.RawMessage `json:"present_value"`
}

// handleSetPoint is the commissioning override: it sets a present value as
// if the field device had reported it.
func (s *Server) handleSetPoint(w http.ResponseWriter, r *http.Request) {
	if s.points == nil {
		writeNotFound(w, "pointset not available")
		return
	}
	name := chi.URLParam(r, "name")

	var req setPointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if len(req.PresentValue) == 0 {
		writeBadRequest(w, "present_value is required")
		return
	}
	var value any
	if err := json.Unmarshal(req.PresentValue, &value); err != nil {
		writeBadRequest(w, "invalid present_value")
		return
	}

	if err := s.points.SetPointValue(name, value); err != nil {
		if !writePointError(w, r, err) {
			s.logger.Error("point override failed", "point", name, "error", err)
			writeInternalError(w, "failed to set point")
		}
		return
	}

	s.logger.Info("point overridden", "point", name, "request_id", requestID(r))
	writeJSON(w, http.StatusOK, map[string]any{
		"name":          name,
		"present_value": value,
	})
}
