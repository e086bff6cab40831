// Package api provides the HTTP API handlers and routing for the console service.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"opsconsole/internal/apperrors"
	"opsconsole/internal/health"
	"opsconsole/internal/job"
	"opsconsole/internal/registry"
)

// maxRequestBodySize limits request body to 1MB to prevent memory exhaustion
const maxRequestBodySize = 1 << 20 // 1 MB

// maxWait caps how long a status request may be held open.
const maxWait = 60 * time.Second

// Handler contains HTTP handlers for the jobs API
type Handler struct {
	svc    *job.Service
	health *health.Checker
}

// NewHandler creates a new API handler
func NewHandler(svc *job.Service, healthChecker *health.Checker) *Handler {
	return &Handler{
		svc:    svc,
		health: healthChecker,
	}
}

// LaunchJob handles POST /v1/jobs/{jobType}.
// Responds 202 with the accepted run, or 409 naming the already-active run.
func (h *Handler) LaunchJob(w http.ResponseWriter, r *http.Request) {
	jobType := r.PathValue("jobType")
	if jobType == "" {
		h.writeError(w, http.StatusBadRequest, "Job type is required")
		return
	}

	// Limit request body size to prevent memory exhaustion
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	// An empty body launches with catalog defaults.
	var req *job.LaunchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	resp, err := h.svc.Launch(r.Context(), jobType, req)
	if err != nil {
		var conflict *registry.ConflictError
		if errors.As(err, &conflict) {
			h.writeJSON(w, http.StatusConflict, conflictResponse{
				Error:     conflict.Error(),
				JobType:   conflict.JobType,
				Name:      conflict.Name,
				StartedAt: conflict.StartedAt,
			})
			return
		}
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, resp)
}

// conflictResponse is the 409 body: the existing run the launch lost to.
type conflictResponse struct {
	Error     string    `json:"error"`
	JobType   string    `json:"jobType"`
	Name      string    `json:"name,omitempty"`
	StartedAt time.Time `json:"startedAt"`
}

// ListJobs handles GET /v1/jobs
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	resp, err := h.svc.List(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// JobStatus handles GET /v1/jobs/{jobType}.
// With ?wait=30s&rev=N the request is held open until the registry moves
// past revision N or the wait elapses, whichever comes first.
func (h *Handler) JobStatus(w http.ResponseWriter, r *http.Request) {
	jobType := r.PathValue("jobType")
	if jobType == "" {
		h.writeError(w, http.StatusBadRequest, "Job type is required")
		return
	}

	wait, err := parseWait(r.URL.Query().Get("wait"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid wait parameter: "+err.Error())
		return
	}

	var since uint64
	if rev := r.URL.Query().Get("rev"); rev != "" {
		since, err = strconv.ParseUint(rev, 10, 64)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "Invalid rev parameter: "+err.Error())
			return
		}
	}

	var snap *job.Snapshot
	if wait > 0 {
		snap, err = h.svc.StatusWait(r.Context(), jobType, since, wait)
	} else {
		snap, err = h.svc.Status(r.Context(), jobType)
	}
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, snap)
}

// JobResult handles GET /v1/jobs/{jobType}/result.
// Responds 404 until the latest run has finished.
func (h *Handler) JobResult(w http.ResponseWriter, r *http.Request) {
	jobType := r.PathValue("jobType")
	if jobType == "" {
		h.writeError(w, http.StatusBadRequest, "Job type is required")
		return
	}

	record, err := h.svc.Result(r.Context(), jobType)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, record)
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	h.writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 200 if the service is ready to accept traffic.
// Returns 503 if dependencies (registry, execution host) are unavailable.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsHealthy() {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

// parseWait parses the wait query parameter. Bare integers are seconds;
// anything else must be a Go duration. The result is capped at maxWait.
func parseWait(value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}

	var wait time.Duration
	if secs, err := strconv.Atoi(value); err == nil {
		wait = time.Duration(secs) * time.Second
	} else {
		wait, err = time.ParseDuration(value)
		if err != nil {
			return 0, err
		}
	}

	if wait < 0 {
		return 0, errors.New("wait must not be negative")
	}
	if wait > maxWait {
		wait = maxWait
	}
	return wait, nil
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// handleError handles errors from service layer with appropriate HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.Error("Internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.Warn("Client error", "error", err, "path", r.URL.Path, "status", status)
	}
	h.writeError(w, status, err.Error())
}
