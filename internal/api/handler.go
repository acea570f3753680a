// Package api provides the HTTP API of the jobfleet service.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"jobfleet/internal/apperrors"
	"jobfleet/internal/batch"
	"jobfleet/internal/fleet"
	"jobfleet/internal/health"
	"jobfleet/internal/job"
)

// maxRequestBodySize limits request bodies to 1MB
const maxRequestBodySize = 1 << 20

// SubmitJobRequest is the body of POST /v1/jobs.
type SubmitJobRequest struct {
	DatasetPrefix string `json:"datasetPrefix"`
	EnableSpot    bool   `json:"enableSpot"`
}

// ListJobsResponse is one page of GET /v1/jobs.
type ListJobsResponse struct {
	Jobs       []job.Summary `json:"jobs"`
	NextCursor string        `json:"nextCursor,omitempty"`
}

// ListRunsResponse is the body of GET /v1/batches.
type ListRunsResponse struct {
	Runs []batch.Run `json:"runs"`
}

// Handler contains the HTTP handlers.
type Handler struct {
	fleet  *fleet.Fleet
	health *health.Checker
}

// NewHandler creates a Handler.
func NewHandler(f *fleet.Fleet, healthChecker *health.Checker) *Handler {
	return &Handler{
		fleet:  f,
		health: healthChecker,
	}
}

// SubmitJob handles POST /v1/jobs
func (h *Handler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req SubmitJobRequest
	if !h.decode(w, r, &req) {
		return
	}

	handle, err := h.fleet.SubmitSingle(r.Context(), req.DatasetPrefix, req.EnableSpot)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, handle)
}

// ListJobs handles GET /v1/jobs. Query: status, nameContains, cursor.
// An absent status lists completed jobs; status= (empty) lists every status.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := fleet.DefaultListFilter()
	if q.Has("status") {
		filter.Status = q.Get("status")
	}
	if q.Has("nameContains") {
		filter.NameContains = q.Get("nameContains")
	}

	page, err := h.fleet.Lister().Page(r.Context(), filter, q.Get("cursor"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	resp := ListJobsResponse{Jobs: page.Jobs, NextCursor: page.NextCursor}
	if resp.Jobs == nil {
		resp.Jobs = []job.Summary{}
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// GetJob handles GET /v1/jobs/{name}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	desc, err := h.fleet.Client().DescribeJob(r.Context(), r.PathValue("name"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, desc)
}

// StartBatch handles POST /v1/batches. Omitted fields take the defaults of
// fleet.DefaultBatchRequest.
func (h *Handler) StartBatch(w http.ResponseWriter, r *http.Request) {
	req := fleet.DefaultBatchRequest()
	if !h.decode(w, r, &req) {
		return
	}

	run, err := h.fleet.StartBatch(req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/batches/"+run.ID)
	h.writeJSON(w, http.StatusAccepted, run)
}

// ListBatches handles GET /v1/batches
func (h *Handler) ListBatches(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, ListRunsResponse{Runs: h.fleet.Registry().List()})
}

// GetBatch handles GET /v1/batches/{runId}
func (h *Handler) GetBatch(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("runId")
	run, ok := h.fleet.Registry().Get(runID)
	if !ok {
		h.handleError(w, r, apperrors.NotFound("run", runID))
		return
	}
	h.writeJSON(w, http.StatusOK, run)
}

// CancelBatch handles DELETE /v1/batches/{runId}. The run stops before its
// next batch.
func (h *Handler) CancelBatch(w http.ResponseWriter, r *http.Request) {
	if err := h.fleet.Registry().Cancel(r.PathValue("runId")); err != nil {
		h.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Aggregate handles GET /v1/aggregates. Query: status (default Completed),
// suffix, metric.
func (h *Handler) Aggregate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status := job.StatusCompleted
	if q.Has("status") {
		status = q.Get("status")
	}

	report, err := h.fleet.AggregateMetric(r.Context(), status, q.Get("suffix"), q.Get("metric"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

// Livez handles GET /livez. It does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.health.Liveness(r.Context()))
}

// Readyz handles GET /readyz. Returns 503 when the backend is unreachable or
// the service is shutting down; a degraded response is still 200.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if response.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, response)
}

// decode reads a JSON body into v. An empty body leaves v unchanged.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return false
	}
	return true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// handleError maps errors to status codes with apperrors.HTTPStatus.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.ErrorContext(r.Context(), "Request failed", "error", err, "path", r.URL.Path, "status", status)
	} else {
		slog.WarnContext(r.Context(), "Client error", "error", err, "path", r.URL.Path, "status", status)
	}
	h.writeError(w, status, err.Error())
}
