package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"

	"github.com/lei/flowci/internal/cierr"
	"github.com/lei/flowci/internal/models"
	"github.com/lei/flowci/internal/service"
)

// Handlers contains HTTP handler functions
type Handlers struct {
	service *service.Service
}

// NewHandlers creates a new handlers instance
func NewHandlers(svc *service.Service) *Handlers {
	return &Handlers{service: svc}
}

// Health handles health check requests
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.service.HealthCheck(r.Context()))
}

// eventRequest is the ingestion payload posted by the hosting platform
type eventRequest struct {
	Kind       string    `json:"kind"`
	Repository string    `json:"repository"`
	Ref        string    `json:"ref"`
	HeadRef    string    `json:"head_ref"`
	Timestamp  time.Time `json:"timestamp"`
}

// SubmitEvent handles POST /v1/events
func (h *Handlers) SubmitEvent(w http.ResponseWriter, r *http.Request) {
	logger := GetLogger(r.Context())

	var req eventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if logger != nil {
			logger.Warn("invalid request body", "error", err)
		}
		respondError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	runs, err := h.service.SubmitEvent(r.Context(), models.Event{
		Kind:       models.EventKind(req.Kind),
		Repository: req.Repository,
		Ref:        req.Ref,
		HeadRef:    req.HeadRef,
		Timestamp:  req.Timestamp,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if len(runs) == 0 {
		// Trigger mismatch is a no-op outcome, not an error
		json.NewEncoder(w).Encode(map[string]interface{}{
			"matched": false,
			"runs":    []*models.Run{},
		})
		return
	}

	if logger != nil {
		logger.Info("event accepted", "kind", req.Kind, "runs", len(runs))
	}
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"matched": true,
		"runs":    runs,
	})
}

// workflowSummary is the list representation of a registered workflow
type workflowSummary struct {
	Name     string   `json:"name"`
	Triggers []string `json:"triggers"`
	Jobs     []string `json:"jobs"`
}

// ListWorkflows handles GET /v1/workflows
func (h *Handlers) ListWorkflows(w http.ResponseWriter, r *http.Request) {
	defs := h.service.ListWorkflows(r.Context())

	summaries := make([]workflowSummary, 0, len(defs))
	for _, def := range defs {
		s := workflowSummary{Name: def.Name}
		if def.On.Push != nil {
			s.Triggers = append(s.Triggers, "push")
		}
		if def.On.PullRequest != nil {
			s.Triggers = append(s.Triggers, "pull_request")
		}
		if len(def.On.Schedule) > 0 {
			s.Triggers = append(s.Triggers, "schedule")
		}
		for _, j := range def.Jobs {
			s.Jobs = append(s.Jobs, j.Name)
		}
		summaries = append(summaries, s)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"workflows": summaries,
	})
}

// GetWorkflow handles GET /v1/workflows/{workflow}; responds with the
// re-serialized definition document
func (h *Handlers) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "workflow")

	data, err := h.service.WorkflowYAML(r.Context(), name)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/yaml")
	w.Write(data)
}

// ListRuns handles GET /v1/runs
func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.service.ListRuns(r.Context())
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	q := r.URL.Query()
	runs = FilterRuns(runs, q.Get("workflow"), q.Get("status"), q.Get("search"))

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"runs": runs,
	})
}

// GetRun handles GET /v1/runs/{run_id}
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")

	run, err := h.service.GetRun(r.Context(), runID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"run": run,
	})
}

// StreamEvents handles GET /v1/runs/{run_id}/events
func (h *Handlers) StreamEvents(w http.ResponseWriter, r *http.Request) {
	logger := GetLogger(r.Context())
	runID := chi.URLParam(r, "run_id")

	if logger != nil {
		logger.Info("starting event stream", "run_id", runID)
	}

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		if logger != nil {
			logger.Error("streaming not supported by response writer")
		}
		respondError(w, r, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Send initial connection success event
	requestID := GetRequestID(r.Context())
	fmt.Fprintf(w, "event: connected\ndata: {\"request_id\":\"%s\"}\n\n", requestID)
	flusher.Flush()

	if err := h.service.StreamRunEvents(r.Context(), runID, w); err != nil {
		// Cannot change headers after streaming starts, but MUST log
		if logger != nil {
			logger.Error("streaming error occurred", "run_id", runID, "error", err)
		}

		// Send error event if possible (best effort)
		fmt.Fprintf(w, "event: error\ndata: {\"message\":\"stream error\",\"request_id\":\"%s\"}\n\n", requestID)
		flusher.Flush()
		return
	}

	if logger != nil {
		logger.Info("event stream completed", "run_id", runID)
	}
	flusher.Flush()
}

// CancelRun handles POST /v1/runs/{run_id}/cancel
func (h *Handlers) CancelRun(w http.ResponseWriter, r *http.Request) {
	logger := GetLogger(r.Context())
	runID := chi.URLParam(r, "run_id")

	if err := h.service.CancelRun(r.Context(), runID); err != nil {
		handleServiceError(w, r, err)
		return
	}

	if logger != nil {
		logger.Info("run cancellation requested", "run_id", runID)
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListInstances handles GET /v1/runs/{run_id}/instances
func (h *Handlers) ListInstances(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")

	run, err := h.service.GetRun(r.Context(), runID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"instances": run.Instances,
	})
}

// GetInstance handles GET /v1/runs/{run_id}/instances/{instance_id}
func (h *Handlers) GetInstance(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	instanceID := chi.URLParam(r, "instance_id")

	inst, err := h.service.GetInstance(r.Context(), runID, instanceID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"instance": inst,
	})
}

// StepLogs handles GET /v1/runs/{run_id}/instances/{instance_id}/steps/{index}/logs
func (h *Handlers) StepLogs(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	instanceID := chi.URLParam(r, "instance_id")

	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		respondError(w, r, http.StatusBadRequest, "invalid step index")
		return
	}

	step, err := h.service.StepLogs(r.Context(), runID, instanceID, index)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"step": step,
	})
}

// respondError writes a JSON error response with logging
func respondError(w http.ResponseWriter, r *http.Request, status int, message string) {
	logger := GetLogger(r.Context())
	requestID := GetRequestID(r.Context())

	if logger != nil {
		logger.Error("returning error response",
			"status", status,
			"message", message,
			"request_id", requestID)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error":      message,
		"request_id": requestID,
	})
}

// handleServiceError maps service errors to HTTP responses
func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, service.ErrRunNotFound):
		respondError(w, r, http.StatusNotFound, "run not found")
	case errors.Is(err, service.ErrWorkflowNotFound):
		respondError(w, r, http.StatusNotFound, "workflow not found")
	case errors.Is(err, cierr.ErrInstanceNotFound):
		respondError(w, r, http.StatusNotFound, "job instance not found")
	case errors.Is(err, cierr.ErrStepNotFound):
		respondError(w, r, http.StatusNotFound, "step not found")
	case errors.Is(err, service.ErrInvalidEvent):
		respondError(w, r, http.StatusBadRequest, err.Error())
	default:
		respondError(w, r, http.StatusInternalServerError, "internal server error")
	}
}
