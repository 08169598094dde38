package handlers

import (
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/polidocs/ingest-engine/pkg/services"
)

// JobsHandler serves job polling and cancellation.
type JobsHandler struct {
	jobs   *services.JobManager
	logger *zap.Logger
}

// NewJobsHandler creates a new jobs handler.
func NewJobsHandler(jobs *services.JobManager, logger *zap.Logger) *JobsHandler {
	return &JobsHandler{jobs: jobs, logger: logger}
}

// RegisterRoutes registers job endpoints on the mux.
func (h *JobsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/jobs/{id}", h.Get)
	mux.HandleFunc("POST /api/jobs/{id}/cancel", h.Cancel)
}

func (h *JobsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	job, err := h.jobs.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, statusFor(err), err.Error())
		return
	}

	if err := WriteJSON(w, http.StatusOK, job); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

func (h *JobsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	if err := h.jobs.Cancel(r.Context(), id); err != nil {
		h.writeError(w, statusFor(err), err.Error())
		return
	}

	if err := WriteJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

func (h *JobsHandler) pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid id")
		return uuid.Nil, false
	}
	return id, true
}

func (h *JobsHandler) writeError(w http.ResponseWriter, status int, message string) {
	if err := ErrorResponse(w, status, message); err != nil {
		h.logger.Error("Failed to write error response", zap.Error(err))
	}
}
