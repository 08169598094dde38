package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/polidocs/ingest-engine/pkg/models"
	"github.com/polidocs/ingest-engine/pkg/services"
)

// SourcesHandler serves crawl source management and run triggering.
type SourcesHandler struct {
	sources services.SourceService
	jobs    *services.JobManager
	logger  *zap.Logger
}

// NewSourcesHandler creates a new sources handler.
func NewSourcesHandler(sources services.SourceService, jobs *services.JobManager, logger *zap.Logger) *SourcesHandler {
	return &SourcesHandler{sources: sources, jobs: jobs, logger: logger}
}

// RegisterRoutes registers source endpoints on the mux.
func (h *SourcesHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/sources", h.Create)
	mux.HandleFunc("GET /api/sources", h.List)
	mux.HandleFunc("GET /api/sources/{id}", h.Get)
	mux.HandleFunc("PATCH /api/sources/{id}", h.Update)
	mux.HandleFunc("POST /api/sources/{id}/scrape", h.Scrape)
	mux.HandleFunc("GET /api/sources/{id}/jobs", h.Jobs)
	mux.HandleFunc("GET /api/sources/{id}/jobs/{job_id}", h.Job)
}

func (h *SourcesHandler) Create(w http.ResponseWriter, r *http.Request) {
	var src models.Source
	if err := json.NewDecoder(r.Body).Decode(&src); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := h.sources.Create(r.Context(), &src); err != nil {
		h.writeError(w, statusFor(err), err.Error())
		return
	}

	if err := WriteJSON(w, http.StatusCreated, src); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

func (h *SourcesHandler) List(w http.ResponseWriter, r *http.Request) {
	sources, err := h.sources.List(r.Context())
	if err != nil {
		h.writeError(w, statusFor(err), err.Error())
		return
	}

	if err := WriteJSON(w, http.StatusOK, sources); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

func (h *SourcesHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}

	src, err := h.sources.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, statusFor(err), err.Error())
		return
	}

	if err := WriteJSON(w, http.StatusOK, src); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

func (h *SourcesHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}

	// Decode over the stored source so omitted fields keep their values.
	src, err := h.sources.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, statusFor(err), err.Error())
		return
	}
	if err := json.NewDecoder(r.Body).Decode(src); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	src.ID = id

	if err := h.sources.Update(r.Context(), src); err != nil {
		h.writeError(w, statusFor(err), err.Error())
		return
	}

	if err := WriteJSON(w, http.StatusOK, src); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

func (h *SourcesHandler) Scrape(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}

	var body struct {
		Incremental *bool `json:"incremental"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			h.writeError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}

	mode := ""
	if body.Incremental != nil {
		mode = models.ModeFull
		if *body.Incremental {
			mode = models.ModeIncremental
		}
	}

	jobID, err := h.sources.TriggerCrawl(r.Context(), id, mode)
	if err != nil {
		h.writeError(w, statusFor(err), err.Error())
		return
	}

	if err := WriteJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID.String()}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

func (h *SourcesHandler) Jobs(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}

	jobs, err := h.sources.CrawlLogs(r.Context(), id, 50)
	if err != nil {
		h.writeError(w, statusFor(err), err.Error())
		return
	}

	if err := WriteJSON(w, http.StatusOK, jobs); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

func (h *SourcesHandler) Job(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.pathID(w, r, "id"); !ok {
		return
	}
	jobID, ok := h.pathID(w, r, "job_id")
	if !ok {
		return
	}

	job, err := h.jobs.Get(r.Context(), jobID)
	if err != nil {
		h.writeError(w, statusFor(err), err.Error())
		return
	}

	if err := WriteJSON(w, http.StatusOK, job); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

func (h *SourcesHandler) pathID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

func (h *SourcesHandler) writeError(w http.ResponseWriter, status int, message string) {
	if err := ErrorResponse(w, status, message); err != nil {
		h.logger.Error("Failed to write error response", zap.Error(err))
	}
}
