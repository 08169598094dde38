package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/polidocs/ingest-engine/pkg/models"
	"github.com/polidocs/ingest-engine/pkg/services"
)

// DataSourcesHandler serves external-database registration and sync.
type DataSourcesHandler struct {
	datasources services.DataSourceService
	logger      *zap.Logger
}

// NewDataSourcesHandler creates a new datasources handler.
func NewDataSourcesHandler(datasources services.DataSourceService, logger *zap.Logger) *DataSourcesHandler {
	return &DataSourcesHandler{datasources: datasources, logger: logger}
}

// RegisterRoutes registers datasource endpoints on the mux.
func (h *DataSourcesHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/data-sources/test-connection", h.TestConnection)
	mux.HandleFunc("POST /api/data-sources/request", h.Submit)
	mux.HandleFunc("GET /api/data-sources", h.List)
	mux.HandleFunc("GET /api/data-sources/pending", h.ListPending)
	mux.HandleFunc("GET /api/data-sources/active", h.ListActive)
	mux.HandleFunc("GET /api/data-sources/{id}", h.Get)
	mux.HandleFunc("POST /api/data-sources/{id}/approve", h.Approve)
	mux.HandleFunc("POST /api/data-sources/{id}/reject", h.Reject)
	mux.HandleFunc("POST /api/data-sources/{id}/sync", h.Sync)
	mux.HandleFunc("GET /api/data-sources/{id}/sync-logs", h.SyncLogs)
}

func (h *DataSourcesHandler) TestConnection(w http.ResponseWriter, r *http.Request) {
	var params services.TestParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	result := h.datasources.TestConnection(r.Context(), params)

	if err := WriteJSON(w, http.StatusOK, result); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// submitBody is the registration payload. The password rides on its own
// field and never appears on the persisted model.
type submitBody struct {
	models.DataSourceRequest
	Password string `json:"password"`
}

func (h *DataSourcesHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var body submitBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	req := body.DataSourceRequest
	if req.Requester == "" {
		req.Requester = callerIdentity(r)
	}

	if err := h.datasources.SubmitRequest(r.Context(), &req, body.Password); err != nil {
		h.writeError(w, statusFor(err), err.Error())
		return
	}

	if err := WriteJSON(w, http.StatusCreated, req); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

func (h *DataSourcesHandler) List(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, r.URL.Query().Get("status"))
}

func (h *DataSourcesHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, models.RequestPending)
}

func (h *DataSourcesHandler) ListActive(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, models.RequestActive)
}

func (h *DataSourcesHandler) list(w http.ResponseWriter, r *http.Request, status string) {
	requests, err := h.datasources.ListRequests(r.Context(), status)
	if err != nil {
		h.writeError(w, statusFor(err), err.Error())
		return
	}

	if err := WriteJSON(w, http.StatusOK, requests); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

func (h *DataSourcesHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	req, err := h.datasources.GetRequest(r.Context(), id)
	if err != nil {
		h.writeError(w, statusFor(err), err.Error())
		return
	}

	if err := WriteJSON(w, http.StatusOK, req); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

func (h *DataSourcesHandler) Approve(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	approver := callerIdentity(r)
	if approver == "" {
		h.writeError(w, http.StatusUnauthorized, "Approver identity required")
		return
	}

	jobID, err := h.datasources.Approve(r.Context(), id, approver)
	if err != nil {
		h.writeError(w, statusFor(err), err.Error())
		return
	}

	if err := WriteJSON(w, http.StatusAccepted, map[string]string{
		"status": models.RequestApproved,
		"job_id": jobID.String(),
	}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

func (h *DataSourcesHandler) Reject(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	approver := callerIdentity(r)
	if approver == "" {
		h.writeError(w, http.StatusUnauthorized, "Approver identity required")
		return
	}

	var body struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := h.datasources.Reject(r.Context(), id, approver, body.Reason); err != nil {
		h.writeError(w, statusFor(err), err.Error())
		return
	}

	if err := WriteJSON(w, http.StatusOK, map[string]string{"status": models.RequestRejected}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

func (h *DataSourcesHandler) Sync(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	jobID, err := h.datasources.TriggerSync(r.Context(), id)
	if err != nil {
		h.writeError(w, statusFor(err), err.Error())
		return
	}

	if err := WriteJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID.String()}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

func (h *DataSourcesHandler) SyncLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	logs, err := h.datasources.SyncLogs(r.Context(), id, 50)
	if err != nil {
		h.writeError(w, statusFor(err), err.Error())
		return
	}

	if err := WriteJSON(w, http.StatusOK, logs); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

func (h *DataSourcesHandler) pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid id")
		return uuid.Nil, false
	}
	return id, true
}

func (h *DataSourcesHandler) writeError(w http.ResponseWriter, status int, message string) {
	if err := ErrorResponse(w, status, message); err != nil {
		h.logger.Error("Failed to write error response", zap.Error(err))
	}
}
