package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/polidocs/ingest-engine/pkg/services"
)

// FamiliesHandler serves the document family graph and version approval.
type FamiliesHandler struct {
	families services.FamilyService
	logger   *zap.Logger
}

// NewFamiliesHandler creates a new families handler.
func NewFamiliesHandler(families services.FamilyService, logger *zap.Logger) *FamiliesHandler {
	return &FamiliesHandler{families: families, logger: logger}
}

// RegisterRoutes registers family and version endpoints on the mux.
func (h *FamiliesHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/document-families", h.List)
	mux.HandleFunc("GET /api/document-families/{id}/evolution", h.Evolution)
	mux.HandleFunc("POST /api/document-families/{id}/archive", h.Archive)
	mux.HandleFunc("POST /api/document-families/migrate-existing", h.Migrate)
	mux.HandleFunc("POST /api/document-versions/{id}/approve", h.ApproveVersion)
	mux.HandleFunc("POST /api/document-versions/{id}/reject", h.RejectVersion)
}

func (h *FamiliesHandler) List(w http.ResponseWriter, r *http.Request) {
	includeArchived := r.URL.Query().Get("include_archived") == "true"

	families, err := h.families.List(r.Context(), includeArchived)
	if err != nil {
		h.writeError(w, statusFor(err), err.Error())
		return
	}

	if err := WriteJSON(w, http.StatusOK, families); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

func (h *FamiliesHandler) Evolution(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	evolution, err := h.families.Evolution(r.Context(), id)
	if err != nil {
		h.writeError(w, statusFor(err), err.Error())
		return
	}

	if err := WriteJSON(w, http.StatusOK, evolution); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

func (h *FamiliesHandler) Archive(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	var body struct {
		Archived bool `json:"archived"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := h.families.Archive(r.Context(), id, body.Archived); err != nil {
		h.writeError(w, statusFor(err), err.Error())
		return
	}

	if err := WriteJSON(w, http.StatusOK, map[string]bool{"archived": body.Archived}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

func (h *FamiliesHandler) Migrate(w http.ResponseWriter, r *http.Request) {
	migrated, err := h.families.MigrateExisting(r.Context())
	if err != nil {
		h.writeError(w, statusFor(err), err.Error())
		return
	}

	if err := WriteJSON(w, http.StatusOK, map[string]int{"migrated": migrated}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

func (h *FamiliesHandler) ApproveVersion(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	approver := callerIdentity(r)
	if approver == "" {
		h.writeError(w, http.StatusUnauthorized, "Approver identity required")
		return
	}

	if err := h.families.ApproveVersion(r.Context(), id, approver); err != nil {
		h.writeError(w, statusFor(err), err.Error())
		return
	}

	if err := WriteJSON(w, http.StatusOK, map[string]string{"status": "approved"}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

func (h *FamiliesHandler) RejectVersion(w http.ResponseWriter, r *http.Request) {
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

	if err := h.families.RejectVersion(r.Context(), id, approver, body.Reason); err != nil {
		h.writeError(w, statusFor(err), err.Error())
		return
	}

	if err := WriteJSON(w, http.StatusOK, map[string]string{"status": "rejected"}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

func (h *FamiliesHandler) pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid id")
		return uuid.Nil, false
	}
	return id, true
}

func (h *FamiliesHandler) writeError(w http.ResponseWriter, status int, message string) {
	if err := ErrorResponse(w, status, message); err != nil {
		h.logger.Error("Failed to write error response", zap.Error(err))
	}
}
