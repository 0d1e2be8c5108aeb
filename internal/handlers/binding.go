package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"tagbind/internal/repository"
	"tagbind/internal/services"
)

// BindingHandler handles operator-triggered binding lifecycle requests
type BindingHandler struct {
	service  services.BindingLifecycle
	bindings repository.BindingRepository
	pending  repository.PendingRequestRepository
}

// NewBindingHandler creates a new binding handler
func NewBindingHandler(
	service services.BindingLifecycle,
	bindings repository.BindingRepository,
	pending repository.PendingRequestRepository,
) *BindingHandler {
	return &BindingHandler{service: service, bindings: bindings, pending: pending}
}

type startRequest struct {
	ProjectID string `json:"project_id"`
	GuestID   string `json:"guest_id"`
	ScannerID string `json:"scanner_id"`
}

// HandleStart opens a pending binding request.
func (h *BindingHandler) HandleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.ProjectID == "" || req.GuestID == "" || req.ScannerID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "project_id, guest_id and scanner_id are required"})
		return
	}

	pending, err := h.service.Start(r.Context(), req.ProjectID, req.GuestID, req.ScannerID)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		case errors.Is(err, services.ErrScannerBusy):
			writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		default:
			log.Error().Err(err).Msg("failed to start binding request")
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to start binding request"})
		}
		return
	}

	writeJSON(w, http.StatusCreated, pending)
}

// HandleCancel cancels a pending binding request. Cancelling a request
// that is gone or already terminal still answers 200.
func (h *BindingHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestID")

	if err := h.service.Cancel(r.Context(), requestID); err != nil {
		log.Error().Err(err).Str("request", requestID).Msg("failed to cancel binding request")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to cancel binding request"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleRemove clears a guest's binding and cancels any waiting request.
func (h *BindingHandler) HandleRemove(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	guestID := chi.URLParam(r, "guestID")

	if err := h.service.RemoveBinding(r.Context(), projectID, guestID); err != nil {
		log.Error().Err(err).Str("guest", guestID).Msg("failed to remove binding")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to remove binding"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleStats reports simple per-project counts.
func (h *BindingHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")

	bound, err := h.bindings.CountByProject(r.Context(), projectID)
	if err != nil {
		log.Error().Err(err).Str("project", projectID).Msg("failed to count bindings")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to count bindings"})
		return
	}
	waiting, err := h.pending.CountWaitingByProject(r.Context(), projectID)
	if err != nil {
		log.Error().Err(err).Str("project", projectID).Msg("failed to count waiting requests")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to count waiting requests"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]int64{"bindings": bound, "waiting": waiting})
}
