// Package handlers provides HTTP handlers for API endpoints
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"tagbind/internal/models"
	"tagbind/internal/services"
)

// ScanHandler handles scan ingest requests from RFID readers
type ScanHandler struct {
	service services.ScanProcessor
}

// NewScanHandler creates a new scan handler
func NewScanHandler(service services.ScanProcessor) *ScanHandler {
	return &ScanHandler{service: service}
}

// HandleScan ingests one scan event. Business outcomes (matched,
// observed, unknown-scanner) always answer 200 with the classification;
// only an infrastructure failure answers 500 so the reader can retry.
func (h *ScanHandler) HandleScan(w http.ResponseWriter, r *http.Request) {
	var scan models.ScanEvent
	if err := json.NewDecoder(r.Body).Decode(&scan); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if scan.TagID == "" || scan.ScannerMAC == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "tag_id and scanner_mac are required"})
		return
	}

	result, err := h.service.ProcessScan(r.Context(), &scan)
	if err != nil {
		log.Error().Err(err).Str("tag", scan.TagID).Msg("scan processing failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "scan processing failed"})
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("failed to write response")
	}
}
