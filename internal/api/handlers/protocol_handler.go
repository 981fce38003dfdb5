package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/emsassist/protocolguide/internal/application/services"
	"github.com/emsassist/protocolguide/internal/domain/entities"
	"github.com/rs/zerolog/log"
)

// ProtocolHandler exposes the retrieval and validation entry points over HTTP
type ProtocolHandler struct {
	retrieval *services.RetrievalService
	telemetry *services.TelemetryService
}

// NewProtocolHandler creates a new protocol handler
func NewProtocolHandler(retrieval *services.RetrievalService, telemetry *services.TelemetryService) *ProtocolHandler {
	return &ProtocolHandler{retrieval: retrieval, telemetry: telemetry}
}

type retrieveRequest struct {
	Query      string `json:"query"`
	PatientAge *int   `json:"patient_age,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
}

// Retrieve handles POST /api/protocols/retrieve
func (h *ProtocolHandler) Retrieve(w http.ResponseWriter, r *http.Request) {
	var req retrieveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result := h.retrieval.Retrieve(r.Context(), req.Query, req.PatientAge, req.SessionID)
	writeJSON(w, http.StatusOK, result)
}

type validateAnswerRequest struct {
	AnswerText string                  `json:"answer_text"`
	Chunks     []*entities.RankedChunk `json:"chunks"`
}

// ValidateAnswer handles POST /api/protocols/validate-answer, the
// post-generation hallucination gate
func (h *ProtocolHandler) ValidateAnswer(w http.ResponseWriter, r *http.Request) {
	var req validateAnswerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AnswerText == "" {
		writeError(w, http.StatusBadRequest, "answer_text is required")
		return
	}

	result := h.retrieval.ValidateAnswer(r.Context(), req.AnswerText, req.Chunks)
	writeJSON(w, http.StatusOK, result)
}

type validateContextRequest struct {
	ContextText string                  `json:"context_text"`
	Chunks      []*entities.RankedChunk `json:"chunks"`
}

// ValidateContext handles POST /api/protocols/validate-context
func (h *ProtocolHandler) ValidateContext(w http.ResponseWriter, r *http.Request) {
	var req validateContextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ContextText == "" {
		writeError(w, http.StatusBadRequest, "context_text is required")
		return
	}

	result := h.retrieval.ValidateContext(r.Context(), req.ContextText, req.Chunks)
	writeJSON(w, http.StatusOK, result)
}

// GetZeroResultQueries handles GET /api/analytics/zero-result-queries
func (h *ProtocolHandler) GetZeroResultQueries(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	events, err := h.telemetry.ZeroResultQueries(r.Context(), limit)
	if err != nil {
		log.Error().Err(err).Msg("failed to fetch zero-result queries")
		writeError(w, http.StatusInternalServerError, "failed to fetch zero-result queries")
		return
	}
	if events == nil {
		events = []*entities.SearchEvent{}
	}

	writeJSON(w, http.StatusOK, events)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
