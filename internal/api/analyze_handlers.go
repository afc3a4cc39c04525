// internal/api/analyze_handlers.go
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/InsightForge/oracle/internal/analysis"
	"github.com/InsightForge/oracle/internal/registry"
	"github.com/InsightForge/oracle/internal/service"
)

type analyzePayload struct {
	IntegrationID string          `json:"integration_id"`
	Data          json.RawMessage `json:"data"`
	Domain        string          `json:"domain"`
	Models        []string        `json:"models"`
	Rounds        int             `json:"rounds"`
	CallbackURL   string          `json:"callback_url"`
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	apiKey := r.Header.Get("X-API-Key")
	if apiKey == "" {
		writeError(w, http.StatusUnauthorized, "X-API-Key header is required")
		return
	}

	var p analyzePayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	resp, err := s.service.Submit(r.Context(), service.SubmitRequest{
		APIKey:        apiKey,
		IntegrationID: p.IntegrationID,
		Payload:       p.Data,
		Domain:        p.Domain,
		Models:        p.Models,
		Rounds:        p.Rounds,
		CallbackURL:   p.CallbackURL,
	})
	if err != nil {
		s.writeSubmitError(w, err)
		return
	}

	s.metrics.AnalysesTotal.WithLabelValues(string(resp.Status)).Inc()
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetAnalysis(w http.ResponseWriter, r *http.Request) {
	result, err := s.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, analysis.ErrResultNotFound) {
			writeError(w, http.StatusNotFound, "analysis not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "could not load analysis")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCancelAnalysis(w http.ResponseWriter, r *http.Request) {
	apiKey := r.Header.Get("X-API-Key")
	if apiKey == "" {
		writeError(w, http.StatusUnauthorized, "X-API-Key header is required")
		return
	}
	integ, err := s.registry.Authenticate(apiKey)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid API key")
		return
	}

	err = s.service.Cancel(chi.URLParam(r, "id"), integ.OwnerID)
	switch {
	case errors.Is(err, service.ErrNotRunning):
		writeError(w, http.StatusConflict, "analysis is not running")
	case errors.Is(err, registry.ErrNotOwner):
		writeError(w, http.StatusForbidden, "not your analysis")
	case err != nil:
		writeError(w, http.StatusInternalServerError, "cancel failed")
	default:
		w.WriteHeader(http.StatusAccepted)
	}
}

func (s *Server) handleListDeliveries(w http.ResponseWriter, r *http.Request) {
	attempts, err := s.service.Deliveries(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not load deliveries")
		return
	}
	if attempts == nil {
		attempts = []*analysis.DeliveryAttempt{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"deliveries": attempts})
}

func (s *Server) writeSubmitError(w http.ResponseWriter, err error) {
	var verr analysis.ValidationError
	switch {
	case errors.Is(err, registry.ErrInvalidKey):
		writeError(w, http.StatusUnauthorized, "invalid API key")
	case errors.Is(err, service.ErrIntegrationMismatch):
		writeError(w, http.StatusForbidden, "key does not belong to that integration")
	case errors.Is(err, service.ErrIntegrationSuspended):
		writeError(w, http.StatusForbidden, "integration is suspended")
	case errors.Is(err, service.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Error())
	default:
		writeError(w, http.StatusBadRequest, err.Error())
	}
}
