// internal/api/integration_handlers.go
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/InsightForge/oracle/internal/events"
	"github.com/InsightForge/oracle/internal/registry"
)

type registerPayload struct {
	Name       string          `json:"name"`
	Transport  string          `json:"transport"`
	WebhookURL string          `json:"webhook_url"`
	Config     registry.Config `json:"configuration"`
}

type registeredResponse struct {
	Integration *registry.Integration `json:"integration"`
	APIKey      string                `json:"api_key"`
}

func (s *Server) handleRegisterIntegration(w http.ResponseWriter, r *http.Request) {
	var p registerPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	integ, key, err := s.registry.Register(ownerID(r), registry.RegisterRequest{
		Name:       p.Name,
		Transport:  p.Transport,
		WebhookURL: p.WebhookURL,
		Config:     p.Config,
	})
	if err != nil {
		writeRegistryError(w, err)
		return
	}

	// The plaintext key appears in this response and nowhere else.
	writeJSON(w, http.StatusCreated, registeredResponse{Integration: integ, APIKey: key})
}

func (s *Server) handleListIntegrations(w http.ResponseWriter, r *http.Request) {
	integrations := s.registry.ListByOwner(ownerID(r))
	if integrations == nil {
		integrations = []*registry.Integration{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"integrations": integrations})
}

func (s *Server) handleGetIntegration(w http.ResponseWriter, r *http.Request) {
	integ, ok := s.ownedIntegration(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, integ)
}

func (s *Server) handleUpdateIntegration(w http.ResponseWriter, r *http.Request) {
	var cfg registry.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if err := s.registry.UpdateConfig(chi.URLParam(r, "id"), ownerID(r), cfg); err != nil {
		writeRegistryError(w, err)
		return
	}
	integ, err := s.registry.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, integ)
}

func (s *Server) handleDeleteIntegration(w http.ResponseWriter, r *http.Request) {
	err := s.service.DeleteIntegration(r.Context(), chi.URLParam(r, "id"), ownerID(r))
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRotateKey(w http.ResponseWriter, r *http.Request) {
	key, err := s.service.RotateKey(chi.URLParam(r, "id"), ownerID(r))
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"api_key": key})
}

func (s *Server) handleSuspendIntegration(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Suspend(chi.URLParam(r, "id"), ownerID(r)); err != nil {
		writeRegistryError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReactivateIntegration(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Reactivate(chi.URLParam(r, "id"), ownerID(r)); err != nil {
		writeRegistryError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleIntegrationStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.Stats())
}

func (s *Server) handleListResults(w http.ResponseWriter, r *http.Request) {
	integ, ok := s.ownedIntegration(w, r)
	if !ok {
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	results, err := s.service.ListResults(r.Context(), integ.ID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not list results")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleIntegrationEvents(w http.ResponseWriter, r *http.Request) {
	integ, ok := s.ownedIntegration(w, r)
	if !ok {
		return
	}

	since := time.Time{}
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC 3339")
			return
		}
		since = parsed
	}

	evts := s.service.Events(integ.ID, since)
	if evts == nil {
		evts = []events.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": evts})
}

// ownedIntegration loads the path integration and enforces ownership.
func (s *Server) ownedIntegration(w http.ResponseWriter, r *http.Request) (*registry.Integration, bool) {
	integ, err := s.registry.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeRegistryError(w, err)
		return nil, false
	}
	if integ.OwnerID != ownerID(r) {
		writeError(w, http.StatusForbidden, "not your integration")
		return nil, false
	}
	return integ, true
}

func writeRegistryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		writeError(w, http.StatusNotFound, "integration not found")
	case errors.Is(err, registry.ErrNotOwner):
		writeError(w, http.StatusForbidden, "not your integration")
	case errors.Is(err, registry.ErrSuspended):
		writeError(w, http.StatusConflict, "integration is suspended")
	case errors.Is(err, registry.ErrNameMissing),
		errors.Is(err, registry.ErrBadWebhook),
		errors.Is(err, registry.ErrBadSchema):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusBadRequest, err.Error())
	}
}
