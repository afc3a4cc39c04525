// internal/api/stream_handlers.go
package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// handleWatch upgrades to a websocket that pushes spool changes for
// one integration. The resource name is the integration id; path
// separators are rejected so subscribers stay inside the spool dir.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	if s.streamer == nil {
		writeError(w, http.StatusNotImplemented, "streaming is not enabled")
		return
	}

	resource := chi.URLParam(r, "resource")
	if resource == "" || strings.ContainsAny(resource, "/\\") || strings.Contains(resource, "..") {
		writeError(w, http.StatusBadRequest, "invalid resource name")
		return
	}

	if err := s.streamer.Subscribe(w, r, s.service.SpoolPath(resource)); err != nil {
		s.logger.Debug("stream subscriber left",
			zap.String("resource", resource), zap.Error(err))
	}
}
