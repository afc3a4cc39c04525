// internal/api/server.go
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/InsightForge/oracle/internal/config"
	"github.com/InsightForge/oracle/internal/domain"
	"github.com/InsightForge/oracle/internal/registry"
	"github.com/InsightForge/oracle/internal/service"
	"github.com/InsightForge/oracle/internal/stream"
)

const version = "0.3.0"

type Server struct {
	config         *config.Config
	logger         *zap.Logger
	router         chi.Router
	httpServer     *http.Server
	registry       *registry.Registry
	service        *service.Service
	streamer       *stream.Streamer
	metrics        *Metrics
	providerSecret string
	startTime      time.Time
}

func NewServer(cfg *config.Config, logger *zap.Logger, reg *registry.Registry, svc *service.Service, streamer *stream.Streamer) *Server {
	s := &Server{
		config:         cfg,
		logger:         logger,
		router:         chi.NewRouter(),
		registry:       reg,
		service:        svc,
		streamer:       streamer,
		metrics:        NewMetrics(),
		providerSecret: cfg.Auth.ProviderSecret,
		startTime:      time.Now(),
	}

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.loggingMiddleware)
	s.router.Use(gunzipMiddleware)

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/ready", s.handleReady)
	s.router.Get("/version", s.handleVersion)
	s.router.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	s.router.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.requireOwner)
			r.Post("/integrations", s.handleRegisterIntegration)
			r.Get("/integrations", s.handleListIntegrations)
			r.Get("/integrations/stats", s.handleIntegrationStats)
			r.Get("/integrations/{id}", s.handleGetIntegration)
			r.Put("/integrations/{id}", s.handleUpdateIntegration)
			r.Delete("/integrations/{id}", s.handleDeleteIntegration)
			r.Post("/integrations/{id}/rotate", s.handleRotateKey)
			r.Post("/integrations/{id}/suspend", s.handleSuspendIntegration)
			r.Post("/integrations/{id}/reactivate", s.handleReactivateIntegration)
			r.Get("/integrations/{id}/results", s.handleListResults)
			r.Get("/integrations/{id}/events", s.handleIntegrationEvents)
		})

		r.Post("/analyze", s.handleAnalyze)
		r.Get("/analyze/{id}", s.handleGetAnalysis)
		r.Delete("/analyze/{id}", s.handleCancelAnalysis)
		r.Get("/analyze/{id}/deliveries", s.handleListDeliveries)

		r.Get("/watch/{resource}", s.handleWatch)
	})
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"version": version,
		"uptime":  time.Since(s.startTime).Seconds(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ready":     true,
		"memory_mb": getMemoryUsageMB(),
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version": version,
		"go":      runtime.Version(),
		"domains": domain.All(),
	})
}

func (s *Server) Start() error {
	s.logger.Info("starting server", zap.Int("port", s.config.Server.Port))
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func getMemoryUsageMB() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.Alloc / 1024 / 1024
}
