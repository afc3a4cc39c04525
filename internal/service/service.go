// internal/service/service.go
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/InsightForge/oracle/internal/analysis"
	"github.com/InsightForge/oracle/internal/dispatch"
	"github.com/InsightForge/oracle/internal/domain"
	"github.com/InsightForge/oracle/internal/events"
	"github.com/InsightForge/oracle/internal/orchestrator"
	"github.com/InsightForge/oracle/internal/ratelimit"
	"github.com/InsightForge/oracle/internal/registry"
)

var (
	ErrIntegrationSuspended = errors.New("service: integration is suspended")
	ErrIntegrationMismatch  = errors.New("service: key does not belong to that integration")
	ErrRateLimited          = errors.New("service: integration is over its submission rate")
	ErrNotRunning           = errors.New("service: analysis is not running")
)

// Config tunes the analysis service.
type Config struct {
	Workers  int
	SpoolDir string
}

// SubmitRequest is one analysis submission presented with an API key.
type SubmitRequest struct {
	APIKey        string
	IntegrationID string
	Payload       json.RawMessage
	Domain        string
	Models        []string
	Rounds        int
	CallbackURL   string
}

// SubmitResponse is the synchronous reply, shaped like the stored
// result plus the convenience counters clients read first.
type SubmitResponse struct {
	ID                   string           `json:"id"`
	IntegrationID        string           `json:"integration_id"`
	Status               analysis.Status  `json:"status"`
	Result               *analysis.Result `json:"result"`
	ProcessingTime       float64          `json:"processing_time_seconds"`
	InsightsCount        int              `json:"insights_count"`
	RecommendationsCount int              `json:"recommendations_count"`
}

// Service is the front door for analysis submissions. It owns
// authentication, admission control, orchestration, persistence and
// result fan-out.
type Service struct {
	cfg        Config
	logger     *zap.Logger
	registry   *registry.Registry
	store      analysis.Store
	orch       *orchestrator.Orchestrator
	dispatcher *dispatch.Dispatcher
	bus        *events.Bus
	limiter    *ratelimit.IntegrationLimiter

	sem chan struct{}

	mu       sync.Mutex
	inflight map[string]inflightRun // request id -> cancel
}

type inflightRun struct {
	owner         string
	integrationID string
	cancel        context.CancelFunc
}

func New(
	cfg Config,
	logger *zap.Logger,
	reg *registry.Registry,
	store analysis.Store,
	orch *orchestrator.Orchestrator,
	dispatcher *dispatch.Dispatcher,
	bus *events.Bus,
	limiter *ratelimit.IntegrationLimiter,
) *Service {
	if cfg.Workers < 1 {
		cfg.Workers = 4
	}
	return &Service{
		cfg:        cfg,
		logger:     logger,
		registry:   reg,
		store:      store,
		orch:       orch,
		dispatcher: dispatcher,
		bus:        bus,
		limiter:    limiter,
		sem:        make(chan struct{}, cfg.Workers),
		inflight:   make(map[string]inflightRun),
	}
}

// Submit authenticates, admits and runs one analysis, blocking until
// the result is terminal. Admission failures come back before any
// model call happens.
func (s *Service) Submit(ctx context.Context, sub SubmitRequest) (*SubmitResponse, error) {
	integ, err := s.registry.Authenticate(sub.APIKey)
	if err != nil {
		return nil, err
	}
	if sub.IntegrationID != "" && sub.IntegrationID != integ.ID {
		return nil, ErrIntegrationMismatch
	}
	if integ.Status == registry.StatusSuspended {
		return nil, ErrIntegrationSuspended
	}
	if s.limiter != nil && !s.limiter.Allow(integ.ID) {
		return nil, ErrRateLimited
	}

	models := sub.Models
	if len(models) == 0 {
		models = integ.Config.Models
	}
	rounds := sub.Rounds
	if rounds < 1 {
		rounds = integ.Config.Rounds
	}
	dom := integ.Config.Domain
	if sub.Domain != "" {
		dom = domain.Parse(sub.Domain)
	}

	req := analysis.NewRequest(integ.ID, sub.Payload, dom, models, rounds)
	req.CallbackURL = sub.CallbackURL
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := s.registry.ValidatePayload(integ, sub.Payload); err != nil {
		return nil, err
	}

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-s.sem }()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.trackRun(req.ID, integ, cancel)
	defer s.forgetRun(req.ID)

	if s.bus != nil {
		s.bus.Publish(context.Background(), events.Event{
			Type:          events.AnalysisStarted,
			IntegrationID: integ.ID,
			AnalysisID:    req.ID,
			Data: map[string]any{
				"domain": string(req.Domain),
				"models": req.Models,
				"rounds": req.Rounds,
			},
		})
	}

	result, err := s.orch.Run(runCtx, req)
	if err != nil {
		return nil, err
	}

	if err := s.store.SaveResult(ctx, result); err != nil {
		s.logger.Error("persist analysis result",
			zap.String("analysis_id", result.ID), zap.Error(err))
	}
	s.registry.Touch(integ.ID)
	s.spool(integ.ID, result)
	s.announce(integ, req, result)

	return &SubmitResponse{
		ID:                   result.ID,
		IntegrationID:        integ.ID,
		Status:               result.Status,
		Result:               result,
		ProcessingTime:       result.Metrics.Duration.Seconds(),
		InsightsCount:        len(result.Insights),
		RecommendationsCount: len(result.Recommendations),
	}, nil
}

func (s *Service) trackRun(requestID string, integ *registry.Integration, cancel context.CancelFunc) {
	s.mu.Lock()
	s.inflight[requestID] = inflightRun{
		owner:         integ.OwnerID,
		integrationID: integ.ID,
		cancel:        cancel,
	}
	s.mu.Unlock()
}

func (s *Service) forgetRun(requestID string) {
	s.mu.Lock()
	delete(s.inflight, requestID)
	s.mu.Unlock()
}

// Cancel aborts running analyses matched by request id or, for owners
// that only hold the integration id, every run of that integration.
// Terminal results cannot be cancelled.
func (s *Service) Cancel(id, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	matched := false
	owned := false
	for reqID, run := range s.inflight {
		if reqID != id && run.integrationID != id {
			continue
		}
		matched = true
		if run.owner != owner {
			continue
		}
		owned = true
		run.cancel()
	}
	if !matched {
		return ErrNotRunning
	}
	if !owned {
		return registry.ErrNotOwner
	}
	return nil
}

// RotateKey replaces the integration's API key and records the rotation
// on the bus so audit subscribers see it.
func (s *Service) RotateKey(id, owner string) (string, error) {
	key, err := s.registry.RotateKey(id, owner)
	if err != nil {
		return "", err
	}
	if s.bus != nil {
		s.bus.Publish(context.Background(), events.Event{
			Type:          events.KeyRotated,
			IntegrationID: id,
		})
	}
	return key, nil
}

// Events returns the integration's recent bus events since the given
// time, oldest first. The window is bounded by the bus retention.
func (s *Service) Events(integrationID string, since time.Time) []events.Event {
	if s.bus == nil {
		return nil
	}
	var out []events.Event
	for _, e := range s.bus.Replay(since, time.Now().UTC().Add(time.Second)) {
		if e.IntegrationID == integrationID {
			out = append(out, e)
		}
	}
	return out
}

// Get returns a stored result by id.
func (s *Service) Get(ctx context.Context, id string) (*analysis.Result, error) {
	return s.store.GetResult(ctx, id)
}

// ListResults returns an integration's results, newest first.
func (s *Service) ListResults(ctx context.Context, integrationID string, limit int) ([]*analysis.Result, error) {
	return s.store.ListByIntegration(ctx, integrationID, limit)
}

// Deliveries returns the delivery audit trail for one result.
func (s *Service) Deliveries(ctx context.Context, resultID string) ([]*analysis.DeliveryAttempt, error) {
	return s.store.Deliveries(ctx, resultID)
}

// DeleteIntegration removes the integration and detaches its retained
// results so they stay queryable for audit.
func (s *Service) DeleteIntegration(ctx context.Context, id, owner string) error {
	if err := s.registry.Delete(id, owner); err != nil {
		return err
	}
	if s.limiter != nil {
		s.limiter.Forget(id)
	}
	if err := s.store.TombstoneOwner(ctx, id); err != nil {
		return fmt.Errorf("service: tombstone results: %w", err)
	}
	return nil
}

// SpoolPath maps a stream resource name to the file watched for it.
func (s *Service) SpoolPath(resource string) string {
	return filepath.Join(s.cfg.SpoolDir, resource+".json")
}

// spool writes the latest terminal result for an integration where the
// change watcher can see it. Written through a rename so watchers never
// observe a torn file.
func (s *Service) spool(integrationID string, result *analysis.Result) {
	if s.cfg.SpoolDir == "" {
		return
	}
	data, err := json.Marshal(result)
	if err != nil {
		s.logger.Error("marshal spool snapshot", zap.Error(err))
		return
	}
	path := s.SpoolPath(integrationID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		s.logger.Warn("write spool snapshot", zap.Error(err))
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		s.logger.Warn("publish spool snapshot", zap.Error(err))
		return
	}
	if s.bus != nil {
		s.bus.Publish(context.Background(), events.Event{
			Type:          events.ResourceChanged,
			IntegrationID: integrationID,
			AnalysisID:    result.ID,
		})
	}
}

// announce publishes the terminal event and queues webhook deliveries.
func (s *Service) announce(integ *registry.Integration, req *analysis.Request, result *analysis.Result) {
	eventType := events.AnalysisCompleted
	switch {
	case result.Status == analysis.StatusFailed && result.Reason == analysis.ReasonCancelled:
		eventType = events.AnalysisCancelled
	case result.Status == analysis.StatusFailed:
		eventType = events.AnalysisFailed
	}
	if s.bus != nil {
		s.bus.Publish(context.Background(), events.Event{
			Type:          eventType,
			IntegrationID: integ.ID,
			AnalysisID:    result.ID,
			Data: map[string]any{
				"insights":        len(result.Insights),
				"recommendations": len(result.Recommendations),
				"duration_ms":     result.Metrics.Duration.Milliseconds(),
			},
		})
	}

	if s.dispatcher == nil {
		return
	}
	if integ.Config.NotifyWebhook && integ.WebhookURL != "" {
		s.dispatcher.Enqueue(dispatch.Target{
			IntegrationID: integ.ID,
			URL:           integ.WebhookURL,
			Secret:        integ.WebhookSecret,
		}, result)
	}
	if req.CallbackURL != "" && req.CallbackURL != integ.WebhookURL {
		s.dispatcher.Enqueue(dispatch.Target{
			IntegrationID: integ.ID,
			URL:           req.CallbackURL,
			Secret:        integ.WebhookSecret,
		}, result)
	}
}

// EnsureSpoolDir creates the spool directory when streaming is on.
func (s *Service) EnsureSpoolDir() error {
	if s.cfg.SpoolDir == "" {
		return nil
	}
	return os.MkdirAll(s.cfg.SpoolDir, 0o750)
}
