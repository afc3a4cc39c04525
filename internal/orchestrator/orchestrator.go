// internal/orchestrator/orchestrator.go
package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/InsightForge/oracle/internal/analysis"
	"github.com/InsightForge/oracle/internal/model"
	"github.com/InsightForge/oracle/internal/prompt"
	"go.uber.org/zap"
)

// Config tunes the conversation loop.
type Config struct {
	// TurnRetries is how many extra attempts a retriable turn error gets
	// before the model is dropped from the conversation.
	TurnRetries int
	// RetryDelay is the pause between attempts for one turn.
	RetryDelay time.Duration
}

func DefaultConfig() Config {
	return Config{
		TurnRetries: 2,
		RetryDelay:  250 * time.Millisecond,
	}
}

var ErrInvalidRequest = errors.New("orchestrator: invalid request")

// Orchestrator drives N rounds across M models and merges their output
// into a structured result. One Orchestrator serves all requests; per
// request state lives entirely in the Result it owns while running.
type Orchestrator struct {
	client model.Client
	cfg    Config
	logger *zap.Logger
}

func New(client model.Client, cfg Config, logger *zap.Logger) *Orchestrator {
	if cfg.TurnRetries < 0 {
		cfg.TurnRetries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultConfig().RetryDelay
	}
	return &Orchestrator{client: client, cfg: cfg, logger: logger}
}

// Run executes the conversation for req and returns the terminal
// result. The returned error is non-nil only for requests that fail
// validation; model failures are absorbed into the result per the
// propagation rules.
func (o *Orchestrator) Run(ctx context.Context, req *analysis.Request) (*analysis.Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	result := analysis.NewResult(req)
	_ = result.Start()
	start := time.Now()

	dropped := make(map[string]bool, len(req.Models))
	index := 0

	for round := 1; round <= req.Rounds; round++ {
		for _, m := range req.Models {
			if dropped[m] {
				continue
			}
			if ctx.Err() != nil {
				return o.cancel(result, req, start), nil
			}

			// History includes earlier models in this same round, so
			// later models refine rather than restart.
			p := prompt.Build(req.Domain, req.Payload, result.Turns, m)
			turn, err := o.runTurn(ctx, round, index, m, p)
			if err != nil {
				if errors.Is(err, context.Canceled) || ctx.Err() != nil {
					return o.cancel(result, req, start), nil
				}
				dropped[m] = true
				o.logger.Warn("model dropped from conversation",
					zap.String("request_id", req.ID),
					zap.String("model", m),
					zap.Int("round", round),
					zap.Error(err))
			}
			result.Turns = append(result.Turns, turn)
			index++
		}
	}

	usable := make([]string, 0, len(req.Models))
	for _, m := range req.Models {
		if !dropped[m] {
			usable = append(usable, m)
		}
	}

	result.Metrics = o.metrics(req, result, usable, start)

	if len(usable) == 0 {
		_ = result.Fail(analysis.ReasonAllModelsUnavailable)
		return result, nil
	}

	result.Insights = ExtractInsights(result.Turns)
	result.Recommendations = ExtractRecommendations(result.Turns)
	_ = result.Complete()

	o.logger.Info("analysis completed",
		zap.String("request_id", req.ID),
		zap.Int("turns", len(result.Turns)),
		zap.Int("insights", len(result.Insights)),
		zap.Duration("duration", result.Metrics.Duration))

	return result, nil
}

// runTurn invokes one model once, retrying retriable errors within the
// turn's budget. A turn that exhausts its budget comes back as a failure
// marker plus a non-nil error telling the caller to drop the model.
func (o *Orchestrator) runTurn(ctx context.Context, round, index int, m, p string) (analysis.Turn, error) {
	turn := analysis.Turn{Index: index, Round: round, Model: m, Prompt: p}

	var lastErr error
	for attempt := 0; attempt <= o.cfg.TurnRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				turn.Failed = true
				turn.Error = context.Canceled.Error()
				turn.CompletedAt = time.Now().UTC()
				return turn, context.Canceled
			case <-time.After(o.cfg.RetryDelay):
			}
		}

		completion, err := o.client.Complete(ctx, m, p)
		if err == nil {
			turn.Response = completion.Text
			turn.Latency = completion.Latency
			turn.CompletedAt = time.Now().UTC()
			return turn, nil
		}

		lastErr = err
		if !model.Retriable(err) {
			break
		}
	}

	turn.Failed = true
	turn.Error = lastErr.Error()
	turn.CompletedAt = time.Now().UTC()
	return turn, lastErr
}

func (o *Orchestrator) cancel(result *analysis.Result, req *analysis.Request, start time.Time) *analysis.Result {
	result.Metrics = o.metrics(req, result, nil, start)
	_ = result.Fail(analysis.ReasonCancelled)
	o.logger.Info("analysis cancelled",
		zap.String("request_id", req.ID),
		zap.Int("turns", len(result.Turns)))
	return result
}

func (o *Orchestrator) metrics(req *analysis.Request, result *analysis.Result, usable []string, start time.Time) analysis.Metrics {
	latency := make([]time.Duration, 0, len(result.Turns))
	for _, t := range result.Turns {
		if !t.Failed {
			latency = append(latency, t.Latency)
		}
	}
	return analysis.Metrics{
		DataPoints:   analysis.CountDataPoints(req.Payload),
		Duration:     time.Since(start),
		TurnLatency:  latency,
		UsableModels: usable,
	}
}
