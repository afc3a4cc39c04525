// internal/analysis/types.go
package analysis

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/InsightForge/oracle/internal/domain"
	"github.com/google/uuid"
)

// Status is the lifecycle state of an analysis result. Transitions are
// monotonic: pending -> running -> completed | failed.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// FailReason explains a terminal failed status.
type FailReason string

const (
	ReasonAllModelsUnavailable FailReason = "all_models_unavailable"
	ReasonCancelled            FailReason = "cancelled"
)

// ValidationError rejects a malformed request synchronously. Never retried.
type ValidationError struct {
	Field  string
	Detail string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid request: %s %s", e.Field, e.Detail)
}

// Request is an accepted analysis submission. Immutable once accepted.
type Request struct {
	ID            string          `json:"id"`
	IntegrationID string          `json:"integration_id"`
	Payload       json.RawMessage `json:"data"`
	Domain        domain.Domain   `json:"domain"`
	Models        []string        `json:"models"`
	Rounds        int             `json:"rounds"`
	CallbackURL   string          `json:"callback_url,omitempty"`
	SubmittedAt   time.Time       `json:"submitted_at"`
}

// NewRequest stamps id and submission time on an accepted submission.
func NewRequest(integrationID string, payload json.RawMessage, d domain.Domain, models []string, rounds int) *Request {
	return &Request{
		ID:            uuid.New().String(),
		IntegrationID: integrationID,
		Payload:       payload,
		Domain:        d,
		Models:        models,
		Rounds:        rounds,
		SubmittedAt:   time.Now().UTC(),
	}
}

// Validate enforces the acceptance rules: at least one model, at least
// one round, and a payload to analyze.
func (r *Request) Validate() error {
	if len(r.Models) == 0 {
		return ValidationError{Field: "models", Detail: "must name at least one model"}
	}
	for _, m := range r.Models {
		if m == "" {
			return ValidationError{Field: "models", Detail: "must not contain empty model ids"}
		}
	}
	if r.Rounds < 1 {
		return ValidationError{Field: "rounds", Detail: "must be >= 1"}
	}
	if len(r.Payload) == 0 {
		return ValidationError{Field: "data", Detail: "is required"}
	}
	if !json.Valid(r.Payload) {
		return ValidationError{Field: "data", Detail: "must be valid JSON"}
	}
	return nil
}

// Turn is one model invocation inside a conversation. Failed turns keep
// their slot so the transcript stays in strict execution order.
type Turn struct {
	Index       int           `json:"index"`
	Round       int           `json:"round"`
	Model       string        `json:"model"`
	Prompt      string        `json:"prompt"`
	Response    string        `json:"response,omitempty"`
	Failed      bool          `json:"failed,omitempty"`
	Error       string        `json:"error,omitempty"`
	CompletedAt time.Time     `json:"completed_at"`
	Latency     time.Duration `json:"latency"`
}

// Insight is a structured finding extracted from model output.
type Insight struct {
	Kind        domain.InsightKind `json:"kind"`
	Description string             `json:"description"`
	Confidence  float64            `json:"confidence"`
	Impact      domain.Impact      `json:"impact"`
}

// Metrics summarizes how an analysis ran.
type Metrics struct {
	DataPoints   int             `json:"data_points"`
	Duration     time.Duration   `json:"duration"`
	TurnLatency  []time.Duration `json:"turn_latency"`
	UsableModels []string        `json:"usable_models"`
}

// Result holds the full outcome of one analysis request. It is mutated
// only by the orchestrator that owns it; once completed or failed it is
// immutable.
type Result struct {
	ID              string     `json:"id"`
	RequestID       string     `json:"request_id"`
	IntegrationID   string     `json:"integration_id"`
	Turns           []Turn     `json:"turns"`
	Insights        []Insight  `json:"insights"`
	Recommendations []string   `json:"recommendations"`
	Metrics         Metrics    `json:"metrics"`
	Status          Status     `json:"status"`
	Reason          FailReason `json:"reason,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	CompletedAt     time.Time  `json:"completed_at,omitempty"`
}

// NewResult creates the pending result owned by req.
func NewResult(req *Request) *Result {
	return &Result{
		ID:            uuid.New().String(),
		RequestID:     req.ID,
		IntegrationID: req.IntegrationID,
		Status:        StatusPending,
		CreatedAt:     time.Now().UTC(),
	}
}

var errTerminal = errors.New("analysis: result already terminal")

// Start moves the result to running.
func (r *Result) Start() error {
	if r.Status != StatusPending {
		return errTerminal
	}
	r.Status = StatusRunning
	return nil
}

// Complete marks the result completed and freezes it.
func (r *Result) Complete() error {
	if r.Status != StatusRunning {
		return errTerminal
	}
	r.Status = StatusCompleted
	r.CompletedAt = time.Now().UTC()
	return nil
}

// Fail marks the result failed with reason and freezes it.
func (r *Result) Fail(reason FailReason) error {
	if r.Status == StatusCompleted || r.Status == StatusFailed {
		return errTerminal
	}
	r.Status = StatusFailed
	r.Reason = reason
	r.CompletedAt = time.Now().UTC()
	return nil
}

// Terminal reports whether the result is frozen.
func (r *Result) Terminal() bool {
	return r.Status == StatusCompleted || r.Status == StatusFailed
}

// Clone returns a deep copy safe to hand across goroutines.
func (r *Result) Clone() *Result {
	c := *r
	c.Turns = append([]Turn(nil), r.Turns...)
	c.Insights = append([]Insight(nil), r.Insights...)
	c.Recommendations = append([]string(nil), r.Recommendations...)
	c.Metrics.TurnLatency = append([]time.Duration(nil), r.Metrics.TurnLatency...)
	c.Metrics.UsableModels = append([]string(nil), r.Metrics.UsableModels...)
	return &c
}

// CountDataPoints reports the payload size at depth 1: elements of a
// top-level array, keys of a top-level object, 1 for a scalar.
func CountDataPoints(payload json.RawMessage) int {
	var arr []json.RawMessage
	if err := json.Unmarshal(payload, &arr); err == nil {
		return len(arr)
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(payload, &obj); err == nil {
		return len(obj)
	}
	return 1
}

// DeliveryOutcome classifies one webhook delivery attempt.
type DeliveryOutcome string

const (
	DeliverySuccess   DeliveryOutcome = "success"
	DeliveryRetriable DeliveryOutcome = "retriable"
	DeliveryPermanent DeliveryOutcome = "permanent"
)

// DeliveryAttempt is one audit entry in a result's delivery trail.
type DeliveryAttempt struct {
	ID            string          `json:"id"`
	IntegrationID string          `json:"integration_id"`
	ResultID      string          `json:"result_id"`
	Attempt       int             `json:"attempt"`
	Outcome       DeliveryOutcome `json:"outcome"`
	Error         string          `json:"error,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	NextRetryAt   *time.Time      `json:"next_retry_at,omitempty"`
}
