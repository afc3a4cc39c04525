// internal/dispatch/dispatcher.go
package dispatch

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/InsightForge/oracle/internal/analysis"
	"github.com/InsightForge/oracle/internal/events"
)

// Target identifies where one result gets delivered.
type Target struct {
	IntegrationID string
	URL           string
	Secret        string
}

// Config tunes the retry schedule.
type Config struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	Timeout     time.Duration
}

// DefaultConfig matches the documented schedule: 1s base, 30s cap,
// five attempts, 10s per request.
func DefaultConfig() Config {
	return Config{
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		MaxAttempts: 5,
		Timeout:     10 * time.Second,
	}
}

type payload struct {
	Event         string           `json:"event"`
	IntegrationID string           `json:"integration_id"`
	AnalysisID    string           `json:"analysis_id"`
	Status        analysis.Status  `json:"status"`
	Result        *analysis.Result `json:"result"`
	Timestamp     time.Time        `json:"timestamp"`
}

// Dispatcher pushes completed results to integration webhooks with
// exponential backoff. One goroutine owns each result's delivery so
// attempts stay strictly sequential.
type Dispatcher struct {
	cfg    Config
	store  analysis.Store
	bus    *events.Bus
	logger *zap.Logger
	client *http.Client

	wg      sync.WaitGroup
	mu      sync.Mutex
	closed  bool
	closeCh chan struct{}
}

func New(cfg Config, store analysis.Store, bus *events.Bus, logger *zap.Logger) *Dispatcher {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Dispatcher{
		cfg:     cfg,
		store:   store,
		bus:     bus,
		logger:  logger,
		client:  &http.Client{Timeout: cfg.Timeout},
		closeCh: make(chan struct{}),
	}
}

// Enqueue schedules delivery of a terminal result and returns without
// waiting. Nothing is enqueued for empty targets or after Close.
func (d *Dispatcher) Enqueue(target Target, result *analysis.Result) {
	if target.URL == "" || result == nil {
		return
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.wg.Add(1)
	d.mu.Unlock()

	snapshot := result.Clone()
	go func() {
		defer d.wg.Done()
		d.deliver(target, snapshot)
	}()
}

// Close stops accepting work and waits for in-flight deliveries.
// Pending retry waits are abandoned.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.closeCh)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) deliver(target Target, result *analysis.Result) {
	event := "analysis_completed"
	if result.Status == analysis.StatusFailed {
		event = "analysis_failed"
	}
	body, err := json.Marshal(payload{
		Event:         event,
		IntegrationID: target.IntegrationID,
		AnalysisID:    result.ID,
		Status:        result.Status,
		Result:        result,
		Timestamp:     time.Now().UTC(),
	})
	if err != nil {
		d.logger.Error("marshal delivery payload",
			zap.String("analysis_id", result.ID), zap.Error(err))
		return
	}

	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		err := d.post(target, body)
		record := &analysis.DeliveryAttempt{
			ID:            uuid.New().String(),
			IntegrationID: target.IntegrationID,
			ResultID:      result.ID,
			Attempt:       attempt,
			Timestamp:     time.Now().UTC(),
		}

		if err == nil {
			record.Outcome = analysis.DeliverySuccess
			d.append(record)
			d.publish(events.DeliverySucceeded, target, result, attempt, "")
			return
		}

		record.Error = err.Error()
		if attempt == d.cfg.MaxAttempts {
			record.Outcome = analysis.DeliveryPermanent
			d.append(record)
			d.logger.Warn("delivery exhausted",
				zap.String("integration_id", target.IntegrationID),
				zap.String("analysis_id", result.ID),
				zap.Int("attempts", attempt),
				zap.Error(err))
			d.publish(events.DeliveryExhausted, target, result, attempt, err.Error())
			return
		}

		delay := d.backoff(attempt)
		next := time.Now().UTC().Add(delay)
		record.Outcome = analysis.DeliveryRetriable
		record.NextRetryAt = &next
		d.append(record)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-d.closeCh:
			timer.Stop()
			return
		}
	}
}

// backoff doubles the base delay per prior attempt, capped.
func (d *Dispatcher) backoff(attempt int) time.Duration {
	delay := d.cfg.BaseDelay << (attempt - 1)
	if delay > d.cfg.MaxDelay || delay <= 0 {
		delay = d.cfg.MaxDelay
	}
	return delay
}

func (d *Dispatcher) post(target Target, body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Oracle-Signature", Sign(target.Secret, body))

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

func (d *Dispatcher) append(record *analysis.DeliveryAttempt) {
	if err := d.store.AppendDelivery(context.Background(), record); err != nil {
		d.logger.Error("record delivery attempt",
			zap.String("analysis_id", record.ResultID), zap.Error(err))
	}
}

func (d *Dispatcher) publish(t events.Type, target Target, result *analysis.Result, attempts int, errMsg string) {
	if d.bus == nil {
		return
	}
	data := map[string]any{"attempts": attempts}
	if errMsg != "" {
		data["error"] = errMsg
	}
	d.bus.Publish(context.Background(), events.Event{
		Type:          t,
		IntegrationID: target.IntegrationID,
		AnalysisID:    result.ID,
		Data:          data,
	})
}

// Sign computes the hex HMAC-SHA256 of body under secret. Receivers
// recompute it to authenticate the webhook.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
