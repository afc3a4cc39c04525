// internal/dispatch/dispatcher_test.go
package dispatch

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/InsightForge/oracle/internal/analysis"
	"github.com/InsightForge/oracle/internal/domain"
	"github.com/InsightForge/oracle/internal/events"
)

func completedResult(t *testing.T) *analysis.Result {
	t.Helper()
	req := analysis.NewRequest("int-1", json.RawMessage(`{"q":1}`), domain.Finance, []string{"m1"}, 1)
	result := analysis.NewResult(req)
	require.NoError(t, result.Start())
	require.NoError(t, result.Complete())
	return result
}

func fastConfig(attempts int) Config {
	return Config{
		BaseDelay:   5 * time.Millisecond,
		MaxDelay:    50 * time.Millisecond,
		MaxAttempts: attempts,
		Timeout:     2 * time.Second,
	}
}

func TestDispatcherDelivers(t *testing.T) {
	store := analysis.NewMemoryStore()
	result := completedResult(t)

	var gotBody []byte
	var gotSig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get("X-Oracle-Signature")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := New(fastConfig(5), store, nil, zap.NewNop())
	d.Enqueue(Target{IntegrationID: "int-1", URL: srv.URL, Secret: "whsec"}, result)
	d.Close()

	require.True(t, hmac.Equal([]byte(Sign("whsec", gotBody)), []byte(gotSig)),
		"signature must verify against the delivered body")

	var body struct {
		Event         string           `json:"event"`
		IntegrationID string           `json:"integration_id"`
		AnalysisID    string           `json:"analysis_id"`
		Status        analysis.Status  `json:"status"`
		Result        *analysis.Result `json:"result"`
	}
	require.NoError(t, json.Unmarshal(gotBody, &body))
	assert.Equal(t, "analysis_completed", body.Event)
	assert.Equal(t, "int-1", body.IntegrationID)
	assert.Equal(t, result.ID, body.AnalysisID)
	assert.Equal(t, analysis.StatusCompleted, body.Status)
	require.NotNil(t, body.Result)

	attempts, err := store.Deliveries(context.Background(), result.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, analysis.DeliverySuccess, attempts[0].Outcome)
	assert.Equal(t, 1, attempts[0].Attempt)
	assert.Nil(t, attempts[0].NextRetryAt)
}

func TestDispatcherRetriesThenSucceeds(t *testing.T) {
	store := analysis.NewMemoryStore()
	result := completedResult(t)

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := New(fastConfig(5), store, nil, zap.NewNop())
	d.Enqueue(Target{IntegrationID: "int-1", URL: srv.URL, Secret: "whsec"}, result)
	d.Close()

	assert.Equal(t, int32(3), calls.Load())

	attempts, err := store.Deliveries(context.Background(), result.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 3)
	assert.Equal(t, analysis.DeliveryRetriable, attempts[0].Outcome)
	assert.Equal(t, analysis.DeliveryRetriable, attempts[1].Outcome)
	assert.Equal(t, analysis.DeliverySuccess, attempts[2].Outcome)
	require.NotNil(t, attempts[0].NextRetryAt)
	require.NotNil(t, attempts[1].NextRetryAt)
	assert.True(t, attempts[1].NextRetryAt.After(*attempts[0].NextRetryAt),
		"backoff should push retries further out")
	for i, a := range attempts {
		assert.Equal(t, i+1, a.Attempt)
	}
}

func TestDispatcherExhaustsRetries(t *testing.T) {
	store := analysis.NewMemoryStore()
	bus := events.NewBus()
	result := completedResult(t)

	exhausted := make(chan events.Event, 1)
	bus.Subscribe(events.DeliveryExhausted, func(_ context.Context, e events.Event) {
		exhausted <- e
	})

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := New(fastConfig(3), store, bus, zap.NewNop())
	d.Enqueue(Target{IntegrationID: "int-1", URL: srv.URL, Secret: "whsec"}, result)
	d.Close()

	assert.Equal(t, int32(3), calls.Load(), "exactly max attempts, never more")

	attempts, err := store.Deliveries(context.Background(), result.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 3)
	assert.Equal(t, analysis.DeliveryPermanent, attempts[2].Outcome)
	assert.NotEmpty(t, attempts[2].Error)

	select {
	case e := <-exhausted:
		assert.Equal(t, result.ID, e.AnalysisID)
	case <-time.After(2 * time.Second):
		t.Fatal("exhaustion event never published")
	}
}

func TestDispatcherUnreachableTarget(t *testing.T) {
	store := analysis.NewMemoryStore()
	result := completedResult(t)

	d := New(fastConfig(2), store, nil, zap.NewNop())
	d.Enqueue(Target{IntegrationID: "int-1", URL: "http://127.0.0.1:1/hook", Secret: "whsec"}, result)
	d.Close()

	attempts, err := store.Deliveries(context.Background(), result.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, analysis.DeliveryRetriable, attempts[0].Outcome)
	assert.Equal(t, analysis.DeliveryPermanent, attempts[1].Outcome)
}

func TestDispatcherFailedResultEvent(t *testing.T) {
	store := analysis.NewMemoryStore()
	req := analysis.NewRequest("int-1", json.RawMessage(`{}`), domain.Generic, []string{"m1"}, 1)
	result := analysis.NewResult(req)
	require.NoError(t, result.Start())
	require.NoError(t, result.Fail(analysis.ReasonAllModelsUnavailable))

	var gotEvent atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var p struct {
			Event string `json:"event"`
		}
		_ = json.Unmarshal(body, &p)
		gotEvent.Store(p.Event)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := New(fastConfig(2), store, nil, zap.NewNop())
	d.Enqueue(Target{IntegrationID: "int-1", URL: srv.URL, Secret: "whsec"}, result)
	d.Close()

	assert.Equal(t, "analysis_failed", gotEvent.Load())
}

func TestDispatcherEnqueueNoTarget(t *testing.T) {
	d := New(fastConfig(2), analysis.NewMemoryStore(), nil, zap.NewNop())
	d.Enqueue(Target{IntegrationID: "int-1"}, completedResult(t))
	d.Close()
	d.Close()
}
