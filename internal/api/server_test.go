// internal/api/server_test.go
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/InsightForge/oracle/internal/analysis"
	"github.com/InsightForge/oracle/internal/config"
	"github.com/InsightForge/oracle/internal/dispatch"
	"github.com/InsightForge/oracle/internal/events"
	"github.com/InsightForge/oracle/internal/model"
	"github.com/InsightForge/oracle/internal/orchestrator"
	"github.com/InsightForge/oracle/internal/ratelimit"
	"github.com/InsightForge/oracle/internal/registry"
	"github.com/InsightForge/oracle/internal/service"
)

const testProviderSecret = "test-provider-secret"

type countingClient struct {
	calls atomic.Int32
}

func (c *countingClient) Complete(_ context.Context, m, _ string) (*model.Completion, error) {
	c.calls.Add(1)
	return &model.Completion{
		Model: m,
		Text: "INSIGHT: pattern|medium|0.8|Weekly order cycle detected\n" +
			"RECOMMEND: Schedule restocks on Mondays",
		Latency: time.Millisecond,
	}, nil
}

type testServer struct {
	*httptest.Server
	api    *Server
	client *countingClient
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	cfg := config.Default()
	cfg.Auth.ProviderSecret = testProviderSecret
	cfg.Analysis.SpoolDir = t.TempDir()

	logger := zap.NewNop()
	client := &countingClient{}
	store := analysis.NewMemoryStore()
	reg := registry.New(logger)
	bus := events.NewBus()
	dispatcher := dispatch.New(dispatch.DefaultConfig(), store, bus, logger)
	t.Cleanup(dispatcher.Close)

	orch := orchestrator.New(client, orchestrator.DefaultConfig(), logger)
	limiter := ratelimit.NewIntegrationLimiter(ratelimit.Config{})
	svc := service.New(service.Config{Workers: 2, SpoolDir: cfg.Analysis.SpoolDir},
		logger, reg, store, orch, dispatcher, bus, limiter)
	require.NoError(t, svc.EnsureSpoolDir())

	api := NewServer(cfg, logger, reg, svc, nil)
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, api: api, client: client}
}

func bearerToken(t *testing.T, owner string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": owner,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testProviderSecret))
	require.NoError(t, err)
	return signed
}

func (ts *testServer) do(t *testing.T, method, path string, headers map[string]string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, ts.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func (ts *testServer) register(t *testing.T, owner string, body map[string]any) (string, string) {
	t.Helper()
	if body == nil {
		body = map[string]any{
			"name":          "orders feed",
			"configuration": map[string]any{"models": []string{"llama3"}},
		}
	}
	resp := ts.do(t, http.MethodPost, "/v1/integrations",
		map[string]string{"Authorization": "Bearer " + bearerToken(t, owner)}, body)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	reg := decode[registeredResponse](t, resp)
	require.NotEmpty(t, reg.APIKey)
	return reg.Integration.ID, reg.APIKey
}

func TestHealthEndpoints(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	health := decode[map[string]any](t, resp)
	assert.Equal(t, "healthy", health["status"])

	resp = ts.do(t, http.MethodGet, "/ready", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = ts.do(t, http.MethodGet, "/version", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	version := decode[map[string]any](t, resp)
	assert.Contains(t, version["domains"], "finance")
	assert.Contains(t, version["domains"], "generic")
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodGet, "/health", nil, nil)
	resp.Body.Close()

	resp = ts.do(t, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "oracle_requests_total")
}

func TestIntegrationEndpointsRequireBearer(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodPost, "/v1/integrations", nil, map[string]any{"name": "x"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	resp = ts.do(t, http.MethodGet, "/v1/integrations",
		map[string]string{"Authorization": "Bearer not-a-jwt"}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	badAlg := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "owner-1"})
	signed, err := badAlg.SignedString([]byte("wrong-secret"))
	require.NoError(t, err)
	resp = ts.do(t, http.MethodGet, "/v1/integrations",
		map[string]string{"Authorization": "Bearer " + signed}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}

func TestIntegrationLifecycle(t *testing.T) {
	ts := newTestServer(t)
	auth := map[string]string{"Authorization": "Bearer " + bearerToken(t, "owner-1")}

	id, _ := ts.register(t, "owner-1", nil)

	resp := ts.do(t, http.MethodGet, "/v1/integrations", auth, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[map[string][]*registry.Integration](t, resp)
	require.Len(t, list["integrations"], 1)

	resp = ts.do(t, http.MethodGet, "/v1/integrations/"+id, auth, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// Another owner cannot read it.
	other := map[string]string{"Authorization": "Bearer " + bearerToken(t, "owner-2")}
	resp = ts.do(t, http.MethodGet, "/v1/integrations/"+id, other, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	resp = ts.do(t, http.MethodPut, "/v1/integrations/"+id, auth, map[string]any{
		"domain": "finance",
		"models": []string{"llama3", "mistral"},
		"rounds": 2,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	updated := decode[registry.Integration](t, resp)
	assert.Equal(t, 2, updated.Config.Rounds)

	resp = ts.do(t, http.MethodGet, "/v1/integrations/stats", auth, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stats := decode[registry.Stats](t, resp)
	assert.Equal(t, 1, stats.Total)

	resp = ts.do(t, http.MethodDelete, "/v1/integrations/"+id, auth, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	resp = ts.do(t, http.MethodGet, "/v1/integrations/"+id, auth, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestAnalyzeRequiresKeyBeforeOrchestration(t *testing.T) {
	ts := newTestServer(t)
	ts.register(t, "owner-1", nil)

	resp := ts.do(t, http.MethodPost, "/v1/analyze", nil,
		map[string]any{"data": map[string]any{"v": 1}})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	resp = ts.do(t, http.MethodPost, "/v1/analyze",
		map[string]string{"X-API-Key": "ORC_nonsense"},
		map[string]any{"data": map[string]any{"v": 1}})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	assert.Zero(t, ts.client.calls.Load(), "no model call before auth passes")
}

func TestAnalyzeRoundTrip(t *testing.T) {
	ts := newTestServer(t)
	auth := map[string]string{"Authorization": "Bearer " + bearerToken(t, "owner-1")}
	id, key := ts.register(t, "owner-1", nil)

	resp := ts.do(t, http.MethodPost, "/v1/analyze",
		map[string]string{"X-API-Key": key},
		map[string]any{"data": map[string]any{"orders": []int{1, 2, 3}}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	submitted := decode[service.SubmitResponse](t, resp)
	assert.Equal(t, analysis.StatusCompleted, submitted.Status)
	assert.Equal(t, 1, submitted.InsightsCount)
	assert.Equal(t, 1, submitted.RecommendationsCount)

	resp = ts.do(t, http.MethodGet, "/v1/analyze/"+submitted.ID, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	fetched := decode[analysis.Result](t, resp)
	assert.Equal(t, submitted.ID, fetched.ID)

	resp = ts.do(t, http.MethodGet, "/v1/integrations/"+id+"/results", auth, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	results := decode[map[string][]*analysis.Result](t, resp)
	require.Len(t, results["results"], 1)

	resp = ts.do(t, http.MethodGet, "/v1/analyze/"+submitted.ID+"/deliveries", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestAnalyzeHonorsRequestDomain(t *testing.T) {
	ts := newTestServer(t)
	_, key := ts.register(t, "owner-1", nil)

	resp := ts.do(t, http.MethodPost, "/v1/analyze",
		map[string]string{"X-API-Key": key},
		map[string]any{
			"domain": "finance",
			"data":   map[string]any{"positions": []int{1, 2}},
		})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	submitted := decode[service.SubmitResponse](t, resp)
	require.NotEmpty(t, submitted.Result.Turns)
	assert.Contains(t, submitted.Result.Turns[0].Prompt, "DOMAIN: FINANCE")
}

func TestIntegrationEvents(t *testing.T) {
	ts := newTestServer(t)
	auth := map[string]string{"Authorization": "Bearer " + bearerToken(t, "owner-1")}
	id, key := ts.register(t, "owner-1", nil)

	resp := ts.do(t, http.MethodPost, "/v1/analyze",
		map[string]string{"X-API-Key": key},
		map[string]any{"data": map[string]any{"v": 1}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = ts.do(t, http.MethodGet, "/v1/integrations/"+id+"/events", auth, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	trail := decode[map[string][]events.Event](t, resp)

	types := make([]events.Type, 0, len(trail["events"]))
	for _, e := range trail["events"] {
		assert.Equal(t, id, e.IntegrationID)
		types = append(types, e.Type)
	}
	assert.Contains(t, types, events.AnalysisStarted)
	assert.Contains(t, types, events.AnalysisCompleted)

	resp = ts.do(t, http.MethodGet,
		"/v1/integrations/"+id+"/events?since="+time.Now().Add(time.Hour).UTC().Format(time.RFC3339), auth, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	empty := decode[map[string][]events.Event](t, resp)
	assert.Empty(t, empty["events"])

	resp = ts.do(t, http.MethodGet, "/v1/integrations/"+id+"/events?since=yesterday", auth, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestAnalyzeSuspendedIntegration(t *testing.T) {
	ts := newTestServer(t)
	auth := map[string]string{"Authorization": "Bearer " + bearerToken(t, "owner-1")}
	id, key := ts.register(t, "owner-1", nil)

	resp := ts.do(t, http.MethodPost, "/v1/integrations/"+id+"/suspend", auth, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	resp = ts.do(t, http.MethodPost, "/v1/analyze",
		map[string]string{"X-API-Key": key},
		map[string]any{"data": map[string]any{"v": 1}})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	resp = ts.do(t, http.MethodPost, "/v1/integrations/"+id+"/reactivate", auth, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	resp = ts.do(t, http.MethodPost, "/v1/analyze",
		map[string]string{"X-API-Key": key},
		map[string]any{"data": map[string]any{"v": 1}})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestAnalyzeRejectsBadPayload(t *testing.T) {
	ts := newTestServer(t)
	_, key := ts.register(t, "owner-1", nil)

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/v1/analyze",
		strings.NewReader(`{"data": {broken`))
	require.NoError(t, err)
	req.Header.Set("X-API-Key", key)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestKeyRotationOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	auth := map[string]string{"Authorization": "Bearer " + bearerToken(t, "owner-1")}
	id, oldKey := ts.register(t, "owner-1", nil)

	resp := ts.do(t, http.MethodPost, "/v1/integrations/"+id+"/rotate", auth, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rotated := decode[map[string]string](t, resp)
	newKey := rotated["api_key"]
	require.NotEmpty(t, newKey)

	resp = ts.do(t, http.MethodPost, "/v1/analyze",
		map[string]string{"X-API-Key": oldKey},
		map[string]any{"data": map[string]any{"v": 1}})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	resp = ts.do(t, http.MethodPost, "/v1/analyze",
		map[string]string{"X-API-Key": newKey},
		map[string]any{"data": map[string]any{"v": 1}})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestGzipRequestBody(t *testing.T) {
	ts := newTestServer(t)
	_, key := ts.register(t, "owner-1", nil)

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(`{"data": {"orders": [1, 2]}}`))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/v1/analyze", &buf)
	require.NoError(t, err)
	req.Header.Set("X-API-Key", key)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWatchWithoutStreamer(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.do(t, http.MethodGet, "/v1/watch/some-integration", nil, nil)
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)
	resp.Body.Close()
}
