package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/conduit/internal/config"
	"github.com/songzhibin97/conduit/internal/health"
	"github.com/songzhibin97/conduit/internal/metrics"
	"github.com/songzhibin97/conduit/internal/proxy"
	"github.com/songzhibin97/conduit/internal/types"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubHistory struct {
	results []health.ProbeResult
	err     error
	limit   int64
}

func (s *stubHistory) History(_ context.Context, _, _ string, limit int64) ([]health.ProbeResult, error) {
	s.limit = limit
	return s.results, s.err
}

func newTestEngine(t *testing.T, history HistorySource) (*gin.Engine, *proxy.Registry) {
	t.Helper()

	reg := prometheus.NewRegistry()
	collector, err := metrics.New(nil, reg)
	require.NoError(t, err)

	registry := proxy.NewRegistry(proxy.Dependencies{Metrics: collector})
	t.Cleanup(registry.Close)

	_, err = registry.Deploy(config.APIConfig{
		ID:          "orders",
		Name:        "Orders",
		ContextPath: "/orders",
		Failover:    config.FailoverConfig{Enabled: true, MaxAttempts: 3, RetryTimeout: time.Second},
		Endpoints: []config.EndpointConfig{
			{Name: "a", Target: "http://127.0.0.1:9001"},
			{Name: "b", Target: "http://127.0.0.1:9002", Backup: true},
		},
	})
	require.NoError(t, err)

	return NewEngine(NewHandler(registry, reg, history, nil)), registry
}

func perform(engine *gin.Engine, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v))
}

func TestHealthz(t *testing.T) {
	engine, _ := newTestEngine(t, nil)

	w := perform(engine, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestListAPIs(t *testing.T) {
	engine, _ := newTestEngine(t, nil)

	w := perform(engine, http.MethodGet, "/apis")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		APIs []APISummary `json:"apis"`
	}
	decode(t, w, &body)
	require.Len(t, body.APIs, 1)
	assert.Equal(t, APISummary{
		ID:           "orders",
		Name:         "Orders",
		ContextPath:  "/orders",
		Failover:     true,
		Endpoints:    2,
		Available:    2,
		CircuitState: "CLOSED",
	}, body.APIs[0])
}

func TestListEndpoints(t *testing.T) {
	engine, _ := newTestEngine(t, nil)

	w := perform(engine, http.MethodGet, "/apis/orders/endpoints")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Endpoints []struct {
			Name    string       `json:"name"`
			Status  types.Status `json:"status"`
			Backup  bool         `json:"backup"`
			Enabled bool         `json:"enabled"`
		} `json:"endpoints"`
	}
	decode(t, w, &body)
	require.Len(t, body.Endpoints, 2)
	assert.Equal(t, "a", body.Endpoints[0].Name)
	assert.Equal(t, types.StatusUp, body.Endpoints[0].Status)
	assert.True(t, body.Endpoints[0].Enabled)
	assert.True(t, body.Endpoints[1].Backup)

	w = perform(engine, http.MethodGet, "/apis/missing/endpoints")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestEnableDisableEndpoint(t *testing.T) {
	engine, registry := newTestEngine(t, nil)
	manager := registry.EndpointManager()

	w := perform(engine, http.MethodPost, "/apis/orders/endpoints/a/disable")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"api":"orders","endpoint":"a","enabled":false,"changed":true}`, w.Body.String())
	assert.Len(t, manager.Enabled("orders"), 1)

	w = perform(engine, http.MethodPost, "/apis/orders/endpoints/a/disable")
	assert.JSONEq(t, `{"api":"orders","endpoint":"a","enabled":false,"changed":false}`, w.Body.String())

	w = perform(engine, http.MethodPost, "/apis/orders/endpoints/a/enable")
	assert.JSONEq(t, `{"api":"orders","endpoint":"a","enabled":true,"changed":true}`, w.Body.String())
	assert.Len(t, manager.Enabled("orders"), 2)

	w = perform(engine, http.MethodPost, "/apis/orders/endpoints/zzz/enable")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestBreakers(t *testing.T) {
	engine, registry := newTestEngine(t, nil)
	api, _ := registry.Get("orders")
	for i := 0; i < 3; i++ {
		api.Breaker().RecordFailure()
	}

	w := perform(engine, http.MethodGet, "/breakers")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Breakers []struct {
			Name  string `json:"name"`
			State string `json:"state"`
		} `json:"breakers"`
	}
	decode(t, w, &body)
	require.Len(t, body.Breakers, 1)
	assert.Equal(t, "cb-orders", body.Breakers[0].Name)
	assert.Equal(t, "OPEN", body.Breakers[0].State)

	w = perform(engine, http.MethodPost, "/breakers/cb-orders/reset")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"name":"cb-orders","state":"CLOSED"}`, w.Body.String())

	w = perform(engine, http.MethodPost, "/breakers/cb-missing/reset")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestEndpointHistory(t *testing.T) {
	engine, _ := newTestEngine(t, nil)
	w := perform(engine, http.MethodGet, "/apis/orders/endpoints/a/history")
	assert.Equal(t, http.StatusNotImplemented, w.Code)

	history := &stubHistory{results: []health.ProbeResult{{API: "orders", Endpoint: "a", Success: true}}}
	engine, _ = newTestEngine(t, history)

	w = perform(engine, http.MethodGet, "/apis/orders/endpoints/a/history?limit=5")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(5), history.limit)
	assert.Contains(t, w.Body.String(), `"endpoint":"a"`)

	w = perform(engine, http.MethodGet, "/apis/orders/endpoints/a/history?limit=-1")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	history.err = errors.New("redis down")
	w = perform(engine, http.MethodGet, "/apis/orders/endpoints/a/history")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, int64(defaultHistoryLimit), history.limit)
}

func TestMetrics(t *testing.T) {
	engine, _ := newTestEngine(t, nil)

	w := perform(engine, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "conduit_gateway_endpoint_status"), w.Body.String())
}
