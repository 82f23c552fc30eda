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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apex/runtime/internal/budget"
	"github.com/apex/runtime/internal/circuitbreaker"
	"github.com/apex/runtime/internal/coordinator"
	"github.com/apex/runtime/internal/runtime"
)

type fixture struct {
	server   *Server
	router   *runtime.Router
	coord    *coordinator.Coordinator
	guard    *budget.Guard
	breakers *circuitbreaker.RuntimeBreakers
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	router := runtime.NewRouter(runtime.DefaultRouterConfig())
	engine := runtime.NewSwitchEngine(router, runtime.DefaultSwitchConfig(), nil)
	coord := coordinator.New(engine, coordinator.DefaultConfig(), nil, nil)
	guard := budget.NewGuard(budget.DefaultConfig(), nil)
	guard.SetScope(budget.ScopeDaily, budget.Limits{Tokens: 1000})
	breakers := circuitbreaker.NewRuntimeBreakers()

	cfg := Config{ListenAddr: ":0", ReadTimeout: time.Second, WriteTimeout: time.Second}
	return &fixture{
		server:   New(cfg, router, coord, guard, nil, breakers),
		router:   router,
		coord:    coord,
		guard:    guard,
		breakers: breakers,
	}
}

func (f *fixture) get(t *testing.T, path string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rr := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rr, req)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	return rr, body
}

func (f *fixture) post(t *testing.T, path, payload string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(payload))
	rr := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rr, req)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	return rr, body
}

func TestHealthzHealthy(t *testing.T) {
	f := newFixture(t)

	rr, body := f.get(t, "/healthz")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "HEALTHY", body["status"])
}

func TestHealthzDegradedWhenBreakerOpen(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("probe down")
	for i := 0; i < 2; i++ {
		f.breakers.Probe.Execute(context.Background(), func(context.Context) error { return boom })
	}

	rr, body := f.get(t, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "DEGRADED", body["status"])
	breakers := body["breakers"].(map[string]interface{})
	assert.Equal(t, "OPEN", breakers["probe"])
}

func TestTopologyEndpoint(t *testing.T) {
	f := newFixture(t)

	_, body := f.get(t, "/v1/topology")
	assert.Equal(t, "star", body["topology"])
	assert.Equal(t, float64(1), body["epoch"])
	assert.Equal(t, "STABLE", body["state"])
}

func TestSwitchEndpointCommitsAndRejects(t *testing.T) {
	f := newFixture(t)

	rr, body := f.post(t, "/v1/switch", `{"target":"chain"}`)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "committed", body["status"])
	assert.Equal(t, float64(2), body["epoch"])

	// Straight after a commit the cooldown gate rejects.
	rr, body = f.post(t, "/v1/switch", `{"target":"flat"}`)
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "rejected", body["status"])
	assert.Equal(t, "cooldown", body["reason"])
}

func TestSwitchEndpointUnknownTarget(t *testing.T) {
	f := newFixture(t)

	rr, body := f.post(t, "/v1/switch", `{"target":"ring"}`)
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "unknown_topology", body["reason"])
}

func TestSwitchEndpointBadBody(t *testing.T) {
	f := newFixture(t)
	rr, _ := f.post(t, "/v1/switch", "{not json")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestQueuesEndpoint(t *testing.T) {
	f := newFixture(t)
	msg, err := runtime.NewMessage("ep-1", runtime.RolePlanner, runtime.RoleCoder, map[string]interface{}{"k": "v"}, 0)
	require.NoError(t, err)
	require.NoError(t, f.router.Route(msg))

	_, body := f.get(t, "/v1/queues")
	depths := body["depths"].(map[string]interface{})
	assert.Equal(t, float64(1), depths["coder"])
	assert.Equal(t, float64(1), body["admitted"])
}

func TestBudgetEndpoint(t *testing.T) {
	f := newFixture(t)
	dec := f.guard.CheckAndReserve([]string{budget.ScopeDaily}, 100, 0)
	require.True(t, dec.Allowed)
	require.NoError(t, f.guard.Settle(dec.ReservationID, 200, 0))

	_, body := f.get(t, "/v1/budget")
	assert.Equal(t, budget.ScopeDaily, body["scope"])
	assert.Equal(t, float64(200), body["used"])
	assert.Equal(t, float64(0), body["reserved"])
	assert.Equal(t, float64(1000), body["budget"])
	assert.InDelta(t, 0.8, body["headroom"].(float64), 1e-9)
}

func TestBudgetEndpointCustomScope(t *testing.T) {
	f := newFixture(t)
	f.guard.SetScope(budget.EpisodeScope("ep-9"), budget.Limits{Tokens: 50})

	_, body := f.get(t, "/v1/budget?scope=episode:ep-9")
	assert.Equal(t, "episode:ep-9", body["scope"])
	assert.Equal(t, float64(50), body["budget"])
}

func TestDecisionsEndpointWithoutController(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/decisions", nil)
	rr := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, "[]", rr.Body.String())
}

func TestMetricsEndpointMounted(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
}
