package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sipgate-server/pkg/config"
	"sipgate-server/pkg/metrics"
	"sipgate-server/pkg/session"
)

type stubGateway struct {
	stats    map[string]interface{}
	sessions []session.Snapshot
}

func (g *stubGateway) Stats() map[string]interface{} { return g.stats }
func (g *stubGateway) Sessions() []session.Snapshot  { return g.sessions }

type stubAMQP struct {
	connected bool
}

func (s *stubAMQP) Connected() bool { return s.connected }

type headerMiddleware struct{}

func (headerMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Test-Middleware", "applied")
		next.ServeHTTP(w, r)
	})
}

type blockingMiddleware struct{}

func (blockingMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})
}

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func newTestConfig() *config.HTTPConfig {
	return &config.HTTPConfig{
		Port:          8080,
		Enabled:       true,
		EnableMetrics: false,
		ReadTimeout:   10 * time.Second,
		WriteTimeout:  30 * time.Second,
	}
}

func doRequest(s *Server, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	s.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func startedHub(t *testing.T) *EventHub {
	t.Helper()

	hub := NewEventHub(newTestLogger())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	require.Eventually(t, hub.IsRunning, time.Second, 10*time.Millisecond)
	return hub
}

func TestHealthEndpoint_Healthy(t *testing.T) {
	gw := &stubGateway{stats: map[string]interface{}{
		"sessions_active":  3,
		"penalties_active": 1,
	}}

	s := NewServer(newTestLogger(), newTestConfig(), gw)
	s.SetSignalingHandler(struct{}{})
	s.SetEventHub(startedHub(t))

	rec := doRequest(s, http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Server"))

	var health HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "healthy", health.Checks["signaling"].Status)
	assert.Equal(t, "healthy", health.Checks["sessions"].Status)
	assert.Equal(t, "healthy", health.Checks["websocket"].Status)
	assert.NotContains(t, health.Checks, "amqp")
	assert.Equal(t, 3, health.System.ActiveSessions)
	assert.Equal(t, 1, health.System.PenalizedSources)
	assert.Greater(t, health.System.GoRoutines, 0)
	assert.NotEmpty(t, health.Version)
}

func TestHealthEndpoint_UnhealthyWithoutSignaling(t *testing.T) {
	s := NewServer(newTestLogger(), newTestConfig(), &stubGateway{})

	rec := doRequest(s, http.MethodGet, "/health")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var health HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "unhealthy", health.Status)
	assert.Equal(t, "unhealthy", health.Checks["signaling"].Status)
	assert.Equal(t, "degraded", health.Checks["websocket"].Status)
}

func TestHealthEndpoint_AMQPStatus(t *testing.T) {
	s := NewServer(newTestLogger(), newTestConfig(), &stubGateway{})
	s.SetSignalingHandler(struct{}{})
	s.SetAMQPClient(&stubAMQP{connected: true})

	rec := doRequest(s, http.MethodGet, "/health")
	var health HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health.Checks["amqp"].Status)

	s.SetAMQPClient(&stubAMQP{connected: false})
	rec = doRequest(s, http.MethodGet, "/health")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "degraded", health.Checks["amqp"].Status)
}

func TestLivenessAlwaysOK(t *testing.T) {
	s := NewServer(newTestLogger(), newTestConfig(), nil)

	rec := doRequest(s, http.MethodGet, "/health/live")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestReadinessRequiresWiring(t *testing.T) {
	s := NewServer(newTestLogger(), newTestConfig(), &stubGateway{})

	rec := doRequest(s, http.MethodGet, "/health/ready")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "not ready", rec.Body.String())

	s.SetSignalingHandler(struct{}{})
	rec = doRequest(s, http.MethodGet, "/health/ready")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready", rec.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	metrics.StartMetrics(newTestLogger(), true)
	metrics.RecordMessage("OPTIONS", 200)

	cfg := newTestConfig()
	cfg.EnableMetrics = true
	s := NewServer(newTestLogger(), cfg, nil)

	rec := doRequest(s, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Server"))
	assert.Contains(t, rec.Body.String(), "sipgate_messages_total")
}

func TestMetricsEndpointDisabled(t *testing.T) {
	s := NewServer(newTestLogger(), newTestConfig(), nil)

	rec := doRequest(s, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusEndpointMergesStats(t *testing.T) {
	gw := &stubGateway{stats: map[string]interface{}{
		"sessions_active": 2,
		"tracked_sources": 7,
	}}
	s := NewServer(newTestLogger(), newTestConfig(), gw)

	rec := doRequest(s, http.MethodGet, "/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var status map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "ok", status["status"])
	assert.Equal(t, float64(2), status["sessions_active"])
	assert.Equal(t, float64(7), status["tracked_sources"])
	assert.NotEmpty(t, status["version"])
	assert.NotEmpty(t, status["started_at"])
}

func TestSessionsEndpoint(t *testing.T) {
	now := time.Now()
	gw := &stubGateway{sessions: []session.Snapshot{
		{CallID: "call-1", Owner: "alice", Source: "198.51.100.10:5060", State: "established", CreatedAt: now, LastActivity: now},
		{CallID: "call-2", Source: "198.51.100.11:5060", State: "pending", CreatedAt: now, LastActivity: now},
	}}
	s := NewServer(newTestLogger(), newTestConfig(), gw)

	rec := doRequest(s, http.MethodGet, "/api/sessions")
	require.Equal(t, http.StatusOK, rec.Code)

	var payload struct {
		Count    int                `json:"count"`
		Sessions []session.Snapshot `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, 2, payload.Count)
	require.Len(t, payload.Sessions, 2)
	assert.Equal(t, "call-1", payload.Sessions[0].CallID)
	assert.Equal(t, "alice", payload.Sessions[0].Owner)
	assert.Equal(t, "established", payload.Sessions[0].State)
}

func TestSessionsEndpointEmpty(t *testing.T) {
	s := NewServer(newTestLogger(), newTestConfig(), &stubGateway{})

	rec := doRequest(s, http.MethodGet, "/api/sessions")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"count": 0, "sessions": []}`, rec.Body.String())
}

func TestRateLimitMiddlewareWrapsAllRoutes(t *testing.T) {
	s := NewServer(newTestLogger(), newTestConfig(), nil)
	s.SetRateLimitMiddleware(headerMiddleware{})

	rec := doRequest(s, http.MethodGet, "/health/live")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "applied", rec.Header().Get("X-Test-Middleware"))

	s.SetRateLimitMiddleware(blockingMiddleware{})
	rec = doRequest(s, http.MethodGet, "/health/live")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestNewServerDefaultsConfig(t *testing.T) {
	s := NewServer(newTestLogger(), nil, nil)

	assert.Equal(t, 8080, s.config.Port)
	assert.True(t, s.config.EnableMetrics)
	assert.Equal(t, 10*time.Second, s.config.ReadTimeout)
}
