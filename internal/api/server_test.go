// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/flowguard/internal/clock"
	"grimm.is/flowguard/internal/connection"
	"grimm.is/flowguard/internal/ctlplane"
	"grimm.is/flowguard/internal/engine"
	"grimm.is/flowguard/internal/flow"
	"grimm.is/flowguard/internal/health"
	"grimm.is/flowguard/internal/kernel"
	"grimm.is/flowguard/internal/logging"
	"grimm.is/flowguard/internal/metrics"
	"grimm.is/flowguard/internal/protocol"
)

type testEnv struct {
	server *Server
	http   *httptest.Server
	engine *engine.Engine
	sim    *kernel.SimProvider
	queue  *ctlplane.Queue
	hub    *Hub
	ring   *logging.Ring
	health *health.Checker
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		sim:    kernel.NewSimProvider(kernel.SimConfig{HoldPackets: true}),
		queue:  ctlplane.NewQueue(64),
		ring:   logging.NewRing(16),
		health: health.NewChecker(),
	}
	env.hub = NewHub(env.queue, nil)

	m := metrics.NewMetrics()
	cfg := engine.DefaultConfig()
	cfg.Metrics = m
	cfg.Ring = env.ring
	env.engine = engine.New(cfg, env.sim, env.hub)
	env.sim.Attach(env.engine)

	srv, err := NewServer(Options{
		Engine:   env.engine,
		Registry: metrics.NewRegistry(m),
		Health:   env.health,
		Ring:     env.ring,
		Hub:      env.hub,
	})
	require.NoError(t, err)
	env.server = srv
	env.http = httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		env.hub.Close()
		env.http.Close()
	})
	return env
}

func (env *testEnv) get(t *testing.T, path string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(env.http.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func outboundKey(t *testing.T, local, remote string) flow.Key {
	t.Helper()
	key, err := flow.NewKey(flow.ProtocolTCP, netip.MustParseAddrPort(local), netip.MustParseAddrPort(remote))
	require.NoError(t, err)
	return key
}

func (env *testEnv) addConnection(t *testing.T, key flow.Key, v connection.Verdict, pid uint64) {
	t.Helper()
	rec, err := connection.NewRecord(key, flow.Outbound, pid, clock.Now())
	require.NoError(t, err)
	rec.Verdict = v
	require.NoError(t, env.engine.Connections().Add(rec))
}

func TestNewServerRequiresEngine(t *testing.T) {
	_, err := NewServer(Options{})
	assert.Error(t, err)
}

func TestStatus(t *testing.T) {
	env := newTestEnv(t)
	env.addConnection(t, outboundKey(t, "10.0.0.2:50000", "93.184.216.34:443"), connection.Accept, 7)

	var status StatusResponse
	resp := env.get(t, "/api/status", &status)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Equal(t, 1, status.Connections)
	assert.Zero(t, status.Pending)
	assert.False(t, status.ShutDown)

	env.engine.Shutdown()
	env.get(t, "/api/status", &status)
	assert.True(t, status.ShutDown)
}

func TestRequestID(t *testing.T) {
	env := newTestEnv(t)

	resp := env.get(t, "/api/status", nil)
	_, err := uuid.Parse(resp.Header.Get("X-Request-ID"))
	assert.NoError(t, err)

	id := uuid.NewString()
	req, err := http.NewRequest(http.MethodGet, env.http.URL+"/api/status", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", id)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, id, resp.Header.Get("X-Request-ID"))

	req.Header.Set("X-Request-ID", "not-a-uuid")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.NotEqual(t, "not-a-uuid", resp.Header.Get("X-Request-ID"))
}

func TestConnections(t *testing.T) {
	env := newTestEnv(t)
	env.addConnection(t, outboundKey(t, "10.0.0.2:50000", "93.184.216.34:443"), connection.Accept, 7)
	env.addConnection(t, outboundKey(t, "10.0.0.2:50001", "1.1.1.1:53"), connection.RedirectNameServer, 8)

	var all []ConnectionView
	env.get(t, "/api/connections", &all)
	require.Len(t, all, 2)

	var redirected []ConnectionView
	env.get(t, "/api/connections?verdict=redirect_nameserver", &redirected)
	require.Len(t, redirected, 1)
	assert.Equal(t, "10.0.0.2:50001", redirected[0].Local)
	assert.True(t, redirected[0].Redirected)
	assert.Equal(t, "127.0.0.1:53", redirected[0].RedirectsTo)

	var byPID []ConnectionView
	env.get(t, "/api/connections?pid=7&protocol=tcp&direction=outbound", &byPID)
	require.Len(t, byPID, 1)
	assert.Equal(t, "Accept", byPID[0].Verdict)
	assert.Equal(t, "93.184.216.34:443", byPID[0].Remote)

	resp := env.get(t, "/api/connections?pid=abc", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = env.get(t, "/api/connections?verdict=maybe", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPendingAndEvents(t *testing.T) {
	env := newTestEnv(t)

	wsURL := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/api/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, 1, env.hub.Subscribers())

	key := outboundKey(t, "10.0.0.2:50000", "93.184.216.34:443")
	c := env.sim.SendAuth(&kernel.AuthEvent{Key: key, Direction: flow.Outbound, ProcessID: 42})
	require.True(t, c.Pended())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, protocol.InfoConnectionV4.String(), ev.Type)
	assert.True(t, ev.Queued)
	assert.NotZero(t, ev.ID)
	assert.Equal(t, uint64(42), ev.ProcessID)
	assert.Equal(t, "93.184.216.34:443", ev.Remote)

	// The event also reached the policy queue.
	assert.Equal(t, 1, env.queue.Len())

	var pending []map[string]any
	env.get(t, "/api/pending", &pending)
	require.Len(t, pending, 1)
	assert.Equal(t, float64(ev.ID), pending[0]["id"])
	assert.Equal(t, "Outbound", pending[0]["direction"])

	require.NoError(t, env.engine.HandleVerdict(ev.ID, uint8(connection.Accept)))
	env.get(t, "/api/pending", &pending)
	assert.Empty(t, pending)
}

func TestEventsClosedOnShutdown(t *testing.T) {
	env := newTestEnv(t)

	wsURL := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/api/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, env.server.Shutdown(ctx))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
	assert.Zero(t, env.hub.Subscribers())
}

func TestHubSlowSubscriber(t *testing.T) {
	hub := NewHub(ctlplane.NewQueue(4), nil)
	_, cancel := hub.Subscribe()
	defer cancel()

	for i := 0; i < subscriberBuffer+3; i++ {
		_ = hub.Push(protocol.LogLine{Severity: 3, Line: "x"})
	}
	assert.Equal(t, uint64(3), hub.Dropped())

	cancel()
	cancel()
	assert.Zero(t, hub.Subscribers())
	assert.Equal(t, 4, hub.Rundown())
}

func TestLogs(t *testing.T) {
	env := newTestEnv(t)
	for _, m := range []string{"one", "two", "three"} {
		env.ring.Add(logging.Line{Level: logging.LevelWarn, Message: m})
	}

	var lines []LogView
	env.get(t, "/api/logs?limit=2", &lines)
	require.Len(t, lines, 2)
	assert.Equal(t, "two", lines[0].Message)
	assert.Equal(t, "WARN", lines[0].Level)

	// Reading through the API leaves the lines for the policy client.
	assert.Equal(t, 3, env.ring.Len())

	resp := env.get(t, "/api/logs?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCommands(t *testing.T) {
	env := newTestEnv(t)
	env.addConnection(t, outboundKey(t, "10.0.0.2:50000", "93.184.216.34:443"), connection.Accept, 7)

	resp, err := http.Post(env.http.URL+"/api/commands/clear_cache", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Zero(t, env.engine.Connections().Count())

	env.ring.Add(logging.Line{Level: logging.LevelError, Message: "boom"})
	resp, err = http.Post(env.http.URL+"/api/commands/get_logs", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, 1, env.queue.Len())

	resp, err = http.Post(env.http.URL+"/api/commands/shutdown", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.get(t, "/api/commands/clear_cache", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	env.engine.Shutdown()
	resp, err = http.Post(env.http.URL+"/api/commands/clear_cache", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	session := ""
	env.health.Register("engine", health.CheckEngine(env.engine.Done()))
	env.health.Register("policy", health.CheckPolicy(func() string { return session }))

	var report health.Report
	resp := env.get(t, "/healthz", &report)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, health.StatusDegraded, report.Status)

	resp = env.get(t, "/readyz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	session = "s1"
	resp = env.get(t, "/readyz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	env.engine.Shutdown()
	resp = env.get(t, "/healthz", &report)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, health.StatusUnhealthy, report.Status)
}

func TestMetricsAndRules(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.http.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "flowguard_policy_requests_total")

	var rules map[string]any
	env.get(t, "/api/rules", &rules)
	assert.Empty(t, rules["rules"])
}
