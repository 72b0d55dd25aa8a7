package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalcast-io/signalcast/internal/broadcast"
	"github.com/signalcast-io/signalcast/internal/config"
	"github.com/signalcast-io/signalcast/internal/dispatch"
	"github.com/signalcast-io/signalcast/internal/registry"
	"github.com/signalcast-io/signalcast/internal/session"
)

func newTestServer(t *testing.T, cfg *config.Config) (*Server, *httptest.Server) {
	t.Helper()

	if cfg == nil {
		cfg = &config.Config{
			AppEnv:  "development",
			AppURL:  "http://localhost:8080",
			Port:    "8080",
			APIKeys: "test-key",
		}
	}

	clock := clockwork.NewRealClock()
	reg := registry.New(registry.Config{MaxConnections: 100, MaxPerIP: 100}, clock)
	store := session.NewMemoryStore(time.Hour, clock)
	coordinator := broadcast.New(broadcast.Config{
		APIKeys:             cfg.APIKeyList(),
		InactiveTimeout:     time.Minute,
		HeartbeatInterval:   time.Minute,
		ExpirySweepInterval: time.Minute,
		Batch:               dispatch.Config{MaxSize: 50, MaxWait: 20 * time.Millisecond},
	}, reg, store, clock)
	t.Cleanup(func() { coordinator.Stop() })

	srv := NewServer(cfg, coordinator, reg, store, nil)
	ts := httptest.NewServer(srv.echo)
	t.Cleanup(func() { ts.Close() })

	return srv, ts
}

func TestHandleLiveness(t *testing.T) {
	_, ts := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/health/live")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, 200, resp.StatusCode)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestHandleReadiness_NoRedis(t *testing.T) {
	_, ts := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/health/ready")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, 200, resp.StatusCode)
}

func TestHandleVersion(t *testing.T) {
	_, ts := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/version")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, 200, resp.StatusCode)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.NotEmpty(t, body["version"])
}

func TestHandleMetrics(t *testing.T) {
	_, ts := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, 200, resp.StatusCode)
}

func TestHandleWebSocket_MissingClientID(t *testing.T) {
	_, ts := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/ws")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, 400, resp.StatusCode)
}

func TestHandleWebSocket_ConnectAndStats(t *testing.T) {
	_, ts := newTestServer(t, nil)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?client_id=client-1"
	conn, _, err := ws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	// connection_info confirms the coordinator registered us
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var event struct {
		Type string `json:"type"`
	}
	require.NoError(t, json.Unmarshal(msg, &event))
	assert.Equal(t, "connection_info", event.Type)

	resp, err := http.Get(ts.URL + "/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)

	var stats statsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, 1, stats.Connections.Total)
	assert.Equal(t, 1, stats.Delivery.Connections)
	assert.Equal(t, 1, stats.Sessions)
}

func TestCheckOrigin(t *testing.T) {
	prodCfg := &config.Config{
		AppEnv:  "production",
		AppURL:  "https://signals.example.com",
		Port:    "8080",
		APIKeys: "test-key",
	}
	srv, _ := newTestServer(t, prodCfg)

	tests := []struct {
		name   string
		origin string
		want   bool
	}{
		{"no origin header", "", true},
		{"matching origin", "https://signals.example.com", true},
		{"matching origin different scheme", "http://signals.example.com", true},
		{"mismatched host", "https://evil.example.com", false},
		{"malformed origin", "://bad", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ws", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, srv.checkOrigin(req))
		})
	}
}

func TestCheckOrigin_DevelopmentAllowsAll(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Origin", "https://anywhere.example.com")
	assert.True(t, srv.checkOrigin(req))
}
