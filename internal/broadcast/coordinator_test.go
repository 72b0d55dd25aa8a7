package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	ws "github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalcast-io/signalcast/internal/dispatch"
	"github.com/signalcast-io/signalcast/internal/registry"
	"github.com/signalcast-io/signalcast/internal/session"
	"github.com/signalcast-io/signalcast/internal/signal"
)

const testAPIKey = "test-api-key"

// wsEvent decodes the outbound envelope with the payload left raw.
type wsEvent struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

type testEnv struct {
	coordinator *Coordinator
	store       *session.MemoryStore
	registry    *registry.Registry
	server      *httptest.Server
}

// newTestEnv wires a coordinator behind an httptest WebSocket server. Dial
// query params: client (required), session (optional resume), ip (overrides
// the admission address so per-IP behavior is testable).
func newTestEnv(t *testing.T, mutate func(*Config, *registry.Config)) *testEnv {
	t.Helper()

	cfg := Config{
		APIKeys:             []string{testAPIKey},
		InactiveTimeout:     time.Minute,
		HeartbeatInterval:   time.Minute,
		ExpirySweepInterval: time.Minute,
		Batch:               dispatch.Config{MaxSize: 50, MaxWait: 20 * time.Millisecond},
	}
	regCfg := registry.Config{
		MaxConnections: 100,
		MaxPerIP:       100,
	}
	if mutate != nil {
		mutate(&cfg, &regCfg)
	}

	clock := clockwork.NewRealClock()
	env := &testEnv{
		store:    session.NewMemoryStore(time.Hour, clock),
		registry: registry.New(regCfg, clock),
	}
	env.coordinator = New(cfg, env.registry, env.store, clock)
	t.Cleanup(func() { env.coordinator.Stop() })

	upgrader := ws.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

	env.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		ip := r.URL.Query().Get("ip")
		if ip == "" {
			ip = "10.0.0.1"
		}
		res, err := env.coordinator.Connect(conn, r.URL.Query().Get("client"), r.URL.Query().Get("session"), ip, r.UserAgent())
		if err != nil {
			// Rejection notice and close already sent.
			return
		}

		go func() {
			defer env.coordinator.Disconnect(res.ConnID)
			for {
				_, msg, err := conn.ReadMessage()
				if err != nil {
					return
				}
				env.coordinator.HandleMessage(res.ConnID, msg)
			}
		}()
	}))
	t.Cleanup(func() { env.server.Close() })

	return env
}

func (env *testEnv) dial(t *testing.T, clientID, sessionID string) *ws.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "?client=" + clientID
	if sessionID != "" {
		url += "&session=" + sessionID
	}
	conn, _, err := ws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readEvent reads frames until one of the wanted type arrives, skipping
// heartbeats and unrelated pushes.
func readEvent(t *testing.T, conn *ws.Conn, wantType string) wsEvent {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	require.NoError(t, conn.SetReadDeadline(deadline))
	for {
		_, msg, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %s event", wantType)
		var event wsEvent
		require.NoError(t, json.Unmarshal(msg, &event))
		if event.Type == wantType {
			return event
		}
	}
}

func readResult(t *testing.T, conn *ws.Conn) Result {
	t.Helper()
	event := readEvent(t, conn, EventResult)
	var result Result
	require.NoError(t, json.Unmarshal(event.Payload, &result))
	return result
}

func sendCommand(t *testing.T, conn *ws.Conn, msgType string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(ClientMessage{Type: msgType, Payload: raw}))
}

func authenticate(t *testing.T, conn *ws.Conn) {
	t.Helper()
	sendCommand(t, conn, MsgAuthenticate, AuthenticatePayload{APIKey: testAPIKey})
	result := readResult(t, conn)
	require.True(t, result.Success)
}

func subscribe(t *testing.T, conn *ws.Conn, topic string, filter *signal.Filter) string {
	t.Helper()
	sendCommand(t, conn, MsgSubscribe, SubscribePayload{Topic: topic, Options: filter})
	result := readResult(t, conn)
	require.True(t, result.Success, "subscribe failed: %s", result.Message)
	require.NotEmpty(t, result.SubscriptionID)
	return result.SubscriptionID
}

func testSignal(id string) signal.Signal {
	return signal.Signal{
		ID:          id,
		PoolAddress: "pool-" + id,
		Type:        "entry",
		Strength:    3,
		Timeframe:   "1h",
		Reliability: 0.8,
		Timestamp:   time.Now(),
	}
}

func TestCoordinator_ConnectSendsConnectionInfo(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.dial(t, "client-1", "")

	event := readEvent(t, conn, EventConnectionInfo)
	var info ConnectionInfo
	require.NoError(t, json.Unmarshal(event.Payload, &info))

	assert.Equal(t, "client-1", info.ClientID)
	assert.False(t, info.Authenticated)
	assert.False(t, info.Restored)
	assert.Empty(t, info.Subscriptions)
	assert.NotEqual(t, uuid.Nil, info.SessionID)
}

func TestCoordinator_Authenticate(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.dial(t, "client-1", "")
	readEvent(t, conn, EventConnectionInfo)

	sendCommand(t, conn, MsgAuthenticate, AuthenticatePayload{APIKey: "wrong-key"})
	result := readResult(t, conn)
	assert.False(t, result.Success)
	assert.Equal(t, "authentication_failed", result.Error)

	sendCommand(t, conn, MsgAuthenticate, AuthenticatePayload{APIKey: testAPIKey})
	result = readResult(t, conn)
	assert.True(t, result.Success)
}

func TestCoordinator_SubscribeUnknownTopic(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.dial(t, "client-1", "")
	readEvent(t, conn, EventConnectionInfo)

	sendCommand(t, conn, MsgSubscribe, SubscribePayload{Topic: "no-such-topic"})
	result := readResult(t, conn)
	assert.False(t, result.Success)
	assert.Equal(t, "unknown_topic", result.Error)
}

func TestCoordinator_SubscribeAndListSubscriptions(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.dial(t, "client-1", "")
	readEvent(t, conn, EventConnectionInfo)

	subID := subscribe(t, conn, "signals", nil)
	subscribe(t, conn, "system", nil)

	sendCommand(t, conn, MsgGetSubscriptions, struct{}{})
	result := readResult(t, conn)
	require.True(t, result.Success)
	require.Len(t, result.Subscriptions, 2)
	assert.Equal(t, subID, result.Subscriptions[0].ID.String())
	assert.Equal(t, signal.TopicSignals, result.Subscriptions[0].Topic)
	assert.Equal(t, signal.TopicSystem, result.Subscriptions[1].Topic)
}

func TestCoordinator_Unsubscribe(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.dial(t, "client-1", "")
	readEvent(t, conn, EventConnectionInfo)

	subID := subscribe(t, conn, "signals", nil)

	sendCommand(t, conn, MsgUnsubscribe, UnsubscribePayload{SubscriptionID: subID})
	result := readResult(t, conn)
	assert.True(t, result.Success)

	sendCommand(t, conn, MsgUnsubscribe, UnsubscribePayload{SubscriptionID: subID})
	result = readResult(t, conn)
	assert.False(t, result.Success)
	assert.Equal(t, "subscription_not_found", result.Error)
}

func TestCoordinator_PublishDeliversToSubscriber(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.dial(t, "client-1", "")
	readEvent(t, conn, EventConnectionInfo)
	authenticate(t, conn)
	subscribe(t, conn, "signals", nil)

	env.coordinator.Publish(testSignal("s1"), testSignal("s2"))

	event := readEvent(t, conn, EventSignals)
	var batch SignalBatch
	require.NoError(t, json.Unmarshal(event.Payload, &batch))
	require.Len(t, batch.Signals, 2)
	assert.Equal(t, "s1", batch.Signals[0].ID)
	assert.Equal(t, "s2", batch.Signals[1].ID)
}

func TestCoordinator_UnauthenticatedReceivesNoSignals(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.dial(t, "client-1", "")
	readEvent(t, conn, EventConnectionInfo)
	subscribe(t, conn, "signals", nil)

	env.coordinator.Publish(testSignal("s1"))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, msg, err := conn.ReadMessage()
	if err == nil {
		var event wsEvent
		require.NoError(t, json.Unmarshal(msg, &event))
		assert.NotEqual(t, EventSignals, event.Type)
	}
}

func TestCoordinator_FilteredDelivery(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.dial(t, "client-1", "")
	readEvent(t, conn, EventConnectionInfo)
	authenticate(t, conn)

	minStrength := 4.0
	subID := subscribe(t, conn, "signals", &signal.Filter{MinStrength: &minStrength})

	weak := testSignal("weak")
	weak.Strength = 2
	strong := testSignal("strong")
	strong.Strength = 5
	env.coordinator.Publish(weak, strong)

	event := readEvent(t, conn, EventFilteredSignals)
	var batch FilteredSignalBatch
	require.NoError(t, json.Unmarshal(event.Payload, &batch))
	assert.Equal(t, subID, batch.SubscriptionID.String())
	require.Len(t, batch.Signals, 1)
	assert.Equal(t, "strong", batch.Signals[0].ID)
}

func TestCoordinator_ExpiredSignalsDroppedAtDelivery(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.dial(t, "client-1", "")
	readEvent(t, conn, EventConnectionInfo)
	authenticate(t, conn)
	subscribe(t, conn, "signals", nil)

	expired := testSignal("expired")
	expired.ExpiresAt = time.Now().Add(-time.Minute)
	live := testSignal("live")
	env.coordinator.Publish(expired, live)

	event := readEvent(t, conn, EventSignals)
	var batch SignalBatch
	require.NoError(t, json.Unmarshal(event.Payload, &batch))
	require.Len(t, batch.Signals, 1)
	assert.Equal(t, "live", batch.Signals[0].ID)
}

func TestCoordinator_ExpirySweepBroadcastsExpiredSignals(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config, _ *registry.Config) {
		cfg.ExpirySweepInterval = 50 * time.Millisecond
	})
	conn := env.dial(t, "client-1", "")
	readEvent(t, conn, EventConnectionInfo)
	authenticate(t, conn)
	subscribe(t, conn, "signals", nil)

	sig := testSignal("short-lived")
	sig.ExpiresAt = time.Now().Add(150 * time.Millisecond)
	env.coordinator.Publish(sig)

	event := readEvent(t, conn, EventSignals)
	var batch SignalBatch
	require.NoError(t, json.Unmarshal(event.Payload, &batch))
	require.Len(t, batch.Signals, 1)

	event = readEvent(t, conn, EventExpiredSignals)
	require.NoError(t, json.Unmarshal(event.Payload, &batch))
	require.Len(t, batch.Signals, 1)
	assert.Equal(t, "short-lived", batch.Signals[0].ID)
}

func TestCoordinator_TopicEvents(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.dial(t, "client-1", "")
	readEvent(t, conn, EventConnectionInfo)
	authenticate(t, conn)
	subscribe(t, conn, "system", nil)

	env.coordinator.PublishSystem("maintenance at midnight", "info")

	event := readEvent(t, conn, EventSystem)
	var notice SystemNotice
	require.NoError(t, json.Unmarshal(event.Payload, &notice))
	assert.Equal(t, "maintenance at midnight", notice.Message)
	assert.Equal(t, "info", notice.Kind)
}

func TestCoordinator_TopicEventSkipsOtherTopics(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.dial(t, "client-1", "")
	readEvent(t, conn, EventConnectionInfo)
	authenticate(t, conn)
	subscribe(t, conn, "signals", nil)

	env.coordinator.PublishStrategy(map[string]any{"mode": "aggressive"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, msg, err := conn.ReadMessage()
	if err == nil {
		var event wsEvent
		require.NoError(t, json.Unmarshal(msg, &event))
		assert.NotEqual(t, EventStrategy, event.Type)
	}
}

func TestCoordinator_SessionRestore(t *testing.T) {
	env := newTestEnv(t, nil)

	conn := env.dial(t, "client-1", "")
	event := readEvent(t, conn, EventConnectionInfo)
	var info ConnectionInfo
	require.NoError(t, json.Unmarshal(event.Payload, &info))
	sessionID := info.SessionID

	authenticate(t, conn)
	subID := subscribe(t, conn, "signals", nil)
	conn.Close()

	// The disconnect snapshot is written asynchronously.
	require.Eventually(t, func() bool {
		sess, found, err := env.store.Get(context.Background(), sessionID)
		return err == nil && found && sess.Authenticated && len(sess.Subscriptions) == 1
	}, 2*time.Second, 10*time.Millisecond)

	conn2 := env.dial(t, "client-1", sessionID.String())
	event = readEvent(t, conn2, EventConnectionInfo)
	require.NoError(t, json.Unmarshal(event.Payload, &info))

	assert.True(t, info.Restored)
	assert.True(t, info.Authenticated)
	assert.Equal(t, sessionID, info.SessionID)
	require.Len(t, info.Subscriptions, 1)
	assert.Equal(t, subID, info.Subscriptions[0].ID.String())

	// Restored auth is live: signals flow without re-authenticating.
	env.coordinator.Publish(testSignal("s1"))
	readEvent(t, conn2, EventSignals)
}

func TestCoordinator_SessionRestoreClientMismatch(t *testing.T) {
	env := newTestEnv(t, nil)

	conn := env.dial(t, "client-1", "")
	event := readEvent(t, conn, EventConnectionInfo)
	var info ConnectionInfo
	require.NoError(t, json.Unmarshal(event.Payload, &info))
	stolen := info.SessionID
	authenticate(t, conn)
	conn.Close()

	conn2 := env.dial(t, "client-2", stolen.String())
	event = readEvent(t, conn2, EventConnectionInfo)
	require.NoError(t, json.Unmarshal(event.Payload, &info))

	assert.False(t, info.Restored)
	assert.False(t, info.Authenticated)
	assert.NotEqual(t, stolen, info.SessionID)
}

func TestCoordinator_SessionRestoreUnknownID(t *testing.T) {
	env := newTestEnv(t, nil)

	conn := env.dial(t, "client-1", uuid.NewString())
	event := readEvent(t, conn, EventConnectionInfo)
	var info ConnectionInfo
	require.NoError(t, json.Unmarshal(event.Payload, &info))

	assert.False(t, info.Restored)
	assert.NotEqual(t, uuid.Nil, info.SessionID)
}

func TestCoordinator_AdmissionRejectGlobalLimit(t *testing.T) {
	env := newTestEnv(t, func(_ *Config, regCfg *registry.Config) {
		regCfg.MaxConnections = 1
	})

	conn := env.dial(t, "client-1", "")
	readEvent(t, conn, EventConnectionInfo)

	conn2 := env.dial(t, "client-2", "")
	event := readEvent(t, conn2, EventSystem)
	var notice SystemNotice
	require.NoError(t, json.Unmarshal(event.Payload, &notice))
	assert.Contains(t, notice.Message, "global_limit")
	assert.Equal(t, "error", notice.Kind)

	// The close frame follows the notice.
	require.NoError(t, conn2.SetReadDeadline(time.Now().Add(time.Second)))
	_, _, err := conn2.ReadMessage()
	require.Error(t, err)
	assert.True(t, ws.IsCloseError(err, ws.CloseTryAgainLater), "unexpected error: %v", err)
}

func TestCoordinator_AdmissionRejectPerIPLimit(t *testing.T) {
	env := newTestEnv(t, func(_ *Config, regCfg *registry.Config) {
		regCfg.MaxPerIP = 1
	})

	conn := env.dial(t, "client-1", "")
	readEvent(t, conn, EventConnectionInfo)

	conn2 := env.dial(t, "client-2", "")
	event := readEvent(t, conn2, EventSystem)
	var notice SystemNotice
	require.NoError(t, json.Unmarshal(event.Payload, &notice))
	assert.Contains(t, notice.Message, "per_ip_limit")
}

func TestCoordinator_DisconnectUpdatesStats(t *testing.T) {
	env := newTestEnv(t, nil)

	conn := env.dial(t, "client-1", "")
	readEvent(t, conn, EventConnectionInfo)
	subscribe(t, conn, "signals", nil)

	stats := env.coordinator.Stats()
	assert.Equal(t, 1, stats.Connections)
	assert.Equal(t, 1, stats.SubscriptionsByTopic["signals"])

	conn.Close()
	require.Eventually(t, func() bool {
		return env.coordinator.Stats().Connections == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, env.registry.Len())
}

func TestCoordinator_MalformedMessage(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.dial(t, "client-1", "")
	readEvent(t, conn, EventConnectionInfo)

	require.NoError(t, conn.WriteMessage(ws.TextMessage, []byte("{not json")))
	result := readResult(t, conn)
	assert.False(t, result.Success)
	assert.Contains(t, result.Message, "malformed")

	sendCommand(t, conn, "bogus_command", struct{}{})
	result = readResult(t, conn)
	assert.False(t, result.Success)
	assert.Contains(t, result.Message, "unknown command")
}

func TestCoordinator_HeartbeatDelivered(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config, _ *registry.Config) {
		cfg.HeartbeatInterval = 50 * time.Millisecond
	})
	conn := env.dial(t, "client-1", "")
	readEvent(t, conn, EventConnectionInfo)

	event := readEvent(t, conn, EventHeartbeat)
	var hb Heartbeat
	require.NoError(t, json.Unmarshal(event.Payload, &hb))
	assert.False(t, hb.Timestamp.IsZero())
}

func TestCoordinator_IdleEviction(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config, _ *registry.Config) {
		cfg.InactiveTimeout = 100 * time.Millisecond
		cfg.HeartbeatInterval = 50 * time.Millisecond
	})
	conn := env.dial(t, "client-1", "")
	readEvent(t, conn, EventConnectionInfo)

	// Stay silent past the inactivity threshold: the sweep closes us with a
	// normal close frame.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			assert.True(t, ws.IsCloseError(err, ws.CloseNormalClosure), "unexpected error: %v", err)
			break
		}
	}
	require.Eventually(t, func() bool {
		return env.coordinator.Stats().Connections == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCoordinator_StopIdempotent(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.dial(t, "client-1", "")
	readEvent(t, conn, EventConnectionInfo)

	env.coordinator.Stop()
	env.coordinator.Stop()

	// Connect after stop fails without hanging.
	_, err := env.coordinator.Connect(nil, "late", "", "10.0.0.9", "")
	require.Error(t, err)
}

func TestCoordinator_StopFlushesPendingBatch(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config, _ *registry.Config) {
		cfg.Batch.MaxWait = time.Hour
	})
	conn := env.dial(t, "client-1", "")
	readEvent(t, conn, EventConnectionInfo)
	authenticate(t, conn)
	subscribe(t, conn, "signals", nil)

	env.coordinator.Publish(testSignal("s1"))
	env.coordinator.Stop()

	event := readEvent(t, conn, EventSignals)
	var batch SignalBatch
	require.NoError(t, json.Unmarshal(event.Payload, &batch))
	require.Len(t, batch.Signals, 1)
	assert.Equal(t, "s1", batch.Signals[0].ID)
}

func TestCoordinator_BatchSizeTrigger(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config, _ *registry.Config) {
		cfg.Batch = dispatch.Config{MaxSize: 2, MaxWait: time.Hour}
	})
	conn := env.dial(t, "client-1", "")
	readEvent(t, conn, EventConnectionInfo)
	authenticate(t, conn)
	subscribe(t, conn, "signals", nil)

	// MaxWait is an hour: only the size trigger can flush this.
	env.coordinator.Publish(testSignal("s1"), testSignal("s2"))

	event := readEvent(t, conn, EventSignals)
	var batch SignalBatch
	require.NoError(t, json.Unmarshal(event.Payload, &batch))
	require.Len(t, batch.Signals, 2)
}

func TestCoordinator_ConcurrentClients(t *testing.T) {
	env := newTestEnv(t, nil)

	conns := make([]*ws.Conn, 0, 5)
	for i := 0; i < 5; i++ {
		conn := env.dial(t, fmt.Sprintf("client-%d", i), "")
		readEvent(t, conn, EventConnectionInfo)
		authenticate(t, conn)
		subscribe(t, conn, "signals", nil)
		conns = append(conns, conn)
	}

	env.coordinator.Publish(testSignal("fan-out"))

	for _, conn := range conns {
		event := readEvent(t, conn, EventSignals)
		var batch SignalBatch
		require.NoError(t, json.Unmarshal(event.Payload, &batch))
		require.Len(t, batch.Signals, 1)
	}
}
