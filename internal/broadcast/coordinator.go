package broadcast

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/signalcast-io/signalcast/internal/dispatch"
	apperrors "github.com/signalcast-io/signalcast/internal/errors"
	"github.com/signalcast-io/signalcast/internal/metrics"
	"github.com/signalcast-io/signalcast/internal/registry"
	"github.com/signalcast-io/signalcast/internal/session"
	"github.com/signalcast-io/signalcast/internal/signal"
)

const (
	commandTimeout = 5 * time.Second // actor command round-trip bound
	storeTimeout   = 2 * time.Second // session store call bound
	stopTimeout    = 10 * time.Second
)

// Config tunes the coordinator's sweeps and authentication.
type Config struct {
	APIKeys             []string
	InactiveTimeout     time.Duration
	HeartbeatInterval   time.Duration
	ExpirySweepInterval time.Duration
	Batch               dispatch.Config
}

// connState is the actor-owned record of one live connection.
type connState struct {
	id            uuid.UUID
	clientID      string
	sessionID     uuid.UUID
	remoteAddr    string
	connectedAt   time.Time
	authenticated bool
	subscriptions map[uuid.UUID]signal.Subscription
	writer        *clientWriter
}

// subscriptionList returns the connection's subscriptions ordered by
// creation time for stable responses.
func (s *connState) subscriptionList() []signal.Subscription {
	subs := make([]signal.Subscription, 0, len(s.subscriptions))
	for _, sub := range s.subscriptions {
		subs = append(subs, sub)
	}
	sort.Slice(subs, func(i, j int) bool {
		if subs[i].CreatedAt.Equal(subs[j].CreatedAt) {
			return subs[i].ID.String() < subs[j].ID.String()
		}
		return subs[i].CreatedAt.Before(subs[j].CreatedAt)
	})
	return subs
}

// coordinatorCmd is the command interface for the Coordinator actor.
type coordinatorCmd interface{ isCoordinatorCmd() }

type baseCoordinatorCmd struct{}

func (baseCoordinatorCmd) isCoordinatorCmd() {}

type registerCmd struct {
	baseCoordinatorCmd
	state        *connState
	restored     bool
	errorChannel chan error
}

type messageCmd struct {
	baseCoordinatorCmd
	connID uuid.UUID
	raw    []byte
}

type disconnectCmd struct {
	baseCoordinatorCmd
	connID uuid.UUID
}

type trackCmd struct {
	baseCoordinatorCmd
	signals []signal.Signal
}

type deliverCmd struct {
	baseCoordinatorCmd
	batch []signal.Signal
}

type topicEventCmd struct {
	baseCoordinatorCmd
	topic     signal.Topic
	eventType string
	payload   any
}

type statsCmd struct {
	baseCoordinatorCmd
	replyChannel chan Stats
}

type stopCmd struct {
	baseCoordinatorCmd
}

// Stats is the coordinator's slice of the observability surface.
type Stats struct {
	Connections          int            `json:"connections"`
	SubscriptionsByTopic map[string]int `json:"subscriptionsByTopic"`
	BatchQueueDepth      int            `json:"batchQueueDepth"`
	TrackedSignals       int            `json:"trackedSignals"`
}

// Coordinator owns the connection lifecycle state machine. A single
// goroutine processes all commands, so the connection table needs no lock.
// Session store calls run outside the actor: restore happens on the
// connecting goroutine before registration, snapshots on disconnect run on
// short-lived goroutines with their own timeout.
type Coordinator struct {
	cmdCh      chan coordinatorCmd
	clock      clockwork.Clock
	cfg        Config
	registry   *registry.Registry
	sessions   session.Store
	dispatcher *dispatch.Dispatcher[signal.Signal]
	conns      map[uuid.UUID]*connState
	tracked    map[string]signal.Signal
	done       chan struct{}
}

// New creates a coordinator and starts its actor goroutine.
func New(cfg Config, reg *registry.Registry, sessions session.Store, clock clockwork.Clock) *Coordinator {
	c := &Coordinator{
		cmdCh:    make(chan coordinatorCmd, 256),
		clock:    clock,
		cfg:      cfg,
		registry: reg,
		sessions: sessions,
		conns:    make(map[uuid.UUID]*connState),
		tracked:  make(map[string]signal.Signal),
		done:     make(chan struct{}),
	}
	c.dispatcher = dispatch.New(cfg.Batch, c.enqueueDelivery, clock)
	go c.run()
	return c
}

// ConnectResult reports the admitted connection's identity.
type ConnectResult struct {
	ConnID    uuid.UUID
	SessionID uuid.UUID
	Restored  bool
}

// Connect admits an upgraded WebSocket connection. On rejection the client
// receives an explicit notice and the transport is closed; rejection is a
// normal outcome the caller should not retry.
//
// presentedSession is the session id the client offers for resumption;
// empty or unknown ids yield a fresh session, and a session whose stored
// client id differs from clientID is treated as not found.
func (c *Coordinator) Connect(conn *websocket.Conn, clientID, presentedSession, remoteAddr, userAgent string) (ConnectResult, error) {
	select {
	case <-c.done:
		return ConnectResult{}, apperrors.Internal("coordinator stopped", nil)
	default:
	}

	id := uuid.New()

	ok, reason := c.registry.Admit(id, remoteAddr, userAgent)
	if !ok {
		metrics.ConnectionsTotal.WithLabelValues(string(reason)).Inc()
		slog.Info("Connection rejected", "remote_addr", remoteAddr, "reason", reason)
		c.notifyRejection(conn, reason)
		return ConnectResult{}, apperrors.AdmissionRejected(string(reason))
	}
	metrics.ConnectionsTotal.WithLabelValues("accepted").Inc()

	sess, restored := c.resolveSession(clientID, presentedSession)

	state := &connState{
		id:            id,
		clientID:      clientID,
		sessionID:     sess.ID,
		remoteAddr:    remoteAddr,
		connectedAt:   c.clock.Now(),
		authenticated: restored && sess.Authenticated,
		subscriptions: make(map[uuid.UUID]signal.Subscription, len(sess.Subscriptions)),
		writer:        newClientWriter(conn, c.clock),
	}
	if restored {
		for _, sub := range sess.Subscriptions {
			state.subscriptions[sub.ID] = sub
		}
	}

	errCh := make(chan error, 1)
	select {
	case c.cmdCh <- registerCmd{state: state, restored: restored, errorChannel: errCh}:
	case <-c.done:
		state.writer.stop()
		c.registry.Remove(id)
		return ConnectResult{}, apperrors.Internal("coordinator stopped", nil)
	}

	timer := c.clock.NewTimer(commandTimeout)
	defer timer.Stop()
	select {
	case err := <-errCh:
		if err != nil {
			return ConnectResult{}, err
		}
	case <-timer.Chan():
		return ConnectResult{}, apperrors.Internal("register command timed out", nil)
	}

	return ConnectResult{ConnID: id, SessionID: sess.ID, Restored: restored}, nil
}

// HandleMessage feeds one inbound client frame to the actor. Every frame
// counts as activity for the idle sweep.
func (c *Coordinator) HandleMessage(connID uuid.UUID, raw []byte) {
	c.registry.Touch(connID)
	select {
	case c.cmdCh <- messageCmd{connID: connID, raw: raw}:
	case <-c.done:
	}
}

// Touch refreshes a connection's activity clock without a command frame
// (pong handler).
func (c *Coordinator) Touch(connID uuid.UUID) {
	c.registry.Touch(connID)
}

// Disconnect removes a connection, snapshotting its state for session
// resumption.
func (c *Coordinator) Disconnect(connID uuid.UUID) {
	select {
	case c.cmdCh <- disconnectCmd{connID: connID}:
	case <-c.done:
	}
}

// Publish enqueues signals for batched delivery. Signals carrying an id and
// an expiration are also tracked for the expiry sweep, which is how the
// coordinator learns the producer's in-flight inventory.
func (c *Coordinator) Publish(signals ...signal.Signal) {
	if len(signals) == 0 {
		return
	}
	select {
	case c.cmdCh <- trackCmd{signals: signals}:
	case <-c.done:
		return
	}
	c.dispatcher.Add(signals...)
	metrics.BatchQueueDepth.Set(float64(c.dispatcher.Pending()))
}

// PublishSystem fans a system notice out to topic system subscribers.
func (c *Coordinator) PublishSystem(message, kind string) {
	c.publishTopic(signal.TopicSystem, EventSystem, SystemNotice{
		Message:   message,
		Kind:      kind,
		Timestamp: c.clock.Now(),
	})
}

// PublishPerformance fans a metrics snapshot out to topic performance
// subscribers.
func (c *Coordinator) PublishPerformance(snapshot map[string]any) {
	c.publishTopic(signal.TopicPerformance, EventPerformance, PerformanceUpdate{
		Metrics:   snapshot,
		Timestamp: c.clock.Now(),
	})
}

// PublishStrategy fans a strategy update out to topic strategy subscribers.
func (c *Coordinator) PublishStrategy(strategy any) {
	c.publishTopic(signal.TopicStrategy, EventStrategy, StrategyUpdate{
		Strategy:  strategy,
		Timestamp: c.clock.Now(),
	})
}

func (c *Coordinator) publishTopic(topic signal.Topic, eventType string, payload any) {
	select {
	case c.cmdCh <- topicEventCmd{topic: topic, eventType: eventType, payload: payload}:
	case <-c.done:
	}
}

// Stats returns the coordinator's current counters. Returns zero stats if
// the command times out.
func (c *Coordinator) Stats() Stats {
	replyCh := make(chan Stats, 1)
	select {
	case c.cmdCh <- statsCmd{replyChannel: replyCh}:
	case <-c.done:
		return Stats{}
	}

	timer := c.clock.NewTimer(commandTimeout)
	defer timer.Stop()
	select {
	case stats := <-replyCh:
		return stats
	case <-timer.Chan():
		slog.Warn("Stats command timed out", "timeout", commandTimeout)
		return Stats{}
	}
}

// Stop shuts the coordinator down: final batch flush, then close all client
// connections. Blocks until the actor exits or the timeout is reached.
func (c *Coordinator) Stop() {
	c.dispatcher.Close()

	select {
	case c.cmdCh <- stopCmd{}:
	case <-c.done:
		return
	}

	timer := c.clock.NewTimer(stopTimeout)
	defer timer.Stop()
	select {
	case <-c.done:
		slog.Info("Coordinator stopped gracefully")
	case <-timer.Chan():
		slog.Warn("Coordinator stop timeout exceeded", "timeout", stopTimeout)
	}
}

// enqueueDelivery is the dispatcher's flush callback. It routes the batch
// back into the actor so fan-out shares the single-goroutine state.
func (c *Coordinator) enqueueDelivery(batch []signal.Signal) {
	select {
	case c.cmdCh <- deliverCmd{batch: batch}:
	case <-c.done:
	}
}

func (c *Coordinator) run() {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Coordinator panic recovered", "panic", r)
			metrics.CoordinatorPanicsTotal.Inc()
			c.closeAll("coordinator panic")
			close(c.done)
		}
	}()

	heartbeat := c.clock.NewTicker(c.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	expiry := c.clock.NewTicker(c.cfg.ExpirySweepInterval)
	defer expiry.Stop()
	depthTicker := c.clock.NewTicker(time.Second)
	defer depthTicker.Stop()

	for {
		select {
		case cmd := <-c.cmdCh:
			switch cmd := cmd.(type) {
			case registerCmd:
				c.handleRegister(cmd)
			case messageCmd:
				c.handleMessage(cmd)
			case disconnectCmd:
				c.handleDisconnect(cmd)
			case trackCmd:
				c.handleTrack(cmd)
			case deliverCmd:
				c.handleDeliver(cmd.batch)
			case topicEventCmd:
				c.handleTopicEvent(cmd)
			case statsCmd:
				cmd.replyChannel <- c.currentStats()
			case stopCmd:
				c.handleStop()
				close(c.done)
				return
			default:
				slog.Warn("Coordinator received unknown command type", "command_type", fmt.Sprintf("%T", cmd))
			}
		case <-heartbeat.Chan():
			c.handleHeartbeat()
		case <-expiry.Chan():
			c.handleExpirySweep()
		case <-depthTicker.Chan():
			metrics.CoordinatorCommandChannelDepth.Set(float64(len(c.cmdCh)))
			metrics.BatchQueueDepth.Set(float64(c.dispatcher.Pending()))
		}
	}
}

// --- session restore ---

// resolveSession implements the restore protocol: unknown or mismatched
// session ids yield a fresh session rather than another client's state.
func (c *Coordinator) resolveSession(clientID, presented string) (session.Session, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if presented != "" {
		if sid, err := uuid.Parse(presented); err == nil {
			sess, found, err := c.sessions.Get(ctx, sid)
			switch {
			case err != nil:
				slog.Warn("Session lookup failed, starting fresh", "session_id", sid.String(), "error", err)
			case !found:
				metrics.SessionRestoresTotal.WithLabelValues("not_found").Inc()
			case sess.ClientID != clientID:
				// A guessed or stale id must never hand over another
				// client's subscriptions or auth state.
				metrics.SessionRestoresTotal.WithLabelValues("client_mismatch").Inc()
				slog.Warn("Session client mismatch, starting fresh", "session_id", sid.String(), "client_id", clientID)
			default:
				metrics.SessionRestoresTotal.WithLabelValues("restored").Inc()
				return sess, true
			}
		}
	}

	sess, err := c.sessions.Create(ctx, clientID)
	if err != nil {
		// Degrade to an ephemeral session: delivery still works, only
		// resumption after disconnect is lost.
		slog.Warn("Session create failed, using ephemeral session", "client_id", clientID, "error", err)
		now := c.clock.Now()
		sess = session.Session{ID: uuid.New(), ClientID: clientID, CreatedAt: now, LastTouched: now}
	}
	return sess, false
}

func (c *Coordinator) snapshotSession(id uuid.UUID, snap session.Snapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := c.sessions.Update(ctx, id, snap); err != nil {
		slog.Warn("Failed to snapshot session", "session_id", id.String(), "error", err)
	}
}

// --- actor handlers ---

func (c *Coordinator) handleRegister(cmd registerCmd) {
	state := cmd.state
	c.conns[state.id] = state

	metrics.ConnectionsActive.Inc()
	if state.authenticated {
		c.registry.MarkAuthenticated(state.id)
		metrics.ConnectionsAuthenticated.Inc()
	}
	for _, sub := range state.subscriptions {
		metrics.SubscriptionsActive.WithLabelValues(string(sub.Topic)).Inc()
	}

	c.send(state, EventConnectionInfo, "", ConnectionInfo{
		ClientID:      state.clientID,
		SocketID:      state.id,
		SessionID:     state.sessionID,
		ConnectedAt:   state.connectedAt,
		Authenticated: state.authenticated,
		Restored:      cmd.restored,
		Subscriptions: state.subscriptionList(),
	})

	slog.Info("Client connected",
		"conn_id", state.id.String(),
		"client_id", state.clientID,
		"restored", cmd.restored,
		"total_connections", len(c.conns),
	)
	cmd.errorChannel <- nil
}

func (c *Coordinator) handleMessage(cmd messageCmd) {
	state, ok := c.conns[cmd.connID]
	if !ok {
		return
	}

	var msg ClientMessage
	if err := json.Unmarshal(cmd.raw, &msg); err != nil {
		c.sendResult(state, "", Result{Success: false, Message: "malformed message"})
		return
	}

	switch msg.Type {
	case MsgAuthenticate:
		c.handleAuthenticate(state, msg)
	case MsgSubscribe:
		c.handleSubscribe(state, msg)
	case MsgUnsubscribe:
		c.handleUnsubscribe(state, msg)
	case MsgGetSubscriptions:
		c.sendResult(state, msg.ID, Result{Success: true, Subscriptions: state.subscriptionList()})
	default:
		c.sendResult(state, msg.ID, Result{Success: false, Message: fmt.Sprintf("unknown command %q", msg.Type)})
	}
}

func (c *Coordinator) handleAuthenticate(state *connState, msg ClientMessage) {
	var p AuthenticatePayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		c.sendResult(state, msg.ID, Result{Success: false, Message: "malformed authenticate payload"})
		return
	}

	if !c.validAPIKey(p.APIKey) {
		metrics.AuthAttemptsTotal.WithLabelValues("failure").Inc()
		c.sendResult(state, msg.ID, Result{
			Success: false,
			Error:   string(apperrors.TypeAuthenticationFailed),
			Message: "invalid API key",
		})
		return
	}

	if !state.authenticated {
		state.authenticated = true
		c.registry.MarkAuthenticated(state.id)
		metrics.ConnectionsAuthenticated.Inc()
	}
	metrics.AuthAttemptsTotal.WithLabelValues("success").Inc()
	c.sendResult(state, msg.ID, Result{Success: true, Message: "authenticated"})
}

func (c *Coordinator) handleSubscribe(state *connState, msg ClientMessage) {
	var p SubscribePayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		c.sendResult(state, msg.ID, Result{Success: false, Message: "malformed subscribe payload"})
		return
	}

	topic, ok := signal.ParseTopic(p.Topic)
	if !ok {
		c.sendResult(state, msg.ID, Result{
			Success: false,
			Error:   string(apperrors.TypeUnknownTopic),
			Message: fmt.Sprintf("unknown topic %q", p.Topic),
		})
		return
	}

	filter := p.Options
	if filter.IsZero() {
		filter = nil
	}
	sub := signal.Subscription{
		ID:        uuid.New(),
		Topic:     topic,
		Filter:    filter,
		CreatedAt: c.clock.Now(),
	}
	state.subscriptions[sub.ID] = sub
	metrics.SubscriptionsActive.WithLabelValues(string(topic)).Inc()

	c.sendResult(state, msg.ID, Result{Success: true, SubscriptionID: sub.ID.String()})
}

func (c *Coordinator) handleUnsubscribe(state *connState, msg ClientMessage) {
	var p UnsubscribePayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		c.sendResult(state, msg.ID, Result{Success: false, Message: "malformed unsubscribe payload"})
		return
	}

	subID, err := uuid.Parse(p.SubscriptionID)
	if err == nil {
		if sub, found := state.subscriptions[subID]; found {
			delete(state.subscriptions, subID)
			metrics.SubscriptionsActive.WithLabelValues(string(sub.Topic)).Dec()
			c.sendResult(state, msg.ID, Result{Success: true})
			return
		}
	}

	c.sendResult(state, msg.ID, Result{
		Success: false,
		Error:   string(apperrors.TypeSubscriptionNotFound),
		Message: fmt.Sprintf("subscription %s not found", p.SubscriptionID),
	})
}

func (c *Coordinator) handleDisconnect(cmd disconnectCmd) {
	state, ok := c.conns[cmd.connID]
	if !ok {
		return
	}
	c.removeConn(state, "", false)
	slog.Info("Client disconnected", "conn_id", state.id.String(), "client_id", state.clientID)
}

func (c *Coordinator) handleTrack(cmd trackCmd) {
	for _, sig := range cmd.signals {
		if sig.ID != "" && !sig.ExpiresAt.IsZero() {
			c.tracked[sig.ID] = sig
		}
	}
}

func (c *Coordinator) handleDeliver(batch []signal.Signal) {
	start := c.clock.Now()
	defer func() {
		metrics.DeliverBatchDuration.Observe(c.clock.Since(start).Seconds())
	}()

	now := c.clock.Now()
	live := make([]signal.Signal, 0, len(batch))
	for _, sig := range batch {
		if sig.Expired(now) {
			metrics.SignalsDroppedExpiredTotal.Inc()
			continue
		}
		live = append(live, sig)
	}
	metrics.BatchQueueDepth.Set(float64(c.dispatcher.Pending()))
	if len(live) == 0 {
		return
	}

	var slow []*connState
	for _, state := range c.conns {
		if !state.authenticated {
			continue
		}
		for _, sub := range state.subscriptionList() {
			if sub.Topic != signal.TopicSignals {
				continue
			}

			if sub.Filter.IsZero() {
				if !c.send(state, EventSignals, "", SignalBatch{Signals: live, Timestamp: now}) {
					slow = append(slow, state)
					break
				}
				metrics.SignalsDeliveredTotal.Add(float64(len(live)))
				continue
			}

			matched := make([]signal.Signal, 0, len(live))
			for _, sig := range live {
				if sub.Matches(sig, now) {
					matched = append(matched, sig)
				}
			}
			if len(matched) == 0 {
				continue
			}
			if !c.send(state, EventFilteredSignals, "", FilteredSignalBatch{
				SubscriptionID: sub.ID,
				Signals:        matched,
				Timestamp:      now,
			}) {
				slow = append(slow, state)
				break
			}
			metrics.SignalsDeliveredTotal.Add(float64(len(matched)))
		}
	}

	c.evictSlow(slow)
}

func (c *Coordinator) handleTopicEvent(cmd topicEventCmd) {
	data, err := encodeEvent(cmd.eventType, "", cmd.payload)
	if err != nil {
		slog.Error("Failed to encode topic event", "event", cmd.eventType, "error", err)
		return
	}

	var slow []*connState
	for _, state := range c.conns {
		if !state.authenticated || !state.subscribedTo(cmd.topic) {
			continue
		}
		if !state.writer.trySend(data) {
			slow = append(slow, state)
		}
	}
	c.evictSlow(slow)
}

// handleHeartbeat evicts idle connections, then pings the survivors.
// Per-connection failures only affect that connection.
func (c *Coordinator) handleHeartbeat() {
	for _, id := range c.registry.SweepIdle(c.cfg.InactiveTimeout) {
		state, ok := c.conns[id]
		if !ok {
			continue
		}
		metrics.IdleEvictionsTotal.Inc()
		slog.Info("Evicting idle connection", "conn_id", id.String(), "client_id", state.clientID)
		c.removeConn(state, "idle timeout", true)
	}

	data, err := encodeEvent(EventHeartbeat, "", Heartbeat{Timestamp: c.clock.Now()})
	if err != nil {
		slog.Error("Failed to encode heartbeat", "error", err)
		return
	}

	var slow []*connState
	for _, state := range c.conns {
		if !state.writer.trySend(data) {
			slow = append(slow, state)
		}
	}
	c.evictSlow(slow)
}

// handleExpirySweep broadcasts a best-effort notice for tracked signals
// whose expiration passed since the last sweep.
func (c *Coordinator) handleExpirySweep() {
	now := c.clock.Now()
	var expired []signal.Signal
	for id, sig := range c.tracked {
		if sig.Expired(now) {
			expired = append(expired, sig)
			delete(c.tracked, id)
		}
	}
	if len(expired) == 0 {
		return
	}

	sort.Slice(expired, func(i, j int) bool { return expired[i].ExpiresAt.Before(expired[j].ExpiresAt) })
	slog.Debug("Broadcasting expired signals", "count", len(expired))

	data, err := encodeEvent(EventExpiredSignals, "", SignalBatch{Signals: expired, Timestamp: now})
	if err != nil {
		slog.Error("Failed to encode expired signals", "error", err)
		return
	}

	var slow []*connState
	for _, state := range c.conns {
		if !state.authenticated || !state.subscribedTo(signal.TopicSignals) {
			continue
		}
		if !state.writer.trySend(data) {
			slow = append(slow, state)
		}
	}
	c.evictSlow(slow)
}

func (c *Coordinator) handleStop() {
	slog.Info("Coordinator shutting down", "connections", len(c.conns))
	c.closeAll("server shutting down")
}

// --- helpers (actor goroutine only) ---

func (s *connState) subscribedTo(topic signal.Topic) bool {
	for _, sub := range s.subscriptions {
		if sub.Topic == topic {
			return true
		}
	}
	return false
}

func (c *Coordinator) currentStats() Stats {
	stats := Stats{
		Connections:          len(c.conns),
		SubscriptionsByTopic: make(map[string]int),
		BatchQueueDepth:      c.dispatcher.Pending(),
		TrackedSignals:       len(c.tracked),
	}
	for _, state := range c.conns {
		for _, sub := range state.subscriptions {
			stats.SubscriptionsByTopic[string(sub.Topic)]++
		}
	}
	return stats
}

// send encodes and queues an event. Returns false only when the client's
// send buffer is full; encode failures are logged and swallowed.
func (c *Coordinator) send(state *connState, eventType, correlationID string, payload any) bool {
	data, err := encodeEvent(eventType, correlationID, payload)
	if err != nil {
		slog.Error("Failed to encode event", "event", eventType, "error", err)
		return true
	}
	return state.writer.trySend(data)
}

func (c *Coordinator) sendResult(state *connState, correlationID string, result Result) {
	if !c.send(state, EventResult, correlationID, result) {
		slog.Warn("Dropped command result: client buffer full", "conn_id", state.id.String())
	}
}

func (c *Coordinator) evictSlow(slow []*connState) {
	for _, state := range slow {
		if _, ok := c.conns[state.id]; !ok {
			continue
		}
		metrics.SlowClientsEvictedTotal.Inc()
		slog.Warn("Disconnecting slow client", "conn_id", state.id.String(), "client_id", state.clientID)
		c.removeConn(state, "slow client", true)
	}
}

// removeConn drops a connection from the table and registry, snapshots its
// state for session resumption, and stops its writer.
func (c *Coordinator) removeConn(state *connState, reason string, graceful bool) {
	delete(c.conns, state.id)
	c.registry.Remove(state.id)

	metrics.ConnectionsActive.Dec()
	if state.authenticated {
		metrics.ConnectionsAuthenticated.Dec()
	}
	for _, sub := range state.subscriptions {
		metrics.SubscriptionsActive.WithLabelValues(string(sub.Topic)).Dec()
	}

	snap := session.Snapshot{
		Authenticated: state.authenticated,
		Subscriptions: state.subscriptionList(),
	}
	go c.snapshotSession(state.sessionID, snap)

	if graceful && reason != "" {
		state.writer.stopGraceful(reason)
	} else {
		state.writer.stop()
	}
}

func (c *Coordinator) closeAll(reason string) {
	for _, state := range c.conns {
		c.removeConn(state, reason, true)
	}
}

func (c *Coordinator) validAPIKey(key string) bool {
	if key == "" {
		return false
	}
	valid := false
	for _, allowed := range c.cfg.APIKeys {
		if subtle.ConstantTimeCompare([]byte(allowed), []byte(key)) == 1 {
			valid = true
		}
	}
	return valid
}

// notifyRejection writes a single rejection notice straight to the socket;
// no writer goroutine exists for a rejected connection.
func (c *Coordinator) notifyRejection(conn *websocket.Conn, reason registry.RejectReason) {
	notice := SystemNotice{
		Message:   "connection rejected: " + string(reason),
		Kind:      "error",
		Timestamp: c.clock.Now(),
	}
	if data, err := encodeEvent(EventSystem, "", notice); err == nil {
		_ = conn.SetWriteDeadline(c.clock.Now().Add(writeDeadline))
		_ = conn.WriteMessage(websocket.TextMessage, data)
	}
	closeMsg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, string(reason))
	_ = conn.WriteMessage(websocket.CloseMessage, closeMsg)
	_ = conn.Close()
}
