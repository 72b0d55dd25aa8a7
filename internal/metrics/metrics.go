// Package metrics defines the Prometheus metrics for the delivery core.
// All metrics register on the default registry via promauto and are served
// at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Connection metrics
var (
	// ConnectionsTotal tracks admission outcomes: accepted, or the reject reason.
	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signalcast_connections_total",
			Help: "Connection admission attempts by result (accepted/global_limit/per_ip_limit/rate_limit)",
		},
		[]string{"result"},
	)

	// ConnectionsActive tracks current live connections.
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "signalcast_connections_active",
			Help: "Current number of live WebSocket connections",
		},
	)

	// ConnectionsAuthenticated tracks current authenticated connections.
	ConnectionsAuthenticated = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "signalcast_connections_authenticated",
			Help: "Current number of authenticated connections",
		},
	)

	// IdleEvictionsTotal counts connections evicted by the heartbeat sweep.
	IdleEvictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "signalcast_idle_evictions_total",
			Help: "Connections evicted for exceeding the inactivity timeout",
		},
	)

	// SlowClientsEvictedTotal counts clients dropped for a full send buffer.
	SlowClientsEvictedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "signalcast_slow_clients_evicted_total",
			Help: "Clients disconnected because their send buffer was full",
		},
	)
)

// Subscription and session metrics
var (
	// SubscriptionsActive tracks live subscriptions per topic.
	SubscriptionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "signalcast_subscriptions_active",
			Help: "Current number of active subscriptions by topic",
		},
		[]string{"topic"},
	)

	// SessionRestoresTotal tracks reconnect restore outcomes.
	SessionRestoresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signalcast_session_restores_total",
			Help: "Session restore attempts by result (restored/not_found/client_mismatch)",
		},
		[]string{"result"},
	)

	// AuthAttemptsTotal tracks authentication attempts by result.
	AuthAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signalcast_auth_attempts_total",
			Help: "Authentication attempts by result (success/failure)",
		},
		[]string{"result"},
	)
)

// Delivery metrics
var (
	// BatchQueueDepth tracks the dispatcher's pending buffer size.
	BatchQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "signalcast_batch_queue_depth",
			Help: "Signals waiting in the batch dispatcher",
		},
	)

	// BatchFlushesTotal counts dispatcher flushes by trigger.
	BatchFlushesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signalcast_batch_flushes_total",
			Help: "Batch dispatcher flushes",
		},
		[]string{"trigger"},
	)

	// SignalsDeliveredTotal counts signals delivered to clients.
	SignalsDeliveredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "signalcast_signals_delivered_total",
			Help: "Signals delivered to clients (one increment per signal per client)",
		},
	)

	// SignalsDroppedExpiredTotal counts signals dropped before delivery
	// because their expiration timestamp had passed.
	SignalsDroppedExpiredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "signalcast_signals_dropped_expired_total",
			Help: "Signals dropped at delivery time because they had expired",
		},
	)

	// DeliverBatchDuration tracks fan-out time per flushed batch.
	DeliverBatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "signalcast_deliver_batch_duration_seconds",
			Help:    "Time to fan a flushed batch out to all connections",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25},
		},
	)

	// CoordinatorCommandChannelDepth tracks the actor's command backlog.
	CoordinatorCommandChannelDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "signalcast_coordinator_command_channel_depth",
			Help: "Current coordinator command channel depth",
		},
	)

	// CoordinatorPanicsTotal tracks coordinator panic recoveries.
	CoordinatorPanicsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "signalcast_coordinator_panics_total",
			Help: "Coordinator panic recoveries",
		},
	)
)
