package broadcast

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/signalcast-io/signalcast/internal/signal"
)

// Inbound message types.
const (
	MsgAuthenticate     = "authenticate"
	MsgSubscribe        = "subscribe"
	MsgUnsubscribe      = "unsubscribe"
	MsgGetSubscriptions = "get_subscriptions"
)

// Server-pushed event types.
const (
	EventResult          = "result"
	EventConnectionInfo  = "connection_info"
	EventSignals         = "signals"
	EventFilteredSignals = "filtered_signals"
	EventExpiredSignals  = "expired_signals"
	EventHeartbeat       = "heartbeat"
	EventSystem          = "system"
	EventPerformance     = "performance"
	EventStrategy        = "strategy"
)

// ClientMessage is the inbound envelope. ID is an optional correlation
// token echoed back on the matching result.
type ClientMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// AuthenticatePayload carries the shared API key.
type AuthenticatePayload struct {
	APIKey string `json:"apiKey"`
}

// SubscribePayload names a topic and optional filter criteria.
type SubscribePayload struct {
	Topic   string         `json:"topic"`
	Options *signal.Filter `json:"options,omitempty"`
}

// UnsubscribePayload names the subscription to drop.
type UnsubscribePayload struct {
	SubscriptionID string `json:"subscriptionId"`
}

// ServerMessage is the outbound envelope.
type ServerMessage struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

// Result acknowledges an inbound command. Error carries the taxonomy type
// on failure.
type Result struct {
	Success        bool                  `json:"success"`
	Message        string                `json:"message,omitempty"`
	Error          string                `json:"error,omitempty"`
	SubscriptionID string                `json:"subscriptionId,omitempty"`
	Subscriptions  []signal.Subscription `json:"subscriptions,omitempty"`
}

// ConnectionInfo is pushed once after a successful connect.
type ConnectionInfo struct {
	ClientID      string                `json:"clientId"`
	SocketID      uuid.UUID             `json:"socketId"`
	SessionID     uuid.UUID             `json:"sessionId"`
	ConnectedAt   time.Time             `json:"connectedAt"`
	Authenticated bool                  `json:"authenticated"`
	Restored      bool                  `json:"restored"`
	Subscriptions []signal.Subscription `json:"subscriptions,omitempty"`
}

// SignalBatch carries an unfiltered delivery on topic signals, and also
// the expired_signals notice.
type SignalBatch struct {
	Signals   []signal.Signal `json:"signals"`
	Timestamp time.Time       `json:"timestamp"`
}

// FilteredSignalBatch carries a delivery narrowed by one subscription's
// filter.
type FilteredSignalBatch struct {
	SubscriptionID uuid.UUID       `json:"subscriptionId"`
	Signals        []signal.Signal `json:"signals"`
	Timestamp      time.Time       `json:"timestamp"`
}

// Heartbeat is the periodic liveness ping.
type Heartbeat struct {
	Timestamp time.Time `json:"timestamp"`
}

// SystemNotice carries operator or server messages on topic system.
type SystemNotice struct {
	Message   string    `json:"message"`
	Kind      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// PerformanceUpdate carries metric snapshots on topic performance.
type PerformanceUpdate struct {
	Metrics   map[string]any `json:"metrics"`
	Timestamp time.Time      `json:"timestamp"`
}

// StrategyUpdate carries strategy changes on topic strategy.
type StrategyUpdate struct {
	Strategy  any       `json:"strategy"`
	Timestamp time.Time `json:"timestamp"`
}

func encodeEvent(eventType, correlationID string, payload any) ([]byte, error) {
	return json.Marshal(ServerMessage{Type: eventType, ID: correlationID, Payload: payload})
}
