package signal

import "time"

// Topic is a named delivery channel clients subscribe to.
type Topic string

const (
	TopicSignals     Topic = "signals"
	TopicStrategy    Topic = "strategy"
	TopicSystem      Topic = "system"
	TopicPerformance Topic = "performance"
)

// ParseTopic validates a client-supplied topic name.
func ParseTopic(s string) (Topic, bool) {
	switch Topic(s) {
	case TopicSignals, TopicStrategy, TopicSystem, TopicPerformance:
		return Topic(s), true
	default:
		return "", false
	}
}

// Topics lists all valid topics, in delivery-priority order.
func Topics() []Topic {
	return []Topic{TopicSignals, TopicStrategy, TopicSystem, TopicPerformance}
}

// Signal is a short-lived trading recommendation produced by the analysis
// engine. The delivery core never mutates a Signal.
type Signal struct {
	ID          string         `json:"id"`
	PoolAddress string         `json:"poolAddress"`
	Type        string         `json:"type"`
	Strength    float64        `json:"strength"`
	Timeframe   string         `json:"timeframe"`
	Reliability float64        `json:"reliability"`
	Timestamp   time.Time      `json:"timestamp"`
	ExpiresAt   time.Time      `json:"expirationTimestamp"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Expired reports whether the signal's expiration timestamp has passed.
// Signals without an expiration never expire.
func (s Signal) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}
