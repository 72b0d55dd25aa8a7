package signal

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// Filter narrows which signals a subscription receives. Every field is
// optional; a signal must satisfy all criteria that are present. An empty
// filter matches everything.
//
// Metadata holds exact key/value equality checks. Values may be strings,
// numbers, or booleans; a signal lacking a filtered key never matches.
type Filter struct {
	PoolAddresses  []string       `json:"poolAddresses,omitempty"`
	Types          []string       `json:"types,omitempty"`
	MinStrength    *float64       `json:"minStrength,omitempty"`
	MinReliability *float64       `json:"minReliability,omitempty"`
	Timeframes     []string       `json:"timeframes,omitempty"`
	From           *time.Time     `json:"from,omitempty"`
	To             *time.Time     `json:"to,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// IsZero reports whether the filter carries no criteria at all.
func (f *Filter) IsZero() bool {
	if f == nil {
		return true
	}
	return len(f.PoolAddresses) == 0 &&
		len(f.Types) == 0 &&
		f.MinStrength == nil &&
		f.MinReliability == nil &&
		len(f.Timeframes) == 0 &&
		f.From == nil &&
		f.To == nil &&
		len(f.Metadata) == 0
}

// Matches evaluates the filter against a signal. Expired signals never
// match, regardless of criteria.
func (f *Filter) Matches(sig Signal, now time.Time) bool {
	if sig.Expired(now) {
		return false
	}
	if f == nil {
		return true
	}
	if len(f.PoolAddresses) > 0 && !slices.Contains(f.PoolAddresses, sig.PoolAddress) {
		return false
	}
	if len(f.Types) > 0 && !slices.Contains(f.Types, sig.Type) {
		return false
	}
	if f.MinStrength != nil && sig.Strength < *f.MinStrength {
		return false
	}
	if len(f.Timeframes) > 0 && !slices.Contains(f.Timeframes, sig.Timeframe) {
		return false
	}
	if f.MinReliability != nil && sig.Reliability < *f.MinReliability {
		return false
	}
	if f.From != nil && sig.Timestamp.Before(*f.From) {
		return false
	}
	if f.To != nil && sig.Timestamp.After(*f.To) {
		return false
	}
	for key, want := range f.Metadata {
		got, ok := sig.Metadata[key]
		if !ok || !metaEqual(want, got) {
			return false
		}
	}
	return true
}

// metaEqual compares two metadata values. Numeric values are normalized to
// float64 first because JSON decoding yields float64 for all numbers.
func metaEqual(a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return a == b
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// Subscription is a (topic, filter) pair scoped to a single connection.
type Subscription struct {
	ID        uuid.UUID `json:"subscriptionId"`
	Topic     Topic     `json:"topic"`
	Filter    *Filter   `json:"filter,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Matches reports whether the subscription's filter accepts the signal.
// A subscription without a filter accepts every non-expired signal.
func (s Subscription) Matches(sig Signal, now time.Time) bool {
	return s.Filter.Matches(sig, now)
}
