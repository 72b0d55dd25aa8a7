// Package signal defines the core domain types: trading signals, delivery
// topics, subscriptions, and subscription filters.
//
// Signals are produced externally and treated as immutable values here.
// Filter matching is a pure conjunction of the criteria that are present.
package signal
