// Package session maps durable session identifiers to authentication state
// and subscription snapshots, letting a reconnecting client resume without
// re-subscribing. Sessions expire after a TTL of inactivity.
//
// Two backends implement Store: an in-memory map for single-instance
// deployments and tests, and a Redis-backed store for deployments that
// need sessions to survive a process restart.
package session
