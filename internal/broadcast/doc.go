// Package broadcast implements the delivery coordinator using the actor
// pattern: a single goroutine owns all per-connection state and processes
// typed commands from a channel, so no mutex guards the connection table.
// Per-connection writer goroutines decouple fan-out from slow clients.
//
// The coordinator turns inbound client commands into registry and session
// mutations, and turns published signal batches into subscription-filtered
// per-client deliveries. Periodic heartbeat and expiry sweeps run on the
// same goroutine.
package broadcast
