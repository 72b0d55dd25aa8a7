// Package dispatch provides a generic accumulate-and-flush buffer. Items
// collect in a pending buffer and are handed to a processing callback as one
// batch when either a size threshold or a wait deadline is reached.
//
// This decouples bursty producers from per-consumer send cost: worst-case
// delivery latency is bounded by MaxWait and worst-case batch size by MaxSize.
package dispatch
