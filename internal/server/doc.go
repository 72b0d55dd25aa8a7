// Package server exposes the HTTP surface: the WebSocket endpoint that
// feeds the broadcast coordinator, plus health, stats, version, and
// Prometheus metrics endpoints.
package server
