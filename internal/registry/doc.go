// Package registry tracks live WebSocket connections and enforces admission
// limits: a global cap, a per-IP cap, and a per-IP token-bucket rate limit
// on new connections. It also tracks liveness so idle peers that never sent
// a close frame can be evicted.
//
// A single coarse mutex guards all state; every operation is cheap.
package registry
