package wspool

import "errors"

// Typed failures surfaced to callers of subscribe_to_symbol.
var (
	// ErrCapacityExceeded is returned when every connection is at its
	// subscription ceiling and the pool is already at max_connections.
	ErrCapacityExceeded = errors.New("wspool: capacity exceeded")
	// ErrRateLimitTimeout is returned when the subscription token bucket
	// does not yield a token within the configured wait timeout.
	ErrRateLimitTimeout = errors.New("wspool: rate limit wait timed out")
	// ErrCircuitOpen is returned when the new-connection circuit breaker is
	// open and new-connection creation is fast-failing.
	ErrCircuitOpen = errors.New("wspool: circuit open, new connections suspended")
	// ErrNotConnected is returned when an operation requires a live
	// connection that does not exist.
	ErrNotConnected = errors.New("wspool: not connected")
)
