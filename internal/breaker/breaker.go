// Package breaker implements a three-state circuit breaker guarding
// new-connection creation in the WebSocket pool. It follows the same
// small-stateful-guard convention used elsewhere in this module: a
// mutex-protected struct with an explicit state field and constructor
// defaults, in the same vein as the token-bucket limiter.
package breaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Allow when the breaker is in the Open state and is
// fast-failing.
var ErrOpen = errors.New("circuit breaker open")

// State enumerates the three breaker states.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config tunes the breaker's thresholds.
type Config struct {
	FailureThreshold int           // consecutive failures to trip from Closed
	Timeout          time.Duration // how long Open lasts before probing HalfOpen
	SuccessThreshold int           // consecutive successes to close from HalfOpen
}

// DefaultConfig returns the documented default thresholds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Timeout:          30 * time.Second,
		SuccessThreshold: 3,
	}
}

// Breaker is a classic three-state failure gate.
type Breaker struct {
	cfg Config

	mu               sync.Mutex
	state            State
	consecutiveFails int
	consecutiveOK    int
	openedAt         time.Time

	totalCalls int64
	totalFails int64
	openCount  int64
}

// New creates a breaker in the Closed state.
func New(cfg Config) *Breaker {
	return &Breaker{cfg: cfg, state: Closed}
}

// Allow reports whether a call may proceed right now, transitioning Open ->
// HalfOpen if the timeout has elapsed. It does not itself run the call —
// callers invoke Allow, attempt the protected operation, then report the
// outcome via Success/Failure. This split (rather than a higher-order
// Call(func() error)) matches how the pool needs to interleave circuit
// checks with its own connect logic and locking.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return nil
	case HalfOpen:
		return nil
	case Open:
		if time.Since(b.openedAt) >= b.cfg.Timeout {
			b.state = HalfOpen
			b.consecutiveOK = 0
			return nil
		}
		return ErrOpen
	default:
		return nil
	}
}

// Success records a successful call.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.totalCalls++

	switch b.state {
	case Closed:
		b.consecutiveFails = 0
	case HalfOpen:
		b.consecutiveOK++
		if b.consecutiveOK >= b.cfg.SuccessThreshold {
			b.state = Closed
			b.consecutiveFails = 0
			b.consecutiveOK = 0
		}
	}
}

// Failure records a failed call.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.totalCalls++
	b.totalFails++

	switch b.state {
	case Closed:
		b.consecutiveFails++
		if b.consecutiveFails >= b.cfg.FailureThreshold {
			b.trip()
		}
	case HalfOpen:
		b.trip()
	}
}

// trip transitions to Open. Caller must hold b.mu.
func (b *Breaker) trip() {
	b.state = Open
	b.openedAt = time.Now()
	b.consecutiveFails = 0
	b.consecutiveOK = 0
	b.openCount++
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats is an immutable snapshot for observability.
type Stats struct {
	State      State
	TotalCalls int64
	TotalFails int64
	OpenCount  int64
}

// Stats returns a point-in-time snapshot.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		State:      b.state,
		TotalCalls: b.totalCalls,
		TotalFails: b.totalFails,
		OpenCount:  b.openCount,
	}
}
