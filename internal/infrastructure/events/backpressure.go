package events

import (
	"sync/atomic"
	"time"
)

const (
	circuitClosed = iota
	circuitOpen
	circuitHalfOpen
)

// CircuitBreaker stops publishing to a failing transport for a cool-down
// period. After resetTimeout one probe is let through; its outcome closes or
// reopens the circuit.
type CircuitBreaker struct {
	state        atomic.Int32
	failures     atomic.Int64
	lastFailTime atomic.Int64 // unix nanoseconds
	opens        atomic.Int64

	failureThreshold int64
	resetTimeout     time.Duration
	now              func() time.Time
}

// NewCircuitBreaker opens after failureThreshold consecutive failures
func NewCircuitBreaker(failureThreshold int, resetTimeout time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	return &CircuitBreaker{
		failureThreshold: int64(failureThreshold),
		resetTimeout:     resetTimeout,
		now:              time.Now,
	}
}

// Allow reports whether a call may proceed
func (b *CircuitBreaker) Allow() bool {
	switch b.state.Load() {
	case circuitClosed:
		return true
	case circuitOpen:
		lastFail := time.Unix(0, b.lastFailTime.Load())
		if b.now().Sub(lastFail) < b.resetTimeout {
			return false
		}
		// only the caller that wins the swap probes
		return b.state.CompareAndSwap(circuitOpen, circuitHalfOpen)
	default:
		return false
	}
}

// Success records a successful call
func (b *CircuitBreaker) Success() {
	b.failures.Store(0)
	b.state.Store(circuitClosed)
}

// Failure records a failed call
func (b *CircuitBreaker) Failure() {
	failures := b.failures.Add(1)
	b.lastFailTime.Store(b.now().UnixNano())

	switch b.state.Load() {
	case circuitHalfOpen:
		b.state.Store(circuitOpen)
		b.opens.Add(1)
	case circuitClosed:
		if failures >= b.failureThreshold && b.state.CompareAndSwap(circuitClosed, circuitOpen) {
			b.opens.Add(1)
		}
	}
}

// State returns closed, open or half-open
func (b *CircuitBreaker) State() string {
	switch b.state.Load() {
	case circuitClosed:
		return "closed"
	case circuitOpen:
		return "open"
	case circuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Opens counts how many times the circuit has opened
func (b *CircuitBreaker) Opens() int64 {
	return b.opens.Load()
}

// Errors

var (
	ErrCircuitOpen = &BackpressureError{Code: "BP001", Message: "Circuit breaker is open"}
	ErrQueueFull   = &BackpressureError{Code: "BP002", Message: "Queue is full"}
)

// BackpressureError represents a backpressure-specific error
type BackpressureError struct {
	Code    string
	Message string
}

func (e *BackpressureError) Error() string {
	return e.Code + ": " + e.Message
}
