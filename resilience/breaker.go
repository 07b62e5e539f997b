// Package resilience wraps the document gateway with a circuit breaker
// so a failing store degrades to immediate typed errors instead of a pile
// of blocked callers. Every call also gets its own timeout and a bounded
// transparent retry for transient failures.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/xraph/quarry"
)

// State is the breaker's position in the closed/open/half-open machine.
type State string

// Breaker states.
const (
	// StateClosed passes all calls through.
	StateClosed State = "closed"
	// StateOpen fails all calls immediately without touching the store.
	StateOpen State = "open"
	// StateHalfOpen lets paced probe calls through to test recovery.
	StateHalfOpen State = "half-open"
)

// ErrCircuitOpen is the sentinel wrapped by every OpenError.
var ErrCircuitOpen = errors.New("quarry/resilience: circuit open")

// OpenError is returned for calls rejected while the circuit is open.
// RetryAfter tells callers how long to back off before trying again.
type OpenError struct {
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *OpenError) Error() string {
	return fmt.Sprintf("quarry/resilience: circuit open, retry after %s", e.RetryAfter)
}

// Unwrap lets errors.Is(err, ErrCircuitOpen) match.
func (e *OpenError) Unwrap() error { return ErrCircuitOpen }

// Breaker is a circuit breaker over store calls. Closed until
// FailureThreshold consecutive failures, then open for OpenTimeout, then
// half-open until SuccessThreshold consecutive successes close it again;
// any half-open failure reopens it immediately.
//
// A per-call timeout applies in every state; a timed-out call counts as a
// failure. Not-found and conflict results are successful calls: they are
// store answers, not store health signals. A call cancelled by its caller
// counts as neither.
type Breaker struct {
	cfg quarry.BreakerConfig

	mu            sync.Mutex
	state         State
	failures      int       // consecutive, while closed
	successes     int       // consecutive, while half-open
	openedAt      time.Time // last transition to open
	probes        *rate.Limiter
	opFailures    map[string]int64
	totalFailures int64
}

// NewBreaker creates a Breaker with the given thresholds.
func NewBreaker(cfg quarry.BreakerConfig) *Breaker {
	burst := cfg.SuccessThreshold
	if burst < 1 {
		burst = 1
	}
	return &Breaker{
		cfg:        cfg,
		state:      StateClosed,
		probes:     rate.NewLimiter(rate.Every(100*time.Millisecond), burst),
		opFailures: make(map[string]int64),
	}
}

// Do runs fn under the breaker, applying the per-call timeout. The op
// name scopes the per-operation failure counters.
func (b *Breaker) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}

	callCtx := ctx
	if b.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, b.cfg.CallTimeout)
		defer cancel()
	}

	err := fn(callCtx)
	b.record(op, err)
	return err
}

// allow decides whether a call may proceed, advancing open to half-open
// once the open timeout has elapsed.
func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		elapsed := time.Since(b.openedAt)
		if elapsed < b.cfg.OpenTimeout {
			return &OpenError{RetryAfter: b.cfg.OpenTimeout - elapsed}
		}
		b.state = StateHalfOpen
		b.successes = 0
		fallthrough
	default: // StateHalfOpen
		if !b.probes.Allow() {
			return &OpenError{RetryAfter: 100 * time.Millisecond}
		}
		return nil
	}
}

// record feeds a call outcome into the state machine.
func (b *Breaker) record(op string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case errors.Is(err, context.Canceled):
		// Cancellation by the caller says nothing about store health
		// either way; the state machine does not advance.
	case err == nil, isStoreAnswer(err):
		b.onSuccess()
	default:
		b.onFailure(op)
	}
}

// isStoreAnswer reports whether err is a semantic store result rather
// than a store fault.
func isStoreAnswer(err error) bool {
	return errors.Is(err, quarry.ErrNotFound) || errors.Is(err, quarry.ErrConflict)
}

// onSuccess advances the machine after a healthy call. Caller holds b.mu.
func (b *Breaker) onSuccess() {
	switch b.state {
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.state = StateClosed
			b.failures = 0
		}
	case StateClosed:
		b.failures = 0
	}
}

// onFailure advances the machine after a failed call. Caller holds b.mu.
func (b *Breaker) onFailure(op string) {
	b.opFailures[op]++
	b.totalFailures++

	switch b.state {
	case StateHalfOpen:
		b.trip()
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.trip()
		}
	}
}

// trip opens the circuit. Caller holds b.mu.
func (b *Breaker) trip() {
	b.state = StateOpen
	b.openedAt = time.Now()
	b.failures = 0
	b.successes = 0
}

// State returns the breaker's current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Report open circuits whose timeout has elapsed as half-open; the
	// next call would be allowed through.
	if b.state == StateOpen && time.Since(b.openedAt) >= b.cfg.OpenTimeout {
		return StateHalfOpen
	}
	return b.state
}

// OperationFailures returns a copy of the per-operation failure counts.
func (b *Breaker) OperationFailures() map[string]int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]int64, len(b.opFailures))
	for op, n := range b.opFailures {
		out[op] = n
	}
	return out
}

// TotalFailures returns the global failure count across all operations.
func (b *Breaker) TotalFailures() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.totalFailures
}
