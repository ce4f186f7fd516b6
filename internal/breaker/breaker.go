// Package breaker provides the shared circuit breaker guarding outbound calls.
package breaker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	apperrors "github.com/topcoder-platform/autopilot/internal/errors"
)

// State is the circuit breaker state.
type State string

const (
	// StateClosed admits calls and counts failures.
	StateClosed State = "closed"
	// StateOpen rejects calls until the reset timeout elapses.
	StateOpen State = "open"
	// StateHalfOpen admits trial calls until enough succeed or one fails.
	StateHalfOpen State = "half_open"
)

// Options configures a CircuitBreaker. Zero fields take defaults.
type Options struct {
	// Name identifies the breaker in logs and metrics.
	Name string
	// FailureThreshold is the counted-failure count that opens the breaker.
	FailureThreshold int
	// ResetTimeout is how long the breaker stays open before admitting a trial call.
	ResetTimeout time.Duration
	// OperationTimeout bounds each guarded call. Zero disables the per-call timeout.
	OperationTimeout time.Duration
	// SuccessThreshold is the consecutive successes required to close from half-open.
	SuccessThreshold int
	// ErrorFilter decides whether an error counts toward opening the breaker.
	// A nil filter counts every error.
	ErrorFilter func(error) bool
	// Fallback, when set, runs instead of returning a rejection while open.
	Fallback func(ctx context.Context) error
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// Clock overrides time.Now for tests.
	Clock func() time.Time
}

// Metrics is a point-in-time snapshot of breaker counters.
type Metrics struct {
	State           State     `json:"state"`
	Failures        int       `json:"failures"`
	Successes       int       `json:"successes"`
	TotalCalls      int64     `json:"totalCalls"`
	TotalFailures   int64     `json:"totalFailures"`
	TotalSuccesses  int64     `json:"totalSuccesses"`
	LastFailureTime time.Time `json:"lastFailureTime"`
	LastSuccessTime time.Time `json:"lastSuccessTime"`
	StateChangeTime time.Time `json:"stateChangeTime"`
	FailureRate     float64   `json:"failureRate"`
	SuccessRate     float64   `json:"successRate"`
}

// CircuitBreaker implements the closed/open/half-open protocol.
// It is safe for concurrent use.
type CircuitBreaker struct {
	opts Options

	mu              sync.Mutex
	state           State
	failures        int
	successes       int
	totalCalls      int64
	totalFailures   int64
	totalSuccesses  int64
	lastFailureTime time.Time
	lastSuccessTime time.Time
	stateChangeTime time.Time
}

// New creates a circuit breaker with the given options.
func New(opts Options) *CircuitBreaker {
	if opts.FailureThreshold < 1 {
		opts.FailureThreshold = 5
	}
	if opts.ResetTimeout <= 0 {
		opts.ResetTimeout = 60 * time.Second
	}
	if opts.SuccessThreshold < 1 {
		opts.SuccessThreshold = 1
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &CircuitBreaker{
		opts:            opts,
		state:           StateClosed,
		stateChangeTime: opts.Clock(),
	}
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Execute runs fn under the breaker's protection.
// While open it returns a circuit_open error (or runs the fallback).
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if admitted, err := cb.admit(ctx); !admitted {
		return err
	}

	callCtx := ctx
	if cb.opts.OperationTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, cb.opts.OperationTimeout)
		defer cancel()
	}

	err := fn(callCtx)
	cb.record(err)
	return err
}

// admit decides whether a call may proceed. When rejected it returns the
// rejection error (or the fallback's result).
func (cb *CircuitBreaker) admit(ctx context.Context) (bool, error) {
	cb.mu.Lock()
	now := cb.opts.Clock()
	cb.totalCalls++

	if cb.state == StateOpen {
		if now.Sub(cb.stateChangeTime) >= cb.opts.ResetTimeout {
			cb.transition(StateHalfOpen, now)
		} else {
			cb.mu.Unlock()
			if cb.opts.Fallback != nil {
				return false, cb.opts.Fallback(ctx)
			}
			return false, apperrors.CircuitOpen("circuit breaker " + cb.opts.Name + " is open")
		}
	}
	cb.mu.Unlock()
	return true, nil
}

// record applies the call outcome to the breaker counters.
func (cb *CircuitBreaker) record(err error) {
	counted := err != nil && (cb.opts.ErrorFilter == nil || cb.opts.ErrorFilter(err))

	cb.mu.Lock()
	defer cb.mu.Unlock()
	now := cb.opts.Clock()

	if err == nil {
		cb.totalSuccesses++
		cb.lastSuccessTime = now
		switch cb.state {
		case StateClosed:
			if cb.failures > 0 {
				cb.failures--
			}
		case StateHalfOpen:
			cb.successes++
			if cb.successes >= cb.opts.SuccessThreshold {
				cb.transition(StateClosed, now)
			}
		case StateOpen:
			// Unreachable: open calls are rejected before running.
		}
		return
	}

	cb.totalFailures++
	cb.lastFailureTime = now
	if !counted {
		return
	}

	switch cb.state {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.opts.FailureThreshold {
			cb.transition(StateOpen, now)
		}
	case StateHalfOpen:
		cb.transition(StateOpen, now)
	case StateOpen:
	}
}

// transition moves the breaker to a new state. Caller holds the lock.
func (cb *CircuitBreaker) transition(to State, now time.Time) {
	if cb.state == to {
		return
	}
	from := cb.state
	cb.state = to
	cb.stateChangeTime = now
	switch to {
	case StateClosed:
		cb.failures = 0
		cb.successes = 0
	case StateHalfOpen:
		cb.successes = 0
	case StateOpen:
	}
	cb.opts.Logger.Info("circuit breaker state change",
		"breaker", cb.opts.Name,
		"from", string(from),
		"to", string(to))
}

// Metrics returns a snapshot of the breaker counters.
func (cb *CircuitBreaker) Metrics() Metrics {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	m := Metrics{
		State:           cb.state,
		Failures:        cb.failures,
		Successes:       cb.successes,
		TotalCalls:      cb.totalCalls,
		TotalFailures:   cb.totalFailures,
		TotalSuccesses:  cb.totalSuccesses,
		LastFailureTime: cb.lastFailureTime,
		LastSuccessTime: cb.lastSuccessTime,
		StateChangeTime: cb.stateChangeTime,
	}
	completed := cb.totalSuccesses + cb.totalFailures
	if completed > 0 {
		m.FailureRate = float64(cb.totalFailures) / float64(completed)
		m.SuccessRate = float64(cb.totalSuccesses) / float64(completed)
	}
	return m
}
