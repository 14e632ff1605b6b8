// Package circuitbreaker stops calling a dependency that keeps failing and
// probes it again after a cool-down.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrOpen is returned without calling the guarded function while the
// breaker is open or its half-open probes are used up.
var ErrOpen = errors.New("circuit breaker open")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

type Config struct {
	FailureThreshold    int           // consecutive failures that open the breaker
	SuccessThreshold    int           // half-open successes that close it again
	Timeout             time.Duration // how long to stay open before probing
	MaxRequestsHalfOpen int           // concurrent probes allowed while half-open

	// Clock defaults to time.Now.
	Clock func() time.Time
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold:    5,
		SuccessThreshold:    2,
		Timeout:             30 * time.Second,
		MaxRequestsHalfOpen: 3,
	}
}

type CircuitBreaker struct {
	config Config
	now    func() time.Time

	mu               sync.Mutex
	state            State
	failures         int
	successes        int
	halfOpenInFlight int
	lastFailure      time.Time
	changedAt        time.Time

	onStateChange func(from, to State)
}

func New(config Config) *CircuitBreaker {
	now := config.Clock
	if now == nil {
		now = time.Now
	}
	return &CircuitBreaker{
		config:    config,
		now:       now,
		state:     StateClosed,
		changedAt: now(),
	}
}

// OnStateChange registers fn, called synchronously after every transition.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to State)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// Execute runs fn unless the breaker is open. A cancelled ctx is not held
// against the dependency.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	_, err := Do(ctx, cb, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Do is Execute for functions that produce a value.
func Do[T any](ctx context.Context, cb *CircuitBreaker, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	probe, err := cb.acquire()
	if err != nil {
		return zero, err
	}

	result, err := fn(ctx)
	switch {
	case err == nil:
		cb.record(probe, true)
		return result, nil
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		cb.release(probe)
		return zero, err
	default:
		cb.record(probe, false)
		return zero, err
	}
}

// acquire reports whether the call is a half-open probe.
func (cb *CircuitBreaker) acquire() (bool, error) {
	cb.mu.Lock()
	var notify func()
	defer func() {
		cb.mu.Unlock()
		if notify != nil {
			notify()
		}
	}()

	if cb.state == StateOpen {
		if cb.now().Sub(cb.changedAt) < cb.config.Timeout {
			return false, fmt.Errorf("%w: retry after %s", ErrOpen, cb.changedAt.Add(cb.config.Timeout).Sub(cb.now()).Round(time.Millisecond))
		}
		notify = cb.transitionLocked(StateHalfOpen)
	}

	if cb.state == StateHalfOpen {
		if cb.halfOpenInFlight >= cb.config.MaxRequestsHalfOpen {
			return false, fmt.Errorf("%w: probe limit reached", ErrOpen)
		}
		cb.halfOpenInFlight++
		return true, nil
	}
	return false, nil
}

func (cb *CircuitBreaker) release(probe bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if probe && cb.state == StateHalfOpen && cb.halfOpenInFlight > 0 {
		cb.halfOpenInFlight--
	}
}

func (cb *CircuitBreaker) record(probe, ok bool) {
	cb.mu.Lock()
	var notify func()
	defer func() {
		cb.mu.Unlock()
		if notify != nil {
			notify()
		}
	}()

	if probe && cb.state == StateHalfOpen && cb.halfOpenInFlight > 0 {
		cb.halfOpenInFlight--
	}

	if ok {
		cb.failures = 0
		cb.successes++
		if cb.state == StateHalfOpen && cb.successes >= cb.config.SuccessThreshold {
			notify = cb.transitionLocked(StateClosed)
		}
		return
	}

	cb.successes = 0
	cb.failures++
	cb.lastFailure = cb.now()
	switch cb.state {
	case StateHalfOpen:
		notify = cb.transitionLocked(StateOpen)
	case StateClosed:
		if cb.failures >= cb.config.FailureThreshold {
			notify = cb.transitionLocked(StateOpen)
		}
	}
}

// transitionLocked returns the callback to run once the lock is released.
func (cb *CircuitBreaker) transitionLocked(to State) func() {
	from := cb.state
	if from == to {
		return nil
	}
	cb.state = to
	cb.changedAt = cb.now()
	cb.successes = 0
	cb.halfOpenInFlight = 0
	if to != StateOpen {
		cb.failures = 0
	}

	if fn := cb.onStateChange; fn != nil {
		return func() { fn(from, to) }
	}
	return nil
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

type Stats struct {
	State            State
	Failures         int
	Successes        int
	HalfOpenInFlight int
	LastFailure      time.Time
	ChangedAt        time.Time
}

func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Stats{
		State:            cb.state,
		Failures:         cb.failures,
		Successes:        cb.successes,
		HalfOpenInFlight: cb.halfOpenInFlight,
		LastFailure:      cb.lastFailure,
		ChangedAt:        cb.changedAt,
	}
}

// Reset closes the breaker and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	notify := cb.transitionLocked(StateClosed)
	cb.failures = 0
	cb.mu.Unlock()
	if notify != nil {
		notify()
	}
}
