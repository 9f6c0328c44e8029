// Package resilience provides reliability patterns for backend calls.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the circuit breaker is open and rejecting calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the breaker position.
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
		return "half_open"
	default:
		return "unknown"
	}
}

// Breaker trips after maxFailures consecutive failures and rejects calls
// until timeout elapses. The first call after the timeout tests the backend
// in half-open state; only one trial call is admitted at a time.
type Breaker struct {
	mu          sync.Mutex
	state       State
	failures    int
	maxFailures int
	timeout     time.Duration
	openedAt    time.Time
	inTrial     bool
	now         func() time.Time // for testing

	onChange func(from, to State)
}

// NewBreaker creates a circuit breaker that opens after maxFailures consecutive
// failures and stays open for the given timeout before transitioning to half-open.
func NewBreaker(maxFailures int, timeout time.Duration) *Breaker {
	if maxFailures < 1 {
		maxFailures = 1
	}
	return &Breaker{
		maxFailures: maxFailures,
		timeout:     timeout,
		now:         time.Now,
	}
}

// OnStateChange registers fn to run after every state transition.
// fn is called without the breaker lock held.
func (b *Breaker) OnStateChange(fn func(from, to State)) {
	b.mu.Lock()
	b.onChange = fn
	b.mu.Unlock()
}

// State returns the current position, resolving an elapsed open timeout.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.timeout {
		return StateHalfOpen
	}
	return b.state
}

// Execute runs fn if the circuit is closed or half-open.
// Returns ErrCircuitOpen if the circuit is open.
func (b *Breaker) Execute(fn func() error) error {
	return b.ExecuteContext(context.Background(), func(context.Context) error { return fn() })
}

// ExecuteContext is Execute with a context. A call that fails only because
// ctx was cancelled by the caller is not counted against the backend.
func (b *Breaker) ExecuteContext(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !b.allowRequest() {
		return ErrCircuitOpen
	}

	err := fn(ctx)

	if err != nil && errors.Is(err, context.Canceled) && ctx.Err() != nil {
		b.release()
		return err
	}

	b.record(err)
	return err
}

func (b *Breaker) allowRequest() bool {
	b.mu.Lock()
	var from, to State
	allowed := false

	switch b.state {
	case StateClosed:
		allowed = true
	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.timeout {
			from, to = b.state, StateHalfOpen
			b.state = StateHalfOpen
			b.inTrial = true
			allowed = true
		}
	case StateHalfOpen:
		if !b.inTrial {
			b.inTrial = true
			allowed = true
		}
	}
	cb := b.onChange
	b.mu.Unlock()

	if from != to && cb != nil {
		cb(from, to)
	}
	return allowed
}

func (b *Breaker) release() {
	b.mu.Lock()
	b.inTrial = false
	b.mu.Unlock()
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	from := b.state
	b.inTrial = false
	if err != nil {
		b.onFailure()
	} else {
		b.onSuccess()
	}
	to := b.state
	cb := b.onChange
	b.mu.Unlock()

	if from != to && cb != nil {
		cb(from, to)
	}
}

// onFailure must be called with b.mu held.
func (b *Breaker) onFailure() {
	b.failures++
	if b.state == StateHalfOpen || b.failures >= b.maxFailures {
		b.state = StateOpen
		b.openedAt = b.now()
	}
}

// onSuccess must be called with b.mu held.
func (b *Breaker) onSuccess() {
	b.failures = 0
	b.state = StateClosed
}
