// Package breakers wraps gobreaker with the trip policy the rest of this
// module's outbound feed calls share: open after 3 consecutive failures,
// or after a >5% failure rate once at least 20 requests have been seen.
package breakers

import (
	"context"
	"fmt"
	"time"

	cb "github.com/sony/gobreaker"
)

// Breaker is a named circuit breaker around a feed dependency.
type Breaker struct {
	name string
	cb   *cb.CircuitBreaker
}

// New constructs a Breaker with the shared trip policy. timeout controls
// how long the breaker stays open before probing with a half-open trial.
func New(name string, timeout time.Duration) *Breaker {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	st := cb.Settings{Name: name}
	st.Interval = 60 * time.Second
	st.Timeout = timeout
	st.ReadyToTrip = func(counts cb.Counts) bool {
		if counts.ConsecutiveFailures >= 3 {
			return true
		}
		total := counts.Requests
		if total < 20 {
			return false
		}
		return float64(counts.TotalFailures)/float64(total) > 0.05
	}
	return &Breaker{name: name, cb: cb.NewCircuitBreaker(st)}
}

// Name returns the breaker's identifier (the feed dependency it guards).
func (b *Breaker) Name() string { return b.name }

// State returns the gobreaker state name: "closed", "open", or "half-open".
func (b *Breaker) State() string { return b.cb.State().String() }

// Execute runs fn through the breaker, returning a wrapped error naming the
// breaker when the circuit is open.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) (any, error)) (any, error) {
	v, err := b.cb.Execute(func() (any, error) { return fn(ctx) })
	if err == cb.ErrOpenState {
		return nil, fmt.Errorf("%s: circuit open: %w", b.name, err)
	}
	return v, err
}
