// Package circuitbreaker stops calls to a failing dependency until it has
// had time to recover. The transfer rail is the main user: once the rail
// keeps failing, transfers fail fast instead of piling up behind timeouts.
//
// The state machine is sony/gobreaker; this package adds context-aware
// execution, a typed open error and a health check.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// State of a breaker.
type State = gobreaker.State

const (
	StateClosed   = gobreaker.StateClosed
	StateHalfOpen = gobreaker.StateHalfOpen
	StateOpen     = gobreaker.StateOpen
)

// ErrCircuitOpen matches every OpenError with errors.Is.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// OpenError is returned for calls the breaker refused to make.
type OpenError struct {
	Name string
	// RetryIn is zero while probes are in flight.
	RetryIn time.Duration
}

func (e *OpenError) Error() string {
	if e.RetryIn > 0 {
		return fmt.Sprintf("%s: circuit breaker is open, retry in %s", e.Name, e.RetryIn.Round(time.Millisecond))
	}
	return fmt.Sprintf("%s: circuit breaker is probing", e.Name)
}

// Is reports ErrCircuitOpen.
func (e *OpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// Transition describes a state change handed to the OnStateChange hook.
type Transition struct {
	Name     string
	From, To State
	At       time.Time
}

// Settings configure a breaker.
type Settings struct {
	// FailureThreshold consecutive failures open the breaker.
	FailureThreshold uint32
	// Probes is how many calls may run while half-open; that many
	// consecutive successes close the breaker.
	Probes uint32
	// Cooldown is how long the breaker stays open before probing.
	Cooldown time.Duration
	// IsFailure decides which errors count against the dependency.
	// Nil counts every error.
	IsFailure func(error) bool
	// OnStateChange runs inside the breaker; keep it short.
	OnStateChange func(Transition)
}

// Breaker guards one dependency.
type Breaker struct {
	name     string
	cooldown time.Duration
	cb       *gobreaker.CircuitBreaker

	mu       sync.Mutex
	openedAt time.Time
}

// New creates a closed breaker.
func New(name string, s Settings) *Breaker {
	if s.FailureThreshold == 0 {
		s.FailureThreshold = 5
	}
	if s.Cooldown <= 0 {
		s.Cooldown = 30 * time.Second
	}

	b := &Breaker{name: name, cooldown: s.Cooldown}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: s.Probes,
		Timeout:     s.Cooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= s.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			switch {
			case err == nil:
				return true
			case errors.Is(err, context.Canceled):
				// The caller gave up; that says nothing about the dependency.
				return true
			case s.IsFailure != nil:
				return !s.IsFailure(err)
			default:
				return false
			}
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			now := time.Now()
			if to == gobreaker.StateOpen {
				b.mu.Lock()
				b.openedAt = now
				b.mu.Unlock()
			}
			if s.OnStateChange != nil {
				s.OnStateChange(Transition{Name: name, From: from, To: to, At: now})
			}
		},
	})
	return b
}

// TransferRail guards the external transfer rail. isFailure filters out
// business outcomes such as declined transfers.
func TransferRail(isFailure func(error) bool, onStateChange func(Transition)) *Breaker {
	return New("transfer-rail", Settings{
		FailureThreshold: 3,
		Probes:           1,
		Cooldown:         30 * time.Second,
		IsFailure:        isFailure,
		OnStateChange:    onStateChange,
	})
}

// Execute calls fn unless the breaker is open.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})
	switch {
	case errors.Is(err, gobreaker.ErrOpenState):
		return &OpenError{Name: b.name, RetryIn: b.retryIn()}
	case errors.Is(err, gobreaker.ErrTooManyRequests):
		return &OpenError{Name: b.name}
	}
	return err
}

// State returns the current state.
func (b *Breaker) State() State {
	return b.cb.State()
}

// Check reports an OpenError while the breaker is rejecting calls. It fits
// the health checker's check signature.
func (b *Breaker) Check(context.Context) error {
	if b.cb.State() != gobreaker.StateOpen {
		return nil
	}
	return &OpenError{Name: b.name, RetryIn: b.retryIn()}
}

func (b *Breaker) retryIn() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if d := time.Until(b.openedAt.Add(b.cooldown)); d > 0 {
		return d
	}
	return 0
}
