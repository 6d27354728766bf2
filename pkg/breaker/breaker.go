// Copyright (c) NSOF Networks
// SPDX-License-Identifier: Apache-2.0

// Package breaker provides circuit breaker pattern for resilient
// outbound exchanges. The client engine reports outcomes after the
// fact, so the breaker exposes Allow/Success/Failure instead of a
// call wrapper.
package breaker

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrCircuitOpen is returned when the circuit breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker configuration.
type Config struct {
	// MaxFailures is the number of failures before opening the circuit.
	MaxFailures int
	// ResetTimeout is how long to wait in Open state before transitioning to HalfOpen.
	ResetTimeout time.Duration
	// SuccessThreshold is the number of consecutive successes in HalfOpen before closing.
	SuccessThreshold int
}

func (c Config) withDefaults() Config {
	if c.MaxFailures == 0 {
		c.MaxFailures = 5
	}
	if c.ResetTimeout == 0 {
		c.ResetTimeout = 60 * time.Second
	}
	if c.SuccessThreshold == 0 {
		c.SuccessThreshold = 2
	}
	return c
}

// CircuitBreaker implements the circuit breaker pattern.
type CircuitBreaker struct {
	mu              sync.Mutex
	config          Config
	state           State
	failures        int
	successes       int
	lastStateChange time.Time
	onStateChange   func(from, to State)
}

// New creates a new circuit breaker.
func New(config Config) *CircuitBreaker {
	return &CircuitBreaker{
		config:          config.withDefaults(),
		state:           StateClosed,
		lastStateChange: time.Now(),
	}
}

// Allow reports whether an exchange may start. In the Open state the
// reset timeout moves the breaker to HalfOpen, letting probe traffic
// through.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if time.Since(cb.lastStateChange) > cb.config.ResetTimeout {
			cb.setState(StateHalfOpen)
			return true
		}
		return false

	case StateHalfOpen, StateClosed:
		return true

	default:
		return false
	}
}

// Success records a completed exchange.
func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failures = 0

	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.setState(StateClosed)
		}
	}
}

// Failure records a failed exchange.
func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.successes = 0

	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.config.MaxFailures {
			cb.setState(StateOpen)
		}

	case StateHalfOpen:
		// Any failure in HalfOpen immediately opens the circuit
		cb.setState(StateOpen)
	}
}

// setState changes the circuit breaker state. Callers hold the lock.
func (cb *CircuitBreaker) setState(newState State) {
	if cb.state == newState {
		return
	}

	oldState := cb.state
	cb.state = newState
	cb.lastStateChange = time.Now()

	if newState == StateClosed {
		cb.failures = 0
		cb.successes = 0
	} else if newState == StateHalfOpen {
		cb.successes = 0
	}

	if cb.onStateChange != nil {
		go cb.onStateChange(oldState, newState)
	}
}

// State returns the current state of the circuit breaker.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// OnStateChange registers a callback for state changes.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to State)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// Stats returns circuit breaker statistics.
func (cb *CircuitBreaker) Stats() (state State, failures, successes int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state, cb.failures, cb.successes
}

// Group tracks one breaker per destination host.
type Group struct {
	mu       sync.RWMutex
	config   Config
	breakers map[string]*CircuitBreaker
}

// NewGroup creates a per-host breaker group sharing one configuration.
func NewGroup(config Config) *Group {
	return &Group{
		config:   config.withDefaults(),
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for a host, creating it on first use.
func (g *Group) Get(host string) *CircuitBreaker {
	g.mu.RLock()
	cb, ok := g.breakers[host]
	g.mu.RUnlock()
	if ok {
		return cb
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if cb, ok = g.breakers[host]; ok {
		return cb
	}
	cb = New(g.config)
	g.breakers[host] = cb
	return cb
}

// Hosts returns the number of tracked hosts.
func (g *Group) Hosts() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.breakers)
}
