package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the circuit breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Failing, rejecting requests
	StateHalfOpen              // Single trial call allowed
)

// Breaker wraps calls to one upstream integration. It opens after a run of
// consecutive failures, fails fast while open, and admits exactly one trial
// call after the cooldown elapses.
type Breaker struct {
	mu               sync.Mutex
	state            State
	failureCount     int
	failureThreshold int
	openTimeout      time.Duration
	lastFailureAt    time.Time
	probeInFlight    bool
	nowFn            func() time.Time
	onStateChange    func(from, to State)
}

// Config configures a circuit breaker.
type Config struct {
	FailureThreshold int           // consecutive failures before opening (default: 5)
	OpenTimeout      time.Duration // cooldown before half-open (default: 30s)
	OnStateChange    func(from, to State)
}

func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	return &Breaker{
		state:            StateClosed,
		failureThreshold: cfg.FailureThreshold,
		openTimeout:      cfg.OpenTimeout,
		nowFn:            time.Now,
		onStateChange:    cfg.OnStateChange,
	}
}

// Allow checks whether a call may proceed. In half-open only the first caller
// gets through; everyone else fails fast until the trial resolves.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.nowFn().Sub(b.lastFailureAt) > b.openTimeout {
			b.setState(StateHalfOpen)
			b.probeInFlight = true
			return nil
		}
		return ErrCircuitOpen
	case StateHalfOpen:
		if b.probeInFlight {
			return ErrCircuitOpen
		}
		b.probeInFlight = true
		return nil
	}
	return nil
}

// RecordSuccess records a successful call. A successful half-open trial
// closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureCount = 0
	b.probeInFlight = false
	if b.state == StateHalfOpen {
		b.setState(StateClosed)
	}
}

// RecordFailure records a definitive failure. A failed half-open trial
// reopens the breaker and restarts the cooldown.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureCount++
	b.probeInFlight = false
	b.lastFailureAt = b.nowFn()
	if b.state == StateHalfOpen {
		b.setState(StateOpen)
	} else if b.state == StateClosed && b.failureCount >= b.failureThreshold {
		b.setState(StateOpen)
	}
}

// GetState returns the current state, accounting for an elapsed cooldown.
func (b *Breaker) GetState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.nowFn().Sub(b.lastFailureAt) > b.openTimeout {
		b.setState(StateHalfOpen)
	}
	return b.state
}

func (b *Breaker) setState(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if to == StateClosed {
		b.failureCount = 0
	}
	if b.onStateChange != nil {
		b.onStateChange(from, to)
	}
}

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
