// Package circuitbreaker stops calling a dependency that keeps failing.
//
// A breaker starts closed. After Threshold consecutive failures it opens and
// rejects calls with ErrOpen until OpenTimeout has passed. It then lets a
// limited number of probe calls through (half-open); one success closes it
// again and one failure reopens it.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateHalfOpen:
		return "HALF_OPEN"
	case StateOpen:
		return "OPEN"
	default:
		return "UNKNOWN"
	}
}

var (
	ErrOpen            = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

type Settings struct {
	Name string
	// Threshold is the number of consecutive failures that opens the breaker.
	Threshold uint32
	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout time.Duration
	// HalfOpenMax bounds concurrent probes while half-open.
	HalfOpenMax uint32
	// IsFailure decides whether err counts against the dependency. Errors
	// it rejects are returned to the caller but leave the breaker alone.
	IsFailure     func(err error) bool
	OnStateChange func(name string, from, to State)
}

type CircuitBreaker struct {
	settings Settings
	now      func() time.Time

	mu          sync.Mutex
	state       State
	failures    uint32
	probes      uint32
	openedUntil time.Time
}

func New(st Settings) *CircuitBreaker {
	if st.Name == "" {
		st.Name = "breaker"
	}
	if st.Threshold == 0 {
		st.Threshold = 5
	}
	if st.OpenTimeout <= 0 {
		st.OpenTimeout = 30 * time.Second
	}
	if st.HalfOpenMax == 0 {
		st.HalfOpenMax = 1
	}
	if st.IsFailure == nil {
		st.IsFailure = func(err error) bool { return err != nil }
	}
	return &CircuitBreaker{settings: st, now: time.Now}
}

func (cb *CircuitBreaker) Name() string {
	return cb.settings.Name
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentState()
}

// Execute runs fn unless the breaker refuses the call.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	state, err := cb.before()
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			cb.after(state, errors.New("panic"))
			panic(r)
		}
	}()

	err = fn()
	cb.after(state, err)
	return err
}

func (cb *CircuitBreaker) before() (State, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch state := cb.currentState(); state {
	case StateOpen:
		return state, ErrOpen
	case StateHalfOpen:
		if cb.probes >= cb.settings.HalfOpenMax {
			return state, ErrTooManyRequests
		}
		cb.probes++
		return state, nil
	default:
		return state, nil
	}
}

func (cb *CircuitBreaker) after(from State, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if from == StateHalfOpen && cb.probes > 0 {
		cb.probes--
	}

	// A call that started in a previous state no longer says anything about
	// the current one.
	if cb.currentState() != from {
		return
	}

	if err == nil || !cb.settings.IsFailure(err) {
		cb.failures = 0
		if from == StateHalfOpen {
			cb.setState(StateClosed)
		}
		return
	}

	cb.failures++
	if from == StateHalfOpen || cb.failures >= cb.settings.Threshold {
		cb.setState(StateOpen)
	}
}

// currentState moves an expired open breaker to half-open. Callers hold mu.
func (cb *CircuitBreaker) currentState() State {
	if cb.state == StateOpen && !cb.now().Before(cb.openedUntil) {
		cb.setState(StateHalfOpen)
	}
	return cb.state
}

func (cb *CircuitBreaker) setState(to State) {
	if cb.state == to {
		return
	}
	from := cb.state
	cb.state = to
	cb.failures = 0
	cb.probes = 0
	if to == StateOpen {
		cb.openedUntil = cb.now().Add(cb.settings.OpenTimeout)
	}
	if cb.settings.OnStateChange != nil {
		cb.settings.OnStateChange(cb.settings.Name, from, to)
	}
}
