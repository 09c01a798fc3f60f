// Package circuitbreaker guards calls to the gateway's external collaborators
// (the identity service and the shared rate-limit store) so that a struggling
// dependency is skipped quickly instead of adding a timeout to every request.
//
// States:
//   - Closed: calls pass through
//   - Open: calls fail immediately with domain.ErrCircuitBreakerOpen
//   - Half-Open: a trial period after Timeout; SuccessThreshold successes close it
package circuitbreaker

import (
	"sort"
	"sync"
	"time"

	"github.com/felipepmaragno/storefront-gateway/internal/domain"
)

// State represents the current state of a circuit breaker.
type State int

const (
	StateClosed   State = iota // Normal operation
	StateHalfOpen              // Testing recovery
	StateOpen                  // Failing fast
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

// Config defines circuit breaker behavior.
type Config struct {
	FailureThreshold int           // Consecutive failures before opening
	SuccessThreshold int           // Successes to close from half-open
	Timeout          time.Duration // Time spent open before half-open
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          10 * time.Second,
	}
}

// CircuitBreaker is safe for concurrent use.
type CircuitBreaker struct {
	name   string
	config Config
	now    func() time.Time

	mu            sync.Mutex
	state         State
	failures      int
	successes     int
	openedAt      time.Time
	onStateChange func(name string, from, to State)
}

type Option func(*CircuitBreaker)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(cb *CircuitBreaker) { cb.now = now }
}

// OnStateChange registers a callback invoked (under the breaker's lock) on
// every transition. It must not call back into the breaker.
func OnStateChange(fn func(name string, from, to State)) Option {
	return func(cb *CircuitBreaker) { cb.onStateChange = fn }
}

func New(name string, cfg Config, opts ...Option) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = DefaultConfig().SuccessThreshold
	}
	cb := &CircuitBreaker{
		name:   name,
		config: cfg,
		now:    time.Now,
		state:  StateClosed,
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Allow returns nil when a call may proceed.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if cb.now().Sub(cb.openedAt) < cb.config.Timeout {
			return domain.ErrCircuitBreakerOpen
		}
		cb.transition(StateHalfOpen)
		cb.successes = 0
	}
	return nil
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.transition(StateClosed)
			cb.failures = 0
			cb.successes = 0
		}
	}
}

func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.open()
		}
	case StateHalfOpen:
		cb.open()
	}
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) open() {
	cb.transition(StateOpen)
	cb.openedAt = cb.now()
	cb.successes = 0
}

func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	cb.state = to
	if from != to && cb.onStateChange != nil {
		cb.onStateChange(cb.name, from, to)
	}
}

// Registry keeps the process' breakers so their states can be reported.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	config   Config
	opts     []Option
}

func NewRegistry(cfg Config, opts ...Option) *Registry {
	return &Registry{
		breakers: make(map[string]*CircuitBreaker),
		config:   cfg,
		opts:     opts,
	}
}

// Get returns the breaker for name, creating it on first use.
func (r *Registry) Get(name string) *CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[name]; ok {
		return cb
	}
	cb = New(name, r.config, r.opts...)
	r.breakers[name] = cb
	return cb
}

// States returns the current state of every registered breaker.
func (r *Registry) States() map[string]string {
	r.mu.RLock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)

	states := make(map[string]string, len(names))
	for _, name := range names {
		states[name] = r.Get(name).State().String()
	}
	return states
}
