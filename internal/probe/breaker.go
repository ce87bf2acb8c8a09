package probe

import (
	"errors"
	"sync"
	"time"

	"github.com/moniwatch/moniwatch/pkg/clock"
)

// ErrCircuitOpen is returned when a target's breaker rejects a check.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed allows checks through.
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects checks without contacting the target.
	CircuitOpen
	// CircuitHalfOpen allows a limited number of trial checks.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures per-target circuit breakers. A zero
// FailureThreshold disables breaking.
type BreakerConfig struct {
	FailureThreshold    int           `yaml:"failure_threshold"`
	SuccessThreshold    int           `yaml:"success_threshold"`
	OpenTimeout         time.Duration `yaml:"-"`
	MaxHalfOpenRequests int           `yaml:"max_half_open_requests"`
	// OnStateChange is called asynchronously on every transition.
	OnStateChange func(target string, from, to CircuitState) `yaml:"-"`
}

// DefaultBreakerConfig returns the defaults used for HTTP targets.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:    5,
		SuccessThreshold:    1,
		OpenTimeout:         time.Minute,
		MaxHalfOpenRequests: 1,
	}
}

// CircuitBreaker tracks consecutive failures of one target.
type CircuitBreaker struct {
	mu     sync.Mutex
	config BreakerConfig
	name   string
	clock  clock.Clock

	state            CircuitState
	failures         int
	successes        int
	openedAt         time.Time
	halfOpenRequests int
	totalOpens       int64
}

func newCircuitBreaker(name string, cfg BreakerConfig, clk clock.Clock) *CircuitBreaker {
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	if cfg.MaxHalfOpenRequests <= 0 {
		cfg.MaxHalfOpenRequests = 1
	}
	return &CircuitBreaker{config: cfg, name: name, clock: clk, state: CircuitClosed}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentState()
}

// currentState must be called with the lock held.
func (cb *CircuitBreaker) currentState() CircuitState {
	if cb.state == CircuitOpen && cb.clock.Since(cb.openedAt) >= cb.config.OpenTimeout {
		return CircuitHalfOpen
	}
	return cb.state
}

// Allow reports whether a check may be sent to the target.
func (cb *CircuitBreaker) Allow() bool {
	if cb.config.FailureThreshold <= 0 {
		return true
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.currentState() {
	case CircuitClosed:
		return true
	case CircuitHalfOpen:
		if cb.halfOpenRequests < cb.config.MaxHalfOpenRequests {
			cb.halfOpenRequests++
			return true
		}
	}
	return false
}

// RecordSuccess records a reachable target.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state := cb.currentState()
	switch state {
	case CircuitHalfOpen:
		cb.successes++
		cb.halfOpenRequests--
		if cb.successes >= cb.config.SuccessThreshold {
			cb.transition(state, CircuitClosed)
		}
	case CircuitClosed:
		cb.failures = 0
	}
}

// RecordFailure records an unreachable target.
func (cb *CircuitBreaker) RecordFailure() {
	if cb.config.FailureThreshold <= 0 {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state := cb.currentState()
	switch state {
	case CircuitClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.transition(state, CircuitOpen)
		}
	case CircuitHalfOpen:
		cb.transition(state, CircuitOpen)
	}
}

// transition must be called with the lock held.
func (cb *CircuitBreaker) transition(from, to CircuitState) {
	if from == to {
		return
	}
	cb.state = to
	cb.failures = 0
	cb.successes = 0
	cb.halfOpenRequests = 0
	if to == CircuitOpen {
		cb.openedAt = cb.clock.Now()
		cb.totalOpens++
	}
	if cb.config.OnStateChange != nil {
		go cb.config.OnStateChange(cb.name, from, to)
	}
}

// BreakerStats is a snapshot of one breaker.
type BreakerStats struct {
	State      string    `json:"state"`
	Failures   int       `json:"failures"`
	OpenedAt   time.Time `json:"opened_at,omitempty"`
	TotalOpens int64     `json:"total_opens"`
}

// Stats returns a snapshot of the breaker.
func (cb *CircuitBreaker) Stats() BreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return BreakerStats{
		State:      cb.currentState().String(),
		Failures:   cb.failures,
		OpenedAt:   cb.openedAt,
		TotalOpens: cb.totalOpens,
	}
}

// BreakerRegistry holds one breaker per target host.
type BreakerRegistry struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	config   BreakerConfig
	clock    clock.Clock
}

// NewBreakerRegistry creates a registry sharing cfg across targets.
func NewBreakerRegistry(cfg BreakerConfig, clk clock.Clock) *BreakerRegistry {
	if clk == nil {
		clk = clock.New()
	}
	return &BreakerRegistry{
		breakers: make(map[string]*CircuitBreaker),
		config:   cfg,
		clock:    clk,
	}
}

// Get returns the breaker for target, creating it on first use.
func (r *BreakerRegistry) Get(target string) *CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[target]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok = r.breakers[target]; ok {
		return cb
	}
	cb = newCircuitBreaker(target, r.config, r.clock)
	r.breakers[target] = cb
	return cb
}

// Stats returns stats for all breakers.
func (r *BreakerRegistry) Stats() map[string]BreakerStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := make(map[string]BreakerStats, len(r.breakers))
	for target, cb := range r.breakers {
		stats[target] = cb.Stats()
	}
	return stats
}
