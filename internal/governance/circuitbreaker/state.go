package circuitbreaker

import (
	"sync"
	"time"
)

// DefaultResetTimeout is how long an open circuit waits before letting a
// trial request through.
const DefaultResetTimeout = 10 * time.Second

// State represents the circuit breaker state
type State int

const (
	// StateClosed - circuit breaker is closed, requests pass through
	StateClosed State = iota
	// StateOpen - circuit breaker is open, requests fail fast
	StateOpen
	// StateHalfOpen - circuit breaker is half-open, allowing limited requests to test recovery
	StateHalfOpen
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// MarshalJSON encodes the state by name.
func (s State) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// Config represents circuit breaker configuration
type Config struct {
	// MaxFailures is the number of consecutive failures that opens the circuit
	MaxFailures int `yaml:"max_failures"`

	// MaxRetries is the number of attempts Execute makes before giving up
	MaxRetries int `yaml:"max_retries"`

	// Timeout bounds a single attempt
	Timeout time.Duration `yaml:"timeout"`

	// ResetTimeout is how long the circuit stays open before a trial attempt
	ResetTimeout time.Duration `yaml:"reset_timeout"`

	// MaxHalfOpenRequests is the maximum number of requests allowed in half-open state
	MaxHalfOpenRequests int `yaml:"max_half_open_requests"`

	// SuccessThreshold is the number of consecutive successes needed to close the circuit
	SuccessThreshold int `yaml:"success_threshold"`
}

// DefaultConfig returns a default circuit breaker configuration
func DefaultConfig() *Config {
	return &Config{
		MaxFailures:         3,
		MaxRetries:          3,
		Timeout:             10 * time.Second,
		ResetTimeout:        DefaultResetTimeout,
		MaxHalfOpenRequests: 1,
		SuccessThreshold:    1,
	}
}

// withDefaults fills every unset field from DefaultConfig.
func (c *Config) withDefaults() *Config {
	d := DefaultConfig()
	if c == nil {
		return d
	}
	out := *c
	if out.MaxFailures <= 0 {
		out.MaxFailures = d.MaxFailures
	}
	if out.MaxRetries <= 0 {
		out.MaxRetries = d.MaxRetries
	}
	if out.Timeout <= 0 {
		out.Timeout = d.Timeout
	}
	if out.ResetTimeout <= 0 {
		out.ResetTimeout = d.ResetTimeout
	}
	if out.MaxHalfOpenRequests <= 0 {
		out.MaxHalfOpenRequests = d.MaxHalfOpenRequests
	}
	if out.SuccessThreshold <= 0 {
		out.SuccessThreshold = d.SuccessThreshold
	}
	return &out
}

// Statistics holds circuit breaker statistics
type Statistics struct {
	TotalRequests        int64     `json:"total_requests"`
	SuccessfulRequests   int64     `json:"successful_requests"`
	FailedRequests       int64     `json:"failed_requests"`
	ConsecutiveFailures  int64     `json:"consecutive_failures"`
	ConsecutiveSuccesses int64     `json:"consecutive_successes"`
	LastFailureTime      time.Time `json:"last_failure_time"`
	LastSuccessTime      time.Time `json:"last_success_time"`
	StateChangedAt       time.Time `json:"state_changed_at"`
}

// Reset resets the statistics
func (s *Statistics) Reset() {
	s.TotalRequests = 0
	s.SuccessfulRequests = 0
	s.FailedRequests = 0
	s.ConsecutiveFailures = 0
	s.ConsecutiveSuccesses = 0
	s.LastFailureTime = time.Time{}
	s.LastSuccessTime = time.Time{}
}

// ErrorRate returns the current error rate as a percentage
func (s *Statistics) ErrorRate() float64 {
	if s.TotalRequests == 0 {
		return 0
	}
	return float64(s.FailedRequests) / float64(s.TotalRequests) * 100
}

// CircuitBreaker represents a circuit breaker instance
type CircuitBreaker struct {
	name   string
	config *Config
	state  State
	stats  *Statistics
	mutex  sync.RWMutex

	// halfOpenRequests tracks the number of requests in half-open state
	halfOpenRequests int64

	// onStateChange callback function called when state changes
	onStateChange func(name string, from, to State)

	now func() time.Time
}

// New creates a new circuit breaker instance
func New(name string, config *Config) *CircuitBreaker {
	return &CircuitBreaker{
		name:   name,
		config: config.withDefaults(),
		state:  StateClosed,
		stats: &Statistics{
			StateChangedAt: time.Now(),
		},
		now: time.Now,
	}
}

// SetStateChangeCallback sets the callback function for state changes
func (cb *CircuitBreaker) SetStateChangeCallback(callback func(name string, from, to State)) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	cb.onStateChange = callback
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() State {
	cb.mutex.RLock()
	defer cb.mutex.RUnlock()
	return cb.state
}

// GetStatistics returns a copy of the current statistics
func (cb *CircuitBreaker) GetStatistics() Statistics {
	cb.mutex.RLock()
	defer cb.mutex.RUnlock()
	return *cb.stats
}

// CanExecute determines if a request can be executed based on the current state
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		// Check if reset timeout has passed
		if cb.now().Sub(cb.stats.StateChangedAt) >= cb.config.ResetTimeout {
			cb.changeState(StateHalfOpen)
			cb.halfOpenRequests = 1
			return true
		}
		return false
	case StateHalfOpen:
		// Allow limited requests in half-open state
		if cb.halfOpenRequests < int64(cb.config.MaxHalfOpenRequests) {
			cb.halfOpenRequests++
			return true
		}
		return false
	default:
		return false
	}
}

// ReleaseTrial returns a half-open trial slot taken by CanExecute whose
// outcome will never be recorded.
func (cb *CircuitBreaker) ReleaseTrial() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	if cb.state == StateHalfOpen && cb.halfOpenRequests > 0 {
		cb.halfOpenRequests--
	}
}

// RecordSuccess records a successful request
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.stats.TotalRequests++
	cb.stats.SuccessfulRequests++
	cb.stats.ConsecutiveSuccesses++
	cb.stats.ConsecutiveFailures = 0
	cb.stats.LastSuccessTime = cb.now()

	if cb.state == StateHalfOpen && cb.stats.ConsecutiveSuccesses >= int64(cb.config.SuccessThreshold) {
		cb.changeState(StateClosed)
		cb.halfOpenRequests = 0
	}
}

// RecordFailure records a failed request
func (cb *CircuitBreaker) RecordFailure() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.stats.TotalRequests++
	cb.stats.FailedRequests++
	cb.stats.ConsecutiveFailures++
	cb.stats.ConsecutiveSuccesses = 0
	cb.stats.LastFailureTime = cb.now()

	switch cb.state {
	case StateClosed:
		if cb.stats.ConsecutiveFailures >= int64(cb.config.MaxFailures) {
			cb.changeState(StateOpen)
		}
	case StateHalfOpen:
		// Any failure in half-open state should open the circuit
		cb.changeState(StateOpen)
		cb.halfOpenRequests = 0
	}
}

// changeState changes the circuit breaker state and triggers callback
func (cb *CircuitBreaker) changeState(newState State) {
	oldState := cb.state
	cb.state = newState
	cb.stats.StateChangedAt = cb.now()

	if cb.onStateChange != nil {
		go cb.onStateChange(cb.name, oldState, newState)
	}
}

// Reset resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	oldState := cb.state
	cb.state = StateClosed
	cb.stats.Reset()
	cb.stats.StateChangedAt = cb.now()
	cb.halfOpenRequests = 0

	if cb.onStateChange != nil && oldState != StateClosed {
		go cb.onStateChange(cb.name, oldState, StateClosed)
	}
}

// GetName returns the circuit breaker name
func (cb *CircuitBreaker) GetName() string {
	return cb.name
}

// GetConfig returns a copy of the circuit breaker configuration
func (cb *CircuitBreaker) GetConfig() Config {
	return *cb.config
}
