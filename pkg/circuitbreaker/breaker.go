package circuitbreaker

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// State represents the circuit breaker state
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
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker configuration
type Config struct {
	// Consecutive failures before opening
	FailureThreshold int64 `json:"failure_threshold"`

	// Consecutive successes in half-open before closing
	SuccessThreshold int64 `json:"success_threshold"`

	// Time spent open before probing again
	Timeout time.Duration `json:"timeout"`

	// Upper bound for the exponential open timeout
	MaxTimeout time.Duration `json:"max_timeout"`

	// Deadline applied when the caller's context has none
	RequestTimeout time.Duration `json:"request_timeout"`

	ExponentialBackoff bool `json:"exponential_backoff"`
}

// DefaultConfig returns default circuit breaker configuration
func DefaultConfig() *Config {
	return &Config{
		FailureThreshold:   5,
		SuccessThreshold:   2,
		Timeout:            30 * time.Second,
		MaxTimeout:         5 * time.Minute,
		RequestTimeout:     30 * time.Second,
		ExponentialBackoff: true,
	}
}

// Statistics is a snapshot of breaker counters
type Statistics struct {
	State                string    `json:"state"`
	TotalRequests        int64     `json:"total_requests"`
	SuccessfulRequests   int64     `json:"successful_requests"`
	FailedRequests       int64     `json:"failed_requests"`
	RejectedRequests     int64     `json:"rejected_requests"`
	ConsecutiveFailures  int64     `json:"consecutive_failures"`
	ConsecutiveSuccesses int64     `json:"consecutive_successes"`
	StateTransitions     int64     `json:"state_transitions"`
	LastFailureTime      time.Time `json:"last_failure_time"`
	LastSuccessTime      time.Time `json:"last_success_time"`
}

// CircuitBreaker guards calls to one external provider
type CircuitBreaker struct {
	name   string
	logger *logrus.Entry
	config *Config

	mutex       sync.Mutex
	state       State
	openedCount int64
	nextAttempt time.Time
	stats       Statistics
	now         func() time.Time

	onStateChange func(name string, from State, to State)
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(name string, config *Config, logger *logrus.Logger) *CircuitBreaker {
	if config == nil {
		config = DefaultConfig()
	}
	return &CircuitBreaker{
		name:   name,
		logger: logger.WithField("circuit_breaker", name),
		config: config,
		state:  StateClosed,
		now:    time.Now,
	}
}

// Execute runs fn unless the circuit is open
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if !cb.allowRequest() {
		return NewCircuitBreakerOpenError(cb.name, StateOpen)
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline && cb.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cb.config.RequestTimeout)
		defer cancel()
	}

	err := fn(ctx)
	if err != nil {
		// A caller hanging up is not the provider's fault
		if ctx.Err() == context.Canceled {
			return err
		}
		cb.recordFailure(err)
		return err
	}

	cb.recordSuccess()
	return nil
}

// ExecuteWithFallback runs fn and switches to fallback when the circuit rejects it
func (cb *CircuitBreaker) ExecuteWithFallback(ctx context.Context, fn func(ctx context.Context) error, fallback func(ctx context.Context) error) error {
	err := cb.Execute(ctx, fn)
	if err != nil && IsCircuitBreakerError(err) && fallback != nil {
		cb.logger.WithError(err).Debug("Circuit breaker open, executing fallback")
		return fallback(ctx)
	}
	return err
}

func (cb *CircuitBreaker) allowRequest() bool {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	switch cb.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if cb.now().After(cb.nextAttempt) {
			cb.setState(StateHalfOpen)
			return true
		}
		cb.stats.RejectedRequests++
		return false
	default:
		return false
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.stats.TotalRequests++
	cb.stats.SuccessfulRequests++
	cb.stats.ConsecutiveFailures = 0
	cb.stats.ConsecutiveSuccesses++
	cb.stats.LastSuccessTime = cb.now()

	if cb.state == StateHalfOpen && cb.stats.ConsecutiveSuccesses >= cb.config.SuccessThreshold {
		cb.setState(StateClosed)
	}
}

func (cb *CircuitBreaker) recordFailure(err error) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.stats.TotalRequests++
	cb.stats.FailedRequests++
	cb.stats.ConsecutiveFailures++
	cb.stats.ConsecutiveSuccesses = 0
	cb.stats.LastFailureTime = cb.now()

	// Any failure while probing reopens immediately
	if cb.state == StateHalfOpen || cb.stats.ConsecutiveFailures >= cb.config.FailureThreshold {
		cb.setState(StateOpen)
	}

	cb.logger.WithError(err).WithFields(logrus.Fields{
		"failures": cb.stats.ConsecutiveFailures,
		"state":    cb.state.String(),
	}).Debug("Circuit breaker recorded failure")
}

// setState must be called with the mutex held
func (cb *CircuitBreaker) setState(newState State) {
	if cb.state == newState {
		return
	}
	oldState := cb.state
	cb.state = newState

	switch newState {
	case StateOpen:
		cb.openedCount++
		timeout := cb.config.Timeout
		if cb.config.ExponentialBackoff {
			shift := cb.openedCount - 1
			if shift > 10 {
				shift = 10
			}
			timeout = cb.config.Timeout * time.Duration(int64(1)<<uint(shift))
			if cb.config.MaxTimeout > 0 && timeout > cb.config.MaxTimeout {
				timeout = cb.config.MaxTimeout
			}
		}
		cb.nextAttempt = cb.now().Add(timeout)
	case StateClosed:
		cb.openedCount = 0
		cb.stats.ConsecutiveFailures = 0
		cb.nextAttempt = time.Time{}
	case StateHalfOpen:
		cb.stats.ConsecutiveSuccesses = 0
	}
	cb.stats.StateTransitions++

	cb.logger.WithFields(logrus.Fields{
		"from_state": oldState.String(),
		"to_state":   newState.String(),
	}).Info("Circuit breaker state changed")

	if cb.onStateChange != nil {
		go cb.onStateChange(cb.name, oldState, newState)
	}
}

// GetState returns the current circuit breaker state
func (cb *CircuitBreaker) GetState() State {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.state
}

// GetStatistics returns a copy of the counters
func (cb *CircuitBreaker) GetStatistics() Statistics {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	stats := cb.stats
	stats.State = cb.state.String()
	return stats
}

// Reset returns the breaker to closed with cleared counters
func (cb *CircuitBreaker) Reset() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	cb.setState(StateClosed)
	cb.stats = Statistics{}
}

// SetStateChangeCallback sets a callback for state changes
func (cb *CircuitBreaker) SetStateChangeCallback(callback func(name string, from State, to State)) {
	cb.mutex.Lock()
	cb.onStateChange = callback
	cb.mutex.Unlock()
}

// GetName returns the circuit breaker name
func (cb *CircuitBreaker) GetName() string {
	return cb.name
}

// IsOpen returns true if the circuit is open
func (cb *CircuitBreaker) IsOpen() bool {
	return cb.GetState() == StateOpen
}
