package circuitbreaker

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// Manager hands out one named breaker per provider
type Manager struct {
	logger        *logrus.Logger
	breakers      map[string]*CircuitBreaker
	mutex         sync.RWMutex
	defaultConfig *Config
	onStateChange func(name string, from State, to State)
}

// NewManager creates a new circuit breaker manager
func NewManager(logger *logrus.Logger, defaultConfig *Config) *Manager {
	if defaultConfig == nil {
		defaultConfig = DefaultConfig()
	}
	return &Manager{
		logger:        logger,
		breakers:      make(map[string]*CircuitBreaker),
		defaultConfig: defaultConfig,
	}
}

// OnStateChange registers a hook applied to every breaker created afterwards
func (m *Manager) OnStateChange(fn func(name string, from State, to State)) {
	m.mutex.Lock()
	m.onStateChange = fn
	m.mutex.Unlock()
}

// GetCircuitBreaker gets or creates a circuit breaker
func (m *Manager) GetCircuitBreaker(name string, config *Config) *CircuitBreaker {
	m.mutex.RLock()
	if breaker, exists := m.breakers[name]; exists {
		m.mutex.RUnlock()
		return breaker
	}
	m.mutex.RUnlock()

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if breaker, exists := m.breakers[name]; exists {
		return breaker
	}
	if config == nil {
		config = m.defaultConfig
	}

	breaker := NewCircuitBreaker(name, config, m.logger)
	if m.onStateChange != nil {
		breaker.SetStateChangeCallback(m.onStateChange)
	}
	m.breakers[name] = breaker

	m.logger.WithFields(logrus.Fields{
		"circuit_name":      name,
		"failure_threshold": config.FailureThreshold,
		"timeout":           config.Timeout,
	}).Debug("Created circuit breaker")

	return breaker
}

// Execute runs fn behind the named breaker
func (m *Manager) Execute(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	return m.GetCircuitBreaker(name, nil).Execute(ctx, fn)
}

// GetAllStatistics returns statistics for all circuit breakers
func (m *Manager) GetAllStatistics() map[string]Statistics {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	stats := make(map[string]Statistics, len(m.breakers))
	for name, breaker := range m.breakers {
		stats[name] = breaker.GetStatistics()
	}
	return stats
}
