package circuitbreaker

import (
	"sort"
	"sync"

	"github.com/songzhibin97/conduit/internal/metrics"
	"github.com/songzhibin97/conduit/pkg/log"
)

// Registry holds one circuit breaker per name.
type Registry struct {
	circuitBreakers map[string]*CircuitBreaker
	mutex           sync.RWMutex
	collector       *metrics.Collector
	logger          log.Logger
}

// NewRegistry creates an empty registry. collector may be nil.
func NewRegistry(collector *metrics.Collector, logger log.Logger) *Registry {
	if logger == nil {
		logger = log.Component("circuit-breaker")
	}
	return &Registry{
		circuitBreakers: make(map[string]*CircuitBreaker),
		collector:       collector,
		logger:          logger,
	}
}

// Name returns the breaker name used for an API.
func Name(apiID string) string {
	return "cb-" + apiID
}

// GetOrCreate returns the breaker called name, creating it with config on
// first use. Later calls ignore config.
func (r *Registry) GetOrCreate(name string, config *Config) *CircuitBreaker {
	r.mutex.RLock()
	cb, exists := r.circuitBreakers[name]
	r.mutex.RUnlock()
	if exists {
		return cb
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	// Double-check after acquiring write lock
	if cb, exists := r.circuitBreakers[name]; exists {
		return cb
	}

	cb = New(name, config)
	cb.SetStateChangeCallback(r.stateChanged)
	r.circuitBreakers[name] = cb
	r.collector.SetBreakerState(name, int(StateClosed), StateClosed.String())
	return cb
}

// Get returns the breaker called name.
func (r *Registry) Get(name string) (*CircuitBreaker, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	cb, ok := r.circuitBreakers[name]
	return cb, ok
}

// Remove drops the breaker called name.
func (r *Registry) Remove(name string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	delete(r.circuitBreakers, name)
}

// All returns every breaker sorted by name.
func (r *Registry) All() []*CircuitBreaker {
	r.mutex.RLock()
	all := make([]*CircuitBreaker, 0, len(r.circuitBreakers))
	for _, cb := range r.circuitBreakers {
		all = append(all, cb)
	}
	r.mutex.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].GetName() < all[j].GetName() })
	return all
}

func (r *Registry) stateChanged(name string, from, to State) {
	fields := []log.Field{
		log.String(log.FieldCircuit, name),
		log.String("from", from.String()),
		log.String(log.FieldCircuitState, to.String()),
	}
	if to == StateOpen {
		r.logger.Warn("circuit breaker opened", fields...)
	} else {
		r.logger.Info("circuit breaker state changed", fields...)
	}
	r.collector.SetBreakerState(name, int(to), to.String())
}
