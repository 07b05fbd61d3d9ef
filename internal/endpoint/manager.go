package endpoint

import (
	"fmt"
	"sort"
	"sync"

	"github.com/songzhibin97/conduit/internal/types"
	"github.com/songzhibin97/conduit/pkg/log"
)

// ChangeListener is notified when an endpoint is enabled or disabled.
type ChangeListener func(ep *types.Endpoint, enabled bool)

// Manager tracks which endpoints of each group may receive traffic.
// Enable and Disable are idempotent.
type Manager struct {
	mu        sync.RWMutex
	groups    map[string][]*types.Endpoint
	enabled   map[*types.Endpoint]bool
	listeners []ChangeListener
	logger    log.Logger
}

// NewManager creates an empty endpoint manager.
func NewManager(logger log.Logger) *Manager {
	if logger == nil {
		logger = log.Component("endpoint-manager")
	}
	return &Manager{
		groups:  make(map[string][]*types.Endpoint),
		enabled: make(map[*types.Endpoint]bool),
		logger:  logger,
	}
}

// Register adds ep to its group. It starts enabled unless its status is DOWN.
func (m *Manager) Register(ep *types.Endpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.groups[ep.Group] {
		if existing.Name == ep.Name {
			return fmt.Errorf("endpoint %s already registered", ep.Key())
		}
	}
	m.groups[ep.Group] = append(m.groups[ep.Group], ep)
	m.enabled[ep] = ep.Status().Available()
	return nil
}

// UnregisterGroup removes every endpoint of a group.
func (m *Manager) UnregisterGroup(group string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, ep := range m.groups[group] {
		delete(m.enabled, ep)
	}
	delete(m.groups, group)
}

// Enable makes ep eligible for traffic. It reports whether anything changed.
func (m *Manager) Enable(ep *types.Endpoint) bool {
	return m.set(ep, true)
}

// Disable removes ep from traffic. It reports whether anything changed.
func (m *Manager) Disable(ep *types.Endpoint) bool {
	return m.set(ep, false)
}

func (m *Manager) set(ep *types.Endpoint, enabled bool) bool {
	m.mu.Lock()
	current, known := m.enabled[ep]
	if !known || current == enabled {
		m.mu.Unlock()
		return false
	}
	m.enabled[ep] = enabled
	listeners := append([]ChangeListener(nil), m.listeners...)
	m.mu.Unlock()

	action := "disabled"
	if enabled {
		action = "enabled"
	}
	m.logger.Info("endpoint "+action,
		log.String(log.FieldAPI, ep.Group),
		log.String(log.FieldEndpoint, ep.Name),
		log.String("status", ep.Status().String()),
	)

	for _, listener := range listeners {
		go m.notify(listener, ep, enabled)
	}
	return true
}

func (m *Manager) notify(listener ChangeListener, ep *types.Endpoint, enabled bool) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("endpoint change listener panicked", log.Any("panic", r))
		}
	}()
	listener(ep, enabled)
}

// IsEnabled reports whether ep currently receives traffic.
func (m *Manager) IsEnabled(ep *types.Endpoint) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled[ep]
}

// Enabled returns the enabled endpoints of group in registration order.
func (m *Manager) Enabled(group string) []*types.Endpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*types.Endpoint, 0, len(m.groups[group]))
	for _, ep := range m.groups[group] {
		if m.enabled[ep] {
			result = append(result, ep)
		}
	}
	return result
}

// Endpoints returns every endpoint of group in registration order.
func (m *Manager) Endpoints(group string) []*types.Endpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*types.Endpoint(nil), m.groups[group]...)
}

// Get looks up an endpoint by group and name.
func (m *Manager) Get(group, name string) (*types.Endpoint, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, ep := range m.groups[group] {
		if ep.Name == name {
			return ep, true
		}
	}
	return nil, false
}

// Groups returns the registered group names, sorted.
func (m *Manager) Groups() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	groups := make([]string, 0, len(m.groups))
	for group := range m.groups {
		groups = append(groups, group)
	}
	sort.Strings(groups)
	return groups
}

// OnChange registers a listener for enable and disable events.
func (m *Manager) OnChange(listener ChangeListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, listener)
}
