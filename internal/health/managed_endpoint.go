package health

import (
	"context"
	"sync"
	"time"

	"github.com/songzhibin97/conduit/internal/alert"
	"github.com/songzhibin97/conduit/internal/types"
	"github.com/songzhibin97/conduit/pkg/log"
)

// EndpointController switches endpoints in and out of traffic.
// Both methods must be idempotent.
type EndpointController interface {
	Enable(ep *types.Endpoint) bool
	Disable(ep *types.Endpoint) bool
}

// Options configures a ManagedEndpoint.
type Options struct {
	SuccessThreshold int
	FailureThreshold int

	Controller EndpointController
	Reporter   Reporter
	Alerts     alert.Producer
	Node       alert.Node
	Logger     log.Logger
}

// ManagedEndpoint applies health reports to one endpoint. Reports from the
// active checker and from proxied traffic may arrive concurrently; they are
// serialized here.
type ManagedEndpoint struct {
	api      string
	endpoint *types.Endpoint

	mu         sync.Mutex
	machine    *StatusMachine
	lastResult *ProbeResult

	controller EndpointController
	reporter   Reporter
	alerts     alert.Producer
	node       alert.Node
	logger     log.Logger
}

// NewManagedEndpoint wraps ep. The state machine starts from the endpoint's
// current status.
func NewManagedEndpoint(api string, ep *types.Endpoint, opts Options) (*ManagedEndpoint, error) {
	machine, err := NewStatusMachine(ep.Status(), opts.SuccessThreshold, opts.FailureThreshold)
	if err != nil {
		return nil, err
	}

	m := &ManagedEndpoint{
		api:        api,
		endpoint:   ep,
		machine:    machine,
		controller: opts.Controller,
		reporter:   opts.Reporter,
		alerts:     opts.Alerts,
		node:       opts.Node,
		logger:     opts.Logger,
	}
	if m.reporter == nil {
		m.reporter = NopReporter{}
	}
	if m.alerts == nil {
		m.alerts = alert.Nop{}
	}
	if m.logger == nil {
		m.logger = log.Component("health")
	}
	m.logger = m.logger.With(log.EndpointFields(api, ep.Name, ep.Target.String())...)
	return m, nil
}

// Endpoint returns the wrapped endpoint.
func (m *ManagedEndpoint) Endpoint() *types.Endpoint {
	return m.endpoint
}

// API returns the id of the API the endpoint belongs to.
func (m *ManagedEndpoint) API() string {
	return m.api
}

// ReportStatus applies one probe outcome and returns the resulting status.
// result may be nil; a result with no steps is reported with a zero
// response time.
func (m *ManagedEndpoint) ReportStatus(ctx context.Context, success bool, result *ProbeResult) types.Status {
	if result == nil {
		result = &ProbeResult{}
	}

	m.mu.Lock()
	oldStatus := m.machine.Current()
	var newStatus types.Status
	if success {
		newStatus = m.machine.ReportSuccess()
	} else {
		newStatus = m.machine.ReportFailure()
	}
	transition := oldStatus != newStatus
	if transition {
		m.endpoint.SetStatus(newStatus)
	}

	// Only a DOWN crossing changes routing eligibility.
	if m.controller != nil {
		switch {
		case oldStatus == types.StatusDown && newStatus != types.StatusDown:
			m.controller.Enable(m.endpoint)
		case oldStatus != types.StatusDown && newStatus == types.StatusDown:
			m.controller.Disable(m.endpoint)
		}
	}

	result.API = m.api
	result.Endpoint = m.endpoint.Name
	result.Target = m.endpoint.Target.String()
	if result.Timestamp.IsZero() {
		result.Timestamp = time.Now()
	}
	result.Success = success
	result.Transition = transition
	result.Available = newStatus.Available()
	result.State = newStatus
	result.ResponseTime = result.TotalResponseTime()
	m.lastResult = result
	m.mu.Unlock()

	m.report(ctx, result)
	if transition {
		m.sendAlert(ctx, oldStatus, newStatus, result)
	}
	return newStatus
}

func (m *ManagedEndpoint) report(ctx context.Context, result *ProbeResult) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("health reporter panicked", log.Any("panic", r))
		}
	}()
	if err := m.reporter.Report(ctx, result); err != nil {
		m.logger.Warn("failed to report health check", log.Error(err))
	}
}

func (m *ManagedEndpoint) sendAlert(ctx context.Context, oldStatus, newStatus types.Status, result *ProbeResult) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("alert producer panicked", log.Any("panic", r))
		}
	}()

	event := alert.NewEvent(alert.TypeEndpointHealthCheck, m.node)
	event.Context[alert.ContextAPI] = m.api
	event.Properties["api"] = m.api
	event.Properties["endpoint_name"] = m.endpoint.Name
	event.Properties["endpoint_target"] = m.endpoint.Target.String()
	event.Properties["old_status"] = oldStatus.String()
	event.Properties["new_status"] = newStatus.String()
	event.Properties["success"] = result.Success
	event.Properties["response_time"] = result.ResponseTime.Milliseconds()
	event.Properties["message"] = result.Message()

	if err := m.alerts.Send(ctx, event); err != nil {
		m.logger.Warn("failed to send health alert", log.Error(err))
	}
}

// Snapshot is a point-in-time view of a managed endpoint.
type Snapshot struct {
	API          string       `json:"api"`
	Name         string       `json:"name"`
	Target       string       `json:"target"`
	Weight       int          `json:"weight"`
	Backup       bool         `json:"backup"`
	Status       types.Status `json:"status"`
	SuccessCount int          `json:"success_count"`
	FailureCount int          `json:"failure_count"`
	LastCheck    *time.Time   `json:"last_check,omitempty"`
	LastMessage  string       `json:"last_message,omitempty"`
}

// Snapshot returns the current state of the endpoint.
func (m *ManagedEndpoint) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	success, failure := m.machine.Counters()
	s := Snapshot{
		API:          m.api,
		Name:         m.endpoint.Name,
		Target:       m.endpoint.Target.String(),
		Weight:       m.endpoint.Weight,
		Backup:       m.endpoint.Backup,
		Status:       m.machine.Current(),
		SuccessCount: success,
		FailureCount: failure,
	}
	if m.lastResult != nil {
		ts := m.lastResult.Timestamp
		s.LastCheck = &ts
		s.LastMessage = m.lastResult.Message()
	}
	return s
}
