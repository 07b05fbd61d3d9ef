package proxy

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/songzhibin97/conduit/internal/alert"
	"github.com/songzhibin97/conduit/internal/config"
	"github.com/songzhibin97/conduit/internal/endpoint"
	"github.com/songzhibin97/conduit/internal/governance/circuitbreaker"
	"github.com/songzhibin97/conduit/internal/health"
	"github.com/songzhibin97/conduit/internal/httpclient"
	"github.com/songzhibin97/conduit/internal/invoker"
	"github.com/songzhibin97/conduit/internal/loadbalancer"
	"github.com/songzhibin97/conduit/internal/metrics"
	"github.com/songzhibin97/conduit/internal/types"
	"github.com/songzhibin97/conduit/pkg/log"
)

// Dependencies are the process-wide services shared by every deployed API.
type Dependencies struct {
	Clients   *httpclient.Factory
	Endpoints *endpoint.Manager
	Breakers  *circuitbreaker.Registry
	Reporter  health.Reporter
	Alerts    alert.Producer
	Node      alert.Node
	Metrics   *metrics.Collector
	Logger    log.Logger
}

// API is the runtime of one deployed API.
type API struct {
	config  config.APIConfig
	invoker invoker.Invoker
	breaker *circuitbreaker.CircuitBreaker
	managed []*health.ManagedEndpoint
	active  *health.ActiveChecker
	passive *health.PassiveObserver
}

// ID returns the API id.
func (a *API) ID() string { return a.config.ID }

// ContextPath returns the path prefix the API is mounted on.
func (a *API) ContextPath() string { return a.config.ContextPath }

// Config returns the deployed configuration.
func (a *API) Config() config.APIConfig { return a.config }

// Invoker returns the invoker requests to the API go through.
func (a *API) Invoker() invoker.Invoker { return a.invoker }

// Breaker returns the circuit breaker guarding the API.
func (a *API) Breaker() *circuitbreaker.CircuitBreaker { return a.breaker }

// Endpoints returns the health-managed endpoints of the API.
func (a *API) Endpoints() []*health.ManagedEndpoint {
	return append([]*health.ManagedEndpoint(nil), a.managed...)
}

// Endpoint looks up a managed endpoint by name.
func (a *API) Endpoint(name string) (*health.ManagedEndpoint, bool) {
	for _, m := range a.managed {
		if m.Endpoint().Name == name {
			return m, true
		}
	}
	return nil, false
}

func (a *API) stop() {
	if a.active != nil {
		_ = a.active.Stop()
	}
	if a.passive != nil {
		_ = a.passive.Stop()
	}
}

// Registry holds the deployed APIs and routes requests to them by context
// path.
type Registry struct {
	deps Dependencies

	mu     sync.RWMutex
	apis   map[string]*API
	routes []*API
}

// NewRegistry creates an empty registry.
func NewRegistry(deps Dependencies) *Registry {
	if deps.Logger == nil {
		deps.Logger = log.Component("registry")
	}
	if deps.Endpoints == nil {
		deps.Endpoints = endpoint.NewManager(deps.Logger)
	}
	if deps.Breakers == nil {
		deps.Breakers = circuitbreaker.NewRegistry(deps.Metrics, deps.Logger)
	}
	if deps.Clients == nil {
		deps.Clients = httpclient.NewFactory(config.HTTPClientConfig{}, deps.Logger)
	}
	return &Registry{
		deps: deps,
		apis: make(map[string]*API),
	}
}

// Deploy builds the runtime of cfg and starts its health checks.
func (r *Registry) Deploy(cfg config.APIConfig) (*API, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.apis[cfg.ID]; exists {
		return nil, fmt.Errorf("API %s already deployed", cfg.ID)
	}

	if cfg.HealthCheck.SuccessThreshold <= 0 {
		cfg.HealthCheck.SuccessThreshold = config.DefaultSuccessThreshold
	}
	if cfg.HealthCheck.FailureThreshold <= 0 {
		cfg.HealthCheck.FailureThreshold = config.DefaultFailureThreshold
	}

	logger := r.deps.Logger.With(log.String(log.FieldAPI, cfg.ID))
	api := &API{config: cfg}

	for _, ec := range cfg.Endpoints {
		ep, err := r.registerEndpoint(cfg.ID, ec)
		if err != nil {
			r.deps.Endpoints.UnregisterGroup(cfg.ID)
			return nil, err
		}
		managed, err := health.NewManagedEndpoint(cfg.ID, ep, health.Options{
			SuccessThreshold: cfg.HealthCheck.SuccessThreshold,
			FailureThreshold: cfg.HealthCheck.FailureThreshold,
			Controller:       r.deps.Endpoints,
			Reporter:         r.deps.Reporter,
			Alerts:           r.deps.Alerts,
			Node:             r.deps.Node,
			Logger:           logger,
		})
		if err != nil {
			r.deps.Endpoints.UnregisterGroup(cfg.ID)
			return nil, fmt.Errorf("endpoint %s: %w", ec.Name, err)
		}
		api.managed = append(api.managed, managed)
		r.deps.Metrics.SetEndpointStatus(cfg.ID, ep.Name, int(ep.Status()))
	}

	resolver, err := loadbalancer.New(cfg.LoadBalancing, r.deps.Endpoints)
	if err != nil {
		r.deps.Endpoints.UnregisterGroup(cfg.ID)
		return nil, err
	}

	var observer invoker.AttemptObserver
	if cfg.PassiveHealthCheck.Enabled {
		api.passive = health.NewPassiveObserver(cfg.ID, cfg.PassiveHealthCheck, api.managed, logger)
		observer = api.passive
	}
	if cfg.HealthCheck.Enabled {
		api.active = health.NewActiveChecker(cfg.ID, cfg.HealthCheck, api.managed, logger)
	}

	api.breaker = r.deps.Breakers.GetOrCreate(circuitbreaker.Name(cfg.ID), invoker.BreakerConfig(cfg.Failover))
	api.invoker = invoker.NewFailoverInvoker(
		invoker.NewEndpointInvoker(resolver, r.deps.Clients, logger),
		api.breaker,
		cfg.Failover.MaxReplayBody,
		observer,
		r.deps.Metrics,
		logger,
	)

	if api.passive != nil {
		if err := api.passive.Start(); err != nil {
			r.undeploy(api)
			return nil, err
		}
	}
	if api.active != nil {
		if err := api.active.Start(); err != nil {
			r.undeploy(api)
			return nil, err
		}
	}

	r.apis[cfg.ID] = api
	r.rebuildRoutes()

	logger.Info("API deployed",
		log.String("context_path", cfg.ContextPath),
		log.Int("endpoints", len(api.managed)),
		log.Bool("failover", cfg.Failover.Enabled),
	)
	return api, nil
}

func (r *Registry) registerEndpoint(api string, ec config.EndpointConfig) (*types.Endpoint, error) {
	initial := types.StatusUp
	if ec.InitialStatus != "" {
		s, err := types.ParseStatus(strings.ToUpper(ec.InitialStatus))
		if err != nil {
			return nil, err
		}
		initial = s
	}

	ep, err := types.NewEndpoint(api, ec.Name, ec.Target, ec.Weight, initial)
	if err != nil {
		return nil, err
	}
	ep.Backup = ec.Backup
	if err := r.deps.Endpoints.Register(ep); err != nil {
		return nil, err
	}
	return ep, nil
}

// Undeploy stops the health checks of an API and releases its resources.
func (r *Registry) Undeploy(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	api, ok := r.apis[id]
	if !ok {
		return fmt.Errorf("API %s not found", id)
	}
	delete(r.apis, id)
	r.rebuildRoutes()
	r.undeploy(api)

	r.deps.Logger.Info("API undeployed", log.String(log.FieldAPI, id))
	return nil
}

func (r *Registry) undeploy(api *API) {
	api.stop()
	r.deps.Breakers.Remove(circuitbreaker.Name(api.ID()))
	r.deps.Clients.Remove(api.ID())
	r.deps.Endpoints.UnregisterGroup(api.ID())
}

// Get returns a deployed API.
func (r *Registry) Get(id string) (*API, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	api, ok := r.apis[id]
	return api, ok
}

// List returns the deployed APIs sorted by id.
func (r *Registry) List() []*API {
	r.mu.RLock()
	defer r.mu.RUnlock()

	apis := make([]*API, 0, len(r.apis))
	for _, api := range r.apis {
		apis = append(apis, api)
	}
	sort.Slice(apis, func(i, j int) bool { return apis[i].ID() < apis[j].ID() })
	return apis
}

// Match returns the API with the longest context path that prefixes path
// on a segment boundary.
func (r *Registry) Match(path string) (*API, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, api := range r.routes {
		if matchContextPath(api.ContextPath(), path) {
			return api, true
		}
	}
	return nil, false
}

// EndpointManager returns the manager that enables and disables endpoints.
func (r *Registry) EndpointManager() *endpoint.Manager {
	return r.deps.Endpoints
}

// Breakers returns the circuit breaker registry.
func (r *Registry) Breakers() *circuitbreaker.Registry {
	return r.deps.Breakers
}

// Close undeploys every API and closes the HTTP clients.
func (r *Registry) Close() {
	r.mu.Lock()
	for id, api := range r.apis {
		r.undeploy(api)
		delete(r.apis, id)
	}
	r.routes = nil
	r.mu.Unlock()

	r.deps.Clients.Close()
}

// rebuildRoutes must be called with r.mu held.
func (r *Registry) rebuildRoutes() {
	routes := make([]*API, 0, len(r.apis))
	for _, api := range r.apis {
		routes = append(routes, api)
	}
	sort.Slice(routes, func(i, j int) bool {
		a, b := routes[i].ContextPath(), routes[j].ContextPath()
		if len(a) != len(b) {
			return len(a) > len(b)
		}
		return a < b
	})
	r.routes = routes
}

func matchContextPath(contextPath, path string) bool {
	contextPath = strings.TrimSuffix(contextPath, "/")
	if contextPath == "" {
		return true
	}
	if !strings.HasPrefix(path, contextPath) {
		return false
	}
	return len(path) == len(contextPath) || path[len(contextPath)] == '/'
}
