package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/songzhibin97/conduit/internal/governance/circuitbreaker"
	"github.com/songzhibin97/conduit/internal/health"
	"github.com/songzhibin97/conduit/internal/proxy"
	"github.com/songzhibin97/conduit/pkg/log"
)

const defaultHistoryLimit = 20

// HistorySource returns recent probe results of an endpoint.
type HistorySource interface {
	History(ctx context.Context, api, endpoint string, limit int64) ([]health.ProbeResult, error)
}

// Handler serves the admin API of a gateway node.
type Handler struct {
	registry *proxy.Registry
	gatherer prometheus.Gatherer
	history  HistorySource
	logger   log.Logger
}

// NewHandler creates the admin handler. gatherer and history may be nil.
func NewHandler(registry *proxy.Registry, gatherer prometheus.Gatherer, history HistorySource, logger log.Logger) *Handler {
	if logger == nil {
		logger = log.Component("admin")
	}
	return &Handler{
		registry: registry,
		gatherer: gatherer,
		history:  history,
		logger:   logger,
	}
}

// RegisterRoutes registers the admin routes
func (h *Handler) RegisterRoutes(router gin.IRouter) {
	router.GET("/healthz", h.Healthz)
	if h.gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))
	}

	apis := router.Group("/apis")
	{
		apis.GET("", h.ListAPIs)
		apis.GET("/:id/endpoints", h.ListEndpoints)
		apis.GET("/:id/endpoints/:name/history", h.EndpointHistory)
		apis.POST("/:id/endpoints/:name/enable", h.EnableEndpoint)
		apis.POST("/:id/endpoints/:name/disable", h.DisableEndpoint)
	}

	breakers := router.Group("/breakers")
	{
		breakers.GET("", h.ListBreakers)
		breakers.POST("/:name/reset", h.ResetBreaker)
	}
}

// NewEngine returns a gin engine serving the admin routes.
func NewEngine(h *Handler) *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery())
	h.RegisterRoutes(engine)
	return engine
}

// Healthz handles GET /healthz
func (h *Handler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// APISummary describes one deployed API.
type APISummary struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	ContextPath   string `json:"context_path"`
	LoadBalancing string `json:"load_balancing"`
	Failover      bool   `json:"failover"`
	Endpoints     int    `json:"endpoints"`
	Available     int    `json:"available"`
	CircuitState  string `json:"circuit_state"`
}

// ListAPIs handles GET /apis
func (h *Handler) ListAPIs(c *gin.Context) {
	manager := h.registry.EndpointManager()

	apis := h.registry.List()
	summaries := make([]APISummary, 0, len(apis))
	for _, api := range apis {
		cfg := api.Config()
		summaries = append(summaries, APISummary{
			ID:            cfg.ID,
			Name:          cfg.Name,
			ContextPath:   cfg.ContextPath,
			LoadBalancing: cfg.LoadBalancing,
			Failover:      cfg.Failover.Enabled,
			Endpoints:     len(api.Endpoints()),
			Available:     len(manager.Enabled(cfg.ID)),
			CircuitState:  api.Breaker().GetState().String(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"apis": summaries})
}

// EndpointView is a managed endpoint together with its routing state.
type EndpointView struct {
	health.Snapshot
	Enabled bool `json:"enabled"`
}

// ListEndpoints handles GET /apis/:id/endpoints
func (h *Handler) ListEndpoints(c *gin.Context) {
	api, ok := h.registry.Get(c.Param("id"))
	if !ok {
		notFound(c, "API not found")
		return
	}

	manager := h.registry.EndpointManager()
	views := make([]EndpointView, 0, len(api.Endpoints()))
	for _, m := range api.Endpoints() {
		views = append(views, EndpointView{
			Snapshot: m.Snapshot(),
			Enabled:  manager.IsEnabled(m.Endpoint()),
		})
	}
	c.JSON(http.StatusOK, gin.H{"api": api.ID(), "endpoints": views})
}

// EndpointHistory handles GET /apis/:id/endpoints/:name/history
func (h *Handler) EndpointHistory(c *gin.Context) {
	if h.history == nil {
		c.JSON(http.StatusNotImplemented, gin.H{
			"error":   "not_implemented",
			"message": "probe history is not recorded on this node",
		})
		return
	}

	limit := int64(defaultHistoryLimit)
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "limit must be a positive integer",
			})
			return
		}
		limit = n
	}

	apiID, name := c.Param("id"), c.Param("name")
	results, err := h.history.History(c.Request.Context(), apiID, name, limit)
	if err != nil {
		h.logger.Error("failed to load probe history",
			log.String(log.FieldAPI, apiID),
			log.String(log.FieldEndpoint, name),
			log.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "failed to load probe history",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"api": apiID, "endpoint": name, "results": results})
}

// EnableEndpoint handles POST /apis/:id/endpoints/:name/enable
func (h *Handler) EnableEndpoint(c *gin.Context) {
	h.setEnabled(c, true)
}

// DisableEndpoint handles POST /apis/:id/endpoints/:name/disable
func (h *Handler) DisableEndpoint(c *gin.Context) {
	h.setEnabled(c, false)
}

func (h *Handler) setEnabled(c *gin.Context, enabled bool) {
	api, ok := h.registry.Get(c.Param("id"))
	if !ok {
		notFound(c, "API not found")
		return
	}
	m, ok := api.Endpoint(c.Param("name"))
	if !ok {
		notFound(c, "endpoint not found")
		return
	}

	manager := h.registry.EndpointManager()
	var changed bool
	if enabled {
		changed = manager.Enable(m.Endpoint())
	} else {
		changed = manager.Disable(m.Endpoint())
	}

	h.logger.Info("endpoint routing changed by operator",
		log.String(log.FieldAPI, api.ID()),
		log.String(log.FieldEndpoint, m.Endpoint().Name),
		log.Bool("enabled", enabled),
		log.Bool("changed", changed),
	)
	c.JSON(http.StatusOK, gin.H{
		"api":      api.ID(),
		"endpoint": m.Endpoint().Name,
		"enabled":  enabled,
		"changed":  changed,
	})
}

// BreakerView describes one circuit breaker.
type BreakerView struct {
	Name       string                    `json:"name"`
	State      circuitbreaker.State      `json:"state"`
	Statistics circuitbreaker.Statistics `json:"statistics"`
}

// ListBreakers handles GET /breakers
func (h *Handler) ListBreakers(c *gin.Context) {
	all := h.registry.Breakers().All()
	views := make([]BreakerView, 0, len(all))
	for _, cb := range all {
		views = append(views, BreakerView{
			Name:       cb.GetName(),
			State:      cb.GetState(),
			Statistics: cb.GetStatistics(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"breakers": views})
}

// ResetBreaker handles POST /breakers/:name/reset
func (h *Handler) ResetBreaker(c *gin.Context) {
	cb, ok := h.registry.Breakers().Get(c.Param("name"))
	if !ok {
		notFound(c, "circuit breaker not found")
		return
	}
	cb.Reset()
	h.logger.Info("circuit breaker reset by operator", log.String(log.FieldCircuit, cb.GetName()))
	c.JSON(http.StatusOK, gin.H{"name": cb.GetName(), "state": cb.GetState()})
}

func notFound(c *gin.Context, message string) {
	c.JSON(http.StatusNotFound, gin.H{
		"error":   "not_found",
		"message": message,
	})
}
