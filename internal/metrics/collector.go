package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/songzhibin97/conduit/internal/config"
)

// Collector owns the gateway's Prometheus metrics.
// All methods are safe to call on a nil *Collector, which records nothing.
type Collector struct {
	config *config.MetricsConfig

	// Downstream request metrics
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	// Invocation metrics
	attemptsTotal      *prometheus.CounterVec
	syntheticResponses *prometheus.CounterVec
	upstreamResponses  *prometheus.CounterVec

	// Circuit breaker metrics
	breakerState       *prometheus.GaugeVec
	breakerTransitions *prometheus.CounterVec

	// Health check metrics
	endpointStatus *prometheus.GaugeVec
	probesTotal    *prometheus.CounterVec
	probeDuration  *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg.
func New(cfg *config.MetricsConfig, reg prometheus.Registerer) (*Collector, error) {
	if cfg == nil {
		cfg = &config.MetricsConfig{Enabled: true, Namespace: "conduit", Subsystem: "gateway"}
	}

	c := &Collector{config: cfg}
	c.initMetrics()

	for _, collector := range c.all() {
		if err := reg.Register(collector); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Collector) initMetrics() {
	ns, sub := c.config.Namespace, c.config.Subsystem

	c.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "requests_total",
			Help:      "Total number of downstream requests handled",
		},
		[]string{"api", "method", "status_code"},
	)

	c.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "request_duration_seconds",
			Help:      "Downstream request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"api", "method"},
	)

	c.attemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "upstream_attempts_total",
			Help:      "Upstream invocation attempts by outcome",
		},
		[]string{"api", "endpoint", "outcome"},
	)

	c.syntheticResponses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "failover_synthetic_responses_total",
			Help:      "Responses generated by the gateway after failover gave up",
		},
		[]string{"api", "status_code"},
	)

	c.upstreamResponses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "upstream_responses_total",
			Help:      "Upstream responses by status class",
		},
		[]string{"api", "status_class"},
	)

	c.breakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"circuit"},
	)

	c.breakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "circuit_breaker_transitions_total",
			Help:      "Circuit breaker state transitions",
		},
		[]string{"circuit", "to"},
	)

	c.endpointStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "endpoint_status",
			Help:      "Endpoint health status (0 up, 1 down, 2 transitionally up, 3 transitionally down)",
		},
		[]string{"api", "endpoint"},
	)

	c.probesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "health_probes_total",
			Help:      "Health probes by result",
		},
		[]string{"api", "endpoint", "result"},
	)

	c.probeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "health_probe_duration_seconds",
			Help:      "Aggregated health probe response time in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"api", "endpoint"},
	)
}

func (c *Collector) all() []prometheus.Collector {
	return []prometheus.Collector{
		c.requestsTotal,
		c.requestDuration,
		c.attemptsTotal,
		c.syntheticResponses,
		c.upstreamResponses,
		c.breakerState,
		c.breakerTransitions,
		c.endpointStatus,
		c.probesTotal,
		c.probeDuration,
	}
}

// ObserveRequest records one downstream request.
func (c *Collector) ObserveRequest(api, method string, status int, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.requestsTotal.WithLabelValues(api, method, strconv.Itoa(status)).Inc()
	c.requestDuration.WithLabelValues(api, method).Observe(elapsed.Seconds())
}

// ObserveAttempt records the outcome of one upstream attempt.
// outcome is "success", "failure" or "timeout".
func (c *Collector) ObserveAttempt(api, endpoint, outcome string) {
	if c == nil {
		return
	}
	c.attemptsTotal.WithLabelValues(api, endpoint, outcome).Inc()
}

// ObserveSyntheticResponse records a gateway-generated failure response.
func (c *Collector) ObserveSyntheticResponse(api string, status int) {
	if c == nil {
		return
	}
	c.syntheticResponses.WithLabelValues(api, strconv.Itoa(status)).Inc()
}

// ObserveUpstreamResponse records an upstream status code by class.
func (c *Collector) ObserveUpstreamResponse(api string, status int) {
	if c == nil {
		return
	}
	c.upstreamResponses.WithLabelValues(api, statusClass(status)).Inc()
}

// SetBreakerState exports a circuit breaker state change.
func (c *Collector) SetBreakerState(circuit string, state int, name string) {
	if c == nil {
		return
	}
	c.breakerState.WithLabelValues(circuit).Set(float64(state))
	c.breakerTransitions.WithLabelValues(circuit, name).Inc()
}

// SetEndpointStatus exports the current status of an endpoint.
func (c *Collector) SetEndpointStatus(api, endpoint string, status int) {
	if c == nil {
		return
	}
	c.endpointStatus.WithLabelValues(api, endpoint).Set(float64(status))
}

// ObserveProbe records one health probe.
func (c *Collector) ObserveProbe(api, endpoint string, success bool, elapsed time.Duration) {
	if c == nil {
		return
	}
	result := "failure"
	if success {
		result = "success"
	}
	c.probesTotal.WithLabelValues(api, endpoint, result).Inc()
	c.probeDuration.WithLabelValues(api, endpoint).Observe(elapsed.Seconds())
}

func statusClass(status int) string {
	switch {
	case status >= 100 && status < 600:
		return strconv.Itoa(status/100) + "xx"
	default:
		return "unknown"
	}
}
