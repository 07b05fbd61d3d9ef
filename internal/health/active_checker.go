package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/songzhibin97/conduit/internal/config"
	"github.com/songzhibin97/conduit/pkg/log"
)

// ActiveChecker probes every endpoint of an API at a fixed interval and
// hands the results to its ManagedEndpoint.
type ActiveChecker struct {
	mu        sync.RWMutex
	api       string
	config    config.HealthCheckConfig
	endpoints []*ManagedEndpoint
	client    *http.Client
	stopCh    chan struct{}
	wg        sync.WaitGroup
	running   bool
	logger    log.Logger
}

// NewActiveChecker creates an active health checker.
func NewActiveChecker(api string, cfg config.HealthCheckConfig, endpoints []*ManagedEndpoint, logger log.Logger) *ActiveChecker {
	if logger == nil {
		logger = log.Component("active-health-checker")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.Method == "" {
		cfg.Method = http.MethodGet
	}
	return &ActiveChecker{
		api:       api,
		config:    cfg,
		endpoints: endpoints,
		stopCh:    make(chan struct{}),
		client: &http.Client{
			Timeout: cfg.Timeout,
			// Probes judge the endpoint's own response; redirects are not followed.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: logger.With(log.String(log.FieldAPI, api)),
	}
}

// Start launches one probe goroutine per endpoint.
func (c *ActiveChecker) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return fmt.Errorf("health checker for %s is already running", c.api)
	}
	c.running = true
	c.stopCh = make(chan struct{})

	for _, ep := range c.endpoints {
		c.wg.Add(1)
		go func(ep *ManagedEndpoint) {
			defer c.wg.Done()
			c.loop(ep)
		}(ep)
	}

	c.logger.Info("active health checker started",
		log.Int("endpoints", len(c.endpoints)),
		log.Duration("interval", c.config.Interval),
	)
	return nil
}

// Stop stops the probes and waits for them to return.
func (c *ActiveChecker) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	close(c.stopCh)
	c.mu.Unlock()

	// Wait outside the lock.
	c.wg.Wait()
	c.client.CloseIdleConnections()
	return nil
}

// Running reports whether the checker is running.
func (c *ActiveChecker) Running() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

func (c *ActiveChecker) loop(ep *ManagedEndpoint) {
	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	// Probe once right away.
	c.CheckEndpoint(ctx, ep)

	for {
		select {
		case <-ticker.C:
			c.CheckEndpoint(ctx, ep)
		case <-c.stopCh:
			return
		}
	}
}

// CheckEndpoint probes one endpoint and reports the result.
func (c *ActiveChecker) CheckEndpoint(ctx context.Context, ep *ManagedEndpoint) *ProbeResult {
	result := &ProbeResult{Timestamp: time.Now()}
	step := c.probe(ctx, ep)
	result.AddStep(step)

	// Cancellation by Stop is not an endpoint failure.
	if ctx.Err() != nil {
		return result
	}

	ep.ReportStatus(ctx, step.Success, result)
	return result
}

func (c *ActiveChecker) probe(ctx context.Context, ep *ManagedEndpoint) Step {
	target := probeURL(ep.Endpoint().Target, c.config.Path)
	step := Step{
		Name:   "http",
		Method: c.config.Method,
		URI:    target,
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, c.config.Method, target, nil)
	if err != nil {
		step.Message = err.Error()
		return step
	}
	req.Header.Set("User-Agent", "conduit-health-check")

	resp, err := c.client.Do(req)
	step.ResponseTime = time.Since(start)
	if err != nil {
		step.Message = err.Error()
		return step
	}
	defer resp.Body.Close()
	// Drain the body so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	step.StatusCode = resp.StatusCode
	step.Success = c.expected(resp.StatusCode)
	if !step.Success {
		step.Message = fmt.Sprintf("unexpected status %d", resp.StatusCode)
	}
	return step
}

// expected treats any 2xx as healthy when no statuses are configured.
func (c *ActiveChecker) expected(status int) bool {
	if len(c.config.ExpectedStatus) == 0 {
		return status >= 200 && status < 300
	}
	for _, s := range c.config.ExpectedStatus {
		if s == status {
			return true
		}
	}
	return false
}

func probeURL(target *url.URL, path string) string {
	u := *target
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.TrimPrefix(path, "/")
	u.RawPath = ""
	return u.String()
}
