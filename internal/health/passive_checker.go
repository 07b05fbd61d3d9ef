package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/songzhibin97/conduit/internal/config"
	"github.com/songzhibin97/conduit/internal/types"
	"github.com/songzhibin97/conduit/pkg/log"
)

// PassiveObserver updates endpoint health from the outcome of proxied
// requests.
type PassiveObserver struct {
	mu        sync.Mutex
	api       string
	config    config.PassiveHealthCheckConfig
	endpoints map[*types.Endpoint]*passiveState
	failures  map[int]bool
	running   bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
	logger    log.Logger
}

type passiveState struct {
	managed    *ManagedEndpoint
	isolatedAt time.Time // when the endpoint went DOWN; zero if not isolated
}

// NewPassiveObserver creates a passive health observer.
func NewPassiveObserver(api string, cfg config.PassiveHealthCheckConfig, endpoints []*ManagedEndpoint, logger log.Logger) *PassiveObserver {
	if logger == nil {
		logger = log.Component("passive-health-checker")
	}
	if len(cfg.FailureStatusCodes) == 0 {
		cfg.FailureStatusCodes = []int{502, 503, 504}
	}

	o := &PassiveObserver{
		api:       api,
		config:    cfg,
		endpoints: make(map[*types.Endpoint]*passiveState, len(endpoints)),
		failures:  make(map[int]bool, len(cfg.FailureStatusCodes)),
		stopCh:    make(chan struct{}),
		logger:    logger.With(log.String(log.FieldAPI, api)),
	}
	for _, ep := range endpoints {
		o.endpoints[ep.Endpoint()] = &passiveState{managed: ep}
	}
	for _, code := range cfg.FailureStatusCodes {
		o.failures[code] = true
	}
	return o
}

// Failed reports whether an attempt counts as an endpoint failure.
func (o *PassiveObserver) Failed(outcome types.AttemptOutcome) bool {
	return outcome.Err != nil || o.failures[outcome.StatusCode]
}

// ObserveAttempt records the outcome of one upstream attempt.
func (o *PassiveObserver) ObserveAttempt(ep *types.Endpoint, outcome types.AttemptOutcome) {
	if ep == nil {
		return
	}
	o.mu.Lock()
	state, ok := o.endpoints[ep]
	o.mu.Unlock()
	if !ok {
		return
	}

	success := !o.Failed(outcome)
	step := Step{
		Name:         "passive",
		Success:      success,
		StatusCode:   outcome.StatusCode,
		ResponseTime: outcome.Elapsed,
	}
	switch {
	case outcome.Err != nil:
		step.Message = outcome.Err.Error()
	case !success:
		step.Message = fmt.Sprintf("upstream responded %d", outcome.StatusCode)
	}

	result := &ProbeResult{Timestamp: time.Now()}
	result.AddStep(step)

	ctx := log.ContextWithRequestID(context.Background(), outcome.RequestID)
	status := state.managed.ReportStatus(ctx, success, result)
	o.track(state, status)
}

func (o *PassiveObserver) track(state *passiveState, status types.Status) {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch {
	case status == types.StatusDown && state.isolatedAt.IsZero():
		state.isolatedAt = time.Now()
	case status != types.StatusDown:
		state.isolatedAt = time.Time{}
	}
}

// Start runs the recovery loop. An endpoint whose isolation has expired
// gets one success report and takes traffic again as TRANSITIONALLY_UP.
func (o *PassiveObserver) Start() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.running {
		return fmt.Errorf("passive health checker for %s is already running", o.api)
	}
	if o.config.IsolationDuration <= 0 {
		return nil
	}

	o.running = true
	o.stopCh = make(chan struct{})
	o.wg.Add(1)
	go o.recoveryLoop()
	return nil
}

// Stop stops the recovery loop.
func (o *PassiveObserver) Stop() error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return nil
	}
	o.running = false
	close(o.stopCh)
	o.mu.Unlock()

	o.wg.Wait()
	return nil
}

func (o *PassiveObserver) recoveryLoop() {
	defer o.wg.Done()

	interval := o.config.IsolationDuration / 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			o.recover(time.Now())
		case <-o.stopCh:
			return
		}
	}
}

func (o *PassiveObserver) recover(now time.Time) {
	o.mu.Lock()
	var due []*passiveState
	for _, state := range o.endpoints {
		if state.isolatedAt.IsZero() {
			// The active checker or the initial config may also have put it DOWN.
			if state.managed.Endpoint().Status() == types.StatusDown {
				state.isolatedAt = now
			}
			continue
		}
		if now.Sub(state.isolatedAt) >= o.config.IsolationDuration {
			state.isolatedAt = now
			due = append(due, state)
		}
	}
	o.mu.Unlock()

	for _, state := range due {
		if state.managed.Endpoint().Status() != types.StatusDown {
			continue
		}
		result := &ProbeResult{Timestamp: now}
		result.AddStep(Step{
			Name:    "passive-recovery",
			Success: true,
			Message: "isolation period elapsed",
		})
		o.logger.Info("releasing isolated endpoint",
			log.String(log.FieldEndpoint, state.managed.Endpoint().Name),
			log.Duration("isolation", o.config.IsolationDuration),
		)
		status := state.managed.ReportStatus(context.Background(), true, result)
		o.track(state, status)
	}
}
