package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/conduit/internal/alert"
	"github.com/songzhibin97/conduit/internal/types"
)

type recordingController struct {
	mu       sync.Mutex
	enabled  int
	disabled int
}

func (c *recordingController) Enable(*types.Endpoint) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled++
	return true
}

func (c *recordingController) Disable(*types.Endpoint) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disabled++
	return true
}

func (c *recordingController) counts() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled, c.disabled
}

type recordingReporter struct {
	mu      sync.Mutex
	results []*ProbeResult
}

func (r *recordingReporter) Report(_ context.Context, result *ProbeResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, result)
	return nil
}

type recordingProducer struct {
	mu     sync.Mutex
	events []*alert.Event
}

func (p *recordingProducer) Send(_ context.Context, event *alert.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

type managedFixture struct {
	managed    *ManagedEndpoint
	controller *recordingController
	reporter   *recordingReporter
	producer   *recordingProducer
}

func newManagedFixture(t *testing.T, initial types.Status) *managedFixture {
	t.Helper()
	ep, err := types.NewEndpoint("orders", "primary", "http://10.0.0.1:8080", 1, initial)
	require.NoError(t, err)

	f := &managedFixture{
		controller: &recordingController{},
		reporter:   &recordingReporter{},
		producer:   &recordingProducer{},
	}
	f.managed, err = NewManagedEndpoint("orders", ep, Options{
		SuccessThreshold: 2,
		FailureThreshold: 3,
		Controller:       f.controller,
		Reporter:         f.reporter,
		Alerts:           f.producer,
		Node:             alert.Node{ID: "node-1", Hostname: "gw-1", Organization: "acme", Environment: "prod"},
	})
	require.NoError(t, err)
	return f
}

func probe(msg string, rt ...time.Duration) *ProbeResult {
	r := &ProbeResult{}
	for i, d := range rt {
		step := Step{Name: "http", ResponseTime: d}
		if i == 0 {
			step.Message = msg
		}
		r.AddStep(step)
	}
	return r
}

func TestManagedEndpoint_DisableOnDown(t *testing.T) {
	f := newManagedFixture(t, types.StatusUp)
	ctx := context.Background()

	assert.Equal(t, types.StatusTransitionallyDown, f.managed.ReportStatus(ctx, false, probe("refused", time.Millisecond)))
	assert.Equal(t, types.StatusTransitionallyDown, f.managed.ReportStatus(ctx, false, probe("refused", time.Millisecond)))
	assert.Equal(t, types.StatusDown, f.managed.ReportStatus(ctx, false, probe("refused", time.Millisecond)))

	enabled, disabled := f.controller.counts()
	assert.Equal(t, 0, enabled)
	assert.Equal(t, 1, disabled)
	assert.Equal(t, types.StatusDown, f.managed.Endpoint().Status())

	// Already DOWN: no second disable.
	f.managed.ReportStatus(ctx, false, probe("refused", time.Millisecond))
	_, disabled = f.controller.counts()
	assert.Equal(t, 1, disabled)
}

func TestManagedEndpoint_EnableOncePerCrossing(t *testing.T) {
	f := newManagedFixture(t, types.StatusDown)
	ctx := context.Background()

	assert.Equal(t, types.StatusTransitionallyUp, f.managed.ReportStatus(ctx, true, nil))
	assert.Equal(t, types.StatusUp, f.managed.ReportStatus(ctx, true, nil))
	assert.Equal(t, types.StatusUp, f.managed.ReportStatus(ctx, true, nil))
	// UP -> TRANSITIONALLY_DOWN does not disable.
	assert.Equal(t, types.StatusTransitionallyDown, f.managed.ReportStatus(ctx, false, nil))

	enabled, disabled := f.controller.counts()
	assert.Equal(t, 1, enabled)
	assert.Equal(t, 0, disabled)
}

func TestManagedEndpoint_ReportsEveryProbe(t *testing.T) {
	f := newManagedFixture(t, types.StatusUp)
	ctx := context.Background()

	f.managed.ReportStatus(ctx, true, probe("ok", 10*time.Millisecond, 5*time.Millisecond))
	f.managed.ReportStatus(ctx, false, probe("timeout", 30*time.Millisecond))

	require.Len(t, f.reporter.results, 2)

	first := f.reporter.results[0]
	assert.Equal(t, "orders", first.API)
	assert.Equal(t, "primary", first.Endpoint)
	assert.Equal(t, "http://10.0.0.1:8080", first.Target)
	assert.True(t, first.Success)
	assert.False(t, first.Transition)
	assert.True(t, first.Available)
	assert.Equal(t, 15*time.Millisecond, first.ResponseTime)
	assert.False(t, first.Timestamp.IsZero())

	second := f.reporter.results[1]
	assert.False(t, second.Success)
	assert.True(t, second.Transition)
	assert.True(t, second.Available)
	assert.Equal(t, types.StatusTransitionallyDown, second.State)
}

func TestManagedEndpoint_AlertsOnlyOnTransition(t *testing.T) {
	f := newManagedFixture(t, types.StatusUp)
	ctx := context.Background()

	f.managed.ReportStatus(ctx, true, probe("ok", time.Millisecond))
	assert.Empty(t, f.producer.events)

	f.managed.ReportStatus(ctx, false, probe("connection refused", 20*time.Millisecond))
	require.Len(t, f.producer.events, 1)

	event := f.producer.events[0]
	assert.Equal(t, alert.TypeEndpointHealthCheck, event.Type)
	assert.Equal(t, "node-1", event.Context[alert.ContextNodeID])
	assert.Equal(t, "acme", event.Context[alert.ContextOrganization])
	assert.Equal(t, "prod", event.Context[alert.ContextEnvironment])
	assert.Equal(t, "orders", event.Context[alert.ContextAPI])
	assert.Equal(t, "UP", event.Properties["old_status"])
	assert.Equal(t, "TRANSITIONALLY_DOWN", event.Properties["new_status"])
	assert.Equal(t, false, event.Properties["success"])
	assert.Equal(t, int64(20), event.Properties["response_time"])
	assert.Equal(t, "connection refused", event.Properties["message"])

	// Staying in TRANSITIONALLY_DOWN raises no alert.
	f.managed.ReportStatus(ctx, false, probe("connection refused", time.Millisecond))
	assert.Len(t, f.producer.events, 1)
}

func TestManagedEndpoint_CollaboratorFailuresDoNotPropagate(t *testing.T) {
	ep, err := types.NewEndpoint("orders", "primary", "http://10.0.0.1:8080", 1, types.StatusUp)
	require.NoError(t, err)

	managed, err := NewManagedEndpoint("orders", ep, Options{
		SuccessThreshold: 1,
		FailureThreshold: 1,
		Reporter: ReporterFunc(func(context.Context, *ProbeResult) error {
			return errors.New("reporter down")
		}),
		Alerts: alert.ProducerFunc(func(context.Context, *alert.Event) error {
			panic("broken producer")
		}),
	})
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		assert.Equal(t, types.StatusDown, managed.ReportStatus(context.Background(), false, nil))
	})
}

func TestManagedEndpoint_ConcurrentReports(t *testing.T) {
	f := newManagedFixture(t, types.StatusUp)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			f.managed.ReportStatus(context.Background(), i%2 == 0, nil)
		}(i)
	}
	wg.Wait()

	snap := f.managed.Snapshot()
	assert.Equal(t, snap.Status, f.managed.Endpoint().Status())
	assert.Len(t, f.reporter.results, 50)

	enabled, disabled := f.controller.counts()
	// Every enable follows an earlier disable.
	assert.True(t, enabled == disabled || enabled+1 == disabled)
}

func TestManagedEndpoint_Snapshot(t *testing.T) {
	f := newManagedFixture(t, types.StatusUp)

	snap := f.managed.Snapshot()
	assert.Nil(t, snap.LastCheck)

	f.managed.ReportStatus(context.Background(), false, probe("503", time.Millisecond))
	snap = f.managed.Snapshot()
	assert.Equal(t, "primary", snap.Name)
	assert.Equal(t, types.StatusTransitionallyDown, snap.Status)
	assert.Equal(t, 1, snap.FailureCount)
	assert.NotNil(t, snap.LastCheck)
	assert.Equal(t, "503", snap.LastMessage)
}
