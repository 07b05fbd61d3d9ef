package health

import (
	"context"
	"errors"
	"fmt"

	"github.com/alitto/pond/v2"

	"github.com/songzhibin97/conduit/internal/metrics"
	"github.com/songzhibin97/conduit/pkg/log"
)

// Reporter receives every probe result after the status transition has been
// applied. Implementations must not block for long.
type Reporter interface {
	Report(ctx context.Context, result *ProbeResult) error
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(ctx context.Context, result *ProbeResult) error

// Report calls f.
func (f ReporterFunc) Report(ctx context.Context, result *ProbeResult) error {
	return f(ctx, result)
}

// NopReporter discards results.
type NopReporter struct{}

// Report implements Reporter.
func (NopReporter) Report(context.Context, *ProbeResult) error { return nil }

// LogReporter logs probe results. Transitions and failures are logged at
// info and warn level, steady successes at debug level.
type LogReporter struct {
	logger log.Logger
}

// NewLogReporter creates a LogReporter.
func NewLogReporter(logger log.Logger) *LogReporter {
	if logger == nil {
		logger = log.Component("health")
	}
	return &LogReporter{logger: logger}
}

// Report implements Reporter.
func (r *LogReporter) Report(ctx context.Context, result *ProbeResult) error {
	fields := []log.Field{
		log.String(log.FieldAPI, result.API),
		log.String(log.FieldEndpoint, result.Endpoint),
		log.String(log.FieldTarget, result.Target),
		log.Bool(log.FieldSuccess, result.Success),
		log.String(log.FieldNewStatus, result.State.String()),
		log.Duration(log.FieldResponseTime, result.ResponseTime),
	}
	if msg := result.Message(); msg != "" {
		fields = append(fields, log.String("message", msg))
	}

	logger := r.logger.WithContext(ctx)
	switch {
	case result.Transition:
		logger.Info("endpoint health status changed", fields...)
	case !result.Success:
		logger.Warn("health probe failed", fields...)
	default:
		logger.Debug("health probe succeeded", fields...)
	}
	return nil
}

// MetricsReporter exports probe results to Prometheus.
type MetricsReporter struct {
	collector *metrics.Collector
}

// NewMetricsReporter creates a reporter backed by collector.
func NewMetricsReporter(collector *metrics.Collector) *MetricsReporter {
	return &MetricsReporter{collector: collector}
}

// Report implements Reporter.
func (r *MetricsReporter) Report(_ context.Context, result *ProbeResult) error {
	r.collector.ObserveProbe(result.API, result.Endpoint, result.Success, result.ResponseTime)
	r.collector.SetEndpointStatus(result.API, result.Endpoint, int(result.State))
	return nil
}

// MultiReporter fans a result out to several reporters.
type MultiReporter []Reporter

// Report calls every reporter and joins their errors.
func (m MultiReporter) Report(ctx context.Context, result *ProbeResult) error {
	var errs []error
	for _, r := range m {
		if err := r.Report(ctx, result); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// AsyncReporter hands results to a bounded worker pool so the caller never
// waits on slow reporters. Results are dropped when the queue is full.
type AsyncReporter struct {
	next   Reporter
	pool   pond.Pool
	logger log.Logger
}

// NewAsyncReporter wraps next with a pool of workers and a queue of queueSize.
func NewAsyncReporter(next Reporter, workers, queueSize int, logger log.Logger) *AsyncReporter {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1024
	}
	if logger == nil {
		logger = log.Component("health")
	}
	return &AsyncReporter{
		next:   next,
		pool:   pond.NewPool(workers, pond.WithQueueSize(queueSize), pond.WithNonBlocking(true)),
		logger: logger,
	}
}

// Report queues the result and returns immediately.
func (a *AsyncReporter) Report(ctx context.Context, result *ProbeResult) error {
	ctx = context.WithoutCancel(ctx)
	task := a.pool.Submit(func() {
		defer func() {
			if r := recover(); r != nil {
				a.logger.Error("health reporter panicked", log.Any("panic", r))
			}
		}()
		if err := a.next.Report(ctx, result); err != nil {
			a.logger.Warn("failed to report probe result",
				log.String(log.FieldAPI, result.API),
				log.String(log.FieldEndpoint, result.Endpoint),
				log.Error(err),
			)
		}
	})

	select {
	case <-task.Done():
		// Done is closed immediately when the task was rejected.
		if err := task.Wait(); err != nil {
			return fmt.Errorf("probe result dropped: %w", err)
		}
	default:
	}
	return nil
}

// Close waits for queued results to be delivered.
func (a *AsyncReporter) Close() {
	a.pool.StopAndWait()
}
