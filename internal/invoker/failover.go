package invoker

import (
	"context"
	"errors"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/songzhibin97/conduit/internal/config"
	"github.com/songzhibin97/conduit/internal/governance/circuitbreaker"
	"github.com/songzhibin97/conduit/internal/httpclient"
	"github.com/songzhibin97/conduit/internal/metrics"
	"github.com/songzhibin97/conduit/internal/types"
	"github.com/songzhibin97/conduit/pkg/log"
)

// Attempt outcomes exported as metric labels.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeTimeout = "timeout"
)

// BreakerConfig derives the circuit breaker settings of an API from its
// failover settings. With failover disabled every request makes a single
// attempt and the circuit never opens.
func BreakerConfig(cfg config.FailoverConfig) *circuitbreaker.Config {
	c := circuitbreaker.DefaultConfig()
	if cfg.MaxAttempts > 0 {
		c.MaxFailures = cfg.MaxAttempts
		c.MaxRetries = cfg.MaxAttempts
	}
	if cfg.RetryTimeout > 0 {
		c.Timeout = cfg.RetryTimeout
	}
	if !cfg.Enabled {
		c.MaxRetries = 1
		c.MaxFailures = math.MaxInt32
	}
	return c
}

// FailoverInvoker retries an invocation through a circuit breaker. Every
// invocation ends with exactly one call to the connection handler, carrying
// either the upstream connection of the successful attempt or a synthetic
// FailoverConnection.
type FailoverInvoker struct {
	next          Invoker
	breaker       *circuitbreaker.CircuitBreaker
	maxReplayBody int64
	observer      AttemptObserver
	metrics       *metrics.Collector
	logger        log.Logger
}

// NewFailoverInvoker wraps next. observer and collector may be nil.
func NewFailoverInvoker(next Invoker, breaker *circuitbreaker.CircuitBreaker, maxReplayBody int64, observer AttemptObserver, collector *metrics.Collector, logger log.Logger) *FailoverInvoker {
	if logger == nil {
		logger = log.Component("failover-invoker")
	}
	return &FailoverInvoker{
		next:          next,
		breaker:       breaker,
		maxReplayBody: maxReplayBody,
		observer:      observer,
		metrics:       collector,
		logger:        logger,
	}
}

// Invoke implements Invoker.
func (f *FailoverInvoker) Invoke(ctx context.Context, ec *ExecutionContext, body io.Reader, handler ConnectionHandler) {
	freq := NewFailoverRequest(ec.Request())
	ec.SetRequest(freq)

	var replay *replayBody
	if body != nil {
		replay = newReplayBody(body, f.maxReplayBody)
	}

	logger := f.logger.WithContext(ctx).With(
		log.String(log.FieldRequestID, freq.ID()),
		log.String(log.FieldAPI, ec.API()),
	)

	attempt := func(actx context.Context, n int, p *circuitbreaker.Promise[*FailoverProxyConnection]) {
		freq.BeginAttempt(n)
		start := time.Now()

		var attemptBody io.Reader
		if replay != nil {
			attemptBody = replay.Reader()
		}

		f.next.Invoke(actx, ec, attemptBody, func(conn ProxyConnection) {
			conn.ExceptionHandler(func(err error) {
				f.observe(ctx, actx, ec, freq, n, start, 0, err)
				if !p.Fail(err) {
					logger.Debug("attempt already completed, failure ignored",
						log.Int(log.FieldAttempt, n),
						log.Error(err),
					)
				}
			})
			conn.ResponseHandler(func(resp ProxyResponse) {
				f.observe(ctx, actx, ec, freq, n, start, resp.Status(), nil)
				if !p.Complete(NewFailoverProxyConnection(conn, resp)) {
					logger.Warn("late upstream response discarded",
						log.Int(log.FieldAttempt, n),
						log.Int(log.FieldStatusCode, resp.Status()),
					)
					conn.Cancel()
				}
			})
		})
	}

	circuitbreaker.Execute(ctx, f.breaker, attempt, func(fpc *FailoverProxyConnection, err error) {
		if err != nil {
			status := failureStatus(err)
			if ctx.Err() == nil {
				logger.Warn("failover exhausted, sending synthetic response",
					log.Int(log.FieldAttempt, freq.Attempt()),
					log.Int(log.FieldStatusCode, status),
					log.String(log.FieldCircuitState, f.breaker.GetState().String()),
					log.Error(err),
				)
			}
			f.metrics.ObserveSyntheticResponse(ec.API(), status)

			fc := NewFailoverConnection(status, err)
			handler(fc)
			fc.SendResponse()
			return
		}

		f.metrics.ObserveUpstreamResponse(ec.API(), fpc.Response().Status())
		handler(fpc)
		fpc.SendResponse()
	})
}

// observe reports how attempt n ended. Attempts abandoned because the caller
// went away are not reported.
func (f *FailoverInvoker) observe(ctx, actx context.Context, ec *ExecutionContext, freq *FailoverRequest, n int, start time.Time, status int, err error) {
	if ctx.Err() != nil {
		return
	}

	outcome := types.AttemptOutcome{
		RequestID:  freq.ID(),
		Attempt:    n,
		StatusCode: status,
		Err:        err,
		Timeout:    actx.Err() != nil || httpclient.IsTimeout(err),
		Elapsed:    time.Since(start),
	}
	if outcome.Timeout && outcome.Err == nil {
		outcome.Err = circuitbreaker.ErrTimeout
	}

	ep := freq.EndpointFor(n)
	label := "none"
	if ep != nil {
		label = ep.Name
	}
	switch {
	case outcome.Timeout:
		f.metrics.ObserveAttempt(ec.API(), label, OutcomeTimeout)
	case outcome.Err != nil:
		f.metrics.ObserveAttempt(ec.API(), label, OutcomeFailure)
	default:
		f.metrics.ObserveAttempt(ec.API(), label, OutcomeSuccess)
	}

	if f.observer != nil && ep != nil {
		f.observer.ObserveAttempt(ep, outcome)
	}
}

// failureStatus maps the terminal failure of a failover sequence to the
// status of the synthetic response.
func failureStatus(err error) int {
	if errors.Is(err, circuitbreaker.ErrTimeout) || httpclient.IsTimeout(err) {
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}
