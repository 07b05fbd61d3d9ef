package invoker

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/songzhibin97/conduit/internal/types"
)

// ErrCancelled is reported when a connection is cancelled by its owner.
var ErrCancelled = errors.New("connection cancelled")

// ProxyConnection is one upstream attempt. The request body is written with
// Write and terminated with End. The response handler fires at most once.
type ProxyConnection interface {
	Write(chunk []byte) error
	End() error
	Cancel()
	ExceptionHandler(h func(error)) ProxyConnection
	ResponseHandler(h func(ProxyResponse)) ProxyConnection
}

// ProxyResponse streams an upstream response. Body chunks are delivered in
// order after Resume; the end handler fires exactly once after the last
// chunk, with a non-nil error if the stream was cut short.
type ProxyResponse interface {
	Status() int
	Headers() http.Header
	BodyHandler(h func(chunk []byte) error) ProxyResponse
	EndHandler(h func(error)) ProxyResponse
	Resume()
	Abort(err error)
}

// ConnectionHandler receives the connection of an invocation.
type ConnectionHandler func(ProxyConnection)

// Invoker performs an invocation for ec. body may be nil. handler is called
// with the resulting connection.
type Invoker interface {
	Invoke(ctx context.Context, ec *ExecutionContext, body io.Reader, handler ConnectionHandler)
}

// AttemptObserver is told how every upstream attempt ended.
type AttemptObserver interface {
	ObserveAttempt(ep *types.Endpoint, outcome types.AttemptOutcome)
}

// AttemptObserverFunc adapts a function to AttemptObserver.
type AttemptObserverFunc func(ep *types.Endpoint, outcome types.AttemptOutcome)

// ObserveAttempt calls f.
func (f AttemptObserverFunc) ObserveAttempt(ep *types.Endpoint, outcome types.AttemptOutcome) {
	f(ep, outcome)
}
