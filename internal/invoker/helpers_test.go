package invoker

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/conduit/internal/config"
	"github.com/songzhibin97/conduit/internal/governance/circuitbreaker"
	"github.com/songzhibin97/conduit/internal/httpclient"
	"github.com/songzhibin97/conduit/internal/loadbalancer"
	"github.com/songzhibin97/conduit/internal/types"
)

type staticResolver struct {
	endpoints []*types.Endpoint
}

func (r staticResolver) Resolve(context.Context, string) ([]*types.Endpoint, error) {
	if len(r.endpoints) == 0 {
		return nil, loadbalancer.ErrNoAvailableEndpoint
	}
	return r.endpoints, nil
}

func (staticResolver) Algorithm() string { return "static" }

type observed struct {
	endpoint string
	outcome  types.AttemptOutcome
}

type recordingObserver struct {
	mu       sync.Mutex
	outcomes []observed
}

func (o *recordingObserver) ObserveAttempt(ep *types.Endpoint, outcome types.AttemptOutcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, observed{endpoint: ep.Name, outcome: outcome})
}

func (o *recordingObserver) snapshot() []observed {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]observed(nil), o.outcomes...)
}

// captured is what a downstream handler saw of one invocation.
type captured struct {
	calls   atomic.Int32
	conn    ProxyConnection
	status  int
	headers http.Header
	body    bytes.Buffer
	endErr  error
	done    chan struct{}
}

// invoke runs one invocation the way the gateway handler drives it and
// waits for the response to end.
func invoke(t *testing.T, inv Invoker, method string, body io.Reader) *captured {
	t.Helper()

	req := httptest.NewRequest(method, "http://gateway/api/items?x=1", body)
	ec := NewExecutionContext(context.Background(), "orders", "/api", NewRequest("req-1", req))

	c := &captured{done: make(chan struct{})}
	inv.Invoke(context.Background(), ec, body, func(conn ProxyConnection) {
		c.calls.Add(1)
		c.conn = conn
		conn.ResponseHandler(func(resp ProxyResponse) {
			c.status = resp.Status()
			c.headers = resp.Headers()
			resp.BodyHandler(func(chunk []byte) error {
				c.body.Write(chunk)
				return nil
			})
			resp.EndHandler(func(err error) {
				c.endErr = err
				close(c.done)
			})
			resp.Resume()
		})
	})

	select {
	case <-c.done:
	case <-time.After(5 * time.Second):
		t.Fatal("invocation did not complete")
	}
	require.Never(t, func() bool { return c.calls.Load() != 1 }, 50*time.Millisecond, 10*time.Millisecond)
	return c
}

func newEndpoint(t *testing.T, name, target string) *types.Endpoint {
	t.Helper()
	ep, err := types.NewEndpoint("orders", name, target, 1, types.StatusUp)
	require.NoError(t, err)
	return ep
}

// refusedURL returns the address of a server that is no longer listening.
func refusedURL(t *testing.T) string {
	t.Helper()
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()
	return url
}

func newFactory(t *testing.T) *httpclient.Factory {
	t.Helper()
	factory := httpclient.NewFactory(config.HTTPClientConfig{ReadTimeout: 2 * time.Second}, nil)
	t.Cleanup(factory.Close)
	return factory
}

func newFailover(t *testing.T, cfg config.FailoverConfig, observer AttemptObserver, endpoints ...*types.Endpoint) (*FailoverInvoker, *circuitbreaker.CircuitBreaker) {
	t.Helper()
	next := NewEndpointInvoker(staticResolver{endpoints: endpoints}, newFactory(t), nil)
	breaker := circuitbreaker.New("cb-orders", BreakerConfig(cfg))
	return NewFailoverInvoker(next, breaker, cfg.MaxReplayBody, observer, nil, nil), breaker
}
