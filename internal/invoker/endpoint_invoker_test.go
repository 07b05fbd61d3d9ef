package invoker

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/conduit/internal/types"
)

func TestEndpointInvokerStreamsResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/items", r.URL.Path)
		assert.Equal(t, "x=1", r.URL.RawQuery)
		w.Header().Set("X-Upstream", "a")
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, "created")
	}))
	defer server.Close()

	inv := NewEndpointInvoker(staticResolver{endpoints: []*types.Endpoint{newEndpoint(t, "a", server.URL)}}, newFactory(t), nil)
	got := invoke(t, inv, http.MethodGet, nil)

	assert.Equal(t, http.StatusCreated, got.status)
	assert.Equal(t, "a", got.headers.Get("X-Upstream"))
	assert.Equal(t, "created", got.body.String())
	assert.NoError(t, got.endErr)
}

func TestEndpointInvokerForwardsBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(w, r.Body)
	}))
	defer server.Close()

	inv := NewEndpointInvoker(staticResolver{endpoints: []*types.Endpoint{newEndpoint(t, "a", server.URL)}}, newFactory(t), nil)
	got := invoke(t, inv, http.MethodPost, strings.NewReader("payload"))

	assert.Equal(t, http.StatusOK, got.status)
	assert.Equal(t, "payload", got.body.String())
}

func TestEndpointInvokerHoldsBodyUntilResume(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "body")
	}))
	defer server.Close()

	inv := NewEndpointInvoker(staticResolver{endpoints: []*types.Endpoint{newEndpoint(t, "a", server.URL)}}, newFactory(t), nil)
	req := httptest.NewRequest(http.MethodGet, "http://gateway/api/", nil)
	ec := NewExecutionContext(context.Background(), "orders", "/api", NewRequest("req-1", req))

	var chunks atomic.Int32
	response := make(chan ProxyResponse, 1)
	done := make(chan struct{})
	inv.Invoke(context.Background(), ec, nil, func(conn ProxyConnection) {
		conn.ResponseHandler(func(resp ProxyResponse) {
			resp.BodyHandler(func([]byte) error {
				chunks.Add(1)
				return nil
			})
			resp.EndHandler(func(error) { close(done) })
			response <- resp
		})
	})

	resp := <-response
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, chunks.Load())

	resp.Resume()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("response did not end")
	}
	assert.Positive(t, chunks.Load())
}

func TestEndpointInvokerNoEndpoint(t *testing.T) {
	inv := NewEndpointInvoker(staticResolver{}, newFactory(t), nil)
	req := httptest.NewRequest(http.MethodGet, "http://gateway/api/", nil)
	ec := NewExecutionContext(context.Background(), "orders", "/api", NewRequest("req-1", req))

	errs := make(chan error, 1)
	inv.Invoke(context.Background(), ec, nil, func(conn ProxyConnection) {
		conn.ExceptionHandler(func(err error) { errs <- err })
		conn.ResponseHandler(func(ProxyResponse) { t.Error("unexpected response") })
	})

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrNoEndpoint)
	case <-time.After(time.Second):
		t.Fatal("exception handler not called")
	}
}

func TestEndpointInvokerPrefersUntriedEndpoint(t *testing.T) {
	a := newEndpoint(t, "a", "http://127.0.0.1:1")
	b := newEndpoint(t, "b", "http://127.0.0.1:2")
	inv := NewEndpointInvoker(staticResolver{endpoints: []*types.Endpoint{a, b}}, newFactory(t), nil)

	req := httptest.NewRequest(http.MethodGet, "http://gateway/api/", nil)
	freq := NewFailoverRequest(NewRequest("req-1", req))

	ep, err := inv.selectEndpoint(context.Background(), "orders", freq)
	require.NoError(t, err)
	assert.Same(t, a, ep)

	freq.BeginAttempt(1)
	freq.MarkTried(a)
	ep, err = inv.selectEndpoint(context.Background(), "orders", freq)
	require.NoError(t, err)
	assert.Same(t, b, ep)

	freq.BeginAttempt(2)
	freq.MarkTried(b)
	ep, err = inv.selectEndpoint(context.Background(), "orders", freq)
	require.NoError(t, err)
	assert.Same(t, a, ep)
	assert.Same(t, b, freq.EndpointFor(2))
}
