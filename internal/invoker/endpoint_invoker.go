package invoker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/songzhibin97/conduit/internal/httpclient"
	"github.com/songzhibin97/conduit/internal/loadbalancer"
	"github.com/songzhibin97/conduit/internal/types"
	"github.com/songzhibin97/conduit/pkg/log"
)

// ErrNoEndpoint is reported when no endpoint can serve an attempt.
var ErrNoEndpoint = errors.New("no endpoint available")

// ClientProvider returns the HTTP client of an API.
type ClientProvider interface {
	Get(api string) *httpclient.Client
}

// EndpointInvoker performs a single attempt: it picks an endpoint, streams
// the request body to it and exposes the upstream response.
type EndpointInvoker struct {
	resolver loadbalancer.Resolver
	clients  ClientProvider
	logger   log.Logger
}

// NewEndpointInvoker creates an invoker resolving endpoints with resolver.
func NewEndpointInvoker(resolver loadbalancer.Resolver, clients ClientProvider, logger log.Logger) *EndpointInvoker {
	if logger == nil {
		logger = log.Component("endpoint-invoker")
	}
	return &EndpointInvoker{resolver: resolver, clients: clients, logger: logger}
}

// Invoke implements Invoker. Resolution failures are reported through the
// connection's exception handler before any I/O.
func (i *EndpointInvoker) Invoke(ctx context.Context, ec *ExecutionContext, body io.Reader, handler ConnectionHandler) {
	req := ec.Request()

	ep, err := i.selectEndpoint(ctx, ec.API(), req)
	if err != nil {
		conn := newEndpointConnection(nil, func() {})
		handler(conn)
		conn.fail(err)
		return
	}
	if fr, ok := req.(*FailoverRequest); ok {
		fr.MarkTried(ep)
	}

	attemptCtx, cancel := context.WithCancel(ctx)

	var (
		pr *io.PipeReader
		pw *io.PipeWriter
	)
	upstreamReq := &httpclient.Request{
		ID:            req.ID(),
		Method:        req.Method(),
		Target:        ep.Target,
		ContextPath:   ec.ContextPath(),
		Path:          req.Path(),
		RawQuery:      req.RawQuery(),
		Header:        req.Headers().Clone(),
		ContentLength: -1,
	}
	if body != nil {
		pr, pw = io.Pipe()
		upstreamReq.Body = pr
		upstreamReq.ContentLength = req.ContentLength()
	}

	conn := newEndpointConnection(pw, cancel)
	resp := httpclient.NewResponse(httpclient.OutputFunc(conn.response.write))
	resp.HeadersReceived = conn.headersReceived

	i.logger.Debug("invoking endpoint",
		log.String(log.FieldRequestID, req.ID()),
		log.String(log.FieldAPI, ec.API()),
		log.String(log.FieldEndpoint, ep.Name),
	)

	call := i.clients.Get(ec.API()).Invoke(attemptCtx, upstreamReq, resp)
	handler(conn)
	call.Subscribe(func(r *httpclient.Response) {
		if pr != nil {
			pr.CloseWithError(io.ErrClosedPipe)
		}
		conn.complete(r)
		cancel()
	})

	if body != nil {
		go pump(body, conn)
	}
}

func (i *EndpointInvoker) selectEndpoint(ctx context.Context, api string, req Request) (*types.Endpoint, error) {
	endpoints, err := i.resolver.Resolve(ctx, api)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoEndpoint, err)
	}
	if len(endpoints) == 0 {
		return nil, ErrNoEndpoint
	}

	// Prefer an endpoint no earlier attempt used; retry the first one
	// when every endpoint has been tried.
	if fr, ok := req.(*FailoverRequest); ok {
		for _, ep := range endpoints {
			if !fr.Tried(ep) {
				return ep, nil
			}
		}
	}
	return endpoints[0], nil
}

// pump copies body into conn chunk by chunk. A read failure aborts the
// upstream request.
func pump(body io.Reader, conn *endpointConnection) {
	buf := make([]byte, 32<<10)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if werr := conn.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err == io.EOF {
			_ = conn.End()
			return
		}
		if err != nil {
			conn.abortBody(err)
			return
		}
	}
}

// endpointConnection adapts one httpclient exchange to ProxyConnection.
type endpointConnection struct {
	body     *io.PipeWriter
	cancel   context.CancelFunc
	response *endpointResponse

	mu               sync.Mutex
	exceptionHandler func(error)
	responseHandler  func(ProxyResponse)
	pendingErr       error
	headersReady     bool
	responseSent     bool
	exceptionSent    bool
}

func newEndpointConnection(body *io.PipeWriter, cancel context.CancelFunc) *endpointConnection {
	c := &endpointConnection{body: body, cancel: cancel}
	c.response = newEndpointResponse(c)
	return c
}

func (c *endpointConnection) Write(chunk []byte) error {
	if c.body == nil {
		return io.ErrClosedPipe
	}
	_, err := c.body.Write(chunk)
	return err
}

func (c *endpointConnection) End() error {
	if c.body == nil {
		return nil
	}
	return c.body.Close()
}

func (c *endpointConnection) Cancel() {
	c.abortBody(ErrCancelled)
	c.response.Abort(ErrCancelled)
	c.cancel()
}

func (c *endpointConnection) abortBody(err error) {
	if c.body != nil {
		c.body.CloseWithError(err)
	}
}

func (c *endpointConnection) ExceptionHandler(h func(error)) ProxyConnection {
	c.mu.Lock()
	c.exceptionHandler = h
	err := c.takePendingErr()
	c.mu.Unlock()

	if err != nil {
		h(err)
	}
	return c
}

func (c *endpointConnection) ResponseHandler(h func(ProxyResponse)) ProxyConnection {
	c.mu.Lock()
	c.responseHandler = h
	deliver := c.takeResponse()
	c.mu.Unlock()

	if deliver {
		h(c.response)
	}
	return c
}

// headersReceived runs on the client worker once status and headers are known.
func (c *endpointConnection) headersReceived(r *httpclient.Response) {
	c.response.setHead(r.Status, r.Header)

	c.mu.Lock()
	c.headersReady = true
	deliver := c.takeResponse()
	h := c.responseHandler
	c.mu.Unlock()

	if deliver {
		h(c.response)
	}
}

// complete runs once the exchange has finished.
func (c *endpointConnection) complete(r *httpclient.Response) {
	c.mu.Lock()
	committed := c.headersReady
	c.mu.Unlock()

	if committed {
		c.response.end(r.Err)
		return
	}
	err := r.Err
	if err == nil {
		err = errors.New("upstream closed without a response")
	}
	c.fail(err)
}

func (c *endpointConnection) fail(err error) {
	c.mu.Lock()
	if c.exceptionSent {
		c.mu.Unlock()
		return
	}
	h := c.exceptionHandler
	if h == nil {
		c.pendingErr = err
		c.mu.Unlock()
		return
	}
	c.exceptionSent = true
	c.mu.Unlock()

	h(err)
}

// takePendingErr must be called with c.mu held.
func (c *endpointConnection) takePendingErr() error {
	if c.pendingErr == nil || c.exceptionSent {
		return nil
	}
	err := c.pendingErr
	c.pendingErr = nil
	c.exceptionSent = true
	return err
}

// takeResponse must be called with c.mu held.
func (c *endpointConnection) takeResponse() bool {
	if !c.headersReady || c.responseHandler == nil || c.responseSent {
		return false
	}
	c.responseSent = true
	return true
}

// endpointResponse streams the body of an upstream response. The client
// worker blocks in write until the downstream resumed the response, then
// hands each chunk to the body handler.
type endpointResponse struct {
	conn *endpointConnection

	status  int
	headers http.Header

	mu          sync.Mutex
	bodyHandler func([]byte) error
	endHandler  func(error)
	resumed     chan struct{}
	aborted     chan struct{}
	abortErr    error
	resumeOnce  sync.Once
	abortOnce   sync.Once
	ended       bool
	endErr      error
	endSent     bool
}

func newEndpointResponse(conn *endpointConnection) *endpointResponse {
	return &endpointResponse{
		conn:    conn,
		headers: make(http.Header),
		resumed: make(chan struct{}),
		aborted: make(chan struct{}),
	}
}

func (r *endpointResponse) setHead(status int, headers http.Header) {
	r.status = status
	r.headers = headers
}

func (r *endpointResponse) Status() int          { return r.status }
func (r *endpointResponse) Headers() http.Header { return r.headers }

func (r *endpointResponse) BodyHandler(h func([]byte) error) ProxyResponse {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bodyHandler = h
	return r
}

func (r *endpointResponse) EndHandler(h func(error)) ProxyResponse {
	r.mu.Lock()
	r.endHandler = h
	r.mu.Unlock()
	r.deliverEnd()
	return r
}

func (r *endpointResponse) Resume() {
	r.resumeOnce.Do(func() { close(r.resumed) })
	r.deliverEnd()
}

func (r *endpointResponse) Abort(err error) {
	if err == nil {
		err = ErrCancelled
	}
	r.abortOnce.Do(func() {
		r.mu.Lock()
		r.abortErr = err
		r.mu.Unlock()
		close(r.aborted)
		r.conn.cancel()
	})
	r.deliverEnd()
}

func (r *endpointResponse) write(chunk []byte) error {
	select {
	case <-r.resumed:
	case <-r.aborted:
	}

	r.mu.Lock()
	h, abortErr := r.bodyHandler, r.abortErr
	r.mu.Unlock()

	if abortErr != nil {
		return abortErr
	}
	if h == nil {
		return nil
	}
	return h(chunk)
}

// end records the end of the upstream body. The end handler fires once it
// is registered and the response was resumed or aborted.
func (r *endpointResponse) end(err error) {
	r.mu.Lock()
	if r.ended {
		r.mu.Unlock()
		return
	}
	r.ended = true
	r.endErr = err
	r.mu.Unlock()
	r.deliverEnd()
}

func (r *endpointResponse) deliverEnd() {
	select {
	case <-r.resumed:
	case <-r.aborted:
	default:
		return
	}

	r.mu.Lock()
	if !r.ended || r.endHandler == nil || r.endSent {
		r.mu.Unlock()
		return
	}
	r.endSent = true
	h, err := r.endHandler, r.endErr
	if err == nil {
		err = r.abortErr
	}
	r.mu.Unlock()

	h(err)
}
