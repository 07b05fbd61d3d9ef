package invoker

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// Request is the downstream request as seen by invokers.
type Request interface {
	ID() string
	Method() string
	Path() string
	RawQuery() string
	Headers() http.Header
	ContentLength() int64
	RemoteAddr() string
}

type httpRequest struct {
	id  string
	req *http.Request
}

// NewRequest adapts an inbound HTTP request.
func NewRequest(id string, r *http.Request) Request {
	return &httpRequest{id: id, req: r}
}

func (r *httpRequest) ID() string           { return r.id }
func (r *httpRequest) Method() string       { return r.req.Method }
func (r *httpRequest) Path() string         { return r.req.URL.Path }
func (r *httpRequest) RawQuery() string     { return r.req.URL.RawQuery }
func (r *httpRequest) Headers() http.Header { return r.req.Header }
func (r *httpRequest) ContentLength() int64 { return r.req.ContentLength }
func (r *httpRequest) RemoteAddr() string   { return r.req.RemoteAddr }

// ExecutionContext carries one downstream request through the invokers.
type ExecutionContext struct {
	ctx         context.Context
	api         string
	contextPath string
	startTime   time.Time

	mu         sync.RWMutex
	request    Request
	attributes map[string]interface{}
}

// NewExecutionContext creates the context of a request routed to api.
func NewExecutionContext(ctx context.Context, api, contextPath string, req Request) *ExecutionContext {
	return &ExecutionContext{
		ctx:         ctx,
		api:         api,
		contextPath: contextPath,
		startTime:   time.Now(),
		request:     req,
		attributes:  make(map[string]interface{}),
	}
}

// Context returns the request-scoped context.
func (c *ExecutionContext) Context() context.Context { return c.ctx }

// API returns the id of the API the request was routed to.
func (c *ExecutionContext) API() string { return c.api }

// ContextPath returns the path prefix the API is mounted on.
func (c *ExecutionContext) ContextPath() string { return c.contextPath }

// StartTime returns when the request entered the gateway.
func (c *ExecutionContext) StartTime() time.Time { return c.startTime }

// Request returns the current request, possibly decorated by an invoker.
func (c *ExecutionContext) Request() Request {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.request
}

// SetRequest replaces the current request.
func (c *ExecutionContext) SetRequest(r Request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.request = r
}

// SetAttribute stores a request-scoped value.
func (c *ExecutionContext) SetAttribute(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attributes[key] = value
}

// Attribute returns a request-scoped value.
func (c *ExecutionContext) Attribute(key string) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.attributes[key]
	return v, ok
}
