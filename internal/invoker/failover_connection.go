package invoker

import (
	"net/http"
	"sync"
)

// FailoverProxyConnection is the connection of a successful attempt. The
// attempt's response is held until both SendResponse was called and a
// response handler is registered, whichever comes last.
type FailoverProxyConnection struct {
	conn     ProxyConnection
	response ProxyResponse

	mu        sync.Mutex
	handler   func(ProxyResponse)
	sent      bool
	delivered bool
}

// NewFailoverProxyConnection wraps the connection and response of an attempt.
func NewFailoverProxyConnection(conn ProxyConnection, response ProxyResponse) *FailoverProxyConnection {
	return &FailoverProxyConnection{conn: conn, response: response}
}

func (c *FailoverProxyConnection) Write(chunk []byte) error { return c.conn.Write(chunk) }
func (c *FailoverProxyConnection) End() error               { return c.conn.End() }
func (c *FailoverProxyConnection) Cancel()                  { c.conn.Cancel() }

func (c *FailoverProxyConnection) ExceptionHandler(h func(error)) ProxyConnection {
	c.conn.ExceptionHandler(h)
	return c
}

func (c *FailoverProxyConnection) ResponseHandler(h func(ProxyResponse)) ProxyConnection {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
	c.deliver()
	return c
}

// SendResponse releases the held response to the registered handler.
func (c *FailoverProxyConnection) SendResponse() {
	c.mu.Lock()
	c.sent = true
	c.mu.Unlock()
	c.deliver()
}

// Response returns the held response.
func (c *FailoverProxyConnection) Response() ProxyResponse {
	return c.response
}

func (c *FailoverProxyConnection) deliver() {
	c.mu.Lock()
	if !c.sent || c.handler == nil || c.delivered {
		c.mu.Unlock()
		return
	}
	c.delivered = true
	h := c.handler
	c.mu.Unlock()

	h(c.response)
}

// FailoverConnection stands in for an upstream when every attempt failed.
// Writes are discarded; SendResponse produces a response with the given
// status and an empty body.
type FailoverConnection struct {
	status int
	err    error

	mu        sync.Mutex
	handler   func(ProxyResponse)
	response  *staticResponse
	delivered bool
}

// NewFailoverConnection returns a connection answering with status. err is
// the failure that ended the failover sequence.
func NewFailoverConnection(status int, err error) *FailoverConnection {
	return &FailoverConnection{status: status, err: err}
}

// Err returns the failure that ended the failover sequence.
func (c *FailoverConnection) Err() error { return c.err }

func (c *FailoverConnection) Write([]byte) error { return nil }
func (c *FailoverConnection) End() error         { return nil }

func (c *FailoverConnection) Cancel() {
	c.mu.Lock()
	resp := c.response
	c.mu.Unlock()
	if resp != nil {
		resp.Abort(ErrCancelled)
	}
}

func (c *FailoverConnection) ExceptionHandler(func(error)) ProxyConnection { return c }

func (c *FailoverConnection) ResponseHandler(h func(ProxyResponse)) ProxyConnection {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
	c.deliver()
	return c
}

// SendResponse builds the synthetic response and hands it to the response
// handler once one is registered.
func (c *FailoverConnection) SendResponse() {
	header := make(http.Header)
	header.Set("Connection", "close")

	c.mu.Lock()
	if c.response == nil {
		c.response = &staticResponse{status: c.status, headers: header}
	}
	c.mu.Unlock()
	c.deliver()
}

func (c *FailoverConnection) deliver() {
	c.mu.Lock()
	if c.response == nil || c.handler == nil || c.delivered {
		c.mu.Unlock()
		return
	}
	c.delivered = true
	h, resp := c.handler, c.response
	c.mu.Unlock()

	h(resp)
}

// staticResponse is a bodiless response. Its end handler fires once after
// Resume or Abort.
type staticResponse struct {
	status  int
	headers http.Header

	mu         sync.Mutex
	endHandler func(error)
	resumed    bool
	err        error
	ended      bool
}

func (r *staticResponse) Status() int                                  { return r.status }
func (r *staticResponse) Headers() http.Header                         { return r.headers }
func (r *staticResponse) BodyHandler(func([]byte) error) ProxyResponse { return r }

func (r *staticResponse) EndHandler(h func(error)) ProxyResponse {
	r.mu.Lock()
	r.endHandler = h
	r.mu.Unlock()
	r.end()
	return r
}

func (r *staticResponse) Resume() {
	r.mu.Lock()
	r.resumed = true
	r.mu.Unlock()
	r.end()
}

func (r *staticResponse) Abort(err error) {
	if err == nil {
		err = ErrCancelled
	}
	r.mu.Lock()
	r.resumed = true
	r.err = err
	r.mu.Unlock()
	r.end()
}

func (r *staticResponse) end() {
	r.mu.Lock()
	if !r.resumed || r.endHandler == nil || r.ended {
		r.mu.Unlock()
		return
	}
	r.ended = true
	h, err := r.endHandler, r.err
	r.mu.Unlock()

	h(err)
}
