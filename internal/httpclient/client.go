package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/songzhibin97/conduit/internal/config"
	"github.com/songzhibin97/conduit/pkg/log"
)

const (
	defaultIdleTimeout = 60 * time.Second
	defaultBufferSize  = 32 << 10
)

// Client proxies requests of one API to its upstream endpoints. It is safe
// for concurrent use; settings are fixed at construction.
type Client struct {
	api       string
	config    config.HTTPClientConfig
	transport *http.Transport
	client    *http.Client
	pool      pond.Pool
	buffers   sync.Pool
	tracer    trace.Tracer
	logger    log.Logger
}

// New creates the client for api. The worker pool has at least
// config.MinClientWorkers workers.
func New(api string, cfg config.HTTPClientConfig, logger log.Logger) *Client {
	if logger == nil {
		logger = log.Component("http-client")
	}
	if cfg.Workers < config.MinClientWorkers {
		cfg.Workers = config.MinClientWorkers
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}

	dialer := &net.Dialer{
		Timeout:   cfg.ConnectTimeout,
		KeepAlive: cfg.KeepAlive,
	}
	transport := &http.Transport{
		Proxy:                 nil,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		IdleConnTimeout:       cfg.IdleTimeout,
		ResponseHeaderTimeout: cfg.ReadTimeout,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ExpectContinueTimeout: time.Second,
		ReadBufferSize:        cfg.BufferSize,
		WriteBufferSize:       cfg.BufferSize,
		// Compressed bodies are relayed as they are.
		DisableCompression: true,
	}

	c := &Client{
		api:       api,
		config:    cfg,
		transport: transport,
		client: &http.Client{
			Transport: transport,
			// Redirects are relayed to the caller. No cookie jar is set.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		pool:   pond.NewPool(cfg.Workers),
		tracer: otel.Tracer("conduit/httpclient"),
		logger: logger.With(log.String(log.FieldAPI, api)),
	}
	c.buffers.New = func() any {
		b := make([]byte, cfg.BufferSize)
		return &b
	}
	return c
}

// API returns the API this client serves.
func (c *Client) API() string {
	return c.api
}

// Invoke prepares an exchange. Nothing is sent until the returned call is
// subscribed.
func (c *Client) Invoke(ctx context.Context, req *Request, resp *Response) *Call {
	if resp.Header == nil {
		resp.Header = make(http.Header)
	}
	return &Call{client: c, ctx: ctx, req: req, resp: resp}
}

// Close stops the worker pool after in-flight exchanges finish and closes
// idle connections.
func (c *Client) Close() {
	c.pool.StopAndWait()
	c.transport.CloseIdleConnections()
}

// Call is a lazily started exchange.
type Call struct {
	client *Client
	ctx    context.Context
	req    *Request
	resp   *Response
	once   sync.Once
}

// Subscribe starts the exchange on the client's worker pool. done is called
// exactly once with the response, whose Err field carries any failure.
// Only the first Subscribe starts the exchange.
func (c *Call) Subscribe(done func(*Response)) {
	c.once.Do(func() {
		task := c.client.pool.Submit(func() {
			c.client.exchange(c.ctx, c.req, c.resp)
			done(c.resp)
		})

		// A rejected task never runs.
		select {
		case <-task.Done():
			if err := task.Wait(); errors.Is(err, pond.ErrPoolStopped) {
				c.client.fail(c.resp, ErrClientClosed)
				go done(c.resp)
			}
		default:
		}
	})
}

func (c *Client) exchange(ctx context.Context, req *Request, resp *Response) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("upstream exchange panicked", log.Any("panic", r), log.String(log.FieldRequestID, req.ID))
			c.fail(resp, fmt.Errorf("upstream exchange panicked: %v", r))
		}
	}()

	target, err := RewriteURI(req)
	if err != nil {
		c.fail(resp, err)
		return
	}

	ctx, span := c.tracer.Start(ctx, "upstream "+req.Method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			semconv.HTTPMethodKey.String(req.Method),
			semconv.HTTPURLKey.String(target.String()),
			attribute.String("conduit.api", c.api),
			attribute.String("conduit.request_id", req.ID),
		),
	)
	defer span.End()

	logger := c.logger.WithContext(ctx).With(
		log.String(log.FieldRequestID, req.ID),
		log.String(log.FieldTarget, target.String()),
	)

	var body io.Reader
	if req.Body != nil {
		body = &loggingReader{r: req.Body, logger: logger}
	}
	upstreamReq, err := http.NewRequestWithContext(ctx, req.Method, target.String(), body)
	if err != nil {
		c.failSpan(span, resp, err)
		return
	}
	if req.Body != nil {
		upstreamReq.ContentLength = req.ContentLength
	}
	CopyHeaders(upstreamReq.Header, req.Header)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(upstreamReq.Header))

	upstream, err := c.client.Do(upstreamReq)
	if err != nil {
		logger.Debug("upstream request failed", log.Error(err))
		c.failSpan(span, resp, err)
		return
	}
	defer upstream.Body.Close()

	// Status before headers, headers before body.
	resp.Status = upstream.StatusCode
	CopyHeaders(resp.Header, upstream.Header)
	resp.committed = true
	span.SetAttributes(semconv.HTTPStatusCodeKey.Int(upstream.StatusCode))
	if resp.HeadersReceived != nil {
		resp.HeadersReceived(resp)
	}

	if err := c.stream(upstream.Body, resp, logger); err != nil {
		c.failSpan(span, resp, err)
		return
	}
	if upstream.StatusCode >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, http.StatusText(upstream.StatusCode))
	}
}

// stream copies the upstream body chunk by chunk. The next chunk is not read
// until the previous one was written.
func (c *Client) stream(body io.ReadCloser, resp *Response, logger log.Logger) error {
	bufp := c.buffers.Get().(*[]byte)
	defer c.buffers.Put(bufp)
	buf := *bufp

	for {
		n, readErr := body.Read(buf)
		if n > 0 && resp.Output != nil {
			if err := resp.Output.Write(buf[:n]); err != nil {
				// Abort the upstream response.
				body.Close()
				logger.Debug("downstream write failed, aborting upstream response", log.Error(err))
				return &WriteError{Err: err}
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return readErr
		}
	}
}

func (c *Client) failSpan(span trace.Span, resp *Response, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	c.fail(resp, err)
}

// fail records err on resp. Status and Connection: close are only set when
// nothing was delivered downstream yet.
func (c *Client) fail(resp *Response, err error) {
	resp.Err = err
	if resp.committed {
		return
	}
	var werr *WriteError
	if errors.As(err, &werr) {
		return
	}
	resp.Status = StatusFor(err)
	resp.Header.Set("Connection", "close")
}

// loggingReader logs every chunk pulled from the downstream request body.
type loggingReader struct {
	r      io.Reader
	logger log.Logger
}

func (l *loggingReader) Read(p []byte) (int, error) {
	n, err := l.r.Read(p)
	if n > 0 {
		l.logger.Debug("forwarding request body chunk", log.Int(log.FieldBytes, n))
	}
	if err != nil && err != io.EOF {
		l.logger.Warn("failed to read request body, aborting upstream request", log.Error(err))
	}
	return n, err
}
