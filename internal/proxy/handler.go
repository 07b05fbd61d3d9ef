package proxy

import (
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/songzhibin97/conduit/internal/invoker"
	"github.com/songzhibin97/conduit/internal/metrics"
	"github.com/songzhibin97/conduit/internal/tracing"
	"github.com/songzhibin97/conduit/pkg/log"
)

// HeaderRequestID carries the request id to the upstream and back to the client.
const HeaderRequestID = "X-Request-ID"

// Execution context attributes set for every request.
const (
	AttributeAPI         = "api"
	AttributeContextPath = "context-path"
	AttributeRemoteAddr  = "remote-addr"
)

// Handler is the gateway entry point. It routes each request to the API
// mounted on the longest matching context path and streams the response
// produced by the API's invoker.
type Handler struct {
	registry *Registry
	metrics  *metrics.Collector
	logger   log.Logger
}

// NewHandler creates the gateway handler.
func NewHandler(registry *Registry, collector *metrics.Collector, logger log.Logger) *Handler {
	if logger == nil {
		logger = log.Component("gateway")
	}
	return &Handler{registry: registry, metrics: collector, logger: logger}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	requestID := r.Header.Get(HeaderRequestID)
	if requestID == "" {
		requestID = uuid.New().String()
		r.Header.Set(HeaderRequestID, requestID)
	}

	api, ok := h.registry.Match(r.URL.Path)
	if !ok {
		w.Header().Set(HeaderRequestID, requestID)
		writeError(w, http.StatusNotFound, "no API matches the request path")
		return
	}

	ctx, span := tracing.StartServerSpan(r, api.ID())
	defer span.End()
	ctx = log.ContextWithRequestID(ctx, requestID)
	logger := h.logger.WithContext(ctx).With(log.String(log.FieldAPI, api.ID()))

	ec := invoker.NewExecutionContext(ctx, api.ID(), api.ContextPath(), invoker.NewRequest(requestID, r))
	ec.SetAttribute(AttributeAPI, api.ID())
	ec.SetAttribute(AttributeContextPath, api.ContextPath())
	ec.SetAttribute(AttributeRemoteAddr, r.RemoteAddr)

	var body io.Reader
	if r.ContentLength != 0 {
		body = r.Body
	}

	ex := &exchange{w: w, requestID: requestID, done: make(chan struct{})}
	api.Invoker().Invoke(ctx, ec, body, ex.handle)

	select {
	case <-ex.done:
	case <-r.Context().Done():
		logger.Debug("client went away, cancelling upstream")
		ex.cancel()
		<-ex.done
	}

	status, endErr := ex.result()
	elapsed := time.Since(start)
	h.metrics.ObserveRequest(api.ID(), r.Method, status, elapsed)
	logger.Info("request completed",
		log.String(log.FieldMethod, r.Method),
		log.String(log.FieldPath, r.URL.Path),
		log.Int(log.FieldStatusCode, status),
		log.Duration(log.FieldDuration, elapsed),
	)

	if endErr != nil && r.Context().Err() == nil {
		// Headers are out; abort so the client sees a truncated response.
		logger.Warn("upstream response cut short", log.Error(endErr))
		panic(http.ErrAbortHandler)
	}
}

// exchange streams one invocation's response to the client.
type exchange struct {
	w         http.ResponseWriter
	requestID string
	done      chan struct{}

	mu     sync.Mutex
	conn   invoker.ProxyConnection
	status int
	endErr error
}

func (e *exchange) handle(conn invoker.ProxyConnection) {
	e.mu.Lock()
	e.conn = conn
	e.mu.Unlock()

	conn.ResponseHandler(func(resp invoker.ProxyResponse) {
		header := e.w.Header()
		for k, v := range resp.Headers() {
			header[k] = v
		}
		header.Set(HeaderRequestID, e.requestID)

		e.mu.Lock()
		e.status = resp.Status()
		e.mu.Unlock()

		e.w.WriteHeader(resp.Status())
		flusher, _ := e.w.(http.Flusher)
		if flusher != nil {
			flusher.Flush()
		}

		resp.BodyHandler(func(chunk []byte) error {
			if _, err := e.w.Write(chunk); err != nil {
				return err
			}
			if flusher != nil {
				flusher.Flush()
			}
			return nil
		})
		resp.EndHandler(func(err error) {
			e.mu.Lock()
			e.endErr = err
			e.mu.Unlock()
			close(e.done)
		})
		resp.Resume()
	})
}

func (e *exchange) cancel() {
	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	if conn != nil {
		conn.Cancel()
	}
}

func (e *exchange) result() (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status, e.endErr
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   http.StatusText(status),
		"message": message,
	})
}
