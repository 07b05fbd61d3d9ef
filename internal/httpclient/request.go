package httpclient

import (
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Request describes one upstream exchange.
type Request struct {
	// ID is the downstream request id, used in logs.
	ID     string
	Method string

	// Target is the endpoint base URI. ContextPath is stripped from Path
	// before the remainder is appended to Target.
	Target      *url.URL
	ContextPath string
	Path        string
	RawQuery    string

	Header http.Header

	// Body is streamed upstream when not nil. ContentLength is -1 when unknown.
	Body          io.Reader
	ContentLength int64
}

// Output receives response body chunks in order. p is only valid for the
// duration of the call. Returning an error aborts the upstream response.
type Output interface {
	Write(p []byte) error
}

// OutputFunc adapts a function to Output.
type OutputFunc func(p []byte) error

// Write calls f.
func (f OutputFunc) Write(p []byte) error {
	return f(p)
}

// Response is filled in while the upstream response arrives.
type Response struct {
	Status int
	Header http.Header

	// HeadersReceived, when set, is called once Status and Header hold the
	// upstream values and before the first body chunk.
	HeadersReceived func(*Response)

	// Output receives the body. A nil Output discards it.
	Output Output

	// Err is the terminal failure of the exchange, nil on success.
	Err error

	committed bool
}

// NewResponse creates an empty response writing the body to out.
func NewResponse(out Output) *Response {
	return &Response{Header: make(http.Header), Output: out}
}

// Committed reports whether status and headers were delivered.
func (r *Response) Committed() bool {
	return r.committed
}

// RewriteURI builds the upstream URI for req.
func RewriteURI(req *Request) (*url.URL, error) {
	if req == nil || req.Target == nil || req.Target.Host == "" {
		return nil, ErrNoTarget
	}

	rel := req.Path
	if cp := strings.TrimSuffix(req.ContextPath, "/"); cp != "" {
		if rel == cp {
			rel = ""
		} else if strings.HasPrefix(rel, cp+"/") {
			rel = rel[len(cp):]
		}
	}

	u := *req.Target
	u.Path = joinPath(req.Target.Path, rel)
	u.RawPath = ""
	switch {
	case req.Target.RawQuery == "":
		u.RawQuery = req.RawQuery
	case req.RawQuery == "":
		u.RawQuery = req.Target.RawQuery
	default:
		u.RawQuery = req.Target.RawQuery + "&" + req.RawQuery
	}
	u.Fragment = ""
	return &u, nil
}

func joinPath(base, rel string) string {
	switch {
	case rel == "":
		if base == "" {
			return "/"
		}
		return base
	case base == "":
		return rel
	}
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(rel, "/")
}
