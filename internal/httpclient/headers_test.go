package httpclient

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsHopByHop(t *testing.T) {
	for _, name := range []string{"connection", "KEEP-ALIVE", "Transfer-Encoding", "te", "upgrade", "Proxy-Authorization"} {
		assert.True(t, IsHopByHop(name), name)
	}
	for _, name := range []string{"Content-Type", "X-Custom", "Content-Encoding"} {
		assert.False(t, IsHopByHop(name), name)
	}
}

func TestCopyHeaders(t *testing.T) {
	src := http.Header{}
	src.Set("Connection", "keep-alive, X-Session-Hop")
	src.Set("Keep-Alive", "timeout=5")
	src.Set("X-Session-Hop", "1")
	src["X-Custom"] = []string{""}
	src["X-Spaces"] = []string{"   "}
	src.Add("Set-Cookie", "a=1")
	src.Add("Set-Cookie", "b=2")
	src.Set("Content-Encoding", "gzip")

	dst := http.Header{}
	CopyHeaders(dst, src)

	assert.Empty(t, dst.Values("Connection"))
	assert.Empty(t, dst.Values("Keep-Alive"))
	assert.Empty(t, dst.Values("X-Session-Hop"))
	_, ok := dst["X-Custom"]
	assert.False(t, ok)
	_, ok = dst["X-Spaces"]
	assert.False(t, ok)
	assert.Equal(t, []string{"a=1", "b=2"}, dst.Values("Set-Cookie"))
	assert.Equal(t, "gzip", dst.Get("Content-Encoding"))
}

func TestRewriteURI(t *testing.T) {
	target := func(raw string) *url.URL {
		u, err := url.Parse(raw)
		require.NoError(t, err)
		return u
	}

	tests := []struct {
		name string
		req  *Request
		want string
	}{
		{"strip context path", &Request{Target: target("http://a:8080"), ContextPath: "/orders", Path: "/orders/v1/items"}, "http://a:8080/v1/items"},
		{"context path only", &Request{Target: target("http://a:8080/base"), ContextPath: "/orders", Path: "/orders"}, "http://a:8080/base"},
		{"target base path", &Request{Target: target("http://a:8080/base/"), ContextPath: "/orders/", Path: "/orders/x"}, "http://a:8080/base/x"},
		{"root context path", &Request{Target: target("http://a"), ContextPath: "/", Path: "/x/y"}, "http://a/x/y"},
		{"prefix is not a segment", &Request{Target: target("http://a"), ContextPath: "/orders", Path: "/ordersx"}, "http://a/ordersx"},
		{"empty path", &Request{Target: target("http://a"), ContextPath: "/orders", Path: "/orders"}, "http://a/"},
		{"query merge", &Request{Target: target("http://a/?key=1"), ContextPath: "/o", Path: "/o/q", RawQuery: "x=2"}, "http://a/q?key=1&x=2"},
		{"request query", &Request{Target: target("http://a"), Path: "/q", RawQuery: "x=2"}, "http://a/q?x=2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := RewriteURI(tt.req)
			require.NoError(t, err)
			assert.Equal(t, tt.want, u.String())
		})
	}

	_, err := RewriteURI(&Request{Path: "/x"})
	assert.ErrorIs(t, err, ErrNoTarget)
	_, err = RewriteURI(&Request{Target: &url.URL{Path: "/relative"}})
	assert.ErrorIs(t, err, ErrNoTarget)
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusGatewayTimeout, StatusFor(context.DeadlineExceeded))
	assert.Equal(t, http.StatusGatewayTimeout, StatusFor(&url.Error{Op: "Get", URL: "http://a", Err: timeoutErr{}}))
	assert.Equal(t, http.StatusBadGateway, StatusFor(errors.New("connection refused")))
	assert.Equal(t, http.StatusBadGateway, StatusFor(ErrNoTarget))
	assert.False(t, IsTimeout(nil))
}
