package httpclient

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
)

var (
	// ErrNoTarget is returned when the upstream URI cannot be built.
	ErrNoTarget = errors.New("no upstream target")
	// ErrClientClosed is returned when a call is subscribed after Close.
	ErrClientClosed = errors.New("http client closed")
)

// WriteError wraps a failure of the downstream output. The upstream
// response is aborted and the exchange is not retried.
type WriteError struct {
	Err error
}

func (e *WriteError) Error() string {
	return "downstream write failed: " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// IsTimeout reports whether err was caused by a deadline or I/O timeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// StatusFor maps an exchange failure to the status sent downstream.
func StatusFor(err error) int {
	if IsTimeout(err) {
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}
