package invoker

import (
	"sync"

	"github.com/songzhibin97/conduit/internal/types"
)

// FailoverRequest decorates a request with the state of the current
// failover sequence. The wrapped request is never modified.
type FailoverRequest struct {
	Request

	mu        sync.Mutex
	attempt   int
	endpoints map[int]*types.Endpoint
	tried     map[*types.Endpoint]bool
}

// NewFailoverRequest wraps r.
func NewFailoverRequest(r Request) *FailoverRequest {
	return &FailoverRequest{
		Request:   r,
		endpoints: make(map[int]*types.Endpoint),
		tried:     make(map[*types.Endpoint]bool),
	}
}

// BeginAttempt records that attempt n is starting.
func (r *FailoverRequest) BeginAttempt(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempt = n
}

// Attempt returns the number of the attempt in flight, starting at 1.
func (r *FailoverRequest) Attempt() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempt
}

// MarkTried records that the current attempt targets ep.
func (r *FailoverRequest) MarkTried(ep *types.Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tried[ep] = true
	r.endpoints[r.attempt] = ep
}

// Tried reports whether an earlier attempt already targeted ep.
func (r *FailoverRequest) Tried(ep *types.Endpoint) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tried[ep]
}

// EndpointFor returns the endpoint targeted by attempt n.
func (r *FailoverRequest) EndpointFor(n int) *types.Endpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.endpoints[n]
}
