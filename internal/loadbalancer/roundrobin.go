package loadbalancer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/songzhibin97/conduit/internal/types"
)

// RoundRobin rotates the starting endpoint on every resolution.
type RoundRobin struct {
	source   Source
	mu       sync.RWMutex
	counters map[string]*uint64
}

// NewRoundRobin creates a new round-robin resolver
func NewRoundRobin(source Source) *RoundRobin {
	return &RoundRobin{
		source:   source,
		counters: make(map[string]*uint64),
	}
}

// Algorithm returns the algorithm name.
func (rr *RoundRobin) Algorithm() string { return "round_robin" }

// Resolve returns the enabled primary endpoints starting at the next
// position, followed by enabled backups.
func (rr *RoundRobin) Resolve(_ context.Context, group string) ([]*types.Endpoint, error) {
	primary, backup := splitBackups(rr.source.Enabled(group))
	if len(primary) == 0 && len(backup) == 0 {
		return nil, fmt.Errorf("%w for %s", ErrNoAvailableEndpoint, group)
	}

	ordered := make([]*types.Endpoint, 0, len(primary)+len(backup))
	if n := len(primary); n > 0 {
		start := int((atomic.AddUint64(rr.counter(group), 1) - 1) % uint64(n))
		ordered = append(ordered, primary[start:]...)
		ordered = append(ordered, primary[:start]...)
	}
	return append(ordered, backup...), nil
}

func (rr *RoundRobin) counter(group string) *uint64 {
	rr.mu.RLock()
	c, ok := rr.counters[group]
	rr.mu.RUnlock()
	if ok {
		return c
	}

	rr.mu.Lock()
	defer rr.mu.Unlock()
	if c, ok = rr.counters[group]; !ok {
		c = new(uint64)
		rr.counters[group] = c
	}
	return c
}
