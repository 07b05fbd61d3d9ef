package loadbalancer

import (
	"context"
	"errors"
	"fmt"

	"github.com/songzhibin97/conduit/internal/types"
)

// ErrNoAvailableEndpoint is returned when every endpoint of a group is disabled.
var ErrNoAvailableEndpoint = errors.New("no available endpoint")

// Source supplies the endpoints currently eligible for traffic.
type Source interface {
	Enabled(group string) []*types.Endpoint
}

// Resolver orders the eligible endpoints of a group for one request.
// The first endpoint is the preferred target; the rest are failover candidates.
type Resolver interface {
	Resolve(ctx context.Context, group string) ([]*types.Endpoint, error)
	Algorithm() string
}

// New creates a resolver for the named algorithm.
func New(algorithm string, source Source) (Resolver, error) {
	switch algorithm {
	case "", "round_robin":
		return NewRoundRobin(source), nil
	case "weighted_round_robin":
		return NewWeightedRoundRobin(source), nil
	default:
		return nil, fmt.Errorf("unsupported load balancing algorithm: %s", algorithm)
	}
}

// splitBackups separates primary endpoints from backups, keeping order.
func splitBackups(endpoints []*types.Endpoint) (primary, backup []*types.Endpoint) {
	for _, ep := range endpoints {
		if ep.Backup {
			backup = append(backup, ep)
		} else {
			primary = append(primary, ep)
		}
	}
	return primary, backup
}
