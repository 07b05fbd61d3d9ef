package loadbalancer

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/songzhibin97/conduit/internal/types"
)

// WeightedRoundRobin 平滑加权轮询
type WeightedRoundRobin struct {
	source Source
	mu     sync.Mutex
	// group -> endpoint -> 动态当前权重
	current map[string]map[*types.Endpoint]int
}

// NewWeightedRoundRobin creates a smooth weighted round-robin resolver
func NewWeightedRoundRobin(source Source) *WeightedRoundRobin {
	return &WeightedRoundRobin{
		source:  source,
		current: make(map[string]map[*types.Endpoint]int),
	}
}

// Algorithm returns the algorithm name.
func (w *WeightedRoundRobin) Algorithm() string { return "weighted_round_robin" }

// Resolve puts the weighted pick first, then the other primaries by
// descending weight, then backups.
func (w *WeightedRoundRobin) Resolve(_ context.Context, group string) ([]*types.Endpoint, error) {
	primary, backup := splitBackups(w.source.Enabled(group))
	if len(primary) == 0 && len(backup) == 0 {
		return nil, fmt.Errorf("%w for %s", ErrNoAvailableEndpoint, group)
	}
	if len(primary) == 0 {
		return backup, nil
	}

	selected := w.selectWeighted(group, primary)

	rest := make([]*types.Endpoint, 0, len(primary)-1)
	for _, ep := range primary {
		if ep != selected {
			rest = append(rest, ep)
		}
	}
	sort.SliceStable(rest, func(i, j int) bool { return rest[i].Weight > rest[j].Weight })

	ordered := make([]*types.Endpoint, 0, len(primary)+len(backup))
	ordered = append(ordered, selected)
	ordered = append(ordered, rest...)
	return append(ordered, backup...), nil
}

// selectWeighted 执行平滑加权轮询算法
func (w *WeightedRoundRobin) selectWeighted(group string, endpoints []*types.Endpoint) *types.Endpoint {
	w.mu.Lock()
	defer w.mu.Unlock()

	weights, ok := w.current[group]
	if !ok {
		weights = make(map[*types.Endpoint]int)
		w.current[group] = weights
	}

	// 被禁用的端点不再参与，清理其当前权重
	live := make(map[*types.Endpoint]bool, len(endpoints))
	for _, ep := range endpoints {
		live[ep] = true
	}
	for ep := range weights {
		if !live[ep] {
			delete(weights, ep)
		}
	}

	var selected *types.Endpoint
	totalWeight := 0

	// 第一步：增加所有目标的当前权重，并计算总权重
	for _, ep := range endpoints {
		weights[ep] += ep.Weight
		totalWeight += ep.Weight
		if selected == nil || weights[ep] > weights[selected] {
			selected = ep
		}
	}

	// 第二步：减少选中目标的当前权重
	weights[selected] -= totalWeight
	return selected
}
