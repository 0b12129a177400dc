package router

import (
	"fmt"
	"sync"

	"github.com/kailas-cloud/modelmux/internal/domain"
)

// DefaultMaxConcurrent is the per-handle in-flight limit when none is configured.
const DefaultMaxConcurrent = 4

// LoadBalancer picks a handle for a role by current load.
type LoadBalancer struct {
	registry      *Registry
	metrics       *MetricsStore
	maxConcurrent int64

	// mu guards load. acquire never does I/O while holding it.
	mu   sync.Mutex
	load map[string]*Handle
}

// NewLoadBalancer creates a balancer over the registry.
func NewLoadBalancer(registry *Registry, metrics *MetricsStore, maxConcurrent int) *LoadBalancer {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	return &LoadBalancer{
		registry:      registry,
		metrics:       metrics,
		maxConcurrent: int64(maxConcurrent),
		load:          make(map[string]*Handle),
	}
}

// Acquire returns the handle that should serve role.
//
// The canonical handle is used while it is below the concurrency limit.
// Otherwise the least-loaded live handle below the limit is chosen, ties
// broken by lower average latency. When nothing qualifies, the canonical
// handle is returned anyway; there is no queueing.
func (lb *LoadBalancer) Acquire(role string) (*Handle, error) {
	canonical, ok := lb.registry.Get(role)
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownRole, role)
	}

	lb.mu.Lock()
	defer lb.mu.Unlock()

	if canonical.InFlight() < lb.maxConcurrent {
		lb.load[canonical.ID()] = canonical
		return canonical, nil
	}

	var best *Handle
	for _, h := range lb.registry.All() {
		if !lb.isLive(h) || h.InFlight() >= lb.maxConcurrent {
			continue
		}
		if best == nil || lb.less(h, best) {
			best = h
		}
	}
	if best == nil {
		best = canonical
	}
	lb.load[best.ID()] = best
	return best, nil
}

// Live returns the ids of handles the balancer currently considers live.
func (lb *LoadBalancer) Live() []string {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	var out []string
	for _, h := range lb.registry.All() {
		if lb.isLive(h) {
			out = append(out, h.ID())
		}
	}
	return out
}

// isLive reports whether h was handed out before or is warm. Caller holds mu.
func (lb *LoadBalancer) isLive(h *Handle) bool {
	if _, seen := lb.load[h.ID()]; seen {
		return true
	}
	return h.State() == StateReady
}

func (lb *LoadBalancer) less(a, b *Handle) bool {
	if a.InFlight() != b.InFlight() {
		return a.InFlight() < b.InFlight()
	}
	return lb.metrics.AverageLatency(a.ID()) < lb.metrics.AverageLatency(b.ID())
}
