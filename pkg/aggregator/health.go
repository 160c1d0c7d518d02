package aggregator

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/relay/pkg/health"
	"github.com/cuemby/relay/pkg/metrics"
)

// nodeHealth tracks reachability per discovered broker base URL using
// pkg/health's consecutive-failure Status, so a node that fails one poll
// isn't immediately reported as down — matching spec §4.4's "per-broker
// failures are logged but MUST NOT fail the overall call" for the passive
// /api/nodes view, not just the active fan-out calls in control.go.
type nodeHealth struct {
	cfg health.Config

	mu     sync.Mutex
	status map[string]*health.Status
}

func newNodeHealth(cfg health.Config) *nodeHealth {
	return &nodeHealth{cfg: cfg, status: make(map[string]*health.Status)}
}

func (h *nodeHealth) record(node string, result health.Result) {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.status[node]
	if !ok {
		st = health.NewStatus()
		h.status[node] = st
	}
	st.Update(result, h.cfg)
}

// healthy reports whether node is currently considered reachable. A node
// that has never been checked is assumed healthy until proven otherwise.
func (h *nodeHealth) healthy(node string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.status[node]
	if !ok {
		return true
	}
	return st.Healthy
}

// prune drops health state for nodes that no longer appear in discovery,
// so a decommissioned broker doesn't linger in Unreachable() forever.
func (h *nodeHealth) prune(known map[string]struct{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for node := range h.status {
		if _, ok := known[node]; !ok {
			delete(h.status, node)
		}
	}
}

func (h *nodeHealth) unreachable() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for node, st := range h.status {
		if !st.Healthy {
			out = append(out, node)
		}
	}
	return out
}

// StartHealthChecks runs active liveness polling against every discovered
// node's /ping until ctx is cancelled, using an HTTPChecker per node per
// tick. Polling is independent of the request-driven Stats/FanOut calls so
// a node's reachability is known even when nothing happens to be querying
// it. cmd/relayadmin starts this alongside the HTTP listener.
func (a *Aggregator) StartHealthChecks(ctx context.Context) {
	interval := a.health.cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.pollHealth(ctx)
			}
		}
	}()
}

func (a *Aggregator) pollHealth(ctx context.Context) {
	nodes := a.Nodes(ctx)
	known := make(map[string]struct{}, len(nodes))

	var wg sync.WaitGroup
	for _, node := range nodes {
		known[node] = struct{}{}
		wg.Add(1)
		go func(node string) {
			defer wg.Done()
			checker := health.NewHTTPChecker(node + "/ping")
			if a.health.cfg.Timeout > 0 {
				checker = checker.WithTimeout(a.health.cfg.Timeout)
			}
			result := checker.Check(ctx)
			metrics.AggregatorNodeHealthCheckDuration.WithLabelValues(node).Observe(result.Duration.Seconds())
			a.health.record(node, result)
		}(node)
	}
	wg.Wait()
	a.health.prune(known)
}

// Unreachable returns the base URLs of nodes that have failed enough
// consecutive liveness polls to be considered down.
func (a *Aggregator) Unreachable() []string {
	return a.health.unreachable()
}
