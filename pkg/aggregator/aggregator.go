// Package aggregator implements the fleet-wide view over discovered
// broker nodes (spec §4.4): it holds no authoritative state of its own,
// discovering nodes from one or more registries (plus any statically
// configured addresses), fetching and merging their `/stats`, and
// fanning operator control calls out to every broker hosting a topic.
// Grounded on original_source/nsqadmin/src/server.rs for the aggregated
// handler set, with the per-call context.WithTimeout pattern generalized
// from teacher pkg/client.Client's gRPC calls to plain JSON HTTP, and a
// patrickmn/go-cache TTL cache standing in for nsqadmin's lack of any
// discovery caching at all (added here since polling every registry's
// /nodes on every request would needlessly hammer it). Node reachability
// is tracked separately in health.go using the teacher's pkg/health
// checkers, repurposed from container liveness to broker liveness.
package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cuemby/relay/pkg/health"
	"github.com/cuemby/relay/pkg/log"
	"github.com/cuemby/relay/pkg/metrics"
	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
)

// Config configures an Aggregator.
type Config struct {
	RegistryAddrs []string      // base URLs, e.g. "http://registry1:4161"
	StaticNodes   []string      // base URLs of brokers not behind a registry
	NodeCacheTTL  time.Duration // how long a discovered node list is trusted
	RequestTimeout time.Duration
}

// DefaultConfig returns sane defaults for a single-registry deployment.
func DefaultConfig() Config {
	return Config{
		NodeCacheTTL:   3 * time.Second,
		RequestTimeout: 5 * time.Second,
	}
}

// Aggregator fans queries and control commands out across every broker
// node it can discover.
type Aggregator struct {
	cfg    Config
	http   *http.Client
	cache  *gocache.Cache
	health *nodeHealth
	logger zerolog.Logger

	mu sync.Mutex // serializes discovery so concurrent stats calls share one fetch
}

// New constructs an Aggregator.
func New(cfg Config) *Aggregator {
	if cfg.NodeCacheTTL <= 0 {
		cfg.NodeCacheTTL = 3 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	return &Aggregator{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.RequestTimeout},
		cache:  gocache.New(cfg.NodeCacheTTL, 2*cfg.NodeCacheTTL),
		health: newNodeHealth(health.DefaultConfig()),
		logger: log.WithComponent("aggregator"),
	}
}

const nodesCacheKey = "nodes"

// registryNodesResponse mirrors registryproto's GET /nodes body.
type registryNodesResponse struct {
	Producers []struct {
		BroadcastAddress string `json:"broadcast_address"`
		HTTPPort         int    `json:"http_port"`
	} `json:"producers"`
}

// Nodes returns every discovered broker base URL, unioning
// registry-discovered producers with any statically configured
// addresses, per spec §4.4's "Node discovery". Reachability is not
// checked here; Unreachable reports that separately.
func (a *Aggregator) Nodes(ctx context.Context) []string {
	if cached, ok := a.cache.Get(nodesCacheKey); ok {
		return cached.([]string)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	// Re-check: another goroutine may have populated the cache while we
	// waited for the lock.
	if cached, ok := a.cache.Get(nodesCacheKey); ok {
		return cached.([]string)
	}

	seen := make(map[string]struct{})
	var nodes []string
	add := func(url string) {
		if _, ok := seen[url]; !ok {
			seen[url] = struct{}{}
			nodes = append(nodes, url)
		}
	}
	for _, addr := range a.cfg.StaticNodes {
		add(addr)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, reg := range a.cfg.RegistryAddrs {
		wg.Add(1)
		go func(reg string) {
			defer wg.Done()
			urls, err := a.fetchRegistryNodes(ctx, reg)
			if err != nil {
				a.logger.Warn().Err(err).Str("registry", reg).Msg("node discovery failed")
				metrics.AggregatorNodeErrorsTotal.WithLabelValues(reg).Inc()
				return
			}
			mu.Lock()
			for _, u := range urls {
				add(u)
			}
			mu.Unlock()
		}(reg)
	}
	wg.Wait()

	metrics.AggregatorNodesTotal.WithLabelValues("reachable").Set(float64(len(nodes)))
	a.cache.Set(nodesCacheKey, nodes, gocache.DefaultExpiration)
	return nodes
}

func (a *Aggregator) fetchRegistryNodes(ctx context.Context, registryBaseURL string) ([]string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, registryBaseURL+"/nodes", nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("registry %s: status %d", registryBaseURL, resp.StatusCode)
	}

	var body registryNodesResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	urls := make([]string, 0, len(body.Producers))
	for _, p := range body.Producers {
		urls = append(urls, fmt.Sprintf("http://%s:%d", p.BroadcastAddress, p.HTTPPort))
	}
	return urls, nil
}
