package aggregator

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/cuemby/relay/pkg/metrics"
)

// NodeResult is one broker's outcome for a fanned-out control call.
type NodeResult struct {
	Node string
	Err  error
}

// FanOutTopic POSTs path (e.g. "/topic/pause") with topic=T to every
// discovered node, per spec §4.4 "Control fan-out". Nodes are not
// filtered by whether they currently host the topic.
// Per-node failures are returned but do not themselves fail the call;
// the caller decides what "every broker failed" means.
func (a *Aggregator) FanOutTopic(ctx context.Context, path, topic string) []NodeResult {
	query := url.Values{"topic": {topic}}
	return a.fanOut(ctx, path, query)
}

// FanOutChannel POSTs path (e.g. "/channel/pause") with topic=T&channel=C
// to every discovered node.
func (a *Aggregator) FanOutChannel(ctx context.Context, path, topic, channel string) []NodeResult {
	query := url.Values{"topic": {topic}, "channel": {channel}}
	return a.fanOut(ctx, path, query)
}

func (a *Aggregator) fanOut(ctx context.Context, path string, query url.Values) []NodeResult {
	nodes := a.Nodes(ctx)
	results := make([]NodeResult, len(nodes))

	var wg sync.WaitGroup
	for i, node := range nodes {
		wg.Add(1)
		go func(i int, node string) {
			defer wg.Done()
			err := a.postControl(ctx, node, path, query)
			if err != nil {
				metrics.AggregatorNodeErrorsTotal.WithLabelValues(node).Inc()
			}
			results[i] = NodeResult{Node: node, Err: err}
		}(i, node)
	}
	wg.Wait()
	return results
}

func (a *Aggregator) postControl(ctx context.Context, node, path string, query url.Values) error {
	reqCtx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout)
	defer cancel()

	u := node + path + "?" + query.Encode()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, u, nil)
	if err != nil {
		return err
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: status %d", node, resp.StatusCode)
	}
	return nil
}

// AllFailed reports whether every node in results errored, the condition
// under which a fanned-out control call should itself be reported as
// failed (spec §4.4: "MUST NOT fail ... unless every broker fails").
func AllFailed(results []NodeResult) bool {
	if len(results) == 0 {
		return false
	}
	for _, r := range results {
		if r.Err == nil {
			return false
		}
	}
	return true
}
