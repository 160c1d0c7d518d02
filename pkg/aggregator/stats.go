package aggregator

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"

	"github.com/cuemby/relay/pkg/metrics"
)

// brokerChannelStats mirrors brokerhttp's per-channel /stats object.
type brokerChannelStats struct {
	ChannelName   string `json:"channel_name"`
	Depth         int64  `json:"depth"`
	BackendDepth  int64  `json:"backend_depth"`
	MessageCount  uint64 `json:"message_count"`
	InFlightCount int    `json:"in_flight_count"`
	DeferredCount int    `json:"deferred_count"`
	RequeueCount  uint64 `json:"requeue_count"`
	TimeoutCount  uint64 `json:"timeout_count"`
	Paused        bool   `json:"paused"`
}

// brokerTopicStats mirrors brokerhttp's per-topic /stats object.
type brokerTopicStats struct {
	TopicName    string               `json:"topic_name"`
	Paused       bool                 `json:"paused"`
	MessageCount uint64               `json:"message_count"`
	Depth        int64                `json:"depth"`
	BackendDepth int64                `json:"backend_depth"`
	Channels     []brokerChannelStats `json:"channels"`
}

type brokerStatsResponse struct {
	Topics []brokerTopicStats `json:"topics"`
}

// ChannelStats is one channel's counters, summed across every
// contributing broker node.
type ChannelStats struct {
	ChannelName   string   `json:"channel_name"`
	Depth         int64    `json:"depth"`
	BackendDepth  int64    `json:"backend_depth"`
	MessageCount  uint64   `json:"message_count"`
	InFlightCount int      `json:"in_flight_count"`
	DeferredCount int      `json:"deferred_count"`
	RequeueCount  uint64   `json:"requeue_count"`
	TimeoutCount  uint64   `json:"timeout_count"`
	Paused        bool     `json:"paused"`
	Nodes         []string `json:"nodes"`
}

// TopicStats is one topic's counters, summed across every contributing
// broker node, per spec §4.4 "Per-topic aggregation".
type TopicStats struct {
	TopicName    string         `json:"topic_name"`
	Paused       bool           `json:"paused"`
	Depth        int64          `json:"depth"`
	BackendDepth int64          `json:"backend_depth"`
	MessageCount uint64         `json:"message_count"`
	Nodes        []string       `json:"nodes"`
	Channels     []ChannelStats `json:"channels"`
}

// Stats fetches /stats from every discovered node concurrently and
// merges the result by topic, then by channel.
func (a *Aggregator) Stats(ctx context.Context) []TopicStats {
	nodes := a.Nodes(ctx)

	type fetchResult struct {
		node  string
		stats *brokerStatsResponse
	}

	results := make(chan fetchResult, len(nodes))
	var wg sync.WaitGroup
	timer := metrics.NewTimer()
	for _, node := range nodes {
		wg.Add(1)
		go func(node string) {
			defer wg.Done()
			stats, err := a.fetchBrokerStats(ctx, node)
			if err != nil {
				a.logger.Warn().Err(err).Str("node", node).Msg("stats fetch failed")
				metrics.AggregatorNodeErrorsTotal.WithLabelValues(node).Inc()
				return
			}
			results <- fetchResult{node: node, stats: stats}
		}(node)
	}
	wg.Wait()
	close(results)
	timer.ObserveDuration(metrics.AggregatorFanoutDuration)

	topics := make(map[string]*TopicStats)
	var order []string
	for r := range results {
		for _, t := range r.stats.Topics {
			ts, ok := topics[t.TopicName]
			if !ok {
				ts = &TopicStats{TopicName: t.TopicName, Channels: []ChannelStats{}}
				topics[t.TopicName] = ts
				order = append(order, t.TopicName)
			}
			mergeTopic(ts, t, r.node)
		}
	}

	sort.Strings(order)
	out := make([]TopicStats, 0, len(order))
	for _, name := range order {
		ts := topics[name]
		sort.Slice(ts.Channels, func(i, j int) bool { return ts.Channels[i].ChannelName < ts.Channels[j].ChannelName })
		out = append(out, *ts)
	}
	return out
}

func mergeTopic(ts *TopicStats, bt brokerTopicStats, node string) {
	ts.Paused = ts.Paused || bt.Paused
	ts.Depth += bt.Depth
	ts.BackendDepth += bt.BackendDepth
	ts.MessageCount += bt.MessageCount
	ts.Nodes = append(ts.Nodes, node)

	// Indexes, not pointers: ts.Channels can still be appended to below,
	// and appends may reallocate the backing array, which would strand any
	// *ChannelStats taken before the reallocation on the old array.
	indexes := make(map[string]int, len(ts.Channels))
	for i := range ts.Channels {
		indexes[ts.Channels[i].ChannelName] = i
	}

	for _, bc := range bt.Channels {
		idx, ok := indexes[bc.ChannelName]
		if !ok {
			ts.Channels = append(ts.Channels, ChannelStats{ChannelName: bc.ChannelName})
			idx = len(ts.Channels) - 1
			indexes[bc.ChannelName] = idx
		}
		cs := &ts.Channels[idx]
		cs.Depth += bc.Depth
		cs.BackendDepth += bc.BackendDepth
		cs.MessageCount += bc.MessageCount
		cs.InFlightCount += bc.InFlightCount
		cs.DeferredCount += bc.DeferredCount
		cs.RequeueCount += bc.RequeueCount
		cs.TimeoutCount += bc.TimeoutCount
		cs.Paused = cs.Paused || bc.Paused
		cs.Nodes = append(cs.Nodes, node)
	}
}

func (a *Aggregator) fetchBrokerStats(ctx context.Context, baseURL string) (*brokerStatsResponse, error) {
	reqCtx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, baseURL+"/stats", nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var body brokerStatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	return &body, nil
}
