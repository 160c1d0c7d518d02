package metrics

import "time"

// ChannelStats is the per-channel snapshot a Collector pulls on each tick.
type ChannelStats struct {
	Name     string
	Depth    int64
	InFlight int
	Deferred int
}

// TopicStats is the per-topic snapshot a Collector pulls on each tick.
type TopicStats struct {
	Name     string
	Depth    int64
	Channels []ChannelStats
}

// StatsSource is implemented by pkg/broker's Broker so the metrics package
// never has to import it back.
type StatsSource interface {
	Snapshot() []TopicStats
}

// Collector periodically pulls topic/channel gauges from a running broker,
// grounded on the teacher's own Collector (same Start/Stop/ticker shape),
// re-pointed from cluster/raft state at a manager to topic/channel state at
// a broker.
type Collector struct {
	source StatsSource
	stopCh chan struct{}
}

// NewCollector creates a metrics collector over the given broker.
func NewCollector(source StatsSource) *Collector {
	return &Collector{source: source, stopCh: make(chan struct{})}
}

// Start begins collecting metrics on a 15 second tick.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	topics := c.source.Snapshot()
	TopicsTotal.Set(float64(len(topics)))
	for _, t := range topics {
		TopicDepth.WithLabelValues(t.Name).Set(float64(t.Depth))
		ChannelsTotal.WithLabelValues(t.Name).Set(float64(len(t.Channels)))
		for _, ch := range t.Channels {
			ChannelDepth.WithLabelValues(t.Name, ch.Name).Set(float64(ch.Depth))
			ChannelInFlight.WithLabelValues(t.Name, ch.Name).Set(float64(ch.InFlight))
			ChannelDeferred.WithLabelValues(t.Name, ch.Name).Set(float64(ch.Deferred))
		}
	}
}
