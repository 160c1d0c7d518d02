// Package metrics exposes the process-wide prometheus registry shared by
// all three relay daemons, grounded on the teacher's pkg/metrics package
// shape (gauge/counter/histogram vecs registered at init, a Timer helper,
// and a promhttp.Handler()), with names and labels replaced end to end for
// topic/channel/broker/registry/aggregator concerns.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Broker: topic/channel depth and lifecycle counters (spec §6 /stats).
	TopicsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_topics_total",
			Help: "Total number of topics currently held by this broker",
		},
	)

	ChannelsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_channels_total",
			Help: "Total number of channels by topic",
		},
		[]string{"topic"},
	)

	TopicDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_topic_depth",
			Help: "Number of messages pending delivery on a topic",
		},
		[]string{"topic"},
	)

	ChannelDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_channel_depth",
			Help: "Number of messages pending delivery on a channel",
		},
		[]string{"topic", "channel"},
	)

	ChannelInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_channel_in_flight_count",
			Help: "Number of messages currently delivered but unacknowledged",
		},
		[]string{"topic", "channel"},
	)

	ChannelDeferred = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_channel_deferred_count",
			Help: "Number of messages scheduled for future delivery",
		},
		[]string{"topic", "channel"},
	)

	MessagesPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_messages_published_total",
			Help: "Total number of messages published to a topic",
		},
		[]string{"topic"},
	)

	ChannelDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_channel_delivered_total",
			Help: "Total number of messages handed to a consumer on a channel",
		},
		[]string{"topic", "channel"},
	)

	ChannelRequeued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_channel_requeued_total",
			Help: "Total number of REQ requeues on a channel",
		},
		[]string{"topic", "channel"},
	)

	ChannelTimeouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_channel_timeouts_total",
			Help: "Total number of in-flight timeouts on a channel",
		},
		[]string{"topic", "channel"},
	)

	// Broker: TCP/HTTP surface.
	ClientsConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_clients_connected",
			Help: "Number of currently connected TCP clients",
		},
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_http_requests_total",
			Help: "Total number of HTTP control-plane requests by route and status",
		},
		[]string{"route", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_http_request_duration_seconds",
			Help:    "HTTP control-plane request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	// Registry: producer/topic bookkeeping and GC.
	RegistryProducersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_registry_producers_total",
			Help: "Total number of producers currently registered",
		},
	)

	RegistryTombstonesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_registry_tombstones_total",
			Help: "Total number of active topic tombstones",
		},
	)

	RegistryGCDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relay_registry_gc_duration_seconds",
			Help:    "Time taken for a staleness GC sweep in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	RegistryGCEvictedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_registry_gc_evicted_total",
			Help: "Total number of producers evicted for missing heartbeats",
		},
	)

	// Aggregator: node discovery and fan-out.
	AggregatorNodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_aggregator_nodes_total",
			Help: "Total number of broker nodes known to the aggregator, by reachability",
		},
		[]string{"status"},
	)

	AggregatorFanoutDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relay_aggregator_fanout_duration_seconds",
			Help:    "Time taken to fan a stats or control request out to all nodes",
			Buckets: prometheus.DefBuckets,
		},
	)

	AggregatorNodeErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_aggregator_node_errors_total",
			Help: "Total number of failed per-node requests during fan-out",
		},
		[]string{"node_id"},
	)

	AggregatorNodeHealthCheckDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_aggregator_node_health_check_duration_seconds",
			Help:    "Time taken by the aggregator's background liveness poll of one node",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"node_id"},
	)
)

func init() {
	prometheus.MustRegister(TopicsTotal)
	prometheus.MustRegister(ChannelsTotal)
	prometheus.MustRegister(TopicDepth)
	prometheus.MustRegister(ChannelDepth)
	prometheus.MustRegister(ChannelInFlight)
	prometheus.MustRegister(ChannelDeferred)
	prometheus.MustRegister(MessagesPublished)
	prometheus.MustRegister(ChannelDelivered)
	prometheus.MustRegister(ChannelRequeued)
	prometheus.MustRegister(ChannelTimeouts)
	prometheus.MustRegister(ClientsConnected)
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(RegistryProducersTotal)
	prometheus.MustRegister(RegistryTombstonesTotal)
	prometheus.MustRegister(RegistryGCDuration)
	prometheus.MustRegister(RegistryGCEvictedTotal)
	prometheus.MustRegister(AggregatorNodesTotal)
	prometheus.MustRegister(AggregatorFanoutDuration)
	prometheus.MustRegister(AggregatorNodeErrorsTotal)
	prometheus.MustRegister(AggregatorNodeHealthCheckDuration)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
