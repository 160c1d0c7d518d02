/*
Package metrics provides Prometheus metrics collection and exposition for
relay's broker, registry and aggregator daemons.

Metrics are registered once at package init and exposed over HTTP via
Handler(), which daemons mount at /metrics for scraping.

# Metrics Catalog

Broker gauges:
  - relay_topics_total, relay_channels_total{topic}
  - relay_topic_depth{topic}, relay_channel_depth{topic,channel}
  - relay_channel_in_flight_count{topic,channel}, relay_channel_deferred_count{topic,channel}
  - relay_clients_connected

Broker counters:
  - relay_messages_published_total{topic}
  - relay_channel_delivered_total{topic,channel}
  - relay_channel_requeued_total{topic,channel}
  - relay_channel_timeouts_total{topic,channel}
  - relay_http_requests_total{route,status}

Registry gauges/counters:
  - relay_registry_producers_total, relay_registry_tombstones_total
  - relay_registry_gc_duration_seconds, relay_registry_gc_evicted_total

Aggregator gauges/counters:
  - relay_aggregator_nodes_total{status}
  - relay_aggregator_fanout_duration_seconds
  - relay_aggregator_node_errors_total{node_id}

# Usage

	timer := metrics.NewTimer()
	// ... handle request ...
	timer.ObserveDurationVec(metrics.HTTPRequestDuration, "/stats")

A Collector polls a broker's topic/channel snapshot on a tick and updates
the depth/in-flight/deferred gauges:

	c := metrics.NewCollector(broker)
	c.Start()
	defer c.Stop()
*/
package metrics
