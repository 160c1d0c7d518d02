// Package registry implements the service-discovery daemon's database
// (spec §4.3): producer records keyed by broadcast_address:tcp_port,
// topic/channel membership sets, operator tombstones, and a periodic
// staleness GC. Grounded on
// original_source/nsqlookupd/src/server.rs's RegistrationDB, with the
// mutex-guarded method-dispatch shape of the teacher's
// pkg/manager/fsm.go Apply switch generalized to direct method calls (no
// raft log backs this registry — see DESIGN.md).
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/relay/pkg/events"
	"github.com/cuemby/relay/pkg/log"
	"github.com/cuemby/relay/pkg/metrics"
	"github.com/cuemby/relay/pkg/rerrors"
	"github.com/cuemby/relay/pkg/validation"
	"github.com/rs/zerolog"
)

// Producer is one broker node known to the registry, keyed by
// "broadcast_address:tcp_port" per spec §4.3.
type Producer struct {
	ID               string
	Hostname         string
	BroadcastAddress string
	TCPPort          int
	HTTPPort         int
	Version          string
	LastUpdate       time.Time
}

func producerID(broadcastAddress string, tcpPort int) string {
	return fmt.Sprintf("%s:%d", broadcastAddress, tcpPort)
}

type tombstoneKey struct {
	topic      string
	producerID string
}

// Config configures a Registry.
type Config struct {
	InactiveProducerTimeout time.Duration
	TombstoneLifetime       time.Duration
	GCInterval              time.Duration
	Store                   Store // optional persistence; nil disables it
}

// DefaultConfig mirrors nsqlookupd's defaults.
func DefaultConfig() Config {
	return Config{
		InactiveProducerTimeout: 60 * time.Second,
		TombstoneLifetime:       45 * time.Second,
		GCInterval:              30 * time.Second,
	}
}

// Registry is the discovery daemon's in-memory database, one instance per
// process.
type Registry struct {
	mu sync.RWMutex

	producers map[string]*Producer
	topics    map[string]map[string]struct{} // topic -> producer ids
	channels  map[string]map[string]struct{} // topic -> channel names
	tombstones map[tombstoneKey]time.Time

	cfg    Config
	events *events.Broker

	stopCh chan struct{}
	doneCh chan struct{}

	logger zerolog.Logger
}

// New constructs a Registry and starts its staleness GC loop.
func New(cfg Config) *Registry {
	if cfg.InactiveProducerTimeout <= 0 {
		cfg.InactiveProducerTimeout = 60 * time.Second
	}
	if cfg.TombstoneLifetime <= 0 {
		cfg.TombstoneLifetime = 45 * time.Second
	}
	if cfg.GCInterval <= 0 {
		cfg.GCInterval = 30 * time.Second
	}
	r := &Registry{
		producers:  make(map[string]*Producer),
		topics:     make(map[string]map[string]struct{}),
		channels:   make(map[string]map[string]struct{}),
		tombstones: make(map[tombstoneKey]time.Time),
		cfg:        cfg,
		events:     events.NewBroker(),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		logger:     log.WithComponent("registry"),
	}
	if cfg.Store != nil {
		r.loadFromStore()
	}
	r.events.Start()
	go r.gcLoop()
	return r
}

// Events returns the registry's event broker for subscribers.
func (r *Registry) Events() *events.Broker { return r.events }

// Stop halts the GC loop and event broker.
func (r *Registry) Stop() {
	close(r.stopCh)
	<-r.doneCh
	r.events.Stop()
}

// Identify records (or refreshes) a producer's advertised connection
// info, per spec §4.3's TCP IDENTIFY verb.
func (r *Registry) Identify(broadcastAddress string, tcpPort, httpPort int, hostname, version string) *Producer {
	id := producerID(broadcastAddress, tcpPort)
	r.mu.Lock()
	p, ok := r.producers[id]
	if !ok {
		p = &Producer{ID: id}
		r.producers[id] = p
		metrics.RegistryProducersTotal.Set(float64(len(r.producers)))
	}
	p.Hostname = hostname
	p.BroadcastAddress = broadcastAddress
	p.TCPPort = tcpPort
	p.HTTPPort = httpPort
	p.Version = version
	p.LastUpdate = time.Now()
	r.mu.Unlock()

	r.persistProducer(p)
	r.events.Publish(&events.Event{Type: events.EventProducerIdentified, Message: id})
	return p
}

// Register implements REGISTER: adds topic (and channel, if non-empty) to
// producerID's set.
func (r *Registry) Register(producerID, topic, channel string) error {
	if err := validation.TopicName(topic); err != nil {
		return err
	}
	if channel != "" {
		if err := validation.ChannelName(channel); err != nil {
			return err
		}
	}
	r.mu.Lock()
	if _, ok := r.producers[producerID]; !ok {
		r.mu.Unlock()
		return rerrors.Validation(rerrors.CodeInvalid, "unknown producer: "+producerID)
	}
	if r.topics[topic] == nil {
		r.topics[topic] = make(map[string]struct{})
	}
	r.topics[topic][producerID] = struct{}{}
	if channel != "" {
		if r.channels[topic] == nil {
			r.channels[topic] = make(map[string]struct{})
		}
		r.channels[topic][channel] = struct{}{}
	}
	r.mu.Unlock()

	r.events.Publish(&events.Event{Type: events.EventProducerRegistered, Message: topic})
	if channel != "" {
		r.events.Publish(&events.Event{Type: events.EventChannelRegistered, Message: topic + "/" + channel})
	}
	return nil
}

// Unregister implements UNREGISTER: the inverse of Register.
func (r *Registry) Unregister(producerID, topic, channel string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if channel != "" {
		if set, ok := r.channels[topic]; ok {
			delete(set, channel)
		}
		return nil
	}
	if set, ok := r.topics[topic]; ok {
		delete(set, producerID)
	}
	return nil
}

// Heartbeat implements PING: refreshes a producer's last_update.
func (r *Registry) Heartbeat(producerID string) error {
	r.mu.Lock()
	p, ok := r.producers[producerID]
	if !ok {
		r.mu.Unlock()
		return rerrors.Validation(rerrors.CodeInvalid, "unknown producer: "+producerID)
	}
	p.LastUpdate = time.Now()
	r.mu.Unlock()
	r.persistProducer(p)
	return nil
}

// Disconnect handles a producer's QUIT and changes no state: the producer
// is left in the producers map so Lookup still returns it until the normal
// inactive timeout elapses, per spec §4.3 ("producer becomes stale per
// normal GC"). QUIT is a connection-layer event only.
func (r *Registry) Disconnect(producerID string) {}

// Lookup implements GET /lookup?topic=T: the channel set for topic and
// its producers, filtered by tombstone and inactivity.
func (r *Registry) Lookup(topic string) (channels []string, producers []Producer) {
	now := time.Now()
	r.mu.RLock()
	defer r.mu.RUnlock()

	for ch := range r.channels[topic] {
		channels = append(channels, ch)
	}
	sort.Strings(channels)

	for id := range r.topics[topic] {
		p, ok := r.producers[id]
		if !ok {
			continue
		}
		if now.Sub(p.LastUpdate) > r.cfg.InactiveProducerTimeout {
			continue
		}
		if ts, tombstoned := r.tombstones[tombstoneKey{topic: topic, producerID: id}]; tombstoned {
			if now.Sub(ts) <= r.cfg.TombstoneLifetime {
				continue
			}
		}
		producers = append(producers, *p)
	}
	sort.Slice(producers, func(i, j int) bool { return producers[i].ID < producers[j].ID })
	return channels, producers
}

// Topics returns every known topic name.
func (r *Registry) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.topics))
	for t := range r.topics {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Channels returns the channel set registered for topic.
func (r *Registry) Channels(topic string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.channels[topic]))
	for c := range r.channels[topic] {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Nodes returns every currently-known producer, regardless of topic.
func (r *Registry) Nodes() []Producer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Producer, 0, len(r.producers))
	for _, p := range r.producers {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CreateTopic ensures topic exists in the registry (operator HTTP
// surface), even with no producers yet.
func (r *Registry) CreateTopic(topic string) error {
	if err := validation.TopicName(topic); err != nil {
		return err
	}
	r.mu.Lock()
	if r.topics[topic] == nil {
		r.topics[topic] = make(map[string]struct{})
	}
	r.mu.Unlock()
	r.events.Publish(&events.Event{Type: events.EventTopicRegistered, Message: topic})
	return nil
}

// DeleteTopic removes topic and its channel set entirely.
func (r *Registry) DeleteTopic(topic string) error {
	r.mu.Lock()
	delete(r.topics, topic)
	delete(r.channels, topic)
	r.mu.Unlock()
	r.events.Publish(&events.Event{Type: events.EventTopicDeleted, Message: topic})
	return nil
}

// CreateChannel adds channel to topic's channel set (operator HTTP
// surface).
func (r *Registry) CreateChannel(topic, channel string) error {
	if err := validation.ChannelName(channel); err != nil {
		return err
	}
	r.mu.Lock()
	if r.channels[topic] == nil {
		r.channels[topic] = make(map[string]struct{})
	}
	r.channels[topic][channel] = struct{}{}
	r.mu.Unlock()
	r.events.Publish(&events.Event{Type: events.EventChannelRegistered, Message: topic + "/" + channel})
	return nil
}

// DeleteChannel removes channel from topic's channel set.
func (r *Registry) DeleteChannel(topic, channel string) error {
	r.mu.Lock()
	if set, ok := r.channels[topic]; ok {
		delete(set, channel)
	}
	r.mu.Unlock()
	r.events.Publish(&events.Event{Type: events.EventChannelDeleted, Message: topic + "/" + channel})
	return nil
}

// TombstoneProducer excludes producerID from topic's lookups for
// TombstoneLifetime, per spec §4.3 "Tombstones".
func (r *Registry) TombstoneProducer(topic, producerID string) {
	r.mu.Lock()
	r.tombstones[tombstoneKey{topic: topic, producerID: producerID}] = time.Now()
	metrics.RegistryTombstonesTotal.Set(float64(len(r.tombstones)))
	r.mu.Unlock()
	r.events.Publish(&events.Event{Type: events.EventTopicTombstoned, Message: topic + "|" + producerID})
}

// gcLoop periodically evicts producers whose last_update has exceeded
// InactiveProducerTimeout, the same Start/Stop/ticker shape as
// channel.sweepLoop.
func (r *Registry) gcLoop() {
	defer close(r.doneCh)
	ticker := time.NewTicker(r.cfg.GCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.gcOnce(time.Now())
		case <-r.stopCh:
			return
		}
	}
}

func (r *Registry) gcOnce(now time.Time) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RegistryGCDuration)

	r.mu.Lock()
	var stale []string
	for id, p := range r.producers {
		if now.Sub(p.LastUpdate) > r.cfg.InactiveProducerTimeout {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		delete(r.producers, id)
		for _, set := range r.topics {
			delete(set, id)
		}
	}
	metrics.RegistryProducersTotal.Set(float64(len(r.producers)))
	for k, ts := range r.tombstones {
		if now.Sub(ts) > r.cfg.TombstoneLifetime {
			delete(r.tombstones, k)
		}
	}
	metrics.RegistryTombstonesTotal.Set(float64(len(r.tombstones)))
	r.mu.Unlock()

	if len(stale) > 0 {
		metrics.RegistryGCEvictedTotal.Add(float64(len(stale)))
		r.logger.Info().Int("count", len(stale)).Msg("evicted stale producers")
		for _, id := range stale {
			r.events.Publish(&events.Event{Type: events.EventProducerExpired, Message: id})
			r.deletePersistedProducer(id)
		}
	}
}
