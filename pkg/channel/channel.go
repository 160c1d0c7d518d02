// Package channel implements the per-channel message lifecycle engine of
// spec §4.1: a pending queue, an in-flight map, a deferred map, and the
// periodic timeout/deferred sweepers. Grounded on
// original_source/nsqd/src/channel.rs and the real nsq source preserved in
// _examples/MultiThinking-nsq/nsqd/channel.go (in-flight/deferred maps,
// requeue-on-timeout, FIN/REQ/TOUCH semantics); the sweeper's ticker loop is
// grounded on the teacher's pkg/worker/health_monitor.go monitorLoop shape.
package channel

import (
	"sync"
	"time"

	"github.com/cuemby/relay/pkg/log"
	"github.com/cuemby/relay/pkg/message"
	"github.com/cuemby/relay/pkg/metrics"
	"github.com/cuemby/relay/pkg/queue"
	"github.com/cuemby/relay/pkg/rerrors"
	"github.com/rs/zerolog"
)

// ClientID identifies the owning consumer connection of an in-flight
// message, by id only (never a pointer) to break the client<->channel
// cycle per spec §9.
type ClientID string

// Notifier lets the channel push a message to a currently-dispatching
// subscriber without the channel knowing about connection internals. The
// broker package's Client implements this.
type Notifier interface {
	ClientID() ClientID
	// Deliver hands the message to the client; returns false if the
	// client cannot currently accept it (closed, no credit).
	Deliver(m *message.Message) bool
	// Wake is a non-blocking hint that new work may be available for this
	// client (a publish, a requeue, a timeout promotion). Implementations
	// must not block.
	Wake()
}

// inFlightEntry is the tuple of spec §3 "In-flight entry".
type inFlightEntry struct {
	msg      *message.Message
	clientID ClientID
	start    time.Time
	timeout  time.Duration
}

// deferredEntry pairs a held-in-memory message with the instant it becomes
// ready for delivery (DPUB, or a delayed REQ).
type deferredEntry struct {
	msg     *message.Message
	readyAt time.Time
}

// Channel is a named consumer grouping under a topic.
type Channel struct {
	TopicName string
	Name      string

	mu sync.RWMutex

	backend *queue.Backend

	inFlight map[message.ID]*inFlightEntry
	deferred map[message.ID]*deferredEntry
	pending  []*message.Message // FIFO for entries not yet delivered

	subscribers map[ClientID]Notifier

	paused bool

	messageCount uint64
	requeueCount uint64
	timeoutCount uint64

	defaultTimeout time.Duration
	maxTimeout     time.Duration

	logger zerolog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// Config configures a new Channel.
type Config struct {
	MemQueueSize   int
	Disk           *queue.DiskQueue // nil for memory-only
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	SweepInterval  time.Duration // must be <= 100ms per spec §4.1
}

// New creates a channel, lazily as spec §3 describes, and starts its
// sweeper goroutine.
func New(topic, name string, cfg Config) *Channel {
	if cfg.SweepInterval <= 0 || cfg.SweepInterval > 100*time.Millisecond {
		cfg.SweepInterval = 100 * time.Millisecond
	}
	c := &Channel{
		TopicName:      topic,
		Name:           name,
		backend:        queue.NewBackend(cfg.MemQueueSize, cfg.Disk),
		inFlight:       make(map[message.ID]*inFlightEntry),
		deferred:       make(map[message.ID]*deferredEntry),
		subscribers:    make(map[ClientID]Notifier),
		defaultTimeout: cfg.DefaultTimeout,
		maxTimeout:     cfg.MaxTimeout,
		logger:         log.WithChannel(topic, name),
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
	}
	go c.sweepLoop(cfg.SweepInterval)
	return c
}

// Subscribe registers a consumer as eligible to receive deliveries.
func (c *Channel) Subscribe(n Notifier) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribers[n.ClientID()] = n
}

// Unsubscribe removes a consumer; any in-flight messages it owned must be
// requeued by the caller via RequeueAllFor (spec §4.1 "client loss").
func (c *Channel) Unsubscribe(id ClientID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subscribers, id)
}

// Put enqueues a freshly-published (or fanned-out) message, per spec §4.1
// "Fan-out to channels": a channel with no subscribers still accumulates
// depth.
func (c *Channel) Put(m *message.Message) error {
	c.mu.Lock()
	c.pending = append(c.pending, m)
	c.messageCount++
	c.mu.Unlock()
	c.wakeSubscribers()
	return nil
}

// wakeSubscribers hints every subscriber that new work may be deliverable.
// Must not be called while holding c.mu.
func (c *Channel) wakeSubscribers() {
	c.mu.RLock()
	notifiers := make([]Notifier, 0, len(c.subscribers))
	for _, n := range c.subscribers {
		notifiers = append(notifiers, n)
	}
	c.mu.RUnlock()
	for _, n := range notifiers {
		n.Wake()
	}
}

// PutDeferred installs m directly in the deferred map with ready_at =
// now+delay, for DPUB (spec §4.1 "delayed publish").
func (c *Channel) PutDeferred(m *message.Message, delay time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deferred[m.ID] = &deferredEntry{msg: m, readyAt: time.Now().Add(delay)}
	c.messageCount++
}

// Depth returns the number of messages pending delivery (not counting
// in-flight or deferred), matching /stats "depth".
func (c *Channel) Depth() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return int64(len(c.pending)) + c.backend.Depth()
}

// BackendDepth returns the disk-resident backlog only.
func (c *Channel) BackendDepth() int64 {
	return c.backend.BackendDepth()
}

// InFlightCount returns the number of messages currently delivered but
// unacknowledged.
func (c *Channel) InFlightCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.inFlight)
}

// DeferredCount returns the number of messages scheduled for future
// delivery.
func (c *Channel) DeferredCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.deferred)
}

// Counters returns the monotonic counters reported in /stats.
func (c *Channel) Counters() (messageCount, requeueCount, timeoutCount uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.messageCount, c.requeueCount, c.timeoutCount
}

// Paused reports whether deliveries are currently suspended.
func (c *Channel) Paused() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.paused
}

// Pause suspends delivery; publishes still accumulate depth (spec §4.1).
func (c *Channel) Pause() {
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
}

// Unpause resumes delivery.
func (c *Channel) Unpause() {
	c.mu.Lock()
	c.paused = false
	c.mu.Unlock()
}

// Empty drops depth to 0: clears the pending queue and deferred map,
// leaving in-flight entries (already handed to a client) untouched. It is
// idempotent (spec §8).
func (c *Channel) Empty() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = nil
	c.deferred = make(map[message.ID]*deferredEntry)
	for {
		c.mu.Unlock()
		data, err := c.backend.Get()
		c.mu.Lock()
		if err != nil || data == nil {
			break
		}
	}
}

// popPendingLocked removes and returns the head of the pending queue,
// falling back to the disk-backed overflow. Caller holds c.mu.
func (c *Channel) popPendingLocked() *message.Message {
	if len(c.pending) > 0 {
		m := c.pending[0]
		c.pending = c.pending[1:]
		return m
	}
	raw, err := c.backend.Get()
	if err != nil || raw == nil {
		return nil
	}
	m, err := message.Decode(raw)
	if err != nil {
		c.logger.Warn().Err(err).Msg("failed to decode message from backend queue")
		return nil
	}
	return m
}

// Deliver attempts to hand the next pending message to client n, installing
// an in-flight entry on success. Returns false if there is nothing pending,
// the channel is paused, or the client rejected the delivery.
func (c *Channel) Deliver(n Notifier, timeout time.Duration) bool {
	c.mu.Lock()
	if c.paused {
		c.mu.Unlock()
		return false
	}
	m := c.popPendingLocked()
	if m == nil {
		c.mu.Unlock()
		return false
	}
	if timeout <= 0 || timeout > c.maxTimeout {
		timeout = c.defaultTimeout
	}
	// Attempts was already incremented when this message was put back for
	// redelivery (Requeue, RequeueAllFor, sweepOnce); a message delivered
	// for the first time keeps the Attempts==0 it was created with.
	c.inFlight[m.ID] = &inFlightEntry{msg: m, clientID: n.ClientID(), start: time.Now(), timeout: timeout}
	c.mu.Unlock()

	if !n.Deliver(m) {
		// client disappeared between selection and delivery: treat as
		// REQ delay 0 (spec §4.1 "client loss").
		c.Requeue(m.ID, 0)
		return false
	}
	metrics.ChannelDelivered.WithLabelValues(c.TopicName, c.Name).Inc()
	return true
}

// Finish acknowledges an in-flight message (FIN).
func (c *Channel) Finish(id message.ID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.inFlight[id]; !ok {
		return rerrors.Queue(rerrors.CodeFinFailed, "message not in flight")
	}
	delete(c.inFlight, id)
	return nil
}

// Requeue implements REQ: delay==0 re-enqueues at the tail immediately;
// delay>0 installs the message in the deferred map.
func (c *Channel) Requeue(id message.ID, delay time.Duration) error {
	c.mu.Lock()
	entry, ok := c.inFlight[id]
	if !ok {
		c.mu.Unlock()
		return rerrors.Queue(rerrors.CodeReqFailed, "message not in flight")
	}
	delete(c.inFlight, id)
	c.requeueCount++
	entry.msg.Attempts++
	if delay <= 0 {
		c.pending = append(c.pending, entry.msg)
	} else {
		c.deferred[id] = &deferredEntry{msg: entry.msg, readyAt: time.Now().Add(delay)}
	}
	c.mu.Unlock()
	metrics.ChannelRequeued.WithLabelValues(c.TopicName, c.Name).Inc()
	if delay <= 0 {
		c.wakeSubscribers()
	}
	return nil
}

// Touch resets an in-flight entry's start instant (TOUCH).
func (c *Channel) Touch(id message.ID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.inFlight[id]
	if !ok {
		return rerrors.Queue(rerrors.CodeTouchFailed, "message not in flight")
	}
	entry.start = time.Now()
	return nil
}

// RequeueAllFor requeues (delay 0) every in-flight message owned by the
// given client id, per spec §4.1 "client loss".
func (c *Channel) RequeueAllFor(id ClientID) {
	c.mu.Lock()
	var owned []message.ID
	for mid, entry := range c.inFlight {
		if entry.clientID == id {
			owned = append(owned, mid)
		}
	}
	for _, mid := range owned {
		entry := c.inFlight[mid]
		delete(c.inFlight, mid)
		c.requeueCount++
		entry.msg.Attempts++
		c.pending = append(c.pending, entry.msg)
	}
	c.mu.Unlock()
	if len(owned) > 0 {
		c.wakeSubscribers()
	}
}

// Stop halts the sweeper goroutine and closes the disk backend, if any.
func (c *Channel) Stop() error {
	close(c.stopCh)
	<-c.doneCh
	return c.backend.Close()
}

// sweepLoop periodically times out stale in-flight entries and promotes
// ready deferred entries, per spec §4.1 "Timeout sweep"/"Deferred sweep".
func (c *Channel) sweepLoop(interval time.Duration) {
	defer close(c.doneCh)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sweepOnce(time.Now())
		case <-c.stopCh:
			return
		}
	}
}

// sweepOnce times out stale in-flight entries and promotes ready deferred
// entries to the pending queue, in a single critical section.
func (c *Channel) sweepOnce(now time.Time) {
	c.mu.Lock()
	var timedOut, promoted int
	for mid, entry := range c.inFlight {
		if now.Sub(entry.start) >= entry.timeout {
			delete(c.inFlight, mid)
			c.timeoutCount++
			entry.msg.Attempts++
			c.pending = append(c.pending, entry.msg)
			timedOut++
		}
	}
	for mid, entry := range c.deferred {
		if !now.Before(entry.readyAt) {
			delete(c.deferred, mid)
			c.pending = append(c.pending, entry.msg)
			promoted++
		}
	}
	c.mu.Unlock()

	if timedOut > 0 {
		metrics.ChannelTimeouts.WithLabelValues(c.TopicName, c.Name).Add(float64(timedOut))
	}
	if timedOut > 0 || promoted > 0 {
		c.wakeSubscribers()
	}
}
