// Package topic implements the topic layer of spec §4.1: a named message
// stream that fans each published message out to every one of its
// channels, each channel getting an independently-addressable copy.
// Grounded on original_source/nsqd/src/topic.rs (channel map, publish →
// distribute-to-channels, pause/unpause/delete, aggregated stats).
package topic

import (
	"sync"
	"time"

	"github.com/cuemby/relay/pkg/channel"
	"github.com/cuemby/relay/pkg/log"
	"github.com/cuemby/relay/pkg/message"
	"github.com/cuemby/relay/pkg/metrics"
	"github.com/cuemby/relay/pkg/queue"
	"github.com/cuemby/relay/pkg/rerrors"
	"github.com/cuemby/relay/pkg/validation"
	"github.com/rs/zerolog"
)

// Config configures a Topic and the channels created under it.
type Config struct {
	MemQueueSize    int
	DiskDir         string // empty disables disk backing for this topic
	DiskMaxFileSize int64
	MaxMsgSize      int
	ChannelDefaults channel.Config
}

// Topic is a named message stream holding zero or more Channels.
type Topic struct {
	Name string

	mu       sync.RWMutex
	channels map[string]*channel.Channel

	backend *queue.Backend

	paused bool

	messageCount uint64

	cfg    Config
	logger zerolog.Logger
}

// New creates a topic after validating its name (spec §4.1 "name MUST
// match ^[.a-zA-Z0-9_-]+$, length 1..=64").
func New(name string, cfg Config) (*Topic, error) {
	if err := validation.TopicName(name); err != nil {
		return nil, err
	}
	var disk *queue.DiskQueue
	if cfg.DiskDir != "" {
		d, err := queue.NewDiskQueue(cfg.DiskDir, cfg.DiskMaxFileSize)
		if err != nil {
			return nil, err
		}
		disk = d
	}
	return &Topic{
		Name:     name,
		channels: make(map[string]*channel.Channel),
		backend:  queue.NewBackend(cfg.MemQueueSize, disk),
		cfg:      cfg,
		logger:   log.WithTopic(name),
	}, nil
}

// Channel returns the named channel, lazily creating it if it does not
// exist yet (spec §3 "Channels are created lazily on first SUB").
func (t *Topic) Channel(name string) (*channel.Channel, error) {
	t.mu.RLock()
	ch, ok := t.channels[name]
	t.mu.RUnlock()
	if ok {
		return ch, nil
	}

	if err := validation.ChannelName(name); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if ch, ok := t.channels[name]; ok {
		return ch, nil
	}
	ch = channel.New(t.Name, name, t.cfg.ChannelDefaults)
	if t.paused {
		ch.Pause()
	}
	t.channels[name] = ch
	metrics.ChannelsTotal.WithLabelValues(t.Name).Set(float64(len(t.channels)))
	return ch, nil
}

// Channels returns a snapshot slice of the topic's current channels.
func (t *Topic) Channels() []*channel.Channel {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*channel.Channel, 0, len(t.channels))
	for _, ch := range t.channels {
		out = append(out, ch)
	}
	return out
}

// DeleteChannel removes and stops a channel.
func (t *Topic) DeleteChannel(name string) error {
	t.mu.Lock()
	ch, ok := t.channels[name]
	if !ok {
		t.mu.Unlock()
		return rerrors.Validation(rerrors.CodeBadChannel, "channel not found")
	}
	delete(t.channels, name)
	metrics.ChannelsTotal.WithLabelValues(t.Name).Set(float64(len(t.channels)))
	t.mu.Unlock()
	return ch.Stop()
}

// Publish fans a single message out to every channel, each channel
// receiving its own fresh-id clone (spec §3, §8 scenario 3). A topic with
// zero channels still accumulates its own depth via the topic-level
// backend so the message isn't lost if a channel subscribes later.
func (t *Topic) Publish(body []byte) error {
	if err := validation.BodySize(len(body), t.cfg.MaxMsgSize); err != nil {
		return err
	}
	m, err := message.NewMessage(body)
	if err != nil {
		return rerrors.IO("generate message id", err)
	}
	return t.distribute(m)
}

// PublishMulti implements MPUB: "publishes many atomically to the topic"
// (spec §4.2), so every body is validated up front and none of them is
// fanned out if any one body is rejected.
func (t *Topic) PublishMulti(bodies [][]byte) error {
	for _, b := range bodies {
		if err := validation.BodySize(len(b), t.cfg.MaxMsgSize); err != nil {
			return err
		}
	}
	for _, b := range bodies {
		if err := t.Publish(b); err != nil {
			return err
		}
	}
	return nil
}

// PublishDeferred implements DPUB: the message becomes visible to every
// channel only after delay elapses.
func (t *Topic) PublishDeferred(body []byte, delay time.Duration) error {
	if err := validation.BodySize(len(body), t.cfg.MaxMsgSize); err != nil {
		return err
	}
	m, err := message.NewMessage(body)
	if err != nil {
		return rerrors.IO("generate message id", err)
	}

	t.mu.Lock()
	t.messageCount++
	chans := make([]*channel.Channel, 0, len(t.channels))
	for _, ch := range t.channels {
		chans = append(chans, ch)
	}
	t.mu.Unlock()

	for _, ch := range chans {
		clone, err := m.Clone()
		if err != nil {
			return rerrors.IO("clone message for fan-out", err)
		}
		ch.PutDeferred(clone, delay)
	}
	metrics.MessagesPublished.WithLabelValues(t.Name).Inc()
	return nil
}

func (t *Topic) distribute(m *message.Message) error {
	t.mu.Lock()
	t.messageCount++
	chans := make([]*channel.Channel, 0, len(t.channels))
	for _, ch := range t.channels {
		chans = append(chans, ch)
	}
	t.mu.Unlock()

	// Paused or not, every channel still accumulates depth from publishes
	// (spec §4.1); Channel.Put succeeds regardless of Channel.Paused, and
	// only Channel.Deliver refuses to hand messages to subscribers.
	for _, ch := range chans {
		clone, err := m.Clone()
		if err != nil {
			return rerrors.IO("clone message for fan-out", err)
		}
		if err := ch.Put(clone); err != nil {
			t.logger.Warn().Err(err).Str("channel", ch.Name).Msg("failed to distribute message to channel")
		}
	}
	metrics.MessagesPublished.WithLabelValues(t.Name).Inc()
	return nil
}

// Depth returns the number of channels' worth of pending messages is not
// meaningful at the topic level once channels exist (each channel has its
// own copy); Depth instead reports the topic-level backend, used only
// before any channel exists.
func (t *Topic) Depth() int64 {
	return t.backend.Depth()
}

// Pause suspends delivery transitively across every existing channel
// (spec §4.1 "Pausing a topic pauses all its channels") and marks the
// topic itself paused so channels created afterward start paused too.
// Publishes still fan out and accumulate depth in every channel; only
// delivery to subscribers stops.
func (t *Topic) Pause() {
	t.mu.Lock()
	t.paused = true
	chans := make([]*channel.Channel, 0, len(t.channels))
	for _, ch := range t.channels {
		chans = append(chans, ch)
	}
	t.mu.Unlock()
	for _, ch := range chans {
		ch.Pause()
	}
}

// Unpause resumes delivery, the inverse of Pause.
func (t *Topic) Unpause() {
	t.mu.Lock()
	t.paused = false
	chans := make([]*channel.Channel, 0, len(t.channels))
	for _, ch := range t.channels {
		chans = append(chans, ch)
	}
	t.mu.Unlock()
	for _, ch := range chans {
		ch.Unpause()
	}
}

// Paused reports the topic's pause state.
func (t *Topic) Paused() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.paused
}

// MessageCount returns the number of messages ever published to this
// topic.
func (t *Topic) MessageCount() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.messageCount
}

// Delete stops every channel and releases the topic-level backend.
func (t *Topic) Delete() error {
	t.mu.Lock()
	names := make([]string, 0, len(t.channels))
	for name := range t.channels {
		names = append(names, name)
	}
	t.mu.Unlock()

	for _, name := range names {
		if err := t.DeleteChannel(name); err != nil {
			return err
		}
	}
	return t.backend.Close()
}
