package topic

import (
	"testing"
	"time"

	"github.com/cuemby/relay/pkg/channel"
	"github.com/cuemby/relay/pkg/message"
)

func testConfig() Config {
	return Config{
		MemQueueSize: 64,
		MaxMsgSize:   1 << 20,
		ChannelDefaults: channel.Config{
			MemQueueSize:   64,
			DefaultTimeout: 50 * time.Millisecond,
			MaxTimeout:     time.Second,
			SweepInterval:  10 * time.Millisecond,
		},
	}
}

func TestNewRejectsInvalidName(t *testing.T) {
	if _, err := New("bad name!", testConfig()); err == nil {
		t.Fatal("expected validation error for a name with a space and bang")
	}
}

func TestChannelIsLazilyCreated(t *testing.T) {
	tp, err := New("orders", testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if len(tp.Channels()) != 0 {
		t.Fatalf("expected zero channels before first SUB")
	}
	ch, err := tp.Channel("billing")
	if err != nil {
		t.Fatalf("Channel: %v", err)
	}
	defer ch.Stop()
	if len(tp.Channels()) != 1 {
		t.Fatalf("expected one channel after first SUB")
	}

	again, err := tp.Channel("billing")
	if err != nil {
		t.Fatalf("Channel: %v", err)
	}
	if again != ch {
		t.Fatal("Channel() should return the same instance on repeat calls")
	}
}

func TestPublishFansOutDistinctIDsToEachChannel(t *testing.T) {
	tp, err := New("orders", testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a, _ := tp.Channel("billing")
	b, _ := tp.Channel("shipping")
	defer a.Stop()
	defer b.Stop()

	if err := tp.Publish([]byte("hello")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if a.Depth() != 1 || b.Depth() != 1 {
		t.Fatalf("expected depth 1 on both channels, got a=%d b=%d", a.Depth(), b.Depth())
	}

	clA := newCapturingClient("a")
	clB := newCapturingClient("b")
	if !a.Deliver(clA, 0) || !b.Deliver(clB, 0) {
		t.Fatal("Deliver() failed on a fanned-out message")
	}

	ma := <-clA.received
	mb := <-clB.received
	if ma.ID == mb.ID {
		t.Fatal("fan-out copies must carry distinct ids")
	}
	if string(ma.Body) != "hello" || string(mb.Body) != "hello" {
		t.Fatal("fan-out copies must share the same body")
	}
}

func TestPublishRejectsOversizedBody(t *testing.T) {
	cfg := testConfig()
	cfg.MaxMsgSize = 4
	tp, err := New("orders", cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := tp.Publish([]byte("too long")); err == nil {
		t.Fatal("expected a validation error for an oversized body")
	}
}

func TestPauseStillFansOutButBlocksDelivery(t *testing.T) {
	tp, err := New("orders", testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ch, _ := tp.Channel("billing")
	defer ch.Stop()

	tp.Pause()
	if !ch.Paused() {
		t.Fatal("Pause() on the topic should propagate to its existing channels")
	}
	if err := tp.Publish([]byte("hello")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if ch.Depth() != 1 {
		t.Fatalf("a paused topic still accumulates channel depth, got depth %d", ch.Depth())
	}
	if tp.MessageCount() != 1 {
		t.Fatalf("MessageCount() = %d, want 1", tp.MessageCount())
	}

	cl := newCapturingClient("a")
	if ch.Deliver(cl, 0) {
		t.Fatal("Deliver() should refuse to hand messages to subscribers while paused")
	}

	tp.Unpause()
	if ch.Paused() {
		t.Fatal("Unpause() on the topic should propagate to its existing channels")
	}
	if err := tp.Publish([]byte("world")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if ch.Depth() != 2 {
		t.Fatalf("unpaused topic should still fan out, got depth %d", ch.Depth())
	}
	if !ch.Deliver(cl, 0) {
		t.Fatal("Deliver() should succeed once unpaused")
	}
}

func TestChannelCreatedWhilePausedStartsPaused(t *testing.T) {
	tp, err := New("orders", testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tp.Pause()
	ch, err := tp.Channel("billing")
	if err != nil {
		t.Fatalf("Channel: %v", err)
	}
	defer ch.Stop()
	if !ch.Paused() {
		t.Fatal("a channel created while its topic is paused should start paused")
	}
}

func TestDeleteChannelStopsIt(t *testing.T) {
	tp, err := New("orders", testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tp.Channel("billing")
	if err := tp.DeleteChannel("billing"); err != nil {
		t.Fatalf("DeleteChannel: %v", err)
	}
	if len(tp.Channels()) != 0 {
		t.Fatal("expected zero channels after delete")
	}
	if err := tp.DeleteChannel("billing"); err == nil {
		t.Fatal("expected error deleting an already-removed channel")
	}
}

type capturingClient struct {
	id       channel.ClientID
	received chan *message.Message
}

func newCapturingClient(id string) *capturingClient {
	return &capturingClient{id: channel.ClientID(id), received: make(chan *message.Message, 4)}
}

func (c *capturingClient) ClientID() channel.ClientID { return c.id }

func (c *capturingClient) Deliver(m *message.Message) bool {
	c.received <- m
	return true
}

func (c *capturingClient) Wake() {}
