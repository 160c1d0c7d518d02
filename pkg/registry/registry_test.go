package registry

import (
	"testing"
	"time"
)

func testRegistry() *Registry {
	return New(Config{
		InactiveProducerTimeout: 50 * time.Millisecond,
		TombstoneLifetime:       50 * time.Millisecond,
		GCInterval:              10 * time.Millisecond,
	})
}

func TestIdentifyThenRegisterAppearsInLookup(t *testing.T) {
	r := testRegistry()
	defer r.Stop()

	p := r.Identify("10.0.0.1", 4150, 4151, "host-a", "1.0.0")
	if err := r.Register(p.ID, "orders", "billing"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	channels, producers := r.Lookup("orders")
	if len(channels) != 1 || channels[0] != "billing" {
		t.Fatalf("channels = %v, want [billing]", channels)
	}
	if len(producers) != 1 || producers[0].ID != p.ID {
		t.Fatalf("producers = %+v", producers)
	}
}

func TestRegisterRejectsUnknownProducer(t *testing.T) {
	r := testRegistry()
	defer r.Stop()

	if err := r.Register("nope:4150", "orders", ""); err == nil {
		t.Fatal("expected error for unknown producer")
	}
}

func TestRegisterRejectsInvalidTopicName(t *testing.T) {
	r := testRegistry()
	defer r.Stop()

	p := r.Identify("10.0.0.1", 4150, 4151, "host-a", "1.0.0")
	if err := r.Register(p.ID, "bad topic name!", ""); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestUnregisterRemovesChannelNotTopic(t *testing.T) {
	r := testRegistry()
	defer r.Stop()

	p := r.Identify("10.0.0.1", 4150, 4151, "host-a", "1.0.0")
	r.Register(p.ID, "orders", "billing")
	if err := r.Unregister(p.ID, "orders", "billing"); err != nil {
		t.Fatalf("Unregister: %v", err)
	}

	channels, producers := r.Lookup("orders")
	if len(channels) != 0 {
		t.Fatalf("channels = %v, want none", channels)
	}
	if len(producers) != 1 {
		t.Fatalf("expected producer to remain registered for topic")
	}
}

func TestHeartbeatKeepsProducerAlive(t *testing.T) {
	r := testRegistry()
	defer r.Stop()

	p := r.Identify("10.0.0.1", 4150, 4151, "host-a", "1.0.0")
	r.Register(p.ID, "orders", "")

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		if err := r.Heartbeat(p.ID); err != nil {
			t.Fatalf("Heartbeat: %v", err)
		}
		time.Sleep(15 * time.Millisecond)
	}

	_, producers := r.Lookup("orders")
	if len(producers) != 1 {
		t.Fatalf("expected producer kept alive by heartbeats, got %+v", producers)
	}
}

func TestStaleProducerIsGarbageCollected(t *testing.T) {
	r := testRegistry()
	defer r.Stop()

	p := r.Identify("10.0.0.1", 4150, 4151, "host-a", "1.0.0")
	r.Register(p.ID, "orders", "")

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		_, producers := r.Lookup("orders")
		if len(producers) == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected stale producer to be evicted by GC")
}

func TestTombstoneExcludesProducerUntilExpiry(t *testing.T) {
	r := New(Config{
		InactiveProducerTimeout: time.Hour, // isolate tombstone expiry from GC
		TombstoneLifetime:       50 * time.Millisecond,
		GCInterval:              10 * time.Millisecond,
	})
	defer r.Stop()

	p := r.Identify("10.0.0.1", 4150, 4151, "host-a", "1.0.0")
	r.Register(p.ID, "orders", "")
	r.TombstoneProducer("orders", p.ID)

	_, producers := r.Lookup("orders")
	if len(producers) != 0 {
		t.Fatalf("expected tombstoned producer excluded, got %+v", producers)
	}

	time.Sleep(60 * time.Millisecond)
	_, producers = r.Lookup("orders")
	if len(producers) != 1 {
		t.Fatalf("expected tombstone to expire and producer to reappear, got %+v", producers)
	}
}

func TestCreateAndDeleteTopic(t *testing.T) {
	r := testRegistry()
	defer r.Stop()

	if err := r.CreateTopic("orders"); err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}
	topics := r.Topics()
	if len(topics) != 1 || topics[0] != "orders" {
		t.Fatalf("Topics() = %v", topics)
	}

	if err := r.DeleteTopic("orders"); err != nil {
		t.Fatalf("DeleteTopic: %v", err)
	}
	if len(r.Topics()) != 0 {
		t.Fatalf("expected topic removed")
	}
}

func TestCreateAndDeleteChannel(t *testing.T) {
	r := testRegistry()
	defer r.Stop()

	if err := r.CreateChannel("orders", "billing"); err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	if chs := r.Channels("orders"); len(chs) != 1 || chs[0] != "billing" {
		t.Fatalf("Channels() = %v", chs)
	}

	if err := r.DeleteChannel("orders", "billing"); err != nil {
		t.Fatalf("DeleteChannel: %v", err)
	}
	if len(r.Channels("orders")) != 0 {
		t.Fatalf("expected channel removed")
	}
}

func TestNodesListsAllKnownProducers(t *testing.T) {
	r := testRegistry()
	defer r.Stop()

	r.Identify("10.0.0.1", 4150, 4151, "host-a", "1.0.0")
	r.Identify("10.0.0.2", 4150, 4151, "host-b", "1.0.0")

	if nodes := r.Nodes(); len(nodes) != 2 {
		t.Fatalf("Nodes() = %+v, want 2", nodes)
	}
}
