package channel

import (
	"testing"
	"time"

	"github.com/cuemby/relay/pkg/message"
)

type fakeClient struct {
	id       ClientID
	received chan *message.Message
	reject   bool
}

func newFakeClient(id string) *fakeClient {
	return &fakeClient{id: ClientID(id), received: make(chan *message.Message, 8)}
}

func (f *fakeClient) ClientID() ClientID { return f.id }

func (f *fakeClient) Deliver(m *message.Message) bool {
	if f.reject {
		return false
	}
	f.received <- m
	return true
}

func (f *fakeClient) Wake() {}

func newTestChannel() *Channel {
	return New("orders", "billing", Config{
		MemQueueSize:   64,
		DefaultTimeout: 50 * time.Millisecond,
		MaxTimeout:     time.Second,
		SweepInterval:  10 * time.Millisecond,
	})
}

func TestPutThenDeliverMovesToInFlight(t *testing.T) {
	c := newTestChannel()
	defer c.Stop()

	m, _ := message.NewMessage([]byte("hello"))
	if err := c.Put(m); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if got := c.Depth(); got != 1 {
		t.Fatalf("Depth() = %d, want 1", got)
	}

	cl := newFakeClient("c1")
	if !c.Deliver(cl, 0) {
		t.Fatal("Deliver() = false, want true")
	}
	if c.Depth() != 0 {
		t.Fatalf("Depth() after delivery = %d, want 0", c.Depth())
	}
	if c.InFlightCount() != 1 {
		t.Fatalf("InFlightCount() = %d, want 1", c.InFlightCount())
	}

	select {
	case got := <-cl.received:
		if got.ID != m.ID {
			t.Fatalf("delivered wrong message")
		}
	default:
		t.Fatal("client never received the message")
	}
}

func TestFinishClearsInFlight(t *testing.T) {
	c := newTestChannel()
	defer c.Stop()

	m, _ := message.NewMessage([]byte("hello"))
	c.Put(m)
	cl := newFakeClient("c1")
	c.Deliver(cl, 0)

	if err := c.Finish(m.ID); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if c.InFlightCount() != 0 {
		t.Fatalf("InFlightCount() after Finish = %d, want 0", c.InFlightCount())
	}
	if err := c.Finish(m.ID); err == nil {
		t.Fatal("second Finish() on the same id should fail")
	}
}

func TestRequeueImmediateReturnsToPending(t *testing.T) {
	c := newTestChannel()
	defer c.Stop()

	m, _ := message.NewMessage([]byte("hello"))
	c.Put(m)
	cl := newFakeClient("c1")
	c.Deliver(cl, 0)

	if err := c.Requeue(m.ID, 0); err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	if c.InFlightCount() != 0 {
		t.Fatalf("InFlightCount() = %d, want 0", c.InFlightCount())
	}
	if c.Depth() != 1 {
		t.Fatalf("Depth() = %d, want 1", c.Depth())
	}
	_, requeues, _ := c.Counters()
	if requeues != 1 {
		t.Fatalf("requeueCount = %d, want 1", requeues)
	}
	if m.Attempts != 1 {
		t.Fatalf("Attempts = %d, want 1 after a requeue", m.Attempts)
	}
}

func TestRedeliveryAfterRequeueReportsIncrementedAttempts(t *testing.T) {
	c := newTestChannel()
	defer c.Stop()

	m, _ := message.NewMessage([]byte("hello"))
	c.Put(m)
	cl := newFakeClient("c1")
	c.Deliver(cl, 0)
	<-cl.received

	c.Requeue(m.ID, 0)

	cl2 := newFakeClient("c2")
	if !c.Deliver(cl2, 0) {
		t.Fatal("Deliver() = false, want true")
	}
	got := <-cl2.received
	if got.Attempts != 1 {
		t.Fatalf("redelivered Attempts = %d, want 1", got.Attempts)
	}
}

func TestRequeueDelayedGoesToDeferredThenPromotes(t *testing.T) {
	c := newTestChannel()
	defer c.Stop()

	m, _ := message.NewMessage([]byte("hello"))
	c.Put(m)
	cl := newFakeClient("c1")
	c.Deliver(cl, time.Second)

	if err := c.Requeue(m.ID, 30*time.Millisecond); err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	if c.DeferredCount() != 1 {
		t.Fatalf("DeferredCount() = %d, want 1", c.DeferredCount())
	}

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if c.Depth() == 1 && c.DeferredCount() == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("deferred entry never promoted: depth=%d deferred=%d", c.Depth(), c.DeferredCount())
}

func TestSweepTimesOutStaleInFlight(t *testing.T) {
	c := newTestChannel()
	defer c.Stop()

	m, _ := message.NewMessage([]byte("hello"))
	c.Put(m)
	cl := newFakeClient("c1")
	c.Deliver(cl, 20*time.Millisecond)

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if c.InFlightCount() == 0 && c.Depth() == 1 {
			_, _, timeouts := c.Counters()
			if timeouts != 1 {
				t.Fatalf("timeoutCount = %d, want 1", timeouts)
			}
			cl2 := newFakeClient("c2")
			if !c.Deliver(cl2, time.Second) {
				t.Fatal("Deliver() after timeout = false, want true")
			}
			got := <-cl2.received
			if got.Attempts != 1 {
				t.Fatalf("Attempts after timeout-requeue = %d, want 1", got.Attempts)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("in-flight message was never timed out and requeued")
}

func TestClientLossRequeuesOwnedMessages(t *testing.T) {
	c := newTestChannel()
	defer c.Stop()

	m, _ := message.NewMessage([]byte("hello"))
	c.Put(m)
	cl := newFakeClient("c1")
	c.Deliver(cl, time.Second)

	c.RequeueAllFor(cl.ClientID())

	if c.InFlightCount() != 0 {
		t.Fatalf("InFlightCount() = %d, want 0", c.InFlightCount())
	}
	if c.Depth() != 1 {
		t.Fatalf("Depth() = %d, want 1", c.Depth())
	}
	if m.Attempts != 1 {
		t.Fatalf("Attempts = %d, want 1 after a client-loss requeue", m.Attempts)
	}
}

func TestDeliverRejectedByClientIsTreatedAsImmediateRequeue(t *testing.T) {
	c := newTestChannel()
	defer c.Stop()

	m, _ := message.NewMessage([]byte("hello"))
	c.Put(m)
	cl := newFakeClient("c1")
	cl.reject = true

	if c.Deliver(cl, 0) {
		t.Fatal("Deliver() = true, want false for a rejecting client")
	}
	if c.InFlightCount() != 0 {
		t.Fatalf("InFlightCount() = %d, want 0", c.InFlightCount())
	}
	if c.Depth() != 1 {
		t.Fatalf("Depth() = %d, want 1 after the rejected delivery is requeued", c.Depth())
	}
}

func TestPauseSuspendsDeliveryButNotPublish(t *testing.T) {
	c := newTestChannel()
	defer c.Stop()

	c.Pause()
	if !c.Paused() {
		t.Fatal("Paused() = false after Pause()")
	}

	m, _ := message.NewMessage([]byte("hello"))
	c.Put(m)
	if c.Depth() != 1 {
		t.Fatalf("Depth() = %d, want 1 even while paused", c.Depth())
	}

	cl := newFakeClient("c1")
	if c.Deliver(cl, 0) {
		t.Fatal("Deliver() should fail while paused")
	}

	c.Unpause()
	if !c.Deliver(cl, 0) {
		t.Fatal("Deliver() should succeed after Unpause()")
	}
}

func TestEmptyIsIdempotentAndLeavesInFlightAlone(t *testing.T) {
	c := newTestChannel()
	defer c.Stop()

	m1, _ := message.NewMessage([]byte("one"))
	m2, _ := message.NewMessage([]byte("two"))
	c.Put(m1)
	c.Put(m2)

	cl := newFakeClient("c1")
	c.Deliver(cl, time.Second)
	if c.Depth() != 1 {
		t.Fatalf("Depth() = %d, want 1", c.Depth())
	}

	c.Empty()
	c.Empty()
	if c.Depth() != 0 {
		t.Fatalf("Depth() after Empty() = %d, want 0", c.Depth())
	}
	if c.InFlightCount() != 1 {
		t.Fatalf("InFlightCount() after Empty() = %d, want 1", c.InFlightCount())
	}
}
