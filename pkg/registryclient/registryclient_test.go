package registryclient

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/cuemby/relay/pkg/broker"
	"github.com/cuemby/relay/pkg/registry"
	"github.com/cuemby/relay/pkg/registryproto"
)

func TestClientRegistersTopicsWithRegistry(t *testing.T) {
	reg := registry.New(registry.Config{
		InactiveProducerTimeout: time.Minute,
		TombstoneLifetime:       time.Minute,
		GCInterval:              time.Hour,
	})
	defer reg.Stop()

	tcpSrv := registryproto.NewTCPServer(reg)
	ln := listenLoopback(t)
	go tcpSrv.Serve(ln)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		tcpSrv.Shutdown(ctx)
	}()

	brk := broker.New(broker.Config{MemQueueSize: 10})
	if _, err := brk.Topic("orders"); err != nil {
		t.Fatalf("Topic: %v", err)
	}
	if _, err := mustChannel(brk, "orders", "billing"); err != nil {
		t.Fatalf("Channel: %v", err)
	}

	c := New(Config{
		RegistryAddrs:    []string{ln.Addr().String()},
		BroadcastAddress: "127.0.0.1",
		TCPPort:          4150,
		HTTPPort:         4151,
		Hostname:         "test-host",
		Version:          "test",
		PingInterval:     20 * time.Millisecond,
		DialTimeout:      time.Second,
		RetryInterval:    20 * time.Millisecond,
	}, brk)
	c.Start()
	defer c.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		_, producers := reg.Lookup("orders")
		if len(producers) == 1 {
			channels := reg.Channels("orders")
			if len(channels) == 1 && channels[0] == "billing" {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("topic/channel never appeared in registry lookup")
}

func mustChannel(brk *broker.Broker, topicName, channelName string) (interface{}, error) {
	tp, err := brk.Topic(topicName)
	if err != nil {
		return nil, err
	}
	return tp.Channel(channelName)
}

func listenLoopback(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	return ln
}
