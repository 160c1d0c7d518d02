package brokerhttp

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/cuemby/relay/pkg/broker"
)

func testServer() (*Server, *broker.Broker) {
	cfg := broker.DefaultConfig()
	cfg.MemQueueSize = 64
	cfg.DefaultMsgTimeout = 200 * time.Millisecond
	cfg.MaxMsgTimeout = time.Second
	b := broker.New(cfg)
	return New(b), b
}

func TestPingReturnsOK(t *testing.T) {
	s, _ := testServer()
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/ping")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestPubThenStatsShowsMessageCount(t *testing.T) {
	s, _ := testServer()
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/pub?topic=orders", "text/plain", strings.NewReader("hello"))
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("PUB status = %d, want 200", resp.StatusCode)
	}

	resp, err = http.Post(srv.URL+"/channel/create?"+url.Values{"topic": {"orders"}, "channel": {"billing"}}.Encode(), "", nil)
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	resp.Body.Close()

	statsResp, err := http.Get(srv.URL + "/stats")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer statsResp.Body.Close()
	var got statsResponse
	if err := json.NewDecoder(statsResp.Body).Decode(&got); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(got.Topics) != 1 || got.Topics[0].TopicName != "orders" {
		t.Fatalf("got topics %+v", got.Topics)
	}
	if got.Topics[0].MessageCount != 1 {
		t.Fatalf("message_count = %d, want 1", got.Topics[0].MessageCount)
	}
}

func TestMpubTextModeSplitsOnNewlines(t *testing.T) {
	s, b := testServer()
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/mpub?topic=orders", "text/plain", strings.NewReader("one\ntwo\nthree"))
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	tp, err := b.Topic("orders")
	if err != nil {
		t.Fatalf("Topic: %v", err)
	}
	if tp.MessageCount() != 3 {
		t.Fatalf("MessageCount() = %d, want 3", tp.MessageCount())
	}
}

func TestTopicDeleteOfUnknownTopicFails(t *testing.T) {
	s, _ := testServer()
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/topic/delete?topic=nope", "", nil)
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		t.Fatal("expected a non-200 status deleting an unknown topic")
	}
}

func TestChannelPauseEndpointPausesChannel(t *testing.T) {
	s, b := testServer()
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	tp, _ := b.Topic("orders")
	ch, _ := tp.Channel("billing")
	defer ch.Stop()

	resp, err := http.Post(srv.URL+"/channel/pause?"+url.Values{"topic": {"orders"}, "channel": {"billing"}}.Encode(), "", nil)
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	resp.Body.Close()
	if !ch.Paused() {
		t.Fatal("expected channel to be paused")
	}
}
