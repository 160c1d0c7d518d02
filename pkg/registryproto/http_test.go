package registryproto

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/cuemby/relay/pkg/registry"
)

func testHTTPServer() (*HTTPServer, *registry.Registry) {
	reg := registry.New(registry.Config{
		InactiveProducerTimeout: time.Hour,
		TombstoneLifetime:       50 * time.Millisecond,
		GCInterval:              time.Hour,
	})
	return NewHTTPServer(reg), reg
}

func TestPingReturnsOK(t *testing.T) {
	s, reg := testHTTPServer()
	defer reg.Stop()
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

func TestLookupReflectsRegisteredProducer(t *testing.T) {
	s, reg := testHTTPServer()
	defer reg.Stop()
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	p := reg.Identify("10.0.0.1", 4150, 4151, "host-a", "1.0.0")
	if err := reg.Register(p.ID, "orders", "billing"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	resp, err := http.Get(srv.URL + "/lookup?topic=orders")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()
	var got lookupResponse
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(got.Channels) != 1 || got.Channels[0] != "billing" {
		t.Fatalf("channels = %v", got.Channels)
	}
	if len(got.Producers) != 1 || got.Producers[0].BroadcastAddress != "10.0.0.1" {
		t.Fatalf("producers = %+v", got.Producers)
	}
}

func TestLookupMissingTopicParamIsBadRequest(t *testing.T) {
	s, reg := testHTTPServer()
	defer reg.Stop()
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/lookup")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestTombstoneExcludesFromLookup(t *testing.T) {
	s, reg := testHTTPServer()
	defer reg.Stop()
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	p := reg.Identify("10.0.0.1", 4150, 4151, "host-a", "1.0.0")
	reg.Register(p.ID, "orders", "")

	resp, err := http.Post(srv.URL+"/tombstone_topic_producer?"+url.Values{"topic": {"orders"}, "node": {p.ID}}.Encode(), "", nil)
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/lookup?topic=orders")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()
	var got lookupResponse
	json.NewDecoder(resp.Body).Decode(&got)
	if len(got.Producers) != 0 {
		t.Fatalf("expected tombstoned producer excluded, got %+v", got.Producers)
	}
}

func TestTopicCreateThenListed(t *testing.T) {
	s, reg := testHTTPServer()
	defer reg.Stop()
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/topic/create?topic=orders", "", nil)
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/topics")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()
	var got map[string][]string
	json.NewDecoder(resp.Body).Decode(&got)
	if len(got["topics"]) != 1 || got["topics"][0] != "orders" {
		t.Fatalf("topics = %v", got["topics"])
	}
}
