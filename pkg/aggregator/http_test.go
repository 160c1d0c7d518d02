package aggregator

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPPingAndStats(t *testing.T) {
	broker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(brokerStatsResponse{
			Topics: []brokerTopicStats{{TopicName: "orders", MessageCount: 1}},
		})
	}))
	defer broker.Close()

	a := New(Config{
		StaticNodes:    []string{broker.URL},
		NodeCacheTTL:   time.Minute,
		RequestTimeout: time.Second,
	})
	s := NewHTTPServer(a)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/ping")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/api/stats")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()
	var got statsResponse
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(got.Topics) != 1 || got.Topics[0].TopicName != "orders" {
		t.Fatalf("topics = %+v", got.Topics)
	}
}

func TestHTTPTopicPauseFansOut(t *testing.T) {
	var gotPath string
	broker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer broker.Close()

	a := New(Config{
		StaticNodes:    []string{broker.URL},
		NodeCacheTTL:   time.Minute,
		RequestTimeout: time.Second,
	})
	s := NewHTTPServer(a)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/topic/orders/pause", "", nil)
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if gotPath != "/topic/pause" {
		t.Fatalf("broker received path %q, want /topic/pause", gotPath)
	}
}
