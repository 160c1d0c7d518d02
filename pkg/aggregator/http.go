package aggregator

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/cuemby/relay/pkg/log"
	"github.com/cuemby/relay/pkg/metrics"
	"github.com/cuemby/relay/pkg/rerrors"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog"
)

// Version is stamped into /info; overridden at link time by
// cmd/relayadmin's build.
var Version = "dev"

// HTTPServer exposes the aggregator's fleet-wide surface (spec §4.4):
// ping/info/stats/topics/nodes, plus per-topic and per-channel control
// fan-out. Grounded on original_source/nsqadmin/src/server.rs's handler
// set, rebuilt against real aggregated data instead of nsqadmin's mocked
// responses, and hosted on the same httprouter/withMetrics shape as
// brokerhttp and registryproto.
type HTTPServer struct {
	agg       *Aggregator
	startedAt time.Time
	logger    zerolog.Logger
	router    *httprouter.Router
}

// NewHTTPServer builds an HTTPServer fronting agg.
func NewHTTPServer(agg *Aggregator) *HTTPServer {
	s := &HTTPServer{agg: agg, startedAt: time.Now(), logger: log.WithComponent("aggregator-http")}
	s.router = s.newRouter()
	return s
}

// Handler returns the server's http.Handler.
func (s *HTTPServer) Handler() http.Handler { return s.router }

func (s *HTTPServer) newRouter() *httprouter.Router {
	r := httprouter.New()
	r.GET("/ping", s.withMetrics("ping", s.handlePing))
	r.GET("/info", s.withMetrics("info", s.handleInfo))
	r.GET("/api/stats", s.withMetrics("api_stats", s.handleStats))
	r.GET("/api/topics", s.withMetrics("api_topics", s.handleTopics))
	r.GET("/api/nodes", s.withMetrics("api_nodes", s.handleNodes))
	r.POST("/api/topic/:topic/create", s.withMetrics("api_topic_create", s.handleTopicCreate))
	r.POST("/api/topic/:topic/delete", s.withMetrics("api_topic_delete", s.handleTopicDelete))
	r.POST("/api/topic/:topic/pause", s.withMetrics("api_topic_pause", s.handleTopicPause))
	r.POST("/api/topic/:topic/unpause", s.withMetrics("api_topic_unpause", s.handleTopicUnpause))
	r.POST("/api/channel/:topic/:channel/create", s.withMetrics("api_channel_create", s.handleChannelCreate))
	r.POST("/api/channel/:topic/:channel/delete", s.withMetrics("api_channel_delete", s.handleChannelDelete))
	r.POST("/api/channel/:topic/:channel/pause", s.withMetrics("api_channel_pause", s.handleChannelPause))
	r.POST("/api/channel/:topic/:channel/unpause", s.withMetrics("api_channel_unpause", s.handleChannelUnpause))
	r.POST("/api/channel/:topic/:channel/empty", s.withMetrics("api_channel_empty", s.handleChannelEmpty))
	r.Handler(http.MethodGet, "/metrics", metrics.Handler())
	return r
}

// Start builds the *http.Server for addr; the caller runs ListenAndServe
// and handles graceful shutdown, matching brokerhttp.Server's shape.
func (s *HTTPServer) Start(addr string) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *HTTPServer) withMetrics(route string, h httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		timer := metrics.NewTimer()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		h(sw, r, ps)
		timer.ObserveDurationVec(metrics.HTTPRequestDuration, route)
		metrics.HTTPRequestsTotal.WithLabelValues(route, http.StatusText(sw.status)).Inc()
	}
}

func (s *HTTPServer) handlePing(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	w.Write([]byte("OK"))
}

func (s *HTTPServer) handleInfo(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]string{"version": Version})
}

type statsResponse struct {
	Version       string       `json:"version"`
	Health        string       `json:"health"`
	StartTime     int64        `json:"start_time"`
	UptimeSeconds float64      `json:"uptime_seconds"`
	Topics        []TopicStats `json:"topics"`
}

func (s *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	topics := s.agg.Stats(r.Context())
	writeJSON(w, http.StatusOK, statsResponse{
		Version:       Version,
		Health:        "OK",
		StartTime:     s.startedAt.Unix(),
		UptimeSeconds: time.Since(s.startedAt).Seconds(),
		Topics:        topics,
	})
}

func (s *HTTPServer) handleTopics(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	topics := s.agg.Stats(r.Context())
	names := make([]string, 0, len(topics))
	for _, t := range topics {
		names = append(names, t.TopicName)
	}
	writeJSON(w, http.StatusOK, map[string][]string{"topics": names})
}

func (s *HTTPServer) handleNodes(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	nodes := s.agg.Nodes(r.Context())
	if nodes == nil {
		nodes = []string{}
	}
	unreachable := s.agg.Unreachable()
	if unreachable == nil {
		unreachable = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"nodes": nodes, "unreachable": unreachable})
}

func fanOutResponse(w http.ResponseWriter, results []NodeResult) {
	if AllFailed(results) {
		writeErr(w, rerrors.IO("all nodes failed", nil))
		return
	}
	failures := make([]string, 0)
	for _, r := range results {
		if r.Err != nil {
			failures = append(failures, r.Node+": "+r.Err.Error())
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "failures": failures})
}

func (s *HTTPServer) handleTopicCreate(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	fanOutResponse(w, s.agg.FanOutTopic(r.Context(), "/topic/create", ps.ByName("topic")))
}

func (s *HTTPServer) handleTopicDelete(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	fanOutResponse(w, s.agg.FanOutTopic(r.Context(), "/topic/delete", ps.ByName("topic")))
}

func (s *HTTPServer) handleTopicPause(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	fanOutResponse(w, s.agg.FanOutTopic(r.Context(), "/topic/pause", ps.ByName("topic")))
}

func (s *HTTPServer) handleTopicUnpause(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	fanOutResponse(w, s.agg.FanOutTopic(r.Context(), "/topic/unpause", ps.ByName("topic")))
}

func (s *HTTPServer) handleChannelCreate(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	fanOutResponse(w, s.agg.FanOutChannel(r.Context(), "/channel/create", ps.ByName("topic"), ps.ByName("channel")))
}

func (s *HTTPServer) handleChannelDelete(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	fanOutResponse(w, s.agg.FanOutChannel(r.Context(), "/channel/delete", ps.ByName("topic"), ps.ByName("channel")))
}

func (s *HTTPServer) handleChannelPause(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	fanOutResponse(w, s.agg.FanOutChannel(r.Context(), "/channel/pause", ps.ByName("topic"), ps.ByName("channel")))
}

func (s *HTTPServer) handleChannelUnpause(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	fanOutResponse(w, s.agg.FanOutChannel(r.Context(), "/channel/unpause", ps.ByName("topic"), ps.ByName("channel")))
}

func (s *HTTPServer) handleChannelEmpty(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	fanOutResponse(w, s.agg.FanOutChannel(r.Context(), "/channel/empty", ps.ByName("topic"), ps.ByName("channel")))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
}
