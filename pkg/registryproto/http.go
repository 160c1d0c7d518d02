package registryproto

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/cuemby/relay/pkg/log"
	"github.com/cuemby/relay/pkg/metrics"
	"github.com/cuemby/relay/pkg/registry"
	"github.com/cuemby/relay/pkg/rerrors"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog"
)

// Version is stamped into /info responses; overridden at link time by
// cmd/relaylookupd.
var Version = "dev"

// HTTPServer is the registry's HTTP lookup and control surface, grounded
// on original_source/nsqlookupd/src/server.rs's axum router.
type HTTPServer struct {
	reg       *registry.Registry
	startedAt time.Time
	logger    zerolog.Logger
	router    *httprouter.Router
}

// NewHTTPServer builds an HTTPServer fronting reg.
func NewHTTPServer(reg *registry.Registry) *HTTPServer {
	s := &HTTPServer{reg: reg, startedAt: time.Now(), logger: log.WithComponent("registryproto-http")}
	s.router = s.newRouter()
	return s
}

// Handler returns the server's http.Handler.
func (s *HTTPServer) Handler() http.Handler { return s.router }

// Start builds the *http.Server for addr; the caller runs ListenAndServe
// and shuts it down.
func (s *HTTPServer) Start(addr string) *http.Server {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return srv
}

func (s *HTTPServer) newRouter() *httprouter.Router {
	r := httprouter.New()
	r.GET("/ping", s.withMetrics("ping", s.handlePing))
	r.GET("/info", s.withMetrics("info", s.handleInfo))
	r.GET("/stats", s.withMetrics("stats", s.handleStats))
	r.GET("/lookup", s.withMetrics("lookup", s.handleLookup))
	r.GET("/topics", s.withMetrics("topics", s.handleTopics))
	r.GET("/channels", s.withMetrics("channels", s.handleChannels))
	r.GET("/nodes", s.withMetrics("nodes", s.handleNodes))
	r.POST("/topic/create", s.withMetrics("topic_create", s.handleTopicCreate))
	r.POST("/topic/delete", s.withMetrics("topic_delete", s.handleTopicDelete))
	r.POST("/channel/create", s.withMetrics("channel_create", s.handleChannelCreate))
	r.POST("/channel/delete", s.withMetrics("channel_delete", s.handleChannelDelete))
	r.POST("/tombstone_topic_producer", s.withMetrics("tombstone_topic_producer", s.handleTombstone))
	r.Handler(http.MethodGet, "/metrics", metrics.Handler())
	return r
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
	Version       string  `json:"version"`
	Health        string  `json:"health"`
	StartTime     int64   `json:"start_time"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	Producers     int     `json:"producers"`
	Topics        int     `json:"topics"`
}

func (s *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, statsResponse{
		Version:       Version,
		Health:        "OK",
		StartTime:     s.startedAt.Unix(),
		UptimeSeconds: time.Since(s.startedAt).Seconds(),
		Producers:     len(s.reg.Nodes()),
		Topics:        len(s.reg.Topics()),
	})
}

type producerView struct {
	Hostname         string `json:"hostname"`
	BroadcastAddress string `json:"broadcast_address"`
	TCPPort          int    `json:"tcp_port"`
	HTTPPort         int    `json:"http_port"`
	Version          string `json:"version"`
}

func toProducerViews(ps []registry.Producer) []producerView {
	out := make([]producerView, 0, len(ps))
	for _, p := range ps {
		out = append(out, producerView{
			Hostname:         p.Hostname,
			BroadcastAddress: p.BroadcastAddress,
			TCPPort:          p.TCPPort,
			HTTPPort:         p.HTTPPort,
			Version:          p.Version,
		})
	}
	return out
}

type lookupResponse struct {
	Channels  []string       `json:"channels"`
	Producers []producerView `json:"producers"`
}

func (s *HTTPServer) handleLookup(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	topic := r.URL.Query().Get("topic")
	if topic == "" {
		writeErr(w, rerrors.Validation(rerrors.CodeBadTopic, "topic is required"))
		return
	}
	channels, producers := s.reg.Lookup(topic)
	if channels == nil {
		channels = []string{}
	}
	writeJSON(w, http.StatusOK, lookupResponse{Channels: channels, Producers: toProducerViews(producers)})
}

func (s *HTTPServer) handleTopics(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	topics := s.reg.Topics()
	if topics == nil {
		topics = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"topics": topics})
}

func (s *HTTPServer) handleChannels(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	topic := r.URL.Query().Get("topic")
	channels := s.reg.Channels(topic)
	if channels == nil {
		channels = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"channels": channels})
}

func (s *HTTPServer) handleNodes(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string][]producerView{"producers": toProducerViews(s.reg.Nodes())})
}

func (s *HTTPServer) handleTopicCreate(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if err := s.reg.CreateTopic(r.URL.Query().Get("topic")); err != nil {
		writeErr(w, err)
		return
	}
	w.Write([]byte("OK"))
}

func (s *HTTPServer) handleTopicDelete(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if err := s.reg.DeleteTopic(r.URL.Query().Get("topic")); err != nil {
		writeErr(w, err)
		return
	}
	w.Write([]byte("OK"))
}

func (s *HTTPServer) handleChannelCreate(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	q := r.URL.Query()
	if err := s.reg.CreateChannel(q.Get("topic"), q.Get("channel")); err != nil {
		writeErr(w, err)
		return
	}
	w.Write([]byte("OK"))
}

func (s *HTTPServer) handleChannelDelete(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	q := r.URL.Query()
	if err := s.reg.DeleteChannel(q.Get("topic"), q.Get("channel")); err != nil {
		writeErr(w, err)
		return
	}
	w.Write([]byte("OK"))
}

func (s *HTTPServer) handleTombstone(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	q := r.URL.Query()
	topic, node := q.Get("topic"), q.Get("node")
	if topic == "" || node == "" {
		writeErr(w, rerrors.Validation(rerrors.CodeInvalid, "topic and node are required"))
		return
	}
	s.reg.TombstoneProducer(topic, node)
	w.Write([]byte("OK"))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := "E_INTERNAL"
	if re, ok := err.(*rerrors.Error); ok {
		code = re.Code
		switch re.Kind {
		case rerrors.KindValidation, rerrors.KindProtocol:
			status = http.StatusBadRequest
		case rerrors.KindQueue:
			status = http.StatusNotFound
		}
	}
	writeJSON(w, status, map[string]string{"error": code, "message": err.Error()})
}
