// Package brokerhttp implements the broker's HTTP control plane (spec §6):
// ping/info/stats, publish, and topic/channel lifecycle operations.
// Grounded on the teacher's pkg/api/health.go for the http.Server
// timeout/JSON-response shape, re-hosted on httprouter per the pack's
// linkerd2 admin-surface style since spec §6 calls for named path/query
// params rather than the teacher's gRPC service dispatch.
package brokerhttp

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/cuemby/relay/pkg/broker"
	"github.com/cuemby/relay/pkg/log"
	"github.com/cuemby/relay/pkg/metrics"
	"github.com/cuemby/relay/pkg/rerrors"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog"
)

// Version is stamped into /info and /stats; overridden at link time by
// cmd/relayd's build.
var Version = "dev"

// Server hosts the HTTP control plane for one Broker.
type Server struct {
	b         *broker.Broker
	startedAt time.Time
	logger    zerolog.Logger
	router    *httprouter.Router
}

// New builds a Server wired to b. Call Handler() to obtain the
// http.Handler, or Start(addr) to run it directly.
func New(b *broker.Broker) *Server {
	s := &Server{b: b, startedAt: time.Now(), logger: log.WithComponent("brokerhttp")}
	s.router = s.newRouter()
	return s
}

func (s *Server) newRouter() *httprouter.Router {
	r := httprouter.New()
	r.GET("/ping", s.withMetrics("ping", s.handlePing))
	r.GET("/info", s.withMetrics("info", s.handleInfo))
	r.GET("/stats", s.withMetrics("stats", s.handleStats))
	r.POST("/pub", s.withMetrics("pub", s.handlePub))
	r.POST("/mpub", s.withMetrics("mpub", s.handleMpub))
	r.POST("/topic/create", s.withMetrics("topic_create", s.handleTopicCreate))
	r.POST("/topic/delete", s.withMetrics("topic_delete", s.handleTopicDelete))
	r.POST("/topic/pause", s.withMetrics("topic_pause", s.handleTopicPause))
	r.POST("/topic/unpause", s.withMetrics("topic_unpause", s.handleTopicUnpause))
	r.POST("/channel/create", s.withMetrics("channel_create", s.handleChannelCreate))
	r.POST("/channel/delete", s.withMetrics("channel_delete", s.handleChannelDelete))
	r.POST("/channel/pause", s.withMetrics("channel_pause", s.handleChannelPause))
	r.POST("/channel/unpause", s.withMetrics("channel_unpause", s.handleChannelUnpause))
	r.POST("/channel/empty", s.withMetrics("channel_empty", s.handleChannelEmpty))
	r.Handler(http.MethodGet, "/metrics", metrics.Handler())
	return r
}

// Handler returns the composed http.Handler, for embedding or testing.
func (s *Server) Handler() http.Handler { return s.router }

// Start builds the *http.Server for addr; the caller runs ListenAndServe
// and handles graceful shutdown, matching registryproto and aggregator's
// HTTPServer.Start shape.
func (s *Server) Start(addr string) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// withMetrics wraps a handler to record request count/duration, mirroring
// the teacher's api.interceptor style generalized from gRPC to HTTP.
func (s *Server) withMetrics(route string, h httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		timer := metrics.NewTimer()
		rw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		h(rw, r, ps)
		timer.ObserveDurationVec(metrics.HTTPRequestDuration, route)
		metrics.HTTPRequestsTotal.WithLabelValues(route, http.StatusText(rw.status)).Inc()
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

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeErr reports err as spec §7 requires: non-200 status, a body naming
// the kind.
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

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}
