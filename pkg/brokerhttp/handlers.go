package brokerhttp

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"net/http"
	"time"

	"github.com/cuemby/relay/pkg/channel"
	"github.com/cuemby/relay/pkg/rerrors"
	"github.com/cuemby/relay/pkg/topic"
	"github.com/julienschmidt/httprouter"
)

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	w.Write([]byte("OK"))
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]string{"version": Version, "build": Version})
}

// channelStats mirrors spec §6's /stats channel object.
type channelStats struct {
	ChannelName   string   `json:"channel_name"`
	Depth         int64    `json:"depth"`
	BackendDepth  int64    `json:"backend_depth"`
	MessageCount  uint64   `json:"message_count"`
	InFlightCount int      `json:"in_flight_count"`
	DeferredCount int      `json:"deferred_count"`
	RequeueCount  uint64   `json:"requeue_count"`
	TimeoutCount  uint64   `json:"timeout_count"`
	Paused        bool     `json:"paused"`
	Clients       []string `json:"clients"`
}

// topicStats mirrors spec §6's /stats topic object.
type topicStats struct {
	TopicName     string         `json:"topic_name"`
	Paused        bool           `json:"paused"`
	MessageCount  uint64         `json:"message_count"`
	ChannelCount  int            `json:"channel_count"`
	Depth         int64          `json:"depth"`
	BackendDepth  int64          `json:"backend_depth"`
	InFlightCount int            `json:"in_flight_count"`
	DeferredCount int            `json:"deferred_count"`
	RequeueCount  uint64         `json:"requeue_count"`
	TimeoutCount  uint64         `json:"timeout_count"`
	Channels      []channelStats `json:"channels"`
}

type statsResponse struct {
	Version       string       `json:"version"`
	Health        string       `json:"health"`
	StartTime     int64        `json:"start_time"`
	Uptime        string       `json:"uptime"`
	UptimeSeconds float64      `json:"uptime_seconds"`
	Topics        []topicStats `json:"topics"`
	Producers     []string     `json:"producers"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	uptime := time.Since(s.startedAt)
	resp := statsResponse{
		Version:       Version,
		Health:        "OK",
		StartTime:     s.startedAt.Unix(),
		Uptime:        uptime.String(),
		UptimeSeconds: uptime.Seconds(),
		Producers:     []string{},
	}
	for _, t := range s.b.Topics() {
		messageCount := t.MessageCount()
		ts := topicStats{
			TopicName:    t.Name,
			Paused:       t.Paused(),
			MessageCount: messageCount,
			ChannelCount: len(t.Channels()),
			Depth:        t.Depth(),
		}
		for _, ch := range t.Channels() {
			mc, rc, tc := ch.Counters()
			cs := channelStats{
				ChannelName:   ch.Name,
				Depth:         ch.Depth(),
				BackendDepth:  ch.BackendDepth(),
				MessageCount:  mc,
				InFlightCount: ch.InFlightCount(),
				DeferredCount: ch.DeferredCount(),
				RequeueCount:  rc,
				TimeoutCount:  tc,
				Paused:        ch.Paused(),
				Clients:       []string{},
			}
			ts.InFlightCount += cs.InFlightCount
			ts.DeferredCount += cs.DeferredCount
			ts.RequeueCount += cs.RequeueCount
			ts.TimeoutCount += cs.TimeoutCount
			ts.BackendDepth += cs.BackendDepth
			ts.Channels = append(ts.Channels, cs)
		}
		resp.Topics = append(resp.Topics, ts)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePub(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	topicName := r.URL.Query().Get("topic")
	body, err := readBody(r)
	if err != nil {
		writeErr(w, rerrors.IO("failed to read body", err))
		return
	}
	t, err := s.b.Topic(topicName)
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := t.Publish(body); err != nil {
		writeErr(w, err)
		return
	}
	w.Write([]byte("OK"))
}

// handleMpub implements spec §6's text and binary MPUB bodies: newline
// separated in text mode (default), [count][len][body]... in binary mode.
func (s *Server) handleMpub(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	topicName := r.URL.Query().Get("topic")
	body, err := readBody(r)
	if err != nil {
		writeErr(w, rerrors.IO("failed to read body", err))
		return
	}
	t, err := s.b.Topic(topicName)
	if err != nil {
		writeErr(w, err)
		return
	}

	var bodies [][]byte
	if r.URL.Query().Get("binary") == "true" {
		bodies, err = decodeBinaryMpub(body)
		if err != nil {
			writeErr(w, rerrors.Validation(rerrors.CodeInvalid, err.Error()))
			return
		}
	} else {
		for _, line := range bytes.Split(bytes.TrimRight(body, "\n"), []byte("\n")) {
			bodies = append(bodies, line)
		}
	}

	if err := t.PublishMulti(bodies); err != nil {
		writeErr(w, err)
		return
	}
	w.Write([]byte("OK"))
}

func decodeBinaryMpub(body []byte) ([][]byte, error) {
	r := bufio.NewReader(bytes.NewReader(body))
	var countBuf [4]byte
	if _, err := io.ReadFull(r, countBuf[:]); err != nil {
		return nil, err
	}
	count := binary.BigEndian.Uint32(countBuf[:])
	bodies := make([][]byte, 0, count)
	for i := uint32(0); i < count; i++ {
		var lenBuf [4]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return nil, err
		}
		msg := make([]byte, binary.BigEndian.Uint32(lenBuf[:]))
		if _, err := io.ReadFull(r, msg); err != nil {
			return nil, err
		}
		bodies = append(bodies, msg)
	}
	return bodies, nil
}

func (s *Server) topicFromQuery(r *http.Request) (*topic.Topic, error) {
	return s.b.Topic(r.URL.Query().Get("topic"))
}

func (s *Server) channelFromQuery(r *http.Request) (*channel.Channel, error) {
	t, err := s.topicFromQuery(r)
	if err != nil {
		return nil, err
	}
	return t.Channel(r.URL.Query().Get("channel"))
}

func (s *Server) handleTopicCreate(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if _, err := s.topicFromQuery(r); err != nil {
		writeErr(w, err)
		return
	}
	w.Write([]byte("OK"))
}

func (s *Server) handleTopicDelete(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if err := s.b.DeleteTopic(r.URL.Query().Get("topic")); err != nil {
		writeErr(w, err)
		return
	}
	w.Write([]byte("OK"))
}

func (s *Server) handleTopicPause(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	t, err := s.topicFromQuery(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	t.Pause()
	w.Write([]byte("OK"))
}

func (s *Server) handleTopicUnpause(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	t, err := s.topicFromQuery(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	t.Unpause()
	w.Write([]byte("OK"))
}

func (s *Server) handleChannelCreate(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if _, err := s.channelFromQuery(r); err != nil {
		writeErr(w, err)
		return
	}
	w.Write([]byte("OK"))
}

func (s *Server) handleChannelDelete(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	t, err := s.topicFromQuery(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := t.DeleteChannel(r.URL.Query().Get("channel")); err != nil {
		writeErr(w, err)
		return
	}
	w.Write([]byte("OK"))
}

func (s *Server) handleChannelPause(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ch, err := s.channelFromQuery(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	ch.Pause()
	w.Write([]byte("OK"))
}

func (s *Server) handleChannelUnpause(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ch, err := s.channelFromQuery(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	ch.Unpause()
	w.Write([]byte("OK"))
}

func (s *Server) handleChannelEmpty(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ch, err := s.channelFromQuery(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	ch.Empty()
	w.Write([]byte("OK"))
}
