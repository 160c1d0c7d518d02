package broker

import (
	"encoding/json"
	"time"

	"github.com/cuemby/relay/pkg/rerrors"
)

// identifyRequest is IDENTIFY's JSON payload (spec §3: "negotiated
// parameters (heartbeat interval, output-buffer size/timeout,
// deflate/snappy, sample rate, max-in-flight)"). Every field is optional;
// a zero value means "leave this parameter at its current default."
type identifyRequest struct {
	HeartbeatIntervalMS int64 `json:"heartbeat_interval"`
	OutputBufferSize    int32 `json:"output_buffer_size"`
	OutputBufferTimeout int64 `json:"output_buffer_timeout"`
	Deflate             bool  `json:"deflate"`
	Snappy              bool  `json:"snappy"`
	SampleRate          int32 `json:"sample_rate"`
	MaxInFlight         int32 `json:"max_in_flight"`
	MsgTimeoutMS        int64 `json:"msg_timeout"`
}

// identifyResponse echoes the settings actually applied, per spec §4.2's
// command table: "response body is a JSON object echoing effective
// settings."
type identifyResponse struct {
	HeartbeatIntervalMS int64 `json:"heartbeat_interval"`
	OutputBufferSize    int32 `json:"output_buffer_size"`
	OutputBufferTimeout int64 `json:"output_buffer_timeout"`
	Deflate             bool  `json:"deflate"`
	Snappy              bool  `json:"snappy"`
	SampleRate          int32 `json:"sample_rate"`
	MaxRdyCount         int32 `json:"max_rdy_count"`
	MsgTimeoutMS        int64 `json:"msg_timeout"`
}

// applyIdentify negotiates connection parameters from an IDENTIFY payload,
// clamping every field to this broker's bounds rather than trusting the
// client, and returns the JSON body the caller should echo back.
func (c *Client) applyIdentify(payload []byte) ([]byte, error) {
	var req identifyRequest
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, rerrors.Protocol(rerrors.CodeInvalid, "malformed IDENTIFY payload")
		}
	}

	c.mu.Lock()

	if req.HeartbeatIntervalMS > 0 {
		hb := time.Duration(req.HeartbeatIntervalMS) * time.Millisecond
		c.heartbeatInterval = clampDuration(hb, MinHeartbeatInterval, MaxHeartbeatInterval)
	}
	if req.MsgTimeoutMS > 0 {
		mt := time.Duration(req.MsgTimeoutMS) * time.Millisecond
		c.msgTimeout = clampDuration(mt, MinMsgTimeout, DefaultMaxMsgTimeout)
	}
	if req.OutputBufferSize > 0 {
		c.outputBufferSize = clampInt32(req.OutputBufferSize, 1, MaxOutputBufferSize)
	}
	if req.OutputBufferTimeout > 0 {
		ob := time.Duration(req.OutputBufferTimeout) * time.Millisecond
		c.outputBufferTimeout = clampDuration(ob, 0, MaxHeartbeatInterval)
	}
	if req.SampleRate > 0 {
		c.sampleRate = clampInt32(req.SampleRate, 0, MaxSampleRate)
	}
	if req.MaxInFlight > 0 {
		c.maxRdyCount = clampInt32(req.MaxInFlight, 1, DefaultMaxRdyCount)
	}
	c.deflate = req.Deflate
	c.snappy = req.Snappy

	resp := identifyResponse{
		HeartbeatIntervalMS: c.heartbeatInterval.Milliseconds(),
		OutputBufferSize:    c.outputBufferSize,
		OutputBufferTimeout: c.outputBufferTimeout.Milliseconds(),
		Deflate:             c.deflate,
		Snappy:              c.snappy,
		SampleRate:          c.sampleRate,
		MaxRdyCount:         c.maxRdyCount,
		MsgTimeoutMS:        c.msgTimeout.Milliseconds(),
	}
	c.mu.Unlock()

	return json.Marshal(resp)
}

func clampDuration(d, min, max time.Duration) time.Duration {
	if d < min {
		return min
	}
	if d > max {
		return max
	}
	return d
}

func clampInt32(v, min, max int32) int32 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
