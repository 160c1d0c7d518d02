// Package broker implements the per-node message broker of spec §4: topic
// and channel management, the TCP wire protocol in pkg/protocol, and the
// RDY-credit client connection state machine. Grounded on
// original_source/nsqd/src/client.rs for the connection lifecycle and on
// the teacher's pkg/worker/worker.go for the connections map/RWMutex
// bookkeeping shape.
package broker

import (
	"bufio"
	"net"
	"sync"
	"time"

	"github.com/cuemby/relay/pkg/channel"
	"github.com/cuemby/relay/pkg/log"
	"github.com/cuemby/relay/pkg/message"
	"github.com/cuemby/relay/pkg/protocol"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ClientState is the connection's position in the IDENTIFY/SUB/RDY state
// machine, mirroring original_source/nsqd/src/client.rs's ClientState enum.
type ClientState int

const (
	StateInitial ClientState = iota
	StateIdentified
	StateSubscribed
	StateClosed
)

func (s ClientState) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateIdentified:
		return "identified"
	case StateSubscribed:
		return "subscribed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Negotiated connection parameters, defaulted the way nsqd's ClientInfo is
// and adjustable by IDENTIFY within the bounds below (spec §3 "negotiated
// parameters").
const (
	DefaultHeartbeatInterval = 30 * time.Second
	MinHeartbeatInterval     = 1 * time.Second
	MaxHeartbeatInterval     = 5 * time.Minute

	DefaultMaxRdyCount = 2500

	DefaultMsgTimeout    = 60 * time.Second
	MinMsgTimeout        = time.Millisecond
	DefaultMaxMsgTimeout = 15 * time.Minute

	DefaultOutputBufferSize    = 16 * 1024
	MaxOutputBufferSize        = 1 << 20
	DefaultOutputBufferTimeout = 250 * time.Millisecond

	MaxSampleRate = 100
)

// ClientStats tracks the per-connection counters spec §6 rolls up into
// /stats.
type ClientStats struct {
	MessagesReceived uint64
	MessagesFinished uint64
	MessagesRequeued uint64
	MessagesTimedOut uint64
}

// Client is one TCP connection's worth of broker-side state: the
// negotiated parameters, RDY credit, in-flight ownership set and the
// subscribed channel, if any. Client implements channel.Notifier so a
// Channel can push deliveries to it without depending on net.Conn.
type Client struct {
	id   channel.ClientID
	conn net.Conn
	rd   *bufio.Reader

	mu       sync.Mutex
	state    ClientState
	topic    string
	chanName string
	ch       *channel.Channel

	rdyCount     int32
	inFlight     map[message.ID]struct{}
	lastActivity time.Time

	heartbeatInterval time.Duration
	msgTimeout        time.Duration
	maxRdyCount       int32

	outputBufferSize    int32
	outputBufferTimeout time.Duration
	sampleRate          int32
	deflate             bool
	snappy              bool

	stats ClientStats

	wake chan struct{}

	writeMu sync.Mutex

	logger zerolog.Logger
}

// newClient wraps an accepted TCP connection.
func newClient(conn net.Conn) *Client {
	id := channel.ClientID(uuid.NewString())
	return &Client{
		id:                  id,
		conn:                conn,
		rd:                  bufio.NewReader(conn),
		state:               StateInitial,
		inFlight:            make(map[message.ID]struct{}),
		lastActivity:        time.Now(),
		heartbeatInterval:   DefaultHeartbeatInterval,
		msgTimeout:          DefaultMsgTimeout,
		maxRdyCount:         DefaultMaxRdyCount,
		outputBufferSize:    DefaultOutputBufferSize,
		outputBufferTimeout: DefaultOutputBufferTimeout,
		wake:                make(chan struct{}, 1),
		logger:              log.WithComponent("broker-client").With().Str("client_id", string(id)).Logger(),
	}
}

// ClientID implements channel.Notifier.
func (c *Client) ClientID() channel.ClientID { return c.id }

// Wake implements channel.Notifier: a non-blocking hint to the message
// pump that new work may be deliverable.
func (c *Client) Wake() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Deliver implements channel.Notifier: it writes a Message frame directly
// to the connection. original_source/nsqd/src/client.rs leaves the actual
// wire-send as a TODO stub; this is that logic, built fresh against
// pkg/protocol.
func (c *Client) Deliver(m *message.Message) bool {
	c.mu.Lock()
	if c.state == StateClosed || c.rdyCount <= 0 {
		c.mu.Unlock()
		return false
	}
	c.rdyCount--
	c.inFlight[m.ID] = struct{}{}
	c.mu.Unlock()

	frame := protocol.MessageFrame(m.Bytes())
	if err := c.writeFrame(frame); err != nil {
		c.logger.Debug().Err(err).Msg("failed to write message frame")
		c.mu.Lock()
		delete(c.inFlight, m.ID)
		c.rdyCount++
		c.mu.Unlock()
		return false
	}

	c.mu.Lock()
	c.stats.MessagesReceived++
	c.mu.Unlock()
	return true
}

func (c *Client) writeFrame(f protocol.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	_, err := f.WriteTo(c.conn)
	return err
}

func (c *Client) writeResponse(msg string) error { return c.writeFrame(protocol.ResponseFrame(msg)) }

func (c *Client) writeError(code string) error { return c.writeFrame(protocol.ErrorFrame(code)) }

// touchActivity records that a command or heartbeat reply was just seen.
func (c *Client) touchActivity() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

func (c *Client) idleFor() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastActivity)
}

// setRdy implements RDY n: replaces the client's outstanding credit,
// clamped to the client's negotiated max_rdy_count. Per spec §9's RDY
// clamping open question this broker clamps rather than rejects, but it
// never does so silently: the caller must report clamped back to the
// client with a Response frame naming the effective value.
func (c *Client) setRdy(n uint32) (effective uint32, clamped bool) {
	c.mu.Lock()
	max := uint32(c.maxRdyCount)
	if n > max {
		n = max
		clamped = true
	}
	c.rdyCount = int32(n)
	c.mu.Unlock()
	c.Wake()
	return n, clamped
}

func (c *Client) hasCredit() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state != StateClosed && c.rdyCount > 0
}

func (c *Client) setState(s ClientState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Client) getState() ClientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// attach records the channel this client has SUBscribed to.
func (c *Client) attach(topic, chanName string, ch *channel.Channel) {
	c.mu.Lock()
	c.topic, c.chanName, c.ch = topic, chanName, ch
	c.state = StateSubscribed
	c.mu.Unlock()
}

func (c *Client) subscription() (*channel.Channel, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ch, c.ch != nil
}

func (c *Client) ackFinish(id message.ID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.inFlight[id]; !ok {
		return false
	}
	delete(c.inFlight, id)
	c.stats.MessagesFinished++
	return true
}

func (c *Client) ackRequeue(id message.ID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.inFlight[id]; !ok {
		return false
	}
	delete(c.inFlight, id)
	c.rdyCount++
	c.stats.MessagesRequeued++
	return true
}

func (c *Client) ackTouch(id message.ID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.inFlight[id]
	return ok
}

func (c *Client) getHeartbeatInterval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.heartbeatInterval
}

// close marks the client closed and tears down its channel subscription,
// requeuing anything it still owned (spec §4.1 "client loss").
func (c *Client) close() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	ch := c.ch
	c.mu.Unlock()

	if ch != nil {
		ch.Unsubscribe(c.id)
		ch.RequeueAllFor(c.id)
	}
	c.conn.Close()
}
