package broker

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/cuemby/relay/pkg/protocol"
	"github.com/cuemby/relay/pkg/rerrors"
)

// heartbeatPayload is the out-of-band Response a client must NOP within
// two intervals of, per spec §4.2 "heartbeat".
const heartbeatPayload = "_heartbeat_"

// handleConn drives one TCP connection end to end: the magic handshake,
// the command dispatch loop, the message pump and the heartbeat ticker.
// Grounded on original_source/nsqd/src/server.rs's per-connection task
// split, translated into a goroutine-per-connection plus a goroutine-per-
// pump shape idiomatic for Go.
func (b *Broker) handleConn(conn net.Conn) {
	c := newClient(conn)
	defer b.unregisterClient(c)

	if !b.handshake(c) {
		c.close()
		return
	}
	b.registerClient(c)

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		b.messagePump(c)
	}()

	b.commandLoop(c)
	// close before waiting: messagePump only exits once it observes the
	// closed state, which close() sets.
	c.close()
	<-pumpDone
}

func (b *Broker) handshake(c *Client) bool {
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	magic := make([]byte, len(protocol.Magic))
	if _, err := io.ReadFull(c.rd, magic); err != nil {
		c.logger.Debug().Err(err).Msg("handshake read failed")
		return false
	}
	c.conn.SetReadDeadline(time.Time{})
	if !bytes.Equal(magic, protocol.Magic) {
		c.writeError(rerrors.CodeInvalid)
		return false
	}
	c.setState(StateIdentified)
	c.touchActivity()
	return true
}

// messagePump attempts delivery whenever the client's subscribed channel
// wakes it (new publish, requeue, timeout promotion) or RDY goes positive,
// and otherwise idles on a short ticker as a backstop against a missed
// wake, the same Start/Stop/ticker shape as channel.sweepLoop.
func (b *Broker) messagePump(c *Client) {
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-c.wake:
		case <-ticker.C:
		}
		if c.getState() == StateClosed {
			return
		}
		ch, ok := c.subscription()
		if !ok {
			continue
		}
		for c.hasCredit() {
			if !ch.Deliver(c, c.msgTimeout) {
				break
			}
		}
	}
}

// commandLoop reads and dispatches commands until the connection closes
// or a fatal protocol error is hit (spec §4.2: "E_INVALID is fatal").
func (b *Broker) commandLoop(c *Client) {
	heartbeatTicker := time.NewTicker(c.heartbeatInterval)
	defer heartbeatTicker.Stop()

	cmdCh := make(chan *protocol.Command)
	errCh := make(chan error, 1)
	go func() {
		for {
			cmd, err := protocol.ReadCommand(c.rd)
			if err != nil {
				errCh <- err
				return
			}
			cmdCh <- cmd
		}
	}()

	for {
		select {
		case <-heartbeatTicker.C:
			if c.idleFor() > 2*c.heartbeatInterval {
				c.logger.Debug().Msg("client missed two heartbeats, closing")
				return
			}
			if err := c.writeResponse(heartbeatPayload); err != nil {
				return
			}

		case err := <-errCh:
			if err != io.EOF {
				c.logger.Debug().Err(err).Msg("command read failed")
			}
			return

		case cmd := <-cmdCh:
			c.touchActivity()
			if !b.dispatch(c, cmd) {
				return
			}
			if cmd.Verb == protocol.VerbIdentify {
				heartbeatTicker.Reset(c.getHeartbeatInterval())
			}
		}
	}
}

// dispatch executes one parsed command, returning false when the
// connection must close (CLS, or a fatal protocol error).
func (b *Broker) dispatch(c *Client, cmd *protocol.Command) bool {
	switch cmd.Verb {
	case protocol.VerbIdentify:
		resp, err := c.applyIdentify(cmd.IdentifyPayload)
		if err != nil {
			c.writeError(rerrors.CodeInvalid)
			return false
		}
		c.writeFrame(protocol.ResponseFrame(string(resp)))
		return true

	case protocol.VerbAuth:
		// AUTH is accepted but not required by default (spec §4.2's
		// Non-goals exclude an auth backend); no secret is configured or
		// checked, so AUTH is always answered OK.
		c.writeResponse("OK")
		return true

	case protocol.VerbSub:
		return b.handleSub(c, cmd)

	case protocol.VerbRdy:
		effective, clamped := c.setRdy(cmd.Count)
		if clamped {
			c.writeResponse(fmt.Sprintf("RDY clamped to %d", effective))
		} else {
			c.writeResponse("OK")
		}
		return true

	case protocol.VerbFin:
		return b.handleFin(c, cmd)

	case protocol.VerbReq:
		return b.handleReq(c, cmd)

	case protocol.VerbTouch:
		return b.handleTouch(c, cmd)

	case protocol.VerbPub:
		return b.handlePub(c, cmd)

	case protocol.VerbMpub:
		return b.handleMpub(c, cmd)

	case protocol.VerbDpub:
		return b.handleDpub(c, cmd)

	case protocol.VerbNop:
		return true

	case protocol.VerbCls:
		c.writeResponse("CLOSE_WAIT")
		return false

	default:
		c.writeError(rerrors.CodeInvalid)
		return false
	}
}

func (b *Broker) handleSub(c *Client, cmd *protocol.Command) bool {
	if c.getState() == StateSubscribed {
		c.writeError(rerrors.CodeInvalid)
		return false
	}
	t, err := b.Topic(cmd.Topic)
	if err != nil {
		return b.writeErr(c, err)
	}
	ch, err := t.Channel(cmd.Channel)
	if err != nil {
		return b.writeErr(c, err)
	}
	ch.Subscribe(c)
	c.attach(cmd.Topic, cmd.Channel, ch)
	c.writeResponse("OK")
	return true
}

func (b *Broker) handleFin(c *Client, cmd *protocol.Command) bool {
	ch, ok := c.subscription()
	if !ok {
		c.writeError(rerrors.CodeFinFailed)
		return true
	}
	if err := ch.Finish(cmd.MessageID); err != nil {
		c.writeError(rerrors.CodeFinFailed)
		return true
	}
	c.ackFinish(cmd.MessageID)
	c.writeResponse("OK")
	return true
}

func (b *Broker) handleReq(c *Client, cmd *protocol.Command) bool {
	ch, ok := c.subscription()
	if !ok {
		c.writeError(rerrors.CodeReqFailed)
		return true
	}
	delay := time.Duration(cmd.DelayMS) * time.Millisecond
	if err := ch.Requeue(cmd.MessageID, delay); err != nil {
		c.writeError(rerrors.CodeReqFailed)
		return true
	}
	c.ackRequeue(cmd.MessageID)
	c.writeResponse("OK")
	return true
}

func (b *Broker) handleTouch(c *Client, cmd *protocol.Command) bool {
	ch, ok := c.subscription()
	if !ok {
		c.writeError(rerrors.CodeTouchFailed)
		return true
	}
	if err := ch.Touch(cmd.MessageID); err != nil {
		c.writeError(rerrors.CodeTouchFailed)
		return true
	}
	c.writeResponse("OK")
	return true
}

func (b *Broker) handlePub(c *Client, cmd *protocol.Command) bool {
	t, err := b.Topic(cmd.Topic)
	if err != nil {
		return b.writeErr(c, err)
	}
	if err := t.Publish(cmd.Body); err != nil {
		return b.writeErr(c, err)
	}
	c.writeResponse("OK")
	return true
}

func (b *Broker) handleMpub(c *Client, cmd *protocol.Command) bool {
	t, err := b.Topic(cmd.Topic)
	if err != nil {
		return b.writeErr(c, err)
	}
	if err := t.PublishMulti(cmd.Bodies); err != nil {
		return b.writeErr(c, err)
	}
	c.writeResponse("OK")
	return true
}

func (b *Broker) handleDpub(c *Client, cmd *protocol.Command) bool {
	t, err := b.Topic(cmd.Topic)
	if err != nil {
		return b.writeErr(c, err)
	}
	delay := time.Duration(cmd.DelayMS) * time.Millisecond
	if err := t.PublishDeferred(cmd.Body, delay); err != nil {
		return b.writeErr(c, err)
	}
	c.writeResponse("OK")
	return true
}

// writeErr reports err to the client, closing the connection only when
// the error is fatal (spec §4.2: E_INVALID).
func (b *Broker) writeErr(c *Client, err error) bool {
	code := rerrors.CodeInvalid
	fatal := true
	if re, ok := err.(*rerrors.Error); ok {
		code = re.Code
		fatal = re.Fatal()
	}
	c.writeError(code)
	return !fatal
}
