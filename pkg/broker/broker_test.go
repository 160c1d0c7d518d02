package broker

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/cuemby/relay/pkg/message"
	"github.com/cuemby/relay/pkg/protocol"
)

func testBroker() *Broker {
	cfg := DefaultConfig()
	cfg.DefaultMsgTimeout = 200 * time.Millisecond
	cfg.MaxMsgTimeout = time.Second
	cfg.MemQueueSize = 64
	return New(cfg)
}

// pipeConn wires a Broker connection handler to an in-process net.Pipe,
// returning the test-side end and a channel closed when handleConn returns.
func pipeConn(t *testing.T, b *Broker) (net.Conn, <-chan struct{}) {
	t.Helper()
	serverSide, clientSide := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.handleConn(serverSide)
	}()
	return clientSide, done
}

func readFrame(t *testing.T, conn net.Conn) protocol.Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	f, err := protocol.ReadFrame(conn)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	return f
}

func mustWrite(t *testing.T, conn net.Conn, data []byte) {
	t.Helper()
	if _, err := conn.Write(data); err != nil {
		t.Fatalf("Write: %v", err)
	}
}

func TestHandshakeRejectsBadMagic(t *testing.T) {
	b := testBroker()
	conn, done := pipeConn(t, b)
	defer conn.Close()

	mustWrite(t, conn, []byte("XXXX"))
	f := readFrame(t, conn)
	if f.Type != protocol.FrameError {
		t.Fatalf("expected an error frame for bad magic, got %+v", f)
	}
	<-done
}

func TestSubPubFinRoundTrip(t *testing.T) {
	b := testBroker()

	subConn, subDone := pipeConn(t, b)
	defer subConn.Close()
	mustWrite(t, subConn, protocol.Magic)
	mustWrite(t, subConn, []byte("SUB orders billing\n"))
	if f := readFrame(t, subConn); f.Type != protocol.FrameResponse {
		t.Fatalf("SUB: expected response frame, got %+v", f)
	}
	mustWrite(t, subConn, []byte("RDY 1\n"))
	if f := readFrame(t, subConn); f.Type != protocol.FrameResponse || string(f.Body) != "OK" {
		t.Fatalf("RDY: expected OK, got %+v", f)
	}

	pubConn, pubDone := pipeConn(t, b)
	defer pubConn.Close()
	mustWrite(t, pubConn, protocol.Magic)

	var pubCmd bytes.Buffer
	pubCmd.WriteString("PUB orders\n")
	if err := protocol.WriteLenPrefixed(&pubCmd, []byte("hello")); err != nil {
		t.Fatalf("WriteLenPrefixed: %v", err)
	}
	mustWrite(t, pubConn, pubCmd.Bytes())
	if f := readFrame(t, pubConn); f.Type != protocol.FrameResponse || string(f.Body) != "OK" {
		t.Fatalf("PUB: expected OK, got %+v", f)
	}
	mustWrite(t, pubConn, []byte("CLS\n"))
	<-pubDone

	msgFrame := readFrame(t, subConn)
	if msgFrame.Type != protocol.FrameMessage {
		t.Fatalf("expected a message frame, got %+v", msgFrame)
	}
	m, err := message.Decode(msgFrame.Body)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if string(m.Body) != "hello" {
		t.Fatalf("got body %q, want %q", m.Body, "hello")
	}

	mustWrite(t, subConn, []byte(fmt.Sprintf("FIN %s\n", m.ID.String())))
	if f := readFrame(t, subConn); f.Type != protocol.FrameResponse || string(f.Body) != "OK" {
		t.Fatalf("FIN: expected OK, got %+v", f)
	}

	mustWrite(t, subConn, []byte("CLS\n"))
	<-subDone
}

func TestUnsubscribedFinFails(t *testing.T) {
	b := testBroker()
	conn, done := pipeConn(t, b)
	defer conn.Close()

	mustWrite(t, conn, protocol.Magic)
	id, _ := message.NewID()
	mustWrite(t, conn, []byte(fmt.Sprintf("FIN %s\n", id.String())))
	if f := readFrame(t, conn); f.Type != protocol.FrameError {
		t.Fatalf("expected an error frame, got %+v", f)
	}
	mustWrite(t, conn, []byte("CLS\n"))
	<-done
}

func TestDispatchUnknownVerbIsFatal(t *testing.T) {
	b := testBroker()
	conn, done := pipeConn(t, b)
	defer conn.Close()

	mustWrite(t, conn, protocol.Magic)
	mustWrite(t, conn, []byte("BOGUS\n"))
	if f := readFrame(t, conn); f.Type != protocol.FrameError {
		t.Fatalf("expected an error frame, got %+v", f)
	}
	<-done
}

func TestIdentifyNegotiatesAndEchoesEffectiveSettings(t *testing.T) {
	b := testBroker()
	conn, done := pipeConn(t, b)
	defer conn.Close()

	mustWrite(t, conn, protocol.Magic)

	var cmd bytes.Buffer
	cmd.WriteString("IDENTIFY\n")
	payload, _ := json.Marshal(map[string]interface{}{
		"heartbeat_interval": 2000,
		"msg_timeout":        5000,
		"max_in_flight":      10,
		"sample_rate":        50,
		"snappy":             true,
	})
	if err := protocol.WriteLenPrefixed(&cmd, payload); err != nil {
		t.Fatalf("WriteLenPrefixed: %v", err)
	}
	mustWrite(t, conn, cmd.Bytes())

	f := readFrame(t, conn)
	if f.Type != protocol.FrameResponse {
		t.Fatalf("IDENTIFY: expected a response frame, got %+v", f)
	}
	var resp identifyResponse
	if err := json.Unmarshal(f.Body, &resp); err != nil {
		t.Fatalf("IDENTIFY response not valid JSON: %v (%s)", err, f.Body)
	}
	if resp.HeartbeatIntervalMS != 2000 {
		t.Fatalf("HeartbeatIntervalMS = %d, want 2000", resp.HeartbeatIntervalMS)
	}
	if resp.MsgTimeoutMS != 5000 {
		t.Fatalf("MsgTimeoutMS = %d, want 5000", resp.MsgTimeoutMS)
	}
	if resp.MaxRdyCount != 10 {
		t.Fatalf("MaxRdyCount = %d, want 10", resp.MaxRdyCount)
	}
	if resp.SampleRate != 50 {
		t.Fatalf("SampleRate = %d, want 50", resp.SampleRate)
	}
	if !resp.Snappy {
		t.Fatal("Snappy = false, want true")
	}

	mustWrite(t, conn, []byte("CLS\n"))
	<-done
}

func TestRdyOverMaxIsClampedWithAResponseFrame(t *testing.T) {
	b := testBroker()
	conn, done := pipeConn(t, b)
	defer conn.Close()

	mustWrite(t, conn, protocol.Magic)
	mustWrite(t, conn, []byte("SUB orders billing\n"))
	if f := readFrame(t, conn); f.Type != protocol.FrameResponse {
		t.Fatalf("SUB: expected response frame, got %+v", f)
	}

	mustWrite(t, conn, []byte(fmt.Sprintf("RDY %d\n", DefaultMaxRdyCount+500)))
	f := readFrame(t, conn)
	if f.Type != protocol.FrameResponse {
		t.Fatalf("RDY: expected a response frame naming the clamp, got %+v", f)
	}
	if string(f.Body) == "OK" {
		t.Fatal("RDY over max_rdy_count must not be silently accepted as OK")
	}

	mustWrite(t, conn, []byte("CLS\n"))
	<-done
}

func TestBrokerSnapshotReflectsPublishedDepth(t *testing.T) {
	b := testBroker()
	tp, err := b.Topic("orders")
	if err != nil {
		t.Fatalf("Topic: %v", err)
	}
	if _, err := tp.Channel("billing"); err != nil {
		t.Fatalf("Channel: %v", err)
	}
	if err := tp.Publish([]byte("hello")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	snap := b.Snapshot()
	if len(snap) != 1 || snap[0].Name != "orders" {
		t.Fatalf("got %+v", snap)
	}
	if len(snap[0].Channels) != 1 || snap[0].Channels[0].Depth != 1 {
		t.Fatalf("got channels %+v", snap[0].Channels)
	}
}
