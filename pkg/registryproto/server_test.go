package registryproto

import (
	"bufio"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/cuemby/relay/pkg/registry"
)

func testTCPServer(t *testing.T) (*TCPServer, *registry.Registry, net.Listener) {
	reg := registry.New(registry.Config{
		InactiveProducerTimeout: time.Hour,
		TombstoneLifetime:       time.Hour,
		GCInterval:              time.Hour,
	})
	s := NewTCPServer(reg)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go s.Serve(ln)
	return s, reg, ln
}

func writeIdentify(t *testing.T, conn net.Conn, payload identifyPayload) {
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var sizeBuf [4]byte
	sizeBuf[0] = byte(len(data) >> 24)
	sizeBuf[1] = byte(len(data) >> 16)
	sizeBuf[2] = byte(len(data) >> 8)
	sizeBuf[3] = byte(len(data))
	if _, err := conn.Write([]byte("IDENTIFY\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := conn.Write(sizeBuf[:]); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := conn.Write(data); err != nil {
		t.Fatalf("Write: %v", err)
	}
}

func TestIdentifyRegisterPingRoundTrip(t *testing.T) {
	_, reg, ln := testTCPServer(t)
	defer reg.Stop()
	defer ln.Close()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	writeIdentify(t, conn, identifyPayload{
		BroadcastAddress: "10.0.0.1",
		TCPPort:          4150,
		HTTPPort:         4151,
		Hostname:         "host-a",
		Version:          "1.0.0",
	})
	rd := bufio.NewReader(conn)
	line, err := rd.ReadString('\n')
	if err != nil || line != "OK\n" {
		t.Fatalf("IDENTIFY reply = %q, err %v", line, err)
	}

	conn.Write([]byte("REGISTER orders billing\n"))
	line, err = rd.ReadString('\n')
	if err != nil || line != "OK\n" {
		t.Fatalf("REGISTER reply = %q, err %v", line, err)
	}

	channels, producers := reg.Lookup("orders")
	if len(channels) != 1 || channels[0] != "billing" {
		t.Fatalf("channels = %v", channels)
	}
	if len(producers) != 1 || producers[0].BroadcastAddress != "10.0.0.1" {
		t.Fatalf("producers = %+v", producers)
	}

	conn.Write([]byte("PING\n"))
	line, err = rd.ReadString('\n')
	if err != nil || line != "OK\n" {
		t.Fatalf("PING reply = %q, err %v", line, err)
	}
}

func TestRegisterBeforeIdentifyIsInvalid(t *testing.T) {
	_, reg, ln := testTCPServer(t)
	defer reg.Stop()
	defer ln.Close()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	conn.Write([]byte("REGISTER orders\n"))
	rd := bufio.NewReader(conn)
	line, err := rd.ReadString('\n')
	if err != nil || line != "E_INVALID\n" {
		t.Fatalf("reply = %q, err %v", line, err)
	}
}
