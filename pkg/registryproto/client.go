package registryproto

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/cuemby/relay/pkg/rerrors"
)

// Client is the broker side of the TCP registration protocol: one
// persistent connection used to IDENTIFY once, then REGISTER/UNREGISTER
// topics and channels as they come and go, and PING to keep the
// registry's producer record from expiring. Grounded on the teacher's
// pkg/worker.Worker's manager connection (one long-lived conn, a
// heartbeat loop driven by the owner, reconnect left to the caller).
type Client struct {
	conn net.Conn
	rd   *bufio.Reader
}

// Dial opens a registration connection to addr and writes the magic
// prefix, matching nsqlookupd's optional "  V1" handshake.
func Dial(addr string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, rerrors.IO("dial registry", err)
	}
	if _, err := conn.Write([]byte(magic)); err != nil {
		conn.Close()
		return nil, rerrors.IO("write magic", err)
	}
	return &Client{conn: conn, rd: bufio.NewReader(conn)}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) readReply() error {
	line, err := c.rd.ReadString('\n')
	if err != nil {
		return rerrors.IO("read reply", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "OK" {
		return nil
	}
	return rerrors.Protocol(rerrors.CodeInvalid, fmt.Sprintf("registry replied %s", line))
}

// Identify sends the IDENTIFY command with a length-prefixed JSON body.
func (c *Client) Identify(broadcastAddress string, tcpPort, httpPort int, hostname, version string) error {
	payload, err := json.Marshal(identifyPayload{
		BroadcastAddress: broadcastAddress,
		TCPPort:          tcpPort,
		HTTPPort:         httpPort,
		Hostname:         hostname,
		Version:          version,
	})
	if err != nil {
		return rerrors.Config("marshal identify", err)
	}
	if _, err := c.conn.Write([]byte("IDENTIFY\n")); err != nil {
		return rerrors.IO("write identify", err)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := c.conn.Write(lenBuf[:]); err != nil {
		return rerrors.IO("write identify length", err)
	}
	if _, err := c.conn.Write(payload); err != nil {
		return rerrors.IO("write identify payload", err)
	}
	return c.readReply()
}

// Register announces topic (and channel, if non-empty) to the registry.
func (c *Client) Register(topic, channel string) error {
	return c.writeLine("REGISTER", topic, channel)
}

// Unregister withdraws topic (and channel, if non-empty).
func (c *Client) Unregister(topic, channel string) error {
	return c.writeLine("UNREGISTER", topic, channel)
}

// Ping refreshes this producer's last-update instant.
func (c *Client) Ping() error {
	if _, err := c.conn.Write([]byte("PING\n")); err != nil {
		return rerrors.IO("write ping", err)
	}
	return c.readReply()
}

func (c *Client) writeLine(verb, topic, channel string) error {
	line := verb + " " + topic
	if channel != "" {
		line += " " + channel
	}
	line += "\n"
	if _, err := c.conn.Write([]byte(line)); err != nil {
		return rerrors.IO("write "+verb, err)
	}
	return c.readReply()
}
