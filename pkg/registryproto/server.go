package registryproto

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/cuemby/relay/pkg/log"
	"github.com/cuemby/relay/pkg/registry"
	"github.com/cuemby/relay/pkg/rerrors"
	"github.com/rs/zerolog"
)

// identifyPayload is the JSON body a broker sends on TCP IDENTIFY,
// mirroring what it also hands the broker's own clients.
type identifyPayload struct {
	BroadcastAddress string `json:"broadcast_address"`
	TCPPort          int    `json:"tcp_port"`
	HTTPPort         int    `json:"http_port"`
	Hostname         string `json:"hostname"`
	Version          string `json:"version"`
}

// magic is accepted, per spec §4.3, but not required.
const magic = "  V1"

// TCPServer accepts broker registration connections.
type TCPServer struct {
	reg      *registry.Registry
	listener net.Listener
	wg       sync.WaitGroup
	logger   zerolog.Logger
}

// NewTCPServer constructs a registration TCP server backed by reg.
func NewTCPServer(reg *registry.Registry) *TCPServer {
	return &TCPServer{reg: reg, logger: log.WithComponent("registryproto")}
}

// ListenAndServe binds addr and accepts connections until Shutdown is
// called.
func (s *TCPServer) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return rerrors.IO("listen registry tcp", err)
	}
	s.logger.Info().Str("addr", addr).Msg("registry tcp listening")
	return s.Serve(ln)
}

// Serve accepts connections on an already-bound listener until Shutdown
// is called. Exposed separately from ListenAndServe so tests can bind an
// ephemeral port before the accept loop starts.
func (s *TCPServer) Serve(ln net.Listener) error {
	s.listener = ln
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Error().Err(err).Msg("accept failed")
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// Shutdown stops accepting connections and waits for in-flight ones to
// finish or ctx to expire.
func (s *TCPServer) Shutdown(ctx context.Context) error {
	if s.listener != nil {
		s.listener.Close()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *TCPServer) handleConn(conn net.Conn) {
	defer conn.Close()
	rd := bufio.NewReader(conn)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if peeked, err := rd.Peek(4); err == nil && string(peeked) == magic {
		rd.Discard(4)
	}
	conn.SetReadDeadline(time.Time{})

	var producerID string

	for {
		cmd, err := ReadCommand(rd)
		if err != nil {
			return
		}

		switch cmd.Verb {
		case VerbIdentify:
			var p identifyPayload
			if err := json.Unmarshal(cmd.IdentifyPayload, &p); err != nil {
				writeLine(conn, "E_INVALID")
				return
			}
			producer := s.reg.Identify(p.BroadcastAddress, p.TCPPort, p.HTTPPort, p.Hostname, p.Version)
			producerID = producer.ID
			writeLine(conn, "OK")

		case VerbRegister:
			if producerID == "" {
				writeLine(conn, "E_INVALID")
				return
			}
			if err := s.reg.Register(producerID, cmd.Topic, cmd.Channel); err != nil {
				writeLine(conn, wireCode(err))
				continue
			}
			writeLine(conn, "OK")

		case VerbUnregister:
			if producerID == "" {
				writeLine(conn, "E_INVALID")
				return
			}
			if err := s.reg.Unregister(producerID, cmd.Topic, cmd.Channel); err != nil {
				writeLine(conn, wireCode(err))
				continue
			}
			writeLine(conn, "OK")

		case VerbPing:
			if producerID == "" {
				writeLine(conn, "E_INVALID")
				return
			}
			if err := s.reg.Heartbeat(producerID); err != nil {
				writeLine(conn, wireCode(err))
				continue
			}
			writeLine(conn, "OK")

		case VerbQuit:
			if producerID != "" {
				s.reg.Disconnect(producerID)
			}
			return
		}
	}
}

func wireCode(err error) string {
	if re, ok := err.(*rerrors.Error); ok {
		return re.Code
	}
	return rerrors.CodeInvalid
}

func writeLine(conn net.Conn, s string) {
	conn.Write([]byte(s + "\n"))
}
