// Package registryproto implements the registry daemon's two external
// surfaces: the newline-terminated TCP registration protocol brokers use
// to announce themselves (spec §4.3), and the HTTP lookup/control plane
// consumed by brokers, operators and the aggregator. Grounded on
// pkg/protocol's line-then-optional-payload parsing style, simplified
// since registry commands carry at most one length-prefixed JSON
// payload (IDENTIFY) and otherwise take only whitespace-separated
// arguments.
package registryproto

import (
	"bufio"
	"encoding/binary"
	"io"
	"strings"

	"github.com/cuemby/relay/pkg/rerrors"
)

// Verb identifies a parsed registration command.
type Verb string

const (
	VerbIdentify   Verb = "IDENTIFY"
	VerbRegister   Verb = "REGISTER"
	VerbUnregister Verb = "UNREGISTER"
	VerbPing       Verb = "PING"
	VerbQuit       Verb = "QUIT"
)

// Command is one parsed line from a broker's registration connection.
type Command struct {
	Verb            Verb
	Topic           string
	Channel         string
	IdentifyPayload []byte
}

// ReadCommand reads one newline-terminated command, per spec §4.3's TCP
// table.
func ReadCommand(r *bufio.Reader) (*Command, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return nil, err
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return nil, rerrors.Protocol(rerrors.CodeInvalid, "empty command line")
	}
	parts := strings.Fields(line)
	verb := Verb(strings.ToUpper(parts[0]))
	cmd := &Command{Verb: verb}

	switch verb {
	case VerbIdentify:
		payload, err := readLenPrefixed(r)
		if err != nil {
			return nil, err
		}
		cmd.IdentifyPayload = payload

	case VerbRegister, VerbUnregister:
		if len(parts) < 2 || len(parts) > 3 {
			return nil, rerrors.Protocol(rerrors.CodeInvalid, string(verb)+" requires a topic and optional channel")
		}
		cmd.Topic = parts[1]
		if len(parts) == 3 {
			cmd.Channel = parts[2]
		}

	case VerbPing, VerbQuit:
		// no arguments

	default:
		return nil, rerrors.Protocol(rerrors.CodeInvalid, "unknown command "+parts[0])
	}

	return cmd, nil
}

func readLenPrefixed(r io.Reader) ([]byte, error) {
	var sizeBuf [4]byte
	if _, err := io.ReadFull(r, sizeBuf[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(sizeBuf[:])
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}
