package protocol

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/cuemby/relay/pkg/message"
	"github.com/cuemby/relay/pkg/rerrors"
)

// Verb identifies a parsed command's kind.
type Verb string

const (
	VerbIdentify Verb = "IDENTIFY"
	VerbSub      Verb = "SUB"
	VerbRdy      Verb = "RDY"
	VerbFin      Verb = "FIN"
	VerbReq      Verb = "REQ"
	VerbTouch    Verb = "TOUCH"
	VerbPub      Verb = "PUB"
	VerbMpub     Verb = "MPUB"
	VerbDpub     Verb = "DPUB"
	VerbAuth     Verb = "AUTH"
	VerbNop      Verb = "NOP"
	VerbCls      Verb = "CLS"
)

// Command is a parsed client request, per spec §4.2's command table.
type Command struct {
	Verb Verb

	Topic   string
	Channel string

	MessageID message.ID
	DelayMS   uint64
	TimeoutMS uint64
	Count     uint32

	Body            []byte
	Bodies          [][]byte
	IdentifyPayload []byte
	AuthSecret      []byte
}

// ReadCommand reads one command off r: an ASCII line terminated by \n,
// followed by an optional length-prefixed binary payload for the verbs
// that carry one.
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

	case VerbSub:
		if len(parts) != 3 {
			return nil, rerrors.Protocol(rerrors.CodeInvalid, "SUB requires topic and channel")
		}
		cmd.Topic, cmd.Channel = parts[1], parts[2]

	case VerbRdy:
		if len(parts) != 2 {
			return nil, rerrors.Protocol(rerrors.CodeInvalid, "RDY requires a count")
		}
		n, err := strconv.ParseUint(parts[1], 10, 32)
		if err != nil {
			return nil, rerrors.Protocol(rerrors.CodeInvalid, "RDY count not a number")
		}
		cmd.Count = uint32(n)

	case VerbFin:
		if len(parts) != 2 {
			return nil, rerrors.Protocol(rerrors.CodeInvalid, "FIN requires a message id")
		}
		id, err := message.ParseID(parts[1])
		if err != nil {
			return nil, rerrors.Protocol(rerrors.CodeBadMessage, "malformed message id")
		}
		cmd.MessageID = id

	case VerbReq:
		if len(parts) != 3 {
			return nil, rerrors.Protocol(rerrors.CodeInvalid, "REQ requires a message id and delay")
		}
		id, err := message.ParseID(parts[1])
		if err != nil {
			return nil, rerrors.Protocol(rerrors.CodeBadMessage, "malformed message id")
		}
		cmd.MessageID = id
		delay, err := strconv.ParseUint(parts[2], 10, 64)
		if err != nil {
			return nil, rerrors.Protocol(rerrors.CodeInvalid, "REQ delay not a number")
		}
		cmd.DelayMS = delay

	case VerbTouch:
		if len(parts) != 2 {
			return nil, rerrors.Protocol(rerrors.CodeInvalid, "TOUCH requires a message id")
		}
		id, err := message.ParseID(parts[1])
		if err != nil {
			return nil, rerrors.Protocol(rerrors.CodeBadMessage, "malformed message id")
		}
		cmd.MessageID = id

	case VerbPub:
		if len(parts) != 2 {
			return nil, rerrors.Protocol(rerrors.CodeInvalid, "PUB requires a topic")
		}
		cmd.Topic = parts[1]
		body, err := readLenPrefixed(r)
		if err != nil {
			return nil, err
		}
		cmd.Body = body

	case VerbMpub:
		if len(parts) != 2 {
			return nil, rerrors.Protocol(rerrors.CodeInvalid, "MPUB requires a topic")
		}
		cmd.Topic = parts[1]
		var countBuf [4]byte
		if _, err := io.ReadFull(r, countBuf[:]); err != nil {
			return nil, err
		}
		count := binary.BigEndian.Uint32(countBuf[:])
		bodies := make([][]byte, 0, count)
		for i := uint32(0); i < count; i++ {
			body, err := readLenPrefixed(r)
			if err != nil {
				return nil, err
			}
			bodies = append(bodies, body)
		}
		cmd.Bodies = bodies

	case VerbDpub:
		if len(parts) != 3 {
			return nil, rerrors.Protocol(rerrors.CodeInvalid, "DPUB requires a topic and delay")
		}
		cmd.Topic = parts[1]
		delay, err := strconv.ParseUint(parts[2], 10, 64)
		if err != nil {
			return nil, rerrors.Protocol(rerrors.CodeInvalid, "DPUB delay not a number")
		}
		cmd.DelayMS = delay
		body, err := readLenPrefixed(r)
		if err != nil {
			return nil, err
		}
		cmd.Body = body

	case VerbAuth:
		secret, err := readLenPrefixed(r)
		if err != nil {
			return nil, err
		}
		cmd.AuthSecret = secret

	case VerbNop, VerbCls:
		// no payload

	default:
		return nil, rerrors.Protocol(rerrors.CodeInvalid, fmt.Sprintf("unknown command %q", parts[0]))
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

// WriteLenPrefixed writes a 4-byte big-endian length prefix followed by
// data, the shared wire shape used by PUB/MPUB/DPUB/IDENTIFY/AUTH bodies.
func WriteLenPrefixed(w io.Writer, data []byte) error {
	var sizeBuf [4]byte
	binary.BigEndian.PutUint32(sizeBuf[:], uint32(len(data)))
	if _, err := w.Write(sizeBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}
