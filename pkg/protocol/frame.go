// Package protocol implements the broker's binary TCP wire protocol (spec
// §4.2): a 4-byte magic handshake, length-prefixed frames carrying
// Response/Error/Message bodies, and newline-terminated ASCII commands with
// optional length-prefixed binary payloads. Grounded on
// original_source/nsq-protocol/src/{frame.rs,command.rs}.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Magic is the 4-byte handshake every TCP client must send first.
var Magic = []byte("  V2")

// FrameType identifies the kind of payload carried in a Frame.
type FrameType int32

const (
	FrameResponse FrameType = 0
	FrameError    FrameType = 1
	FrameMessage  FrameType = 2
)

// Frame is one unit of broker→client data: a 4-byte big-endian size
// (covering the type field and the body), a 4-byte big-endian type, then
// the body.
type Frame struct {
	Type FrameType
	Body []byte
}

// WriteTo serializes the frame: size(4) | type(4) | body.
func (f Frame) WriteTo(w io.Writer) (int64, error) {
	var hdr [8]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(4+len(f.Body)))
	binary.BigEndian.PutUint32(hdr[4:8], uint32(f.Type))
	n1, err := w.Write(hdr[:])
	if err != nil {
		return int64(n1), err
	}
	n2, err := w.Write(f.Body)
	return int64(n1 + n2), err
}

// ReadFrame reads one frame from r.
func ReadFrame(r io.Reader) (Frame, error) {
	var sizeBuf [4]byte
	if _, err := io.ReadFull(r, sizeBuf[:]); err != nil {
		return Frame{}, err
	}
	size := binary.BigEndian.Uint32(sizeBuf[:])
	if size < 4 {
		return Frame{}, fmt.Errorf("protocol: frame size %d smaller than type field", size)
	}
	rest := make([]byte, size)
	if _, err := io.ReadFull(r, rest); err != nil {
		return Frame{}, err
	}
	return Frame{
		Type: FrameType(binary.BigEndian.Uint32(rest[:4])),
		Body: rest[4:],
	}, nil
}

// ResponseFrame wraps a short textual response (e.g. "OK", "CLOSE_WAIT",
// or a clamped RDY acknowledgement per spec §9).
func ResponseFrame(msg string) Frame {
	return Frame{Type: FrameResponse, Body: []byte(msg)}
}

// ErrorFrame wraps a wire error code per spec §4.2/§7.
func ErrorFrame(code string) Frame {
	return Frame{Type: FrameError, Body: []byte(code)}
}

// MessageFrame wraps an encoded message.Message for delivery to a
// subscriber.
func MessageFrame(encoded []byte) Frame {
	return Frame{Type: FrameMessage, Body: encoded}
}
