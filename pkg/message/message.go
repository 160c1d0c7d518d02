// Package message defines the wire Message format shared by every broker
// surface (§3 of the spec): a 16-byte id, a creation timestamp, a 16-bit
// attempt counter and an opaque body. Grounded on
// original_source/nsqd/src/message.rs and the real nsq wire layout
// preserved in _examples/MultiThinking-nsq/nsqd/channel.go.
package message

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"time"
)

// IDLength is the fixed size of a Message ID in bytes.
const IDLength = 16

// MinValidMsgLength is the smallest possible encoded message: id + ts +
// attempts, with a zero-length body.
const MinValidMsgLength = IDLength + 8 + 2

// ID is a 16-byte identifier, unique within one broker process's uptime.
type ID [IDLength]byte

func (id ID) String() string { return fmt.Sprintf("%x", id[:]) }

// ParseID decodes the 32-character hex representation used on the wire in
// FIN/REQ/TOUCH command lines back into an ID.
func ParseID(s string) (ID, error) {
	var id ID
	if len(s) != IDLength*2 {
		return id, fmt.Errorf("message: id %q has wrong length", s)
	}
	if _, err := hex.Decode(id[:], []byte(s)); err != nil {
		return id, fmt.Errorf("message: invalid id %q: %w", s, err)
	}
	return id, nil
}

// NewID draws a fresh random 16-byte id.
func NewID() (ID, error) {
	var id ID
	if _, err := rand.Read(id[:]); err != nil {
		return id, err
	}
	return id, nil
}

// Message is one unit of data flowing through a topic/channel.
type Message struct {
	ID        ID
	Timestamp int64 // UnixNano at creation
	Attempts  uint16
	Body      []byte

	// deferred delivery: zero for an immediately-pending message.
	DeferredUntil time.Time
}

// NewMessage materializes a Message with a fresh id and the current
// timestamp, as Publish does (spec §4.1).
func NewMessage(body []byte) (*Message, error) {
	id, err := NewID()
	if err != nil {
		return nil, err
	}
	return &Message{ID: id, Timestamp: time.Now().UnixNano(), Body: body}, nil
}

// WireSize returns 26 + len(Body), per spec §3.
func (m *Message) WireSize() int { return IDLength + 8 + 2 + len(m.Body) }

// Encode writes the wire representation: id(16) | timestamp(8, BE) |
// attempts(2, BE) | body.
func (m *Message) Encode(w io.Writer) error {
	var hdr [IDLength + 8 + 2]byte
	copy(hdr[:IDLength], m.ID[:])
	binary.BigEndian.PutUint64(hdr[IDLength:IDLength+8], uint64(m.Timestamp))
	binary.BigEndian.PutUint16(hdr[IDLength+8:], m.Attempts)
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(m.Body)
	return err
}

// Bytes returns the encoded wire form.
func (m *Message) Bytes() []byte {
	var buf bytes.Buffer
	buf.Grow(m.WireSize())
	_ = m.Encode(&buf)
	return buf.Bytes()
}

// Decode parses the wire representation produced by Encode.
func Decode(raw []byte) (*Message, error) {
	if len(raw) < MinValidMsgLength {
		return nil, fmt.Errorf("message: short buffer (%d bytes)", len(raw))
	}
	m := &Message{}
	copy(m.ID[:], raw[:IDLength])
	m.Timestamp = int64(binary.BigEndian.Uint64(raw[IDLength : IDLength+8]))
	m.Attempts = binary.BigEndian.Uint16(raw[IDLength+8 : IDLength+10])
	body := make([]byte, len(raw)-MinValidMsgLength)
	copy(body, raw[MinValidMsgLength:])
	m.Body = body
	return m, nil
}

// Clone makes a copy of the message suitable for fanning into another
// channel. The body is shared by reference (immutable) per spec §4.1/§9.
// Each channel's copy gets its own fresh id: §3 requires message ids be
// unique within the broker, and §8 scenario 3 requires fan-out copies to
// carry distinct ids so each channel's in-flight entry is independently
// addressable by FIN/REQ/TOUCH.
func (m *Message) Clone() (*Message, error) {
	id, err := NewID()
	if err != nil {
		return nil, err
	}
	return &Message{
		ID:        id,
		Timestamp: m.Timestamp,
		Attempts:  0,
		Body:      m.Body,
	}, nil
}
