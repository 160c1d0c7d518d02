package message

import (
	"testing"

	"github.com/google/go-test/deep"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	m, err := NewMessage([]byte("hello world"))
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	m.Attempts = 3

	raw := m.Bytes()
	if len(raw) != m.WireSize() {
		t.Fatalf("wire size mismatch: got %d want %d", len(raw), m.WireSize())
	}

	got, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if diff := deep.Equal(m, got); diff != nil {
		t.Errorf("decode(encode(m)) != m: %v", diff)
	}
}

func TestEncodeDecodeEmptyBody(t *testing.T) {
	m, err := NewMessage(nil)
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	got, err := Decode(m.Bytes())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(got.Body) != 0 {
		t.Errorf("expected empty body, got %d bytes", len(got.Body))
	}
}

func TestDecodeShortBuffer(t *testing.T) {
	if _, err := Decode([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error decoding short buffer")
	}
}

func TestCloneAssignsFreshDistinctID(t *testing.T) {
	m, err := NewMessage([]byte("x"))
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	a, err := m.Clone()
	if err != nil {
		t.Fatalf("Clone: %v", err)
	}
	b, err := m.Clone()
	if err != nil {
		t.Fatalf("Clone: %v", err)
	}
	if a.ID == m.ID || b.ID == m.ID || a.ID == b.ID {
		t.Fatalf("clones must carry distinct ids from the original and each other")
	}
	if string(a.Body) != "x" || string(b.Body) != "x" {
		t.Fatalf("clone body mismatch")
	}
	if a.Attempts != 0 || b.Attempts != 0 {
		t.Fatalf("clone attempts should reset to 0")
	}
}

func TestWireSizeMatchesSpecFormula(t *testing.T) {
	m, _ := NewMessage([]byte("abcdef"))
	if got, want := m.WireSize(), 26+len("abcdef"); got != want {
		t.Fatalf("WireSize() = %d, want %d (26+len(body))", got, want)
	}
}
