package wire

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte{0xde, 0xad, 0xbe, 0xef, 0x00, 0x01}
	packed, err := PackFrame("session-abc", payload, 42, true)
	if err != nil {
		t.Fatalf("PackFrame() error = %v", err)
	}

	f, err := UnpackFrame(packed)
	if err != nil {
		t.Fatalf("UnpackFrame() error = %v", err)
	}
	if f.Version != ProtocolVersion {
		t.Fatalf("Version = %d, want %d", f.Version, ProtocolVersion)
	}
	if f.SessionID != "session-abc" {
		t.Fatalf("SessionID = %q, want %q", f.SessionID, "session-abc")
	}
	if f.Seq != 42 {
		t.Fatalf("Seq = %d, want 42", f.Seq)
	}
	if !f.Final {
		t.Fatalf("Final = false, want true")
	}
	if !bytes.Equal(f.Payload, payload) {
		t.Fatalf("Payload = %v, want %v", f.Payload, payload)
	}
}

func TestFrameRoundTripEmptyPayload(t *testing.T) {
	packed, err := PackFrame("s", nil, 0, false)
	if err != nil {
		t.Fatalf("PackFrame() error = %v", err)
	}
	f, err := UnpackFrame(packed)
	if err != nil {
		t.Fatalf("UnpackFrame() error = %v", err)
	}
	if f.Seq != 0 || f.Final || len(f.Payload) != 0 {
		t.Fatalf("unexpected frame: %+v", f)
	}
}

func TestPackFrameRejectsLongSessionID(t *testing.T) {
	_, err := PackFrame(strings.Repeat("x", 256), nil, 0, false)
	if !errors.Is(err, ErrSessionIDTooLong) {
		t.Fatalf("error = %v, want ErrSessionIDTooLong", err)
	}
}

func TestUnpackFrameTruncated(t *testing.T) {
	packed, err := PackFrame("session", []byte("payload"), 7, false)
	if err != nil {
		t.Fatalf("PackFrame() error = %v", err)
	}
	for _, cut := range []int{1, 2, 5, len(packed) - 1} {
		if _, err := UnpackFrame(packed[:cut]); !errors.Is(err, ErrInvalidFrame) {
			t.Fatalf("UnpackFrame(%d bytes) error = %v, want ErrInvalidFrame", cut, err)
		}
	}
}

func TestUnpackFrameBadVersion(t *testing.T) {
	packed, err := PackFrame("s", nil, 0, false)
	if err != nil {
		t.Fatalf("PackFrame() error = %v", err)
	}
	packed[0] = 9
	if _, err := UnpackFrame(packed); !errors.Is(err, ErrInvalidFrame) {
		t.Fatalf("error = %v, want ErrInvalidFrame", err)
	}
}
