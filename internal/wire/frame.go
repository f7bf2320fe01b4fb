// Package wire implements the binary frame layout spoken on the upstream
// audio socket. The layout is fixed so independent implementations stay
// byte-compatible:
//
//	[1B version][1B session-id length][session-id][4B BE seq][1B final][4B BE payload length][payload]
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ProtocolVersion is the only version this gateway speaks.
const ProtocolVersion = 1

const maxSessionIDLen = 255

var (
	ErrInvalidFrame     = errors.New("invalid wire frame")
	ErrSessionIDTooLong = errors.New("session id exceeds 255 bytes")
)

// Frame is one transport unit carrying a compressed audio payload.
type Frame struct {
	Version   byte
	SessionID string
	Seq       uint32
	Final     bool
	Payload   []byte
}

// PackFrame serializes one audio frame for the upstream socket.
func PackFrame(sessionID string, payload []byte, seq uint32, final bool) ([]byte, error) {
	if len(sessionID) > maxSessionIDLen {
		return nil, ErrSessionIDTooLong
	}
	buf := make([]byte, 0, 1+1+len(sessionID)+4+1+4+len(payload))
	buf = append(buf, ProtocolVersion)
	buf = append(buf, byte(len(sessionID)))
	buf = append(buf, sessionID...)
	buf = binary.BigEndian.AppendUint32(buf, seq)
	if final {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(payload)))
	buf = append(buf, payload...)
	return buf, nil
}

// UnpackFrame parses a frame produced by PackFrame, validating every
// length field against the remaining bytes.
func UnpackFrame(b []byte) (Frame, error) {
	var f Frame
	if len(b) < 2 {
		return f, fmt.Errorf("%w: %d bytes", ErrInvalidFrame, len(b))
	}
	f.Version = b[0]
	if f.Version != ProtocolVersion {
		return f, fmt.Errorf("%w: unsupported version %d", ErrInvalidFrame, f.Version)
	}
	sidLen := int(b[1])
	rest := b[2:]
	if len(rest) < sidLen+4+1+4 {
		return f, fmt.Errorf("%w: truncated header", ErrInvalidFrame)
	}
	f.SessionID = string(rest[:sidLen])
	rest = rest[sidLen:]
	f.Seq = binary.BigEndian.Uint32(rest[:4])
	f.Final = rest[4] == 1
	payloadLen := binary.BigEndian.Uint32(rest[5:9])
	rest = rest[9:]
	if uint32(len(rest)) != payloadLen {
		return f, fmt.Errorf("%w: payload length %d, have %d bytes", ErrInvalidFrame, payloadLen, len(rest))
	}
	f.Payload = make([]byte, payloadLen)
	copy(f.Payload, rest)
	return f, nil
}
