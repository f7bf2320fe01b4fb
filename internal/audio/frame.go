// Package audio converts raw front-end PCM into the fixed-cadence
// compressed frames the upstream socket expects.
package audio

import (
	"errors"
	"fmt"

	"github.com/adam-doco/Zoe/internal/wire"
)

var ErrEncodeFailed = errors.New("audio encode failed")

// Geometry fixes the exact shape of one audio frame. The upstream service
// requires 16 kHz mono PCM16 in 60 ms frames.
type Geometry struct {
	SampleRate     int
	Channels       int
	BytesPerSample int
	FrameDuration  int // milliseconds
}

func DefaultGeometry() Geometry {
	return Geometry{
		SampleRate:     16000,
		Channels:       1,
		BytesPerSample: 2,
		FrameDuration:  60,
	}
}

// SamplesPerFrame is the per-channel sample count of one frame.
func (g Geometry) SamplesPerFrame() int {
	return g.SampleRate * g.FrameDuration / 1000
}

// FrameBytes is the exact PCM byte length of one frame.
func (g Geometry) FrameBytes() int {
	return g.SamplesPerFrame() * g.Channels * g.BytesPerSample
}

// Encoder compresses exactly one geometry-sized PCM frame.
type Encoder interface {
	Encode(pcm []byte) ([]byte, error)
}

// EncodeFrame normalizes pcm to the frame geometry before encoding:
// short input is zero-padded and long input truncated, trading byte
// fidelity for an uninterrupted real-time cadence.
func EncodeFrame(enc Encoder, g Geometry, pcm []byte) ([]byte, error) {
	want := g.FrameBytes()
	switch {
	case len(pcm) < want:
		padded := make([]byte, want)
		copy(padded, pcm)
		pcm = padded
	case len(pcm) > want:
		pcm = pcm[:want]
	}
	out, err := enc.Encode(pcm)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncodeFailed, err)
	}
	return out, nil
}

// Splitter chunks a continuous PCM stream into wire frames, carrying a
// partial-frame remainder between calls and numbering frames from zero.
type Splitter struct {
	geom      Geometry
	enc       Encoder
	sessionID string
	seq       uint32
	pending   []byte
}

func NewSplitter(g Geometry, enc Encoder, sessionID string) *Splitter {
	return &Splitter{geom: g, enc: enc, sessionID: sessionID}
}

// Seq returns the sequence number the next frame will carry.
func (s *Splitter) Seq() uint32 { return s.seq }

// Split consumes pcm and returns packed wire frames for every complete
// frame now available. When final is true the trailing partial frame is
// zero-padded and flushed, and the last emitted frame carries the final
// flag.
func (s *Splitter) Split(pcm []byte, final bool) ([][]byte, error) {
	s.pending = append(s.pending, pcm...)
	frameLen := s.geom.FrameBytes()

	var chunks [][]byte
	for len(s.pending) >= frameLen {
		chunks = append(chunks, s.pending[:frameLen])
		s.pending = s.pending[frameLen:]
	}
	if final && len(s.pending) > 0 {
		chunks = append(chunks, s.pending)
		s.pending = nil
	}

	// Sequence numbers commit only with a fully packed batch, so a
	// failed call never leaves a gap in the numbering.
	frames := make([][]byte, 0, len(chunks))
	seq := s.seq
	for i, chunk := range chunks {
		payload, err := EncodeFrame(s.enc, s.geom, chunk)
		if err != nil {
			return nil, err
		}
		isLast := final && i == len(chunks)-1
		packed, err := wire.PackFrame(s.sessionID, payload, seq, isLast)
		if err != nil {
			return nil, err
		}
		seq++
		frames = append(frames, packed)
	}
	s.seq = seq
	return frames, nil
}
