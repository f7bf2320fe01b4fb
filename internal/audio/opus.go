package audio

import (
	"fmt"

	"gopkg.in/hraban/opus.v2"
)

// OpusEncoder wraps a libopus encoder configured for one frame geometry.
// Not safe for concurrent use; each session owns its own encoder.
type OpusEncoder struct {
	geom Geometry
	enc  *opus.Encoder
	pcm  []int16
}

func NewOpusEncoder(g Geometry) (*OpusEncoder, error) {
	enc, err := opus.NewEncoder(g.SampleRate, g.Channels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("create opus encoder: %w", err)
	}
	return &OpusEncoder{
		geom: g,
		enc:  enc,
		pcm:  make([]int16, g.SamplesPerFrame()*g.Channels),
	}, nil
}

// Encode compresses one geometry-sized PCM16LE frame to an opus packet.
func (e *OpusEncoder) Encode(pcm []byte) ([]byte, error) {
	if len(pcm) != e.geom.FrameBytes() {
		return nil, fmt.Errorf("pcm frame is %d bytes, want %d", len(pcm), e.geom.FrameBytes())
	}
	for i := range e.pcm {
		e.pcm[i] = int16(pcm[2*i]) | int16(pcm[2*i+1])<<8
	}
	out := make([]byte, 4000)
	n, err := e.enc.Encode(e.pcm, out)
	if err != nil {
		return nil, err
	}
	return out[:n], nil
}

// OpusDecoder decompresses downstream opus packets back to PCM16LE.
// Not safe for concurrent use.
type OpusDecoder struct {
	dec      *opus.Decoder
	channels int
	pcm      []int16
}

func NewOpusDecoder(sampleRate, channels int) (*OpusDecoder, error) {
	dec, err := opus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("create opus decoder: %w", err)
	}
	return &OpusDecoder{
		dec:      dec,
		channels: channels,
		// 120 ms at 48 kHz is the largest packet libopus allows.
		pcm: make([]int16, 5760*channels),
	}, nil
}

// Decode expands one opus packet into PCM16LE bytes.
func (d *OpusDecoder) Decode(packet []byte) ([]byte, error) {
	n, err := d.dec.Decode(packet, d.pcm)
	if err != nil {
		return nil, err
	}
	samples := d.pcm[:n*d.channels]
	out := make([]byte, 2*len(samples))
	for i, s := range samples {
		out[2*i] = byte(s)
		out[2*i+1] = byte(s >> 8)
	}
	return out, nil
}
