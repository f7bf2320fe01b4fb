package audio

// Decoder expands one compressed packet into PCM16LE bytes.
type Decoder interface {
	Decode(packet []byte) ([]byte, error)
}

// Assembler accumulates the decoded PCM of one synthesis segment and
// renders it as a single WAV clip. Not safe for concurrent use.
type Assembler struct {
	dec        Decoder
	sampleRate int
	pcm        []byte
}

func NewAssembler(dec Decoder, sampleRate int) *Assembler {
	return &Assembler{dec: dec, sampleRate: sampleRate}
}

// Add decodes one packet and appends it to the segment.
func (a *Assembler) Add(packet []byte) error {
	pcm, err := a.dec.Decode(packet)
	if err != nil {
		return err
	}
	a.pcm = append(a.pcm, pcm...)
	return nil
}

// Len reports the accumulated PCM byte count.
func (a *Assembler) Len() int { return len(a.pcm) }

// FinishWAV wraps the accumulated PCM as a WAV clip and resets the
// assembler for the next segment. It returns nil when nothing was
// accumulated.
func (a *Assembler) FinishWAV() []byte {
	if len(a.pcm) == 0 {
		return nil
	}
	out := WrapWAV(a.pcm, a.sampleRate)
	a.pcm = nil
	return out
}
