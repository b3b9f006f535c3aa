package codec

import (
	"fmt"

	"layeh.com/gopus"

	"github.com/MrWong99/purrvoice/pkg/audio"
)

// maxOpusPacket is the largest packet libopus is allowed to produce for one
// frame. Opus never needs more than this for mono speech.
const maxOpusPacket = 4000

// Opus wraps a libopus encoder/decoder pair for one mono stream at one rate.
// Encoder and decoder state persist across frames, so each stream direction
// must have its own instance.
type Opus struct {
	rate  int
	frame int

	enc *gopus.Encoder
	dec *gopus.Decoder

	pcm []int16
	out []float32
}

var _ Codec = (*Opus)(nil)

func newOpus(rate int, o options) (*Opus, error) {
	enc, err := gopus.NewEncoder(rate, 1, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("codec: create opus encoder at %d Hz: %w", rate, err)
	}
	enc.SetBitrate(o.bitrate)

	dec, err := gopus.NewDecoder(rate, 1)
	if err != nil {
		return nil, fmt.Errorf("codec: create opus decoder at %d Hz: %w", rate, err)
	}

	n := audio.FrameSamples(rate, o.frameDuration)
	return &Opus{
		rate:  rate,
		frame: n,
		enc:   enc,
		dec:   dec,
		pcm:   make([]int16, n),
		out:   make([]float32, n),
	}, nil
}

// SampleRate implements [Codec].
func (c *Opus) SampleRate() int { return c.rate }

// FrameSamples implements [Codec].
func (c *Opus) FrameSamples() int { return c.frame }

// Encode implements [Codec].
func (c *Opus) Encode(frame []float32) ([]byte, error) {
	if len(frame) != c.frame {
		return nil, fmt.Errorf("%w: got %d samples, want %d", ErrFrameSize, len(frame), c.frame)
	}
	audio.FloatToPCM16(c.pcm, frame)
	packet, err := c.enc.Encode(c.pcm, c.frame, maxOpusPacket)
	if err != nil {
		return nil, fmt.Errorf("codec: opus encode: %w", err)
	}
	return packet, nil
}

// Decode implements [Codec].
func (c *Opus) Decode(packet []byte) ([]float32, error) {
	if len(packet) == 0 {
		clear(c.out)
		return c.out, fmt.Errorf("%w: empty packet", ErrMalformed)
	}
	pcm, err := c.dec.Decode(packet, c.frame, false)
	if err != nil {
		clear(c.out)
		return c.out, fmt.Errorf("%w: opus: %v", ErrMalformed, err)
	}
	// libopus may return fewer samples than a full frame for packets encoded
	// with a shorter duration; pad with silence so callers always see N.
	n := min(len(pcm), c.frame)
	audio.PCM16ToFloat(c.out[:n], pcm[:n])
	clear(c.out[n:])
	return c.out, nil
}
