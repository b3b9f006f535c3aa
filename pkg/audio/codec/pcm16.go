package codec

import (
	"fmt"

	"github.com/MrWong99/purrvoice/pkg/audio"
)

// PCM16 is an uncompressed codec: each sample is quantised to a little-endian
// int16. Packets are exactly 2*N bytes.
type PCM16 struct {
	rate  int
	frame int

	pcm []int16
	out []float32
}

var _ Codec = (*PCM16)(nil)

func newPCM16(rate int, o options) *PCM16 {
	n := audio.FrameSamples(rate, o.frameDuration)
	return &PCM16{
		rate:  rate,
		frame: n,
		pcm:   make([]int16, n),
		out:   make([]float32, n),
	}
}

// SampleRate implements [Codec].
func (c *PCM16) SampleRate() int { return c.rate }

// FrameSamples implements [Codec].
func (c *PCM16) FrameSamples() int { return c.frame }

// Encode implements [Codec].
func (c *PCM16) Encode(frame []float32) ([]byte, error) {
	if len(frame) != c.frame {
		return nil, fmt.Errorf("%w: got %d samples, want %d", ErrFrameSize, len(frame), c.frame)
	}
	audio.FloatToPCM16(c.pcm, frame)
	b := make([]byte, 2*c.frame)
	audio.PutPCM16LE(b, c.pcm)
	return b, nil
}

// Decode implements [Codec].
func (c *PCM16) Decode(packet []byte) ([]float32, error) {
	if len(packet) != 2*c.frame {
		clear(c.out)
		return c.out, fmt.Errorf("%w: pcm16: got %d bytes, want %d", ErrMalformed, len(packet), 2*c.frame)
	}
	audio.ReadPCM16LE(c.pcm, packet)
	audio.PCM16ToFloat(c.out, c.pcm)
	return c.out, nil
}
