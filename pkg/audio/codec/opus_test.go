package codec_test

import (
	"math"
	"testing"

	"github.com/MrWong99/purrvoice/pkg/audio"
	"github.com/MrWong99/purrvoice/pkg/audio/codec"
)

// Opus is lossy and delays its output by a few milliseconds, so a
// sample-aligned error bound is meaningless. Instead the decoded tone must
// carry the same energy as the input once the codec has settled.
func TestOpus_RoundTripPreservesLevel(t *testing.T) {
	t.Parallel()
	const (
		frames = 25
		warmup = 5
		amp    = 0.5
	)

	for _, rate := range audio.SupportedRates {
		c, err := codec.New(codec.KindOpus, rate, codec.WithBitrate(64000))
		if err != nil {
			t.Fatalf("New(%d): %v", rate, err)
		}
		n := c.FrameSamples()

		var inSum, outSum float64
		var count int
		for f := range frames {
			frame := sineFrame(n, rate, 300, amp, f*n)
			packet, err := c.Encode(frame)
			if err != nil {
				t.Fatalf("rate %d frame %d: Encode: %v", rate, f, err)
			}
			if len(packet) == 0 {
				t.Fatalf("rate %d frame %d: empty packet", rate, f)
			}
			got, err := c.Decode(packet)
			if err != nil {
				t.Fatalf("rate %d frame %d: Decode: %v", rate, f, err)
			}
			if f < warmup {
				continue
			}
			for i := range n {
				inSum += float64(frame[i]) * float64(frame[i])
				outSum += float64(got[i]) * float64(got[i])
			}
			count += n
		}

		inRMS := math.Sqrt(inSum / float64(count))
		outRMS := math.Sqrt(outSum / float64(count))
		if db := 20 * math.Log10(outRMS/inRMS); math.Abs(db) > 3 {
			t.Errorf("rate %d: decoded level differs by %.2f dB (in %.3f, out %.3f)", rate, db, inRMS, outRMS)
		}
	}
}
