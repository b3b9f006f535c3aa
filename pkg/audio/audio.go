// Package audio holds the sample-level primitives shared by every stage of the
// PurrVoice pipeline: the supported sample-rate menu, frame sizing, the single
// linear resampler, PCM quantisation, level measurement, pooled scratch
// buffers, the lock-free capture queue and the observer list.
//
// Samples are mono float32 in the range [-1, 1]. Everything in this package is
// allocation-free on the hot path once warm, so it may be called from a
// real-time audio callback.
//
// Stage-specific packages live below this one:
//
//   - [codec] turns fixed-size frames into compressed packets and back.
//   - [filter] runs the per-stage DSP chain.
//   - [source] abstracts capture devices and synthetic/network producers.
//   - [playback] owns the ring-buffer clip and the streamed sink.
//   - [transport] chunks, fragments, relays and reassembles encoded frames.
package audio

import "time"

// SupportedRates is the fixed menu of sample rates every peer snaps to. It
// matches the rates the Opus codec accepts natively.
var SupportedRates = []int{8000, 12000, 16000, 24000, 48000}

// DefaultFrameDuration is the codec and network frame length.
const DefaultFrameDuration = 20 * time.Millisecond

// Chunk is one delivery of mono samples at a known rate. The Samples slice is
// only valid for the duration of the callback that receives it; observers that
// retain samples must copy them.
type Chunk struct {
	Samples    []float32
	SampleRate int
}

// Duration returns the playback length of the chunk.
func (c Chunk) Duration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(c.Samples)) * time.Second / time.Duration(c.SampleRate)
}

// NearestSupportedRate snaps hz to the closest entry in [SupportedRates].
// Ties resolve to the higher rate so that no bandwidth is lost.
func NearestSupportedRate(hz int) int {
	best := SupportedRates[0]
	bestDist := abs(hz - best)
	for _, r := range SupportedRates[1:] {
		d := abs(hz - r)
		if d <= bestDist {
			best, bestDist = r, d
		}
	}
	return best
}

// IsSupportedRate reports whether hz is an exact entry of [SupportedRates].
func IsSupportedRate(hz int) bool {
	for _, r := range SupportedRates {
		if r == hz {
			return true
		}
	}
	return false
}

// FrameSamples returns the number of samples in one frame of duration d at
// rate hz. A zero duration selects [DefaultFrameDuration], so
// FrameSamples(16000, 0) == 320.
func FrameSamples(hz int, d time.Duration) int {
	if d <= 0 {
		d = DefaultFrameDuration
	}
	return int(int64(hz) * int64(d) / int64(time.Second))
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
