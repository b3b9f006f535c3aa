// Package playback turns bursty decoded audio into a continuous stream for an
// output device.
//
// A [Sink] resamples incoming chunks to the device rate and writes them into
// a one-second [Clip]. The device pulls from the clip on its own real-time
// thread. Playback only begins once the clip holds the desired lag, and from
// then on the producer tops the clip up with silence whenever the lead drops
// below the lag, so the device never replays stale audio and a stalled
// network shows up as a short silence rather than a glitch.
package playback

import (
	"time"
)

// Reader is implemented by whatever an [Output] pulls samples from.
type Reader interface {
	// Read fills dst completely and returns the number of real (non-filler)
	// samples. It is called from the output's real-time thread and must not
	// block or allocate.
	Read(dst []float32) int
}

// Output is a playback device.
type Output interface {
	// SampleRate returns the device rate in Hz.
	SampleRate() int

	// BufferLatency returns the device-side buffering delay.
	BufferLatency() time.Duration

	// Play starts pulling mono samples from r. Calling Play on a playing
	// output replaces the reader.
	Play(r Reader) error

	// Stop halts playback. Once Stop returns the output no longer calls the
	// reader.
	Stop() error
}
