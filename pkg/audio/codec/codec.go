// Package codec turns fixed-size mono float32 frames into compressed packets
// and back.
//
// A [Codec] is bound to one sample rate and is not safe for concurrent use;
// every stream that encodes or decodes keeps its own instances, normally via a
// [Cache] that creates them lazily the first time a rate is seen.
//
// Two implementations are provided: [Opus] (libopus through layeh.com/gopus)
// for real traffic and [PCM16] (raw little-endian int16) for tests and
// bandwidth-rich links.
package codec

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/purrvoice/pkg/audio"
)

// Kind names a codec implementation in configuration.
type Kind string

const (
	// KindOpus selects [Opus].
	KindOpus Kind = "opus"

	// KindPCM16 selects [PCM16].
	KindPCM16 Kind = "pcm16"
)

// DefaultBitrate is the Opus target bitrate used when none is configured.
const DefaultBitrate = 32000

var (
	// ErrUnsupportedRate is returned when a codec is requested for a rate
	// outside [audio.SupportedRates].
	ErrUnsupportedRate = errors.New("codec: unsupported sample rate")

	// ErrFrameSize is returned by Encode when the frame does not hold exactly
	// FrameSamples samples.
	ErrFrameSize = errors.New("codec: wrong frame size")

	// ErrMalformed is returned (wrapped) by Decode when the packet cannot be
	// decoded. The accompanying frame is all zeros.
	ErrMalformed = errors.New("codec: malformed packet")
)

// Codec encodes and decodes frames for a single sample rate.
type Codec interface {
	// SampleRate returns the rate this codec was built for.
	SampleRate() int

	// FrameSamples returns N, the number of samples in one frame.
	FrameSamples() int

	// Encode compresses exactly N samples. The returned slice is owned by the
	// caller.
	Encode(frame []float32) ([]byte, error)

	// Decode expands one packet into N samples. On malformed input it returns
	// an all-zero frame together with an error wrapping [ErrMalformed]; it
	// never panics. The returned slice is reused by the next Decode call.
	Decode(packet []byte) ([]float32, error)
}

// Option configures codec construction.
type Option func(*options)

type options struct {
	bitrate       int
	frameDuration time.Duration
}

// WithBitrate sets the Opus target bitrate in bits per second.
// It has no effect on [PCM16].
func WithBitrate(bps int) Option {
	return func(o *options) {
		if bps > 0 {
			o.bitrate = bps
		}
	}
}

// WithFrameDuration sets the frame length. Opus accepts 2.5, 5, 10, 20, 40 and
// 60 ms; the default is [audio.DefaultFrameDuration].
func WithFrameDuration(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.frameDuration = d
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		bitrate:       DefaultBitrate,
		frameDuration: audio.DefaultFrameDuration,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// New creates a codec of the given kind for rate.
func New(kind Kind, rate int, opts ...Option) (Codec, error) {
	if !audio.IsSupportedRate(rate) {
		return nil, fmt.Errorf("%w: %d Hz", ErrUnsupportedRate, rate)
	}
	o := buildOptions(opts)
	switch kind {
	case KindOpus, "":
		return newOpus(rate, o)
	case KindPCM16:
		return newPCM16(rate, o), nil
	default:
		return nil, fmt.Errorf("codec: unknown kind %q", kind)
	}
}
