// Package denoise defines the Engine interface for frame-based speech
// denoisers and the Loader that resolves an engine once per process.
//
// A denoise engine works on fixed-size frames at a fixed native sample rate
// (typically 480 samples at 48 kHz). Each audio stream gets its own
// [Session], which owns the per-stream model state and must be released with
// Close when the stream ends; nothing relies on finalizers.
//
// Engines may be backed by a native library that is missing on some hosts.
// [Loader] attempts the load exactly once and caches the outcome, so callers
// can degrade to pass-through without repeatedly probing the system.
package denoise

import (
	"errors"
	"log/slog"
	"sync"
)

const (
	// NativeRate is the sample rate bundled engines operate at.
	NativeRate = 48000

	// FrameSize is the number of samples per frame at NativeRate (10 ms).
	FrameSize = 480
)

// ErrUnavailable is returned by a [Loader] whose engine could not be loaded.
var ErrUnavailable = errors.New("denoise: engine unavailable")

// Session denoises one mono stream.
//
// A Session must not be shared between goroutines.
type Session interface {
	// ProcessFrame denoises exactly FrameSize samples from in into out and
	// returns the probability (0–1) that the frame contains speech. out lags
	// in by the engine's Latency. in and out must not overlap.
	ProcessFrame(out, in []float32) float32

	// Close releases the session's resources. Calling Close more than once is
	// safe and returns nil; ProcessFrame after Close leaves out silent.
	Close() error
}

// Engine is the factory for denoise sessions.
//
// Implementations must be safe for concurrent use: multiple goroutines may
// call NewSession simultaneously.
type Engine interface {
	// SampleRate returns the native rate frames must be supplied at.
	SampleRate() int

	// FrameSize returns the number of samples per frame.
	FrameSize() int

	// Latency returns how many samples ProcessFrame output trails its input.
	Latency() int

	// NewSession allocates per-stream state.
	NewSession() (Session, error)
}

// LoadFunc resolves an engine, typically by loading a native library or
// model file.
type LoadFunc func() (Engine, error)

// Loader resolves an [Engine] at most once and caches the result, including
// failure. It is safe for concurrent use.
type Loader struct {
	load LoadFunc
	log  *slog.Logger

	once sync.Once
	eng  Engine
	err  error

	warnOnce sync.Once
}

// NewLoader returns a loader that calls load on first use. A nil load yields
// a loader that always reports [ErrUnavailable].
func NewLoader(load LoadFunc, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{load: load, log: logger}
}

// Engine returns the cached engine, loading it on the first call. When the
// load fails every call returns an error wrapping [ErrUnavailable] and a
// single warning is logged for the lifetime of the Loader.
func (l *Loader) Engine() (Engine, error) {
	l.once.Do(func() {
		if l.load == nil {
			l.err = ErrUnavailable
			return
		}
		eng, err := l.load()
		switch {
		case err != nil:
			l.err = errors.Join(ErrUnavailable, err)
		case eng == nil:
			l.err = ErrUnavailable
		default:
			l.eng = eng
		}
	})
	if l.err != nil {
		l.warnOnce.Do(func() {
			l.log.Warn("denoise: engine unavailable, denoise filters will pass audio through", "err", l.err)
		})
	}
	return l.eng, l.err
}

// Available reports whether the engine loaded successfully.
func (l *Loader) Available() bool {
	_, err := l.Engine()
	return err == nil
}
