// Package spectral is a pure-Go [denoise.Engine] based on short-time spectral
// subtraction. It needs no native library, so it is always available and is
// the default denoise backend.
//
// Each session runs a 50% overlapped sqrt-Hann STFT with a hop of one frame
// (480 samples at 48 kHz). A per-bin noise floor is learned during the first
// frames and then tracked on frames the energy detector classifies as
// non-speech. Bin gains are derived by over-subtracting the floor, clamped to
// a minimum and smoothed over time.
package spectral

import (
	"math"
	"math/cmplx"
	"sync/atomic"

	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/MrWong99/purrvoice/pkg/audio/filter/denoise"
)

const (
	hop    = denoise.FrameSize
	window = 2 * hop
	bins   = window/2 + 1

	// warmupFrames are used to seed the noise floor before any gain is applied.
	warmupFrames = 8
)

// Option configures an [Engine].
type Option func(*Engine)

// WithFloorDB sets the minimum bin gain in dB (default -20).
func WithFloorDB(db float64) Option {
	return func(e *Engine) {
		if db < 0 {
			e.floor = math.Pow(10, db/20)
		}
	}
}

// WithOverSubtraction sets how many times the noise floor is subtracted from
// each bin magnitude (default 2).
func WithOverSubtraction(f float64) Option {
	return func(e *Engine) {
		if f > 0 {
			e.over = f
		}
	}
}

// Engine creates spectral-subtraction sessions.
type Engine struct {
	floor  float64
	over   float64
	window []float64
}

var _ denoise.Engine = (*Engine)(nil)

// New returns an engine with the given options applied.
func New(opts ...Option) *Engine {
	e := &Engine{
		floor:  0.1,
		over:   2,
		window: make([]float64, window),
	}
	for _, o := range opts {
		o(e)
	}
	// Periodic sqrt-Hann: its square overlap-adds to exactly one at 50% hop.
	for i := range e.window {
		e.window[i] = math.Sin(math.Pi * float64(i) / window)
	}
	return e
}

// Load is a [denoise.LoadFunc] returning a default engine.
func Load() (denoise.Engine, error) { return New(), nil }

// SampleRate implements [denoise.Engine].
func (e *Engine) SampleRate() int { return denoise.NativeRate }

// FrameSize implements [denoise.Engine].
func (e *Engine) FrameSize() int { return hop }

// Latency implements [denoise.Engine]. Output trails input by one hop.
func (e *Engine) Latency() int { return hop }

// NewSession implements [denoise.Engine].
func (e *Engine) NewSession() (denoise.Session, error) {
	return &session{
		eng:     e,
		fft:     fourier.NewFFT(window),
		prev:    make([]float64, hop),
		overlap: make([]float64, hop),
		seq:     make([]float64, window),
		coeff:   make([]complex128, bins),
		noise:   make([]float64, bins),
		gain:    make([]float64, bins),
		mag:     make([]float64, bins),
	}, nil
}

type session struct {
	eng *Engine
	fft *fourier.FFT

	prev    []float64
	overlap []float64
	seq     []float64
	coeff   []complex128
	noise   []float64
	gain    []float64
	mag     []float64

	frames int
	closed atomic.Bool
}

func (s *session) ProcessFrame(out, in []float32) float32 {
	if s.closed.Load() || len(in) < hop || len(out) < hop {
		clear(out)
		return 0
	}
	w := s.eng.window

	for i := range hop {
		s.seq[i] = s.prev[i] * w[i]
		x := float64(in[i])
		s.seq[hop+i] = x * w[hop+i]
		s.prev[i] = x
	}
	s.fft.Coefficients(s.coeff, s.seq)

	var sig, nz float64
	for k, c := range s.coeff {
		m := cmplx.Abs(c)
		s.mag[k] = m
		sig += m * m
		nz += s.noise[k] * s.noise[k]
	}

	var prob float64
	switch {
	case s.frames < warmupFrames:
		for k, m := range s.mag {
			s.noise[k] += m / warmupFrames
			s.gain[k] = 1
		}
		prob = 1
	default:
		prob = voiceProbability(sig, nz)
		speech := prob >= 0.5
		for k, m := range s.mag {
			if speech {
				// Follow rising noise slowly even while someone talks.
				s.noise[k] += 0.001 * (m - s.noise[k])
			} else {
				s.noise[k] += 0.1 * (m - s.noise[k])
			}
			g := 1.0
			if m > 0 {
				g = 1 - s.eng.over*s.noise[k]/m
			}
			g = max(s.eng.floor, min(1, g))
			s.gain[k] = 0.5*s.gain[k] + 0.5*g
		}
	}
	s.frames++

	for k := range s.coeff {
		s.coeff[k] *= complex(s.gain[k], 0)
	}
	s.fft.Sequence(s.seq, s.coeff)

	const norm = 1.0 / window
	for i := range hop {
		out[i] = float32(s.overlap[i] + s.seq[i]*norm*w[i])
		s.overlap[i] = s.seq[hop+i] * norm * w[hop+i]
	}
	return float32(prob)
}

func (s *session) Close() error {
	s.closed.Store(true)
	return nil
}

// voiceProbability maps the frame's signal-to-noise ratio onto [0, 1]: 3 dB
// above the floor or less is silence, 15 dB or more is certain speech.
func voiceProbability(sig, noise float64) float64 {
	if noise <= 0 {
		if sig > 0 {
			return 1
		}
		return 0
	}
	snr := 10 * math.Log10(sig/noise)
	return max(0, min(1, (snr-3)/12))
}
