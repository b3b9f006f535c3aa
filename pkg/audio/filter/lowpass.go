package filter

import (
	"math"
	"sync/atomic"
)

// LowPass is a single-pole IIR low-pass. Strength moves the effective cutoff
// from the Nyquist frequency (strength 0) to CutoffHz (strength 1).
type LowPass struct {
	CutoffHz float64
}

// LowPassFromParams reads cutoff_hz.
func LowPassFromParams(p Params) LowPass {
	return LowPass{CutoffHz: p.Get("cutoff_hz", 3400)}
}

// Kind implements [Definition].
func (LowPass) Kind() Kind { return KindLowPass }

// Params implements [Definition].
func (l LowPass) Params() Params { return Params{"cutoff_hz": l.CutoffHz} }

// NewInstance implements [Definition].
func (l LowPass) NewInstance(Env) (Instance, error) {
	inst := &lowPass{cutoff: -1}
	inst.def.Store(&l)
	return inst, nil
}

type lowPass struct {
	def atomic.Pointer[LowPass]

	cutoff float64
	rate   int
	alpha  float32
	y      float32
}

func (l *lowPass) Process(buf []float32, sampleRate int, strength float32) {
	if strength <= 0 || sampleRate <= 0 {
		return
	}
	nyquist := float64(sampleRate) / 2
	target := min(max(l.def.Load().CutoffHz, 1), nyquist)
	eff := nyquist + (target-nyquist)*float64(strength)

	if sampleRate != l.rate || math.Abs(eff-l.cutoff) > 0.001 {
		rc := 1 / (2 * math.Pi * eff)
		dt := 1 / float64(sampleRate)
		l.alpha = float32(dt / (rc + dt))
		l.cutoff = eff
		l.rate = sampleRate
	}

	a, y := l.alpha, l.y
	for i, x := range buf {
		y += a * (x - y)
		buf[i] = y
	}
	l.y = y
}

func (l *lowPass) Update(def Definition) error {
	lp, ok := def.(LowPass)
	if !ok {
		return ErrKindMismatch
	}
	l.def.Store(&lp)
	return nil
}

func (l *lowPass) Close() error { return nil }
