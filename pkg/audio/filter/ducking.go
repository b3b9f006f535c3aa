package filter

import (
	"sync/atomic"
	"time"
)

// Ducking lowers the gain of captured audio while the session is playing
// remote audio louder than ThresholdDB. At full strength the gain drops by
// Amount; it falls over Attack and recovers over Release, per sample.
type Ducking struct {
	ThresholdDB float64
	Amount      float64
	Attack      time.Duration
	Release     time.Duration
}

// DuckingFromParams reads threshold_db, amount, attack_s and release_s.
func DuckingFromParams(p Params) Ducking {
	return Ducking{
		ThresholdDB: p.Get("threshold_db", -35),
		Amount:      min(1, max(0, p.Get("amount", 0.6))),
		Attack:      secondsToDuration(p.Get("attack_s", 0.02)),
		Release:     secondsToDuration(p.Get("release_s", 0.4)),
	}
}

// Kind implements [Definition].
func (Ducking) Kind() Kind { return KindDucking }

// Params implements [Definition].
func (d Ducking) Params() Params {
	return Params{
		"threshold_db": d.ThresholdDB,
		"amount":       d.Amount,
		"attack_s":     d.Attack.Seconds(),
		"release_s":    d.Release.Seconds(),
	}
}

// NewInstance implements [Definition].
func (d Ducking) NewInstance(env Env) (Instance, error) {
	inst := &ducking{monitor: env.Monitor, gain: 1}
	inst.def.Store(&d)
	return inst, nil
}

type ducking struct {
	def     atomic.Pointer[Ducking]
	monitor *PlaybackMonitor
	gain    float64
}

// perSample converts a time constant into a per-sample gain step.
func perSample(tc time.Duration, rate int) float64 {
	if tc <= 0 {
		return 1
	}
	return 1 / (tc.Seconds() * float64(rate))
}

func (d *ducking) Process(buf []float32, sampleRate int, strength float32) {
	if strength <= 0 || sampleRate <= 0 {
		return
	}
	def := d.def.Load()

	target := 1.0
	if d.monitor.LevelDB() > def.ThresholdDB {
		target = 1 - def.Amount*float64(strength)
	}
	down := perSample(def.Attack, sampleRate)
	up := perSample(def.Release, sampleRate)

	g := d.gain
	for i := range buf {
		switch {
		case g > target:
			g = max(target, g-down)
		case g < target:
			g = min(target, g+up)
		}
		buf[i] *= float32(g)
	}
	d.gain = g
}

func (d *ducking) Update(def Definition) error {
	dk, ok := def.(Ducking)
	if !ok {
		return ErrKindMismatch
	}
	d.def.Store(&dk)
	return nil
}

func (d *ducking) Close() error { return nil }
