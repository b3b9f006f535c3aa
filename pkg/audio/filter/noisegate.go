package filter

import (
	"sync/atomic"
	"time"

	"github.com/MrWong99/purrvoice/pkg/audio"
)

// NoiseGate silences chunks whose RMS stays below ThresholdDB. The gate opens
// over Attack and closes over Release, stepping once per chunk.
type NoiseGate struct {
	ThresholdDB float64
	Attack      time.Duration
	Release     time.Duration
}

// NoiseGateFromParams reads threshold_db, attack_s and release_s.
func NoiseGateFromParams(p Params) NoiseGate {
	return NoiseGate{
		ThresholdDB: p.Get("threshold_db", -45),
		Attack:      secondsToDuration(p.Get("attack_s", 0.005)),
		Release:     secondsToDuration(p.Get("release_s", 0.15)),
	}
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(seconds(s) * float64(time.Second))
}

// Kind implements [Definition].
func (NoiseGate) Kind() Kind { return KindNoiseGate }

// Params implements [Definition].
func (g NoiseGate) Params() Params {
	return Params{
		"threshold_db": g.ThresholdDB,
		"attack_s":     g.Attack.Seconds(),
		"release_s":    g.Release.Seconds(),
	}
}

// NewInstance implements [Definition]. The gate starts open.
func (g NoiseGate) NewInstance(Env) (Instance, error) {
	inst := &noiseGate{level: 1}
	inst.def.Store(&g)
	return inst, nil
}

type noiseGate struct {
	def   atomic.Pointer[NoiseGate]
	level float64
}

// rampStep converts a time constant into the level change for one chunk.
func rampStep(chunk float64, tc time.Duration) float64 {
	if tc <= 0 {
		return 1
	}
	return chunk / tc.Seconds()
}

func (g *noiseGate) Process(buf []float32, sampleRate int, strength float32) {
	if strength <= 0 || sampleRate <= 0 || len(buf) == 0 {
		return
	}
	def := g.def.Load()
	chunk := float64(len(buf)) / float64(sampleRate)

	if audio.LinearToDB(audio.RMS(buf)) > def.ThresholdDB {
		g.level = min(1, g.level+rampStep(chunk, def.Attack))
	} else {
		g.level = max(0, g.level-rampStep(chunk, def.Release))
	}

	gain := float32(1 - float64(strength) + g.level*float64(strength))
	if gain == 1 {
		return
	}
	for i := range buf {
		buf[i] *= gain
	}
}

func (g *noiseGate) Update(def Definition) error {
	ng, ok := def.(NoiseGate)
	if !ok {
		return ErrKindMismatch
	}
	g.def.Store(&ng)
	return nil
}

func (g *noiseGate) Close() error { return nil }
