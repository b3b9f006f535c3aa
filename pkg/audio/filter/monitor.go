package filter

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/MrWong99/purrvoice/pkg/audio"
)

// DefaultMonitorHalfLife is how quickly a [PlaybackMonitor] level decays once
// playback goes quiet.
const DefaultMonitorHalfLife = 150 * time.Millisecond

// PlaybackMonitor tracks a decaying RMS of the audio a session is currently
// playing. Playback sinks call Report from their output callback; ducking
// filters read Level from the capture path.
//
// Report and Level only touch atomics, so both are safe to call from
// real-time audio threads. With several concurrent reporters the stored
// level is approximate, which is fine for gain control.
type PlaybackMonitor struct {
	halfLife time.Duration
	now      func() time.Time

	level atomic.Uint64 // math.Float64bits of the linear RMS at stamp
	stamp atomic.Int64  // UnixNano of the last report
}

// MonitorOption configures a [PlaybackMonitor].
type MonitorOption func(*PlaybackMonitor)

// WithHalfLife sets the decay half-life.
func WithHalfLife(d time.Duration) MonitorOption {
	return func(m *PlaybackMonitor) {
		if d > 0 {
			m.halfLife = d
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) MonitorOption {
	return func(m *PlaybackMonitor) {
		if now != nil {
			m.now = now
		}
	}
}

// NewPlaybackMonitor returns a monitor reporting silence.
func NewPlaybackMonitor(opts ...MonitorOption) *PlaybackMonitor {
	m := &PlaybackMonitor{halfLife: DefaultMonitorHalfLife, now: time.Now}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Report records a block of samples that was just handed to an output.
func (m *PlaybackMonitor) Report(samples []float32) {
	if m == nil || len(samples) == 0 {
		return
	}
	now := m.now().UnixNano()
	rms := audio.RMS(samples)
	if cur := m.levelAt(now); cur > rms {
		rms = cur
	}
	m.level.Store(math.Float64bits(rms))
	m.stamp.Store(now)
}

// Level returns the current linear RMS, decayed since the last report.
func (m *PlaybackMonitor) Level() float64 {
	if m == nil {
		return 0
	}
	return m.levelAt(m.now().UnixNano())
}

// LevelDB returns Level in dBFS, floored at [audio.SilenceDB].
func (m *PlaybackMonitor) LevelDB() float64 {
	return audio.LinearToDB(m.Level())
}

func (m *PlaybackMonitor) levelAt(now int64) float64 {
	lvl := math.Float64frombits(m.level.Load())
	if lvl == 0 {
		return 0
	}
	elapsed := time.Duration(now - m.stamp.Load())
	if elapsed <= 0 {
		return lvl
	}
	return lvl * math.Exp2(-float64(elapsed)/float64(m.halfLife))
}
