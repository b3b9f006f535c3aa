package playback

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/purrvoice/pkg/audio"
	"github.com/MrWong99/purrvoice/pkg/audio/filter"
)

// DefaultPlaybackOffset is the jitter allowance added to the device latency
// to form the desired lag.
const DefaultPlaybackOffset = 60 * time.Millisecond

// trimChecks is how many consecutive ticks the lead must stay above the trim
// threshold before the excess is dropped.
const trimChecks = 10

// SinkOption configures a [Sink].
type SinkOption func(*Sink)

// WithPlaybackOffset sets the jitter allowance in front of the device.
func WithPlaybackOffset(d time.Duration) SinkOption {
	return func(s *Sink) {
		if d >= 0 {
			s.offset = d
		}
	}
}

// WithMonitor reports everything handed to the output to m.
func WithMonitor(m *filter.PlaybackMonitor) SinkOption {
	return func(s *Sink) { s.monitor = m }
}

// WithSinkLogger sets the logger.
func WithSinkLogger(l *slog.Logger) SinkOption {
	return func(s *Sink) {
		if l != nil {
			s.log = l
		}
	}
}

// Stats are cumulative sink counters.
type Stats struct {
	// SilenceFilled is the number of silence samples the producer inserted
	// to protect the lag.
	SilenceFilled uint64

	// Starved is the number of zero samples the device read because the
	// clip ran dry.
	Starved uint64

	// Overflow is the number of samples dropped because the clip was full.
	Overflow uint64

	// Trimmed is the number of buffered samples dropped to bring a grown
	// lead back to the desired lag.
	Trimmed uint64
}

// Sink streams chunks of arbitrary size and rate to an [Output].
//
// Playback starts once the desired lag is buffered, with the read head one
// lag behind the write head; with a zero lag it starts at the write head and
// earlier audio is skipped. While playing, silence keeps the lead from
// falling below the lag, and a lead that stays more than a lag (at least
// 50 ms) above it is trimmed back so jitter does not accumulate latency.
//
// Write, Tick and Close are producer-side and serialised internally; Read is
// the consumer side and is called by the output only.
type Sink struct {
	out     Output
	offset  time.Duration
	monitor *filter.PlaybackMonitor
	log     *slog.Logger

	clip atomic.Pointer[Clip]

	mu        sync.Mutex
	rate      int
	lag       int
	resampler *audio.Resampler
	playing   bool
	closed    bool
	high      int
	filled    atomic.Uint64
	starved   uint64
	overflow  uint64
	trimmed   uint64
}

var _ Reader = (*Sink)(nil)

// NewSink returns a sink feeding out. No buffer is allocated until the first
// chunk arrives.
func NewSink(out Output, opts ...SinkOption) *Sink {
	s := &Sink{
		out:    out,
		offset: DefaultPlaybackOffset,
		log:    slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Write resamples chunk to the output rate and appends it to the clip.
func (s *Sink) Write(chunk audio.Chunk) {
	if len(chunk.Samples) == 0 || chunk.SampleRate <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	clip := s.ensureClip()

	if s.resampler == nil {
		s.resampler = audio.NewResampler(chunk.SampleRate, s.rate)
	} else if src, _ := s.resampler.Rates(); src != chunk.SampleRate {
		s.resampler = audio.NewResampler(chunk.SampleRate, s.rate)
	}

	buf := audio.GetBuffer(s.resampler.MaxOutput(len(chunk.Samples)))
	*buf = s.resampler.Process(*buf, chunk.Samples)
	if !s.playing {
		// Nobody is reading yet, so make room by discarding the oldest audio.
		if need := len(*buf) - clip.Free(); need > 0 {
			clip.Seek(clip.ReadHead() + uint64(need))
		}
	}
	clip.Write(*buf)
	audio.PutBuffer(buf)

	s.tickLocked(clip)
}

// Tick protects the lag with silence and starts playback once enough audio
// is buffered. Call it regularly (see Run); Write calls it too.
func (s *Sink) Tick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if clip := s.clip.Load(); clip != nil {
		s.tickLocked(clip)
	}
}

func (s *Sink) tickLocked(clip *Clip) {
	ahead := clip.Ahead()
	if !s.playing {
		if ahead < s.lag {
			return
		}
		clip.Seek(clip.WriteHead() - uint64(s.lag))
		if err := s.out.Play(s); err != nil {
			s.log.Warn("playback: start output", "err", err)
			return
		}
		s.playing = true
		s.log.Debug("playback: started", "rate", s.rate, "lag", s.lag)
		return
	}
	if ahead < s.lag {
		s.filled.Add(uint64(clip.WriteSilence(s.lag - ahead)))
	}
	if ahead <= s.lag+s.trimSlack() {
		s.high = 0
		return
	}
	if s.high++; s.high >= trimChecks {
		clip.Discard(ahead - s.lag)
		s.high = 0
	}
}

// trimSlack is how far the lead may exceed the lag before it is trimmed.
func (s *Sink) trimSlack() int {
	return max(s.lag, s.rate/20)
}

// ensureClip lazily sizes the clip to one second at the output rate.
func (s *Sink) ensureClip() *Clip {
	if c := s.clip.Load(); c != nil {
		return c
	}
	s.rate = s.out.SampleRate()
	lead := s.offset + s.out.BufferLatency()
	s.lag = min(int(int64(lead)*int64(s.rate)/int64(time.Second)), s.rate/2)
	c := NewClip(s.rate)
	s.clip.Store(c)
	return c
}

// Run calls Tick every interval until ctx is done. The interval should be
// well below the desired lag.
func (s *Sink) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Tick()
		}
	}
}

// Read implements [Reader] for the output device.
func (s *Sink) Read(dst []float32) int {
	clip := s.clip.Load()
	if clip == nil {
		clear(dst)
		return 0
	}
	n := clip.Read(dst)
	s.monitor.Report(dst)
	return n
}

// Playing reports whether the output has been started.
func (s *Sink) Playing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing
}

// Lag returns the desired lag in output samples, or 0 before the first chunk.
func (s *Sink) Lag() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lag
}

// Ahead returns the current lead of the write head over the read head.
func (s *Sink) Ahead() int {
	if c := s.clip.Load(); c != nil {
		return c.Ahead()
	}
	return 0
}

// Stats returns cumulative counters.
func (s *Sink) Stats() Stats {
	st := Stats{SilenceFilled: s.filled.Load()}
	if c := s.clip.Load(); c != nil {
		st.Starved = c.Starved()
		st.Overflow = c.Overflow()
		st.Trimmed = c.Trimmed()
	}
	s.mu.Lock()
	st.Starved += s.starved
	st.Overflow += s.overflow
	st.Trimmed += s.trimmed
	s.mu.Unlock()
	return st
}

// Close stops the output, then clears the stream state, then releases the
// clip. A closed sink ignores further writes. Close is idempotent.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var err error
	if s.playing {
		err = s.out.Stop()
		s.playing = false
	}

	if s.resampler != nil {
		s.resampler.Reset()
	}
	s.lag = 0
	s.high = 0

	if c := s.clip.Swap(nil); c != nil {
		s.starved += c.Starved()
		s.overflow += c.Overflow()
		s.trimmed += c.Trimmed()
	}
	s.resampler = nil
	return err
}
