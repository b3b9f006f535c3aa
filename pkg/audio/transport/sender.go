package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/purrvoice/pkg/audio"
	"github.com/MrWong99/purrvoice/pkg/audio/codec"
)

// Sink receives the encoded fragments of a [Sender]. [ChannelSink] sends
// them to a peer; a [Relay] running in the same process accepts them
// directly through [Relay.Ingest].
type Sink interface {
	SendFrame(ctx context.Context, fragments [][]byte) error
}

// SinkFunc adapts a function to [Sink].
type SinkFunc func(ctx context.Context, fragments [][]byte) error

// SendFrame implements [Sink].
func (f SinkFunc) SendFrame(ctx context.Context, fragments [][]byte) error {
	return f(ctx, fragments)
}

// ChannelSink returns a [Sink] that sends every fragment to peer over ch
// with reliability rel.
func ChannelSink(ch Channel, peer string, rel Reliability) Sink {
	return SinkFunc(func(ctx context.Context, fragments [][]byte) error {
		for _, f := range fragments {
			if err := ch.Send(ctx, peer, f, rel); err != nil {
				return err
			}
		}
		return nil
	})
}

// SenderStats counts a sender's activity.
type SenderStats struct {
	Frames       uint64
	Fragments    uint64
	EncodeErrors uint64
	SendErrors   uint64
}

// SenderOption configures a [Sender].
type SenderOption func(*Sender)

// WithMaxFragmentBytes sets the largest fragment payload.
func WithMaxFragmentBytes(n int) SenderOption {
	return func(s *Sender) {
		if n > 0 {
			s.maxFragment = n
		}
	}
}

// WithFrameHook registers fn to run after every encoded frame with the time
// spent encoding it. It runs on the pushing goroutine.
func WithFrameHook(fn func(encode time.Duration, fragments int)) SenderOption {
	return func(s *Sender) { s.onFrame = fn }
}

// Sender cuts a participant's outgoing stream into frames, encodes and
// fragments them and hands the fragments to a [Sink].
//
// Incoming chunks may have any length and any rate. They are resampled to the
// negotiated rate and accumulated; every time a full frame of
// [codec.Codec.FrameSamples] samples is available exactly one frame is
// encoded and sent. The remainder is kept for the next push, so a tail
// shorter than one frame is never sent on its own.
type Sender struct {
	origin      string
	codecs      *codec.Cache
	sink        Sink
	maxFragment int
	onFrame     func(time.Duration, int)

	mu        sync.Mutex
	rate      int
	srcRate   int
	resampler *audio.Resampler
	scratch   []float32
	frame     []float32
	fill      int
	seq       uint32
	stats     SenderStats
}

// NewSender returns a sender for participant origin encoding with codecs and
// sending to sink. rate is the initial negotiated rate and is snapped to
// [audio.SupportedRates].
func NewSender(origin string, codecs *codec.Cache, sink Sink, rate int, opts ...SenderOption) *Sender {
	s := &Sender{
		origin:      origin,
		codecs:      codecs,
		sink:        sink,
		maxFragment: MaxFragmentPayload,
		rate:        audio.NearestSupportedRate(rate),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Rate returns the negotiated rate.
func (s *Sender) Rate() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rate
}

// SetRate renegotiates the outgoing rate. The pending partial frame is
// discarded and the codec for the new rate starts fresh. It returns the
// snapped rate.
func (s *Sender) SetRate(rate int) int {
	rate = audio.NearestSupportedRate(rate)
	s.mu.Lock()
	defer s.mu.Unlock()
	if rate != s.rate {
		s.codecs.Drop(rate)
		s.rate = rate
		s.resampler = nil
	}
	s.resetLocked()
	return rate
}

// Reset discards the pending partial frame and resampler state.
func (s *Sender) Reset() {
	s.mu.Lock()
	s.resetLocked()
	s.mu.Unlock()
}

func (s *Sender) resetLocked() {
	s.fill = 0
	if s.resampler != nil {
		s.resampler.Reset()
	}
}

// Pending returns the number of samples (at the negotiated rate) waiting for
// a full frame.
func (s *Sender) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fill
}

// Stats returns a copy of the sender's counters.
func (s *Sender) Stats() SenderStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Push accepts one chunk and sends every frame it completes. It returns the
// number of frames sent. Encode and send failures drop the affected frame,
// are counted and returned; the stream continues with the next frame.
func (s *Sender) Push(ctx context.Context, c audio.Chunk) (int, error) {
	if len(c.Samples) == 0 || c.SampleRate <= 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cd, err := s.codecs.Get(s.rate)
	if err != nil {
		return 0, fmt.Errorf("transport: sender: %w", err)
	}
	n := cd.FrameSamples()
	if len(s.frame) != n {
		s.frame = make([]float32, n)
		s.fill = 0
	}

	in := c.Samples
	if c.SampleRate != s.rate {
		if s.resampler == nil || s.srcRate != c.SampleRate {
			s.resampler = audio.NewResampler(c.SampleRate, s.rate)
			s.srcRate = c.SampleRate
		}
		if need := s.resampler.MaxOutput(len(in)); cap(s.scratch) < need {
			s.scratch = make([]float32, 0, need)
		}
		s.scratch = s.resampler.Process(s.scratch, in)
		in = s.scratch
	}

	var (
		frames int
		errs   error
	)
	for len(in) > 0 {
		k := copy(s.frame[s.fill:], in)
		s.fill += k
		in = in[k:]
		if s.fill < n {
			break
		}
		s.fill = 0
		if err := s.emitLocked(ctx, cd); err != nil {
			errs = err
			continue
		}
		frames++
	}
	return frames, errs
}

func (s *Sender) emitLocked(ctx context.Context, cd codec.Codec) error {
	start := time.Now()
	packet, err := cd.Encode(s.frame)
	if err != nil {
		s.stats.EncodeErrors++
		return fmt.Errorf("transport: sender: encode: %w", err)
	}
	seq := s.seq
	s.seq++
	fragments, err := FragmentPackets(s.origin, seq, s.rate, packet, s.maxFragment)
	if err != nil {
		s.stats.EncodeErrors++
		return fmt.Errorf("transport: sender: %w", err)
	}
	elapsed := time.Since(start)
	if err := s.sink.SendFrame(ctx, fragments); err != nil {
		s.stats.SendErrors++
		return fmt.Errorf("transport: sender: send: %w", err)
	}
	s.stats.Frames++
	s.stats.Fragments += uint64(len(fragments))
	if s.onFrame != nil {
		s.onFrame(elapsed, len(fragments))
	}
	return nil
}
