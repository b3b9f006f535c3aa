package transport

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/purrvoice/pkg/audio"
	"github.com/MrWong99/purrvoice/pkg/audio/codec"
)

// AudioHandler receives decoded audio of one origin. The chunk's samples are
// only valid during the call. It runs with the [Receiver] locked and must not
// call back into it.
type AudioHandler func(origin string, c audio.Chunk)

// ReceiverOption configures a [Receiver].
type ReceiverOption func(*Receiver)

// WithDecodeHook registers fn to run after every decoded frame with the
// decode time and the decode error, if any.
func WithDecodeHook(fn func(d time.Duration, err error)) ReceiverOption {
	return func(r *Receiver) { r.onDecode = fn }
}

// Receiver reassembles and decodes the audio of every remote origin. Each
// origin has its own reassembler and [codec.Cache], so streams never share
// codec state.
type Receiver struct {
	kind     codec.Kind
	opts     []codec.Option
	handler  AudioHandler
	onDecode func(time.Duration, error)

	mu      sync.Mutex
	origins map[string]*inbound

	decodeErrors atomic.Uint64
	frames       atomic.Uint64
}

type inbound struct {
	reasm  Reassembler
	codecs *codec.Cache
	rate   int
}

// NewReceiver returns a receiver decoding kind frames and handing them to
// handler.
func NewReceiver(kind codec.Kind, handler AudioHandler, codecOpts []codec.Option, opts ...ReceiverOption) *Receiver {
	r := &Receiver{
		kind:    kind,
		opts:    codecOpts,
		handler: handler,
		origins: make(map[string]*inbound),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Receiver) originLocked(id string) *inbound {
	in, ok := r.origins[id]
	if !ok {
		in = &inbound{codecs: codec.NewCache(r.kind, r.opts...)}
		r.origins[id] = in
	}
	return in
}

// SetRate records the frequency announced by origin and returns the snapped
// rate. When it differs from the previous announcement the origin's codec is
// rebuilt and any partial frame discarded.
func (r *Receiver) SetRate(origin string, rate int) int {
	rate = audio.NearestSupportedRate(rate)
	r.mu.Lock()
	defer r.mu.Unlock()
	in := r.originLocked(origin)
	if in.rate != rate {
		if in.rate != 0 {
			in.codecs.Drop(in.rate)
		}
		in.codecs.Drop(rate)
		in.rate = rate
		in.reasm.Reset()
	}
	return rate
}

// Rate returns the last rate announced by origin, or 0.
func (r *Receiver) Rate(origin string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if in, ok := r.origins[origin]; ok {
		return in.rate
	}
	return 0
}

// Forget discards all state of origin.
func (r *Receiver) Forget(origin string) {
	r.mu.Lock()
	delete(r.origins, origin)
	r.mu.Unlock()
}

// Origins returns the ids of every origin with state.
func (r *Receiver) Origins() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.origins))
	for id := range r.origins {
		out = append(out, id)
	}
	return out
}

// HandlePacket feeds one audio fragment. When it completes a frame the frame
// is decoded and handed to the handler. A malformed frame is decoded as
// silence so the playback timeline keeps moving; the decode error is
// returned.
func (r *Receiver) HandlePacket(p Packet) error {
	if p.Kind != KindAudio {
		return fmt.Errorf("transport: receiver: unexpected %s packet", p.Kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	in := r.originLocked(p.Origin)
	if in.rate == 0 {
		in.rate = p.Rate
	} else if p.Rate != in.rate {
		// The stream moved before its announcement arrived.
		in.codecs.Drop(p.Rate)
		in.rate = p.Rate
	}
	f, ok := in.reasm.Add(p)
	if !ok {
		return nil
	}
	cd, err := in.codecs.Get(f.Rate)
	if err != nil {
		return fmt.Errorf("transport: receiver: %w", err)
	}
	start := time.Now()
	samples, decErr := cd.Decode(f.Data)
	if r.onDecode != nil {
		r.onDecode(time.Since(start), decErr)
	}
	if decErr != nil {
		r.decodeErrors.Add(1)
		if !errors.Is(decErr, codec.ErrMalformed) {
			return fmt.Errorf("transport: receiver: decode %q: %w", p.Origin, decErr)
		}
	}
	r.frames.Add(1)
	if r.handler != nil {
		r.handler(p.Origin, audio.Chunk{Samples: samples, SampleRate: cd.SampleRate()})
	}
	if decErr != nil {
		return fmt.Errorf("transport: receiver: decode %q: %w", p.Origin, decErr)
	}
	return nil
}

// Dropped returns the total number of frames discarded by reason over all
// origins.
func (r *Receiver) Dropped(reason DropReason) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n uint64
	for _, in := range r.origins {
		n += in.reasm.Dropped(reason)
	}
	return n
}

// Frames returns the number of decoded frames.
func (r *Receiver) Frames() uint64 { return r.frames.Load() }

// DecodeErrors returns the number of frames that failed to decode.
func (r *Receiver) DecodeErrors() uint64 { return r.decodeErrors.Load() }
