package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/purrvoice/pkg/audio"
	"github.com/MrWong99/purrvoice/pkg/audio/codec"
	"github.com/MrWong99/purrvoice/pkg/audio/filter"
)

// tracerName is the instrumentation scope of relay membership spans.
const tracerName = "github.com/MrWong99/purrvoice/pkg/audio/transport"

func startSpan(ctx context.Context, name, id string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name,
		trace.WithAttributes(attribute.String("purrvoice.participant", id)))
}

// RelayStats counts a relay's activity.
type RelayStats struct {
	Frames     uint64 // complete frames received
	Reencoded  uint64 // frames decoded, filtered and re-encoded
	Fragments  uint64 // fragments sent to observers
	Spoofed    uint64 // packets whose origin did not match the sender
	Malformed  uint64 // packets that failed to parse
	SendErrors uint64
}

// RelayOption configures a [Relay].
type RelayOption func(*Relay)

// WithServerChain runs the server stage of chain over every relayed frame.
// Without it, or while the stage has no active entry, frames are forwarded
// byte for byte.
func WithServerChain(chain *filter.Chain) RelayOption {
	return func(r *Relay) { r.chain = chain }
}

// WithRelayCodec sets the codec used to decode and re-encode frames for the
// server stage. It must match the senders' codec.
func WithRelayCodec(kind codec.Kind, opts ...codec.Option) RelayOption {
	return func(r *Relay) {
		r.kind = kind
		r.codecOpts = opts
	}
}

// WithRelayMaxFragment sets the largest fragment payload of re-encoded
// frames.
func WithRelayMaxFragment(n int) RelayOption {
	return func(r *Relay) {
		if n > 0 {
			r.maxFragment = n
		}
	}
}

// WithRelayLogger sets the logger.
func WithRelayLogger(l *slog.Logger) RelayOption {
	return func(r *Relay) { r.log = l }
}

// Relay is the authoritative fan-out point. It receives every participant's
// stream, optionally processes it, and sends it to every observer of the
// origin except the origin itself.
//
// The participant running the relay may also take part in the conversation.
// Its outgoing stream enters through [Relay.Ingest] and everything addressed
// to it is handed to the function set with [Relay.LocalDelivery] instead of
// going through the [Channel].
type Relay struct {
	ch          Channel
	id          string
	chain       *filter.Chain
	kind        codec.Kind
	codecOpts   []codec.Option
	maxFragment int
	log         *slog.Logger

	local atomic.Pointer[func(Packet)]

	mu      sync.Mutex
	peers   map[string]bool
	origins map[string]*origin
	// ignored[observer][origin] marks an observer that stopped listening to
	// an origin.
	ignored map[string]map[string]bool

	frames     atomic.Uint64
	reencoded  atomic.Uint64
	fragments  atomic.Uint64
	spoofed    atomic.Uint64
	malformed  atomic.Uint64
	sendErrors atomic.Uint64
}

type origin struct {
	mu     sync.Mutex
	reasm  Reassembler
	codecs *codec.Cache
	proc   *filter.Processor
	buf    []float32

	rate  int
	muted bool
}

// NewRelay returns a relay that communicates over ch. The relay's own
// participant id is ch.LocalID().
func NewRelay(ch Channel, opts ...RelayOption) *Relay {
	r := &Relay{
		ch:          ch,
		id:          ch.LocalID(),
		kind:        codec.KindOpus,
		maxFragment: MaxFragmentPayload,
		log:         slog.Default(),
		peers:       make(map[string]bool),
		origins:     make(map[string]*origin),
		ignored:     make(map[string]map[string]bool),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// ID returns the relay's participant id.
func (r *Relay) ID() string { return r.id }

// LocalDelivery sets the function that receives every packet addressed to
// the relay's own participant. nil disables local delivery. fn runs on the
// relay's goroutines and must not block.
func (r *Relay) LocalDelivery(fn func(Packet)) {
	if fn == nil {
		r.local.Store(nil)
		return
	}
	r.local.Store(&fn)
}

// Stats returns a snapshot of the relay's counters.
func (r *Relay) Stats() RelayStats {
	return RelayStats{
		Frames:     r.frames.Load(),
		Reencoded:  r.reencoded.Load(),
		Fragments:  r.fragments.Load(),
		Spoofed:    r.spoofed.Load(),
		Malformed:  r.malformed.Load(),
		SendErrors: r.sendErrors.Load(),
	}
}

// Dropped returns the number of frames discarded by reason across origins.
func (r *Relay) Dropped(reason DropReason) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n uint64
	for _, o := range r.origins {
		n += o.reasm.Dropped(reason)
	}
	return n
}

// Peers returns the connected participants, excluding the relay's own.
func (r *Relay) Peers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.peers))
	for id := range r.peers {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// SetObserving controls whether observer receives origin's audio. Every
// participant observes every other one by default.
func (r *Relay) SetObserving(observer, originID string, on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if on {
		delete(r.ignored[observer], originID)
		return
	}
	if r.ignored[observer] == nil {
		r.ignored[observer] = make(map[string]bool)
	}
	r.ignored[observer][originID] = true
}

// Observers returns the participants that receive origin's audio, which
// never includes origin itself.
func (r *Relay) Observers(originID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.observersLocked(originID)
}

func (r *Relay) observersLocked(originID string) []string {
	out := make([]string, 0, len(r.peers)+1)
	for id := range r.peers {
		if id != originID && !r.ignored[id][originID] {
			out = append(out, id)
		}
	}
	if r.id != originID && !r.ignored[r.id][originID] && r.local.Load() != nil {
		out = append(out, r.id)
	}
	slices.Sort(out)
	return out
}

// Join registers participant id as connected, tells everyone else and
// brings id up to date with the current participants and their stream
// state.
func (r *Relay) Join(ctx context.Context, id string) {
	if id == r.id {
		return
	}
	ctx, span := startSpan(ctx, "relay.join", id)
	defer span.End()

	r.mu.Lock()
	if r.peers[id] {
		r.mu.Unlock()
		span.SetAttributes(attribute.Bool("purrvoice.known", true))
		return
	}
	r.peers[id] = true
	var catchUp [][]byte
	existing := make([]string, 0, len(r.peers))
	for pid := range r.peers {
		if pid != id {
			existing = append(existing, pid)
		}
	}
	if r.local.Load() != nil {
		existing = append(existing, r.id)
	}
	for _, pid := range existing {
		if b, err := Control(KindJoin, r.id, PeerBody{ID: pid}); err == nil {
			catchUp = append(catchUp, b)
		}
	}
	for oid, o := range r.origins {
		if oid == id {
			continue
		}
		o.mu.Lock()
		rate, muted := o.rate, o.muted
		o.mu.Unlock()
		if rate != 0 {
			if b, err := Control(KindFrequency, oid, FrequencyBody{Rate: rate}); err == nil {
				catchUp = append(catchUp, b)
			}
		}
		if muted {
			if b, err := Control(KindMute, oid, MuteBody{Muted: true}); err == nil {
				catchUp = append(catchUp, b)
			}
		}
	}
	r.mu.Unlock()

	failed := 0
	for _, b := range catchUp {
		if !r.send(ctx, id, b, Reliable) {
			failed++
		}
	}
	span.SetAttributes(
		attribute.Int("purrvoice.catchup.messages", len(catchUp)),
		attribute.Int("purrvoice.catchup.failed", failed),
	)
	r.log.InfoContext(ctx, "relay: participant joined", "id", id, "catch_up", len(catchUp), "failed", failed)
	if b, err := Control(KindJoin, r.id, PeerBody{ID: id}); err == nil {
		r.fanOut(ctx, id, b, Reliable, nil)
	}
}

// Leave forgets participant id and tells everyone else.
func (r *Relay) Leave(ctx context.Context, id string) {
	ctx, span := startSpan(ctx, "relay.leave", id)
	defer span.End()

	r.mu.Lock()
	if !r.peers[id] {
		r.mu.Unlock()
		span.SetAttributes(attribute.Bool("purrvoice.known", false))
		return
	}
	delete(r.peers, id)
	delete(r.ignored, id)
	o := r.origins[id]
	delete(r.origins, id)
	r.mu.Unlock()

	if o != nil {
		o.mu.Lock()
		if o.proc != nil {
			_ = o.proc.Close()
		}
		o.mu.Unlock()
	}
	r.log.InfoContext(ctx, "relay: participant left", "id", id)
	if b, err := Control(KindLeave, r.id, PeerBody{ID: id}); err == nil {
		r.fanOut(ctx, id, b, Reliable, nil)
	}
}

// Run reads the channel until ctx is cancelled or the channel closes. When
// the channel implements [Membership] joins and leaves are tracked
// automatically.
func (r *Relay) Run(ctx context.Context) error {
	if m, ok := r.ch.(Membership); ok {
		unsub := m.OnPeer(func(id string, joined bool) {
			if joined {
				r.Join(ctx, id)
			} else {
				r.Leave(ctx, id)
			}
		})
		defer unsub()
		for _, id := range m.Peers() {
			r.Join(ctx, id)
		}
	}

	in := r.ch.Receive()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-in:
			if !ok {
				return ErrClosed
			}
			if err := r.Handle(ctx, m); err != nil {
				r.log.Debug("relay: message dropped", "from", m.From, "err", err)
			}
		}
	}
}

// Ingest accepts a message from the relay's own participant without going
// through the channel.
func (r *Relay) Ingest(ctx context.Context, data []byte) error {
	return r.Handle(ctx, Message{From: r.id, Data: data})
}

// IngestSink returns a [Sink] that feeds a local [Sender] straight into the
// relay.
func (r *Relay) IngestSink() Sink {
	return SinkFunc(func(ctx context.Context, fragments [][]byte) error {
		var errs []error
		for _, f := range fragments {
			if err := r.Ingest(ctx, f); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

// ErrSpoofedOrigin is returned by [Relay.Handle] for packets whose origin is
// not the participant that sent them.
var ErrSpoofedOrigin = errors.New("transport: relay: spoofed origin")

// Handle processes one message received from m.From.
func (r *Relay) Handle(ctx context.Context, m Message) error {
	p, err := ParsePacket(m.Data)
	if err != nil {
		r.malformed.Add(1)
		return err
	}
	if p.Origin != m.From {
		r.spoofed.Add(1)
		return fmt.Errorf("%w: %q sent as %q", ErrSpoofedOrigin, m.From, p.Origin)
	}
	if _, tracked := r.ch.(Membership); !tracked && m.From != r.id {
		r.mu.Lock()
		known := r.peers[m.From]
		r.mu.Unlock()
		if !known {
			r.Join(ctx, m.From)
		}
	}

	switch p.Kind {
	case KindAudio:
		return r.handleAudio(ctx, p)
	case KindFrequency:
		var body FrequencyBody
		if err := p.DecodeBody(&body); err != nil {
			return err
		}
		body.Rate = audio.NearestSupportedRate(body.Rate)
		o := r.origin(p.Origin)
		o.mu.Lock()
		if o.rate != body.Rate && o.rate != 0 {
			o.codecs.Drop(o.rate)
			o.reasm.Reset()
		}
		o.rate = body.Rate
		o.mu.Unlock()
		out, err := Control(KindFrequency, p.Origin, body)
		if err != nil {
			return err
		}
		r.fanOut(ctx, p.Origin, out, Reliable, nil)
	case KindMute:
		var body MuteBody
		if err := p.DecodeBody(&body); err != nil {
			return err
		}
		o := r.origin(p.Origin)
		o.mu.Lock()
		o.muted = body.Muted
		o.mu.Unlock()
		r.fanOut(ctx, p.Origin, m.Data, Reliable, nil)
	case KindFilter:
		r.fanOut(ctx, p.Origin, m.Data, Reliable, nil)
	default:
		return fmt.Errorf("transport: relay: %s packets are relay-only", p.Kind)
	}
	return nil
}

func (r *Relay) origin(id string) *origin {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.origins[id]
	if !ok {
		o = &origin{codecs: codec.NewCache(r.kind, r.codecOpts...)}
		r.origins[id] = o
	}
	return o
}

func (r *Relay) handleAudio(ctx context.Context, p Packet) error {
	o := r.origin(p.Origin)

	o.mu.Lock()
	f, ok := o.reasm.Add(p)
	if !ok {
		o.mu.Unlock()
		return nil
	}
	r.frames.Add(1)
	if o.rate == 0 {
		o.rate = f.Rate
	}

	var (
		packets [][]byte
		err     error
	)
	if r.chain != nil && r.chain.HasActive(filter.StageServer) {
		packets, err = r.reencodeLocked(p.Origin, o, f)
	} else {
		packets, err = FragmentPackets(p.Origin, f.Seq, f.Rate, f.Data, r.maxFragment)
	}
	o.mu.Unlock()
	if err != nil {
		return err
	}

	for _, b := range packets {
		r.fanOut(ctx, p.Origin, b, Unreliable, r.fragments.Add)
	}
	return nil
}

// reencodeLocked decodes f, runs the server stage over it and encodes it
// again. The sequence number is preserved.
func (r *Relay) reencodeLocked(id string, o *origin, f Frame) ([][]byte, error) {
	cd, err := o.codecs.Get(f.Rate)
	if err != nil {
		return nil, fmt.Errorf("transport: relay: %w", err)
	}
	samples, err := cd.Decode(f.Data)
	if err != nil && !errors.Is(err, codec.ErrMalformed) {
		return nil, fmt.Errorf("transport: relay: decode %q: %w", id, err)
	}
	o.buf = append(o.buf[:0], samples...)
	if o.proc == nil {
		o.proc = r.chain.Processor(filter.StageServer)
	}
	o.proc.Process(o.buf, f.Rate)
	packet, err := cd.Encode(o.buf)
	if err != nil {
		return nil, fmt.Errorf("transport: relay: encode %q: %w", id, err)
	}
	r.reencoded.Add(1)
	return FragmentPackets(id, f.Seq, f.Rate, packet, r.maxFragment)
}

// fanOut sends b to every observer of originID. counted, when set, is
// called with 1 for every remote send.
func (r *Relay) fanOut(ctx context.Context, originID string, b []byte, rel Reliability, counted func(uint64) uint64) {
	r.mu.Lock()
	targets := r.observersLocked(originID)
	r.mu.Unlock()

	for _, to := range targets {
		if to == r.id {
			r.deliverLocal(b)
			continue
		}
		if r.send(ctx, to, b, rel) && counted != nil {
			counted(1)
		}
	}
}

func (r *Relay) deliverLocal(b []byte) {
	fn := r.local.Load()
	if fn == nil {
		return
	}
	p, err := ParsePacket(b)
	if err != nil {
		return
	}
	(*fn)(p)
}

func (r *Relay) send(ctx context.Context, to string, b []byte, rel Reliability) bool {
	if to == r.id {
		r.deliverLocal(b)
		return true
	}
	if err := r.ch.Send(ctx, to, b, rel); err != nil {
		r.sendErrors.Add(1)
		r.log.Debug("relay: send failed", "to", to, "err", err)
		return false
	}
	return true
}

// Close releases the server-stage processors of every origin.
func (r *Relay) Close() error {
	r.mu.Lock()
	origins := r.origins
	r.origins = make(map[string]*origin)
	r.mu.Unlock()

	var errs []error
	for _, o := range origins {
		o.mu.Lock()
		if o.proc != nil {
			errs = append(errs, o.proc.Close())
			o.proc = nil
		}
		o.mu.Unlock()
	}
	return errors.Join(errs...)
}
