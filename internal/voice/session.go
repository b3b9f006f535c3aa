// Package voice orchestrates one participant's view of a PurrVoice room: the
// local capture path, one player per remote participant, the shared filter
// chain and the control messages that keep everyone in step.
package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/purrvoice/internal/observe"
	"github.com/MrWong99/purrvoice/pkg/audio"
	"github.com/MrWong99/purrvoice/pkg/audio/codec"
	"github.com/MrWong99/purrvoice/pkg/audio/filter"
	"github.com/MrWong99/purrvoice/pkg/audio/source"
	"github.com/MrWong99/purrvoice/pkg/audio/transport"
)

// DefaultTickInterval is how often playback is topped up.
const DefaultTickInterval = 10 * time.Millisecond

// controlQueueLen bounds pending outgoing control messages.
const controlQueueLen = 64

// Config holds the parameters of a [Session].
type Config struct {
	// LocalID is the local participant id.
	LocalID string

	// Controller is the participant allowed to change the shared filter
	// chain. Empty means the local participant.
	Controller string

	// Codec selects the codec for outgoing and incoming frames.
	Codec codec.Kind

	// CodecOptions configure every codec the session builds.
	CodecOptions []codec.Option

	// MaxFragmentBytes bounds fragment payloads. Zero selects
	// [transport.MaxFragmentPayload].
	MaxFragmentBytes int

	// InitialRate is the outgoing rate before a source reports its own.
	// Zero selects 48000.
	InitialRate int

	// Filters is the initial shared chain.
	Filters []filter.Spec

	// Decoder builds filter definitions. Nil selects [filter.Builtin].
	Decoder filter.Decoder

	// Env is passed to filter instances. A nil Env.Monitor is replaced by
	// the session's own monitor.
	Env filter.Env

	// Chain is the shared filter chain. Nil creates one from Env. A hosted
	// session passes the chain whose server stage the relay runs.
	Chain *filter.Chain

	// NewPlayback creates the playback for a participant: the local one
	// (used for loopback) and every remote. A nil function or a nil result
	// means the participant is not heard.
	NewPlayback func(participant string, monitor *filter.PlaybackMonitor) (Playback, error)

	// TickInterval is the playback top-up period. Zero selects
	// [DefaultTickInterval].
	TickInterval time.Duration

	// Hooks receives pipeline events for metrics. Optional.
	Hooks Hooks

	Logger *slog.Logger
}

// Hooks are called on pipeline events. Every field is optional. Hooks run on
// pipeline goroutines and must not block.
type Hooks struct {
	FrameSent     func(encode time.Duration, fragments int)
	FrameDecoded  func(decode time.Duration, err error)
	SendFailed    func(err error)
	ControlDrop   func(kind transport.Kind)
	Participants  func(n int)
	FilterRejects func(err error)
}

// Session is one participant's side of a room.
//
// A session talks to the room through an uplink (where its own stream and
// control messages go) and a downlink (where everybody else's arrive). A
// client session uses a [transport.Channel] to the relay for both; a session
// hosted next to the relay uses [transport.Relay.Ingest] and
// [transport.Relay.LocalDelivery] instead.
type Session struct {
	cfg      Config
	log      *slog.Logger
	monitor  *filter.PlaybackMonitor
	chain    *filter.Chain
	replica  *filter.Replica
	receiver *transport.Receiver

	ctx    context.Context
	cancel context.CancelFunc

	// uplink sends control messages; frames go through the sender's sink.
	uplink   func(ctx context.Context, b []byte) error
	downlink <-chan transport.Message
	packets  chan transport.Packet
	ctrl     chan []byte

	local *Player

	mu      sync.Mutex
	remotes  map[string]*Player
	deafened bool
	closed   bool
}

// NewClient returns a session that reaches the relay peer relayID over ch.
func NewClient(cfg Config, ch transport.Channel, relayID string) (*Session, error) {
	if cfg.LocalID == "" {
		cfg.LocalID = ch.LocalID()
	}
	s, err := newSession(cfg)
	if err != nil {
		return nil, err
	}
	s.uplink = func(ctx context.Context, b []byte) error {
		return ch.Send(ctx, relayID, b, transport.Reliable)
	}
	s.downlink = ch.Receive()
	s.start(transport.ChannelSink(ch, relayID, transport.Unreliable))
	return s, nil
}

// NewHosted returns a session for the participant running relay. Its stream
// enters the relay directly and the relay delivers to it directly.
func NewHosted(cfg Config, relay *transport.Relay) (*Session, error) {
	if cfg.LocalID == "" {
		cfg.LocalID = relay.ID()
	}
	if cfg.LocalID != relay.ID() {
		return nil, fmt.Errorf("voice: hosted session id %q differs from relay id %q", cfg.LocalID, relay.ID())
	}
	s, err := newSession(cfg)
	if err != nil {
		return nil, err
	}
	s.uplink = relay.Ingest
	s.packets = make(chan transport.Packet, transport.DefaultQueueLen)
	relay.LocalDelivery(func(p transport.Packet) {
		// Packets alias relay buffers that are only valid for the call.
		p.Payload = slices.Clone(p.Payload)
		p.Body = slices.Clone(p.Body)
		select {
		case s.packets <- p:
		default:
			if h := s.cfg.Hooks.ControlDrop; h != nil {
				h(p.Kind)
			}
		}
	})
	s.start(relay.IngestSink())
	return s, nil
}

func newSession(cfg Config) (*Session, error) {
	if cfg.LocalID == "" {
		return nil, errors.New("voice: local participant id is empty")
	}
	if cfg.Controller == "" {
		cfg.Controller = cfg.LocalID
	}
	if cfg.Codec == "" {
		cfg.Codec = codec.KindOpus
	}
	if cfg.InitialRate <= 0 {
		cfg.InitialRate = 48000
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Decoder == nil {
		cfg.Decoder = filter.Builtin
	}
	if cfg.Env.Monitor == nil {
		cfg.Env.Monitor = filter.NewPlaybackMonitor()
	}
	if cfg.Env.Logger == nil {
		cfg.Env.Logger = cfg.Logger
	}

	s := &Session{
		cfg:     cfg,
		log:     cfg.Logger.With("local", cfg.LocalID),
		monitor: cfg.Env.Monitor,
		chain:   cfg.Chain,
		ctrl:    make(chan []byte, controlQueueLen),
		remotes: make(map[string]*Player),
	}
	if s.chain == nil {
		s.chain = filter.NewChain(cfg.Env)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.replica = filter.NewReplica(s.chain, cfg.Decoder, cfg.LocalID, cfg.Controller, s.publishFilter)
	if len(cfg.Filters) > 0 {
		if err := s.replica.Seed(cfg.Filters); err != nil {
			return nil, fmt.Errorf("voice: initial filters: %w", err)
		}
	}

	s.receiver = transport.NewReceiver(cfg.Codec, s.onAudio, cfg.CodecOptions,
		transport.WithDecodeHook(func(d time.Duration, err error) {
			if h := cfg.Hooks.FrameDecoded; h != nil {
				h(d, err)
			}
		}))
	return s, nil
}

// start builds the local player around sink.
func (s *Session) start(sink transport.Sink) {
	out := s.newPlayback(s.cfg.LocalID)
	p := newPlayer(s.ctx, s.cfg.LocalID, true, s.chain, out, s.log)
	p.sender = transport.NewSender(s.cfg.LocalID, codec.NewCache(s.cfg.Codec, s.cfg.CodecOptions...), sink,
		s.cfg.InitialRate,
		transport.WithMaxFragmentBytes(s.cfg.MaxFragmentBytes),
		transport.WithFrameHook(func(d time.Duration, n int) {
			if h := s.cfg.Hooks.FrameSent; h != nil {
				h(d, n)
			}
		}))
	p.onRate = func(rate int) { s.control(transport.KindFrequency, transport.FrequencyBody{Rate: rate}) }
	p.onSent = func(_ int, err error) {
		if err != nil && s.cfg.Hooks.SendFailed != nil {
			s.cfg.Hooks.SendFailed(err)
		}
	}
	s.local = p
}

func (s *Session) newPlayback(id string) Playback {
	if s.cfg.NewPlayback == nil {
		return nil
	}
	out, err := s.cfg.NewPlayback(id, s.monitor)
	if err != nil {
		s.log.Warn("voice: no playback for participant", "participant", id, "err", err)
		return nil
	}
	return out
}

// LocalID returns the local participant id.
func (s *Session) LocalID() string { return s.cfg.LocalID }

// Local returns the local player.
func (s *Session) Local() *Player { return s.local }

// Monitor returns the playback monitor shared by every playback and the
// ducking filters.
func (s *Session) Monitor() *filter.PlaybackMonitor { return s.monitor }

// Replica returns the shared filter chain replica.
func (s *Session) Replica() *filter.Replica { return s.replica }

// Receiver returns the transport receiver.
func (s *Session) Receiver() *transport.Receiver { return s.receiver }

// SetSource switches the local capture source and announces the resulting
// outgoing frequency.
func (s *Session) SetSource(src source.Source) source.StartResult {
	res := s.local.SwitchSource(src)
	if res.OK() {
		s.control(transport.KindFrequency, transport.FrequencyBody{Rate: s.local.sender.Rate()})
	}
	return res
}

// SetMuted mutes or unmutes the local participant and tells the room.
func (s *Session) SetMuted(muted bool) {
	s.local.SetMuted(muted)
	s.control(transport.KindMute, transport.MuteBody{Muted: muted})
}

// SetDeafened silences or restores playback of every remote participant.
func (s *Session) SetDeafened(deafened bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deafened = deafened
	for _, p := range s.remotes {
		p.SetDeafened(deafened)
	}
}

// Deafened reports whether remote playback is silenced.
func (s *Session) Deafened() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deafened
}

// SetLoopback turns local loopback monitoring on or off.
func (s *Session) SetLoopback(on bool) { s.local.SetLoopback(on) }

// Remote returns the player of remote participant id.
func (s *Session) Remote(id string) (*Player, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.remotes[id]
	return p, ok
}

// Remotes returns the ids of all remote participants, sorted.
func (s *Session) Remotes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.remotes))
	for id := range s.remotes {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// remote returns the player of id, creating it on first contact.
func (s *Session) remote(id string) *Player {
	s.mu.Lock()
	if p, ok := s.remotes[id]; ok || s.closed {
		s.mu.Unlock()
		return p
	}
	s.mu.Unlock()

	// Playback creation may open a device; do it outside the lock.
	p := newPlayer(s.ctx, id, false, s.chain, s.newPlayback(id), s.log)
	p.SwitchSource(source.NewNetwork(s.cfg.InitialRate))

	s.mu.Lock()
	if existing, ok := s.remotes[id]; ok || s.closed {
		s.mu.Unlock()
		_ = p.Close()
		return existing
	}
	p.SetDeafened(s.deafened)
	s.remotes[id] = p
	n := len(s.remotes)
	s.mu.Unlock()

	s.log.Info("voice: remote participant added", "participant", id)
	if h := s.cfg.Hooks.Participants; h != nil {
		h(n)
	}
	return p
}

func (s *Session) forget(id string) {
	s.mu.Lock()
	p, ok := s.remotes[id]
	delete(s.remotes, id)
	n := len(s.remotes)
	s.mu.Unlock()
	if !ok {
		return
	}
	s.receiver.Forget(id)
	if err := p.Close(); err != nil {
		s.log.Debug("voice: close remote player", "participant", id, "err", err)
	}
	s.log.Info("voice: remote participant removed", "participant", id)
	if h := s.cfg.Hooks.Participants; h != nil {
		h(n)
	}
}

// onAudio runs with the receiver locked.
func (s *Session) onAudio(origin string, c audio.Chunk) {
	p := s.remote(origin)
	if p == nil {
		return
	}
	if net, ok := p.Source().(*source.Network); ok {
		net.Deliver(c.Samples, c.SampleRate)
	}
}

// publishFilter is the replica's publish hook.
func (s *Session) publishFilter(u filter.Update) {
	s.control(transport.KindFilter, u)
}

// control queues a control message for the uplink. It never blocks; when
// the queue is full the message is dropped.
func (s *Session) control(kind transport.Kind, body any) {
	b, err := transport.Control(kind, s.cfg.LocalID, body)
	if err != nil {
		s.log.Warn("voice: build control message", "kind", kind, "err", err)
		return
	}
	select {
	case s.ctrl <- b:
	default:
		s.log.Warn("voice: control queue full, message dropped", "kind", kind)
		if h := s.cfg.Hooks.ControlDrop; h != nil {
			h(kind)
		}
	}
}

// applyFilterUpdate applies one replicated chain update from origin under a
// "voice.filter.update" span.
func (s *Session) applyFilterUpdate(origin string, u transport.FilterBody) (err error) {
	ctx, span := observe.StartSpan(s.ctx, "voice.filter.update", trace.WithAttributes(
		observe.AttrParticipant.String(s.cfg.LocalID),
		observe.AttrOrigin.String(origin),
		observe.AttrFilterOp.String(string(u.Op)),
		observe.AttrFilterSeq.Int64(int64(u.Seq)),
	))
	defer func() { observe.End(span, err) }()

	log := observe.Logger(ctx, s.log)
	if err = s.replica.Apply(origin, u); err != nil {
		if h := s.cfg.Hooks.FilterRejects; h != nil {
			h(err)
		}
		log.Debug("voice: filter update rejected", "origin", origin, "op", u.Op, "seq", u.Seq, "err", err)
		return err
	}
	n := len(s.replica.Specs())
	span.SetAttributes(observe.AttrFilterCount.Int(n))
	log.Debug("voice: filter update applied", "origin", origin, "op", u.Op, "seq", u.Seq, "filters", n)
	return nil
}

// HandlePacket dispatches one packet from the room.
func (s *Session) HandlePacket(p transport.Packet) error {
	if p.Origin == s.cfg.LocalID && p.Kind != transport.KindJoin && p.Kind != transport.KindLeave {
		return nil
	}
	switch p.Kind {
	case transport.KindAudio:
		return s.receiver.HandlePacket(p)

	case transport.KindFrequency:
		var body transport.FrequencyBody
		if err := p.DecodeBody(&body); err != nil {
			return err
		}
		rate := s.receiver.SetRate(p.Origin, body.Rate)
		if rp := s.remote(p.Origin); rp != nil {
			if net, ok := rp.Source().(*source.Network); ok {
				net.SetFrequency(rate)
			}
		}

	case transport.KindMute:
		var body transport.MuteBody
		if err := p.DecodeBody(&body); err != nil {
			return err
		}
		if rp := s.remote(p.Origin); rp != nil {
			rp.SetMuted(body.Muted)
		}

	case transport.KindFilter:
		var u transport.FilterBody
		if err := p.DecodeBody(&u); err != nil {
			return err
		}
		return s.applyFilterUpdate(p.Origin, u)

	case transport.KindJoin:
		var body transport.PeerBody
		if err := p.DecodeBody(&body); err != nil {
			return err
		}
		if body.ID == s.cfg.LocalID {
			return nil
		}
		s.remote(body.ID)
		if s.replica.IsController() {
			s.control(transport.KindFilter, s.replica.Snapshot())
		}

	case transport.KindLeave:
		var body transport.PeerBody
		if err := p.DecodeBody(&body); err != nil {
			return err
		}
		s.forget(body.ID)

	default:
		return fmt.Errorf("voice: unexpected %s packet", p.Kind)
	}
	return nil
}

// Run dispatches incoming packets, flushes control messages and ticks
// playback until ctx is done or the downlink closes.
func (s *Session) Run(ctx context.Context) error {
	tick := time.NewTicker(s.cfg.TickInterval)
	defer tick.Stop()

	// Announce the initial stream state.
	s.control(transport.KindFrequency, transport.FrequencyBody{Rate: s.local.sender.Rate()})
	if s.local.Muted() {
		s.control(transport.KindMute, transport.MuteBody{Muted: true})
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case m, ok := <-s.downlink:
			if !ok {
				return transport.ErrClosed
			}
			p, err := transport.ParsePacket(m.Data)
			if err != nil {
				s.log.Debug("voice: malformed packet", "from", m.From, "err", err)
				continue
			}
			if err := s.HandlePacket(p); err != nil {
				s.log.Debug("voice: packet rejected", "kind", p.Kind, "origin", p.Origin, "err", err)
			}

		case p := <-s.packets:
			if err := s.HandlePacket(p); err != nil {
				s.log.Debug("voice: packet rejected", "kind", p.Kind, "origin", p.Origin, "err", err)
			}

		case b := <-s.ctrl:
			if err := s.uplink(ctx, b); err != nil {
				s.log.Warn("voice: send control message", "err", err)
				if h := s.cfg.Hooks.SendFailed; h != nil {
					h(err)
				}
			}

		case <-tick.C:
			s.tick()
		}
	}
}

func (s *Session) tick() {
	s.local.Tick()
	s.mu.Lock()
	players := make([]*Player, 0, len(s.remotes))
	for _, p := range s.remotes {
		players = append(players, p)
	}
	s.mu.Unlock()
	for _, p := range players {
		p.Tick()
	}
}

// Close stops capture, closes every player and cancels in-flight sends.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	remotes := s.remotes
	s.remotes = make(map[string]*Player)
	s.mu.Unlock()

	errs := []error{s.local.Close()}
	for _, p := range remotes {
		errs = append(errs, p.Close())
	}
	s.cancel()
	return errors.Join(errs...)
}
