package voice

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/purrvoice/pkg/audio"
	"github.com/MrWong99/purrvoice/pkg/audio/filter"
	"github.com/MrWong99/purrvoice/pkg/audio/source"
	"github.com/MrWong99/purrvoice/pkg/audio/transport"
)

// Playback is where a player's audio is heard. [playback.Sink] and
// [playback.Multi] implement it.
type Playback interface {
	Write(chunk audio.Chunk)
	Tick()
	Close() error
}

// Player binds one participant's audio source to its destinations.
//
// The local player's source is a capture device: its samples run through the
// sender stage of the filter chain and go to the [transport.Sender]. A remote
// player's source is a [source.Network] fed by the transport receiver: its
// samples run through the receiver stage and go to playback.
//
// All samples pass through the player's delivery lock, and each delivery is
// checked against the current source, so after [Player.SwitchSource]
// returns no sample of the previous source is processed.
type Player struct {
	id     string
	local  bool
	ctx    context.Context
	log    *slog.Logger
	sender *transport.Sender
	out    Playback

	// onRate is called with the new rate whenever the outgoing stream is
	// renegotiated. Local players only.
	onRate func(rate int)
	// onSent reports every push to the sender. Local players only.
	onSent func(frames int, err error)

	muted    atomic.Bool
	deafened atomic.Bool
	loopback atomic.Bool

	switchMu sync.Mutex

	mu     sync.Mutex
	src    source.Source
	unsub  func()
	proc   *filter.Processor
	buf    []float32
	closed bool
}

func newPlayer(ctx context.Context, id string, local bool, chain *filter.Chain, out Playback, log *slog.Logger) *Player {
	stage := filter.StageReceiver
	if local {
		stage = filter.StageSender
	}
	return &Player{
		id:    id,
		local: local,
		ctx:   ctx,
		log:   log.With("participant", id),
		out:   out,
		proc:  chain.Processor(stage),
	}
}

// ID returns the participant id.
func (p *Player) ID() string { return p.id }

// IsLocal reports whether this is the local participant's player.
func (p *Player) IsLocal() bool { return p.local }

// Source returns the current source, or nil.
func (p *Player) Source() source.Source {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.src
}

// IsRecording reports whether the current source is recording. Muting does
// not affect it.
func (p *Player) IsRecording() bool {
	src := p.Source()
	return src != nil && src.IsRecording()
}

// SetMuted gates the player's audio without touching the source. For the
// local player this silences everything sent; for a remote player it
// reflects the remote's own mute announcement.
func (p *Player) SetMuted(muted bool) { p.muted.Store(muted) }

// Muted reports whether the player is muted.
func (p *Player) Muted() bool { return p.muted.Load() }

// SetDeafened silences playback of this player locally.
func (p *Player) SetDeafened(deafened bool) { p.deafened.Store(deafened) }

// Deafened reports whether playback of this player is silenced.
func (p *Player) Deafened() bool { return p.deafened.Load() }

// SetLoopback makes the local player play its own processed capture.
func (p *Player) SetLoopback(on bool) { p.loopback.Store(on) }

// Loopback reports whether loopback monitoring is on.
func (p *Player) Loopback() bool { return p.loopback.Load() }

// SwitchSource replaces the player's source. The old source is unsubscribed
// and stopped, the outgoing stream is reset and renegotiated for the new
// source's rate, and the new source is subscribed and started. A nil src
// just stops the current one. The start result of the new source is
// returned; the player keeps the source even when it fails to start, so a
// later Start (for example after a device reappears) resumes delivery.
func (p *Player) SwitchSource(src source.Source) source.StartResult {
	p.switchMu.Lock()
	defer p.switchMu.Unlock()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return source.DeviceNotFound
	}
	old, unsub := p.src, p.unsub
	p.src, p.unsub = nil, nil
	p.mu.Unlock()

	// A capture device waits for its delivery goroutine to exit, which may be
	// blocked on the delivery lock, so stop outside it.
	if unsub != nil {
		unsub()
	}
	if old != nil {
		old.Stop()
	}

	if src == nil {
		return source.Success
	}

	p.mu.Lock()
	p.src = src
	if p.sender != nil {
		p.sender.Reset()
	}
	p.mu.Unlock()

	unsub = src.OnSampleReady(func(c audio.Chunk) { p.deliver(src, c) })
	p.mu.Lock()
	if p.src == src {
		p.unsub = unsub
	} else {
		unsub()
	}
	p.mu.Unlock()

	res := src.Start()
	if !res.OK() {
		p.log.Warn("voice: source did not start", "result", res)
		return res
	}
	p.renegotiate(src.Frequency())
	return res
}

// renegotiate moves the outgoing stream to rate when it differs from the
// current one.
func (p *Player) renegotiate(rate int) {
	if p.sender == nil || rate <= 0 {
		return
	}
	if audio.NearestSupportedRate(rate) == p.sender.Rate() {
		return
	}
	snapped := p.sender.SetRate(rate)
	p.log.Info("voice: outgoing frequency negotiated", "device_rate", rate, "rate", snapped)
	if p.onRate != nil {
		p.onRate(snapped)
	}
}

func (p *Player) deliver(src source.Source, c audio.Chunk) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.src != src || len(c.Samples) == 0 {
		return
	}
	if cap(p.buf) < len(c.Samples) {
		p.buf = make([]float32, len(c.Samples))
	}
	buf := p.buf[:len(c.Samples)]
	copy(buf, c.Samples)
	p.proc.Process(buf, c.SampleRate)
	chunk := audio.Chunk{Samples: buf, SampleRate: c.SampleRate}

	if !p.local {
		if p.muted.Load() || p.deafened.Load() {
			clear(buf)
		}
		if p.out != nil {
			p.out.Write(chunk)
		}
		return
	}

	if p.muted.Load() {
		clear(buf)
	}
	if p.sender != nil {
		if audio.NearestSupportedRate(c.SampleRate) != p.sender.Rate() {
			p.renegotiate(c.SampleRate)
		}
		n, err := p.sender.Push(p.ctx, chunk)
		if p.onSent != nil {
			p.onSent(n, err)
		}
	}
	if p.loopback.Load() && p.out != nil {
		p.out.Write(chunk)
	}
}

// Tick advances the player's playback clock.
func (p *Player) Tick() {
	if p.out != nil {
		p.out.Tick()
	}
}

// Close stops the source, then releases the filter instances and the
// playback, in that order.
func (p *Player) Close() error {
	p.SwitchSource(nil)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	procErr := p.proc.Close()
	p.buf = nil
	p.mu.Unlock()

	var outErr error
	if p.out != nil {
		outErr = p.out.Close()
	}
	return errors.Join(procErr, outErr)
}
