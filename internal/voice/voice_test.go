package voice_test

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/MrWong99/purrvoice/internal/observe"
	"github.com/MrWong99/purrvoice/internal/voice"
	"github.com/MrWong99/purrvoice/pkg/audio"
	"github.com/MrWong99/purrvoice/pkg/audio/codec"
	"github.com/MrWong99/purrvoice/pkg/audio/filter"
	"github.com/MrWong99/purrvoice/pkg/audio/mock"
	"github.com/MrWong99/purrvoice/pkg/audio/source"
	"github.com/MrWong99/purrvoice/pkg/audio/transport"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

const rate = 16000

// recorder is a [voice.Playback] that keeps everything written to it.
type recorder struct {
	mu     sync.Mutex
	chunks [][]float32
	ticks  int
	closed bool
}

func (r *recorder) Write(c audio.Chunk) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunks = append(r.chunks, slices.Clone(c.Samples))
}

func (r *recorder) Tick() {
	r.mu.Lock()
	r.ticks++
	r.mu.Unlock()
}

func (r *recorder) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

func (r *recorder) samples() []float32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []float32
	for _, c := range r.chunks {
		out = append(out, c...)
	}
	return out
}

func (r *recorder) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// outputs hands out one recorder per participant.
type outputs struct {
	mu  sync.Mutex
	all map[string]*recorder
}

func (o *outputs) open(id string, _ *filter.PlaybackMonitor) (voice.Playback, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.all == nil {
		o.all = make(map[string]*recorder)
	}
	r := &recorder{}
	o.all[id] = r
	return r, nil
}

func (o *outputs) get(id string) *recorder {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.all[id]
}

func config(id string, outs *outputs) voice.Config {
	cfg := voice.Config{
		LocalID:     id,
		Codec:       codec.KindPCM16,
		InitialRate: rate,
	}
	if outs != nil {
		cfg.NewPlayback = outs.open
	}
	return cfg
}

func newClient(t *testing.T, cfg voice.Config) (*voice.Session, *mock.Channel) {
	t.Helper()
	ch := mock.NewChannel(cfg.LocalID, 64)
	s, err := voice.NewClient(cfg, ch, "relay")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, ch
}

func constant(n int, v float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func ofKind(ps []transport.Packet, k transport.Kind) []transport.Packet {
	var out []transport.Packet
	for _, p := range ps {
		if p.Kind == k {
			out = append(out, p)
		}
	}
	return out
}

// audioPackets encodes samples as PCM16 frames from origin.
func audioPackets(t *testing.T, origin string, firstSeq uint32, samples []float32) []transport.Packet {
	t.Helper()
	cd, err := codec.New(codec.KindPCM16, rate)
	if err != nil {
		t.Fatalf("codec.New: %v", err)
	}
	n := cd.FrameSamples()
	var out []transport.Packet
	for i := 0; i+n <= len(samples); i += n {
		frame, err := cd.Encode(samples[i : i+n])
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		raw, err := transport.FragmentPackets(origin, firstSeq+uint32(i/n), rate, frame, 0)
		if err != nil {
			t.Fatalf("FragmentPackets: %v", err)
		}
		for _, b := range raw {
			p, err := transport.ParsePacket(b)
			if err != nil {
				t.Fatalf("ParsePacket: %v", err)
			}
			out = append(out, p)
		}
	}
	return out
}

func control(t *testing.T, kind transport.Kind, origin string, body any) transport.Packet {
	t.Helper()
	b, err := transport.Control(kind, origin, body)
	if err != nil {
		t.Fatalf("Control: %v", err)
	}
	p, err := transport.ParsePacket(b)
	if err != nil {
		t.Fatalf("ParsePacket: %v", err)
	}
	return p
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// ── Local player ──────────────────────────────────────────────────────────────

func TestSession_MuteSendsSilenceWhileRecording(t *testing.T) {
	t.Parallel()
	s, ch := newClient(t, config("alice", nil))

	src := source.NewBuffered(rate)
	if res := s.SetSource(src); res != source.Success {
		t.Fatalf("SetSource = %v, want success", res)
	}
	s.SetMuted(true)

	src.Write(constant(10*320, 0.5))
	src.Tick()

	if !s.Local().IsRecording() {
		t.Error("muting stopped the source")
	}
	frames := ofKind(ch.Packets(), transport.KindAudio)
	if len(frames) != 10 {
		t.Fatalf("sent %d audio packets, want 10", len(frames))
	}
	for _, p := range frames {
		if !allZero(p.Payload) {
			t.Fatalf("frame %d carries non-zero audio while muted", p.Seq)
		}
	}

	ch.Reset()
	s.SetMuted(false)
	src.Write(constant(320, 0.5))
	src.Tick()
	frames = ofKind(ch.Packets(), transport.KindAudio)
	if len(frames) != 1 || allZero(frames[0].Payload) {
		t.Errorf("after unmute got %d frames, want one non-silent frame", len(frames))
	}
}

func TestSession_FramesGoToRelayUnreliably(t *testing.T) {
	t.Parallel()
	s, ch := newClient(t, config("alice", nil))
	src := source.NewBuffered(rate)
	s.SetSource(src)

	src.Write(constant(2*320+100, 0.25))
	src.Tick()

	sends := ch.Sends()
	if len(sends) != 2 {
		t.Fatalf("got %d sends, want 2", len(sends))
	}
	for _, c := range sends {
		if c.To != "relay" || c.Reliability != transport.Unreliable {
			t.Errorf("send to %q (%v), want relay (unreliable)", c.To, c.Reliability)
		}
	}
	if got := ofKind(ch.Packets(), transport.KindAudio); got[0].Seq != 0 || got[1].Seq != 1 {
		t.Errorf("seqs = %d,%d, want 0,1", got[0].Seq, got[1].Seq)
	}
}

func TestSession_SwitchSource(t *testing.T) {
	t.Parallel()
	s, ch := newClient(t, config("alice", nil))

	first := source.NewBuffered(rate)
	s.SetSource(first)
	first.Write(constant(100, 0.5))
	first.Tick()

	second := source.NewBuffered(rate)
	if res := s.SetSource(second); !res.OK() {
		t.Fatalf("SetSource = %v", res)
	}
	if first.IsRecording() {
		t.Error("old source still recording after switch")
	}
	if s.Local().Source() != second {
		t.Error("player does not hold the new source")
	}

	// The partial frame of the old source was discarded: exactly one frame
	// of the new source's audio goes out.
	second.Write(constant(320, -0.5))
	second.Tick()
	frames := ofKind(ch.Packets(), transport.KindAudio)
	if len(frames) != 1 {
		t.Fatalf("sent %d frames, want 1", len(frames))
	}
	cd, _ := codec.New(codec.KindPCM16, rate)
	got, err := cd.Decode(frames[0].Payload)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	for i, v := range got {
		if v > -0.49 {
			t.Fatalf("sample %d = %v, old source audio leaked into the new stream", i, v)
		}
	}
}

func TestSession_RenegotiatesFrequency(t *testing.T) {
	t.Parallel()
	s, ch := newClient(t, config("alice", nil))

	src := source.NewBuffered(44100)
	s.SetSource(src)
	if got := s.Local().Source().Frequency(); got != 44100 {
		t.Fatalf("source rate = %d", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	waitFor(t, "frequency announcement", func() bool {
		for _, p := range ofKind(ch.Packets(), transport.KindFrequency) {
			var body transport.FrequencyBody
			if p.DecodeBody(&body) == nil && body.Rate == 48000 {
				return true
			}
		}
		return false
	})
	cancel()
	<-done

	for _, c := range ch.Sends() {
		if p, _ := transport.ParsePacket(c.Data); p.Kind == transport.KindFrequency && c.Reliability != transport.Reliable {
			t.Error("frequency announcement sent unreliably")
		}
	}

	ch.Reset()
	src.Write(constant(4410, 0.25))
	src.Tick()
	for _, p := range ofKind(ch.Packets(), transport.KindAudio) {
		if p.Rate != 48000 {
			t.Errorf("audio packet at %d Hz, want 48000", p.Rate)
		}
	}
}

func TestSession_Loopback(t *testing.T) {
	t.Parallel()
	outs := &outputs{}
	s, _ := newClient(t, config("alice", outs))
	src := source.NewBuffered(rate)
	s.SetSource(src)

	src.Write(constant(160, 0.5))
	src.Tick()
	if n := len(outs.get("alice").samples()); n != 0 {
		t.Fatalf("heard %d samples of own voice without loopback", n)
	}

	s.SetLoopback(true)
	src.Write(constant(160, 0.5))
	src.Tick()
	if n := len(outs.get("alice").samples()); n != 160 {
		t.Errorf("loopback played %d samples, want 160", n)
	}
}

// ── Remote players ────────────────────────────────────────────────────────────

func TestSession_RemoteAudio(t *testing.T) {
	t.Parallel()
	outs := &outputs{}
	s, _ := newClient(t, config("alice", outs))

	for _, p := range audioPackets(t, "bob", 0, constant(2*320, 0.5)) {
		if err := s.HandlePacket(p); err != nil {
			t.Fatalf("HandlePacket: %v", err)
		}
	}
	if got := s.Remotes(); !slices.Equal(got, []string{"bob"}) {
		t.Fatalf("Remotes = %v, want [bob]", got)
	}
	bob := outs.get("bob")
	heard := bob.samples()
	if len(heard) != 640 {
		t.Fatalf("played %d samples, want 640", len(heard))
	}
	if heard[0] < 0.49 {
		t.Errorf("first sample = %v, want ~0.5", heard[0])
	}

	// Bob mutes: his player silences whatever still arrives.
	if err := s.HandlePacket(control(t, transport.KindMute, "bob", transport.MuteBody{Muted: true})); err != nil {
		t.Fatalf("mute: %v", err)
	}
	for _, p := range audioPackets(t, "bob", 2, constant(320, 0.5)) {
		_ = s.HandlePacket(p)
	}
	heard = bob.samples()
	if !audio.IsSilent(heard[640:]) {
		t.Error("muted remote still audible")
	}

	if err := s.HandlePacket(control(t, transport.KindLeave, "relay", transport.PeerBody{ID: "bob"})); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if len(s.Remotes()) != 0 {
		t.Errorf("Remotes after leave = %v", s.Remotes())
	}
	if !bob.isClosed() {
		t.Error("playback of departed participant not closed")
	}
}

func TestSession_Deafen(t *testing.T) {
	t.Parallel()
	outs := &outputs{}
	s, _ := newClient(t, config("alice", outs))
	s.SetDeafened(true)

	// A participant appearing while deafened is silenced too.
	for _, p := range audioPackets(t, "bob", 0, constant(320, 0.5)) {
		_ = s.HandlePacket(p)
	}
	if !audio.IsSilent(outs.get("bob").samples()) {
		t.Error("remote audible while deafened")
	}

	s.SetDeafened(false)
	for _, p := range audioPackets(t, "bob", 1, constant(320, 0.5)) {
		_ = s.HandlePacket(p)
	}
	if audio.IsSilent(outs.get("bob").samples()[320:]) {
		t.Error("remote silent after undeafen")
	}
}

func TestSession_RemoteFrequencyChange(t *testing.T) {
	t.Parallel()
	s, _ := newClient(t, config("alice", nil))

	if err := s.HandlePacket(control(t, transport.KindFrequency, "bob", transport.FrequencyBody{Rate: 22050})); err != nil {
		t.Fatalf("HandlePacket: %v", err)
	}
	if got := s.Receiver().Rate("bob"); got != 24000 {
		t.Errorf("receiver rate = %d, want 24000", got)
	}
	bob, ok := s.Remote("bob")
	if !ok {
		t.Fatal("no player for bob")
	}
	if got := bob.Source().Frequency(); got != 24000 {
		t.Errorf("network source rate = %d, want 24000", got)
	}
}

func TestSession_IgnoresOwnEcho(t *testing.T) {
	t.Parallel()
	s, _ := newClient(t, config("alice", nil))
	for _, p := range audioPackets(t, "alice", 0, constant(320, 0.5)) {
		if err := s.HandlePacket(p); err != nil {
			t.Fatalf("HandlePacket: %v", err)
		}
	}
	if len(s.Remotes()) != 0 {
		t.Errorf("own stream created a remote player: %v", s.Remotes())
	}
}

// ── Filters ───────────────────────────────────────────────────────────────────

func TestSession_FilterReplication(t *testing.T) {
	t.Parallel()
	cfg := config("alice", nil)
	cfg.Controller = "carol"
	s, _ := newClient(t, cfg)

	spec := filter.Spec{ID: "lp", Kind: filter.KindLowPass, Stage: filter.StageReceiver, Strength: 1, Params: filter.Params{"cutoff_hz": 3000}}

	// Only the controller may change the shared chain.
	bad := control(t, transport.KindFilter, "mallory", filter.Update{Seq: 1, Op: filter.OpAdd, Spec: spec})
	if err := s.HandlePacket(bad); err == nil {
		t.Error("update from non-controller accepted")
	}
	good := control(t, transport.KindFilter, "carol", filter.Update{Seq: 1, Op: filter.OpAdd, Spec: spec})
	if err := s.HandlePacket(good); err != nil {
		t.Fatalf("update from controller: %v", err)
	}
	specs := s.Replica().Specs()
	if len(specs) != 1 || specs[0].ID != "lp" {
		t.Errorf("Specs = %+v, want the low-pass entry", specs)
	}
}

func TestSession_FilterUpdateSpans(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(orig)
		_ = tp.Shutdown(context.Background())
	})

	cfg := config("alice", nil)
	cfg.Controller = "carol"
	s, _ := newClient(t, cfg)
	spec := filter.Spec{ID: "lp", Kind: filter.KindLowPass, Stage: filter.StageReceiver, Strength: 1, Params: filter.Params{"cutoff_hz": 3000}}

	_ = s.HandlePacket(control(t, transport.KindFilter, "mallory", filter.Update{Seq: 1, Op: filter.OpAdd, Spec: spec}))
	if err := s.HandlePacket(control(t, transport.KindFilter, "carol", filter.Update{Seq: 1, Op: filter.OpAdd, Spec: spec})); err != nil {
		t.Fatalf("update from controller: %v", err)
	}

	var spans tracetest.SpanStubs
	for _, sp := range exp.GetSpans() {
		if sp.Name == "voice.filter.update" {
			spans = append(spans, sp)
		}
	}
	if len(spans) != 2 {
		t.Fatalf("filter update spans = %d, want 2", len(spans))
	}
	tests := []struct {
		origin string
		code   codes.Code
		count  string
	}{
		{origin: "mallory", code: codes.Error},
		{origin: "carol", code: codes.Unset, count: "1"},
	}
	for i, tc := range tests {
		attrs := map[string]string{}
		for _, kv := range spans[i].Attributes {
			attrs[string(kv.Key)] = kv.Value.Emit()
		}
		if attrs[string(observe.AttrOrigin)] != tc.origin {
			t.Errorf("span %d origin = %q, want %q", i, attrs[string(observe.AttrOrigin)], tc.origin)
		}
		if attrs[string(observe.AttrParticipant)] != "alice" {
			t.Errorf("span %d participant = %q, want alice", i, attrs[string(observe.AttrParticipant)])
		}
		if attrs[string(observe.AttrFilterOp)] != "add" || attrs[string(observe.AttrFilterSeq)] != "1" {
			t.Errorf("span %d op/seq = %q/%q", i, attrs[string(observe.AttrFilterOp)], attrs[string(observe.AttrFilterSeq)])
		}
		if attrs[string(observe.AttrFilterCount)] != tc.count {
			t.Errorf("span %d filter count = %q, want %q", i, attrs[string(observe.AttrFilterCount)], tc.count)
		}
		if spans[i].Status.Code != tc.code {
			t.Errorf("span %d status = %v, want %v", i, spans[i].Status.Code, tc.code)
		}
	}
}

func TestSession_ControllerSendsSnapshotOnJoin(t *testing.T) {
	t.Parallel()
	cfg := config("alice", nil)
	cfg.Filters = []filter.Spec{{ID: "gate", Kind: filter.KindNoiseGate, Stage: filter.StageSender, Strength: 1}}
	s, ch := newClient(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	ch.Inject("relay", mustMarshal(t, control(t, transport.KindJoin, "relay", transport.PeerBody{ID: "bob"})))
	waitFor(t, "filter snapshot", func() bool {
		for _, p := range ofKind(ch.Packets(), transport.KindFilter) {
			var u transport.FilterBody
			if p.DecodeBody(&u) == nil && u.Op == filter.OpReplace && len(u.Specs) == 1 && u.Specs[0].ID == "gate" {
				return true
			}
		}
		return false
	})
	if _, ok := s.Remote("bob"); !ok {
		t.Error("join did not create a player")
	}
}

func mustMarshal(t *testing.T, p transport.Packet) []byte {
	t.Helper()
	b, err := p.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	return b
}

// ── End to end ────────────────────────────────────────────────────────────────

func TestHostedAndClientSessions(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := transport.NewHub()
	hostEP, err := hub.Join("host", 0)
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	relay := transport.NewRelay(hostEP, transport.WithRelayCodec(codec.KindPCM16))
	go func() { _ = relay.Run(ctx) }()

	hostOuts, bobOuts := &outputs{}, &outputs{}
	host, err := voice.NewHosted(config("host", hostOuts), relay)
	if err != nil {
		t.Fatalf("NewHosted: %v", err)
	}
	defer host.Close()
	go func() { _ = host.Run(ctx) }()

	bobEP, err := hub.Join("bob", 0)
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	bob, err := voice.NewClient(config("bob", bobOuts), bobEP, "host")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer bob.Close()
	go func() { _ = bob.Run(ctx) }()

	waitFor(t, "relay membership", func() bool { return len(relay.Peers()) == 1 })

	hostMic := source.NewBuffered(rate)
	host.SetSource(hostMic)
	bobMic := source.NewBuffered(rate)
	bob.SetSource(bobMic)

	hostMic.Write(constant(320, 0.5))
	hostMic.Tick()
	waitFor(t, "bob hearing host", func() bool {
		r := bobOuts.get("host")
		return r != nil && len(r.samples()) >= 320
	})

	bobMic.Write(constant(320, -0.5))
	bobMic.Tick()
	waitFor(t, "host hearing bob", func() bool {
		r := hostOuts.get("bob")
		return r != nil && len(r.samples()) >= 320
	})
	if got := hostOuts.get("bob").samples()[0]; got > -0.49 {
		t.Errorf("host heard %v, want ~-0.5", got)
	}
}
