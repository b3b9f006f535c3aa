package app_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/purrvoice/internal/app"
	"github.com/MrWong99/purrvoice/internal/config"
	"github.com/MrWong99/purrvoice/internal/observe"
	"github.com/MrWong99/purrvoice/internal/session"
	"github.com/MrWong99/purrvoice/pkg/audio/codec"
	"github.com/MrWong99/purrvoice/pkg/audio/filter"
	"github.com/MrWong99/purrvoice/pkg/audio/mock"
	"github.com/MrWong99/purrvoice/pkg/audio/source"
	"github.com/MrWong99/purrvoice/pkg/audio/transport"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// testBackend is a mock capture backend whose outputs are mock devices.
type testBackend struct {
	*mock.Backend

	mu      sync.Mutex
	outputs []*mock.Output
}

var _ config.AudioBackend = (*testBackend)(nil)

func newTestBackend() *testBackend {
	b := &testBackend{Backend: &mock.Backend{}}
	b.SetDevices(source.DeviceInfo{ID: "mic", Name: "Mic", DefaultSampleRate: 48000, Channels: 1, Default: true})
	return b
}

func (b *testBackend) OpenOutput(string) (config.OutputDevice, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o := &mock.Output{}
	b.outputs = append(b.outputs, o)
	return o, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{ListenAddr: "127.0.0.1:0", LogLevel: config.LogInfo},
		Voice:  config.VoiceConfig{Codec: codec.KindPCM16},
		Relay:  config.RelayConfig{ReconnectBackoff: time.Millisecond, MaxBackoff: 10 * time.Millisecond},
	}
}

func testOptions(t *testing.T) []app.Option {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return []app.Option{
		app.WithMetrics(m),
		app.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
}

// start runs a in the background and shuts it down at the end of the test.
func start(t *testing.T, cfg *config.Config, mode app.Mode, opts ...app.Option) *app.App {
	t.Helper()
	a, err := app.New(context.Background(), cfg, mode, append(testOptions(t), opts...)...)
	if err != nil {
		t.Fatalf("New(%s): %v", mode, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("Run did not return after cancel")
		}
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		if err := a.Shutdown(sctx); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	})
	return a
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func get(t *testing.T, a *app.App, path string) int {
	t.Helper()
	resp, err := http.Get("http://" + a.Addr().String() + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode
}

func voiceURL(a *app.App) string {
	return "ws://" + a.Addr().String() + app.VoicePath
}

// ── New ───────────────────────────────────────────────────────────────────────

func TestNew_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		mode app.Mode
		cfg  func(*config.Config)
	}{
		{name: "unknown mode", mode: "mixer"},
		{name: "client without relay url", mode: app.ModeClient, cfg: func(c *config.Config) { c.Voice.Backend = app.BackendNone }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig()
			if tc.cfg != nil {
				tc.cfg(cfg)
			}
			if _, err := app.New(context.Background(), cfg, tc.mode, testOptions(t)...); err == nil {
				t.Fatal("New succeeded, want error")
			}
		})
	}
}

func TestNew_UnregisteredBackendError(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Voice.Backend = "jack"
	cfg.Relay.URL = "ws://127.0.0.1:1/voice"
	_, err := app.New(context.Background(), cfg, app.ModeClient, testOptions(t)...)
	if !errors.Is(err, config.ErrBackendNotRegistered) {
		t.Errorf("err = %v, want ErrBackendNotRegistered", err)
	}
}

// ── Relay and clients ─────────────────────────────────────────────────────────

func TestRelayServesClients(t *testing.T) {
	t.Parallel()

	relayCfg := testConfig()
	relayCfg.Filters = []filter.Spec{{ID: "gate", Kind: filter.KindNoiseGate, Stage: filter.StageSender, Strength: 1}}
	relay := start(t, relayCfg, app.ModeRelay)

	if code := get(t, relay, "/healthz"); code != http.StatusOK {
		t.Errorf("relay /healthz = %d, want 200", code)
	}
	if code := get(t, relay, "/readyz"); code != http.StatusOK {
		t.Errorf("relay /readyz = %d, want 200", code)
	}
	if code := get(t, relay, "/metrics"); code != http.StatusOK {
		t.Errorf("relay /metrics = %d, want 200", code)
	}

	aliceAudio := newTestBackend()
	aliceCfg := testConfig()
	aliceCfg.Voice.ParticipantID = "alice"
	aliceCfg.Relay.URL = voiceURL(relay)
	alice := start(t, aliceCfg, app.ModeClient, app.WithBackend(aliceAudio))

	bobCfg := testConfig()
	bobCfg.Voice.ParticipantID = "bob"
	bobCfg.Relay.URL = voiceURL(relay)
	bob := start(t, bobCfg, app.ModeClient, app.WithBackend(newTestBackend()))

	waitFor(t, "both participants at the relay", func() bool {
		peers := relay.Relay().Peers()
		return slices.Contains(peers, "alice") && slices.Contains(peers, "bob")
	})

	// The relay controls the chain and brings every joiner up to date.
	for _, c := range []*app.App{alice, bob} {
		waitFor(t, "filter snapshot", func() bool {
			s := c.Session()
			if s == nil {
				return false
			}
			specs := s.Replica().Specs()
			return len(specs) == 1 && specs[0].ID == "gate"
		})
	}

	if code := get(t, alice, "/readyz"); code != http.StatusOK {
		t.Errorf("client /readyz = %d, want 200", code)
	}

	// Alice speaks; Bob decodes her frames.
	waitFor(t, "capture stream", func() bool {
		st := aliceAudio.LastStream()
		return st != nil && st.Running()
	})
	frame := make([]float32, 960)
	for i := range frame {
		frame[i] = 0.3
	}
	waitFor(t, "alice's frames at bob", func() bool {
		aliceAudio.LastStream().Emit(frame)
		s := bob.Session()
		return s != nil && s.Receiver().Frames() > 0
	})
	if _, ok := bob.Session().Remote("alice"); !ok {
		t.Error("bob has no player for alice")
	}
	if relay.Relay().Stats().Frames == 0 {
		t.Error("relay counted no frames")
	}
}

func TestRelayParticipates(t *testing.T) {
	t.Parallel()

	relayCfg := testConfig()
	relayCfg.Relay.Participate = true
	relay := start(t, relayCfg, app.ModeRelay, app.WithBackend(newTestBackend()))

	waitFor(t, "hosted session", func() bool { return relay.Session() != nil })
	if got := relay.Session().LocalID(); got != app.DefaultRelayID {
		t.Errorf("hosted participant = %q, want %q", got, app.DefaultRelayID)
	}

	aliceCfg := testConfig()
	aliceCfg.Voice.ParticipantID = "alice"
	aliceCfg.Relay.URL = voiceURL(relay)
	alice := start(t, aliceCfg, app.ModeClient, app.WithBackend(newTestBackend()))

	waitFor(t, "alice heard by the host", func() bool {
		_, ok := relay.Session().Remote("alice")
		return ok
	})
	waitFor(t, "host heard by alice", func() bool {
		s := alice.Session()
		if s == nil {
			return false
		}
		_, ok := s.Remote(app.DefaultRelayID)
		return ok
	})
}

// ── Reconnection ──────────────────────────────────────────────────────────────

func TestClientReconnects(t *testing.T) {
	t.Parallel()

	first := mock.NewLink("alice", "relay", 16)
	second := mock.NewLink("alice", "relay", 16)
	var mu sync.Mutex
	links := []*mock.Link{first, second}
	dial := func(context.Context) (session.Link, error) {
		mu.Lock()
		defer mu.Unlock()
		if len(links) == 0 {
			return nil, errors.New("relay gone")
		}
		l := links[0]
		links = links[1:]
		return l, nil
	}

	cfg := testConfig()
	cfg.Voice.Backend = app.BackendNone
	a := start(t, cfg, app.ModeClient, app.WithDialer(dial))

	announced := func(l *mock.Link) func() bool {
		return func() bool {
			for _, p := range l.Packets() {
				if p.Kind == transport.KindFrequency {
					return true
				}
			}
			return false
		}
	}
	waitFor(t, "frequency on the first link", announced(first))
	s1 := a.Session()

	first.Close()

	waitFor(t, "frequency on the second link", announced(second))
	waitFor(t, "a new session", func() bool {
		s := a.Session()
		return s != nil && s != s1
	})
}
