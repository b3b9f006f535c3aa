// Package app wires the PurrVoice subsystems into a running process.
//
// An App runs in one of two modes. A relay accepts participant connections
// on /voice, fans every stream out to the other participants and may take
// part in the room itself. A client captures the local microphone, dials the
// relay, plays everybody else back and redials when the link drops.
//
// The App struct owns the full lifecycle: New creates all subsystems, Run
// serves until the context is cancelled, and Shutdown tears everything down
// in order.
//
// For testing, inject doubles via functional options (WithBackend,
// WithMetrics, WithDialer, etc.). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/purrvoice/internal/config"
	"github.com/MrWong99/purrvoice/internal/health"
	"github.com/MrWong99/purrvoice/internal/observe"
	"github.com/MrWong99/purrvoice/internal/session"
	"github.com/MrWong99/purrvoice/internal/voice"
	"github.com/MrWong99/purrvoice/pkg/audio/codec"
	"github.com/MrWong99/purrvoice/pkg/audio/filter"
	"github.com/MrWong99/purrvoice/pkg/audio/filter/denoise"
	"github.com/MrWong99/purrvoice/pkg/audio/filter/denoise/spectral"
	"github.com/MrWong99/purrvoice/pkg/audio/source"
	"github.com/MrWong99/purrvoice/pkg/audio/transport"
	"github.com/MrWong99/purrvoice/pkg/audio/transport/websocket"
)

// Mode selects the role of the process.
type Mode string

const (
	ModeRelay  Mode = "relay"
	ModeClient Mode = "client"
)

// DefaultRelayID is the participant id of a relay without a configured one.
const DefaultRelayID = "relay"

// VoicePath is the HTTP path participants connect to.
const VoicePath = "/voice"

// devicePollInterval is how often the capture device list is refreshed.
const devicePollInterval = 2 * time.Second

// shutdownTimeout bounds the graceful HTTP shutdown when Run's context ends.
const shutdownTimeout = 5 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg        *config.Config
	mode       Mode
	log        *slog.Logger
	level      *slog.LevelVar
	reg        *config.Registry
	metrics    *observe.Metrics
	configPath string
	dial       session.DialFunc

	// Audio, present when the process captures or plays.
	backend config.AudioBackend
	devices *source.Registry
	env     filter.Env

	// Relay mode.
	chain         *filter.Chain
	serverFilters *filter.Replica
	server        *websocket.Server
	relay         *transport.Relay
	relayCtrl     chan []byte

	// Client mode.
	reconnector *session.Reconnector
	links       chan session.Link

	health   *health.Handler
	listener net.Listener
	httpSrv  *http.Server
	watcher  *config.Watcher

	mu          sync.Mutex
	sess        *voice.Session
	capture     *source.Device
	muted       bool
	loopback    bool
	filters     []filter.Spec
	playbacks   map[*devicePlayback]struct{}
	pastSinks   sinkTotals
	pastDropped map[transport.DropReason]uint64

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithLevelVar hands New the variable that controls the logger's level so
// hot reloads can change it.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithRegistry injects the filter and backend registry instead of the
// built-in one.
func WithRegistry(r *config.Registry) Option {
	return func(a *App) { a.reg = r }
}

// WithMetrics injects the metric instruments instead of
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithBackend injects an audio backend instead of creating cfg.Voice.Backend
// from the registry.
func WithBackend(b config.AudioBackend) Option {
	return func(a *App) { a.backend = b }
}

// WithDialer replaces the websocket dialer used in client mode.
func WithDialer(d session.DialFunc) Option {
	return func(a *App) { a.dial = d }
}

// WithConfigPath enables hot reload from the config file at path.
func WithConfigPath(path string) Option {
	return func(a *App) { a.configPath = path }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App for mode by wiring all subsystems together. The HTTP
// listener is bound here so that [App.Addr] is known before Run.
func New(ctx context.Context, cfg *config.Config, mode Mode, opts ...Option) (*App, error) {
	a := &App{
		cfg:         cfg,
		mode:        mode,
		muted:       cfg.Voice.Muted,
		loopback:    cfg.Voice.Loopback,
		filters:     slices.Clone(cfg.Filters),
		playbacks:   make(map[*devicePlayback]struct{}),
		pastDropped: make(map[transport.DropReason]uint64),
	}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.level == nil {
		a.level = new(slog.LevelVar)
	}
	a.level.Set(SlogLevel(cfg.Server.LogLevel))
	if a.reg == nil {
		a.reg = config.NewDefaultRegistry()
		RegisterBuiltinBackends(a.reg)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	a.env = a.newEnv()

	// ── 1. Audio devices ─────────────────────────────────────────────────
	if mode == ModeClient || cfg.Relay.Participate {
		if err := a.initAudio(); err != nil {
			return nil, fmt.Errorf("app: init audio: %w", err)
		}
	}

	// ── 2. Transport ─────────────────────────────────────────────────────
	switch mode {
	case ModeRelay:
		if err := a.initRelay(); err != nil {
			a.closeAudio()
			return nil, fmt.Errorf("app: init relay: %w", err)
		}
	case ModeClient:
		if err := a.initClient(); err != nil {
			a.closeAudio()
			return nil, fmt.Errorf("app: init client: %w", err)
		}
	default:
		return nil, fmt.Errorf("app: unknown mode %q", mode)
	}

	// ── 3. HTTP ──────────────────────────────────────────────────────────
	if err := a.initHTTP(ctx); err != nil {
		a.closeAudio()
		return nil, fmt.Errorf("app: init http: %w", err)
	}
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) newEnv() filter.Env {
	var monOpts []filter.MonitorOption
	if hl := a.cfg.Voice.MonitorHalfLife; hl > 0 {
		monOpts = append(monOpts, filter.WithHalfLife(hl))
	}
	return filter.Env{
		Monitor: filter.NewPlaybackMonitor(monOpts...),
		Denoise: denoise.NewLoader(spectral.Load, a.log),
		OnFallback: func(k filter.Kind) {
			a.metrics.RecordFilterFallback(context.Background(), string(k))
		},
		Logger: a.log,
	}
}

// initAudio creates the backend and the capture device registry.
func (a *App) initAudio() error {
	if a.backend == nil {
		vc := a.cfg.Voice
		if vc.Backend == "" {
			vc.Backend = BackendPortAudio
		}
		b, err := a.reg.CreateBackend(vc, a.log)
		if err != nil {
			return err
		}
		a.backend = b
	}
	a.devices = source.NewRegistry(a.backend, a.log)
	if err := a.devices.Refresh(); err != nil {
		a.log.Warn("app: cannot list capture devices", "err", err)
	}
	return nil
}

// initRelay creates the websocket server and the relay on top of it. A relay
// that does not take part in the room keeps its own replica of the shared
// chain so the server stage still follows the controller.
func (a *App) initRelay() error {
	id := a.cfg.Voice.ParticipantID
	if id == "" {
		id = DefaultRelayID
	}
	a.server = websocket.NewServer(id, websocket.WithLogger(a.log))
	a.chain = filter.NewChain(a.env)
	a.relay = transport.NewRelay(a.server,
		transport.WithServerChain(a.chain),
		transport.WithRelayCodec(a.codecKind(), a.cfg.Voice.CodecOptions()...),
		transport.WithRelayMaxFragment(a.cfg.Voice.MaxFragmentBytes),
		transport.WithRelayLogger(a.log),
	)
	if a.cfg.Relay.Participate {
		return nil
	}

	controller := a.cfg.Voice.Controller
	if controller == "" {
		controller = id
	}
	a.relayCtrl = make(chan []byte, transport.DefaultQueueLen)
	a.serverFilters = filter.NewReplica(a.chain, a.reg, id, controller, func(u filter.Update) {
		a.relayControl(transport.KindFilter, u)
	})
	if err := a.serverFilters.Seed(a.filters); err != nil {
		return fmt.Errorf("server filters: %w", err)
	}
	a.relay.LocalDelivery(a.onRelayPacket)
	return nil
}

// onRelayPacket keeps the server replica of a relay that does not take part
// in the room in step. It runs on relay goroutines.
func (a *App) onRelayPacket(p transport.Packet) {
	switch p.Kind {
	case transport.KindFilter:
		var u transport.FilterBody
		if err := p.DecodeBody(&u); err != nil {
			return
		}
		if err := a.serverFilters.Apply(p.Origin, u); err != nil {
			a.metrics.FilterRejects.Add(context.Background(), 1)
			a.log.Debug("app: filter update rejected", "origin", p.Origin, "err", err)
		}
	case transport.KindJoin:
		if a.serverFilters.IsController() {
			a.relayControl(transport.KindFilter, a.serverFilters.Snapshot())
		}
	}
}

// relayControl queues a control message from the relay's own participant.
func (a *App) relayControl(kind transport.Kind, body any) {
	b, err := transport.Control(kind, a.relay.ID(), body)
	if err != nil {
		a.log.Warn("app: build control message", "kind", kind, "err", err)
		return
	}
	select {
	case a.relayCtrl <- b:
	default:
		a.metrics.RecordControlDropped(context.Background(), kind.String())
	}
}

// initClient prepares the reconnecting link to the relay.
func (a *App) initClient() error {
	if a.dial == nil {
		if a.cfg.Relay.URL == "" {
			return errors.New("relay.url is required in client mode")
		}
		url, id := a.cfg.Relay.URL, a.cfg.Voice.ParticipantID
		a.dial = func(ctx context.Context) (session.Link, error) {
			return websocket.Dial(ctx, url, id, websocket.WithLogger(a.log))
		}
	}
	a.links = make(chan session.Link, 1)
	a.reconnector = session.NewReconnector(session.ReconnectorConfig{
		Dial:       a.dial,
		Backoff:    a.cfg.Relay.ReconnectBackoff,
		MaxBackoff: a.cfg.Relay.MaxBackoff,
		OnReconnect: func(l session.Link) {
			// Keep only the newest link.
			select {
			case <-a.links:
			default:
			}
			a.links <- l
		},
		Logger: a.log,
	})
	return nil
}

// initHTTP binds the listener and builds the handler tree.
func (a *App) initHTTP(ctx context.Context) error {
	a.health = health.New(a.readinessChecks()...)

	mux := http.NewServeMux()
	a.health.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	if a.server != nil {
		mux.Handle(VoicePath, a.server)
	}

	addr := a.cfg.Server.ListenAddr
	if addr == "" {
		addr = ":7400"
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	a.listener = ln
	a.httpSrv = &http.Server{
		Handler: observe.Middleware(a.metrics,
			observe.WithMiddlewareLogger(a.log),
			observe.WithStreamPaths(VoicePath),
			observe.WithParticipantHeader(websocket.HeaderParticipant),
		)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

func (a *App) readinessChecks() []health.Checker {
	var checks []health.Checker
	if a.reconnector != nil {
		checks = append(checks, health.Checker{Name: "relay_link", Check: func(context.Context) error {
			l := a.reconnector.Connection()
			if l == nil {
				return errors.New("not connected")
			}
			select {
			case <-l.Done():
				return errors.New("reconnecting")
			default:
				return nil
			}
		}})
	}
	if a.devices != nil {
		checks = append(checks, health.Checker{Name: "capture", Check: func(context.Context) error {
			if !a.devices.Permitted() {
				return source.ErrPermissionDenied
			}
			return nil
		}})
	}
	return checks
}

func (a *App) codecKind() codec.Kind {
	if a.cfg.Voice.Codec == "" {
		return codec.KindOpus
	}
	return a.cfg.Voice.Codec
}

// Addr returns the address the HTTP server listens on.
func (a *App) Addr() net.Addr { return a.listener.Addr() }

// Relay returns the relay, nil in client mode.
func (a *App) Relay() *transport.Relay { return a.relay }

// Session returns the local participant's current session, or nil.
func (a *App) Session() *voice.Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sess
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves until ctx is cancelled or a subsystem fails, and returns the
// first error.
func (a *App) Run(ctx context.Context) error {
	reg, err := a.metrics.Observe(a.snapshot)
	if err != nil {
		a.log.Warn("app: pipeline counters not exported", "err", err)
	} else {
		defer func() { _ = reg.Unregister() }()
	}

	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, a.onConfigChange, config.WithWatcherLogger(a.log))
		if err != nil {
			return fmt.Errorf("app: %w", err)
		}
		a.watcher = w
	}

	var hosted *voice.Session
	if a.mode == ModeRelay && a.cfg.Relay.Participate {
		sess, err := voice.NewHosted(a.voiceConfig(a.relay.ID(), a.cfg.Voice.Controller), a.relay)
		if err != nil {
			return fmt.Errorf("app: hosted session: %w", err)
		}
		hosted = sess
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.serveHTTP(gctx) })
	if a.devices != nil {
		g.Go(func() error {
			a.devices.Run(gctx, devicePollInterval)
			return nil
		})
	}

	switch a.mode {
	case ModeRelay:
		if hosted != nil {
			a.attach(hosted)
			g.Go(func() error {
				defer a.detach(hosted)
				return hosted.Run(gctx)
			})
		} else {
			g.Go(func() error { return a.relayControlLoop(gctx) })
		}
		g.Go(func() error { return a.relay.Run(gctx) })

	case ModeClient:
		g.Go(func() error { return a.runClient(gctx) })
	}

	a.log.Info("app running", "mode", a.mode, "addr", a.Addr().String())
	return g.Wait()
}

// serveHTTP serves until ctx is done, then shuts the server down.
func (a *App) serveHTTP(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if tls := a.cfg.Server.TLS; tls != nil {
			errCh <- a.httpSrv.ServeTLS(a.listener, tls.CertFile, tls.KeyFile)
			return
		}
		errCh <- a.httpSrv.Serve(a.listener)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: http: %w", err)
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.httpSrv.Shutdown(sctx); err != nil {
			a.log.Warn("app: http shutdown", "err", err)
		}
		<-errCh
		return ctx.Err()
	}
}

// relayControlLoop sends the relay participant's own control messages.
func (a *App) relayControlLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case b := <-a.relayCtrl:
			if err := a.relay.Ingest(ctx, b); err != nil {
				a.log.Debug("app: relay control message", "err", err)
			}
		}
	}
}

// runClient keeps a session running over the current link and starts a new
// one whenever the reconnector delivers a new link.
func (a *App) runClient(ctx context.Context) error {
	link, err := a.reconnector.Connect(ctx)
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}
	a.reconnector.Monitor(ctx)

	for {
		err := a.serveLink(ctx, link)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		a.log.Warn("app: relay link lost", "err", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.reconnector.Failed():
			return fmt.Errorf("app: %w", a.reconnector.Err())
		case link = <-a.links:
		}
	}
}

// serveLink runs one client session until link drops or ctx is done.
func (a *App) serveLink(ctx context.Context, link session.Link) error {
	controller := a.cfg.Voice.Controller
	if controller == "" {
		controller = link.ServerID()
	}
	sess, err := voice.NewClient(a.voiceConfig(link.LocalID(), controller), link, link.ServerID())
	if err != nil {
		return err
	}
	a.attach(sess)
	defer a.detach(sess)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-link.Done():
			cancel()
		case <-runCtx.Done():
		}
	}()
	return sess.Run(runCtx)
}

// voiceConfig builds the session config for the local participant.
func (a *App) voiceConfig(localID, controller string) voice.Config {
	a.mu.Lock()
	filters := slices.Clone(a.filters)
	a.mu.Unlock()

	cfg := voice.Config{
		LocalID:          localID,
		Controller:       controller,
		Codec:            a.codecKind(),
		CodecOptions:     a.cfg.Voice.CodecOptions(),
		MaxFragmentBytes: a.cfg.Voice.MaxFragmentBytes,
		Filters:          filters,
		Decoder:          a.reg,
		Env:              a.env,
		Chain:            a.chain,
		Hooks:            a.hooks(),
		Logger:           a.log,
	}
	if a.backend != nil {
		cfg.NewPlayback = a.newPlayback
	}
	return cfg
}

func (a *App) hooks() voice.Hooks {
	ctx := context.Background()
	return voice.Hooks{
		FrameSent: func(d time.Duration, n int) { a.metrics.RecordFrameSent(ctx, d, n) },
		FrameDecoded: func(d time.Duration, err error) {
			a.metrics.RecordFrameDecoded(ctx, d, err)
		},
		SendFailed:    func(error) { a.metrics.SendErrors.Add(ctx, 1) },
		ControlDrop:   func(k transport.Kind) { a.metrics.RecordControlDropped(ctx, k.String()) },
		Participants:  func(n int) { a.metrics.ActiveParticipants.Record(ctx, int64(n)) },
		FilterRejects: func(error) { a.metrics.FilterRejects.Add(ctx, 1) },
	}
}

// attach makes sess the current session and starts local capture.
func (a *App) attach(sess *voice.Session) {
	a.mu.Lock()
	a.sess = sess
	muted, loopback := a.muted, a.loopback
	a.mu.Unlock()

	// Run announces the initial mute state.
	sess.Local().SetMuted(muted)
	sess.SetLoopback(loopback)

	if a.devices == nil {
		return
	}
	dev := source.NewDevice(a.devices, a.cfg.Voice.InputDevice,
		source.WithReactive(a.cfg.Voice.ReactiveDevices),
		source.WithLogger(a.log),
	)
	if res := sess.SetSource(dev); !res.OK() {
		a.log.Warn("app: capture not started", "device", a.cfg.Voice.InputDevice, "result", res)
	}
	a.mu.Lock()
	a.capture = dev
	a.mu.Unlock()
}

// detach closes sess and its capture device.
func (a *App) detach(sess *voice.Session) {
	a.mu.Lock()
	if a.sess != sess {
		a.mu.Unlock()
		return
	}
	a.sess = nil
	dev := a.capture
	a.capture = nil
	for _, r := range dropReasons {
		a.pastDropped[r] += sess.Receiver().Dropped(r)
	}
	a.mu.Unlock()

	if err := sess.Close(); err != nil {
		a.log.Debug("app: close session", "err", err)
	}
	if dev != nil {
		dev.Close()
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems. It respects the context deadline: if
// ctx expires before all steps finish, the remaining steps are skipped and
// the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.health.Drain()

		steps := []struct {
			name string
			fn   func() error
		}{
			{"watcher", func() error {
				if a.watcher != nil {
					a.watcher.Stop()
				}
				return nil
			}},
			{"session", func() error {
				if sess := a.Session(); sess != nil {
					a.detach(sess)
				}
				return nil
			}},
			{"http", func() error { return a.httpSrv.Shutdown(ctx) }},
			{"reconnector", func() error {
				if a.reconnector != nil {
					return a.reconnector.Stop()
				}
				return nil
			}},
			{"server", func() error {
				if a.server != nil {
					return a.server.Close()
				}
				return nil
			}},
			{"relay", func() error {
				if a.relay != nil {
					return a.relay.Close()
				}
				return nil
			}},
			{"audio", func() error { return a.closeAudio() }},
		}
		a.log.Info("shutting down", "steps", len(steps))

		for i, s := range steps {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", len(steps)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := s.fn(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.Warn("shutdown step error", "step", s.name, "err", err)
			}
		}
		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAudio closes the device registry, which closes the backend.
func (a *App) closeAudio() error {
	if a.devices != nil {
		return a.devices.Close()
	}
	if a.backend != nil {
		return a.backend.Close()
	}
	return nil
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// SlogLevel converts a config log level to a slog level. Unknown and empty
// levels map to info.
func SlogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
