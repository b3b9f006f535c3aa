// Package websocket implements [transport.Channel] over WebSocket
// connections using github.com/coder/websocket.
//
// A [Server] is the relay end: it accepts any number of clients, each of
// which becomes a peer addressed by its participant id. A [Client] is a
// participant end: it reaches the rest of the room only through the server.
// Every packet travels as one binary WebSocket message.
//
// Unreliable sends are queued without blocking and dropped when a peer's
// outgoing queue is full. Reliable sends wait for queue space.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/purrvoice/pkg/audio/transport"
)

const (
	// HeaderParticipant carries the participant id assigned to a client.
	HeaderParticipant = "X-Purrvoice-Participant"

	// HeaderServer carries the participant id of the relay.
	HeaderServer = "X-Purrvoice-Server"

	// QueryParticipant is the query parameter a client uses to request an id.
	QueryParticipant = "participant"

	readLimit      = 1 << 20
	defaultQueue   = 256
	defaultTimeout = 5 * time.Second
)

// Option configures a [Server] or [Client].
type Option func(*options)

type options struct {
	queueLen     int
	writeTimeout time.Duration
	logger       *slog.Logger
	originHosts  []string
}

func buildOptions(opts []Option) options {
	o := options{
		queueLen:     defaultQueue,
		writeTimeout: defaultTimeout,
		logger:       slog.Default(),
	}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// WithQueueLen sets the per-connection outgoing and the incoming queue
// lengths.
func WithQueueLen(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.queueLen = n
		}
	}
}

// WithWriteTimeout bounds each WebSocket write.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.writeTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithOriginPatterns lists the cross-origin hosts a [Server] accepts.
func WithOriginPatterns(patterns ...string) Option {
	return func(o *options) { o.originHosts = patterns }
}

// Server accepts client connections and implements [transport.Channel] and
// [transport.Membership] for the relay.
type Server struct {
	id   string
	opts options

	in       chan transport.Message
	inMu     sync.RWMutex
	inClosed bool
	done     chan struct{}
	once     sync.Once

	mu      sync.RWMutex
	peers   map[string]*peer
	peerFns map[int]func(string, bool)
	nextFn  int
}

var (
	_ transport.Channel    = (*Server)(nil)
	_ transport.Membership = (*Server)(nil)
	_ http.Handler         = (*Server)(nil)
)

type peer struct {
	id   string
	conn *websocket.Conn
	out  chan []byte
	gone chan struct{}
}

// NewServer returns a server whose own participant id is id.
func NewServer(id string, opts ...Option) *Server {
	o := buildOptions(opts)
	return &Server{
		id:      id,
		opts:    o,
		in:      make(chan transport.Message, o.queueLen),
		done:    make(chan struct{}),
		peers:   make(map[string]*peer),
		peerFns: make(map[int]func(string, bool)),
	}
}

// ServeHTTP upgrades the request and serves the connection until either side
// closes it. The client may request a participant id with the
// [QueryParticipant] query parameter; otherwise a random UUID is assigned.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.done:
		http.Error(w, "relay shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	id := r.URL.Query().Get(QueryParticipant)
	if id == "" {
		id = uuid.NewString()
	}
	if len(id) > transport.MaxOriginLen || id == s.id {
		http.Error(w, "invalid participant id", http.StatusBadRequest)
		return
	}

	p := &peer{id: id, out: make(chan []byte, s.opts.queueLen), gone: make(chan struct{})}
	s.mu.Lock()
	if _, taken := s.peers[id]; taken {
		s.mu.Unlock()
		http.Error(w, "participant id in use", http.StatusConflict)
		return
	}
	s.peers[id] = p
	s.mu.Unlock()

	w.Header().Set(HeaderParticipant, id)
	w.Header().Set(HeaderServer, s.id)
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.opts.originHosts})
	if err != nil {
		s.remove(p, false)
		s.opts.logger.Warn("websocket: accept failed", "participant", id, "err", err)
		return
	}
	conn.SetReadLimit(readLimit)
	s.mu.Lock()
	p.conn = conn
	s.mu.Unlock()

	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() error { return s.readLoop(ctx, p) })
	g.Go(func() error { return writeLoop(ctx, conn, p.out, s.done, s.opts.writeTimeout) })

	s.opts.logger.Info("websocket: participant connected", "participant", id, "remote", r.RemoteAddr)
	s.notify(id, true)
	err = g.Wait()

	s.remove(p, true)
	status := websocket.CloseStatus(err)
	if status == -1 && !errors.Is(err, context.Canceled) && !errors.Is(err, errShutdown) {
		s.opts.logger.Debug("websocket: connection ended", "participant", id, "err", err)
	}
	conn.Close(websocket.StatusNormalClosure, "")
	s.opts.logger.Info("websocket: participant disconnected", "participant", id)
}

var errShutdown = errors.New("websocket: shutting down")

func (s *Server) readLoop(ctx context.Context, p *peer) error {
	for {
		typ, data, err := p.conn.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageBinary {
			continue
		}
		if err := s.deliver(ctx, transport.Message{From: p.id, Data: data}); err != nil {
			return err
		}
	}
}

func (s *Server) deliver(ctx context.Context, m transport.Message) error {
	s.inMu.RLock()
	defer s.inMu.RUnlock()
	if s.inClosed {
		return errShutdown
	}
	select {
	case s.in <- m:
		return nil
	case <-s.done:
		return errShutdown
	case <-ctx.Done():
		return ctx.Err()
	}
}

// writeLoop writes every queued message until the queue's owner goes away.
func writeLoop(ctx context.Context, conn *websocket.Conn, out <-chan []byte, done <-chan struct{}, timeout time.Duration) error {
	for {
		select {
		case msg := <-out:
			wctx, cancel := context.WithTimeout(ctx, timeout)
			err := conn.Write(wctx, websocket.MessageBinary, msg)
			cancel()
			if err != nil {
				return err
			}
		case <-done:
			return errShutdown
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Server) remove(p *peer, announce bool) {
	s.mu.Lock()
	if s.peers[p.id] != p {
		s.mu.Unlock()
		return
	}
	delete(s.peers, p.id)
	close(p.gone)
	s.mu.Unlock()
	if announce {
		s.notify(p.id, false)
	}
}

func (s *Server) notify(id string, joined bool) {
	s.mu.RLock()
	fns := make([]func(string, bool), 0, len(s.peerFns))
	for _, fn := range s.peerFns {
		fns = append(fns, fn)
	}
	s.mu.RUnlock()
	for _, fn := range fns {
		fn(id, joined)
	}
}

// LocalID implements [transport.Channel].
func (s *Server) LocalID() string { return s.id }

// Receive implements [transport.Channel].
func (s *Server) Receive() <-chan transport.Message { return s.in }

// Send implements [transport.Channel].
func (s *Server) Send(ctx context.Context, to string, msg []byte, rel transport.Reliability) error {
	select {
	case <-s.done:
		return transport.ErrClosed
	default:
	}
	s.mu.RLock()
	p, ok := s.peers[to]
	ok = ok && p.conn != nil
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", transport.ErrUnknownPeer, to)
	}
	return enqueue(ctx, p.out, p.gone, slices.Clone(msg), rel)
}

func enqueue(ctx context.Context, out chan<- []byte, gone <-chan struct{}, msg []byte, rel transport.Reliability) error {
	if rel == transport.Unreliable {
		select {
		case out <- msg:
		case <-gone:
			return transport.ErrClosed
		default:
		}
		return nil
	}
	select {
	case out <- msg:
		return nil
	case <-gone:
		return transport.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Broadcast implements [transport.Channel].
func (s *Server) Broadcast(ctx context.Context, msg []byte, rel transport.Reliability) error {
	var errs []error
	for _, id := range s.Peers() {
		if err := s.Send(ctx, id, msg, rel); err != nil && !errors.Is(err, transport.ErrUnknownPeer) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Peers implements [transport.Membership].
func (s *Server) Peers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.peers))
	for id, p := range s.peers {
		if p.conn != nil {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

// OnPeer implements [transport.Membership].
func (s *Server) OnPeer(fn func(id string, joined bool)) func() {
	s.mu.Lock()
	key := s.nextFn
	s.nextFn++
	s.peerFns[key] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.peerFns, key)
		s.mu.Unlock()
	}
}

// Close implements [transport.Channel]. Open connections are told the relay
// is going away.
func (s *Server) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.mu.RLock()
		for _, p := range s.peers {
			if p.conn != nil {
				p.conn.Close(websocket.StatusGoingAway, "relay shutting down")
			}
		}
		s.mu.RUnlock()

		s.inMu.Lock()
		s.inClosed = true
		close(s.in)
		s.inMu.Unlock()
	})
	return nil
}
