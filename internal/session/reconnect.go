// Package session keeps a participant attached to its relay across
// connection drops.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/purrvoice/pkg/audio/transport"
)

// Default reconnection parameters.
const (
	defaultMaxRetries = 10
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second
)

// ErrGaveUp is reported by [Reconnector.Err] once every retry has failed.
var ErrGaveUp = errors.New("session: reconnection failed after max retries")

// Link is a connection to a relay whose loss can be observed. The websocket
// client satisfies it.
type Link interface {
	transport.Channel

	// ServerID returns the relay's participant id.
	ServerID() string

	// Done is closed when the connection is lost.
	Done() <-chan struct{}
}

// DialFunc opens a new link to the relay.
type DialFunc func(ctx context.Context) (Link, error)

// Reconnector owns the link to the relay and replaces it with exponential
// backoff whenever it drops.
//
// Callers obtain the initial link via [Reconnector.Connect], then call
// [Reconnector.Monitor] to start a background goroutine that watches for
// drops. A drop is detected from the link's Done channel or signalled with
// [Reconnector.NotifyDisconnect]. Each successful redial is handed to the
// configured OnReconnect callback.
//
// All methods are safe for concurrent use.
type Reconnector struct {
	dial        DialFunc
	maxRetries  int
	backoff     time.Duration
	maxBackoff  time.Duration
	onReconnect func(Link)
	log         *slog.Logger

	mu           sync.Mutex
	conn         Link
	err          error
	done         chan struct{}
	failed       chan struct{}
	stopOnce     sync.Once
	disconnected chan struct{} // signalled when a disconnect is detected
}

// ReconnectorConfig configures a [Reconnector].
type ReconnectorConfig struct {
	// Dial opens a link to the relay.
	Dial DialFunc

	// MaxRetries is the maximum number of reconnection attempts per drop
	// before giving up. Defaults to 10 if zero.
	MaxRetries int

	// Backoff is the initial backoff duration between retries. Doubles each
	// attempt up to MaxBackoff. Defaults to 1s if zero.
	Backoff time.Duration

	// MaxBackoff is the upper limit on backoff duration. Defaults to 30s if zero.
	MaxBackoff time.Duration

	// OnReconnect is called after a successful reconnection with the new
	// link. May be nil.
	OnReconnect func(Link)

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// NewReconnector creates a new [Reconnector] with the given configuration.
func NewReconnector(cfg ReconnectorConfig) *Reconnector {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	if maxBackoff < backoff {
		maxBackoff = backoff
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Reconnector{
		dial:         cfg.Dial,
		maxRetries:   maxRetries,
		backoff:      backoff,
		maxBackoff:   maxBackoff,
		onReconnect:  cfg.OnReconnect,
		log:          log,
		done:         make(chan struct{}),
		failed:       make(chan struct{}),
		disconnected: make(chan struct{}, 1),
	}
}

// Connect opens the initial link.
func (r *Reconnector) Connect(ctx context.Context) (Link, error) {
	conn, err := r.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("session: initial connect: %w", err)
	}

	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()

	return conn, nil
}

// Monitor starts monitoring the link in a background goroutine.
func (r *Reconnector) Monitor(ctx context.Context) {
	go r.monitorLoop(ctx)
}

// NotifyDisconnect signals the monitor that the link is unusable and
// reconnection should be attempted. Safe to call multiple times; only the
// first call per reconnection cycle has effect.
func (r *Reconnector) NotifyDisconnect() {
	select {
	case r.disconnected <- struct{}{}:
	default:
		// Already signalled; avoid blocking.
	}
}

// Failed is closed when the reconnector gives up.
func (r *Reconnector) Failed() <-chan struct{} { return r.failed }

// Err returns [ErrGaveUp] once the reconnector has given up, nil before.
func (r *Reconnector) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Stop halts monitoring and closes the current link.
// Safe to call multiple times.
func (r *Reconnector) Stop() error {
	r.stopOnce.Do(func() {
		close(r.done)
	})

	r.mu.Lock()
	conn := r.conn
	r.conn = nil
	r.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Connection returns the current link. It may be a dropped link while a
// reconnection is in progress.
func (r *Reconnector) Connection() Link {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn
}

// monitorLoop waits for a drop and reconnects.
func (r *Reconnector) monitorLoop(ctx context.Context) {
	for {
		var lost <-chan struct{}
		if conn := r.Connection(); conn != nil {
			lost = conn.Done()
		}

		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-lost:
		case <-r.disconnected:
		}

		if !r.attemptReconnect(ctx) {
			return
		}
		// Drop a notification raised for the link just replaced.
		select {
		case <-r.disconnected:
		default:
		}
	}
}

// attemptReconnect redials with exponential backoff. It reports false when
// monitoring should end.
func (r *Reconnector) attemptReconnect(ctx context.Context) bool {
	currentBackoff := r.backoff

	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return false
		case <-r.done:
			return false
		default:
		}

		r.log.Info("attempting reconnection",
			"attempt", attempt,
			"max_retries", r.maxRetries,
			"backoff", currentBackoff,
		)

		conn, err := r.dial(ctx)
		if err == nil {
			r.mu.Lock()
			oldConn := r.conn
			r.conn = conn
			r.mu.Unlock()

			// Close the old (failed) link to release its resources.
			if oldConn != nil {
				_ = oldConn.Close()
			}

			r.log.Info("reconnection successful",
				"attempt", attempt,
				"participant", conn.LocalID(),
				"relay", conn.ServerID(),
			)

			if r.onReconnect != nil {
				r.onReconnect(conn)
			}
			return true
		}

		r.log.Warn("reconnection attempt failed",
			"attempt", attempt,
			"err", err,
		)

		// Wait before retrying.
		timer := time.NewTimer(currentBackoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-r.done:
			timer.Stop()
			return false
		case <-timer.C:
		}

		// Exponential backoff.
		currentBackoff *= 2
		if currentBackoff > r.maxBackoff {
			currentBackoff = r.maxBackoff
		}
	}

	r.log.Error("reconnection failed after max retries",
		"max_retries", r.maxRetries,
	)
	r.mu.Lock()
	r.err = ErrGaveUp
	r.mu.Unlock()
	close(r.failed)
	return false
}
