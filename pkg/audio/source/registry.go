package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/purrvoice/pkg/audio"
)

var (
	// ErrDeviceNotFound is returned by a [Backend] when a device id does not
	// resolve.
	ErrDeviceNotFound = errors.New("source: device not found")

	// ErrPermissionDenied is returned by a [Backend] when capture is not
	// allowed.
	ErrPermissionDenied = errors.New("source: capture permission denied")

	// ErrRegistryClosed is returned by operations on a closed [Registry].
	ErrRegistryClosed = errors.New("source: registry closed")
)

// DeviceInfo describes one capture device.
type DeviceInfo struct {
	// ID is stable for as long as the device stays connected.
	ID string

	// Name is human readable.
	Name string

	// DefaultSampleRate is the device's preferred rate in Hz.
	DefaultSampleRate int

	// Channels is the maximum number of input channels.
	Channels int

	// Default marks the platform's default input device.
	Default bool
}

// Stream is an open capture stream.
type Stream interface {
	Start() error
	Stop() error
	Close() error
}

// Backend is the platform capture API: enumeration, permission and streams.
// Backends that hold process-wide state also implement [io.Closer]; the
// [Registry] closes them.
type Backend interface {
	// Devices lists the current capture devices.
	Devices() ([]DeviceInfo, error)

	// Permitted reports whether the process may capture audio.
	Permitted() bool

	// OpenCapture opens a mono stream on dev at rate Hz. onSamples is
	// invoked from the platform's real-time thread; it must not block or
	// allocate, and the slice is only valid during the call.
	OpenCapture(dev DeviceInfo, rate int, onSamples func([]float32)) (Stream, error)
}

// Snapshot is the registry state delivered to change subscribers.
type Snapshot struct {
	Devices   []DeviceInfo
	Permitted bool
}

// Lookup finds id in the snapshot. An empty id selects the default device,
// or the first device when none is marked default.
func (s Snapshot) Lookup(id string) (DeviceInfo, bool) {
	if id == "" {
		for _, d := range s.Devices {
			if d.Default {
				return d, true
			}
		}
		if len(s.Devices) > 0 {
			return s.Devices[0], true
		}
		return DeviceInfo{}, false
	}
	i := slices.IndexFunc(s.Devices, func(d DeviceInfo) bool { return d.ID == id || d.Name == id })
	if i < 0 {
		return DeviceInfo{}, false
	}
	return s.Devices[i], true
}

// Registry tracks the capture devices and permission state of one [Backend].
// It is created and torn down explicitly by whoever owns the audio
// subsystem; nothing about it is global.
type Registry struct {
	backend Backend
	log     *slog.Logger

	mu     sync.Mutex
	snap   Snapshot
	closed bool

	observers audio.Observers[Snapshot]
}

// NewRegistry returns a registry over backend. Call Refresh to populate it.
func NewRegistry(backend Backend, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{backend: backend, log: logger}
}

// Backend returns the underlying backend.
func (r *Registry) Backend() Backend { return r.backend }

// Refresh re-queries the backend and notifies subscribers when the device
// list or permission changed.
func (r *Registry) Refresh() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRegistryClosed
	}
	devices, err := r.backend.Devices()
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("source: list devices: %w", err)
	}
	next := Snapshot{Devices: devices, Permitted: r.backend.Permitted()}
	changed := next.Permitted != r.snap.Permitted || !slices.Equal(next.Devices, r.snap.Devices)
	r.snap = next
	r.mu.Unlock()

	if changed {
		r.log.Debug("source: devices changed", "count", len(devices), "permitted", next.Permitted)
		r.observers.Notify(next)
	}
	return nil
}

// Snapshot returns the last refreshed state.
func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Snapshot{Devices: slices.Clone(r.snap.Devices), Permitted: r.snap.Permitted}
}

// Lookup resolves id against the last refreshed state; see [Snapshot.Lookup].
func (r *Registry) Lookup(id string) (DeviceInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snap.Lookup(id)
}

// Permitted reports the last refreshed permission state.
func (r *Registry) Permitted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snap.Permitted
}

// OnChange subscribes fn to device and permission changes.
func (r *Registry) OnChange(fn func(Snapshot)) (unsubscribe func()) {
	return r.observers.Subscribe(fn)
}

// Run polls Refresh every interval until ctx is done. Backends without
// hot-plug notifications rely on it to notice devices coming and going.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := r.Refresh(); err != nil {
				if errors.Is(err, ErrRegistryClosed) {
					return
				}
				r.log.Warn("source: refresh devices", "err", err)
			}
		}
	}
}

// Close drops all subscribers and closes the backend if it is an
// [io.Closer]. It is idempotent.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.snap = Snapshot{}
	r.mu.Unlock()

	r.observers.Clear()
	if c, ok := r.backend.(io.Closer); ok {
		if err := c.Close(); err != nil {
			return fmt.Errorf("source: close backend: %w", err)
		}
	}
	return nil
}
