// Package mock provides in-memory implementations of the PurrVoice platform
// interfaces for use in unit tests: [source.Backend] and [source.Stream],
// [playback.Output], and [transport.Channel].
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	backend := &mock.Backend{}
//	backend.SetDevices(source.DeviceInfo{ID: "mic", DefaultSampleRate: 48000, Default: true})
//	reg := source.NewRegistry(backend, nil)
//	_ = reg.Refresh()
//	dev := source.NewDevice(reg, "")
//	dev.Start()
//	backend.LastStream().Emit(samples)
package mock

import (
	"slices"
	"sync"

	"github.com/MrWong99/purrvoice/pkg/audio/source"
)

// ─── Backend ──────────────────────────────────────────────────────────────────

// OpenCall records the arguments of a single [Backend.OpenCapture] invocation.
type OpenCall struct {
	// Device is the device passed to OpenCapture.
	Device source.DeviceInfo
	// Rate is the requested sample rate.
	Rate int
}

// Backend is a mock implementation of [source.Backend].
// Devices are visible and permission is granted unless configured otherwise.
type Backend struct {
	mu sync.Mutex

	devices []source.DeviceInfo
	denied  bool

	// DevicesError is returned by [Backend.Devices].
	DevicesError error

	// OpenError is returned by [Backend.OpenCapture].
	OpenError error

	// StartError is set as the StartError of every stream opened.
	StartError error

	// OpenCalls records all OpenCapture invocations.
	OpenCalls []OpenCall

	// Streams holds every stream opened, in order.
	Streams []*Stream

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

var _ source.Backend = (*Backend)(nil)

// SetDevices replaces the device list reported by Devices.
func (b *Backend) SetDevices(devices ...source.DeviceInfo) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.devices = slices.Clone(devices)
}

// SetPermitted changes the permission reported by Permitted.
func (b *Backend) SetPermitted(ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.denied = !ok
}

// Devices implements [source.Backend].
func (b *Backend) Devices() ([]source.DeviceInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.DevicesError != nil {
		return nil, b.DevicesError
	}
	return slices.Clone(b.devices), nil
}

// Permitted implements [source.Backend].
func (b *Backend) Permitted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.denied
}

// OpenCapture implements [source.Backend]. Records the call and returns a new
// [Stream] or OpenError.
func (b *Backend) OpenCapture(dev source.DeviceInfo, rate int, onSamples func([]float32)) (source.Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.OpenCalls = append(b.OpenCalls, OpenCall{Device: dev, Rate: rate})
	if b.OpenError != nil {
		return nil, b.OpenError
	}
	s := &Stream{Device: dev, Rate: rate, StartError: b.StartError, cb: onSamples}
	b.Streams = append(b.Streams, s)
	return s, nil
}

// LastStream returns the most recently opened stream, or nil.
func (b *Backend) LastStream() *Stream {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.Streams) == 0 {
		return nil
	}
	return b.Streams[len(b.Streams)-1]
}

// Close records the call. It lets the registry tear the backend down.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.CallCountClose++
	return nil
}

// ─── Stream ───────────────────────────────────────────────────────────────────

// Stream is a mock [source.Stream]. Tests push capture data with Emit.
type Stream struct {
	mu sync.Mutex

	// Device and Rate are the OpenCapture arguments.
	Device source.DeviceInfo
	Rate   int

	// StartError is returned by Start.
	StartError error

	started bool
	stopped bool
	closed  bool
	cb      func([]float32)
}

var _ source.Stream = (*Stream)(nil)

// Start implements [source.Stream].
func (s *Stream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.StartError != nil {
		return s.StartError
	}
	s.started = true
	return nil
}

// Stop implements [source.Stream].
func (s *Stream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	return nil
}

// Close implements [source.Stream].
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Running reports whether the stream was started and not yet stopped.
func (s *Stream) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started && !s.stopped
}

// Closed reports whether Close was called.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Emit delivers samples to the capture callback the way a platform audio
// thread would. It reports false (and delivers nothing) unless the stream is
// running.
func (s *Stream) Emit(samples []float32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || s.stopped {
		return false
	}
	s.cb(samples)
	return true
}
