package source

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/purrvoice/pkg/audio"
)

// DeviceOption configures a [Device].
type DeviceOption func(*Device)

// WithReactive lets a device that was stopped because it vanished (or lost
// permission) start again by itself once the registry sees it return.
func WithReactive(reactive bool) DeviceOption {
	return func(d *Device) { d.reactive = reactive }
}

// WithSampleRate requests a capture rate instead of the device default.
func WithSampleRate(rate int) DeviceOption {
	return func(d *Device) { d.requested = rate }
}

// WithQueue sizes the capture queue between the real-time callback and the
// delivery goroutine.
func WithQueue(slots, slotSamples int) DeviceOption {
	return func(d *Device) {
		if slots > 0 && slotSamples > 0 {
			d.slots, d.slotSamples = slots, slotSamples
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) DeviceOption {
	return func(d *Device) {
		if l != nil {
			d.log = l
		}
	}
}

// Device captures from a live input device through a [Registry].
//
// The platform callback only copies samples into a lock-free queue; a
// delivery goroutine drains it and notifies observers, so observers never run
// on the real-time thread.
type Device struct {
	reg       *Registry
	deviceID  string
	reactive  bool
	requested int
	log       *slog.Logger

	slots, slotSamples int

	observers audio.Observers[audio.Chunk]
	recording atomic.Bool
	rate      atomic.Int64

	mu        sync.Mutex
	stream    Stream
	queue     *audio.ChunkQueue
	stop      chan struct{}
	done      chan struct{}
	suspended bool
	closed    bool
	unsubReg  func()
}

var _ Source = (*Device)(nil)

// NewDevice binds a source to deviceID ("" for the default device). The
// device is not opened until Start.
func NewDevice(reg *Registry, deviceID string, opts ...DeviceOption) *Device {
	d := &Device{
		reg:         reg,
		deviceID:    deviceID,
		log:         slog.Default(),
		slots:       64,
		slotSamples: 1024,
	}
	for _, o := range opts {
		o(d)
	}
	d.queue = audio.NewChunkQueue(d.slots, d.slotSamples)
	d.unsubReg = reg.OnChange(d.onRegistryChange)
	return d
}

// DeviceID returns the bound device id.
func (d *Device) DeviceID() string { return d.deviceID }

// Frequency implements [Source]. Before the first Start it returns the
// requested rate, or the device default.
func (d *Device) Frequency() int {
	if r := d.rate.Load(); r > 0 {
		return int(r)
	}
	if d.requested > 0 {
		return d.requested
	}
	if info, ok := d.reg.Lookup(d.deviceID); ok {
		return info.DefaultSampleRate
	}
	return 0
}

// IsRecording implements [Source].
func (d *Device) IsRecording() bool { return d.recording.Load() }

// Suspended reports whether the device was stopped because it vanished and
// is waiting to be resumed.
func (d *Device) Suspended() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.suspended
}

// Dropped returns how many capture blocks were lost to a full queue.
func (d *Device) Dropped() uint64 { return d.queue.Dropped() }

// OnSampleReady implements [Source].
func (d *Device) OnSampleReady(fn func(audio.Chunk)) func() {
	return d.observers.Subscribe(fn)
}

// Start implements [Source].
func (d *Device) Start() StartResult {
	d.mu.Lock()
	defer d.mu.Unlock()
	res := d.startLocked()
	if res == Success {
		d.suspended = false
	}
	return res
}

func (d *Device) startLocked() StartResult {
	if d.closed {
		return DeviceNotFound
	}
	if d.recording.Load() {
		return AlreadyRecording
	}
	if !d.reg.Permitted() {
		return NoPermission
	}
	info, ok := d.reg.Lookup(d.deviceID)
	if !ok {
		return DeviceNotFound
	}
	rate := d.requested
	if rate <= 0 {
		rate = info.DefaultSampleRate
	}

	d.drain()
	stream, err := d.reg.Backend().OpenCapture(info, rate, d.capture)
	if err != nil {
		return d.classify(err, info)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return d.classify(err, info)
	}

	d.stream = stream
	d.rate.Store(int64(rate))
	d.stop = make(chan struct{})
	d.done = make(chan struct{})
	go d.pump(d.stop, d.done, rate)
	d.recording.Store(true)
	d.log.Info("source: capture started", "device", info.Name, "rate", rate)
	return Success
}

func (d *Device) classify(err error, info DeviceInfo) StartResult {
	d.log.Warn("source: open capture failed", "device", info.Name, "err", err)
	if errors.Is(err, ErrPermissionDenied) {
		return NoPermission
	}
	return DeviceNotFound
}

// capture runs on the platform's real-time thread.
func (d *Device) capture(samples []float32) {
	d.queue.Push(samples)
}

func (d *Device) pump(stop, done chan struct{}, rate int) {
	defer close(done)
	deliver := func(s []float32) {
		d.observers.Notify(audio.Chunk{Samples: s, SampleRate: rate})
	}
	for {
		select {
		case <-stop:
			return
		case <-d.queue.Ready():
			d.queue.Drain(deliver)
		}
	}
}

// drain discards queued samples. Only called while no stream is open.
func (d *Device) drain() {
	d.queue.Drain(func([]float32) {})
}

// Stop implements [Source]. The hardware stream is stopped before the
// delivery goroutine, and queued samples are discarded afterwards, so no
// chunk is delivered once Stop returns.
func (d *Device) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopLocked()
	d.suspended = false
}

func (d *Device) stopLocked() {
	if !d.recording.Load() {
		return
	}
	if err := d.stream.Stop(); err != nil {
		d.log.Debug("source: stop stream", "err", err)
	}
	if err := d.stream.Close(); err != nil {
		d.log.Debug("source: close stream", "err", err)
	}
	d.stream = nil
	close(d.stop)
	<-d.done
	d.recording.Store(false)
	d.drain()
}

func (d *Device) onRegistryChange(s Snapshot) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	_, present := s.Lookup(d.deviceID)
	available := present && s.Permitted

	switch {
	case d.recording.Load() && !available:
		d.log.Warn("source: capture device lost, stopping", "device", d.deviceID, "permitted", s.Permitted)
		d.stopLocked()
		d.suspended = true
	case d.suspended && available && d.reactive:
		if res := d.startLocked(); res == Success {
			d.suspended = false
			d.log.Info("source: capture device back, resumed", "device", d.deviceID)
		}
	}
}

// Close stops the device and detaches it from the registry. Observers are
// removed after the stream is stopped.
func (d *Device) Close() {
	d.unsubReg()
	d.mu.Lock()
	d.stopLocked()
	d.closed = true
	d.mu.Unlock()
	d.observers.Clear()
}
