// Package portaudio binds PurrVoice to the host's audio devices through
// PortAudio (github.com/gordonklaus/portaudio).
//
// [Backend] implements [source.Backend] for capture and opens [Output]s that
// implement [playback.Output]. PortAudio keeps process-wide state, so a
// process should hold exactly one Backend and Close it on exit.
package portaudio

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	pa "github.com/gordonklaus/portaudio"

	"github.com/MrWong99/purrvoice/pkg/audio/playback"
	"github.com/MrWong99/purrvoice/pkg/audio/source"
)

// Backend is the PortAudio capture and playback backend.
type Backend struct {
	log *slog.Logger

	mu     sync.Mutex
	closed bool
}

var _ source.Backend = (*Backend)(nil)

// New initialises PortAudio.
func New(logger *slog.Logger) (*Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := pa.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}
	logger.Info("portaudio: initialised", "version", pa.VersionText())
	return &Backend{log: logger}, nil
}

// deviceID identifies a device by host API and name. PortAudio indexes are
// not stable across re-enumeration.
func deviceID(d *pa.DeviceInfo) string {
	if d.HostApi != nil {
		return d.HostApi.Name + "/" + d.Name
	}
	return d.Name
}

func (b *Backend) check() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New("portaudio: backend closed")
	}
	return nil
}

// Devices implements [source.Backend]. Only devices with at least one input
// channel are listed.
func (b *Backend) Devices() ([]source.DeviceInfo, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	all, err := pa.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: list devices: %w", err)
	}
	def, _ := pa.DefaultInputDevice()

	out := make([]source.DeviceInfo, 0, len(all))
	for _, d := range all {
		if d.MaxInputChannels < 1 {
			continue
		}
		out = append(out, source.DeviceInfo{
			ID:                deviceID(d),
			Name:              d.Name,
			DefaultSampleRate: int(d.DefaultSampleRate),
			Channels:          d.MaxInputChannels,
			Default:           def != nil && deviceID(def) == deviceID(d),
		})
	}
	return out, nil
}

// Permitted implements [source.Backend]. PortAudio has no permission model;
// the operating system prompts on first open.
func (b *Backend) Permitted() bool { return b.check() == nil }

func (b *Backend) find(id string, input bool) (*pa.DeviceInfo, error) {
	if id == "" {
		var (
			d   *pa.DeviceInfo
			err error
		)
		if input {
			d, err = pa.DefaultInputDevice()
		} else {
			d, err = pa.DefaultOutputDevice()
		}
		if err != nil {
			return nil, fmt.Errorf("%w: no default device: %v", source.ErrDeviceNotFound, err)
		}
		return d, nil
	}
	all, err := pa.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: list devices: %w", err)
	}
	for _, d := range all {
		if deviceID(d) != id {
			continue
		}
		if (input && d.MaxInputChannels > 0) || (!input && d.MaxOutputChannels > 0) {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", source.ErrDeviceNotFound, id)
}

// OpenCapture implements [source.Backend]. The returned stream delivers mono
// float32 samples at rate to onSamples from PortAudio's callback thread.
func (b *Backend) OpenCapture(dev source.DeviceInfo, rate int, onSamples func([]float32)) (source.Stream, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	d, err := b.find(dev.ID, true)
	if err != nil {
		return nil, err
	}
	params := pa.LowLatencyParameters(d, nil)
	params.Input.Channels = 1
	params.SampleRate = float64(rate)
	params.FramesPerBuffer = pa.FramesPerBufferUnspecified

	stream, err := pa.OpenStream(params, func(in []float32) {
		onSamples(in)
	})
	if err != nil {
		return nil, fmt.Errorf("portaudio: open capture %q at %d Hz: %w", dev.ID, rate, err)
	}
	b.log.Debug("portaudio: capture opened", "device", dev.ID, "rate", rate)
	return stream, nil
}

// OutputDevices lists the ids of devices with at least one output channel.
func (b *Backend) OutputDevices() ([]string, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	all, err := pa.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: list devices: %w", err)
	}
	var ids []string
	for _, d := range all {
		if d.MaxOutputChannels > 0 {
			ids = append(ids, deviceID(d))
		}
	}
	return ids, nil
}

// OpenOutput opens the output device id ("" for the default) at its default
// sample rate.
func (b *Backend) OpenOutput(id string) (*Output, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	d, err := b.find(id, false)
	if err != nil {
		return nil, err
	}
	o := &Output{id: deviceID(d), rate: int(d.DefaultSampleRate)}

	params := pa.LowLatencyParameters(nil, d)
	params.Output.Channels = 1
	params.FramesPerBuffer = pa.FramesPerBufferUnspecified
	stream, err := pa.OpenStream(params, o.callback)
	if err != nil {
		return nil, fmt.Errorf("portaudio: open output %q: %w", o.id, err)
	}
	o.stream = stream
	o.latency = stream.Info().OutputLatency
	b.log.Debug("portaudio: output opened", "device", o.id, "rate", o.rate, "latency", o.latency)
	return o, nil
}

// Close terminates PortAudio. Streams must be closed first.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if err := pa.Terminate(); err != nil {
		return fmt.Errorf("portaudio: terminate: %w", err)
	}
	return nil
}

// Output is a PortAudio playback stream. It implements [playback.Output].
type Output struct {
	id      string
	rate    int
	latency time.Duration
	stream  *pa.Stream

	reader atomic.Pointer[readerBox]

	mu      sync.Mutex
	running bool
}

type readerBox struct{ r playback.Reader }

var _ playback.Output = (*Output)(nil)

func (o *Output) callback(out []float32) {
	box := o.reader.Load()
	if box == nil {
		clear(out)
		return
	}
	box.r.Read(out)
}

// ID returns the device id.
func (o *Output) ID() string { return o.id }

// SampleRate implements [playback.Output].
func (o *Output) SampleRate() int { return o.rate }

// BufferLatency implements [playback.Output].
func (o *Output) BufferLatency() time.Duration { return o.latency }

// Play implements [playback.Output].
func (o *Output) Play(r playback.Reader) error {
	o.reader.Store(&readerBox{r: r})
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return nil
	}
	if err := o.stream.Start(); err != nil {
		return fmt.Errorf("portaudio: start output %q: %w", o.id, err)
	}
	o.running = true
	return nil
}

// Stop implements [playback.Output]. PortAudio's Stop waits for the pending
// callback, so the reader is not called after Stop returns.
func (o *Output) Stop() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.running {
		o.reader.Store(nil)
		return nil
	}
	o.running = false
	err := o.stream.Stop()
	o.reader.Store(nil)
	if err != nil {
		return fmt.Errorf("portaudio: stop output %q: %w", o.id, err)
	}
	return nil
}

// Close stops playback and releases the stream.
func (o *Output) Close() error {
	return errors.Join(o.Stop(), o.stream.Close())
}
