package playback

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/purrvoice/pkg/audio"
)

// Multi plays one stream on several outputs. Each output gets its own
// [Sink], so devices with different rates and latencies keep independent
// lags.
type Multi struct {
	sinks []*Sink
}

// NewMulti creates one sink per output, all sharing opts.
func NewMulti(outputs []Output, opts ...SinkOption) *Multi {
	m := &Multi{sinks: make([]*Sink, len(outputs))}
	for i, out := range outputs {
		m.sinks[i] = NewSink(out, opts...)
	}
	return m
}

// Sinks returns the per-output sinks.
func (m *Multi) Sinks() []*Sink { return m.sinks }

// Write forwards chunk to every sink.
func (m *Multi) Write(chunk audio.Chunk) {
	for _, s := range m.sinks {
		s.Write(chunk)
	}
}

// Tick ticks every sink.
func (m *Multi) Tick() {
	for _, s := range m.sinks {
		s.Tick()
	}
}

// Run ticks every sink every interval until ctx is done.
func (m *Multi) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.Tick()
		}
	}
}

// Close closes every sink.
func (m *Multi) Close() error {
	var errs []error
	for _, s := range m.sinks {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}
