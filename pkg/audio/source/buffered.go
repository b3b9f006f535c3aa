package source

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/purrvoice/pkg/audio"
)

// Buffered is a synthetic source: callers queue samples with Write and the
// source delivers them on Tick, or periodically from Run. Samples written
// while the source is stopped are discarded.
type Buffered struct {
	rate      int
	recording atomic.Bool
	observers audio.Observers[audio.Chunk]

	mu      sync.Mutex
	pending []float32
	out     []float32
}

var _ Source = (*Buffered)(nil)

// NewBuffered returns a stopped buffered source delivering at rate Hz.
func NewBuffered(rate int) *Buffered {
	return &Buffered{rate: rate}
}

// Frequency implements [Source].
func (b *Buffered) Frequency() int { return b.rate }

// IsRecording implements [Source].
func (b *Buffered) IsRecording() bool { return b.recording.Load() }

// Start implements [Source].
func (b *Buffered) Start() StartResult {
	if !b.recording.CompareAndSwap(false, true) {
		return AlreadyRecording
	}
	return Success
}

// Stop implements [Source]. Queued samples are dropped.
func (b *Buffered) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recording.Store(false)
	b.pending = b.pending[:0]
}

// OnSampleReady implements [Source].
func (b *Buffered) OnSampleReady(fn func(audio.Chunk)) func() {
	return b.observers.Subscribe(fn)
}

// Write queues a copy of samples for the next Tick.
func (b *Buffered) Write(samples []float32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.recording.Load() {
		return
	}
	b.pending = append(b.pending, samples...)
}

// Pending returns the number of queued samples.
func (b *Buffered) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Tick delivers everything queued since the previous Tick as one chunk and
// reports whether anything was delivered.
func (b *Buffered) Tick() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.recording.Load() || len(b.pending) == 0 {
		return false
	}
	b.out = append(b.out[:0], b.pending...)
	b.pending = b.pending[:0]
	b.observers.Notify(audio.Chunk{Samples: b.out, SampleRate: b.rate})
	return true
}

// Run calls Tick every interval until ctx is done.
func (b *Buffered) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			b.Tick()
		}
	}
}
