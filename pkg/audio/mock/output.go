package mock

import (
	"sync"
	"time"

	"github.com/MrWong99/purrvoice/pkg/audio/playback"
)

// ─── Output ───────────────────────────────────────────────────────────────────

// Output is a mock [playback.Output]. Nothing pulls on its own; tests drive
// the device clock with Pull.
type Output struct {
	mu sync.Mutex

	// Rate is returned by SampleRate. Defaults to 48000 if zero.
	Rate int

	// Latency is returned by BufferLatency.
	Latency time.Duration

	// PlayError is returned by Play.
	PlayError error

	// CallCountPlay records how many times Play was called.
	CallCountPlay int

	// CallCountStop records how many times Stop was called.
	CallCountStop int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	reader playback.Reader
}

var _ playback.Output = (*Output)(nil)

// SampleRate implements [playback.Output].
func (o *Output) SampleRate() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.Rate == 0 {
		return 48000
	}
	return o.Rate
}

// BufferLatency implements [playback.Output].
func (o *Output) BufferLatency() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.Latency
}

// Play implements [playback.Output]. Records the call and keeps r for Pull.
func (o *Output) Play(r playback.Reader) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CallCountPlay++
	if o.PlayError != nil {
		return o.PlayError
	}
	o.reader = r
	return nil
}

// Stop implements [playback.Output].
func (o *Output) Stop() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CallCountStop++
	o.reader = nil
	return nil
}

// Playing reports whether a reader is attached.
func (o *Output) Playing() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.reader != nil
}

// Pull simulates one device callback of n samples. It returns nil when the
// output is not playing.
func (o *Output) Pull(n int) []float32 {
	o.mu.Lock()
	r := o.reader
	o.mu.Unlock()
	if r == nil {
		return nil
	}
	buf := make([]float32, n)
	r.Read(buf)
	return buf
}

// Close records the call and detaches the reader.
func (o *Output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CallCountClose++
	o.reader = nil
	return nil
}
