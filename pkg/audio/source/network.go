package source

import (
	"sync/atomic"

	"github.com/MrWong99/purrvoice/pkg/audio"
)

// Network is the source side of a remote participant's decoded audio. The
// transport calls Deliver; the source republishes to its observers while
// recording.
type Network struct {
	rate      atomic.Int64
	recording atomic.Bool
	observers audio.Observers[audio.Chunk]
}

var _ Source = (*Network)(nil)

// NewNetwork returns a stopped network source announced at rate Hz.
func NewNetwork(rate int) *Network {
	n := &Network{}
	n.rate.Store(int64(rate))
	return n
}

// Frequency implements [Source].
func (n *Network) Frequency() int { return int(n.rate.Load()) }

// SetFrequency records a renegotiated stream rate.
func (n *Network) SetFrequency(rate int) { n.rate.Store(int64(rate)) }

// IsRecording implements [Source].
func (n *Network) IsRecording() bool { return n.recording.Load() }

// Start implements [Source].
func (n *Network) Start() StartResult {
	if !n.recording.CompareAndSwap(false, true) {
		return AlreadyRecording
	}
	return Success
}

// Stop implements [Source].
func (n *Network) Stop() { n.recording.Store(false) }

// OnSampleReady implements [Source].
func (n *Network) OnSampleReady(fn func(audio.Chunk)) func() {
	return n.observers.Subscribe(fn)
}

// Deliver publishes decoded samples at rate. It is dropped while stopped.
func (n *Network) Deliver(samples []float32, rate int) {
	if !n.recording.Load() {
		return
	}
	if rate > 0 {
		n.rate.Store(int64(rate))
	}
	n.observers.Notify(audio.Chunk{Samples: samples, SampleRate: n.Frequency()})
}
