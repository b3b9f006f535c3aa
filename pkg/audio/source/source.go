// Package source abstracts everything that produces voice samples: live
// capture devices, synthetic buffered producers and audio received from the
// network.
//
// Every [Source] follows the same lifecycle, Stopped → Recording → Stopped,
// and delivers [audio.Chunk]s of whatever size its producer hands it.
// Downstream stages re-chunk; nothing here assumes a frame size.
//
// Start never fails hard. It returns a [StartResult], and every result other
// than [Success] is recoverable: retry later or try the next device.
package source

import (
	"fmt"

	"github.com/MrWong99/purrvoice/pkg/audio"
)

// StartResult is the outcome of [Source.Start].
type StartResult int

const (
	// Success means the source is now recording.
	Success StartResult = iota

	// AlreadyRecording means Start was called on a recording source. The
	// source keeps recording.
	AlreadyRecording

	// DeviceNotFound means the bound device is missing or could not be
	// opened.
	DeviceNotFound

	// NoPermission means the platform denies capture.
	NoPermission
)

// String returns a readable name for the result.
func (r StartResult) String() string {
	switch r {
	case Success:
		return "success"
	case AlreadyRecording:
		return "already recording"
	case DeviceNotFound:
		return "device not found"
	case NoPermission:
		return "no permission"
	default:
		return fmt.Sprintf("StartResult(%d)", int(r))
	}
}

// OK reports whether the source is recording after Start returned r.
func (r StartResult) OK() bool { return r == Success || r == AlreadyRecording }

// Source produces mono samples at a known frequency.
type Source interface {
	// Frequency returns the rate of delivered chunks in Hz.
	Frequency() int

	// IsRecording reports whether the source is between a successful Start
	// and Stop.
	IsRecording() bool

	// Start begins recording.
	Start() StartResult

	// Stop ends recording. Stopping a stopped source is a no-op. Once Stop
	// returns no further chunks are delivered.
	Stop()

	// OnSampleReady registers fn for every delivered chunk and returns a
	// function that removes it. The chunk's samples are only valid during
	// the call. fn must not call back into the source.
	OnSampleReady(fn func(audio.Chunk)) (unsubscribe func())
}
