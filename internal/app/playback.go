package app

import (
	"errors"
	"fmt"

	"github.com/MrWong99/purrvoice/internal/config"
	"github.com/MrWong99/purrvoice/internal/observe"
	"github.com/MrWong99/purrvoice/internal/voice"
	"github.com/MrWong99/purrvoice/pkg/audio/filter"
	"github.com/MrWong99/purrvoice/pkg/audio/playback"
	"github.com/MrWong99/purrvoice/pkg/audio/transport"
)

var dropReasons = []transport.DropReason{
	transport.DropOutOfOrder,
	transport.DropIncomplete,
	transport.DropStale,
}

// sinkTotals accumulates the counters of closed sinks.
type sinkTotals struct {
	underrun, overflow, silence, trimmed uint64
}

func (t *sinkTotals) add(s playback.Stats) {
	t.underrun += s.Starved
	t.overflow += s.Overflow
	t.silence += s.SilenceFilled
	t.trimmed += s.Trimmed
}

// devicePlayback plays one participant on every configured output device and
// owns the devices.
type devicePlayback struct {
	*playback.Multi
	devices []config.OutputDevice
	release func(*devicePlayback)
}

// Close stops the sinks, then closes the devices.
func (p *devicePlayback) Close() error {
	errs := []error{p.Multi.Close()}
	for _, d := range p.devices {
		errs = append(errs, d.Close())
	}
	p.release(p)
	return errors.Join(errs...)
}

// newPlayback opens the configured outputs for participant. A backend
// without outputs yields no playback, so the participant is not heard.
func (a *App) newPlayback(participant string, monitor *filter.PlaybackMonitor) (voice.Playback, error) {
	ids := a.cfg.Voice.OutputDevices
	if len(ids) == 0 {
		ids = []string{""}
	}

	devices := make([]config.OutputDevice, 0, len(ids))
	outputs := make([]playback.Output, 0, len(ids))
	for _, id := range ids {
		d, err := a.backend.OpenOutput(id)
		if err != nil {
			for _, opened := range devices {
				_ = opened.Close()
			}
			if errors.Is(err, ErrNoOutput) {
				return nil, nil
			}
			return nil, fmt.Errorf("app: open output %q: %w", id, err)
		}
		devices = append(devices, d)
		outputs = append(outputs, d)
	}

	opts := []playback.SinkOption{
		playback.WithMonitor(monitor),
		playback.WithSinkLogger(a.log.With("participant", participant)),
	}
	if off := a.cfg.Voice.PlaybackOffset; off > 0 {
		opts = append(opts, playback.WithPlaybackOffset(off))
	}
	p := &devicePlayback{
		Multi:   playback.NewMulti(outputs, opts...),
		devices: devices,
		release: a.releasePlayback,
	}

	a.mu.Lock()
	a.playbacks[p] = struct{}{}
	a.mu.Unlock()
	return p, nil
}

func (a *App) releasePlayback(p *devicePlayback) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.playbacks[p]; !ok {
		return
	}
	delete(a.playbacks, p)
	for _, s := range p.Sinks() {
		a.pastSinks.add(s.Stats())
	}
}

// snapshot gathers the pipeline counters for metric collection.
func (a *App) snapshot() observe.Snapshot {
	snap := observe.Snapshot{Dropped: make(map[string]map[string]uint64)}

	if a.relay != nil {
		st := a.relay.Stats()
		snap.RelayedFrames = st.Frames
		snap.MalformedPackets = st.Malformed
		snap.SpoofedPackets = st.Spoofed
		relay := make(map[string]uint64, len(dropReasons))
		for _, r := range dropReasons {
			relay[string(r)] = a.relay.Dropped(r)
		}
		snap.Dropped["relay"] = relay
	}

	a.mu.Lock()
	sess := a.sess
	totals := a.pastSinks
	for p := range a.playbacks {
		for _, s := range p.Sinks() {
			totals.add(s.Stats())
		}
	}
	receiver := make(map[string]uint64, len(dropReasons))
	for _, r := range dropReasons {
		receiver[string(r)] = a.pastDropped[r]
	}
	a.mu.Unlock()

	if sess != nil {
		for _, r := range dropReasons {
			receiver[string(r)] += sess.Receiver().Dropped(r)
		}
	}
	snap.Dropped["receiver"] = receiver
	snap.UnderrunSamples = totals.underrun
	snap.OverflowSamples = totals.overflow
	snap.SilenceSamples = totals.silence
	snap.TrimmedSamples = totals.trimmed
	return snap
}
