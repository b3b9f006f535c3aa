package portaudio_test

import (
	"errors"
	"testing"

	"github.com/MrWong99/purrvoice/pkg/audio/portaudio"
	"github.com/MrWong99/purrvoice/pkg/audio/source"
)

// These tests need a PortAudio runtime; hosts without one skip them.
func newBackend(t *testing.T) *portaudio.Backend {
	t.Helper()
	b, err := portaudio.New(nil)
	if err != nil {
		t.Skipf("portaudio unavailable: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestBackend_DevicesAreInputs(t *testing.T) {
	b := newBackend(t)
	devs, err := b.Devices()
	if err != nil {
		t.Fatalf("Devices: %v", err)
	}
	defaults := 0
	for _, d := range devs {
		if d.Channels < 1 {
			t.Errorf("device %q listed with %d input channels", d.ID, d.Channels)
		}
		if d.Default {
			defaults++
		}
	}
	if defaults > 1 {
		t.Errorf("%d devices marked default", defaults)
	}
}

func TestBackend_UnknownDevice(t *testing.T) {
	b := newBackend(t)
	_, err := b.OpenCapture(source.DeviceInfo{ID: "no such host/no such device"}, 48000, func([]float32) {})
	if !errors.Is(err, source.ErrDeviceNotFound) {
		t.Errorf("OpenCapture = %v, want ErrDeviceNotFound", err)
	}
	if _, err := b.OpenOutput("no such host/no such device"); !errors.Is(err, source.ErrDeviceNotFound) {
		t.Errorf("OpenOutput = %v, want ErrDeviceNotFound", err)
	}
}

func TestBackend_ClosedRejects(t *testing.T) {
	b := newBackend(t)
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if b.Permitted() {
		t.Error("closed backend reports permission")
	}
	if _, err := b.Devices(); err == nil {
		t.Error("Devices on closed backend succeeded")
	}
}
