package app

import (
	"errors"
	"log/slog"

	"github.com/MrWong99/purrvoice/internal/config"
	"github.com/MrWong99/purrvoice/pkg/audio/portaudio"
	"github.com/MrWong99/purrvoice/pkg/audio/source"
)

// Backend names registered by [RegisterBuiltinBackends].
const (
	BackendPortAudio = "portaudio"
	BackendNone      = "none"
)

// ErrNoOutput is returned by the headless backend for every output.
var ErrNoOutput = errors.New("app: headless backend has no playback devices")

// RegisterBuiltinBackends wires the audio backends that ship with PurrVoice
// into reg.
func RegisterBuiltinBackends(reg *config.Registry) {
	reg.RegisterBackend(BackendPortAudio, func(_ config.VoiceConfig, logger *slog.Logger) (config.AudioBackend, error) {
		b, err := portaudio.New(logger)
		if err != nil {
			return nil, err
		}
		return portaudioBackend{b}, nil
	})
	reg.RegisterBackend(BackendNone, func(config.VoiceConfig, *slog.Logger) (config.AudioBackend, error) {
		return headless{}, nil
	})
}

// portaudioBackend narrows OpenOutput to the registry's interface.
type portaudioBackend struct {
	*portaudio.Backend
}

func (b portaudioBackend) OpenOutput(id string) (config.OutputDevice, error) {
	out, err := b.Backend.OpenOutput(id)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// headless is a backend without devices, for relays that only forward.
type headless struct{}

var _ config.AudioBackend = headless{}

func (headless) Devices() ([]source.DeviceInfo, error) { return nil, nil }
func (headless) Permitted() bool                        { return true }

func (headless) OpenCapture(source.DeviceInfo, int, func([]float32)) (source.Stream, error) {
	return nil, source.ErrDeviceNotFound
}

func (headless) OpenOutput(string) (config.OutputDevice, error) { return nil, ErrNoOutput }
func (headless) Close() error                                   { return nil }
