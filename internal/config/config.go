// Package config provides the configuration schema, loader, hot-reload watcher
// and factory registry for PurrVoice.
package config

import (
	"time"

	"github.com/MrWong99/purrvoice/pkg/audio/codec"
	"github.com/MrWong99/purrvoice/pkg/audio/filter"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for PurrVoice.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Voice     VoiceConfig     `yaml:"voice"`
	Relay     RelayConfig     `yaml:"relay"`
	Filters   []filter.Spec   `yaml:"filters"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds the HTTP listener and logging settings. In relay mode
// the listener also accepts participant connections.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":7400").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// VoiceConfig configures the local participant's audio pipeline.
type VoiceConfig struct {
	// ParticipantID is the requested participant id. Empty lets the relay
	// assign one.
	ParticipantID string `yaml:"participant_id"`

	// Controller is the participant allowed to change the shared filter
	// chain. Empty means the relay's participant.
	Controller string `yaml:"controller"`

	// Backend selects the registered audio backend (e.g., "portaudio").
	Backend string `yaml:"backend"`

	// Codec selects the stream codec: "opus" (default) or "pcm16".
	Codec codec.Kind `yaml:"codec"`

	// Bitrate is the Opus target bitrate in bits per second.
	Bitrate int `yaml:"bitrate"`

	// FrameMS is the codec frame duration in milliseconds.
	FrameMS int `yaml:"frame_ms"`

	// MaxFragmentBytes bounds the payload of one network fragment.
	MaxFragmentBytes int `yaml:"max_fragment_bytes"`

	// PlaybackOffset is the jitter margin kept ahead of the device.
	PlaybackOffset time.Duration `yaml:"playback_offset"`

	// ReactiveDevices makes a capture device resume on its own when it
	// reappears after being lost.
	ReactiveDevices bool `yaml:"reactive_devices"`

	// InputDevice is the capture device id. Empty selects the default.
	InputDevice string `yaml:"input_device"`

	// OutputDevices lists the playback device ids. Empty selects the
	// default device.
	OutputDevices []string `yaml:"output_devices"`

	// Loopback plays the local capture back after the sender filters.
	Loopback bool `yaml:"loopback"`

	// Muted starts the participant muted.
	Muted bool `yaml:"muted"`

	// MonitorHalfLife is the decay half-life of the playback level seen by
	// ducking filters.
	MonitorHalfLife time.Duration `yaml:"monitor_half_life"`
}

// FrameDuration returns the configured frame duration, or zero for the
// codec default.
func (v VoiceConfig) FrameDuration() time.Duration {
	return time.Duration(v.FrameMS) * time.Millisecond
}

// CodecOptions translates the codec settings into [codec.Option]s.
func (v VoiceConfig) CodecOptions() []codec.Option {
	var opts []codec.Option
	if v.Bitrate > 0 {
		opts = append(opts, codec.WithBitrate(v.Bitrate))
	}
	if d := v.FrameDuration(); d > 0 {
		opts = append(opts, codec.WithFrameDuration(d))
	}
	return opts
}

// RelayConfig describes how a client reaches the relay and whether the relay
// process takes part in the conversation itself.
type RelayConfig struct {
	// URL is the relay's websocket endpoint (e.g., "ws://host:7400/voice").
	// Used in client mode.
	URL string `yaml:"url"`

	// Participate makes the relay process join the room as a hosted
	// participant with its own capture and playback.
	Participate bool `yaml:"participate"`

	// ReconnectBackoff is the initial delay between reconnection attempts.
	ReconnectBackoff time.Duration `yaml:"reconnect_backoff"`

	// MaxBackoff caps the reconnection delay.
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// TelemetryConfig configures observability.
type TelemetryConfig struct {
	// ServiceName labels exported metrics and traces. Defaults to "purrvoice".
	ServiceName string `yaml:"service_name"`

	// TraceSampleRatio is the fraction of new traces sampled, in [0, 1].
	// Zero samples everything.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}
