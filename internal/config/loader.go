package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/purrvoice/pkg/audio/codec"
	"github.com/MrWong99/purrvoice/pkg/audio/filter"
	"github.com/MrWong99/purrvoice/pkg/audio/transport"
)

// ValidFrameMS lists the accepted codec frame durations in milliseconds.
var ValidFrameMS = []int{10, 20, 40, 60}

// KnownFilterKinds lists the built-in filter kinds. Used by [Validate] to warn
// about kinds that need a registered third-party factory.
var KnownFilterKinds = []filter.Kind{
	filter.KindNoiseGate,
	filter.KindLowPass,
	filter.KindDucking,
	filter.KindDenoise,
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadBytes(data []byte) (*Config, error) {
	return LoadFromReader(bytes.NewReader(data))
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Voice
	v := cfg.Voice
	switch v.Codec {
	case "", codec.KindOpus, codec.KindPCM16:
	default:
		errs = append(errs, fmt.Errorf("voice.codec %q is invalid; valid values: opus, pcm16", v.Codec))
	}
	if v.Bitrate < 0 || (v.Bitrate > 0 && (v.Bitrate < 6000 || v.Bitrate > 510000)) {
		errs = append(errs, fmt.Errorf("voice.bitrate %d is out of range [6000, 510000]", v.Bitrate))
	}
	if v.FrameMS != 0 && !slices.Contains(ValidFrameMS, v.FrameMS) {
		errs = append(errs, fmt.Errorf("voice.frame_ms %d is invalid; valid values: %v", v.FrameMS, ValidFrameMS))
	}
	if v.MaxFragmentBytes < 0 || v.MaxFragmentBytes > transport.MaxFragmentPayload {
		errs = append(errs, fmt.Errorf("voice.max_fragment_bytes %d is out of range [1, %d]", v.MaxFragmentBytes, transport.MaxFragmentPayload))
	}
	if v.PlaybackOffset < 0 {
		errs = append(errs, fmt.Errorf("voice.playback_offset %s is negative", v.PlaybackOffset))
	}
	if v.MonitorHalfLife < 0 {
		errs = append(errs, fmt.Errorf("voice.monitor_half_life %s is negative", v.MonitorHalfLife))
	}
	if len(v.ParticipantID) > transport.MaxOriginLen {
		errs = append(errs, fmt.Errorf("voice.participant_id is longer than %d bytes", transport.MaxOriginLen))
	}

	// Relay
	if cfg.Relay.ReconnectBackoff < 0 {
		errs = append(errs, fmt.Errorf("relay.reconnect_backoff %s is negative", cfg.Relay.ReconnectBackoff))
	}
	if cfg.Relay.MaxBackoff != 0 && cfg.Relay.MaxBackoff < cfg.Relay.ReconnectBackoff {
		errs = append(errs, fmt.Errorf("relay.max_backoff %s is below relay.reconnect_backoff %s", cfg.Relay.MaxBackoff, cfg.Relay.ReconnectBackoff))
	}

	// Telemetry
	if r := cfg.Telemetry.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("telemetry.trace_sample_ratio %.2f is out of range [0, 1]", r))
	}

	// Filters
	seen := make(map[string]int, len(cfg.Filters))
	for i, f := range cfg.Filters {
		prefix := fmt.Sprintf("filters[%d]", i)
		if f.ID == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", prefix))
		} else {
			if prev, ok := seen[f.ID]; ok {
				errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of filters[%d]", prefix, f.ID, prev))
			}
			seen[f.ID] = i
		}
		if f.Kind == "" {
			errs = append(errs, fmt.Errorf("%s.kind is required", prefix))
		} else if !slices.Contains(KnownFilterKinds, f.Kind) {
			slog.Warn("unknown filter kind; it must be registered before the session starts",
				"filter", f.ID,
				"kind", f.Kind,
				"known", KnownFilterKinds,
			)
		}
		if f.Strength < 0 || f.Strength > 1 {
			errs = append(errs, fmt.Errorf("%s.strength %.2f is out of range [0, 1]", prefix, f.Strength))
		}
	}

	return errors.Join(errs...)
}
