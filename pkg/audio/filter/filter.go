// Package filter implements the staged DSP chain applied to voice audio.
//
// A [Definition] is an immutable description of one algorithm and its
// numeric parameters. A [Chain] is the ordered, replicated list of
// definitions, each tagged with the [Stage] it runs at and a strength in
// [0, 1]. Every audio stream processes samples through its own [Processor],
// which owns the stream's [Instance]s (gate levels, IIR state, denoiser
// sessions) and picks up chain changes at the start of the next chunk.
//
// Built-in kinds are [KindNoiseGate], [KindLowPass], [KindDucking] and
// [KindDenoise]. A filter at strength 0 is skipped entirely, so its output is
// bit-for-bit identical to its input.
package filter

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/MrWong99/purrvoice/pkg/audio/filter/denoise"
)

// Stage is the pipeline position at which a filter runs.
type Stage int

const (
	// StageSender runs on captured audio before it is encoded.
	StageSender Stage = iota

	// StageServer runs on the relay between decode and re-encode.
	StageServer

	// StageReceiver runs on decoded audio before playback.
	StageReceiver
)

// String returns the lower-case stage name.
func (s Stage) String() string {
	switch s {
	case StageSender:
		return "sender"
	case StageServer:
		return "server"
	case StageReceiver:
		return "receiver"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// MarshalText implements [encoding.TextMarshaler].
func (s Stage) MarshalText() ([]byte, error) {
	if s < StageSender || s > StageReceiver {
		return nil, fmt.Errorf("filter: invalid stage %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements [encoding.TextUnmarshaler].
func (s *Stage) UnmarshalText(b []byte) error {
	v, err := ParseStage(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseStage parses a stage name case-insensitively.
func ParseStage(name string) (Stage, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "sender":
		return StageSender, nil
	case "server":
		return StageServer, nil
	case "receiver":
		return StageReceiver, nil
	default:
		return 0, fmt.Errorf("filter: unknown stage %q", name)
	}
}

// Kind identifies a filter algorithm.
type Kind string

const (
	KindNoiseGate Kind = "noise_gate"
	KindLowPass   Kind = "low_pass"
	KindDucking   Kind = "ducking"
	KindDenoise   Kind = "denoise"
)

var (
	// ErrUnknownKind is returned when no definition exists for a kind.
	ErrUnknownKind = errors.New("filter: unknown kind")

	// ErrKindMismatch is returned by Instance.Update when the new definition
	// is of a different kind.
	ErrKindMismatch = errors.New("filter: definition kind mismatch")

	// ErrNotFound is returned when a chain entry id does not exist.
	ErrNotFound = errors.New("filter: entry not found")

	// ErrDuplicate is returned when adding an entry whose id is taken.
	ErrDuplicate = errors.New("filter: duplicate entry id")
)

// Params holds a definition's numeric parameters by name.
type Params map[string]float64

// Get returns the value for key, or def when absent.
func (p Params) Get(key string, def float64) float64 {
	if v, ok := p[key]; ok {
		return v
	}
	return def
}

// Env carries the per-session collaborators filter instances may need.
type Env struct {
	// Monitor reports the level of audio currently being played back. Ducking
	// filters without a monitor never duck.
	Monitor *PlaybackMonitor

	// Denoise resolves the denoise engine. A nil loader makes denoise
	// filters pass audio through.
	Denoise *denoise.Loader

	// OnFallback is called whenever an instance is created in pass-through
	// mode because its backend is unavailable. Optional.
	OnFallback func(Kind)

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

func (e Env) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// Definition is an immutable description of a filter algorithm.
type Definition interface {
	// Kind returns the algorithm identifier.
	Kind() Kind

	// Params returns the definition's parameters in their wire form.
	Params() Params

	// NewInstance creates fresh per-stream state for this definition.
	NewInstance(env Env) (Instance, error)
}

// Instance is the mutable per-stream state of one filter.
//
// An Instance is owned by a single stream and is never called concurrently.
// Process must not allocate once the instance has seen the stream's rate and
// chunk size.
type Instance interface {
	// Process filters buf in place. strength is in [0, 1]; at 0 buf is left
	// untouched.
	Process(buf []float32, sampleRate int, strength float32)

	// Update replaces the instance's parameters, keeping its running state.
	// It returns [ErrKindMismatch] if def is of another kind.
	Update(def Definition) error

	// Close releases any backend resources. It is idempotent.
	Close() error
}

// Decoder builds definitions from their wire form.
type Decoder interface {
	CreateFilter(kind Kind, params Params) (Definition, error)
}

// DecoderFunc adapts a function to [Decoder].
type DecoderFunc func(kind Kind, params Params) (Definition, error)

// CreateFilter implements [Decoder].
func (f DecoderFunc) CreateFilter(kind Kind, params Params) (Definition, error) {
	return f(kind, params)
}

// Builtin decodes the four built-in kinds.
var Builtin Decoder = DecoderFunc(func(kind Kind, params Params) (Definition, error) {
	switch kind {
	case KindNoiseGate:
		return NoiseGateFromParams(params), nil
	case KindLowPass:
		return LowPassFromParams(params), nil
	case KindDucking:
		return DuckingFromParams(params), nil
	case KindDenoise:
		return DenoiseFromParams(params), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
})

// Spec is the serialisable form of a chain entry, used in configuration and
// in replicated updates.
type Spec struct {
	ID       string  `json:"id" yaml:"id"`
	Kind     Kind    `json:"kind" yaml:"kind"`
	Stage    Stage   `json:"stage" yaml:"stage"`
	Strength float32 `json:"strength" yaml:"strength"`
	Params   Params  `json:"params,omitempty" yaml:"params,omitempty"`
}

// Entry is one element of a [Chain].
type Entry struct {
	ID       string
	Def      Definition
	Stage    Stage
	Strength float32
}

// Spec returns the serialisable form of e.
func (e Entry) Spec() Spec {
	return Spec{
		ID:       e.ID,
		Kind:     e.Def.Kind(),
		Stage:    e.Stage,
		Strength: e.Strength,
		Params:   e.Def.Params(),
	}
}

// EntryFromSpec decodes s with dec.
func EntryFromSpec(dec Decoder, s Spec) (Entry, error) {
	def, err := dec.CreateFilter(s.Kind, s.Params)
	if err != nil {
		return Entry{}, fmt.Errorf("filter: entry %q: %w", s.ID, err)
	}
	return Entry{ID: s.ID, Def: def, Stage: s.Stage, Strength: clampStrength(s.Strength)}, nil
}

func clampStrength(s float32) float32 {
	switch {
	case s != s: // NaN
		return 0
	case s < 0:
		return 0
	case s > 1:
		return 1
	default:
		return s
	}
}

func seconds(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}
