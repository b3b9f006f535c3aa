package config

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/purrvoice/pkg/audio/filter"
	"github.com/MrWong99/purrvoice/pkg/audio/playback"
	"github.com/MrWong99/purrvoice/pkg/audio/source"
)

// ErrFilterNotRegistered is returned by [Registry.CreateFilter] when no
// factory has been registered under the requested kind.
var ErrFilterNotRegistered = errors.New("config: filter kind not registered")

// ErrBackendNotRegistered is returned by [Registry.CreateBackend] when no
// factory has been registered under the requested name.
var ErrBackendNotRegistered = errors.New("config: audio backend not registered")

// OutputDevice is an open playback device.
type OutputDevice interface {
	playback.Output

	// Close releases the device. The output must be stopped first.
	Close() error
}

// AudioBackend is a host audio API providing capture and playback.
type AudioBackend interface {
	source.Backend

	// OpenOutput opens the playback device id ("" for the default).
	OpenOutput(id string) (OutputDevice, error)

	// Close releases the backend. Every stream must be closed first.
	Close() error
}

// FilterFactory builds a filter definition from its parameters.
type FilterFactory func(params filter.Params) (filter.Definition, error)

// BackendFactory builds an audio backend.
type BackendFactory func(cfg VoiceConfig, logger *slog.Logger) (AudioBackend, error)

// Registry maps filter kinds and audio backend names to their constructors.
// It is safe for concurrent use and implements [filter.Decoder], so it can
// be handed straight to a chain replica.
type Registry struct {
	mu       sync.RWMutex
	filters  map[filter.Kind]FilterFactory
	backends map[string]BackendFactory
}

var _ filter.Decoder = (*Registry)(nil)

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		filters:  make(map[filter.Kind]FilterFactory),
		backends: make(map[string]BackendFactory),
	}
}

// NewDefaultRegistry returns a registry with the built-in filter kinds.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	for _, k := range KnownFilterKinds {
		r.RegisterFilter(k, func(p filter.Params) (filter.Definition, error) {
			return filter.Builtin.CreateFilter(k, p)
		})
	}
	return r
}

// RegisterFilter registers a filter factory under kind.
// Subsequent calls with the same kind overwrite the previous registration.
func (r *Registry) RegisterFilter(kind filter.Kind, factory FilterFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.filters[kind] = factory
}

// RegisterBackend registers an audio backend factory under name.
func (r *Registry) RegisterBackend(name string, factory BackendFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[name] = factory
}

// CreateFilter implements [filter.Decoder].
// Returns [ErrFilterNotRegistered] if no factory has been registered for kind.
func (r *Registry) CreateFilter(kind filter.Kind, params filter.Params) (filter.Definition, error) {
	r.mu.RLock()
	factory, ok := r.filters[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrFilterNotRegistered, kind)
	}
	return factory(params)
}

// CreateBackend instantiates the audio backend registered under cfg.Backend.
func (r *Registry) CreateBackend(cfg VoiceConfig, logger *slog.Logger) (AudioBackend, error) {
	r.mu.RLock()
	factory, ok := r.backends[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrBackendNotRegistered, cfg.Backend)
	}
	return factory(cfg, logger)
}
