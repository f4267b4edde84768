package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/parlancehq/parlance/pkg/audio"
)

// ErrBackendNotRegistered is returned by [Registry.OpenDevice] when no
// factory has been registered under the requested backend name.
var ErrBackendNotRegistered = errors.New("config: audio backend not registered")

// Registry maps audio backend names to their device constructors. The main
// package registers the backends it was built with; tests register mocks.
// It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	backends map[Backend]func(AudioConfig) (audio.Device, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		backends: make(map[Backend]func(AudioConfig) (audio.Device, error)),
	}
}

// RegisterBackend registers a device factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterBackend(name Backend, factory func(AudioConfig) (audio.Device, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[name] = factory
}

// OpenDevice instantiates the audio device selected by cfg.Backend.
// Returns [ErrBackendNotRegistered] if no factory has been registered for
// that name.
func (r *Registry) OpenDevice(cfg AudioConfig) (audio.Device, error) {
	r.mu.RLock()
	factory, ok := r.backends[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrBackendNotRegistered, cfg.Backend)
	}
	return factory(cfg)
}
