package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/harkaudio/hark/pkg/audio"
	"github.com/harkaudio/hark/pkg/recognizer"
)

// ErrNotRegistered is returned by Create* methods when no factory has been
// registered under the requested name.
var ErrNotRegistered = errors.New("config: backend not registered")

// Registry maps names to constructor functions for capture sources and
// recognition backends. It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	capture    map[string]func(CaptureConfig) (audio.CaptureSource, error)
	recognizer map[string]func(BackendEntry) (recognizer.Provider, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		capture:    make(map[string]func(CaptureConfig) (audio.CaptureSource, error)),
		recognizer: make(map[string]func(BackendEntry) (recognizer.Provider, error)),
	}
}

// RegisterCapture registers a capture source factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterCapture(name string, factory func(CaptureConfig) (audio.CaptureSource, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capture[name] = factory
}

// RegisterRecognizer registers a recognition backend factory under name.
func (r *Registry) RegisterRecognizer(name string, factory func(BackendEntry) (recognizer.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recognizer[name] = factory
}

// CreateCapture instantiates a capture source using the factory registered
// under cfg.Input. Returns [ErrNotRegistered] if no factory has been
// registered for that name.
func (r *Registry) CreateCapture(cfg CaptureConfig) (audio.CaptureSource, error) {
	r.mu.RLock()
	factory, ok := r.capture[cfg.Input]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: capture/%q", ErrNotRegistered, cfg.Input)
	}
	return factory(cfg)
}

// CreateRecognizer instantiates a recognition backend using the factory
// registered under entry.Name.
func (r *Registry) CreateRecognizer(entry BackendEntry) (recognizer.Provider, error) {
	r.mu.RLock()
	factory, ok := r.recognizer[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: recognizer/%q", ErrNotRegistered, entry.Name)
	}
	return factory(entry)
}
