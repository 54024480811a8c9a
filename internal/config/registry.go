package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/murmurlink/murmurlink/pkg/audio"
	"github.com/murmurlink/murmurlink/pkg/provider/speech"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	audio  map[string]func(CaptureConfig) (audio.Platform, error)
	speech map[string]func(ProviderEntry) (speech.Provider, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		audio:  make(map[string]func(CaptureConfig) (audio.Platform, error)),
		speech: make(map[string]func(ProviderEntry) (speech.Provider, error)),
	}
}

// RegisterAudio registers an audio platform factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterAudio(name string, factory func(CaptureConfig) (audio.Platform, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audio[name] = factory
}

// RegisterSpeech registers a speech provider factory under name.
func (r *Registry) RegisterSpeech(name string, factory func(ProviderEntry) (speech.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.speech[name] = factory
}

// CreateAudio instantiates an audio platform using the factory registered
// under cfg.Platform. Returns [ErrProviderNotRegistered] if no factory has
// been registered for that name.
func (r *Registry) CreateAudio(cfg CaptureConfig) (audio.Platform, error) {
	r.mu.RLock()
	factory, ok := r.audio[cfg.Platform]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: audio/%q", ErrProviderNotRegistered, cfg.Platform)
	}
	return factory(cfg)
}

// CreateSpeech instantiates a speech provider using the factory registered
// under entry.Name.
func (r *Registry) CreateSpeech(entry ProviderEntry) (speech.Provider, error) {
	r.mu.RLock()
	factory, ok := r.speech[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: speech/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}
