package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/aircast-audio/aircast/pkg/audio"
)

// ErrEnhancerNotRegistered is returned by [Registry.CreateEnhancer] when no
// factory has been registered under the requested mode.
var ErrEnhancerNotRegistered = errors.New("config: enhancer not registered")

// Registry maps enhancer modes to their constructor functions. It is safe
// for concurrent use. The server registers all built-in backends at startup;
// tests register fakes.
type Registry struct {
	mu        sync.RWMutex
	enhancers map[EnhancerMode]func(EnhancerConfig) (audio.Enhancer, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		enhancers: make(map[EnhancerMode]func(EnhancerConfig) (audio.Enhancer, error)),
	}
}

// RegisterEnhancer registers an enhancer factory under mode.
// Subsequent calls with the same mode overwrite the previous registration.
func (r *Registry) RegisterEnhancer(mode EnhancerMode, factory func(EnhancerConfig) (audio.Enhancer, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enhancers[mode] = factory
}

// CreateEnhancer instantiates an enhancer using the factory registered under
// cfg.Mode. Returns [ErrEnhancerNotRegistered] if no factory has been
// registered for that mode.
func (r *Registry) CreateEnhancer(cfg EnhancerConfig) (audio.Enhancer, error) {
	r.mu.RLock()
	factory, ok := r.enhancers[cfg.Mode]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrEnhancerNotRegistered, cfg.Mode)
	}
	return factory(cfg)
}
