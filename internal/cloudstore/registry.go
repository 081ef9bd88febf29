package cloudstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

var (
	errDuplicateBackend = errors.New("cloudstore: backend already registered")
	errUnknownBackend   = errors.New("cloudstore: unknown backend")
)

// BackendConfig carries the settings every backend factory may read.
type BackendConfig struct {
	DiskRoot string
	S3       S3Config
}

// Factory opens a backend.
type Factory func(ctx context.Context, cfg BackendConfig) (Store, error)

// Registry maps backend names to factories.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry knows the disk and s3 backends.
func DefaultRegistry() *Registry {
	registry := NewRegistry()
	_ = registry.Register(BackendDisk, openDisk)
	_ = registry.Register(BackendS3, openS3)
	return registry
}

// Register adds a backend factory under name.
func (r *Registry) Register(name string, factory Factory) error {
	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("%w: %s", errDuplicateBackend, name)
	}
	r.factories[name] = factory
	return nil
}

// Open builds the named backend.
func (r *Registry) Open(ctx context.Context, name string, cfg BackendConfig) (Store, error) {
	factory, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s (known: %v)", errUnknownBackend, name, r.names())
	}
	return factory(ctx, cfg)
}

func (r *Registry) names() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
