// Package resolvers holds the change resolvers that merge vN deltas into stored file content.
package resolvers

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrMerge marks a delta the resolver refused to apply. It is a permanent failure.
var ErrMerge = errors.New("resolvers: merge rejected")

var (
	errMissingResolverName = errors.New("resolvers: resolver name required")
	errDuplicateResolver   = errors.New("resolvers: duplicate resolver name")
)

// ChangeResolver validates and merges content for one mutable file type.
// Implementations are pure functions over byte buffers.
type ChangeResolver interface {
	Name() string
	// ValidV0 reports whether contents is acceptable as the initial version.
	ValidV0(contents []byte) bool
	// ValidUpload reports whether delta is acceptable as a change.
	ValidUpload(delta []byte) bool
	// Apply merges delta into current. Rejections wrap ErrMerge.
	Apply(current, delta []byte) ([]byte, error)
}

// Registry maps resolver names to implementations. It is immutable after construction.
type Registry struct {
	resolvers map[string]ChangeResolver
}

// NewRegistry registers resolvers by name.
func NewRegistry(resolvers ...ChangeResolver) (*Registry, error) {
	registry := &Registry{resolvers: make(map[string]ChangeResolver, len(resolvers))}
	for _, resolver := range resolvers {
		name := strings.TrimSpace(resolver.Name())
		if name == "" {
			return nil, errMissingResolverName
		}
		if _, exists := registry.resolvers[name]; exists {
			return nil, fmt.Errorf("%w: %s", errDuplicateResolver, name)
		}
		registry.resolvers[name] = resolver
	}
	return registry, nil
}

// DefaultRegistry returns the built-in resolvers.
func DefaultRegistry() *Registry {
	registry, err := NewRegistry(CommentFile{}, MediaAttributes{})
	if err != nil {
		panic(err)
	}
	return registry
}

// Lookup returns the resolver registered under name.
func (r *Registry) Lookup(name string) (ChangeResolver, bool) {
	if r == nil {
		return nil, false
	}
	resolver, ok := r.resolvers[strings.TrimSpace(name)]
	return resolver, ok
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.resolvers))
	for name := range r.resolvers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
