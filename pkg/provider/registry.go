package provider

import (
	"fmt"
	"sync"
)

// EmbeddingFactory creates an EmbeddingProvider from configuration.
type EmbeddingFactory func(config EmbeddingConfig) (EmbeddingProvider, error)

// CodeChunkerFactory creates a CodeChunker from configuration.
type CodeChunkerFactory func(config ChunkingConfig) (CodeChunker, error)

// GraphStoreFactory creates a GraphStore.
type GraphStoreFactory func() (GraphStore, error)

// Registry holds factories for all provider types.
type Registry struct {
	mu sync.RWMutex

	embeddingFactories   map[string]EmbeddingFactory
	codeChunkerFactories map[string]CodeChunkerFactory
	graphStoreFactories  map[string]GraphStoreFactory
}

// NewRegistry creates a new empty registry.
func NewRegistry() *Registry {
	return &Registry{
		embeddingFactories:   make(map[string]EmbeddingFactory),
		codeChunkerFactories: make(map[string]CodeChunkerFactory),
		graphStoreFactories:  make(map[string]GraphStoreFactory),
	}
}

// RegisterEmbedding registers an embedding provider factory.
func (r *Registry) RegisterEmbedding(name string, factory EmbeddingFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.embeddingFactories[name] = factory
}

// RegisterCodeChunker registers a code chunker factory.
func (r *Registry) RegisterCodeChunker(name string, factory CodeChunkerFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codeChunkerFactories[name] = factory
}

// RegisterGraphStore registers a graph store factory.
func (r *Registry) RegisterGraphStore(name string, factory GraphStoreFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.graphStoreFactories[name] = factory
}

// CreateEmbedding creates an embedding provider by name.
func (r *Registry) CreateEmbedding(name string, config EmbeddingConfig) (EmbeddingProvider, error) {
	r.mu.RLock()
	factory, ok := r.embeddingFactories[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown embedding provider: %s (available: %v)", name, r.ListEmbeddings())
	}
	return factory(config)
}

// CreateCodeChunker creates a code chunker by name.
func (r *Registry) CreateCodeChunker(name string, config ChunkingConfig) (CodeChunker, error) {
	r.mu.RLock()
	factory, ok := r.codeChunkerFactories[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown code chunker: %s (available: %v)", name, r.ListCodeChunkers())
	}
	return factory(config)
}

// CreateGraphStore creates a graph store by name.
func (r *Registry) CreateGraphStore(name string) (GraphStore, error) {
	r.mu.RLock()
	factory, ok := r.graphStoreFactories[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown graph store: %s (available: %v)", name, r.ListGraphStores())
	}
	return factory()
}

// ListEmbeddings returns all registered embedding provider names.
func (r *Registry) ListEmbeddings() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.embeddingFactories))
	for name := range r.embeddingFactories {
		names = append(names, name)
	}
	return names
}

// ListCodeChunkers returns all registered code chunker names.
func (r *Registry) ListCodeChunkers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.codeChunkerFactories))
	for name := range r.codeChunkerFactories {
		names = append(names, name)
	}
	return names
}

// ListGraphStores returns all registered graph store names.
func (r *Registry) ListGraphStores() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.graphStoreFactories))
	for name := range r.graphStoreFactories {
		names = append(names, name)
	}
	return names
}

// HasEmbedding checks if an embedding provider is registered.
func (r *Registry) HasEmbedding(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.embeddingFactories[name]
	return ok
}

// DefaultRegistry is the global default registry.
var DefaultRegistry = NewRegistry()

// RegisterEmbedding registers an embedding provider in the default registry.
func RegisterEmbedding(name string, factory EmbeddingFactory) {
	DefaultRegistry.RegisterEmbedding(name, factory)
}

// RegisterCodeChunker registers a code chunker in the default registry.
func RegisterCodeChunker(name string, factory CodeChunkerFactory) {
	DefaultRegistry.RegisterCodeChunker(name, factory)
}

// RegisterGraphStore registers a graph store in the default registry.
func RegisterGraphStore(name string, factory GraphStoreFactory) {
	DefaultRegistry.RegisterGraphStore(name, factory)
}
