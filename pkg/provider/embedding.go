// Package provider defines interfaces for pluggable components.
package provider

import (
	"context"
)

// EmbeddingProvider generates vector embeddings from text. It is the
// black-box text→vector function consumed by the embedding pass.
type EmbeddingProvider interface {
	// Name returns the provider name (e.g., "openai", "plugin").
	Name() string

	// Embed generates embeddings for the given texts.
	// Returns a slice of embeddings, one for each input text.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the embedding dimension size.
	Dimensions() int

	// MaxBatchSize returns the maximum number of texts per batch.
	// This is the capability probe used to size embedding calls.
	MaxBatchSize() int

	// MaxInputChars returns the largest input the service accepts.
	// Over-length text is truncated to this, never skipped.
	MaxInputChars() int

	// Close releases any resources.
	Close() error
}

// EmbeddingConfig contains configuration for embedding providers.
type EmbeddingConfig struct {
	Provider  string // "openai", "plugin"
	Model     string // Model name
	Endpoint  string // API endpoint override
	APIKey    string // API key
	BatchSize int    // Documents per batch
	PluginCmd string // Path to plugin binary (for "plugin")
}
