package provider

import (
	"github.com/repograph/repograph/pkg/types"
)

// DocChunker splits prose into heading-bounded section chunks.
// Implementations must be pure functions of content: identical input
// always yields identical chunk sets.
type DocChunker interface {
	// Name returns the chunker name (e.g., "markdown").
	Name() string

	// Chunk splits a document body into prose chunks.
	Chunk(doc *types.Document, content []byte) ([]*types.Chunk, error)
}

// CodeChunker splits source into function-level units, or fixed
// overlapping windows where no parseable boundary exists.
type CodeChunker interface {
	// Name returns the chunker name (e.g., "treesitter", "window").
	Name() string

	// Chunk splits file content into code chunks.
	Chunk(path, language string, content []byte) ([]*types.Chunk, error)

	// SupportsLanguage reports whether a parser exists for the language.
	SupportsLanguage(lang string) bool

	// Close releases any resources.
	Close() error
}

// ChunkingConfig contains configuration for chunking strategies.
type ChunkingConfig struct {
	Strategy    string // "treesitter", "window"
	MinSection  int    // Minimum prose section length in chars
	WindowLines int    // Window size for the fallback chunker
	Overlap     int    // Window overlap in lines
}
