package provider

import (
	"context"
	"time"

	"github.com/repograph/repograph/pkg/types"
)

// GraphStore is the property-graph store adapter. All writes use
// merge-by-key semantics so re-running ingestion on unchanged repository
// state produces zero net change.
type GraphStore interface {
	// Name returns the store name (e.g., "sqlitevec").
	Name() string

	// Init opens the store at the given path.
	Init(path string) error

	// ApplySchema creates constraints, property indexes on timestamp
	// fields, and the cosine vector index for the given embedding
	// dimensions. Safe to call repeatedly.
	ApplySchema(dimensions int) error

	// Close releases resources.
	Close() error

	// ApplyBatch applies one mutation batch as a single bulk statement
	// scope (one transaction), merging every row by its key.
	ApplyBatch(ctx context.Context, batch *types.Batch) error

	// LastMergedCommit returns the hash recorded by the last completed
	// ordered batch, or "" when nothing has been ingested.
	LastMergedCommit() (string, error)

	// SetLastMergedCommit records the resume point for incremental runs.
	SetLastMergedCommit(hash string) error

	// UnembeddedChunks returns chunks without a vector and without an
	// error marker, up to limit.
	UnembeddedChunks(limit int) ([]*types.Chunk, error)

	// SetChunkEmbeddings persists vectors for the given chunks.
	SetChunkEmbeddings(chunks []*types.Chunk) error

	// MarkChunkEmbedError flags a permanent embedding failure so the
	// chunk is not retried indefinitely.
	MarkChunkEmbedError(id, reason string) error

	// Point reads.
	GetCommit(hash string) (*types.Commit, error)
	GetChunk(id string) (*types.Chunk, error)
	GetRequirement(key string) (*types.Requirement, error)

	// TouchesForFile returns a file's touches in commit-time order.
	TouchesForFile(path string) ([]*types.Touch, error)

	// StateAt reconstructs per-file state as of the given instant from
	// Touch history.
	StateAt(at time.Time) ([]*types.FileState, error)

	// ChunksByKind pages through chunks of one kind, for derivation.
	ChunksByKind(kind types.ChunkKind, limit, offset int) ([]*types.Chunk, error)

	// Requirements returns all requirement nodes.
	Requirements() ([]*types.Requirement, error)

	// CommitsReferencing returns commits whose message contains the
	// token, oldest first.
	CommitsReferencing(token string) ([]*types.Commit, error)

	// LexicalSearch is full-text recall over chunk text and headings.
	LexicalSearch(ctx context.Context, query string, kind types.ChunkKind, limit int) ([]*types.SearchResult, error)

	// VectorSearch is nearest-neighbour recall over chunk embeddings.
	VectorSearch(ctx context.Context, vec []float32, kind types.ChunkKind, limit int) ([]*types.SearchResult, error)

	// Search answers a time/commit-windowed free-text or vector query.
	Search(ctx context.Context, req *types.SearchRequest) ([]*types.SearchResult, error)

	// MergeDerivedEdges upserts evidence-scored edges. Confidence is
	// fused monotonically: an existing edge is never lowered.
	MergeDerivedEdges(ctx context.Context, edges []*types.DerivedEdge) error

	// ChunkLinks returns the top links for a document chunk.
	ChunkLinks(ctx context.Context, chunkID string, limit int) ([]*types.ChunkLink, error)

	// EdgesByRel returns derived edges of one relationship kind.
	EdgesByRel(rel types.RelKind, limit int) ([]*types.DerivedEdge, error)

	// Stats returns node and edge counts.
	Stats() (*types.GraphStats, error)

	// SchemaTables lists present tables, for the schema probe.
	SchemaTables() ([]string, error)

	// OrphanChunkCount counts chunks whose owner no longer exists.
	// Orphans are reported, never implicitly deleted.
	OrphanChunkCount() (int64, error)
}
