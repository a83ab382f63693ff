// Package query is the read-side facade over the graph store. It
// resolves query embeddings, window bounds, and link lookups so
// callers never talk to the store directly.
package query

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/repograph/repograph/internal/metrics"
	"github.com/repograph/repograph/pkg/provider"
	"github.com/repograph/repograph/pkg/types"
)

// DefaultLimit is used when a request does not set one.
const DefaultLimit = 10

// Service answers read queries against an ingested graph.
type Service struct {
	store     provider.GraphStore
	embedding provider.EmbeddingProvider // optional, enables vector search
}

// New creates a query service. The embedding provider may be nil, in
// which case search runs lexical-only.
func New(store provider.GraphStore, embedding provider.EmbeddingProvider) *Service {
	return &Service{store: store, embedding: embedding}
}

// Search runs a windowed hybrid search. When an embedding provider is
// configured the query text is embedded and both evidence channels
// contribute; otherwise results are lexical-only.
func (s *Service) Search(ctx context.Context, req *types.SearchRequest) ([]*types.SearchResult, error) {
	defer metrics.ObserveQuery("search", time.Now())
	if req.Query == "" {
		return nil, fmt.Errorf("query text is required")
	}
	if req.Limit <= 0 {
		req.Limit = DefaultLimit
	}

	if s.embedding != nil && len(req.QueryVec) == 0 {
		vecs, err := s.embedding.Embed(ctx, []string{req.Query})
		if err != nil {
			slog.Warn("query embedding failed, falling back to lexical search", "error", err)
		} else if len(vecs) == 1 {
			req.QueryVec = vecs[0]
		}
	}

	return s.store.Search(ctx, req)
}

// Links returns the strongest derived links for a chunk, typically a
// doc section, with the target chunk resolved for chunk targets.
func (s *Service) Links(ctx context.Context, chunkID string, limit int) ([]*types.ChunkLink, error) {
	defer metrics.ObserveQuery("links", time.Now())
	if limit <= 0 {
		limit = DefaultLimit
	}
	if _, err := s.store.GetChunk(chunkID); err != nil {
		return nil, err
	}
	return s.store.ChunkLinks(ctx, chunkID, limit)
}

// StateAt reconstructs the repository file state as of the given
// instant. A commit hash may be passed instead of a time.
func (s *Service) StateAt(at time.Time) ([]*types.FileState, error) {
	defer metrics.ObserveQuery("state_at", time.Now())
	return s.store.StateAt(at)
}

// StateAtCommit resolves a commit hash to its timestamp and
// reconstructs state as of that commit.
func (s *Service) StateAtCommit(hash string) ([]*types.FileState, error) {
	commit, err := s.store.GetCommit(hash)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve commit %q: %w", hash, err)
	}
	return s.store.StateAt(commit.Timestamp)
}

// FileHistory returns a file's touches in commit-time order.
func (s *Service) FileHistory(path string) ([]*types.Touch, error) {
	touches, err := s.store.TouchesForFile(path)
	if err != nil {
		return nil, err
	}
	if len(touches) == 0 {
		return nil, fmt.Errorf("file %q: %w", path, types.ErrNotFound)
	}
	return touches, nil
}

// Requirement returns one requirement with its implements edges.
func (s *Service) Requirement(key string) (*types.Requirement, []*types.DerivedEdge, error) {
	req, err := s.store.GetRequirement(key)
	if err != nil {
		return nil, nil, err
	}
	all, err := s.store.EdgesByRel(types.RelImplements, 0)
	if err != nil {
		return nil, nil, err
	}
	var edges []*types.DerivedEdge
	for _, e := range all {
		if e.SrcID == key {
			edges = append(edges, e)
		}
	}
	return req, edges, nil
}

// Stats returns a snapshot of graph node and edge counts.
func (s *Service) Stats() (*types.GraphStats, error) {
	return s.store.Stats()
}
