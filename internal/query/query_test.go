package query

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/repograph/repograph/pkg/provider"
	"github.com/repograph/repograph/pkg/types"
)

type queryStore struct {
	provider.GraphStore

	chunks   map[string]*types.Chunk
	commits  map[string]*types.Commit
	touches  map[string][]*types.Touch
	reqs     map[string]*types.Requirement
	edges    []*types.DerivedEdge
	links    []*types.ChunkLink
	lastReq  *types.SearchRequest
	stateAts []time.Time
}

func (s *queryStore) Search(_ context.Context, req *types.SearchRequest) ([]*types.SearchResult, error) {
	s.lastReq = req
	return nil, nil
}

func (s *queryStore) GetChunk(id string) (*types.Chunk, error) {
	if c, ok := s.chunks[id]; ok {
		return c, nil
	}
	return nil, types.ErrNotFound
}

func (s *queryStore) GetCommit(hash string) (*types.Commit, error) {
	if c, ok := s.commits[hash]; ok {
		return c, nil
	}
	return nil, types.ErrNotFound
}

func (s *queryStore) GetRequirement(key string) (*types.Requirement, error) {
	if r, ok := s.reqs[key]; ok {
		return r, nil
	}
	return nil, types.ErrNotFound
}

func (s *queryStore) ChunkLinks(_ context.Context, _ string, _ int) ([]*types.ChunkLink, error) {
	return s.links, nil
}

func (s *queryStore) TouchesForFile(path string) ([]*types.Touch, error) {
	return s.touches[path], nil
}

func (s *queryStore) EdgesByRel(rel types.RelKind, _ int) ([]*types.DerivedEdge, error) {
	var out []*types.DerivedEdge
	for _, e := range s.edges {
		if e.Rel == rel {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *queryStore) StateAt(at time.Time) ([]*types.FileState, error) {
	s.stateAts = append(s.stateAts, at)
	return nil, nil
}

type queryEmbedding struct {
	fail bool
}

func (queryEmbedding) Name() string       { return "fake" }
func (queryEmbedding) Dimensions() int    { return 2 }
func (queryEmbedding) MaxBatchSize() int  { return 16 }
func (queryEmbedding) MaxInputChars() int { return 8192 }
func (queryEmbedding) Close() error       { return nil }

func (e queryEmbedding) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if e.fail {
		return nil, errors.New("provider down")
	}
	return [][]float32{{0.1, 0.2}}, nil
}

func TestSearchEmbedsQuery(t *testing.T) {
	store := &queryStore{}
	svc := New(store, queryEmbedding{})

	if _, err := svc.Search(context.Background(), &types.SearchRequest{Query: "retry policy"}); err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if store.lastReq == nil {
		t.Fatal("store was not queried")
	}
	if len(store.lastReq.QueryVec) != 2 {
		t.Errorf("QueryVec length = %d, want 2", len(store.lastReq.QueryVec))
	}
	if store.lastReq.Limit != DefaultLimit {
		t.Errorf("Limit = %d, want default %d", store.lastReq.Limit, DefaultLimit)
	}
}

func TestSearchFallsBackWhenEmbeddingFails(t *testing.T) {
	store := &queryStore{}
	svc := New(store, queryEmbedding{fail: true})

	if _, err := svc.Search(context.Background(), &types.SearchRequest{Query: "retry policy"}); err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(store.lastReq.QueryVec) != 0 {
		t.Error("expected lexical-only request after embedding failure")
	}
}

func TestSearchRequiresQuery(t *testing.T) {
	svc := New(&queryStore{}, nil)
	if _, err := svc.Search(context.Background(), &types.SearchRequest{}); err == nil {
		t.Fatal("expected error for empty query")
	}
}

func TestLinksUnknownChunk(t *testing.T) {
	svc := New(&queryStore{chunks: map[string]*types.Chunk{}}, nil)
	_, err := svc.Links(context.Background(), "missing", 5)
	if !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestLinksKnownChunk(t *testing.T) {
	store := &queryStore{
		chunks: map[string]*types.Chunk{"doc1": {ID: "doc1"}},
		links: []*types.ChunkLink{
			{Edge: &types.DerivedEdge{SrcID: "doc1", DstID: "code1", Confidence: 0.8}},
		},
	}
	links, err := New(store, nil).Links(context.Background(), "doc1", 0)
	if err != nil {
		t.Fatalf("Links failed: %v", err)
	}
	if len(links) != 1 || links[0].Edge.DstID != "code1" {
		t.Errorf("unexpected links: %+v", links)
	}
}

func TestStateAtCommit(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	store := &queryStore{
		commits: map[string]*types.Commit{"abc": {Hash: "abc", Timestamp: ts}},
	}
	svc := New(store, nil)

	if _, err := svc.StateAtCommit("abc"); err != nil {
		t.Fatalf("StateAtCommit failed: %v", err)
	}
	if len(store.stateAts) != 1 || !store.stateAts[0].Equal(ts) {
		t.Errorf("StateAt called with %v, want %v", store.stateAts, ts)
	}

	if _, err := svc.StateAtCommit("nope"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestFileHistoryNotFound(t *testing.T) {
	svc := New(&queryStore{touches: map[string][]*types.Touch{}}, nil)
	if _, err := svc.FileHistory("ghost.go"); !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRequirementWithEdges(t *testing.T) {
	store := &queryStore{
		reqs: map[string]*types.Requirement{"FR-01": {Key: "FR-01", Title: "Settle"}},
		edges: []*types.DerivedEdge{
			{SrcID: "FR-01", DstID: "pay/settle.go", Rel: types.RelImplements},
			{SrcID: "FR-02", DstID: "pay/refund.go", Rel: types.RelImplements},
			{SrcID: "FR-01", DstID: "old", Rel: types.RelEvolvesFrom},
		},
	}
	req, edges, err := New(store, nil).Requirement("FR-01")
	if err != nil {
		t.Fatalf("Requirement failed: %v", err)
	}
	if req.Title != "Settle" {
		t.Errorf("Title = %q", req.Title)
	}
	if len(edges) != 1 || edges[0].DstID != "pay/settle.go" {
		t.Errorf("edges = %+v, want only FR-01 implements", edges)
	}
}
