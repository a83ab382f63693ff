package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/repograph/repograph/pkg/types"
)

// fakeStore is an in-memory GraphStore for pipeline tests.
type fakeStore struct {
	mu sync.Mutex

	applied      []*types.Batch
	orderedSeqs  []int
	lastCommit   string
	failNextSize int          // batches at least this large fail once
	rejectSeqs   map[int]bool // ordered sequences that fail every attempt

	chunks     map[string]*types.Chunk
	embedded   map[string][]float32
	embedErrs  map[string]string
	pendingIDs []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		chunks:    make(map[string]*types.Chunk),
		embedded:  make(map[string][]float32),
		embedErrs: make(map[string]string),
	}
}

func (f *fakeStore) Name() string          { return "fake" }
func (f *fakeStore) Init(string) error     { return nil }
func (f *fakeStore) ApplySchema(int) error { return nil }
func (f *fakeStore) Close() error          { return nil }

func (f *fakeStore) ApplyBatch(ctx context.Context, batch *types.Batch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNextSize > 0 && batch.Size() >= f.failNextSize {
		f.failNextSize = 0
		return fmt.Errorf("simulated transient failure")
	}
	if batch.Ordered && f.rejectSeqs[batch.Seq] {
		return fmt.Errorf("simulated persistent failure")
	}
	f.applied = append(f.applied, batch)
	if batch.Ordered {
		f.orderedSeqs = append(f.orderedSeqs, batch.Seq)
	}
	for _, c := range batch.Chunks {
		if _, ok := f.chunks[c.ID]; !ok {
			f.pendingIDs = append(f.pendingIDs, c.ID)
		}
		f.chunks[c.ID] = c
	}
	return nil
}

func (f *fakeStore) LastMergedCommit() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastCommit, nil
}

func (f *fakeStore) SetLastMergedCommit(hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastCommit = hash
	return nil
}

func (f *fakeStore) UnembeddedChunks(limit int) ([]*types.Chunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.Chunk
	for _, id := range f.pendingIDs {
		if len(out) >= limit {
			break
		}
		if _, done := f.embedded[id]; done {
			continue
		}
		if _, failed := f.embedErrs[id]; failed {
			continue
		}
		out = append(out, f.chunks[id])
	}
	return out, nil
}

func (f *fakeStore) SetChunkEmbeddings(chunks []*types.Chunk) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range chunks {
		f.embedded[c.ID] = c.Embedding
	}
	return nil
}

func (f *fakeStore) MarkChunkEmbedError(id, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.embedErrs[id] = reason
	return nil
}

func (f *fakeStore) GetCommit(hash string) (*types.Commit, error) { return nil, types.ErrNotFound }
func (f *fakeStore) GetChunk(id string) (*types.Chunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.chunks[id]; ok {
		return c, nil
	}
	return nil, types.ErrNotFound
}
func (f *fakeStore) GetRequirement(string) (*types.Requirement, error) { return nil, types.ErrNotFound }
func (f *fakeStore) TouchesForFile(string) ([]*types.Touch, error)     { return nil, nil }
func (f *fakeStore) StateAt(time.Time) ([]*types.FileState, error)     { return nil, nil }
func (f *fakeStore) ChunksByKind(types.ChunkKind, int, int) ([]*types.Chunk, error) {
	return nil, nil
}
func (f *fakeStore) Requirements() ([]*types.Requirement, error)        { return nil, nil }
func (f *fakeStore) CommitsReferencing(string) ([]*types.Commit, error) { return nil, nil }
func (f *fakeStore) LexicalSearch(context.Context, string, types.ChunkKind, int) ([]*types.SearchResult, error) {
	return nil, nil
}
func (f *fakeStore) VectorSearch(context.Context, []float32, types.ChunkKind, int) ([]*types.SearchResult, error) {
	return nil, nil
}
func (f *fakeStore) Search(context.Context, *types.SearchRequest) ([]*types.SearchResult, error) {
	return nil, nil
}
func (f *fakeStore) MergeDerivedEdges(context.Context, []*types.DerivedEdge) error { return nil }
func (f *fakeStore) ChunkLinks(context.Context, string, int) ([]*types.ChunkLink, error) {
	return nil, nil
}
func (f *fakeStore) EdgesByRel(types.RelKind, int) ([]*types.DerivedEdge, error) { return nil, nil }
func (f *fakeStore) Stats() (*types.GraphStats, error)                           { return &types.GraphStats{}, nil }
func (f *fakeStore) SchemaTables() ([]string, error)                             { return nil, nil }
func (f *fakeStore) OrphanChunkCount() (int64, error)                            { return 0, nil }

// fakeEmbedding is a deterministic embedding provider. IDs listed in
// badTexts make the whole batch fail; single-item calls fail only for
// the bad text itself.
type fakeEmbedding struct {
	dims     int
	batch    int
	badTexts map[string]bool
	calls    int
}

func (f *fakeEmbedding) Name() string       { return "fake" }
func (f *fakeEmbedding) Dimensions() int    { return f.dims }
func (f *fakeEmbedding) MaxBatchSize() int  { return f.batch }
func (f *fakeEmbedding) MaxInputChars() int { return 1 << 20 }
func (f *fakeEmbedding) Close() error       { return nil }

func (f *fakeEmbedding) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	f.calls++
	for _, t := range texts {
		if f.badTexts[t] {
			return nil, fmt.Errorf("bad input: %q", t)
		}
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec := make([]float32, f.dims)
		vec[0] = float32(len(t))
		out[i] = vec
	}
	return out, nil
}
