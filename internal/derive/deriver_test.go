package derive

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/repograph/repograph/internal/config"
	"github.com/repograph/repograph/pkg/provider"
	"github.com/repograph/repograph/pkg/types"
)

// deriveStore fakes the store methods the deriver touches. The
// embedded interface panics on anything else, which is what we want.
type deriveStore struct {
	provider.GraphStore

	prose        []*types.Chunk
	reqs         []*types.Requirement
	lexical      map[string][]*types.SearchResult // query -> results
	vector       []*types.SearchResult
	touches      map[string][]*types.Touch
	referencing  map[string][]*types.Commit
	merged       []*types.DerivedEdge
	lexicalCalls int
}

func (s *deriveStore) ChunksByKind(kind types.ChunkKind, limit, offset int) ([]*types.Chunk, error) {
	if kind != types.ChunkKindProse || offset >= len(s.prose) {
		return nil, nil
	}
	end := offset + limit
	if end > len(s.prose) {
		end = len(s.prose)
	}
	return s.prose[offset:end], nil
}

func (s *deriveStore) Requirements() ([]*types.Requirement, error) {
	return s.reqs, nil
}

func (s *deriveStore) LexicalSearch(_ context.Context, query string, _ types.ChunkKind, _ int) ([]*types.SearchResult, error) {
	s.lexicalCalls++
	for key, results := range s.lexical {
		if strings.Contains(query, key) {
			return results, nil
		}
	}
	return nil, nil
}

func (s *deriveStore) VectorSearch(_ context.Context, _ []float32, _ types.ChunkKind, _ int) ([]*types.SearchResult, error) {
	return s.vector, nil
}

func (s *deriveStore) TouchesForFile(path string) ([]*types.Touch, error) {
	return s.touches[path], nil
}

func (s *deriveStore) CommitsReferencing(token string) ([]*types.Commit, error) {
	return s.referencing[token], nil
}

func (s *deriveStore) MergeDerivedEdges(_ context.Context, edges []*types.DerivedEdge) error {
	s.merged = append(s.merged, edges...)
	return nil
}

type deriveEmbedding struct{}

func (deriveEmbedding) Name() string       { return "fake" }
func (deriveEmbedding) Dimensions() int    { return 4 }
func (deriveEmbedding) MaxBatchSize() int  { return 16 }
func (deriveEmbedding) MaxInputChars() int { return 8192 }
func (deriveEmbedding) Close() error       { return nil }

func (deriveEmbedding) Embed(_ context.Context, texts []string) ([][]float32, error) {
	vecs := make([][]float32, len(texts))
	for i := range texts {
		vecs[i] = []float32{1, 0, 0, 0}
	}
	return vecs, nil
}

func codeChunk(id, owner string) *types.Chunk {
	return &types.Chunk{ID: id, Kind: types.ChunkKindCode, OwnerPath: owner}
}

func newDeriver(store *deriveStore, emb provider.EmbeddingProvider) *Deriver {
	return New(Config{Store: store, Embedding: emb, Config: config.DefaultConfig()})
}

func TestFuseConfidence(t *testing.T) {
	tests := []struct {
		prev, next, want float64
	}{
		{0, 0, 0},
		{0.5, 0, 0.5},
		{0.6, 0.5, 0.8},
		{1, 0.3, 1},
	}
	for _, tt := range tests {
		got := FuseConfidence(tt.prev, tt.next)
		if got < tt.want-1e-9 || got > tt.want+1e-9 {
			t.Errorf("FuseConfidence(%v, %v) = %v, want %v", tt.prev, tt.next, got, tt.want)
		}
		if got < tt.prev || got < tt.next {
			t.Errorf("FuseConfidence(%v, %v) = %v dropped below an input", tt.prev, tt.next, got)
		}
	}
}

func TestDeriveLinksToLexical(t *testing.T) {
	store := &deriveStore{
		prose: []*types.Chunk{
			{ID: "doc1", Kind: types.ChunkKindProse, Heading: "Payment flow", Text: "How payments settle."},
		},
		lexical: map[string][]*types.SearchResult{
			"Payment": {
				{Chunk: codeChunk("code-b", "pay/settle.go"), LexicalScore: 0.9},
				{Chunk: codeChunk("code-a", "pay/refund.go"), LexicalScore: 0.4},
				{Chunk: codeChunk("code-c", "pay/audit.go"), LexicalScore: 0.1},
			},
		},
	}

	report, err := newDeriver(store, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.LinksTo != 2 {
		t.Fatalf("LinksTo = %d, want 2 (0.1 is below the threshold)", report.LinksTo)
	}
	if report.Sources != 1 {
		t.Errorf("Sources = %d, want 1", report.Sources)
	}

	first := store.merged[0]
	if first.SrcID != "doc1" || first.DstID != "code-b" {
		t.Errorf("top edge = %s -> %s, want doc1 -> code-b", first.SrcID, first.DstID)
	}
	if first.Rel != types.RelLinksTo || first.Method != types.MethodLexical {
		t.Errorf("rel/method = %s/%s", first.Rel, first.Method)
	}
	if first.Confidence != 0.9 {
		t.Errorf("Confidence = %v, want 0.9", first.Confidence)
	}
}

func TestDeriveLinksToFusesChannels(t *testing.T) {
	store := &deriveStore{
		prose: []*types.Chunk{
			{ID: "doc1", Kind: types.ChunkKindProse, Heading: "Payment flow", Text: "settlement"},
		},
		lexical: map[string][]*types.SearchResult{
			"Payment": {{Chunk: codeChunk("code-a", "pay/settle.go"), LexicalScore: 0.5}},
		},
		vector: []*types.SearchResult{
			{Chunk: codeChunk("code-a", "pay/settle.go"), VectorScore: 0.6},
		},
	}

	if _, err := newDeriver(store, deriveEmbedding{}).Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(store.merged) != 1 {
		t.Fatalf("merged %d edges, want 1", len(store.merged))
	}
	edge := store.merged[0]
	if edge.Method != types.MethodFused {
		t.Errorf("Method = %s, want fused", edge.Method)
	}
	want := 1.0 - (1.0-0.5)*(1.0-0.6)
	if edge.Confidence < want-1e-9 || edge.Confidence > want+1e-9 {
		t.Errorf("Confidence = %v, want %v", edge.Confidence, want)
	}
	if edge.Score != 0.6 {
		t.Errorf("Score = %v, want strongest channel 0.6", edge.Score)
	}
}

func TestDeriveLinksToCapsEdgesPerSource(t *testing.T) {
	results := make([]*types.SearchResult, 8)
	for i := range results {
		id := string(rune('a' + i))
		results[i] = &types.SearchResult{
			Chunk:        codeChunk("code-"+id, "pkg/"+id+".go"),
			LexicalScore: 0.9,
		}
	}
	store := &deriveStore{
		prose: []*types.Chunk{
			{ID: "doc1", Kind: types.ChunkKindProse, Heading: "Payment flow", Text: "x"},
		},
		lexical: map[string][]*types.SearchResult{"Payment": results},
	}

	report, err := newDeriver(store, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.LinksTo != 5 {
		t.Fatalf("LinksTo = %d, want the per-source cap of 5", report.LinksTo)
	}
	// Equal confidence falls back to ascending chunk id.
	for i, want := range []string{"code-a", "code-b", "code-c", "code-d", "code-e"} {
		if store.merged[i].DstID != want {
			t.Errorf("edge %d dst = %s, want %s", i, store.merged[i].DstID, want)
		}
	}
}

func TestDeriveImplements(t *testing.T) {
	now := time.Now()
	store := &deriveStore{
		reqs: []*types.Requirement{{Key: "FR-01", Title: "Settle payments"}},
		lexical: map[string][]*types.SearchResult{
			"FR-01": {{Chunk: codeChunk("code-a", "pay/settle.go"), LexicalScore: 0.4}},
		},
		referencing: map[string][]*types.Commit{
			"FR-01": {{Hash: "abc123", ShortHash: "abc123", Timestamp: now}},
		},
		touches: map[string][]*types.Touch{
			"pay/settle.go": {{CommitHash: "abc123", FilePath: "pay/settle.go", Timestamp: now}},
		},
	}

	report, err := newDeriver(store, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Implements != 1 {
		t.Fatalf("Implements = %d, want 1", report.Implements)
	}
	edge := store.merged[0]
	if edge.SrcKind != types.NodeRequirement || edge.DstKind != types.NodeFile {
		t.Errorf("endpoint kinds = %s -> %s", edge.SrcKind, edge.DstKind)
	}
	if edge.SrcID != "FR-01" || edge.DstID != "pay/settle.go" {
		t.Errorf("edge = %s -> %s", edge.SrcID, edge.DstID)
	}
	// Lexical 0.4 alone is under the implements threshold; the commit
	// evidence pushes it over.
	want := 1.0 - (1.0-0.4)*(1.0-0.4)
	if edge.Confidence < want-1e-9 || edge.Confidence > want+1e-9 {
		t.Errorf("Confidence = %v, want %v", edge.Confidence, want)
	}
	found := false
	for _, ev := range edge.Evidence {
		if strings.Contains(ev, "commit abc123 references FR-01") {
			found = true
		}
	}
	if !found {
		t.Errorf("missing commit evidence in %v", edge.Evidence)
	}
}

func TestDeriveImplementsBelowThreshold(t *testing.T) {
	store := &deriveStore{
		reqs: []*types.Requirement{{Key: "FR-02", Title: "Refunds"}},
		lexical: map[string][]*types.SearchResult{
			"FR-02": {{Chunk: codeChunk("code-a", "pay/refund.go"), LexicalScore: 0.2}},
		},
	}

	report, err := newDeriver(store, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Implements != 0 {
		t.Errorf("Implements = %d, want 0 without commit evidence", report.Implements)
	}
}

func TestDeriveEvolvesFrom(t *testing.T) {
	early := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	late := time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC)
	store := &deriveStore{
		reqs: []*types.Requirement{
			{Key: "FR-01", Title: "Settle card payments nightly batch"},
			{Key: "FR-07", Title: "Settle card payments hourly batch"},
			{Key: "FR-09", Title: "Export audit logs"},
		},
		referencing: map[string][]*types.Commit{
			"FR-01": {
				{Hash: "a", ShortHash: "a", Timestamp: early},
				{Hash: "b", ShortHash: "b", Timestamp: late},
			},
			// Commit b supersedes FR-01, citing both keys.
			"FR-07": {{Hash: "b", ShortHash: "b", Timestamp: late}},
		},
	}

	report, err := newDeriver(store, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.EvolvesFrom != 1 {
		t.Fatalf("EvolvesFrom = %d, want 1", report.EvolvesFrom)
	}
	edge := store.merged[0]
	if edge.SrcID != "FR-07" || edge.DstID != "FR-01" {
		t.Errorf("edge = %s -> %s, want newer FR-07 -> elder FR-01", edge.SrcID, edge.DstID)
	}
	if edge.Rel != types.RelEvolvesFrom {
		t.Errorf("Rel = %s", edge.Rel)
	}
	if len(edge.Evidence) < 2 || !strings.Contains(edge.Evidence[1], "commit b") {
		t.Errorf("Evidence = %v, want a commit citation", edge.Evidence)
	}
}

func TestDeriveEvolvesFromRequiresCommitMention(t *testing.T) {
	store := &deriveStore{
		reqs: []*types.Requirement{
			{Key: "FR-01", Title: "Settle card payments nightly batch"},
			{Key: "FR-02", Title: "Settle card payments nightly batch"},
		},
	}

	report, err := newDeriver(store, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.EvolvesFrom != 0 {
		t.Fatalf("EvolvesFrom = %d, want 0: similar titles alone are not evidence", report.EvolvesFrom)
	}
	for _, e := range store.merged {
		if e.Rel == types.RelEvolvesFrom {
			t.Errorf("unexpected edge %s -> %s", e.SrcID, e.DstID)
		}
	}
}

func TestJaccard(t *testing.T) {
	a := tokens("settle card payments")
	b := tokens("settle card refunds")
	got := jaccard(a, b)
	if got != 0.5 {
		t.Errorf("jaccard = %v, want 0.5", got)
	}
	if jaccard(tokens(""), a) != 0 {
		t.Error("empty set similarity should be 0")
	}
}
