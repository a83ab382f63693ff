package ingest

import (
	"context"
	"fmt"
	"testing"

	"github.com/repograph/repograph/pkg/types"
)

func seedChunks(t *testing.T, store *fakeStore, n int) []*types.Chunk {
	t.Helper()
	chunks := make([]*types.Chunk, n)
	for i := range chunks {
		chunks[i] = &types.Chunk{
			ID:   fmt.Sprintf("c%03d", i),
			Kind: types.ChunkKindCode,
			Text: fmt.Sprintf("chunk text %d", i),
		}
	}
	if err := store.ApplyBatch(context.Background(), &types.Batch{Chunks: chunks}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	return chunks
}

func TestEmbedderEmbedsAll(t *testing.T) {
	store := newFakeStore()
	seedChunks(t, store, 25)

	e := NewEmbedder(EmbedderConfig{
		Store:    store,
		Provider: &fakeEmbedding{dims: 4, batch: 10},
	})

	report, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Embedded != 25 {
		t.Errorf("Embedded = %d, want 25", report.Embedded)
	}
	if report.Failed != 0 {
		t.Errorf("Failed = %d, want 0", report.Failed)
	}
	if len(store.embedded) != 25 {
		t.Errorf("store has %d embeddings, want 25", len(store.embedded))
	}
}

func TestEmbedderIsolatesBadChunk(t *testing.T) {
	store := newFakeStore()
	chunks := seedChunks(t, store, 100)
	bad := chunks[42].Text

	e := NewEmbedder(EmbedderConfig{
		Store:    store,
		Provider: &fakeEmbedding{dims: 4, batch: 50, badTexts: map[string]bool{bad: true}},
	})

	report, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if report.Embedded != 99 {
		t.Errorf("Embedded = %d, want 99", report.Embedded)
	}
	if report.Failed != 1 {
		t.Errorf("Failed = %d, want 1", report.Failed)
	}
	if _, ok := store.embedErrs[chunks[42].ID]; !ok {
		t.Error("bad chunk not marked with embed error")
	}
	if _, ok := store.embedded[chunks[42].ID]; ok {
		t.Error("bad chunk should not have an embedding")
	}
}

func TestEmbedderSecondRunIsNoOp(t *testing.T) {
	store := newFakeStore()
	seedChunks(t, store, 10)

	provider := &fakeEmbedding{dims: 4, batch: 10}
	e := NewEmbedder(EmbedderConfig{Store: store, Provider: provider})

	if _, err := e.Run(context.Background()); err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	callsAfterFirst := provider.calls

	report, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if report.Embedded != 0 {
		t.Errorf("second run embedded %d chunks", report.Embedded)
	}
	if provider.calls != callsAfterFirst {
		t.Errorf("second run made %d extra provider calls", provider.calls-callsAfterFirst)
	}
}
