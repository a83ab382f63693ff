package validate

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/repograph/repograph/builtin/chunking/markdown"
	"github.com/repograph/repograph/pkg/provider"
	"github.com/repograph/repograph/pkg/types"
)

type validateStore struct {
	provider.GraphStore

	tables  []string
	stats   *types.GraphStats
	orphans int64
	prose   []*types.Chunk
}

func (s *validateStore) SchemaTables() ([]string, error) { return s.tables, nil }
func (s *validateStore) Stats() (*types.GraphStats, error) {
	if s.stats != nil {
		return s.stats, nil
	}
	return &types.GraphStats{}, nil
}
func (s *validateStore) OrphanChunkCount() (int64, error) { return s.orphans, nil }

func (s *validateStore) ChunksByKind(kind types.ChunkKind, limit, offset int) ([]*types.Chunk, error) {
	if kind != types.ChunkKindProse || offset >= len(s.prose) {
		return nil, nil
	}
	end := offset + limit
	if end > len(s.prose) {
		end = len(s.prose)
	}
	return s.prose[offset:end], nil
}

func allTables() []string {
	return []string{
		"meta", "commits", "files", "touches",
		"documents", "chunks", "requirements", "sprints", "derived_edges",
	}
}

func TestSchemaProbeMissingTable(t *testing.T) {
	store := &validateStore{tables: []string{"meta", "commits", "files"}}
	report, err := New(Config{Store: store}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.SchemaOK {
		t.Error("SchemaOK = true with missing tables")
	}
	if len(report.MissingTables) != 6 {
		t.Errorf("MissingTables = %v, want 6 entries", report.MissingTables)
	}
}

func TestCountProbe(t *testing.T) {
	tests := []struct {
		name  string
		stats *types.GraphStats
		ok    bool
	}{
		{
			name: "healthy",
			stats: &types.GraphStats{
				Commits: 5, Files: 2, Touches: 8, Chunks: 10, EmbeddedChunks: 10,
				OldestCommit: time.Unix(100, 0), NewestCommit: time.Unix(200, 0),
			},
			ok: true,
		},
		{
			name:  "commits without touches",
			stats: &types.GraphStats{Commits: 5},
			ok:    false,
		},
		{
			name:  "embedded exceeds total",
			stats: &types.GraphStats{Chunks: 3, EmbeddedChunks: 4},
			ok:    false,
		},
		{
			name: "inverted commit range",
			stats: &types.GraphStats{
				Commits: 1, Touches: 1, Files: 1,
				OldestCommit: time.Unix(200, 0), NewestCommit: time.Unix(100, 0),
			},
			ok: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &validateStore{tables: allTables(), stats: tt.stats}
			report, err := New(Config{Store: store}).Run(context.Background())
			if err != nil {
				t.Fatalf("Run failed: %v", err)
			}
			if report.CountsOK != tt.ok {
				t.Errorf("CountsOK = %v, want %v (problems: %v)", report.CountsOK, tt.ok, report.Problems)
			}
		})
	}
}

func TestOrphanProbeReportsWithoutDeleting(t *testing.T) {
	store := &validateStore{tables: allTables(), orphans: 3}
	report, err := New(Config{Store: store}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.OrphanChunks != 3 {
		t.Errorf("OrphanChunks = %d, want 3", report.OrphanChunks)
	}
	if len(report.Problems) == 0 {
		t.Error("expected orphan chunks to be flagged as a problem")
	}
}

func TestDriftProbe(t *testing.T) {
	dir := t.TempDir()
	content := []byte("# Guide\n\nIntro text.\n\n## Setup\n\nRun the installer.\n")
	if err := os.WriteFile(filepath.Join(dir, "guide.md"), content, 0o644); err != nil {
		t.Fatal(err)
	}

	chunker := markdown.New(markdown.Config{MinSection: 1})
	doc := &types.Document{Path: "guide.md", Type: types.DocTypeMarkdown}
	stored, err := chunker.Chunk(doc, content)
	if err != nil {
		t.Fatalf("chunking failed: %v", err)
	}

	store := &validateStore{tables: allTables(), prose: stored}
	report, err := New(Config{Store: store, DocChunker: chunker, RepoDir: dir}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.DriftSampled != 1 {
		t.Fatalf("DriftSampled = %d, want 1", report.DriftSampled)
	}
	if report.DriftMismatch != 0 {
		t.Errorf("DriftMismatch = %d for unchanged document", report.DriftMismatch)
	}

	// Edit the document and the same probe must flag it.
	edited := append(content, []byte("\n## New section\n\nExtra.\n")...)
	if err := os.WriteFile(filepath.Join(dir, "guide.md"), edited, 0o644); err != nil {
		t.Fatal(err)
	}
	report, err = New(Config{Store: store, DocChunker: chunker, RepoDir: dir}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.DriftMismatch != 1 {
		t.Errorf("DriftMismatch = %d, want 1 after edit", report.DriftMismatch)
	}
}

func TestDriftProbeDeletedDocument(t *testing.T) {
	dir := t.TempDir()
	store := &validateStore{
		tables: allTables(),
		prose:  []*types.Chunk{{ID: "c1", OwnerPath: "gone.md"}},
	}
	chunker := markdown.New(markdown.Config{MinSection: 1})
	report, err := New(Config{Store: store, DocChunker: chunker, RepoDir: dir}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.DriftMismatch != 1 {
		t.Errorf("DriftMismatch = %d, want 1 for deleted document", report.DriftMismatch)
	}
}
