// Package validate probes an ingested graph for structural and
// consistency problems. Probes only report; nothing is repaired or
// deleted here.
package validate

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/repograph/repograph/pkg/provider"
	"github.com/repograph/repograph/pkg/types"
)

// DefaultDriftSample is how many documents the drift probe re-chunks.
const DefaultDriftSample = 20

// requiredTables must all exist for the graph to be usable.
var requiredTables = []string{
	"meta", "commits", "files", "touches",
	"documents", "chunks", "requirements", "sprints", "derived_edges",
}

// Validator runs the validation probes.
type Validator struct {
	store       provider.GraphStore
	docChunker  provider.DocChunker
	repoDir     string
	driftSample int
}

// Config contains validator dependencies. DocChunker and RepoDir are
// optional; without them the drift probe is skipped.
type Config struct {
	Store       provider.GraphStore
	DocChunker  provider.DocChunker
	RepoDir     string
	DriftSample int
}

// New creates a validator.
func New(cfg Config) *Validator {
	sample := cfg.DriftSample
	if sample <= 0 {
		sample = DefaultDriftSample
	}
	return &Validator{
		store:       cfg.Store,
		docChunker:  cfg.DocChunker,
		repoDir:     cfg.RepoDir,
		driftSample: sample,
	}
}

// Run executes all probes and returns the combined report.
func (v *Validator) Run(ctx context.Context) (*types.ValidationReport, error) {
	report := &types.ValidationReport{SchemaOK: true, CountsOK: true}

	if err := v.probeSchema(report); err != nil {
		return nil, fmt.Errorf("schema probe failed: %w", err)
	}
	if report.SchemaOK {
		if err := v.probeCounts(report); err != nil {
			return nil, fmt.Errorf("count probe failed: %w", err)
		}
		if err := v.probeOrphans(report); err != nil {
			return nil, fmt.Errorf("orphan probe failed: %w", err)
		}
		if v.docChunker != nil && v.repoDir != "" {
			if err := v.probeDrift(ctx, report); err != nil {
				return nil, fmt.Errorf("drift probe failed: %w", err)
			}
		}
	}

	slog.Info("validation complete",
		"schema_ok", report.SchemaOK,
		"counts_ok", report.CountsOK,
		"orphans", report.OrphanChunks,
		"drift_mismatch", report.DriftMismatch,
		"problems", len(report.Problems))
	return report, nil
}

// probeSchema checks every required table is present.
func (v *Validator) probeSchema(report *types.ValidationReport) error {
	tables, err := v.store.SchemaTables()
	if err != nil {
		return err
	}
	present := make(map[string]bool, len(tables))
	for _, t := range tables {
		present[t] = true
	}
	for _, want := range requiredTables {
		if !present[want] {
			report.SchemaOK = false
			report.MissingTables = append(report.MissingTables, want)
			report.Problems = append(report.Problems, fmt.Sprintf("missing table %q", want))
		}
	}
	return nil
}

// probeCounts cross-checks node counts for impossible states.
func (v *Validator) probeCounts(report *types.ValidationReport) error {
	stats, err := v.store.Stats()
	if err != nil {
		return err
	}

	fail := func(format string, args ...any) {
		report.CountsOK = false
		report.Problems = append(report.Problems, fmt.Sprintf(format, args...))
	}

	if stats.Commits > 0 && stats.Touches == 0 {
		fail("%d commits but no touches", stats.Commits)
	}
	if stats.Touches > 0 && stats.Files == 0 {
		fail("%d touches but no files", stats.Touches)
	}
	if stats.EmbeddedChunks > stats.Chunks {
		fail("embedded chunks (%d) exceed total chunks (%d)", stats.EmbeddedChunks, stats.Chunks)
	}
	if stats.Commits > 0 && stats.NewestCommit.Before(stats.OldestCommit) {
		fail("newest commit %s predates oldest %s", stats.NewestCommit, stats.OldestCommit)
	}
	return nil
}

// probeOrphans counts chunks whose owner is gone. These are reported
// so a caller can decide; they are never deleted automatically.
func (v *Validator) probeOrphans(report *types.ValidationReport) error {
	count, err := v.store.OrphanChunkCount()
	if err != nil {
		return err
	}
	report.OrphanChunks = count
	if count > 0 {
		report.Problems = append(report.Problems, fmt.Sprintf("%d orphan chunks", count))
	}
	return nil
}

// probeDrift re-chunks a sample of documents from the working tree
// and compares the resulting chunk ids against the stored ones. A
// mismatch means the tree has moved past the graph.
func (v *Validator) probeDrift(ctx context.Context, report *types.ValidationReport) error {
	stored, err := v.collectProseByOwner(ctx)
	if err != nil {
		return err
	}

	paths := make([]string, 0, len(stored))
	for path := range stored {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	if len(paths) > v.driftSample {
		paths = paths[:v.driftSample]
	}

	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return err
		}
		content, err := os.ReadFile(filepath.Join(v.repoDir, path))
		if err != nil {
			// A deleted document is drift too.
			report.DriftSampled++
			report.DriftMismatch++
			report.Problems = append(report.Problems, fmt.Sprintf("document %s no longer readable", path))
			continue
		}

		doc := &types.Document{Path: path, Type: types.DocTypeForPath(path)}
		fresh, err := v.docChunker.Chunk(doc, content)
		if err != nil {
			return fmt.Errorf("failed to re-chunk %s: %w", path, err)
		}

		report.DriftSampled++
		if !sameIDs(stored[path], fresh) {
			report.DriftMismatch++
			report.Problems = append(report.Problems, fmt.Sprintf("document %s drifted from the graph", path))
		}
	}
	return nil
}

// collectProseByOwner pages all prose chunks and groups their ids by
// owner document path.
func (v *Validator) collectProseByOwner(ctx context.Context) (map[string][]string, error) {
	const pageSize = 500
	owners := make(map[string][]string)
	for offset := 0; ; offset += pageSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page, err := v.store.ChunksByKind(types.ChunkKindProse, pageSize, offset)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}
		for _, c := range page {
			owners[c.OwnerPath] = append(owners[c.OwnerPath], c.ID)
		}
		if len(page) < pageSize {
			break
		}
	}
	return owners, nil
}

func sameIDs(storedIDs []string, fresh []*types.Chunk) bool {
	if len(storedIDs) != len(fresh) {
		return false
	}
	set := make(map[string]bool, len(storedIDs))
	for _, id := range storedIDs {
		set[id] = true
	}
	for _, c := range fresh {
		if !set[c.ID] {
			return false
		}
	}
	return true
}
