// Package ingest implements the ingestion pipeline: history reading,
// parallel chunking, and batched graph writes.
package ingest

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"
	"github.com/spf13/viper"

	"github.com/repograph/repograph/builtin/chunking/treesitter"
	"github.com/repograph/repograph/internal/config"
	"github.com/repograph/repograph/internal/history"
	"github.com/repograph/repograph/pkg/provider"
	"github.com/repograph/repograph/pkg/types"
)

// requirementKey matches requirement identifiers in doc headings and
// commit messages, e.g. FR-01, REQ-123, NFR-7.
var requirementKey = regexp.MustCompile(`\b(?:FR|NFR|REQ)-\d+\b`)

// Orchestrator drives one ingestion run end to end.
type Orchestrator struct {
	config      *config.Config
	store       provider.GraphStore
	docChunker  provider.DocChunker
	codeChunker provider.CodeChunker
	fallback    provider.CodeChunker
	reader      *history.Reader
	repoDir     string

	progressMu sync.Mutex
	progress   types.IngestProgress
	onProgress func(types.IngestProgress)
}

// Config contains orchestrator dependencies.
type Config struct {
	RepoDir     string
	Config      *config.Config
	Store       provider.GraphStore
	DocChunker  provider.DocChunker
	CodeChunker provider.CodeChunker
	Fallback    provider.CodeChunker
	OnProgress  func(types.IngestProgress)
}

// New creates a new orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	reader, err := history.New(cfg.RepoDir)
	if err != nil {
		return nil, err
	}
	return &Orchestrator{
		config:      cfg.Config,
		store:       cfg.Store,
		docChunker:  cfg.DocChunker,
		codeChunker: cfg.CodeChunker,
		fallback:    cfg.Fallback,
		reader:      reader,
		repoDir:     cfg.RepoDir,
		onProgress:  cfg.OnProgress,
	}, nil
}

// Run executes one ingestion run. When full is false the run resumes
// from the last merged commit.
func (o *Orchestrator) Run(ctx context.Context, full bool) (*types.IngestReport, error) {
	start := time.Now()
	report := &types.IngestReport{RunID: uuid.NewString()}

	ctx, cancel := context.WithTimeout(ctx, o.config.Ingest.Timeout)
	defer cancel()

	// Phase 1: read commit history.
	o.updateProgress("reading", 0, 0, "")

	sinceHash := ""
	if !full {
		hash, err := o.store.LastMergedCommit()
		if err != nil {
			return nil, fmt.Errorf("failed to read resume point: %w", err)
		}
		sinceHash = hash
	}

	commits, err := o.reader.Read(ctx, sinceHash, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	slog.Info("read commit history", "commits", len(commits), "since", sinceHash, "run", report.RunID)
	o.setTotals(len(commits), 0)

	// Phase 2: chunk current file contents in parallel.
	o.updateProgress("chunking", 0, 0, "")
	files, err := o.scanFiles(ctx, commits, full)
	if err != nil {
		return nil, fmt.Errorf("failed to scan files: %w", err)
	}
	o.setTotals(len(commits), len(files))

	// Phase 3: chunk and write concurrently. Ordered commit batches come
	// from the already materialized history; chunk batches stream from
	// the workers into the bounded write queue, so a slow writer blocks
	// the chunkers instead of letting results pile up in memory.
	ordered := o.orderedBatches(commits)

	unorderedCh := make(chan *types.Batch, o.config.Ingest.QueueDepth)
	statsCh := make(chan chunkStats, 1)
	go func() {
		defer close(unorderedCh)
		stats := o.streamChunks(ctx, files, unorderedCh)
		if sprints, err := o.loadSprints(); err != nil {
			slog.Warn("failed to load sprints file", "error", err)
		} else if len(sprints) > 0 {
			select {
			case unorderedCh <- &types.Batch{Sprints: sprints}:
			case <-ctx.Done():
			}
		}
		statsCh <- stats
	}()

	wres, err := o.write(ctx, ordered, unorderedCh)
	stats := <-statsCh
	if err != nil {
		return nil, err
	}
	report.Retried = wres.retried
	report.FailedUnits = wres.failed
	report.SkippedFiles = stats.skipped
	report.Documents = stats.documents
	report.Chunks = stats.chunks
	report.Requirements = stats.requirements

	for _, b := range ordered {
		report.Commits += len(b.Commits)
		report.Touches += len(b.Touches)
		report.Files += len(b.Files)
	}

	report.Duration = time.Since(start)
	slog.Info("ingestion complete",
		"run", report.RunID,
		"commits", report.Commits,
		"chunks", report.Chunks,
		"skipped", report.SkippedFiles,
		"failed", report.FailedUnits,
		"duration", report.Duration)

	return report, nil
}

// scannedFile pairs a repo-relative path with its doc/code class.
type scannedFile struct {
	path  string
	isDoc bool
}

// scanFiles lists the files to chunk. A full run walks the working
// tree; an incremental run visits only files named by the new commits.
func (o *Orchestrator) scanFiles(ctx context.Context, commits []*types.Commit, full bool) ([]scannedFile, error) {
	seen := make(map[string]bool)
	var out []scannedFile

	add := func(rel string) {
		if seen[rel] {
			return
		}
		seen[rel] = true
		isDoc := o.matchesAny(rel, o.config.Repo.DocPatterns)
		if !isDoc && !o.matchesAny(rel, o.config.Repo.CodePatterns) {
			return
		}
		if o.matchesAny(rel, o.config.Repo.Exclude) {
			return
		}
		out = append(out, scannedFile{path: rel, isDoc: isDoc})
	}

	if full {
		err := filepath.WalkDir(o.repoDir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			rel, relErr := filepath.Rel(o.repoDir, path)
			if relErr != nil {
				return nil
			}
			rel = filepath.ToSlash(rel)
			if d.IsDir() {
				if d.Name() == ".git" || o.matchesAny(rel+"/", o.config.Repo.Exclude) {
					return filepath.SkipDir
				}
				return nil
			}
			add(rel)
			return nil
		})
		if err != nil {
			return nil, err
		}
	} else {
		for _, c := range commits {
			for _, ch := range c.Changes {
				if ch.ChangeType == types.ChangeTypeDeleted {
					continue
				}
				add(ch.Path)
			}
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].path < out[j].path })
	return out, nil
}

func (o *Orchestrator) matchesAny(rel string, patterns []string) bool {
	for _, p := range patterns {
		if ok, err := doublestar.Match(p, rel); err == nil && ok {
			return true
		}
	}
	return false
}

// chunkResult carries one file's chunking output.
type chunkResult struct {
	file     scannedFile
	document *types.Document
	chunks   []*types.Chunk
	skipped  bool
}

// chunkStats carries chunking-side counters for the run report.
type chunkStats struct {
	documents    int
	chunks       int
	requirements int
	skipped      int
}

// streamChunks runs the chunking worker pool over the scanned files and
// batches the output onto out as files complete. The channels are
// unbuffered, so when out is full the whole pool suspends until a
// writer catches up. Unreadable or oversized files are skipped and
// counted, never fatal.
func (o *Orchestrator) streamChunks(ctx context.Context, files []scannedFile, out chan<- *types.Batch) chunkStats {
	fileCh := make(chan scannedFile)
	resultCh := make(chan chunkResult)

	maxSize := parseSize(o.config.Repo.MaxFileSize)

	var wg sync.WaitGroup
	for i := 0; i < o.config.Ingest.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for file := range fileCh {
				if ctx.Err() != nil {
					resultCh <- chunkResult{file: file, skipped: true}
					continue
				}
				o.updateProgress("chunking", -1, 1, file.path)
				resultCh <- o.chunkOne(file, maxSize)
			}
		}()
	}

	go func() {
		defer close(fileCh)
		for _, f := range files {
			select {
			case fileCh <- f:
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		wg.Wait()
		close(resultCh)
	}()

	return o.batchResults(ctx, resultCh, out)
}

func (o *Orchestrator) chunkOne(file scannedFile, maxSize int64) chunkResult {
	res := chunkResult{file: file}

	full := filepath.Join(o.repoDir, filepath.FromSlash(file.path))
	info, err := os.Stat(full)
	if err != nil {
		res.skipped = true
		return res
	}
	if maxSize > 0 && info.Size() > maxSize {
		slog.Debug("skipping oversized file", "path", file.path, "size", info.Size())
		res.skipped = true
		return res
	}

	content, err := os.ReadFile(full)
	if err != nil {
		slog.Warn("failed to read file", "path", file.path, "error", err)
		res.skipped = true
		return res
	}

	if file.isDoc {
		doc := &types.Document{Path: file.path, Type: types.DocTypeForPath(file.path)}
		chunks, err := o.docChunker.Chunk(doc, content)
		if err != nil {
			slog.Warn("doc chunking failed", "path", file.path, "error", err)
			res.skipped = true
			return res
		}
		res.document = doc
		res.chunks = chunks
		return res
	}

	lang := treesitter.DetectLanguage(file.path)
	chunker := o.fallback
	if lang != "" && o.codeChunker != nil && o.codeChunker.SupportsLanguage(lang) {
		chunker = o.codeChunker
	}
	chunks, err := chunker.Chunk(file.path, lang, content)
	if err != nil {
		// Parse failures fall back to windows rather than dropping the file.
		chunks, err = o.fallback.Chunk(file.path, lang, content)
		if err != nil {
			slog.Warn("code chunking failed", "path", file.path, "error", err)
			res.skipped = true
			return res
		}
	}
	res.chunks = chunks
	return res
}

// orderedBatches slices commits plus their file and touch rows into
// sequenced batches. Commits arrive oldest first and stay that way.
func (o *Orchestrator) orderedBatches(commits []*types.Commit) []*types.Batch {
	var batches []*types.Batch
	seq := 0
	current := &types.Batch{Seq: seq, Ordered: true}
	fileSeen := make(map[string]bool)

	flush := func() {
		if current.Size() > 0 {
			batches = append(batches, current)
			seq++
			current = &types.Batch{Seq: seq, Ordered: true}
		}
	}

	for _, c := range commits {
		current.Commits = append(current.Commits, c)
		for i := range c.Changes {
			ch := &c.Changes[i]
			if !fileSeen[ch.Path] {
				fileSeen[ch.Path] = true
				current.Files = append(current.Files, &types.File{
					Path:     ch.Path,
					Language: treesitter.DetectLanguage(ch.Path),
					IsDoc:    o.matchesAny(ch.Path, o.config.Repo.DocPatterns),
				})
			}
			current.Touches = append(current.Touches, &types.Touch{
				CommitHash: c.Hash,
				FilePath:   ch.Path,
				ChangeType: ch.ChangeType,
				Timestamp:  c.Timestamp,
				Additions:  ch.Additions,
				Deletions:  ch.Deletions,
				OldPath:    ch.OldPath,
			})
		}
		if current.Size() >= o.config.Ingest.BatchSize {
			flush()
		}
	}
	flush()
	return batches
}

// batchResults folds chunking output into batches and pushes them onto
// out as they fill. Requirement nodes are extracted from doc section
// headings carrying requirement keys. The input is always drained to
// close so the workers never block on a departed consumer.
func (o *Orchestrator) batchResults(ctx context.Context, in <-chan chunkResult, out chan<- *types.Batch) chunkStats {
	var stats chunkStats
	current := &types.Batch{}
	reqSeen := make(map[string]bool)

	flush := func() {
		if current.Size() == 0 {
			return
		}
		select {
		case out <- current:
			current = &types.Batch{}
		case <-ctx.Done():
		}
	}

	for res := range in {
		if res.skipped {
			stats.skipped++
			continue
		}
		if ctx.Err() != nil {
			continue
		}
		if res.document != nil {
			current.Documents = append(current.Documents, res.document)
			stats.documents++
		}
		for _, c := range res.chunks {
			current.Chunks = append(current.Chunks, c)
			stats.chunks++
			if c.Kind == types.ChunkKindProse {
				for _, key := range requirementKey.FindAllString(c.Heading, -1) {
					if reqSeen[key] {
						continue
					}
					reqSeen[key] = true
					current.Requirements = append(current.Requirements, &types.Requirement{
						Key:   key,
						Title: strings.TrimSpace(c.Heading),
					})
					stats.requirements++
				}
			}
			if current.Size() >= o.config.Ingest.BatchSize {
				flush()
			}
		}
	}
	flush()
	return stats
}

// loadSprints reads the optional sprints file from the repo root.
func (o *Orchestrator) loadSprints() ([]*types.Sprint, error) {
	if o.config.Repo.SprintsFile == "" {
		return nil, nil
	}
	path := filepath.Join(o.repoDir, o.config.Repo.SprintsFile)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var raw struct {
		Sprints []struct {
			ID       string    `mapstructure:"id"`
			Name     string    `mapstructure:"name"`
			StartsAt time.Time `mapstructure:"starts_at"`
			EndsAt   time.Time `mapstructure:"ends_at"`
		} `mapstructure:"sprints"`
	}
	if err := v.Unmarshal(&raw); err != nil {
		return nil, err
	}

	sprints := make([]*types.Sprint, 0, len(raw.Sprints))
	for _, s := range raw.Sprints {
		sprints = append(sprints, &types.Sprint{
			ID:       s.ID,
			Name:     s.Name,
			StartsAt: s.StartsAt,
			EndsAt:   s.EndsAt,
		})
	}
	return sprints, nil
}

// updateProgress updates the progress state and notifies the callback.
// A commitDelta or fileDelta of -1 leaves the counter unchanged.
func (o *Orchestrator) updateProgress(phase string, commitDelta, fileDelta int, currentFile string) {
	o.progressMu.Lock()
	if phase != "" {
		o.progress.Phase = phase
	}
	if commitDelta > 0 {
		o.progress.ProcessedCommits += commitDelta
	}
	if fileDelta > 0 {
		o.progress.ProcessedFiles += fileDelta
	}
	if currentFile != "" {
		o.progress.CurrentFile = currentFile
	}
	snapshot := o.progress
	o.progressMu.Unlock()

	if o.onProgress != nil {
		o.onProgress(snapshot)
	}
}

func (o *Orchestrator) setTotals(commits, files int) {
	o.progressMu.Lock()
	o.progress.TotalCommits = commits
	o.progress.TotalFiles = files
	snapshot := o.progress
	o.progressMu.Unlock()

	if o.onProgress != nil {
		o.onProgress(snapshot)
	}
}

// parseSize parses sizes like "1MB" or "512KB". Returns 0 for empty or
// unparseable input, which disables the limit.
func parseSize(s string) int64 {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" {
		return 0
	}
	mult := int64(1)
	switch {
	case strings.HasSuffix(s, "GB"):
		mult = 1 << 30
		s = strings.TrimSuffix(s, "GB")
	case strings.HasSuffix(s, "MB"):
		mult = 1 << 20
		s = strings.TrimSuffix(s, "MB")
	case strings.HasSuffix(s, "KB"):
		mult = 1 << 10
		s = strings.TrimSuffix(s, "KB")
	case strings.HasSuffix(s, "B"):
		s = strings.TrimSuffix(s, "B")
	}
	var n int64
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return 0
	}
	return n * mult
}
