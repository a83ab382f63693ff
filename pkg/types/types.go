// Package types contains shared data types used across the repograph project.
package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// ChangeType represents the type of change a commit applied to a file.
type ChangeType string

const (
	ChangeTypeAdded    ChangeType = "A" // File added
	ChangeTypeModified ChangeType = "M" // File modified
	ChangeTypeDeleted  ChangeType = "D" // File deleted
	ChangeTypeRenamed  ChangeType = "R" // File renamed
)

// FileChange is a single per-file change record inside a commit.
type FileChange struct {
	Path       string     `json:"path"`
	OldPath    string     `json:"old_path,omitempty"` // For renames
	ChangeType ChangeType `json:"change_type"`
	Additions  int        `json:"additions"`
	Deletions  int        `json:"deletions"`
}

// Commit represents a git commit with its per-file change records.
// Identity is the content hash; re-ingesting the same hash is a no-op.
type Commit struct {
	Hash        string    `json:"hash"`
	ShortHash   string    `json:"short_hash"` // First 8 characters
	Author      string    `json:"author"`
	AuthorEmail string    `json:"author_email"`
	Timestamp   time.Time `json:"timestamp"`
	Message     string    `json:"message"`
	Branch      string    `json:"branch,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	IsMerge     bool      `json:"is_merge"`

	Changes []FileChange `json:"changes,omitempty"`
}

// File represents a repo-relative file node. Identity is the path;
// renames are change events, not identity changes.
type File struct {
	Path     string `json:"path"`
	Language string `json:"language"`
	IsDoc    bool   `json:"is_doc"`
}

// Touch is a timestamped Commit→File edge with a change type.
// Exactly one exists per (commit, file) pair; the full set per file is
// how "state as of time T" is answered.
type Touch struct {
	CommitHash string     `json:"commit_hash"`
	FilePath   string     `json:"file_path"`
	ChangeType ChangeType `json:"change_type"`
	Timestamp  time.Time  `json:"timestamp"`
	Additions  int        `json:"additions"`
	Deletions  int        `json:"deletions"`
	OldPath    string     `json:"old_path,omitempty"`
}

// DocType classifies a prose artifact.
type DocType string

const (
	DocTypeMarkdown DocType = "markdown"
	DocTypeText     DocType = "text"
)

// DocTypeForPath classifies a document by its file extension.
func DocTypeForPath(path string) DocType {
	if strings.HasSuffix(path, ".md") || strings.HasSuffix(path, ".markdown") {
		return DocTypeMarkdown
	}
	return DocTypeText
}

// Document represents a prose artifact owning an ordered set of chunks.
type Document struct {
	Path  string  `json:"path"`
	Title string  `json:"title"`
	Type  DocType `json:"type"`
}

// ChunkKind distinguishes prose sections from code units.
type ChunkKind string

const (
	ChunkKindProse ChunkKind = "prose"
	ChunkKindCode  ChunkKind = "code"
)

// Chunk is the smallest addressable unit of prose or code text, and the
// only entity eligible for embedding and linking. Identity is
// deterministic from (owning path, heading-slug-or-span), so re-chunking
// unchanged content reproduces identical ids.
type Chunk struct {
	ID        string    `json:"id"`
	Kind      ChunkKind `json:"kind"`
	OwnerPath string    `json:"owner_path"` // Owning file or document path

	// Prose attributes
	Heading string `json:"heading,omitempty"`
	Slug    string `json:"slug,omitempty"`
	Ordinal int    `json:"ordinal,omitempty"`

	// Code attributes
	Symbol    string `json:"symbol,omitempty"` // Function/method name when known
	StartLine int    `json:"start_line,omitempty"`
	EndLine   int    `json:"end_line,omitempty"`

	Text   string `json:"text"`
	Length int    `json:"length"`

	// Embedding state. At most one attempt per ingest cycle; the error
	// marker gates retry.
	Embedding  []float32  `json:"-"`
	EmbedError string     `json:"embed_error,omitempty"`
	EmbeddedAt *time.Time `json:"embedded_at,omitempty"`
}

// ProseChunkID builds the deterministic id for a document section.
func ProseChunkID(docPath string, ordinal int, slug string) string {
	return shortHash(fmt.Sprintf("%s#%d:%s", docPath, ordinal, slug))
}

// CodeChunkID builds the deterministic id for a code unit. The span is
// the symbol name when one exists, otherwise "start-end" line numbers.
func CodeChunkID(filePath, span string) string {
	return shortHash(filePath + "@" + span)
}

func shortHash(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:12])
}

// Slugify lowercases a heading and collapses non-alphanumerics to dashes.
func Slugify(heading string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(strings.TrimSpace(heading)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

// Requirement represents an externally keyed requirement node.
type Requirement struct {
	Key         string   `json:"key"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// Sprint groups commits into a time-boxed unit.
type Sprint struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	StartsAt time.Time `json:"starts_at"`
	EndsAt   time.Time `json:"ends_at"`
}

// RelKind identifies a derived relationship type.
type RelKind string

const (
	RelLinksTo     RelKind = "links_to"     // doc-chunk → code-chunk
	RelImplements  RelKind = "implements"   // requirement → file
	RelEvolvesFrom RelKind = "evolves_from" // requirement → earlier requirement
)

// NodeKind identifies the node table an edge endpoint lives in.
type NodeKind string

const (
	NodeChunk       NodeKind = "chunk"
	NodeFile        NodeKind = "file"
	NodeRequirement NodeKind = "requirement"
)

// EdgeMethod records which evidence channel discovered an edge.
type EdgeMethod string

const (
	MethodLexical EdgeMethod = "lexical"
	MethodVector  EdgeMethod = "vector"
	MethodFused   EdgeMethod = "fused"
)

// DerivedEdge is an evidence-scored relationship. Only the deriver
// creates or updates these; confidence never decreases on update.
type DerivedEdge struct {
	SrcKind    NodeKind   `json:"src_kind"`
	SrcID      string     `json:"src_id"`
	DstKind    NodeKind   `json:"dst_kind"`
	DstID      string     `json:"dst_id"`
	Rel        RelKind    `json:"rel"`
	Method     EdgeMethod `json:"method"`
	Score      float64    `json:"score"`
	Confidence float64    `json:"confidence"`
	Evidence   []string   `json:"evidence,omitempty"`
	Provenance string     `json:"provenance,omitempty"` // Run id that wrote the edge
	Timestamp  time.Time  `json:"timestamp"`
}

// Batch is one unit of bulk mutation handed to a writer. Ordered batches
// carry commit/touch rows and must apply in Seq order; unordered batches
// carry chunk/document rows with no cross-batch ordering requirement.
type Batch struct {
	Seq     int
	Ordered bool

	Commits      []*Commit
	Files        []*File
	Touches      []*Touch
	Documents    []*Document
	Chunks       []*Chunk
	Requirements []*Requirement
	Sprints      []*Sprint
}

// Size returns the number of mutations in the batch.
func (b *Batch) Size() int {
	return len(b.Commits) + len(b.Files) + len(b.Touches) +
		len(b.Documents) + len(b.Chunks) + len(b.Requirements) + len(b.Sprints)
}

// Split divides a batch into two halves for retry at smaller granularity.
func (b *Batch) Split() (*Batch, *Batch) {
	lo := &Batch{Seq: b.Seq, Ordered: b.Ordered}
	hi := &Batch{Seq: b.Seq, Ordered: b.Ordered}
	lo.Commits, hi.Commits = splitSlice(b.Commits)
	lo.Files, hi.Files = splitSlice(b.Files)
	lo.Touches, hi.Touches = splitSlice(b.Touches)
	lo.Documents, hi.Documents = splitSlice(b.Documents)
	lo.Chunks, hi.Chunks = splitSlice(b.Chunks)
	lo.Requirements, hi.Requirements = splitSlice(b.Requirements)
	lo.Sprints, hi.Sprints = splitSlice(b.Sprints)
	return lo, hi
}

func splitSlice[T any](s []T) ([]T, []T) {
	mid := len(s) / 2
	return s[:mid], s[mid:]
}

// IngestProgress reports the current state of an ingestion run.
type IngestProgress struct {
	Phase            string // "reading", "chunking", "writing", "embedding", "deriving"
	TotalCommits     int
	ProcessedCommits int
	TotalFiles       int
	ProcessedFiles   int
	CurrentFile      string
	Error            error // Non-fatal error (e.g., unchunkable file)
}

// IngestReport summarizes a completed run. Counts are reported rather
// than silently swallowing problems.
type IngestReport struct {
	RunID        string        `json:"run_id"`
	Commits      int           `json:"commits"`
	Files        int           `json:"files"`
	Touches      int           `json:"touches"`
	Documents    int           `json:"documents"`
	Chunks       int           `json:"chunks"`
	Requirements int           `json:"requirements"`
	SkippedFiles int           `json:"skipped_files"`
	FailedUnits  int           `json:"failed_units"`
	Retried      int           `json:"retried_batches"`
	Duration     time.Duration `json:"duration"`
}

// EmbedReport summarizes an embedding pass.
type EmbedReport struct {
	Embedded  int           `json:"embedded"`
	Failed    int           `json:"failed"`
	Truncated int           `json:"truncated"`
	Retried   int           `json:"retried"`
	Duration  time.Duration `json:"duration"`
}

// DeriveReport summarizes a relationship derivation pass.
type DeriveReport struct {
	LinksTo     int           `json:"links_to"`
	Implements  int           `json:"implements"`
	EvolvesFrom int           `json:"evolves_from"`
	Sources     int           `json:"sources"`
	Duration    time.Duration `json:"duration"`
}

// SearchRequest is a free-text or vector query constrained to a
// commit/time window.
type SearchRequest struct {
	Query    string    `json:"query"`
	QueryVec []float32 `json:"-"`
	Limit    int       `json:"limit"`

	// Window constraints. Nil/empty values mean unbounded.
	From       *time.Time `json:"from,omitempty"`
	To         *time.Time `json:"to,omitempty"`
	FromCommit string     `json:"from_commit,omitempty"`
	ToCommit   string     `json:"to_commit,omitempty"`

	Kinds []ChunkKind `json:"kinds,omitempty"`
}

// SearchResult is a single scored chunk hit.
type SearchResult struct {
	Chunk        *Chunk  `json:"chunk"`
	Score        float64 `json:"score"`
	LexicalScore float64 `json:"lexical_score,omitempty"`
	VectorScore  float64 `json:"vector_score,omitempty"`
}

// ChunkLink is one entry of a chunk-links lookup.
type ChunkLink struct {
	Edge  *DerivedEdge `json:"edge"`
	Chunk *Chunk       `json:"chunk"`
}

// FileState describes a file as of a point in time, reconstructed from
// its Touch history.
type FileState struct {
	Path        string     `json:"path"`
	Exists      bool       `json:"exists"`
	LastChange  ChangeType `json:"last_change"`
	LastCommit  string     `json:"last_commit"`
	LastTouched time.Time  `json:"last_touched"`
}

// GraphStats contains node and edge counts for the graph.
type GraphStats struct {
	Commits        int64     `json:"commits"`
	Files          int64     `json:"files"`
	Touches        int64     `json:"touches"`
	Documents      int64     `json:"documents"`
	Chunks         int64     `json:"chunks"`
	EmbeddedChunks int64     `json:"embedded_chunks"`
	Requirements   int64     `json:"requirements"`
	DerivedEdges   int64     `json:"derived_edges"`
	OldestCommit   time.Time `json:"oldest_commit"`
	NewestCommit   time.Time `json:"newest_commit"`
}

// ValidationReport is the output of the validation probes.
type ValidationReport struct {
	SchemaOK      bool     `json:"schema_ok"`
	MissingTables []string `json:"missing_tables,omitempty"`
	CountsOK      bool     `json:"counts_ok"`
	OrphanChunks  int64    `json:"orphan_chunks"`
	DriftSampled  int      `json:"drift_sampled"`
	DriftMismatch int      `json:"drift_mismatch"`
	Problems      []string `json:"problems,omitempty"`
}
