// Package sqlitevec implements GraphStore on SQLite, using sqlite-vec
// for vector search and FTS5 for lexical search over chunk text.
package sqlitevec

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"

	"github.com/repograph/repograph/pkg/provider"
	"github.com/repograph/repograph/pkg/types"
)

var (
	// Ensure sqlite-vec Auto() is called exactly once before any db connection
	vecAutoOnce sync.Once
)

// SchemaVersion is incremented when schema changes require reingestion.
const SchemaVersion = 1

// Store implements the GraphStore interface using SQLite and sqlite-vec.
type Store struct {
	db         *sql.DB
	path       string
	dimensions int
}

// New creates a new sqlite-vec graph store.
func New() *Store {
	return &Store{}
}

// Name returns the store name.
func (s *Store) Name() string {
	return "sqlitevec"
}

// Init opens the store at the given path and creates the base schema.
func (s *Store) Init(path string) error {
	s.path = path

	// sqlite-vec must be registered before the first connection opens.
	vecAutoOnce.Do(func() {
		sqlite_vec.Auto()
	})

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	// WAL for concurrent reads, busy_timeout to wait on writer locks.
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	s.db = db

	if _, err := db.Exec("SELECT vec_version()"); err != nil {
		return fmt.Errorf("sqlite-vec extension not available: %w", err)
	}

	if err := s.createSchema(); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	if dims, err := s.metaInt("dimensions"); err == nil && dims > 0 {
		s.dimensions = dims
	}

	return nil
}

// createSchema creates all node and edge tables.
func (s *Store) createSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS commits (
			hash TEXT PRIMARY KEY,
			short_hash TEXT NOT NULL,
			author TEXT NOT NULL,
			author_email TEXT NOT NULL,
			date INTEGER NOT NULL,
			message TEXT NOT NULL,
			branch TEXT,
			tags TEXT,
			is_merge BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_commits_date ON commits(date)`,
		`CREATE TABLE IF NOT EXISTS files (
			path TEXT PRIMARY KEY,
			language TEXT,
			is_doc BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE TABLE IF NOT EXISTS touches (
			commit_hash TEXT NOT NULL,
			file_path TEXT NOT NULL,
			change_type TEXT NOT NULL,
			date INTEGER NOT NULL,
			additions INTEGER NOT NULL DEFAULT 0,
			deletions INTEGER NOT NULL DEFAULT 0,
			old_path TEXT,
			PRIMARY KEY (commit_hash, file_path)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_touches_file ON touches(file_path, date)`,
		`CREATE INDEX IF NOT EXISTS idx_touches_date ON touches(date)`,
		`CREATE TABLE IF NOT EXISTS documents (
			path TEXT PRIMARY KEY,
			title TEXT,
			doc_type TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS chunks (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			owner_path TEXT NOT NULL,
			heading TEXT,
			slug TEXT,
			ordinal INTEGER NOT NULL DEFAULT 0,
			symbol TEXT,
			start_line INTEGER NOT NULL DEFAULT 0,
			end_line INTEGER NOT NULL DEFAULT 0,
			text TEXT NOT NULL,
			length INTEGER NOT NULL,
			embed_error TEXT,
			embedded_at INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_owner ON chunks(owner_path)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_kind ON chunks(kind)`,
		`CREATE TABLE IF NOT EXISTS requirements (
			key TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			description TEXT,
			tags TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS sprints (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			starts_at INTEGER NOT NULL,
			ends_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS derived_edges (
			src_kind TEXT NOT NULL,
			src_id TEXT NOT NULL,
			dst_kind TEXT NOT NULL,
			dst_id TEXT NOT NULL,
			rel TEXT NOT NULL,
			method TEXT NOT NULL,
			score REAL NOT NULL,
			confidence REAL NOT NULL,
			evidence TEXT,
			provenance TEXT,
			date INTEGER NOT NULL,
			PRIMARY KEY (src_id, dst_id, rel)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_edges_rel ON derived_edges(rel)`,
		`CREATE INDEX IF NOT EXISTS idx_edges_src ON derived_edges(src_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}

	// FTS5 for lexical recall over chunk text and headings.
	if _, err := s.db.Exec(`
		CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
			id,
			text,
			heading,
			content='chunks',
			content_rowid='rowid',
			tokenize='porter unicode61'
		)
	`); err != nil {
		return err
	}

	triggers := []string{
		`CREATE TRIGGER IF NOT EXISTS chunks_ai AFTER INSERT ON chunks BEGIN
			INSERT INTO chunks_fts(rowid, id, text, heading)
			VALUES (new.rowid, new.id, new.text, new.heading);
		END`,
		`CREATE TRIGGER IF NOT EXISTS chunks_ad AFTER DELETE ON chunks BEGIN
			INSERT INTO chunks_fts(chunks_fts, rowid, id, text, heading)
			VALUES('delete', old.rowid, old.id, old.text, old.heading);
		END`,
		`CREATE TRIGGER IF NOT EXISTS chunks_au AFTER UPDATE ON chunks BEGIN
			INSERT INTO chunks_fts(chunks_fts, rowid, id, text, heading)
			VALUES('delete', old.rowid, old.id, old.text, old.heading);
			INSERT INTO chunks_fts(rowid, id, text, heading)
			VALUES (new.rowid, new.id, new.text, new.heading);
		END`,
	}
	for _, stmt := range triggers {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}

	return s.setMeta("schema_version", strconv.Itoa(SchemaVersion))
}

// ApplySchema creates the vector table for the given embedding
// dimensions. A dimension change drops and recreates the table.
func (s *Store) ApplySchema(dimensions int) error {
	if dimensions <= 0 {
		return fmt.Errorf("invalid embedding dimensions: %d", dimensions)
	}
	if s.dimensions == dimensions {
		return nil
	}

	if s.dimensions != 0 {
		if _, err := s.db.Exec("DROP TABLE IF EXISTS chunk_embeddings"); err != nil {
			return err
		}
	}

	_, err := s.db.Exec(fmt.Sprintf(`
		CREATE VIRTUAL TABLE IF NOT EXISTS chunk_embeddings USING vec0(
			chunk_id TEXT PRIMARY KEY,
			embedding float[%d]
		)
	`, dimensions))
	if err != nil {
		return fmt.Errorf("failed to create vector table: %w", err)
	}

	s.dimensions = dimensions
	return s.setMeta("dimensions", strconv.Itoa(dimensions))
}

// Close releases resources and closes connections.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// ApplyBatch applies one mutation batch in a single transaction. Every
// row merges by its natural key, so replaying a batch is a no-op.
func (s *Store) ApplyBatch(ctx context.Context, batch *types.Batch) error {
	if batch == nil || batch.Size() == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := mergeCommits(tx, batch.Commits); err != nil {
		return err
	}
	if err := mergeFiles(tx, batch.Files); err != nil {
		return err
	}
	if err := mergeTouches(tx, batch.Touches); err != nil {
		return err
	}
	if err := mergeDocuments(tx, batch.Documents); err != nil {
		return err
	}
	if err := mergeChunks(tx, batch.Chunks); err != nil {
		return err
	}
	if err := mergeRequirements(tx, batch.Requirements); err != nil {
		return err
	}
	if err := mergeSprints(tx, batch.Sprints); err != nil {
		return err
	}

	return tx.Commit()
}

func mergeCommits(tx *sql.Tx, commits []*types.Commit) error {
	if len(commits) == 0 {
		return nil
	}
	stmt, err := tx.Prepare(`
		INSERT INTO commits (hash, short_hash, author, author_email, date, message, branch, tags, is_merge)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(hash) DO UPDATE SET
			branch = excluded.branch,
			tags = excluded.tags
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, c := range commits {
		tags, err := json.Marshal(c.Tags)
		if err != nil {
			return err
		}
		if _, err := stmt.Exec(
			c.Hash, c.ShortHash, c.Author, c.AuthorEmail,
			c.Timestamp.Unix(), c.Message, c.Branch, string(tags), c.IsMerge,
		); err != nil {
			return fmt.Errorf("failed to merge commit %s: %w", c.ShortHash, err)
		}
	}
	return nil
}

func mergeFiles(tx *sql.Tx, files []*types.File) error {
	if len(files) == 0 {
		return nil
	}
	stmt, err := tx.Prepare(`
		INSERT INTO files (path, language, is_doc)
		VALUES (?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			language = excluded.language,
			is_doc = excluded.is_doc
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, f := range files {
		if _, err := stmt.Exec(f.Path, f.Language, f.IsDoc); err != nil {
			return fmt.Errorf("failed to merge file %s: %w", f.Path, err)
		}
	}
	return nil
}

func mergeTouches(tx *sql.Tx, touches []*types.Touch) error {
	if len(touches) == 0 {
		return nil
	}
	stmt, err := tx.Prepare(`
		INSERT INTO touches (commit_hash, file_path, change_type, date, additions, deletions, old_path)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(commit_hash, file_path) DO UPDATE SET
			change_type = excluded.change_type,
			additions = excluded.additions,
			deletions = excluded.deletions,
			old_path = excluded.old_path
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, t := range touches {
		if _, err := stmt.Exec(
			t.CommitHash, t.FilePath, string(t.ChangeType),
			t.Timestamp.Unix(), t.Additions, t.Deletions, t.OldPath,
		); err != nil {
			return fmt.Errorf("failed to merge touch %s:%s: %w", t.CommitHash, t.FilePath, err)
		}
	}
	return nil
}

func mergeDocuments(tx *sql.Tx, docs []*types.Document) error {
	if len(docs) == 0 {
		return nil
	}
	stmt, err := tx.Prepare(`
		INSERT INTO documents (path, title, doc_type)
		VALUES (?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			title = excluded.title,
			doc_type = excluded.doc_type
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, d := range docs {
		if _, err := stmt.Exec(d.Path, d.Title, string(d.Type)); err != nil {
			return fmt.Errorf("failed to merge document %s: %w", d.Path, err)
		}
	}
	return nil
}

// mergeChunks upserts chunk rows. Embedding state columns are left
// alone on conflict so a re-run does not reset already embedded chunks.
func mergeChunks(tx *sql.Tx, chunks []*types.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	stmt, err := tx.Prepare(`
		INSERT INTO chunks (id, kind, owner_path, heading, slug, ordinal, symbol, start_line, end_line, text, length)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			heading = excluded.heading,
			symbol = excluded.symbol,
			start_line = excluded.start_line,
			end_line = excluded.end_line,
			text = excluded.text,
			length = excluded.length
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, c := range chunks {
		if _, err := stmt.Exec(
			c.ID, string(c.Kind), c.OwnerPath, c.Heading, c.Slug, c.Ordinal,
			c.Symbol, c.StartLine, c.EndLine, c.Text, c.Length,
		); err != nil {
			return fmt.Errorf("failed to merge chunk %s: %w", c.ID, err)
		}
	}
	return nil
}

func mergeRequirements(tx *sql.Tx, reqs []*types.Requirement) error {
	if len(reqs) == 0 {
		return nil
	}
	stmt, err := tx.Prepare(`
		INSERT INTO requirements (key, title, description, tags)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			tags = excluded.tags
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range reqs {
		tags, err := json.Marshal(r.Tags)
		if err != nil {
			return err
		}
		if _, err := stmt.Exec(r.Key, r.Title, r.Description, string(tags)); err != nil {
			return fmt.Errorf("failed to merge requirement %s: %w", r.Key, err)
		}
	}
	return nil
}

func mergeSprints(tx *sql.Tx, sprints []*types.Sprint) error {
	if len(sprints) == 0 {
		return nil
	}
	stmt, err := tx.Prepare(`
		INSERT INTO sprints (id, name, starts_at, ends_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			starts_at = excluded.starts_at,
			ends_at = excluded.ends_at
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, sp := range sprints {
		if _, err := stmt.Exec(sp.ID, sp.Name, sp.StartsAt.Unix(), sp.EndsAt.Unix()); err != nil {
			return fmt.Errorf("failed to merge sprint %s: %w", sp.ID, err)
		}
	}
	return nil
}

// LastMergedCommit returns the resume point for incremental runs.
func (s *Store) LastMergedCommit() (string, error) {
	return s.getMeta("last_merged_commit")
}

// SetLastMergedCommit records the resume point.
func (s *Store) SetLastMergedCommit(hash string) error {
	return s.setMeta("last_merged_commit", hash)
}

// UnembeddedChunks returns chunks without a vector and without an
// error marker, up to limit.
func (s *Store) UnembeddedChunks(limit int) ([]*types.Chunk, error) {
	rows, err := s.db.Query(`
		SELECT `+chunkColumns+`
		FROM chunks
		WHERE embedded_at IS NULL
		  AND (embed_error IS NULL OR embed_error = '')
		ORDER BY rowid
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanChunks(rows)
}

// SetChunkEmbeddings persists vectors for the given chunks and marks
// them embedded.
func (s *Store) SetChunkEmbeddings(chunks []*types.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	if s.dimensions == 0 {
		return fmt.Errorf("vector table not initialized, call ApplySchema first")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	embStmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO chunk_embeddings (chunk_id, embedding)
		VALUES (?, ?)
	`)
	if err != nil {
		return err
	}
	defer embStmt.Close()

	markStmt, err := tx.Prepare(`
		UPDATE chunks SET embedded_at = ?, embed_error = NULL WHERE id = ?
	`)
	if err != nil {
		return err
	}
	defer markStmt.Close()

	now := time.Now().Unix()
	for _, c := range chunks {
		if len(c.Embedding) == 0 {
			continue
		}
		if len(c.Embedding) != s.dimensions {
			return fmt.Errorf("chunk %s: embedding has %d dimensions, store expects %d",
				c.ID, len(c.Embedding), s.dimensions)
		}
		if _, err := embStmt.Exec(c.ID, floatsToBytes(c.Embedding)); err != nil {
			return fmt.Errorf("failed to store embedding for %s: %w", c.ID, err)
		}
		if _, err := markStmt.Exec(now, c.ID); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// MarkChunkEmbedError flags a permanent embedding failure.
func (s *Store) MarkChunkEmbedError(id, reason string) error {
	_, err := s.db.Exec(`UPDATE chunks SET embed_error = ? WHERE id = ?`, reason, id)
	return err
}

// MergeDerivedEdges upserts evidence-scored edges. An existing edge's
// confidence is fused with the incoming one and never decreases.
func (s *Store) MergeDerivedEdges(ctx context.Context, edges []*types.DerivedEdge) error {
	if len(edges) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO derived_edges
		(src_kind, src_id, dst_kind, dst_id, rel, method, score, confidence, evidence, provenance, date)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(src_id, dst_id, rel) DO UPDATE SET
			method = CASE WHEN method = excluded.method THEN method ELSE 'fused' END,
			score = MAX(score, excluded.score),
			confidence = 1.0 - (1.0 - confidence) * (1.0 - excluded.confidence),
			evidence = excluded.evidence,
			provenance = excluded.provenance,
			date = excluded.date
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range edges {
		evidence, err := json.Marshal(e.Evidence)
		if err != nil {
			return err
		}
		ts := e.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		if _, err := stmt.Exec(
			string(e.SrcKind), e.SrcID, string(e.DstKind), e.DstID,
			string(e.Rel), string(e.Method), e.Score, e.Confidence,
			string(evidence), e.Provenance, ts.Unix(),
		); err != nil {
			return fmt.Errorf("failed to merge edge %s->%s: %w", e.SrcID, e.DstID, err)
		}
	}

	return tx.Commit()
}

// Meta helpers

func (s *Store) getMeta(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM meta WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func (s *Store) setMeta(key, value string) error {
	_, err := s.db.Exec("INSERT OR REPLACE INTO meta (key, value) VALUES (?, ?)", key, value)
	return err
}

func (s *Store) metaInt(key string) (int, error) {
	v, err := s.getMeta(key)
	if err != nil || v == "" {
		return 0, err
	}
	return strconv.Atoi(v)
}

// floatsToBytes converts float32 slice to bytes for sqlite-vec.
func floatsToBytes(floats []float32) []byte {
	bytes := make([]byte, len(floats)*4)
	for i, f := range floats {
		bits := math.Float32bits(f)
		bytes[i*4] = byte(bits)
		bytes[i*4+1] = byte(bits >> 8)
		bytes[i*4+2] = byte(bits >> 16)
		bytes[i*4+3] = byte(bits >> 24)
	}
	return bytes
}

// escapeFTSQuery escapes special characters in FTS5 query syntax.
func escapeFTSQuery(query string) string {
	special := []string{"*", "\"", "(", ")", ":", "-", "^", "~"}
	result := query
	for _, s := range special {
		result = strings.ReplaceAll(result, s, "\""+s+"\"")
	}
	return result
}

// Ensure Store implements GraphStore interface
var _ provider.GraphStore = (*Store)(nil)
