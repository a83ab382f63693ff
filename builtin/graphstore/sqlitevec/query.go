package sqlitevec

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/repograph/repograph/internal/metrics"
	"github.com/repograph/repograph/pkg/types"
)

const chunkColumns = `id, kind, owner_path, heading, slug, ordinal, symbol,
	start_line, end_line, text, length, embed_error, embedded_at`

func scanChunkRow(scan func(dest ...any) error) (*types.Chunk, error) {
	var (
		c          types.Chunk
		kind       string
		heading    sql.NullString
		slug       sql.NullString
		symbol     sql.NullString
		embedErr   sql.NullString
		embeddedAt sql.NullInt64
	)
	err := scan(
		&c.ID, &kind, &c.OwnerPath, &heading, &slug, &c.Ordinal, &symbol,
		&c.StartLine, &c.EndLine, &c.Text, &c.Length, &embedErr, &embeddedAt,
	)
	if err != nil {
		return nil, err
	}
	c.Kind = types.ChunkKind(kind)
	c.Heading = heading.String
	c.Slug = slug.String
	c.Symbol = symbol.String
	c.EmbedError = embedErr.String
	if embeddedAt.Valid {
		t := time.Unix(embeddedAt.Int64, 0)
		c.EmbeddedAt = &t
	}
	return &c, nil
}

func scanChunks(rows *sql.Rows) ([]*types.Chunk, error) {
	var chunks []*types.Chunk
	for rows.Next() {
		c, err := scanChunkRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

func scanCommitRow(scan func(dest ...any) error) (*types.Commit, error) {
	var (
		c      types.Commit
		date   int64
		branch sql.NullString
		tags   sql.NullString
	)
	err := scan(
		&c.Hash, &c.ShortHash, &c.Author, &c.AuthorEmail,
		&date, &c.Message, &branch, &tags, &c.IsMerge,
	)
	if err != nil {
		return nil, err
	}
	c.Timestamp = time.Unix(date, 0)
	c.Branch = branch.String
	if tags.Valid && tags.String != "" && tags.String != "null" {
		if err := json.Unmarshal([]byte(tags.String), &c.Tags); err != nil {
			return nil, err
		}
	}
	return &c, nil
}

const commitColumns = `hash, short_hash, author, author_email, date, message, branch, tags, is_merge`

// GetCommit retrieves a commit by hash. Returns ErrNotFound when the
// hash is not in the graph.
func (s *Store) GetCommit(hash string) (*types.Commit, error) {
	row := s.db.QueryRow(`SELECT `+commitColumns+` FROM commits WHERE hash = ?`, hash)
	c, err := scanCommitRow(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("commit %s: %w", hash, types.ErrNotFound)
	}
	return c, err
}

// GetChunk retrieves a chunk by id.
func (s *Store) GetChunk(id string) (*types.Chunk, error) {
	row := s.db.QueryRow(`SELECT `+chunkColumns+` FROM chunks WHERE id = ?`, id)
	c, err := scanChunkRow(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("chunk %s: %w", id, types.ErrNotFound)
	}
	return c, err
}

// GetRequirement retrieves a requirement by key.
func (s *Store) GetRequirement(key string) (*types.Requirement, error) {
	row := s.db.QueryRow(`SELECT key, title, description, tags FROM requirements WHERE key = ?`, key)
	var (
		r    types.Requirement
		desc sql.NullString
		tags sql.NullString
	)
	err := row.Scan(&r.Key, &r.Title, &desc, &tags)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("requirement %s: %w", key, types.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	r.Description = desc.String
	if tags.Valid && tags.String != "" && tags.String != "null" {
		if err := json.Unmarshal([]byte(tags.String), &r.Tags); err != nil {
			return nil, err
		}
	}
	return &r, nil
}

// Requirements returns all requirement nodes ordered by key.
func (s *Store) Requirements() ([]*types.Requirement, error) {
	rows, err := s.db.Query(`SELECT key, title, description, tags FROM requirements ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reqs []*types.Requirement
	for rows.Next() {
		var (
			r    types.Requirement
			desc sql.NullString
			tags sql.NullString
		)
		if err := rows.Scan(&r.Key, &r.Title, &desc, &tags); err != nil {
			return nil, err
		}
		r.Description = desc.String
		if tags.Valid && tags.String != "" && tags.String != "null" {
			if err := json.Unmarshal([]byte(tags.String), &r.Tags); err != nil {
				return nil, err
			}
		}
		reqs = append(reqs, &r)
	}
	return reqs, rows.Err()
}

// TouchesForFile returns a file's touches in commit-time order.
func (s *Store) TouchesForFile(path string) ([]*types.Touch, error) {
	rows, err := s.db.Query(`
		SELECT commit_hash, file_path, change_type, date, additions, deletions, old_path
		FROM touches
		WHERE file_path = ?
		ORDER BY date, commit_hash
	`, path)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTouches(rows)
}

func scanTouches(rows *sql.Rows) ([]*types.Touch, error) {
	var touches []*types.Touch
	for rows.Next() {
		var (
			t       types.Touch
			ct      string
			date    int64
			oldPath sql.NullString
		)
		if err := rows.Scan(&t.CommitHash, &t.FilePath, &ct, &date, &t.Additions, &t.Deletions, &oldPath); err != nil {
			return nil, err
		}
		t.ChangeType = types.ChangeType(ct)
		t.Timestamp = time.Unix(date, 0)
		t.OldPath = oldPath.String
		touches = append(touches, &t)
	}
	return touches, rows.Err()
}

// StateAt reconstructs per-file state as of the given instant by
// folding each file's touch history up to that point.
func (s *Store) StateAt(at time.Time) ([]*types.FileState, error) {
	rows, err := s.db.Query(`
		SELECT commit_hash, file_path, change_type, date, additions, deletions, old_path
		FROM touches
		WHERE date <= ?
		ORDER BY date, commit_hash
	`, at.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	touches, err := scanTouches(rows)
	if err != nil {
		return nil, err
	}

	states := make(map[string]*types.FileState)
	for _, t := range touches {
		states[t.FilePath] = &types.FileState{
			Path:        t.FilePath,
			Exists:      t.ChangeType != types.ChangeTypeDeleted,
			LastChange:  t.ChangeType,
			LastCommit:  t.CommitHash,
			LastTouched: t.Timestamp,
		}
		// A rename retires the old path.
		if t.ChangeType == types.ChangeTypeRenamed && t.OldPath != "" {
			if prev, ok := states[t.OldPath]; ok {
				prev.Exists = false
				prev.LastChange = types.ChangeTypeRenamed
				prev.LastCommit = t.CommitHash
				prev.LastTouched = t.Timestamp
			}
		}
	}

	out := make([]*types.FileState, 0, len(states))
	for _, st := range states {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// ChunksByKind pages through chunks of one kind in stable rowid order.
func (s *Store) ChunksByKind(kind types.ChunkKind, limit, offset int) ([]*types.Chunk, error) {
	rows, err := s.db.Query(`
		SELECT `+chunkColumns+`
		FROM chunks
		WHERE kind = ?
		ORDER BY rowid
		LIMIT ? OFFSET ?
	`, string(kind), limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanChunks(rows)
}

// CommitsReferencing returns commits whose message contains the token,
// oldest first.
func (s *Store) CommitsReferencing(token string) ([]*types.Commit, error) {
	rows, err := s.db.Query(`
		SELECT `+commitColumns+`
		FROM commits
		WHERE instr(message, ?) > 0
		ORDER BY date, hash
	`, token)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var commits []*types.Commit
	for rows.Next() {
		c, err := scanCommitRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		commits = append(commits, c)
	}
	return commits, rows.Err()
}

// LexicalSearch is FTS5 BM25 recall over chunk text and headings.
func (s *Store) LexicalSearch(ctx context.Context, query string, kind types.ChunkKind, limit int) ([]*types.SearchResult, error) {
	if query == "" {
		return nil, nil
	}

	sqlQuery := `
		SELECT bm25(chunks_fts) AS rank, ` + prefixedChunkColumns("c") + `
		FROM chunks_fts fts
		JOIN chunks c ON fts.id = c.id
		WHERE chunks_fts MATCH ?
	`
	args := []any{escapeFTSQuery(query)}

	if kind != "" {
		sqlQuery += " AND c.kind = ?"
		args = append(args, string(kind))
	}
	sqlQuery += " ORDER BY rank LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("lexical search failed: %w", err)
	}
	defer rows.Close()

	var results []*types.SearchResult
	for rows.Next() {
		var rank float64
		c, err := scanChunkRowWithLead(rows, &rank)
		if err != nil {
			return nil, err
		}
		// BM25 ranks are negative, lower is better. Normalize to (0,1].
		score := 1.0 / (1.0 + math.Abs(rank))
		results = append(results, &types.SearchResult{
			Chunk:        c,
			Score:        score,
			LexicalScore: score,
		})
	}
	return results, rows.Err()
}

// VectorSearch is cosine nearest-neighbour recall over chunk embeddings.
func (s *Store) VectorSearch(ctx context.Context, vec []float32, kind types.ChunkKind, limit int) ([]*types.SearchResult, error) {
	if len(vec) == 0 {
		return nil, nil
	}
	if s.dimensions == 0 {
		return nil, fmt.Errorf("vector table not initialized")
	}
	defer func(start time.Time) {
		metrics.VectorSearchDuration.Observe(time.Since(start).Seconds())
	}(time.Now())

	sqlQuery := `
		SELECT vec_distance_cosine(ce.embedding, ?) AS distance, ` + prefixedChunkColumns("c") + `
		FROM chunk_embeddings ce
		JOIN chunks c ON ce.chunk_id = c.id
	`
	args := []any{floatsToBytes(vec)}

	if kind != "" {
		sqlQuery += " WHERE c.kind = ?"
		args = append(args, string(kind))
	}
	sqlQuery += " ORDER BY distance ASC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}
	defer rows.Close()

	var results []*types.SearchResult
	for rows.Next() {
		var distance float64
		c, err := scanChunkRowWithLead(rows, &distance)
		if err != nil {
			return nil, err
		}
		score := 1.0 - distance
		results = append(results, &types.SearchResult{
			Chunk:       c,
			Score:       score,
			VectorScore: score,
		})
	}
	return results, rows.Err()
}

// Search answers a time/commit-windowed query. Lexical and vector
// evidence are combined with weighted scoring, then results are
// restricted to chunks whose owning file was touched inside the window.
func (s *Store) Search(ctx context.Context, req *types.SearchRequest) ([]*types.SearchResult, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = 10
	}

	from, to, err := s.resolveWindow(req)
	if err != nil {
		return nil, err
	}

	candidateLimit := limit * 3

	combined := make(map[string]*types.SearchResult)

	for _, kind := range searchKinds(req) {
		if req.Query != "" {
			lex, err := s.LexicalSearch(ctx, req.Query, kind, candidateLimit)
			if err != nil {
				return nil, err
			}
			for _, r := range lex {
				if prev, ok := combined[r.Chunk.ID]; ok {
					prev.LexicalScore = r.LexicalScore
				} else {
					combined[r.Chunk.ID] = r
				}
			}
		}
		if len(req.QueryVec) > 0 {
			vec, err := s.VectorSearch(ctx, req.QueryVec, kind, candidateLimit)
			if err != nil {
				return nil, err
			}
			for _, r := range vec {
				if prev, ok := combined[r.Chunk.ID]; ok {
					prev.VectorScore = r.VectorScore
				} else {
					combined[r.Chunk.ID] = r
				}
			}
		}
	}

	const vectorWeight, lexicalWeight = 0.7, 0.3

	var results []*types.SearchResult
	for _, r := range combined {
		ok, err := s.inWindow(r.Chunk.OwnerPath, from, to)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		r.Score = r.VectorScore*vectorWeight + r.LexicalScore*lexicalWeight
		results = append(results, r)
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Chunk.ID < results[j].Chunk.ID
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func searchKinds(req *types.SearchRequest) []types.ChunkKind {
	if len(req.Kinds) > 0 {
		return req.Kinds
	}
	return []types.ChunkKind{""}
}

// resolveWindow maps commit-hash bounds onto timestamps and merges
// them with any explicit time bounds.
func (s *Store) resolveWindow(req *types.SearchRequest) (from, to int64, err error) {
	from, to = 0, math.MaxInt64
	if req.From != nil {
		from = req.From.Unix()
	}
	if req.To != nil {
		to = req.To.Unix()
	}
	if req.FromCommit != "" {
		c, err := s.GetCommit(req.FromCommit)
		if err != nil {
			return 0, 0, err
		}
		if ts := c.Timestamp.Unix(); ts > from {
			from = ts
		}
	}
	if req.ToCommit != "" {
		c, err := s.GetCommit(req.ToCommit)
		if err != nil {
			return 0, 0, err
		}
		if ts := c.Timestamp.Unix(); ts < to {
			to = ts
		}
	}
	return from, to, nil
}

// inWindow reports whether a file was touched inside [from, to]. An
// unbounded window always matches, including chunks for files with no
// recorded touches.
func (s *Store) inWindow(path string, from, to int64) (bool, error) {
	if from == 0 && to == math.MaxInt64 {
		return true, nil
	}
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM touches
		WHERE file_path = ? AND date >= ? AND date <= ?
	`, path, from, to).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ChunkLinks returns the strongest links from a chunk, joined with the
// target chunk where the target is a chunk node.
func (s *Store) ChunkLinks(ctx context.Context, chunkID string, limit int) ([]*types.ChunkLink, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT src_kind, src_id, dst_kind, dst_id, rel, method, score, confidence, evidence, provenance, date
		FROM derived_edges
		WHERE src_id = ?
		ORDER BY confidence DESC, dst_id
		LIMIT ?
	`, chunkID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	edges, err := scanEdges(rows)
	if err != nil {
		return nil, err
	}

	var links []*types.ChunkLink
	for _, e := range edges {
		link := &types.ChunkLink{Edge: e}
		if e.DstKind == types.NodeChunk {
			c, err := s.GetChunk(e.DstID)
			if err == nil {
				link.Chunk = c
			}
		}
		links = append(links, link)
	}
	return links, nil
}

// EdgesByRel returns derived edges of one relationship kind.
func (s *Store) EdgesByRel(rel types.RelKind, limit int) ([]*types.DerivedEdge, error) {
	if limit <= 0 {
		limit = -1 // SQLite treats a negative LIMIT as unbounded
	}
	rows, err := s.db.Query(`
		SELECT src_kind, src_id, dst_kind, dst_id, rel, method, score, confidence, evidence, provenance, date
		FROM derived_edges
		WHERE rel = ?
		ORDER BY confidence DESC, src_id, dst_id
		LIMIT ?
	`, string(rel), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEdges(rows)
}

func scanEdges(rows *sql.Rows) ([]*types.DerivedEdge, error) {
	var edges []*types.DerivedEdge
	for rows.Next() {
		var (
			e          types.DerivedEdge
			srcKind    string
			dstKind    string
			rel        string
			method     string
			evidence   sql.NullString
			provenance sql.NullString
			date       int64
		)
		err := rows.Scan(&srcKind, &e.SrcID, &dstKind, &e.DstID, &rel, &method,
			&e.Score, &e.Confidence, &evidence, &provenance, &date)
		if err != nil {
			return nil, err
		}
		e.SrcKind = types.NodeKind(srcKind)
		e.DstKind = types.NodeKind(dstKind)
		e.Rel = types.RelKind(rel)
		e.Method = types.EdgeMethod(method)
		e.Provenance = provenance.String
		e.Timestamp = time.Unix(date, 0)
		if evidence.Valid && evidence.String != "" && evidence.String != "null" {
			if err := json.Unmarshal([]byte(evidence.String), &e.Evidence); err != nil {
				return nil, err
			}
		}
		edges = append(edges, &e)
	}
	return edges, rows.Err()
}

// Stats returns node and edge counts.
func (s *Store) Stats() (*types.GraphStats, error) {
	stats := &types.GraphStats{}

	counts := []struct {
		query string
		dest  *int64
	}{
		{"SELECT COUNT(*) FROM commits", &stats.Commits},
		{"SELECT COUNT(*) FROM files", &stats.Files},
		{"SELECT COUNT(*) FROM touches", &stats.Touches},
		{"SELECT COUNT(*) FROM documents", &stats.Documents},
		{"SELECT COUNT(*) FROM chunks", &stats.Chunks},
		{"SELECT COUNT(*) FROM chunks WHERE embedded_at IS NOT NULL", &stats.EmbeddedChunks},
		{"SELECT COUNT(*) FROM requirements", &stats.Requirements},
		{"SELECT COUNT(*) FROM derived_edges", &stats.DerivedEdges},
	}
	for _, c := range counts {
		if err := s.db.QueryRow(c.query).Scan(c.dest); err != nil {
			return nil, err
		}
	}

	var oldest, newest sql.NullInt64
	if err := s.db.QueryRow("SELECT MIN(date), MAX(date) FROM commits").Scan(&oldest, &newest); err != nil {
		return nil, err
	}
	if oldest.Valid {
		stats.OldestCommit = time.Unix(oldest.Int64, 0)
	}
	if newest.Valid {
		stats.NewestCommit = time.Unix(newest.Int64, 0)
	}

	return stats, nil
}

// SchemaTables lists the tables present in the database.
func (s *Store) SchemaTables() ([]string, error) {
	rows, err := s.db.Query(`
		SELECT name FROM sqlite_master
		WHERE type = 'table' AND name NOT LIKE 'sqlite_%'
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// OrphanChunkCount counts chunks whose owner is in neither the files
// nor the documents table. Orphans are reported, never deleted here.
func (s *Store) OrphanChunkCount() (int64, error) {
	var n int64
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM chunks c
		WHERE NOT EXISTS (SELECT 1 FROM files f WHERE f.path = c.owner_path)
		  AND NOT EXISTS (SELECT 1 FROM documents d WHERE d.path = c.owner_path)
	`).Scan(&n)
	return n, err
}

// prefixedChunkColumns qualifies the chunk column list with a table alias.
func prefixedChunkColumns(alias string) string {
	cols := strings.Split(chunkColumns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

// scanChunkRowWithLead scans a leading float column followed by the
// chunk columns.
func scanChunkRowWithLead(rows *sql.Rows, lead *float64) (*types.Chunk, error) {
	return scanChunkRow(func(dest ...any) error {
		all := append([]any{lead}, dest...)
		return rows.Scan(all...)
	})
}
