// Package derive builds evidence-scored relationships between the
// entities already in the graph: doc sections to code, requirements to
// files, and requirements to their predecessors.
package derive

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/repograph/repograph/internal/config"
	"github.com/repograph/repograph/internal/metrics"
	"github.com/repograph/repograph/pkg/provider"
	"github.com/repograph/repograph/pkg/types"
)

// derivePageSize bounds how many chunks one derivation page loads.
const derivePageSize = 200

// Deriver runs the relationship derivation passes.
type Deriver struct {
	store     provider.GraphStore
	embedding provider.EmbeddingProvider // optional, enables vector evidence
	config    *config.Config
	runID     string
}

// Config contains deriver dependencies.
type Config struct {
	Store     provider.GraphStore
	Embedding provider.EmbeddingProvider
	Config    *config.Config
}

// New creates a new deriver.
func New(cfg Config) *Deriver {
	return &Deriver{
		store:     cfg.Store,
		embedding: cfg.Embedding,
		config:    cfg.Config,
		runID:     uuid.NewString(),
	}
}

// Run executes all derivation passes and merges the resulting edges.
func (d *Deriver) Run(ctx context.Context) (*types.DeriveReport, error) {
	start := time.Now()
	report := &types.DeriveReport{}

	links, sources, err := d.deriveLinksTo(ctx)
	if err != nil {
		return nil, fmt.Errorf("links_to derivation failed: %w", err)
	}
	report.LinksTo = len(links)
	report.Sources = sources

	implements, err := d.deriveImplements(ctx)
	if err != nil {
		return nil, fmt.Errorf("implements derivation failed: %w", err)
	}
	report.Implements = len(implements)

	evolves, err := d.deriveEvolvesFrom(ctx)
	if err != nil {
		return nil, fmt.Errorf("evolves_from derivation failed: %w", err)
	}
	report.EvolvesFrom = len(evolves)

	all := append(links, implements...)
	all = append(all, evolves...)
	if err := d.store.MergeDerivedEdges(ctx, all); err != nil {
		return nil, fmt.Errorf("failed to merge edges: %w", err)
	}
	for _, e := range all {
		metrics.EdgesMerged.WithLabelValues(string(e.Rel)).Inc()
	}

	report.Duration = time.Since(start)
	slog.Info("derivation complete",
		"run", d.runID,
		"links_to", report.LinksTo,
		"implements", report.Implements,
		"evolves_from", report.EvolvesFrom,
		"duration", report.Duration)
	return report, nil
}

// FuseConfidence combines independent evidence probabilities. The
// result never drops below either input.
func FuseConfidence(prev, next float64) float64 {
	return 1.0 - (1.0-prev)*(1.0-next)
}

// candidate accumulates evidence for one potential edge target.
type candidate struct {
	lexical  float64
	vector   float64
	evidence []string
}

func (c *candidate) confidence() float64 {
	return FuseConfidence(c.lexical, c.vector)
}

func (c *candidate) method() types.EdgeMethod {
	switch {
	case c.lexical > 0 && c.vector > 0:
		return types.MethodFused
	case c.vector > 0:
		return types.MethodVector
	default:
		return types.MethodLexical
	}
}

// deriveLinksTo links each prose chunk to the code chunks it most
// likely describes, using lexical and, when available, vector recall.
func (d *Deriver) deriveLinksTo(ctx context.Context) ([]*types.DerivedEdge, int, error) {
	var edges []*types.DerivedEdge
	sources := 0
	breadth := d.config.Derive.SearchBreadth

	for offset := 0; ; offset += derivePageSize {
		page, err := d.store.ChunksByKind(types.ChunkKindProse, derivePageSize, offset)
		if err != nil {
			return nil, 0, err
		}
		if len(page) == 0 {
			break
		}

		for _, chunk := range page {
			if err := ctx.Err(); err != nil {
				return nil, 0, err
			}

			query := queryText(chunk)
			if query == "" {
				continue
			}

			cands := make(map[string]*candidate)

			lex, err := d.store.LexicalSearch(ctx, query, types.ChunkKindCode, breadth)
			if err != nil {
				return nil, 0, err
			}
			for _, r := range lex {
				c := getCandidate(cands, r.Chunk.ID)
				c.lexical = r.LexicalScore
				c.evidence = append(c.evidence, fmt.Sprintf("lexical match %.2f", r.LexicalScore))
			}

			if d.embedding != nil {
				vecs, err := d.embedding.Embed(ctx, []string{query})
				if err != nil {
					slog.Warn("query embedding failed, lexical only", "chunk", chunk.ID, "error", err)
				} else if len(vecs) == 1 {
					vec, err := d.store.VectorSearch(ctx, vecs[0], types.ChunkKindCode, breadth)
					if err != nil {
						return nil, 0, err
					}
					for _, r := range vec {
						if r.VectorScore <= 0 {
							continue
						}
						c := getCandidate(cands, r.Chunk.ID)
						c.vector = r.VectorScore
						c.evidence = append(c.evidence, fmt.Sprintf("vector similarity %.2f", r.VectorScore))
					}
				}
			}

			chunkEdges := d.rankCandidates(chunk.ID, types.NodeChunk, types.NodeChunk, types.RelLinksTo,
				cands, d.config.Derive.LinkThreshold)
			if len(chunkEdges) > 0 {
				sources++
				edges = append(edges, chunkEdges...)
			}
		}

		if len(page) < derivePageSize {
			break
		}
	}

	return edges, sources, nil
}

// deriveImplements links each requirement to the files that realize
// it. Evidence combines code-chunk text matches with commits that both
// mention the requirement key and touch the file.
func (d *Deriver) deriveImplements(ctx context.Context) ([]*types.DerivedEdge, error) {
	reqs, err := d.store.Requirements()
	if err != nil {
		return nil, err
	}

	var edges []*types.DerivedEdge
	for _, req := range reqs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		mentioning, err := d.store.CommitsReferencing(req.Key)
		if err != nil {
			return nil, err
		}
		mentionSet := make(map[string]string, len(mentioning))
		for _, c := range mentioning {
			mentionSet[c.Hash] = c.ShortHash
		}

		cands := make(map[string]*candidate)

		results, err := d.store.LexicalSearch(ctx, req.Key, types.ChunkKindCode, d.config.Derive.SearchBreadth)
		if err != nil {
			return nil, err
		}
		for _, r := range results {
			c := getCandidate(cands, r.Chunk.OwnerPath)
			if r.LexicalScore > c.lexical {
				c.lexical = r.LexicalScore
			}
			c.evidence = append(c.evidence, fmt.Sprintf("chunk %s mentions %s", r.Chunk.ID, req.Key))
		}

		// Commit evidence: commits that reference the key tie it to the
		// files they touched.
		for path, c := range cands {
			touches, err := d.store.TouchesForFile(path)
			if err != nil {
				return nil, err
			}
			for _, t := range touches {
				if short, ok := mentionSet[t.CommitHash]; ok {
					c.vector = FuseConfidence(c.vector, 0.4)
					c.evidence = append(c.evidence, fmt.Sprintf("commit %s references %s", short, req.Key))
				}
			}
		}

		edges = append(edges, d.rankCandidates(req.Key, types.NodeRequirement, types.NodeFile,
			types.RelImplements, cands, d.config.Derive.ImplementThreshold)...)
	}
	return edges, nil
}

// deriveEvolvesFrom links a requirement to the earlier requirement it
// grew out of. An edge needs both title token overlap above threshold
// and a commit that mentions the two keys together. Birth order comes
// from the first commit mentioning each key, falling back to key order.
func (d *Deriver) deriveEvolvesFrom(ctx context.Context) ([]*types.DerivedEdge, error) {
	reqs, err := d.store.Requirements()
	if err != nil {
		return nil, err
	}
	if len(reqs) < 2 {
		return nil, nil
	}

	born := make(map[string]time.Time, len(reqs))
	mentions := make(map[string]map[string]string, len(reqs))
	for _, req := range reqs {
		commits, err := d.store.CommitsReferencing(req.Key)
		if err != nil {
			return nil, err
		}
		if len(commits) > 0 {
			born[req.Key] = commits[0].Timestamp
		}
		set := make(map[string]string, len(commits))
		for _, c := range commits {
			set[c.Hash] = c.ShortHash
		}
		mentions[req.Key] = set
	}

	// sharedCommit finds a commit whose message references both keys.
	sharedCommit := func(a, b string) (string, bool) {
		for hash, short := range mentions[a] {
			if _, ok := mentions[b][hash]; ok {
				return short, true
			}
		}
		return "", false
	}

	older := func(a, b *types.Requirement) bool {
		ta, oka := born[a.Key]
		tb, okb := born[b.Key]
		if oka && okb && !ta.Equal(tb) {
			return ta.Before(tb)
		}
		return a.Key < b.Key
	}

	var edges []*types.DerivedEdge
	for i, a := range reqs {
		for _, b := range reqs[i+1:] {
			sim := jaccard(tokens(a.Title+" "+a.Description), tokens(b.Title+" "+b.Description))
			if sim < d.config.Derive.EvolveThreshold {
				continue
			}
			newer, elder := a, b
			if older(a, b) {
				newer, elder = b, a
			}
			short, ok := sharedCommit(newer.Key, elder.Key)
			if !ok {
				continue
			}
			edges = append(edges, &types.DerivedEdge{
				SrcKind:    types.NodeRequirement,
				SrcID:      newer.Key,
				DstKind:    types.NodeRequirement,
				DstID:      elder.Key,
				Rel:        types.RelEvolvesFrom,
				Method:     types.MethodLexical,
				Score:      sim,
				Confidence: sim,
				Evidence: []string{
					fmt.Sprintf("title overlap %.2f", sim),
					fmt.Sprintf("commit %s mentions %s and %s", short, newer.Key, elder.Key),
				},
				Provenance: d.runID,
				Timestamp:  time.Now(),
			})
		}
	}
	return edges, nil
}

// rankCandidates turns a candidate map into edges: threshold, rank by
// confidence with ascending id as the tie-break, cap per source.
func (d *Deriver) rankCandidates(srcID string, srcKind, dstKind types.NodeKind, rel types.RelKind,
	cands map[string]*candidate, threshold float64) []*types.DerivedEdge {

	type scored struct {
		id string
		c  *candidate
	}
	var ranked []scored
	for id, c := range cands {
		if id == srcID {
			continue
		}
		if c.confidence() < threshold {
			continue
		}
		ranked = append(ranked, scored{id: id, c: c})
	}

	sort.Slice(ranked, func(i, j int) bool {
		ci, cj := ranked[i].c.confidence(), ranked[j].c.confidence()
		if ci != cj {
			return ci > cj
		}
		return ranked[i].id < ranked[j].id
	})

	if max := d.config.Derive.MaxEdgesPerSource; max > 0 && len(ranked) > max {
		ranked = ranked[:max]
	}

	edges := make([]*types.DerivedEdge, 0, len(ranked))
	for _, r := range ranked {
		score := r.c.lexical
		if r.c.vector > score {
			score = r.c.vector
		}
		edges = append(edges, &types.DerivedEdge{
			SrcKind:    srcKind,
			SrcID:      srcID,
			DstKind:    dstKind,
			DstID:      r.id,
			Rel:        rel,
			Method:     r.c.method(),
			Score:      score,
			Confidence: r.c.confidence(),
			Evidence:   r.c.evidence,
			Provenance: d.runID,
			Timestamp:  time.Now(),
		})
	}
	return edges
}

func getCandidate(m map[string]*candidate, id string) *candidate {
	if c, ok := m[id]; ok {
		return c
	}
	c := &candidate{}
	m[id] = c
	return c
}

// queryText builds the recall query for a prose chunk from its heading
// and leading text.
func queryText(chunk *types.Chunk) string {
	text := chunk.Text
	if len(text) > 200 {
		text = text[:200]
	}
	return strings.TrimSpace(chunk.Heading + " " + text)
}

// tokens lowercases and splits text into a set of words of length >= 3.
func tokens(text string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	}) {
		if len(w) >= 3 {
			set[w] = true
		}
	}
	return set
}

// jaccard computes set overlap in [0,1].
func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for w := range a {
		if b[w] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
