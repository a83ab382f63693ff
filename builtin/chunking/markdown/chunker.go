// Package markdown implements heading-bounded document chunking.
// Sections are walked at heading ranks 2 and 3; each section runs from
// its heading to the next heading of the same or higher rank.
package markdown

import (
	"strings"

	"github.com/repograph/repograph/pkg/provider"
	"github.com/repograph/repograph/pkg/types"
)

// DefaultMinSection is the minimum section length in characters.
// Shorter sections are dropped as noise.
const DefaultMinSection = 80

// Config contains configuration for markdown chunking.
type Config struct {
	MinSection int
}

// Chunker splits markdown documents into prose section chunks.
// It is a pure function of content: identical input always yields
// identical chunk ids and text, so re-runs are safe.
type Chunker struct {
	config Config
}

// New creates a new markdown chunker.
func New(cfg Config) *Chunker {
	if cfg.MinSection == 0 {
		cfg.MinSection = DefaultMinSection
	}
	return &Chunker{config: cfg}
}

// Name returns the chunker name.
func (c *Chunker) Name() string {
	return "markdown"
}

type section struct {
	heading string
	rank    int
	lines   []string
}

// Chunk splits a document body into heading-bounded prose chunks.
// The document title is filled from the first rank-1 heading when unset.
func (c *Chunker) Chunk(doc *types.Document, content []byte) ([]*types.Chunk, error) {
	lines := strings.Split(string(content), "\n")

	var sections []section
	var current *section
	inFence := false

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)

		// Headings inside fenced code blocks are content, not structure.
		if strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~") {
			inFence = !inFence
		}

		rank := headingRank(trimmed)
		if !inFence && rank > 0 {
			if rank == 1 && doc.Title == "" {
				doc.Title = headingText(trimmed)
			}
			if rank <= 3 {
				// Any rank 1-3 heading closes the open section.
				if current != nil {
					sections = append(sections, *current)
					current = nil
				}
				if rank >= 2 {
					current = &section{heading: headingText(trimmed), rank: rank}
					current.lines = append(current.lines, line)
				}
				continue
			}
		}

		if current != nil {
			current.lines = append(current.lines, line)
		}
	}
	if current != nil {
		sections = append(sections, *current)
	}

	var chunks []*types.Chunk
	for i, sec := range sections {
		text := strings.TrimSpace(strings.Join(sec.lines, "\n"))
		if len(text) < c.config.MinSection {
			continue
		}

		slug := types.Slugify(sec.heading)
		chunks = append(chunks, &types.Chunk{
			ID:        types.ProseChunkID(doc.Path, i, slug),
			Kind:      types.ChunkKindProse,
			OwnerPath: doc.Path,
			Heading:   sec.heading,
			Slug:      slug,
			Ordinal:   i,
			Text:      text,
			Length:    len(text),
		})
	}

	return chunks, nil
}

// headingRank returns the ATX heading rank, or 0 for non-headings.
func headingRank(line string) int {
	if !strings.HasPrefix(line, "#") {
		return 0
	}
	rank := 0
	for rank < len(line) && line[rank] == '#' {
		rank++
	}
	if rank > 6 || rank == len(line) || line[rank] != ' ' {
		return 0
	}
	return rank
}

// headingText strips the hash prefix and trailing decoration.
func headingText(line string) string {
	return strings.TrimSpace(strings.TrimRight(strings.TrimLeft(line, "# "), "# "))
}

var _ provider.DocChunker = (*Chunker)(nil)
