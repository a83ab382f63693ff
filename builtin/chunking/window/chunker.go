// Package window implements fixed-size overlapping window chunking.
// It is the fallback for languages without a parser, so no content is
// lost to truncation.
package window

import (
	"fmt"
	"strings"

	"github.com/repograph/repograph/pkg/provider"
	"github.com/repograph/repograph/pkg/types"
)

// Default values
const (
	DefaultWindowLines = 80
	DefaultOverlap     = 20
)

// Config contains configuration for window chunking.
type Config struct {
	WindowLines int
	Overlap     int
}

// Chunker slices files into overlapping line windows. Pure function of
// content: identical input yields identical chunk sets.
type Chunker struct {
	config Config
}

// New creates a new window chunker.
func New(cfg Config) *Chunker {
	if cfg.WindowLines == 0 {
		cfg.WindowLines = DefaultWindowLines
	}
	if cfg.Overlap == 0 {
		cfg.Overlap = DefaultOverlap
	}
	if cfg.Overlap >= cfg.WindowLines {
		cfg.Overlap = cfg.WindowLines / 4
	}
	return &Chunker{config: cfg}
}

// Name returns the chunker name.
func (c *Chunker) Name() string {
	return "window"
}

// SupportsLanguage always reports true; the window strategy needs no parser.
func (c *Chunker) SupportsLanguage(string) bool {
	return true
}

// Chunk slices content into windows of WindowLines with Overlap lines
// shared between consecutive windows.
func (c *Chunker) Chunk(path, language string, content []byte) ([]*types.Chunk, error) {
	text := strings.TrimRight(string(content), "\n")
	if text == "" {
		return nil, nil
	}
	lines := strings.Split(text, "\n")

	step := c.config.WindowLines - c.config.Overlap

	var chunks []*types.Chunk
	for start := 0; start < len(lines); start += step {
		end := start + c.config.WindowLines
		if end > len(lines) {
			end = len(lines)
		}

		body := strings.Join(lines[start:end], "\n")
		span := fmt.Sprintf("%d-%d", start+1, end)

		chunks = append(chunks, &types.Chunk{
			ID:        types.CodeChunkID(path, span),
			Kind:      types.ChunkKindCode,
			OwnerPath: path,
			StartLine: start + 1,
			EndLine:   end,
			Text:      body,
			Length:    len(body),
		})

		if end == len(lines) {
			break
		}
	}

	return chunks, nil
}

// Close releases nothing; the window chunker holds no resources.
func (c *Chunker) Close() error {
	return nil
}

var _ provider.CodeChunker = (*Chunker)(nil)
