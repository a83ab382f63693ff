package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/repograph/repograph/internal/metrics"
	"github.com/repograph/repograph/pkg/provider"
	"github.com/repograph/repograph/pkg/types"
)

// Embedder runs the embedding pass: it drains unembedded chunks from
// the store in provider-sized batches and writes vectors back. A chunk
// that fails permanently is marked with the error instead of blocking
// the rest of the batch.
type Embedder struct {
	store    provider.GraphStore
	provider provider.EmbeddingProvider
	onBatch  func(embedded, failed int)
}

// EmbedderConfig contains embedder dependencies.
type EmbedderConfig struct {
	Store    provider.GraphStore
	Provider provider.EmbeddingProvider
	OnBatch  func(embedded, failed int)
}

// NewEmbedder creates a new embedder.
func NewEmbedder(cfg EmbedderConfig) *Embedder {
	return &Embedder{
		store:    cfg.Store,
		provider: cfg.Provider,
		onBatch:  cfg.OnBatch,
	}
}

// Run embeds all pending chunks and returns a pass report.
func (e *Embedder) Run(ctx context.Context) (*types.EmbedReport, error) {
	start := time.Now()
	report := &types.EmbedReport{}

	if err := e.store.ApplySchema(e.provider.Dimensions()); err != nil {
		return nil, err
	}

	batchSize := e.provider.MaxBatchSize()
	if batchSize <= 0 {
		batchSize = 1
	}
	maxChars := e.provider.MaxInputChars()

	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		chunks, err := e.store.UnembeddedChunks(batchSize)
		if err != nil {
			return report, err
		}
		if len(chunks) == 0 {
			break
		}

		texts := make([]string, len(chunks))
		for i, c := range chunks {
			text := c.Text
			if maxChars > 0 && len(text) > maxChars {
				text = text[:maxChars]
				report.Truncated++
			}
			texts[i] = text
		}

		callStart := time.Now()
		vectors, err := e.provider.Embed(ctx, texts)
		metrics.EmbedBatchDuration.Observe(time.Since(callStart).Seconds())
		if err != nil {
			// Batch failed as a whole. Retry items one at a time so a
			// single bad input cannot sink its neighbours.
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			slog.Warn("embedding batch failed, isolating items", "size", len(chunks), "error", err)
			report.Retried++
			e.embedIndividually(ctx, chunks, texts, report)
			continue
		}

		embedded := chunks[:0]
		for i, c := range chunks {
			if i < len(vectors) && len(vectors[i]) > 0 {
				c.Embedding = vectors[i]
				embedded = append(embedded, c)
			} else {
				if markErr := e.store.MarkChunkEmbedError(c.ID, "provider returned no vector"); markErr != nil {
					return report, markErr
				}
				report.Failed++
				metrics.EmbeddingFailures.Inc()
			}
		}
		if err := e.store.SetChunkEmbeddings(embedded); err != nil {
			return report, err
		}
		report.Embedded += len(embedded)

		if e.onBatch != nil {
			e.onBatch(report.Embedded, report.Failed)
		}
	}

	report.Duration = time.Since(start)
	slog.Info("embedding pass complete",
		"embedded", report.Embedded,
		"failed", report.Failed,
		"truncated", report.Truncated,
		"duration", report.Duration)
	return report, nil
}

// embedIndividually retries each chunk of a failed batch on its own.
// Failures are recorded on the chunk so the next pass skips it.
func (e *Embedder) embedIndividually(ctx context.Context, chunks []*types.Chunk, texts []string, report *types.EmbedReport) {
	for i, c := range chunks {
		if ctx.Err() != nil {
			return
		}
		vectors, err := e.provider.Embed(ctx, texts[i:i+1])
		if err != nil || len(vectors) == 0 || len(vectors[0]) == 0 {
			reason := "provider returned no vector"
			if err != nil {
				reason = err.Error()
			}
			if markErr := e.store.MarkChunkEmbedError(c.ID, reason); markErr != nil {
				slog.Error("failed to mark embed error", "chunk", c.ID, "error", markErr)
			}
			report.Failed++
			metrics.EmbeddingFailures.Inc()
			continue
		}
		c.Embedding = vectors[0]
		if err := e.store.SetChunkEmbeddings([]*types.Chunk{c}); err != nil {
			slog.Error("failed to store embedding", "chunk", c.ID, "error", err)
			report.Failed++
			continue
		}
		report.Embedded++
	}
}
