package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/repograph/repograph/internal/metrics"
	"github.com/repograph/repograph/pkg/types"
)

// writeResult accumulates writer-side counters for the run report.
type writeResult struct {
	retried int
	failed  int
}

// write drains the batches through the writer pool. Ordered batches go
// to a dedicated writer that applies them strictly in sequence and
// advances the resume point; unordered batches arrive on a bounded
// channel fed by the chunking stage and go to the second writer, or to
// the same writer after the ordered queue drains when only one writer
// is configured. The ordered queue is bounded too, so producers block
// instead of growing memory without limit.
func (o *Orchestrator) write(ctx context.Context, ordered []*types.Batch, unorderedCh <-chan *types.Batch) (writeResult, error) {
	orderedCh := make(chan *types.Batch, o.config.Ingest.QueueDepth)
	go func() {
		defer close(orderedCh)
		for _, b := range ordered {
			select {
			case orderedCh <- b:
			case <-ctx.Done():
				return
			}
		}
	}()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		result   writeResult
		firstErr error
	)
	record := func(res writeResult, err error) {
		mu.Lock()
		defer mu.Unlock()
		result.retried += res.retried
		result.failed += res.failed
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		res, err := o.drainOrdered(ctx, orderedCh)
		if err == nil && o.config.Ingest.Writers < 2 {
			var res2 writeResult
			res2, err = o.drainUnordered(ctx, unorderedCh)
			res.retried += res2.retried
			res.failed += res2.failed
		}
		record(res, err)
	}()

	if o.config.Ingest.Writers >= 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := o.drainUnordered(ctx, unorderedCh)
			record(res, err)
		}()
	}

	wg.Wait()

	// A writer that stopped early leaves its producer blocked on send.
	// Discard whatever is still queued so the producers can finish.
	if firstErr != nil {
		for range orderedCh {
		}
		if unorderedCh != nil {
			for range unorderedCh {
			}
		}
	}
	return result, firstErr
}

// drainOrdered applies commit/touch batches oldest first. The sequence
// gate guards against reordering: a batch out of sequence is a bug, not
// a recoverable condition. The resume point only advances past batches
// whose units all applied; once a unit is dropped it stays put, so the
// next incremental run revisits the dropped commits.
func (o *Orchestrator) drainOrdered(ctx context.Context, ch <-chan *types.Batch) (writeResult, error) {
	var res writeResult
	next := 0
	advance := true
	for batch := range ch {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if batch.Seq != next {
			return res, fmt.Errorf("ordered batch out of sequence: got %d, want %d", batch.Seq, next)
		}
		next++

		before := res.failed
		if err := o.applyWithRetry(ctx, batch, &res); err != nil {
			return res, err
		}
		metrics.BatchesApplied.WithLabelValues("ordered").Inc()

		if res.failed > before {
			advance = false
		}
		if n := len(batch.Commits); advance && n > 0 {
			if err := o.store.SetLastMergedCommit(batch.Commits[n-1].Hash); err != nil {
				return res, fmt.Errorf("failed to advance resume point: %w", err)
			}
		}
		o.updateProgress("writing", len(batch.Commits), 0, "")
	}
	return res, nil
}

func (o *Orchestrator) drainUnordered(ctx context.Context, ch <-chan *types.Batch) (writeResult, error) {
	var res writeResult
	if ch == nil {
		return res, nil
	}
	for batch := range ch {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := o.applyWithRetry(ctx, batch, &res); err != nil {
			return res, err
		}
		metrics.BatchesApplied.WithLabelValues("unordered").Inc()
		metrics.ChunksWritten.Add(float64(len(batch.Chunks)))
	}
	return res, nil
}

// applyWithRetry applies one batch, splitting it in half and retrying
// once on failure. Units that fail even in a half batch are counted and
// dropped rather than failing the run.
func (o *Orchestrator) applyWithRetry(ctx context.Context, batch *types.Batch, res *writeResult) error {
	err := o.store.ApplyBatch(ctx, batch)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	slog.Warn("batch apply failed, retrying halves", "seq", batch.Seq, "size", batch.Size(), "error", err)
	res.retried++
	metrics.BatchRetries.Inc()

	lo, hi := batch.Split()
	for _, half := range []*types.Batch{lo, hi} {
		if half.Size() == 0 {
			continue
		}
		if err := o.store.ApplyBatch(ctx, half); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Error("half batch failed, dropping", "seq", half.Seq, "size", half.Size(), "error", err)
			res.failed += half.Size()
		}
	}
	return nil
}
