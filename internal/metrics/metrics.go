// Package metrics exposes Prometheus instrumentation for ingestion,
// embedding, and query paths, plus an optional /metrics listener.
package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// BatchesApplied counts graph mutation batches by queue.
	BatchesApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "repograph",
		Name:      "batches_applied_total",
		Help:      "Graph mutation batches applied, by queue.",
	}, []string{"queue"})

	// BatchRetries counts split-retry events in the writer.
	BatchRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "repograph",
		Name:      "batch_retries_total",
		Help:      "Batches that failed once and were split for retry.",
	})

	// ChunksWritten counts chunks merged into the graph.
	ChunksWritten = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "repograph",
		Name:      "chunks_written_total",
		Help:      "Chunks merged into the graph.",
	})

	// EmbeddingFailures counts chunks marked with a permanent
	// embedding error.
	EmbeddingFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "repograph",
		Name:      "embedding_failures_total",
		Help:      "Chunks that could not be embedded.",
	})

	// EmbedBatchDuration observes embedding provider call latency.
	EmbedBatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "repograph",
		Name:      "embed_batch_duration_seconds",
		Help:      "Latency of embedding provider batch calls.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
	})

	// QueryDuration observes end-to-end query latency per operation.
	QueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "repograph",
		Name:      "query_duration_seconds",
		Help:      "End-to-end query latency.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"operation"})

	// VectorSearchDuration observes nearest-neighbour scan latency.
	VectorSearchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "repograph",
		Name:      "vector_search_duration_seconds",
		Help:      "Latency of vector index scans.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	// EdgesMerged counts derived edges merged, by relationship.
	EdgesMerged = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "repograph",
		Name:      "edges_merged_total",
		Help:      "Derived edges merged, by relationship.",
	}, []string{"rel"})
)

// ObserveQuery times one query operation.
func ObserveQuery(operation string, start time.Time) {
	QueryDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// Serve exposes /metrics on addr until ctx is cancelled. A blank addr
// disables the listener.
func Serve(ctx context.Context, addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	go func() {
		slog.Info("metrics listener started", "addr", addr, "path", "/metrics")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Warn("metrics listener failed", "error", err)
		}
	}()
}
