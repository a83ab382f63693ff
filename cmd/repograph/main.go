// repograph builds a temporal knowledge graph from a repository's
// commit history, documentation, and code, and answers time-windowed
// questions about it.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	_ "github.com/repograph/repograph/builtin"
	"github.com/repograph/repograph/builtin/chunking/markdown"
	"github.com/repograph/repograph/builtin/chunking/window"
	"github.com/repograph/repograph/internal/config"
	"github.com/repograph/repograph/internal/derive"
	"github.com/repograph/repograph/internal/ingest"
	"github.com/repograph/repograph/internal/metrics"
	"github.com/repograph/repograph/internal/query"
	"github.com/repograph/repograph/internal/validate"
	"github.com/repograph/repograph/pkg/provider"
	"github.com/repograph/repograph/pkg/types"
)

var (
	version     = "0.1.0"
	logLevel    string
	logFormat   string
	metricsAddr string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "repograph",
	Short: "Temporal repository knowledge graph",
	Long: `repograph ingests a repository's commit history, documentation, and
code into a temporal knowledge graph, derives evidence-scored links
between prose and code, and answers time-windowed queries against it.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("repograph %s\n", version)
		fmt.Printf("Go version: %s\n", runtime.Version())
		fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	},
}

var ingestCmd = &cobra.Command{
	Use:   "ingest [path]",
	Short: "Ingest repository history and content into the graph",
	Long: `Ingest reads the commit history, chunks documentation and code, and
merges everything into the graph. Without --full the run resumes from
the last merged commit. Embedding runs afterwards unless --no-embed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		full, _ := cmd.Flags().GetBool("full")
		noEmbed, _ := cmd.Flags().GetBool("no-embed")
		return runIngest(argPath(args), full, noEmbed)
	},
}

var embedCmd = &cobra.Command{
	Use:   "embed [path]",
	Short: "Embed pending chunks",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEmbed(argPath(args))
	},
}

var linkCmd = &cobra.Command{
	Use:   "link [path]",
	Short: "Derive relationships between docs, code, and requirements",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLink(argPath(args))
	},
}

var queryCmd = &cobra.Command{
	Use:   "query <text>",
	Short: "Search the graph within an optional time or commit window",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		from, _ := cmd.Flags().GetString("from")
		to, _ := cmd.Flags().GetString("to")
		fromCommit, _ := cmd.Flags().GetString("from-commit")
		toCommit, _ := cmd.Flags().GetString("to-commit")
		kind, _ := cmd.Flags().GetString("kind")
		asJSON, _ := cmd.Flags().GetBool("json")
		return runQuery(args[0], limit, from, to, fromCommit, toCommit, kind, asJSON)
	},
}

var linksCmd = &cobra.Command{
	Use:   "links <chunk-id>",
	Short: "Show derived links for a chunk",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		return runLinks(args[0], limit)
	},
}

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Reconstruct the file tree as of a time or commit",
	RunE: func(cmd *cobra.Command, args []string) error {
		at, _ := cmd.Flags().GetString("at")
		commit, _ := cmd.Flags().GetString("commit")
		return runState(at, commit)
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <file>",
	Short: "Show a file's touch history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runHistory(args[0])
	},
}

var requirementCmd = &cobra.Command{
	Use:   "requirement <key>",
	Short: "Show a requirement and the files implementing it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRequirement(args[0])
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show graph statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatus()
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate [path]",
	Short: "Probe the graph for structural and consistency problems",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sample, _ := cmd.Flags().GetInt("drift-sample")
		return runValidate(argPath(args), sample)
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch [path]",
	Short: "Watch the repository and re-ingest on new commits",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		debounce, _ := cmd.Flags().GetInt("debounce")
		return runWatch(argPath(args), debounce)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create default configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runConfigInit()
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runConfigValidate()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "expose Prometheus metrics on this address")

	ingestCmd.Flags().Bool("full", false, "re-ingest the whole history instead of resuming")
	ingestCmd.Flags().Bool("no-embed", false, "skip the embedding pass")

	queryCmd.Flags().IntP("limit", "l", 10, "maximum results")
	queryCmd.Flags().String("from", "", "window start (RFC3339 or YYYY-MM-DD)")
	queryCmd.Flags().String("to", "", "window end (RFC3339 or YYYY-MM-DD)")
	queryCmd.Flags().String("from-commit", "", "window start commit hash")
	queryCmd.Flags().String("to-commit", "", "window end commit hash")
	queryCmd.Flags().String("kind", "", "restrict to chunk kind (prose, code)")
	queryCmd.Flags().Bool("json", false, "output as JSON")

	linksCmd.Flags().IntP("limit", "l", 10, "maximum links")

	stateCmd.Flags().String("at", "", "point in time (RFC3339 or YYYY-MM-DD, default now)")
	stateCmd.Flags().String("commit", "", "commit hash instead of a time")

	validateCmd.Flags().Int("drift-sample", validate.DefaultDriftSample, "documents to re-chunk for the drift probe")

	watchCmd.Flags().Int("debounce", 2000, "debounce time in milliseconds")

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configValidateCmd)

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(embedCmd)
	rootCmd.AddCommand(linkCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(linksCmd)
	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(requirementCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(configCmd)
}

func setupLogging() {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}
	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func argPath(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return "."
}

// signalContext returns a context cancelled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig.String())
		cancel()
	}()
	metrics.Serve(ctx, metricsAddr)
	return ctx, cancel
}

// loadConfig loads configuration for a repository root, printing any
// warnings.
func loadConfig(root string) (*config.Config, string, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, "", err
	}
	cfg, warnings, err := config.Load(abs)
	if err != nil {
		return nil, "", err
	}
	for _, w := range warnings {
		slog.Warn(w)
	}
	if errs := config.Validate(cfg); len(errs) > 0 {
		for _, e := range errs {
			fmt.Fprintf(os.Stderr, "config: %v\n", e)
		}
		return nil, "", fmt.Errorf("invalid configuration")
	}
	return cfg, abs, nil
}

// openStore creates and initializes the configured graph store.
func openStore(cfg *config.Config, root string) (provider.GraphStore, error) {
	store, err := provider.DefaultRegistry.CreateGraphStore(cfg.Store.Provider)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(config.ConfigDir(root), 0755); err != nil {
		return nil, err
	}
	if err := store.Init(cfg.DBPath(root)); err != nil {
		return nil, fmt.Errorf("failed to open graph store: %w", err)
	}
	return store, nil
}

func createEmbedding(cfg *config.Config) (provider.EmbeddingProvider, error) {
	return provider.DefaultRegistry.CreateEmbedding(cfg.Embedding.Provider, provider.EmbeddingConfig{
		Provider:  cfg.Embedding.Provider,
		Model:     cfg.Embedding.Model,
		Endpoint:  cfg.Embedding.Endpoint,
		APIKey:    cfg.Embedding.APIKey,
		BatchSize: cfg.Embedding.BatchSize,
		PluginCmd: cfg.Embedding.PluginCmd,
	})
}

// createChunkers builds the doc chunker, primary code chunker, and the
// window fallback for unparseable files.
func createChunkers(cfg *config.Config) (provider.DocChunker, provider.CodeChunker, provider.CodeChunker, error) {
	doc := markdown.New(markdown.Config{MinSection: cfg.Chunking.MinSection})

	code, err := provider.DefaultRegistry.CreateCodeChunker(cfg.Chunking.Strategy, provider.ChunkingConfig{
		Strategy:    cfg.Chunking.Strategy,
		WindowLines: cfg.Chunking.WindowLines,
		Overlap:     cfg.Chunking.Overlap,
	})
	if err != nil {
		return nil, nil, nil, err
	}

	fallback := window.New(window.Config{
		WindowLines: cfg.Chunking.WindowLines,
		Overlap:     cfg.Chunking.Overlap,
	})
	return doc, code, fallback, nil
}

// progressReporter renders one bar per ingestion phase.
func progressReporter() func(types.IngestProgress) {
	var bar *progressbar.ProgressBar
	var phase string
	return func(p types.IngestProgress) {
		if p.Phase != phase {
			if bar != nil {
				_ = bar.Finish()
				fmt.Fprintln(os.Stderr)
			}
			phase = p.Phase
			total := int64(p.TotalFiles)
			if phase == "reading" || phase == "writing" {
				total = int64(p.TotalCommits)
			}
			bar = progressbar.NewOptions64(total,
				progressbar.OptionSetDescription(phase),
				progressbar.OptionSetWriter(os.Stderr),
				progressbar.OptionShowCount(),
				progressbar.OptionThrottle(100*time.Millisecond),
			)
		}
		if bar == nil {
			return
		}
		switch phase {
		case "chunking":
			_ = bar.Set(p.ProcessedFiles)
		default:
			_ = bar.Set(p.ProcessedCommits)
		}
	}
}

func runIngest(root string, full, noEmbed bool) error {
	cfg, abs, err := loadConfig(root)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	store, err := openStore(cfg, abs)
	if err != nil {
		return err
	}
	defer store.Close()

	docChunker, codeChunker, fallback, err := createChunkers(cfg)
	if err != nil {
		return err
	}
	defer codeChunker.Close()
	defer fallback.Close()

	orch, err := ingest.New(ingest.Config{
		RepoDir:     abs,
		Config:      cfg,
		Store:       store,
		DocChunker:  docChunker,
		CodeChunker: codeChunker,
		Fallback:    fallback,
		OnProgress:  progressReporter(),
	})
	if err != nil {
		return err
	}

	report, err := orch.Run(ctx, full)
	if err != nil {
		return err
	}
	fmt.Printf("\nIngested %d commits, %d files, %d touches, %d documents, %d chunks, %d requirements in %s\n",
		report.Commits, report.Files, report.Touches, report.Documents,
		report.Chunks, report.Requirements, report.Duration.Round(time.Millisecond))
	if report.SkippedFiles > 0 {
		fmt.Printf("Skipped %d files\n", report.SkippedFiles)
	}
	if report.FailedUnits > 0 {
		fmt.Printf("Dropped %d failed units after retry\n", report.FailedUnits)
	}

	if noEmbed {
		return nil
	}
	return embedPending(ctx, cfg, store)
}

func runEmbed(root string) error {
	cfg, abs, err := loadConfig(root)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	store, err := openStore(cfg, abs)
	if err != nil {
		return err
	}
	defer store.Close()

	return embedPending(ctx, cfg, store)
}

func embedPending(ctx context.Context, cfg *config.Config, store provider.GraphStore) error {
	embedding, err := createEmbedding(cfg)
	if err != nil {
		return err
	}
	defer embedding.Close()

	embedder := ingest.NewEmbedder(ingest.EmbedderConfig{
		Store:    store,
		Provider: embedding,
		OnBatch: func(embedded, failed int) {
			fmt.Fprintf(os.Stderr, "\rembedding: %d done, %d failed", embedded, failed)
		},
	})
	report, err := embedder.Run(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("\nEmbedded %d chunks (%d failed, %d truncated) in %s\n",
		report.Embedded, report.Failed, report.Truncated, report.Duration.Round(time.Millisecond))
	return nil
}

func runLink(root string) error {
	cfg, abs, err := loadConfig(root)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	store, err := openStore(cfg, abs)
	if err != nil {
		return err
	}
	defer store.Close()

	var embedding provider.EmbeddingProvider
	if emb, err := createEmbedding(cfg); err == nil {
		embedding = emb
		defer emb.Close()
	} else {
		slog.Warn("embedding provider unavailable, deriving with lexical evidence only", "error", err)
	}

	deriver := derive.New(derive.Config{Store: store, Embedding: embedding, Config: cfg})
	report, err := deriver.Run(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Derived %d links_to, %d implements, %d evolves_from edges (%d sources) in %s\n",
		report.LinksTo, report.Implements, report.EvolvesFrom,
		report.Sources, report.Duration.Round(time.Millisecond))
	return nil
}

func runQuery(text string, limit int, from, to, fromCommit, toCommit, kind string, asJSON bool) error {
	cfg, abs, err := loadConfig(".")
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	store, err := openStore(cfg, abs)
	if err != nil {
		return err
	}
	defer store.Close()

	var embedding provider.EmbeddingProvider
	if emb, err := createEmbedding(cfg); err == nil {
		embedding = emb
		defer emb.Close()
	}

	req := &types.SearchRequest{
		Query:      text,
		Limit:      limit,
		FromCommit: fromCommit,
		ToCommit:   toCommit,
	}
	if from != "" {
		t, err := parseTime(from)
		if err != nil {
			return err
		}
		req.From = &t
	}
	if to != "" {
		t, err := parseTime(to)
		if err != nil {
			return err
		}
		req.To = &t
	}
	if kind != "" {
		req.Kinds = []types.ChunkKind{types.ChunkKind(kind)}
	}

	results, err := query.New(store, embedding).Search(ctx, req)
	if err != nil {
		return err
	}

	if asJSON {
		return json.NewEncoder(os.Stdout).Encode(results)
	}
	if len(results) == 0 {
		fmt.Println("No results.")
		return nil
	}
	for i, r := range results {
		loc := r.Chunk.OwnerPath
		if r.Chunk.Kind == types.ChunkKindCode {
			loc = fmt.Sprintf("%s:%d-%d", r.Chunk.OwnerPath, r.Chunk.StartLine, r.Chunk.EndLine)
		} else if r.Chunk.Heading != "" {
			loc = fmt.Sprintf("%s # %s", r.Chunk.OwnerPath, r.Chunk.Heading)
		}
		fmt.Printf("%2d. [%.3f] %s (%s)\n", i+1, r.Score, loc, r.Chunk.Kind)
		fmt.Printf("    %s\n", snippet(r.Chunk.Text, 160))
	}
	return nil
}

func runLinks(chunkID string, limit int) error {
	cfg, abs, err := loadConfig(".")
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	store, err := openStore(cfg, abs)
	if err != nil {
		return err
	}
	defer store.Close()

	links, err := query.New(store, nil).Links(ctx, chunkID, limit)
	if err != nil {
		return err
	}
	if len(links) == 0 {
		fmt.Println("No links.")
		return nil
	}
	for _, l := range links {
		target := l.Edge.DstID
		if l.Chunk != nil {
			target = fmt.Sprintf("%s (%s:%d-%d)", l.Edge.DstID, l.Chunk.OwnerPath, l.Chunk.StartLine, l.Chunk.EndLine)
		}
		fmt.Printf("[%.3f] %s %s -> %s via %s\n",
			l.Edge.Confidence, l.Edge.Rel, l.Edge.SrcID, target, l.Edge.Method)
	}
	return nil
}

func runState(at, commit string) error {
	cfg, abs, err := loadConfig(".")
	if err != nil {
		return err
	}
	store, err := openStore(cfg, abs)
	if err != nil {
		return err
	}
	defer store.Close()

	svc := query.New(store, nil)
	var states []*types.FileState
	switch {
	case commit != "":
		states, err = svc.StateAtCommit(commit)
	case at != "":
		var t time.Time
		if t, err = parseTime(at); err == nil {
			states, err = svc.StateAt(t)
		}
	default:
		states, err = svc.StateAt(time.Now())
	}
	if err != nil {
		return err
	}

	alive := 0
	for _, s := range states {
		if !s.Exists {
			continue
		}
		alive++
		fmt.Printf("%s  (last %s %s)\n", s.Path, s.LastChange, s.LastTouched.Format("2006-01-02"))
	}
	fmt.Printf("%d files\n", alive)
	return nil
}

func runHistory(path string) error {
	cfg, abs, err := loadConfig(".")
	if err != nil {
		return err
	}
	store, err := openStore(cfg, abs)
	if err != nil {
		return err
	}
	defer store.Close()

	touches, err := query.New(store, nil).FileHistory(path)
	if err != nil {
		return err
	}
	for _, t := range touches {
		extra := ""
		if t.OldPath != "" {
			extra = fmt.Sprintf(" (from %s)", t.OldPath)
		}
		fmt.Printf("%s  %s  %-8s +%d -%d%s\n",
			t.Timestamp.Format("2006-01-02 15:04"), t.CommitHash[:8], t.ChangeType,
			t.Additions, t.Deletions, extra)
	}
	return nil
}

func runRequirement(key string) error {
	cfg, abs, err := loadConfig(".")
	if err != nil {
		return err
	}
	store, err := openStore(cfg, abs)
	if err != nil {
		return err
	}
	defer store.Close()

	req, edges, err := query.New(store, nil).Requirement(key)
	if err != nil {
		return err
	}
	fmt.Printf("%s: %s\n", req.Key, req.Title)
	if req.Description != "" {
		fmt.Printf("  %s\n", req.Description)
	}
	if len(edges) == 0 {
		fmt.Println("  no implementing files derived")
		return nil
	}
	for _, e := range edges {
		fmt.Printf("  implements %s [%.3f]\n", e.DstID, e.Confidence)
	}
	return nil
}

func runStatus() error {
	cfg, abs, err := loadConfig(".")
	if err != nil {
		return err
	}
	store, err := openStore(cfg, abs)
	if err != nil {
		return err
	}
	defer store.Close()

	stats, err := query.New(store, nil).Stats()
	if err != nil {
		return err
	}
	fmt.Printf("Commits:       %d\n", stats.Commits)
	fmt.Printf("Files:         %d\n", stats.Files)
	fmt.Printf("Touches:       %d\n", stats.Touches)
	fmt.Printf("Documents:     %d\n", stats.Documents)
	fmt.Printf("Chunks:        %d (%d embedded)\n", stats.Chunks, stats.EmbeddedChunks)
	fmt.Printf("Requirements:  %d\n", stats.Requirements)
	fmt.Printf("Derived edges: %d\n", stats.DerivedEdges)
	if !stats.OldestCommit.IsZero() {
		fmt.Printf("History:       %s .. %s\n",
			stats.OldestCommit.Format("2006-01-02"), stats.NewestCommit.Format("2006-01-02"))
	}
	return nil
}

func runValidate(root string, driftSample int) error {
	cfg, abs, err := loadConfig(root)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	store, err := openStore(cfg, abs)
	if err != nil {
		return err
	}
	defer store.Close()

	validator := validate.New(validate.Config{
		Store:       store,
		DocChunker:  markdown.New(markdown.Config{MinSection: cfg.Chunking.MinSection}),
		RepoDir:     abs,
		DriftSample: driftSample,
	})
	report, err := validator.Run(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Schema:  %s\n", okString(report.SchemaOK))
	fmt.Printf("Counts:  %s\n", okString(report.CountsOK))
	fmt.Printf("Orphans: %d\n", report.OrphanChunks)
	fmt.Printf("Drift:   %d/%d sampled documents drifted\n", report.DriftMismatch, report.DriftSampled)
	for _, p := range report.Problems {
		fmt.Printf("  - %s\n", p)
	}
	if !report.SchemaOK || !report.CountsOK || report.DriftMismatch > 0 {
		return fmt.Errorf("validation found problems")
	}
	return nil
}

func okString(ok bool) string {
	if ok {
		return "OK"
	}
	return "FAIL"
}

func runWatch(root string, debounceMS int) error {
	cfg, abs, err := loadConfig(root)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	store, err := openStore(cfg, abs)
	if err != nil {
		return err
	}
	defer store.Close()

	docChunker, codeChunker, fallback, err := createChunkers(cfg)
	if err != nil {
		return err
	}
	defer codeChunker.Close()
	defer fallback.Close()

	reingest := func(ctx context.Context) {
		orch, err := ingest.New(ingest.Config{
			RepoDir:     abs,
			Config:      cfg,
			Store:       store,
			DocChunker:  docChunker,
			CodeChunker: codeChunker,
			Fallback:    fallback,
		})
		if err != nil {
			slog.Error("re-ingest setup failed", "error", err)
			return
		}
		report, err := orch.Run(ctx, false)
		if err != nil {
			slog.Error("re-ingest failed", "error", err)
			return
		}
		slog.Info("re-ingested",
			"commits", report.Commits, "chunks", report.Chunks,
			"duration", report.Duration.Round(time.Millisecond))
	}

	watcher, err := ingest.NewWatcher(ingest.WatcherConfig{
		RepoDir:      abs,
		OnChange:     reingest,
		DebounceTime: time.Duration(debounceMS) * time.Millisecond,
	})
	if err != nil {
		return err
	}
	defer watcher.Close()

	fmt.Printf("Watching %s for new commits (Ctrl-C to stop)\n", abs)
	return watcher.Watch(ctx)
}

func runConfigInit() error {
	root, err := filepath.Abs(".")
	if err != nil {
		return err
	}
	path := config.ConfigPath(root)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config already exists at %s", path)
	}
	if err := config.Save(root, config.DefaultConfig()); err != nil {
		return err
	}
	fmt.Printf("Created %s\n", path)
	return nil
}

func runConfigValidate() error {
	cfg, _, err := loadConfig(".")
	if err != nil {
		return err
	}
	fmt.Printf("Configuration OK (store: %s, embedding: %s/%s, chunking: %s)\n",
		cfg.Store.Provider, cfg.Embedding.Provider, cfg.Embedding.Model, cfg.Chunking.Strategy)
	return nil
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q (want RFC3339 or YYYY-MM-DD)", s)
}

func snippet(text string, max int) string {
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[:i]
	}
	if len(text) > max {
		text = text[:max] + "..."
	}
	return text
}
