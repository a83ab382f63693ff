package ingest

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches the repository's git metadata for new commits and
// triggers incremental ingestion when the head moves.
type Watcher struct {
	repoDir  string
	watcher  *fsnotify.Watcher
	onChange func(ctx context.Context)

	pendingMu    sync.Mutex
	pending      bool
	debounceTime time.Duration
}

// WatcherConfig contains watcher configuration.
type WatcherConfig struct {
	RepoDir      string
	OnChange     func(ctx context.Context)
	DebounceTime time.Duration // Default: 2s
}

// NewWatcher creates a new git watcher.
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	debounce := cfg.DebounceTime
	if debounce == 0 {
		debounce = 2 * time.Second
	}

	return &Watcher{
		repoDir:      cfg.RepoDir,
		watcher:      watcher,
		onChange:     cfg.OnChange,
		debounceTime: debounce,
	}, nil
}

// Watch blocks until the context is cancelled, invoking OnChange after
// each quiet period that follows a ref update.
func (w *Watcher) Watch(ctx context.Context) error {
	gitDir := filepath.Join(w.repoDir, ".git")
	dirs := []string{gitDir, filepath.Join(gitDir, "refs", "heads")}
	for _, dir := range dirs {
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		if err := w.watcher.Add(dir); err != nil {
			return err
		}
	}

	slog.Info("watching for new commits", "repo", w.repoDir)

	ticker := time.NewTicker(w.debounceTime)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("stopping watcher")
			return w.watcher.Close()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("watcher error", "error", err)

		case <-ticker.C:
			w.firePending(ctx)
		}
	}
}

// handleEvent marks a re-ingest pending when a ref or HEAD changes.
func (w *Watcher) handleEvent(event fsnotify.Event) {
	name := filepath.Base(event.Name)
	interesting := name == "HEAD" ||
		strings.Contains(filepath.ToSlash(event.Name), "/refs/heads") ||
		name == "packed-refs"
	if !interesting {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}

	slog.Debug("git ref changed", "file", event.Name)
	w.pendingMu.Lock()
	w.pending = true
	w.pendingMu.Unlock()
}

func (w *Watcher) firePending(ctx context.Context) {
	w.pendingMu.Lock()
	fire := w.pending
	w.pending = false
	w.pendingMu.Unlock()

	if fire && w.onChange != nil {
		w.onChange(ctx)
	}
}

// Close stops the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
