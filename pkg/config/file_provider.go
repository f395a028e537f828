package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ApplyFunc receives raw filter configuration bytes and reports whether they
// were accepted. filter.Root.OnConfigure satisfies it.
type ApplyFunc func(raw []byte) bool

// FileFilterSource feeds a filter configuration file to an ApplyFunc at start
// and again whenever the file changes on disk.
type FileFilterSource struct {
	path     string
	apply    ApplyFunc
	logger   *slog.Logger
	debounce time.Duration
	onReload func(accepted bool)

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
}

// FileSourceOption customises a FileFilterSource.
type FileSourceOption func(*FileFilterSource)

// WithReloadObserver registers a callback invoked after every reload attempt
// triggered by a file change.
func WithReloadObserver(fn func(accepted bool)) FileSourceOption {
	return func(s *FileFilterSource) {
		s.onReload = fn
	}
}

// WithDebounce overrides the delay used to coalesce bursts of write events.
func WithDebounce(d time.Duration) FileSourceOption {
	return func(s *FileFilterSource) {
		if d > 0 {
			s.debounce = d
		}
	}
}

// NewFileFilterSource creates a source for the file at path.
func NewFileFilterSource(path string, apply ApplyFunc, logger *slog.Logger, opts ...FileSourceOption) (*FileFilterSource, error) {
	if apply == nil {
		return nil, fmt.Errorf("filter source: apply function is required")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &FileFilterSource{
		path:     absPath,
		apply:    apply,
		logger:   logger,
		debounce: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Path returns the absolute path being read.
func (s *FileFilterSource) Path() string {
	return s.path
}

// Load reads the file once and hands its bytes to the apply function.
func (s *FileFilterSource) Load() (bool, error) {
	// #nosec G304 -- File path is configured at startup
	data, err := os.ReadFile(s.path)
	if err != nil {
		return false, fmt.Errorf("failed to read filter config %s: %w", s.path, err)
	}
	return s.apply(data), nil
}

// Watch starts watching the file's directory until ctx is cancelled or Close
// is called.
func (s *FileFilterSource) Watch(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watcher != nil {
		return fmt.Errorf("filter source: already watching %s", s.path)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	// Editors replace files by rename, so watch the directory rather than the file.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch directory: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s.watcher = watcher
	s.cancel = cancel

	go s.watchLoop(ctx, watcher)
	return nil
}

// Close stops the watcher and cleans up resources.
func (s *FileFilterSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watcher == nil {
		return nil
	}
	s.cancel()
	err := s.watcher.Close()
	s.watcher = nil
	return err
}

func (s *FileFilterSource) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}

			if filepath.Clean(event.Name) != s.path {
				continue
			}

			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(s.debounce, s.reload)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("filter config watcher error", "path", s.path, "error", err)
		}
	}
}

func (s *FileFilterSource) reload() {
	accepted, err := s.Load()
	if err != nil {
		// A rename leaves a short window where the file does not exist yet.
		s.logger.Warn("filter config reload skipped", "path", s.path, "error", err)
		return
	}
	if accepted {
		s.logger.Info("filter configuration reloaded", "path", s.path)
	} else {
		s.logger.Error("filter configuration rejected, keeping previous snapshot", "path", s.path)
	}
	if s.onReload != nil {
		s.onReload(accepted)
	}
}
