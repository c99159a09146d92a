package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 250 * time.Millisecond

// Loader loads, validates, and caches settings from one file.
type Loader struct {
	path string

	mu   sync.Mutex
	last atomic.Pointer[Settings]
}

// NewLoader wires a loader for the given settings file.
func NewLoader(path string) (*Loader, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("config: settings path is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("config: resolve path: %w", err)
	}
	return &Loader{path: abs}, nil
}

// Path returns the absolute settings file path.
func (l *Loader) Path() string { return l.path }

// Last returns the most recent valid settings.
func (l *Loader) Last() (*Settings, bool) {
	s := l.last.Load()
	if s == nil {
		return nil, false
	}
	return s, true
}

// Load reads and validates the settings file.
func (l *Loader) Load() (*Settings, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	raw, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", l.path, err)
	}
	settings, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	l.last.Store(settings)
	return settings, nil
}

// Reload refreshes settings, keeping the last good state on error.
func (l *Loader) Reload() (*Settings, error) {
	prev, _ := l.Last()
	settings, err := l.Load()
	if err != nil {
		if prev != nil {
			return prev, fmt.Errorf("config: reload failed, keeping last good settings: %w", err)
		}
		return nil, err
	}
	return settings, nil
}

// Watch re-reads the file on change and calls onChange with each new valid
// snapshot. Invalid payloads are logged and skipped. Blocks until ctx is
// cancelled.
func (l *Loader) Watch(ctx context.Context, onChange func(*Settings), logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	// Directory-level watch survives the rename-based replacement editors
	// and config managers use.
	if err := watcher.Add(filepath.Dir(l.path)); err != nil {
		return err
	}

	var timer *time.Timer
	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(evt.Name) != l.path {
				continue
			}
			if !evt.Has(fsnotify.Write) && !evt.Has(fsnotify.Create) && !evt.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
			} else {
				timer.Reset(watchDebounce)
			}
			pending = timer.C
		case <-pending:
			pending = nil
			settings, err := l.Reload()
			if err != nil {
				logger.Warn("settings reload failed", "path", l.path, "err", err)
				continue
			}
			logger.Info("settings reloaded", "path", l.path)
			if onChange != nil {
				onChange(settings)
			}
		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("settings watch error", "path", l.path, "err", werr)
		}
	}
}
