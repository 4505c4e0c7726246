package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// ReloadFunc receives the previous and the freshly loaded configuration.
type ReloadFunc func(old, new *Config)

// Watcher polls a config file and hands every valid new revision to a
// [ReloadFunc]. Revisions are identified by content hash, so touching the file
// is not a change. A revision that fails to parse or validate is logged and
// skipped; the last valid config stays current.
type Watcher struct {
	path     string
	interval time.Duration
	onReload ReloadFunc
	log      *slog.Logger

	mu       sync.Mutex
	current  *Config
	digest   [sha256.Size]byte
	rejected [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatchLogger sets the logger for skipped revisions. Default: slog.Default.
func WithWatchLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

// NewWatcher loads path once, with the same defaults and environment
// overrides as [Load]. Polling starts with [Watcher.Run].
func NewWatcher(path string, onReload ReloadFunc, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onReload: onReload,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, digest, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current, w.digest = cfg, digest
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run polls until ctx is done.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Poll(); err != nil {
				w.log.Warn("config: reload skipped", "path", w.path, "err", err)
			}
		}
	}
}

// Poll checks the file once. It reports whether a new revision was applied;
// the reload callback has returned by then.
func (w *Watcher) Poll() (bool, error) {
	cfg, digest, err := w.read()
	if err != nil {
		w.mu.Lock()
		w.rejected = digest
		w.mu.Unlock()
		return false, err
	}

	w.mu.Lock()
	if cfg == nil || digest == w.digest {
		w.mu.Unlock()
		return false, nil
	}
	old := w.current
	w.current, w.digest = cfg, digest
	w.mu.Unlock()

	w.log.Info("config: reloaded", "path", w.path)
	if w.onReload != nil {
		w.onReload(old, cfg)
	}
	return true, nil
}

func (w *Watcher) read() (*Config, [sha256.Size]byte, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, [sha256.Size]byte{}, err
	}
	digest := sha256.Sum256(data)

	// A revision already applied or already rejected is not parsed again.
	w.mu.Lock()
	unchanged := w.current != nil && (digest == w.digest || digest == w.rejected)
	w.mu.Unlock()
	if unchanged {
		return nil, digest, nil
	}

	cfg, err := decode(bytes.NewReader(data))
	if err != nil {
		return nil, digest, err
	}
	ApplyEnv(cfg, os.LookupEnv)
	finish(cfg)
	if err := Validate(cfg); err != nil {
		return nil, digest, err
	}
	return cfg, digest, nil
}
