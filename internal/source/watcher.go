package source

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/pitabwire/modelmgmt/internal/observability"
)

// Watcher reloads a Registry from payload directories, either on demand or
// whenever a payload file changes.
type Watcher struct {
	registry    *Registry
	loader      *Loader
	validator   *Validator
	directories []string
	debounce    time.Duration
	metrics     *observability.Metrics
	logger      *zap.Logger
}

// WatcherOption configures optional Watcher dependencies.
type WatcherOption func(*Watcher)

// WithDebounce sets how long the watcher waits for changes to settle.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounce = d }
}

// WithReloadMetrics records reloads in m.
func WithReloadMetrics(m *observability.Metrics) WatcherOption {
	return func(w *Watcher) { w.metrics = m }
}

// WithWatcherLogger sets the logger.
func WithWatcherLogger(l *zap.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = l }
}

// NewWatcher creates a Watcher publishing into registry.
func NewWatcher(registry *Registry, directories []string, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		registry:    registry,
		loader:      NewLoader(),
		validator:   NewValidator(),
		directories: directories,
		debounce:    500 * time.Millisecond,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// ValidationError carries the structural errors of a rejected payload set.
type ValidationError struct {
	Errors []VError
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("%s (and %d more)", e.Errors[0].Error(), len(e.Errors)-1)
}

// Reload loads and validates all payload files and swaps them into the
// registry. On failure the previous snapshot stays in place.
func (w *Watcher) Reload() error {
	payloads, err := w.loader.LoadAll(w.directories)
	if err == nil {
		if verrs := w.validator.Validate(payloads); len(verrs) > 0 {
			err = &ValidationError{Errors: verrs}
		}
	}
	if err != nil {
		w.record("failure")
		w.logger.Error("model reload failed, keeping previous payloads",
			zap.Strings("directories", w.directories),
			zap.Error(err),
		)
		return err
	}

	w.registry.Replace(payloads)
	w.record("success")
	if w.metrics != nil {
		w.metrics.SetModelsLoaded(w.registry.Len())
	}
	w.logger.Info("models reloaded",
		zap.Int("files", len(payloads)),
		zap.Int("models", w.registry.Len()),
		zap.String("checksum", w.registry.Checksum()),
	)
	return nil
}

func (w *Watcher) record(status string) {
	if w.metrics != nil {
		w.metrics.RecordModelReload(status)
	}
}

// Run watches the payload directories until ctx is cancelled. Bursts of
// file events within the debounce window trigger a single reload.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()

	for _, dir := range w.directories {
		if err := addTree(fw, dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := addTree(fw, event.Name); err != nil {
						w.logger.Warn("watch new directory", zap.String("path", event.Name), zap.Error(err))
					}
					timer.Reset(w.debounce)
					continue
				}
			}
			if event.Op == fsnotify.Chmod || !isPayloadFile(event.Name) {
				continue
			}
			w.logger.Debug("payload file changed",
				zap.String("path", event.Name),
				zap.String("op", event.Op.String()),
			)
			timer.Reset(w.debounce)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watcher error", zap.Error(err))
		case <-timer.C:
			// Failures are logged and counted by Reload.
			_ = w.Reload()
		}
	}
}

// addTree watches dir and every directory below it.
func addTree(fw *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return fw.Add(path)
		}
		return nil
	})
}
