package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/changeflow/changeflow/pkg/telemetry"
)

const defaultDebounce = 500 * time.Millisecond

// Watcher calls a handler when files under the watched paths change. By
// default only CUE pipeline files count. Bursts of events collapse into one
// call after the debounce interval.
type Watcher struct {
	paths     []string
	handler   func(ctx context.Context, changed []string)
	debounce  time.Duration
	match     func(path string) bool
	component string
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithFileFilter replaces the pipeline file filter.
func WithFileFilter(match func(path string) bool) WatcherOption {
	return func(w *Watcher) { w.match = match }
}

// WithComponent sets the component name the watcher logs under.
func WithComponent(name string) WatcherOption {
	return func(w *Watcher) { w.component = name }
}

// NewWatcher creates a watcher. A zero debounce uses the default.
func NewWatcher(paths []string, debounce time.Duration, handler func(ctx context.Context, changed []string), opts ...WatcherOption) *Watcher {
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	w := &Watcher{
		paths:     paths,
		handler:   handler,
		debounce:  debounce,
		match:     isPipelineFile,
		component: "pipeline-watcher",
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run watches until ctx is cancelled. The handler runs on the watcher's
// goroutine, so events arriving during a call are batched into the next one.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := w.open()
	if err != nil {
		return err
	}
	w.loop(ctx, fw)
	return nil
}

// Start registers the watches and returns; events are handled on a new
// goroutine until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	fw, err := w.open()
	if err != nil {
		return err
	}
	go w.loop(ctx, fw)
	return nil
}

func (w *Watcher) open() (*fsnotify.Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	for _, path := range w.paths {
		if err := w.add(fw, path); err != nil {
			_ = fw.Close()
			return nil, err
		}
	}
	return fw, nil
}

func (w *Watcher) loop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer func() { _ = watcher.Close() }()

	logger := telemetry.FromContext(ctx).Component(w.component)
	logger.WithField("paths", w.paths).Info("Watching for changes")

	ready := make(map[string]bool)

	// Single debounce timer, stopped until the first event.
	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-timer.C:
			changed := make([]string, 0, len(ready))
			for p := range ready {
				changed = append(changed, p)
			}
			ready = make(map[string]bool)
			w.handler(ctx, changed)

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}

			// New subdirectories are watched as they appear.
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.add(watcher, event.Name); err != nil {
						logger.WithError(err).Warn("Failed to watch new directory")
					}
					continue
				}
			}

			if !w.match(event.Name) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}

			logger.WithField("path", event.Name).WithField("op", event.Op.String()).Debug("File changed")
			ready[event.Name] = true

			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(w.debounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.WithError(err).Warn("Watcher error")
		}
	}
}

// add watches path, recursing into directories.
func (w *Watcher) add(watcher *fsnotify.Watcher, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}

	if !info.IsDir() {
		// Editors replace files on save, so the parent directory is watched.
		return watcher.Add(filepath.Dir(path))
	}

	return filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if err := watcher.Add(p); err != nil {
				return fmt.Errorf("failed to watch %s: %w", p, err)
			}
		}
		return nil
	})
}

func isPipelineFile(path string) bool {
	base := filepath.Base(path)
	return strings.HasSuffix(base, ".cue") && !strings.HasPrefix(base, ".")
}
