// Package watch reports file changes under the project root for live reload.
package watch

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/rathix/esmserve/internal/rewrite"
)

// ChangeFunc receives the root-relative URL paths changed since the last call.
type ChangeFunc func(paths []string)

// Watcher monitors the project tree and reports debounced batches of changes.
type Watcher struct {
	root     string
	onChange ChangeFunc
	logger   *slog.Logger
	debounce time.Duration
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounce sets the debounce duration. Default is 100ms.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		w.debounce = d
	}
}

// New creates a watcher for the canonical project root.
func New(root string, onChange ChangeFunc, logger *slog.Logger, opts ...Option) *Watcher {
	w := &Watcher{
		root:     root,
		onChange: onChange,
		logger:   logger,
		debounce: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run watches every directory under the root, skipping node_modules and
// dot-directories, and invokes the callback once per quiet period. It blocks
// until ctx is cancelled, then returns nil.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	if err := w.addTree(fsw, w.root); err != nil {
		return err
	}

	flushCh := make(chan struct{}, 1)
	pending := make(map[string]struct{})
	var debounceTimer *time.Timer

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if w.ignored(event.Name) {
				continue
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.addTree(fsw, event.Name); err != nil {
						w.logger.Warn("failed to watch new directory", "path", event.Name, "error", err)
					}
				}
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			rel, err := rewrite.ToRootRelative(event.Name, w.root)
			if err != nil {
				continue
			}
			pending[rel] = struct{}{}

			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(w.debounce, func() {
				select {
				case flushCh <- struct{}{}:
				default:
				}
			})

		case <-flushCh:
			if len(pending) == 0 {
				continue
			}
			paths := make([]string, 0, len(pending))
			for p := range pending {
				paths = append(paths, p)
			}
			slices.Sort(paths)
			clear(pending)
			w.logger.Debug("project files changed", "paths", paths)
			w.onChange(paths)

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("fsnotify error", "error", err)
		}
	}
}

func (w *Watcher) addTree(fsw *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Directories can vanish between the event and the walk.
			if path != dir {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.root && skipDir(d.Name()) {
			return filepath.SkipDir
		}
		return fsw.Add(path)
	})
}

// ignored reports whether name lies inside a directory the watcher skips.
func (w *Watcher) ignored(name string) bool {
	rel, err := filepath.Rel(w.root, name)
	if err != nil {
		return true
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	for _, part := range parts[:len(parts)-1] {
		if skipDir(part) {
			return true
		}
	}
	return false
}

func skipDir(name string) bool {
	return name == "node_modules" || (strings.HasPrefix(name, ".") && name != "." && name != "..")
}
