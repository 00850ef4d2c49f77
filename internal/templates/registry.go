// Package templates tracks the image templates the visual detector matches against.
package templates

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/afero"
)

const (
	settleDelay  = 50 * time.Millisecond
	pollInterval = 2 * time.Second
)

var extensions = map[string]bool{".png": true, ".jpg": true, ".jpeg": true}

// Registry lists template files in one directory.
type Registry struct {
	fs     afero.Fs
	dir    string
	logger *slog.Logger

	mu    sync.RWMutex
	names []string
}

// NewRegistry reads templates from dir on fs; a nil fs means the OS filesystem.
func NewRegistry(fs afero.Fs, dir string, logger *slog.Logger) *Registry {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Registry{fs: fs, dir: dir, logger: logger}
}

func (r *Registry) Dir() string {
	return r.dir
}

// Templates returns template file names, sorted.
func (r *Registry) Templates() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.names...)
}

// Reload rescans the directory. A missing directory yields no templates.
func (r *Registry) Reload() error {
	entries, err := afero.ReadDir(r.fs, r.dir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("read templates dir %s: %w", r.dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if extensions[strings.ToLower(filepath.Ext(e.Name()))] {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	r.mu.Lock()
	changed := !equal(r.names, names)
	r.names = names
	r.mu.Unlock()
	if changed {
		r.logger.Info("templates loaded", "dir", r.dir, "count", len(names))
	}
	return nil
}

// Watch reloads on directory changes until ctx ends. It falls back to polling
// when the directory cannot be watched.
func (r *Registry) Watch(ctx context.Context) error {
	if err := r.Reload(); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		r.logger.Warn("fsnotify unavailable; polling templates", "error", err.Error())
		return r.poll(ctx)
	}
	defer watcher.Close()

	if err := watcher.Add(r.dir); err != nil {
		r.logger.Warn("cannot watch templates dir; polling", "dir", r.dir, "error", err.Error())
		return r.poll(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return r.poll(ctx)
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) && !event.Has(fsnotify.Write) {
				continue
			}
			time.Sleep(settleDelay)
			if err := r.Reload(); err != nil {
				r.logger.Warn("template reload failed", "error", err.Error())
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return r.poll(ctx)
			}
			r.logger.Warn("template watcher error", "error", err.Error())
		}
	}
}

func (r *Registry) poll(ctx context.Context) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.Reload(); err != nil {
				r.logger.Warn("template reload failed", "error", err.Error())
			}
		}
	}
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
