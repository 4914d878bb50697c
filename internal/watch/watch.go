// Package watch reports changes to the files under a directory tree.
package watch

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultInterval is how long a file has to stay quiet after a change
// before it is reported.
const DefaultInterval = 125 * time.Millisecond

// Dir watches root and its subdirectories until ctx is done, calling fn
// with the path of every file that is created or written. Bursts of events
// for the same file are debounced by interval. fn may be called from
// several goroutines at once.
func Dir(ctx context.Context, root string, interval time.Duration, logger *slog.Logger, fn func(path string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating new fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watchDirRecursively(watcher, root, logger); err != nil {
		return fmt.Errorf("adding dir to watch: %w", err)
	}

	debounceEvents(ctx, interval, watcher, logger, func(event fsnotify.Event) {
		if !Reloadable(event.Name) {
			return
		}
		if isDir(event.Name) {
			if err := watchDirRecursively(watcher, event.Name, logger); err != nil {
				logger.Error("watching new directory", "path", event.Name, "err", err)
			}
			return
		}
		fn(event.Name)
	})
	return nil
}

// Reloadable tests whether a change to the file should be reported. It
// ignores temporary files from editors like vim and Emacs.
func Reloadable(path string) bool {
	ext := filepath.Ext(path)
	// ignore vim swap files: .swp, .swo, .swn, etc
	if len(ext) == 4 && strings.HasPrefix(ext, ".sw") {
		return false
	}
	// ignore vim and Emacs backup files
	if strings.HasSuffix(ext, "~") {
		return false
	}
	// ignore Emacs autosave files
	base := filepath.Base(path)
	if strings.HasPrefix(base, "#") && strings.HasSuffix(base, "#") {
		return false
	}
	return true
}

func isDir(path string) bool {
	fi, err := os.Stat(path)
	if err != nil {
		return false
	}
	return fi.IsDir()
}

func watchDirRecursively(watcher *fsnotify.Watcher, root string, logger *slog.Logger) error {
	return fs.WalkDir(os.DirFS(root), ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			path = filepath.Join(root, path)
			if err := watcher.Add(path); err != nil {
				return fmt.Errorf("adding path %s to watch: %w", path, err)
			}
			logger.Debug("watching directory", "path", path)
		}
		return nil
	})
}

func debounceEvents(ctx context.Context, interval time.Duration, watcher *fsnotify.Watcher, logger *slog.Logger, fn func(event fsnotify.Event)) {
	var mu sync.Mutex
	timers := make(map[string]*time.Timer)

	for {
		select {
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Error("file watch error", "err", err)
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			mu.Lock()
			t, ok := timers[ev.Name]
			if !ok {
				t = time.AfterFunc(math.MaxInt64, func() {
					fn(ev)
					mu.Lock()
					defer mu.Unlock()
					delete(timers, ev.Name)
				})
				timers[ev.Name] = t
			}
			mu.Unlock()
			t.Reset(interval)
		case <-ctx.Done():
			mu.Lock()
			for _, t := range timers {
				t.Stop()
			}
			mu.Unlock()
			return
		}
	}
}
