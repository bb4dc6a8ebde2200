package kvstore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// File stores each key as a file under a directory. Writes go through a
// temp-file rename so a crash mid-write never leaves a torn value; readers
// see either the old payload or the new one.
//
// Watch reports out-of-band changes (another process editing the files) so
// the engine can re-run reconciliation on every observable change.
type File struct {
	dir    string
	logger *zap.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewFile creates the directory if needed and returns a file-backed store.
func NewFile(dir string, logger *zap.Logger) (*File, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return &File{dir: dir, logger: logger}, nil
}

func (f *File) path(key string) string {
	// Keys are slash-namespaced ("parley/<identity>/log"); flatten for the
	// filesystem.
	name := strings.ReplaceAll(key, "/", "__") + ".json"
	return filepath.Join(f.dir, name)
}

func (f *File) keyFromPath(path string) string {
	name := strings.TrimSuffix(filepath.Base(path), ".json")
	return strings.ReplaceAll(name, "__", "/")
}

func (f *File) Get(key string) (string, bool, error) {
	data, err := os.ReadFile(f.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return string(data), true, nil
}

func (f *File) Set(key, value string) error {
	path := f.path(key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(value), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to commit %s: %w", key, err)
	}
	return nil
}

func (f *File) Remove(key string) error {
	if err := os.Remove(f.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %s: %w", key, err)
	}
	return nil
}

// Watch invokes onChange with the affected key whenever a value file changes
// on disk. Only one watch may be active per store; Close stops it.
func (f *File) Watch(onChange func(key string)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.watcher != nil {
		return fmt.Errorf("watch already active for %s", f.dir)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(f.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", f.dir, err)
	}
	f.watcher = watcher
	f.done = make(chan struct{})

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if strings.HasSuffix(ev.Name, ".tmp") {
					continue
				}
				onChange(f.keyFromPath(ev.Name))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				f.logger.Warn("store watcher error", zap.Error(err))
			case <-f.done:
				return
			}
		}
	}()
	return nil
}

// Close stops an active watch. The store itself remains usable.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.watcher == nil {
		return nil
	}
	close(f.done)
	err := f.watcher.Close()
	f.watcher = nil
	f.done = nil
	return err
}
