package livesync

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// JSONFileContinuityBackend persists the continuity snapshot as a JSON
// file, written atomically. A second process sharing the same file can be
// picked up via Watch.
type JSONFileContinuityBackend struct {
	path string

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	done    chan struct{}
}

func NewJSONFileContinuityBackend(path string) *JSONFileContinuityBackend {
	return &JSONFileContinuityBackend{path: strings.TrimSpace(path)}
}

func (b *JSONFileContinuityBackend) Load() (*continuitySnapshot, error) {
	if b == nil || b.path == "" {
		return nil, ErrInvalidInput
	}
	data, err := os.ReadFile(b.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var snapshot continuitySnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("decoding continuity state %s: %w", b.path, err)
	}
	return &snapshot, nil
}

func (b *JSONFileContinuityBackend) Save(state *continuitySnapshot) error {
	if b == nil || b.path == "" {
		return ErrInvalidInput
	}
	if state == nil {
		return nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
		return err
	}
	return writeFileAtomic(b.path, data, 0o644)
}

// Watch invokes onChange whenever the state file is rewritten, including
// by another process sharing it. The backend's own atomic saves also
// trigger the callback; callers are expected to treat reloads as
// idempotent. Watch may be called at most once per backend.
func (b *JSONFileContinuityBackend) Watch(onChange func()) error {
	if b == nil || onChange == nil {
		return ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.watcher != nil {
		return fmt.Errorf("%w: continuity file already watched", ErrInvalidInput)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := filepath.Dir(b.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		watcher.Close()
		return err
	}
	// Watch the directory, not the file: atomic renames replace the
	// inode, which would silently detach a file-level watch.
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}
	b.watcher = watcher
	b.done = make(chan struct{})

	target := filepath.Clean(b.path)
	go func() {
		for {
			select {
			case <-b.done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				onChange()
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return nil
}

func (b *JSONFileContinuityBackend) Close() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.watcher == nil {
		return nil
	}
	close(b.done)
	err := b.watcher.Close()
	b.watcher = nil
	return err
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
