package jwks

import (
	"context"
	"crypto"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	jose "github.com/go-jose/go-jose/v4"

	"github.com/mcpguard/mcpguard/auth"
)

// FileSource serves keys from a JWKS document on local disk, reloading when
// the file changes. Intended for development and tests, where pointing the
// verifier at a real provider endpoint is impractical.
type FileSource struct {
	path    string
	log     *slog.Logger
	watcher *fsnotify.Watcher
	done    chan struct{}

	snap atomic.Pointer[snapshot]
}

// NewFileSource loads the key set at path and begins watching it for writes.
// Close must be called to release the watcher.
func NewFileSource(path string, log *slog.Logger) (*FileSource, error) {
	if log == nil {
		log = slog.Default()
	}
	fs := &FileSource{path: path, log: log, done: make(chan struct{})}
	if err := fs.reload(); err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("jwks: start watcher: %w", err)
	}
	// Watch the directory: editors typically replace the file, which would
	// drop a watch on the file itself.
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("jwks: watch %s: %w", filepath.Dir(path), err)
	}
	fs.watcher = w
	go fs.watch()
	return fs, nil
}

func (f *FileSource) watch() {
	for {
		select {
		case <-f.done:
			return
		case ev, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(f.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := f.reload(); err != nil {
				f.log.Warn("jwks.file.reload.fail", slog.String("err", err.Error()))
			} else {
				f.log.Debug("jwks.file.reload.ok", slog.String("path", f.path))
			}
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			f.log.Warn("jwks.file.watch.err", slog.String("err", err.Error()))
		}
	}
}

func (f *FileSource) reload() error {
	body, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("jwks: read %s: %w", f.path, err)
	}
	var set jose.JSONWebKeySet
	if err := json.Unmarshal(body, &set); err != nil {
		return fmt.Errorf("jwks: parse %s: %w", f.path, err)
	}
	f.snap.Store(&snapshot{set: &set, fetchedAt: time.Now()})
	return nil
}

// Key implements KeySource.
func (f *FileSource) Key(ctx context.Context, kid string) (crypto.PublicKey, error) {
	if s := f.snap.Load(); s != nil {
		if key, ok := s.lookup(kid); ok {
			return key, nil
		}
	}
	return nil, fmt.Errorf("%w: no key with id %q", auth.ErrKeyNotFound, kid)
}

// Close stops the file watcher.
func (f *FileSource) Close() error {
	close(f.done)
	if f.watcher != nil {
		return f.watcher.Close()
	}
	return nil
}

var _ KeySource = (*FileSource)(nil)
