package jwks

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/puxu-msft/caddy-jwt-auth/jwk"
)

// watchDebounce coalesces bursts of filesystem events into one reload.
const watchDebounce = 100 * time.Millisecond

// FileSource loads a key set from a local JWKS document.
type FileSource struct {
	path   string
	logger *zap.Logger
}

// NewFileSource returns a source reading path.
func NewFileSource(path string, logger *zap.Logger) (*FileSource, error) {
	if path == "" {
		return nil, fmt.Errorf("jwks file path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileSource{path: path, logger: logger}, nil
}

// Kind implements Source.
func (*FileSource) Kind() string { return "file" }

// Path returns the watched file.
func (f *FileSource) Path() string { return f.path }

// Load implements Source.
func (f *FileSource) Load(_ context.Context) (*jwk.Store, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrUnavailable, f.path, err)
	}
	store, err := jwk.Parse(data, f.logger)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, f.path, err)
	}
	return store, nil
}

// Watch calls onChange after the file is written, created or replaced, until
// ctx is done. The parent directory is watched so that editors and config
// managers that rename a temporary file into place are noticed, as are
// symlink swaps such as the ..data switch of a Kubernetes ConfigMap volume.
// onChange runs on the calling goroutine.
func (f *FileSource) Watch(ctx context.Context, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %v", err)
	}
	defer func() {
		if err := watcher.Close(); err != nil {
			f.logger.Debug("failed to close fsnotify watcher", zap.Error(err))
		}
	}()

	dir := filepath.Dir(f.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %v", dir, err)
	}
	target := filepath.Clean(f.path)
	resolved := resolvePath(target)

	f.logger.Debug("jwks file watch started", zap.String("path", f.path), zap.String("resolved", resolved))

	debounce := time.NewTimer(watchDebounce)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-debounce.C:
			if ctx.Err() != nil {
				return nil
			}
			onChange()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			changed := filepath.Clean(event.Name) == target &&
				event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0
			if now := resolvePath(target); now != resolved {
				f.logger.Debug("jwks file target changed", zap.String("from", resolved), zap.String("to", now))
				resolved = now
				changed = true
			}
			if !changed {
				continue
			}
			debounce.Reset(watchDebounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			f.logger.Warn("jwks file watcher error", zap.Error(err))
		}
	}
}

// resolvePath follows symlinks in path. A path that cannot be resolved,
// for example mid-swap, resolves to "".
func resolvePath(path string) string {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return ""
	}
	return resolved
}

// Interface guards
var (
	_ Source  = (*FileSource)(nil)
	_ Watcher = (*FileSource)(nil)
)
