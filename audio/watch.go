package audio

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// ModelWatcher is a Loader that keeps the model of a file parsed in memory
// and reloads it when the file changes. A bad edit keeps the last good
// model.
type ModelWatcher struct {
	path    string
	watcher *fsnotify.Watcher
	logger  *slog.Logger

	mu    sync.RWMutex
	model *Model
	err   error

	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}
}

var _ Loader = (*ModelWatcher)(nil)

func WatchModel(path string, logger *slog.Logger) (*ModelWatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	path = filepath.Clean(path)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create model watcher: %w", err)
	}
	// the directory, so editors that replace the file are seen too
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}
	w := &ModelWatcher{
		path:    path,
		watcher: watcher,
		logger:  logger.With("component", "model", "path", path),
		closed:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	w.reload()
	go w.watchLoop()
	return w, nil
}

func (w *ModelWatcher) reload() {
	data, err := os.ReadFile(w.path)
	var m *Model
	if err == nil {
		m, err = ParseModel(data)
	}
	if err == nil {
		_, err = m.Build()
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if err != nil {
		if w.model == nil {
			w.err = err
		}
		w.logger.Warn("model not loaded", "err", err)
		return
	}
	w.model, w.err = m, nil
	w.logger.Info("model loaded", "taps", len(m.Taps), "kernel_size", m.KernelSize)
}

func (w *ModelWatcher) watchLoop() {
	defer close(w.done)
	for {
		select {
		case <-w.closed:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				w.reload()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", "err", err)
		}
	}
}

// Load builds a fresh filter from the current model.
func (w *ModelWatcher) Load(ctx context.Context) (Transform, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w.mu.RLock()
	m, err := w.model, w.err
	w.mu.RUnlock()
	if m == nil {
		return nil, fmt.Errorf("load model %s: %w", w.path, err)
	}
	return m.Build()
}

func (w *ModelWatcher) Close() (err error) {
	w.closeOnce.Do(func() {
		close(w.closed)
		err = w.watcher.Close()
		<-w.done
	})
	return
}
