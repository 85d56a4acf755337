package definition

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ReloadRecorder receives the outcome of each hot reload.
type ReloadRecorder interface {
	RecordDefinitionReload(status string)
}

// Watcher reloads the workflow definition when its file changes. Invalid
// files are logged and ignored; the previous definition stays live.
type Watcher struct {
	path     string
	debounce time.Duration
	loader   *Loader
	registry *Registry
	logger   *zap.Logger
	recorder ReloadRecorder

	fsw *fsnotify.Watcher

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
	done    chan struct{}
}

// NewWatcher creates a watcher for the definition file at path. recorder may
// be nil.
func NewWatcher(path string, debounce time.Duration, registry *Registry, logger *zap.Logger, recorder ReloadRecorder) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		path:     filepath.Clean(path),
		debounce: debounce,
		loader:   NewLoader(),
		registry: registry,
		logger:   logger,
		recorder: recorder,
		fsw:      fsw,
		done:     make(chan struct{}),
	}, nil
}

// Start watches the directory holding the definition file. Editors often
// replace files by rename, so the directory is watched rather than the file.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.fsw.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	go w.run(ctx)

	w.logger.Info("workflow definition watcher started",
		zap.String("path", w.path),
		zap.Duration("debounce", w.debounce),
	)
	return nil
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	w.mu.Lock()
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	return w.fsw.Close()
}

// Done is closed when the event loop exits.
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.schedule()
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("workflow definition watcher error", zap.Error(err))
		}
	}
}

// schedule debounces bursts of events into a single reload.
func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		_ = w.Reload()
	})
}

// Reload loads, validates and swaps in the definition file.
func (w *Watcher) Reload() error {
	def, err := w.loader.LoadFile(w.path)
	if err == nil {
		if errs := NewValidator().Validate(def); len(errs) > 0 {
			err = Errors(errs)
		}
	}
	if err != nil {
		w.record("failure")
		w.logger.Warn("workflow definition reload rejected, keeping previous definition",
			zap.String("path", w.path),
			zap.String("checksum", w.registry.Checksum()),
			zap.Error(err),
		)
		return err
	}

	if def.Checksum == w.registry.Checksum() {
		return nil
	}

	w.registry.Replace(def)
	w.record("success")
	w.logger.Info("workflow definition reloaded",
		zap.String("path", w.path),
		zap.String("checksum", def.Checksum),
		zap.Int("stages", len(def.StageOrder)),
	)
	return nil
}

func (w *Watcher) record(status string) {
	if w.recorder != nil {
		w.recorder.RecordDefinitionReload(status)
	}
}
