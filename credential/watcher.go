package credential

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounceInterval = 100 * time.Millisecond

// Watcher reports token changes of a Store's file. The directory is
// watched rather than the file because Save replaces the file by rename.
type Watcher struct {
	store    *Store
	onChange func(*Blob)
	log      *slog.Logger

	watcher *fsnotify.Watcher
	ctx     context.Context
	cancel  context.CancelFunc

	mu    sync.Mutex
	timer *time.Timer
	token string
}

// NewWatcher calls onChange with the new blob (nil after removal) whenever
// the stored token differs from the last one seen. Writes that keep the
// token, such as notification persistence, are not reported.
func NewWatcher(store *Store, onChange func(*Blob), log *slog.Logger) *Watcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		store:    store,
		onChange: onChange,
		log:      log.With("module", "credential"),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start records the current token as the baseline and begins watching.
func (w *Watcher) Start() error {
	dir := filepath.Dir(w.store.Path())
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	b, err := w.store.Load()
	if err != nil {
		w.log.Warn("failed to read credential", "error", err)
	}
	w.mu.Lock()
	w.token = tokenOf(b)
	w.mu.Unlock()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}
	w.watcher = watcher

	go w.eventLoop()
	w.log.Info("credential watcher started", "path", w.store.Path())
	return nil
}

func (w *Watcher) Stop() {
	w.cancel()
	if w.watcher != nil {
		w.watcher.Close()
	}

	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()
}

func (w *Watcher) eventLoop() {
	for {
		select {
		case <-w.ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) == w.store.Path() {
				w.schedule()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error("fsnotify error", "error", err)
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(debounceInterval, w.check)
}

func (w *Watcher) check() {
	if w.ctx.Err() != nil {
		return
	}
	b, err := w.store.Load()
	if err != nil {
		// Half-written by a foreign writer; the next event re-checks.
		w.log.Warn("failed to read credential", "error", err)
		return
	}

	token := tokenOf(b)
	w.mu.Lock()
	changed := token != w.token
	w.token = token
	w.mu.Unlock()

	if changed {
		w.log.Info("credential changed", "present", b != nil && token != "")
		w.onChange(b)
	}
}

func tokenOf(b *Blob) string {
	if b == nil {
		return ""
	}
	return b.Token
}
