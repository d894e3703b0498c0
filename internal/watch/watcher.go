// Package watch turns local file system events under the notes root into
// sync tasks.
package watch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Enqueuer receives one call per settled path change. path is logical
// (slash-separated, relative to the root).
type Enqueuer func(ctx context.Context, path string) error

// Watcher watches a directory tree and reports each changed path once it
// has been quiet for the debounce interval.
type Watcher struct {
	root     string
	debounce time.Duration
	enqueue  Enqueuer
	log      zerolog.Logger

	watcher *fsnotify.Watcher

	mu      sync.Mutex
	timers  map[string]*time.Timer
	wg      sync.WaitGroup
	running bool
}

func New(root string, debounce time.Duration, enqueue Enqueuer, log zerolog.Logger) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		w.Close()
		return nil, err
	}
	return &Watcher{
		root:     abs,
		debounce: debounce,
		enqueue:  enqueue,
		log:      log,
		watcher:  w,
		timers:   make(map[string]*time.Timer),
	}, nil
}

// Run watches until ctx is cancelled, then closes the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.addTree(w.root); err != nil {
		w.watcher.Close()
		return err
	}
	w.mu.Lock()
	w.running = true
	w.mu.Unlock()
	defer w.shutdown()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handle(ctx, ev)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Error().Err(err).Msg("watcher error")
		}
	}
}

func (w *Watcher) shutdown() {
	w.mu.Lock()
	w.running = false
	for p, t := range w.timers {
		if t.Stop() {
			w.wg.Done()
		}
		delete(w.timers, p)
	}
	w.mu.Unlock()
	w.wg.Wait()
	w.watcher.Close()
}

func (w *Watcher) addTree(dir string) error {
	return filepath.Walk(dir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if hidden(info.Name()) && p != dir {
				return filepath.SkipDir
			}
			if err := w.watcher.Add(p); err != nil {
				return fmt.Errorf("failed to watch %s: %w", p, err)
			}
		}
		return nil
	})
}

func hidden(name string) bool {
	return strings.HasPrefix(name, ".")
}

// logical maps an absolute path to its slash-separated path under root.
func (w *Watcher) logical(abs string) (string, bool) {
	rel, err := filepath.Rel(w.root, abs)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	rel = filepath.ToSlash(rel)
	for _, seg := range strings.Split(rel, "/") {
		if hidden(seg) {
			return "", false
		}
	}
	return rel, true
}

func (w *Watcher) handle(ctx context.Context, ev fsnotify.Event) {
	if ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Write) {
		return
	}
	if ev.Has(fsnotify.Create) {
		if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
			if err := w.addTree(ev.Name); err != nil {
				w.log.Error().Err(err).Str("dir", ev.Name).Msg("watch new directory")
			}
			return
		}
	}
	p, ok := w.logical(ev.Name)
	if !ok {
		return
	}
	w.schedule(ctx, p)
}

// schedule (re)starts the debounce timer for p.
func (w *Watcher) schedule(ctx context.Context, p string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.scheduleLocked(ctx, p)
}

// scheduleLocked requires w.mu. A timer that already fired only removes
// its own map entry, never a newer timer for the same path.
func (w *Watcher) scheduleLocked(ctx context.Context, p string) {
	if !w.running {
		return
	}
	if t, ok := w.timers[p]; ok {
		if t.Stop() {
			w.wg.Done()
		}
	}
	w.wg.Add(1)
	var t *time.Timer
	t = time.AfterFunc(w.debounce, func() {
		defer w.wg.Done()
		w.mu.Lock()
		if w.timers[p] == t {
			delete(w.timers, p)
		}
		w.mu.Unlock()
		if err := w.enqueue(ctx, p); err != nil {
			w.log.Error().Err(err).Str("path", p).Msg("enqueue local change")
		}
	})
	w.timers[p] = t
}
