// Package watcher turns filesystem change bursts under a service's watch
// paths into single restart signals.
package watcher

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/devmux/devmux/internal/config"
)

// DefaultDebounce is how long a burst may stay quiet before it is flushed
// as one restart signal.
const DefaultDebounce = 300 * time.Millisecond

const eventBuffer = 256

// Watcher monitors one service's watch paths. notify is called once per
// debounced burst with the distinct changed paths.
type Watcher struct {
	service  string
	paths    []string
	ignore   []string
	debounce time.Duration
	notify   func(changed []string)
	log      *slog.Logger

	fw       *fsnotify.Watcher
	events   chan string
	done     chan struct{}
	stopOnce sync.Once
}

// New builds a watcher from the service's watch spec. Paths in spec must
// already be absolute.
func New(service string, spec config.Watch, notify func(changed []string), log *slog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &Watcher{
		service:  service,
		paths:    spec.Paths,
		ignore:   spec.Ignore,
		debounce: DefaultDebounce,
		notify:   notify,
		log:      log.With("service", service),
		fw:       fw,
		events:   make(chan string, eventBuffer),
		done:     make(chan struct{}),
	}, nil
}

// Start registers the watch paths and runs the event and debounce loops
// until ctx is cancelled or Stop is called. Missing paths are skipped with
// a warning.
func (w *Watcher) Start(ctx context.Context) error {
	for _, p := range w.paths {
		info, err := os.Stat(p)
		if err != nil {
			w.log.Warn("watch path unavailable, skipping", "path", p, "err", err)
			continue
		}
		if !info.IsDir() {
			if err := w.fw.Add(p); err != nil {
				w.log.Warn("watch failed", "path", p, "err", err)
			}
			continue
		}
		if err := w.addRecursive(p); err != nil {
			return err
		}
	}

	go w.readEvents(ctx)
	go w.debounceLoop(ctx)
	return nil
}

// Stop ends watching. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		_ = w.fw.Close()
	})
}

// addRecursive watches dir and every subdirectory not matched by an ignore
// pattern.
func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && w.ignored(path) {
			return filepath.SkipDir
		}
		return w.fw.Add(path)
	})
}

// ignored reports whether path matches an ignore pattern, tried against the
// base name, each path segment relative to a watch root, and the whole
// relative path.
func (w *Watcher) ignored(path string) bool {
	if len(w.ignore) == 0 {
		return false
	}
	candidates := []string{filepath.Base(path)}
	for _, root := range w.paths {
		rel, err := filepath.Rel(root, path)
		if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
			continue
		}
		rel = filepath.ToSlash(rel)
		candidates = append(candidates, rel)
		candidates = append(candidates, strings.Split(rel, "/")...)
	}
	for _, pat := range w.ignore {
		for _, cand := range candidates {
			if ok, _ := filepath.Match(pat, cand); ok {
				return true
			}
		}
	}
	return false
}

func (w *Watcher) readEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if w.ignored(ev.Name) {
				continue
			}
			// Directories created inside a watched tree join the watch.
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := w.addRecursive(ev.Name); err != nil {
						w.log.Warn("watch new directory failed", "path", ev.Name, "err", err)
					}
				}
			}
			select {
			case w.events <- ev.Name:
			default:
				// The debouncer is behind; the burst already triggers
				// a restart, so dropping extra paths loses nothing.
			}
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.log.Warn("watch error", "err", err)
		}
	}
}

// debounceLoop collects event paths until the burst goes quiet for the
// debounce window, then emits them once.
func (w *Watcher) debounceLoop(ctx context.Context) {
	burst := make(map[string]struct{})
	var timer *time.Timer
	var timerC <-chan time.Time

	flush := func() {
		if len(burst) == 0 {
			return
		}
		changed := make([]string, 0, len(burst))
		for p := range burst {
			changed = append(changed, p)
		}
		sort.Strings(changed)
		burst = make(map[string]struct{})
		if w.notify != nil {
			w.notify(changed)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case path := <-w.events:
			burst[path] = struct{}{}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}
		case <-timerC:
			flush()
			timer = nil
			timerC = nil
		}
	}
}
