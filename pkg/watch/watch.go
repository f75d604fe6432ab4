// Package watch implements the watcher -> debouncer -> reconciler
// pipeline (spec §4.J): platform filesystem events are normalized into
// dirty paths, coalesced into batches, and backstopped by a periodic
// full-tree reconciler that heals whatever the watcher missed.
package watch

import (
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"

	tlerrors "github.com/snapdaemon/tl/pkg/errors"
)

// EventType is the normalized kind of filesystem change (spec §4.J).
type EventType uint8

const (
	Create EventType = iota
	Modify
	Delete
	Rename
	Overflow
)

// Event is one normalized, absolute-path filesystem notification.
type Event struct {
	Type EventType
	Path string
}

// Ignorer decides whether a repo-relative path should be excluded from
// watching (pkg/ignore.Rules satisfies this).
type Ignorer interface {
	ShouldIgnoreDir(path string, isDir bool) bool
}

var watchedDirGauge = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "tl_watcher_directories",
	Help: "Number of directories currently subscribed to filesystem events.",
})

var overflowCounter = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "tl_watcher_overflow_total",
	Help: "Number of watcher overflow events observed.",
})

func init() {
	prometheus.MustRegister(watchedDirGauge, overflowCounter)
}

// Watcher recursively subscribes to a working tree, re-priming its
// directory watch list as directories come and go.
type Watcher struct {
	root    string
	ignore  Ignorer
	fsw     *fsnotify.Watcher
	log     *slog.Logger
	mu      sync.Mutex
	watched map[string]struct{}
}

// New creates a Watcher rooted at root. Call Prime to begin subscribing
// and Run to consume its events and errors.
func New(root string, ignore Ignorer, log *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, tlerrors.New(tlerrors.KindIO, err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Watcher{root: root, ignore: ignore, fsw: fsw, log: log.With("component", "watcher"), watched: make(map[string]struct{})}, nil
}

// Prime walks the working tree and subscribes to every non-ignored
// directory. Called at startup and again after overflow recovery.
func (w *Watcher) Prime() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	return filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // best-effort: a single unreadable subtree shouldn't abort the whole walk
		}
		if !d.IsDir() {
			return nil
		}
		rel, rerr := filepath.Rel(w.root, path)
		if rerr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if rel != "." && w.ignore != nil && w.ignore.ShouldIgnoreDir(rel, true) {
			return filepath.SkipDir
		}
		if _, already := w.watched[path]; !already {
			if err := w.fsw.Add(path); err == nil {
				w.watched[path] = struct{}{}
			}
		}
		return nil
	})
}

func (w *Watcher) addDir(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.watched[path]; ok {
		return
	}
	if err := w.fsw.Add(path); err == nil {
		w.watched[path] = struct{}{}
		watchedDirGauge.Set(float64(len(w.watched)))
	}
}

func (w *Watcher) removeDir(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.watched[path]; !ok {
		return
	}
	w.fsw.Remove(path)
	delete(w.watched, path)
	watchedDirGauge.Set(float64(len(w.watched)))
}

// WatchedPaths returns the number of directories currently subscribed,
// surfaced via IPC GetStatus (spec §4.L).
func (w *Watcher) WatchedPaths() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.watched)
}

// Close stops the underlying platform watcher.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

// isOverflow heuristically detects the inotify queue-overflow error
// fsnotify surfaces on its Errors channel. fsnotify doesn't expose a
// typed sentinel for this across platforms, so we match on the message
// the kernel event the library wraps (IN_Q_OVERFLOW) produces.
func isOverflow(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "overflow")
}

// Run consumes the underlying watcher's event and error channels until
// stop is closed, normalizing events and handling new-directory
// auto-subscription and overflow detection. Normalized events and a
// standalone Overflow sentinel are delivered to emit.
func (w *Watcher) Run(stop <-chan struct{}, emit func(Event)) {
	for {
		select {
		case <-stop:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleRaw(ev, emit)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			if isOverflow(err) {
				overflowCounter.Inc()
				emit(Event{Type: Overflow})
				continue
			}
			w.log.Warn("watcher error", "error", err)
		}
	}
}

func (w *Watcher) handleRaw(ev fsnotify.Event, emit func(Event)) {
	if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
		if ev.Op&(fsnotify.Create) != 0 {
			w.addDir(ev.Name)
		}
	}
	if ev.Op&fsnotify.Remove != 0 || ev.Op&fsnotify.Rename != 0 {
		w.removeDir(ev.Name)
	}

	switch {
	case ev.Op&fsnotify.Create != 0:
		emit(Event{Type: Create, Path: ev.Name})
	case ev.Op&fsnotify.Write != 0, ev.Op&fsnotify.Chmod != 0:
		emit(Event{Type: Modify, Path: ev.Name})
	case ev.Op&fsnotify.Remove != 0:
		emit(Event{Type: Delete, Path: ev.Name})
	case ev.Op&fsnotify.Rename != 0:
		// fsnotify reports only the old path for a rename; expand to a
		// delete so the reconciler/debouncer treat it like any other
		// vanished path (spec §4.J: "renames expand to Delete(old) +
		// Create(new)" — the Create(new) half arrives as its own event
		// when the destination path is created, which every watched
		// platform backend emits separately).
		emit(Event{Type: Delete, Path: ev.Name})
	}
}
