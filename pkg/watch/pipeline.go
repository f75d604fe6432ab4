package watch

import (
	"log/slog"
	"path/filepath"
	"time"

	"github.com/snapdaemon/tl/pkg/pathmap"
)

// Config tunes the watcher/debounce/coalesce/reconcile chain (spec
// §4.J); zero values are replaced with sane defaults by NewPipeline.
type Config struct {
	DebounceDelay     time.Duration
	MaxBatchAge       time.Duration
	MaxBatchSize      int
	ReconcileInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.DebounceDelay <= 0 {
		c.DebounceDelay = 300 * time.Millisecond
	}
	if c.MaxBatchAge <= 0 {
		c.MaxBatchAge = 2 * time.Second
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 2000
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = 5 * time.Minute
	}
	return c
}

// Pipeline wires Watcher -> Debouncer -> Coalescer -> flushFn, plus the
// periodic Reconciler backstop, into a single runnable unit.
type Pipeline struct {
	watcher    *Watcher
	debouncer  *Debouncer
	coalescer  *Coalescer
	reconciler *Reconciler

	stop chan struct{}
}

// NewPipeline builds a Pipeline rooted at root. flushFn receives a
// Batch of repo-relative dirty paths (keyed by normalized watcher path,
// not yet validated against NormalizePath — the pipeline consumer does
// that) whenever the coalescer decides to emit.
func NewPipeline(root string, ignore Ignorer, pm *pathmap.PathMap, cfg Config, flushFn func(Batch), log *slog.Logger) (*Pipeline, error) {
	cfg = cfg.withDefaults()

	w, err := New(root, ignore, log)
	if err != nil {
		return nil, err
	}

	coalescer := NewCoalescer(cfg.MaxBatchAge, cfg.MaxBatchSize, flushFn)
	debouncer := NewDebouncer(cfg.DebounceDelay, coalescer.Add)
	reconciler := NewReconciler(root, cfg.ReconcileInterval, ignore, pm, coalescer.Add, log)

	return &Pipeline{watcher: w, debouncer: debouncer, coalescer: coalescer, reconciler: reconciler, stop: make(chan struct{})}, nil
}

// Start primes the watcher, runs an initial reconcile pass, and spawns
// the event/reconcile loops. It does not block.
func (p *Pipeline) Start() error {
	if err := p.watcher.Prime(); err != nil {
		return err
	}
	go p.watcher.Run(p.stop, p.onEvent)
	go func() {
		p.reconciler.Once()
		p.reconciler.Run(p.stop)
	}()
	return nil
}

func (p *Pipeline) onEvent(ev Event) {
	if ev.Type == Overflow {
		// The watcher's own directory list may now be stale (inotify
		// drops events indiscriminately during overflow); re-prime before
		// the recovery scan so newly created subdirectories get watched.
		p.watcher.Prime()
		p.reconciler.Once()
		return
	}
	rel, err := filepath.Rel(p.watcher.root, ev.Path)
	if err != nil {
		return
	}
	p.debouncer.Record(filepath.ToSlash(rel), ev.Type)
}

// Flush synchronously drains every path still waiting out its debounce
// window into the coalescer, then forces the coalescer to emit its
// current batch immediately, used by the IPC Flush RPC (spec §4.L).
func (p *Pipeline) Flush() {
	p.debouncer.Flush()
	p.coalescer.Flush()
}

// Stop halts the watcher and reconciler loops and cancels pending
// debounce timers without firing them.
func (p *Pipeline) Stop() {
	close(p.stop)
	p.debouncer.Stop()
	p.watcher.Close()
}

// WatchedPaths reports how many directories are currently subscribed.
func (p *Pipeline) WatchedPaths() int {
	return p.watcher.WatchedPaths()
}
