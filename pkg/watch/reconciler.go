package watch

import (
	"io/fs"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/snapdaemon/tl/pkg/pathmap"
)

var reconcileCounter = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "tl_reconciler_runs_total",
	Help: "Number of periodic reconciler passes completed.",
})

var reconcileDirtyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "tl_reconciler_last_dirty_paths",
	Help: "Number of paths the most recent reconciler pass marked dirty.",
})

func init() {
	prometheus.MustRegister(reconcileCounter, reconcileDirtyGauge)
}

// Reconciler periodically walks the whole working tree comparing file
// mtimes against the last reconcile pass (and against what the path-map
// already knows about), feeding anything that looks changed back
// through the same Add path as live watcher events (spec §4.J: "backstop
// against missed or coalesced events... a periodic full-tree
// reconciliation").
type Reconciler struct {
	root     string
	interval time.Duration
	ignore   Ignorer
	pm       *pathmap.PathMap
	add      func(path string, t EventType)
	log      *slog.Logger

	lastScan time.Time
}

// NewReconciler creates a Reconciler. add is typically Coalescer.Add,
// invoked directly since a reconciler-discovered path is already
// settled (no further debounce needed).
func NewReconciler(root string, interval time.Duration, ignore Ignorer, pm *pathmap.PathMap, add func(path string, t EventType), log *slog.Logger) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{root: root, interval: interval, ignore: ignore, pm: pm, add: add, log: log.With("component", "reconciler")}
}

// Run blocks, ticking every interval until stop is closed. Call Once
// directly for the "overflow recovery" immediate rescan.
func (r *Reconciler) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.Once()
		}
	}
}

// Once performs a single full-tree scan, marking as dirty any path
// whose on-disk mtime is at or after the previous scan's start time, or
// that the path-map doesn't yet know about, or that the path-map knows
// about but is now missing on disk.
func (r *Reconciler) Once() {
	scanStart := time.Now()
	cutoff := r.lastScan
	seen := make(map[string]struct{})
	dirtyCount := 0

	err := filepath.WalkDir(r.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		rel, rerr := filepath.Rel(r.root, path)
		if rerr != nil || rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if r.ignore != nil && r.ignore.ShouldIgnoreDir(rel, true) {
				return filepath.SkipDir
			}
			return nil
		}
		if r.ignore != nil && r.ignore.ShouldIgnoreDir(rel, false) {
			return nil
		}

		seen[rel] = struct{}{}
		info, ierr := d.Info()
		_, known := r.pm.Get(rel)
		if !known || ierr != nil || !info.ModTime().Before(cutoff) || cutoff.IsZero() {
			r.add(rel, Modify)
			dirtyCount++
		}
		return nil
	})
	if err != nil {
		r.log.Warn("reconciler walk failed", "error", err)
	}

	// Anything the path-map still remembers but the walk never saw is a
	// deletion the watcher missed entirely.
	for _, path := range r.pm.Paths() {
		if _, ok := seen[path]; !ok {
			r.add(path, Delete)
			dirtyCount++
		}
	}

	r.lastScan = scanStart
	reconcileCounter.Inc()
	reconcileDirtyGauge.Set(float64(dirtyCount))
}
