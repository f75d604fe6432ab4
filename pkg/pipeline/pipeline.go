// Package pipeline orchestrates one checkpoint cycle (spec §4.M):
// reconcile the dirty-path batch through pkg/treeupdate, persist the
// resulting tree and blobs via pkg/objectstore, and append the
// resulting record to pkg/journal — all under a single in-flight lock
// so overlapping batches serialize instead of racing the shared
// path-map.
package pipeline

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	ckptid "github.com/snapdaemon/tl/pkg/ckptid"
	tlerrors "github.com/snapdaemon/tl/pkg/errors"
	"github.com/snapdaemon/tl/pkg/journal"
	"github.com/snapdaemon/tl/pkg/objectstore"
	"github.com/snapdaemon/tl/pkg/pathmap"
	"github.com/snapdaemon/tl/pkg/treeupdate"
)

var (
	checkpointCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tl_pipeline_checkpoints_total",
		Help: "Checkpoints appended to the journal, by reason.",
	}, []string{"reason"})
	noopCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tl_pipeline_noop_batches_total",
		Help: "Batches that reconciled to an unchanged root tree and were suppressed.",
	})
	applyDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tl_pipeline_apply_seconds",
		Help:    "Wall time spent applying one dirty-path batch.",
		Buckets: prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(checkpointCounter, noopCounter, applyDuration)
}

// Ignorer matches pkg/ignore.Rules without introducing an import cycle.
type Ignorer interface {
	ShouldIgnore(path string) bool
}

// Pipeline owns the mutable state one repository's checkpoint stream
// flows through.
type Pipeline struct {
	repoRoot       string
	tlDir          string
	store          *objectstore.ObjectStore
	pm             *pathmap.PathMap
	journal        *journal.Journal
	ignore         Ignorer
	maxHashRetries int
	log            *slog.Logger

	mu sync.Mutex // single-in-flight guard (spec §4.M)

	headMu  sync.RWMutex
	hasHead bool
	head    ckptid.ID
}

// headHintPath is where the current HEAD checkpoint id is mirrored for
// fast cold-start recovery (SPEC_FULL supplement: "HEAD hint file"),
// independent of the journal's own recovery scan.
func headHintPath(tlDir string) string {
	return filepath.Join(tlDir, "state", "HEAD")
}

// Open constructs a Pipeline, loading the HEAD hint if present and
// falling back to the journal's own latest record otherwise.
func Open(repoRoot, tlDir string, store *objectstore.ObjectStore, pm *pathmap.PathMap, j *journal.Journal, ignore Ignorer, maxHashRetries int, log *slog.Logger) (*Pipeline, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(filepath.Join(tlDir, "state"), 0o755); err != nil {
		return nil, tlerrors.New(tlerrors.KindIO, err)
	}

	p := &Pipeline{
		repoRoot: repoRoot, tlDir: tlDir, store: store, pm: pm, journal: j,
		ignore: ignore, maxHashRetries: maxHashRetries, log: log.With("component", "pipeline"),
	}

	if id, ok := p.readHeadHint(); ok {
		p.hasHead, p.head = true, id
		return p, nil
	}
	if cp, ok, err := j.Latest(); err == nil && ok {
		p.hasHead, p.head = true, cp.ID
	}
	return p, nil
}

func (p *Pipeline) readHeadHint() (ckptid.ID, bool) {
	data, err := os.ReadFile(headHintPath(p.tlDir))
	if err != nil || len(data) != ckptid.TextLen {
		return ckptid.Nil, false
	}
	id, err := ckptid.Parse(string(data))
	if err != nil {
		return ckptid.Nil, false
	}
	return id, true
}

func (p *Pipeline) writeHeadHint(id ckptid.ID) error {
	return objectstore.AtomicWrite(filepath.Join(p.tlDir, "tmp"), headHintPath(p.tlDir), []byte(id.String()))
}

// Head returns the current HEAD checkpoint id, if any has ever been
// created.
func (p *Pipeline) Head() (ckptid.ID, bool) {
	p.headMu.RLock()
	defer p.headMu.RUnlock()
	return p.head, p.hasHead
}

// Apply reconciles a dirty-path set against the working tree and, if
// the result differs from the current HEAD's tree, appends a new
// checkpoint. It returns ok=false when the batch reconciled to no
// change (spec §4.M: "no-op suppression when root unchanged").
func (p *Pipeline) Apply(dirty map[string]struct{}, reason journal.Reason) (cp journal.Checkpoint, ok bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	start := time.Now()
	defer func() { applyDuration.Observe(time.Since(start).Seconds()) }()

	oldTree := p.pm.BuildTree()
	oldRoot := p.pm.Root()

	// Update operates on a clone, never the live path-map: P_base only
	// advances to P' once the tree and checkpoint are durably committed
	// below, so a failure here or in the journal append leaves the next
	// batch's no-op suppression comparing against the last committed
	// state instead of silently losing the change.
	pmNext := p.pm.Clone()
	result, err := treeupdate.Update(p.store, pmNext, p.repoRoot, dirty, p.ignore, p.maxHashRetries)
	if err != nil {
		return journal.Checkpoint{}, false, err
	}
	if len(result.Skipped) > 0 {
		p.log.Warn("batch left paths unstable, leaving them dirty", "count", len(result.Skipped))
	}

	if result.RootHash == oldRoot {
		noopCounter.Inc()
		return journal.Checkpoint{}, false, nil
	}

	if _, err := p.store.WriteTree(result.Tree); err != nil {
		return journal.Checkpoint{}, false, err
	}

	diff := objectstore.DiffTrees(oldTree, result.Tree)
	meta := journal.Meta{
		FilesChanged: uint32(len(diff.Added) + len(diff.Removed) + len(diff.Modified)),
		BytesAdded:   p.sumBytes(diff.Added, nil),
		BytesRemoved: p.sumBytes(diff.Removed, nil),
	}
	meta.BytesAdded += p.sumBytes(nil, diff.Modified)

	touched := make([]string, 0, len(diff.Added)+len(diff.Removed)+len(diff.Modified))
	for _, e := range diff.Added {
		touched = append(touched, e.Path)
	}
	for _, e := range diff.Removed {
		touched = append(touched, e.Path)
	}
	for _, e := range diff.Modified {
		touched = append(touched, e.Path)
	}

	id := ckptid.New()
	parent, hasParent := p.Head()
	cp = journal.NewCheckpoint(id, parent, hasParent, result.RootHash, uint64(time.Now().UnixMilli()), reason, touched, meta)

	if _, err := p.journal.Append(cp); err != nil {
		return journal.Checkpoint{}, false, err
	}
	// Only now does P_base advance to P': the journal append durably
	// committed the checkpoint this tree corresponds to. The live
	// path-map is updated in place since the daemon and the reconciler
	// hold the same *PathMap.
	for _, e := range diff.Removed {
		p.pm.Update(e.Path, nil)
	}
	for _, e := range diff.Added {
		entry := e.Entry
		p.pm.Update(e.Path, &entry)
	}
	for _, e := range diff.Modified {
		entry := e.New
		p.pm.Update(e.Path, &entry)
	}
	p.pm.SetRoot(result.RootHash)
	if err := p.writeHeadHint(id); err != nil {
		// HEAD hint is a cold-start optimization only (spec: the journal
		// remains the source of truth), so a write failure is logged, not
		// fatal to the checkpoint that already committed.
		p.log.Warn("failed to persist HEAD hint", "error", err)
	}

	p.headMu.Lock()
	p.hasHead, p.head = true, id
	p.headMu.Unlock()

	checkpointCounter.WithLabelValues(reason.String()).Inc()
	return cp, true, nil
}

func (p *Pipeline) sumBytes(added []objectstore.PathEntry, modified []objectstore.ModifiedEntry) uint64 {
	var total uint64
	for _, e := range added {
		total += p.blobLen(e.Entry)
	}
	for _, e := range modified {
		total += p.blobLen(e.New)
	}
	return total
}

func (p *Pipeline) blobLen(e objectstore.Entry) uint64 {
	if e.Kind == objectstore.KindSubmodule {
		return 0
	}
	data, err := p.store.Blobs.Read(e.BlobHash)
	if err != nil {
		return 0
	}
	return uint64(len(data))
}

// DiskUsageBytes best-effort sums the on-disk size of the object store
// directory tree, surfaced via IPC GetStatusFull.
func DiskUsageBytes(tlDir string) uint64 {
	var total uint64
	filepath.WalkDir(filepath.Join(tlDir, "objects"), func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, ierr := d.Info(); ierr == nil {
			total += uint64(info.Size())
		}
		return nil
	})
	return total
}
