package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/snapdaemon/tl/pkg/ckptid"
	"github.com/snapdaemon/tl/pkg/daemonlock"
	tlerrors "github.com/snapdaemon/tl/pkg/errors"
	"github.com/snapdaemon/tl/pkg/gc"
	"github.com/snapdaemon/tl/pkg/ignore"
	"github.com/snapdaemon/tl/pkg/ipc"
	"github.com/snapdaemon/tl/pkg/journal"
	"github.com/snapdaemon/tl/pkg/objectstore"
	"github.com/snapdaemon/tl/pkg/pathmap"
	"github.com/snapdaemon/tl/pkg/pin"
	"github.com/snapdaemon/tl/pkg/pipeline"
	"github.com/snapdaemon/tl/pkg/watch"
)

// Daemon owns every long-lived component for one repository (spec §4.M
// wiring): the object store, path-map, journal, pin store, watch
// pipeline, checkpoint pipeline, and the IPC server that fronts them.
type Daemon struct {
	cfg DaemonConfig
	log *slog.Logger

	lock *daemonlock.Lock

	store    *objectstore.ObjectStore
	pm       *pathmap.PathMap
	journal  *journal.Journal
	pins     *pin.Store
	ignoreRl *ignore.Rules
	pipe     *pipeline.Pipeline
	watchPl  *watch.Pipeline
	ipcSrv   *ipc.Server
}

// Start acquires the daemon lock, opens every component, rebuilds (or
// cold-loads) the path-map, and begins watching. Callers must call Stop
// on the returned Daemon to shut down cleanly.
func Start(cfg DaemonConfig, log *slog.Logger) (*Daemon, error) {
	cfg = cfg.WithDefaults()
	if log == nil {
		log = slog.Default()
	}

	for _, dir := range []string{cfg.TlDir, filepath.Join(cfg.TlDir, "state"), filepath.Join(cfg.TlDir, "logs")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, tlerrors.New(tlerrors.KindIO, err)
		}
	}

	lock, err := daemonlock.Acquire(cfg.TlDir)
	if err != nil {
		return nil, err
	}

	d := &Daemon{cfg: cfg, log: log, lock: lock}

	if err := d.openComponents(); err != nil {
		lock.Release()
		return nil, err
	}

	if err := d.watchPl.Start(); err != nil {
		d.Stop()
		return nil, err
	}

	return d, nil
}

func (d *Daemon) openComponents() error {
	var err error

	d.store, err = objectstore.Open(d.cfg.TlDir, d.cfg.BlobCacheBytes)
	if err != nil {
		return err
	}

	d.journal, err = journal.Open(filepath.Join(d.cfg.TlDir, "journal"))
	if err != nil {
		return err
	}

	d.pins, err = pin.Open(d.cfg.TlDir)
	if err != nil {
		return err
	}

	d.ignoreRl, err = ignore.Load(d.cfg.RepoRoot, ignore.Options{
		EnableTlIgnore:  d.cfg.EnableTlIgnore,
		EnableGitIgnore: d.cfg.EnableGitIgnore,
		ConfigPatterns:  d.cfg.IgnorePatterns,
	})
	if err != nil {
		return err
	}

	d.pm = d.loadPathMap()

	d.pipe, err = pipeline.Open(d.cfg.RepoRoot, d.cfg.TlDir, d.store, d.pm, d.journal, d.ignoreRl, d.cfg.MaxHashRetries, d.log)
	if err != nil {
		return err
	}

	d.watchPl, err = watch.NewPipeline(d.cfg.RepoRoot, d.ignoreRl, d.pm, watch.Config{
		DebounceDelay:     d.cfg.DebounceDelay,
		MaxBatchAge:       d.cfg.MaxBatchAge,
		MaxBatchSize:      d.cfg.MaxBatchSize,
		ReconcileInterval: d.cfg.ReconcileInterval,
	}, d.onBatch, d.log)
	if err != nil {
		return err
	}

	sockPath := filepath.Join(d.cfg.TlDir, "state", "daemon.sock")
	d.ipcSrv, err = ipc.Listen(sockPath, d, d.log)
	if err != nil {
		return err
	}
	go func() {
		if err := d.ipcSrv.Serve(); err != nil {
			d.log.Info("ipc server stopped", "error", err)
		}
	}()

	return nil
}

// pathMapStatePath is where the path-map is persisted on clean shutdown
// (spec §6: "state/pathmap.bin").
func (d *Daemon) pathMapStatePath() string {
	return filepath.Join(d.cfg.TlDir, "state", "pathmap.bin")
}

func (d *Daemon) loadPathMap() *pathmap.PathMap {
	if pm, err := pathmap.Load(d.pathMapStatePath()); err == nil {
		return pm
	}

	// Persisted copy missing or stale: cold-rebuild from the latest
	// checkpoint's tree (spec §4.E).
	if cp, ok, err := d.journal.Latest(); err == nil && ok {
		if t, err := d.store.ReadTree(cp.RootTree); err == nil {
			return pathmap.FromTree(t, cp.RootTree)
		}
	}
	return pathmap.New()
}

func (d *Daemon) onBatch(batch watch.Batch) {
	dirty := make(map[string]struct{}, len(batch))
	for path := range batch {
		dirty[path] = struct{}{}
	}
	if _, _, err := d.pipe.Apply(dirty, journal.ReasonFsBatch); err != nil {
		d.log.Error("failed to apply batch", "error", err)
	}
}

// Stop persists the path-map, releases the daemon lock, and closes
// every component. Safe to call once after Start succeeds.
func (d *Daemon) Stop() error {
	if d.watchPl != nil {
		d.watchPl.Stop()
	}
	if d.ipcSrv != nil {
		d.ipcSrv.Close()
	}
	if d.pm != nil {
		if err := d.pm.Save(d.pathMapStatePath(), filepath.Join(d.cfg.TlDir, "tmp")); err != nil {
			d.log.Warn("failed to persist path-map on shutdown", "error", err)
		}
	}
	if d.journal != nil {
		d.journal.Close()
	}
	if d.lock != nil {
		d.lock.Release()
	}
	return nil
}

// RunGC performs one retention pass: compute a plan and collect it.
func (d *Daemon) RunGC() (*gc.Plan, error) {
	gcLock, err := gc.TryAcquire(d.cfg.TlDir)
	if err != nil {
		return nil, err
	}
	defer gcLock.Release()

	retention := gc.Retention{
		Count:  d.cfg.RetainCount,
		MaxAge: time.Duration(d.cfg.RetainHours * float64(time.Hour)),
	}
	plan, err := gc.BuildPlan(d.journal, d.pins, d.store, retention)
	if err != nil {
		return nil, err
	}
	if err := gc.Collect(d.journal, d.store, plan); err != nil {
		return nil, err
	}
	return plan, nil
}

// --- ipc.Handler ---

func (d *Daemon) GetStatus() ipc.Response {
	head, hasHead := d.pipe.Head()
	return ipc.Response{
		Kind: ipc.KindGetStatus, HasHead: hasHead, Head: head,
		Watching: true, WatchedDirs: uint32(d.watchPl.WatchedPaths()),
	}
}

func (d *Daemon) GetStatusFull() ipc.Response {
	r := d.GetStatus()
	r.Kind = ipc.KindGetStatusFull
	r.JournalCount = uint32(d.journal.Count())
	r.LastReconcile = uint64(time.Now().UnixMilli())
	r.DiskUsageBytes = pipeline.DiskUsageBytes(d.cfg.TlDir)
	return r
}

func (d *Daemon) ResolveRefs(refs []string) ipc.Response {
	out := make([]ipc.ResolvedRef, 0, len(refs))
	for _, ref := range refs {
		id, found := d.resolveOne(ref)
		out = append(out, ipc.ResolvedRef{Ref: ref, ID: id, Found: found})
	}
	return ipc.Response{Kind: ipc.KindResolveRefs, Resolved: out}
}

func (d *Daemon) resolveOne(ref string) (ckptid.ID, bool) {
	if ref == "HEAD" {
		id, ok := d.pipe.Head()
		return id, ok
	}
	if id, err := d.pins.Get(ref); err == nil {
		return id, true
	}
	if id, err := ckptid.Parse(ref); err == nil {
		if _, ok, err := d.journal.Get(id); err == nil && ok {
			return id, true
		}
	}
	if len(ref) >= 4 {
		if ids, err := d.journal.AllIDs(); err == nil {
			var match ckptid.ID
			n := 0
			for _, id := range ids {
				if id.HasPrefix(ref) {
					match, n = id, n+1
				}
			}
			if n == 1 { // an ambiguous prefix resolves to nothing
				return match, true
			}
		}
	}
	return ckptid.Nil, false
}

func (d *Daemon) GetCheckpointBatch(ids []ckptid.ID) ipc.Response {
	out := make([]ipc.CheckpointResult, 0, len(ids))
	for _, id := range ids {
		cp, found, err := d.journal.Get(id)
		if err != nil {
			return ipc.ErrorResponse(err)
		}
		out = append(out, ipc.CheckpointResult{ID: id, Found: found, Checkpoint: cp})
	}
	return ipc.Response{Kind: ipc.KindGetCheckpointBatch, CheckpointResults: out}
}

func (d *Daemon) GetInfo() ipc.Response {
	ids, err := d.journal.AllIDs()
	if err != nil {
		return ipc.ErrorResponse(err)
	}
	return ipc.Response{
		Kind:             ipc.KindGetInfo,
		Count:            uint32(d.journal.Count()),
		OrderedIDs:       ids,
		ApproxStoreBytes: pipeline.DiskUsageBytes(d.cfg.TlDir),
	}
}

func (d *Daemon) Flush() ipc.Response {
	d.watchPl.Flush()
	return ipc.Response{Kind: ipc.KindFlush, Accepted: true}
}

func (d *Daemon) Shutdown() ipc.Response {
	go func() {
		time.Sleep(50 * time.Millisecond) // let the response frame reach the client first
		shutdownRequested <- struct{}{}
	}()
	return ipc.Response{Kind: ipc.KindShutdown, Accepted: true}
}

var shutdownRequested = make(chan struct{}, 1)
