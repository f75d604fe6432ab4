// Package gc implements mark-and-sweep garbage collection over the
// object store (spec §4.N): starting from a set of retention roots
// (the most recent N checkpoints, checkpoints within a recency window,
// pinned checkpoints, and any externally-referenced ids), it marks
// every blob and tree reachable from those roots and sweeps everything
// else. Plan/Collect are split so callers can dry-run (SPEC_FULL
// supplement: "GC dry-run via Plan/Collect split") before committing to
// deletion.
package gc

import (
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/snapdaemon/tl/pkg/ckptid"
	tlerrors "github.com/snapdaemon/tl/pkg/errors"
	"github.com/snapdaemon/tl/pkg/hash"
	"github.com/snapdaemon/tl/pkg/journal"
	"github.com/snapdaemon/tl/pkg/objectstore"
	"github.com/snapdaemon/tl/pkg/pin"
)

var (
	collectedBlobs = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tl_gc_blobs_collected_total",
		Help: "Blob objects removed by garbage collection.",
	})
	collectedTrees = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tl_gc_trees_collected_total",
		Help: "Tree objects removed by garbage collection.",
	})
	collectedCheckpoints = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tl_gc_checkpoints_collected_total",
		Help: "Checkpoint records removed by garbage collection.",
	})
)

func init() {
	prometheus.MustRegister(collectedBlobs, collectedTrees, collectedCheckpoints)
}

// Retention configures which checkpoints (and therefore which reachable
// objects) survive a collection pass (spec §4.N).
type Retention struct {
	// Count keeps the Count most recently created checkpoints regardless
	// of age.
	Count int
	// MaxAge keeps every checkpoint created within MaxAge of now. Zero
	// disables this rule.
	MaxAge time.Duration
	// ExternalRoots are checkpoint ids kept alive by something outside
	// the pin store (e.g. an in-flight restore, or a caller-supplied
	// hold); a dangling id here is simply not found and skipped.
	ExternalRoots []ckptid.ID
}

// Plan is a proposed collection: what is reachable, what would be
// deleted, computed without mutating anything (spec §4.N dry-run).
type Plan struct {
	RetainedCheckpoints []ckptid.ID
	DeleteCheckpoints   []ckptid.ID
	DeleteTrees         []hash.Hash
	DeleteBlobs         []hash.Hash
}

// BuildPlan computes a Plan from the journal, pin store, and object
// store's current contents.
func BuildPlan(j *journal.Journal, pins *pin.Store, store *objectstore.ObjectStore, retention Retention) (*Plan, error) {
	all, err := j.AllIDs() // ascending by creation order
	if err != nil {
		return nil, err
	}

	retained := make(map[ckptid.ID]struct{})

	n := retention.Count
	if n > len(all) {
		n = len(all)
	}
	for _, id := range all[len(all)-n:] {
		retained[id] = struct{}{}
	}

	if retention.MaxAge > 0 {
		cutoff := uint64(time.Now().Add(-retention.MaxAge).UnixMilli())
		recent, err := j.Since(cutoff)
		if err != nil {
			return nil, err
		}
		for _, cp := range recent {
			retained[cp.ID] = struct{}{}
		}
	}

	if pins != nil {
		pinned, err := pins.List()
		if err != nil {
			return nil, err
		}
		for _, p := range pinned {
			// A pin naming a checkpoint the journal no longer has fails
			// the whole run.
			if _, ok, err := j.Get(p.ID); err != nil {
				return nil, err
			} else if !ok {
				return nil, tlerrors.New(tlerrors.KindNotFound, &tlerrors.CheckpointNotFoundError{ID: p.ID.String()})
			}
			retained[p.ID] = struct{}{}
		}
	}
	for _, id := range retention.ExternalRoots {
		retained[id] = struct{}{}
	}

	reachableTrees := make(map[hash.Hash]struct{})
	reachableBlobs := make(map[hash.Hash]struct{})
	retainedList := make([]ckptid.ID, 0, len(retained))
	for id := range retained {
		retainedList = append(retainedList, id)
		cp, ok, err := j.Get(id)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue // dangling external root: skipped (pins were checked above)
		}
		if err := markTree(store, cp.RootTree, reachableTrees, reachableBlobs); err != nil {
			return nil, err
		}
	}

	plan := &Plan{RetainedCheckpoints: retainedList}
	for _, id := range all {
		if _, ok := retained[id]; !ok {
			plan.DeleteCheckpoints = append(plan.DeleteCheckpoints, id)
		}
	}

	onDiskTrees, err := listShardedHashes(store.TreesDir())
	if err != nil {
		return nil, err
	}
	for _, h := range onDiskTrees {
		if _, ok := reachableTrees[h]; !ok {
			plan.DeleteTrees = append(plan.DeleteTrees, h)
		}
	}

	onDiskBlobs, err := listShardedHashes(store.BlobsDir())
	if err != nil {
		return nil, err
	}
	for _, h := range onDiskBlobs {
		if _, ok := reachableBlobs[h]; !ok {
			plan.DeleteBlobs = append(plan.DeleteBlobs, h)
		}
	}

	return plan, nil
}

func markTree(store *objectstore.ObjectStore, root hash.Hash, trees, blobs map[hash.Hash]struct{}) error {
	if _, seen := trees[root]; seen {
		return nil
	}
	trees[root] = struct{}{}

	t, err := store.ReadTree(root)
	if err != nil {
		if tlerrors.Is(err, tlerrors.KindNotFound) {
			return nil // a tree that vanished out from under a retained checkpoint is not this pass's problem
		}
		return err
	}
	t.ForEach(func(path string, e objectstore.Entry) bool {
		if e.Kind == objectstore.KindSubmodule {
			return true
		}
		blobs[e.BlobHash] = struct{}{}
		return true
	})
	return nil
}

func listShardedHashes(base string) ([]hash.Hash, error) {
	var out []hash.Hash
	err := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			return nil
		}
		rel, rerr := filepath.Rel(base, path)
		if rerr != nil {
			return nil
		}
		hexDigest := shardRelToHex(filepath.ToSlash(rel))
		h, perr := hash.Parse(hexDigest)
		if perr != nil {
			return nil // not one of our objects; ignore stray files
		}
		out = append(out, h)
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, tlerrors.New(tlerrors.KindIO, err)
	}
	return out, nil
}

// shardRelToHex turns "ab/cdef..." (the ShardPath layout) back into the
// flat hex digest "abcdef...".
func shardRelToHex(rel string) string {
	i := 0
	for i < len(rel) && rel[i] != '/' {
		i++
	}
	if i == len(rel) {
		return rel
	}
	return rel[:i] + rel[i+1:]
}

// Collect executes a previously computed Plan: removes unreachable
// blobs and trees, then deletes collected checkpoint records.
func Collect(j *journal.Journal, store *objectstore.ObjectStore, plan *Plan) error {
	for _, h := range plan.DeleteBlobs {
		if err := store.DeleteBlob(h); err != nil {
			return err
		}
		collectedBlobs.Inc()
	}
	for _, h := range plan.DeleteTrees {
		if err := store.DeleteTree(h); err != nil {
			return err
		}
		collectedTrees.Inc()
	}
	for _, id := range plan.DeleteCheckpoints {
		if err := j.Delete(id); err != nil {
			return err
		}
		collectedCheckpoints.Inc()
	}
	return nil
}
