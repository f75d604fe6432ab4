// Package treeupdate implements the incremental tree update algorithm
// (spec §4.F): given a base path-map, a set of dirty paths, and the
// repository root, it reconciles each dirty path against the working
// directory and produces a new tree plus its root hash, touching only
// the dirty entries rather than rescanning the whole working tree.
package treeupdate

import (
	"os"
	"path/filepath"

	tlerrors "github.com/snapdaemon/tl/pkg/errors"
	"github.com/snapdaemon/tl/pkg/hash"
	"github.com/snapdaemon/tl/pkg/objectstore"
	"github.com/snapdaemon/tl/pkg/pathmap"
)

// Ignorer decides whether a normalized path should be skipped, matching
// pkg/ignore.Rules without introducing an import cycle.
type Ignorer interface {
	ShouldIgnore(path string) bool
}

// MaxHashRetries is the default double-stat retry budget passed to
// hash.FileStable when the caller doesn't override it.
const MaxHashRetries = 5

// Result is the outcome of one incremental update pass.
type Result struct {
	Tree     *objectstore.Tree
	RootHash hash.Hash
	// Skipped lists dirty paths that could not be hashed stably this
	// round (spec §7, UnstableFile); the pipeline logs these and leaves
	// them dirty for the next batch or reconciler pass.
	Skipped []string
}

// Update reconciles dirty paths against repoRoot, mutating pm in place
// (spec step 2: "reuse the existing map") and returning the rebuilt tree.
func Update(store *objectstore.ObjectStore, pm *pathmap.PathMap, repoRoot string, dirty map[string]struct{}, ignorer Ignorer, maxHashRetries int) (Result, error) {
	if maxHashRetries <= 0 {
		maxHashRetries = MaxHashRetries
	}

	normalized := make(map[string]struct{}, len(dirty))
	for raw := range dirty {
		clean, err := objectstore.NormalizePath(raw)
		if err != nil {
			continue // validation errors on individual dirty paths are non-fatal; drop them
		}
		if ignorer != nil && ignorer.ShouldIgnore(clean) {
			continue
		}
		normalized[clean] = struct{}{}
	}

	var skipped []string
	for path := range normalized {
		full := filepath.Join(repoRoot, filepath.FromSlash(path))

		info, err := os.Lstat(full)
		if err != nil {
			if os.IsNotExist(err) {
				pm.RemovePrefix(path)
				continue
			}
			return Result{}, tlerrors.New(tlerrors.KindIO, err)
		}

		switch {
		case info.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(full)
			if err != nil {
				return Result{}, tlerrors.New(tlerrors.KindIO, err)
			}
			h := hash.Bytes([]byte(target))
			if err := store.Blobs.Write(h, []byte(target)); err != nil {
				return Result{}, err
			}
			e := objectstore.Entry{Kind: objectstore.KindSymlink, Mode: objectstore.SymlinkMode, BlobHash: h}
			pm.Update(path, &e)

		case info.IsDir():
			// Directories aren't tracked as entries themselves; the files
			// beneath them arrive as their own dirty paths.
			continue

		case info.Mode().IsRegular():
			h, err := hash.FileStable(full, maxHashRetries)
			if err != nil {
				if tlerrors.Is(err, tlerrors.KindUnstableFile) {
					skipped = append(skipped, path)
					continue
				}
				return Result{}, err
			}
			data, err := os.ReadFile(full)
			if err != nil {
				if os.IsNotExist(err) {
					pm.RemovePrefix(path)
					continue
				}
				return Result{}, tlerrors.New(tlerrors.KindIO, err)
			}
			if err := store.Blobs.Write(h, data); err != nil {
				return Result{}, err
			}
			e := objectstore.Entry{Kind: objectstore.KindFile, Mode: uint32(info.Mode().Perm()), BlobHash: h}
			pm.Update(path, &e)

		default:
			// Sockets, devices, etc. are not trackable content; treat like
			// a removal so stale entries don't linger.
			pm.RemovePrefix(path)
		}
	}

	tree := pm.BuildTree()
	root := tree.Hash()
	pm.SetRoot(root)

	return Result{Tree: tree, RootHash: root, Skipped: skipped}, nil
}
