package treeupdate

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/snapdaemon/tl/pkg/objectstore"
	"github.com/snapdaemon/tl/pkg/pathmap"
)

func newHarness(t *testing.T) (*objectstore.ObjectStore, *pathmap.PathMap, string) {
	t.Helper()
	repoRoot := t.TempDir()
	store, err := objectstore.Open(filepath.Join(repoRoot, ".tl"), 0)
	if err != nil {
		t.Fatalf("Open objectstore: %v", err)
	}
	return store, pathmap.New(), repoRoot
}

func TestUpdateAddsNewFile(t *testing.T) {
	store, pm, repoRoot := newHarness(t)
	if err := os.WriteFile(filepath.Join(repoRoot, "a.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	result, err := Update(store, pm, repoRoot, map[string]struct{}{"a.txt": {}}, nil, 0)
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if result.RootHash.IsZero() {
		t.Fatal("expected a non-zero root hash")
	}
	e, ok := pm.Get("a.txt")
	if !ok || e.Kind != objectstore.KindFile {
		t.Fatalf("pathmap entry = %+v, %v", e, ok)
	}
	if len(result.Skipped) != 0 {
		t.Fatalf("expected no skipped paths, got %v", result.Skipped)
	}
}

func TestUpdateRemovesDeletedFile(t *testing.T) {
	store, pm, repoRoot := newHarness(t)
	path := filepath.Join(repoRoot, "a.txt")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Update(store, pm, repoRoot, map[string]struct{}{"a.txt": {}}, nil, 0); err != nil {
		t.Fatalf("initial Update failed: %v", err)
	}

	if err := os.Remove(path); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := Update(store, pm, repoRoot, map[string]struct{}{"a.txt": {}}, nil, 0); err != nil {
		t.Fatalf("Update after delete failed: %v", err)
	}

	if _, ok := pm.Get("a.txt"); ok {
		t.Fatal("expected path-map entry removed after file deletion")
	}
}

func TestUpdateHandlesSymlink(t *testing.T) {
	store, pm, repoRoot := newHarness(t)
	if err := os.WriteFile(filepath.Join(repoRoot, "target.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write target: %v", err)
	}
	if err := os.Symlink("target.txt", filepath.Join(repoRoot, "link")); err != nil {
		t.Fatalf("symlink: %v", err)
	}

	result, err := Update(store, pm, repoRoot, map[string]struct{}{"link": {}}, nil, 0)
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	_ = result
	e, ok := pm.Get("link")
	if !ok || e.Kind != objectstore.KindSymlink {
		t.Fatalf("expected symlink entry, got %+v, %v", e, ok)
	}
}

func TestUpdateSkipsIgnoredPaths(t *testing.T) {
	store, pm, repoRoot := newHarness(t)
	if err := os.WriteFile(filepath.Join(repoRoot, "ignored.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	ignorer := ignoreAll{}
	if _, err := Update(store, pm, repoRoot, map[string]struct{}{"ignored.txt": {}}, ignorer, 0); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if _, ok := pm.Get("ignored.txt"); ok {
		t.Fatal("expected ignored path to never enter the path-map")
	}
}

func TestUpdateSkipsDirectoryEntriesThemselves(t *testing.T) {
	store, pm, repoRoot := newHarness(t)
	if err := os.Mkdir(filepath.Join(repoRoot, "dir"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	if _, err := Update(store, pm, repoRoot, map[string]struct{}{"dir": {}}, nil, 0); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if _, ok := pm.Get("dir"); ok {
		t.Fatal("expected directories to not be tracked as their own entry")
	}
}

func TestUpdateNonexistentPathIsNoop(t *testing.T) {
	store, pm, repoRoot := newHarness(t)
	if _, err := Update(store, pm, repoRoot, map[string]struct{}{"never-existed.txt": {}}, nil, 0); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if pm.Len() != 0 {
		t.Fatalf("expected empty path-map, got Len() = %d", pm.Len())
	}
}

type ignoreAll struct{}

func (ignoreAll) ShouldIgnore(path string) bool { return true }
