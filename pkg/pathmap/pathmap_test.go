package pathmap

import (
	"path/filepath"
	"testing"

	"github.com/snapdaemon/tl/pkg/hash"
	"github.com/snapdaemon/tl/pkg/objectstore"
)

func TestPathMapGetUpdate(t *testing.T) {
	pm := New()
	if _, ok := pm.Get("a.txt"); ok {
		t.Fatal("expected empty path-map to report not found")
	}

	e := objectstore.Entry{Kind: objectstore.KindFile, BlobHash: hash.Bytes([]byte("a"))}
	pm.Update("a.txt", &e)
	got, ok := pm.Get("a.txt")
	if !ok || got.BlobHash != e.BlobHash {
		t.Fatalf("Get() = %+v, %v", got, ok)
	}

	pm.Update("a.txt", nil)
	if _, ok := pm.Get("a.txt"); ok {
		t.Fatal("expected entry removed after Update with nil")
	}
}

func TestPathMapRemovePrefixRemovesDescendants(t *testing.T) {
	pm := New()
	for _, p := range []string{"dir", "dir/a.txt", "dir/b.txt", "dir-sibling.txt", "other.txt"} {
		e := objectstore.Entry{Kind: objectstore.KindFile}
		pm.Update(p, &e)
	}

	pm.RemovePrefix("dir")

	for _, p := range []string{"dir", "dir/a.txt", "dir/b.txt"} {
		if _, ok := pm.Get(p); ok {
			t.Fatalf("expected %q removed by RemovePrefix", p)
		}
	}
	for _, p := range []string{"dir-sibling.txt", "other.txt"} {
		if _, ok := pm.Get(p); !ok {
			t.Fatalf("expected %q to survive RemovePrefix(\"dir\")", p)
		}
	}
}

func TestPathMapPaths(t *testing.T) {
	pm := New()
	e := objectstore.Entry{Kind: objectstore.KindFile}
	pm.Update("a.txt", &e)
	pm.Update("b.txt", &e)

	paths := pm.Paths()
	if len(paths) != 2 {
		t.Fatalf("Paths() = %v, want 2 entries", paths)
	}
}

func TestPathMapCloneIsIndependent(t *testing.T) {
	pm := New()
	e := objectstore.Entry{Kind: objectstore.KindFile}
	pm.Update("a.txt", &e)

	clone := pm.Clone()
	clone.Update("b.txt", &e)

	if pm.Len() != 1 {
		t.Fatalf("original mutated by clone: Len() = %d", pm.Len())
	}
	if clone.Len() != 2 {
		t.Fatalf("clone Len() = %d, want 2", clone.Len())
	}
}

func TestPathMapBuildTree(t *testing.T) {
	pm := New()
	e := objectstore.Entry{Kind: objectstore.KindFile, BlobHash: hash.Bytes([]byte("x"))}
	pm.Update("a.txt", &e)

	tr := pm.BuildTree()
	got, ok := tr.Get("a.txt")
	if !ok || got.BlobHash != e.BlobHash {
		t.Fatalf("BuildTree entry = %+v, %v", got, ok)
	}
}

func TestPathMapFromTree(t *testing.T) {
	tr := objectstore.NewTree()
	tr.Insert("a.txt", objectstore.Entry{Kind: objectstore.KindFile})
	root := tr.Hash()

	pm := FromTree(tr, root)
	if pm.Root() != root {
		t.Fatalf("Root() = %v, want %v", pm.Root(), root)
	}
	if _, ok := pm.Get("a.txt"); !ok {
		t.Fatal("expected FromTree to carry over entries")
	}
}

func TestPathMapSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	pm := New()
	e1 := objectstore.Entry{Kind: objectstore.KindFile, Mode: 0o644, BlobHash: hash.Bytes([]byte("1"))}
	e2 := objectstore.Entry{Kind: objectstore.KindSymlink, Mode: objectstore.SymlinkMode, BlobHash: hash.Bytes([]byte("2"))}
	pm.Update("a.txt", &e1)
	pm.Update("link", &e2)
	pm.SetRoot(hash.Bytes([]byte("root")))

	target := filepath.Join(dir, "pathmap.bin")
	if err := pm.Save(target, dir); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(target)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Root() != pm.Root() {
		t.Fatalf("loaded root = %v, want %v", loaded.Root(), pm.Root())
	}
	if loaded.Len() != pm.Len() {
		t.Fatalf("loaded Len() = %d, want %d", loaded.Len(), pm.Len())
	}
	got, ok := loaded.Get("a.txt")
	if !ok || got.BlobHash != e1.BlobHash {
		t.Fatalf("loaded a.txt = %+v, %v", got, ok)
	}
}

func TestPathMapLoadMissingFileIsStale(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.bin"))
	if err != ErrStale {
		t.Fatalf("Load of missing file = %v, want ErrStale", err)
	}
}

func TestPathMapLoadCorruptedIsStale(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "bad.bin")
	if err := objectstore.AtomicWrite(dir, target, []byte("not a pathmap file")); err != nil {
		t.Fatalf("AtomicWrite failed: %v", err)
	}
	if _, err := Load(target); err != ErrStale {
		t.Fatalf("Load of corrupted file = %v, want ErrStale", err)
	}
}
