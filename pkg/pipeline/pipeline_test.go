package pipeline

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/snapdaemon/tl/pkg/journal"
	"github.com/snapdaemon/tl/pkg/objectstore"
	"github.com/snapdaemon/tl/pkg/pathmap"
)

func newTestPipeline(t *testing.T) (*Pipeline, string) {
	t.Helper()
	repoRoot := t.TempDir()
	tlDir := filepath.Join(repoRoot, ".tl")

	store, err := objectstore.Open(tlDir, 0)
	if err != nil {
		t.Fatalf("Open objectstore: %v", err)
	}
	j, err := journal.Open(filepath.Join(tlDir, "journal"))
	if err != nil {
		t.Fatalf("Open journal: %v", err)
	}
	t.Cleanup(func() { j.Close() })

	p, err := Open(repoRoot, tlDir, store, pathmap.New(), j, nil, 0, nil)
	if err != nil {
		t.Fatalf("Open pipeline: %v", err)
	}
	return p, repoRoot
}

func TestApplyCreatesCheckpoint(t *testing.T) {
	p, repoRoot := newTestPipeline(t)

	if err := os.WriteFile(filepath.Join(repoRoot, "a.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	cp, ok, err := p.Apply(map[string]struct{}{"a.txt": {}}, journal.ReasonFsBatch)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if !ok {
		t.Fatal("expected a checkpoint to be created")
	}
	if cp.HasParent {
		t.Fatal("expected the first checkpoint to have no parent")
	}
	if cp.Meta.FilesChanged != 1 {
		t.Fatalf("expected 1 file changed, got %d", cp.Meta.FilesChanged)
	}

	head, ok := p.Head()
	if !ok || head != cp.ID {
		t.Fatalf("expected HEAD to be updated to %v, got %v (ok=%v)", cp.ID, head, ok)
	}
}

func TestApplyNoopSuppressedWhenUnchanged(t *testing.T) {
	p, repoRoot := newTestPipeline(t)

	path := filepath.Join(repoRoot, "a.txt")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	_, ok, err := p.Apply(map[string]struct{}{"a.txt": {}}, journal.ReasonFsBatch)
	if err != nil || !ok {
		t.Fatalf("expected first apply to create a checkpoint, got ok=%v err=%v", ok, err)
	}

	_, ok, err = p.Apply(map[string]struct{}{"a.txt": {}}, journal.ReasonFsBatch)
	if err != nil {
		t.Fatalf("second Apply failed: %v", err)
	}
	if ok {
		t.Fatal("expected the second apply (no content change) to be suppressed as a no-op")
	}
}

func TestApplyChainsParent(t *testing.T) {
	p, repoRoot := newTestPipeline(t)

	os.WriteFile(filepath.Join(repoRoot, "a.txt"), []byte("one"), 0o644)
	first, ok, err := p.Apply(map[string]struct{}{"a.txt": {}}, journal.ReasonFsBatch)
	if err != nil || !ok {
		t.Fatalf("first apply failed: ok=%v err=%v", ok, err)
	}

	os.WriteFile(filepath.Join(repoRoot, "a.txt"), []byte("two"), 0o644)
	second, ok, err := p.Apply(map[string]struct{}{"a.txt": {}}, journal.ReasonFsBatch)
	if err != nil || !ok {
		t.Fatalf("second apply failed: ok=%v err=%v", ok, err)
	}

	if !second.HasParent || second.Parent != first.ID {
		t.Fatalf("expected second checkpoint's parent to be first.ID, got %+v", second)
	}
}
