package journal

import (
	"path/filepath"
	"testing"

	"github.com/snapdaemon/tl/pkg/ckptid"
	"github.com/snapdaemon/tl/pkg/hash"
)

func newTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "journal"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestJournalAppendAndGet(t *testing.T) {
	j := newTestJournal(t)
	id := ckptid.New()
	cp := NewCheckpoint(id, ckptid.Nil, false, hash.Bytes([]byte("root")), 1000, ReasonFsBatch, []string{"a.txt"}, Meta{FilesChanged: 1})

	if _, err := j.Append(cp); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	got, ok, err := j.Get(id)
	if err != nil || !ok {
		t.Fatalf("Get failed: ok=%v err=%v", ok, err)
	}
	if got.ID != id || got.Meta.FilesChanged != 1 {
		t.Fatalf("Get() = %+v", got)
	}
}

func TestJournalGetMissingReturnsNotOk(t *testing.T) {
	j := newTestJournal(t)
	_, ok, err := j.Get(ckptid.New())
	if err != nil || ok {
		t.Fatalf("Get of missing id = ok=%v err=%v, want ok=false", ok, err)
	}
}

func TestJournalLatest(t *testing.T) {
	j := newTestJournal(t)
	first := NewCheckpoint(ckptid.New(), ckptid.Nil, false, hash.Bytes([]byte("1")), 1, ReasonFsBatch, nil, Meta{})
	j.Append(first)
	second := NewCheckpoint(ckptid.New(), first.ID, true, hash.Bytes([]byte("2")), 2, ReasonFsBatch, nil, Meta{})
	j.Append(second)

	latest, ok, err := j.Latest()
	if err != nil || !ok {
		t.Fatalf("Latest failed: ok=%v err=%v", ok, err)
	}
	if latest.ID != second.ID {
		t.Fatalf("Latest().ID = %v, want %v", latest.ID, second.ID)
	}
}

func TestJournalLastN(t *testing.T) {
	j := newTestJournal(t)
	var ids []ckptid.ID
	for i := 0; i < 5; i++ {
		cp := NewCheckpoint(ckptid.New(), ckptid.Nil, false, hash.Bytes([]byte{byte(i)}), uint64(i), ReasonFsBatch, nil, Meta{})
		j.Append(cp)
		ids = append(ids, cp.ID)
	}

	last, err := j.LastN(2)
	if err != nil {
		t.Fatalf("LastN failed: %v", err)
	}
	if len(last) != 2 {
		t.Fatalf("LastN(2) returned %d, want 2", len(last))
	}
	if last[0].ID != ids[4] || last[1].ID != ids[3] {
		t.Fatalf("LastN order = %+v, want newest-first", last)
	}
}

func TestJournalSinceFiltersByTimestamp(t *testing.T) {
	j := newTestJournal(t)
	j.Append(NewCheckpoint(ckptid.New(), ckptid.Nil, false, hash.Bytes([]byte("1")), 100, ReasonFsBatch, nil, Meta{}))
	cp2 := NewCheckpoint(ckptid.New(), ckptid.Nil, false, hash.Bytes([]byte("2")), 200, ReasonFsBatch, nil, Meta{})
	j.Append(cp2)

	out, err := j.Since(150)
	if err != nil {
		t.Fatalf("Since failed: %v", err)
	}
	if len(out) != 1 || out[0].ID != cp2.ID {
		t.Fatalf("Since(150) = %+v, want only cp2", out)
	}
}

func TestJournalAllIDs(t *testing.T) {
	j := newTestJournal(t)
	cp1 := NewCheckpoint(ckptid.New(), ckptid.Nil, false, hash.Bytes([]byte("1")), 1, ReasonFsBatch, nil, Meta{})
	cp2 := NewCheckpoint(ckptid.New(), ckptid.Nil, false, hash.Bytes([]byte("2")), 2, ReasonFsBatch, nil, Meta{})
	j.Append(cp1)
	j.Append(cp2)

	ids, err := j.AllIDs()
	if err != nil {
		t.Fatalf("AllIDs failed: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("AllIDs() returned %d ids, want 2", len(ids))
	}
}

func TestJournalDeleteRemovesRecordAndIndex(t *testing.T) {
	j := newTestJournal(t)
	cp := NewCheckpoint(ckptid.New(), ckptid.Nil, false, hash.Bytes([]byte("1")), 1, ReasonFsBatch, nil, Meta{})
	j.Append(cp)

	if err := j.Delete(cp.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, ok, _ := j.Get(cp.ID); ok {
		t.Fatal("expected checkpoint gone after Delete")
	}
	if j.Count() != 0 {
		t.Fatalf("Count() = %d, want 0 after delete", j.Count())
	}
}

func TestJournalCount(t *testing.T) {
	j := newTestJournal(t)
	if j.Count() != 0 {
		t.Fatalf("Count() = %d, want 0 for empty journal", j.Count())
	}
	j.Append(NewCheckpoint(ckptid.New(), ckptid.Nil, false, hash.Bytes([]byte("1")), 1, ReasonFsBatch, nil, Meta{}))
	if j.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", j.Count())
	}
}

func TestJournalReopenRecoversIndex(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "journal")
	j, err := Open(dir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	cp := NewCheckpoint(ckptid.New(), ckptid.Nil, false, hash.Bytes([]byte("1")), 1, ReasonFsBatch, []string{"a.txt", "b.txt"}, Meta{FilesChanged: 2})
	j.Append(cp)
	if err := j.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	got, ok, err := reopened.Get(cp.ID)
	if err != nil || !ok {
		t.Fatalf("Get after reopen: ok=%v err=%v", ok, err)
	}
	if got.Meta.FilesChanged != 2 || len(got.TouchedPaths) != 2 {
		t.Fatalf("recovered checkpoint = %+v", got)
	}
	if reopened.Count() != 1 {
		t.Fatalf("Count() after reopen = %d, want 1", reopened.Count())
	}
}

func TestNewCheckpointCapsTouchedPaths(t *testing.T) {
	touched := make([]string, maxStoredTouchedPaths+10)
	for i := range touched {
		touched[i] = "p"
	}
	cp := NewCheckpoint(ckptid.New(), ckptid.Nil, false, hash.Bytes([]byte("1")), 1, ReasonFsBatch, touched, Meta{})
	if len(cp.TouchedPaths) != maxStoredTouchedPaths {
		t.Fatalf("len(TouchedPaths) = %d, want %d", len(cp.TouchedPaths), maxStoredTouchedPaths)
	}
	if !cp.Meta.TouchedPathsTruncated {
		t.Fatal("expected TouchedPathsTruncated to be set")
	}
}
