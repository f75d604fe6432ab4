package ipc

import (
	"testing"

	"github.com/snapdaemon/tl/pkg/ckptid"
	"github.com/snapdaemon/tl/pkg/journal"
)

func TestRequestRoundTrip(t *testing.T) {
	batchIDs := []ckptid.ID{ckptid.New(), ckptid.New()}
	cases := []Request{
		{Kind: KindGetStatus},
		{Kind: KindGetStatusFull},
		{Kind: KindResolveRefs, Refs: []string{"HEAD", "abc123", "my-pin"}},
		{Kind: KindGetCheckpointBatch, CheckpointIDs: batchIDs},
		{Kind: KindGetInfo},
		{Kind: KindFlush},
		{Kind: KindShutdown},
	}
	for _, want := range cases {
		got, err := decodeRequest(encodeRequest(want))
		if err != nil {
			t.Fatalf("decode(%v) error: %v", want.Kind, err)
		}
		if got.Kind != want.Kind {
			t.Fatalf("kind mismatch: got %v want %v", got.Kind, want.Kind)
		}
		if len(got.Refs) != len(want.Refs) {
			t.Fatalf("refs mismatch: got %v want %v", got.Refs, want.Refs)
		}
		for i := range want.Refs {
			if got.Refs[i] != want.Refs[i] {
				t.Fatalf("ref[%d] = %q, want %q", i, got.Refs[i], want.Refs[i])
			}
		}
		if len(got.CheckpointIDs) != len(want.CheckpointIDs) {
			t.Fatalf("checkpoint ids mismatch: got %v want %v", got.CheckpointIDs, want.CheckpointIDs)
		}
		for i := range want.CheckpointIDs {
			if got.CheckpointIDs[i] != want.CheckpointIDs[i] {
				t.Fatalf("checkpoint id[%d] = %v, want %v", i, got.CheckpointIDs[i], want.CheckpointIDs[i])
			}
		}
	}
}

func TestResponseRoundTripStatus(t *testing.T) {
	id := ckptid.New()
	want := Response{
		Kind: KindGetStatusFull, HasHead: true, Head: id, Watching: true,
		WatchedDirs: 12, PendingPaths: 3, JournalCount: 99,
		LastReconcile: 1700000000000, DiskUsageBytes: 1 << 20,
	}
	got, err := decodeResponse(encodeResponse(want))
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestResponseRoundTripCheckpointBatch(t *testing.T) {
	cp := journal.NewCheckpoint(ckptid.New(), ckptid.Nil, false, [32]byte{1, 2, 3}, 123, journal.ReasonFsBatch, []string{"a.txt", "dir/b.txt"}, journal.Meta{FilesChanged: 2, BytesAdded: 10})
	missing := ckptid.New()
	want := Response{Kind: KindGetCheckpointBatch, CheckpointResults: []CheckpointResult{
		{ID: cp.ID, Found: true, Checkpoint: cp},
		{ID: missing, Found: false},
	}}

	got, err := decodeResponse(encodeResponse(want))
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if len(got.CheckpointResults) != 2 {
		t.Fatalf("expected 2 results, got %d", len(got.CheckpointResults))
	}
	gc := got.CheckpointResults[0]
	if !gc.Found || gc.Checkpoint.ID != cp.ID || gc.Checkpoint.RootTree != cp.RootTree || len(gc.Checkpoint.TouchedPaths) != 2 {
		t.Fatalf("checkpoint round-trip mismatch: got %+v want %+v", gc, cp)
	}
	gm := got.CheckpointResults[1]
	if gm.Found || gm.ID != missing {
		t.Fatalf("missing entry round-trip mismatch: got %+v", gm)
	}
}

func TestResponseRoundTripInfo(t *testing.T) {
	ids := []ckptid.ID{ckptid.New(), ckptid.New(), ckptid.New()}
	want := Response{Kind: KindGetInfo, Count: uint32(len(ids)), OrderedIDs: ids, ApproxStoreBytes: 4096}

	got, err := decodeResponse(encodeResponse(want))
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if got.Count != want.Count || got.ApproxStoreBytes != want.ApproxStoreBytes {
		t.Fatalf("got %+v, want %+v", got, want)
	}
	if len(got.OrderedIDs) != len(want.OrderedIDs) {
		t.Fatalf("ordered ids mismatch: got %v want %v", got.OrderedIDs, want.OrderedIDs)
	}
	for i := range want.OrderedIDs {
		if got.OrderedIDs[i] != want.OrderedIDs[i] {
			t.Fatalf("ordered id[%d] = %v, want %v", i, got.OrderedIDs[i], want.OrderedIDs[i])
		}
	}
}

func TestResponseRoundTripError(t *testing.T) {
	want := ErrorResponse(errKindTest{})
	got, err := decodeResponse(encodeResponse(want))
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if got.AsError() == nil {
		t.Fatal("expected AsError to return non-nil for an error response")
	}
}

type errKindTest struct{}

func (errKindTest) Error() string { return "boom" }
