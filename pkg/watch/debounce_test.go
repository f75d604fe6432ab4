package watch

import (
	"sync"
	"testing"
	"time"
)

func TestDebouncerCoalescesRepeatedEvents(t *testing.T) {
	var mu sync.Mutex
	var settled []EventType

	d := NewDebouncer(20*time.Millisecond, func(path string, et EventType) {
		mu.Lock()
		defer mu.Unlock()
		settled = append(settled, et)
	})

	d.Record("a.txt", Create)
	d.Record("a.txt", Modify)
	d.Record("a.txt", Modify)

	time.Sleep(80 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(settled) != 1 {
		t.Fatalf("expected exactly one settle, got %d (%v)", len(settled), settled)
	}
	if settled[0] != Create {
		t.Fatalf("expected Create to win over a later Modify, got %v", settled[0])
	}
}

func TestDebouncerDeleteWins(t *testing.T) {
	var mu sync.Mutex
	var settled EventType
	fired := make(chan struct{})

	d := NewDebouncer(10*time.Millisecond, func(path string, et EventType) {
		mu.Lock()
		settled = et
		mu.Unlock()
		close(fired)
	})

	d.Record("b.txt", Modify)
	d.Record("b.txt", Delete)

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("debouncer never settled")
	}

	mu.Lock()
	defer mu.Unlock()
	if settled != Delete {
		t.Fatalf("expected Delete to win, got %v", settled)
	}
}

func TestDebouncerIndependentPaths(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[string]bool)

	d := NewDebouncer(10*time.Millisecond, func(path string, et EventType) {
		mu.Lock()
		seen[path] = true
		mu.Unlock()
	})

	d.Record("x", Create)
	d.Record("y", Create)

	time.Sleep(60 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if !seen["x"] || !seen["y"] {
		t.Fatalf("expected both paths to settle independently, got %v", seen)
	}
}

func TestDebouncerStopCancelsTimers(t *testing.T) {
	fired := false
	d := NewDebouncer(20*time.Millisecond, func(path string, et EventType) { fired = true })
	d.Record("z", Create)
	d.Stop()
	time.Sleep(60 * time.Millisecond)
	if fired {
		t.Fatal("expected Stop to cancel the pending timer")
	}
	if d.Pending() != 0 {
		t.Fatalf("expected 0 pending after Stop, got %d", d.Pending())
	}
}

func TestDebouncerFlushSettlesPendingPathsImmediately(t *testing.T) {
	var mu sync.Mutex
	settled := make(map[string]EventType)

	d := NewDebouncer(time.Hour, func(path string, et EventType) {
		mu.Lock()
		settled[path] = et
		mu.Unlock()
	})

	d.Record("a.txt", Create)
	d.Record("b.txt", Modify)
	d.Flush()

	mu.Lock()
	defer mu.Unlock()
	if len(settled) != 2 || settled["a.txt"] != Create || settled["b.txt"] != Modify {
		t.Fatalf("expected both paths settled by Flush, got %v", settled)
	}
	if d.Pending() != 0 {
		t.Fatalf("expected 0 pending after Flush, got %d", d.Pending())
	}
}

func TestMergeType(t *testing.T) {
	cases := []struct {
		prev, next, want EventType
	}{
		{Create, Modify, Create},
		{Modify, Create, Create},
		{Modify, Delete, Delete},
		{Create, Delete, Delete},
		{Modify, Modify, Modify},
	}
	for _, c := range cases {
		if got := mergeType(c.prev, c.next); got != c.want {
			t.Errorf("mergeType(%v, %v) = %v, want %v", c.prev, c.next, got, c.want)
		}
	}
}
