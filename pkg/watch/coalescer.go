package watch

import (
	"sync"
	"time"
)

// Batch is one flushed set of settled dirty paths, ready for the
// pipeline (spec §4.M) to fold into a tree update.
type Batch map[string]EventType

// Coalescer accumulates settled paths from the Debouncer into a batch,
// flushing it to downstream when the batch reaches a maximum size or
// age, or on explicit Flush (spec §4.J).
type Coalescer struct {
	maxAge  time.Duration
	maxSize int
	flush   func(Batch)

	mu      sync.Mutex
	batch   Batch
	ageDone chan struct{} // closed to cancel the pending max-age timer
}

// NewCoalescer creates a Coalescer that flushes via flushFn.
func NewCoalescer(maxAge time.Duration, maxSize int, flushFn func(Batch)) *Coalescer {
	return &Coalescer{maxAge: maxAge, maxSize: maxSize, flush: flushFn, batch: make(Batch)}
}

// Add registers a settled path into the current batch, starting the
// max-age timer if this is the first entry and flushing immediately if
// the batch has reached maxSize.
func (c *Coalescer) Add(path string, t EventType) {
	c.mu.Lock()
	startTimer := len(c.batch) == 0
	c.batch[path] = t
	full := c.maxSize > 0 && len(c.batch) >= c.maxSize
	if startTimer {
		c.ageDone = make(chan struct{})
		done := c.ageDone
		go c.waitMaxAge(done)
	}
	c.mu.Unlock()

	if full {
		c.Flush()
	}
}

func (c *Coalescer) waitMaxAge(done chan struct{}) {
	t := time.NewTimer(c.maxAge)
	defer t.Stop()
	select {
	case <-t.C:
		c.Flush()
	case <-done:
	}
}

// Flush emits the current batch (if non-empty) and resets it.
func (c *Coalescer) Flush() {
	c.mu.Lock()
	if len(c.batch) == 0 {
		c.mu.Unlock()
		return
	}
	out := c.batch
	c.batch = make(Batch)
	if c.ageDone != nil {
		close(c.ageDone)
		c.ageDone = nil
	}
	c.mu.Unlock()

	c.flush(out)
}

// Len reports the number of paths currently batched, for diagnostics.
func (c *Coalescer) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.batch)
}
