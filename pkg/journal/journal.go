// Package journal implements the append-only checkpoint journal (spec
// §4.G): an embedded durable key-value store (Pebble) keyed by
// monotonically increasing sequence number, with an in-memory secondary
// index from checkpoint id to sequence.
package journal

import (
	"encoding/binary"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/snapdaemon/tl/pkg/ckptid"
	tlerrors "github.com/snapdaemon/tl/pkg/errors"
)

// Journal is the sole source of truth for checkpoint existence (spec
// §4.G): any client-visible "checkpoint exists" assertion goes through
// it.
type Journal struct {
	db *pebble.DB

	mu      sync.RWMutex
	index   map[ckptid.ID]uint64 // checkpoint id -> sequence
	nextSeq uint64
}

func seqKey(seq uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], seq)
	return b[:]
}

// Open opens (or creates) the journal at dir, rebuilding the in-memory
// index by scanning records in sequence order and recovering the
// high-water sequence (spec §4.G).
func Open(dir string) (*Journal, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, tlerrors.New(tlerrors.KindIO, err)
	}

	j := &Journal{db: db, index: make(map[ckptid.ID]uint64)}

	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		db.Close()
		return nil, tlerrors.New(tlerrors.KindIO, err)
	}
	defer iter.Close()

	for valid := iter.First(); valid; valid = iter.Next() {
		seq := binary.BigEndian.Uint64(iter.Key())
		cp, err := decodeCheckpoint(iter.Value())
		if err != nil {
			continue // a corrupted record is reported lazily when looked up, not fatal to recovery
		}
		j.index[cp.ID] = seq
		if seq >= j.nextSeq {
			j.nextSeq = seq + 1
		}
	}
	return j, nil
}

// Close flushes and closes the underlying store.
func (j *Journal) Close() error {
	if err := j.db.Close(); err != nil {
		return tlerrors.New(tlerrors.KindIO, err)
	}
	return nil
}

// Append assigns the next sequence number, persists the checkpoint
// durably, and updates the in-memory index (spec §4.G).
func (j *Journal) Append(c Checkpoint) (uint64, error) {
	j.mu.Lock()
	seq := j.nextSeq
	j.mu.Unlock()

	if err := j.db.Set(seqKey(seq), c.encode(), pebble.Sync); err != nil {
		return 0, tlerrors.New(tlerrors.KindIO, err)
	}

	j.mu.Lock()
	j.index[c.ID] = seq
	j.nextSeq = seq + 1
	j.mu.Unlock()
	return seq, nil
}

// Get returns the checkpoint with the given id, if present.
func (j *Journal) Get(id ckptid.ID) (Checkpoint, bool, error) {
	j.mu.RLock()
	seq, ok := j.index[id]
	j.mu.RUnlock()
	if !ok {
		return Checkpoint{}, false, nil
	}
	return j.getSeq(seq)
}

func (j *Journal) getSeq(seq uint64) (Checkpoint, bool, error) {
	v, closer, err := j.db.Get(seqKey(seq))
	if err != nil {
		if err == pebble.ErrNotFound {
			return Checkpoint{}, false, nil
		}
		return Checkpoint{}, false, tlerrors.New(tlerrors.KindIO, err)
	}
	defer closer.Close()

	cp, err := decodeCheckpoint(v)
	if err != nil {
		return Checkpoint{}, false, err
	}
	return cp, true, nil
}

// Latest returns the most recently appended checkpoint.
func (j *Journal) Latest() (Checkpoint, bool, error) {
	j.mu.RLock()
	next := j.nextSeq
	j.mu.RUnlock()
	if next == 0 {
		return Checkpoint{}, false, nil
	}
	return j.getSeq(next - 1)
}

// LastN returns up to n most recent checkpoints, newest first.
func (j *Journal) LastN(n int) ([]Checkpoint, error) {
	if n <= 0 {
		return nil, nil
	}
	iter, err := j.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, tlerrors.New(tlerrors.KindIO, err)
	}
	defer iter.Close()

	out := make([]Checkpoint, 0, n)
	for valid := iter.Last(); valid && len(out) < n; valid = iter.Prev() {
		cp, err := decodeCheckpoint(iter.Value())
		if err != nil {
			continue
		}
		out = append(out, cp)
	}
	return out, nil
}

// Since returns every checkpoint with TsUnixMs >= tsMs, ascending by
// sequence.
func (j *Journal) Since(tsMs uint64) ([]Checkpoint, error) {
	iter, err := j.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, tlerrors.New(tlerrors.KindIO, err)
	}
	defer iter.Close()

	var out []Checkpoint
	for valid := iter.First(); valid; valid = iter.Next() {
		cp, err := decodeCheckpoint(iter.Value())
		if err != nil {
			continue
		}
		if cp.TsUnixMs >= tsMs {
			out = append(out, cp)
		}
	}
	return out, nil
}

// AllIDs returns every checkpoint id, ascending by sequence (i.e. by
// creation order, since ids are themselves time-ordered).
func (j *Journal) AllIDs() ([]ckptid.ID, error) {
	iter, err := j.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, tlerrors.New(tlerrors.KindIO, err)
	}
	defer iter.Close()

	var out []ckptid.ID
	for valid := iter.First(); valid; valid = iter.Next() {
		cp, err := decodeCheckpoint(iter.Value())
		if err != nil {
			continue
		}
		out = append(out, cp.ID)
	}
	return out, nil
}

// Delete removes a checkpoint record. GC-only (spec §4.G).
func (j *Journal) Delete(id ckptid.ID) error {
	j.mu.Lock()
	seq, ok := j.index[id]
	if ok {
		delete(j.index, id)
	}
	j.mu.Unlock()
	if !ok {
		return nil
	}
	if err := j.db.Delete(seqKey(seq), pebble.Sync); err != nil {
		return tlerrors.New(tlerrors.KindIO, err)
	}
	return nil
}

// Count returns the number of checkpoints currently in the journal.
func (j *Journal) Count() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.index)
}
