// Package objectstore implements the content-addressed object store
// (spec §4.B, §4.C, §4.D): blob storage, the deterministic tree model,
// and the facade that owns both plus their caches.
package objectstore

import (
	"encoding/binary"
	"sort"
	"sync"

	tlerrors "github.com/snapdaemon/tl/pkg/errors"
	"github.com/snapdaemon/tl/pkg/hash"
)

// Kind identifies what a tree entry refers to (spec §3).
type Kind uint8

const (
	KindFile Kind = iota
	KindSymlink
	KindSubmodule
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindSymlink:
		return "symlink"
	case KindSubmodule:
		return "submodule"
	default:
		return "unknown"
	}
}

// SymlinkMode is the fixed mode stamped on symlink entries; a symlink's
// target bytes are stored as the referenced blob's contents.
const SymlinkMode uint32 = 0o120000

// Entry is one {path -> entry} mapping value in a Tree.
type Entry struct {
	Kind     Kind
	Mode     uint32
	BlobHash hash.Hash
}

const (
	treeMagic   = "SNT1"
	treeHdrSize = 4 + 4 // magic + entry_count
)

// pathEntry is one {path -> Entry} pairing, kept in a slice ordered
// ascending by Path.
type pathEntry struct {
	Path  string
	Entry Entry
}

// Tree is a deterministic, ordered {path -> Entry} map (spec §4.C). The
// index is a single sorted slice searched by binary search rather than a
// page-oriented B-tree: repository trees hold thousands of short path
// strings, not a disk-resident table, so a compact contiguous slice (the
// spec's "index short paths compactly, stack-friendly") beats a
// pointer-chasing node structure sized for out-of-memory datasets.
type Tree struct {
	mu      sync.RWMutex
	entries []pathEntry
}

// NewTree returns an empty tree.
func NewTree() *Tree {
	return &Tree{}
}

// search returns the index at which path is, or would be, inserted to
// keep entries sorted, plus whether it is already present there.
func (t *Tree) search(path string) (int, bool) {
	i := sort.Search(len(t.entries), func(i int) bool { return t.entries[i].Path >= path })
	return i, i < len(t.entries) && t.entries[i].Path == path
}

// Insert adds or replaces the entry at path.
func (t *Tree) Insert(path string, e Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	i, found := t.search(path)
	if found {
		t.entries[i].Entry = e
		return
	}
	t.entries = append(t.entries, pathEntry{})
	copy(t.entries[i+1:], t.entries[i:])
	t.entries[i] = pathEntry{Path: path, Entry: e}
}

// Get looks up the entry at path.
func (t *Tree) Get(path string) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	i, found := t.search(path)
	if !found {
		return Entry{}, false
	}
	return t.entries[i].Entry, true
}

// Remove deletes the entry at path, reporting whether it was present.
func (t *Tree) Remove(path string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	i, found := t.search(path)
	if !found {
		return false
	}
	t.entries = append(t.entries[:i], t.entries[i+1:]...)
	return true
}

// Len returns the number of live entries.
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// ForEach visits every live entry in ascending path order, stopping early
// if fn returns false.
func (t *Tree) ForEach(fn func(path string, e Entry) bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, pe := range t.entries {
		if !fn(pe.Path, pe.Entry) {
			return
		}
	}
}

// Clone returns a deep copy of t, used when the pipeline needs a
// snapshot it can mutate independently of the live path-map's tree.
func (t *Tree) Clone() *Tree {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := NewTree()
	out.entries = make([]pathEntry, len(t.entries))
	copy(out.entries, t.entries)
	return out
}

// Serialize encodes the tree in the deterministic TreeV1 wire format
// (spec §3, §6): "SNT1" | entry_count:u32 | entries sorted ascending by
// raw path bytes, each path_len:u16 | path | kind:u8 | mode:u32 | hash(32).
func (t *Tree) Serialize() []byte {
	t.mu.RLock()
	defer t.mu.RUnlock()

	buf := make([]byte, 0, treeHdrSize+len(t.entries)*48)
	buf = append(buf, treeMagic...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(t.entries)))

	for _, pe := range t.entries {
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(pe.Path)))
		buf = append(buf, pe.Path...)
		buf = append(buf, byte(pe.Entry.Kind))
		buf = binary.LittleEndian.AppendUint32(buf, pe.Entry.Mode)
		buf = append(buf, pe.Entry.BlobHash[:]...)
	}
	return buf
}

// DeserializeTree parses the TreeV1 wire format back into a Tree.
func DeserializeTree(data []byte) (*Tree, error) {
	if len(data) < treeHdrSize || string(data[:4]) != treeMagic {
		return nil, tlerrors.New(tlerrors.KindCorrupted, &tlerrors.CorruptedObjectError{Kind: "tree"})
	}
	count := binary.LittleEndian.Uint32(data[4:8])
	out := NewTree()

	off := treeHdrSize
	for i := uint32(0); i < count; i++ {
		if off+2 > len(data) {
			return nil, tlerrors.New(tlerrors.KindCorrupted, &tlerrors.CorruptedObjectError{Kind: "tree"})
		}
		pathLen := int(binary.LittleEndian.Uint16(data[off : off+2]))
		off += 2
		if off+pathLen+1+4+hash.Size > len(data) {
			return nil, tlerrors.New(tlerrors.KindCorrupted, &tlerrors.CorruptedObjectError{Kind: "tree"})
		}
		path := string(data[off : off+pathLen])
		off += pathLen

		kind := Kind(data[off])
		off++
		mode := binary.LittleEndian.Uint32(data[off : off+4])
		off += 4
		var h hash.Hash
		copy(h[:], data[off:off+hash.Size])
		off += hash.Size

		out.Insert(path, Entry{Kind: kind, Mode: mode, BlobHash: h})
	}
	return out, nil
}

// Hash returns the content hash of the tree's canonical serialization.
func (t *Tree) Hash() hash.Hash {
	return hash.Bytes(t.Serialize())
}

// TreeDiff is the result of comparing two trees (spec §4.C): three
// ascending-path-order sequences describing what changed.
type TreeDiff struct {
	Added    []PathEntry
	Removed  []PathEntry
	Modified []ModifiedEntry
}

// PathEntry pairs a path with its entry.
type PathEntry struct {
	Path  string
	Entry Entry
}

// ModifiedEntry pairs a path with its old and new entry.
type ModifiedEntry struct {
	Path string
	Old  Entry
	New  Entry
}

// DiffTrees computes the three-way diff between old and new by walking
// both trees' cursors in lockstep (both already ascending by raw path
// bytes), a linear merge rather than a re-sort.
func DiffTrees(old, next *Tree) TreeDiff {
	var diff TreeDiff

	oldPaths := collectOrdered(old)
	newPaths := collectOrdered(next)

	i, j := 0, 0
	for i < len(oldPaths) && j < len(newPaths) {
		op, np := oldPaths[i], newPaths[j]
		switch {
		case op.Path < np.Path:
			diff.Removed = append(diff.Removed, op)
			i++
		case op.Path > np.Path:
			diff.Added = append(diff.Added, np)
			j++
		default:
			if op.Entry != np.Entry {
				diff.Modified = append(diff.Modified, ModifiedEntry{Path: op.Path, Old: op.Entry, New: np.Entry})
			}
			i++
			j++
		}
	}
	for ; i < len(oldPaths); i++ {
		diff.Removed = append(diff.Removed, oldPaths[i])
	}
	for ; j < len(newPaths); j++ {
		diff.Added = append(diff.Added, newPaths[j])
	}
	return diff
}

func collectOrdered(t *Tree) []PathEntry {
	out := make([]PathEntry, 0, t.Len())
	t.ForEach(func(path string, e Entry) bool {
		out = append(out, PathEntry{Path: path, Entry: e})
		return true
	})
	// ForEach already yields ascending order; sort.SliceIsSorted guards
	// against a future backing-structure change silently breaking diff.
	if !sort.SliceIsSorted(out, func(a, b int) bool { return out[a].Path < out[b].Path }) {
		sort.Slice(out, func(a, b int) bool { return out[a].Path < out[b].Path })
	}
	return out
}

// UpdateEntries returns a new tree equal to base with changes applied: a
// nil Entry value removes the path, a non-nil value inserts/replaces it
// (spec §4.C). base is not mutated.
func UpdateEntries(base *Tree, changes map[string]*Entry) *Tree {
	out := base.Clone()
	for path, e := range changes {
		if e == nil {
			out.Remove(path)
			continue
		}
		out.Insert(path, *e)
	}
	return out
}
