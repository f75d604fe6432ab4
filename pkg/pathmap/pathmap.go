// Package pathmap implements the in-memory path-map cache (spec §4.E):
// a map from path to tree entry anchored to the root tree hash it
// reflects, persisted compactly on clean shutdown and rebuilt from the
// latest checkpoint's tree when the persisted copy is missing or stale.
package pathmap

import (
	"encoding/binary"
	"os"
	"sync"

	"github.com/snapdaemon/tl/pkg/hash"
	"github.com/snapdaemon/tl/pkg/objectstore"
)

const (
	fileMagic   = "SNP1"
	fileHdrSize = 4 + hash.Size + 4 // magic + root hash + entry_count
)

// PathMap is a path -> objectstore.Entry map paired with the tree hash it
// reflects.
type PathMap struct {
	mu      sync.RWMutex
	entries map[string]objectstore.Entry
	root    hash.Hash
}

// New returns an empty path-map with a zero root hash.
func New() *PathMap {
	return &PathMap{entries: make(map[string]objectstore.Entry)}
}

// FromTree rebuilds a path-map from a tree's entries, anchoring it to
// root. Used for the cold-start rebuild path (spec §4.E) from the latest
// checkpoint's tree.
func FromTree(t *objectstore.Tree, root hash.Hash) *PathMap {
	pm := &PathMap{entries: make(map[string]objectstore.Entry, t.Len()), root: root}
	t.ForEach(func(path string, e objectstore.Entry) bool {
		pm.entries[path] = e
		return true
	})
	return pm
}

// Root returns the tree hash this path-map currently reflects.
func (p *PathMap) Root() hash.Hash {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.root
}

// SetRoot updates the anchored root hash, called by the pipeline after a
// checkpoint append succeeds.
func (p *PathMap) SetRoot(h hash.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.root = h
}

// Get looks up the entry at path.
func (p *PathMap) Get(path string) (objectstore.Entry, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.entries[path]
	return e, ok
}

// Update inserts/replaces the entry at path, or removes it when e is nil.
func (p *PathMap) Update(path string, e *objectstore.Entry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e == nil {
		delete(p.entries, path)
		return
	}
	p.entries[path] = *e
}

// RemovePrefix deletes path and every entry nested under it as a
// directory (spec §4.F: "If d does not exist: remove P[d] (including
// descendants, if d is a directory that vanished)").
func (p *PathMap) RemovePrefix(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, path)
	prefix := path + "/"
	for k := range p.entries {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			delete(p.entries, k)
		}
	}
}

// Paths returns a snapshot of every path currently tracked, used by the
// reconciler to detect deletions a watch event never reported.
func (p *PathMap) Paths() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.entries))
	for k := range p.entries {
		out = append(out, k)
	}
	return out
}

// Len returns the number of entries.
func (p *PathMap) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}

// Clone returns an independent copy of the path-map, used by the
// pipeline to compute a candidate tree without holding its lock across
// disk I/O.
func (p *PathMap) Clone() *PathMap {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := &PathMap{entries: make(map[string]objectstore.Entry, len(p.entries)), root: p.root}
	for k, v := range p.entries {
		out.entries[k] = v
	}
	return out
}

// BuildTree materializes the path-map's entries into an objectstore.Tree
// ready for serialization (spec §4.F step 3).
func (p *PathMap) BuildTree() *objectstore.Tree {
	p.mu.RLock()
	defer p.mu.RUnlock()
	t := objectstore.NewTree()
	for path, e := range p.entries {
		t.Insert(path, e)
	}
	return t
}

// Save persists the path-map compactly via the shared atomic-write
// helper (spec §4.E, §4.D).
func (p *PathMap) Save(target, tmpDir string) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	buf := make([]byte, 0, fileHdrSize+len(p.entries)*48)
	buf = append(buf, fileMagic...)
	buf = append(buf, p.root[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(p.entries)))
	for path, e := range p.entries {
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(path)))
		buf = append(buf, path...)
		buf = append(buf, byte(e.Kind))
		buf = binary.LittleEndian.AppendUint32(buf, e.Mode)
		buf = append(buf, e.BlobHash[:]...)
	}
	return objectstore.AtomicWrite(tmpDir, target, buf)
}

// ErrStale is returned by Load when the persisted file is absent,
// truncated, or otherwise unparsable. Callers should treat it as a
// signal to cold-rebuild from the latest checkpoint's tree rather than
// as a fatal error.
var ErrStale = &staleError{}

type staleError struct{}

func (*staleError) Error() string { return "pathmap: persisted file missing or stale" }

// Load reads a path-map previously written by Save. Any parse failure
// (missing file, bad magic, truncated record) returns ErrStale.
func Load(path string) (*PathMap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, ErrStale
	}
	if len(data) < fileHdrSize || string(data[:4]) != fileMagic {
		return nil, ErrStale
	}

	var root hash.Hash
	copy(root[:], data[4:4+hash.Size])
	count := binary.LittleEndian.Uint32(data[4+hash.Size : fileHdrSize])

	pm := &PathMap{entries: make(map[string]objectstore.Entry, count), root: root}
	off := fileHdrSize
	for i := uint32(0); i < count; i++ {
		if off+2 > len(data) {
			return nil, ErrStale
		}
		pathLen := int(binary.LittleEndian.Uint16(data[off : off+2]))
		off += 2
		if off+pathLen+1+4+hash.Size > len(data) {
			return nil, ErrStale
		}
		pth := string(data[off : off+pathLen])
		off += pathLen
		kind := objectstore.Kind(data[off])
		off++
		mode := binary.LittleEndian.Uint32(data[off : off+4])
		off += 4
		var bh hash.Hash
		copy(bh[:], data[off:off+hash.Size])
		off += hash.Size
		pm.entries[pth] = objectstore.Entry{Kind: kind, Mode: mode, BlobHash: bh}
	}
	return pm, nil
}
