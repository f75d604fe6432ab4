package objectstore

import (
	"os"

	tlerrors "github.com/snapdaemon/tl/pkg/errors"
	"github.com/snapdaemon/tl/pkg/hash"
)

const defaultTreeCacheEntries = 4096

// ObjectStore is the facade over blob and tree storage (spec §4.D): it
// owns the blob store plus an LRU cache of deserialized trees keyed by
// tree hash, and maps hashes to their sharded on-disk paths.
type ObjectStore struct {
	blobsDir string
	treesDir string
	tmpDir   string

	Blobs *BlobStore

	treeCache *byteLRU
}

// Open constructs an ObjectStore rooted at the given ".tl" state
// directory, creating the objects/{blobs,trees} and tmp directories if
// needed.
func Open(tlDir string, blobCacheBytes int64) (*ObjectStore, error) {
	blobsDir := tlDir + "/objects/blobs"
	treesDir := tlDir + "/objects/trees"
	tmpDir := tlDir + "/tmp"

	for _, d := range []string{blobsDir, treesDir, tmpDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, tlerrors.New(tlerrors.KindIO, err)
		}
	}

	blobs, err := NewBlobStore(blobsDir, tmpDir, blobCacheBytes)
	if err != nil {
		return nil, err
	}

	// Tree cache is sized by entry count, not bytes: deserialized trees
	// vary a lot in size but are cheap to rebuild, so a fixed population
	// cap (rather than a byte budget) keeps the cache simple.
	return &ObjectStore{
		blobsDir:  blobsDir,
		treesDir:  treesDir,
		tmpDir:    tmpDir,
		Blobs:     blobs,
		treeCache: newByteLRU(int64(defaultTreeCacheEntries)),
	}, nil
}

// TreesDir and BlobsDir expose the on-disk roots for tools that need to
// walk stored objects directly (pkg/gc's sweep phase).
func (o *ObjectStore) TreesDir() string { return o.treesDir }
func (o *ObjectStore) BlobsDir() string { return o.blobsDir }

func (o *ObjectStore) treePath(h hash.Hash) string {
	return ShardPath(o.treesDir, h.String())
}

// HasTree reports whether a tree with hash h is stored.
func (o *ObjectStore) HasTree(h hash.Hash) bool {
	if _, ok := o.treeCache.get(hashKey(h)); ok {
		return true
	}
	_, err := os.Stat(o.treePath(h))
	return err == nil
}

// WriteTree serializes t, hashes it, and atomically writes it to disk if
// not already present, returning its hash.
func (o *ObjectStore) WriteTree(t *Tree) (hash.Hash, error) {
	data := t.Serialize()
	h := hash.Bytes(data)

	if o.HasTree(h) {
		o.treeCache.put(hashKey(h), t, 1)
		return h, nil
	}
	if err := AtomicWrite(o.tmpDir, o.treePath(h), data); err != nil {
		return hash.Hash{}, err
	}
	o.treeCache.put(hashKey(h), t, 1)
	return h, nil
}

// ReadTree loads the tree with hash h, consulting the cache first.
func (o *ObjectStore) ReadTree(h hash.Hash) (*Tree, error) {
	if v, ok := o.treeCache.get(hashKey(h)); ok {
		return v.(*Tree), nil
	}

	data, err := os.ReadFile(o.treePath(h))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, tlerrors.New(tlerrors.KindNotFound, &tlerrors.CheckpointNotFoundError{ID: h.String()})
		}
		return nil, tlerrors.New(tlerrors.KindIO, err)
	}
	t, err := DeserializeTree(data)
	if err != nil {
		return nil, err
	}
	o.treeCache.put(hashKey(h), t, 1)
	return t, nil
}

// VerifyReachable checks the invariant from spec §8: every entry in the
// tree at rootHash resolves to a present blob. Submodule entries are
// skipped (they reference an external object graph by design).
func (o *ObjectStore) VerifyReachable(rootHash hash.Hash) error {
	t, err := o.ReadTree(rootHash)
	if err != nil {
		return err
	}
	var missing error
	t.ForEach(func(path string, e Entry) bool {
		if e.Kind == KindSubmodule {
			return true
		}
		if !o.Blobs.Has(e.BlobHash) {
			missing = tlerrors.New(tlerrors.KindNotFound, &tlerrors.CheckpointNotFoundError{ID: e.BlobHash.String()})
			return false
		}
		return true
	})
	return missing
}

// DeleteBlob and DeleteTree unlink an object by hash. Used only by GC
// (spec §4.N); partial failure is safe since a later GC run will simply
// find the object still unreferenced and try again.
func (o *ObjectStore) DeleteBlob(h hash.Hash) error {
	err := os.Remove(o.pathForBlob(h))
	if err != nil && !os.IsNotExist(err) {
		return tlerrors.New(tlerrors.KindIO, err)
	}
	o.Blobs.cache.evictKey(hashKey(h))
	return nil
}

func (o *ObjectStore) pathForBlob(h hash.Hash) string { return o.Blobs.pathFor(h) }

func (o *ObjectStore) DeleteTree(h hash.Hash) error {
	err := os.Remove(o.treePath(h))
	if err != nil && !os.IsNotExist(err) {
		return tlerrors.New(tlerrors.KindIO, err)
	}
	o.treeCache.evictKey(hashKey(h))
	return nil
}
