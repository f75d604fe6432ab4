package objectstore

import (
	"os"

	"github.com/klauspost/compress/zstd"

	tlerrors "github.com/snapdaemon/tl/pkg/errors"
	"github.com/snapdaemon/tl/pkg/hash"
)

const (
	blobMagic      = "SNB1"
	blobHeaderSize = 4 + 1 + 8 + 8 // magic + flags + orig_len + stored_len
	flagCompressed = 1 << 0

	// compressThreshold is the payload size at or above which a blob is
	// considered for zstd compression (spec §3). Below it the framing
	// overhead isn't worth the CPU.
	compressThreshold = 4 * 1024

	// defaultBlobCacheBytes is the default LRU cache budget for decoded
	// blob bytes (spec §4.B, "~50 MiB").
	defaultBlobCacheBytes = 50 * 1024 * 1024
)

// BlobStore stores and retrieves file contents by content hash (spec
// §4.B): header-framed on disk, optionally zstd-compressed, cached
// in-memory with LRU eviction. Writes are idempotent.
type BlobStore struct {
	baseDir string
	tmpDir  string
	cache   *byteLRU
	enc     *zstd.Encoder
	dec     *zstd.Decoder
}

// NewBlobStore opens a blob store rooted at baseDir (conventionally
// "<repo>/.tl/objects/blobs"), using tmpDir for the atomic-write staging
// area. cacheBytes <= 0 selects the default ~50 MiB budget.
func NewBlobStore(baseDir, tmpDir string, cacheBytes int64) (*BlobStore, error) {
	if cacheBytes <= 0 {
		cacheBytes = defaultBlobCacheBytes
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, tlerrors.New(tlerrors.KindIO, err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, tlerrors.New(tlerrors.KindIO, err)
	}
	return &BlobStore{
		baseDir: baseDir,
		tmpDir:  tmpDir,
		cache:   newByteLRU(cacheBytes),
		enc:     enc,
		dec:     dec,
	}, nil
}

func (s *BlobStore) pathFor(h hash.Hash) string {
	return ShardPath(s.baseDir, h.String())
}

// Has reports whether a blob with hash h is stored, without touching the
// cache.
func (s *BlobStore) Has(h hash.Hash) bool {
	_, err := os.Stat(s.pathFor(h))
	return err == nil
}

// Write stores data under its content hash. A second write with the same
// hash is a no-op (content-addressed writes are idempotent); the caller
// is expected to have already computed h via pkg/hash.
func (s *BlobStore) Write(h hash.Hash, data []byte) error {
	if s.Has(h) {
		return nil
	}

	origLen := uint64(len(data))
	payload := data
	flags := byte(0)

	if len(data) >= compressThreshold {
		compressed := s.enc.EncodeAll(data, nil)
		if len(compressed) < len(data) {
			payload = compressed
			flags |= flagCompressed
		}
	}

	out := make([]byte, 0, blobHeaderSize+len(payload))
	out = append(out, blobMagic...)
	out = append(out, flags)
	out = appendUint64LE(out, origLen)
	out = appendUint64LE(out, uint64(len(payload)))
	out = append(out, payload...)

	if err := AtomicWrite(s.tmpDir, s.pathFor(h), out); err != nil {
		return err
	}

	s.cache.put(hashKey(h), data, int64(len(data)))
	return nil
}

// Read retrieves a blob's uncompressed contents, consulting the in-memory
// cache before touching disk.
func (s *BlobStore) Read(h hash.Hash) ([]byte, error) {
	if v, ok := s.cache.get(hashKey(h)); ok {
		return v.([]byte), nil
	}

	raw, err := os.ReadFile(s.pathFor(h))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, tlerrors.New(tlerrors.KindNotFound, &tlerrors.CheckpointNotFoundError{ID: h.String()})
		}
		return nil, tlerrors.New(tlerrors.KindIO, err)
	}
	if len(raw) < blobHeaderSize || string(raw[:4]) != blobMagic {
		return nil, tlerrors.New(tlerrors.KindCorrupted, &tlerrors.CorruptedObjectError{Hash: h.String(), Kind: "blob"})
	}

	flags := raw[4]
	origLen := readUint64LE(raw[5:13])
	storedLen := readUint64LE(raw[13:21])
	if uint64(len(raw)-blobHeaderSize) != storedLen {
		return nil, tlerrors.New(tlerrors.KindCorrupted, &tlerrors.CorruptedObjectError{Hash: h.String(), Kind: "blob"})
	}
	payload := raw[blobHeaderSize:]

	var data []byte
	if flags&flagCompressed != 0 {
		data, err = s.dec.DecodeAll(payload, make([]byte, 0, origLen))
		if err != nil {
			return nil, tlerrors.New(tlerrors.KindCorrupted, &tlerrors.CorruptedObjectError{Hash: h.String(), Kind: "blob"})
		}
	} else {
		data = payload
	}
	if uint64(len(data)) != origLen {
		return nil, tlerrors.New(tlerrors.KindCorrupted, &tlerrors.CorruptedObjectError{Hash: h.String(), Kind: "blob"})
	}

	s.cache.put(hashKey(h), data, int64(len(data)))
	return data, nil
}

func appendUint64LE(b []byte, v uint64) []byte {
	return append(b,
		byte(v), byte(v>>8), byte(v>>16), byte(v>>24),
		byte(v>>32), byte(v>>40), byte(v>>48), byte(v>>56))
}

func readUint64LE(b []byte) uint64 {
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56
}
