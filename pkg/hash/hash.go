// Package hash implements stable content hashing for the object store
// (spec §4.A): hashing of byte buffers, streaming and memory-mapped file
// hashing, and the double-stat stability check used by the checkpoint
// pipeline before a file's contents are trusted.
package hash

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
	"os"
	"time"

	tlerrors "github.com/snapdaemon/tl/pkg/errors"
	"golang.org/x/exp/mmap"
)

// Size is the length in bytes of a Hash.
const Size = 32

// streamBufSize is the read buffer used by hashFileStreaming and FileMmap: a small
// fixed-size scratch buffer rather than reading the whole file at once.
const streamBufSize = 8 * 1024

// mmapThreshold is the file size at or above which File switches to the
// memory-mapped path, per spec §4.A ("~4 MiB").
const mmapThreshold = 4 * 1024 * 1024

// Hash is a 32-byte content hash. The zero value is the hash of no bytes
// having been hashed yet; it is not itself a meaningful digest.
type Hash [Size]byte

// String renders the hash as stable lowercase hex.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether h is the all-zero hash.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// Parse decodes a 64-character lowercase-or-mixed-case hex string into a
// Hash, rejecting anything of the wrong length or alphabet.
func Parse(s string) (Hash, error) {
	var h Hash
	if len(s) != Size*2 {
		return h, tlerrors.New(tlerrors.KindValidation, &tlerrors.InvalidHashError{
			Input: s, Cause: "length must be 64 hex characters",
		})
	}
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return h, tlerrors.New(tlerrors.KindValidation, &tlerrors.InvalidHashError{
			Input: s, Cause: "not valid hex: " + err.Error(),
		})
	}
	copy(h[:], decoded)
	return h, nil
}

// MustParse is Parse but panics on error; reserved for literals in tests
// and constant hash tables, never for untrusted input.
func MustParse(s string) Hash {
	h, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return h
}

func newDigest() hash.Hash { return sha256.New() }

// Bytes computes the content hash of a byte buffer.
func Bytes(data []byte) Hash {
	d := newDigest()
	d.Write(data) //nolint:errcheck // hash.Hash.Write never errors
	var h Hash
	copy(h[:], d.Sum(nil))
	return h
}

// File hashes a file's contents, streaming through a fixed buffer for
// small files and memory-mapping files of mmapThreshold bytes or more.
func File(path string) (Hash, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Hash{}, tlerrors.New(tlerrors.KindIO, err)
	}
	if info.Size() >= mmapThreshold {
		return FileMmap(path)
	}
	return hashFileStreaming(path)
}

func hashFileStreaming(path string) (Hash, error) {
	f, err := os.Open(path)
	if err != nil {
		return Hash{}, tlerrors.New(tlerrors.KindIO, err)
	}
	defer f.Close()

	d := newDigest()
	buf := make([]byte, streamBufSize)
	if _, err := io.CopyBuffer(d, f, buf); err != nil {
		return Hash{}, tlerrors.New(tlerrors.KindIO, err)
	}
	var h Hash
	copy(h[:], d.Sum(nil))
	return h, nil
}

// FileMmap hashes a file via a memory-mapped read-only view, avoiding a
// user-space copy for large files.
func FileMmap(path string) (Hash, error) {
	r, err := mmap.Open(path)
	if err != nil {
		return Hash{}, tlerrors.New(tlerrors.KindIO, err)
	}
	defer r.Close()

	d := newDigest()
	buf := make([]byte, streamBufSize)
	var off int64
	n := int64(r.Len())
	for off < n {
		want := int64(len(buf))
		if remaining := n - off; remaining < want {
			want = remaining
		}
		read, rerr := r.ReadAt(buf[:want], off)
		if read > 0 {
			d.Write(buf[:read]) //nolint:errcheck
		}
		off += int64(read)
		if rerr != nil && rerr != io.EOF {
			return Hash{}, tlerrors.New(tlerrors.KindIO, rerr)
		}
		if read == 0 && rerr == io.EOF {
			break
		}
	}
	var h Hash
	copy(h[:], d.Sum(nil))
	return h, nil
}

// statSignature is the (size, mtime) pair FileStable compares across
// reads to detect a file changing underneath it.
type statSignature struct {
	size  int64
	mtime time.Time
}

func stat(path string) (statSignature, error) {
	info, err := os.Stat(path)
	if err != nil {
		return statSignature{}, err
	}
	return statSignature{size: info.Size(), mtime: info.ModTime()}, nil
}

// FileStable implements the double-stat pattern (spec §4.A): stat, hash,
// stat again; if the signature didn't change the hash is trusted. On
// mismatch it backs off 50*2^attempt milliseconds and retries, failing
// with UnstableFileError after maxRetries unsuccessful attempts. This is
// the only hasher the checkpoint pipeline is allowed to use.
func FileStable(path string, maxRetries int) (Hash, error) {
	if maxRetries < 1 {
		maxRetries = 1
	}
	for attempt := 0; attempt < maxRetries; attempt++ {
		before, err := stat(path)
		if err != nil {
			return Hash{}, tlerrors.New(tlerrors.KindIO, err)
		}
		h, err := File(path)
		if err != nil {
			return Hash{}, err
		}
		after, err := stat(path)
		if err != nil {
			return Hash{}, tlerrors.New(tlerrors.KindIO, err)
		}
		if before == after {
			return h, nil
		}
		if attempt < maxRetries-1 {
			backoff := 50 * (1 << uint(attempt))
			time.Sleep(time.Duration(backoff) * time.Millisecond)
		}
	}
	return Hash{}, tlerrors.New(tlerrors.KindUnstableFile, &tlerrors.UnstableFileError{
		Path: path, Retries: maxRetries,
	})
}

// Builder accumulates chunks into a single hash, for callers assembling
// content incrementally (e.g. a symlink target plus a synthetic prefix).
type Builder struct {
	d hash.Hash
}

// NewBuilder returns an empty incremental hash builder.
func NewBuilder() *Builder {
	return &Builder{d: newDigest()}
}

// Write feeds more bytes into the builder. It never errors.
func (b *Builder) Write(p []byte) (int, error) {
	return b.d.Write(p)
}

// Sum finalizes the builder into a Hash without mutating its state.
func (b *Builder) Sum() Hash {
	var h Hash
	copy(h[:], b.d.Sum(nil))
	return h
}
