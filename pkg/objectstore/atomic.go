package objectstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	tlerrors "github.com/snapdaemon/tl/pkg/errors"
)

var tmpFileCounter uint64

// AtomicWrite is the shared crash-safe write helper used by the blob
// store, the tree store, pins, the path-map, and the HEAD hint file (spec §4.D):
// write into a uniquely named temp file under tmpDir, fsync it, rename
// onto target, then fsync target's parent directory so the rename itself
// is durable. On crash either the old or the new file is visible at
// target, never a partial one.
func AtomicWrite(tmpDir, target string, data []byte) error {
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return tlerrors.New(tlerrors.KindIO, err)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return tlerrors.New(tlerrors.KindIO, err)
	}

	n := atomic.AddUint64(&tmpFileCounter, 1)
	tmpPath := filepath.Join(tmpDir, fmt.Sprintf("%d-%d.tmp", os.Getpid(), n))

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return tlerrors.New(tlerrors.KindIO, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return tlerrors.New(tlerrors.KindIO, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return tlerrors.New(tlerrors.KindIO, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return tlerrors.New(tlerrors.KindIO, err)
	}

	if err := os.Rename(tmpPath, target); err != nil {
		os.Remove(tmpPath)
		return tlerrors.New(tlerrors.KindIO, err)
	}

	if err := syncDir(filepath.Dir(target)); err != nil {
		return tlerrors.New(tlerrors.KindIO, err)
	}
	return nil
}

// syncDir fsyncs a directory so a preceding rename into it is durable.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	// Directory fsync failures are common and harmless on some
	// filesystems/platforms (notably certain network mounts); we still
	// attempt it since it's required for durability on the ones that
	// matter (ext4, xfs, apfs).
	return d.Sync()
}

// ShardPath builds the sharded on-disk path for a content hash:
// <base>/<hex[0:2]>/<hex[2:]>, used for both blobs and trees (spec §6).
func ShardPath(base string, hexDigest string) string {
	if len(hexDigest) < 2 {
		return filepath.Join(base, hexDigest)
	}
	return filepath.Join(base, hexDigest[:2], hexDigest[2:])
}
