package gc

import (
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	tlerrors "github.com/snapdaemon/tl/pkg/errors"
)

// Lock keeps two GC passes from running over the object store at the
// same time (spec §4.N: "GC lock file at locks/gc.lock"). The checkpoint
// pipeline does not take it; checkpointing proceeds during a GC pass.
type Lock struct {
	fd int
}

// TryAcquire takes the non-blocking exclusive GC lock at
// "<tlDir>/locks/gc.lock". Returns tlerrors.KindLockHeld if another GC
// pass is already running.
func TryAcquire(tlDir string) (*Lock, error) {
	dir := filepath.Join(tlDir, "locks")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, tlerrors.New(tlerrors.KindIO, err)
	}
	path := filepath.Join(dir, "gc.lock")

	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT, 0o644)
	if err != nil {
		return nil, tlerrors.New(tlerrors.KindIO, err)
	}
	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		unix.Close(fd)
		return nil, tlerrors.New(tlerrors.KindLockHeld, err)
	}
	return &Lock{fd: fd}, nil
}

// Release unlocks and closes the GC lock file.
func (l *Lock) Release() error {
	if err := unix.Flock(l.fd, unix.LOCK_UN); err != nil {
		unix.Close(l.fd)
		return tlerrors.New(tlerrors.KindIO, err)
	}
	if err := unix.Close(l.fd); err != nil {
		return tlerrors.New(tlerrors.KindIO, err)
	}
	return nil
}
