// Package daemonlock implements the exclusive daemon lock (spec §4.K):
// a single daemon process per repository, enforced with an advisory
// flock on locks/daemon.lock plus a PID/start-time payload used to
// detect and clear stale locks left behind by a crashed process.
//
// The state/merge/ directory under the .tl root is reserved for an
// external merge collaborator; neither this package nor any other part
// of the daemon writes to it.
package daemonlock

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	tlerrors "github.com/snapdaemon/tl/pkg/errors"
)

// Lock holds an acquired daemon lock; Release must be called to give it
// up (or the process exiting closes the fd and the OS drops the flock).
type Lock struct {
	path string
	fd   int
}

// Acquire takes the exclusive lock at "<tlDir>/locks/daemon.lock". If
// another live process holds it, it returns a DaemonAlreadyRunningError.
// If the lock file refers to a process that's no longer running (a
// stale lock from a crash), it is cleared and reacquired automatically.
func Acquire(tlDir string) (*Lock, error) {
	dir := filepath.Join(tlDir, "locks")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, tlerrors.New(tlerrors.KindIO, err)
	}
	path := filepath.Join(dir, "daemon.lock")

	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT, 0o644)
	if err != nil {
		return nil, tlerrors.New(tlerrors.KindIO, err)
	}

	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		holder, perr := readPayload(path)
		unix.Close(fd)
		if perr == nil && !processAlive(holder.PID) {
			// The previous holder crashed without releasing the lock; a
			// stale flock only happens if the whole machine crashed (the
			// kernel drops flocks when the owning fd closes), but the PID
			// payload can still be stale from e.g. a container restart
			// that reused the lock file from another volume. Clear and retry once.
			if rerr := os.Remove(path); rerr == nil {
				return Acquire(tlDir)
			}
		}
		return nil, tlerrors.New(tlerrors.KindLockHeld, &tlerrors.DaemonAlreadyRunningError{PID: holder.PID})
	}

	body, err := json.Marshal(payload{PID: os.Getpid(), StartedAt: time.Now().UnixNano()})
	if err != nil {
		unix.Close(fd)
		return nil, tlerrors.New(tlerrors.KindIO, err)
	}
	if err := unix.Ftruncate(fd, 0); err != nil {
		unix.Close(fd)
		return nil, tlerrors.New(tlerrors.KindIO, err)
	}
	if _, err := unix.Pwrite(fd, body, 0); err != nil {
		unix.Close(fd)
		return nil, tlerrors.New(tlerrors.KindIO, err)
	}

	return &Lock{path: path, fd: fd}, nil
}

// Release unlocks and closes the lock file. The file itself is left in
// place (harmless: Acquire only cares about the flock and, on contention,
// the PID payload) so a concurrent Acquire never races a delete.
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

// payload is the lock file's contents: pid+ts JSON, per spec §6.
type payload struct {
	PID       int   `json:"pid"`
	StartedAt int64 `json:"started_at_unix_nano"`
}

func readPayload(path string) (payload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return payload{}, err
	}
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return payload{}, err
	}
	return p, nil
}

// processAlive reports whether pid refers to a live process, using
// signal 0 (no-op delivery, just existence/permission check).
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return unix.Kill(pid, 0) == nil
}

// HolderPID returns the PID recorded in an existing lock file, for
// diagnostics (e.g. the CLI supervisor deciding whether to spawn a new
// daemon). Returns 0, nil if no lock file exists yet.
func HolderPID(tlDir string) (int, error) {
	path := filepath.Join(tlDir, "locks", "daemon.lock")
	p, err := readPayload(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	return p.PID, nil
}
