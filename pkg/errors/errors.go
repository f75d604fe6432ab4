// Package errors defines the client-visible error kinds for the tl
// checkpoint daemon (spec §7) plus small typed error values, in the same
// one-struct-per-case idiom the rest of this module uses for domain
// failures.
package errors

import (
	"fmt"

	cockroacherrors "github.com/cockroachdb/errors"
)

// Kind is the stable, transport-independent error category surfaced to
// IPC clients. The IPC layer maps these to wire tags; internal callers
// should prefer errors.Is over comparing a Kind field directly.
type Kind int

const (
	KindValidation Kind = iota
	KindNotFound
	KindAmbiguous
	KindUnstableFile
	KindIO
	KindLockHeld
	KindStaleLock
	KindCorrupted
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "Validation"
	case KindNotFound:
		return "NotFound"
	case KindAmbiguous:
		return "Ambiguous"
	case KindUnstableFile:
		return "UnstableFile"
	case KindIO:
		return "IO"
	case KindLockHeld:
		return "LockHeld"
	case KindStaleLock:
		return "StaleLock"
	case KindCorrupted:
		return "Corrupted"
	case KindFatal:
		return "Fatal"
	default:
		return "Unknown"
	}
}

// KindedError pairs a Kind with an underlying cause. Leaf packages return
// this for expected failure modes so pkg/ipc can map errors to a stable
// wire tag without string-sniffing.
type KindedError struct {
	Kind  Kind
	cause error
}

func (e *KindedError) Error() string {
	if e.cause == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind.String(), e.cause.Error())
}

func (e *KindedError) Unwrap() error { return e.cause }

// New wraps cause with a Kind, capturing a stack trace via cockroachdb/errors
// so daemon logs retain the originating frame even though IPC clients only
// ever see the Kind.
func New(kind Kind, cause error) *KindedError {
	return &KindedError{Kind: kind, cause: cockroacherrors.WithStack(cause)}
}

// Newf builds a KindedError from a format string, analogous to fmt.Errorf.
func Newf(kind Kind, format string, args ...any) *KindedError {
	return New(kind, fmt.Errorf(format, args...))
}

// KindOf extracts the Kind from err, walking the wrap chain. Errors that
// were never classified are reported as KindIO, matching the default of
// surfacing unexpected disk/fs/socket failures as IO.
func KindOf(err error) Kind {
	var ke *KindedError
	if cockroacherrors.As(err, &ke) {
		return ke.Kind
	}
	return KindIO
}

// Is reports whether err (or anything it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// CheckpointNotFoundError and friends below are the small, one-struct-per-
// case domain errors specific to each component; KindOf never needs to see
// these directly, callers wrap them with New(KindX, err) at the boundary.

// CheckpointNotFoundError is returned when a checkpoint id is well-formed
// but absent from the journal.
type CheckpointNotFoundError struct {
	ID string
}

func (e *CheckpointNotFoundError) Error() string {
	return fmt.Sprintf("checkpoint %q not found", e.ID)
}

// AmbiguousPrefixError is returned when a checkpoint id prefix resolves to
// more than one journal entry.
type AmbiguousPrefixError struct {
	Prefix  string
	Matches int
}

func (e *AmbiguousPrefixError) Error() string {
	return fmt.Sprintf("prefix %q matches %d checkpoints", e.Prefix, e.Matches)
}

// PinNotFoundError is returned when a pin name does not resolve.
type PinNotFoundError struct {
	Name string
}

func (e *PinNotFoundError) Error() string {
	return fmt.Sprintf("pin %q not found", e.Name)
}

// InvalidHashError is returned by hash parsing when input fails the
// strict length/alphabet check mandated by spec §3.
type InvalidHashError struct {
	Input string
	Cause string
}

func (e *InvalidHashError) Error() string {
	return fmt.Sprintf("invalid hash %q: %s", e.Input, e.Cause)
}

// InvalidPathError is returned by path normalization (§4.D) when a path is
// absolute, escapes the root via "..", or is otherwise malformed.
type InvalidPathError struct {
	Path   string
	Reason string
}

func (e *InvalidPathError) Error() string {
	return fmt.Sprintf("invalid path %q: %s", e.Path, e.Reason)
}

// UnstableFileError is returned by the hasher's double-stat check after
// exhausting retries.
type UnstableFileError struct {
	Path    string
	Retries int
}

func (e *UnstableFileError) Error() string {
	return fmt.Sprintf("file %q unstable after %d attempts", e.Path, e.Retries)
}

// CorruptedObjectError flags a blob or tree whose stored header/checksum
// does not match its contents.
type CorruptedObjectError struct {
	Hash string
	Kind string // "blob" or "tree"
}

func (e *CorruptedObjectError) Error() string {
	return fmt.Sprintf("%s %s is corrupted", e.Kind, e.Hash)
}

// DaemonAlreadyRunningError is returned by lock acquisition when another
// live process holds the daemon lock.
type DaemonAlreadyRunningError struct {
	PID int
}

func (e *DaemonAlreadyRunningError) Error() string {
	return fmt.Sprintf("daemon already running (pid %d)", e.PID)
}

// DuplicateKeyError is reserved for a future strict-insert mode on the
// path index; Tree.Insert (pkg/objectstore) always upserts today, so
// nothing currently returns it.
type DuplicateKeyError struct {
	Key string
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("duplicate key %q", e.Key)
}

// FatalInvariantError marks a violation the daemon cannot safely recover
// from without operator intervention (spec §7, Fatal).
type FatalInvariantError struct {
	Detail string
}

func (e *FatalInvariantError) Error() string {
	return fmt.Sprintf("fatal invariant violation: %s", e.Detail)
}
