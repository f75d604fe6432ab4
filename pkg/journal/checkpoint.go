package journal

import (
	"encoding/binary"

	"github.com/snapdaemon/tl/pkg/ckptid"
	tlerrors "github.com/snapdaemon/tl/pkg/errors"
	"github.com/snapdaemon/tl/pkg/hash"
)

// Reason enumerates why a checkpoint was created (spec §3).
type Reason uint8

const (
	ReasonFsBatch Reason = iota
	ReasonManual
	ReasonRestore
	ReasonPublish
	ReasonGcCompact
)

func (r Reason) String() string {
	switch r {
	case ReasonFsBatch:
		return "FsBatch"
	case ReasonManual:
		return "Manual"
	case ReasonRestore:
		return "Restore"
	case ReasonPublish:
		return "Publish"
	case ReasonGcCompact:
		return "GcCompact"
	default:
		return "Unknown"
	}
}

// maxStoredTouchedPaths caps how many touched paths a checkpoint record
// persists (SPEC_FULL supplement: "touched-path capping"). touched_paths
// is informational per spec §3, so truncating it changes no invariant;
// Meta.TouchedPathsTruncated flags that it happened.
const maxStoredTouchedPaths = 4096

// Meta carries informational byte/file counters for a checkpoint.
type Meta struct {
	FilesChanged          uint32
	BytesAdded            uint64
	BytesRemoved          uint64
	TouchedPathsTruncated bool
}

// Checkpoint is the immutable record described in spec §3.
type Checkpoint struct {
	ID           ckptid.ID
	HasParent    bool
	Parent       ckptid.ID
	RootTree     hash.Hash
	TsUnixMs     uint64
	Reason       Reason
	TouchedPaths []string
	Meta         Meta
}

// NewCheckpoint builds a checkpoint record for a reconciled batch,
// stamping the caller-supplied reason and applying the touched-path cap.
func NewCheckpoint(id ckptid.ID, parent ckptid.ID, hasParent bool, root hash.Hash, tsUnixMs uint64, reason Reason, touched []string, meta Meta) Checkpoint {
	if len(touched) > maxStoredTouchedPaths {
		touched = touched[:maxStoredTouchedPaths]
		meta.TouchedPathsTruncated = true
	}
	return Checkpoint{
		ID: id, HasParent: hasParent, Parent: parent, RootTree: root,
		TsUnixMs: tsUnixMs, Reason: reason, TouchedPaths: touched, Meta: meta,
	}
}

const checkpointMagic = "SNC1"

// encode serializes a Checkpoint for storage as a Pebble value.
func (c Checkpoint) encode() []byte {
	size := 4 + ckptid.Size + 1 + ckptid.Size + hash.Size + 8 + 1 + 4 + 1 + 4 + 8 + 8
	for _, p := range c.TouchedPaths {
		size += 2 + len(p)
	}
	buf := make([]byte, 0, size)
	buf = append(buf, checkpointMagic...)
	buf = append(buf, c.ID[:]...)
	if c.HasParent {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = append(buf, c.Parent[:]...)
	buf = append(buf, c.RootTree[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, c.TsUnixMs)
	buf = append(buf, byte(c.Reason))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(c.TouchedPaths)))
	for _, p := range c.TouchedPaths {
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(p)))
		buf = append(buf, p...)
	}
	if c.Meta.TouchedPathsTruncated {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = binary.LittleEndian.AppendUint32(buf, c.Meta.FilesChanged)
	buf = binary.LittleEndian.AppendUint64(buf, c.Meta.BytesAdded)
	buf = binary.LittleEndian.AppendUint64(buf, c.Meta.BytesRemoved)
	return buf
}

func decodeCheckpoint(data []byte) (Checkpoint, error) {
	corrupt := func() (Checkpoint, error) {
		return Checkpoint{}, tlerrors.New(tlerrors.KindCorrupted, &tlerrors.CorruptedObjectError{Kind: "checkpoint"})
	}
	if len(data) < 4 || string(data[:4]) != checkpointMagic {
		return corrupt()
	}
	off := 4
	var c Checkpoint
	if off+ckptid.Size > len(data) {
		return corrupt()
	}
	copy(c.ID[:], data[off:off+ckptid.Size])
	off += ckptid.Size

	if off+1 > len(data) {
		return corrupt()
	}
	c.HasParent = data[off] != 0
	off++

	if off+ckptid.Size > len(data) {
		return corrupt()
	}
	copy(c.Parent[:], data[off:off+ckptid.Size])
	off += ckptid.Size

	if off+hash.Size > len(data) {
		return corrupt()
	}
	copy(c.RootTree[:], data[off:off+hash.Size])
	off += hash.Size

	if off+8 > len(data) {
		return corrupt()
	}
	c.TsUnixMs = binary.LittleEndian.Uint64(data[off : off+8])
	off += 8

	if off+1 > len(data) {
		return corrupt()
	}
	c.Reason = Reason(data[off])
	off++

	if off+4 > len(data) {
		return corrupt()
	}
	n := binary.LittleEndian.Uint32(data[off : off+4])
	off += 4
	c.TouchedPaths = make([]string, 0, n)
	for i := uint32(0); i < n; i++ {
		if off+2 > len(data) {
			return corrupt()
		}
		l := int(binary.LittleEndian.Uint16(data[off : off+2]))
		off += 2
		if off+l > len(data) {
			return corrupt()
		}
		c.TouchedPaths = append(c.TouchedPaths, string(data[off:off+l]))
		off += l
	}

	if off+1+4+8+8 > len(data) {
		return corrupt()
	}
	c.Meta.TouchedPathsTruncated = data[off] != 0
	off++
	c.Meta.FilesChanged = binary.LittleEndian.Uint32(data[off : off+4])
	off += 4
	c.Meta.BytesAdded = binary.LittleEndian.Uint64(data[off : off+8])
	off += 8
	c.Meta.BytesRemoved = binary.LittleEndian.Uint64(data[off : off+8])

	return c, nil
}
