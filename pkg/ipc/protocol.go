package ipc

import (
	"encoding/binary"
	"fmt"

	"github.com/snapdaemon/tl/pkg/ckptid"
	tlerrors "github.com/snapdaemon/tl/pkg/errors"
	"github.com/snapdaemon/tl/pkg/hash"
	"github.com/snapdaemon/tl/pkg/journal"
)

// MessageKind tags every request and its matching response.
type MessageKind uint8

const (
	KindGetStatus MessageKind = iota
	KindGetStatusFull
	KindResolveRefs
	KindGetCheckpointBatch
	KindGetInfo
	KindFlush
	KindShutdown
	kindError // response-only: the request failed
)

// Request is the tagged-union client -> daemon message.
type Request struct {
	Kind MessageKind

	// ResolveRefs
	Refs []string

	// GetCheckpointBatch: the specific checkpoints requested by id.
	CheckpointIDs []ckptid.ID
}

// ResolvedRef is one entry of a ResolveRefs response.
type ResolvedRef struct {
	Ref   string
	ID    ckptid.ID
	Found bool
}

// CheckpointResult is one entry of a GetCheckpointBatch response: the
// Option<Checkpoint> for one of the requested ids, in request order.
type CheckpointResult struct {
	ID         ckptid.ID
	Found      bool
	Checkpoint journal.Checkpoint
}

// Response is the tagged-union daemon -> client message. Only the
// fields matching Kind are meaningful; on kindError, ErrKind/ErrMessage
// carry the failure.
type Response struct {
	Kind MessageKind

	// GetStatus / GetStatusFull
	HasHead        bool
	Head           ckptid.ID
	Watching       bool
	WatchedDirs    uint32
	PendingPaths   uint32
	JournalCount   uint32
	LastReconcile  uint64
	DiskUsageBytes uint64

	// ResolveRefs
	Resolved []ResolvedRef

	// GetCheckpointBatch: one Option<Checkpoint> per requested id, in
	// request order.
	CheckpointResults []CheckpointResult

	// GetInfo
	Count            uint32
	OrderedIDs       []ckptid.ID
	ApproxStoreBytes uint64

	// Flush / Shutdown
	Accepted bool

	// kindError
	ErrKind    tlerrors.Kind
	ErrMessage string
}

// ErrorResponse builds a Response carrying a failed request's error.
func ErrorResponse(err error) Response {
	return Response{Kind: kindError, ErrKind: tlerrors.KindOf(err), ErrMessage: err.Error()}
}

// AsError converts a kindError Response back into a *tlerrors.KindedError,
// or nil if r does not carry an error.
func (r Response) AsError() error {
	if r.Kind != kindError {
		return nil
	}
	return tlerrors.New(r.ErrKind, fmt.Errorf("%s", r.ErrMessage))
}

func appendString(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

func readString(data []byte, off int) (string, int, error) {
	if off+4 > len(data) {
		return "", 0, fmt.Errorf("ipc: truncated string length")
	}
	n := int(binary.LittleEndian.Uint32(data[off : off+4]))
	off += 4
	if off+n > len(data) {
		return "", 0, fmt.Errorf("ipc: truncated string body")
	}
	return string(data[off : off+n]), off + n, nil
}

// encodeRequest serializes a Request to its wire form.
func encodeRequest(r Request) []byte {
	buf := []byte{byte(r.Kind)}
	switch r.Kind {
	case KindResolveRefs:
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(r.Refs)))
		for _, ref := range r.Refs {
			buf = appendString(buf, ref)
		}
	case KindGetCheckpointBatch:
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(r.CheckpointIDs)))
		for _, id := range r.CheckpointIDs {
			buf = append(buf, id[:]...)
		}
	}
	return buf
}

func decodeRequest(data []byte) (Request, error) {
	if len(data) < 1 {
		return Request{}, fmt.Errorf("ipc: empty request frame")
	}
	r := Request{Kind: MessageKind(data[0])}
	off := 1
	switch r.Kind {
	case KindResolveRefs:
		if off+4 > len(data) {
			return Request{}, fmt.Errorf("ipc: truncated ResolveRefs request")
		}
		n := binary.LittleEndian.Uint32(data[off : off+4])
		off += 4
		r.Refs = make([]string, 0, n)
		for i := uint32(0); i < n; i++ {
			var s string
			var err error
			s, off, err = readString(data, off)
			if err != nil {
				return Request{}, err
			}
			r.Refs = append(r.Refs, s)
		}
	case KindGetCheckpointBatch:
		if off+4 > len(data) {
			return Request{}, fmt.Errorf("ipc: truncated GetCheckpointBatch request")
		}
		n := binary.LittleEndian.Uint32(data[off : off+4])
		off += 4
		r.CheckpointIDs = make([]ckptid.ID, 0, n)
		for i := uint32(0); i < n; i++ {
			if off+ckptid.Size > len(data) {
				return Request{}, fmt.Errorf("ipc: truncated GetCheckpointBatch id")
			}
			var id ckptid.ID
			copy(id[:], data[off:off+ckptid.Size])
			off += ckptid.Size
			r.CheckpointIDs = append(r.CheckpointIDs, id)
		}
	}
	return r, nil
}

func encodeCheckpoint(buf []byte, c journal.Checkpoint) []byte {
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
		buf = appendString(buf, p)
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

func decodeCheckpointWire(data []byte, off int) (journal.Checkpoint, int, error) {
	var c journal.Checkpoint
	if off+ckptid.Size > len(data) {
		return c, 0, fmt.Errorf("ipc: truncated checkpoint id")
	}
	copy(c.ID[:], data[off:off+ckptid.Size])
	off += ckptid.Size

	if off+1 > len(data) {
		return c, 0, fmt.Errorf("ipc: truncated checkpoint has_parent")
	}
	c.HasParent = data[off] != 0
	off++

	if off+ckptid.Size > len(data) {
		return c, 0, fmt.Errorf("ipc: truncated checkpoint parent")
	}
	copy(c.Parent[:], data[off:off+ckptid.Size])
	off += ckptid.Size

	if off+hash.Size > len(data) {
		return c, 0, fmt.Errorf("ipc: truncated checkpoint root")
	}
	copy(c.RootTree[:], data[off:off+hash.Size])
	off += hash.Size

	if off+8 > len(data) {
		return c, 0, fmt.Errorf("ipc: truncated checkpoint ts")
	}
	c.TsUnixMs = binary.LittleEndian.Uint64(data[off : off+8])
	off += 8

	if off+1 > len(data) {
		return c, 0, fmt.Errorf("ipc: truncated checkpoint reason")
	}
	c.Reason = journal.Reason(data[off])
	off++

	if off+4 > len(data) {
		return c, 0, fmt.Errorf("ipc: truncated checkpoint touched count")
	}
	n := binary.LittleEndian.Uint32(data[off : off+4])
	off += 4
	c.TouchedPaths = make([]string, 0, n)
	for i := uint32(0); i < n; i++ {
		var s string
		var err error
		s, off, err = readString(data, off)
		if err != nil {
			return c, 0, err
		}
		c.TouchedPaths = append(c.TouchedPaths, s)
	}

	if off+1+4+8+8 > len(data) {
		return c, 0, fmt.Errorf("ipc: truncated checkpoint meta")
	}
	c.Meta.TouchedPathsTruncated = data[off] != 0
	off++
	c.Meta.FilesChanged = binary.LittleEndian.Uint32(data[off : off+4])
	off += 4
	c.Meta.BytesAdded = binary.LittleEndian.Uint64(data[off : off+8])
	off += 8
	c.Meta.BytesRemoved = binary.LittleEndian.Uint64(data[off : off+8])
	off += 8

	return c, off, nil
}

// encodeResponse serializes a Response to its wire form.
func encodeResponse(r Response) []byte {
	buf := []byte{byte(r.Kind)}
	switch r.Kind {
	case KindGetStatus, KindGetStatusFull:
		if r.HasHead {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
		buf = append(buf, r.Head[:]...)
		if r.Watching {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
		buf = binary.LittleEndian.AppendUint32(buf, r.WatchedDirs)
		buf = binary.LittleEndian.AppendUint32(buf, r.PendingPaths)
		if r.Kind == KindGetStatusFull {
			buf = binary.LittleEndian.AppendUint32(buf, r.JournalCount)
			buf = binary.LittleEndian.AppendUint64(buf, r.LastReconcile)
			buf = binary.LittleEndian.AppendUint64(buf, r.DiskUsageBytes)
		}
	case KindResolveRefs:
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(r.Resolved)))
		for _, rr := range r.Resolved {
			buf = appendString(buf, rr.Ref)
			buf = append(buf, rr.ID[:]...)
			if rr.Found {
				buf = append(buf, 1)
			} else {
				buf = append(buf, 0)
			}
		}
	case KindGetCheckpointBatch:
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(r.CheckpointResults)))
		for _, cr := range r.CheckpointResults {
			buf = append(buf, cr.ID[:]...)
			if cr.Found {
				buf = append(buf, 1)
				buf = encodeCheckpoint(buf, cr.Checkpoint)
			} else {
				buf = append(buf, 0)
			}
		}
	case KindGetInfo:
		buf = binary.LittleEndian.AppendUint32(buf, r.Count)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(r.OrderedIDs)))
		for _, id := range r.OrderedIDs {
			buf = append(buf, id[:]...)
		}
		buf = binary.LittleEndian.AppendUint64(buf, r.ApproxStoreBytes)
	case KindFlush, KindShutdown:
		if r.Accepted {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	case kindError:
		buf = append(buf, byte(r.ErrKind))
		buf = appendString(buf, r.ErrMessage)
	}
	return buf
}

func decodeResponse(data []byte) (Response, error) {
	if len(data) < 1 {
		return Response{}, fmt.Errorf("ipc: empty response frame")
	}
	r := Response{Kind: MessageKind(data[0])}
	off := 1
	var err error

	switch r.Kind {
	case KindGetStatus, KindGetStatusFull:
		if off+1+ckptid.Size+1+4+4 > len(data) {
			return Response{}, fmt.Errorf("ipc: truncated status response")
		}
		r.HasHead = data[off] != 0
		off++
		copy(r.Head[:], data[off:off+ckptid.Size])
		off += ckptid.Size
		r.Watching = data[off] != 0
		off++
		r.WatchedDirs = binary.LittleEndian.Uint32(data[off : off+4])
		off += 4
		r.PendingPaths = binary.LittleEndian.Uint32(data[off : off+4])
		off += 4
		if r.Kind == KindGetStatusFull {
			if off+16 > len(data) {
				return Response{}, fmt.Errorf("ipc: truncated status-full response")
			}
			r.JournalCount = binary.LittleEndian.Uint32(data[off : off+4])
			off += 4
			r.LastReconcile = binary.LittleEndian.Uint64(data[off : off+8])
			off += 8
			r.DiskUsageBytes = binary.LittleEndian.Uint64(data[off : off+8])
		}
	case KindResolveRefs:
		if off+4 > len(data) {
			return Response{}, fmt.Errorf("ipc: truncated ResolveRefs response")
		}
		n := binary.LittleEndian.Uint32(data[off : off+4])
		off += 4
		r.Resolved = make([]ResolvedRef, 0, n)
		for i := uint32(0); i < n; i++ {
			var ref string
			ref, off, err = readString(data, off)
			if err != nil {
				return Response{}, err
			}
			if off+ckptid.Size+1 > len(data) {
				return Response{}, fmt.Errorf("ipc: truncated ResolveRefs entry")
			}
			var id ckptid.ID
			copy(id[:], data[off:off+ckptid.Size])
			off += ckptid.Size
			found := data[off] != 0
			off++
			r.Resolved = append(r.Resolved, ResolvedRef{Ref: ref, ID: id, Found: found})
		}
	case KindGetCheckpointBatch:
		if off+4 > len(data) {
			return Response{}, fmt.Errorf("ipc: truncated GetCheckpointBatch response")
		}
		n := binary.LittleEndian.Uint32(data[off : off+4])
		off += 4
		r.CheckpointResults = make([]CheckpointResult, 0, n)
		for i := uint32(0); i < n; i++ {
			if off+ckptid.Size+1 > len(data) {
				return Response{}, fmt.Errorf("ipc: truncated GetCheckpointBatch entry")
			}
			var cr CheckpointResult
			copy(cr.ID[:], data[off:off+ckptid.Size])
			off += ckptid.Size
			cr.Found = data[off] != 0
			off++
			if cr.Found {
				cr.Checkpoint, off, err = decodeCheckpointWire(data, off)
				if err != nil {
					return Response{}, err
				}
			}
			r.CheckpointResults = append(r.CheckpointResults, cr)
		}
	case KindGetInfo:
		if off+4 > len(data) {
			return Response{}, fmt.Errorf("ipc: truncated GetInfo count")
		}
		r.Count = binary.LittleEndian.Uint32(data[off : off+4])
		off += 4
		if off+4 > len(data) {
			return Response{}, fmt.Errorf("ipc: truncated GetInfo id count")
		}
		n := binary.LittleEndian.Uint32(data[off : off+4])
		off += 4
		r.OrderedIDs = make([]ckptid.ID, 0, n)
		for i := uint32(0); i < n; i++ {
			if off+ckptid.Size > len(data) {
				return Response{}, fmt.Errorf("ipc: truncated GetInfo id")
			}
			var id ckptid.ID
			copy(id[:], data[off:off+ckptid.Size])
			off += ckptid.Size
			r.OrderedIDs = append(r.OrderedIDs, id)
		}
		if off+8 > len(data) {
			return Response{}, fmt.Errorf("ipc: truncated GetInfo store bytes")
		}
		r.ApproxStoreBytes = binary.LittleEndian.Uint64(data[off : off+8])
		off += 8
	case KindFlush, KindShutdown:
		if off+1 > len(data) {
			return Response{}, fmt.Errorf("ipc: truncated accepted flag")
		}
		r.Accepted = data[off] != 0
	case kindError:
		if off+1 > len(data) {
			return Response{}, fmt.Errorf("ipc: truncated error kind")
		}
		r.ErrKind = tlerrors.Kind(data[off])
		off++
		r.ErrMessage, off, err = readString(data, off)
		if err != nil {
			return Response{}, err
		}
	}
	return r, nil
}
