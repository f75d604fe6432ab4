// Package ipc implements the daemon's control-plane protocol (spec
// §4.L): a length-prefixed binary frame protocol over a Unix domain
// socket at state/daemon.sock, carrying a small tagged-union of
// request/response kinds (GetStatus, GetStatusFull, ResolveRefs,
// GetCheckpointBatch, GetInfo, Flush, Shutdown).
package ipc

import (
	"encoding/binary"
	"fmt"
	"io"
)

// maxFrameSize bounds a single frame, rejecting anything implausibly
// large. Batch requests and responses are not capped separately, so a
// batch whose encoding exceeds this is rejected by the reader.
const maxFrameSize = 64 << 20

// writeFrame writes a 4-byte little-endian length prefix followed by
// payload.
func writeFrame(w io.Writer, payload []byte) error {
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// readFrame reads one length-prefixed frame.
func readFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(hdr[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("ipc: frame of %d bytes exceeds max %d", n, maxFrameSize)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
