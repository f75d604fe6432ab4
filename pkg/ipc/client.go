package ipc

import (
	"net"
	"time"

	"github.com/snapdaemon/tl/pkg/ckptid"
	tlerrors "github.com/snapdaemon/tl/pkg/errors"
)

// Client is a short-lived connection to the daemon's control socket.
// Each call dials fresh; the control plane is low-frequency (CLI
// commands, not the hot filesystem path) so connection reuse isn't
// worth the complexity.
type Client struct {
	socketPath string
	timeout    time.Duration
}

// NewClient returns a Client targeting the daemon listening at
// socketPath.
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath, timeout: 5 * time.Second}
}

func (c *Client) call(req Request) (Response, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return Response{}, tlerrors.New(tlerrors.KindIO, err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(c.timeout))

	if err := writeFrame(conn, encodeRequest(req)); err != nil {
		return Response{}, tlerrors.New(tlerrors.KindIO, err)
	}
	frame, err := readFrame(conn)
	if err != nil {
		return Response{}, tlerrors.New(tlerrors.KindIO, err)
	}
	resp, err := decodeResponse(frame)
	if err != nil {
		return Response{}, tlerrors.New(tlerrors.KindIO, err)
	}
	if respErr := resp.AsError(); respErr != nil {
		return Response{}, respErr
	}
	return resp, nil
}

// GetStatus returns the lightweight status snapshot.
func (c *Client) GetStatus() (Response, error) { return c.call(Request{Kind: KindGetStatus}) }

// GetStatusFull returns the extended status snapshot.
func (c *Client) GetStatusFull() (Response, error) {
	return c.call(Request{Kind: KindGetStatusFull})
}

// ResolveRefs resolves a batch of checkpoint-id prefixes/pin names.
func (c *Client) ResolveRefs(refs []string) (Response, error) {
	return c.call(Request{Kind: KindResolveRefs, Refs: refs})
}

// GetCheckpointBatch fetches the checkpoint for each of the given ids in
// one round trip, returning an Option<Checkpoint> per id in request order.
func (c *Client) GetCheckpointBatch(ids []ckptid.ID) (Response, error) {
	return c.call(Request{Kind: KindGetCheckpointBatch, CheckpointIDs: ids})
}

// GetInfo returns the checkpoint count, the ordered checkpoint ids, and
// the approximate object-store size in bytes.
func (c *Client) GetInfo() (Response, error) { return c.call(Request{Kind: KindGetInfo}) }

// Flush forces the watch pipeline to emit its current batch immediately.
func (c *Client) Flush() (Response, error) { return c.call(Request{Kind: KindFlush}) }

// Shutdown asks the daemon to stop gracefully.
func (c *Client) Shutdown() (Response, error) { return c.call(Request{Kind: KindShutdown}) }
