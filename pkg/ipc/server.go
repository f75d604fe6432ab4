package ipc

import (
	"log/slog"
	"net"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/snapdaemon/tl/pkg/ckptid"
	tlerrors "github.com/snapdaemon/tl/pkg/errors"
)

// Handler answers each RPC kind the protocol defines (spec §4.L). The
// pipeline/daemon wiring in cmd/tld implements this against the live
// watcher, journal, and pin store.
type Handler interface {
	GetStatus() Response
	GetStatusFull() Response
	ResolveRefs(refs []string) Response
	GetCheckpointBatch(ids []ckptid.ID) Response
	GetInfo() Response
	Flush() Response
	Shutdown() Response
}

var requestCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "tl_ipc_requests_total",
	Help: "Number of IPC requests served, by kind.",
}, []string{"kind"})

func init() {
	prometheus.MustRegister(requestCounter)
}

func kindLabel(k MessageKind) string {
	switch k {
	case KindGetStatus:
		return "get_status"
	case KindGetStatusFull:
		return "get_status_full"
	case KindResolveRefs:
		return "resolve_refs"
	case KindGetCheckpointBatch:
		return "get_checkpoint_batch"
	case KindGetInfo:
		return "get_info"
	case KindFlush:
		return "flush"
	case KindShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Server listens on a Unix domain socket and dispatches each connection's
// frames to a Handler, one request per frame (the protocol is not
// pipelined: a client waits for a response before sending its next
// request).
type Server struct {
	ln      net.Listener
	handler Handler
	log     *slog.Logger
}

// Listen binds the control socket at socketPath, removing any stale
// socket file left behind by a crashed daemon first.
func Listen(socketPath string, handler Handler, log *slog.Logger) (*Server, error) {
	if log == nil {
		log = slog.Default()
	}
	_ = os.Remove(socketPath)

	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, tlerrors.New(tlerrors.KindIO, err)
	}
	return &Server{ln: ln, handler: handler, log: log.With("component", "ipc")}, nil
}

// Serve accepts connections until the listener is closed.
func (s *Server) Serve() error {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(conn)
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	return s.ln.Close()
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	for {
		frame, err := readFrame(conn)
		if err != nil {
			return
		}
		req, err := decodeRequest(frame)
		if err != nil {
			s.log.Warn("malformed request frame", "error", err)
			return
		}

		requestCounter.WithLabelValues(kindLabel(req.Kind)).Inc()
		resp := s.dispatch(req)

		if err := writeFrame(conn, encodeResponse(resp)); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(req Request) Response {
	switch req.Kind {
	case KindGetStatus:
		return s.handler.GetStatus()
	case KindGetStatusFull:
		return s.handler.GetStatusFull()
	case KindResolveRefs:
		return s.handler.ResolveRefs(req.Refs)
	case KindGetCheckpointBatch:
		return s.handler.GetCheckpointBatch(req.CheckpointIDs)
	case KindGetInfo:
		return s.handler.GetInfo()
	case KindFlush:
		return s.handler.Flush()
	case KindShutdown:
		return s.handler.Shutdown()
	default:
		return ErrorResponse(tlerrors.Newf(tlerrors.KindValidation, "unknown request kind %d", req.Kind))
	}
}
