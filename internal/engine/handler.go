// Package engine terminates the TCP and UDP flows read from the tunnel. For
// every inbound datagram it updates the session table and writes the reply a
// real endpoint would send; payload is handed to the relay through the
// session.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/DragosCostea/ToyShark/internal/capture"
	"github.com/DragosCostea/ToyShark/internal/metrics"
	"github.com/DragosCostea/ToyShark/internal/packet"
	"github.com/DragosCostea/ToyShark/internal/session"
)

var (
	// ErrSessionNotFound is returned for segments of a flow with no session.
	ErrSessionNotFound = errors.New("session not found")
	// ErrTunnelWrite wraps failures of the tunnel writer.
	ErrTunnelWrite = errors.New("tunnel write failed")
)

// DefaultMTU sizes the read buffer in Serve.
const DefaultMTU = 1500

type Option func(*Handler)

func WithFactory(f *packet.Factory) Option {
	return func(h *Handler) { h.factory = f }
}

func WithRecorder(r *capture.Recorder) Option {
	return func(h *Handler) { h.recorder = r }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

// WithMTU sets the largest datagram Serve reads.
func WithMTU(mtu int) Option {
	return func(h *Handler) { h.mtu = mtu }
}

// Handler is the session engine. HandlePacket is called from a single
// dispatch goroutine; WritePacket may be called concurrently by relay
// workers.
type Handler struct {
	log      *slog.Logger
	sessions *session.Manager
	factory  *packet.Factory
	recorder *capture.Recorder
	metrics  *metrics.Metrics
	now      func() time.Time
	mtu      int

	outMu sync.Mutex
	out   io.Writer

	debugMu       sync.Mutex
	debugSrv      *http.Server
	debugListener net.Listener
	debugAddr     string
	debugWG       sync.WaitGroup
}

// New returns a handler writing replies to out.
func New(log *slog.Logger, sessions *session.Manager, out io.Writer, opts ...Option) *Handler {
	if log == nil {
		log = slog.Default()
	}
	h := &Handler{
		log:      log,
		sessions: sessions,
		out:      out,
		now:      time.Now,
		mtu:      DefaultMTU,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.factory == nil {
		h.factory = packet.NewFactory()
	}
	return h
}

func (h *Handler) Sessions() *session.Manager { return h.sessions }
func (h *Handler) Factory() *packet.Factory   { return h.factory }
func (h *Handler) Metrics() *metrics.Metrics  { return h.metrics }

// WritePacket hands one datagram to the tunnel writer. Failures are counted
// and returned wrapped in ErrTunnelWrite; they never stop the engine.
func (h *Handler) WritePacket(data []byte) error {
	h.recorder.Record(capture.Outbound, data)

	h.outMu.Lock()
	_, err := h.out.Write(data)
	h.outMu.Unlock()

	if err != nil {
		h.metrics.WriteError()
		return fmt.Errorf("%w: %w", ErrTunnelWrite, err)
	}
	return nil
}

// reply writes a synthesized segment and logs a failed write.
func (h *Handler) reply(kind string, data []byte) error {
	if err := h.WritePacket(data); err != nil {
		h.log.Warn("engine: reply dropped", "kind", kind, "err", err)
		return err
	}
	h.metrics.Reply(kind)
	return nil
}

// HandlePacket processes one datagram read from the tunnel. Errors describe
// why the datagram was dropped or its reply lost; the caller logs them and
// keeps going.
func (h *Handler) HandlePacket(data []byte) error {
	h.recorder.Record(capture.Inbound, data)

	pkt, err := packet.Parse(data)
	if err != nil {
		reason := "malformed"
		if errors.Is(err, packet.ErrUnsupportedProtocol) {
			reason = "unsupported"
		}
		h.metrics.Dropped(reason)
		return fmt.Errorf("parse packet: %w", err)
	}
	h.metrics.Received(pkt.Protocol().String())

	switch pkt.Protocol() {
	case packet.ProtocolTCP:
		return h.handleTCP(pkt)
	case packet.ProtocolUDP:
		return h.handleUDP(pkt)
	}
	h.metrics.Dropped("unsupported")
	return fmt.Errorf("%w: %s", packet.ErrUnsupportedProtocol, pkt.Protocol())
}

// Serve reads datagrams from r until ctx is done or r fails. Each Read must
// return exactly one datagram.
func (h *Handler) Serve(ctx context.Context, r io.Reader) error {
	buf := make([]byte, h.mtu)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := r.Read(buf)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read tunnel: %w", err)
		}
		if n == 0 {
			continue
		}
		if err := h.HandlePacket(buf[:n]); err != nil {
			h.log.Debug("engine: packet not handled", "err", err, "len", n)
		}
	}
}
