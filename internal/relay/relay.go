// Package relay moves session payload between the tunnel engine and real
// destination sockets. Each session gets one dialled socket and a pair of
// goroutines; the session's channels tell them when to run.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/DragosCostea/ToyShark/internal/metrics"
	"github.com/DragosCostea/ToyShark/internal/packet"
	"github.com/DragosCostea/ToyShark/internal/session"
)

// windowPoll bounds a wait for the client window to open.
const windowPoll = 250 * time.Millisecond

// PacketWriter writes one datagram to the tunnel.
type PacketWriter interface {
	WritePacket(data []byte) error
}

// DialFunc opens the destination socket.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

type Config struct {
	DialTimeout time.Duration
	// BufferSize is the read size from destination sockets.
	BufferSize int
}

func DefaultConfig() Config {
	return Config{
		DialTimeout: 10 * time.Second,
		BufferSize:  64 * 1024,
	}
}

type Option func(*Relay)

// WithDialer replaces net.Dialer, for tests and for redirecting flows.
func WithDialer(dial DialFunc) Option {
	return func(r *Relay) { r.dial = dial }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Relay) { r.metrics = m }
}

// Relay implements session.Connector.
type Relay struct {
	log      *slog.Logger
	cfg      Config
	sessions *session.Manager
	factory  *packet.Factory
	out      PacketWriter
	dial     DialFunc
	metrics  *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(log *slog.Logger, sessions *session.Manager, factory *packet.Factory, out PacketWriter, cfg Config, opts ...Option) *Relay {
	if log == nil {
		log = slog.Default()
	}
	def := DefaultConfig()
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Relay{
		log:      log,
		cfg:      cfg,
		sessions: sessions,
		factory:  factory,
		out:      out,
		dial:     (&net.Dialer{}).DialContext,
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Connect starts relaying s. The dial happens in the background so the
// engine never blocks on the network.
func (r *Relay) Connect(s *session.Session) (session.Handle, error) {
	if err := r.ctx.Err(); err != nil {
		return nil, fmt.Errorf("relay closed: %w", err)
	}
	ctx, cancel := context.WithCancel(r.ctx)
	f := &flow{relay: r, s: s, ctx: ctx, cancel: cancel}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		f.run()
	}()
	return f, nil
}

// Close stops every flow and waits for the goroutines to exit.
func (r *Relay) Close() error {
	r.cancel()
	r.wg.Wait()
	return nil
}

// flow is the relay half of one session; it is the session's Handle.
type flow struct {
	relay  *Relay
	s      *session.Session
	ctx    context.Context
	cancel context.CancelFunc
}

func (f *flow) Cancel() { f.cancel() }

func (f *flow) network() string {
	if f.s.Protocol() == packet.ProtocolUDP {
		return "udp4"
	}
	return "tcp4"
}

func (f *flow) run() {
	r := f.relay
	dst := f.s.Key().Destination().String()

	dialCtx, cancel := context.WithTimeout(f.ctx, r.cfg.DialTimeout)
	conn, err := r.dial(dialCtx, f.network(), dst)
	cancel()
	if err != nil {
		if f.ctx.Err() == nil {
			r.log.Warn("relay: dial failed", "flow", f.s.Key(), "err", err)
		}
		r.sessions.Close(f.s, session.ReasonRelay)
		return
	}
	r.log.Debug("relay: connected", "flow", f.s.Key(), "local", conn.LocalAddr())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if f.s.Protocol() == packet.ProtocolUDP {
			f.readUDP(conn)
		} else {
			f.readTCP(conn)
		}
	}()

	f.writeLoop(conn)
	conn.Close()
	wg.Wait()
}

////////////////////////////////////////////////////////////////////////////////
// Client -> destination
////////////////////////////////////////////////////////////////////////////////

// writeLoop forwards client payload until the session ends or is aborted.
func (f *flow) writeLoop(conn net.Conn) {
	r := f.relay
	for {
		if f.s.AbortRequested() {
			r.log.Debug("relay: aborting", "flow", f.s.Key())
			r.sessions.Close(f.s, session.ReasonReset)
			return
		}
		if err := f.flush(conn); err != nil {
			r.log.Debug("relay: write to destination failed", "flow", f.s.Key(), "err", err)
			f.closeFromRelay()
			return
		}

		select {
		case <-f.s.DataReady():
		case <-f.s.Done():
			// Deliver what the client sent before closing.
			_ = f.flush(conn)
			return
		case <-f.ctx.Done():
			if f.s.Closed() {
				_ = f.flush(conn)
			}
			return
		}
	}
}

func (f *flow) flush(conn net.Conn) error {
	if f.s.Protocol() == packet.ProtocolUDP {
		for _, dg := range f.s.TakeDatagrams() {
			if _, err := conn.Write(dg); err != nil {
				return err
			}
			f.relay.metrics.Relayed("upstream", len(dg))
		}
		return nil
	}

	data := f.s.TakeClientData()
	if len(data) == 0 {
		return nil
	}
	if _, err := conn.Write(data); err != nil {
		return err
	}
	f.relay.metrics.Relayed("upstream", len(data))
	return nil
}

// closeFromRelay ends a session whose destination failed. TCP sessions close
// through our FIN; UDP sessions are dropped.
func (f *flow) closeFromRelay() {
	if f.s.Protocol() == packet.ProtocolTCP {
		if err := f.s.RequestClose(); err == nil {
			return
		}
	}
	f.relay.sessions.Close(f.s, session.ReasonRelay)
}

////////////////////////////////////////////////////////////////////////////////
// Destination -> client
////////////////////////////////////////////////////////////////////////////////

func (f *flow) readTCP(conn net.Conn) {
	r := f.relay
	buf := make([]byte, r.cfg.BufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if derr := f.deliver(buf[:n]); derr != nil {
				return
			}
		}
		if err == nil {
			continue
		}
		if f.ctx.Err() != nil || f.s.Closed() {
			return
		}
		if !errors.Is(err, io.EOF) {
			r.log.Debug("relay: read from destination failed", "flow", f.s.Key(), "err", err)
		}
		f.finToClient()
		return
	}
}

// deliver segments data to fit the client window and MSS, waiting for acks
// when the window is full.
func (f *flow) deliver(data []byte) error {
	r := f.relay
	for len(data) > 0 {
		p, err := f.s.PrepareSend(len(data))
		if err != nil {
			return err
		}
		if p.N == 0 {
			select {
			case <-f.s.WindowOpen():
			case <-time.After(windowPoll):
			case <-f.ctx.Done():
				return f.ctx.Err()
			}
			continue
		}

		pkt, err := r.factory.Data(p.IP, p.TCP, p.Seq, p.Ack, data[:p.N])
		if err != nil {
			return fmt.Errorf("build data segment: %w", err)
		}
		if err := r.out.WritePacket(pkt); err != nil {
			r.log.Warn("relay: data segment dropped", "flow", f.s.Key(), "err", err)
		}
		r.metrics.Relayed("downstream", p.N)
		data = data[p.N:]
	}
	return nil
}

// finToClient sends our FIN after the destination closed its side.
func (f *flow) finToClient() {
	r := f.relay
	p, err := f.s.BeginFin()
	if err != nil {
		return
	}
	pkt, err := r.factory.FinAck(p.IP, p.TCP, p.Ack, p.Seq, true, true)
	if err != nil {
		r.log.Warn("relay: build fin failed", "flow", f.s.Key(), "err", err)
		return
	}
	if err := r.out.WritePacket(pkt); err != nil {
		r.log.Warn("relay: fin dropped", "flow", f.s.Key(), "err", err)
	}
	r.log.Debug("relay: destination closed", "flow", f.s.Key(), "seq", p.Seq)
}

func (f *flow) readUDP(conn net.Conn) {
	r := f.relay
	buf := make([]byte, r.cfg.BufferSize)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		ip, udp := f.s.LastUDPHeaders()
		pkt, err := r.factory.UDPResponse(ip, udp, buf[:n])
		if err != nil {
			r.log.Warn("relay: build udp reply failed", "flow", f.s.Key(), "err", err)
			continue
		}
		if err := r.out.WritePacket(pkt); err != nil {
			r.log.Warn("relay: udp reply dropped", "flow", f.s.Key(), "err", err)
			continue
		}
		f.s.RecordSentToClient(n)
		r.metrics.Relayed("downstream", n)
		r.sessions.KeepAlive(f.s)
	}
}
