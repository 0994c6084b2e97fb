package test

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/DragosCostea/ToyShark/internal/engine"
	"github.com/DragosCostea/ToyShark/internal/packet"
	"github.com/DragosCostea/ToyShark/internal/relay"
	"github.com/DragosCostea/ToyShark/internal/session"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
	"gvisor.dev/gvisor/pkg/waiter"
)

const (
	gvisorNICID tcpip.NICID = 1
	tunMTU                  = 1500
)

var clientIPv4 = netip.MustParseAddr("10.0.0.2")

// gvisorHarness plays the applications behind the tunnel: a gVisor stack
// whose NIC is wired straight to the engine, raw IPv4 in both directions.
type gvisorHarness struct {
	t testing.TB

	ctx    context.Context
	cancel context.CancelFunc

	// engine side
	handler  *engine.Handler
	sessions *session.Manager
	relay    *relay.Relay

	// gVisor stack (client side)
	gs *stack.Stack
	ch *channel.Endpoint

	// observation channels
	c2e chan []byte // gVisor -> engine
	e2c chan []byte // engine -> gVisor
}

func mustAddrFrom4(addr netip.Addr) tcpip.Address {
	if !addr.Is4() {
		panic("expected IPv4")
	}
	return tcpip.AddrFrom4(addr.As4())
}

// tunWriter delivers engine output to the gVisor NIC.
type tunWriter struct {
	h *gvisorHarness
}

func (w tunWriter) Write(b []byte) (int, error) {
	out := bytes.Clone(b)
	select {
	case w.h.e2c <- out:
	default:
	}
	pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: buffer.MakeWithData(out),
	})
	w.h.ch.InjectInbound(ipv4.ProtocolNumber, pkt)
	pkt.DecRef()
	return len(b), nil
}

// newGvisorHarness starts the engine and relay. Every flow the relay opens
// is dialled to target instead of its real destination.
func newGvisorHarness(tb testing.TB, target func(network string) string) *gvisorHarness {
	tb.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	h := &gvisorHarness{
		t:      tb,
		ctx:    ctx,
		cancel: cancel,
		c2e:    make(chan []byte, 4096),
		e2c:    make(chan []byte, 4096),
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	h.sessions = session.NewManager(logger, session.DefaultConfig())
	h.handler = engine.New(logger, h.sessions, tunWriter{h: h})

	dial := func(ctx context.Context, network, _ string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, network, target(network))
	}
	h.relay = relay.New(logger, h.sessions, h.handler.Factory(), h.handler, relay.DefaultConfig(), relay.WithDialer(dial))
	h.sessions.SetConnector(h.relay)

	// No link layer: the channel endpoint carries bare IPv4 datagrams.
	h.ch = channel.New(4096, tunMTU, "")
	h.gs = stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol, udp.NewProtocol},
	})
	if err := h.gs.CreateNIC(gvisorNICID, h.ch); err != nil {
		tb.Fatalf("gvisor CreateNIC: %v", err)
	}
	if err := h.gs.AddProtocolAddress(
		gvisorNICID,
		tcpip.ProtocolAddress{
			Protocol: ipv4.ProtocolNumber,
			AddressWithPrefix: tcpip.AddressWithPrefix{
				Address:   mustAddrFrom4(clientIPv4),
				PrefixLen: 24,
			},
		},
		stack.AddressProperties{},
	); err != nil {
		tb.Fatalf("gvisor AddProtocolAddress: %v", err)
	}
	h.gs.SetRouteTable([]tcpip.Route{
		{
			Destination: header.IPv4EmptySubnet,
			NIC:         gvisorNICID,
		},
	})

	// gVisor -> engine, one dispatch goroutine.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			pkt := h.ch.ReadContext(h.ctx)
			if pkt == nil {
				return
			}
			out := bytes.Clone(pkt.ToView().AsSlice())
			pkt.DecRef()

			select {
			case h.c2e <- out:
			default:
			}
			_ = h.handler.HandlePacket(out)
		}
	}()

	tb.Cleanup(func() {
		h.cancel()
		<-done
		h.sessions.CloseAll(session.ReasonShutdown)
		_ = h.relay.Close()
		_ = h.handler.Close()
		h.gs.Close()
		h.ch.Close()
	})
	return h
}

// awaitPacket waits for the next datagram matching keep on ch.
func awaitPacket(tb testing.TB, ch <-chan []byte, timeout time.Duration, keep func(packet.Packet) bool) packet.Packet {
	tb.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case b := <-ch:
			pkt, err := packet.Parse(b)
			if err != nil {
				continue
			}
			if keep(pkt) {
				return pkt
			}
		case <-deadline:
			tb.Fatalf("timeout waiting for packet")
			return packet.Packet{}
		}
	}
}

func gvisorDialTCP(tb testing.TB, gs *stack.Stack, dst netip.AddrPort) net.Conn {
	tb.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := gonet.DialContextTCP(ctx, gs, tcpip.FullAddress{
		NIC:  gvisorNICID,
		Addr: mustAddrFrom4(dst.Addr()),
		Port: dst.Port(),
	}, ipv4.ProtocolNumber)
	if err != nil {
		tb.Fatalf("gvisor dial tcp: %v", err)
	}
	tb.Cleanup(func() { _ = c.Close() })
	return c
}

func gvisorDialUDP(tb testing.TB, gs *stack.Stack, localPort uint16) (tcpip.Endpoint, *waiter.Queue) {
	tb.Helper()
	var wq waiter.Queue
	ep, terr := gs.NewEndpoint(udp.ProtocolNumber, ipv4.ProtocolNumber, &wq)
	if terr != nil {
		tb.Fatalf("gvisor new udp endpoint: %v", terr)
	}
	if terr := ep.Bind(tcpip.FullAddress{
		NIC:  gvisorNICID,
		Addr: mustAddrFrom4(clientIPv4),
		Port: localPort,
	}); terr != nil {
		ep.Close()
		tb.Fatalf("gvisor udp bind: %v", terr)
	}
	tb.Cleanup(func() { ep.Close() })
	return ep, &wq
}

func gvisorUDPWriteTo(tb testing.TB, ep tcpip.Endpoint, dst netip.AddrPort, payload []byte) {
	tb.Helper()
	n, terr := ep.Write(bytes.NewReader(payload), tcpip.WriteOptions{
		To: &tcpip.FullAddress{
			NIC:  gvisorNICID,
			Addr: mustAddrFrom4(dst.Addr()),
			Port: dst.Port(),
		},
	})
	if terr != nil {
		tb.Fatalf("gvisor udp write: %v", terr)
	}
	if int(n) != len(payload) {
		tb.Fatalf("gvisor udp short write: %d != %d", n, len(payload))
	}
}

func gvisorUDPRead(tb testing.TB, ep tcpip.Endpoint, timeout time.Duration) (data []byte, from tcpip.FullAddress) {
	tb.Helper()
	deadline := time.Now().Add(timeout)
	for {
		buf := make([]byte, 64*1024)
		w := tcpip.SliceWriter(buf)
		rr, terr := ep.Read(&w, tcpip.ReadOptions{NeedRemoteAddr: true})
		if terr == nil {
			return buf[:rr.Count], rr.RemoteAddr
		}
		if _, ok := terr.(*tcpip.ErrWouldBlock); ok {
			if time.Now().After(deadline) {
				tb.Fatalf("timeout waiting for gvisor udp read")
			}
			time.Sleep(1 * time.Millisecond)
			continue
		}
		tb.Fatalf("gvisor udp read: %v", terr)
	}
}
