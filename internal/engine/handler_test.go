package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DragosCostea/ToyShark/internal/capture"
	"github.com/DragosCostea/ToyShark/internal/metrics"
	"github.com/DragosCostea/ToyShark/internal/packet"
	"github.com/DragosCostea/ToyShark/internal/session"
	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

const (
	testISN    = 5000
	clientPort = 40000
	remotePort = 443
)

var (
	clientAddr = netip.MustParseAddr("10.0.0.2")
	remoteAddr = netip.MustParseAddr("93.184.216.34")
)

// tunnelSink collects the datagrams the engine writes to the tunnel.
type tunnelSink struct {
	mu      sync.Mutex
	packets [][]byte
	fail    bool
}

func (s *tunnelSink) Write(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return 0, errors.New("tunnel down")
	}
	s.packets = append(s.packets, bytes.Clone(b))
	return len(b), nil
}

func (s *tunnelSink) setFail(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = fail
}

// take returns and clears the collected replies, parsed.
func (s *tunnelSink) take(tb testing.TB) []packet.Packet {
	tb.Helper()
	s.mu.Lock()
	raw := s.packets
	s.packets = nil
	s.mu.Unlock()

	out := make([]packet.Packet, 0, len(raw))
	for _, b := range raw {
		pkt, err := packet.Parse(b)
		if err != nil {
			tb.Fatalf("parse reply: %v", err)
		}
		if !pkt.ChecksumValid() {
			tb.Fatalf("reply with invalid checksum")
		}
		out = append(out, pkt)
	}
	return out
}

type testEngine struct {
	h       *Handler
	mgr     *session.Manager
	sink    *tunnelSink
	metrics *metrics.Metrics
}

func newTestEngine(tb testing.TB) *testEngine {
	tb.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	now := func() time.Time { return time.UnixMilli(1_700_000_000_000) }
	m := metrics.New()
	mgr := session.NewManager(log, session.DefaultConfig(), session.WithClock(now), session.WithMetrics(m))

	f := packet.NewFactory()
	f.ISN = func() uint32 { return testISN }
	f.Now = now

	sink := &tunnelSink{}
	h := New(log, mgr, sink,
		WithFactory(f),
		WithClock(now),
		WithMetrics(m),
		WithRecorder(capture.NewRecorder(log, 64)),
	)
	tb.Cleanup(func() { _ = h.Close() })
	return &testEngine{h: h, mgr: mgr, sink: sink, metrics: m}
}

func segment(tb testing.TB, seq, ack uint32, flags packet.Flags, payload []byte) []byte {
	tb.Helper()
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    clientAddr.AsSlice(),
		DstIP:    remoteAddr.AsSlice(),
	}
	tcp := &layers.TCP{
		SrcPort: clientPort,
		DstPort: remotePort,
		Seq:     seq,
		Ack:     ack,
		Window:  65535,
		SYN:     flags.Has(packet.FlagSYN),
		ACK:     flags.Has(packet.FlagACK),
		PSH:     flags.Has(packet.FlagPSH),
		FIN:     flags.Has(packet.FlagFIN),
		RST:     flags.Has(packet.FlagRST),
	}
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		tb.Fatalf("set network layer: %v", err)
	}
	return serializeLayers(tb, ip, tcp, gopacket.Payload(payload))
}

func datagram(tb testing.TB, srcPort, dstPort uint16, payload []byte) []byte {
	tb.Helper()
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    clientAddr.AsSlice(),
		DstIP:    remoteAddr.AsSlice(),
	}
	udp := &layers.UDP{SrcPort: layers.UDPPort(srcPort), DstPort: layers.UDPPort(dstPort)}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		tb.Fatalf("set network layer: %v", err)
	}
	return serializeLayers(tb, ip, udp, gopacket.Payload(payload))
}

func serializeLayers(tb testing.TB, ls ...gopacket.SerializableLayer) []byte {
	tb.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ls...); err != nil {
		tb.Fatalf("serialize: %v", err)
	}
	return bytes.Clone(buf.Bytes())
}

func (e *testEngine) handle(tb testing.TB, data []byte) {
	tb.Helper()
	if err := e.h.HandlePacket(data); err != nil {
		tb.Fatalf("handle packet: %v", err)
	}
}

func (e *testEngine) session() *session.Session {
	return e.mgr.Get(remoteAddr, remotePort, clientAddr, clientPort)
}

// handshake completes SYN, SYN-ACK, ACK with client ISN 1000.
func (e *testEngine) handshake(tb testing.TB) *session.Session {
	tb.Helper()
	e.handle(tb, segment(tb, 1000, 0, packet.FlagSYN, nil))
	e.handle(tb, segment(tb, 1001, testISN+1, packet.FlagACK, nil))
	e.sink.take(tb)
	s := e.session()
	if s == nil || s.State() != session.StateEstablished {
		tb.Fatalf("handshake did not establish a session")
	}
	return s
}

func expectOne(tb testing.TB, replies []packet.Packet) packet.Packet {
	tb.Helper()
	if len(replies) != 1 {
		tb.Fatalf("expected exactly one reply, got %d", len(replies))
	}
	if replies[0].TCP == nil {
		tb.Fatalf("expected a tcp reply")
	}
	return replies[0]
}

func TestHandshake(t *testing.T) {
	e := newTestEngine(t)

	e.handle(t, segment(t, 1000, 0, packet.FlagSYN, nil))
	synAck := expectOne(t, e.sink.take(t))
	if synAck.TCP.Flags != packet.FlagSYN|packet.FlagACK {
		t.Fatalf("expected SYN|ACK, got %v", synAck.TCP.Flags)
	}
	if synAck.TCP.Seq != testISN || synAck.TCP.Ack != 1001 {
		t.Fatalf("unexpected syn-ack seq=%d ack=%d", synAck.TCP.Seq, synAck.TCP.Ack)
	}
	if synAck.IP.Src != remoteAddr || synAck.IP.Dst != clientAddr || synAck.TCP.DstPort != clientPort {
		t.Fatalf("syn-ack not addressed to the client")
	}

	s := e.session()
	if s == nil {
		t.Fatalf("no session after SYN")
	}
	if s.State() != session.StateSynReceived {
		t.Fatalf("expected syn-received, got %v", s.State())
	}
	if s.SendUnack() != testISN || s.SendNext() != testISN+1 || s.RecvSeq() != 1001 {
		t.Fatalf("unexpected sequence state una=%d nxt=%d rcv=%d", s.SendUnack(), s.SendNext(), s.RecvSeq())
	}

	e.handle(t, segment(t, 1001, testISN+1, packet.FlagACK, nil))
	if replies := e.sink.take(t); len(replies) != 0 {
		t.Fatalf("handshake ack answered with %d replies", len(replies))
	}
	if s.State() != session.StateEstablished {
		t.Fatalf("expected established, got %v", s.State())
	}
}

func TestRetransmittedSynReusesISN(t *testing.T) {
	e := newTestEngine(t)
	e.handle(t, segment(t, 1000, 0, packet.FlagSYN, nil))
	first := expectOne(t, e.sink.take(t))

	e.h.Factory().ISN = func() uint32 { return 77 }
	e.handle(t, segment(t, 1000, 0, packet.FlagSYN, nil))
	second := expectOne(t, e.sink.take(t))
	if second.TCP.Seq != first.TCP.Seq {
		t.Fatalf("retransmitted SYN got a new ISN %d, want %d", second.TCP.Seq, first.TCP.Seq)
	}
	if e.mgr.Len() != 1 {
		t.Fatalf("retransmitted SYN created another session")
	}
}

func TestStaleAckRejected(t *testing.T) {
	e := newTestEngine(t)
	s := e.handshake(t)

	if p, err := s.PrepareSend(10); err != nil || p.N != 10 {
		t.Fatalf("prepare send: n=%d err=%v", p.N, err)
	}
	una, rcv := s.SendUnack(), s.RecvSeq()

	e.handle(t, segment(t, 9999, una, packet.FlagACK, nil))
	if s.Acked() {
		t.Fatalf("stale ack accepted")
	}
	if s.SendUnack() != una || s.RecvSeq() != rcv {
		t.Fatalf("stale ack changed state: una=%d rcv=%d", s.SendUnack(), s.RecvSeq())
	}
	if replies := e.sink.take(t); len(replies) != 0 {
		t.Fatalf("stale ack answered")
	}
}

func TestInOrderPayloadAcked(t *testing.T) {
	e := newTestEngine(t)
	s := e.handshake(t)
	before := s.RecvSeq()

	e.handle(t, segment(t, 1001, testISN+1, packet.FlagPSH|packet.FlagACK, []byte("hello")))
	ack := expectOne(t, e.sink.take(t))
	if ack.TCP.Flags != packet.FlagACK {
		t.Fatalf("expected bare ACK, got %v", ack.TCP.Flags)
	}
	if ack.TCP.Ack != before+5 || s.RecvSeq() != before+5 {
		t.Fatalf("expected ack %d, got reply %d session %d", before+5, ack.TCP.Ack, s.RecvSeq())
	}
	if ack.TCP.Seq != testISN+1 {
		t.Fatalf("ack carries seq %d", ack.TCP.Seq)
	}
	if !s.Ready() {
		t.Fatalf("PSH did not mark the session ready")
	}
	select {
	case <-s.DataReady():
	default:
		t.Fatalf("relay not notified")
	}
	if got := string(s.TakeClientData()); got != "hello" {
		t.Fatalf("unexpected buffered data %q", got)
	}

	// Out of order: nothing buffered, nothing sent.
	e.handle(t, segment(t, 3000, testISN+1, packet.FlagPSH|packet.FlagACK, []byte("later")))
	if replies := e.sink.take(t); len(replies) != 0 {
		t.Fatalf("out-of-order segment answered")
	}
	if s.Buffered() != 0 || s.RecvSeq() != before+5 {
		t.Fatalf("out-of-order segment changed state")
	}
}

func TestAckWithoutSession(t *testing.T) {
	e := newTestEngine(t)

	err := e.h.HandlePacket(segment(t, 100, 777, packet.FlagACK, nil))
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	rst := expectOne(t, e.sink.take(t))
	if !rst.TCP.Flags.Has(packet.FlagRST) || rst.TCP.Seq != 777 {
		t.Fatalf("unexpected rst %v seq=%d", rst.TCP.Flags, rst.TCP.Seq)
	}

	for _, flags := range []packet.Flags{packet.FlagACK | packet.FlagRST, packet.FlagACK | packet.FlagFIN} {
		if err := e.h.HandlePacket(segment(t, 100, 777, flags, nil)); !errors.Is(err, ErrSessionNotFound) {
			t.Fatalf("%v: expected ErrSessionNotFound, got %v", flags, err)
		}
		if replies := e.sink.take(t); len(replies) != 0 {
			t.Fatalf("%v: expected no reply, got %d", flags, len(replies))
		}
	}
}

func TestClientFinClosesSession(t *testing.T) {
	e := newTestEngine(t)
	e.handshake(t)

	e.handle(t, segment(t, 1001, testISN+1, packet.FlagFIN|packet.FlagACK, nil))
	finAck := expectOne(t, e.sink.take(t))
	if finAck.TCP.Flags != packet.FlagFIN|packet.FlagACK {
		t.Fatalf("expected FIN|ACK, got %v", finAck.TCP.Flags)
	}
	if finAck.TCP.Ack != 1002 || finAck.TCP.Seq != testISN+1 {
		t.Fatalf("unexpected fin-ack seq=%d ack=%d", finAck.TCP.Seq, finAck.TCP.Ack)
	}
	if e.session() != nil {
		t.Fatalf("session still present after FIN")
	}

	e.handle(t, segment(t, 1002, 0, packet.FlagFIN, nil))
	again := expectOne(t, e.sink.take(t))
	if again.TCP.Flags != packet.FlagFIN|packet.FlagACK || again.TCP.Ack != 1003 {
		t.Fatalf("expected defensive FIN-ACK, got %v ack=%d", again.TCP.Flags, again.TCP.Ack)
	}
}

func TestFinAfterInOrderDataAcksEverything(t *testing.T) {
	e := newTestEngine(t)
	s := e.handshake(t)

	e.handle(t, segment(t, 1001, testISN+1, packet.FlagFIN|packet.FlagACK, []byte("tail")))
	replies := e.sink.take(t)
	if len(replies) != 2 {
		t.Fatalf("expected ACK and FIN-ACK, got %d replies", len(replies))
	}
	if replies[0].TCP.Flags != packet.FlagACK || replies[0].TCP.Ack != 1005 {
		t.Fatalf("unexpected data ack %v ack=%d", replies[0].TCP.Flags, replies[0].TCP.Ack)
	}
	finAck := replies[1]
	if finAck.TCP.Flags != packet.FlagFIN|packet.FlagACK || finAck.TCP.Ack != 1006 {
		t.Fatalf("unexpected fin-ack %v ack=%d", finAck.TCP.Flags, finAck.TCP.Ack)
	}
	if got := string(s.TakeClientData()); got != "tail" {
		t.Fatalf("data carried by the FIN not buffered: %q", got)
	}
	if e.session() != nil {
		t.Fatalf("session still present after FIN")
	}
}

func TestFinBehindGapKeepsSession(t *testing.T) {
	e := newTestEngine(t)
	s := e.handshake(t)

	// Bytes 1001..1100 never arrived.
	e.handle(t, segment(t, 1101, testISN+1, packet.FlagFIN|packet.FlagACK, []byte("tail")))
	if replies := e.sink.take(t); len(replies) != 0 {
		t.Fatalf("FIN behind a gap answered with %d replies", len(replies))
	}
	if e.session() != s || s.Closed() {
		t.Fatalf("FIN behind a gap closed the session")
	}
	if s.RecvSeq() != 1001 || s.Buffered() != 0 {
		t.Fatalf("FIN behind a gap changed receive state: rcv=%d buffered=%d", s.RecvSeq(), s.Buffered())
	}
	if got := testutil.ToFloat64(e.metrics.PacketsDropped.WithLabelValues("out-of-order")); got != 1 {
		t.Fatalf("expected one out-of-order drop, got %v", got)
	}

	// The retransmission fills the gap; the FIN is then answered after it.
	gap := bytes.Repeat([]byte{'x'}, 100)
	e.handle(t, segment(t, 1001, testISN+1, packet.FlagACK, gap))
	e.handle(t, segment(t, 1101, testISN+1, packet.FlagFIN|packet.FlagACK, []byte("tail")))
	replies := e.sink.take(t)
	finAck := replies[len(replies)-1]
	if finAck.TCP.Flags != packet.FlagFIN|packet.FlagACK || finAck.TCP.Ack != 1106 {
		t.Fatalf("unexpected fin-ack %v ack=%d", finAck.TCP.Flags, finAck.TCP.Ack)
	}
	if got := len(s.TakeClientData()); got != 104 {
		t.Fatalf("expected 104 buffered bytes, got %d", got)
	}
}

func TestSequenceWrapsThroughSession(t *testing.T) {
	e := newTestEngine(t)
	const clientISN = 0xFFFFFFFD
	e.h.Factory().ISN = func() uint32 { return 0xFFFFFFFE }

	e.handle(t, segment(t, clientISN, 0, packet.FlagSYN, nil))
	synAck := expectOne(t, e.sink.take(t))
	if synAck.TCP.Ack != 0xFFFFFFFE {
		t.Fatalf("syn-ack acks %#x", synAck.TCP.Ack)
	}
	e.handle(t, segment(t, 0xFFFFFFFE, 0xFFFFFFFF, packet.FlagACK, nil))
	s := e.session()
	if s == nil || s.State() != session.StateEstablished {
		t.Fatalf("handshake across the wrap did not establish")
	}

	// Client data crosses 2^32: 0xFFFFFFFE + 4 wraps to 2.
	e.handle(t, segment(t, 0xFFFFFFFE, 0xFFFFFFFF, packet.FlagPSH|packet.FlagACK, []byte("wrap")))
	ack := expectOne(t, e.sink.take(t))
	if ack.TCP.Ack != 2 || s.RecvSeq() != 2 {
		t.Fatalf("expected ack 2, got reply %d session %d", ack.TCP.Ack, s.RecvSeq())
	}

	// Our side crosses it too: 0xFFFFFFFF + 10 wraps to 9.
	p, err := s.PrepareSend(10)
	if err != nil || p.N != 10 || p.Seq != 0xFFFFFFFF {
		t.Fatalf("prepare send: seq=%#x n=%d err=%v", p.Seq, p.N, err)
	}
	if s.SendNext() != 9 {
		t.Fatalf("send-next %d, want 9", s.SendNext())
	}
	e.handle(t, segment(t, 2, 9, packet.FlagACK, nil))
	if !s.Acked() || s.SendUnack() != 9 || s.AmountSent() != 0 {
		t.Fatalf("ack across the wrap not applied: una=%d in-flight=%d", s.SendUnack(), s.AmountSent())
	}
}

// closingConnector closes every session while connecting, the way a relay
// does when its dial fails at once.
type closingConnector struct {
	mgr *session.Manager
}

func (c closingConnector) Connect(s *session.Session) (session.Handle, error) {
	c.mgr.Close(s, session.ReasonRelay)
	return nil, nil
}

func TestSynResetWhenRelayClosesFirst(t *testing.T) {
	e := newTestEngine(t)
	e.mgr.SetConnector(closingConnector{mgr: e.mgr})

	err := e.h.HandlePacket(segment(t, 1000, 0, packet.FlagSYN, nil))
	if !errors.Is(err, session.ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
	rst := expectOne(t, e.sink.take(t))
	if rst.TCP.Flags != packet.FlagRST|packet.FlagACK || rst.TCP.Seq != 0 || rst.TCP.Ack != 1001 {
		t.Fatalf("unexpected reset %v seq=%d ack=%d", rst.TCP.Flags, rst.TCP.Seq, rst.TCP.Ack)
	}
	if e.mgr.Len() != 0 {
		t.Fatalf("closed session left in the table")
	}
}

func TestFinWithoutAckKeepsSession(t *testing.T) {
	e := newTestEngine(t)
	s := e.handshake(t)
	e.handle(t, segment(t, 1001, 0, packet.FlagFIN, nil))
	if replies := e.sink.take(t); len(replies) != 0 {
		t.Fatalf("FIN without ACK on a live session answered")
	}
	if s.Closed() {
		t.Fatalf("session closed by FIN without ACK")
	}
}

func TestResetAbortsSession(t *testing.T) {
	e := newTestEngine(t)
	s := e.handshake(t)
	e.handle(t, segment(t, 1001, 0, packet.FlagRST, nil))
	if !s.AbortRequested() {
		t.Fatalf("RST did not request an abort")
	}
	if e.session() != s {
		t.Fatalf("session removed before the relay tore it down")
	}
	if replies := e.sink.take(t); len(replies) != 0 {
		t.Fatalf("RST answered")
	}
}

func TestCorruptedSegmentStillProcessed(t *testing.T) {
	e := newTestEngine(t)
	s := e.handshake(t)
	if _, err := s.PrepareSend(10); err != nil {
		t.Fatalf("prepare send: %v", err)
	}

	data := segment(t, 1001, testISN+11, packet.FlagACK, nil)
	data[packet.IPv4HeaderLen+16] ^= 0xff
	e.handle(t, data)
	if !s.Corrupted() {
		t.Fatalf("corruption not recorded")
	}
	if !s.Acked() || s.SendUnack() != testISN+11 {
		t.Fatalf("corrupted ack not applied: una=%d", s.SendUnack())
	}
}

func TestRelayCloseSendsFin(t *testing.T) {
	e := newTestEngine(t)
	s := e.handshake(t)
	if err := s.RequestClose(); err != nil {
		t.Fatalf("request close: %v", err)
	}

	e.handle(t, segment(t, 1001, testISN+1, packet.FlagACK, nil))
	fin := expectOne(t, e.sink.take(t))
	if fin.TCP.Flags != packet.FlagFIN|packet.FlagACK || fin.TCP.Seq != testISN+1 || fin.TCP.Ack != 1001 {
		t.Fatalf("unexpected fin %v seq=%d ack=%d", fin.TCP.Flags, fin.TCP.Seq, fin.TCP.Ack)
	}
	if s.State() != session.StateFinSent {
		t.Fatalf("expected fin-sent, got %v", s.State())
	}

	e.handle(t, segment(t, 1001, testISN+2, packet.FlagACK, nil))
	if e.session() != nil || !s.Closed() {
		t.Fatalf("final ACK did not close the session")
	}
	if got := testutil.ToFloat64(e.metrics.SessionsClosed.WithLabelValues("tcp", session.ReasonFin)); got != 1 {
		t.Fatalf("expected one fin close, got %v", got)
	}
}

func TestUDPDatagramsShareSession(t *testing.T) {
	e := newTestEngine(t)

	var query dns.Msg
	query.SetQuestion("example.com.", dns.TypeA)
	payload, err := query.Pack()
	if err != nil {
		t.Fatalf("pack dns: %v", err)
	}

	e.handle(t, datagram(t, 5353, 53, payload))
	first := e.mgr.Get(remoteAddr, 53, clientAddr, 5353)
	if first == nil {
		t.Fatalf("no udp session")
	}
	e.handle(t, datagram(t, 5353, 53, payload))
	if got := e.mgr.Get(remoteAddr, 53, clientAddr, 5353); got != first || e.mgr.Len() != 1 {
		t.Fatalf("second datagram created another session")
	}
	if replies := e.sink.take(t); len(replies) != 0 {
		t.Fatalf("udp datagram answered by the engine")
	}
	if !first.Ready() || len(first.TakeDatagrams()) != 2 {
		t.Fatalf("datagrams not queued")
	}
	if first.Label() != "example.com A" {
		t.Fatalf("unexpected label %q", first.Label())
	}

	e.handle(t, datagram(t, 5354, 53, []byte("not dns")))
	if e.mgr.Len() != 2 {
		t.Fatalf("new flow did not get a session")
	}
}

func TestDropsMalformedAndUnsupported(t *testing.T) {
	e := newTestEngine(t)

	if err := e.h.HandlePacket([]byte{0x45, 0x00}); !errors.Is(err, packet.ErrMalformedHeader) {
		t.Fatalf("expected ErrMalformedHeader, got %v", err)
	}

	icmp := serializeLayers(t,
		&layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolICMPv4, SrcIP: clientAddr.AsSlice(), DstIP: remoteAddr.AsSlice()},
		&layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0), Id: 1, Seq: 1},
	)
	if err := e.h.HandlePacket(icmp); !errors.Is(err, packet.ErrUnsupportedProtocol) {
		t.Fatalf("expected ErrUnsupportedProtocol, got %v", err)
	}

	if got := testutil.ToFloat64(e.metrics.PacketsDropped.WithLabelValues("malformed")); got != 1 {
		t.Fatalf("expected one malformed drop, got %v", got)
	}
	if got := testutil.ToFloat64(e.metrics.PacketsDropped.WithLabelValues("unsupported")); got != 1 {
		t.Fatalf("expected one unsupported drop, got %v", got)
	}

	// The engine keeps working afterwards.
	e.handshake(t)
}

func TestTunnelWriteFailureIsNotFatal(t *testing.T) {
	e := newTestEngine(t)
	e.sink.setFail(true)

	err := e.h.HandlePacket(segment(t, 1000, 0, packet.FlagSYN, nil))
	if !errors.Is(err, ErrTunnelWrite) {
		t.Fatalf("expected ErrTunnelWrite, got %v", err)
	}
	if got := testutil.ToFloat64(e.metrics.WriteErrors); got != 1 {
		t.Fatalf("expected one write error, got %v", got)
	}

	e.sink.setFail(false)
	e.handle(t, segment(t, 1000, 0, packet.FlagSYN, nil))
	synAck := expectOne(t, e.sink.take(t))
	if synAck.TCP.Seq != testISN {
		t.Fatalf("unexpected syn-ack seq %d", synAck.TCP.Seq)
	}
}

// datagramReader returns one datagram per Read, then io.EOF.
type datagramReader struct {
	packets [][]byte
}

func (r *datagramReader) Read(b []byte) (int, error) {
	if len(r.packets) == 0 {
		return 0, io.EOF
	}
	n := copy(b, r.packets[0])
	r.packets = r.packets[1:]
	return n, nil
}

func TestServe(t *testing.T) {
	e := newTestEngine(t)
	r := &datagramReader{packets: [][]byte{
		{0x45},
		segment(t, 1000, 0, packet.FlagSYN, nil),
		segment(t, 1001, testISN+1, packet.FlagACK, nil),
		segment(t, 1001, testISN+1, packet.FlagPSH|packet.FlagACK, []byte("ping")),
	}}
	if err := e.h.Serve(context.Background(), r); err != nil {
		t.Fatalf("serve: %v", err)
	}
	replies := e.sink.take(t)
	if len(replies) != 2 {
		t.Fatalf("expected syn-ack and ack, got %d replies", len(replies))
	}
	if got := string(e.session().TakeClientData()); got != "ping" {
		t.Fatalf("unexpected buffered data %q", got)
	}
}

func TestDebugHTTP(t *testing.T) {
	e := newTestEngine(t)
	e.handshake(t)

	if err := e.h.EnableDebugHTTP("127.0.0.1:0"); err != nil {
		t.Fatalf("enable debug http: %v", err)
	}
	if err := e.h.EnableDebugHTTP("127.0.0.1:0"); err == nil {
		t.Fatalf("debug http enabled twice")
	}
	base := "http://" + e.h.DebugHTTPAddr()

	get := func(path string) []byte {
		t.Helper()
		resp, err := http.Get(base + path)
		if err != nil {
			t.Fatalf("get %s: %v", path, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("get %s: status %d", path, resp.StatusCode)
		}
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			t.Fatalf("read %s: %v", path, err)
		}
		return body
	}

	var status debugStatus
	if err := json.Unmarshal(get("/status"), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.Sessions != 1 || status.TCPSessions != 1 {
		t.Fatalf("unexpected status %+v", status)
	}

	var snaps []session.Snapshot
	if err := json.Unmarshal(get("/sessions"), &snaps); err != nil {
		t.Fatalf("decode sessions: %v", err)
	}
	if len(snaps) != 1 || snaps[0].State != "established" || snaps[0].Destination != "93.184.216.34:443" {
		t.Fatalf("unexpected sessions %+v", snaps)
	}

	var recent []capture.Record
	if err := json.Unmarshal(get("/packets"), &recent); err != nil {
		t.Fatalf("decode packets: %v", err)
	}
	if len(recent) != 3 || recent[1].Direction != "out" {
		t.Fatalf("unexpected packets %+v", recent)
	}

	if metricsText := string(get("/metrics")); !strings.Contains(metricsText, "toyshark_sessions_active") {
		t.Fatalf("metrics missing sessions gauge")
	}

	if err := e.h.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if e.h.DebugHTTPAddr() != "" {
		t.Fatalf("debug address kept after close")
	}
}
