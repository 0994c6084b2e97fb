// Package session holds per-flow state for the tunnel engine and the table
// that owns it.
//
// Locking: Manager.mu guards the table and the keep-alive tree; Session.mu
// guards every mutable session field. Manager.mu is always taken before a
// Session.mu, never the other way around.
package session

import (
	"bytes"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/DragosCostea/ToyShark/internal/packet"
)

// ErrSessionClosed is returned by mutators called on a session that has been
// removed from its table.
var ErrSessionClosed = errors.New("session closed")

// maxQueuedDatagrams bounds the UDP queue; the oldest datagram is dropped.
const maxQueuedDatagrams = 256

// State is the TCP lifecycle of a session. UDP sessions are Established
// from creation until Closed.
type State int

const (
	// StateSynReceived: SYN answered, waiting for the handshake ACK.
	StateSynReceived State = iota
	StateEstablished
	// StateClosing: close requested by the relay; our FIN goes out on the
	// next client ACK.
	StateClosing
	// StateFinSent: our FIN is out; the next ACK that is not itself a FIN
	// closes the session.
	StateFinSent
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateSynReceived:
		return "syn-received"
	case StateEstablished:
		return "established"
	case StateClosing:
		return "closing"
	case StateFinSent:
		return "fin-sent"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state-%d", int(s))
}

// Key identifies a flow, destination first.
type Key struct {
	DstIP   netip.Addr
	DstPort uint16
	SrcIP   netip.Addr
	SrcPort uint16
}

// NewKey builds a key in canonical destination-first order.
func NewKey(dstIP netip.Addr, dstPort uint16, srcIP netip.Addr, srcPort uint16) Key {
	return Key{DstIP: dstIP, DstPort: dstPort, SrcIP: srcIP, SrcPort: srcPort}
}

// Destination is the remote endpoint the client is talking to.
func (k Key) Destination() netip.AddrPort {
	return netip.AddrPortFrom(k.DstIP, k.DstPort)
}

// Source is the client endpoint inside the tunnel.
func (k Key) Source() netip.AddrPort {
	return netip.AddrPortFrom(k.SrcIP, k.SrcPort)
}

func (k Key) String() string {
	return k.Source().String() + " -> " + k.Destination().String()
}

// Handle is the relay's grip on the real destination socket. Cancel is
// called exactly once, when the session is closed.
type Handle interface {
	Cancel()
}

// SendParams describes a segment the relay may send toward the client.
type SendParams struct {
	IP  packet.IPv4Header
	TCP packet.TCPHeader
	Seq uint32
	Ack uint32
	// N is the number of payload bytes granted.
	N int
}

// Session is the mutable record of one flow.
type Session struct {
	id      uint64
	key     Key
	proto   packet.Protocol
	created time.Time

	// idleAt is the session's position in the keep-alive tree. Guarded by
	// Manager.mu.
	idleAt time.Time

	mu             sync.Mutex
	state          State
	abortRequested bool
	corrupted      bool
	acked          bool

	isn         uint32
	sendUnack   uint32
	sendNext    uint32
	recvSeq     uint32
	sendWindow  uint16
	windowScale uint8
	mss         uint16
	// amountSent counts bytes sent to the client and not yet acknowledged.
	amountSent int
	tsReplyTo  uint32
	tsSender   uint32

	lastIP  packet.IPv4Header
	lastTCP packet.TCPHeader
	lastUDP packet.UDPHeader

	buf       bytes.Buffer
	datagrams [][]byte
	ready     bool
	label     string

	bytesFromClient uint64
	bytesToClient   uint64
	lastActive      time.Time

	handle     Handle
	dataReady  chan struct{}
	windowOpen chan struct{}
	done       chan struct{}
}

func newSession(id uint64, key Key, proto packet.Protocol, state State, now time.Time) *Session {
	return &Session{
		id:         id,
		key:        key,
		proto:      proto,
		created:    now,
		state:      state,
		lastActive: now,
		ready:      proto == packet.ProtocolUDP,
		dataReady:  make(chan struct{}, 1),
		windowOpen: make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// ID is unique per manager; a new session for a reused 4-tuple gets a new ID.
func (s *Session) ID() uint64                { return s.id }
func (s *Session) Key() Key                  { return s.key }
func (s *Session) Protocol() packet.Protocol { return s.proto }
func (s *Session) Created() time.Time        { return s.created }

// Done is closed when the session is removed from its table.
func (s *Session) Done() <-chan struct{} { return s.done }

// DataReady fires when client data is buffered or an abort was requested.
func (s *Session) DataReady() <-chan struct{} { return s.dataReady }

// WindowOpen fires when the client acknowledges data or the handshake
// completes.
func (s *Session) WindowOpen() <-chan struct{} { return s.windowOpen }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Closed() bool {
	return s.State() == StateClosed
}

func (s *Session) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

func (s *Session) AbortRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.abortRequested
}

// Corrupted reports whether the last inbound segment failed its checksum.
func (s *Session) Corrupted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.corrupted
}

// Acked reports whether the last ACK passed the acceptance rule.
func (s *Session) Acked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acked
}

func (s *Session) ISN() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isn
}

func (s *Session) SendUnack() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendUnack
}

func (s *Session) SendNext() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendNext
}

func (s *Session) RecvSeq() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recvSeq
}

func (s *Session) MSS() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mss
}

// SendWindow is the client's advertised window in bytes, scale applied.
func (s *Session) SendWindow() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendWindowLocked()
}

func (s *Session) sendWindowLocked() int {
	return int(s.sendWindow) << s.windowScale
}

// WindowFull reports whether unacknowledged data fills the client window.
func (s *Session) WindowFull() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.amountSent >= s.sendWindowLocked()
}

// AmountSent is the number of bytes sent to the client since the last
// accepted acknowledgment.
func (s *Session) AmountSent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.amountSent
}

// Timestamps returns the peer timestamp we echo and our last own timestamp.
func (s *Session) Timestamps() (replyTo, sender uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tsReplyTo, s.tsSender
}

func (s *Session) Label() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.label
}

// SetLabel attaches a human readable tag, such as a DNS query name.
func (s *Session) SetLabel(label string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.label = label
}

func (s *Session) SetCorrupted(corrupted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.corrupted = corrupted
}

// LastTCPHeaders returns the header snapshot used to address replies.
func (s *Session) LastTCPHeaders() (packet.IPv4Header, packet.TCPHeader) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastIP, s.lastTCP
}

// LastUDPHeaders returns the header snapshot used to address replies.
func (s *Session) LastUDPHeaders() (packet.IPv4Header, packet.UDPHeader) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastIP, s.lastUDP
}

func (s *Session) setTCPHeaders(ip packet.IPv4Header, tcp packet.TCPHeader) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastIP = ip
	s.lastTCP = tcp
}

// SetUDPHeaders records the latest datagram headers.
func (s *Session) SetUDPHeaders(ip packet.IPv4Header, udp packet.UDPHeader) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return ErrSessionClosed
	}
	s.lastIP = ip
	s.lastUDP = udp
	return nil
}

////////////////////////////////////////////////////////////////////////////////
// TCP sequence state
////////////////////////////////////////////////////////////////////////////////

// InitHandshake records the client SYN and the SYN-ACK we answered with.
// sendUnack is our ISN, sendNext one past it, and recvSeq the client's
// sequence plus one. Window, scale and MSS come from the client SYN.
func (s *Session) InitHandshake(ip packet.IPv4Header, syn, synAck packet.TCPHeader, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return ErrSessionClosed
	}
	s.isn = synAck.Seq
	s.sendUnack = synAck.Seq
	s.sendNext = synAck.Seq + 1
	s.recvSeq = synAck.Ack
	s.windowScale = 0
	if syn.Opts.HasWindowScale {
		s.windowScale = min(syn.Opts.WindowScale, 14)
	}
	// The SYN window is never scaled; round it down to the shifted unit.
	s.sendWindow = syn.Window >> s.windowScale
	s.mss = packet.DefaultMSS
	if syn.Opts.HasMSS && syn.Opts.MSS > 0 {
		s.mss = syn.Opts.MSS
	}
	if syn.Opts.HasTimestamp {
		s.tsReplyTo = syn.Opts.TSVal
	}
	s.tsSender = synAck.Opts.TSVal
	s.lastIP = ip
	s.lastTCP = syn
	s.lastActive = now
	return nil
}

// AcceptAck applies the acknowledgment in tcp if it is acceptable: ack is
// after sendUnack, or equal to sendNext. On acceptance the window is
// refreshed (when non-zero), in-flight bytes shrink, sendUnack moves to ack,
// the peer timestamp is recorded for echo and, when updateRecv is set,
// recvSeq moves to the segment's sequence number. A rejected ack changes
// nothing but the acked flag.
func (s *Session) AcceptAck(tcp packet.TCPHeader, now time.Time, updateRecv bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return false
	}
	if !packet.SeqGT(tcp.Ack, s.sendUnack) && tcp.Ack != s.sendNext {
		s.acked = false
		return false
	}

	s.acked = true
	if tcp.Window > 0 {
		s.sendWindow = tcp.Window
	}
	s.amountSent -= int(tcp.Ack - s.sendUnack)
	if s.amountSent < 0 {
		s.amountSent = 0
	}
	s.sendUnack = tcp.Ack
	if updateRecv {
		s.recvSeq = tcp.Seq
	}
	if tcp.Opts.HasTimestamp {
		s.tsReplyTo = tcp.Opts.TSVal
	}
	s.tsSender = uint32(now.UnixMilli())
	if s.state == StateSynReceived {
		s.state = StateEstablished
	}
	signal(s.windowOpen)
	return true
}

// appendInOrder buffers payload if it starts exactly at recvSeq and returns
// the number of bytes taken. recvSeq itself only advances through
// AdvanceReceive, when the data is acknowledged.
func (s *Session) appendInOrder(seq uint32, payload []byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed || len(payload) == 0 || seq != s.recvSeq {
		return 0
	}
	s.buf.Write(payload)
	s.bytesFromClient += uint64(len(payload))
	return len(payload)
}

// AdvanceReceive moves recvSeq past n acknowledged bytes and returns it.
func (s *Session) AdvanceReceive(n int) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recvSeq += uint32(n)
	return s.recvSeq
}

// Push marks buffered client data ready for the relay and records the
// segment's headers and timestamp.
func (s *Session) Push(ip packet.IPv4Header, tcp packet.TCPHeader, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return ErrSessionClosed
	}
	s.ready = true
	s.lastIP = ip
	s.lastTCP = tcp
	if tcp.Opts.HasTimestamp {
		s.tsReplyTo = tcp.Opts.TSVal
	}
	s.tsSender = uint32(now.UnixMilli())
	signal(s.dataReady)
	return nil
}

// Abort flags the session for teardown by the relay.
func (s *Session) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	s.abortRequested = true
	signal(s.dataReady)
}

// RequestClose asks for the connection to be closed from our side. The FIN
// is sent when the client next acknowledges.
func (s *Session) RequestClose() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateClosed:
		return ErrSessionClosed
	case StateSynReceived, StateEstablished:
		s.state = StateClosing
	}
	return nil
}

// MarkFinSent records that a FIN with sequence number seq went out.
func (s *Session) MarkFinSent(seq uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return ErrSessionClosed
	}
	s.sendNext = seq + 1
	s.state = StateFinSent
	return nil
}

// PrepareSend reserves sequence space for up to limit payload bytes toward the
// client, limited by the client window and MSS. The MSS bounds payload plus
// options, so a timestamp option shrinks the grant. N is zero when nothing
// may be sent yet (handshake pending or window full); wait on WindowOpen and
// retry.
func (s *Session) PrepareSend(limit int) (SendParams, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return SendParams{}, ErrSessionClosed
	}
	p := s.sendParamsLocked()
	if s.state != StateEstablished && s.state != StateClosing {
		return p, nil
	}
	n := min(limit, s.sendWindowLocked()-s.amountSent, s.segmentSizeLocked())
	if n <= 0 {
		return p, nil
	}
	p.N = n
	s.sendNext += uint32(n)
	s.amountSent += n
	s.bytesToClient += uint64(n)
	return p, nil
}

// segmentSizeLocked is the payload that fits one segment. Data segments
// carry a timestamp whenever the client's last segment did.
func (s *Session) segmentSizeLocked() int {
	n := int(s.mss)
	if s.lastTCP.Opts.HasTimestamp {
		n -= packet.TimestampOptionLen
	}
	return max(n, 1)
}

// BeginFin reserves the sequence number for our FIN after the destination
// closed its side, and moves the session to FinSent.
func (s *Session) BeginFin() (SendParams, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateClosed:
		return SendParams{}, ErrSessionClosed
	case StateFinSent:
		return SendParams{}, fmt.Errorf("fin already sent for %s", s.key)
	}
	p := s.sendParamsLocked()
	s.sendNext++
	s.state = StateFinSent
	return p, nil
}

func (s *Session) sendParamsLocked() SendParams {
	tcp := s.lastTCP
	tcp.Opts.TSVal = s.tsReplyTo
	return SendParams{
		IP:  s.lastIP,
		TCP: tcp,
		Seq: s.sendNext,
		Ack: s.recvSeq,
	}
}

////////////////////////////////////////////////////////////////////////////////
// Client payload
////////////////////////////////////////////////////////////////////////////////

// TakeClientData drains the buffered TCP payload and clears readiness. It
// keeps working after close so the relay can flush what was accepted.
func (s *Session) TakeClientData() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buf.Len() == 0 {
		s.ready = false
		return nil
	}
	data := bytes.Clone(s.buf.Bytes())
	s.buf.Reset()
	s.ready = false
	return data
}

// Buffered returns the number of client bytes waiting for the relay.
func (s *Session) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proto == packet.ProtocolUDP {
		return len(s.datagrams)
	}
	return s.buf.Len()
}

func (s *Session) appendDatagram(payload []byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return 0
	}
	if len(s.datagrams) >= maxQueuedDatagrams {
		s.datagrams = s.datagrams[1:]
	}
	s.datagrams = append(s.datagrams, bytes.Clone(payload))
	s.bytesFromClient += uint64(len(payload))
	s.ready = true
	signal(s.dataReady)
	return len(payload)
}

// TakeDatagrams drains the queued UDP payloads.
func (s *Session) TakeDatagrams() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.datagrams
	s.datagrams = nil
	return out
}

// RecordSentToClient counts payload delivered outside PrepareSend (UDP).
func (s *Session) RecordSentToClient(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bytesToClient += uint64(n)
}

////////////////////////////////////////////////////////////////////////////////
// Lifecycle
////////////////////////////////////////////////////////////////////////////////

// setHandle attaches the relay handle. It reports false when the session was
// closed first; the caller then owns cancelling the handle.
func (s *Session) setHandle(h Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return false
	}
	s.handle = h
	return true
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActive = now
}

// markClosed moves the session to Closed. Only the first call returns
// true, together with the handle to cancel.
func (s *Session) markClosed() (Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return nil, false
	}
	s.state = StateClosed
	s.ready = false
	h := s.handle
	s.handle = nil
	close(s.done)
	return h, true
}

// Snapshot is a point-in-time view of a session for listings.
type Snapshot struct {
	ID              uint64    `json:"id"`
	Protocol        string    `json:"protocol"`
	Source          string    `json:"source"`
	Destination     string    `json:"destination"`
	State           string    `json:"state"`
	Label           string    `json:"label,omitempty"`
	SendUnack       uint32    `json:"sendUnack,omitempty"`
	SendNext        uint32    `json:"sendNext,omitempty"`
	RecvSeq         uint32    `json:"recvSeq,omitempty"`
	SendWindow      int       `json:"sendWindow,omitempty"`
	InFlight        int       `json:"inFlight,omitempty"`
	Buffered        int       `json:"buffered"`
	Ready           bool      `json:"ready"`
	AbortRequested  bool      `json:"abortRequested,omitempty"`
	BytesFromClient uint64    `json:"bytesFromClient"`
	BytesToClient   uint64    `json:"bytesToClient"`
	Created         time.Time `json:"created"`
	LastActive      time.Time `json:"lastActive"`
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		ID:              s.id,
		Protocol:        s.proto.String(),
		Source:          s.key.Source().String(),
		Destination:     s.key.Destination().String(),
		State:           s.state.String(),
		Label:           s.label,
		Ready:           s.ready,
		AbortRequested:  s.abortRequested,
		BytesFromClient: s.bytesFromClient,
		BytesToClient:   s.bytesToClient,
		Created:         s.created,
		LastActive:      s.lastActive,
	}
	if s.proto == packet.ProtocolTCP {
		snap.SendUnack = s.sendUnack
		snap.SendNext = s.sendNext
		snap.RecvSeq = s.recvSeq
		snap.SendWindow = s.sendWindowLocked()
		snap.InFlight = s.amountSent
		snap.Buffered = s.buf.Len()
	} else {
		snap.Buffered = len(s.datagrams)
	}
	return snap
}
