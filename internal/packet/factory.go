package packet

import (
	cryptoRand "crypto/rand"
	"encoding/binary"
	"fmt"
	"time"
)

// Defaults for synthesized segments.
const (
	DefaultMSS    = 1460
	DefaultWindow = 65535
	DefaultTTL    = 64

	maxIPv4PacketLen = 65535
)

// Factory builds reply datagrams toward the tunnel client. Every reply swaps
// the addresses and ports of the header it answers and carries freshly
// computed IPv4 and transport checksums. Input headers are never modified.
//
// The zero value is usable; unset fields fall back to the defaults above, a
// crypto/rand initial sequence number and the wall clock.
type Factory struct {
	MSS    uint16
	Window uint16
	TTL    uint8
	// ISN returns the initial sequence number for a new SYN-ACK.
	ISN func() uint32
	// Now feeds the TCP timestamp option.
	Now func() time.Time
}

// NewFactory returns a Factory with the defaults filled in.
func NewFactory() *Factory {
	return &Factory{
		MSS:    DefaultMSS,
		Window: DefaultWindow,
		TTL:    DefaultTTL,
		ISN:    RandomISN,
		Now:    time.Now,
	}
}

// RandomISN draws an unpredictable initial sequence number.
func RandomISN() uint32 {
	var b [4]byte
	_, _ = cryptoRand.Read(b[:])
	return binary.BigEndian.Uint32(b[:])
}

func (f *Factory) mss() uint16 {
	if f.MSS == 0 {
		return DefaultMSS
	}
	return f.MSS
}

func (f *Factory) window() uint16 {
	if f.Window == 0 {
		return DefaultWindow
	}
	return f.Window
}

func (f *Factory) ttl() uint8 {
	if f.TTL == 0 {
		return DefaultTTL
	}
	return f.TTL
}

func (f *Factory) isn() uint32 {
	if f.ISN == nil {
		return RandomISN()
	}
	return f.ISN()
}

// TSVal returns the value for our timestamp option: a millisecond clock.
func (f *Factory) TSVal() uint32 {
	now := time.Now
	if f.Now != nil {
		now = f.Now
	}
	return uint32(now().UnixMilli())
}

////////////////////////////////////////////////////////////////////////////////
// TCP replies
////////////////////////////////////////////////////////////////////////////////

// SynAck answers a client SYN with a fresh initial sequence number.
// It returns the datagram and the TCP header that was sent.
func (f *Factory) SynAck(ip IPv4Header, tcp TCPHeader) ([]byte, TCPHeader, error) {
	return f.SynAckISN(ip, tcp, f.isn())
}

// SynAckISN answers a client SYN using isn as our sequence number. The
// acknowledgment is client seq + 1. MSS is always offered; window scale
// (shift 0) and timestamps are only offered when the client offered them.
func (f *Factory) SynAckISN(ip IPv4Header, tcp TCPHeader, isn uint32) ([]byte, TCPHeader, error) {
	reply := f.replyTCP(tcp, isn, tcp.Seq+1, FlagSYN|FlagACK)
	opts := TCPOptions{MSS: f.mss(), HasMSS: true}
	if tcp.Opts.HasWindowScale {
		opts.HasWindowScale = true
	}
	if tcp.Opts.HasTimestamp {
		opts.HasTimestamp = true
		opts.TSVal = f.TSVal()
		opts.TSEcr = tcp.Opts.TSVal
	}
	reply.SetOptions(opts)
	return f.buildTCP(ip, reply, nil)
}

// ResponseAck builds a bare ACK acknowledging ack. The sequence number is the
// acknowledgment carried by tcp.
func (f *Factory) ResponseAck(ip IPv4Header, tcp TCPHeader, ack uint32) ([]byte, error) {
	data, _, err := f.buildTCP(ip, f.replyTCP(tcp, tcp.Ack, ack, FlagACK), nil)
	return data, err
}

// FinAck builds a FIN and/or ACK segment with the exact ack and seq given.
func (f *Factory) FinAck(ip IPv4Header, tcp TCPHeader, ack, seq uint32, isFin, isAck bool) ([]byte, error) {
	var flags Flags
	if isFin {
		flags |= FlagFIN
	}
	if isAck {
		flags |= FlagACK
	}
	data, _, err := f.buildTCP(ip, f.replyTCP(tcp, seq, ack, flags), nil)
	return data, err
}

// Rst builds a reset for tcp, which carried dataLen payload bytes.
//
// RFC 793: if the incoming segment has an ACK the reset takes its sequence
// number from that ACK. Otherwise the reset has sequence number zero and
// acknowledges seq plus the segment length.
func (f *Factory) Rst(ip IPv4Header, tcp TCPHeader, dataLen int) ([]byte, error) {
	var reply TCPHeader
	if tcp.Flags&FlagACK != 0 {
		reply = f.replyTCP(tcp, tcp.Ack, 0, FlagRST)
	} else {
		reply = f.replyTCP(tcp, 0, tcp.Seq+tcp.SegmentLen(dataLen), FlagRST|FlagACK)
	}
	reply.SetOptions(TCPOptions{})
	reply.Window = 0
	data, _, err := f.buildTCP(ip, reply, nil)
	return data, err
}

// Data builds a PSH+ACK segment delivering payload to the client.
func (f *Factory) Data(ip IPv4Header, tcp TCPHeader, seq, ack uint32, payload []byte) ([]byte, error) {
	data, _, err := f.buildTCP(ip, f.replyTCP(tcp, seq, ack, FlagPSH|FlagACK), payload)
	return data, err
}

// replyTCP returns a header travelling the other way. A timestamp option is
// carried whenever the answered segment had one: once timestamps are
// negotiated, peers drop segments without them.
func (f *Factory) replyTCP(in TCPHeader, seq, ack uint32, flags Flags) TCPHeader {
	reply := TCPHeader{
		SrcPort:    in.DstPort,
		DstPort:    in.SrcPort,
		Seq:        seq,
		Ack:        ack,
		DataOffset: TCPHeaderLen,
		Flags:      flags,
		Window:     f.window(),
	}
	if in.Opts.HasTimestamp {
		reply.SetOptions(TCPOptions{
			HasTimestamp: true,
			TSVal:        f.TSVal(),
			TSEcr:        in.Opts.TSVal,
		})
	}
	return reply
}

func (f *Factory) replyIP(in IPv4Header, proto Protocol, l4Len int) (IPv4Header, error) {
	total := IPv4HeaderLen + l4Len
	if total > maxIPv4PacketLen {
		return IPv4Header{}, fmt.Errorf("reply too large: %d bytes", total)
	}
	return IPv4Header{
		Version:     4,
		HeaderLen:   IPv4HeaderLen,
		TotalLength: uint16(total),
		TTL:         f.ttl(),
		Protocol:    proto,
		Src:         in.Dst,
		Dst:         in.Src,
	}, nil
}

func (f *Factory) buildTCP(in IPv4Header, tcp TCPHeader, payload []byte) ([]byte, TCPHeader, error) {
	segLen := int(tcp.DataOffset) + len(payload)
	ip, err := f.replyIP(in, ProtocolTCP, segLen)
	if err != nil {
		return nil, TCPHeader{}, err
	}
	buf := make([]byte, IPv4HeaderLen+segLen)
	seg := buf[IPv4HeaderLen:]

	tcp.Checksum = 0
	n, err := tcp.MarshalTo(seg)
	if err != nil {
		return nil, TCPHeader{}, fmt.Errorf("build tcp reply: %w", err)
	}
	copy(seg[n:], payload)
	tcp.Checksum = TransportChecksum(ProtocolTCP, ip.Src, ip.Dst, seg)
	binary.BigEndian.PutUint16(seg[16:18], tcp.Checksum)

	if err := f.finishIP(buf, ip); err != nil {
		return nil, TCPHeader{}, err
	}
	return buf, tcp, nil
}

func (f *Factory) finishIP(buf []byte, ip IPv4Header) error {
	if _, err := ip.MarshalTo(buf); err != nil {
		return fmt.Errorf("build ipv4 reply: %w", err)
	}
	binary.BigEndian.PutUint16(buf[10:12], IPv4Checksum(buf[:IPv4HeaderLen]))
	return nil
}

////////////////////////////////////////////////////////////////////////////////
// UDP replies
////////////////////////////////////////////////////////////////////////////////

// UDPResponse builds a datagram carrying payload back to the client that sent
// udp.
func (f *Factory) UDPResponse(in IPv4Header, udp UDPHeader, payload []byte) ([]byte, error) {
	l4Len := UDPHeaderLen + len(payload)
	ip, err := f.replyIP(in, ProtocolUDP, l4Len)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, IPv4HeaderLen+l4Len)
	seg := buf[IPv4HeaderLen:]

	reply := UDPHeader{
		SrcPort: udp.DstPort,
		DstPort: udp.SrcPort,
		Length:  uint16(l4Len),
	}
	if _, err := reply.MarshalTo(seg); err != nil {
		return nil, fmt.Errorf("build udp reply: %w", err)
	}
	copy(seg[UDPHeaderLen:], payload)
	binary.BigEndian.PutUint16(seg[6:8], TransportChecksum(ProtocolUDP, ip.Src, ip.Dst, seg))

	if err := f.finishIP(buf, ip); err != nil {
		return nil, err
	}
	return buf, nil
}
