// Package packet implements the wire codec used by the session engine: IPv4,
// TCP and UDP header parsing and serialization, Internet checksums and the
// factories that synthesize reply segments toward the tunnel client.
//
// Notes and limitations:
//   - IPv4 only. Fragments are parsed but never reassembled.
//   - TCP options are kept verbatim; only MSS, window scale, SACK-permitted
//     and timestamps are decoded.
package packet

import (
	"errors"
	"fmt"
)

// Header sizes (bytes).
const (
	IPv4HeaderLen    = 20
	TCPHeaderLen     = 20
	UDPHeaderLen     = 8
	maxIPv4HeaderLen = 60
	maxTCPHeaderLen  = 60
)

var (
	// ErrMalformedHeader reports a buffer too short for the header it should
	// hold, or a length field that contradicts the bytes present.
	ErrMalformedHeader = errors.New("malformed header")
	// ErrUnsupportedProtocol reports a non-IPv4 datagram or a transport other
	// than TCP and UDP.
	ErrUnsupportedProtocol = errors.New("unsupported protocol")
)

// Protocol is the IPv4 protocol number.
type Protocol uint8

// Protocol numbers handled by the engine.
const (
	ProtocolICMP Protocol = 1
	ProtocolTCP  Protocol = 6
	ProtocolUDP  Protocol = 17
)

func (p Protocol) String() string {
	switch p {
	case ProtocolTCP:
		return "tcp"
	case ProtocolUDP:
		return "udp"
	case ProtocolICMP:
		return "icmp"
	}
	return fmt.Sprintf("proto-%d", uint8(p))
}

// Packet is a parsed IPv4 datagram carrying TCP or UDP.
//
// Payload and Segment alias the buffer handed to Parse. Headers are copies.
type Packet struct {
	IP  IPv4Header
	TCP *TCPHeader
	UDP *UDPHeader

	// Segment is the transport header plus payload, bounded by the IPv4
	// total length.
	Segment []byte
	// Payload is the transport payload.
	Payload []byte

	raw []byte
}

// Parse decodes a whole IPv4 datagram. Anything but TCP or UDP is rejected
// with ErrUnsupportedProtocol.
func Parse(b []byte) (Packet, error) {
	ip, err := ParseIPv4Header(b, 0)
	if err != nil {
		return Packet{}, err
	}
	total := int(ip.TotalLength)
	if total < int(ip.HeaderLen) || total > len(b) {
		return Packet{}, fmt.Errorf("%w: ipv4 total length %d (header %d, buffer %d)",
			ErrMalformedHeader, total, ip.HeaderLen, len(b))
	}

	p := Packet{
		IP:      ip,
		Segment: b[ip.HeaderLen:total],
		raw:     b[:total],
	}

	switch ip.Protocol {
	case ProtocolTCP:
		tcp, err := ParseTCPHeader(p.Segment, 0)
		if err != nil {
			return Packet{}, err
		}
		p.TCP = &tcp
		p.Payload = p.Segment[tcp.DataOffset:]
	case ProtocolUDP:
		udp, err := ParseUDPHeader(p.Segment, 0)
		if err != nil {
			return Packet{}, err
		}
		p.UDP = &udp
		p.Payload = p.Segment[UDPHeaderLen:udp.Length]
	default:
		return Packet{}, fmt.Errorf("%w: ipv4 protocol %s", ErrUnsupportedProtocol, ip.Protocol)
	}
	return p, nil
}

// Protocol returns the transport protocol of the packet.
func (p Packet) Protocol() Protocol {
	return p.IP.Protocol
}

// ChecksumValid verifies the IPv4 header checksum and the transport checksum
// over the pseudo-header. A zero UDP checksum means "not computed" and is
// accepted.
func (p Packet) ChecksumValid() bool {
	if len(p.raw) < int(p.IP.HeaderLen) || !VerifyIPv4Checksum(p.raw[:p.IP.HeaderLen]) {
		return false
	}
	switch {
	case p.TCP != nil:
		return VerifyTransportChecksum(ProtocolTCP, p.IP.Src, p.IP.Dst, p.Segment)
	case p.UDP != nil:
		if p.UDP.Checksum == 0 {
			return true
		}
		return VerifyTransportChecksum(ProtocolUDP, p.IP.Src, p.IP.Dst, p.Segment[:p.UDP.Length])
	}
	return false
}
