package packet

import (
	"net/netip"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/checksum"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// IPv4Checksum computes the header checksum of hdr. The checksum field in hdr
// must be zero.
func IPv4Checksum(hdr []byte) uint16 {
	return ^checksum.Checksum(hdr, 0)
}

// VerifyIPv4Checksum reports whether hdr, checksum field included, sums to
// all ones.
func VerifyIPv4Checksum(hdr []byte) bool {
	return checksum.Checksum(hdr, 0) == 0xffff
}

func pseudoHeader(proto Protocol, src, dst netip.Addr, length int) uint16 {
	var tp tcpip.TransportProtocolNumber
	switch proto {
	case ProtocolTCP:
		tp = header.TCPProtocolNumber
	case ProtocolUDP:
		tp = header.UDPProtocolNumber
	default:
		tp = tcpip.TransportProtocolNumber(proto)
	}
	return header.PseudoHeaderChecksum(tp, tcpip.AddrFrom4(src.As4()), tcpip.AddrFrom4(dst.As4()), uint16(length))
}

// TransportChecksum computes the TCP or UDP checksum of segment (header plus
// payload) over the IPv4 pseudo-header. The checksum field in segment must be
// zero.
func TransportChecksum(proto Protocol, src, dst netip.Addr, segment []byte) uint16 {
	sum := ^checksum.Checksum(segment, pseudoHeader(proto, src, dst, len(segment)))
	if proto == ProtocolUDP && sum == 0 {
		return 0xffff
	}
	return sum
}

// VerifyTransportChecksum reports whether segment carries a valid checksum.
func VerifyTransportChecksum(proto Protocol, src, dst netip.Addr, segment []byte) bool {
	return checksum.Checksum(segment, pseudoHeader(proto, src, dst, len(segment))) == 0xffff
}
