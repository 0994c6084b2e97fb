package packet

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// IPv4Header is the fixed IPv4 header plus raw options. It does not own the
// payload.
//
// BUG: Fragmentation is not supported. Flags and FragmentOffset are decoded
// and written back as-is but never acted upon.
type IPv4Header struct {
	Version uint8
	// HeaderLen is the header length in bytes (IHL*4).
	HeaderLen      uint8
	TOS            uint8
	TotalLength    uint16
	ID             uint16
	Flags          uint8 // top 3 bits of the flags/fragment word
	FragmentOffset uint16
	TTL            uint8
	Protocol       Protocol
	Checksum       uint16
	Src            netip.Addr
	Dst            netip.Addr
	Options        []byte
}

// ParseIPv4Header decodes the IPv4 header starting at offset.
func ParseIPv4Header(b []byte, offset int) (IPv4Header, error) {
	if offset < 0 || offset > len(b) {
		return IPv4Header{}, fmt.Errorf("%w: ipv4 offset %d out of range", ErrMalformedHeader, offset)
	}
	data := b[offset:]
	if len(data) < IPv4HeaderLen {
		return IPv4Header{}, fmt.Errorf("%w: ipv4 header too short: %d", ErrMalformedHeader, len(data))
	}
	version := data[0] >> 4
	if version != 4 {
		return IPv4Header{}, fmt.Errorf("%w: ip version %d", ErrUnsupportedProtocol, version)
	}
	headerLen := int(data[0]&0x0f) * 4
	if headerLen < IPv4HeaderLen || headerLen > len(data) {
		return IPv4Header{}, fmt.Errorf("%w: ipv4 header length %d (buffer %d)", ErrMalformedHeader, headerLen, len(data))
	}

	flagsFrag := binary.BigEndian.Uint16(data[6:8])
	h := IPv4Header{
		Version:        version,
		HeaderLen:      uint8(headerLen),
		TOS:            data[1],
		TotalLength:    binary.BigEndian.Uint16(data[2:4]),
		ID:             binary.BigEndian.Uint16(data[4:6]),
		Flags:          uint8(flagsFrag >> 13),
		FragmentOffset: flagsFrag & 0x1fff,
		TTL:            data[8],
		Protocol:       Protocol(data[9]),
		Checksum:       binary.BigEndian.Uint16(data[10:12]),
		Src:            netip.AddrFrom4([4]byte(data[12:16])),
		Dst:            netip.AddrFrom4([4]byte(data[16:20])),
	}
	if headerLen > IPv4HeaderLen {
		h.Options = append([]byte(nil), data[IPv4HeaderLen:headerLen]...)
	}
	return h, nil
}

func (h IPv4Header) validate() error {
	if h.Version != 4 {
		return fmt.Errorf("%w: ip version %d", ErrUnsupportedProtocol, h.Version)
	}
	if !h.Src.Is4() || !h.Dst.Is4() {
		return fmt.Errorf("%w: ipv4 header needs ipv4 addresses (%v -> %v)", ErrMalformedHeader, h.Src, h.Dst)
	}
	if len(h.Options)%4 != 0 || int(h.HeaderLen) != IPv4HeaderLen+len(h.Options) || h.HeaderLen > maxIPv4HeaderLen {
		return fmt.Errorf("%w: ipv4 header length %d with %d option bytes", ErrMalformedHeader, h.HeaderLen, len(h.Options))
	}
	if h.Flags > 0x7 || h.FragmentOffset > 0x1fff {
		return fmt.Errorf("%w: ipv4 flags %#x fragment offset %d", ErrMalformedHeader, h.Flags, h.FragmentOffset)
	}
	return nil
}

// MarshalTo writes the header into buf exactly as described by h, including
// the Checksum field, and returns the number of bytes written.
func (h IPv4Header) MarshalTo(buf []byte) (int, error) {
	if err := h.validate(); err != nil {
		return 0, err
	}
	n := int(h.HeaderLen)
	if len(buf) < n {
		return 0, fmt.Errorf("ipv4 marshal: buffer too small: %d < %d", len(buf), n)
	}
	buf[0] = h.Version<<4 | h.HeaderLen/4
	buf[1] = h.TOS
	binary.BigEndian.PutUint16(buf[2:4], h.TotalLength)
	binary.BigEndian.PutUint16(buf[4:6], h.ID)
	binary.BigEndian.PutUint16(buf[6:8], uint16(h.Flags)<<13|h.FragmentOffset)
	buf[8] = h.TTL
	buf[9] = byte(h.Protocol)
	binary.BigEndian.PutUint16(buf[10:12], h.Checksum)
	src := h.Src.As4()
	dst := h.Dst.As4()
	copy(buf[12:16], src[:])
	copy(buf[16:20], dst[:])
	copy(buf[IPv4HeaderLen:n], h.Options)
	return n, nil
}

// Marshal returns the serialized header.
func (h IPv4Header) Marshal() ([]byte, error) {
	buf := make([]byte, h.HeaderLen)
	if _, err := h.MarshalTo(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// PayloadLen returns the number of bytes following the header according to
// TotalLength.
func (h IPv4Header) PayloadLen() int {
	n := int(h.TotalLength) - int(h.HeaderLen)
	if n < 0 {
		return 0
	}
	return n
}
