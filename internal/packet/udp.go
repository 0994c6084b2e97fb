package packet

import (
	"encoding/binary"
	"fmt"
)

// UDPHeader is the 8-byte UDP header.
type UDPHeader struct {
	SrcPort  uint16
	DstPort  uint16
	Length   uint16 // header plus payload
	Checksum uint16
}

// ParseUDPHeader decodes the UDP header starting at offset. The length field
// must cover the header and fit in the buffer.
func ParseUDPHeader(b []byte, offset int) (UDPHeader, error) {
	if offset < 0 || offset > len(b) {
		return UDPHeader{}, fmt.Errorf("%w: udp offset %d out of range", ErrMalformedHeader, offset)
	}
	data := b[offset:]
	if len(data) < UDPHeaderLen {
		return UDPHeader{}, fmt.Errorf("%w: udp header too short: %d", ErrMalformedHeader, len(data))
	}
	h := UDPHeader{
		SrcPort:  binary.BigEndian.Uint16(data[0:2]),
		DstPort:  binary.BigEndian.Uint16(data[2:4]),
		Length:   binary.BigEndian.Uint16(data[4:6]),
		Checksum: binary.BigEndian.Uint16(data[6:8]),
	}
	if int(h.Length) < UDPHeaderLen || int(h.Length) > len(data) {
		return UDPHeader{}, fmt.Errorf("%w: udp length %d (buffer %d)", ErrMalformedHeader, h.Length, len(data))
	}
	return h, nil
}

// MarshalTo writes the header into buf verbatim.
func (h UDPHeader) MarshalTo(buf []byte) (int, error) {
	if h.Length < UDPHeaderLen {
		return 0, fmt.Errorf("%w: udp length %d", ErrMalformedHeader, h.Length)
	}
	if len(buf) < UDPHeaderLen {
		return 0, fmt.Errorf("udp marshal: buffer too small: %d", len(buf))
	}
	binary.BigEndian.PutUint16(buf[0:2], h.SrcPort)
	binary.BigEndian.PutUint16(buf[2:4], h.DstPort)
	binary.BigEndian.PutUint16(buf[4:6], h.Length)
	binary.BigEndian.PutUint16(buf[6:8], h.Checksum)
	return UDPHeaderLen, nil
}

// Marshal returns the serialized header.
func (h UDPHeader) Marshal() ([]byte, error) {
	buf := make([]byte, UDPHeaderLen)
	if _, err := h.MarshalTo(buf); err != nil {
		return nil, err
	}
	return buf, nil
}
