package packet

import (
	"encoding/binary"
	"fmt"
	"strings"
)

////////////////////////////////////////////////////////////////////////////////
// TCP flags
////////////////////////////////////////////////////////////////////////////////

// Flags is the TCP control bit set. Bits are independent; combinations are
// meaningful.
type Flags uint8

const (
	FlagFIN Flags = 1 << iota
	FlagSYN
	FlagRST
	FlagPSH
	FlagACK
	FlagURG
	FlagECE
	FlagCWR
)

var flagNames = []struct {
	flag Flags
	name string
}{
	{FlagSYN, "SYN"},
	{FlagFIN, "FIN"},
	{FlagRST, "RST"},
	{FlagPSH, "PSH"},
	{FlagACK, "ACK"},
	{FlagURG, "URG"},
	{FlagECE, "ECE"},
	{FlagCWR, "CWR"},
}

// Has reports whether every bit of x is set.
func (f Flags) Has(x Flags) bool {
	return f&x == x
}

func (f Flags) String() string {
	if f == 0 {
		return "none"
	}
	var parts []string
	for _, fn := range flagNames {
		if f&fn.flag != 0 {
			parts = append(parts, fn.name)
		}
	}
	return strings.Join(parts, "|")
}

////////////////////////////////////////////////////////////////////////////////
// TCP Options
////////////////////////////////////////////////////////////////////////////////

// TCP option kinds (RFC 793, RFC 7323, RFC 2018).
const (
	tcpOptEnd       = 0
	tcpOptNOP       = 1
	tcpOptMSS       = 2
	tcpOptWndScale  = 3
	tcpOptSACKOK    = 4
	tcpOptTimestamp = 8
)

// TimestampOptionLen is the header space a NOP-padded timestamp option takes.
const TimestampOptionLen = 12

// TCPOptions is the decoded view of the options the engine cares about.
type TCPOptions struct {
	MSS            uint16
	HasMSS         bool
	WindowScale    uint8
	HasWindowScale bool
	SACKPermitted  bool
	TSVal          uint32
	TSEcr          uint32
	HasTimestamp   bool
}

// DecodeTCPOptions extracts MSS, window scale, SACK-permitted and timestamps.
// Unknown options are skipped; a truncated option list stops decoding.
func DecodeTCPOptions(options []byte) TCPOptions {
	var opts TCPOptions
	i := 0
	for i < len(options) {
		kind := options[i]
		switch kind {
		case tcpOptEnd:
			return opts
		case tcpOptNOP:
			i++
			continue
		}
		if i+1 >= len(options) {
			return opts
		}
		length := int(options[i+1])
		if length < 2 || i+length > len(options) {
			return opts
		}
		body := options[i+2 : i+length]
		switch kind {
		case tcpOptMSS:
			if len(body) == 2 {
				opts.MSS = binary.BigEndian.Uint16(body)
				opts.HasMSS = true
			}
		case tcpOptWndScale:
			if len(body) == 1 {
				opts.WindowScale = body[0]
				opts.HasWindowScale = true
			}
		case tcpOptSACKOK:
			if len(body) == 0 {
				opts.SACKPermitted = true
			}
		case tcpOptTimestamp:
			if len(body) == 8 {
				opts.TSVal = binary.BigEndian.Uint32(body[0:4])
				opts.TSEcr = binary.BigEndian.Uint32(body[4:8])
				opts.HasTimestamp = true
			}
		}
		i += length
	}
	return opts
}

// EncodeTCPOptions serializes opts, NOP-padded to a multiple of 4 bytes.
func EncodeTCPOptions(opts TCPOptions) []byte {
	var out []byte
	if opts.HasMSS {
		out = append(out, tcpOptMSS, 4, byte(opts.MSS>>8), byte(opts.MSS))
	}
	if opts.SACKPermitted {
		out = append(out, tcpOptNOP, tcpOptNOP, tcpOptSACKOK, 2)
	}
	if opts.HasTimestamp {
		out = append(out, tcpOptNOP, tcpOptNOP, tcpOptTimestamp, 10)
		out = binary.BigEndian.AppendUint32(out, opts.TSVal)
		out = binary.BigEndian.AppendUint32(out, opts.TSEcr)
	}
	if opts.HasWindowScale {
		out = append(out, tcpOptNOP, tcpOptWndScale, 3, opts.WindowScale)
	}
	return out
}

////////////////////////////////////////////////////////////////////////////////
// TCP header
////////////////////////////////////////////////////////////////////////////////

// TCPHeader is a TCP header with its raw options and their decoded view.
type TCPHeader struct {
	SrcPort uint16
	DstPort uint16
	Seq     uint32
	Ack     uint32
	// DataOffset is the header length in bytes.
	DataOffset uint8
	// Reserved holds the four bits between the data offset and the flags.
	Reserved uint8
	Flags    Flags
	Window   uint16
	Checksum uint16
	Urgent   uint16
	Options  []byte
	Opts     TCPOptions
}

// ParseTCPHeader decodes the TCP header starting at offset.
func ParseTCPHeader(b []byte, offset int) (TCPHeader, error) {
	if offset < 0 || offset > len(b) {
		return TCPHeader{}, fmt.Errorf("%w: tcp offset %d out of range", ErrMalformedHeader, offset)
	}
	data := b[offset:]
	if len(data) < TCPHeaderLen {
		return TCPHeader{}, fmt.Errorf("%w: tcp header too short: %d", ErrMalformedHeader, len(data))
	}
	hdrLen := int(data[12]>>4) * 4
	if hdrLen < TCPHeaderLen || hdrLen > len(data) {
		return TCPHeader{}, fmt.Errorf("%w: tcp header length %d (buffer %d)", ErrMalformedHeader, hdrLen, len(data))
	}

	h := TCPHeader{
		SrcPort:    binary.BigEndian.Uint16(data[0:2]),
		DstPort:    binary.BigEndian.Uint16(data[2:4]),
		Seq:        binary.BigEndian.Uint32(data[4:8]),
		Ack:        binary.BigEndian.Uint32(data[8:12]),
		DataOffset: uint8(hdrLen),
		Reserved:   data[12] & 0x0f,
		Flags:      Flags(data[13]),
		Window:     binary.BigEndian.Uint16(data[14:16]),
		Checksum:   binary.BigEndian.Uint16(data[16:18]),
		Urgent:     binary.BigEndian.Uint16(data[18:20]),
	}
	if hdrLen > TCPHeaderLen {
		h.Options = append([]byte(nil), data[TCPHeaderLen:hdrLen]...)
		h.Opts = DecodeTCPOptions(h.Options)
	}
	return h, nil
}

// SetOptions replaces the options with the encoding of opts and keeps
// DataOffset and the decoded view consistent with it.
func (h *TCPHeader) SetOptions(opts TCPOptions) {
	h.Options = EncodeTCPOptions(opts)
	h.Opts = DecodeTCPOptions(h.Options)
	h.DataOffset = uint8(TCPHeaderLen + len(h.Options))
	if len(h.Options) == 0 {
		h.Options = nil
	}
}

func (h TCPHeader) validate() error {
	if len(h.Options)%4 != 0 || int(h.DataOffset) != TCPHeaderLen+len(h.Options) || h.DataOffset > maxTCPHeaderLen {
		return fmt.Errorf("%w: tcp data offset %d with %d option bytes", ErrMalformedHeader, h.DataOffset, len(h.Options))
	}
	if h.Reserved > 0x0f {
		return fmt.Errorf("%w: tcp reserved bits %#x", ErrMalformedHeader, h.Reserved)
	}
	return nil
}

// MarshalTo writes the header into buf verbatim, including Checksum.
func (h TCPHeader) MarshalTo(buf []byte) (int, error) {
	if err := h.validate(); err != nil {
		return 0, err
	}
	n := int(h.DataOffset)
	if len(buf) < n {
		return 0, fmt.Errorf("tcp marshal: buffer too small: %d < %d", len(buf), n)
	}
	binary.BigEndian.PutUint16(buf[0:2], h.SrcPort)
	binary.BigEndian.PutUint16(buf[2:4], h.DstPort)
	binary.BigEndian.PutUint32(buf[4:8], h.Seq)
	binary.BigEndian.PutUint32(buf[8:12], h.Ack)
	buf[12] = (h.DataOffset/4)<<4 | h.Reserved
	buf[13] = byte(h.Flags)
	binary.BigEndian.PutUint16(buf[14:16], h.Window)
	binary.BigEndian.PutUint16(buf[16:18], h.Checksum)
	binary.BigEndian.PutUint16(buf[18:20], h.Urgent)
	copy(buf[TCPHeaderLen:n], h.Options)
	return n, nil
}

// Marshal returns the serialized header.
func (h TCPHeader) Marshal() ([]byte, error) {
	if err := h.validate(); err != nil {
		return nil, err
	}
	buf := make([]byte, h.DataOffset)
	if _, err := h.MarshalTo(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// SegmentLen is the sequence space consumed by a segment carrying
// payloadLen bytes: SYN and FIN count as one each.
func (h TCPHeader) SegmentLen(payloadLen int) uint32 {
	n := uint32(payloadLen)
	if h.Flags&FlagSYN != 0 {
		n++
	}
	if h.Flags&FlagFIN != 0 {
		n++
	}
	return n
}

////////////////////////////////////////////////////////////////////////////////
// Sequence Number Helpers
////////////////////////////////////////////////////////////////////////////////

// SeqLT returns true if a < b (handling wraparound).
func SeqLT(a, b uint32) bool {
	return int32(a-b) < 0
}

// SeqLTE returns true if a <= b (handling wraparound).
func SeqLTE(a, b uint32) bool {
	return int32(a-b) <= 0
}

// SeqGT returns true if a > b (handling wraparound).
func SeqGT(a, b uint32) bool {
	return int32(a-b) > 0
}

// SeqGTE returns true if a >= b (handling wraparound).
func SeqGTE(a, b uint32) bool {
	return int32(a-b) >= 0
}
