// Package capture records the datagrams crossing the tunnel: a bounded ring
// of recent packets for the debug listing, and optionally a pcap stream.
package capture

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"
)

const (
	// DefaultRecent is the ring size used when none is configured.
	DefaultRecent = 256

	snapLen = 65535
)

// Direction is relative to the tunnel client.
type Direction uint8

const (
	// Inbound packets were read from the tunnel.
	Inbound Direction = iota
	// Outbound packets were written to the tunnel.
	Outbound
)

func (d Direction) String() string {
	if d == Outbound {
		return "out"
	}
	return "in"
}

// Record is one entry of the recent-packet ring.
type Record struct {
	Time      time.Time `json:"time"`
	Direction string    `json:"direction"`
	Length    int       `json:"length"`
	Summary   string    `json:"summary"`
}

// Recorder is safe for concurrent use. A nil *Recorder records nothing.
type Recorder struct {
	log *slog.Logger
	now func() time.Time

	mu     sync.Mutex
	ring   []Record
	next   int
	full   bool
	pcap   *pcapgo.Writer
	closer io.Closer
}

// NewRecorder keeps the last recent packets. recent <= 0 uses DefaultRecent.
func NewRecorder(log *slog.Logger, recent int) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	if recent <= 0 {
		recent = DefaultRecent
	}
	return &Recorder{
		log:  log,
		now:  time.Now,
		ring: make([]Record, recent),
	}
}

// OpenPcap starts writing every recorded packet to w as a raw-IP pcap stream.
func (r *Recorder) OpenPcap(w io.Writer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pcap != nil {
		return errors.New("pcap output already open")
	}

	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(snapLen, layers.LinkTypeRaw); err != nil {
		return fmt.Errorf("write pcap header: %w", err)
	}
	r.pcap = pw
	if c, ok := w.(io.Closer); ok {
		r.closer = c
	}
	return nil
}

// OpenPcapFile creates path and streams the capture into it.
func (r *Recorder) OpenPcapFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create pcap file: %w", err)
	}
	if err := r.OpenPcap(f); err != nil {
		f.Close()
		return err
	}
	return nil
}

// Record notes one datagram. data is not retained.
func (r *Recorder) Record(dir Direction, data []byte) {
	if r == nil {
		return
	}
	now := r.now()
	rec := Record{
		Time:      now,
		Direction: dir.String(),
		Length:    len(data),
		Summary:   Summarize(data),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.ring[r.next] = rec
	r.next = (r.next + 1) % len(r.ring)
	if r.next == 0 {
		r.full = true
	}

	if r.pcap == nil {
		return
	}
	ci := gopacket.CaptureInfo{
		Timestamp:     now,
		CaptureLength: min(len(data), snapLen),
		Length:        len(data),
	}
	if err := r.pcap.WritePacket(ci, data[:ci.CaptureLength]); err != nil {
		r.log.Warn("capture: write pcap packet failed", "err", err)
		r.pcap = nil
	}
}

// Recent returns the recorded packets, oldest first.
func (r *Recorder) Recent() []Record {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		return append([]Record(nil), r.ring[:r.next]...)
	}
	out := make([]Record, 0, len(r.ring))
	out = append(out, r.ring[r.next:]...)
	return append(out, r.ring[:r.next]...)
}

// Close stops the pcap stream and closes its writer if it is closable.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pcap = nil
	if r.closer == nil {
		return nil
	}
	err := r.closer.Close()
	r.closer = nil
	return err
}

// Summarize renders a one-line description of an IPv4 datagram.
func Summarize(data []byte) string {
	pkt := gopacket.NewPacket(data, layers.LayerTypeIPv4, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	ip, ok := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if !ok {
		return fmt.Sprintf("undecodable (%d bytes)", len(data))
	}

	switch {
	case pkt.Layer(layers.LayerTypeTCP) != nil:
		tcp := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
		return fmt.Sprintf("TCP %s:%d -> %s:%d [%s] seq=%d ack=%d win=%d len=%d",
			ip.SrcIP, tcp.SrcPort, ip.DstIP, tcp.DstPort,
			tcpFlags(tcp), tcp.Seq, tcp.Ack, tcp.Window, len(tcp.Payload))
	case pkt.Layer(layers.LayerTypeUDP) != nil:
		udp := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
		return fmt.Sprintf("UDP %s:%d -> %s:%d len=%d",
			ip.SrcIP, udp.SrcPort, ip.DstIP, udp.DstPort, len(udp.Payload))
	}
	return fmt.Sprintf("%s %s -> %s len=%d", ip.Protocol, ip.SrcIP, ip.DstIP, ip.Length)
}

func tcpFlags(tcp *layers.TCP) string {
	var flags []string
	for _, f := range []struct {
		set  bool
		name string
	}{
		{tcp.SYN, "SYN"},
		{tcp.ACK, "ACK"},
		{tcp.PSH, "PSH"},
		{tcp.FIN, "FIN"},
		{tcp.RST, "RST"},
		{tcp.URG, "URG"},
	} {
		if f.set {
			flags = append(flags, f.name)
		}
	}
	if len(flags) == 0 {
		return "none"
	}
	return strings.Join(flags, " ")
}
