package engine

import (
	"fmt"

	"github.com/DragosCostea/ToyShark/internal/packet"
)

const dnsPort = 53

// handleUDP queues the datagram on its session, creating one for a new flow.
// Nothing is written back here; replies come from the relay.
func (h *Handler) handleUDP(pkt packet.Packet) error {
	ip, udp := pkt.IP, *pkt.UDP

	s := h.sessions.Get(ip.Dst, udp.DstPort, ip.Src, udp.SrcPort)
	if s == nil {
		var err error
		s, err = h.sessions.CreateUDP(ip, udp)
		if err != nil {
			h.metrics.Dropped("session-refused")
			return fmt.Errorf("create udp session: %w", err)
		}
		h.log.Debug("engine: udp session created", "flow", s.Key())
	}

	if udp.DstPort == dnsPort {
		if name := dnsQueryName(pkt.Payload); name != "" {
			s.SetLabel(name)
		}
	}

	if err := s.SetUDPHeaders(ip, udp); err != nil {
		return fmt.Errorf("udp %s: %w", s.Key(), err)
	}
	h.sessions.AddClientUDPData(s, pkt.Payload)
	h.sessions.KeepAlive(s)
	return nil
}
