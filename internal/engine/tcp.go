package engine

import (
	"errors"
	"fmt"

	"github.com/DragosCostea/ToyShark/internal/packet"
	"github.com/DragosCostea/ToyShark/internal/session"
)

// handleTCP dispatches on the segment flags in priority order: SYN, ACK, FIN
// without ACK, RST alone.
func (h *Handler) handleTCP(pkt packet.Packet) error {
	flags := pkt.TCP.Flags
	switch {
	case flags.Has(packet.FlagSYN):
		return h.replySynAck(pkt)
	case flags.Has(packet.FlagACK):
		return h.handleAck(pkt)
	case flags.Has(packet.FlagFIN):
		return h.handleFin(pkt)
	case flags.Has(packet.FlagRST):
		h.handleRst(pkt)
		return nil
	}
	h.metrics.Dropped("flags")
	h.log.Debug("engine: unhandled tcp flags", "flow", flowOf(pkt), "flags", flags)
	return nil
}

func flowOf(pkt packet.Packet) session.Key {
	if pkt.TCP != nil {
		return session.NewKey(pkt.IP.Dst, pkt.TCP.DstPort, pkt.IP.Src, pkt.TCP.SrcPort)
	}
	return session.NewKey(pkt.IP.Dst, pkt.UDP.DstPort, pkt.IP.Src, pkt.UDP.SrcPort)
}

func (h *Handler) tcpSession(pkt packet.Packet) *session.Session {
	return h.sessions.Get(pkt.IP.Dst, pkt.TCP.DstPort, pkt.IP.Src, pkt.TCP.SrcPort)
}

////////////////////////////////////////////////////////////////////////////////
// SYN
////////////////////////////////////////////////////////////////////////////////

func (h *Handler) replySynAck(pkt packet.Packet) error {
	ip, tcp := pkt.IP, *pkt.TCP

	s, err := h.sessions.CreateTCP(ip, tcp)
	if errors.Is(err, session.ErrSessionExists) {
		return h.resendSynAck(pkt)
	}
	if err != nil {
		h.log.Warn("engine: refusing connection", "flow", flowOf(pkt), "err", err)
		h.sendRst(pkt)
		return err
	}

	data, synAck, err := h.factory.SynAck(ip, tcp)
	if err != nil {
		h.sessions.Close(s, session.ReasonReset)
		return fmt.Errorf("build syn-ack: %w", err)
	}
	if err := s.InitHandshake(ip, tcp, synAck, h.now()); err != nil {
		// The relay gave up on the destination before we answered.
		h.sendRst(pkt)
		return fmt.Errorf("handshake %s: %w", s.Key(), err)
	}
	h.log.Debug("engine: syn received", "flow", s.Key(), "isn", synAck.Seq, "mss", s.MSS())
	h.sessions.KeepAlive(s)
	return h.reply("syn-ack", data)
}

// resendSynAck answers a retransmitted SYN. Only a session still waiting for
// the handshake ACK is answered, with the ISN it already announced.
func (h *Handler) resendSynAck(pkt packet.Packet) error {
	s := h.tcpSession(pkt)
	if s == nil || s.State() != session.StateSynReceived {
		h.log.Debug("engine: syn for open session ignored", "flow", flowOf(pkt))
		return nil
	}
	data, _, err := h.factory.SynAckISN(pkt.IP, *pkt.TCP, s.ISN())
	if err != nil {
		return fmt.Errorf("build syn-ack: %w", err)
	}
	return h.reply("syn-ack", data)
}

////////////////////////////////////////////////////////////////////////////////
// ACK
////////////////////////////////////////////////////////////////////////////////

func (h *Handler) handleAck(pkt packet.Packet) error {
	ip, tcp, payload := pkt.IP, *pkt.TCP, pkt.Payload

	s := h.tcpSession(pkt)
	if s == nil {
		h.metrics.Dropped("no-session")
		if !tcp.Flags.Has(packet.FlagRST) && !tcp.Flags.Has(packet.FlagFIN) {
			h.sendRst(pkt)
		}
		return fmt.Errorf("ack for %s: %w", flowOf(pkt), ErrSessionNotFound)
	}

	// A bad checksum is recorded, and the segment is still processed.
	corrupted := !pkt.ChecksumValid()
	s.SetCorrupted(corrupted)
	if corrupted {
		h.log.Debug("engine: checksum mismatch", "flow", s.Key(), "seq", tcp.Seq)
	}

	now := h.now()
	var replyErr error
	if len(payload) > 0 {
		s.AcceptAck(tcp, now, false)
		if n := h.sessions.AddClientData(ip, tcp, payload); n > 0 {
			replyErr = h.sendAck(s, ip, tcp, n)
		} else {
			h.log.Debug("engine: segment not in order", "flow", s.Key(), "seq", tcp.Seq, "expected", s.RecvSeq())
		}
	} else {
		if !s.AcceptAck(tcp, now, true) {
			h.log.Debug("engine: ack not accepted", "flow", s.Key(), "ack", tcp.Ack, "una", s.SendUnack(), "nxt", s.SendNext())
		}
		switch s.State() {
		case session.StateClosing:
			replyErr = h.sendFin(s, ip, tcp)
		case session.StateFinSent:
			if !tcp.Flags.Has(packet.FlagFIN) {
				h.log.Debug("engine: fin acknowledged", "flow", s.Key())
				h.sessions.Close(s, session.ReasonFin)
				return nil
			}
		}
	}

	if tcp.Flags.Has(packet.FlagPSH) {
		if err := s.Push(ip, tcp, now); err != nil {
			h.log.Debug("engine: push on closed session", "flow", s.Key())
		}
	}

	if tcp.Flags.Has(packet.FlagFIN) {
		// A FIN behind a gap is dropped; the client retransmits the gap and
		// the FIN after it.
		if end := tcp.Seq + uint32(len(payload)); end != s.RecvSeq() {
			h.metrics.Dropped("out-of-order")
			h.log.Debug("engine: fin not in order", "flow", s.Key(), "seq", tcp.Seq, "expected", s.RecvSeq())
			h.sessions.KeepAlive(s)
			return replyErr
		}
		return errors.Join(replyErr, h.ackFinAck(s, ip, tcp))
	}
	if tcp.Flags.Has(packet.FlagRST) {
		s.Abort()
		return replyErr
	}

	if !s.WindowFull() && !s.AbortRequested() && !s.Closed() {
		h.sessions.KeepAlive(s)
	}
	return replyErr
}

// sendAck acknowledges n newly buffered bytes.
func (h *Handler) sendAck(s *session.Session, ip packet.IPv4Header, tcp packet.TCPHeader, n int) error {
	ack := s.AdvanceReceive(n)
	// The reply's sequence number must be our send-next; the client's ack
	// lags behind it while relay data is in flight.
	tcp.Ack = s.SendNext()
	data, err := h.factory.ResponseAck(ip, tcp, ack)
	if err != nil {
		return fmt.Errorf("build ack: %w", err)
	}
	return h.reply("ack", data)
}

// sendFin sends our FIN for a session the relay asked to close.
func (h *Handler) sendFin(s *session.Session, ip packet.IPv4Header, tcp packet.TCPHeader) error {
	seq := s.SendNext()
	data, err := h.factory.FinAck(ip, tcp, s.RecvSeq(), seq, true, true)
	if err != nil {
		return fmt.Errorf("build fin: %w", err)
	}
	if err := s.MarkFinSent(seq); err != nil {
		return err
	}
	h.log.Debug("engine: fin sent", "flow", s.Key(), "seq", seq)
	return h.reply("fin", data)
}

// ackFinAck answers the client's FIN and removes the session at once. The
// FIN is acknowledged right after the last byte received in order.
func (h *Handler) ackFinAck(s *session.Session, ip packet.IPv4Header, tcp packet.TCPHeader) error {
	ack := s.RecvSeq() + 1
	data, err := h.factory.FinAck(ip, tcp, ack, tcp.Ack, true, true)
	h.sessions.Close(s, session.ReasonFin)
	if err != nil {
		return fmt.Errorf("build fin-ack: %w", err)
	}
	h.log.Debug("engine: fin received, session closed", "flow", s.Key())
	return h.reply("fin-ack", data)
}

////////////////////////////////////////////////////////////////////////////////
// FIN without ACK, RST
////////////////////////////////////////////////////////////////////////////////

func (h *Handler) handleFin(pkt packet.Packet) error {
	s := h.tcpSession(pkt)
	if s != nil {
		h.sessions.KeepAlive(s)
		return nil
	}
	tcp := *pkt.TCP
	ack := tcp.Seq + uint32(len(pkt.Payload)) + 1
	data, err := h.factory.FinAck(pkt.IP, tcp, ack, tcp.Ack, true, true)
	if err != nil {
		return fmt.Errorf("build fin-ack: %w", err)
	}
	return h.reply("fin-ack", data)
}

func (h *Handler) handleRst(pkt packet.Packet) {
	s := h.tcpSession(pkt)
	if s == nil {
		h.metrics.Dropped("no-session")
		return
	}
	h.log.Debug("engine: reset received", "flow", s.Key())
	s.Abort()
}

func (h *Handler) sendRst(pkt packet.Packet) {
	data, err := h.factory.Rst(pkt.IP, *pkt.TCP, len(pkt.Payload))
	if err != nil {
		h.log.Warn("engine: build rst failed", "flow", flowOf(pkt), "err", err)
		return
	}
	_ = h.reply("rst", data)
}
