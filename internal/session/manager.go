package session

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/DragosCostea/ToyShark/internal/metrics"
	"github.com/DragosCostea/ToyShark/internal/packet"
)

var (
	ErrSessionExists = errors.New("session already exists")
	ErrSessionLimit  = errors.New("session limit reached")
)

// Reasons recorded when a session leaves the table.
const (
	ReasonFin           = "fin"
	ReasonReset         = "reset"
	ReasonIdle          = "idle"
	ReasonRelay         = "relay"
	ReasonConnectFailed = "connect"
	ReasonShutdown      = "shutdown"
)

// Connector opens the destination side of a new session. Connect must not
// block on the network; the returned handle is cancelled when the session
// closes.
type Connector interface {
	Connect(s *Session) (Handle, error)
}

// Config bounds the table.
type Config struct {
	// MaxSessions is the table capacity. Zero means unlimited.
	MaxSessions int
	// IdleTimeout evicts sessions without keep-alive for this long.
	IdleTimeout time.Duration
	// SweepInterval is how often Run checks for idle sessions.
	SweepInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxSessions:   4096,
		IdleTimeout:   2 * time.Minute,
		SweepInterval: 10 * time.Second,
	}
}

type Option func(*Manager)

func WithMetrics(m *metrics.Metrics) Option {
	return func(mgr *Manager) { mgr.metrics = m }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(mgr *Manager) { mgr.now = now }
}

func WithConnector(c Connector) Option {
	return func(mgr *Manager) { mgr.connector = c }
}

// Manager is the session table.
type Manager struct {
	log     *slog.Logger
	cfg     Config
	metrics *metrics.Metrics
	now     func() time.Time

	mu        sync.RWMutex
	sessions  map[Key]*Session
	idle      *keepAlive
	nextID    uint64
	connector Connector
}

func NewManager(log *slog.Logger, cfg Config, opts ...Option) *Manager {
	if log == nil {
		log = slog.Default()
	}
	def := DefaultConfig()
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	m := &Manager{
		log:      log,
		cfg:      cfg,
		now:      time.Now,
		sessions: make(map[Key]*Session),
		idle:     newKeepAlive(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetConnector installs the relay after construction. The relay needs the
// manager to exist first.
func (m *Manager) SetConnector(c Connector) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connector = c
}

func (m *Manager) Config() Config { return m.cfg }

////////////////////////////////////////////////////////////////////////////////
// Lookup and creation
////////////////////////////////////////////////////////////////////////////////

// Get returns the session for the 4-tuple, or nil.
func (m *Manager) Get(dstIP netip.Addr, dstPort uint16, srcIP netip.Addr, srcPort uint16) *Session {
	return m.GetByKey(NewKey(dstIP, dstPort, srcIP, srcPort))
}

func (m *Manager) GetByKey(key Key) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[key]
}

// CreateTCP adds a session for the flow that sent the SYN in tcp. The session
// starts in SynReceived; the caller completes it with InitHandshake.
func (m *Manager) CreateTCP(ip packet.IPv4Header, tcp packet.TCPHeader) (*Session, error) {
	key := NewKey(ip.Dst, tcp.DstPort, ip.Src, tcp.SrcPort)
	s, err := m.create(key, packet.ProtocolTCP, StateSynReceived)
	if err != nil {
		return nil, err
	}
	s.setTCPHeaders(ip, tcp)
	return m.connect(s)
}

// CreateUDP adds a session for a datagram flow. UDP sessions are ready as
// soon as they exist.
func (m *Manager) CreateUDP(ip packet.IPv4Header, udp packet.UDPHeader) (*Session, error) {
	key := NewKey(ip.Dst, udp.DstPort, ip.Src, udp.SrcPort)
	s, err := m.create(key, packet.ProtocolUDP, StateEstablished)
	if err != nil {
		return nil, err
	}
	if err := s.SetUDPHeaders(ip, udp); err != nil {
		return nil, err
	}
	return m.connect(s)
}

func (m *Manager) create(key Key, proto packet.Protocol, state State) (*Session, error) {
	now := m.now()

	m.mu.Lock()
	if _, ok := m.sessions[key]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", key, ErrSessionExists)
	}
	if m.cfg.MaxSessions > 0 && len(m.sessions) >= m.cfg.MaxSessions {
		m.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", key, ErrSessionLimit)
	}
	m.nextID++
	s := newSession(m.nextID, key, proto, state, now)
	m.sessions[key] = s
	m.idle.touch(s, now)
	m.mu.Unlock()

	m.metrics.SessionCreated(proto.String())
	m.log.Debug("session: created", "id", s.id, "proto", proto, "flow", key)
	return s, nil
}

// connect hands the session to the relay outside the table lock.
func (m *Manager) connect(s *Session) (*Session, error) {
	m.mu.RLock()
	c := m.connector
	m.mu.RUnlock()
	if c == nil {
		return s, nil
	}

	h, err := c.Connect(s)
	if err != nil {
		m.Close(s, ReasonConnectFailed)
		return nil, fmt.Errorf("connect %s: %w", s.key, err)
	}
	if h != nil && !s.setHandle(h) {
		// Closed while connecting.
		h.Cancel()
	}
	return s, nil
}

////////////////////////////////////////////////////////////////////////////////
// Client data
////////////////////////////////////////////////////////////////////////////////

// AddClientData buffers the payload of an in-order segment for the relay and
// returns the number of bytes accepted. Out-of-order and duplicate segments
// are ignored; the client retransmits.
func (m *Manager) AddClientData(ip packet.IPv4Header, tcp packet.TCPHeader, payload []byte) int {
	s := m.Get(ip.Dst, tcp.DstPort, ip.Src, tcp.SrcPort)
	if s == nil {
		return 0
	}
	n := s.appendInOrder(tcp.Seq, payload)
	if n > 0 {
		s.setTCPHeaders(ip, tcp)
	}
	return n
}

// AddClientUDPData queues one datagram for the relay. It always accepts
// unless the session is closed.
func (m *Manager) AddClientUDPData(s *Session, payload []byte) int {
	return s.appendDatagram(payload)
}

// KeepAlive refreshes the idle deadline of s. Closed sessions are ignored.
func (m *Manager) KeepAlive(s *Session) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[s.key] != s {
		return
	}
	m.idle.touch(s, now)
	s.touch(now)
}

////////////////////////////////////////////////////////////////////////////////
// Teardown
////////////////////////////////////////////////////////////////////////////////

// Close removes s from the table and cancels its relay handle. Closing an
// absent or already closed session is a no-op.
func (m *Manager) Close(s *Session, reason string) {
	if s == nil {
		return
	}
	m.mu.Lock()
	if m.sessions[s.key] == s {
		delete(m.sessions, s.key)
	}
	m.idle.remove(s)
	h, first := s.markClosed()
	m.mu.Unlock()

	if !first {
		return
	}
	if h != nil {
		h.Cancel()
	}
	m.metrics.SessionClosed(s.proto.String(), reason)
	m.log.Debug("session: closed", "id", s.id, "flow", s.key, "reason", reason)
}

// CloseKey closes the session stored under key, if any.
func (m *Manager) CloseKey(key Key, reason string) {
	m.Close(m.GetByKey(key), reason)
}

// CloseAll closes every session.
func (m *Manager) CloseAll(reason string) {
	m.mu.RLock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.RUnlock()

	for _, s := range all {
		m.Close(s, reason)
	}
}

// Sweep closes sessions idle for longer than the configured timeout and
// returns how many were evicted.
func (m *Manager) Sweep(now time.Time) int {
	cutoff := now.Add(-m.cfg.IdleTimeout)

	m.mu.RLock()
	stale := m.idle.expired(cutoff)
	m.mu.RUnlock()

	for _, s := range stale {
		m.Close(s, ReasonIdle)
	}
	if len(stale) > 0 {
		m.log.Debug("session: swept idle sessions", "count", len(stale))
	}
	return len(stale)
}

// Run sweeps idle sessions until ctx is done, then closes what is left.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.CloseAll(ReasonShutdown)
			return
		case <-ticker.C:
			m.Sweep(m.now())
		}
	}
}

////////////////////////////////////////////////////////////////////////////////
// Listing
////////////////////////////////////////////////////////////////////////////////

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Snapshots lists the active sessions ordered by ID.
func (m *Manager) Snapshots() []Snapshot {
	m.mu.RLock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.RUnlock()

	out := make([]Snapshot, 0, len(all))
	for _, s := range all {
		out = append(out, s.Snapshot())
	}
	slices.SortFunc(out, func(a, b Snapshot) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}
