// Package config loads the toyshark YAML configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/DragosCostea/ToyShark/internal/packet"
	"github.com/DragosCostea/ToyShark/internal/relay"
	"github.com/DragosCostea/ToyShark/internal/session"
)

const (
	DefaultTunName = "toyshark0"
	DefaultMTU     = 1500

	// minMTU is the smallest MTU that still fits the IPv4 and TCP headers
	// plus one byte of payload.
	minMTU = packet.IPv4HeaderLen + packet.TCPHeaderLen + 1
)

// UnlimitedSessions as sessions.maxSessions removes the table cap.
const UnlimitedSessions = -1

var ErrInvalid = errors.New("invalid config")

type Config struct {
	Tun      Tun      `yaml:"tun"`
	Sessions Sessions `yaml:"sessions"`
	TCP      TCP      `yaml:"tcp"`
	Relay    Relay    `yaml:"relay"`
	Capture  Capture  `yaml:"capture"`
	Debug    Debug    `yaml:"debug"`
	Log      Log      `yaml:"log"`
}

type Tun struct {
	Name string `yaml:"name"`
	MTU  int    `yaml:"mtu"`
}

type Sessions struct {
	IdleTimeout   time.Duration `yaml:"idleTimeout"`
	SweepInterval time.Duration `yaml:"sweepInterval"`
	// MaxSessions caps the session table. Zero takes the default; use
	// UnlimitedSessions (-1) for no cap.
	MaxSessions int `yaml:"maxSessions"`
}

// TCP holds the values advertised in our SYN-ACKs and data segments.
type TCP struct {
	MSS    uint16 `yaml:"mss"`
	Window uint16 `yaml:"window"`
}

type Relay struct {
	DialTimeout time.Duration `yaml:"dialTimeout"`
	BufferSize  int           `yaml:"bufferSize"`
}

// Capture configures packet recording. An empty Path disables the pcap file;
// the in-memory ring of Recent packets is always kept.
type Capture struct {
	Path   string `yaml:"path"`
	Recent int    `yaml:"recent"`
}

type Debug struct {
	HTTPAddr string `yaml:"httpAddr"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "", "text" or "json"
}

// Default returns the configuration used when no file is given.
func Default() Config {
	var c Config
	c.normalize()
	return c
}

// Load reads a YAML config file. Missing fields take their defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML config data. Unknown keys are rejected.
func Parse(data []byte) (Config, error) {
	var c Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	c.normalize()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) normalize() {
	if c.Tun.Name == "" {
		c.Tun.Name = DefaultTunName
	}
	if c.Tun.MTU == 0 {
		c.Tun.MTU = DefaultMTU
	}

	sd := session.DefaultConfig()
	if c.Sessions.IdleTimeout == 0 {
		c.Sessions.IdleTimeout = sd.IdleTimeout
	}
	if c.Sessions.SweepInterval == 0 {
		c.Sessions.SweepInterval = sd.SweepInterval
	}
	if c.Sessions.MaxSessions == 0 {
		c.Sessions.MaxSessions = sd.MaxSessions
	}

	if c.TCP.MSS == 0 {
		c.TCP.MSS = packet.DefaultMSS
	}
	if c.TCP.Window == 0 {
		c.TCP.Window = packet.DefaultWindow
	}

	rd := relay.DefaultConfig()
	if c.Relay.DialTimeout == 0 {
		c.Relay.DialTimeout = rd.DialTimeout
	}
	if c.Relay.BufferSize == 0 {
		c.Relay.BufferSize = rd.BufferSize
	}

	if c.Capture.Recent == 0 {
		c.Capture.Recent = 256
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	switch {
	case c.Tun.MTU < minMTU || c.Tun.MTU > 65535:
		return fmt.Errorf("%w: tun.mtu %d out of range", ErrInvalid, c.Tun.MTU)
	case c.Sessions.IdleTimeout < 0:
		return fmt.Errorf("%w: sessions.idleTimeout is negative", ErrInvalid)
	case c.Sessions.SweepInterval < 0:
		return fmt.Errorf("%w: sessions.sweepInterval is negative", ErrInvalid)
	case c.Sessions.MaxSessions < UnlimitedSessions:
		return fmt.Errorf("%w: sessions.maxSessions %d (use %d for unlimited)", ErrInvalid, c.Sessions.MaxSessions, UnlimitedSessions)
	case int(c.TCP.MSS) > c.Tun.MTU-packet.IPv4HeaderLen-packet.TCPHeaderLen:
		return fmt.Errorf("%w: tcp.mss %d does not fit mtu %d", ErrInvalid, c.TCP.MSS, c.Tun.MTU)
	case c.Relay.DialTimeout < 0:
		return fmt.Errorf("%w: relay.dialTimeout is negative", ErrInvalid)
	case c.Relay.BufferSize < 0:
		return fmt.Errorf("%w: relay.bufferSize is negative", ErrInvalid)
	case c.Capture.Recent < 0:
		return fmt.Errorf("%w: capture.recent is negative", ErrInvalid)
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("%w: log.format %q", ErrInvalid, c.Log.Format)
	}
	return nil
}

// SlogLevel parses Level ("debug", "info", "warn", "error").
func (l Log) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("%w: log.level %q", ErrInvalid, l.Level)
	}
	return lvl, nil
}

func (c Config) SessionConfig() session.Config {
	// session.Config spells unlimited as zero.
	return session.Config{
		MaxSessions:   max(c.Sessions.MaxSessions, 0),
		IdleTimeout:   c.Sessions.IdleTimeout,
		SweepInterval: c.Sessions.SweepInterval,
	}
}

func (c Config) RelayConfig() relay.Config {
	return relay.Config{
		DialTimeout: c.Relay.DialTimeout,
		BufferSize:  c.Relay.BufferSize,
	}
}

// Factory returns a packet factory advertising the configured MSS and window.
func (c Config) Factory() *packet.Factory {
	f := packet.NewFactory()
	f.MSS = c.TCP.MSS
	f.Window = c.TCP.Window
	return f
}
