// Command toyshark reads client traffic from a TUN device, terminates it in
// the userspace TCP/UDP engine and relays it over ordinary host sockets.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"golang.org/x/term"

	"github.com/DragosCostea/ToyShark/internal/capture"
	"github.com/DragosCostea/ToyShark/internal/config"
	"github.com/DragosCostea/ToyShark/internal/engine"
	"github.com/DragosCostea/ToyShark/internal/metrics"
	"github.com/DragosCostea/ToyShark/internal/relay"
	"github.com/DragosCostea/ToyShark/internal/session"
	"github.com/DragosCostea/ToyShark/internal/tun"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "toyshark: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "YAML config file")
	tunName := flag.String("tun", "", "TUN interface name (overrides config)")
	mtu := flag.Int("mtu", 0, "TUN MTU (overrides config)")
	debugHTTP := flag.String("debug-http", "", "Serve /status, /sessions, /packets and /metrics on this address")
	pcapPath := flag.String("pcap", "", "Write every tunnel packet to this pcap file")
	logLevel := flag.String("log-level", "", "Log level: debug, info, warn, error")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Relay TCP and UDP traffic from a TUN device through host sockets.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			return err
		}
	}
	if *tunName != "" {
		cfg.Tun.Name = *tunName
	}
	if *mtu != 0 {
		cfg.Tun.MTU = *mtu
	}
	if *debugHTTP != "" {
		cfg.Debug.HTTPAddr = *debugHTTP
	}
	if *pcapPath != "" {
		cfg.Capture.Path = *pcapPath
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := newLogger(os.Stderr, cfg.Log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dev, err := tun.Open(cfg.Tun.Name, cfg.Tun.MTU)
	if err != nil {
		return err
	}
	defer dev.Close()
	log.Info("toyshark: tunnel open", "dev", dev.Name(), "mtu", dev.MTU())

	m := metrics.New()
	rec := capture.NewRecorder(log, cfg.Capture.Recent)
	if cfg.Capture.Path != "" {
		if err := rec.OpenPcapFile(cfg.Capture.Path); err != nil {
			return err
		}
		log.Info("toyshark: capturing", "path", cfg.Capture.Path)
	}

	factory := cfg.Factory()
	sessions := session.NewManager(log, cfg.SessionConfig(), session.WithMetrics(m))
	h := engine.New(log, sessions, dev,
		engine.WithFactory(factory),
		engine.WithRecorder(rec),
		engine.WithMetrics(m),
		engine.WithMTU(cfg.Tun.MTU),
	)
	defer h.Close()

	r := relay.New(log, sessions, factory, h, cfg.RelayConfig(), relay.WithMetrics(m))
	sessions.SetConnector(r)

	if err := h.EnableDebugHTTP(cfg.Debug.HTTPAddr); err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sessions.Run(ctx)
	}()

	// Closing the device unblocks the read loop once we are told to stop.
	go func() {
		<-ctx.Done()
		dev.Close()
	}()

	serveErr := h.Serve(ctx, dev)
	stop()

	sessions.CloseAll(session.ReasonShutdown)
	wg.Wait()
	if err := r.Close(); err != nil {
		log.Warn("toyshark: relay close", "err", err)
	}
	if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
		return serveErr
	}
	log.Info("toyshark: stopped")
	return nil
}

// newLogger picks a text handler for terminals and JSON otherwise, unless the
// config names a format.
func newLogger(w *os.File, lc config.Log) (*slog.Logger, error) {
	level, err := lc.SlogLevel()
	if err != nil {
		return nil, err
	}
	format := lc.Format
	if format == "" {
		format = "json"
		if term.IsTerminal(int(w.Fd())) {
			format = "text"
		}
	}
	return slog.New(newHandler(w, format, level)), nil
}

func newHandler(w io.Writer, format string, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}
