package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/DragosCostea/ToyShark/internal/capture"
	"github.com/DragosCostea/ToyShark/internal/session"
)

// EnableDebugHTTP serves the engine state on addr:
//
//	/status    counts and configuration
//	/sessions  active sessions
//	/packets   recently captured packets
//	/metrics   Prometheus exposition
//
// An empty addr is a no-op.
func (h *Handler) EnableDebugHTTP(addr string) error {
	if addr == "" {
		return nil
	}

	h.debugMu.Lock()
	defer h.debugMu.Unlock()

	if h.debugSrv != nil {
		return fmt.Errorf("debug http already enabled at %s", h.debugAddr)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen debug http: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/status", h.handleDebugStatus)
	mux.HandleFunc("/sessions", h.handleDebugSessions)
	mux.HandleFunc("/packets", h.handleDebugPackets)
	mux.Handle("/metrics", h.metrics.Handler())

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	h.debugSrv = srv
	h.debugListener = ln
	h.debugAddr = ln.Addr().String()

	h.debugWG.Add(1)
	go func() {
		defer h.debugWG.Done()
		if err := srv.Serve(ln); err != nil &&
			!errors.Is(err, http.ErrServerClosed) &&
			!errors.Is(err, net.ErrClosed) {
			h.log.Warn("engine: debug http serve", "err", err)
		}
	}()

	h.log.Info("engine: debug http listening", "addr", h.debugAddr)
	return nil
}

// DebugHTTPAddr returns the bound address of the debug HTTP server.
func (h *Handler) DebugHTTPAddr() string {
	h.debugMu.Lock()
	defer h.debugMu.Unlock()
	return h.debugAddr
}

// Close stops the debug server and the capture output.
func (h *Handler) Close() error {
	h.debugMu.Lock()
	srv := h.debugSrv
	h.debugSrv = nil
	h.debugListener = nil
	h.debugAddr = ""
	h.debugMu.Unlock()

	var errs []error
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown debug http: %w", err))
		}
		h.debugWG.Wait()
	}
	if err := h.recorder.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close capture: %w", err))
	}
	return errors.Join(errs...)
}

// debugStatus is the JSON structure exposed at /status.
type debugStatus struct {
	Sessions      int    `json:"sessions"`
	TCPSessions   int    `json:"tcpSessions"`
	UDPSessions   int    `json:"udpSessions"`
	MaxSessions   int    `json:"maxSessions"`
	IdleTimeout   string `json:"idleTimeout"`
	MSS           uint16 `json:"mss"`
	Window        uint16 `json:"window"`
	DebugAddr     string `json:"debugAddr"`
	RecentPackets int    `json:"recentPackets"`
}

func (h *Handler) collectDebugStatus() debugStatus {
	cfg := h.sessions.Config()
	status := debugStatus{
		MaxSessions:   cfg.MaxSessions,
		IdleTimeout:   cfg.IdleTimeout.String(),
		MSS:           h.factory.MSS,
		Window:        h.factory.Window,
		DebugAddr:     h.DebugHTTPAddr(),
		RecentPackets: len(h.recorder.Recent()),
	}
	for _, snap := range h.sessions.Snapshots() {
		status.Sessions++
		switch snap.Protocol {
		case "tcp":
			status.TCPSessions++
		case "udp":
			status.UDPSessions++
		}
	}
	return status
}

func (h *Handler) handleDebugStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, h.collectDebugStatus())
}

func (h *Handler) handleDebugSessions(w http.ResponseWriter, r *http.Request) {
	snaps := h.sessions.Snapshots()
	if snaps == nil {
		snaps = []session.Snapshot{}
	}
	h.writeJSON(w, snaps)
}

func (h *Handler) handleDebugPackets(w http.ResponseWriter, r *http.Request) {
	recent := h.recorder.Recent()
	if recent == nil {
		recent = []capture.Record{}
	}
	h.writeJSON(w, recent)
}

func (h *Handler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Warn("engine: debug encode", "err", err)
	}
}
