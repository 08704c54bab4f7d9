// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package api serves the admin HTTP surface: health, device registry
// snapshots, a pairing trigger and Prometheus metrics.
package api

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ManuGH/btbusd/internal/devices"
	"github.com/ManuGH/btbusd/internal/log"
	"github.com/ManuGH/btbusd/internal/metrics"
)

// Bridge is the slice of the bluetooth service the API consumes.
type Bridge interface {
	IsRunning() bool
	AdapterPath() string
	CreatePairedDevice(address string) error
}

// Server carries the admin surface's dependencies.
type Server struct {
	registry *devices.Registry
	bridge   Bridge
	logger   zerolog.Logger
	started  time.Time
}

// NewServer builds the admin surface around the registry and the bridge.
func NewServer(registry *devices.Registry, bridge Bridge) *Server {
	return &Server{
		registry: registry,
		bridge:   bridge,
		logger:   log.WithComponent("api"),
		started:  time.Now(),
	}
}

// Handler builds the route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Get("/api/devices", s.handleListDevices)
	r.Get("/api/devices/{address}", s.handleGetDevice)
	r.With(pairRateLimit()).Post("/api/devices/{address}/pair", s.handlePair)
	r.Handle("/metrics", promhttp.Handler())

	return promhttp.InstrumentHandlerInFlight(metrics.HTTPRequestsInflight, r)
}

// pairRateLimit guards the pairing trigger. Pairing holds the daemon's
// agent busy, so bursts get queued behind a 429 instead.
func pairRateLimit() func(http.Handler) http.Handler {
	return httprate.Limit(
		10,
		time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
	)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	if !s.bridge.IsRunning() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "stopped"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ready",
		"adapter": s.bridge.AdapterPath(),
	})
}

func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"devices": s.registry.Snapshot()})
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	address, err := canonicalAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, err)
		return
	}
	d, ok := s.registry.Get(address)
	if !ok {
		writeNotFound(w)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handlePair(w http.ResponseWriter, r *http.Request) {
	address, err := canonicalAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.bridge.CreatePairedDevice(address); err != nil {
		s.logger.Warn().
			Err(err).
			Str(log.FieldEvent, "api.pair_failed").
			Str(log.FieldAddress, address).
			Msg("pairing request not issued")
		writeServiceUnavailable(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"address": address,
		"status":  "pairing",
	})
}

// canonicalAddress validates a bluetooth address and normalizes it to
// upper-case colon form.
func canonicalAddress(raw string) (string, error) {
	hw, err := net.ParseMAC(raw)
	if err != nil || len(hw) != 6 {
		return "", fmt.Errorf("invalid bluetooth address %q", raw)
	}
	return strings.ToUpper(hw.String()), nil
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error().
					Interface("panic", rec).
					Str(log.FieldEvent, "api.panic").
					Str("path", r.URL.Path).
					Msg("handler panicked")
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str(log.FieldEvent, "api.request").
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("request handled")
	})
}
