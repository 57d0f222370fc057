// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package api serves the participant's admin HTTP surface: probes, metrics,
// session status and configuration reload.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ManuGH/tether/internal/health"
	"github.com/ManuGH/tether/internal/log"
	"github.com/ManuGH/tether/internal/manager"
)

const (
	readHeaderTimeout = 5 * time.Second
	rateWindow        = time.Minute
)

// StatusSource reports the session lifecycle state.
type StatusSource interface {
	Status() manager.Status
}

// Reloader re-reads configuration from its source.
type Reloader interface {
	Reload(ctx context.Context) error
}

// Options configures the admin server.
type Options struct {
	ListenAddr string
	// RateLimit is the number of requests per minute and client; <=0 disables
	// limiting.
	RateLimit int
	Service   string

	Status   StatusSource
	Health   *health.Manager
	Reloader Reloader
	Logger   *zerolog.Logger
}

// Server is the admin HTTP server.
type Server struct {
	opts   Options
	logger zerolog.Logger
	srv    *http.Server
}

func New(opts Options) *Server {
	logger := log.WithComponent("api")
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	if opts.Service == "" {
		opts.Service = "tether"
	}
	s := &Server{opts: opts, logger: logger}
	s.srv = &http.Server{
		Addr:              opts.ListenAddr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(chimw.RequestID)
	r.Use(metricsMiddleware)
	r.Use(tracing(s.opts.Service))
	r.Use(requestLogger(s.logger))

	if s.opts.Health != nil {
		r.Get("/healthz", s.opts.Health.ServeHealth)
		r.Get("/readyz", s.opts.Health.ServeReady)
	}
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		if s.opts.RateLimit > 0 {
			r.Use(rateLimit(s.opts.RateLimit, rateWindow))
		}
		r.Get("/status", s.handleStatus)
		r.Post("/config/reload", s.handleReload)
	})
	return r
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Status == nil {
		writeError(w, http.StatusServiceUnavailable, "status unavailable")
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Status.Status())
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if s.opts.Reloader == nil {
		writeError(w, http.StatusNotImplemented, "reload not configured")
		return
	}
	if err := s.opts.Reloader.Reload(r.Context()); err != nil {
		s.logger.Warn().Err(err).Str(log.FieldEvent, "config.reload_failed").Msg("config reload rejected")
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "reloaded"})
}

// Serve accepts connections on l until Shutdown.
func (s *Server) Serve(l net.Listener) error {
	s.logger.Info().Str("addr", l.Addr().String()).Msg("admin server listening")
	if err := s.srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe listens on the configured address.
func (s *Server) ListenAndServe() error {
	l, err := net.Listen("tcp", s.opts.ListenAddr)
	if err != nil {
		return err
	}
	return s.Serve(l)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
