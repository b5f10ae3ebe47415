// Package api exposes the operator HTTP surface: campaign and schedule
// management, stats, health and metrics.
package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	logx "whatsflow/pkg/logx"
)

type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type Server struct {
	cfg Config
	srv *http.Server
	log logx.Logger
}

// NewServer builds the router and the http.Server around it.
// metricsHandler may be nil when telemetry is disabled.
func NewServer(cfg Config, h *Handler, metricsHandler http.Handler, log logx.Logger) *Server {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:8889"
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Post("/campaigns", h.createCampaign)
		r.Get("/campaigns", h.listCampaigns)
		r.Get("/campaigns/{id}", h.getCampaign)
		r.Delete("/campaigns/{id}", h.deleteCampaign)
		r.Post("/campaigns/{id}/groups", h.addGroup)
		r.Get("/campaigns/{id}/groups", h.listGroups)
		r.Delete("/campaigns/{id}/groups", h.removeGroup)

		r.Post("/messages/schedule", h.scheduleMessage)
		r.Get("/messages/scheduled", h.listScheduled)
		r.Delete("/messages/scheduled/{id}", h.deleteScheduled)

		r.Get("/stats", h.stats)
	})
	r.Get("/healthz", h.healthz)
	if metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", metricsHandler)
	}

	return &Server{
		cfg: cfg,
		log: log,
		srv: &http.Server{
			Addr:         cfg.Addr,
			Handler:      r,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
	}
}

func (s *Server) Start() {
	go func() {
		s.log.Info("api listening", logx.String("addr", s.cfg.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("api server failed", logx.Err(err))
		}
	}()
}

func (s *Server) Stop(ctx context.Context) {
	if err := s.srv.Shutdown(ctx); err != nil {
		s.log.Warn("api shutdown incomplete", logx.Err(err))
	}
}
