package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/meschain/syncrelay/internal/admin"
	"github.com/meschain/syncrelay/internal/config"
	"github.com/meschain/syncrelay/internal/delivery"
	"github.com/meschain/syncrelay/internal/metrics"
	"github.com/meschain/syncrelay/internal/notify"
	"github.com/meschain/syncrelay/internal/syncer"
	"github.com/meschain/syncrelay/internal/webhook"
)

// Services are the components the API exposes.
type Services struct {
	Syncer     *syncer.Coordinator
	Webhooks   *webhook.Registry
	Dispatcher *delivery.Dispatcher
	Feed       *notify.Feed
	Admin      *admin.Service
	Metrics    *metrics.Metrics
}

type Server struct {
	cfg        config.ServerConfig
	metricsCfg config.MetricsConfig
	svc        Services
	router     *chi.Mux
	log        zerolog.Logger
	http       *http.Server
}

func NewServer(cfg config.ServerConfig, metricsCfg config.MetricsConfig, svc Services, log zerolog.Logger) *Server {
	s := &Server{
		cfg:        cfg,
		metricsCfg: metricsCfg,
		svc:        svc,
		log:        log.With().Str("component", "api").Logger(),
	}
	s.router = s.buildRouter()
	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(LoggingMiddleware(s.log))
	if s.svc.Metrics != nil {
		r.Use(MetricsMiddleware(s.svc.Metrics))
	}

	syncHandler := NewSyncHandler(s.svc.Syncer, s.svc.Admin, s.log)
	whHandler := NewWebhookHandler(s.svc.Webhooks, s.svc.Dispatcher, s.svc.Admin, s.log)
	evHandler := NewEventHandler(s.svc.Dispatcher, s.log)
	dlvHandler := NewDeliveryHandler(s.svc.Admin, s.log)
	ntfHandler := NewNotificationHandler(s.svc.Feed, s.log)
	statsHandler := NewStatsHandler(s.svc.Admin, s.log)

	r.Get("/health", statsHandler.Health)
	if s.metricsCfg.Enabled && s.svc.Metrics != nil {
		path := s.metricsCfg.Path
		if path == "" {
			path = "/metrics"
		}
		r.Handle(path, s.svc.Metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(AuthMiddleware(s.cfg.AdminToken))

		// Sync
		r.Post("/sync", syncHandler.Request)
		r.Get("/sync", syncHandler.List)
		r.Get("/sync/{entityType}/{entityID}/{marketplace}", syncHandler.Get)

		// Webhooks
		r.Post("/webhooks", whHandler.Create)
		r.Get("/webhooks", whHandler.List)
		r.Get("/webhooks/{id}", whHandler.Get)
		r.Put("/webhooks/{id}", whHandler.Update)
		r.Delete("/webhooks/{id}", whHandler.Delete)
		r.Patch("/webhooks/{id}/enabled", whHandler.SetEnabled)
		r.Post("/webhooks/{id}/test", whHandler.Test)
		r.Get("/webhooks/{id}/stats", whHandler.Stats)
		r.Get("/event-types", whHandler.EventTypes)

		// Events
		r.Post("/events", evHandler.Publish)

		// Deliveries
		r.Get("/deliveries/attempts", dlvHandler.ListAttempts)
		r.Get("/deliveries/{id}", dlvHandler.Get)
		r.Get("/deliveries/{id}/attempts", dlvHandler.Attempts)

		// Notifications
		r.Get("/notifications", ntfHandler.List)
		r.Post("/notifications/read-all", ntfHandler.MarkAllRead)
		r.Post("/notifications/{id}/read", ntfHandler.MarkRead)

		// Stats
		r.Get("/stats", statsHandler.Stats)
	})

	return r
}

func (s *Server) Start() error {
	if s.cfg.AdminToken == "" {
		s.log.Warn().Msg("admin token is empty, API authentication disabled")
	}
	s.log.Info().Str("addr", s.http.Addr).Msg("starting HTTP server")
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.http.Shutdown(ctx)
}
