package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"
	"github.com/org/partnerlock/internal/core"
	"github.com/rs/zerolog/log"
)

// Config holds server configuration.
type Config struct {
	ListenAddr   string
	TLSCertFile  string
	TLSKeyFile   string
	RateLimitRPS int
}

func (c Config) tlsEnabled() bool {
	return c.TLSCertFile != "" && c.TLSKeyFile != ""
}

// Server is the API server.
type Server struct {
	core     *core.Core
	validate *validator.Validate
	cfg      Config
	httpSrv  *http.Server

	// streams is cancelled on shutdown so event streams let go of their
	// connections.
	streams     context.Context
	stopStreams context.CancelFunc
}

// NewServer creates a Server over an already wired core.
func NewServer(c *core.Core, cfg Config) *Server {
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 100
	}
	s := &Server{
		core:     c,
		validate: validator.New(),
		cfg:      cfg,
	}
	s.streams, s.stopStreams = context.WithCancel(context.Background())
	s.httpSrv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.BuildRouter(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.httpSrv.RegisterOnShutdown(s.stopStreams)
	return s
}

// BuildRouter wires up all routes and returns a chi router.
func (s *Server) BuildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(metricsMiddleware)
	r.Use(httprate.LimitByIP(s.cfg.RateLimitRPS, time.Second))
	r.Use(secureHeaders(s.cfg.tlsEnabled()))
	r.Use(auditMiddleware(s.core.Audit))

	// Prometheus metrics (unauthenticated)
	r.Handle("/metrics", MetricsHandler())
	r.Get("/v1/sys/health", s.HealthHandler)

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(s.core.Tokens))

		// Requests
		r.Post("/v1/requests", s.RequestCreateHandler)
		r.Get("/v1/requests/pending", s.RequestPendingHandler)
		r.Get("/v1/requests/history", s.RequestHistoryHandler)
		r.Get("/v1/requests/{id}", s.RequestGetHandler)
		r.Post("/v1/requests/{id}/respond", s.RequestRespondHandler)
		r.Get("/v1/requests/{id}/events", s.RequestEventsHandler)

		// Access state for enforcement agents
		r.Post("/v1/access/revoke", s.AccessRevokeHandler)
		r.Get("/v1/access/{requesterID}", s.AccessStateHandler)
		r.Get("/v1/access/{requesterID}/check", s.AccessCheckHandler)
		r.Get("/v1/access/{requesterID}/events", s.AccessEventsHandler)

		// Partnerships
		r.Post("/v1/partnerships/invite", s.PartnershipInviteHandler)
		r.Post("/v1/partnerships/accept", s.PartnershipAcceptHandler)
		r.Post("/v1/partnerships/reject", s.PartnershipRejectHandler)
		r.Post("/v1/partnerships/verify-password", s.PartnershipVerifyPasswordHandler)
		r.Post("/v1/partnerships/{id}/revoke", s.PartnershipRevokeHandler)
		r.Get("/v1/partnerships/self", s.PartnershipSelfHandler)

		// Notification channel and protected resources
		r.Put("/v1/channels/self", s.ChannelSetHandler)
		r.Get("/v1/channels/self", s.ChannelGetHandler)
		r.Put("/v1/blocklist", s.BlocklistSetHandler)
		r.Get("/v1/blocklist", s.BlocklistGetHandler)

		// Token auth
		r.Post("/v1/auth/token/revoke", s.TokenRevokeHandler)
		r.Get("/v1/auth/token/lookup-self", s.TokenLookupSelfHandler)

		r.Group(func(r chi.Router) {
			r.Use(adminOnly)
			r.Post("/v1/auth/token/create", s.TokenCreateHandler)
			r.Get("/v1/sys/audit-log", s.AuditLogHandler)
			r.Post("/v1/sys/sweep", s.SweepHandler)
		})
	})

	return r
}

// Start begins listening on the configured address. Event stream handlers
// lift the write timeout for their own connections.
func (s *Server) Start() error {
	if s.cfg.tlsEnabled() {
		s.httpSrv.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			CurvePreferences: []tls.CurveID{
				tls.CurveP256,
				tls.X25519,
			},
		}
		log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting HTTPS server")
		return s.httpSrv.ListenAndServeTLS(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
	}

	log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting HTTP server")
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
