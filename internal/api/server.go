package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/shohag/teamsrelay/internal/config"
	"github.com/shohag/teamsrelay/internal/storage"
)

// Deps are the collaborators the HTTP surface is built on.
type Deps struct {
	Store      storage.Storage
	Pipeline   Deliverer
	Credential CredentialManager
	Profile    ProfileFetcher
	Gatherer   prometheus.Gatherer
	Version    string
}

type Server struct {
	cfg      config.Config
	deps     Deps
	webhooks *WebhookHandler
	router   *chi.Mux
	log      zerolog.Logger
	http     *http.Server
}

func NewServer(cfg config.Config, deps Deps, log zerolog.Logger) *Server {
	s := &Server{
		cfg:  cfg,
		deps: deps,
		log:  log,
	}
	s.webhooks = NewWebhookHandler(deps.Store, deps.Pipeline, cfg.Webhook.MaxBodyBytes, cfg.Webhook.DedupeTTL, log)
	s.router = s.buildRouter()
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

	subHandler := NewSubscriptionHandler(s.deps.Store)
	attemptHandler := NewAttemptHandler(s.deps.Store)
	statsHandler := NewStatsHandler(s.deps.Store, s.deps.Version)
	credHandler := NewCredentialHandler(s.deps.Credential, s.deps.Profile)

	// Health check and metrics, no auth
	r.Get("/health", statsHandler.Health)
	if s.deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}

	// Authenticated per subscription by its secret
	r.Post("/webhooks/{subscriptionID}", s.webhooks.Receive)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(AuthMiddleware(s.cfg.Admin.APIKey))

		// Subscriptions
		r.Post("/subscriptions", subHandler.Create)
		r.Get("/subscriptions", subHandler.List)
		r.Get("/subscriptions/{id}", subHandler.Get)
		r.Put("/subscriptions/{id}", subHandler.Update)
		r.Delete("/subscriptions/{id}", subHandler.Delete)
		r.Patch("/subscriptions/{id}/toggle", subHandler.Toggle)
		r.Get("/subscriptions/{id}/stats", subHandler.Stats)

		// Delivery log
		r.Get("/attempts", attemptHandler.List)
		r.Get("/attempts/{id}", attemptHandler.Get)

		// Credential
		r.Get("/credential", credHandler.Status)
		r.Put("/credential", credHandler.Import)
		r.Delete("/credential", credHandler.Revoke)
		r.Get("/credential/profile", credHandler.Profile)

		// Stats
		r.Get("/stats", statsHandler.Stats)
	})

	return r
}

func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}

	s.webhooks.Start()
	s.log.Info().Str("addr", addr).Msg("starting HTTP server")
	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	s.webhooks.Stop()
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
