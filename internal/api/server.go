// Package api exposes the ingest, lookup and operations endpoints.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opensource-finance/kestrel/internal/metrics"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	deps    Deps
}

// NewServer creates a new API server.
func NewServer(deps Deps) *Server {
	handler := NewHandler(deps)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)
	router.Use(RecoverMiddleware)
	router.Use(TracingMiddleware)
	router.Use(LoggingMiddleware)
	router.Use(middleware.RealIP)
	router.Use(middleware.Compress(5))

	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	router.Get("/status", handler.Status)
	if deps.State != nil {
		router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(metrics.NewRegistry(deps.State), promhttp.HandlerOpts{}))
	}

	router.Post("/transactions", handler.SubmitTransaction)
	router.Get("/transactions/{id}", handler.GetTransaction)
	router.Get("/predictions/{txId}", handler.GetPrediction)

	// dead-letter is registered before {id} so it is not read as an alert id
	router.Get("/alerts/dead-letter", handler.ListDeadLetters)
	router.Get("/alerts/{id}", handler.GetAlert)

	router.Route("/webhooks", func(r chi.Router) {
		r.Use(middleware.AllowContentType("application/json"))
		r.Post("/stripe", handler.StripeWebhook)
		r.Post("/paypal", handler.PayPalWebhook)
		r.Post("/test", handler.TestWebhook)
	})

	router.Post("/sync/stripe", handler.SyncStripe)

	router.Get("/rules", handler.ListRules)
	router.Post("/rules/reload", handler.ReloadRules)

	router.Post("/reputation", handler.ReportReputation)

	return &Server{
		router:  router,
		handler: handler,
		deps:    deps,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	cfg := s.deps.Server
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(cfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
