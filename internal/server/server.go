// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/noldarim/buildgate/internal/config"
	"github.com/noldarim/buildgate/internal/protocol"
)

// Server is the webhook receiver and REST + WebSocket API server.
type Server struct {
	httpServer  *http.Server
	broadcaster *EventBroadcaster
}

// New creates and wires up the API server. It does not start listening;
// call Run() for that.
func New(
	cfg *config.ServerConfig,
	webhookSecret string,
	eventChan <-chan protocol.Event,
	runs RunSubmitter,
) *Server {
	registry := NewClientRegistry()
	broadcaster := NewEventBroadcaster(eventChan, registry)

	if webhookSecret == "" {
		getLog().Warn().Msg("No webhook secret configured, webhook signatures are not verified")
	}

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:           NewRouter(cfg, webhookSecret, registry, NewHandlers(runs)),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		broadcaster: broadcaster,
	}
}

// NewRouter builds the route table.
func NewRouter(cfg *config.ServerConfig, webhookSecret string, registry *ClientRegistry, handlers *Handlers) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(Recovery)
	r.Use(RequestID)
	r.Use(Logger)
	r.Use(CORS(cfg.AllowedOrigins))
	r.Use(MaxBodySize(5 << 20)) // forge payloads can be large

	r.Get("/healthz", handlers.Healthz)
	r.With(VerifySignature(webhookSecret)).Post("/webhooks/github", handlers.GitHubWebhook)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/runs", handlers.ListRuns)
		r.Post("/runs", handlers.CreateRun)
		r.Get("/runs/{id}", handlers.GetRun)
	})

	r.Get("/ws", HandleWebSocket(registry, cfg.AllowedOrigins, handlers.runs.GetRun))
	return r
}

// Run serves until Shutdown is called. Events are fanned out for as long
// as ctx lives.
func (s *Server) Run(ctx context.Context) error {
	go s.broadcaster.Run(ctx)

	getLog().Info().Str("addr", s.httpServer.Addr).Msg("API server listening")
	if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
