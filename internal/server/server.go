package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"pushrpc/internal/config"
)

// Server wraps a Broker in an http.Server lifecycle
type Server struct {
	cfg        *config.Config
	broker     *Broker
	httpServer *http.Server
	logger     zerolog.Logger
}

// New creates a new Server
func New(cfg *config.Config, broker *Broker, logger zerolog.Logger) *Server {
	return &Server{
		cfg:    cfg,
		broker: broker,
		logger: logger.With().Str("component", "server").Logger(),
	}
}

// Broker returns the wrapped broker
func (s *Server) Broker() *Broker {
	return s.broker
}

// Start starts the HTTP listener
func (s *Server) Start() {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.broker,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		s.logger.Info().Str("addr", addr).Msg("starting server")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("server error")
		}
	}()
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("shutting down server...")

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	s.broker.Close()

	if err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}
	s.logger.Info().Msg("server stopped")
	return nil
}
