// README: API gateway; owns the http.Server and its graceful shutdown.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"courier/internal/config"
	"courier/internal/infra"
	"courier/internal/modules/location"
	"courier/internal/modules/matching"
	"courier/internal/modules/order"
	"courier/internal/modules/presence"
	"courier/internal/socket"
)

type ServerDeps struct {
	Order    *order.Service
	Matching *matching.Service
	Presence *presence.Registry
	Relay    *location.Relay
	Hub      *socket.Hub
	Verifier infra.TokenVerifier
	Gatherer prometheus.Gatherer
	Logger   zerolog.Logger
	CORS     config.CORSConfig
}

type Server struct {
	srv             *http.Server
	logger          zerolog.Logger
	shutdownTimeout time.Duration
}

// NewServer builds the router. ctx bounds the lifetime of websocket connections.
func NewServer(ctx context.Context, cfg config.ServerConfig, deps ServerDeps) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              cfg.Addr(),
			Handler:           NewRouter(ctx, deps),
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger:          deps.Logger.With().Str("component", "server").Logger(),
		shutdownTimeout: cfg.ShutdownTimeout,
	}
}

func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.srv.Addr).Msg("listening")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	timeout := s.shutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	s.logger.Info().Msg("shutting down")
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
