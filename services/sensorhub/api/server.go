package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Server runs the HTTP API.
type Server struct {
	logger     zerolog.Logger
	httpServer *http.Server
	listener   net.Listener
}

// NewServer binds addr right away so a ":0" address can be inspected with
// Addr before Start.
func NewServer(addr string, handler http.Handler, logger zerolog.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	return &Server{
		logger:   logger.With().Str("component", "HTTPServer").Logger(),
		listener: ln,
		httpServer: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string { return s.listener.Addr().String() }

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info().Str("address", s.Addr()).Msg("Starting HTTP server.")
	if err := s.httpServer.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) {
	// Shutdown only closes listeners Serve has seen.
	defer s.listener.Close()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Error during HTTP server shutdown.")
		return
	}
	s.logger.Info().Msg("HTTP server stopped.")
}
