package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/keepsake/backend/internal/config"
)

// Server wraps the http.Server with the configured timeouts.
type Server struct {
	inner *http.Server
}

// New constructs a server listening on the provided port. Zero timeouts fall
// back to conservative defaults.
func New(port int, handler http.Handler, timeouts config.HTTPConfig) *Server {
	return &Server{
		inner: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       orDefault(timeouts.ReadTimeout, 15*time.Second),
			WriteTimeout:      orDefault(timeouts.WriteTimeout, 30*time.Second),
			IdleTimeout:       orDefault(timeouts.IdleTimeout, 60*time.Second),
		},
	}
}

// Addr reports the listen address.
func (s *Server) Addr() string {
	return s.inner.Addr
}

// Start begins serving HTTP traffic.
func (s *Server) Start() error {
	return s.inner.ListenAndServe()
}

// Shutdown gracefully terminates the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.inner.Shutdown(ctx)
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}
