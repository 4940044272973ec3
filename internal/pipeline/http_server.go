package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

const (
	defaultHTTPShutdownTimeout = 5 * time.Second
	httpReadHeaderTimeout      = 5 * time.Second
)

// HTTPServer runs a role-named HTTP server tied to a lifecycle context.
// Params: role label, listen address, handler, and logger for diagnostics.
// Returns: runnable HTTP server instance.
type HTTPServer struct {
	role            string
	listen          string
	ln              net.Listener
	server          *http.Server
	shutdownTimeout time.Duration
	logger          *slog.Logger
}

// NewHTTPServer creates an HTTP server and binds to the listen address.
// Params: role label for logs; listen address in host:port; handler HTTP handler; shutdownTimeout graceful stop bound; logger root logger.
// Returns: server instance or bind error.
func NewHTTPServer(role string, listen string, handler http.Handler, shutdownTimeout time.Duration, logger *slog.Logger) (*HTTPServer, error) {
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return nil, fmt.Errorf("%s listen %q: %w", role, listen, err)
	}
	return NewHTTPServerOnListener(role, ln, handler, shutdownTimeout, logger), nil
}

// NewHTTPServerOnListener wraps an already bound listener.
// Params: role label for logs; ln bound listener; handler HTTP handler; shutdownTimeout graceful stop bound; logger root logger.
// Returns: server instance.
func NewHTTPServerOnListener(role string, ln net.Listener, handler http.Handler, shutdownTimeout time.Duration, logger *slog.Logger) *HTTPServer {
	if shutdownTimeout <= 0 {
		shutdownTimeout = defaultHTTPShutdownTimeout
	}

	return &HTTPServer{
		role:   role,
		listen: ln.Addr().String(),
		ln:     ln,
		server: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: httpReadHeaderTimeout,
		},
		shutdownTimeout: shutdownTimeout,
		logger:          logger,
	}
}

// Addr returns the bound listener address.
// Params: none.
// Returns: listener address.
func (s *HTTPServer) Addr() net.Addr {
	return s.ln.Addr()
}

// Close releases the listener of a server that never ran.
// Params: none.
// Returns: none.
func (s *HTTPServer) Close() {
	_ = s.ln.Close()
}

// Run starts serving and shuts down on context cancellation.
// Params: ctx lifecycle context.
// Returns: nil on graceful stop; error on early serve failures.
func (s *HTTPServer) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.Serve(s.ln)
	}()

	s.logger.Info("http server started", slog.String("role", s.role), slog.String("addr", s.ln.Addr().String()))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("http server forced close", slog.String("role", s.role), slog.String("error", err.Error()))
			_ = s.server.Close()
		}
		err := <-errCh
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case err := <-errCh:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		s.logger.Error("http server stopped unexpectedly", slog.String("role", s.role), slog.String("listen", s.listen), slog.String("error", err.Error()))
		return err
	}
}
