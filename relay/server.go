// Package relay provides a reusable relay server that can be embedded
// in other binaries (the client's --host mode runs one in-process).
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/datafund/datacore-messaging/internal/logging"
	"github.com/datafund/datacore-messaging/internal/metrics"
	"github.com/datafund/datacore-messaging/internal/relay/config"
	"github.com/datafund/datacore-messaging/internal/relay/router"
	"github.com/datafund/datacore-messaging/internal/relay/session"
)

// ServerConfig holds configuration for a relay server.
type ServerConfig struct {
	Addr      string        // TCP listen address
	Secret    string        // shared secret for auth
	Heartbeat time.Duration // ping interval (zero uses the default)
}

// Server is a relay instance. It is a constructed value, not a global:
// hosting several relays in one process works and tests stay isolated.
type Server struct {
	cfg      *config.Config
	sessions *session.Manager
	router   *router.Router
	server   *http.Server
}

// NewServer creates a relay server. Call Serve to start listening.
func NewServer(sc ServerConfig) (*Server, error) {
	cfg := &config.Config{
		Addr:      sc.Addr,
		Secret:    sc.Secret,
		Heartbeat: sc.Heartbeat,
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	sessions := session.NewManager()
	s := &Server{
		cfg:      cfg,
		sessions: sessions,
		router:   router.New(sessions),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/status", s.handleStatus)
	mux.Handle("/metrics", promhttp.Handler())

	s.server = &http.Server{
		Handler: logging.HTTPMiddleware(metrics.HTTPMiddleware(mux)),
	}
	return s, nil
}

// Serve listens on the configured address and serves until ctx is
// cancelled. Failure to bind the port is fatal.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	}
	return s.serve(ctx, ln)
}

// ServeListener serves on a caller-provided listener. Used by tests and
// by the host mode when the port is chosen by the OS.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	return s.serve(ctx, ln)
}

func (s *Server) serve(ctx context.Context, ln net.Listener) error {
	slog.Info("relay listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	slog.Info("relay shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		_ = s.server.Close()
	}
	return nil
}

// Addr returns the configured listen address.
func (s *Server) Addr() string { return s.cfg.Addr }

// OnlineUsers returns the currently authenticated handles.
func (s *Server) OnlineUsers() []string { return s.sessions.Online() }

// handleStatus serves the health endpoint.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	users := s.sessions.Online()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":       "ok",
		"users_online": len(users),
		"users":        users,
	})
}
