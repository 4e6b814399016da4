// Package server runs the sandbox target: an S3-compatible HTTP server with a
// data-corruption fault switch.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/kumasuke/dura/internal/api"
	"github.com/kumasuke/dura/internal/auth"
	"github.com/kumasuke/dura/internal/config"
	"github.com/kumasuke/dura/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

// Server is a sandbox instance: a filesystem store behind the S3 router.
type Server struct {
	httpServer *http.Server
	storage    storage.Storage
	config     config.SandboxConfig
}

// New opens the store described by cfg and builds the HTTP server. Nothing
// listens until Start or Serve.
func New(cfg config.SandboxConfig) (*Server, error) {
	store, err := storage.NewFileSystem(cfg.DataDir, cfg.MetadataDB)
	if err != nil {
		return nil, fmt.Errorf("failed to open sandbox storage: %w", err)
	}

	var authn auth.Authenticator = auth.Disabled{}
	if cfg.Auth {
		authn = auth.NewSigV4(cfg.AccessKey, cfg.SecretKey)
	}

	return &Server{
		// No WriteTimeout: GETs of large objects stream for minutes.
		httpServer: &http.Server{
			Addr:              net.JoinHostPort(cfg.Address, strconv.Itoa(cfg.Port)),
			Handler:           NewRouter(api.NewHandler(store), authn, prometheus.NewRegistry()),
			ReadHeaderTimeout: 30 * time.Second,
			IdleTimeout:       2 * time.Minute,
		},
		storage: store,
		config:  cfg,
	}, nil
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	log.Info().
		Str("addr", ln.Addr().String()).
		Bool("auth", s.config.Auth).
		Str("data_dir", s.config.DataDir).
		Msg("Sandbox listening")

	if err := s.httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("sandbox server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests for up to 30 seconds and closes the
// store.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	log.Info().Msg("Sandbox shutting down")
	return errors.Join(s.httpServer.Shutdown(ctx), s.storage.Close())
}

// Storage exposes the store, for tests that inspect it directly.
func (s *Server) Storage() storage.Storage {
	return s.storage
}
