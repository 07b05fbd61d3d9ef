package controller

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/songzhibin97/conduit/internal/config"
	"github.com/songzhibin97/conduit/internal/controller/api"
	"github.com/songzhibin97/conduit/pkg/log"
)

// Server represents the admin API server
type Server struct {
	config     config.AdminConfig
	httpServer *http.Server
	logger     log.Logger
}

// NewServer creates the admin server for handler.
func NewServer(cfg config.AdminConfig, handler *api.Handler, logger log.Logger) *Server {
	if logger == nil {
		logger = log.Component("admin-server")
	}
	gin.SetMode(gin.ReleaseMode)

	return &Server{
		config: cfg,
		httpServer: &http.Server{
			Addr:              cfg.Address,
			Handler:           api.NewEngine(handler),
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("admin server listening", log.String("address", ln.Addr().String()))
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
