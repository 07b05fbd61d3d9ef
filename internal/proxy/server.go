package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/songzhibin97/conduit/internal/config"
	"github.com/songzhibin97/conduit/pkg/log"
)

// Server represents the gateway server
type Server struct {
	config     config.ServerConfig
	httpServer *http.Server
	logger     log.Logger
}

// NewServer creates the gateway server. With TLS enabled HTTP/2 is
// negotiated through ALPN; otherwise HTTP/2 cleartext is accepted when
// configured.
func NewServer(cfg config.ServerConfig, handler http.Handler, logger log.Logger) (*Server, error) {
	if logger == nil {
		logger = log.Component("gateway-server")
	}

	h2s := &http2.Server{IdleTimeout: cfg.IdleTimeout}
	httpServer := &http.Server{
		Addr:           cfg.Address,
		Handler:        handler,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		IdleTimeout:    cfg.IdleTimeout,
		MaxHeaderBytes: cfg.MaxHeaderBytes,
	}

	switch {
	case cfg.TLS.Enabled:
		if err := http2.ConfigureServer(httpServer, h2s); err != nil {
			return nil, fmt.Errorf("failed to configure HTTP/2: %w", err)
		}
	case cfg.H2C:
		httpServer.Handler = h2c.NewHandler(handler, h2s)
	}

	return &Server{
		config:     cfg,
		httpServer: httpServer,
		logger:     logger,
	}, nil
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
	s.logger.Info("gateway server listening",
		log.String("address", ln.Addr().String()),
		log.Bool("tls", s.config.TLS.Enabled),
		log.Bool("h2c", s.config.H2C && !s.config.TLS.Enabled),
	)

	var err error
	if s.config.TLS.Enabled {
		err = s.httpServer.ServeTLS(ln, s.config.TLS.CertFile, s.config.TLS.KeyFile)
	} else {
		err = s.httpServer.Serve(ln)
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
