// Package server exposes the journey engine over HTTP: step execution for
// the graph executor, template administration, and the operational kill
// switch.
package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/loupeai/journey/internal/journey/engine"
)

// Config holds server configuration.
type Config struct {
	Addr string // listen address, e.g. ":8470"
}

// Server is the HTTP front for a single engine instance.
type Server struct {
	config  Config
	engine  *engine.Engine
	baseCtx context.Context
	cancel  context.CancelFunc
	httpSrv *http.Server
	logger  *zap.Logger
}

// New creates a Server around eng. The logger must be non-nil.
func New(cfg Config, eng *engine.Engine, logger *zap.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:  cfg,
		engine:  eng,
		baseCtx: ctx,
		cancel:  cancel,
		logger:  logger,
	}

	s.httpSrv = &http.Server{
		Handler:      s.routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // step execution includes retry sleeps
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	return s
}

// routes builds the method+pattern mux (Go 1.22+ routing).
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/healthz", s.handleHealth)
	mux.HandleFunc("POST /v1/steps/execute", s.handleExecuteStep)
	mux.HandleFunc("POST /v1/templates", s.handlePutTemplate)
	mux.HandleFunc("GET /v1/templates", s.handleListTemplates)
	mux.HandleFunc("GET /v1/templates/{id}", s.handleGetTemplate)
	mux.HandleFunc("PUT /v1/safety/killswitch", s.handleKillSwitch)
	mux.HandleFunc("GET /v1/safety/killswitch", s.handleGetKillSwitch)
	return mux
}

// Handler exposes the routed handler for tests and embedding.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// ListenAndServe starts the server and blocks until Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info("listening", zap.String("addr", s.config.Addr))
	s.httpSrv.Addr = s.config.Addr
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Warn("shutdown", zap.Error(err))
	}
	s.cancel()
}
