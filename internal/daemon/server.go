package daemon

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rcsgo/rcsd/internal/status"
	"go.uber.org/zap"
)

// Server exposes the observability endpoints: Prometheus metrics and a
// health probe reporting the IMS registration state.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
	logger     *zap.Logger
}

// NewServer binds the observability listener. An empty address disables it.
func NewServer(p Params, machine *status.Machine, logger *zap.Logger) (*Server, error) {
	if p.MetricsAddr == "" {
		return &Server{logger: logger}, nil
	}

	listener, err := net.Listen("tcp", p.MetricsAddr)
	if err != nil {
		return nil, fmt.Errorf("listen metrics addr: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, machine.Current())
	})

	return &Server{
		httpServer: &http.Server{Handler: mux},
		listener:   listener,
		logger:     logger,
	}, nil
}

// Addr returns the bound listener address, empty when disabled.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Start begins serving. Blocks until stopped.
func (s *Server) Start() error {
	if s.listener == nil {
		return nil
	}
	s.logger.Info("metrics server starting", zap.String("addr", s.Addr()))
	err := s.httpServer.Serve(s.listener)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop performs a graceful shutdown.
func (s *Server) Stop(ctx context.Context) {
	if s.httpServer == nil {
		return
	}
	s.logger.Info("metrics server stopping")
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_ = s.httpServer.Shutdown(shutdownCtx)
}
