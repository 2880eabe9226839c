// Package server wires a configured transport backend, the echo service and
// the health endpoint into one runnable unit.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/postalsys/unisock/internal/config"
	"github.com/postalsys/unisock/internal/echo"
	"github.com/postalsys/unisock/internal/health"
	"github.com/postalsys/unisock/internal/logging"
	"github.com/postalsys/unisock/internal/metrics"
	"github.com/postalsys/unisock/internal/occupancy"
	"github.com/postalsys/unisock/internal/transport"
)

// Server owns the backend and the services built on it.
type Server struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	peers    *occupancy.Registry

	backend      transport.Backend
	echo         *echo.Server
	healthServer *health.Server

	running  atomic.Bool
	stopOnce sync.Once
}

// New binds the configured backend. A nil logger is built from cfg.Log.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = logging.NewLogger(cfg.Log.Level, cfg.Log.Format)
	}

	typ, err := transport.ParseType(cfg.Transport.Type)
	if err != nil {
		return nil, err
	}
	addr, err := cfg.Transport.BindAddr()
	if err != nil {
		return nil, fmt.Errorf("parse transport address: %w", err)
	}
	opts, err := cfg.Transport.Options()
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		registry: reg,
		metrics:  metrics.NewMetricsWithRegistry(reg),
		peers:    occupancy.New(),
	}

	opts.Logger = logger
	opts.Metrics = s.metrics
	opts.Registry = s.peers

	s.backend, err = transport.Bind(typ, addr, opts)
	if err != nil {
		return nil, fmt.Errorf("bind %s %s: %w", typ, addr, err)
	}

	if cfg.Echo.Enabled {
		s.echo = echo.New(s.backend, echo.Config{
			MaxConns:    cfg.Echo.MaxConns,
			IdleTimeout: cfg.Echo.IdleTimeout,
			BufferSize:  opts.MaxDatagramSize,
		}, logger, s.metrics)
	}

	if cfg.Health.Enabled {
		s.healthServer = health.NewServer(health.ServerConfig{
			Address:      cfg.Health.Address,
			ReadTimeout:  cfg.Health.ReadTimeout,
			WriteTimeout: cfg.Health.WriteTimeout,
			BasicAuth: health.BasicAuth{
				Username:     cfg.Health.BasicAuth.Username,
				PasswordHash: cfg.Health.BasicAuth.PasswordHash,
			},
			Gatherer: reg,
			Logger:   logger,
		}, s)
	}

	return s, nil
}

// Run serves until ctx is cancelled or a service fails, then releases the
// backend. It returns nil on a clean cancellation.
func (s *Server) Run(ctx context.Context) error {
	if s.running.Swap(true) {
		return errors.New("server already running")
	}
	defer s.running.Store(false)
	defer s.Close()

	if s.healthServer != nil {
		if err := s.healthServer.Start(); err != nil {
			return fmt.Errorf("start health server: %w", err)
		}
		defer s.healthServer.Stop()
	}

	s.logger.Info("server started",
		logging.KeyTransport, string(s.backend.Type()),
		logging.KeyLocalAddr, s.backend.LocalAddr().String(),
		"echo", s.echo != nil,
		"health", s.healthServer != nil)

	g, gctx := errgroup.WithContext(ctx)
	if s.echo != nil {
		g.Go(func() error {
			return s.echo.Serve(gctx)
		})
	} else {
		g.Go(func() error {
			<-gctx.Done()
			return nil
		})
	}

	err := g.Wait()
	s.logger.Info("server stopped")
	return err
}

// Close releases the backend. It is safe to call more than once.
func (s *Server) Close() error {
	var err error
	s.stopOnce.Do(func() {
		err = s.backend.Close()
	})
	return err
}

// Addr returns the backend's bound address.
func (s *Server) Addr() net.Addr {
	return s.backend.LocalAddr()
}

// HealthAddr returns the health server address, or nil when it is not
// listening.
func (s *Server) HealthAddr() net.Addr {
	if s.healthServer == nil {
		return nil
	}
	return s.healthServer.Address()
}

// Gatherer exposes the server's metrics registry.
func (s *Server) Gatherer() prometheus.Gatherer {
	return s.registry
}

// IsRunning reports whether the server is serving. With echo enabled it
// follows the echo listener.
func (s *Server) IsRunning() bool {
	if !s.running.Load() {
		return false
	}
	if s.echo != nil {
		return s.echo.Ready()
	}
	return true
}

// Stats returns a snapshot for the health endpoint.
func (s *Server) Stats() health.Stats {
	st := health.Stats{
		Transport:     string(s.backend.Type()),
		LocalAddr:     s.backend.LocalAddr().String(),
		PeersOccupied: s.peers.Len(),
	}
	if r, ok := s.backend.(transport.Reporter); ok {
		bs := r.Stats()
		st.Conns = bs.Conns
		st.Pending = bs.Pending
	}
	if s.echo != nil {
		es := s.echo.Stats()
		st.EchoActive = es.Active
		st.EchoTotal = es.Total
		st.EchoRejected = es.Rejected
	}
	return st
}
