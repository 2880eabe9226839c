// Package echo serves an echo service over any transport backend: every
// datagram a peer sends is written back to it unchanged.
package echo

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/postalsys/unisock/internal/logging"
	"github.com/postalsys/unisock/internal/metrics"
	"github.com/postalsys/unisock/internal/recovery"
	"github.com/postalsys/unisock/internal/transport"
)

// Default values.
const (
	DefaultIdleTimeout = 60 * time.Second
	DefaultBufferSize  = transport.DefaultMaxDatagramSize
)

// Config configures the echo server.
type Config struct {
	// MaxConns caps concurrent sessions. Zero or negative means no cap.
	MaxConns int

	// IdleTimeout closes a session after this long without a datagram.
	IdleTimeout time.Duration

	// BufferSize is the read buffer per session.
	BufferSize int
}

// Stats is a snapshot of the server's sessions.
type Stats struct {
	Active   int64 `json:"active"`
	Total    int64 `json:"total"`
	Rejected int64 `json:"rejected"`
}

// Server accepts Conns from a backend and echoes them.
type Server struct {
	backend transport.Backend
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	active   atomic.Int64
	total    atomic.Int64
	rejected atomic.Int64
	ready    atomic.Bool
}

// New creates an echo server for backend. A nil logger discards logs; nil
// metrics use a private registry.
func New(backend transport.Backend, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Server {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if m == nil {
		m = metrics.NewUnregistered()
	}
	return &Server{
		backend: backend,
		cfg:     cfg,
		logger:  logging.Component(logger, "echo"),
		metrics: m,
	}
}

// Stats returns the current session counters.
func (s *Server) Stats() Stats {
	return Stats{
		Active:   s.active.Load(),
		Total:    s.total.Load(),
		Rejected: s.rejected.Load(),
	}
}

// Ready reports whether Serve is accepting.
func (s *Server) Ready() bool {
	return s.ready.Load()
}

// Serve accepts and echoes until ctx is cancelled or the listener fails.
// It closes the listener and waits for every session before returning.
func (s *Server) Serve(ctx context.Context) error {
	l, err := s.backend.Listen()
	if err != nil {
		return err
	}
	defer l.Close()

	var g errgroup.Group
	if s.cfg.MaxConns > 0 {
		g.SetLimit(s.cfg.MaxConns)
	}

	s.ready.Store(true)
	defer s.ready.Store(false)

	s.logger.Info("echo service started",
		logging.KeyTransport, string(s.backend.Type()),
		logging.KeyLocalAddr, l.Addr().String())

	var serveErr error
	for {
		conn, peer, err := l.Accept(ctx)
		if err != nil {
			if ctx.Err() == nil {
				serveErr = err
			}
			break
		}

		if !g.TryGo(func() error {
			defer recovery.RecoverWithLog(s.logger, "echo.session")
			s.session(ctx, conn)
			return nil
		}) {
			s.rejected.Add(1)
			s.logger.Warn("session limit reached, closing",
				logging.KeyRemoteAddr, peer.String(),
				"max_conns", s.cfg.MaxConns)
			conn.Close()
		}
	}

	l.Close()
	g.Wait()

	s.logger.Info("echo service stopped", logging.KeyCount, s.total.Load())
	return serveErr
}

// session echoes one Conn until idle, closed or cancelled.
func (s *Server) session(ctx context.Context, conn transport.Conn) {
	defer conn.Close()

	s.active.Add(1)
	s.total.Add(1)
	s.metrics.RecordEchoStart()
	defer func() {
		s.active.Add(-1)
		s.metrics.RecordEchoEnd()
	}()

	peer := conn.RemoteAddr().String()
	s.logger.Debug("session started", logging.KeyRemoteAddr, peer)
	start := time.Now()

	buf := make([]byte, s.cfg.BufferSize)
	var echoed int
	for {
		rctx, cancel := context.WithTimeout(ctx, s.cfg.IdleTimeout)
		n, err := conn.Read(rctx, buf)
		cancel()

		if err != nil {
			switch {
			case errors.Is(err, transport.ErrUnexpectedMessage):
				continue
			case ctx.Err() != nil:
			case errors.Is(err, context.DeadlineExceeded):
				s.logger.Debug("session idle", logging.KeyRemoteAddr, peer)
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), errors.Is(err, transport.ErrNotConnected):
			default:
				s.logger.Debug("session read failed", logging.KeyRemoteAddr, peer, logging.KeyError, err)
			}
			break
		}

		if _, err := conn.Write(ctx, buf[:n]); err != nil {
			s.logger.Debug("session write failed", logging.KeyRemoteAddr, peer, logging.KeyError, err)
			break
		}
		echoed += n
	}

	s.logger.Debug("session ended",
		logging.KeyRemoteAddr, peer,
		logging.KeyBytes, echoed,
		logging.KeyDuration, time.Since(start))
}
