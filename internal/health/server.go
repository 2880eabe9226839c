// Package health provides the health, readiness and metrics HTTP endpoints
// for a running unisock server.
package health

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/bcrypt"

	"github.com/postalsys/unisock/internal/logging"
	"github.com/postalsys/unisock/internal/recovery"
	"github.com/postalsys/unisock/internal/sysinfo"
)

// StatsProvider provides server statistics.
type StatsProvider interface {
	// IsRunning returns true if the echo service is accepting.
	IsRunning() bool

	// Stats returns a snapshot of the backend and echo counters.
	Stats() Stats
}

// Stats contains server health statistics.
type Stats struct {
	Transport     string `json:"transport"`
	LocalAddr     string `json:"local_addr"`
	Conns         int    `json:"conns"`
	Pending       int    `json:"pending"`
	PeersOccupied int    `json:"peers_occupied"`
	EchoActive    int64  `json:"echo_active"`
	EchoTotal     int64  `json:"echo_total"`
	EchoRejected  int64  `json:"echo_rejected"`

	// Filled by the health server from sysinfo.
	Version       string `json:"version"`
	Hostname      string `json:"hostname"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// BasicAuth protects every endpoint except /health. PasswordHash is a bcrypt
// hash; an empty Username disables the check.
type BasicAuth struct {
	Username     string
	PasswordHash string
}

// Enabled reports whether credentials are configured.
func (a BasicAuth) Enabled() bool {
	return a.Username != "" && a.PasswordHash != ""
}

// ServerConfig contains health server configuration.
type ServerConfig struct {
	// Address to listen on (e.g., ":9090")
	Address string

	// ReadTimeout for HTTP reads
	ReadTimeout time.Duration

	// WriteTimeout for HTTP writes
	WriteTimeout time.Duration

	// BasicAuth guards /healthz, /ready, /metrics and /debug/pprof.
	BasicAuth BasicAuth

	// Gatherer serves /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer

	// Logger for server errors. Nil discards.
	Logger *slog.Logger
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:      ":9090",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Server is an HTTP server for health check endpoints.
type Server struct {
	cfg      ServerConfig
	provider StatsProvider
	info     sysinfo.Info
	logger   *slog.Logger
	server   *http.Server
	listener net.Listener
	running  atomic.Bool
	wg       sync.WaitGroup
}

// NewServer creates a new health check server.
func NewServer(cfg ServerConfig, provider StatsProvider) *Server {
	s := &Server{
		cfg:      cfg,
		provider: provider,
		info:     sysinfo.Collect(),
		logger:   logging.Component(cfg.Logger, "health"),
	}

	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/healthz", s.protect(http.HandlerFunc(s.handleHealthz)))
	mux.Handle("/ready", s.protect(http.HandlerFunc(s.handleReady)))
	mux.Handle("/metrics", s.protect(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	// pprof debug endpoints
	mux.Handle("/debug/pprof/", s.protect(http.HandlerFunc(pprof.Index)))
	mux.Handle("/debug/pprof/cmdline", s.protect(http.HandlerFunc(pprof.Cmdline)))
	mux.Handle("/debug/pprof/profile", s.protect(http.HandlerFunc(pprof.Profile)))
	mux.Handle("/debug/pprof/symbol", s.protect(http.HandlerFunc(pprof.Symbol)))
	mux.Handle("/debug/pprof/trace", s.protect(http.HandlerFunc(pprof.Trace)))

	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s
}

// Start starts the health check server.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return err
	}
	s.listener = ln
	s.running.Store(true)

	recovery.Go(&s.wg, s.logger, "health.serve", func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("health server stopped", logging.KeyError, err)
		}
	})

	s.logger.Info("health server started", logging.KeyLocalAddr, ln.Addr().String())
	return nil
}

// Stop stops the health check server.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.server.Shutdown(ctx)
	s.wg.Wait()
	return err
}

// Address returns the server's listen address.
func (s *Server) Address() net.Addr {
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// protect wraps h with basic auth when credentials are configured.
func (s *Server) protect(h http.Handler) http.Handler {
	auth := s.cfg.BasicAuth
	if !auth.Enabled() {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || !checkCredentials(auth, user, pass) {
			w.Header().Set("WWW-Authenticate", `Basic realm="unisock"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h.ServeHTTP(w, r)
	})
}

func checkCredentials(auth BasicAuth, user, pass string) bool {
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(auth.Username)) == 1
	passOK := bcrypt.CompareHashAndPassword([]byte(auth.PasswordHash), []byte(pass)) == nil
	return userOK && passOK
}

// HashPassword returns a bcrypt hash suitable for BasicAuth.PasswordHash.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// handleHealth handles the basic health check endpoint.
// Returns 200 if the server is responding.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK\n"))
}

// handleHealthz handles the detailed health check endpoint.
// Returns 200 with JSON stats if healthy, 503 if not running.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.provider == nil || !s.provider.IsRunning() {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":  "unavailable",
			"running": false,
		})
		return
	}

	stats := s.provider.Stats()
	response := map[string]interface{}{
		"status":         "healthy",
		"running":        true,
		"transport":      stats.Transport,
		"local_addr":     stats.LocalAddr,
		"conns":          stats.Conns,
		"pending":        stats.Pending,
		"peers_occupied": stats.PeersOccupied,
		"echo_active":    stats.EchoActive,
		"echo_total":     stats.EchoTotal,
		"echo_rejected":  stats.EchoRejected,
		"version":        s.info.Version,
		"hostname":       s.info.Hostname,
		"uptime_seconds": sysinfo.UptimeSeconds(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)
}

// handleReady handles the readiness probe endpoint.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.provider == nil || !s.provider.IsRunning() {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("NOT READY\n"))
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("READY\n"))
}

// Handler returns the HTTP handler for embedding in other servers.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}
