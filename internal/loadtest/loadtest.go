// Package loadtest drives echo round trips against a running server over any
// transport backend and reports latency and throughput.
package loadtest

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/postalsys/unisock/internal/transport"
)

// Defaults for zero Config fields.
const (
	DefaultConcurrency = 4
	DefaultPayloadSize = 64
	DefaultDuration    = 5 * time.Second
	DefaultTimeout     = time.Second
)

// Config describes one load run.
type Config struct {
	Transport transport.TransportType

	// Bind is the local address of every worker backend. Its port should be
	// zero so each worker gets its own socket.
	Bind netip.AddrPort

	// Peer is the echo server address.
	Peer netip.AddrPort

	// Options are passed to each worker backend.
	Options transport.Options

	Concurrency int
	PayloadSize int
	Duration    time.Duration

	// Timeout bounds a single round trip. A datagram lost on the way counts
	// as a failure once it expires.
	Timeout time.Duration
}

// Result aggregates all workers.
type Result struct {
	Workers       int
	RoundTrips    int64
	Failures      int64
	BytesSent     int64
	BytesReceived int64
	MinLatency    time.Duration
	MaxLatency    time.Duration
	AvgLatency    time.Duration
	Duration      time.Duration
}

// RoundTripsPerSecond returns the successful round trip rate.
func (r *Result) RoundTripsPerSecond() float64 {
	if r.Duration <= 0 {
		return 0
	}
	return float64(r.RoundTrips) / r.Duration.Seconds()
}

// Throughput returns bytes per second in both directions.
func (r *Result) Throughput() float64 {
	if r.Duration <= 0 {
		return 0
	}
	return float64(r.BytesSent+r.BytesReceived) / r.Duration.Seconds()
}

// workerStats is accumulated locally by each worker and merged at the end.
type workerStats struct {
	trips, failures int64
	sent, received  int64
	total, min, max time.Duration
}

func (cfg Config) withDefaults() Config {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.PayloadSize <= 0 {
		cfg.PayloadSize = DefaultPayloadSize
	}
	if cfg.Duration <= 0 {
		cfg.Duration = DefaultDuration
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return cfg
}

// Run starts Concurrency workers, each with its own backend and Conn to
// Peer, and loops write-then-read until Duration elapses or ctx is done.
// Any worker failing to bind or connect aborts the run.
func Run(ctx context.Context, cfg Config) (*Result, error) {
	cfg = cfg.withDefaults()
	if !cfg.Peer.IsValid() {
		return nil, errors.New("loadtest: peer address is required")
	}

	runCtx, cancel := context.WithTimeout(ctx, cfg.Duration)
	defer cancel()

	var (
		mu  sync.Mutex
		agg = workerStats{}
	)

	start := time.Now()
	g, gctx := errgroup.WithContext(runCtx)
	for i := 0; i < cfg.Concurrency; i++ {
		g.Go(func() error {
			ws, err := runWorker(gctx, cfg)
			if err != nil {
				return err
			}
			mu.Lock()
			agg.merge(ws)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := &Result{
		Workers:       cfg.Concurrency,
		RoundTrips:    agg.trips,
		Failures:      agg.failures,
		BytesSent:     agg.sent,
		BytesReceived: agg.received,
		MinLatency:    agg.min,
		MaxLatency:    agg.max,
		Duration:      time.Since(start),
	}
	if agg.trips > 0 {
		res.AvgLatency = agg.total / time.Duration(agg.trips)
	}
	return res, nil
}

func (s *workerStats) merge(o workerStats) {
	s.trips += o.trips
	s.failures += o.failures
	s.sent += o.sent
	s.received += o.received
	s.total += o.total
	if o.trips > 0 {
		if s.min == 0 || o.min < s.min {
			s.min = o.min
		}
		if o.max > s.max {
			s.max = o.max
		}
	}
}

func (s *workerStats) record(latency time.Duration) {
	s.trips++
	s.total += latency
	if s.min == 0 || latency < s.min {
		s.min = latency
	}
	if latency > s.max {
		s.max = latency
	}
}

func runWorker(ctx context.Context, cfg Config) (workerStats, error) {
	var ws workerStats

	b, err := transport.Bind(cfg.Transport, cfg.Bind, cfg.Options)
	if err != nil {
		return ws, err
	}
	defer b.Close()

	conn, err := b.Connect(ctx, cfg.Peer)
	if err != nil {
		if ctx.Err() != nil {
			return ws, nil
		}
		return ws, fmt.Errorf("connect %s: %w", cfg.Peer, err)
	}
	defer conn.Close()

	stream := cfg.Transport == transport.TransportTCP
	payload := make([]byte, cfg.PayloadSize)
	buf := make([]byte, cfg.PayloadSize+1)

	for ctx.Err() == nil {
		rand.Read(payload)

		tripCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		start := time.Now()
		var ok bool
		if stream {
			ok = streamTrip(tripCtx, conn, payload, buf, &ws)
		} else {
			ok = datagramTrip(tripCtx, conn, payload, buf, &ws)
		}
		cancel()

		switch {
		case ok:
			ws.record(time.Since(start))
		case ctx.Err() == nil:
			ws.failures++
			// A stream that lost a reply can no longer be realigned.
			if stream {
				return ws, nil
			}
		}
	}
	return ws, nil
}

// datagramTrip writes payload and reads until a matching echo arrives. Late
// replies to an earlier, timed-out payload are skipped.
func datagramTrip(ctx context.Context, conn transport.Conn, payload, buf []byte, ws *workerStats) bool {
	n, err := conn.Write(ctx, payload)
	if err != nil {
		return false
	}
	ws.sent += int64(n)

	for {
		n, err := conn.Read(ctx, buf)
		if err != nil {
			return false
		}
		ws.received += int64(n)
		if bytes.Equal(buf[:n], payload) {
			return true
		}
	}
}

// streamTrip writes payload and reads until len(payload) bytes are back.
func streamTrip(ctx context.Context, conn transport.Conn, payload, buf []byte, ws *workerStats) bool {
	n, err := conn.Write(ctx, payload)
	if err != nil {
		return false
	}
	ws.sent += int64(n)

	got := 0
	for got < len(payload) {
		n, err := conn.Read(ctx, buf[got:len(payload)])
		if err != nil {
			return false
		}
		ws.received += int64(n)
		got += n
	}
	return bytes.Equal(buf[:got], payload)
}
