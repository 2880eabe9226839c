package main

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/postalsys/unisock/internal/loadtest"
	"github.com/postalsys/unisock/internal/transport"
)

type benchOptions struct {
	send        sendOptions
	concurrency int
	size        string
	duration    time.Duration
}

func benchCmd() *cobra.Command {
	opts := benchOptions{}

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Measure echo round trips against a running server",
		Example: `  unisock bench --peer 127.0.0.1:9000 -n 16 --size 1KB --duration 10s
  unisock bench -t quic -k --peer 10.0.0.5:4433`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.config()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			res, err := loadtest.Run(ctx, cfg)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), renderBench(cfg, res))
			return nil
		},
	}

	cmd.Flags().StringVarP(&opts.send.transport, "transport", "t", string(transport.TransportUDPMux), "Transport: udpmux, udp, tcp, ws, quic")
	cmd.Flags().StringVarP(&opts.send.bind, "bind", "b", "0.0.0.0:0", "Local address for each worker (port 0)")
	cmd.Flags().StringVarP(&opts.send.peer, "peer", "p", "", "Echo server address (ip:port)")
	cmd.Flags().DurationVar(&opts.send.timeout, "timeout", time.Second, "Time to wait for each reply")
	cmd.Flags().BoolVarP(&opts.send.insecure, "insecure", "k", false, "Skip peer certificate verification")
	cmd.Flags().StringVar(&opts.send.pin, "fingerprint", "", "Pin the peer certificate fingerprint (sha256:<hex>)")
	cmd.Flags().StringVar(&opts.send.wsPath, "ws-path", transport.DefaultWSPath, "WebSocket endpoint path")
	cmd.Flags().IntVarP(&opts.concurrency, "concurrency", "n", loadtest.DefaultConcurrency, "Number of parallel connections")
	cmd.Flags().StringVar(&opts.size, "size", "64B", "Payload size per datagram (e.g. 512, 1KB)")
	cmd.Flags().DurationVarP(&opts.duration, "duration", "d", loadtest.DefaultDuration, "How long to run")
	cmd.MarkFlagRequired("peer")

	return cmd
}

func (o benchOptions) config() (loadtest.Config, error) {
	typ, err := transport.ParseType(o.send.transport)
	if err != nil {
		return loadtest.Config{}, err
	}
	bind, err := netip.ParseAddrPort(o.send.bind)
	if err != nil {
		return loadtest.Config{}, fmt.Errorf("invalid --bind: %w", err)
	}
	peer, err := netip.ParseAddrPort(o.send.peer)
	if err != nil {
		return loadtest.Config{}, fmt.Errorf("invalid --peer: %w", err)
	}
	size, err := humanize.ParseBytes(o.size)
	if err != nil {
		return loadtest.Config{}, fmt.Errorf("invalid --size: %w", err)
	}
	if size == 0 || size > transport.DefaultMaxDatagramSize {
		return loadtest.Config{}, fmt.Errorf("--size must be between 1 and %d bytes", transport.DefaultMaxDatagramSize)
	}

	return loadtest.Config{
		Transport: typ,
		Bind:      bind,
		Peer:      peer,
		Options: transport.Options{
			InsecureSkipVerify: o.send.insecure,
			Fingerprint:        o.send.pin,
			WSPath:             o.send.wsPath,
		},
		Concurrency: o.concurrency,
		PayloadSize: int(size),
		Duration:    o.duration,
		Timeout:     o.send.timeout,
	}, nil
}

func renderBench(cfg loadtest.Config, res *loadtest.Result) string {
	return fmt.Sprintf(`%s echo against %s, %d workers, %s payload, %s
  round trips: %s (%.0f/s), %s failed
  latency:     min %s, avg %s, max %s
  throughput:  %s/s (%s sent, %s received)
`,
		cfg.Transport, cfg.Peer, res.Workers, humanize.Bytes(uint64(cfg.PayloadSize)), res.Duration.Round(time.Millisecond),
		humanize.Comma(res.RoundTrips), res.RoundTripsPerSecond(), humanize.Comma(res.Failures),
		res.MinLatency.Round(time.Microsecond), res.AvgLatency.Round(time.Microsecond), res.MaxLatency.Round(time.Microsecond),
		humanize.Bytes(uint64(res.Throughput())), humanize.Bytes(uint64(res.BytesSent)), humanize.Bytes(uint64(res.BytesReceived)))
}
