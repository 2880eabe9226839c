// Package main provides the CLI entry point for the unisock echo server.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/postalsys/unisock/internal/certutil"
	"github.com/postalsys/unisock/internal/config"
	"github.com/postalsys/unisock/internal/logging"
	"github.com/postalsys/unisock/internal/server"
	"github.com/postalsys/unisock/internal/sysinfo"
	"github.com/postalsys/unisock/internal/transport"
	"github.com/postalsys/unisock/internal/wizard"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "unisock",
		Short: "unisock - echo server over a unified socket layer",
		Long: `unisock serves an echo service over interchangeable transports:
a multiplexed UDP socket, per-peer UDP sockets, TCP, WebSocket and QUIC.

Every transport exposes the same contract: connect to a peer or accept
one, then exchange whole datagrams with it.`,
		Version:       sysinfo.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(initCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(sendCmd())
	root.AddCommand(benchCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(certCmd())
	root.AddCommand(versionCmd())

	return root
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a configuration file interactively",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !term.IsTerminal(int(os.Stdin.Fd())) {
				return errors.New("init needs an interactive terminal; write the YAML config by hand instead")
			}
			_, err := wizard.New().Run()
			return err
		},
	}
}

func serveCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the echo server",
		Long:  "Bind the configured transport, serve echo and expose health endpoints until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if logLevel != "" {
				cfg.Log.Level = logLevel
			}

			logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)
			s, err := server.New(cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to create server: %w", err)
			}

			fmt.Printf("Serving %s on %s\n", cfg.Transport.Type, s.Addr())
			if cfg.Health.Enabled {
				fmt.Printf("Health: http://%s/healthz\n", cfg.Health.Address)
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := s.Run(ctx); err != nil {
				return err
			}

			fmt.Println("Server stopped.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./unisock.yaml", "Path to configuration file")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Override log.level (debug, info, warn, error)")

	return cmd
}

type sendOptions struct {
	transport string
	bind      string
	peer      string
	timeout   time.Duration
	useTLS    bool
	insecure  bool
	caFile    string
	pin       string
	wsPath    string
}

func sendCmd() *cobra.Command {
	opts := sendOptions{}

	cmd := &cobra.Command{
		Use:   "send [flags] MESSAGE",
		Short: "Send one datagram and print the reply",
		Example: `  unisock send --peer 127.0.0.1:9000 hello
  unisock send --transport quic --insecure --peer 10.0.0.5:4433 ping
  unisock send --transport quic --fingerprint sha256:ab12... --peer 10.0.0.5:4433 ping`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reply, rtt, err := send(cmd.Context(), opts, []byte(strings.Join(args, " ")))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", reply)
			fmt.Fprintf(cmd.ErrOrStderr(), "%s from %s in %s\n",
				humanize.Bytes(uint64(len(reply))), opts.peer, rtt.Round(time.Microsecond))
			return nil
		},
	}

	cmd.Flags().StringVarP(&opts.transport, "transport", "t", string(transport.TransportUDPMux), "Transport: udpmux, udp, tcp, ws, quic")
	cmd.Flags().StringVarP(&opts.bind, "bind", "b", "0.0.0.0:0", "Local address to bind")
	cmd.Flags().StringVarP(&opts.peer, "peer", "p", "", "Peer address (ip:port)")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 5*time.Second, "Time to wait for the reply")
	cmd.Flags().BoolVar(&opts.useTLS, "tls", false, "Use TLS for the ws transport (wss)")
	cmd.Flags().BoolVarP(&opts.insecure, "insecure", "k", false, "Skip peer certificate verification")
	cmd.Flags().StringVar(&opts.caFile, "ca", "", "PEM file with certificates to trust for the peer")
	cmd.Flags().StringVar(&opts.pin, "fingerprint", "", "Pin the peer certificate fingerprint (sha256:<hex>)")
	cmd.Flags().StringVar(&opts.wsPath, "ws-path", transport.DefaultWSPath, "WebSocket endpoint path")
	cmd.MarkFlagRequired("peer")

	return cmd
}

// send binds a backend, connects to the peer, writes msg and waits for one
// reply.
func send(ctx context.Context, opts sendOptions, msg []byte) ([]byte, time.Duration, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	typ, err := transport.ParseType(opts.transport)
	if err != nil {
		return nil, 0, err
	}
	bind, err := netip.ParseAddrPort(opts.bind)
	if err != nil {
		return nil, 0, fmt.Errorf("invalid --bind: %w", err)
	}
	peer, err := netip.ParseAddrPort(opts.peer)
	if err != nil {
		return nil, 0, fmt.Errorf("invalid --peer: %w", err)
	}

	bopts := transport.Options{
		InsecureSkipVerify: opts.insecure,
		Fingerprint:        opts.pin,
		WSPath:             opts.wsPath,
	}
	if opts.caFile != "" {
		if bopts.RootCAs, err = transport.LoadCertPool(opts.caFile); err != nil {
			return nil, 0, err
		}
	}
	if typ == transport.TransportWebSocket && opts.useTLS {
		var tlsConf *tls.Config
		if tlsConf, err = transport.SelfSignedTLSConfig("unisock"); err != nil {
			return nil, 0, err
		}
		bopts.TLSConfig = tlsConf
	}

	b, err := transport.Bind(typ, bind, bopts)
	if err != nil {
		return nil, 0, err
	}
	defer b.Close()

	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	conn, err := b.Connect(ctx, peer)
	if err != nil {
		return nil, 0, fmt.Errorf("connect %s: %w", peer, err)
	}
	defer conn.Close()

	start := time.Now()
	if _, err := conn.Write(ctx, msg); err != nil {
		return nil, 0, fmt.Errorf("write: %w", err)
	}

	buf := make([]byte, transport.DefaultMaxDatagramSize)
	n, err := conn.Read(ctx, buf)
	if err != nil {
		return nil, 0, fmt.Errorf("read: %w", err)
	}
	return buf[:n], time.Since(start), nil
}

func certCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cert",
		Short: "Manage TLS certificates for the ws and quic transports",
	}
	cmd.AddCommand(certGenerateCmd())
	cmd.AddCommand(certInfoCmd())
	return cmd
}

func certGenerateCmd() *cobra.Command {
	var (
		commonName string
		outDir     string
		validDays  int
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a self-signed server certificate",
		RunE: func(cmd *cobra.Command, args []string) error {
			if validDays < 1 {
				return errors.New("--days must be positive")
			}
			if err := os.MkdirAll(outDir, 0700); err != nil {
				return fmt.Errorf("failed to create output directory: %w", err)
			}

			opts := certutil.DefaultOptions(commonName)
			opts.ValidFor = time.Duration(validDays) * 24 * time.Hour
			cert, err := certutil.GenerateSelfSigned(opts)
			if err != nil {
				return err
			}

			certPath := filepath.Join(outDir, "server.crt")
			keyPath := filepath.Join(outDir, "server.key")
			if err := cert.SaveToFiles(certPath, keyPath); err != nil {
				return err
			}

			fmt.Printf("Certificate: %s\n", certPath)
			fmt.Printf("Key:         %s\n", keyPath)
			fmt.Printf("Fingerprint: %s\n", cert.Fingerprint())
			fmt.Printf("Expires:     %s\n", humanize.Time(cert.Certificate.NotAfter))
			return nil
		},
	}

	cmd.Flags().StringVar(&commonName, "cn", "unisock", "Certificate common name")
	cmd.Flags().StringVarP(&outDir, "out", "o", "./certs", "Output directory")
	cmd.Flags().IntVar(&validDays, "days", 365, "Validity in days")

	return cmd
}

func certInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info CERT_FILE",
		Short: "Show certificate details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := certutil.GetCertInfoFromFile(args[0])
			if err != nil {
				return err
			}

			fmt.Printf("Subject:      %s\n", info.Subject)
			fmt.Printf("Issuer:       %s\n", info.Issuer)
			fmt.Printf("Valid from:   %s\n", info.NotBefore.Format(time.RFC3339))
			fmt.Printf("Valid until:  %s (%s)\n", info.NotAfter.Format(time.RFC3339), humanize.Time(info.NotAfter))
			fmt.Printf("Fingerprint:  %s\n", info.Fingerprint)
			fmt.Printf("Status:       %s\n", info.Status(30*24*time.Hour))
			if len(info.DNSNames) > 0 {
				fmt.Printf("DNS names:    %s\n", strings.Join(info.DNSNames, ", "))
			}
			if len(info.IPAddresses) > 0 {
				fmt.Printf("IP addresses: %s\n", strings.Join(info.IPAddresses, ", "))
			}
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			info := sysinfo.Collect()
			fmt.Fprintf(cmd.OutOrStdout(), "unisock %s\n", info.Version)
			fmt.Fprintf(cmd.ErrOrStderr(), "%s %s/%s\n", info.GoVersion, info.OS, info.Arch)
		},
	}
}
