package transport

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"

	"github.com/postalsys/unisock/internal/certutil"
)

const (
	// ALPNProtocol is the ALPN identifier negotiated by the quic backend.
	ALPNProtocol = "unisock/1"

	// WSSubprotocol is the WebSocket subprotocol offered and required by the
	// ws backend.
	WSSubprotocol = "unisock/1"
)

// LoadTLSConfig loads a server TLS configuration from certificate and key
// files.
func LoadTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	gc, err := certutil.LoadCert(certFile, keyFile)
	if err != nil {
		return nil, err
	}
	return tlsConfigFromCert(gc)
}

// SelfSignedTLSConfig returns a server TLS configuration with a freshly
// generated certificate for commonName.
func SelfSignedTLSConfig(commonName string) (*tls.Config, error) {
	gc, err := certutil.GenerateSelfSigned(certutil.DefaultOptions(commonName))
	if err != nil {
		return nil, fmt.Errorf("failed to generate self-signed certificate: %w", err)
	}
	return tlsConfigFromCert(gc)
}

func tlsConfigFromCert(gc *certutil.GeneratedCert) (*tls.Config, error) {
	cert, err := gc.TLSCertificate()
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// serverTLSConfig returns a clone of base with nextProtos set, generating a
// self-signed certificate when base is nil.
func serverTLSConfig(base *tls.Config, nextProtos []string) (*tls.Config, error) {
	if base == nil {
		var err error
		if base, err = SelfSignedTLSConfig("unisock"); err != nil {
			return nil, err
		}
	}
	cfg := base.Clone()
	cfg.NextProtos = nextProtos
	return cfg, nil
}

// clientTLSConfig prepares a TLS config for dialing from opts. Without a
// base config, pin or CA pool, peers are verified against the system roots
// unless InsecureSkipVerify is set.
func clientTLSConfig(opts Options, nextProtos []string) *tls.Config {
	var cfg *tls.Config
	if opts.TLSConfig == nil {
		cfg = &tls.Config{MinVersion: tls.VersionTLS13}
	} else {
		cfg = opts.TLSConfig.Clone()
		// Server certificates are not client credentials.
		cfg.Certificates = nil
	}
	if opts.RootCAs != nil {
		cfg.RootCAs = opts.RootCAs
	}
	if opts.InsecureSkipVerify {
		cfg.InsecureSkipVerify = true
	}
	if opts.Fingerprint != "" {
		cfg.InsecureSkipVerify = true
		cfg.VerifyPeerCertificate = pinnedVerifier(opts.Fingerprint)
	}
	cfg.NextProtos = nextProtos
	return cfg
}

// pinnedVerifier accepts a handshake only when the leaf certificate matches
// fingerprint.
func pinnedVerifier(fingerprint string) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return errors.New("peer presented no certificate")
		}
		leaf, err := x509.ParseCertificate(rawCerts[0])
		if err != nil {
			return fmt.Errorf("parse peer certificate: %w", err)
		}
		if !certutil.VerifyFingerprint(leaf, fingerprint) {
			return fmt.Errorf("peer certificate fingerprint %s does not match pin", certutil.Fingerprint(leaf))
		}
		return nil
	}
}

// LoadCertPool reads PEM certificates from file into a pool for
// Options.RootCAs.
func LoadCertPool(file string) (*x509.CertPool, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA file: %w", err)
	}
	return certutil.CreateCertPool(data)
}
