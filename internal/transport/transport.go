// Package transport defines a transport-agnostic socket contract and its
// implementations.
//
// A Backend is bound to one local address. It produces Conns either actively
// (Connect) or passively through its Listener (Accept). Every Conn exchanges
// whole units with exactly one peer: one Read returns one datagram or message,
// one Write sends one.
//
// Backends:
//   - udpmux: many logical Conns over a single shared UDP socket
//   - udp: one connected UDP socket per peer
//   - tcp: stream sockets
//   - ws: WebSocket binary messages
//   - quic: QUIC unreliable datagrams
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net"
	"net/netip"

	"github.com/postalsys/unisock/internal/metrics"
	"github.com/postalsys/unisock/internal/occupancy"
)

// TransportType identifies the transport protocol.
type TransportType string

const (
	TransportUDPMux    TransportType = "udpmux"
	TransportUDP       TransportType = "udp"
	TransportTCP       TransportType = "tcp"
	TransportWebSocket TransportType = "ws"
	TransportQUIC      TransportType = "quic"
)

// Types lists every supported transport.
func Types() []TransportType {
	return []TransportType{
		TransportUDPMux,
		TransportUDP,
		TransportTCP,
		TransportWebSocket,
		TransportQUIC,
	}
}

// ParseType converts a transport name to a TransportType.
func ParseType(s string) (TransportType, error) {
	for _, t := range Types() {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownTransport, s)
}

// Backend owns the local side of a transport.
type Backend interface {
	// Listen returns the passive-accept view of the backend.
	Listen() (Listener, error)

	// Connect creates a Conn to peer.
	Connect(ctx context.Context, peer netip.AddrPort) (Conn, error)

	// LocalAddr returns the bound local address.
	LocalAddr() net.Addr

	// Type returns the transport type identifier.
	Type() TransportType

	// Close releases the backend and every Conn it created.
	Close() error
}

// Listener accepts Conns from new peers.
type Listener interface {
	// Accept waits for the next new peer and returns a Conn bound to it.
	Accept(ctx context.Context) (Conn, netip.AddrPort, error)

	// Addr returns the listener's network address.
	Addr() net.Addr

	// Close stops accepting new peers.
	Close() error
}

// Conn exchanges datagrams with one peer.
//
// A Conn holds its peer's reservation until Close or the owning backend's
// Close; a Conn that is dropped without Close keeps the peer unavailable to
// Connect and Accept. Callers should defer conn.Close() as soon as Connect
// or Accept returns.
type Conn interface {
	// Read waits for the next datagram from the peer and copies it into p.
	// A datagram longer than p is truncated.
	Read(ctx context.Context, p []byte) (int, error)

	// Write sends p to the peer as one datagram.
	Write(ctx context.Context, p []byte) (int, error)

	// LocalAddr returns the local address.
	LocalAddr() net.Addr

	// RemoteAddr returns the peer address.
	RemoteAddr() netip.AddrPort

	// Close releases the Conn. It is safe to call more than once.
	Close() error
}

// Stats is a point-in-time view of a backend's Conns.
type Stats struct {
	// Conns is the number of live Conns, accepted or connected.
	Conns int
	// Pending is the number of Conns waiting for Accept.
	Pending int
}

// Reporter is implemented by backends that expose Stats.
type Reporter interface {
	Stats() Stats
}

// Default option values.
const (
	DefaultMaxDatagramSize = 65507
	DefaultQueueSize       = 128
	DefaultAcceptBacklog   = 64
	DefaultReadBatchSize   = 16
	DefaultWSPath          = "/unisock"
)

// Options configures a backend. The zero value is usable.
type Options struct {
	// Logger receives structured logs. Nil discards them.
	Logger *slog.Logger

	// Metrics receives counters. Nil uses a private, unexported registry.
	Metrics *metrics.Metrics

	// Registry tracks occupied peer addresses. Nil creates a fresh one.
	// Backends that share a Registry never hand out two Conns for one peer.
	Registry *occupancy.Registry

	// MaxDatagramSize bounds a single read or write.
	MaxDatagramSize int

	// QueueSize is the per-Conn inbound queue length (udpmux).
	QueueSize int

	// AcceptBacklog is the number of reserved but not yet accepted Conns
	// (udpmux, udp).
	AcceptBacklog int

	// ReadBatchSize is the number of datagrams fetched per socket read
	// (udpmux).
	ReadBatchSize int

	// AcceptRate limits how many new peers per second the udpmux listener
	// admits. Zero means unlimited.
	AcceptRate float64

	// AcceptBurst is the token bucket size for AcceptRate.
	AcceptBurst int

	// TLSConfig is used by the ws (wss) and quic backends. The quic backend
	// generates a self-signed certificate when it is nil.
	TLSConfig *tls.Config

	// InsecureSkipVerify disables peer certificate verification on Connect.
	InsecureSkipVerify bool

	// RootCAs verifies peer certificates on Connect. Nil means the system
	// pool.
	RootCAs *x509.CertPool

	// Fingerprint pins the peer certificate on Connect ("sha256:<hex>").
	// When set, chain verification is replaced by the fingerprint check.
	Fingerprint string

	// WSPath is the HTTP path of the WebSocket endpoint.
	WSPath string
}

// withDefaults fills zero fields.
func (o Options) withDefaults() Options {
	if o.MaxDatagramSize <= 0 {
		o.MaxDatagramSize = DefaultMaxDatagramSize
	}
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}
	if o.AcceptBacklog <= 0 {
		o.AcceptBacklog = DefaultAcceptBacklog
	}
	if o.ReadBatchSize <= 0 {
		o.ReadBatchSize = DefaultReadBatchSize
	}
	if o.AcceptBurst <= 0 {
		o.AcceptBurst = 1
	}
	if o.WSPath == "" {
		o.WSPath = DefaultWSPath
	}
	if o.Metrics == nil {
		o.Metrics = metrics.NewUnregistered()
	}
	if o.Registry == nil {
		o.Registry = occupancy.New()
	}
	return o
}

// Bind opens a backend of the given type on addr.
func Bind(typ TransportType, addr netip.AddrPort, opts Options) (Backend, error) {
	var (
		b   Backend
		err error
	)
	switch typ {
	case TransportUDPMux:
		b, err = nilIfErr(BindUDPMux(addr, opts))
	case TransportUDP:
		b, err = nilIfErr(BindUDP(addr, opts))
	case TransportTCP:
		b, err = nilIfErr(BindTCP(addr, opts))
	case TransportWebSocket:
		b, err = nilIfErr(BindWebSocket(addr, opts))
	case TransportQUIC:
		b, err = nilIfErr(BindQUIC(addr, opts))
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTransport, typ)
	}
	return b, err
}

// nilIfErr keeps a failed Bind from returning a typed nil Backend.
func nilIfErr[B Backend](b B, err error) (Backend, error) {
	if err != nil {
		return nil, err
	}
	return b, nil
}

// addrPortOf converts a net.Addr to a normalized netip.AddrPort.
func addrPortOf(addr net.Addr) netip.AddrPort {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return occupancy.Normalize(a.AddrPort())
	case *net.TCPAddr:
		return occupancy.Normalize(a.AddrPort())
	case nil:
		return netip.AddrPort{}
	default:
		ap, err := netip.ParseAddrPort(a.String())
		if err != nil {
			return netip.AddrPort{}
		}
		return occupancy.Normalize(ap)
	}
}

// ephemeral returns addr's IP with port zero, used as the source address for
// outbound stream connections.
func ephemeral(addr netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(addr.Addr(), 0)
}
