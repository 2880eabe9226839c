package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/postalsys/unisock/internal/logging"
	"github.com/postalsys/unisock/internal/metrics"
)

// Default QUIC configuration values
const (
	DefaultMaxIdleTimeout  = 60 * time.Second
	DefaultKeepAlivePeriod = 30 * time.Second
)

// QUICBackend carries datagrams as QUIC unreliable datagrams. One UDP socket
// serves both the listener and every outbound connection.
type QUICBackend struct {
	udp       *net.UDPConn
	tr        *quic.Transport
	opts      Options
	logger    *slog.Logger
	metrics   *metrics.Metrics
	serverTLS *tls.Config

	mu       sync.Mutex
	listener *quicListener
	conns    map[*quicConn]struct{}
	closed   bool
}

var _ Backend = (*QUICBackend)(nil)

// BindQUIC opens a UDP socket on addr for QUIC.
func BindQUIC(addr netip.AddrPort, opts Options) (*QUICBackend, error) {
	opts = opts.withDefaults()

	serverTLS, err := serverTLSConfig(opts.TLSConfig, []string{ALPNProtocol})
	if err != nil {
		return nil, err
	}

	udp, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(addr))
	if err != nil {
		return nil, fmt.Errorf("quic bind %s: %w", addr, err)
	}

	b := &QUICBackend{
		udp:       udp,
		tr:        &quic.Transport{Conn: udp},
		opts:      opts,
		logger:    logging.Component(opts.Logger, string(TransportQUIC)),
		metrics:   opts.Metrics,
		serverTLS: serverTLS,
		conns:     make(map[*quicConn]struct{}),
	}
	b.logger.Info("quic bound", logging.KeyLocalAddr, udp.LocalAddr().String())
	return b, nil
}

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:        DefaultMaxIdleTimeout,
		KeepAlivePeriod:       DefaultKeepAlivePeriod,
		EnableDatagrams:       true,
		MaxIncomingStreams:    -1,
		MaxIncomingUniStreams: -1,
	}
}

// Type returns the transport type.
func (b *QUICBackend) Type() TransportType {
	return TransportQUIC
}

// LocalAddr returns the bound socket address.
func (b *QUICBackend) LocalAddr() net.Addr {
	return b.udp.LocalAddr()
}

// Stats returns a snapshot of the backend's connection counts.
func (b *QUICBackend) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{Conns: len(b.conns)}
}

// Listen starts accepting QUIC connections on the shared socket.
func (b *QUICBackend) Listen() (Listener, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, net.ErrClosed
	}
	if b.listener != nil {
		return b.listener, nil
	}

	ln, err := b.tr.Listen(b.serverTLS, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("quic listen: %w", err)
	}
	b.listener = &quicListener{b: b, ln: ln}
	return b.listener, nil
}

// Connect performs a QUIC handshake with peer from the shared socket.
func (b *QUICBackend) Connect(ctx context.Context, peer netip.AddrPort) (Conn, error) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, net.ErrClosed
	}

	tlsConf := clientTLSConfig(b.opts, []string{ALPNProtocol})
	if tlsConf.ServerName == "" {
		tlsConf.ServerName = peer.Addr().Unmap().String()
	}

	qc, err := b.tr.Dial(ctx, net.UDPAddrFromAddrPort(peer), tlsConf, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("quic dial %s: %w", peer, ctxErr(ctx, err))
	}
	if !qc.ConnectionState().SupportsDatagrams {
		qc.CloseWithError(0, "datagrams not supported")
		return nil, fmt.Errorf("quic dial %s: peer does not support datagrams", peer)
	}

	c, err := b.track(qc, "connect")
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Close closes the listener, every connection and the socket.
func (b *QUICBackend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	l := b.listener
	conns := make([]*quicConn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	if l != nil {
		l.Close()
	}
	for _, c := range conns {
		c.Close()
	}

	b.tr.Close()
	err := b.udp.Close()
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	b.logger.Info("quic closed", logging.KeyCount, len(conns))
	return nil
}

func (b *QUICBackend) track(qc quic.Connection, direction string) (*quicConn, error) {
	c := &quicConn{
		b:      b,
		qc:     qc,
		peer:   addrPortOf(qc.RemoteAddr()),
		closed: make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		qc.CloseWithError(0, "backend closed")
		return nil, net.ErrClosed
	}
	b.conns[c] = struct{}{}
	b.mu.Unlock()

	b.metrics.RecordConnOpen(string(TransportQUIC), direction)
	b.logger.Debug("quic connection established",
		logging.KeyRemoteAddr, c.peer.String(),
		"direction", direction)
	return c, nil
}

func (b *QUICBackend) untrack(c *quicConn) {
	b.mu.Lock()
	delete(b.conns, c)
	b.mu.Unlock()
	b.metrics.RecordConnClose(string(TransportQUIC))
}

// quicListener implements Listener for QUIC.
type quicListener struct {
	b         *QUICBackend
	ln        *quic.Listener
	closed    atomic.Bool
	closeOnce sync.Once
}

// Accept waits for the next completed handshake.
func (l *quicListener) Accept(ctx context.Context) (Conn, netip.AddrPort, error) {
	qc, err := l.ln.Accept(ctx)
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return nil, netip.AddrPort{}, cerr
		}
		if l.closed.Load() || errors.Is(err, quic.ErrServerClosed) {
			return nil, netip.AddrPort{}, net.ErrClosed
		}
		return nil, netip.AddrPort{}, fmt.Errorf("quic accept: %w", err)
	}

	c, err := l.b.track(qc, "accept")
	if err != nil {
		return nil, netip.AddrPort{}, err
	}
	return c, c.peer, nil
}

// Addr returns the listener's address.
func (l *quicListener) Addr() net.Addr {
	return l.ln.Addr()
}

// Close stops accepting connections. Established connections stay open.
func (l *quicListener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.closed.Store(true)
		l.b.mu.Lock()
		if l.b.listener == l {
			l.b.listener = nil
		}
		l.b.mu.Unlock()
		err = l.ln.Close()
	})
	return err
}

// quicConn maps one QUIC connection to a Conn.
type quicConn struct {
	b         *QUICBackend
	qc        quic.Connection
	peer      netip.AddrPort
	closed    chan struct{}
	closeOnce sync.Once
}

// Read returns the next datagram from the peer.
func (c *quicConn) Read(ctx context.Context, p []byte) (int, error) {
	select {
	case <-c.closed:
		return 0, net.ErrClosed
	default:
	}

	data, err := c.qc.ReceiveDatagram(ctx)
	if err != nil {
		select {
		case <-c.closed:
			return 0, net.ErrClosed
		default:
		}
		if cerr := ctx.Err(); cerr != nil {
			return 0, cerr
		}
		return 0, fmt.Errorf("quic read from %s: %w", c.peer, err)
	}

	c.b.metrics.RecordReceived(string(TransportQUIC), len(data))
	return copy(p, data), nil
}

// Write sends p as one QUIC datagram.
func (c *quicConn) Write(ctx context.Context, p []byte) (int, error) {
	select {
	case <-c.closed:
		return 0, net.ErrClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if len(p) > c.b.opts.MaxDatagramSize {
		return 0, fmt.Errorf("%w: %d > %d", ErrDatagramTooLarge, len(p), c.b.opts.MaxDatagramSize)
	}

	if err := c.qc.SendDatagram(p); err != nil {
		var tooLarge *quic.DatagramTooLargeError
		if errors.As(err, &tooLarge) {
			return 0, fmt.Errorf("%w: %d > %d", ErrDatagramTooLarge, len(p), tooLarge.MaxDatagramPayloadSize)
		}
		return 0, fmt.Errorf("quic write to %s: %w", c.peer, err)
	}

	c.b.metrics.RecordSent(string(TransportQUIC), len(p))
	return len(p), nil
}

// LocalAddr returns the shared socket's address.
func (c *quicConn) LocalAddr() net.Addr {
	return c.qc.LocalAddr()
}

// RemoteAddr returns the peer address.
func (c *quicConn) RemoteAddr() netip.AddrPort {
	return c.peer
}

// Close terminates the QUIC connection.
func (c *quicConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.qc.CloseWithError(0, "connection closed")
		c.b.untrack(c)
	})
	return nil
}
