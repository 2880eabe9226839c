package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/postalsys/unisock/internal/logging"
	"github.com/postalsys/unisock/internal/metrics"
	"github.com/postalsys/unisock/internal/recovery"
)

// TCPBackend wraps stream sockets. One Read returns whatever the stream
// yields; there is no message framing.
type TCPBackend struct {
	addr    netip.AddrPort
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	listener *tcpListener
	conns    map[*tcpConn]struct{}
	closed   bool

	wg sync.WaitGroup
}

var _ Backend = (*TCPBackend)(nil)

// BindTCP records addr. No socket is opened until Listen or Connect.
func BindTCP(addr netip.AddrPort, opts Options) (*TCPBackend, error) {
	if !addr.IsValid() {
		return nil, fmt.Errorf("tcp bind: invalid address %q", addr)
	}
	opts = opts.withDefaults()
	return &TCPBackend{
		addr:    addr,
		opts:    opts,
		logger:  logging.Component(opts.Logger, string(TransportTCP)),
		metrics: opts.Metrics,
		conns:   make(map[*tcpConn]struct{}),
	}, nil
}

// Type returns the transport type.
func (b *TCPBackend) Type() TransportType {
	return TransportTCP
}

// LocalAddr returns the listening address once Listen has run, otherwise the
// address given to BindTCP.
func (b *TCPBackend) LocalAddr() net.Addr {
	b.mu.Lock()
	l := b.listener
	b.mu.Unlock()
	if l != nil {
		return l.ln.Addr()
	}
	return net.TCPAddrFromAddrPort(b.addr)
}

// Stats returns a snapshot of the backend's connection counts.
func (b *TCPBackend) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Stats{Conns: len(b.conns)}
	if b.listener != nil {
		s.Pending = len(b.listener.connCh)
	}
	return s
}

// Listen opens a listening socket on the bound address.
func (b *TCPBackend) Listen() (Listener, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, net.ErrClosed
	}
	if b.listener != nil {
		return b.listener, nil
	}

	lc := net.ListenConfig{Control: reuseAddrControl}
	ln, err := lc.Listen(context.Background(), "tcp", net.TCPAddrFromAddrPort(b.addr).String())
	if err != nil {
		return nil, fmt.Errorf("tcp listen %s: %w", b.addr, err)
	}

	l := &tcpListener{
		b:       b,
		ln:      ln,
		connCh:  make(chan *tcpConn, b.opts.AcceptBacklog),
		closeCh: make(chan struct{}),
		done:    make(chan struct{}),
	}
	b.listener = l
	recovery.Go(&b.wg, b.logger, "tcp.accept", l.acceptLoop)

	b.logger.Info("tcp listening", logging.KeyLocalAddr, ln.Addr().String())
	return l, nil
}

// Connect dials peer from the bound IP with an ephemeral port.
func (b *TCPBackend) Connect(ctx context.Context, peer netip.AddrPort) (Conn, error) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, net.ErrClosed
	}

	d := net.Dialer{}
	if !b.addr.Addr().IsUnspecified() {
		d.LocalAddr = net.TCPAddrFromAddrPort(ephemeral(b.addr))
	}

	nc, err := d.DialContext(ctx, "tcp", peer.String())
	if err != nil {
		return nil, fmt.Errorf("tcp dial %s: %w", peer, ctxErr(ctx, err))
	}
	return b.track(nc.(*net.TCPConn), "connect")
}

// Close closes the listener and every Conn.
func (b *TCPBackend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	l := b.listener
	conns := make([]*tcpConn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	var err error
	if l != nil {
		err = l.Close()
	}
	for _, c := range conns {
		c.Close()
	}
	b.wg.Wait()

	b.logger.Info("tcp closed", logging.KeyCount, len(conns))
	return err
}

func (b *TCPBackend) track(nc *net.TCPConn, direction string) (*tcpConn, error) {
	c := &tcpConn{
		b:      b,
		nc:     nc,
		peer:   addrPortOf(nc.RemoteAddr()),
		closed: make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		nc.Close()
		return nil, net.ErrClosed
	}
	b.conns[c] = struct{}{}
	b.mu.Unlock()

	b.metrics.RecordConnOpen(string(TransportTCP), direction)
	b.logger.Debug("tcp connection established",
		logging.KeyRemoteAddr, c.peer.String(),
		"direction", direction)
	return c, nil
}

func (b *TCPBackend) untrack(c *tcpConn) {
	b.mu.Lock()
	delete(b.conns, c)
	b.mu.Unlock()
	b.metrics.RecordConnClose(string(TransportTCP))
}

// tcpListener implements Listener for TCP.
type tcpListener struct {
	b         *TCPBackend
	ln        net.Listener
	connCh    chan *tcpConn
	closeCh   chan struct{}
	done      chan struct{}
	err       error
	closeOnce sync.Once
}

func (l *tcpListener) acceptLoop() {
	defer close(l.done)

	for {
		nc, err := l.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				l.err = net.ErrClosed
				return
			}
			if isTimeout(err) {
				continue
			}
			l.b.logger.Warn("tcp accept failed", logging.KeyError, err)
			l.err = fmt.Errorf("tcp accept: %w", err)
			return
		}

		c, err := l.b.track(nc.(*net.TCPConn), "accept")
		if err != nil {
			continue
		}
		select {
		case l.connCh <- c:
		case <-l.closeCh:
			c.Close()
			return
		}
	}
}

// Accept returns the next accepted connection.
func (l *tcpListener) Accept(ctx context.Context) (Conn, netip.AddrPort, error) {
	select {
	case c := <-l.connCh:
		return c, c.peer, nil
	case <-l.closeCh:
		return nil, netip.AddrPort{}, net.ErrClosed
	case <-l.done:
		return nil, netip.AddrPort{}, l.err
	case <-ctx.Done():
		return nil, netip.AddrPort{}, ctx.Err()
	}
}

// Addr returns the listening address.
func (l *tcpListener) Addr() net.Addr {
	return l.ln.Addr()
}

// Close stops listening and closes connections not yet accepted.
func (l *tcpListener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.b.mu.Lock()
		if l.b.listener == l {
			l.b.listener = nil
		}
		l.b.mu.Unlock()

		close(l.closeCh)
		err = l.ln.Close()
		for {
			select {
			case c := <-l.connCh:
				c.Close()
			default:
				return
			}
		}
	})
	return err
}

// tcpConn implements Conn over a TCP stream.
type tcpConn struct {
	b         *TCPBackend
	nc        *net.TCPConn
	peer      netip.AddrPort
	closed    chan struct{}
	closeOnce sync.Once
}

// Read reads from the stream. Cancelling ctx interrupts the read through the
// read deadline.
func (c *tcpConn) Read(ctx context.Context, p []byte) (int, error) {
	select {
	case <-c.closed:
		return 0, net.ErrClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	stop := context.AfterFunc(ctx, func() {
		c.nc.SetReadDeadline(time.Now())
	})
	n, err := c.nc.Read(p)
	if !stop() {
		c.nc.SetReadDeadline(time.Time{})
	}

	if n > 0 {
		c.b.metrics.RecordReceived(string(TransportTCP), n)
	}
	if err != nil {
		if cerr := ctx.Err(); cerr != nil && isTimeout(err) {
			return n, cerr
		}
		return n, err
	}
	return n, nil
}

// Write writes p to the stream.
func (c *tcpConn) Write(ctx context.Context, p []byte) (int, error) {
	select {
	case <-c.closed:
		return 0, net.ErrClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	stop := context.AfterFunc(ctx, func() {
		c.nc.SetWriteDeadline(time.Now())
	})
	n, err := c.nc.Write(p)
	if !stop() {
		c.nc.SetWriteDeadline(time.Time{})
	}

	if n > 0 {
		c.b.metrics.RecordSent(string(TransportTCP), n)
	}
	if err != nil {
		if cerr := ctx.Err(); cerr != nil && isTimeout(err) {
			return n, cerr
		}
		return n, fmt.Errorf("tcp write to %s: %w", c.peer, err)
	}
	return n, nil
}

// LocalAddr returns the local address.
func (c *tcpConn) LocalAddr() net.Addr {
	return c.nc.LocalAddr()
}

// RemoteAddr returns the peer address.
func (c *tcpConn) RemoteAddr() netip.AddrPort {
	return c.peer
}

// Close closes the stream.
func (c *tcpConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.nc.Close()
		c.b.untrack(c)
	})
	return err
}
