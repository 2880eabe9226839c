package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/postalsys/unisock/internal/logging"
	"github.com/postalsys/unisock/internal/metrics"
	"github.com/postalsys/unisock/internal/occupancy"
	"github.com/postalsys/unisock/internal/recovery"
)

// packetReader is the receive half of the listening socket.
type packetReader interface {
	ReadFromUDPAddrPort(b []byte) (int, netip.AddrPort, error)
}

// UDPBackend gives every peer its own connected UDP socket. All sockets share
// the bound local port through SO_REUSEPORT, so the kernel delivers a known
// peer's datagrams straight to its socket. The listening socket only sees
// peers that have no connected socket yet. It is read from the moment the
// port is bound, and new peers queue for Accept whether or not Listen has
// been called.
type UDPBackend struct {
	sock     *net.UDPConn
	reader   packetReader
	retry    *readRetry
	local    netip.AddrPort
	opts     Options
	registry *occupancy.Registry
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu        sync.Mutex
	conns     map[netip.AddrPort]*udpConn
	pending   acceptQueue[*udpConn]
	admitting bool
	listener  *udpListener
	shut      bool

	closed  atomic.Bool
	closing chan struct{}
	dead    chan struct{}
	deadErr error

	closeOnce sync.Once
	closeErr  error
	wg        sync.WaitGroup
}

var _ Backend = (*UDPBackend)(nil)

// BindUDP binds the shared local port. On platforms without SO_REUSEPORT the
// backend can still Connect but Listen returns ErrUnsupported.
func BindUDP(addr netip.AddrPort, opts Options) (*UDPBackend, error) {
	return bindUDP(addr, opts, nil, defaultReadRetry())
}

// bindUDP binds like BindUDP. wrap, when set, replaces the listening
// socket's receive path.
func bindUDP(addr netip.AddrPort, opts Options, wrap func(*net.UDPConn) packetReader, retry *readRetry) (*UDPBackend, error) {
	opts = opts.withDefaults()

	lc := net.ListenConfig{}
	if reusePortSupported {
		lc.Control = reusePortControl
	}
	pc, err := lc.ListenPacket(context.Background(), "udp", net.UDPAddrFromAddrPort(addr).String())
	if err != nil {
		return nil, fmt.Errorf("udp bind %s: %w", addr, err)
	}
	sock := pc.(*net.UDPConn)

	b := &UDPBackend{
		sock:      sock,
		reader:    sock,
		retry:     retry,
		local:     addrPortOf(sock.LocalAddr()),
		opts:      opts,
		registry:  opts.Registry,
		logger:    logging.Component(opts.Logger, string(TransportUDP)),
		metrics:   opts.Metrics,
		conns:     make(map[netip.AddrPort]*udpConn),
		pending:   newAcceptQueue[*udpConn](),
		admitting: reusePortSupported,
		closing:   make(chan struct{}),
		dead:      make(chan struct{}),
	}
	if wrap != nil {
		b.reader = wrap(sock)
	}

	if reusePortSupported {
		recovery.Go(&b.wg, b.logger, "udp.listener", b.acceptLoop)
	} else {
		b.deadErr = fmt.Errorf("udp listen: %w", ErrUnsupported)
		close(b.dead)
	}

	b.logger.Info("udp bound", logging.KeyLocalAddr, sock.LocalAddr().String())
	return b, nil
}

// Type returns the transport type.
func (b *UDPBackend) Type() TransportType {
	return TransportUDP
}

// LocalAddr returns the shared local address.
func (b *UDPBackend) LocalAddr() net.Addr {
	return b.sock.LocalAddr()
}

// Registry returns the occupancy registry shared with this backend's Conns.
func (b *UDPBackend) Registry() *occupancy.Registry {
	return b.registry
}

// Stats returns a snapshot of the backend's connection counts.
func (b *UDPBackend) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Stats{Conns: len(b.conns), Pending: b.pending.len()}
}

// Listen returns the accept view. Peers that arrived since Bind are already
// queued on it.
func (b *UDPBackend) Listen() (Listener, error) {
	if !reusePortSupported {
		return nil, fmt.Errorf("udp listen: %w", ErrUnsupported)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.shut {
		return nil, net.ErrClosed
	}
	if b.listener == nil {
		b.listener = &udpListener{
			b:      b,
			closed: make(chan struct{}),
		}
	}
	b.admitting = true
	return b.listener, nil
}

// Connect reserves peer and opens a socket connected to it. A peer queued
// for Accept is handed over with the socket already opened for it.
func (b *UDPBackend) Connect(ctx context.Context, peer netip.AddrPort) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !peer.IsValid() {
		return nil, fmt.Errorf("udp connect: invalid peer address %q", peer)
	}
	peer = occupancy.Normalize(peer)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.shut {
		return nil, net.ErrClosed
	}
	if c, ok := b.conns[peer]; ok && b.pending.remove(c) {
		b.metrics.SetAcceptBacklog(string(TransportUDP), b.pending.len())
		return c, nil
	}
	if !b.registry.Reserve(peer) {
		b.metrics.RecordAddrInUse(string(TransportUDP))
		return nil, fmt.Errorf("udp connect %s: %w", peer, ErrAddrInUse)
	}

	c, err := b.openLocked(ctx, peer, "connect")
	if err != nil {
		b.registry.Release(peer)
		return nil, err
	}
	return c, nil
}

// Close closes the listening socket and every Conn.
func (b *UDPBackend) Close() error {
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		close(b.closing)

		b.mu.Lock()
		b.shut = true
		l := b.listener
		conns := make([]*udpConn, 0, len(b.conns))
		for _, c := range b.conns {
			conns = append(conns, c)
		}
		b.mu.Unlock()

		if l != nil {
			l.Close()
		}
		for _, c := range conns {
			c.Close()
		}

		b.closeErr = b.sock.Close()
		b.wg.Wait()
		b.logger.Info("udp closed", logging.KeyCount, len(conns))
	})
	return b.closeErr
}

// openLocked dials a socket from the shared local port to peer and registers
// it. b.mu must be held and peer must already be reserved.
func (b *UDPBackend) openLocked(ctx context.Context, peer netip.AddrPort, direction string) (*udpConn, error) {
	d := net.Dialer{LocalAddr: net.UDPAddrFromAddrPort(b.local)}
	if reusePortSupported {
		d.Control = reusePortControl
	} else {
		d.LocalAddr = net.UDPAddrFromAddrPort(ephemeral(b.local))
	}

	nc, err := d.DialContext(ctx, "udp", peer.String())
	if err != nil {
		return nil, fmt.Errorf("udp connect %s: %w", peer, err)
	}

	c := &udpConn{
		b:      b,
		sock:   nc.(*net.UDPConn),
		peer:   peer,
		queue:  make(chan []byte, b.opts.QueueSize),
		retry:  defaultReadRetry(),
		closed: make(chan struct{}),
		dead:   make(chan struct{}),
	}
	b.conns[peer] = c
	recovery.Go(&b.wg, b.logger, "udp.conn", c.readLoop)

	b.metrics.RecordConnOpen(string(TransportUDP), direction)
	b.metrics.SetPeersOccupied(string(TransportUDP), b.registry.Len())
	b.logger.Debug("peer socket opened",
		logging.KeyRemoteAddr, peer.String(),
		"direction", direction)
	return c, nil
}

func (b *UDPBackend) release(c *udpConn) {
	b.mu.Lock()
	if cur, ok := b.conns[c.peer]; ok && cur == c {
		delete(b.conns, c.peer)
	}
	b.pending.remove(c)
	b.registry.Release(c.peer)
	occupied := b.registry.Len()
	b.mu.Unlock()

	b.metrics.RecordConnClose(string(TransportUDP))
	b.metrics.SetPeersOccupied(string(TransportUDP), occupied)
}

// acceptLoop reads the listening socket. Datagrams from peers that already
// own a socket arrive here only in the window before their socket was
// connected; they are forwarded to the owner. Receive errors are retried
// with backoff; only closing the socket stops the loop.
func (b *UDPBackend) acceptLoop() {
	b.deadErr = net.ErrClosed
	defer close(b.dead)

	buf := make([]byte, b.opts.MaxDatagramSize)
	for {
		n, src, err := b.reader.ReadFromUDPAddrPort(buf)
		if err != nil {
			if b.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			b.metrics.RecordReadError(string(TransportUDP))
			delay := b.retry.failed()
			if delay > 0 {
				b.logger.Warn("udp receive failing, backing off",
					logging.KeyError, err,
					logging.KeyDuration, delay)
			} else {
				b.logger.Debug("transient read error", logging.KeyError, err)
			}
			if !wait(delay, b.closing) {
				return
			}
			continue
		}
		b.retry.succeeded()
		b.admit(occupancy.Normalize(src), buf[:n])
	}
}

func (b *UDPBackend) admit(src netip.AddrPort, payload []byte) {
	transport := string(TransportUDP)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.shut {
		return
	}
	if c, ok := b.conns[src]; ok {
		c.deliver(payload)
		return
	}

	switch {
	case !b.admitting:
		b.metrics.RecordDrop(transport, metrics.DropNoListener)
		return
	case b.pending.len() >= b.opts.AcceptBacklog:
		b.metrics.RecordDrop(transport, metrics.DropBacklogFull)
		return
	case !b.registry.Reserve(src):
		b.metrics.RecordDrop(transport, metrics.DropAddrInUse)
		return
	}

	c, err := b.openLocked(context.Background(), src, "accept")
	if err != nil {
		b.registry.Release(src)
		b.logger.Warn("failed to open peer socket", logging.KeyRemoteAddr, src.String(), logging.KeyError, err)
		return
	}
	c.deliver(payload)
	b.pending.push(c)
	b.metrics.SetAcceptBacklog(transport, b.pending.len())
}

// udpListener is the accept view of a UDPBackend.
type udpListener struct {
	b         *UDPBackend
	closed    chan struct{}
	closeOnce sync.Once
}

// Accept returns the next Conn for a peer seen on the listening socket.
func (l *udpListener) Accept(ctx context.Context) (Conn, netip.AddrPort, error) {
	b := l.b
	for {
		select {
		case <-l.closed:
			return nil, netip.AddrPort{}, net.ErrClosed
		default:
		}

		b.mu.Lock()
		c, ok := b.pending.pop()
		n := b.pending.len()
		b.mu.Unlock()
		if ok {
			b.metrics.SetAcceptBacklog(string(TransportUDP), n)
			return c, c.peer, nil
		}

		select {
		case <-b.pending.ready:
		case <-l.closed:
			return nil, netip.AddrPort{}, net.ErrClosed
		case <-b.dead:
			return nil, netip.AddrPort{}, b.deadErr
		case <-ctx.Done():
			return nil, netip.AddrPort{}, ctx.Err()
		}
	}
}

// Addr returns the shared local address.
func (l *udpListener) Addr() net.Addr {
	return l.b.LocalAddr()
}

// Close stops admitting peers and closes Conns not yet accepted.
func (l *udpListener) Close() error {
	l.closeOnce.Do(func() {
		b := l.b
		var queued []*udpConn

		b.mu.Lock()
		if b.listener == l {
			b.listener = nil
			b.admitting = false
			queued = b.pending.drain()
		}
		b.mu.Unlock()

		close(l.closed)
		for _, c := range queued {
			c.Close()
		}
		b.metrics.SetAcceptBacklog(string(TransportUDP), 0)
	})
	return nil
}

// udpConn owns one connected UDP socket.
type udpConn struct {
	b     *UDPBackend
	sock  *net.UDPConn
	peer  netip.AddrPort
	queue chan []byte
	retry *readRetry

	dead    chan struct{}
	readErr error

	closed    chan struct{}
	closeOnce sync.Once
}

func (c *udpConn) deliver(payload []byte) {
	d := make([]byte, len(payload))
	copy(d, payload)
	select {
	case c.queue <- d:
		c.b.metrics.RecordReceived(string(TransportUDP), len(d))
	default:
		c.b.metrics.RecordDrop(string(TransportUDP), metrics.DropQueueFull)
	}
}

func (c *udpConn) readLoop() {
	defer close(c.dead)

	buf := make([]byte, c.b.opts.MaxDatagramSize)
	for {
		n, err := c.sock.Read(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				c.readErr = net.ErrClosed
				return
			}
			// ICMP port unreachable surfaces as ECONNREFUSED on connected
			// sockets; the peer may come up later.
			c.b.metrics.RecordReadError(string(TransportUDP))
			if !wait(c.retry.failed(), c.closed) {
				c.readErr = net.ErrClosed
				return
			}
			continue
		}
		c.retry.succeeded()
		c.deliver(buf[:n])
	}
}

// Read returns the next datagram from the peer.
func (c *udpConn) Read(ctx context.Context, p []byte) (int, error) {
	select {
	case <-c.closed:
		return 0, net.ErrClosed
	default:
	}

	select {
	case d := <-c.queue:
		return copy(p, d), nil
	case <-c.closed:
		return 0, net.ErrClosed
	case <-c.dead:
		return 0, c.readErr
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Write sends p on the connected socket.
func (c *udpConn) Write(ctx context.Context, p []byte) (int, error) {
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

	n, err := c.sock.Write(p)
	if err != nil {
		return n, fmt.Errorf("udp write to %s: %w", c.peer, err)
	}
	c.b.metrics.RecordSent(string(TransportUDP), n)
	return n, nil
}

// LocalAddr returns the connected socket's local address.
func (c *udpConn) LocalAddr() net.Addr {
	return c.sock.LocalAddr()
}

// RemoteAddr returns the peer address.
func (c *udpConn) RemoteAddr() netip.AddrPort {
	return c.peer
}

// Close closes the peer socket and releases the reservation.
func (c *udpConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.sock.Close()
		c.b.release(c)
	})
	return err
}
