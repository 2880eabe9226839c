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

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	"golang.org/x/time/rate"

	"github.com/postalsys/unisock/internal/logging"
	"github.com/postalsys/unisock/internal/metrics"
	"github.com/postalsys/unisock/internal/occupancy"
	"github.com/postalsys/unisock/internal/recovery"
)

// errReaderPanic is reported to Conns when the reader goroutine panicked.
var errReaderPanic = errors.New("udpmux reader stopped unexpectedly")

// batchReader is satisfied by both ipv4.PacketConn and ipv6.PacketConn.
type batchReader interface {
	ReadBatch(ms []ipv4.Message, flags int) (int, error)
}

// UDPMuxBackend multiplexes logical Conns over one UDP socket.
//
// A single reader goroutine performs every receive on the socket and routes
// each datagram by source address: to the Conn that owns the peer, or, for a
// peer nobody owns yet, to a freshly reserved Conn queued for Accept. Callers
// never receive from the socket directly, so one Conn cannot consume another
// Conn's datagrams.
//
// New peers are queued from the moment the socket is bound; Listen only
// returns a view of that queue. A queued peer is not owned by any caller
// yet, so Connect to it claims the queued Conn, with its datagrams, instead
// of failing.
type UDPMuxBackend struct {
	conn     *net.UDPConn
	batch    batchReader
	opts     Options
	registry *occupancy.Registry
	logger   *slog.Logger
	metrics  *metrics.Metrics
	limiter  *rate.Limiter

	mu        sync.Mutex
	conns     map[netip.AddrPort]*udpMuxConn
	pending   acceptQueue[*udpMuxConn]
	admitting bool
	listener  *udpMuxListener
	shut      bool

	retry   *readRetry
	closing chan struct{}

	dead     chan struct{}
	deadErr  error
	failOnce sync.Once

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
	wg        sync.WaitGroup
}

var _ Backend = (*UDPMuxBackend)(nil)

// BindUDPMux opens one UDP socket on addr and starts its reader.
func BindUDPMux(addr netip.AddrPort, opts Options) (*UDPMuxBackend, error) {
	opts = opts.withDefaults()

	conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(addr))
	if err != nil {
		return nil, fmt.Errorf("udpmux bind %s: %w", addr, err)
	}

	var batch batchReader
	if local, ok := conn.LocalAddr().(*net.UDPAddr); ok && local.IP.To4() != nil {
		batch = ipv4.NewPacketConn(conn)
	} else {
		batch = ipv6.NewPacketConn(conn)
	}
	return newUDPMux(conn, batch, opts, defaultReadRetry()), nil
}

// newUDPMux starts the reader on an already bound socket. opts must have
// defaults applied.
func newUDPMux(conn *net.UDPConn, batch batchReader, opts Options, retry *readRetry) *UDPMuxBackend {
	b := &UDPMuxBackend{
		conn:      conn,
		batch:     batch,
		opts:      opts,
		registry:  opts.Registry,
		logger:    logging.Component(opts.Logger, string(TransportUDPMux)),
		metrics:   opts.Metrics,
		conns:     make(map[netip.AddrPort]*udpMuxConn),
		pending:   newAcceptQueue[*udpMuxConn](),
		admitting: true,
		retry:     retry,
		closing:   make(chan struct{}),
		dead:      make(chan struct{}),
	}

	if opts.AcceptRate > 0 {
		b.limiter = rate.NewLimiter(rate.Limit(opts.AcceptRate), opts.AcceptBurst)
	}

	b.wg.Add(1)
	go b.readLoop()

	b.logger.Info("udpmux bound",
		logging.KeyLocalAddr, conn.LocalAddr().String(),
		"batch_size", opts.ReadBatchSize,
		"queue_size", opts.QueueSize)

	return b
}

// Type returns the transport type.
func (b *UDPMuxBackend) Type() TransportType {
	return TransportUDPMux
}

// LocalAddr returns the bound socket address.
func (b *UDPMuxBackend) LocalAddr() net.Addr {
	return b.conn.LocalAddr()
}

// Registry returns the occupancy registry shared with this backend's Conns.
func (b *UDPMuxBackend) Registry() *occupancy.Registry {
	return b.registry
}

// Stats returns a snapshot of the backend's connection counts.
func (b *UDPMuxBackend) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Stats{Conns: len(b.conns), Pending: b.pending.len()}
}

// Connect reserves peer and returns a Conn for it. No packets are sent; the
// reservation alone makes the reader route the peer's datagrams to the Conn.
// If peer is queued for Accept, Connect takes that Conn over, together with
// the datagrams already queued on it.
func (b *UDPMuxBackend) Connect(ctx context.Context, peer netip.AddrPort) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !peer.IsValid() {
		return nil, fmt.Errorf("udpmux connect: invalid peer address %q", peer)
	}
	peer = occupancy.Normalize(peer)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.shut {
		return nil, net.ErrClosed
	}
	if c, ok := b.conns[peer]; ok && b.pending.remove(c) {
		b.metrics.SetAcceptBacklog(string(TransportUDPMux), b.pending.len())
		b.logger.Debug("queued peer claimed by connect", logging.KeyRemoteAddr, peer.String())
		return c, nil
	}
	if !b.registry.Reserve(peer) {
		b.metrics.RecordAddrInUse(string(TransportUDPMux))
		return nil, fmt.Errorf("udpmux connect %s: %w", peer, ErrAddrInUse)
	}

	c := b.newConnLocked(peer, "connect")
	b.logger.Debug("peer reserved", logging.KeyRemoteAddr, peer.String())
	return c, nil
}

// Listen returns the listener view of the backend. It opens no new socket
// and peers that arrived before the call are already queued on it; calling
// it again while the view is open returns the same view.
func (b *UDPMuxBackend) Listen() (Listener, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.shut {
		return nil, net.ErrClosed
	}
	if b.listener == nil {
		b.listener = &udpMuxListener{
			b:      b,
			closed: make(chan struct{}),
		}
	}
	b.admitting = true
	return b.listener, nil
}

// Close closes the socket, the listener and every Conn.
func (b *UDPMuxBackend) Close() error {
	b.closeOnce.Do(func() {
		b.closed.Store(true)

		close(b.closing)

		b.mu.Lock()
		b.shut = true
		l := b.listener
		conns := make([]*udpMuxConn, 0, len(b.conns))
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

		b.closeErr = b.conn.Close()
		b.wg.Wait()

		b.logger.Info("udpmux closed", logging.KeyCount, len(conns))
	})
	return b.closeErr
}

// readLoop is the only caller of a receive on the socket.
func (b *UDPMuxBackend) readLoop() {
	defer b.wg.Done()
	defer recovery.RecoverWithCallback(b.logger, "udpmux.reader", func(any) {
		b.fail(errReaderPanic)
	})

	msgs := make([]ipv4.Message, b.opts.ReadBatchSize)
	for i := range msgs {
		msgs[i].Buffers = [][]byte{make([]byte, b.opts.MaxDatagramSize)}
	}

	for {
		n, err := b.batch.ReadBatch(msgs, 0)
		if err != nil {
			if b.closed.Load() || errors.Is(err, net.ErrClosed) {
				b.fail(net.ErrClosed)
				return
			}
			b.metrics.RecordReadError(string(TransportUDPMux))
			delay := b.retry.failed()
			if delay > 0 {
				b.logger.Warn("udpmux receive failing, backing off",
					logging.KeyError, err,
					logging.KeyDuration, delay)
			} else {
				b.logger.Debug("transient read error", logging.KeyError, err)
			}
			if !wait(delay, b.closing) {
				b.fail(net.ErrClosed)
				return
			}
			continue
		}
		b.retry.succeeded()
		b.metrics.RecordReadBatch(n)

		for i := 0; i < n; i++ {
			src, ok := msgs[i].Addr.(*net.UDPAddr)
			if !ok {
				continue
			}
			b.route(occupancy.Normalize(src.AddrPort()), msgs[i].Buffers[0][:msgs[i].N])
		}
	}
}

// route hands one datagram to its owner, or admits src as a new peer.
func (b *UDPMuxBackend) route(src netip.AddrPort, payload []byte) {
	transport := string(TransportUDPMux)

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
	case b.limiter != nil && !b.limiter.Allow():
		b.metrics.RecordDrop(transport, metrics.DropRateLimited)
		return
	case b.pending.len() >= b.opts.AcceptBacklog:
		b.metrics.RecordDrop(transport, metrics.DropBacklogFull)
		b.logger.Warn("accept backlog full, dropping new peer", logging.KeyRemoteAddr, src.String())
		return
	case !b.registry.Reserve(src):
		// Owned through a registry shared with another backend.
		b.metrics.RecordDrop(transport, metrics.DropAddrInUse)
		return
	}

	c := b.newConnLocked(src, "accept")
	c.deliver(payload)
	b.pending.push(c)
	b.metrics.SetAcceptBacklog(transport, b.pending.len())
	b.logger.Debug("new peer queued for accept", logging.KeyRemoteAddr, src.String())
}

// newConnLocked creates and registers a Conn for a reserved peer.
// b.mu must be held.
func (b *UDPMuxBackend) newConnLocked(peer netip.AddrPort, direction string) *udpMuxConn {
	c := &udpMuxConn{
		b:     b,
		peer:  peer,
		queue: make(chan []byte, b.opts.QueueSize),
		done:  make(chan struct{}),
	}
	b.conns[peer] = c

	b.metrics.RecordConnOpen(string(TransportUDPMux), direction)
	b.metrics.SetPeersOccupied(string(TransportUDPMux), b.registry.Len())
	return c
}

// release drops c from the routing table and frees its reservation.
func (b *UDPMuxBackend) release(c *udpMuxConn) {
	b.mu.Lock()
	if cur, ok := b.conns[c.peer]; ok && cur == c {
		delete(b.conns, c.peer)
	}
	b.pending.remove(c)
	b.registry.Release(c.peer)
	occupied := b.registry.Len()
	b.mu.Unlock()

	b.metrics.RecordConnClose(string(TransportUDPMux))
	b.metrics.SetPeersOccupied(string(TransportUDPMux), occupied)
	b.logger.Debug("peer released", logging.KeyRemoteAddr, c.peer.String())
}

// fail records the reason the reader stopped and wakes every waiter.
func (b *UDPMuxBackend) fail(err error) {
	b.failOnce.Do(func() {
		b.deadErr = err
		close(b.dead)
	})
}

// udpMuxListener is the accept view of a UDPMuxBackend.
type udpMuxListener struct {
	b         *UDPMuxBackend
	closed    chan struct{}
	closeOnce sync.Once
}

// Accept returns the next queued Conn whose peer was not owned when its
// first datagram arrived. The peer is already reserved, so further datagrams
// from it go to that Conn and never produce another Accept.
func (l *udpMuxListener) Accept(ctx context.Context) (Conn, netip.AddrPort, error) {
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
			b.metrics.SetAcceptBacklog(string(TransportUDPMux), n)
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

// Addr returns the shared socket's address.
func (l *udpMuxListener) Addr() net.Addr {
	return l.b.LocalAddr()
}

// Close stops admitting new peers and releases every Conn still waiting in
// the queue. Conns already returned by Accept stay open. A later Listen
// resumes admission.
func (l *udpMuxListener) Close() error {
	l.closeOnce.Do(func() {
		b := l.b
		var queued []*udpMuxConn

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
		b.metrics.SetAcceptBacklog(string(TransportUDPMux), 0)
	})
	return nil
}

// udpMuxConn is a logical Conn bound to one peer of a UDPMuxBackend.
type udpMuxConn struct {
	b         *UDPMuxBackend
	peer      netip.AddrPort
	queue     chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// deliver queues a copy of payload, dropping it when the queue is full.
// Called by the reader with b.mu held.
func (c *udpMuxConn) deliver(payload []byte) {
	d := make([]byte, len(payload))
	copy(d, payload)

	select {
	case c.queue <- d:
		c.b.metrics.RecordReceived(string(TransportUDPMux), len(d))
	default:
		c.b.metrics.RecordDrop(string(TransportUDPMux), metrics.DropQueueFull)
	}
}

// Read returns the next datagram from the peer.
func (c *udpMuxConn) Read(ctx context.Context, p []byte) (int, error) {
	select {
	case <-c.done:
		return 0, net.ErrClosed
	default:
	}

	select {
	case d := <-c.queue:
		return copy(p, d), nil
	case <-c.done:
		return 0, net.ErrClosed
	case <-c.b.dead:
		return 0, c.b.deadErr
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Write sends p to the peer. Send errors are returned as-is, wrapped.
func (c *udpMuxConn) Write(ctx context.Context, p []byte) (int, error) {
	select {
	case <-c.done:
		return 0, net.ErrClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if len(p) > c.b.opts.MaxDatagramSize {
		return 0, fmt.Errorf("%w: %d > %d", ErrDatagramTooLarge, len(p), c.b.opts.MaxDatagramSize)
	}

	n, err := c.b.conn.WriteToUDPAddrPort(p, c.peer)
	if err != nil {
		return n, fmt.Errorf("udpmux write to %s: %w", c.peer, err)
	}
	c.b.metrics.RecordSent(string(TransportUDPMux), n)
	return n, nil
}

// LocalAddr returns the shared socket's address.
func (c *udpMuxConn) LocalAddr() net.Addr {
	return c.b.LocalAddr()
}

// RemoteAddr returns the peer this Conn owns.
func (c *udpMuxConn) RemoteAddr() netip.AddrPort {
	return c.peer
}

// Close releases the peer reservation. Queued datagrams are discarded.
func (c *udpMuxConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.b.release(c)
	})
	return nil
}
