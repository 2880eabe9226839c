package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"github.com/postalsys/unisock/internal/logging"
	"github.com/postalsys/unisock/internal/metrics"
	"github.com/postalsys/unisock/internal/occupancy"
	"github.com/postalsys/unisock/internal/recovery"
)

const (
	wsReadHeaderTimeout = 10 * time.Second
	wsShutdownTimeout   = 5 * time.Second
)

// WebSocketBackend carries each datagram as one binary WebSocket message.
// The HTTP server runs from Bind onwards; upgrade requests are refused with
// 503 while no listener view is open.
type WebSocketBackend struct {
	ln        net.Listener
	server    *http.Server
	opts      Options
	logger    *slog.Logger
	metrics   *metrics.Metrics
	bind      netip.AddrPort
	secure    bool
	clientTLS *tls.Config

	mu       sync.Mutex
	listener *wsListener
	conns    map[*wsConn]struct{}
	closed   bool

	wg sync.WaitGroup
}

var _ Backend = (*WebSocketBackend)(nil)

// BindWebSocket listens for HTTP on addr and serves the WebSocket endpoint at
// Options.WSPath. TLS is used when Options.TLSConfig is set.
func BindWebSocket(addr netip.AddrPort, opts Options) (*WebSocketBackend, error) {
	opts = opts.withDefaults()

	ln, err := net.ListenTCP("tcp", net.TCPAddrFromAddrPort(addr))
	if err != nil {
		return nil, fmt.Errorf("ws bind %s: %w", addr, err)
	}

	b := &WebSocketBackend{
		opts:    opts,
		logger:  logging.Component(opts.Logger, string(TransportWebSocket)),
		metrics: opts.Metrics,
		bind:    addr,
		conns:   make(map[*wsConn]struct{}),
	}

	var netLn net.Listener = ln
	if opts.TLSConfig != nil {
		serverTLS, err := serverTLSConfig(opts.TLSConfig, []string{"http/1.1"})
		if err != nil {
			ln.Close()
			return nil, err
		}
		netLn = tls.NewListener(ln, serverTLS)
		b.secure = true
		b.clientTLS = clientTLSConfig(opts, nil)
	}
	b.ln = netLn

	mux := http.NewServeMux()
	mux.HandleFunc(opts.WSPath, b.handleUpgrade)
	b.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: wsReadHeaderTimeout,
	}

	recovery.Go(&b.wg, b.logger, "ws.server", func() {
		if err := b.server.Serve(netLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			b.logger.Error("ws server stopped", logging.KeyError, err)
		}
	})

	b.logger.Info("ws bound",
		logging.KeyLocalAddr, ln.Addr().String(),
		"path", opts.WSPath,
		"tls", b.secure)
	return b, nil
}

// Type returns the transport type.
func (b *WebSocketBackend) Type() TransportType {
	return TransportWebSocket
}

// LocalAddr returns the HTTP listener address.
func (b *WebSocketBackend) LocalAddr() net.Addr {
	return b.ln.Addr()
}

// Stats returns a snapshot of the backend's connection counts.
func (b *WebSocketBackend) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Stats{Conns: len(b.conns)}
	if b.listener != nil {
		s.Pending = len(b.listener.connCh)
	}
	return s
}

// Listen opens the accept view. Calling it again while the view is open
// returns the same view.
func (b *WebSocketBackend) Listen() (Listener, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, net.ErrClosed
	}
	if b.listener == nil {
		b.listener = &wsListener{
			b:       b,
			connCh:  make(chan *wsConn, b.opts.AcceptBacklog),
			closeCh: make(chan struct{}),
		}
	}
	return b.listener, nil
}

// Connect dials peer's WebSocket endpoint from the bound IP.
func (b *WebSocketBackend) Connect(ctx context.Context, peer netip.AddrPort) (Conn, error) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, net.ErrClosed
	}

	scheme := "ws"
	if b.secure {
		scheme = "wss"
	}
	u := url.URL{Scheme: scheme, Host: peer.String(), Path: b.opts.WSPath}

	dialer := &net.Dialer{}
	if !b.bind.Addr().IsUnspecified() {
		dialer.LocalAddr = net.TCPAddrFromAddrPort(ephemeral(b.bind))
	}

	var local atomic.Value
	httpTransport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			c, err := dialer.DialContext(ctx, network, addr)
			if err == nil {
				local.Store(c.LocalAddr())
			}
			return c, err
		},
		TLSClientConfig:   b.clientTLS,
		DisableKeepAlives: true,
	}

	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPClient:   &http.Client{Transport: httpTransport},
		Subprotocols: []string{WSSubprotocol},
	})
	if err != nil {
		return nil, fmt.Errorf("ws dial %s: %w", peer, ctxErr(ctx, err))
	}
	if conn.Subprotocol() != WSSubprotocol {
		conn.Close(websocket.StatusPolicyViolation, "subprotocol required")
		return nil, fmt.Errorf("ws dial %s: peer did not negotiate %s", peer, WSSubprotocol)
	}

	localAddr, _ := local.Load().(net.Addr)
	c, err := b.track(conn, localAddr, occupancy.Normalize(peer), "connect")
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Close shuts down the HTTP server and closes every Conn.
func (b *WebSocketBackend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	l := b.listener
	conns := make([]*wsConn, 0, len(b.conns))
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

	ctx, cancel := context.WithTimeout(context.Background(), wsShutdownTimeout)
	defer cancel()
	err := b.server.Shutdown(ctx)
	b.wg.Wait()

	b.logger.Info("ws closed", logging.KeyCount, len(conns))
	return err
}

// handleUpgrade accepts a WebSocket upgrade and queues the Conn for Accept.
func (b *WebSocketBackend) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	l := b.listener
	b.mu.Unlock()
	if l == nil {
		http.Error(w, "not accepting connections", http.StatusServiceUnavailable)
		return
	}

	peer, err := netip.ParseAddrPort(r.RemoteAddr)
	if err != nil {
		http.Error(w, "bad remote address", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{WSSubprotocol},
	})
	if err != nil {
		b.logger.Debug("ws upgrade failed", logging.KeyRemoteAddr, r.RemoteAddr, logging.KeyError, err)
		return
	}
	if conn.Subprotocol() != WSSubprotocol {
		conn.Close(websocket.StatusPolicyViolation, "subprotocol required")
		return
	}

	var local net.Addr
	if la, ok := r.Context().Value(http.LocalAddrContextKey).(net.Addr); ok {
		local = la
	}

	c, err := b.track(conn, local, occupancy.Normalize(peer), "accept")
	if err != nil {
		return
	}

	select {
	case l.connCh <- c:
	case <-l.closeCh:
		c.Close()
	default:
		b.metrics.RecordDrop(string(TransportWebSocket), metrics.DropBacklogFull)
		c.Close()
	}
}

func (b *WebSocketBackend) track(conn *websocket.Conn, local net.Addr, peer netip.AddrPort, direction string) (*wsConn, error) {
	conn.SetReadLimit(int64(b.opts.MaxDatagramSize))

	c := &wsConn{
		b:      b,
		conn:   conn,
		local:  local,
		peer:   peer,
		msgs:   make(chan wsMessage, b.opts.QueueSize),
		closed: make(chan struct{}),
		dead:   make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		conn.Close(websocket.StatusGoingAway, "server closed")
		return nil, net.ErrClosed
	}
	b.conns[c] = struct{}{}
	b.mu.Unlock()

	recovery.Go(&b.wg, b.logger, "ws.reader", c.readLoop)

	b.metrics.RecordConnOpen(string(TransportWebSocket), direction)
	b.logger.Debug("ws connection established",
		logging.KeyRemoteAddr, peer.String(),
		"direction", direction)
	return c, nil
}

func (b *WebSocketBackend) untrack(c *wsConn) {
	b.mu.Lock()
	delete(b.conns, c)
	b.mu.Unlock()
	b.metrics.RecordConnClose(string(TransportWebSocket))
}

// wsListener implements Listener for WebSocket.
type wsListener struct {
	b         *WebSocketBackend
	connCh    chan *wsConn
	closeCh   chan struct{}
	closeOnce sync.Once
}

// Accept waits for the next upgraded connection.
func (l *wsListener) Accept(ctx context.Context) (Conn, netip.AddrPort, error) {
	select {
	case c := <-l.connCh:
		return c, c.peer, nil
	case <-l.closeCh:
		return nil, netip.AddrPort{}, net.ErrClosed
	case <-ctx.Done():
		return nil, netip.AddrPort{}, ctx.Err()
	}
}

// Addr returns the HTTP listener address.
func (l *wsListener) Addr() net.Addr {
	return l.b.LocalAddr()
}

// Close stops accepting and closes connections not yet accepted.
func (l *wsListener) Close() error {
	l.closeOnce.Do(func() {
		l.b.mu.Lock()
		if l.b.listener == l {
			l.b.listener = nil
		}
		l.b.mu.Unlock()

		close(l.closeCh)
		for {
			select {
			case c := <-l.connCh:
				c.Close()
			default:
				return
			}
		}
	})
	return nil
}

type wsMessage struct {
	data []byte
	err  error
}

// wsConn maps one WebSocket connection to a Conn. A reader goroutine owns
// conn.Read so that a cancelled Read context does not tear the connection
// down.
type wsConn struct {
	b     *WebSocketBackend
	conn  *websocket.Conn
	local net.Addr
	peer  netip.AddrPort

	msgs    chan wsMessage
	dead    chan struct{}
	readErr error

	closed    chan struct{}
	closeOnce sync.Once
}

func (c *wsConn) readLoop() {
	defer close(c.dead)

	for {
		typ, data, err := c.conn.Read(context.Background())
		if err != nil {
			c.readErr = err
			return
		}

		msg := wsMessage{data: data}
		if typ != websocket.MessageBinary {
			msg = wsMessage{err: fmt.Errorf("%w: %v", ErrUnexpectedMessage, typ)}
		} else {
			c.b.metrics.RecordReceived(string(TransportWebSocket), len(data))
		}

		select {
		case c.msgs <- msg:
		case <-c.closed:
			return
		}
	}
}

// Read returns the next binary message from the peer.
func (c *wsConn) Read(ctx context.Context, p []byte) (int, error) {
	select {
	case <-c.closed:
		return 0, net.ErrClosed
	default:
	}

	select {
	case m := <-c.msgs:
		if m.err != nil {
			return 0, m.err
		}
		return copy(p, m.data), nil
	case <-c.closed:
		return 0, net.ErrClosed
	case <-c.dead:
		// Deliver anything queued before the connection ended.
		select {
		case m := <-c.msgs:
			if m.err != nil {
				return 0, m.err
			}
			return copy(p, m.data), nil
		default:
		}
		return 0, c.mapReadErr()
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// mapReadErr reports a clean close handshake from the peer as
// ErrNotConnected. Anything else is returned wrapped.
func (c *wsConn) mapReadErr() error {
	switch websocket.CloseStatus(c.readErr) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return fmt.Errorf("ws peer %s closed: %w", c.peer, ErrNotConnected)
	}
	return fmt.Errorf("ws read from %s: %w", c.peer, c.readErr)
}

// Write sends p as one binary message. Once the peer has ended the
// connection Write fails without touching the socket.
func (c *wsConn) Write(ctx context.Context, p []byte) (int, error) {
	select {
	case <-c.closed:
		return 0, net.ErrClosed
	default:
	}
	select {
	case <-c.dead:
		return 0, c.mapReadErr()
	default:
	}
	if len(p) > c.b.opts.MaxDatagramSize {
		return 0, fmt.Errorf("%w: %d > %d", ErrDatagramTooLarge, len(p), c.b.opts.MaxDatagramSize)
	}

	if err := c.conn.Write(ctx, websocket.MessageBinary, p); err != nil {
		return 0, fmt.Errorf("ws write to %s: %w", c.peer, ctxErr(ctx, err))
	}
	c.b.metrics.RecordSent(string(TransportWebSocket), len(p))
	return len(p), nil
}

// LocalAddr returns the local TCP address when known.
func (c *wsConn) LocalAddr() net.Addr {
	if c.local == nil {
		return c.b.LocalAddr()
	}
	return c.local
}

// RemoteAddr returns the peer address.
func (c *wsConn) RemoteAddr() netip.AddrPort {
	return c.peer
}

// Close sends a normal closure and releases the Conn.
func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close(websocket.StatusNormalClosure, "connection closed")
		c.b.untrack(c)
	})
	return nil
}
