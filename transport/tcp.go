package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sipstack/sipstack/sip"
)

// DefaultIdleTimeout is the inactivity window after which a pooled
// streaming connection is closed by OnBackgroundTick. RFC 3261 doesn't
// mandate a value; this is the teacher's own default, itself above the
// RFC-suggested 3 minute floor.
const DefaultIdleTimeout = 5 * time.Minute

// MinIdleTimeout is the RFC-3261-suggested floor: closing connections more
// aggressively than this risks tearing down a still-live dialog's
// transport mid-conversation.
const MinIdleTimeout = 3 * time.Minute

// TCPTransport listens on one TCP socket and maintains a pool of outbound
// and accepted connections keyed by remote address, swept for idleness on
// background ticks.
type TCPTransport struct {
	network  string // "TCP" or "TLS"
	listener net.Listener
	laddr    net.Addr
	tlsConf  *tls.Config

	handler sip.MessageHandler
	log     *slog.Logger

	idleTimeout time.Duration

	mu    sync.Mutex
	conns map[string]*tcpConn

	disabled atomic.Bool
	closed   chan struct{}
	once     sync.Once
}

// NewTCPTransport listens addr for TCP.
func NewTCPTransport(addr string, handler sip.MessageHandler) (*TCPTransport, error) {
	return newStreamTransport(sip.TransportTCP, addr, nil, handler)
}

// NewTLSTransport listens addr for TLS using tlsConf.
func NewTLSTransport(addr string, tlsConf *tls.Config, handler sip.MessageHandler) (*TCPTransport, error) {
	return newStreamTransport(sip.TransportTLS, addr, tlsConf, handler)
}

func newStreamTransport(network, addr string, tlsConf *tls.Config, handler sip.MessageHandler) (*TCPTransport, error) {
	var ln net.Listener
	var err error
	if tlsConf != nil {
		ln, err = tls.Listen("tcp", addr, tlsConf)
	} else {
		ln, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return nil, err
	}

	t := &TCPTransport{
		network:     network,
		listener:    ln,
		laddr:       ln.Addr(),
		tlsConf:     tlsConf,
		handler:     handler,
		log:         sip.DefaultLogger().With("transport", network, "laddr", addr),
		idleTimeout: DefaultIdleTimeout,
		conns:       make(map[string]*tcpConn),
		closed:      make(chan struct{}),
	}
	go t.acceptLoop()
	return t, nil
}

func (t *TCPTransport) Network() string     { return t.network }
func (t *TCPTransport) String() string      { return t.network + t.laddr.String() }
func (t *TCPTransport) IsStreaming() bool   { return true }
func (t *TCPTransport) LocalAddr() net.Addr { return t.laddr }

func (t *TCPTransport) Disable(disabled bool) { t.disabled.Store(disabled) }

func (t *TCPTransport) acceptLoop() {
	for {
		c, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.closed:
				return
			default:
				t.log.Error("accept failed", "err", err)
				return
			}
		}
		tc := t.wrap(c)
		t.store(c.RemoteAddr().String(), tc)
		go tc.readLoop()
	}
}

func (t *TCPTransport) wrap(c net.Conn) *tcpConn {
	return &tcpConn{
		tp:       t,
		conn:     c,
		r:        bufio.NewReader(c),
		stream:   sip.NewParser().NewSIPStream(),
		lastUsed: time.Now(),
	}
}

func (t *TCPTransport) store(key string, c *tcpConn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.conns[key]; ok {
		_ = old.Close()
	}
	t.conns[key] = c
}

// GetConnection returns a pooled connection to addr, if any.
func (t *TCPTransport) GetConnection(addr string) (Conn, error) {
	t.mu.Lock()
	c, ok := t.conns[addr]
	t.mu.Unlock()
	if !ok {
		return nil, ErrConnectionNotFound
	}
	c.touch()
	return c, nil
}

// CreateConnection dials addr if not already pooled. Dialing happens
// synchronously in the caller's goroutine - an intentional trade-off
// (§5) so connection errors surface synchronously to the transaction
// layer instead of being silently dropped.
func (t *TCPTransport) CreateConnection(ctx context.Context, addr string) (Conn, error) {
	if c, err := t.GetConnection(addr); err == nil {
		return c, nil
	}

	var d net.Dialer
	var nc net.Conn
	var err error
	if t.tlsConf != nil {
		nc, err = tls.DialWithDialer(&d, "tcp", addr, t.tlsConf)
	} else {
		nc, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, err
	}

	tc := t.wrap(nc)
	t.store(addr, tc)
	go tc.readLoop()
	return tc, nil
}

// OnBackgroundTick closes every pooled connection idle past idleTimeout.
func (t *TCPTransport) OnBackgroundTick() {
	deadline := time.Now().Add(-t.idleTimeout)
	t.mu.Lock()
	var stale []*tcpConn
	for key, c := range t.conns {
		if c.lastUsedAt().Before(deadline) {
			stale = append(stale, c)
			delete(t.conns, key)
		}
	}
	t.mu.Unlock()
	for _, c := range stale {
		_ = c.Close()
	}
}

func (t *TCPTransport) removeConn(addr string) {
	t.mu.Lock()
	delete(t.conns, addr)
	t.mu.Unlock()
}

func (t *TCPTransport) Close() error {
	t.once.Do(func() { close(t.closed) })
	t.mu.Lock()
	conns := make([]*tcpConn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.conns = map[string]*tcpConn{}
	t.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
	return t.listener.Close()
}

type tcpConn struct {
	tp     *TCPTransport
	conn   net.Conn
	r      *bufio.Reader
	stream *sip.ParserStream

	mu       sync.Mutex
	lastUsed time.Time
	closed   bool
}

func (c *tcpConn) touch() {
	c.mu.Lock()
	c.lastUsed = time.Now()
	c.mu.Unlock()
}

func (c *tcpConn) lastUsedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUsed
}

func (c *tcpConn) WriteMsg(msg sip.Message) error {
	if c.tp.disabled.Load() {
		return nil
	}
	c.touch()
	_, err := c.conn.Write([]byte(msg.String()))
	return err
}

func (c *tcpConn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *tcpConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *tcpConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.tp.removeConn(c.RemoteAddr().String())
	return c.conn.Close()
}

func (c *tcpConn) readLoop() {
	buf := make([]byte, 8192)
	defer c.Close()
	for {
		n, err := c.r.Read(buf)
		if n > 0 {
			c.touch()
			raddr := c.RemoteAddr().String()
			werr := c.stream.ParseSIPStream(buf[:n], func(msg sip.Message) {
				if c.tp.disabled.Load() {
					return
				}
				msg.SetTransport(c.tp.network)
				msg.SetSource(raddr)
				c.tp.handler(msg)
			})
			if werr != nil && werr != sip.ErrParseSipPartial {
				c.tp.log.Debug("discarding connection after parse error", "err", werr, "raddr", raddr)
				return
			}
		}
		if err != nil {
			return
		}
	}
}
