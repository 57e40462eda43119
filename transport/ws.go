package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"

	"github.com/sipstack/sipstack/sip"
)

// WebSocketProtocols is offered during the WS/WSS handshake. SIP-over-WS
// (RFC 7118) clients are expected to request/accept the "sip" subprotocol.
var WebSocketProtocols = []string{"sip"}

// WSTransport listens on one WS (or, with a tls.Config, WSS) socket and
// maintains a pool of accepted/dialed connections keyed by remote address,
// framing SIP messages as WebSocket text frames instead of raw bytes.
type WSTransport struct {
	network  string // "WS" or "WSS"
	listener net.Listener
	laddr    net.Addr
	tlsConf  *tls.Config
	dialer   ws.Dialer

	handler sip.MessageHandler
	log     *slog.Logger

	idleTimeout time.Duration

	mu    sync.Mutex
	conns map[string]*wsConn

	disabled atomic.Bool
	closed   chan struct{}
	once     sync.Once
}

// NewWSTransport listens addr for WS.
func NewWSTransport(addr string, handler sip.MessageHandler) (*WSTransport, error) {
	return newWSTransport(sip.TransportWS, addr, nil, handler)
}

// NewWSSTransport listens addr for WSS using tlsConf.
func NewWSSTransport(addr string, tlsConf *tls.Config, handler sip.MessageHandler) (*WSTransport, error) {
	return newWSTransport(sip.TransportWSS, addr, tlsConf, handler)
}

func newWSTransport(network, addr string, tlsConf *tls.Config, handler sip.MessageHandler) (*WSTransport, error) {
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

	dialer := ws.DefaultDialer
	dialer.Protocols = WebSocketProtocols
	if tlsConf != nil {
		dialer.TLSConfig = tlsConf
	}

	t := &WSTransport{
		network:     network,
		listener:    ln,
		laddr:       ln.Addr(),
		tlsConf:     tlsConf,
		dialer:      dialer,
		handler:     handler,
		log:         sip.DefaultLogger().With("transport", network, "laddr", addr),
		idleTimeout: DefaultIdleTimeout,
		conns:       make(map[string]*wsConn),
		closed:      make(chan struct{}),
	}
	go t.acceptLoop()
	return t, nil
}

func (t *WSTransport) Network() string     { return t.network }
func (t *WSTransport) String() string      { return t.network + t.laddr.String() }
func (t *WSTransport) IsStreaming() bool   { return true }
func (t *WSTransport) LocalAddr() net.Addr { return t.laddr }

func (t *WSTransport) Disable(disabled bool) { t.disabled.Store(disabled) }

func (t *WSTransport) acceptLoop() {
	header := ws.HandshakeHeaderHTTP(http.Header{
		"Sec-WebSocket-Protocol": WebSocketProtocols,
	})
	upgrader := ws.Upgrader{
		OnBeforeUpgrade: func() (ws.HandshakeHeader, error) { return header, nil },
	}

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
		if _, err := upgrader.Upgrade(c); err != nil {
			t.log.Error("ws upgrade failed", "err", err)
			_ = c.Close()
			continue
		}

		wc := t.wrap(c, ws.StateServerSide)
		t.store(c.RemoteAddr().String(), wc)
		go wc.readLoop()
	}
}

func (t *WSTransport) wrap(c net.Conn, state ws.State) *wsConn {
	return &wsConn{
		tp:       t,
		conn:     c,
		state:    state,
		stream:   sip.NewParser().NewSIPStream(),
		lastUsed: time.Now(),
	}
}

func (t *WSTransport) store(key string, c *wsConn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.conns[key]; ok {
		_ = old.Close()
	}
	t.conns[key] = c
}

// GetConnection returns a pooled connection to addr, if any.
func (t *WSTransport) GetConnection(addr string) (Conn, error) {
	t.mu.Lock()
	c, ok := t.conns[addr]
	t.mu.Unlock()
	if !ok {
		return nil, ErrConnectionNotFound
	}
	c.touch()
	return c, nil
}

// CreateConnection dials addr if not already pooled, performing the WS
// handshake synchronously so handshake/dial failures surface to the
// calling transaction layer the same way TCPTransport.CreateConnection does.
func (t *WSTransport) CreateConnection(ctx context.Context, addr string) (Conn, error) {
	if c, err := t.GetConnection(addr); err == nil {
		return c, nil
	}

	scheme := "ws://"
	if t.tlsConf != nil {
		scheme = "wss://"
	}
	nc, _, _, err := t.dialer.Dial(ctx, scheme+addr)
	if err != nil {
		return nil, err
	}

	wc := t.wrap(nc, ws.StateClientSide)
	t.store(addr, wc)
	go wc.readLoop()
	return wc, nil
}

// OnBackgroundTick closes every pooled connection idle past idleTimeout.
func (t *WSTransport) OnBackgroundTick() {
	deadline := time.Now().Add(-t.idleTimeout)
	t.mu.Lock()
	var stale []*wsConn
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

func (t *WSTransport) removeConn(addr string) {
	t.mu.Lock()
	delete(t.conns, addr)
	t.mu.Unlock()
}

func (t *WSTransport) Close() error {
	t.once.Do(func() { close(t.closed) })
	t.mu.Lock()
	conns := make([]*wsConn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.conns = map[string]*wsConn{}
	t.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
	return t.listener.Close()
}

// wsConn frames each WriteMsg as a single WebSocket text message and
// hands the payload of every inbound text, binary or continuation frame
// (RFC 7118 - 3) to the shared stream parser, which reassembles messages
// split across frames, so SIP framing (CRLFCRLF + Content-Length) is
// identical to TCP's.
type wsConn struct {
	tp     *WSTransport
	conn   net.Conn
	state  ws.State
	stream *sip.ParserStream

	mu       sync.Mutex
	lastUsed time.Time
	closed   bool
}

func (c *wsConn) touch() {
	c.mu.Lock()
	c.lastUsed = time.Now()
	c.mu.Unlock()
}

func (c *wsConn) lastUsedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUsed
}

func (c *wsConn) WriteMsg(msg sip.Message) error {
	if c.tp.disabled.Load() {
		return nil
	}
	c.touch()
	data := []byte(msg.String())
	frame := ws.NewTextFrame(data)
	if c.state == ws.StateClientSide {
		frame = ws.MaskFrameInPlace(frame)
	}
	return ws.WriteFrame(c.conn, frame)
}

func (c *wsConn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *wsConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *wsConn) Close() error {
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

func (c *wsConn) readLoop() {
	defer c.Close()
	raddr := c.RemoteAddr().String()
	for {
		header, err := ws.ReadHeader(c.conn)
		if err != nil {
			return
		}
		payload := make([]byte, header.Length)
		if _, err := io.ReadFull(c.conn, payload); err != nil {
			return
		}
		if header.Masked {
			ws.Cipher(payload, header.Mask, 0)
		}

		switch {
		case header.OpCode == ws.OpClose:
			return
		case header.OpCode == ws.OpPing:
			pong := ws.NewPongFrame(payload)
			_ = ws.WriteFrame(c.conn, pong)
			continue
		case header.OpCode.IsControl():
			continue
		case header.OpCode != ws.OpContinuation && header.OpCode&ws.OpText == 0 && header.OpCode&ws.OpBinary == 0:
			continue
		}

		c.touch()
		if len(bytes.Trim(payload, "\x00")) == 0 {
			continue
		}
		if len(payload) <= 4 && len(bytes.Trim(payload, "\r\n")) == 0 {
			continue
		}

		werr := c.stream.ParseSIPStream(payload, func(msg sip.Message) {
			if c.tp.disabled.Load() {
				return
			}
			msg.SetTransport(c.tp.network)
			msg.SetSource(raddr)
			c.tp.handler(msg)
		})
		if werr != nil && !errors.Is(werr, sip.ErrParseSipPartial) {
			c.tp.log.Debug("discarding ws connection after parse error", "err", werr, "raddr", raddr)
			return
		}
	}
}
