package transport

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/sipstack/sipstack/sip"
)

// UDPTransport listens on one UDP socket and multiplexes every peer
// through it; GetConnection/CreateConnection both hand back the same
// shared connection wrapper, since UDP has no per-peer connection state.
type UDPTransport struct {
	laddr *net.UDPAddr
	conn  *net.UDPConn
	log   *slog.Logger

	handler sip.MessageHandler
	parser  *sip.Parser

	closed chan struct{}
	once   sync.Once

	disabled atomic.Bool
}

// NewUDPTransport binds addr ("host:port") for UDP.
func NewUDPTransport(addr string, handler sip.MessageHandler) (*UDPTransport, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, err
	}

	tp := &UDPTransport{
		laddr:   laddr,
		conn:    conn,
		log:     sip.DefaultLogger().With("transport", "UDP", "laddr", addr),
		handler: handler,
		parser:  sip.NewParser(),
		closed:  make(chan struct{}),
	}
	go tp.readLoop()
	return tp, nil
}

func (t *UDPTransport) Network() string      { return sip.TransportUDP }
func (t *UDPTransport) String() string       { return "UDP" + t.laddr.String() }
func (t *UDPTransport) IsStreaming() bool    { return false }
func (t *UDPTransport) LocalAddr() net.Addr  { return t.laddr }
func (t *UDPTransport) OnBackgroundTick()    {} // UDP has no per-peer connection state to sweep

// Disable silently drops all inbound/outbound traffic. Test-only (packet
// loss simulation for retransmission scenarios).
func (t *UDPTransport) Disable(disabled bool) { t.disabled.Store(disabled) }

// GetConnection always succeeds for UDP: there is one shared socket.
func (t *UDPTransport) GetConnection(addr string) (Conn, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	return &udpConn{tp: t, raddr: raddr}, nil
}

func (t *UDPTransport) CreateConnection(ctx context.Context, addr string) (Conn, error) {
	return t.GetConnection(addr)
}

func (t *UDPTransport) Close() error {
	t.once.Do(func() { close(t.closed) })
	return t.conn.Close()
}

const udpReadBufSize = 65535

func (t *UDPTransport) readLoop() {
	buf := make([]byte, udpReadBufSize)
	for {
		n, raddr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-t.closed:
				return
			default:
				t.log.Error("udp read failed", "err", err)
				return
			}
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		go t.handleDatagram(data, raddr)
	}
}

func (t *UDPTransport) handleDatagram(data []byte, raddr *net.UDPAddr) {
	if t.disabled.Load() {
		return
	}
	// RFC 3261 doesn't define this, but every softswitch on the wire sends
	// bare CRLFCRLF as a UDP keep-alive; it parses to nothing useful.
	if len(data) <= 4 {
		return
	}
	msg, err := t.parser.ParseSIP(data)
	if err != nil {
		t.log.Debug("discarding unparsable datagram", "err", err, "raddr", raddr.String())
		return
	}
	msg.SetTransport(sip.TransportUDP)
	msg.SetSource(raddr.String())
	t.handler(msg)
}

type udpConn struct {
	tp    *UDPTransport
	raddr *net.UDPAddr
}

func (c *udpConn) WriteMsg(msg sip.Message) error {
	if c.tp.disabled.Load() {
		return nil
	}
	_, err := c.tp.conn.WriteToUDP([]byte(msg.String()), c.raddr)
	return err
}

func (c *udpConn) LocalAddr() net.Addr  { return c.tp.laddr }
func (c *udpConn) RemoteAddr() net.Addr { return c.raddr }
func (c *udpConn) Close() error         { return nil }
