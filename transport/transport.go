// Package transport implements the SIP transport layer (RFC 3261 - 18):
// the contract and concrete UDP/TCP/TLS implementations that move bytes on
// the wire and hand parsed messages up to the message router.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"syscall"

	"github.com/sipstack/sipstack/sip"
)

// Conn is a single open connection capable of writing a message and
// reporting its own local/remote addresses. Datagram transports (UDP)
// implement it over a shared socket; stream transports (TCP/TLS) over one
// Conn per peer, pooled and swept for idleness by the owning Transport.
type Conn interface {
	WriteMsg(msg sip.Message) error
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	Close() error
}

// Transport is one network-layer SIP transport (UDP, TCP, TLS).
type Transport interface {
	// Network returns the transport token as carried in Via ("UDP", "TCP", ...).
	Network() string
	// IsStreaming reports whether this transport frames messages by
	// Content-Length over a byte stream (TCP/TLS) as opposed to one
	// message per datagram (UDP).
	IsStreaming() bool
	// LocalAddr is the bound local endpoint.
	LocalAddr() net.Addr
	// GetConnection returns an existing connection to addr, or
	// ErrConnectionNotFound if none is pooled.
	GetConnection(addr string) (Conn, error)
	// CreateConnection dials or accepts-then-caches a new connection to addr.
	CreateConnection(ctx context.Context, addr string) (Conn, error)
	// OnBackgroundTick sweeps idle pooled connections. No-op for UDP.
	OnBackgroundTick()
	// Disable silently drops all inbound/outbound traffic. Test-only.
	Disable(disabled bool)
	String() string
	Close() error
}

// ErrConnectionNotFound is returned by GetConnection when no pooled
// connection exists for the given address.
var ErrConnectionNotFound = fmt.Errorf("connection not found")

// SendErrorKind classifies a transport send failure the way the
// transaction layer needs to: RFC 3261 - 8.1.3.1's "non-responsive"
// taxonomy doesn't distinguish these, but the client transaction's
// ServiceUnavailable-vs-RequestTimeout split does.
type SendErrorKind int

const (
	// SendErrorOther is any failure that is neither a clean rejection nor
	// a timeout (malformed destination, write error on an already-broken
	// socket, and so on).
	SendErrorOther SendErrorKind = iota
	// SendErrorRejected covers connection refused/reset/aborted and host
	// unreachable: the peer (or the network) actively refused the message.
	SendErrorRejected
	// SendErrorTimedOut covers dial/write deadlines expiring.
	SendErrorTimedOut
)

// ClassifySendError inspects err (typically returned from net.Dial/Write)
// and reports which of the three send-failure buckets it falls into.
func ClassifySendError(err error) SendErrorKind {
	if err == nil {
		return SendErrorOther
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return SendErrorTimedOut
	}
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH) {
		return SendErrorRejected
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Timeout() {
			return SendErrorTimedOut
		}
		switch {
		case errors.Is(opErr.Err, syscall.ECONNREFUSED),
			errors.Is(opErr.Err, syscall.ECONNRESET),
			errors.Is(opErr.Err, syscall.EHOSTUNREACH):
			return SendErrorRejected
		}
	}
	return SendErrorOther
}

// Layer owns every registered Transport and is the single point through
// which the router and transaction layer send and receive messages.
type Layer struct {
	transports map[string]Transport
	handler    sip.MessageHandler
	log        *slog.Logger

	mu sync.RWMutex
}

// LayerOption configures a Layer.
type LayerOption func(*Layer)

// WithLayerLogger overrides the layer's logger.
func WithLayerLogger(l *slog.Logger) LayerOption {
	return func(lay *Layer) { lay.log = l }
}

// NewLayer creates an empty transport layer. Call RegisterTransport for
// each transport it should own, then OnMessage before any is started.
func NewLayer(opts ...LayerOption) *Layer {
	l := &Layer{
		transports: make(map[string]Transport),
		log:        sip.DefaultLogger(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// OnMessage registers the callback invoked for every message any owned
// transport receives. Must be called before traffic starts flowing.
func (l *Layer) OnMessage(h sip.MessageHandler) {
	l.handler = h
}

// RegisterTransport adds tp under its own Network() name.
func (l *Layer) RegisterTransport(tp Transport) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.transports[sip.ASCIIToUpper(tp.Network())] = tp
}

// Transport returns the registered transport for a network name, or nil.
func (l *Layer) Transport(network string) Transport {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.transports[sip.ASCIIToUpper(network)]
}

// Transports returns every registered transport, for background ticking.
func (l *Layer) Transports() []Transport {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Transport, 0, len(l.transports))
	for _, tp := range l.transports {
		out = append(out, tp)
	}
	return out
}

func (l *Layer) onMessage(msg sip.Message) {
	if l.handler == nil {
		l.log.Warn("message dropped, no handler registered", "msg", sip.MessageShortString(msg))
		return
	}
	l.handler(msg)
}

// WriteMsg sends msg over the transport named by msg.Transport(), dialing
// or reusing a pooled connection to msg.Destination().
func (l *Layer) WriteMsg(ctx context.Context, msg sip.Message) error {
	network := msg.Transport()
	tp := l.Transport(network)
	if tp == nil {
		return fmt.Errorf("no transport registered for %q", network)
	}

	dest := msg.Destination()
	conn, err := tp.GetConnection(dest)
	if err != nil {
		conn, err = tp.CreateConnection(ctx, dest)
		if err != nil {
			return fmt.Errorf("dial %s %s: %w", network, dest, err)
		}
	}
	return conn.WriteMsg(msg)
}

// OnBackgroundTick sweeps every registered transport's idle connections.
// Called by core on its own tick, amortized to a coarser interval (see
// core.Config.TransportTickEvery).
func (l *Layer) OnBackgroundTick() {
	for _, tp := range l.Transports() {
		tp.OnBackgroundTick()
	}
}

// ListenUDP binds a UDP transport on addr, registers it under the layer,
// and wires its inbound messages to whatever handler OnMessage installed -
// the layer-owned equivalent of the teacher's Layer.ServeUDP, collapsed to
// one call since this module's transports bind their own socket instead of
// being handed a pre-built net.PacketConn.
func (l *Layer) ListenUDP(addr string) (*UDPTransport, error) {
	tp, err := NewUDPTransport(addr, l.onMessage)
	if err != nil {
		return nil, err
	}
	l.RegisterTransport(tp)
	return tp, nil
}

// ListenTCP is ListenUDP's TCP equivalent.
func (l *Layer) ListenTCP(addr string) (*TCPTransport, error) {
	tp, err := NewTCPTransport(addr, l.onMessage)
	if err != nil {
		return nil, err
	}
	l.RegisterTransport(tp)
	return tp, nil
}

// ListenTLS is ListenUDP's TLS equivalent.
func (l *Layer) ListenTLS(addr string, tlsConf *tls.Config) (*TCPTransport, error) {
	tp, err := NewTLSTransport(addr, tlsConf, l.onMessage)
	if err != nil {
		return nil, err
	}
	l.RegisterTransport(tp)
	return tp, nil
}

// ListenWS is ListenUDP's WebSocket equivalent (RFC 7118).
func (l *Layer) ListenWS(addr string) (*WSTransport, error) {
	tp, err := NewWSTransport(addr, l.onMessage)
	if err != nil {
		return nil, err
	}
	l.RegisterTransport(tp)
	return tp, nil
}

// ListenWSS is ListenUDP's secure WebSocket equivalent.
func (l *Layer) ListenWSS(addr string, tlsConf *tls.Config) (*WSTransport, error) {
	tp, err := NewWSSTransport(addr, tlsConf, l.onMessage)
	if err != nil {
		return nil, err
	}
	l.RegisterTransport(tp)
	return tp, nil
}

// Close closes every registered transport.
func (l *Layer) Close() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var firstErr error
	for _, tp := range l.transports {
		if err := tp.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
