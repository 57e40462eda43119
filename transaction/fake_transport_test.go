package transaction

import (
	"context"
	"net"
	"sync"

	"github.com/sipstack/sipstack/sip"
	"github.com/sipstack/sipstack/transport"
)

// fakeConn and fakeTransport are minimal in-memory stand-ins for the
// transport.Conn/transport.Transport contract, grounded on the teacher's
// deleted fakes/conn.go pattern (record what was written, let the test
// assert on it) rather than opening a real socket.
type fakeConn struct {
	remote string

	mu   sync.Mutex
	sent []sip.Message
}

func (c *fakeConn) WriteMsg(msg sip.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeConn) LocalAddr() net.Addr  { return &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 5060} }
func (c *fakeConn) RemoteAddr() net.Addr { return &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 5061} }
func (c *fakeConn) Close() error         { return nil }

func (c *fakeConn) messages() []sip.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sip.Message(nil), c.sent...)
}

type fakeTransport struct {
	network string

	mu       sync.Mutex
	conns    map[string]*fakeConn
	sendErr  error // returned by GetConnection until a CreateConnection call returns and clears it
}

func newFakeTransport(network string) *fakeTransport {
	return &fakeTransport{network: network, conns: make(map[string]*fakeConn)}
}

func (t *fakeTransport) Network() string     { return t.network }
func (t *fakeTransport) IsStreaming() bool   { return sip.IsReliable(t.network) }
func (t *fakeTransport) LocalAddr() net.Addr { return &net.UDPAddr{Port: 5060} }
func (t *fakeTransport) OnBackgroundTick()   {}
func (t *fakeTransport) Disable(bool)        {}
func (t *fakeTransport) String() string      { return "fake<" + t.network + ">" }
func (t *fakeTransport) Close() error        { return nil }

func (t *fakeTransport) GetConnection(addr string) (transport.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sendErr != nil {
		return nil, t.sendErr
	}
	c, ok := t.conns[addr]
	if !ok {
		c = &fakeConn{remote: addr}
		t.conns[addr] = c
	}
	return c, nil
}

func (t *fakeTransport) CreateConnection(ctx context.Context, addr string) (transport.Conn, error) {
	t.mu.Lock()
	if err := t.sendErr; err != nil {
		t.sendErr = nil
		t.mu.Unlock()
		return nil, err
	}
	t.mu.Unlock()
	return t.GetConnection(addr)
}

// failNextSend arranges for the next attempted send to this transport to
// fail with err, simulating a transport-layer rejection or timeout
// (SPEC_FULL.md §7).
func (t *fakeTransport) failNextSend(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sendErr = err
}

func (t *fakeTransport) messagesTo(addr string) []sip.Message {
	t.mu.Lock()
	c, ok := t.conns[addr]
	t.mu.Unlock()
	if !ok {
		return nil
	}
	return c.messages()
}
