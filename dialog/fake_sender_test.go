package dialog

import (
	"context"
	"net"
	"sync"

	"github.com/sipstack/sipstack/sip"
	"github.com/sipstack/sipstack/transaction"
	"github.com/sipstack/sipstack/transport"
)

// fakeSender is a test-only RequestSender: it records every outbound
// in-dialog/CANCEL/BYE request and callback pair instead of actually
// driving a client transaction, so tests can simulate the eventual
// response by invoking the recorded callback directly.
type fakeSender struct {
	mu   sync.Mutex
	reqs []*sip.Request
	cbs  []ClientRequestCallbacks
}

func (s *fakeSender) Request(req *sip.Request, cb ClientRequestCallbacks) (*transaction.ClientTx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reqs = append(s.reqs, req)
	s.cbs = append(s.cbs, cb)
	tx := transaction.NewClientTx(sip.GenerateBranch(), req, noopTransport{}, "127.0.0.1:5060", transaction.ClientTxCallbacks{}, nil)
	return tx, nil
}

func (s *fakeSender) last() (*sip.Request, ClientRequestCallbacks) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.reqs)
	if n == 0 {
		return nil, ClientRequestCallbacks{}
	}
	return s.reqs[n-1], s.cbs[n-1]
}

func (s *fakeSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reqs)
}

func (s *fakeSender) methods() []sip.RequestMethod {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sip.RequestMethod, len(s.reqs))
	for i, r := range s.reqs {
		out[i] = r.Method
	}
	return out
}

// noopTransport satisfies transport.Transport without ever being asked to
// actually send anything: fakeSender never calls tx.Init.
type noopTransport struct{}

func (noopTransport) Network() string                                    { return sip.TransportUDP }
func (noopTransport) IsStreaming() bool                                  { return false }
func (noopTransport) LocalAddr() net.Addr                                { return &net.UDPAddr{Port: 5060} }
func (noopTransport) GetConnection(addr string) (transport.Conn, error)  { return noopConn{}, nil }
func (noopTransport) CreateConnection(ctx context.Context, addr string) (transport.Conn, error) {
	return noopConn{}, nil
}
func (noopTransport) OnBackgroundTick()  {}
func (noopTransport) Disable(bool)       {}
func (noopTransport) String() string     { return "noop" }
func (noopTransport) Close() error       { return nil }

type noopConn struct{}

func (noopConn) WriteMsg(msg sip.Message) error { return nil }
func (noopConn) LocalAddr() net.Addr            { return &net.UDPAddr{Port: 5060} }
func (noopConn) RemoteAddr() net.Addr           { return &net.UDPAddr{Port: 5061} }
func (noopConn) Close() error                   { return nil }

// fakeTransportSelector implements TransportSelector, recording every
// message it was asked to route and handing back a recordingTransport that
// captures the final written bytes.
type fakeTransportSelector struct {
	tp     *recordingTransport
	remote string
}

func newFakeTransportSelector(remote string) *fakeTransportSelector {
	return &fakeTransportSelector{tp: &recordingTransport{conns: make(map[string]*recordingConn)}, remote: remote}
}

func (f *fakeTransportSelector) SelectTransport(req *sip.Request) (transport.Transport, string) {
	return f.tp, f.remote
}

func (f *fakeTransportSelector) sentTo(addr string) []sip.Message {
	return f.tp.messagesTo(addr)
}

type recordingConn struct {
	mu   sync.Mutex
	sent []sip.Message
}

func (c *recordingConn) WriteMsg(msg sip.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	return nil
}
func (c *recordingConn) LocalAddr() net.Addr  { return &net.UDPAddr{Port: 5060} }
func (c *recordingConn) RemoteAddr() net.Addr { return &net.UDPAddr{Port: 5061} }
func (c *recordingConn) Close() error         { return nil }
func (c *recordingConn) messages() []sip.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sip.Message(nil), c.sent...)
}

type recordingTransport struct {
	mu    sync.Mutex
	conns map[string]*recordingConn
}

// newFakeTransport is the recordingTransport constructor under the name the
// transaction package's own tests use, kept consistent across packages.
func newFakeTransport(network string) *recordingTransport {
	return &recordingTransport{conns: make(map[string]*recordingConn)}
}

func (t *recordingTransport) Network() string     { return sip.TransportUDP }
func (t *recordingTransport) IsStreaming() bool   { return false }
func (t *recordingTransport) LocalAddr() net.Addr { return &net.UDPAddr{IP: net.ParseIP("192.0.2.1"), Port: 5060} }
func (t *recordingTransport) OnBackgroundTick()   {}
func (t *recordingTransport) Disable(bool)        {}
func (t *recordingTransport) String() string      { return "recording" }
func (t *recordingTransport) Close() error        { return nil }

func (t *recordingTransport) GetConnection(addr string) (transport.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.conns[addr]
	if !ok {
		c = &recordingConn{}
		t.conns[addr] = c
	}
	return c, nil
}

func (t *recordingTransport) CreateConnection(ctx context.Context, addr string) (transport.Conn, error) {
	return t.GetConnection(addr)
}

func (t *recordingTransport) messagesTo(addr string) []sip.Message {
	t.mu.Lock()
	c, ok := t.conns[addr]
	t.mu.Unlock()
	if !ok {
		return nil
	}
	return c.messages()
}
