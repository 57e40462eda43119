package core

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipstack/sipstack/dialog"
	"github.com/sipstack/sipstack/sip"
	"github.com/sipstack/sipstack/transport"
)

// newLoopbackCore builds a Core with its own UDP transport bound to an
// ephemeral loopback port, returning the core and the "host:port" string
// peers should dial it on.
func newLoopbackCore(t *testing.T, cfg Config, cb Callbacks) (*Core, string) {
	t.Helper()
	layer := transport.NewLayer()
	c := New(layer, cfg, cb, nil)
	tp, err := layer.ListenUDP("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = layer.Close() })
	return c, tp.LocalAddr().String()
}

func inviteTo(remote string, from, to sip.Uri) *sip.Request {
	host, portStr, _ := net.SplitHostPort(remote)
	port := 5060
	if p, err := parsePort(portStr); err == nil {
		port = p
	}
	req := sip.NewRequest(sip.INVITE, sip.Uri{User: to.User, Host: host, Port: port})
	req.AppendHeader(&sip.FromHeader{Address: from, Params: sip.HeaderParams{{K: "tag", V: sip.GenerateTag()}}})
	req.AppendHeader(&sip.ToHeader{Address: to})
	req.SetBody([]byte("v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=x\r\nc=IN IP4 127.0.0.1\r\nt=0 0\r\nm=audio 4000 RTP/AVP 0\r\n"))
	ct := sip.ContentTypeHeader("application/sdp")
	req.AppendHeader(&ct)
	return req
}

func parsePort(s string) (int, error) {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, net.InvalidAddrError("bad port")
		}
		n = n*10 + int(r-'0')
	}
	return n, nil
}

func TestCoreEndToEndCallSetupAndTeardown(t *testing.T) {
	bobConfirmed := make(chan *dialog.Dialog, 1)
	bobClosed := make(chan *dialog.Dialog, 1)
	bob, bobAddr := newLoopbackCore(t, Config{LocalContact: sip.Uri{User: "bob", Host: "127.0.0.1"}}, Callbacks{})
	bob.SetCallbacks(Callbacks{
		DialogCreated: func(d *dialog.Dialog) {
			ok := sip.NewResponseFromRequest(d.OrigInvite(), sip.StatusOK, "OK", nil)
			ok.AppendHeader(&sip.ContactHeader{Address: sip.Uri{User: "bob", Host: "127.0.0.1"}})
			require.NoError(t, bob.RespondInvite(d, ok))
		},
		DialogConfirmed: func(d *dialog.Dialog) { bobConfirmed <- d },
		DialogClosed:    func(d *dialog.Dialog) { bobClosed <- d },
	})

	alice, _ := newLoopbackCore(t, Config{LocalContact: sip.Uri{User: "alice", Host: "127.0.0.1"}}, Callbacks{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req := inviteTo(bobAddr, sip.Uri{User: "alice", Host: "127.0.0.1"}, sip.Uri{User: "bob", Host: "127.0.0.1"})
	d, res, err := alice.CreateDialog(ctx, req, sip.Uri{})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, sip.StatusOK, res.StatusCode)
	assert.Equal(t, dialog.Confirmed, d.State())

	select {
	case bd := <-bobConfirmed:
		assert.Equal(t, dialog.Confirmed, bd.State())
	case <-time.After(2 * time.Second):
		t.Fatal("bob's dialog never confirmed")
	}

	require.NoError(t, alice.Close(d))

	select {
	case bd := <-bobClosed:
		assert.Equal(t, dialog.Closed, bd.State())
	case <-time.After(2 * time.Second):
		t.Fatal("bob's dialog never closed")
	}
}

func TestCoreRejectsCallWith486(t *testing.T) {
	bob, bobAddr := newLoopbackCore(t, Config{LocalContact: sip.Uri{User: "bob", Host: "127.0.0.1"}}, Callbacks{})
	bob.SetCallbacks(Callbacks{
		DialogCreated: func(d *dialog.Dialog) {
			busy := sip.NewResponseFromRequest(d.OrigInvite(), 486, "Busy Here", nil)
			require.NoError(t, bob.RespondInvite(d, busy))
		},
	})

	alice, _ := newLoopbackCore(t, Config{LocalContact: sip.Uri{User: "alice", Host: "127.0.0.1"}}, Callbacks{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req := inviteTo(bobAddr, sip.Uri{User: "alice", Host: "127.0.0.1"}, sip.Uri{User: "bob", Host: "127.0.0.1"})
	d, res, err := alice.CreateDialog(ctx, req, sip.Uri{})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, 486, res.StatusCode)
	assert.Equal(t, dialog.Closed, d.State())
}

func TestCoreUnmatchedInDialogRequestGets481(t *testing.T) {
	_, addr := newLoopbackCore(t, Config{}, Callbacks{})

	layer := transport.NewLayer()
	tp, err := layer.ListenUDP("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = layer.Close() })

	responses := make(chan *sip.Response, 1)
	layer.OnMessage(func(msg sip.Message) {
		if res, ok := msg.(*sip.Response); ok {
			responses <- res
		}
	})

	host, portStr, _ := net.SplitHostPort(addr)
	port, _ := parsePort(portStr)
	req := sip.NewRequest(sip.BYE, sip.Uri{User: "bob", Host: host, Port: port})
	req.SetTransport(sip.TransportUDP)
	req.SetDestination(addr)
	branch := sip.GenerateBranch()
	req.AppendHeader(&sip.ViaHeader{
		ProtocolName: "SIP", ProtocolVersion: "2.0", Transport: "UDP",
		Host: "127.0.0.1", Port: localPort(t, tp), Params: sip.HeaderParams{{K: "branch", V: branch}},
	})
	callID := sip.CallIDHeader(sip.GenerateCallID())
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.FromHeader{Address: sip.Uri{User: "alice", Host: "127.0.0.1"}, Params: sip.HeaderParams{{K: "tag", V: sip.GenerateTag()}}})
	req.AppendHeader(&sip.ToHeader{Address: sip.Uri{User: "bob", Host: "127.0.0.1"}, Params: sip.HeaderParams{{K: "tag", V: sip.GenerateTag()}}})
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.BYE})

	conn, err := tp.GetConnection(addr)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMsg(req))

	select {
	case res := <-responses:
		assert.Equal(t, sip.StatusCallTransactionNotExist, res.StatusCode)
	case <-time.After(2 * time.Second):
		t.Fatal("no response to unmatched BYE")
	}
}

func localPort(t *testing.T, tp *transport.UDPTransport) int {
	t.Helper()
	_, portStr, err := net.SplitHostPort(tp.LocalAddr().String())
	require.NoError(t, err)
	port, err := parsePort(portStr)
	require.NoError(t, err)
	return port
}
