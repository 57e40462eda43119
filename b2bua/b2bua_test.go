package b2bua

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipstack/sipstack/core"
	"github.com/sipstack/sipstack/dialog"
	"github.com/sipstack/sipstack/sip"
	"github.com/sipstack/sipstack/transaction"
	"github.com/sipstack/sipstack/transport"
)

func newLoopbackCoreForB2BUA(t *testing.T, contact sip.Uri) (*core.Core, string) {
	t.Helper()
	layer := transport.NewLayer()
	c := core.New(layer, core.Config{LocalContact: contact}, core.Callbacks{}, nil)
	tp, err := layer.ListenUDP("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = layer.Close() })
	return c, tp.LocalAddr().String()
}

func dialInvite(remote string, from, to sip.Uri) *sip.Request {
	host, portStr, _ := net.SplitHostPort(remote)
	port, _ := parsePortB2B(portStr)
	req := sip.NewRequest(sip.INVITE, sip.Uri{User: to.User, Host: host, Port: port})
	req.AppendHeader(&sip.FromHeader{Address: from, Params: sip.HeaderParams{{K: "tag", V: sip.GenerateTag()}}})
	req.AppendHeader(&sip.ToHeader{Address: to})
	req.SetBody([]byte("v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=x\r\nc=IN IP4 127.0.0.1\r\nt=0 0\r\nm=audio 4000 RTP/AVP 0\r\n"))
	ct := sip.ContentTypeHeader("application/sdp")
	req.AppendHeader(&ct)
	return req
}

func parsePortB2B(s string) (int, error) {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, net.InvalidAddrError("bad port")
		}
		n = n*10 + int(r-'0')
	}
	return n, nil
}

// TestB2BUABridgesCallAndTransitiveClose drives a full caller -> B2BUA ->
// callee call end to end over real loopback UDP sockets: the B2BUA accepts
// the caller's INVITE, redirects the outbound leg's Request-URI to the
// callee in InviteRequestReceived, relays the callee's 200 OK back to the
// caller, and finally verifies that closing the caller's leg transitively
// closes the callee's leg too.
func TestB2BUABridgesCallAndTransitiveClose(t *testing.T) {
	calleeConfirmed := make(chan *dialog.Dialog, 1)
	calleeClosed := make(chan *dialog.Dialog, 1)
	callee, calleeAddr := newLoopbackCoreForB2BUA(t, sip.Uri{User: "callee", Host: "127.0.0.1"})
	callee.SetCallbacks(core.Callbacks{
		DialogCreated: func(d *dialog.Dialog) {
			ok := sip.NewResponseFromRequest(d.OrigInvite(), sip.StatusOK, "OK", []byte("v=0\r\n"))
			ok.AppendHeader(&sip.ContactHeader{Address: sip.Uri{User: "callee", Host: "127.0.0.1"}})
			require.NoError(t, callee.RespondInvite(d, ok))
		},
		DialogConfirmed: func(d *dialog.Dialog) { calleeConfirmed <- d },
		DialogClosed:    func(d *dialog.Dialog) { calleeClosed <- d },
	})

	bridgeCore, bridgeAddr := newLoopbackCoreForB2BUA(t, sip.Uri{User: "bridge", Host: "127.0.0.1"})
	calleeHost, calleePortStr, _ := net.SplitHostPort(calleeAddr)
	calleePort, _ := parsePortB2B(calleePortStr)

	b := New(bridgeCore, Hooks{
		InviteRequestReceived: func(s *Session, fwd *sip.Request) InviteRequestResult {
			fwd.Recipient = sip.Uri{User: "callee", Host: calleeHost, Port: calleePort}
			return InviteRequestResult{Request: fwd}
		},
	}, nil)
	bridgeCore.SetCallbacks(b.CoreCallbacks())

	caller, _ := newLoopbackCoreForB2BUA(t, sip.Uri{User: "caller", Host: "127.0.0.1"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req := dialInvite(bridgeAddr, sip.Uri{User: "caller", Host: "127.0.0.1"}, sip.Uri{User: "bridge", Host: "127.0.0.1"})
	d, res, err := caller.CreateDialog(ctx, req, sip.Uri{})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, sip.StatusOK, res.StatusCode)
	assert.Equal(t, dialog.Confirmed, d.State())

	select {
	case cd := <-calleeConfirmed:
		assert.Equal(t, dialog.Confirmed, cd.State())
	case <-time.After(2 * time.Second):
		t.Fatal("callee's dialog never confirmed")
	}

	require.NoError(t, caller.Close(d))

	select {
	case cd := <-calleeClosed:
		assert.Equal(t, dialog.Closed, cd.State())
	case <-time.After(2 * time.Second):
		t.Fatal("callee's dialog was never transitively closed")
	}
}

// TestB2BUARejectsWithServerErrorWhenHookCloses verifies the CloseSession
// short-circuit: the B2BUA never dials out and answers the caller directly
// with a Server Error.
func TestB2BUARejectsWithServerErrorWhenHookCloses(t *testing.T) {
	bridgeCore, bridgeAddr := newLoopbackCoreForB2BUA(t, sip.Uri{User: "bridge", Host: "127.0.0.1"})
	b := New(bridgeCore, Hooks{
		InviteRequestReceived: func(s *Session, fwd *sip.Request) InviteRequestResult {
			return InviteRequestResult{CloseSession: true}
		},
	}, nil)
	bridgeCore.SetCallbacks(b.CoreCallbacks())

	caller, _ := newLoopbackCoreForB2BUA(t, sip.Uri{User: "caller", Host: "127.0.0.1"})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req := dialInvite(bridgeAddr, sip.Uri{User: "caller", Host: "127.0.0.1"}, sip.Uri{User: "bridge", Host: "127.0.0.1"})
	d, res, err := caller.CreateDialog(ctx, req, sip.Uri{})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, sip.StatusServerInternalError, res.StatusCode)
	assert.Equal(t, dialog.Closed, d.State())
}

// TestB2BUAForwardsReinviteWithAck drives a re-INVITE through a confirmed
// bridged call and verifies the confirming ACK actually reaches both the
// callee (ACKed by the bridge's outbound leg) and the bridge's inbound leg
// (ACKed by the original caller) - the fix for the RFC 3261 §14.1
// ACK-blackhole bug in onRequestReceived's re-INVITE handling.
func TestB2BUAForwardsReinviteWithAck(t *testing.T) {
	calleeConfirmed := make(chan *dialog.Dialog, 1)
	calleeReinvited := make(chan *dialog.Dialog, 1)
	callee, calleeAddr := newLoopbackCoreForB2BUA(t, sip.Uri{User: "callee", Host: "127.0.0.1"})
	callee.SetCallbacks(core.Callbacks{
		DialogCreated: func(d *dialog.Dialog) {
			ok := sip.NewResponseFromRequest(d.OrigInvite(), sip.StatusOK, "OK", []byte("v=0\r\n"))
			ok.AppendHeader(&sip.ContactHeader{Address: sip.Uri{User: "callee", Host: "127.0.0.1"}})
			require.NoError(t, callee.RespondInvite(d, ok))
		},
		DialogConfirmed: func(d *dialog.Dialog) { calleeConfirmed <- d },
		RequestReceived: func(d *dialog.Dialog, tx *transaction.ServerTx, req *sip.Request) dialog.RequestDisposition {
			if req.Method != sip.INVITE {
				return dialog.RequestDisposition{}
			}
			ok := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", []byte("v=0\r\no=- 0 1 IN IP4 127.0.0.1\r\n"))
			require.NoError(t, tx.Respond(ok))
			return dialog.RequestDisposition{Responded: true}
		},
		ReinviteConfirmed: func(d *dialog.Dialog) { calleeReinvited <- d },
	})

	bridgeCore, bridgeAddr := newLoopbackCoreForB2BUA(t, sip.Uri{User: "bridge", Host: "127.0.0.1"})
	calleeHost, calleePortStr, _ := net.SplitHostPort(calleeAddr)
	calleePort, _ := parsePortB2B(calleePortStr)

	b := New(bridgeCore, Hooks{
		InviteRequestReceived: func(s *Session, fwd *sip.Request) InviteRequestResult {
			fwd.Recipient = sip.Uri{User: "callee", Host: calleeHost, Port: calleePort}
			return InviteRequestResult{Request: fwd}
		},
	}, nil)
	bridgeReinvited := make(chan *dialog.Dialog, 1)
	cbs := b.CoreCallbacks()
	cbs.ReinviteConfirmed = func(d *dialog.Dialog) { bridgeReinvited <- d }
	bridgeCore.SetCallbacks(cbs)

	caller, _ := newLoopbackCoreForB2BUA(t, sip.Uri{User: "caller", Host: "127.0.0.1"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req := dialInvite(bridgeAddr, sip.Uri{User: "caller", Host: "127.0.0.1"}, sip.Uri{User: "bridge", Host: "127.0.0.1"})
	d, res, err := caller.CreateDialog(ctx, req, sip.Uri{})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, sip.StatusOK, res.StatusCode)

	select {
	case <-calleeConfirmed:
	case <-time.After(2 * time.Second):
		t.Fatal("callee's dialog never confirmed")
	}

	reinviteRes, err := caller.SendReinvite(d, []byte("v=0\r\no=- 0 2 IN IP4 127.0.0.1\r\n"))
	require.NoError(t, err)
	require.NotNil(t, reinviteRes)
	assert.Equal(t, sip.StatusOK, reinviteRes.StatusCode)
	assert.Equal(t, dialog.Confirmed, d.State())

	select {
	case <-calleeReinvited:
	case <-time.After(2 * time.Second):
		t.Fatal("callee never received the re-INVITE's confirming ACK")
	}

	select {
	case <-bridgeReinvited:
	case <-time.After(2 * time.Second):
		t.Fatal("bridge's inbound leg never received the caller's re-INVITE ACK")
	}

	require.NoError(t, caller.Close(d))
}
