package b2bua

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipstack/sipstack/sip"
)

func newCallerInvite() *sip.Request {
	req := sip.NewRequest(sip.INVITE, sip.Uri{User: "bob", Host: "biloxi.com"})
	req.SetTransport(sip.TransportUDP)
	branch := sip.GenerateBranch()
	req.AppendHeader(&sip.ViaHeader{
		ProtocolName: "SIP", ProtocolVersion: "2.0", Transport: "UDP",
		Host: "pc33.atlanta.com", Port: 5060,
		Params: sip.HeaderParams{{K: "branch", V: branch}},
	})
	callID := sip.CallIDHeader(sip.GenerateCallID())
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.FromHeader{
		Address: sip.Uri{User: "alice", Host: "atlanta.com"},
		Params:  sip.HeaderParams{{K: "tag", V: "aliceTag"}},
	})
	req.AppendHeader(&sip.ToHeader{Address: sip.Uri{User: "bob", Host: "biloxi.com"}})
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})
	req.AppendHeader(&sip.ContactHeader{Address: sip.Uri{User: "alice", Host: "pc33.atlanta.com"}})
	rr := sip.RecordRouteHeader{Address: sip.Uri{Host: "proxy.atlanta.com"}}
	req.AppendHeader(&rr)
	req.SetBody([]byte("v=0\r\n"))
	return req
}

func TestDefaultForwardedRequestStripsDialogScopedHeaders(t *testing.T) {
	orig := newCallerInvite()
	fwd := defaultForwardedRequest(orig)

	assert.Nil(t, fwd.Via())
	assert.Nil(t, fwd.CallID())
	assert.Nil(t, fwd.Contact())
	assert.Nil(t, fwd.CSeq())

	from := fwd.From()
	require.NotNil(t, from)
	_, hasTag := from.Params.Get("tag")
	assert.False(t, hasTag)

	to := fwd.To()
	require.NotNil(t, to)
	_, hasToTag := to.Params.Get("tag")
	assert.False(t, hasToTag)

	// Original is untouched.
	assert.NotNil(t, orig.Via())
	assert.NotNil(t, orig.CallID())
}

func TestRedirectTargetExtractsContact(t *testing.T) {
	orig := newCallerInvite()
	res := sip.NewResponseFromRequest(orig, sip.StatusMovedTemporarily, "Moved Temporarily", nil)
	res.AppendHeader(&sip.ContactHeader{Address: sip.Uri{User: "bob2", Host: "elsewhere.com"}})

	target, ok := redirectTarget(res)
	require.True(t, ok)
	assert.Equal(t, "bob2", target.User)
	assert.Equal(t, "elsewhere.com", target.Host)
}

func TestRedirectTargetFalseWithoutContact(t *testing.T) {
	orig := newCallerInvite()
	res := sip.NewResponseFromRequest(orig, sip.StatusMovedTemporarily, "Moved Temporarily", nil)
	_, ok := redirectTarget(res)
	assert.False(t, ok)
}

func TestRedirectedRequestPreservesToUserPart(t *testing.T) {
	orig := newCallerInvite()
	target := sip.Uri{User: "bob2", Host: "elsewhere.com"}
	next := redirectedRequest(orig, target)

	assert.Equal(t, "bob2", next.Recipient.User)
	assert.Equal(t, "elsewhere.com", next.Recipient.Host)
	// To's user-part is preserved even though the Request-URI moved.
	assert.Equal(t, "bob", next.To().Address.User)
	assert.Nil(t, next.Via())
	assert.Nil(t, next.CallID())
}

func TestCopyNonDialogHeadersSkipsDialogScopedFields(t *testing.T) {
	far := newCallerInvite()
	far.SetBody([]byte("far body"))

	dst := sip.NewRequest(sip.INVITE, sip.Uri{User: "carol", Host: "chicago.com"})
	dst.AppendHeader(&sip.CallIDHeader{})

	copyNonDialogHeaders(far, dst)

	assert.Equal(t, []byte("far body"), dst.Body())
	// Via/From/To/Call-ID/CSeq/Contact/Record-Route were not copied from far;
	// the only Call-ID on dst is the one it already carried.
	for _, h := range dst.Headers() {
		name := sip.HeaderToLower(h.Name())
		if name == "call-id" {
			continue
		}
		assert.False(t, nonDialogScopedHeaders[name], "%s must not be copied", h.Name())
	}
	assert.Len(t, dst.GetHeaders("Call-ID"), 1)
}

func TestBuildAcceptingResponseCopiesBodyAndAddsContact(t *testing.T) {
	origInvite := newCallerInvite()
	far := sip.NewResponseFromRequest(origInvite, sip.StatusOK, "OK", []byte("sdp answer"))

	contact := sip.Uri{User: "gw", Host: "gateway.example.com"}
	res := buildAcceptingResponse(origInvite, far, contact)

	assert.Equal(t, sip.StatusOK, res.StatusCode)
	assert.Equal(t, []byte("sdp answer"), res.Body())
	c := res.Contact()
	require.NotNil(t, c)
	assert.Equal(t, "gw", c.Address.User)
}

func TestBuildForwardedResponsePreservesOriginalRequestFraming(t *testing.T) {
	origReq := newCallerInvite()
	origReq.AppendHeader(&sip.CSeqHeader{SeqNo: 2, MethodName: sip.INFO})
	far := sip.NewResponseFromRequest(origReq, sip.StatusOK, "OK", []byte("ack"))

	res := buildForwardedResponse(origReq, far)
	assert.Equal(t, sip.StatusOK, res.StatusCode)
	assert.Equal(t, origReq.CallID().Value(), res.CallID().Value())
}
