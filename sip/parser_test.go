package sip

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleInvite = "INVITE sip:bob@biloxi.com SIP/2.0\r\n" +
	"Via: SIP/2.0/UDP pc33.atlanta.com;branch=z9hG4bK776asdhds\r\n" +
	"Max-Forwards: 70\r\n" +
	"To: Bob <sip:bob@biloxi.com>\r\n" +
	"From: Alice <sip:alice@atlanta.com>;tag=1928301774\r\n" +
	"Call-ID: a84b4c76e66710@pc33.atlanta.com\r\n" +
	"CSeq: 314159 INVITE\r\n" +
	"Contact: <sip:alice@pc33.atlanta.com>\r\n" +
	"Content-Type: application/sdp\r\n" +
	"Content-Length: 4\r\n" +
	"\r\n" +
	"body"

func TestParseSIPRoundTripsRequestLine(t *testing.T) {
	p := NewParser()
	msg, err := p.ParseSIP([]byte(sampleInvite))
	require.NoError(t, err)

	req, ok := msg.(*Request)
	require.True(t, ok)
	assert.Equal(t, INVITE, req.Method)
	assert.Equal(t, "bob", req.Recipient.User)
	assert.Equal(t, "biloxi.com", req.Recipient.Host)
	assert.Equal(t, []byte("body"), req.Body())

	from := req.From()
	require.NotNil(t, from)
	tag, ok := from.Params.Get("tag")
	require.True(t, ok)
	assert.Equal(t, "1928301774", tag)

	cseq := req.CSeq()
	require.NotNil(t, cseq)
	assert.EqualValues(t, 314159, cseq.SeqNo)
	assert.Equal(t, INVITE, cseq.MethodName)

	via := req.Via()
	require.NotNil(t, via)
	assert.Equal(t, "pc33.atlanta.com", via.Host)
	branch, ok := via.Params.Get("branch")
	require.True(t, ok)
	assert.Equal(t, "z9hG4bK776asdhds", branch)
}

// Content-Length is always recomputed on serialize, so round-tripping a
// message whose body changed must reflect the new length, not the one it
// carried over the wire.
func TestSetBodyResyncsContentLength(t *testing.T) {
	p := NewParser()
	msg, err := p.ParseSIP([]byte(sampleInvite))
	require.NoError(t, err)
	req := msg.(*Request)

	req.SetBody([]byte("a longer body than before"))
	cl := req.ContentLength()
	require.NotNil(t, cl)
	assert.EqualValues(t, len("a longer body than before"), *cl)

	serialized := req.String()
	reparsed, err := p.ParseSIP([]byte(serialized))
	require.NoError(t, err)
	assert.Equal(t, req.Body(), reparsed.Body())
}

func TestParseSIPRoundTripsResponse(t *testing.T) {
	raw := "SIP/2.0 200 OK\r\n" +
		"Via: SIP/2.0/UDP pc33.atlanta.com;branch=z9hG4bK776asdhds\r\n" +
		"To: Bob <sip:bob@biloxi.com>;tag=a6c85cf\r\n" +
		"From: Alice <sip:alice@atlanta.com>;tag=1928301774\r\n" +
		"Call-ID: a84b4c76e66710@pc33.atlanta.com\r\n" +
		"CSeq: 314159 INVITE\r\n" +
		"Content-Length: 0\r\n" +
		"\r\n"

	p := NewParser()
	msg, err := p.ParseSIP([]byte(raw))
	require.NoError(t, err)
	res, ok := msg.(*Response)
	require.True(t, ok)
	assert.Equal(t, 200, res.StatusCode)
	assert.True(t, res.IsSuccess())
	assert.Equal(t, "OK", res.Reason)
}

func TestParseSIPRejectsMessageOverHeaderLimit(t *testing.T) {
	p := NewParser()
	p.MaxHeaderBytes = 10
	_, err := p.ParseSIP([]byte(sampleInvite))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestParseSIPRejectsOversizedBody(t *testing.T) {
	p := NewParser()
	p.MaxBodyBytes = 1
	_, err := p.ParseSIP([]byte(sampleInvite))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}
