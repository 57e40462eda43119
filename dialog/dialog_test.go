package dialog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipstack/sipstack/sip"
	"github.com/sipstack/sipstack/transaction"
)

func newInviteFromAlice() *sip.Request {
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
		Params:  sip.HeaderParams{{K: "tag", V: sip.GenerateTag()}},
	})
	req.AppendHeader(&sip.ToHeader{Address: sip.Uri{User: "bob", Host: "biloxi.com"}})
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})
	req.AppendHeader(&sip.ContactHeader{Address: sip.Uri{User: "alice", Host: "pc33.atlanta.com"}})
	return req
}

func TestNewAcceptingDialogSynthesizesToTagAndStartsEarly(t *testing.T) {
	req := newInviteFromAlice()
	d := NewAcceptingDialog(nil, req, sip.Uri{User: "bob", Host: "192.0.2.2"}, Callbacks{})

	assert.Equal(t, Early, d.State())
	to := req.To()
	tag, ok := to.Params.Get("tag")
	require.True(t, ok)
	assert.NotEmpty(t, tag)
}

func TestAcceptingDialogEarlyIDUsesAPrefix(t *testing.T) {
	req := newInviteFromAlice()
	d := NewAcceptingDialog(nil, req, sip.Uri{}, Callbacks{})
	assert.Equal(t, byte('a'), d.EarlyID()[0])
}

func TestAcceptingDialogConfirmsOnAck(t *testing.T) {
	req := newInviteFromAlice()
	var confirmed bool
	d := NewAcceptingDialog(nil, req, sip.Uri{}, Callbacks{
		Confirmed: func(d *Dialog) { confirmed = true },
	})

	ok := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	d.NoteFinalResponseSent(ok)
	assert.Equal(t, Early, d.State())

	ack := sip.NewRequest(sip.ACK, req.Recipient)
	d.ReceiveAck(ack)
	assert.Equal(t, Confirmed, d.State())
	assert.True(t, confirmed)

	_, full := d.FullID()
	assert.True(t, full)
}

func TestAcceptingDialogNonSuccessFinalClosesWithoutFiringClosed(t *testing.T) {
	req := newInviteFromAlice()
	var closed bool
	d := NewAcceptingDialog(nil, req, sip.Uri{}, Callbacks{
		Closed: func(d *Dialog) { closed = true },
	})
	busy := sip.NewResponseFromRequest(req, 486, "Busy Here", nil)
	d.NoteFinalResponseSent(busy)
	assert.Equal(t, Closed, d.State())
	assert.False(t, closed, "dialog was never really established, nothing to observe")
}

func TestHandleInDialogRequestRejectsOutOfOrderCSeq(t *testing.T) {
	req := newInviteFromAlice()
	d := NewAcceptingDialog(nil, req, sip.Uri{}, Callbacks{})
	d.NoteFinalResponseSent(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil))
	d.ReceiveAck(sip.NewRequest(sip.ACK, req.Recipient))
	require.Equal(t, Confirmed, d.State())

	tp := newFakeTransport(sip.TransportUDP)
	newerReq := d.NewInDialogRequest(sip.INFO)
	newerReq.CSeq().SeqNo = 5
	tx := transaction.NewServerTx(sip.GenerateBranch(), newerReq, tp, "127.0.0.1:5061", transaction.ServerTxCallbacks{}, nil)
	tx.Init()
	d.HandleInDialogRequest(tx, newerReq)

	olderReq := d.NewInDialogRequest(sip.INFO)
	olderReq.CSeq().SeqNo = 2 // lower than the CSeq just accepted
	tx2 := transaction.NewServerTx(sip.GenerateBranch(), olderReq, tp, "127.0.0.1:5061", transaction.ServerTxCallbacks{}, nil)
	tx2.Init()
	d.HandleInDialogRequest(tx2, olderReq)

	msgs := tp.messagesTo("127.0.0.1:5061")
	// Non-INVITE server transactions send no automatic 100 Trying; the last
	// message is the out-of-order request's final response.
	last := msgs[len(msgs)-1].(*sip.Response)
	assert.Equal(t, sip.StatusServerInternalError, last.StatusCode)
}

func TestHandleInDialogRequestByeClosesDialog(t *testing.T) {
	req := newInviteFromAlice()
	var closed bool
	d := NewAcceptingDialog(nil, req, sip.Uri{}, Callbacks{
		Closed: func(d *Dialog) { closed = true },
	})
	d.NoteFinalResponseSent(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil))
	d.ReceiveAck(sip.NewRequest(sip.ACK, req.Recipient))

	tp := newFakeTransport(sip.TransportUDP)
	bye := d.NewInDialogRequest(sip.BYE)
	tx := transaction.NewServerTx(sip.GenerateBranch(), bye, tp, "127.0.0.1:5061", transaction.ServerTxCallbacks{}, nil)
	tx.Init()
	d.HandleInDialogRequest(tx, bye)

	assert.Equal(t, Closed, d.State())
	assert.True(t, closed)
	msgs := tp.messagesTo("127.0.0.1:5061")
	last := msgs[len(msgs)-1].(*sip.Response)
	assert.Equal(t, sip.StatusOK, last.StatusCode)
}

func TestInitiatingDialogConfirmsOn2xxAndBuildsAck(t *testing.T) {
	req := newInviteFromAlice()
	d := NewInitiatingDialog(req, sip.Uri{User: "alice", Host: "192.0.2.1"}, Callbacks{})
	assert.Equal(t, Waiting, d.State())
	assert.Equal(t, byte('i'), d.EarlyID()[0])

	ringing := sip.NewResponseFromRequest(req, sip.StatusRinging, "Ringing", nil)
	to := ringing.To()
	to.Params.Add("tag", "bobtag")
	action := d.HandleResponse(ringing)
	assert.Equal(t, Early, d.State())
	assert.False(t, action.SendAck != nil)

	ok := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	to2 := ok.To()
	to2.Params.Add("tag", "bobtag")
	ok.AppendHeader(&sip.ContactHeader{Address: sip.Uri{User: "bob", Host: "192.0.2.2"}})

	action = d.HandleResponse(ok)
	require.NotNil(t, action.SendAck)
	assert.Equal(t, sip.ACK, action.SendAck.Method)
	assert.True(t, action.FireConfirmed)
	assert.Equal(t, Confirmed, d.State())

	fullID, ok2 := d.FullID()
	require.True(t, ok2)
	assert.Contains(t, fullID, "bobtag")
}

func TestInitiatingDialogNon2xxFinalClosesWithoutAck(t *testing.T) {
	req := newInviteFromAlice()
	var closed bool
	d := NewInitiatingDialog(req, sip.Uri{}, Callbacks{Closed: func(d *Dialog) { closed = true }})

	busy := sip.NewResponseFromRequest(req, 486, "Busy Here", nil)
	action := d.HandleResponse(busy)
	assert.Nil(t, action.SendAck)
	assert.True(t, action.FireClosed)
	assert.True(t, closed)
	assert.Equal(t, Closed, d.State())
}

func TestCloseConfirmedDialogSendsBye(t *testing.T) {
	req := newInviteFromAlice()
	d := NewInitiatingDialog(req, sip.Uri{}, Callbacks{})
	ok := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	ok.To().Params.Add("tag", "bobtag")
	ok.AppendHeader(&sip.ContactHeader{Address: sip.Uri{User: "bob", Host: "192.0.2.2"}})
	d.HandleResponse(ok)
	require.Equal(t, Confirmed, d.State())

	sender := &fakeSender{}
	require.NoError(t, d.Close(sender))
	assert.Equal(t, Closed, d.State())
	require.Equal(t, 1, sender.count())
	assert.Equal(t, []sip.RequestMethod{sip.BYE}, sender.methods())
}

func TestCloseEarlyInitiatingDialogSendsCancelThenNon2xxFinalClosesWithoutBye(t *testing.T) {
	req := newInviteFromAlice()
	d := NewInitiatingDialog(req, sip.Uri{}, Callbacks{})

	ringing := sip.NewResponseFromRequest(req, sip.StatusRinging, "Ringing", nil)
	ringing.To().Params.Add("tag", "bobtag")
	d.HandleResponse(ringing)
	require.Equal(t, Early, d.State())

	sender := &fakeSender{}
	require.NoError(t, d.Close(sender))
	assert.Equal(t, ClosePendingFinal, d.State())
	require.Equal(t, 1, sender.count())
	assert.Equal(t, sip.CANCEL, sender.methods()[0])

	// The CANCEL eventually yields a 487 to the original INVITE transaction.
	terminated := sip.NewResponseFromRequest(req, sip.StatusRequestTerminated, "Request Terminated", nil)
	terminated.To().Params.Add("tag", "bobtag")
	action := d.HandleResponse(terminated)
	assert.Equal(t, Closed, d.State())
	assert.True(t, action.FireClosed)
	assert.Nil(t, action.SendAck)
	// Only the CANCEL was ever sent through the sender - no BYE follows a
	// dialog that never confirmed.
	assert.Equal(t, 1, sender.count())
}

func TestCloseAcceptingDialogEarlyWithNoFinalSends410(t *testing.T) {
	req := newInviteFromAlice()
	tp := newFakeTransport(sip.TransportUDP)
	tx := transaction.NewServerTx(sip.GenerateBranch(), req, tp, "127.0.0.1:5061", transaction.ServerTxCallbacks{}, nil)
	tx.Init()
	d := NewAcceptingDialog(tx, req, sip.Uri{}, Callbacks{})

	sender := &fakeSender{}
	require.NoError(t, d.Close(sender))
	assert.Equal(t, Closed, d.State())
	msgs := tp.messagesTo("127.0.0.1:5061")
	last := msgs[len(msgs)-1].(*sip.Response)
	assert.Equal(t, sip.StatusGone, last.StatusCode)
}

func TestCloseTwiceReturnsErrAlreadyClosing(t *testing.T) {
	req := newInviteFromAlice()
	d := NewInitiatingDialog(req, sip.Uri{}, Callbacks{})
	ok := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	ok.To().Params.Add("tag", "bobtag")
	ok.AppendHeader(&sip.ContactHeader{Address: sip.Uri{User: "bob", Host: "192.0.2.2"}})
	d.HandleResponse(ok)

	sender := &fakeSender{}
	require.NoError(t, d.Close(sender))
	assert.ErrorIs(t, d.Close(sender), ErrAlreadyClosing)
}
