package transaction

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipstack/sipstack/sip"
)

func TestServerTxInviteSendsTryingOnInitThenTerminatesOn2xx(t *testing.T) {
	tp := newFakeTransport(sip.TransportUDP)
	req, branch := newTestRequest(sip.INVITE)

	var terminated bool
	tx := NewServerTx(branch, req, tp, "127.0.0.1:5061", ServerTxCallbacks{
		OnTerminate: func(tx *ServerTx) { terminated = true },
	}, nil)
	tx.Init()
	assert.Equal(t, InviteProceeding, tx.State())

	msgs := tp.messagesTo("127.0.0.1:5061")
	require.Len(t, msgs, 1)
	trying, ok := msgs[0].(*sip.Response)
	require.True(t, ok)
	assert.Equal(t, sip.StatusTrying, trying.StatusCode)

	// A To-tag must have been synthesized for the INVITE's dialog.
	to := req.To()
	tag, ok := to.Params.Get("tag")
	require.True(t, ok)
	assert.NotEmpty(t, tag)

	ok2xx := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	require.NoError(t, tx.Respond(ok2xx))
	assert.Equal(t, Terminated, tx.State())
	assert.True(t, terminated)
}

func TestServerTxInviteNon2xxRetransmitsOnTimerGUntilAckThenTimerI(t *testing.T) {
	tp := newFakeTransport(sip.TransportUDP)
	req, branch := newTestRequest(sip.INVITE)

	var ackReceived *sip.Request
	var ackTimeout, terminated bool
	tx := NewServerTx(branch, req, tp, "127.0.0.1:5061", ServerTxCallbacks{
		OnAck:        func(tx *ServerTx, ack *sip.Request) { ackReceived = ack },
		OnAckTimeout: func(tx *ServerTx) { ackTimeout = true },
		OnTerminate:  func(tx *ServerTx) { terminated = true },
	}, nil)
	tx.Init()

	busy := sip.NewResponseFromRequest(req, 486, "Busy Here", nil)
	require.NoError(t, tx.Respond(busy))
	assert.Equal(t, InviteCompleted, tx.State())

	now := time.Now()
	// Timer G (T1) retransmits the final response while no ACK has arrived.
	tx.Tick(now.Add(600 * time.Millisecond))
	msgs := tp.messagesTo("127.0.0.1:5061")
	require.Len(t, msgs, 3, "100 Trying, 486, retransmitted 486")

	ack := sip.NewRequest(sip.ACK, req.Recipient)
	tx.ReceiveAck(ack)
	assert.Equal(t, InviteConfirmed, tx.State())
	require.NotNil(t, ackReceived)

	// Timer G no longer fires once the ACK has arrived.
	sentBefore := len(tp.messagesTo("127.0.0.1:5061"))
	tx.Tick(now.Add(2 * time.Second))
	assert.Len(t, tp.messagesTo("127.0.0.1:5061"), sentBefore)

	// Timer I (T4) terminates the transaction.
	tx.Tick(now.Add(6 * time.Second))
	assert.Equal(t, Terminated, tx.State())
	assert.True(t, terminated)
	assert.False(t, ackTimeout, "ACK arrived, Timer H must not fire")
}

func TestServerTxInviteTimerHFiresAckTimeoutWhenNoAckArrives(t *testing.T) {
	tp := newFakeTransport(sip.TransportUDP)
	req, branch := newTestRequest(sip.INVITE)

	var ackTimeout bool
	tx := NewServerTx(branch, req, tp, "127.0.0.1:5061", ServerTxCallbacks{
		OnAckTimeout: func(tx *ServerTx) { ackTimeout = true },
	}, nil)
	tx.Init()

	busy := sip.NewResponseFromRequest(req, 486, "Busy Here", nil)
	require.NoError(t, tx.Respond(busy))

	tx.Tick(time.Now().Add(33 * time.Second))
	assert.True(t, ackTimeout)
	assert.Equal(t, Terminated, tx.State())
}

func TestServerTxNonInviteTryingProceedingCompletedThenTimerJ(t *testing.T) {
	tp := newFakeTransport(sip.TransportUDP)
	req, branch := newTestRequest(sip.MESSAGE)

	tx := NewServerTx(branch, req, tp, "127.0.0.1:5061", ServerTxCallbacks{}, nil)
	tx.Init()
	assert.Equal(t, Trying, tx.State())
	assert.Empty(t, tp.messagesTo("127.0.0.1:5061"), "non-INVITE gets no automatic 100 Trying")

	ringing := sip.NewResponseFromRequest(req, 150, "Queued", nil)
	require.NoError(t, tx.Respond(ringing))
	assert.Equal(t, Proceeding, tx.State())

	ok := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	require.NoError(t, tx.Respond(ok))
	assert.Equal(t, Completed, tx.State())

	tx.Tick(time.Now().Add(33 * time.Second)) // Timer J = 64*T1 on UDP
	assert.Equal(t, Terminated, tx.State())
}

func TestServerTxReceiveRequestRetransmitsLastResponse(t *testing.T) {
	tp := newFakeTransport(sip.TransportUDP)
	req, branch := newTestRequest(sip.MESSAGE)

	tx := NewServerTx(branch, req, tp, "127.0.0.1:5061", ServerTxCallbacks{}, nil)
	tx.Init()

	ok := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	require.NoError(t, tx.Respond(ok))
	require.Len(t, tp.messagesTo("127.0.0.1:5061"), 1)

	tx.ReceiveRequest(req)
	assert.Len(t, tp.messagesTo("127.0.0.1:5061"), 2)
}

func TestServerTxAbortTerminatesWithoutResponding(t *testing.T) {
	tp := newFakeTransport(sip.TransportUDP)
	req, branch := newTestRequest(sip.INVITE)

	var terminated bool
	tx := NewServerTx(branch, req, tp, "127.0.0.1:5061", ServerTxCallbacks{
		OnTerminate: func(tx *ServerTx) { terminated = true },
	}, nil)
	tx.Init()
	require.Len(t, tp.messagesTo("127.0.0.1:5061"), 1, "100 Trying")

	tx.Abort()
	assert.Equal(t, Terminated, tx.State())
	assert.True(t, terminated)
	assert.Len(t, tp.messagesTo("127.0.0.1:5061"), 1, "no additional response sent")
}
