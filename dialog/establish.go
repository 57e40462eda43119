package dialog

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/sipstack/sipstack/sip"
	"github.com/sipstack/sipstack/transaction"
	"github.com/sipstack/sipstack/transport"
)

// TransportSelector resolves an outbound message to a transport and
// destination binding, matching router.Router.SelectTransport. The dialog
// layer needs this directly (rather than going through the client agent)
// for the 2xx ACK, which RFC 3261 - 13.2.2.4 sends straight to the
// transport with no transaction of its own.
type TransportSelector interface {
	SelectTransport(req *sip.Request) (transport.Transport, string)
}

// RequestSender submits a request through a new client transaction, for
// messages that are real transactions: the initiating INVITE, in-dialog
// requests, CANCEL, and the teardown BYE.
type RequestSender interface {
	Request(req *sip.Request, cb ClientRequestCallbacks) (*transaction.ClientTx, error)
}

// ClientRequestCallbacks mirrors agent.ClientRequestCallbacks so this
// package does not need to import agent for a two-field struct.
type ClientRequestCallbacks struct {
	OnProvisional func(res *sip.Response)
	OnFinal       func(res *sip.Response)
}

func toAddress(h *sip.ToHeader) sip.Uri {
	if h == nil {
		return sip.Uri{}
	}
	return *h.Address.Clone()
}

func fromAddress(h *sip.FromHeader) sip.Uri {
	if h == nil {
		return sip.Uri{}
	}
	return *h.Address.Clone()
}

func contactURI(msg sip.Message) sip.Uri {
	if c := msg.Contact(); c != nil {
		return *c.Address.Clone()
	}
	return sip.Uri{}
}

// NewAcceptingDialog builds the dialog for an inbound INVITE with no
// matching dialog (SPEC_FULL.md §4.4.1). It synthesizes a To-tag in place
// if the request lacks one - tx.Init does the same for the transaction's
// own bookkeeping, but the dialog needs the tag fixed before it reads it.
func NewAcceptingDialog(tx *transaction.ServerTx, req *sip.Request, localContact sip.Uri, cb Callbacks) *Dialog {
	to := req.To()
	if to != nil && !to.Params.Has("tag") {
		to.Params.Add("tag", sip.GenerateTag())
	}
	var localTag, remoteTag string
	if to != nil {
		localTag, _ = to.Params.Get("tag")
	}
	if from := req.From(); from != nil {
		remoteTag, _ = from.Params.Get("tag")
	}
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = string(*cid)
	}
	remoteCSeq := UnassignedCSeq
	if cseq := req.CSeq(); cseq != nil {
		remoteCSeq = int64(cseq.SeqNo)
	}

	return &Dialog{
		role:          RoleAccepting,
		state:         Early,
		callID:        callID,
		localTag:      localTag,
		remoteTag:     remoteTag,
		localURI:      toAddress(to),
		remoteURI:     fromAddress(req.From()),
		remoteContact: contactURI(req),
		localContact:  localContact,
		routeSet:      recordedRouteSet(req, false),
		localCSeq:     UnassignedCSeq,
		remoteCSeq:    remoteCSeq,
		origInvite:    req,
		serverTx:      tx,
		cb:            cb,
	}
}

// NoteFinalResponseSent records the final response this dialog's accepting
// INVITE transaction sent, for Close (§4.4.5) to tell "final sent, ACK not
// arrived" apart from "no final sent yet". A non-2xx final means no dialog
// was actually created; the dialog is marked Closed without ever firing
// Closed (nothing outside this package observed it as alive).
func (d *Dialog) NoteFinalResponseSent(res *sip.Response) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.finalInvite = res
	if !res.IsSuccess() {
		d.state = Closed
	}
}

// ReceiveAck handles the ACK that confirms this dialog (SPEC_FULL.md
// §4.4.4 steps 2 and 4): the in-dialog ACK is always uncorrelated with any
// transaction (RFC 3261 - 13.3.1.4), so the core routes it here directly
// once it locates the dialog by full ID.
func (d *Dialog) ReceiveAck(ack *sip.Request) {
	d.mu.Lock()
	if d.state == Confirmed {
		// A re-INVITE's confirming ACK (SPEC_FULL.md SUPPLEMENTED
		// FEATURES): the dialog stays Confirmed, it was never anything
		// else, but the ACK must still be captured and acknowledged the
		// same way the initial INVITE's is, so a retransmitted 2xx gets
		// ResendAck's cached copy instead of silently going unanswered.
		d.ackRequest = ack
		cb := d.cb
		d.mu.Unlock()
		if cb.ReinviteConfirmed != nil {
			cb.ReinviteConfirmed(d)
		}
		return
	}
	if d.state != Early && d.state != ClosePendingAck {
		d.mu.Unlock()
		return
	}
	d.ackRequest = ack
	closing := d.state == ClosePendingAck
	if closing {
		d.state = Closed
	} else {
		d.state = Confirmed
	}
	cb := d.cb
	d.mu.Unlock()

	if closing {
		if cb.Closed != nil {
			cb.Closed(d)
		}
		return
	}
	if cb.Confirmed != nil {
		cb.Confirmed(d)
	}
}

// NewInitiatingDialog stamps req with the dialog-scoped fields an outbound
// INVITE needs (SPEC_FULL.md §4.4.2): Call-ID and local tag if absent, and
// the CSeq whose number the eventual ACK must reuse. The dialog starts in
// Waiting; call Send to submit the INVITE and bind the resulting
// transaction.
func NewInitiatingDialog(req *sip.Request, localContact sip.Uri, cb Callbacks) *Dialog {
	if req.CallID() == nil {
		callID := sip.CallIDHeader(sip.GenerateCallID())
		req.AppendHeader(&callID)
	}
	from := req.From()
	if from != nil && !from.Params.Has("tag") {
		from.Params.Add("tag", sip.GenerateTag())
	}
	if req.CSeq() == nil {
		cseq := sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE}
		req.AppendHeader(&cseq)
	}

	var localTag string
	if from != nil {
		localTag, _ = from.Params.Get("tag")
	}
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = string(*cid)
	}
	ackCSeq := req.CSeq().SeqNo

	return &Dialog{
		role:          RoleInitiating,
		state:         Waiting,
		callID:        callID,
		localTag:      localTag,
		localURI:      fromAddress(from),
		remoteURI:     *req.Recipient.Clone(),
		localContact:  localContact,
		localCSeq:     int64(ackCSeq),
		remoteCSeq:    UnassignedCSeq,
		inviteAckCSeq: ackCSeq,
		origInvite:    req,
	}
}

// Send submits the stored INVITE through sender and binds the resulting
// client transaction. Responses must be delivered to HandleResponse by the
// caller's callback wiring.
func (d *Dialog) Send(sender RequestSender, cb ClientRequestCallbacks) error {
	d.mu.Lock()
	req := d.origInvite
	d.mu.Unlock()

	tx, err := sender.Request(req, cb)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.clientTx = tx
	d.mu.Unlock()
	return nil
}

// HandleResponse processes a response to the initiating INVITE
// (SPEC_FULL.md §4.4.2), learning the remote tag/contact/route-set on
// first sight and, for a 2xx, building (but not yet sending) the ACK the
// dialog itself owns. actions are executed by the caller after HandleResponse
// returns, outside any lock the agent's response dispatch may hold.
type ResponseAction struct {
	SendAck     *sip.Request // 2xx ACK to transmit directly (no transaction)
	SendCancel  bool         // Close() raced an Early transition: send CANCEL now
	SendBye     bool         // Close() raced a 2xx: send BYE now
	FireConfirmed bool
	FireClosed    bool
}

func (d *Dialog) HandleResponse(res *sip.Response) ResponseAction {
	d.mu.Lock()

	if d.remoteTag == "" {
		if to := res.To(); to != nil {
			if tag, ok := to.Params.Get("tag"); ok && tag != "" {
				d.remoteTag = tag
			}
		}
	}

	var action ResponseAction

	switch {
	case res.IsProvisional():
		wasClosePendingProvisional := d.state == ClosePendingProvisional
		if d.state == Waiting || d.state == ClosePendingProvisional {
			d.state = Early
		}
		if d.closing && wasClosePendingProvisional {
			d.state = ClosePendingFinal
			action.SendCancel = true
		}

	case res.IsSuccess():
		d.finalInvite = res
		if d.remoteContact.Host == "" {
			d.remoteContact = contactURI(res)
		}
		d.routeSet = recordedRouteSet(res, true)
		ack := d.buildAckLocked(d.inviteAckCSeq)
		d.ackRequest = ack
		action.SendAck = ack.Clone()

		if d.closing {
			// Close() raced a 2xx that was already on the wire (SPEC_FULL.md
			// §4.4.5): the UAC already built and will send its own ACK above,
			// so there is no confirming ACK to wait for the way the accepting
			// side's ClosePendingAck does - this goes straight to Closed.
			d.state = Closed
			action.SendBye = true
			action.FireClosed = true
		} else {
			d.state = Confirmed
			action.FireConfirmed = true
		}

	default:
		// Non-2xx final: the client transaction already built and sent
		// its own ACK (sip.NewAckRequestNon2xx); the dialog never confirms,
		// whether this is an ordinary rejected INVITE or the tail of Close's
		// CANCEL flow.
		d.state = Closed
		action.FireClosed = true
	}

	cb := d.cb
	d.mu.Unlock()

	if action.FireConfirmed && cb.Confirmed != nil {
		cb.Confirmed(d)
	}
	if action.FireClosed && cb.Closed != nil {
		cb.Closed(d)
	}
	return action
}

// buildAckLocked constructs the ACK for a 2xx response entirely from the
// dialog's own stored fields (RFC 3261 - 13.2.2.4), not as a transaction
// retransmit, reusing cseqNo for the ACK's CSeq number - the initial
// INVITE's 2xx ACK reuses inviteAckCSeq, a re-INVITE's reuses
// reinviteAckCSeq (SPEC_FULL.md SUPPLEMENTED FEATURES). Caller must hold
// d.mu. The returned request has no Via; SendStandaloneAck adds one at
// send time.
func (d *Dialog) buildAckLocked(cseqNo uint32) *sip.Request {
	ack := sip.NewRequest(sip.ACK, d.remoteContact)

	to := sip.ToHeader{Address: d.remoteURI, Params: sip.NewParams()}
	to.Params.Add("tag", d.remoteTag)
	ack.AppendHeader(&to)

	from := sip.FromHeader{Address: d.localURI, Params: sip.NewParams()}
	from.Params.Add("tag", d.localTag)
	ack.AppendHeader(&from)

	callID := sip.CallIDHeader(d.callID)
	ack.AppendHeader(&callID)

	cseq := sip.CSeqHeader{SeqNo: cseqNo, MethodName: sip.ACK}
	ack.AppendHeader(&cseq)

	mf := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&mf)

	for _, uri := range d.routeSet {
		rt := sip.RouteHeader{Address: *uri.Clone()}
		ack.AppendHeader(&rt)
	}

	if d.authorization != nil {
		ack.AppendHeader(sip.CopyHeader(d.authorization))
	}
	if d.proxyAuthorization != nil {
		ack.AppendHeader(sip.CopyHeader(d.proxyAuthorization))
	}

	return ack
}

// SendReinvite sends a re-INVITE on this already-Confirmed dialog carrying
// body, to refresh the media description already negotiated on session
// setup (SPEC_FULL.md SUPPLEMENTED FEATURES: "a narrow SendReinvite/
// HandleReinvite pair... no renegotiation of the dialog identity itself"),
// grounded on emiago-diago's DialogServerSession.ReInvite. Unlike the
// initial INVITE, whose 2xx ACK is built by HandleResponse and sent by the
// caller's response-dispatch loop, a re-INVITE has no further caller to
// hand the ACK to - the transaction layer never ACKs a 2xx (RFC 3261 -
// 14.1), so SendReinvite sends it itself before returning.
func (d *Dialog) SendReinvite(sender RequestSender, ts TransportSelector, body []byte) (*sip.Response, error) {
	req := d.NewInDialogRequest(sip.INVITE)
	if body != nil {
		req.SetBody(body)
	}

	var reinviteCSeq uint32
	if cseq := req.CSeq(); cseq != nil {
		reinviteCSeq = cseq.SeqNo
	}
	d.mu.Lock()
	d.reinviteAckCSeq = reinviteCSeq
	d.mu.Unlock()

	done := make(chan *sip.Response, 1)
	_, err := sender.Request(req, ClientRequestCallbacks{
		OnFinal: func(res *sip.Response) { done <- res },
	})
	if err != nil {
		return nil, err
	}
	res := <-done

	if !res.IsSuccess() {
		return res, nil
	}

	d.mu.Lock()
	if c := contactURI(res); c.Host != "" {
		d.remoteContact = c
	}
	ack := d.buildAckLocked(d.reinviteAckCSeq)
	d.ackRequest = ack
	d.mu.Unlock()

	if body != nil {
		d.SetLocalSDP(body)
	}
	if rb := res.Body(); rb != nil {
		d.SetRemoteSDP(rb)
	}

	if err := SendStandaloneAck(ts, ack.Clone()); err != nil {
		return res, err
	}
	return res, nil
}

// ResendAck re-transmits the dialog's cached 2xx ACK (SPEC_FULL.md
// §4.7.3): the core calls this when a retransmitted 2xx arrives matching
// no live transaction, which is the expected RFC 3261 behavior for the
// loss of the first ACK.
func (d *Dialog) ResendAck(ts TransportSelector) error {
	d.mu.Lock()
	ack := d.ackRequest
	d.mu.Unlock()
	if ack == nil {
		return fmt.Errorf("dialog: no ACK cached to resend")
	}
	return SendStandaloneAck(ts, ack.Clone())
}

// SendStandaloneAck transmits a 2xx ACK directly to the transport layer
// with a freshly generated Via and branch, bypassing the transaction layer
// entirely (RFC 3261 - 13.2.2.4: "the ACK is passed to the transport
// layer for transmission").
func SendStandaloneAck(ts TransportSelector, ack *sip.Request) error {
	tp, remote := ts.SelectTransport(ack)
	if tp == nil {
		return fmt.Errorf("dialog: no transport available for ACK")
	}

	host, portStr, err := net.SplitHostPort(tp.LocalAddr().String())
	port := 0
	if err == nil {
		port, _ = strconv.Atoi(portStr)
	} else {
		host = tp.LocalAddr().String()
	}

	via := sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       tp.Network(),
		Host:            host,
		Port:            port,
		Params:          sip.NewParams(),
	}
	via.Params.Add("branch", sip.GenerateBranch())
	ack.PrependHeader(&via)
	ack.SetTransport(tp.Network())
	ack.SetDestination(remote)

	conn, err := tp.GetConnection(remote)
	if err != nil {
		conn, err = tp.CreateConnection(context.Background(), remote)
		if err != nil {
			return err
		}
	}
	return conn.WriteMsg(ack)
}
