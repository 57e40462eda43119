package dialog

import (
	"github.com/sipstack/sipstack/sip"
	"github.com/sipstack/sipstack/transaction"
)

// NewInDialogRequest builds an outbound in-dialog request (SPEC_FULL.md
// §4.4.3): request-URI is the remote target, To/From carry the remote/local
// tags, CSeq is incremented, and the recorded route set (if any) populates
// Route headers.
func (d *Dialog) NewInDialogRequest(method sip.RequestMethod) *sip.Request {
	d.mu.Lock()
	defer d.mu.Unlock()

	req := sip.NewRequest(method, d.remoteContact)

	to := sip.ToHeader{Address: d.remoteURI, Params: sip.NewParams()}
	to.Params.Add("tag", d.remoteTag)
	req.AppendHeader(&to)

	from := sip.FromHeader{Address: d.localURI, Params: sip.NewParams()}
	from.Params.Add("tag", d.localTag)
	req.AppendHeader(&from)

	callID := sip.CallIDHeader(d.callID)
	req.AppendHeader(&callID)

	cseq := sip.CSeqHeader{SeqNo: d.nextLocalCSeq(), MethodName: method}
	req.AppendHeader(&cseq)

	contact := sip.ContactHeader{Address: d.localContact}
	req.AppendHeader(&contact)

	mf := sip.MaxForwardsHeader(70)
	req.AppendHeader(&mf)

	for _, uri := range d.routeSet {
		rt := sip.RouteHeader{Address: *uri.Clone()}
		req.AppendHeader(&rt)
	}

	return req
}

// HandleInDialogRequest processes a request the core matched to this
// dialog by full ID (SPEC_FULL.md §4.4.4). The confirming ACK is not
// routed here - it never matches a transaction, so the core calls
// ReceiveAck directly once it locates the dialog.
func (d *Dialog) HandleInDialogRequest(tx *transaction.ServerTx, req *sip.Request) {
	d.mu.Lock()
	cseq := req.CSeq()
	if cseq == nil || !d.validateRemoteCSeq(cseq.SeqNo) {
		d.mu.Unlock()
		_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusServerInternalError, "Server Internal Error", nil))
		return
	}

	isBye := req.Method == sip.BYE
	if isBye {
		d.state = Closed
	}
	cb := d.cb
	d.mu.Unlock()

	if isBye {
		_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil))
		if cb.Closed != nil {
			cb.Closed(d)
		}
		return
	}

	if cb.RequestReceived != nil {
		disposition := cb.RequestReceived(d, tx, req)
		if disposition.Responded || disposition.WillRespondAsync {
			return
		}
	}
	_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusNotImplemented, "Not Implemented", nil))
}
