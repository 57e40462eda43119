package b2bua

import (
	"context"

	"github.com/sipstack/sipstack/dialog"
	"github.com/sipstack/sipstack/sip"
)

// startInboundInvite drives one session's outbound leg end to end (SPEC_FULL.md
// §4.8): build the default forwarded INVITE, let the application inspect
// or replace it, dial out (following redirects up to the bound), and relay
// whatever final response comes back onto the original caller's INVITE
// transaction.
func (b *B2BUA) startInboundInvite(ctx context.Context, s *Session) {
	serverDialog := s.ServerDialog()
	orig := serverDialog.OrigInvite()

	fwd := defaultForwardedRequest(orig)

	result := InviteRequestResult{}
	if b.hooks.InviteRequestReceived != nil {
		result = b.hooks.InviteRequestReceived(s, fwd)
	}

	if result.CloseSession {
		b.rejectInboundInvite(serverDialog, sip.StatusServerInternalError, "Server Error")
		return
	}
	if result.Request == nil && result.Response != nil {
		b.finishInboundInvite(s, serverDialog, result.Response, sip.Uri{})
		return
	}

	req := result.Request
	if req == nil {
		req = fwd
	}
	if result.ServerContact.Host != "" {
		serverDialog.SetLocalContact(result.ServerContact)
	}

	maxRedirects := result.MaxRedirects
	if maxRedirects <= 0 {
		maxRedirects = defaultMaxRedirects
	}

	var (
		d   *dialog.Dialog
		res *sip.Response
		err error
	)
	for attempt := 0; ; attempt++ {
		d, res, err = b.c.CreateDialog(ctx, req, result.ClientContact)
		if err != nil {
			b.log.Debug("b2bua: outbound leg failed", "err", err)
			b.rejectInboundInvite(serverDialog, sip.StatusServerInternalError, "Server Error")
			return
		}
		s.setClientDialog(d)
		b.bindDialog(d, s)

		if res == nil {
			// ctx expired with no final response observed.
			b.unbindDialog(d)
			b.rejectInboundInvite(serverDialog, sip.StatusRequestTimeout, "Request Timeout")
			return
		}
		if !res.IsRedirection() || attempt >= maxRedirects {
			break
		}
		target, ok := redirectTarget(res)
		if !ok {
			break
		}
		b.unbindDialog(d)
		req = redirectedRequest(req, target)
	}

	if res.IsRedirection() {
		// Redirect bound exceeded, or the last 3xx carried no Contact to
		// follow (SPEC_FULL.md §7: "B2BUA redirect beyond bound -> Server
		// Error").
		b.unbindDialog(d)
		b.rejectInboundInvite(serverDialog, sip.StatusServerInternalError, "Server Error")
		return
	}

	b.finishInboundInvite(s, serverDialog, res, result.ServerContact)
}

// finishInboundInvite relays far, the final response observed on the
// outbound leg (or a short-circuit Response the application substituted),
// onto the original caller's INVITE transaction.
func (b *B2BUA) finishInboundInvite(s *Session, serverDialog *dialog.Dialog, far *sip.Response, contact sip.Uri) {
	if contact.Host == "" {
		contact = serverDialog.LocalContact()
	}
	res := buildAcceptingResponse(serverDialog.OrigInvite(), far, contact)
	if b.hooks.InviteResponseReceived != nil {
		if rewritten := b.hooks.InviteResponseReceived(s, res); rewritten != nil {
			res = rewritten
		}
	}
	if err := b.c.RespondInvite(serverDialog, res); err != nil {
		b.log.Debug("b2bua: relaying final response to caller", "err", err)
	}
}

func (b *B2BUA) rejectInboundInvite(serverDialog *dialog.Dialog, status int, reason string) {
	res := sip.NewResponseFromRequest(serverDialog.OrigInvite(), status, reason, nil)
	if err := b.c.RespondInvite(serverDialog, res); err != nil {
		b.log.Debug("b2bua: rejecting inbound INVITE", "err", err)
	}
}
