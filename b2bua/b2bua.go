package b2bua

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/sipstack/sipstack/core"
	"github.com/sipstack/sipstack/dialog"
	"github.com/sipstack/sipstack/sip"
	"github.com/sipstack/sipstack/transaction"
)

// defaultMaxRedirects bounds how many 3xx Contact targets a single
// outbound leg follows before the session is abandoned (SPEC_FULL.md §4.8:
// "default 5").
const defaultMaxRedirects = 5

// InviteRequestResult is the application's answer to InviteRequestReceived
// (SPEC_FULL.md §4.8).
type InviteRequestResult struct {
	// Request, if non-nil, replaces the default forwarded INVITE this
	// B2BUA is about to dial out. Leave nil to forward it unmodified.
	Request *sip.Request
	// Response, used only when CloseSession is false and the handler wants
	// to answer the original caller directly instead of dialing out at all
	// (SPEC_FULL.md §4.8: "substitute response + null request to
	// short-circuit"). A non-nil Response with Request == nil triggers
	// this.
	Response *sip.Response
	// ServerContact overrides the Contact this B2BUA presents to the
	// original caller. Zero value keeps the core's configured default.
	ServerContact sip.Uri
	// ClientContact overrides the Contact this B2BUA presents to the far
	// end.
	ClientContact sip.Uri
	// MaxRedirects bounds 3xx-following for this session's outbound leg.
	// <= 0 means defaultMaxRedirects.
	MaxRedirects int
	// CloseSession tears the whole session down instead of dialing out.
	CloseSession bool
}

// Hooks are the application callbacks a B2BUA raises over a session's
// lifetime (SPEC_FULL.md §4.8).
type Hooks struct {
	// InviteRequestReceived fires once per new inbound INVITE, with the
	// default forwarded request already built. A nil hook forwards it
	// unmodified with no Contact overrides.
	InviteRequestReceived func(s *Session, defaultForwarded *sip.Request) InviteRequestResult
	// InviteResponseReceived fires once the far end's final response to
	// the outbound INVITE is known (already rebuilt onto the accepting
	// side's own INVITE as its template), before it is relayed to the
	// original caller. The handler may return a different response
	// outright; returning nil keeps the one it was given.
	InviteResponseReceived func(s *Session, res *sip.Response) *sip.Response
	// ClientRequestReceived fires for an in-session request arriving on
	// the ClientDialog (sent by the far end), with the default forwarded
	// request (to be sent to the original caller) already built. Returning
	// nil forwards it unmodified.
	ClientRequestReceived func(s *Session, defaultForwarded *sip.Request) *sip.Request
	// ServerRequestReceived is ClientRequestReceived's mirror for a
	// request arriving on the ServerDialog (sent by the original caller).
	ServerRequestReceived func(s *Session, defaultForwarded *sip.Request) *sip.Request
	// SessionClosing fires exactly once, when either leg starts tearing
	// down, before the other leg is closed to match (SPEC_FULL.md §4.8:
	// "session close is transitive").
	SessionClosing func(s *Session)
}

// B2BUA bridges inbound INVITEs into a fresh outbound leg on top of a
// single core.Core, per SPEC_FULL.md §4.8. Grounded on the teacher's
// deleted dialog_server_session.go's redirect/header-forwarding shape,
// rewritten against this module's core.Core/dialog.Dialog.
type B2BUA struct {
	c     *core.Core
	hooks Hooks
	log   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	byDialog map[*dialog.Dialog]*Session
}

// New builds a B2BUA over c. c must not have Run called on it yet: the
// caller still needs to wire b.CoreCallbacks() into it (core.Core's
// callbacks are fixed once a dialog may exist, so this two-step
// composition - build Core, build B2BUA over it, install the B2BUA's
// callbacks back onto Core - replaces passing a single Callbacks value to
// core.New).
func New(c *core.Core, hooks Hooks, log *slog.Logger) *B2BUA {
	if log == nil {
		log = sip.DefaultLogger()
	}
	return &B2BUA{
		c:        c,
		hooks:    hooks,
		log:      log.With("component", "b2bua.B2BUA"),
		sessions: make(map[string]*Session),
		byDialog: make(map[*dialog.Dialog]*Session),
	}
}

// CoreCallbacks returns the core.Callbacks this B2BUA must be wired with.
// Call core.Core.SetCallbacks(b.CoreCallbacks()) once, before Run.
func (b *B2BUA) CoreCallbacks() core.Callbacks {
	return core.Callbacks{
		DialogCreated:   b.onDialogCreated,
		DialogClosed:    b.onDialogClosed,
		RequestReceived: b.onRequestReceived,
	}
}

// Session looks up a live session by id.
func (b *B2BUA) Session(id string) (*Session, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[id]
	return s, ok
}

func (b *B2BUA) sessionFor(d *dialog.Dialog) (*Session, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.byDialog[d]
	return s, ok
}

func (b *B2BUA) bindDialog(d *dialog.Dialog, s *Session) {
	b.mu.Lock()
	b.byDialog[d] = s
	b.mu.Unlock()
}

func (b *B2BUA) unbindDialog(d *dialog.Dialog) {
	b.mu.Lock()
	delete(b.byDialog, d)
	b.mu.Unlock()
}

// onDialogCreated is the core's DialogCreated hook (SPEC_FULL.md §4.8). An
// accepting-role dialog is a brand new inbound call: build its Session now
// and kick off the outbound leg. An initiating-role dialog is this B2BUA's
// own outbound leg, created from inside startInboundInvite's call to
// Core.CreateDialog - DialogCreated for it fires synchronously, before
// CreateDialog has returned the *dialog.Dialog this B2BUA needs to
// associate it with a Session, so it is deliberately ignored here.
// startInboundInvite binds it itself once CreateDialog returns.
func (b *B2BUA) onDialogCreated(d *dialog.Dialog) {
	if d.Role() != dialog.RoleAccepting {
		return
	}
	s := &Session{id: uuid.NewString(), serverDialog: d, bridge: b}

	b.mu.Lock()
	b.sessions[s.id] = s
	b.byDialog[d] = s
	b.mu.Unlock()

	go b.startInboundInvite(context.Background(), s)
}

// onDialogClosed is the core's DialogClosed hook: session close is
// transitive (SPEC_FULL.md §4.8), so the first leg to close takes the
// other one down with it, and SessionClosing fires exactly once.
func (b *B2BUA) onDialogClosed(d *dialog.Dialog) {
	s, ok := b.sessionFor(d)
	if !ok {
		return
	}
	b.unbindDialog(d)

	if !s.markClosing() {
		return
	}
	if b.hooks.SessionClosing != nil {
		b.hooks.SessionClosing(s)
	}
	if other := s.otherLeg(d); other != nil {
		b.unbindDialog(other)
		if err := b.c.Close(other); err != nil {
			b.log.Debug("b2bua: closing opposite leg", "err", err)
		}
	}

	b.mu.Lock()
	delete(b.sessions, s.id)
	b.mu.Unlock()
}

// onRequestReceived is the core's RequestReceived hook, wired to every
// dialog this Core owns: BYE never reaches here (the dialog layer handles
// it directly), so this only sees re-INVITEs and other in-session methods
// (SPEC_FULL.md §4.8's in-session traffic forwarding).
func (b *B2BUA) onRequestReceived(d *dialog.Dialog, tx *transaction.ServerTx, req *sip.Request) dialog.RequestDisposition {
	s, ok := b.sessionFor(d)
	if !ok {
		return dialog.RequestDisposition{}
	}
	other := s.otherLeg(d)
	if other == nil {
		return dialog.RequestDisposition{}
	}

	fwd := defaultForwardedRequest(req)
	if d == s.ServerDialog() && b.hooks.ServerRequestReceived != nil {
		if custom := b.hooks.ServerRequestReceived(s, fwd); custom != nil {
			fwd = custom
		}
	} else if d == s.ClientDialog() && b.hooks.ClientRequestReceived != nil {
		if custom := b.hooks.ClientRequestReceived(s, fwd); custom != nil {
			fwd = custom
		}
	}

	// A re-INVITE needs HandleReinvite's own send/ACK handling, not the
	// generic path below: a fresh mid-dialog INVITE client transaction
	// terminates on its 2xx without ever sending the confirming ACK (RFC
	// 3261 - 14.1 leaves that to the UA, never the transaction), which
	// the generic path has no opportunity to do since it never builds
	// one here (SPEC_FULL.md SUPPLEMENTED FEATURES).
	if req.Method == sip.INVITE {
		res, err := s.HandleReinvite(d, fwd.Body())
		if err != nil {
			_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusServerInternalError, "Server Error", nil))
			return dialog.RequestDisposition{Responded: true}
		}
		_ = tx.Respond(buildForwardedResponse(req, res))
		return dialog.RequestDisposition{Responded: true}
	}

	outReq := other.NewInDialogRequest(req.Method)
	copyNonDialogHeaders(fwd, outReq)

	res, err := b.c.Request(outReq, other)
	if err != nil {
		_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusServerInternalError, "Server Error", nil))
		return dialog.RequestDisposition{Responded: true}
	}

	_ = tx.Respond(buildForwardedResponse(req, res))
	return dialog.RequestDisposition{Responded: true}
}

