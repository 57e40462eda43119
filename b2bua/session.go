// Package b2bua bridges two independent RFC 3261 dialogs into one logical
// call (SPEC_FULL.md §4.8), built entirely on top of core.Core: it never
// touches transports, transactions, or the dialog state machine directly,
// only the Core/Dialog surface core/ already exports.
package b2bua

import (
	"fmt"
	"sync"

	"github.com/sipstack/sipstack/dialog"
	"github.com/sipstack/sipstack/sip"
)

// Session is one bridged call. ServerDialog is the accepting-role leg
// toward the original caller - this B2BUA is the server (UAS) on that leg.
// ClientDialog is the initiating-role leg this B2BUA opens toward whatever
// far end InviteRequestReceived routes the call to - this B2BUA is the
// client (UAC) on that leg. ClientDialog is nil until the outbound leg's
// CreateDialog call returns, and may be replaced more than once while redirects are
// followed (SPEC_FULL.md §4.8: "follow Contact up to the redirect bound").
type Session struct {
	mu sync.Mutex

	id string

	serverDialog *dialog.Dialog
	clientDialog *dialog.Dialog

	// bridge is the B2BUA this session belongs to, needed for
	// SendReinvite/HandleReinvite to reach core.Core.SendReinvite.
	bridge *B2BUA

	closing bool

	// ApplicationState is free for the embedding application to stash
	// per-session data; this package never reads or writes it itself.
	ApplicationState any
}

// ID returns the session's identifier, stable for its lifetime.
func (s *Session) ID() string { return s.id }

// ServerDialog returns the leg toward the original caller.
func (s *Session) ServerDialog() *dialog.Dialog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverDialog
}

// ClientDialog returns the leg toward the far end, or nil before the
// outbound INVITE's dialog exists.
func (s *Session) ClientDialog() *dialog.Dialog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientDialog
}

func (s *Session) setClientDialog(d *dialog.Dialog) {
	s.mu.Lock()
	s.clientDialog = d
	s.mu.Unlock()
}

// otherLeg returns the dialog on the opposite side of d within this
// session, or nil if d belongs to neither (or the other leg doesn't exist
// yet).
func (s *Session) otherLeg(d *dialog.Dialog) *dialog.Dialog {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch d {
	case s.serverDialog:
		return s.clientDialog
	case s.clientDialog:
		return s.serverDialog
	default:
		return nil
	}
}

// markClosing reports whether this call is the first to start tearing the
// session down, so SessionClosing fires exactly once.
func (s *Session) markClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.closing = true
	return true
}

// SendReinvite issues a re-INVITE on leg (ServerDialog or ClientDialog)
// carrying body, to refresh the media description already negotiated on
// session setup (SPEC_FULL.md SUPPLEMENTED FEATURES: "a narrow
// SendReinvite/HandleReinvite pair... no renegotiation of the dialog
// identity itself"), grounded on emiago-diago's DialogServerSession.
// ReInvite. It blocks until the final response is known; a 2xx has
// already been ACKed (dialog.Dialog.SendReinvite) by the time it returns.
func (s *Session) SendReinvite(leg *dialog.Dialog, body []byte) (*sip.Response, error) {
	s.mu.Lock()
	bridge := s.bridge
	s.mu.Unlock()
	if bridge == nil {
		return nil, fmt.Errorf("b2bua: session has no B2BUA bound")
	}
	return bridge.c.SendReinvite(leg, body)
}

// HandleReinvite is ReInvite's inbound twin (emiago-diago's
// handleReInvite): an in-session re-INVITE received on from forwards body
// to the opposite leg via SendReinvite and returns the far side's
// response for the caller to relay on from's own transaction.
// b2bua.onRequestReceived is this method's usual caller; it is exported so
// an application that wants to drive a re-INVITE refresh directly (rather
// than only reacting to one arriving from a peer) can call it too.
func (s *Session) HandleReinvite(from *dialog.Dialog, body []byte) (*sip.Response, error) {
	other := s.otherLeg(from)
	if other == nil {
		return nil, fmt.Errorf("b2bua: session has no opposite leg for re-INVITE")
	}
	return s.SendReinvite(other, body)
}
