// Package dialog implements the RFC 3261 dialog state machine that sits
// above the transaction layer: identity (Call-ID + local-tag + remote-tag),
// sequence numbers, route sets, and the in-dialog request/response/teardown
// flows (SPEC_FULL.md §3, §4.4). Grounded on the teacher's deleted
// dialog.go/dialog_client.go/dialog_server.go/dialog_state.go generation
// for the state names and establishment shape, rewritten against this
// module's own sip/transaction/agent packages.
package dialog

import (
	"sync"
	"time"

	"github.com/sipstack/sipstack/sip"
	"github.com/sipstack/sipstack/transaction"
)

// Role distinguishes which side of the INVITE created the dialog.
type Role int

const (
	RoleInitiating Role = iota
	RoleAccepting
)

func (r Role) String() string {
	if r == RoleAccepting {
		return "accepting"
	}
	return "initiating"
}

// State is the dialog's position in its establishment/teardown machine
// (SPEC_FULL.md §3).
type State int

const (
	Waiting State = iota
	Early
	Confirmed
	ClosePendingProvisional
	ClosePendingFinal
	ClosePendingAck
	Closed
)

func (s State) String() string {
	switch s {
	case Waiting:
		return "Waiting"
	case Early:
		return "Early"
	case Confirmed:
		return "Confirmed"
	case ClosePendingProvisional:
		return "ClosePendingProvisional"
	case ClosePendingFinal:
		return "ClosePendingFinal"
	case ClosePendingAck:
		return "ClosePendingAck"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// UnassignedCSeq marks a CSeq counter that has never been set.
const UnassignedCSeq int64 = -1

// Callbacks are the application-facing hooks a dialog raises. The core
// wires these when it creates a dialog; every call happens with the
// dialog's lock released (SPEC_FULL.md §5).
type Callbacks struct {
	// Confirmed fires once, when the dialog reaches Confirmed.
	Confirmed func(d *Dialog)
	// Closed fires once, when the dialog reaches Closed.
	Closed func(d *Dialog)
	// RequestReceived fires for each in-dialog request besides BYE/ACK
	// that this dialog routes to the application (SPEC_FULL.md §4.4.4
	// step 5). The handler may call tx.Respond itself; if it does
	// neither that nor sets WillRespondAsync, the dialog replies 501.
	RequestReceived func(d *Dialog, tx *transaction.ServerTx, req *sip.Request) RequestDisposition
	// ReinviteConfirmed fires when the confirming ACK for a re-INVITE's
	// 2xx arrives (SPEC_FULL.md SUPPLEMENTED FEATURES) - the dialog is
	// already Confirmed by this point, so unlike Confirmed this can fire
	// more than once over a dialog's lifetime, once per re-INVITE.
	ReinviteConfirmed func(d *Dialog)
}

// RequestDisposition is the application's declared handling of an
// in-dialog RequestReceived callback.
type RequestDisposition struct {
	// Responded is true if the handler already sent a response via tx.
	Responded bool
	// WillRespondAsync is true if the handler intends to call tx.Respond
	// later (e.g. after media negotiation); the dialog takes no further
	// action on this request in that case.
	WillRespondAsync bool
}

// Dialog is a single RFC 3261 dialog (SPEC_FULL.md §3).
type Dialog struct {
	mu sync.Mutex

	role  Role
	state State

	callID    string
	localTag  string
	remoteTag string

	localURI  sip.Uri
	remoteURI sip.Uri

	localContact  sip.Uri
	remoteContact sip.Uri

	routeSet []sip.Uri

	localCSeq       int64
	remoteCSeq      int64
	inviteAckCSeq   uint32
	reinviteAckCSeq uint32

	origInvite   *sip.Request
	finalInvite  *sip.Response
	ackRequest   *sip.Request

	authorization      sip.Header
	proxyAuthorization sip.Header

	localSDP  []byte
	remoteSDP []byte

	earlyTTD time.Time

	clientTx *transaction.ClientTx
	serverTx *transaction.ServerTx

	closing bool

	cb Callbacks
}

// EarlyID is the provisional identity used before the remote tag (or, for
// the accepting side, the local tag) is known (SPEC_FULL.md §3).
func (d *Dialog) EarlyID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.earlyIDLocked()
}

func (d *Dialog) earlyIDLocked() string {
	switch d.role {
	case RoleInitiating:
		return "i:" + d.callID + ":" + d.localTag
	default:
		return "a:" + d.callID + ":" + d.remoteTag
	}
}

// FullID is the stable (Call-ID, local-tag, remote-tag) identity, valid
// only once both tags are known.
func (d *Dialog) FullID() (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fullIDLocked()
}

func (d *Dialog) fullIDLocked() (string, bool) {
	if d.localTag == "" || d.remoteTag == "" {
		return "", false
	}
	return d.callID + ":" + d.localTag + ":" + d.remoteTag, true
}

func (d *Dialog) Role() Role { d.mu.Lock(); defer d.mu.Unlock(); return d.role }

func (d *Dialog) State() State { d.mu.Lock(); defer d.mu.Unlock(); return d.state }

func (d *Dialog) CallID() string { return d.callID }

// EarlyTTD is the deadline past which the core prunes this dialog from the
// early table if it never confirmed (SPEC_FULL.md §4.7).
func (d *Dialog) EarlyTTD() time.Time { d.mu.Lock(); defer d.mu.Unlock(); return d.earlyTTD }

func (d *Dialog) SetEarlyTTD(ttd time.Time) {
	d.mu.Lock()
	d.earlyTTD = ttd
	d.mu.Unlock()
}

// SetLocalContact overrides the Contact this dialog presents to its peer,
// on both future in-dialog requests (NewInDialogRequest) and the caller's
// own response construction. Exercised by b2bua's per-side Contact
// override (SPEC_FULL.md §4.8); must be called before the dialog's first
// outbound message if it is to take effect everywhere.
func (d *Dialog) SetLocalContact(contact sip.Uri) {
	d.mu.Lock()
	d.localContact = contact
	d.mu.Unlock()
}

// LocalContact returns the Contact this dialog presents to its peer.
func (d *Dialog) LocalContact() sip.Uri {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.localContact
}

// ClientTx returns the initiating INVITE's client transaction, or nil for
// an accepting dialog.
func (d *Dialog) ClientTx() *transaction.ClientTx {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clientTx
}

// ServerTx returns the accepting INVITE's server transaction, or nil for
// an initiating dialog.
func (d *Dialog) ServerTx() *transaction.ServerTx {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.serverTx
}

// OrigInvite returns the INVITE that created this dialog.
func (d *Dialog) OrigInvite() *sip.Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.origInvite
}

// RemoteURI returns the remote party URI (the To for an initiating
// dialog, the From for an accepting one).
func (d *Dialog) RemoteURI() sip.Uri {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.remoteURI
}

// LocalURI returns the local party URI.
func (d *Dialog) LocalURI() sip.Uri {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.localURI
}

// SetAuthorization caches the Authorization header the core computed for
// a digest retry, so the dialog can echo it on the eventual 2xx ACK
// (SPEC_FULL.md §4.4.2).
func (d *Dialog) SetAuthorization(h sip.Header) {
	d.mu.Lock()
	d.authorization = h
	d.mu.Unlock()
}

// SetProxyAuthorization is SetAuthorization's Proxy-Authorization twin.
func (d *Dialog) SetProxyAuthorization(h sip.Header) {
	d.mu.Lock()
	d.proxyAuthorization = h
	d.mu.Unlock()
}

// SetLocalSDP/SetRemoteSDP/LocalSDP/RemoteSDP track the last SDP body sent
// and received on this dialog (SPEC_FULL.md §3); structural validation of
// the body itself is the sip package's job (sip/sdp.go), not this one's.
func (d *Dialog) SetLocalSDP(body []byte) {
	d.mu.Lock()
	d.localSDP = body
	d.mu.Unlock()
}

func (d *Dialog) SetRemoteSDP(body []byte) {
	d.mu.Lock()
	d.remoteSDP = body
	d.mu.Unlock()
}

func (d *Dialog) LocalSDP() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.localSDP
}

func (d *Dialog) RemoteSDP() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.remoteSDP
}

// IncrementCSeqForRetry bumps the dialog's local CSeq and the cached
// INVITE-ACK CSeq together, for the core's auth-retry loop (SPEC_FULL.md
// §4.7.1: "if a dialog is in play increment its CSeq").
func (d *Dialog) IncrementCSeqForRetry() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	next := d.nextLocalCSeq()
	d.inviteAckCSeq = next
	return next
}

// nextLocalCSeq increments and returns the local CSeq, assigning 1 if no
// local CSeq has been assigned yet.
func (d *Dialog) nextLocalCSeq() uint32 {
	if d.localCSeq < 0 {
		d.localCSeq = 1
	} else {
		d.localCSeq++
	}
	return uint32(d.localCSeq)
}

// validateRemoteCSeq enforces the monotonic-non-decreasing invariant
// (SPEC_FULL.md §3), initializing on first use.
func (d *Dialog) validateRemoteCSeq(seq uint32) bool {
	if d.remoteCSeq < 0 {
		d.remoteCSeq = int64(seq)
		return true
	}
	if int64(seq) < d.remoteCSeq {
		return false
	}
	d.remoteCSeq = int64(seq)
	return true
}

func reverseURIs(uris []sip.Uri) []sip.Uri {
	out := make([]sip.Uri, len(uris))
	for i, u := range uris {
		out[len(uris)-1-i] = u
	}
	return out
}

// recordedRouteSet extracts the Record-Route chain from msg in wire order,
// reversing it when the caller is the side that will read it back in that
// reversed order (RFC 3261 - 12.1.1/12.1.2). This is a structural read of
// whatever the peer sent, not a full route-set processing engine
// (SPEC_FULL.md §1 Non-goals).
func recordedRouteSet(msg sip.Message, reverse bool) []sip.Uri {
	var uris []sip.Uri
	for _, h := range msg.GetHeaders("Record-Route") {
		for cur := h.(*sip.RecordRouteHeader); cur != nil; cur = cur.Next {
			uris = append(uris, *cur.Address.Clone())
		}
	}
	if reverse {
		return reverseURIs(uris)
	}
	return uris
}
