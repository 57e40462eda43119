// Package core composes the transport, router, and agent layers with the
// dialog tables and request/registration orchestration SPEC_FULL.md §4.7
// describes - the top-level entry point an application drives. Grounded on
// the teacher's deleted ua.go/client.go for the composition-root shape
// (build transports, build layer, wire callbacks, expose a blocking
// request API) and on dialog_client.go for the context-threaded blocking
// pattern, rewritten end to end against this module's own
// transport/transaction/agent/dialog packages.
package core

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sipstack/sipstack/agent"
	"github.com/sipstack/sipstack/dialog"
	"github.com/sipstack/sipstack/router"
	"github.com/sipstack/sipstack/sip"
	"github.com/sipstack/sipstack/transaction"
	"github.com/sipstack/sipstack/transport"
)

// Config is the core's configuration surface (SPEC_FULL.md §6).
type Config struct {
	// LocalContact is stamped on every dialog this core creates as the
	// Contact the peer should use to reach it directly.
	LocalContact sip.Uri
	// OutboundProxy, if set, overrides route selection for every outbound
	// request (SPEC_FULL.md §4.2).
	OutboundProxy *sip.Uri
	// UserAgent is the User-Agent header value stamped on requests this
	// core originates. Left blank, no header is added.
	UserAgent string

	// TickInterval is the background tick period. Default 250ms.
	TickInterval time.Duration
	// TransportTickEvery amortizes the (more expensive) connection-pool
	// sweep to run once every N core ticks. Default 120 (30s at 250ms).
	TransportTickEvery int
	// EarlyDialogTTD bounds how long an accepting dialog may sit in Early
	// with no final response sent before the core gives up on it (SPEC_FULL.md
	// §4.7). Default 3 minutes.
	EarlyDialogTTD time.Duration

	// AuthUser/AuthPassword are the digest credentials core/auth.go uses
	// for transparent 401/407 retry (SPEC_FULL.md §4.7.1). A zero-value
	// AuthUser disables auto-retry; the challenge is surfaced to the caller
	// untouched.
	AuthUser     string
	AuthPassword string

	// MetricsNamespace prefixes every Prometheus metric name. Default
	// "sipstack".
	MetricsNamespace string
}

func (cfg *Config) setDefaults() {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 250 * time.Millisecond
	}
	if cfg.TransportTickEvery <= 0 {
		cfg.TransportTickEvery = 120
	}
	if cfg.EarlyDialogTTD <= 0 {
		cfg.EarlyDialogTTD = 3 * time.Minute
	}
	if cfg.MetricsNamespace == "" {
		cfg.MetricsNamespace = "sipstack"
	}
}

// Callbacks are the application hooks a Core raises over the lifetime of
// every dialog it creates (SPEC_FULL.md §4.4, consumed by b2bua).
type Callbacks struct {
	// DialogCreated fires once, right after a dialog is inserted into the
	// early table - for an accepting dialog this is synchronous with the
	// inbound INVITE; for an initiating one, with CreateDialog's call.
	DialogCreated func(d *dialog.Dialog)
	// DialogConfirmed fires once, when a dialog reaches Confirmed.
	DialogConfirmed func(d *dialog.Dialog)
	// DialogClosed fires once, when a dialog reaches Closed and is removed
	// from the core's tables.
	DialogClosed func(d *dialog.Dialog)
	// RequestReceived is wired as every dialog's own RequestReceived hook
	// (SPEC_FULL.md §4.4.4 step 5).
	RequestReceived func(d *dialog.Dialog, tx *transaction.ServerTx, req *sip.Request) dialog.RequestDisposition
	// ReinviteConfirmed fires each time a re-INVITE's confirming ACK
	// arrives on this dialog (SPEC_FULL.md SUPPLEMENTED FEATURES), that is,
	// on the side that answered the re-INVITE. The side that sent it builds
	// and sends that ACK itself (Dialog.SendReinvite) and gets no
	// ReinviteConfirmed call for it.
	ReinviteConfirmed func(d *dialog.Dialog)
}

// Core is a full SIP user agent: transports, routing, transactions,
// dialogs, and the request/registration orchestration above them
// (SPEC_FULL.md §4.7).
type Core struct {
	cfg     Config
	log     *slog.Logger
	metrics *metrics

	transports  *transport.Layer
	router      *router.Router
	clientAgent *agent.ClientAgent
	serverAgent *agent.ServerAgent
	sender      clientSender

	cb Callbacks

	mu           sync.RWMutex
	earlyDialogs map[string]*dialog.Dialog
	dialogs      map[string]*dialog.Dialog

	tickCount int

	reg *registration

	runOnce sync.Once
}

// New composes a Core over transports, which must already have its owned
// Transport implementations registered. A nil transports is a programming
// error, not a runtime condition - it aborts startup (SPEC_FULL.md §7).
func New(transports *transport.Layer, cfg Config, cb Callbacks, log *slog.Logger) *Core {
	if transports == nil {
		panic("core: New requires a non-nil transport.Layer")
	}
	cfg.setDefaults()
	if log == nil {
		log = sip.DefaultLogger()
	}
	log = log.With("component", "core.Core")

	c := &Core{
		cfg:          cfg,
		log:          log,
		metrics:      newMetrics(cfg.MetricsNamespace),
		transports:   transports,
		cb:           cb,
		earlyDialogs: make(map[string]*dialog.Dialog),
		dialogs:      make(map[string]*dialog.Dialog),
	}

	c.router = router.New(transports)
	c.router.OutboundProxy = cfg.OutboundProxy
	c.clientAgent = agent.NewClientAgent(c.router, log)
	c.clientAgent.OnUncorrelatedResponse = c.handleUncorrelatedResponse
	c.clientAgent.OnTransactionTerminated = func() {
		c.metrics.transactionsEnded.WithLabelValues("client").Inc()
	}
	c.serverAgent = agent.NewServerAgent(transports, agent.ServerAgentCallbacks{
		OnInviteBegin:     c.handleInviteBegin,
		OnRequest:         c.handleRequest,
		OnAckTimeout:      c.handleAckTimeout,
		OnUncorrelatedAck: c.handleUncorrelatedAck,
		OnTransactionTerminated: func() {
			c.metrics.transactionsEnded.WithLabelValues("server").Inc()
		},
	}, log)
	c.router.ClientAgent = c.clientAgent
	c.router.ServerAgent = c.serverAgent
	c.sender = clientSender{a: c.clientAgent}

	return c
}

// SetCallbacks installs cb, replacing whatever New was given. Exported so a
// layer built on top of Core (b2bua is the one in this module) can wire its
// own hooks after construction: it needs a *Core to build its own state
// before it has a complete core.Callbacks to hand back, so the two are
// composed in two steps instead of one. Not safe to call once Run is
// underway and dialogs already exist.
func (c *Core) SetCallbacks(cb Callbacks) {
	c.cb = cb
}

// clientSender adapts agent.ClientAgent to dialog.RequestSender: same
// fields, but a distinct named struct type per package, so Go's structural
// interface satisfaction needs this one conversion function in between.
type clientSender struct {
	a *agent.ClientAgent
}

func (s clientSender) Request(req *sip.Request, cb dialog.ClientRequestCallbacks) (*transaction.ClientTx, error) {
	return s.a.Request(req, agent.ClientRequestCallbacks{
		OnProvisional: cb.OnProvisional,
		OnFinal:       cb.OnFinal,
	})
}

// Run drives the core's background tick (SPEC_FULL.md §5: "the core
// expects a background ticker invoking on_background_tick at a fixed
// interval") until ctx is cancelled. Calling Run twice on the same Core is
// a programming error.
func (c *Core) Run(ctx context.Context) error {
	started := false
	c.runOnce.Do(func() { started = true })
	if !started {
		panic("core: Run called twice on the same Core")
	}

	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			c.tick(now)
		}
	}
}

// tick is the single background step: transaction timers, an amortized
// transport sweep, dialog pruning, and registration refresh.
func (c *Core) tick(now time.Time) {
	c.clientAgent.Tick(now)
	c.serverAgent.Tick(now)

	c.tickCount++
	if c.tickCount >= c.cfg.TransportTickEvery {
		c.tickCount = 0
		c.transports.OnBackgroundTick()
	}

	c.pruneDialogs(now)
	c.tickRegistration(now)
}

// pruneDialogs closes early dialogs that outlived their TTD and removes
// any dialog that reached Closed but wasn't already removed by its own
// Closed callback (SPEC_FULL.md §4.7).
func (c *Core) pruneDialogs(now time.Time) {
	c.mu.RLock()
	var expired []*dialog.Dialog
	for _, d := range c.earlyDialogs {
		if ttd := d.EarlyTTD(); !ttd.IsZero() && now.After(ttd) {
			expired = append(expired, d)
		}
	}
	var closed []*dialog.Dialog
	for _, d := range c.dialogs {
		if d.State() == dialog.Closed {
			closed = append(closed, d)
		}
	}
	c.mu.RUnlock()

	for _, d := range expired {
		if err := d.Close(c.sender); err != nil {
			c.log.Debug("early dialog TTD close failed", "err", err)
		}
	}
	for _, d := range closed {
		c.removeDialog(d)
	}
}

// CreateDialog builds and sends an initiating INVITE dialog and blocks
// until it is either Confirmed or abandoned (final non-2xx, or ctx expiry
// synthesizing a Close), per SPEC_FULL.md §5's documented suspension
// point. The returned response is the final response observed, which may
// be nil if ctx expired first. localContact overrides the core's
// configured Contact for this dialog only (SPEC_FULL.md §4.8's per-side
// Contact override); its zero value falls back to cfg.LocalContact.
func (c *Core) CreateDialog(ctx context.Context, req *sip.Request, localContact sip.Uri) (*dialog.Dialog, *sip.Response, error) {
	if localContact.Host == "" {
		localContact = c.cfg.LocalContact
	}
	done := make(chan *sip.Response, 1)

	d := dialog.NewInitiatingDialog(req, localContact, dialog.Callbacks{
		Confirmed:         c.handleDialogConfirmed,
		Closed:            c.handleDialogClosed,
		RequestReceived:   c.cb.RequestReceived,
		ReinviteConfirmed: c.cb.ReinviteConfirmed,
	})
	d.SetEarlyTTD(time.Now().Add(2 * transaction.TimerB))

	c.mu.Lock()
	c.earlyDialogs[d.EarlyID()] = d
	c.mu.Unlock()
	c.refreshDialogMetrics()
	if c.cb.DialogCreated != nil {
		c.cb.DialogCreated(d)
	}

	err := d.Send(c.sender, dialog.ClientRequestCallbacks{
		OnFinal: func(res *sip.Response) {
			action := d.HandleResponse(res)
			c.applyResponseAction(d, action)
			if res.IsSuccess() || !res.IsProvisional() {
				select {
				case done <- res:
				default:
				}
			}
		},
		OnProvisional: func(res *sip.Response) {
			action := d.HandleResponse(res)
			c.applyResponseAction(d, action)
		},
	})
	if err != nil {
		c.removeDialog(d)
		return d, nil, err
	}

	select {
	case res := <-done:
		return d, res, nil
	case <-ctx.Done():
		_ = d.Close(c.sender)
		return d, nil, ctx.Err()
	}
}

// applyResponseAction executes the side effects HandleResponse collected
// outside the dialog's lock (SPEC_FULL.md §5).
func (c *Core) applyResponseAction(d *dialog.Dialog, action dialog.ResponseAction) {
	if action.SendAck != nil {
		if err := dialog.SendStandaloneAck(c.router, action.SendAck); err != nil {
			c.log.Debug("failed to send 2xx ACK", "err", err)
		}
	}
	if action.SendCancel {
		cancelReq := d.OrigInvite()
		if _, err := c.clientAgent.Request(sip.NewCancelRequest(cancelReq), agent.ClientRequestCallbacks{}); err != nil {
			c.log.Debug("failed to send CANCEL", "err", err)
		}
	}
	if action.SendBye {
		if _, err := c.clientAgent.Request(d.NewInDialogRequest(sip.BYE), agent.ClientRequestCallbacks{}); err != nil {
			c.log.Debug("failed to send BYE", "err", err)
		}
	}
}

// Close tears d down (SPEC_FULL.md §4.4.5).
func (c *Core) Close(d *dialog.Dialog) error {
	return d.Close(c.sender)
}

// RespondInvite sends res on d's accepting server transaction and, if res
// is a final response, records it on the dialog so Close (§4.4.5) can tell
// "final sent, ACK not arrived" from "no final sent yet".
func (c *Core) RespondInvite(d *dialog.Dialog, res *sip.Response) error {
	tx := d.ServerTx()
	if tx == nil {
		return errNotAccepting
	}
	err := tx.Respond(res)
	if !res.IsProvisional() {
		d.NoteFinalResponseSent(res)
		if d.State() == dialog.Closed {
			c.handleDialogClosed(d)
		}
	}
	return err
}

// SendReinvite issues a re-INVITE on d carrying body and blocks until the
// final response is known, ACKing a 2xx itself before returning
// (SPEC_FULL.md SUPPLEMENTED FEATURES; see dialog.Dialog.SendReinvite).
// Exported for b2bua's in-session re-INVITE forwarding.
func (c *Core) SendReinvite(d *dialog.Dialog, body []byte) (*sip.Response, error) {
	return d.SendReinvite(c.sender, c.router, body)
}

// handleInviteBegin is the server agent's OnInviteBegin hook: new INVITE,
// no matching server transaction yet.
func (c *Core) handleInviteBegin(tx *transaction.ServerTx, req *sip.Request) {
	if id, ok := fullDialogIDFromRequest(req); ok {
		c.mu.RLock()
		d, found := c.dialogs[id]
		c.mu.RUnlock()
		if found {
			// Re-INVITE on an established dialog: routed to the dialog
			// like any other in-dialog request (SPEC_FULL.md SUPPLEMENTED
			// FEATURES). Its confirming ACK never matches a transaction
			// (RFC 3261 - 13.3.1.4) and arrives later via
			// handleUncorrelatedAck -> Dialog.ReceiveAck, same as the
			// initial INVITE's.
			d.HandleInDialogRequest(tx, req)
			return
		}
	}

	d := dialog.NewAcceptingDialog(tx, req, c.cfg.LocalContact, dialog.Callbacks{
		Confirmed:         c.handleDialogConfirmed,
		Closed:            c.handleDialogClosed,
		RequestReceived:   c.cb.RequestReceived,
		ReinviteConfirmed: c.cb.ReinviteConfirmed,
	})
	d.SetEarlyTTD(time.Now().Add(c.cfg.EarlyDialogTTD))

	c.mu.Lock()
	c.earlyDialogs[d.EarlyID()] = d
	c.mu.Unlock()
	c.refreshDialogMetrics()

	if c.cb.DialogCreated != nil {
		c.cb.DialogCreated(d)
	}
}

// handleRequest is the server agent's OnRequest hook: every new non-INVITE
// server transaction (SPEC_FULL.md §4.6).
func (c *Core) handleRequest(tx *transaction.ServerTx, req *sip.Request) {
	if req.Method == sip.CANCEL {
		c.handleCancel(tx, req)
		return
	}

	id, hasTags := fullDialogIDFromRequest(req)
	if !hasTags {
		// Out-of-dialog request this core doesn't implement a handler for
		// (SPEC_FULL.md §7: "Unhandled request").
		_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusNotImplemented, "Not Implemented", nil))
		return
	}

	c.mu.RLock()
	d, found := c.dialogs[id]
	c.mu.RUnlock()
	if !found {
		_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusCallTransactionNotExist, "Call/Transaction Does Not Exist", nil))
		return
	}
	d.HandleInDialogRequest(tx, req)
}

// handleCancel processes an inbound CANCEL (RFC 3261 - 9.2): it matches no
// transaction of its own (method is part of matching, SPEC_FULL.md
// §4.3.3/§17.2.3) and instead aborts the INVITE server transaction sharing
// its branch.
func (c *Core) handleCancel(tx *transaction.ServerTx, req *sip.Request) {
	branch := ""
	if via := req.Via(); via != nil {
		branch, _ = via.Params.Get("branch")
	}
	invTx, ok := c.serverAgent.LookupInvite(branch)
	if !ok || invTx.State() != transaction.InviteProceeding {
		_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusCallTransactionNotExist, "Call/Transaction Does Not Exist", nil))
		return
	}
	_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil))

	final := sip.NewResponseFromRequest(invTx.Origin(), sip.StatusRequestTerminated, "Request Terminated", nil)
	_ = invTx.Respond(final)

	c.mu.RLock()
	d := c.earlyDialogs[earlyIDForInbound(invTx.Origin())]
	c.mu.RUnlock()
	if d != nil {
		d.NoteFinalResponseSent(final)
		if d.State() == dialog.Closed {
			c.handleDialogClosed(d)
		}
	}
}

// handleAckTimeout fires when an INVITE server transaction's Timer H
// expires with no ACK: nothing in the data model distinguishes this from
// any other terminal outcome for the accepting dialog, so it is only
// logged - the dialog is already Closed (non-2xx final) or was never
// created (send410/Close raced it away) by the time this can fire.
func (c *Core) handleAckTimeout(tx *transaction.ServerTx) {
	c.log.Debug("ACK never arrived for INVITE server transaction", "req", tx.Origin().Short())
}

// handleUncorrelatedResponse is the client agent's hook for a response
// matching no live client transaction - the 2xx retransmit case
// (SPEC_FULL.md §4.7.3).
func (c *Core) handleUncorrelatedResponse(res *sip.Response) {
	if !res.IsSuccess() {
		return
	}
	id, ok := fullDialogIDFromResponse(res)
	if !ok {
		return
	}
	c.mu.RLock()
	d, found := c.dialogs[id]
	c.mu.RUnlock()
	if !found {
		c.log.Debug("uncorrelated response matches no dialog", "status", res.StatusCode)
		return
	}
	if err := d.ResendAck(c.router); err != nil {
		c.log.Debug("failed to resend cached ACK", "err", err)
	}
}

// handleUncorrelatedAck is the server agent's hook for an ACK matching no
// transaction - the confirming ACK to a 2xx (RFC 3261 - 13.3.1.4).
func (c *Core) handleUncorrelatedAck(ack *sip.Request) {
	id, ok := fullDialogIDFromRequest(ack)
	if !ok {
		return
	}
	c.mu.RLock()
	d, found := c.dialogs[id]
	if !found {
		for _, cand := range c.earlyDialogs {
			if eid, ok2 := cand.FullID(); ok2 && eid == id {
				d = cand
				found = true
				break
			}
		}
	}
	c.mu.RUnlock()
	if !found {
		c.log.Debug("uncorrelated ACK matches no dialog", "call-id", ack.CallID())
		return
	}
	d.ReceiveAck(ack)
}

func (c *Core) handleDialogConfirmed(d *dialog.Dialog) {
	id, ok := d.FullID()
	if !ok {
		return
	}
	c.mu.Lock()
	delete(c.earlyDialogs, d.EarlyID())
	c.dialogs[id] = d
	c.mu.Unlock()
	c.refreshDialogMetrics()
	if c.cb.DialogConfirmed != nil {
		c.cb.DialogConfirmed(d)
	}
}

// handleDialogClosed removes d from whichever table holds it and fires
// DialogClosed exactly once: removeDialog reports false on a dialog
// already removed, which keeps this safe to call redundantly from both a
// dialog's own Closed callback and this core's own direct transitions
// (CANCEL, RespondInvite final).
func (c *Core) handleDialogClosed(d *dialog.Dialog) {
	if !c.removeDialog(d) {
		return
	}
	if c.cb.DialogClosed != nil {
		c.cb.DialogClosed(d)
	}
}

func (c *Core) removeDialog(d *dialog.Dialog) bool {
	removed := false
	c.mu.Lock()
	if _, ok := c.earlyDialogs[d.EarlyID()]; ok {
		delete(c.earlyDialogs, d.EarlyID())
		removed = true
	}
	if id, ok := d.FullID(); ok {
		if _, ok2 := c.dialogs[id]; ok2 {
			delete(c.dialogs, id)
			removed = true
		}
	}
	c.mu.Unlock()
	if removed {
		c.refreshDialogMetrics()
	}
	return removed
}

func (c *Core) refreshDialogMetrics() {
	c.mu.RLock()
	early := len(c.earlyDialogs)
	confirmed := len(c.dialogs)
	c.mu.RUnlock()
	c.metrics.earlyDialogsActive.Set(float64(early))
	c.metrics.dialogsActive.Set(float64(confirmed))
}

// fullDialogIDFromRequest builds the full dialog id an inbound in-dialog
// request (or confirming ACK) carries: our own tag is in To, the peer's is
// in From - the mirror image of Dialog.fullIDLocked for the accepting
// role. Returns false if either tag (or Call-ID) is missing, meaning the
// request cannot claim an existing dialog.
func fullDialogIDFromRequest(req *sip.Request) (string, bool) {
	to := req.To()
	from := req.From()
	cid := req.CallID()
	if to == nil || from == nil || cid == nil {
		return "", false
	}
	toTag, _ := to.Params.Get("tag")
	fromTag, _ := from.Params.Get("tag")
	if toTag == "" || fromTag == "" {
		return "", false
	}
	return string(*cid) + ":" + toTag + ":" + fromTag, true
}

// fullDialogIDFromResponse mirrors fullDialogIDFromRequest for a response
// to our own initiating INVITE: our tag is in From, the peer's in To.
func fullDialogIDFromResponse(res *sip.Response) (string, bool) {
	to := res.To()
	from := res.From()
	cid := res.CallID()
	if to == nil || from == nil || cid == nil {
		return "", false
	}
	localTag, _ := from.Params.Get("tag")
	remoteTag, _ := to.Params.Get("tag")
	if localTag == "" || remoteTag == "" {
		return "", false
	}
	return string(*cid) + ":" + localTag + ":" + remoteTag, true
}

// earlyIDForInbound computes the "a:" early id an inbound INVITE is
// tracked under before it is confirmed, mirroring Dialog.earlyIDLocked for
// the accepting role.
func earlyIDForInbound(req *sip.Request) string {
	cid := ""
	if c := req.CallID(); c != nil {
		cid = string(*c)
	}
	tag := ""
	if from := req.From(); from != nil {
		tag, _ = from.Params.Get("tag")
	}
	return "a:" + cid + ":" + tag
}

var errNotAccepting = sipErr("core: dialog has no accepting server transaction")

type sipErr string

func (e sipErr) Error() string { return string(e) }
