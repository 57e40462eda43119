package transaction

import (
	"log/slog"
	"time"

	"github.com/sipstack/sipstack/sip"
	"github.com/sipstack/sipstack/transport"
)

// ServerTxCallbacks are invoked by the owning agent. Per §5, always
// outside tx.mu.
type ServerTxCallbacks struct {
	// OnAck fires when the ACK to a non-2xx final arrives (matched by
	// branch, SPEC_FULL.md §4.3.3). The 2xx case never reaches here - it
	// is an uncorrelated ACK the core routes straight to the dialog.
	OnAck func(tx *ServerTx, ack *sip.Request)
	// OnAckTimeout fires if Timer H expires with no ACK (INVITE only):
	// "ACK never arrived".
	OnAckTimeout func(tx *ServerTx)
	OnTerminate  func(tx *ServerTx)
}

// ServerTx is a server transaction (RFC 3261 - 17.2): INVITE or
// non-INVITE, selected by origin.IsInvite().
type ServerTx struct {
	commonTx
	isInvite bool
	reliable bool
	cb       ServerTxCallbacks

	lastResponse *sip.Response
	ackRecv      *sip.Request

	timerG, timerH, timerI, timerJ time.Time
	timerGInterval                 time.Duration
}

// NewServerTx creates a server transaction for an inbound request not
// already matched to one. It does not touch the wire until Init is called.
func NewServerTx(branch string, origin *sip.Request, tp transport.Transport, remote string, cb ServerTxCallbacks, log *slog.Logger) *ServerTx {
	if log == nil {
		log = sip.DefaultLogger()
	}
	return &ServerTx{
		commonTx: commonTx{
			key:    branch,
			origin: origin,
			tp:     tp,
			remote: remote,
			log:    log.With("component", "transaction.ServerTx", "branch", branch),
		},
		isInvite: origin.IsInvite(),
		reliable: sip.IsReliable(origin.Transport()),
		cb:       cb,
	}
}

// Init synthesizes a To-tag if missing (SPEC_FULL.md §4.3.2's documented
// SHOULD-NOT-but-required-for-interop deviation) and, for INVITE, sends
// 100 Trying immediately.
func (tx *ServerTx) Init() {
	tx.mu.Lock()
	if tx.isInvite {
		if to := tx.origin.To(); to != nil && !to.Params.Has("tag") {
			to.Params.Add("tag", sip.GenerateTag())
		}
		tx.state = InviteProceeding
	} else {
		tx.state = Trying
	}
	tx.mu.Unlock()

	if tx.isInvite {
		trying := sip.NewResponseFromRequest(tx.origin, sip.StatusTrying, "Trying", nil)
		if err := tx.send(trying); err != nil {
			tx.log.Debug("failed to send 100 Trying", "err", err)
		}
	}
}

// Respond is the application's (or dialog's) way of sending a response on
// this transaction.
func (tx *ServerTx) Respond(res *sip.Response) error {
	tx.mu.Lock()

	var (
		armFinalInvite, armFinalNonInvite, terminate bool
	)

	switch {
	case tx.isInvite:
		switch {
		case res.IsProvisional():
			// stays InviteProceeding; nothing to arm
		case res.IsSuccess():
			tx.state = Terminated
			terminate = true
		default:
			tx.state = InviteCompleted
			armFinalInvite = true
		}
	default:
		if res.IsProvisional() {
			tx.state = Proceeding
		} else {
			tx.state = Completed
			armFinalNonInvite = true
		}
	}
	tx.lastResponse = res

	now := time.Now()
	if armFinalInvite {
		if tx.reliable {
			tx.timerH = now.Add(time.Millisecond) // no ACK will ever retransmit; fire promptly
		} else {
			tx.timerGInterval = TimerG
			tx.timerG = now.Add(tx.timerGInterval)
			tx.timerH = now.Add(TimerH)
		}
	}
	if armFinalNonInvite {
		if tx.reliable {
			tx.timerJ = now.Add(time.Millisecond)
		} else {
			tx.timerJ = now.Add(TimerJ)
		}
	}
	tx.mu.Unlock()

	err := tx.send(res)
	if terminate {
		tx.terminate()
	}
	return err
}

// ReceiveRequest handles a retransmit of the initiating request (matched
// by branch): resend whatever response was last sent, if any.
func (tx *ServerTx) ReceiveRequest(req *sip.Request) {
	tx.mu.Lock()
	last := tx.lastResponse
	state := tx.state
	tx.mu.Unlock()

	if state == Terminated {
		return
	}
	if last != nil {
		if err := tx.send(last); err != nil {
			tx.log.Debug("failed to retransmit response", "err", err)
		}
	}
}

// ReceiveAck handles the ACK to this transaction's non-2xx final response
// (matched by branch, SPEC_FULL.md §4.3.3): InviteCompleted -> InviteConfirmed.
func (tx *ServerTx) ReceiveAck(ack *sip.Request) {
	tx.mu.Lock()
	if tx.state != InviteCompleted {
		tx.mu.Unlock()
		return
	}
	tx.state = InviteConfirmed
	tx.ackRecv = ack
	tx.timerG = time.Time{}
	tx.timerH = time.Time{}
	now := time.Now()
	if tx.reliable {
		tx.timerI = now.Add(time.Millisecond)
	} else {
		tx.timerI = now.Add(TimerI)
	}
	tx.mu.Unlock()

	if tx.cb.OnAck != nil {
		tx.cb.OnAck(tx, ack)
	}
}

// Abort silences further retransmits without sending a response
// (SPEC_FULL.md §4.3.2's "Abort (server)"): it sets Completed/InviteCompleted
// depending on kind and then terminates the transaction at once, so it ends
// in Terminated and does not stay in Completed to absorb retransmits of the
// request. Used when a higher layer
// decided not to answer this transaction at all (e.g. it lost a race).
func (tx *ServerTx) Abort() {
	tx.mu.Lock()
	if tx.isInvite {
		tx.state = InviteCompleted
	} else {
		tx.state = Completed
	}
	tx.mu.Unlock()
	tx.terminate()
}

// Tick evaluates every armed timer against now.
func (tx *ServerTx) Tick(now time.Time) {
	tx.mu.Lock()

	var (
		resendFinal bool
		ackTimeout  bool
		terminate   bool
	)

	if tx.isInvite {
		if !tx.timerG.IsZero() && !now.Before(tx.timerG) {
			resendFinal = true
			tx.timerGInterval *= 2
			if tx.timerGInterval > T2 {
				tx.timerGInterval = T2
			}
			tx.timerG = now.Add(tx.timerGInterval)
		}
		if !tx.timerH.IsZero() && !now.Before(tx.timerH) {
			ackTimeout = tx.state == InviteCompleted
			tx.timerG = time.Time{}
			tx.timerH = time.Time{}
			tx.state = Terminated
			terminate = true
		}
		if !tx.timerI.IsZero() && !now.Before(tx.timerI) {
			tx.timerI = time.Time{}
			tx.state = Terminated
			terminate = true
		}
	} else {
		if !tx.timerJ.IsZero() && !now.Before(tx.timerJ) {
			tx.timerJ = time.Time{}
			tx.state = Terminated
			terminate = true
		}
	}
	last := tx.lastResponse
	tx.mu.Unlock()

	if resendFinal && last != nil {
		if err := tx.send(last); err != nil {
			tx.log.Debug("failed to retransmit final response", "err", err)
		}
	}
	if ackTimeout && tx.cb.OnAckTimeout != nil {
		tx.cb.OnAckTimeout(tx)
	}
	if terminate {
		tx.terminate()
	}
}

func (tx *ServerTx) terminate() {
	tx.mu.Lock()
	if tx.done {
		tx.mu.Unlock()
		return
	}
	tx.done = true
	tx.state = Terminated
	tx.mu.Unlock()

	if tx.cb.OnTerminate != nil {
		tx.cb.OnTerminate(tx)
	}
}

// Terminated reports whether this transaction has reached the absorbing
// Terminated state.
func (tx *ServerTx) Terminated() bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.state == Terminated
}
