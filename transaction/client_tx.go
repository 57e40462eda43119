package transaction

import (
	"log/slog"
	"time"

	"github.com/sipstack/sipstack/sip"
	"github.com/sipstack/sipstack/transport"
)

// ClientTxCallbacks are invoked by the owning agent after a ClientTx
// finishes processing an input. Per §5's shared-resource policy, every
// call happens with tx.mu released.
type ClientTxCallbacks struct {
	// OnProvisional is called for each 1xx passed up.
	OnProvisional func(tx *ClientTx, res *sip.Response)
	// OnFinal is called exactly once, for the final response (2xx or
	// 3xx-6xx for INVITE; any final for non-INVITE) or for a synthesized
	// RequestTimeout/ServiceUnavailable response on failure.
	OnFinal func(tx *ClientTx, res *sip.Response)
	// OnTerminate is called once, when the transaction reaches Terminated.
	OnTerminate func(tx *ClientTx)
}

// ClientTx is a client transaction (RFC 3261 - 17.1): INVITE or
// non-INVITE, selected by origin.IsInvite().
type ClientTx struct {
	commonTx
	isInvite bool
	reliable bool
	cb       ClientTxCallbacks

	ackRequest *sip.Request // INVITE only, built on a non-2xx final

	// Timer deadlines; zero time means inactive.
	timerA, timerB, timerD time.Time
	timerAInterval         time.Duration

	timerE, timerF, timerK time.Time
	timerEInterval         time.Duration
}

// NewClientTx creates a client transaction for origin, which must already
// carry its final Via/branch/CSeq (the owning agent's job, SPEC_FULL.md
// §4.5). It does not send anything until Init is called.
func NewClientTx(branch string, origin *sip.Request, tp transport.Transport, remote string, cb ClientTxCallbacks, log *slog.Logger) *ClientTx {
	if log == nil {
		log = sip.DefaultLogger()
	}
	tx := &ClientTx{
		commonTx: commonTx{
			key:    branch,
			origin: origin,
			tp:     tp,
			remote: remote,
			log:    log.With("component", "transaction.ClientTx", "branch", branch),
		},
		isInvite: origin.IsInvite(),
		reliable: sip.IsReliable(origin.Transport()),
		cb:       cb,
	}
	return tx
}

// Init sends the initiating request and arms the first round of timers.
func (tx *ClientTx) Init() {
	tx.mu.Lock()
	if tx.isInvite {
		tx.state = InviteCalling
	} else {
		tx.state = Trying
	}
	now := time.Now()
	if tx.isInvite {
		if !tx.reliable {
			tx.timerAInterval = TimerA
			tx.timerA = now.Add(tx.timerAInterval)
		}
		tx.timerB = now.Add(TimerB)
	} else {
		if !tx.reliable {
			tx.timerEInterval = TimerE
			tx.timerE = now.Add(tx.timerEInterval)
		}
		tx.timerF = now.Add(TimerF)
	}
	tx.mu.Unlock()

	if err := tx.send(tx.origin); err != nil {
		tx.fail(err)
	}
}

// Receive delivers a response already matched to this transaction (branch
// + CSeq, SPEC_FULL.md §4.3.3) by the owning agent.
func (tx *ClientTx) Receive(res *sip.Response) {
	tx.mu.Lock()

	var (
		doProvisional bool
		doFinal       bool
		doSendAck     bool
		terminate     bool
	)

	switch {
	case tx.isInvite:
		switch tx.state {
		case InviteCalling, InviteProceeding:
			switch {
			case res.IsProvisional():
				tx.state = InviteProceeding
				doProvisional = true
			case res.IsSuccess():
				tx.state = Terminated
				doFinal = true
				terminate = true
			default:
				tx.state = InviteCompleted
				tx.ackRequest = sip.NewAckRequestNon2xx(tx.origin, res, nil)
				doSendAck = true
				doFinal = true
				tx.timerA = time.Time{}
				tx.timerB = time.Time{}
				if tx.reliable {
					tx.timerD = time.Now().Add(time.Millisecond) // fire on next tick
				} else {
					tx.timerD = time.Now().Add(TimerD)
				}
			}
		case InviteCompleted:
			// Retransmitted final response while waiting for Timer D: send
			// the ACK again, nothing new to pass up.
			if !res.IsSuccess() {
				doSendAck = true
			}
		}
	default:
		switch tx.state {
		case Trying, Proceeding:
			switch {
			case res.IsProvisional():
				tx.state = Proceeding
				doProvisional = true
			default:
				tx.state = Completed
				doFinal = true
				tx.timerE = time.Time{}
				tx.timerF = time.Time{}
				if tx.reliable {
					tx.timerK = time.Now().Add(time.Millisecond)
				} else {
					tx.timerK = time.Now().Add(TimerK)
				}
			}
		case Completed:
			// Retransmitted final response: absorbed silently.
		}
	}

	ack := tx.ackRequest
	tx.mu.Unlock()

	if doSendAck && ack != nil {
		if err := tx.send(ack); err != nil {
			tx.log.Debug("failed to send ACK for non-2xx final", "err", err)
		}
	}
	if doProvisional && tx.cb.OnProvisional != nil {
		tx.cb.OnProvisional(tx, res)
	}
	if doFinal && tx.cb.OnFinal != nil {
		tx.cb.OnFinal(tx, res)
	}
	if terminate {
		tx.terminate()
	}
}

// Tick evaluates every armed timer against now, firing at most one action
// per timer per call.
func (tx *ClientTx) Tick(now time.Time) {
	tx.mu.Lock()

	var (
		resend       bool
		failTimeout  bool
		terminate    bool
	)

	if tx.isInvite {
		if !tx.timerA.IsZero() && !now.Before(tx.timerA) {
			resend = true
			tx.timerAInterval *= 2
			tx.timerA = now.Add(tx.timerAInterval)
		}
		if !tx.timerB.IsZero() && !now.Before(tx.timerB) {
			failTimeout = true
			tx.timerA = time.Time{}
			tx.timerB = time.Time{}
			tx.state = Terminated
			terminate = true
		}
		if !tx.timerD.IsZero() && !now.Before(tx.timerD) {
			tx.timerD = time.Time{}
			tx.state = Terminated
			terminate = true
		}
	} else {
		if !tx.timerE.IsZero() && !now.Before(tx.timerE) {
			resend = true
			tx.timerEInterval *= 2
			if tx.timerEInterval > T2 {
				tx.timerEInterval = T2
			}
			tx.timerE = now.Add(tx.timerEInterval)
		}
		if !tx.timerF.IsZero() && !now.Before(tx.timerF) {
			failTimeout = true
			tx.timerE = time.Time{}
			tx.timerF = time.Time{}
			tx.state = Terminated
			terminate = true
		}
		if !tx.timerK.IsZero() && !now.Before(tx.timerK) {
			tx.timerK = time.Time{}
			tx.state = Terminated
			terminate = true
		}
	}
	origin := tx.origin
	tx.mu.Unlock()

	if resend {
		if err := tx.send(origin); err != nil {
			tx.fail(err)
			return
		}
	}
	if failTimeout {
		res := sip.NewResponseFromRequest(origin, sip.StatusRequestTimeout, "Request Timeout", nil)
		if tx.cb.OnFinal != nil {
			tx.cb.OnFinal(tx, res)
		}
	}
	if terminate {
		tx.terminate()
	}
}

// fail synthesizes a final response from a transport send failure
// (SPEC_FULL.md §7): ServiceUnavailable for a rejection/other error,
// RequestTimeout for a send-time timeout.
func (tx *ClientTx) fail(err error) {
	tx.mu.Lock()
	tx.state = Terminated
	origin := tx.origin
	tx.mu.Unlock()

	var res *sip.Response
	if sendErrorKind(err) == transport.SendErrorTimedOut {
		res = sip.NewResponseFromRequest(origin, sip.StatusRequestTimeout, "Request Timeout", nil)
	} else {
		res = sip.NewResponseFromRequest(origin, sip.StatusServiceUnavailable, "Service Unavailable", nil)
	}
	if tx.cb.OnFinal != nil {
		tx.cb.OnFinal(tx, res)
	}
	tx.terminate()
}

func (tx *ClientTx) terminate() {
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
func (tx *ClientTx) Terminated() bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.state == Terminated
}
