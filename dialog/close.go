package dialog

import (
	"errors"

	"github.com/sipstack/sipstack/sip"
)

// ErrAlreadyClosing is returned by Close when the dialog is already
// tearing down.
var ErrAlreadyClosing = errors.New("dialog: already closing")

// Close tears the dialog down per its current state (SPEC_FULL.md §4.4.5).
// Every branch either sends something through sender now, or arms the
// dialog so that HandleResponse finishes the job when the pending INVITE's
// outcome arrives.
func (d *Dialog) Close(sender RequestSender) error {
	d.mu.Lock()

	var (
		sendBye    bool
		sendCancel bool
		send410    bool
	)
	alreadyClosing := d.closing || d.state == Closed

	if !alreadyClosing {
		switch d.role {
		case RoleInitiating:
			switch d.state {
			case Confirmed:
				sendBye = true
				d.state = Closed
			case Early:
				sendCancel = true
				d.closing = true
				d.state = ClosePendingFinal
			case Waiting:
				d.closing = true
				d.state = ClosePendingProvisional
			default:
				alreadyClosing = true
			}
		case RoleAccepting:
			switch d.state {
			case Confirmed:
				sendBye = true
				d.state = Closed
			case Early:
				switch {
				case d.finalInvite == nil:
					send410 = true
					d.state = Closed
				case d.finalInvite.IsSuccess():
					// Final already sent but the confirming ACK hasn't
					// arrived yet: wait for it (or its timeout) rather than
					// declaring Closed out from under an ACK that is still
					// in flight - ReceiveAck finishes the job.
					sendBye = true
					d.state = ClosePendingAck
				default:
					d.state = Closed
				}
			default:
				alreadyClosing = true
			}
		}
	}

	req := d.origInvite
	tx := d.serverTx
	cb := d.cb
	// Closed is only ever the state set synchronously by this function for
	// the branches that need no further async step (Confirmed->BYE on
	// either role, accepting Early with no final sent, or a non-success
	// final already sent); the ClosePending* branches leave the firing to
	// HandleResponse/ReceiveAck once the pending outcome resolves.
	fireClosed := !alreadyClosing && d.state == Closed
	d.mu.Unlock()

	if alreadyClosing {
		return ErrAlreadyClosing
	}

	if send410 {
		res := sip.NewResponseFromRequest(req, sip.StatusGone, "Gone", nil)
		if err := tx.Respond(res); err != nil {
			return err
		}
	}
	if sendCancel {
		cancel := sip.NewCancelRequest(req)
		if _, err := sender.Request(cancel, ClientRequestCallbacks{}); err != nil {
			return err
		}
	}
	if sendBye {
		bye := d.NewInDialogRequest(sip.BYE)
		if _, err := sender.Request(bye, ClientRequestCallbacks{}); err != nil {
			return err
		}
	}
	if fireClosed && cb.Closed != nil {
		cb.Closed(d)
	}
	return nil
}
