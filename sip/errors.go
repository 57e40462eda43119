package sip

import "errors"

// ErrDialogOutsideDialog is returned when a dialog id is requested from a
// message missing one of Call-ID/From/To, meaning it cannot belong to a
// dialog at all.
var ErrDialogOutsideDialog = errors.New("sip: message carries no dialog-identifying headers")
