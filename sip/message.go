package sip

import (
	uuid "github.com/satori/go.uuid"
)

// MessageID is an opaque correlation id attached by callers that need to
// track a message through logs independent of Call-ID/CSeq (e.g. router
// tracing). It plays no part in SIP semantics.
type MessageID string

// NextMessageID returns a fresh random MessageID.
func NextMessageID() MessageID {
	return MessageID(uuid.Must(uuid.NewV4()).String())
}
