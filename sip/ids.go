package sip

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"sync/atomic"
)

// idEncoding is unpadded base64 with '+' written as '.' and '/' as '-'
// (SPEC_FULL.md §6), so no '=', '+' or '/' appears in a generated id.
var idEncoding = base64.NewEncoding("ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789.-").WithPadding(base64.NoPadding)

// randToken returns n cryptographically random bytes encoded with
// idEncoding: only [A-Za-z0-9.-] appear.
func randToken(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return idEncoding.EncodeToString(b)
}

// GenerateBranch returns a fresh RFC 3261-compliant Via branch parameter:
// the magic cookie followed by a random token unique to this transaction.
func GenerateBranch() string {
	return RFC3261BranchMagicCookie + "-" + randToken(16)
}

// tagCounter is a process-wide 64-bit counter seeded from a cryptographic
// PRNG (SPEC_FULL.md §6), incremented once per generated tag so that two
// tags minted in the same process can never collide even if the system
// clock doesn't advance between them.
var tagCounter uint64

func init() {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	tagCounter = binary.BigEndian.Uint64(b[:])
}

// GenerateTag returns a fresh From/To tag (RFC 3261 - 19.3): the next value
// of the process-wide tag counter, encoded with idEncoding.
func GenerateTag() string {
	v := atomic.AddUint64(&tagCounter, 1)
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return idEncoding.EncodeToString(b[:])
}

// GenerateCallID returns a fresh Call-ID value (RFC 3261 - 8.1.1.4): must be
// globally unique across calls from this UA over time.
func GenerateCallID() string {
	return randToken(16)
}

// GenerateCSeq returns a random nonzero 16-bit seed for a new CSeq space, so
// that a UA restarting does not replay the sequence a peer has already
// seen (RFC 3261 - 8.1.1.5 only requires monotonic increase, this guards
// against accidental reuse across restarts).
func GenerateCSeq() uint32 {
	var b [2]byte
	for {
		if _, err := rand.Read(b[:]); err != nil {
			panic(err)
		}
		if v := binary.BigEndian.Uint16(b[:]); v != 0 {
			return uint32(v)
		}
	}
}

// DialogID identifies a dialog by its three defining components
// (RFC 3261 - 12): Call-ID and the tags each side assigned.
type DialogID = string

// DialogIDMake composes the canonical dialog id string from its parts.
func DialogIDMake(callID, localTag, remoteTag string) DialogID {
	return callID + "__" + localTag + "__" + remoteTag
}

// DialogIDFromResponse builds the dialog id for a UAC, given the request it
// sent and the response establishing (or progressing) the dialog.
func DialogIDFromResponse(req *Request, res *Response) (DialogID, error) {
	callID := req.CallID()
	if callID == nil {
		return "", ErrDialogOutsideDialog
	}
	from := req.From()
	if from == nil {
		return "", ErrDialogOutsideDialog
	}
	localTag, _ := from.Params.Get("tag")

	to := res.To()
	if to == nil {
		return "", ErrDialogOutsideDialog
	}
	remoteTag, _ := to.Params.Get("tag")

	return DialogIDMake(string(*callID), localTag, remoteTag), nil
}

// DialogIDFromRequestUAS builds the dialog id a UAS uses to look up a
// dialog for an in-dialog request it received (local=To, remote=From).
func DialogIDFromRequestUAS(req *Request) (DialogID, error) {
	return getDialogIDFromMessage(req, true)
}

// DialogIDFromRequestUAC builds the dialog id a UAC uses for a request it
// is about to send or has sent within an existing dialog.
func DialogIDFromRequestUAC(req *Request) (DialogID, error) {
	return getDialogIDFromMessage(req, false)
}

func getDialogIDFromMessage(req *Request, uas bool) (DialogID, error) {
	callID := req.CallID()
	if callID == nil {
		return "", ErrDialogOutsideDialog
	}

	from := req.From()
	if from == nil {
		return "", ErrDialogOutsideDialog
	}
	to := req.To()
	if to == nil {
		return "", ErrDialogOutsideDialog
	}

	fromTag, _ := from.Params.Get("tag")
	toTag, _ := to.Params.Get("tag")

	if uas {
		return DialogIDMake(string(*callID), toTag, fromTag), nil
	}
	return DialogIDMake(string(*callID), fromTag, toTag), nil
}
