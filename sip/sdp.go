package sip

import (
	"fmt"

	"github.com/pion/sdp/v3"
)

// ValidateSDP parses body as an SDP session description and checks the
// structural invariants RFC 4566 - 5 requires of every session-level
// description this stack hands to or accepts from a peer: a version line,
// an origin line, a session name, and at least one media description (this
// stack never originates offerless/answerless bodies).
//
// It does not validate codec semantics or attribute values; that is left to
// the application building the body.
func ValidateSDP(body []byte) (*sdp.SessionDescription, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal(body); err != nil {
		return nil, fmt.Errorf("invalid SDP body: %w", err)
	}

	if desc.Origin.Username == "" && desc.Origin.SessionID == 0 {
		return nil, fmt.Errorf("invalid SDP body: missing origin (o=) line")
	}
	if desc.SessionName == "" {
		return nil, fmt.Errorf("invalid SDP body: missing session name (s=) line")
	}
	if len(desc.MediaDescriptions) == 0 {
		return nil, fmt.Errorf("invalid SDP body: no media descriptions (m=)")
	}

	// RFC 4566 - 5.7: if there is no session-level connection line, every
	// media description must supply its own.
	if desc.ConnectionInformation == nil {
		for i, md := range desc.MediaDescriptions {
			if md.ConnectionInformation == nil {
				return nil, fmt.Errorf("invalid SDP body: media section %d missing connection (c=) line and no session-level default", i)
			}
		}
	}

	return &desc, nil
}

// IsSDP reports whether a Content-Type header names the SDP media type, the
// check used before attempting ValidateSDP on a message body.
func IsSDP(ct *ContentTypeHeader) bool {
	if ct == nil {
		return false
	}
	return ASCIIToLower(string(*ct)) == "application/sdp"
}
