// Package sip implements the SIP (RFC 3261) message model: URIs, headers,
// requests, responses, a wire parser/serializer and minimal SDP structural
// validation. Transaction state, dialog state and transport I/O live in
// sibling packages; this package only knows how to represent and parse
// messages.
package sip

import "io"

// RequestMethod is a SIP method token (INVITE, BYE, ...).
type RequestMethod string

func (r RequestMethod) String() string { return string(r) }

// Standard SIP methods, RFC 3261 and extensions used by this stack.
const (
	INVITE    RequestMethod = "INVITE"
	ACK       RequestMethod = "ACK"
	CANCEL    RequestMethod = "CANCEL"
	BYE       RequestMethod = "BYE"
	REGISTER  RequestMethod = "REGISTER"
	OPTIONS   RequestMethod = "OPTIONS"
	SUBSCRIBE RequestMethod = "SUBSCRIBE"
	NOTIFY    RequestMethod = "NOTIFY"
	REFER     RequestMethod = "REFER"
	INFO      RequestMethod = "INFO"
	MESSAGE   RequestMethod = "MESSAGE"
	PRACK     RequestMethod = "PRACK"
	UPDATE    RequestMethod = "UPDATE"
	PUBLISH   RequestMethod = "PUBLISH"
)

// StatusCode is a SIP response status code, 100-699.
type StatusCode int

// Status codes this stack generates itself. Everything else travels as a
// plain int + reason phrase supplied by the application.
const (
	StatusTrying               = 100
	StatusRinging              = 180
	StatusOK                   = 200
	StatusMovedTemporarily     = 302
	StatusUnauthorized         = 401
	StatusForbidden            = 403
	StatusRequestTimeout       = 408
	StatusGone                 = 410
	StatusServerInternalError  = 500
	StatusServiceUnavailable   = 503
	StatusServerTimeout        = 504
	StatusCallTransactionNotExist = 481
	StatusRequestTerminated    = 487
	StatusProxyAuthRequired    = 407
	StatusNotImplemented       = 501
	StatusBadRequest           = 400
)

// Transport names, as carried on the wire (Via transport token, uppercase).
const (
	TransportUDP = "UDP"
	TransportTCP = "TCP"
	TransportTLS = "TLS"
	TransportWS  = "WS"
	TransportWSS = "WSS"

	// DefaultProtocol is used when a message carries no explicit transport.
	DefaultProtocol = TransportUDP
)

// IsReliable reports whether a transport name guarantees in-order,
// reliable delivery (TCP/TLS/WS/WSS), as opposed to UDP where the
// transaction layer must retransmit itself.
func IsReliable(transport string) bool {
	switch ASCIIToUpper(transport) {
	case TransportTCP, TransportTLS, TransportWS, TransportWSS:
		return true
	default:
		return false
	}
}

// DefaultPort returns the well-known SIP port for a transport name.
func DefaultPort(transport string) int {
	switch ASCIIToUpper(transport) {
	case TransportTLS, TransportWSS:
		return 5061
	default:
		return 5060
	}
}

// RFC3261BranchMagicCookie identifies RFC 3261-compliant Via branches.
const RFC3261BranchMagicCookie = "z9hG4bK"

// MessageHandler receives a fully parsed, transport-stamped message.
type MessageHandler func(msg Message)

// Message is implemented by *Request and *Response. It exposes the ordered
// header multimap plus cached single-pointer accessors for the headers the
// transaction/dialog/core layers dereference on every message.
type Message interface {
	StartLine() string
	StartLineWrite(io.StringWriter)
	String() string
	StringWrite(io.StringWriter)
	Short() string

	Headers() []Header
	GetHeaders(name string) []Header
	GetHeader(name string) Header
	PrependHeader(header ...Header)
	AppendHeader(header Header)
	AppendHeaderAfter(header Header, name string)
	RemoveHeader(name string)
	ReplaceHeader(header Header)
	CloneHeaders() []Header

	CallID() *CallIDHeader
	Via() *ViaHeader
	From() *FromHeader
	To() *ToHeader
	CSeq() *CSeqHeader
	ContentLength() *ContentLengthHeader
	ContentType() *ContentTypeHeader
	Contact() *ContactHeader
	Route() *RouteHeader
	RecordRoute() *RecordRouteHeader

	Body() []byte
	SetBody(body []byte)

	Transport() string
	SetTransport(tp string)
	Source() string
	SetSource(src string)
	Destination() string
	SetDestination(dest string)
}

// MessageData is the common field set embedded by Request and Response.
type MessageData struct {
	headers
	SipVersion string
	body       []byte
	tp         string

	// src/dest are internal routing hints, not part of the wire form.
	src  string
	dest string
}

func (msg *MessageData) Body() []byte { return msg.body }

// SetBody sets the body and keeps Content-Length synchronized, the way
// every caller in this stack expects (RFC 3261 - 20.14).
func (msg *MessageData) SetBody(body []byte) {
	msg.body = body
	length := ContentLengthHeader(len(body))

	if hdr := msg.ContentLength(); hdr != nil {
		if *hdr == length {
			return
		}
		msg.ReplaceHeader(&length)
		return
	}
	msg.AppendHeader(&length)
}

func (msg *MessageData) Transport() string     { return msg.tp }
func (msg *MessageData) SetTransport(tp string) { msg.tp = tp }
func (msg *MessageData) Source() string        { return msg.src }
func (msg *MessageData) SetSource(src string)  { msg.src = src }
func (msg *MessageData) Destination() string   { return msg.dest }
func (msg *MessageData) SetDestination(dest string) { msg.dest = dest }

// MessageShortString is used only for logging.
func MessageShortString(msg Message) string {
	switch m := msg.(type) {
	case *Request:
		return m.Short()
	case *Response:
		return m.Short()
	}
	return "unknown message type"
}
