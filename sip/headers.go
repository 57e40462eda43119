package sip

import (
	"io"
	"strconv"
	"strings"
)

// Header is a single SIP header field.
type Header interface {
	// Name returns the canonical header name ("Via", "Call-ID", ...).
	Name() string
	Value() string
	String() string
	StringWrite(buffer io.StringWriter)
	headerClone() Header
}

// CopyHeader clones a header value. Headers embedded by pointer (Via,
// Contact, Route, Record-Route) walk their linked list; everything else is
// a value copy.
func CopyHeader(h Header) Header {
	if h == nil {
		return nil
	}
	return h.headerClone()
}

// headers holds the ordered header list plus fast cached pointers to the
// handful of headers every layer above this package dereferences on most
// messages. The cache is populated lazily by append/replace/remove so the
// accessors never have to scan.
type headers struct {
	headerOrder []Header

	via           *ViaHeader
	from          *FromHeader
	to            *ToHeader
	callid        *CallIDHeader
	contact       *ContactHeader
	cseq          *CSeqHeader
	contentLength *ContentLengthHeader
	contentType   *ContentTypeHeader
	route         *RouteHeader
	recordRoute   *RecordRouteHeader
}

func (hs *headers) Headers() []Header {
	return hs.headerOrder
}

func (hs *headers) CloneHeaders() []Header {
	out := make([]Header, len(hs.headerOrder))
	for i, h := range hs.headerOrder {
		out[i] = CopyHeader(h)
	}
	return out
}

// cache records header into the appropriate fast-path slot, if it is one of
// the cached types. Called on append/prepend/replace.
func (hs *headers) cache(h Header) {
	switch v := h.(type) {
	case *ViaHeader:
		if hs.via == nil {
			hs.via = v
		}
	case *FromHeader:
		if hs.from == nil {
			hs.from = v
		}
	case *ToHeader:
		if hs.to == nil {
			hs.to = v
		}
	case *CallIDHeader:
		if hs.callid == nil {
			hs.callid = v
		}
	case *ContactHeader:
		if hs.contact == nil {
			hs.contact = v
		}
	case *CSeqHeader:
		if hs.cseq == nil {
			hs.cseq = v
		}
	case *ContentLengthHeader:
		if hs.contentLength == nil {
			hs.contentLength = v
		}
	case *ContentTypeHeader:
		if hs.contentType == nil {
			hs.contentType = v
		}
	case *RouteHeader:
		if hs.route == nil {
			hs.route = v
		}
	case *RecordRouteHeader:
		if hs.recordRoute == nil {
			hs.recordRoute = v
		}
	}
}

// uncache clears the fast-path slot for a header's type, used whenever that
// header is removed so a stale pointer never outlives its owner.
func (hs *headers) uncache(name string) {
	switch HeaderToLower(name) {
	case "via", "v":
		hs.via = nil
	case "from", "f":
		hs.from = nil
	case "to", "t":
		hs.to = nil
	case "call-id", "i":
		hs.callid = nil
	case "contact", "m":
		hs.contact = nil
	case "cseq":
		hs.cseq = nil
	case "content-length", "l":
		hs.contentLength = nil
	case "content-type", "c":
		hs.contentType = nil
	case "route":
		hs.route = nil
	case "record-route":
		hs.recordRoute = nil
	}
}

func (hs *headers) CallID() *CallIDHeader               { return hs.callid }
func (hs *headers) Via() *ViaHeader                     { return hs.via }
func (hs *headers) From() *FromHeader                   { return hs.from }
func (hs *headers) To() *ToHeader                       { return hs.to }
func (hs *headers) CSeq() *CSeqHeader                   { return hs.cseq }
func (hs *headers) ContentLength() *ContentLengthHeader { return hs.contentLength }
func (hs *headers) ContentType() *ContentTypeHeader     { return hs.contentType }
func (hs *headers) Contact() *ContactHeader             { return hs.contact }
func (hs *headers) Route() *RouteHeader                 { return hs.route }
func (hs *headers) RecordRoute() *RecordRouteHeader     { return hs.recordRoute }

// AppendHeader adds a header as the last header field.
func (hs *headers) AppendHeader(h Header) {
	hs.headerOrder = append(hs.headerOrder, h)
	hs.cache(h)
}

// PrependHeader adds headers as the first header fields, in the given order.
func (hs *headers) PrependHeader(h ...Header) {
	hs.headerOrder = append(h, hs.headerOrder...)
	for _, header := range h {
		hs.cache(header)
	}
}

// AppendHeaderAfter inserts header immediately after the last header field
// matching name, or at the end if name is not found.
func (hs *headers) AppendHeaderAfter(header Header, name string) {
	name = HeaderToLower(name)
	insertAt := -1
	for i, h := range hs.headerOrder {
		if HeaderToLower(h.Name()) == name {
			insertAt = i
		}
	}
	if insertAt < 0 {
		hs.AppendHeader(header)
		return
	}

	hs.headerOrder = append(hs.headerOrder, nil)
	copy(hs.headerOrder[insertAt+2:], hs.headerOrder[insertAt+1:])
	hs.headerOrder[insertAt+1] = header
	hs.cache(header)
}

// ReplaceHeader replaces the first header field with the same name as
// header with header itself, preserving position. If no header with that
// name exists, it is appended.
func (hs *headers) ReplaceHeader(header Header) {
	name := HeaderToLower(header.Name())
	for i, h := range hs.headerOrder {
		if HeaderToLower(h.Name()) == name {
			hs.headerOrder[i] = header
			hs.uncache(name)
			hs.cache(header)
			return
		}
	}
	hs.AppendHeader(header)
}

// RemoveHeader removes all header fields matching name.
func (hs *headers) RemoveHeader(name string) {
	lname := HeaderToLower(name)
	out := hs.headerOrder[:0]
	for _, h := range hs.headerOrder {
		if HeaderToLower(h.Name()) == lname {
			continue
		}
		out = append(out, h)
	}
	hs.headerOrder = out
	hs.uncache(lname)
}

// GetHeaders returns every header field with the given name, in order.
func (hs *headers) GetHeaders(name string) []Header {
	lname := HeaderToLower(name)
	var out []Header
	for _, h := range hs.headerOrder {
		if HeaderToLower(h.Name()) == lname {
			out = append(out, h)
		}
	}
	return out
}

// GetHeader returns the first header field with the given name, or nil.
func (hs *headers) GetHeader(name string) Header {
	lname := HeaderToLower(name)
	for _, h := range hs.headerOrder {
		if HeaderToLower(h.Name()) == lname {
			return h
		}
	}
	return nil
}

func (hs *headers) StringWrite(buffer io.StringWriter) {
	for _, h := range hs.headerOrder {
		h.StringWrite(buffer)
		buffer.WriteString("\r\n")
	}
}

// CopyHeaders copies every header field named name from src to dst,
// appending each as a fresh clone so mutating one message never affects the
// other.
func CopyHeaders(name string, src, dst Message) {
	for _, h := range src.GetHeaders(name) {
		dst.AppendHeader(CopyHeader(h))
	}
}

// GenericHeader is used for any header field this package does not give a
// dedicated type (Subject, Supported, Allow, User-Agent-like extensions...).
type GenericHeader struct {
	HeaderName string
	Contents   string
}

// NewHeader builds a GenericHeader for an unrecognized header name.
func NewHeader(name, value string) Header {
	return &GenericHeader{HeaderName: name, Contents: value}
}

func (h *GenericHeader) Name() string  { return h.HeaderName }
func (h *GenericHeader) Value() string { return h.Contents }
func (h *GenericHeader) String() string {
	return h.HeaderName + ": " + h.Contents
}
func (h *GenericHeader) StringWrite(buffer io.StringWriter) {
	buffer.WriteString(h.HeaderName)
	buffer.WriteString(": ")
	buffer.WriteString(h.Contents)
}
func (h *GenericHeader) headerClone() Header {
	if h == nil {
		return nil
	}
	c := *h
	return &c
}

// ToHeader is the To header field (RFC 3261 - 20.39).
type ToHeader struct {
	DisplayName string
	Address     Uri
	Params      HeaderParams
}

func (h *ToHeader) Name() string { return "To" }
func (h *ToHeader) Value() string {
	var sb strings.Builder
	h.valueWrite(&sb)
	return sb.String()
}
func (h *ToHeader) String() string {
	var sb strings.Builder
	h.StringWrite(&sb)
	return sb.String()
}
func (h *ToHeader) StringWrite(buffer io.StringWriter) {
	buffer.WriteString(h.Name())
	buffer.WriteString(": ")
	h.valueWrite(buffer)
}
func (h *ToHeader) valueWrite(buffer io.StringWriter) {
	if h.DisplayName != "" {
		buffer.WriteString("\"")
		buffer.WriteString(h.DisplayName)
		buffer.WriteString("\" ")
	}
	buffer.WriteString("<")
	h.Address.StringWrite(buffer)
	buffer.WriteString(">")
	if h.Params != nil && h.Params.Length() > 0 {
		buffer.WriteString(";")
		buffer.WriteString(h.Params.ToString(';'))
	}
}
func (h *ToHeader) headerClone() Header {
	if h == nil {
		return nil
	}
	c := *h
	c.Address = *h.Address.Clone()
	c.Params = h.Params.Clone()
	return &c
}

// FromHeader is the From header field (RFC 3261 - 20.20).
type FromHeader struct {
	DisplayName string
	Address     Uri
	Params      HeaderParams
}

func (h *FromHeader) Name() string { return "From" }
func (h *FromHeader) Value() string {
	var sb strings.Builder
	h.valueWrite(&sb)
	return sb.String()
}
func (h *FromHeader) String() string {
	var sb strings.Builder
	h.StringWrite(&sb)
	return sb.String()
}
func (h *FromHeader) StringWrite(buffer io.StringWriter) {
	buffer.WriteString(h.Name())
	buffer.WriteString(": ")
	h.valueWrite(buffer)
}
func (h *FromHeader) valueWrite(buffer io.StringWriter) {
	if h.DisplayName != "" {
		buffer.WriteString("\"")
		buffer.WriteString(h.DisplayName)
		buffer.WriteString("\" ")
	}
	buffer.WriteString("<")
	h.Address.StringWrite(buffer)
	buffer.WriteString(">")
	if h.Params != nil && h.Params.Length() > 0 {
		buffer.WriteString(";")
		buffer.WriteString(h.Params.ToString(';'))
	}
}
func (h *FromHeader) headerClone() Header {
	if h == nil {
		return nil
	}
	c := *h
	c.Address = *h.Address.Clone()
	c.Params = h.Params.Clone()
	return &c
}

// ContactHeader is the Contact header field (RFC 3261 - 20.10). Multiple
// Contact values on one line are chained through Next.
type ContactHeader struct {
	DisplayName string
	Address     Uri
	Params      HeaderParams
	Next        *ContactHeader
}

func (h *ContactHeader) Name() string { return "Contact" }
func (h *ContactHeader) Value() string {
	var sb strings.Builder
	h.valueWrite(&sb)
	return sb.String()
}
func (h *ContactHeader) String() string {
	var sb strings.Builder
	h.StringWrite(&sb)
	return sb.String()
}
func (h *ContactHeader) StringWrite(buffer io.StringWriter) {
	buffer.WriteString(h.Name())
	buffer.WriteString(": ")
	h.valueWrite(buffer)
}
func (h *ContactHeader) valueWrite(buffer io.StringWriter) {
	for cur := h; cur != nil; cur = cur.Next {
		if cur != h {
			buffer.WriteString(", ")
		}
		if cur.Address.Wildcard {
			buffer.WriteString("*")
			continue
		}
		if cur.DisplayName != "" {
			buffer.WriteString("\"")
			buffer.WriteString(cur.DisplayName)
			buffer.WriteString("\" ")
		}
		buffer.WriteString("<")
		cur.Address.StringWrite(buffer)
		buffer.WriteString(">")
		if cur.Params != nil && cur.Params.Length() > 0 {
			buffer.WriteString(";")
			buffer.WriteString(cur.Params.ToString(';'))
		}
	}
}

// cloneFirst clones only this ContactHeader node, dropping Next, which is
// what callers want when pulling a single Contact out of a chain.
func (h *ContactHeader) cloneFirst() *ContactHeader {
	if h == nil {
		return nil
	}
	c := *h
	c.Address = *h.Address.Clone()
	c.Params = h.Params.Clone()
	c.Next = nil
	return &c
}

func (h *ContactHeader) headerClone() Header {
	if h == nil {
		return nil
	}
	first := h.cloneFirst()
	if h.Next != nil {
		first.Next = h.Next.headerClone().(*ContactHeader)
	}
	return first
}

// CallIDHeader is the Call-ID header field (RFC 3261 - 20.8).
type CallIDHeader string

func (h *CallIDHeader) Name() string  { return "Call-ID" }
func (h *CallIDHeader) Value() string { return string(*h) }
func (h *CallIDHeader) String() string {
	return h.Name() + ": " + h.Value()
}
func (h *CallIDHeader) StringWrite(buffer io.StringWriter) {
	buffer.WriteString(h.Name())
	buffer.WriteString(": ")
	buffer.WriteString(h.Value())
}
func (h *CallIDHeader) headerClone() Header {
	if h == nil {
		return nil
	}
	c := *h
	return &c
}

// CSeqHeader is the CSeq header field (RFC 3261 - 20.16).
type CSeqHeader struct {
	SeqNo      uint32
	MethodName RequestMethod
}

func (h *CSeqHeader) Name() string { return "CSeq" }
func (h *CSeqHeader) Value() string {
	return strconv.FormatUint(uint64(h.SeqNo), 10) + " " + string(h.MethodName)
}
func (h *CSeqHeader) String() string {
	return h.Name() + ": " + h.Value()
}
func (h *CSeqHeader) StringWrite(buffer io.StringWriter) {
	buffer.WriteString(h.Name())
	buffer.WriteString(": ")
	buffer.WriteString(h.Value())
}
func (h *CSeqHeader) headerClone() Header {
	if h == nil {
		return nil
	}
	c := *h
	return &c
}

// MaxForwardsHeader is the Max-Forwards header field (RFC 3261 - 20.22).
type MaxForwardsHeader uint32

func (h *MaxForwardsHeader) Name() string { return "Max-Forwards" }
func (h *MaxForwardsHeader) Value() string {
	return strconv.FormatUint(uint64(*h), 10)
}
func (h *MaxForwardsHeader) String() string {
	return h.Name() + ": " + h.Value()
}
func (h *MaxForwardsHeader) StringWrite(buffer io.StringWriter) {
	buffer.WriteString(h.Name())
	buffer.WriteString(": ")
	buffer.WriteString(h.Value())
}
func (h *MaxForwardsHeader) headerClone() Header {
	if h == nil {
		return nil
	}
	c := *h
	return &c
}

// Dec decrements Max-Forwards and reports whether the message should still
// be forwarded (false once it would hit zero, RFC 3261 - 16.6 step 4).
func (h *MaxForwardsHeader) Dec() bool {
	if *h == 0 {
		return false
	}
	*h--
	return true
}

// ExpiresHeader is the Expires header field (RFC 3261 - 20.19).
type ExpiresHeader uint32

func (h *ExpiresHeader) Name() string { return "Expires" }
func (h *ExpiresHeader) Value() string {
	return strconv.FormatUint(uint64(*h), 10)
}
func (h *ExpiresHeader) String() string {
	return h.Name() + ": " + h.Value()
}
func (h *ExpiresHeader) StringWrite(buffer io.StringWriter) {
	buffer.WriteString(h.Name())
	buffer.WriteString(": ")
	buffer.WriteString(h.Value())
}
func (h *ExpiresHeader) headerClone() Header {
	if h == nil {
		return nil
	}
	c := *h
	return &c
}

// ContentLengthHeader is the Content-Length header field (RFC 3261 - 20.14).
type ContentLengthHeader uint32

func (h *ContentLengthHeader) Name() string { return "Content-Length" }
func (h *ContentLengthHeader) Value() string {
	return strconv.FormatUint(uint64(*h), 10)
}
func (h *ContentLengthHeader) String() string {
	return h.Name() + ": " + h.Value()
}
func (h *ContentLengthHeader) StringWrite(buffer io.StringWriter) {
	buffer.WriteString(h.Name())
	buffer.WriteString(": ")
	buffer.WriteString(h.Value())
}
func (h *ContentLengthHeader) headerClone() Header {
	if h == nil {
		return nil
	}
	c := *h
	return &c
}

// ContentTypeHeader is the Content-Type header field (RFC 3261 - 20.15).
type ContentTypeHeader string

func (h *ContentTypeHeader) Name() string  { return "Content-Type" }
func (h *ContentTypeHeader) Value() string { return string(*h) }
func (h *ContentTypeHeader) String() string {
	return h.Name() + ": " + h.Value()
}
func (h *ContentTypeHeader) StringWrite(buffer io.StringWriter) {
	buffer.WriteString(h.Name())
	buffer.WriteString(": ")
	buffer.WriteString(h.Value())
}
func (h *ContentTypeHeader) headerClone() Header {
	if h == nil {
		return nil
	}
	c := *h
	return &c
}

// ViaHeader is a single Via header field value. Several Via values on one
// line are chained through Next, same convention as ContactHeader.
type ViaHeader struct {
	ProtocolName    string
	ProtocolVersion string
	Transport       string
	Host            string
	Port            int
	Params          HeaderParams
	Next            *ViaHeader
}

func (h *ViaHeader) Name() string { return "Via" }
func (h *ViaHeader) Value() string {
	var sb strings.Builder
	h.valueWrite(&sb)
	return sb.String()
}
func (h *ViaHeader) String() string {
	var sb strings.Builder
	h.StringWrite(&sb)
	return sb.String()
}
func (h *ViaHeader) StringWrite(buffer io.StringWriter) {
	buffer.WriteString(h.Name())
	buffer.WriteString(": ")
	h.valueWrite(buffer)
}
func (h *ViaHeader) valueWrite(buffer io.StringWriter) {
	for cur := h; cur != nil; cur = cur.Next {
		if cur != h {
			buffer.WriteString(", ")
		}
		buffer.WriteString(cur.ProtocolName)
		buffer.WriteString("/")
		buffer.WriteString(cur.ProtocolVersion)
		buffer.WriteString("/")
		buffer.WriteString(cur.Transport)
		buffer.WriteString(" ")
		buffer.WriteString(cur.Host)
		if cur.Port > 0 {
			buffer.WriteString(":")
			buffer.WriteString(strconv.Itoa(cur.Port))
		}
		if cur.Params != nil && cur.Params.Length() > 0 {
			buffer.WriteString(";")
			buffer.WriteString(cur.Params.ToString(';'))
		}
	}
}

// SentBy returns "host:port" as it would appear on the wire, the form used
// to match responses back to the client transaction that sent them.
func (h *ViaHeader) SentBy() string {
	if h.Port > 0 {
		return h.Host + ":" + strconv.Itoa(h.Port)
	}
	return h.Host
}

func (h *ViaHeader) cloneFirst() *ViaHeader {
	if h == nil {
		return nil
	}
	c := *h
	c.Params = h.Params.Clone()
	c.Next = nil
	return &c
}

func (h *ViaHeader) headerClone() Header {
	if h == nil {
		return nil
	}
	first := h.cloneFirst()
	if h.Next != nil {
		first.Next = h.Next.headerClone().(*ViaHeader)
	}
	return first
}

// RouteHeader is a Route header field (RFC 3261 - 20.34).
type RouteHeader struct {
	Address Uri
	Next    *RouteHeader
}

func (h *RouteHeader) Name() string { return "Route" }
func (h *RouteHeader) Value() string {
	var sb strings.Builder
	h.valueWrite(&sb)
	return sb.String()
}
func (h *RouteHeader) String() string {
	var sb strings.Builder
	h.StringWrite(&sb)
	return sb.String()
}
func (h *RouteHeader) StringWrite(buffer io.StringWriter) {
	buffer.WriteString(h.Name())
	buffer.WriteString(": ")
	h.valueWrite(buffer)
}
func (h *RouteHeader) valueWrite(buffer io.StringWriter) {
	for cur := h; cur != nil; cur = cur.Next {
		if cur != h {
			buffer.WriteString(", ")
		}
		buffer.WriteString("<")
		cur.Address.StringWrite(buffer)
		buffer.WriteString(">")
	}
}
func (h *RouteHeader) headerClone() Header {
	if h == nil {
		return nil
	}
	c := *h
	c.Address = *h.Address.Clone()
	c.Next = nil
	if h.Next != nil {
		c.Next = h.Next.headerClone().(*RouteHeader)
	}
	return &c
}

// RecordRouteHeader is a Record-Route header field (RFC 3261 - 20.30).
type RecordRouteHeader struct {
	Address Uri
	Next    *RecordRouteHeader
}

func (h *RecordRouteHeader) Name() string { return "Record-Route" }
func (h *RecordRouteHeader) Value() string {
	var sb strings.Builder
	h.valueWrite(&sb)
	return sb.String()
}
func (h *RecordRouteHeader) String() string {
	var sb strings.Builder
	h.StringWrite(&sb)
	return sb.String()
}
func (h *RecordRouteHeader) StringWrite(buffer io.StringWriter) {
	buffer.WriteString(h.Name())
	buffer.WriteString(": ")
	h.valueWrite(buffer)
}
func (h *RecordRouteHeader) valueWrite(buffer io.StringWriter) {
	for cur := h; cur != nil; cur = cur.Next {
		if cur != h {
			buffer.WriteString(", ")
		}
		buffer.WriteString("<")
		cur.Address.StringWrite(buffer)
		buffer.WriteString(">")
	}
}
func (h *RecordRouteHeader) headerClone() Header {
	if h == nil {
		return nil
	}
	c := *h
	c.Address = *h.Address.Clone()
	c.Next = nil
	if h.Next != nil {
		c.Next = h.Next.headerClone().(*RecordRouteHeader)
	}
	return &c
}
