// Package router implements the message router (SPEC_FULL.md §4.2): for an
// inbound message, which agent consumes it; for an outbound request, which
// transport and destination binding carries it. Grounded on the teacher's
// deleted transport_layer.go dispatch (onMessage switching on sip.Request
// vs sip.Response) and transaction/layer.go's key-based lookup idiom.
package router

import (
	"net"
	"strconv"

	"github.com/sipstack/sipstack/sip"
	"github.com/sipstack/sipstack/transport"
)

// ClientAgent is the subset of agent.ClientAgent the router dispatches
// responses to.
type ClientAgent interface {
	HandleResponse(res *sip.Response)
}

// ServerAgent is the subset of agent.ServerAgent the router dispatches
// requests to.
type ServerAgent interface {
	HandleRequest(req *sip.Request)
}

// Router selects, for every inbound message, the agent that owns it, and
// for every outbound request, the transport/destination pair to send it on.
type Router struct {
	Transports    *transport.Layer
	ClientAgent   ClientAgent
	ServerAgent   ServerAgent
	OutboundProxy *sip.Uri
}

// New builds a Router over tp. Client/ServerAgent must be set (directly or
// via the struct literal) before traffic starts flowing; core wires them
// after constructing the agents, which is why this isn't a constructor arg.
func New(tp *transport.Layer) *Router {
	r := &Router{Transports: tp}
	tp.OnMessage(r.Route)
	return r
}

// Route is the transport.Layer message handler: it dispatches responses to
// the client agent and requests to the server agent. The per-transaction
// retransmit-vs-new-transaction split happens inside ServerAgent itself
// (SPEC_FULL.md §4.6), not here - the router's job stops at message kind.
func (r *Router) Route(msg sip.Message) {
	switch m := msg.(type) {
	case *sip.Response:
		if r.ClientAgent != nil {
			r.ClientAgent.HandleResponse(m)
		}
	case *sip.Request:
		if r.ServerAgent != nil {
			r.ServerAgent.HandleRequest(m)
		}
	}
}

// SelectTransport resolves req's destination (its Route/Request-URI, or the
// configured outbound proxy override) to a transport + "host:port" binding.
// It returns (nil, "") to signal "no transport available"; callers report
// that as a Go error (agent.ClientAgent.Request and
// dialog's ACK sending both return one).
func (r *Router) SelectTransport(req *sip.Request) (transport.Transport, string) {
	uri := req.Recipient
	if hdr := req.Route(); hdr != nil {
		uri = hdr.Address
	}
	if r.OutboundProxy != nil {
		uri = *r.OutboundProxy
	}

	network := transportNameFor(uri)
	tp := r.Transports.Transport(network)
	if tp == nil {
		return nil, ""
	}

	host := uri.Host
	if ip := net.ParseIP(host); ip == nil {
		// Hostname: a real stack would do SRV/A lookup here and retry on
		// each resolved address in order; this module does a single A
		// lookup, matching the "DNS if necessary" wording of §4.2 without
		// implementing the full RFC 3263 procedure (out of scope per §1's
		// parser/transport contract boundary).
		if addrs, err := net.LookupHost(host); err == nil && len(addrs) > 0 {
			host = addrs[0]
		}
	}

	port := uri.Port
	if port == 0 {
		port = sip.DefaultPort(network)
	}

	return tp, net.JoinHostPort(host, strconv.Itoa(port))
}

// transportNameFor picks the Via transport token for uri: an explicit
// transport= URI parameter wins, otherwise the scheme default (TLS for
// sips:, UDP otherwise).
func transportNameFor(uri sip.Uri) string {
	if uri.UriParams != nil {
		if val, ok := uri.UriParams.Get("transport"); ok && val != "" {
			return sip.ASCIIToUpper(val)
		}
	}
	if uri.IsEncrypted() {
		return sip.TransportTLS
	}
	return sip.DefaultProtocol
}
