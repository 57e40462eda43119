package transaction

import (
	"github.com/sipstack/sipstack/sip"
)

// newTestRequest builds a minimal, well-formed request of method over udp,
// with a fresh branch/Call-ID/tags, the way a client agent would before
// handing it to NewClientTx/NewServerTx.
func newTestRequest(method sip.RequestMethod) (*sip.Request, string) {
	req := sip.NewRequest(method, sip.Uri{User: "bob", Host: "biloxi.com"})
	req.SetTransport(sip.TransportUDP)

	branch := sip.GenerateBranch()
	req.AppendHeader(&sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "UDP",
		Host:            "pc33.atlanta.com",
		Port:            5060,
		Params:          sip.HeaderParams{{K: "branch", V: branch}},
	})
	callID := sip.CallIDHeader(sip.GenerateCallID())
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.FromHeader{
		Address: sip.Uri{User: "alice", Host: "atlanta.com"},
		Params:  sip.HeaderParams{{K: "tag", V: sip.GenerateTag()}},
	})
	req.AppendHeader(&sip.ToHeader{Address: sip.Uri{User: "bob", Host: "biloxi.com"}})
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: method})
	req.AppendHeader(&sip.ContactHeader{Address: sip.Uri{User: "alice", Host: "pc33.atlanta.com"}})

	return req, branch
}
