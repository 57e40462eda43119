package b2bua

import (
	"github.com/sipstack/sipstack/sip"
)

// nonDialogScopedHeaders are the fields a response-rewrite must NOT copy
// from the far side's message: they are scoped to the dialog that is
// relaying it, not the one that produced it (SPEC_FULL.md §4.8's
// header-cherry-pick rule).
var nonDialogScopedHeaders = map[string]bool{
	"via":          true,
	"from":         true,
	"to":           true,
	"call-id":      true,
	"cseq":         true,
	"contact":      true,
	"record-route": true,
	"route":        true,
}

// defaultForwardedRequest builds the starting point for a request this
// B2BUA forwards onto the opposite leg (SPEC_FULL.md §4.8): a clone of
// orig with every header scoped to the leg it arrived on stripped, so the
// dialog layer on the far side can stamp its own.
func defaultForwardedRequest(orig *sip.Request) *sip.Request {
	fwd := orig.Clone()
	fwd.RemoveHeader("Via")
	fwd.RemoveHeader("Contact")
	fwd.RemoveHeader("Call-ID")
	fwd.RemoveHeader("CSeq")
	fwd.RemoveHeader("Record-Route")
	fwd.RemoveHeader("Route")
	if to := fwd.To(); to != nil {
		to.Params.Remove("tag")
	}
	if from := fwd.From(); from != nil {
		from.Params.Remove("tag")
	}
	return fwd
}

// redirectTarget extracts the Contact URI a 3xx response asks the caller
// to retry (SPEC_FULL.md §4.8), or false if the response carries none.
func redirectTarget(res *sip.Response) (sip.Uri, bool) {
	c := res.Contact()
	if c == nil {
		return sip.Uri{}, false
	}
	return *c.Address.Clone(), true
}

// redirectedRequest rebuilds req for a fresh attempt at target, preserving
// the original To's user-part (SPEC_FULL.md §4.8: "following 3xx redirects
// ... preserving the To's user-part") by leaving To untouched and only
// replacing the Request-URI with the redirect target. Every header scoped
// to the previous attempt's now-closed dialog is stripped so the next
// CreateDialog call starts clean.
func redirectedRequest(req *sip.Request, target sip.Uri) *sip.Request {
	next := req.Clone()
	next.Recipient = *target.Clone()
	next.RemoveHeader("Via")
	next.RemoveHeader("Call-ID")
	next.RemoveHeader("CSeq")
	next.RemoveHeader("Contact")
	if from := next.From(); from != nil {
		from.Params.Remove("tag")
	}
	if to := next.To(); to != nil {
		to.Params.Remove("tag")
	}
	return next
}

// copyNonDialogHeaders appends every header field on src whose name is not
// in nonDialogScopedHeaders onto dst (names in that set are always skipped,
// whatever dst already carries), then replaces dst's body with src's
// (SPEC_FULL.md §4.8's cherry-pick rule).
func copyNonDialogHeaders(src, dst sip.Message) {
	for _, h := range src.Headers() {
		name := sip.HeaderToLower(h.Name())
		if nonDialogScopedHeaders[name] {
			continue
		}
		dst.AppendHeader(sip.CopyHeader(h))
	}
	dst.SetBody(src.Body())
}

// buildAcceptingResponse constructs the response sent to origInvite's own
// transaction from farRes, the final response observed on the opposite
// leg (SPEC_FULL.md §4.8: "copying body + non-dialog headers from the
// far-side 2xx onto a template built from the client-side INVITE" -
// generalized here to any final response, 2xx or not, since the rule is
// identical either way). contact, if non-zero, overrides the Contact this
// side presents; otherwise none is added (non-2xx/provisional responses
// don't need one and the dialog layer's own Contact still applies to
// later in-dialog traffic).
func buildAcceptingResponse(origInvite *sip.Request, farRes *sip.Response, contact sip.Uri) *sip.Response {
	res := sip.NewResponseFromRequest(origInvite, farRes.StatusCode, farRes.Reason, farRes.Body())
	copyNonDialogHeaders(farRes, res)
	if contact.Host != "" {
		res.AppendHeader(&sip.ContactHeader{Address: contact})
	}
	return res
}

// buildForwardedResponse is copyNonDialogHeaders's sibling for in-session
// traffic: it rebuilds a response to origReq (the request the relaying
// dialog actually received) using farRes's status/body/extra headers,
// preserving From/To/Call-ID/Via/CSeq from origReq exactly as
// buildAcceptingResponse does for the INVITE case.
func buildForwardedResponse(origReq *sip.Request, farRes *sip.Response) *sip.Response {
	res := sip.NewResponseFromRequest(origReq, farRes.StatusCode, farRes.Reason, farRes.Body())
	copyNonDialogHeaders(farRes, res)
	return res
}
