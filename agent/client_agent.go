// Package agent implements the client and server agents (SPEC_FULL.md
// §4.5/§4.6): the tables of live transactions an inbound message or
// outbound request is dispatched through, sitting between the router and
// the transaction layer. Grounded on the teacher's deleted
// transaction/layer.go (transactionStore keyed lookup) generation, split
// into two agent-owned tables per SPEC_FULL.md instead of one shared layer.
package agent

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sipstack/sipstack/sip"
	"github.com/sipstack/sipstack/transaction"
	"github.com/sipstack/sipstack/transport"
)

// TransportSelector resolves an outbound request to a transport and
// destination binding (router.Router.SelectTransport).
type TransportSelector interface {
	SelectTransport(req *sip.Request) (transport.Transport, string)
}

// ClientRequestCallbacks are supplied per call to Request.
type ClientRequestCallbacks struct {
	OnProvisional func(res *sip.Response)
	// OnFinal is called exactly once: the real final response, or a
	// synthesized RequestTimeout/ServiceUnavailable on failure.
	OnFinal func(res *sip.Response)
}

// ClientAgent owns client transactions, keyed by the branch it generated
// for each plus the request method (SPEC_FULL.md §4.5).
type ClientAgent struct {
	router TransportSelector
	log    *slog.Logger

	mu    sync.RWMutex
	txs   map[string]*transaction.ClientTx

	cseq atomic.Uint32

	// OnUncorrelatedResponse is invoked for a response that matches no
	// live client transaction - notably a 2xx retransmit to an INVITE
	// whose transaction already terminated (SPEC_FULL.md §4.7.3). The
	// core registers this to route such responses to the dialog layer.
	OnUncorrelatedResponse func(res *sip.Response)

	// OnTransactionTerminated is invoked once per client transaction that
	// reaches Terminated, after it has been removed from txs. The core
	// wires this to its transactionsEnded metric.
	OnTransactionTerminated func()
}

// NewClientAgent creates an agent that resolves transports through router.
func NewClientAgent(router TransportSelector, log *slog.Logger) *ClientAgent {
	if log == nil {
		log = sip.DefaultLogger()
	}
	a := &ClientAgent{
		router: router,
		log:    log.With("component", "agent.ClientAgent"),
		txs:    make(map[string]*transaction.ClientTx),
	}
	a.cseq.Store(sip.GenerateCSeq())
	return a
}

// NextCSeq returns the next CSeq number from this agent's transaction-local
// counter, used for requests sent outside any dialog (SPEC_FULL.md §4.5).
func (a *ClientAgent) NextCSeq() uint32 {
	return a.cseq.Add(1)
}

// Request attaches Max-Forwards/CSeq (if not already set), builds a fresh
// top Via with a unique branch, resolves a transport, and starts a new
// client transaction for req. cb fires for every provisional and exactly
// once for the final outcome.
//
// CANCEL is the one exception (RFC 3261 - 9.1): it is built sharing the
// branch of the INVITE it cancels, so it is never given a fresh Via here -
// sip.NewCancelRequest already copied the original one. Because branch is
// then shared between two live client transactions, the transaction table
// is keyed by branch+method rather than branch alone (RFC 3261 - 17.1.3).
func (a *ClientAgent) Request(req *sip.Request, cb ClientRequestCallbacks) (*transaction.ClientTx, error) {
	if req.GetHeader("Max-Forwards") == nil {
		mf := sip.MaxForwardsHeader(70)
		req.AppendHeader(&mf)
	}
	if req.CSeq() == nil {
		cseq := sip.CSeqHeader{SeqNo: a.NextCSeq(), MethodName: req.Method}
		req.AppendHeader(&cseq)
	}
	if req.CallID() == nil {
		callID := sip.CallIDHeader(sip.GenerateCallID())
		req.AppendHeader(&callID)
	}

	tp, remote := a.router.SelectTransport(req)
	if tp == nil {
		return nil, fmt.Errorf("agent: no transport available for %s", req.Recipient.String())
	}

	var branch string
	if req.Method == sip.CANCEL {
		if via := req.Via(); via != nil {
			branch, _ = via.Params.Get("branch")
		}
	}
	if branch == "" {
		branch = sip.GenerateBranch()
		via := sip.ViaHeader{
			ProtocolName:    "SIP",
			ProtocolVersion: "2.0",
			Transport:       tp.Network(),
			Host:            localHost(tp),
			Port:            localPort(tp),
			Params:          sip.NewParams(),
		}
		via.Params.Add("branch", branch)
		if !tp.IsStreaming() {
			via.Params.Add("rport", "")
		}
		req.PrependHeader(&via)
	}
	req.SetTransport(tp.Network())
	req.SetDestination(remote)

	key := branch + "|" + string(req.Method)

	tx := transaction.NewClientTx(key, req, tp, remote, transaction.ClientTxCallbacks{
		OnProvisional: func(_ *transaction.ClientTx, res *sip.Response) {
			if cb.OnProvisional != nil {
				cb.OnProvisional(res)
			}
		},
		OnFinal: func(_ *transaction.ClientTx, res *sip.Response) {
			if cb.OnFinal != nil {
				cb.OnFinal(res)
			}
		},
		OnTerminate: func(t *transaction.ClientTx) {
			a.mu.Lock()
			delete(a.txs, t.Key())
			a.mu.Unlock()
			if a.OnTransactionTerminated != nil {
				a.OnTransactionTerminated()
			}
		},
	}, a.log)

	a.mu.Lock()
	a.txs[key] = tx
	a.mu.Unlock()

	tx.Init()
	return tx, nil
}

// RequestSync blocks until the final response (or synthesized timeout) is
// available, matching §5's documented suspension point for request().
func (a *ClientAgent) RequestSync(req *sip.Request, onProvisional func(*sip.Response)) (*sip.Response, error) {
	done := make(chan *sip.Response, 1)
	_, err := a.Request(req, ClientRequestCallbacks{
		OnProvisional: onProvisional,
		OnFinal: func(res *sip.Response) {
			done <- res
		},
	})
	if err != nil {
		return nil, err
	}
	res := <-done
	return res, nil
}

// HandleResponse is the router's entry point for every inbound response:
// match by top-Via branch and CSeq (method+number), SPEC_FULL.md §4.3.3.
func (a *ClientAgent) HandleResponse(res *sip.Response) {
	via := res.Via()
	if via == nil {
		return
	}
	branch, _ := via.Params.Get("branch")
	cseq := res.CSeq()
	if branch == "" || cseq == nil {
		return
	}

	key := branch + "|" + string(cseq.MethodName)
	a.mu.RLock()
	tx, ok := a.txs[key]
	a.mu.RUnlock()
	if !ok {
		if a.OnUncorrelatedResponse != nil {
			a.OnUncorrelatedResponse(res)
		}
		return
	}

	origin := tx.Origin()
	if origin.CSeq() == nil || cseq.SeqNo != origin.CSeq().SeqNo {
		// Mismatched CSeq: silently ignored per §4.3.3.
		return
	}

	tx.Receive(res)
}

// Tick advances every live client transaction's timers.
func (a *ClientAgent) Tick(now time.Time) {
	a.mu.RLock()
	txs := make([]*transaction.ClientTx, 0, len(a.txs))
	for _, tx := range a.txs {
		txs = append(txs, tx)
	}
	a.mu.RUnlock()
	for _, tx := range txs {
		tx.Tick(now)
	}
}

// Count returns the number of live client transactions, for metrics.
func (a *ClientAgent) Count() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.txs)
}

func localHost(tp transport.Transport) string {
	host, _, err := splitHostPort(tp.LocalAddr().String())
	if err != nil {
		return tp.LocalAddr().String()
	}
	return host
}

func localPort(tp transport.Transport) int {
	_, port, err := splitHostPort(tp.LocalAddr().String())
	if err != nil {
		return 0
	}
	return port
}
