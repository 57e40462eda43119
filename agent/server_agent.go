package agent

import (
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/sipstack/sipstack/sip"
	"github.com/sipstack/sipstack/transaction"
	"github.com/sipstack/sipstack/transport"
)

// TransportLookup resolves a Via transport token back to the Transport
// that owns it, so the server agent can hand a ServerTx its send path.
type TransportLookup interface {
	Transport(network string) transport.Transport
}

// ServerAgentCallbacks are the core hooks a new server transaction raises.
type ServerAgentCallbacks struct {
	// OnInviteBegin fires once per new INVITE server transaction, right
	// after 100 Trying has been sent (SPEC_FULL.md §4.6).
	OnInviteBegin func(tx *transaction.ServerTx, req *sip.Request)
	// OnRequest fires once per new non-INVITE server transaction.
	OnRequest func(tx *transaction.ServerTx, req *sip.Request)
	// OnAckTimeout fires when an INVITE server transaction's Timer H
	// expires with no ACK.
	OnAckTimeout func(tx *transaction.ServerTx)
	// OnUncorrelatedAck fires for an ACK to a 2xx, which matches no
	// transaction by design (SPEC_FULL.md §4.3.3) and must be routed to
	// the dialog layer instead.
	OnUncorrelatedAck func(ack *sip.Request)
	// OnTransactionTerminated fires once per server transaction that
	// reaches Terminated, after it has been removed from txs. The core
	// wires this to its transactionsEnded metric.
	OnTransactionTerminated func()
}

// ServerAgent owns server transactions, keyed by the branch of the request
// that created them plus its method (SPEC_FULL.md §4.6).
type ServerAgent struct {
	transports TransportLookup
	cb         ServerAgentCallbacks
	log        *slog.Logger

	mu  sync.RWMutex
	txs map[string]*transaction.ServerTx
}

// NewServerAgent creates an agent that resolves send-path transports
// through transports.
func NewServerAgent(transports TransportLookup, cb ServerAgentCallbacks, log *slog.Logger) *ServerAgent {
	if log == nil {
		log = sip.DefaultLogger()
	}
	return &ServerAgent{
		transports: transports,
		cb:         cb,
		log:        log.With("component", "agent.ServerAgent"),
		txs:        make(map[string]*transaction.ServerTx),
	}
}

// HandleRequest is the router's entry point for every inbound request.
//
// A CANCEL matches no existing transaction even though it carries the same
// branch as the INVITE it cancels (RFC 3261 - 9.2): the method is part of
// the matching rule too (RFC 3261 - 17.2.3), except for ACK to a non-2xx,
// which matches the INVITE transaction's branch directly. So txs is keyed
// by branch+method, and an inbound ACK is looked up under the INVITE's key
// rather than under "ACK".
func (a *ServerAgent) HandleRequest(req *sip.Request) {
	via := req.Via()
	if via == nil {
		a.log.Debug("dropping request with no Via", "req", req.Short())
		return
	}
	applyReceivedRport(req, via)

	branch, _ := via.Params.Get("branch")

	if req.IsAck() {
		key := branch + "|" + string(sip.INVITE)
		a.mu.RLock()
		tx, ok := a.txs[key]
		a.mu.RUnlock()
		if ok {
			tx.ReceiveAck(req)
			return
		}
		// ACK to a 2xx: never matches a transaction (§4.3.3).
		if a.cb.OnUncorrelatedAck != nil {
			a.cb.OnUncorrelatedAck(req)
		}
		return
	}

	key := branch + "|" + string(req.Method)

	if branch != "" {
		a.mu.RLock()
		tx, ok := a.txs[key]
		a.mu.RUnlock()
		if ok {
			tx.ReceiveRequest(req)
			return
		}
	}

	tp := a.transports.Transport(req.Transport())
	if tp == nil {
		a.log.Debug("no transport for inbound request", "transport", req.Transport())
		return
	}
	remote := responseDestination(tp, req, via)

	tx := transaction.NewServerTx(key, req, tp, remote, transaction.ServerTxCallbacks{
		OnAckTimeout: func(t *transaction.ServerTx) {
			if a.cb.OnAckTimeout != nil {
				a.cb.OnAckTimeout(t)
			}
		},
		OnTerminate: func(t *transaction.ServerTx) {
			a.mu.Lock()
			delete(a.txs, t.Key())
			a.mu.Unlock()
			if a.cb.OnTransactionTerminated != nil {
				a.cb.OnTransactionTerminated()
			}
		},
	}, a.log)

	a.mu.Lock()
	a.txs[key] = tx
	a.mu.Unlock()

	tx.Init()

	if req.IsInvite() {
		if a.cb.OnInviteBegin != nil {
			a.cb.OnInviteBegin(tx, req)
		}
	} else if a.cb.OnRequest != nil {
		a.cb.OnRequest(tx, req)
	}
}

// LookupInvite returns the INVITE server transaction that owns branch, for
// the core's inbound-CANCEL handling (RFC 3261 - 9.2): CANCEL is matched to
// the INVITE it cancels by branch, not by its own key.
func (a *ServerAgent) LookupInvite(branch string) (*transaction.ServerTx, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	tx, ok := a.txs[branch+"|"+string(sip.INVITE)]
	return tx, ok
}

// Tick advances every live server transaction's timers.
func (a *ServerAgent) Tick(now time.Time) {
	a.mu.RLock()
	txs := make([]*transaction.ServerTx, 0, len(a.txs))
	for _, tx := range a.txs {
		txs = append(txs, tx)
	}
	a.mu.RUnlock()
	for _, tx := range txs {
		tx.Tick(now)
	}
}

// Count returns the number of live server transactions, for metrics.
func (a *ServerAgent) Count() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.txs)
}

// applyReceivedRport stamps the top Via with received=/rport= per RFC 3581
// and RFC 3261 §18.2.1 (SPEC_FULL.md §4.3.4), mutating req in place.
func applyReceivedRport(req *sip.Request, via *sip.ViaHeader) {
	srcHost, srcPort, err := net.SplitHostPort(req.Source())
	if err != nil {
		return
	}
	if via.Host != srcHost {
		via.Params.Add("received", srcHost)
	} else if ip := net.ParseIP(via.Host); ip == nil {
		// sent-by is a hostname: always stamp received.
		via.Params.Add("received", srcHost)
	}
	if rport, ok := via.Params.Get("rport"); ok && rport == "" {
		via.Params.Add("rport", srcPort)
	}
}

// responseDestination picks the binding this server transaction's
// responses are sent to (SPEC_FULL.md §4.3.4): the request's source on
// stream transports, or maddr/source on packet transports.
func responseDestination(tp transport.Transport, req *sip.Request, via *sip.ViaHeader) string {
	if tp.IsStreaming() {
		return req.Source()
	}
	if maddr, ok := via.Params.Get("maddr"); ok && maddr != "" {
		port := via.Port
		if port == 0 {
			port = sip.DefaultPort(via.Transport)
		}
		return net.JoinHostPort(maddr, itoa(port))
	}
	return req.Source()
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [12]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
