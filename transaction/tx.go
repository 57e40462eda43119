package transaction

import (
	"context"
	"log/slog"
	"sync"

	"github.com/sipstack/sipstack/sip"
	"github.com/sipstack/sipstack/transport"
)

// commonTx is the field set and send plumbing shared by ClientTx and
// ServerTx, grounded on the teacher's commonTx (transaction/tx.go).
type commonTx struct {
	key    string // branch+"|"+method on both sides (RFC 3261 - 17.1.3 / 17.2.3); the owning agent looks an inbound ACK up under the INVITE transaction's key instead of "ACK"'s
	origin *sip.Request
	tp     transport.Transport
	remote string // "host:port" this transaction talks to

	log *slog.Logger

	mu    sync.Mutex
	state State
	done  bool
}

func (tx *commonTx) Key() string    { return tx.key }
func (tx *commonTx) State() State   { tx.mu.Lock(); defer tx.mu.Unlock(); return tx.state }
func (tx *commonTx) Origin() *sip.Request { return tx.origin }

// send writes msg over tx's transport to tx's remote binding, dialing a
// connection if none is pooled. The caller must not hold tx.mu: dialing a
// streaming transport can block (§5's documented trade-off).
func (tx *commonTx) send(msg sip.Message) error {
	conn, err := tx.tp.GetConnection(tx.remote)
	if err != nil {
		conn, err = tx.tp.CreateConnection(context.Background(), tx.remote)
		if err != nil {
			return err
		}
	}
	return conn.WriteMsg(msg)
}

// sendErrorKind classifies a send failure via the transport package's
// taxonomy, for the caller to decide between a synthesized 503 and a
// synthesized RequestTimeout.
func sendErrorKind(err error) transport.SendErrorKind {
	return transport.ClassifySendError(err)
}
