package core

import (
	"sync"
	"time"

	"github.com/sipstack/sipstack/sip"
)

// RegistrationCallbacks are the application hooks the persistent
// registration loop raises (SPEC_FULL.md §4.7.2).
type RegistrationCallbacks struct {
	// RegistrationChanged fires every time is_registered flips.
	RegistrationChanged func(registered bool, err error)
}

// registration is the core's persistent-REGISTER state (SPEC_FULL.md
// §4.7.2), grounded on the teacher's deleted ua.go auto-refresh goroutine,
// redesigned to ride the core's own tick instead of owning a timer.
type registration struct {
	registrar    sip.Uri
	account      sip.Uri
	contact      sip.Uri
	expiresWant  uint32
	cb           RegistrationCallbacks

	mu         sync.Mutex
	callID     string
	cseq       uint32
	active     bool
	registered bool
	nextAction time.Time
	lastErr    error
}

// defaultRegistrationExpires is the Expires this core asks for absent any
// override (SPEC_FULL.md §4.7.2).
const defaultRegistrationExpires = 60

// registrationRetryInterval is how long the loop waits after a failed
// REGISTER before trying again (SPEC_FULL.md §4.7.2).
const registrationRetryInterval = time.Minute

// registrationRefreshFraction schedules the next REGISTER at this fraction
// of the granted Expires, so a momentary delay doesn't let the binding
// lapse (SPEC_FULL.md §4.7.2: "schedule refresh at 90%").
const registrationRefreshFraction = 0.9

// StartAutoRegistration begins (or replaces) the persistent REGISTER loop
// against registrarURI on behalf of accountURI. It sends the initial
// REGISTER synchronously so the caller learns the first outcome, then the
// core's own tick keeps it refreshed.
func (c *Core) StartAutoRegistration(registrarURI, accountURI sip.Uri, cb RegistrationCallbacks) error {
	c.mu.Lock()
	if c.reg != nil && c.reg.active {
		c.mu.Unlock()
		_ = c.StopAutoRegistration()
		c.mu.Lock()
	}
	r := &registration{
		registrar:   registrarURI,
		account:     accountURI,
		contact:     c.cfg.LocalContact,
		expiresWant: defaultRegistrationExpires,
		cb:          cb,
		callID:      string(sip.GenerateCallID()),
		cseq:        sip.GenerateCSeq(),
		active:      true,
	}
	c.reg = r
	c.mu.Unlock()

	return c.doRegister(r, r.expiresWant)
}

// StopAutoRegistration sends a final REGISTER with Expires: 0 and ends the
// refresh loop (SPEC_FULL.md §4.7.2).
func (c *Core) StopAutoRegistration() error {
	c.mu.Lock()
	r := c.reg
	c.mu.Unlock()
	if r == nil {
		return nil
	}
	r.mu.Lock()
	r.active = false
	r.mu.Unlock()
	return c.doRegister(r, 0)
}

// IsRegistered reports the last known registration outcome.
func (c *Core) IsRegistered() bool {
	c.mu.Lock()
	r := c.reg
	c.mu.Unlock()
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registered
}

// tickRegistration drives the refresh/retry schedule from the core's
// background tick.
func (c *Core) tickRegistration(now time.Time) {
	c.mu.Lock()
	r := c.reg
	c.mu.Unlock()
	if r == nil {
		return
	}
	r.mu.Lock()
	active := r.active
	due := !r.nextAction.IsZero() && !now.Before(r.nextAction)
	r.mu.Unlock()
	if !active || !due {
		return
	}
	go func() {
		if err := c.doRegister(r, r.expiresWant); err != nil {
			c.log.Debug("registration refresh failed", "err", err)
		}
	}()
}

// doRegister builds, sends (with transparent auth retry), and processes
// the response of a single REGISTER with the given Expires.
func (c *Core) doRegister(r *registration, expires uint32) error {
	r.mu.Lock()
	r.cseq++
	cseq := r.cseq
	callID := r.callID
	r.mu.Unlock()

	req := sip.NewRequest(sip.REGISTER, r.registrar)

	to := sip.ToHeader{Address: r.account, Params: sip.NewParams()}
	req.AppendHeader(&to)
	from := sip.FromHeader{Address: r.account, Params: sip.NewParams()}
	from.Params.Add("tag", sip.GenerateTag())
	req.AppendHeader(&from)
	cid := sip.CallIDHeader(callID)
	req.AppendHeader(&cid)
	cseqHdr := sip.CSeqHeader{SeqNo: cseq, MethodName: sip.REGISTER}
	req.AppendHeader(&cseqHdr)
	contact := sip.ContactHeader{Address: r.contact}
	req.AppendHeader(&contact)
	exp := sip.ExpiresHeader(expires)
	req.AppendHeader(&exp)
	mf := sip.MaxForwardsHeader(70)
	req.AppendHeader(&mf)
	if c.cfg.UserAgent != "" {
		req.AppendHeader(sip.NewHeader("User-Agent", c.cfg.UserAgent))
	}

	res, err := c.request(req, nil)

	var (
		registered bool
		granted    uint32
		outErr     error
	)
	switch {
	case err != nil:
		outErr = err
	case res.IsSuccess():
		registered = expires > 0
		granted = registeredExpires(res, expires)
	default:
		outErr = &registrationError{status: res.StatusCode, reason: res.Reason}
	}

	r.mu.Lock()
	wasRegistered := r.registered
	r.registered = registered
	r.lastErr = outErr
	if !r.active {
		r.nextAction = time.Time{}
	} else if outErr != nil {
		r.nextAction = time.Now().Add(registrationRetryInterval)
	} else {
		wait := time.Duration(float64(granted) * registrationRefreshFraction * float64(time.Second))
		if wait <= 0 {
			wait = registrationRetryInterval
		}
		r.nextAction = time.Now().Add(wait)
	}
	cb := r.cb
	r.mu.Unlock()

	c.metrics.registrationRefresh.WithLabelValues(registrationOutcome(outErr)).Inc()

	if registered != wasRegistered && cb.RegistrationChanged != nil {
		cb.RegistrationChanged(registered, outErr)
	}
	return outErr
}

// registeredExpires reads the Expires the registrar actually granted,
// falling back to what was requested if the response carries none (common
// for registrars that only echo it on the Contact parameter, which this
// module does not parse out per SPEC_FULL.md §1's header-field scope).
func registeredExpires(res *sip.Response, requested uint32) uint32 {
	if h := res.GetHeader("Expires"); h != nil {
		if eh, ok := h.(*sip.ExpiresHeader); ok {
			return uint32(*eh)
		}
	}
	return requested
}

func registrationOutcome(err error) string {
	if err == nil {
		return "success"
	}
	return "failure"
}

type registrationError struct {
	status int
	reason string
}

func (e *registrationError) Error() string {
	return "core: registration rejected: " + itoaStatus(e.status) + " " + e.reason
}

func itoaStatus(status int) string {
	if status == 0 {
		return "0"
	}
	digits := [3]byte{}
	n := status
	for i := 2; i >= 0 && n > 0; i-- {
		digits[i] = byte('0' + n%10)
		n /= 10
	}
	return string(digits[:])
}
