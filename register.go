// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package softphone

import (
	"strconv"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
)

const (
	// DefaultExpiry is requested registration expiry
	DefaultExpiry = 3600 * time.Second
)

// registerGate is released once with final registration outcome.
// Only one gate is installed at time, newer call overwrites it.
type registerGate struct {
	done chan struct{}
	once sync.Once
	ok   bool
}

func newRegisterGate() *registerGate {
	return &registerGate{
		done: make(chan struct{}),
	}
}

func (g *registerGate) resolve(ok bool) {
	g.once.Do(func() {
		g.ok = ok
		close(g.done)
	})
}

// Register registers contact with DefaultExpiry and waits up to timeout
// for final outcome. It returns true if agent is registered.
// Timeout is not an error, it returns false.
func (u *UserAgent) Register(timeout time.Duration) (bool, error) {
	if u.closed.Load() {
		return false, ErrAgentClosed
	}
	return u.sendRegister(DefaultExpiry, timeout)
}

// Unregister sends REGISTER with zero expiry. It returns true
// if registrar confirmed removal.
func (u *UserAgent) Unregister(timeout time.Duration) (bool, error) {
	if u.closed.Load() {
		return false, ErrAgentClosed
	}
	return u.sendRegister(0, timeout)
}

func (u *UserAgent) sendRegister(expires time.Duration, timeout time.Duration) (bool, error) {
	if timeout < 0 {
		return false, ErrInvalidTimeout
	}

	gate := newRegisterGate()
	u.registerGate.Store(gate)
	u.authAttempts.Delete(u.regCallID)

	req := u.buildRegister(expires)
	if err := u.send(req); err != nil {
		u.registerGate.CompareAndSwap(gate, nil)
		return false, err
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-gate.done:
	case <-t.C:
		u.registerGate.CompareAndSwap(gate, nil)
		u.log.Warn().Dur("timeout", timeout).Msg("Register response timeout")
		return false, nil
	}

	registered := u.Registered()
	return gate.ok && registered == (expires > 0), nil
}

func (u *UserAgent) buildRegister(expires time.Duration) *sip.Request {
	aor := u.identity.URI()
	req := sip.NewRequest(sip.REGISTER, u.identity.RegistrarURI())

	from := sip.FromHeader{
		Address: aor,
		Params:  sip.NewParams().Add("tag", u.regFromTag),
	}
	to := sip.ToHeader{
		Address: aor,
		Params:  sip.NewParams(),
	}
	callID := sip.CallIDHeader(u.regCallID)
	seconds := uint32(expires / time.Second)

	contact := u.contact
	contact.Params = sip.NewParams().Add("expires", strconv.Itoa(int(seconds)))
	exp := sip.ExpiresHeader(seconds)
	maxFwd := sip.MaxForwardsHeader(70)
	contentLen := sip.ContentLengthHeader(0)

	req.AppendHeader(&from)
	req.AppendHeader(&to)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: u.cseq.Add(1), MethodName: sip.REGISTER})
	req.AppendHeader(&maxFwd)
	req.AppendHeader(&contact)
	req.AppendHeader(&exp)
	req.AppendHeader(sip.NewHeader("User-Agent", u.name))
	req.AppendHeader(&contentLen)
	return req
}

func (u *UserAgent) handleRegisterResponse(ev ResponseEvent) {
	res := ev.Response
	if ev.Kind == ResponseProvisional {
		return
	}

	gate := u.registerGate.Load()
	if ev.Kind == ResponseSuccess {
		u.authAttempts.Delete(u.regCallID)
		expiry := effectiveExpiry(res, u.Registered())
		u.setRegistration(expiry > 0, expiry)
		u.metrics.registration("success")
		u.log.Info().Dur("expiry", expiry).Msg("Register completed")
		u.resolveRegister(gate, true)
		return
	}

	if isChallenge(res) {
		if u.retryWithAuth(ev) {
			return
		}
		u.log.Error().Int("status", int(res.StatusCode)).Msg("Register authentication failed")
	} else {
		u.log.Error().Int("status", int(res.StatusCode)).Str("reason", res.Reason).Msg("Register rejected")
	}

	u.authAttempts.Delete(u.regCallID)
	u.setRegistration(false, 0)
	u.metrics.registration("failure")
	u.resolveRegister(gate, false)
}

// failRegister resolves outstanding registration on transport failure
func (u *UserAgent) failRegister(reason string) {
	gate := u.registerGate.Load()
	if gate == nil {
		return
	}
	u.log.Error().Str("reason", reason).Msg("Register transport failure")
	u.setRegistration(false, 0)
	u.metrics.registration(reason)
	u.resolveRegister(gate, false)
}

func (u *UserAgent) resolveRegister(gate *registerGate, ok bool) {
	if gate == nil {
		return
	}
	gate.resolve(ok)
	u.registerGate.CompareAndSwap(gate, nil)
}

func (u *UserAgent) setRegistration(registered bool, expiry time.Duration) {
	u.regMu.Lock()
	defer u.regMu.Unlock()
	u.registered = registered
	u.expiry = expiry
}

// effectiveExpiry reads Expires header, then Contact expires param.
// Without both it keeps prior state with DefaultExpiry.
func effectiveExpiry(res *sip.Response, registered bool) time.Duration {
	if h := res.GetHeader("Expires"); h != nil {
		if v, err := strconv.Atoi(h.Value()); err == nil {
			return time.Duration(v) * time.Second
		}
	}

	if cont := res.Contact(); cont != nil && cont.Params != nil {
		if e, ok := cont.Params.Get("expires"); ok {
			if v, err := strconv.Atoi(e); err == nil {
				return time.Duration(v) * time.Second
			}
		}
	}

	if registered {
		return DefaultExpiry
	}
	return 0
}
