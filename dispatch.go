// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package softphone

import (
	"fmt"
	"sync/atomic"

	"github.com/emiago/sipgo/sip"
)

// HandleEvent is single entry for stack events. It is safe to call concurrently.
func (u *UserAgent) HandleEvent(ev Event) {
	switch e := ev.(type) {
	case RequestEvent:
		u.handleRequest(e)
	case ResponseEvent:
		u.handleResponse(e)
	case TimeoutEvent:
		u.handleTransactionFailure(e.Method, e.Request, "timeout")
	case IOErrorEvent:
		u.log.Debug().Err(e.Err).Str("method", e.Method.String()).Msg("Transport error")
		u.handleTransactionFailure(e.Method, e.Request, "io_error")
	case DialogTerminatedEvent:
		u.handleDialogTerminated(e)
	default:
		u.log.Warn().Str("event", fmt.Sprintf("%T", ev)).Msg("Unknown event")
	}
}

func (u *UserAgent) handleRequest(e RequestEvent) {
	req := e.Request
	u.metrics.requestReceived(req.Method.String())

	switch e.Kind {
	case RequestMessage:
		u.handleMessage(e)
	case RequestInvite:
		u.handleInvite(e)
	case RequestBye:
		u.handleBye(e)
	case RequestAck:
		u.handleAck(e)
	default:
		if req.Method == sip.OPTIONS {
			u.respond(e, sip.StatusOK, "OK")
			return
		}
		u.respond(e, 405, "Method Not Allowed")
	}
}

func (u *UserAgent) respond(e RequestEvent, code int, reason string) {
	if e.Tx == nil {
		return
	}
	res := sip.NewResponseFromRequest(e.Request, code, reason, nil)
	if err := u.stack.Respond(e.Tx, res); err != nil {
		u.log.Error().Err(err).Str("method", e.Request.Method.String()).Int("status", code).Msg("Failed to respond")
	}
}

func (u *UserAgent) handleMessage(e RequestEvent) {
	u.respond(e, sip.StatusOK, "OK")

	from := senderOf(e.Request)
	body := string(e.Request.Body())
	u.log.Info().Str("from", from).Msg("Message received")
	if u.onMessage != nil {
		u.onMessage(from, body)
	}
}

func (u *UserAgent) handleInvite(e RequestEvent) {
	peer := senderOf(e.Request)
	if err := u.receiveInvite(peer, e); err != nil {
		u.log.Error().Err(err).Str("peer", peer).Msg("Incoming call failed")
		u.respond(e, sip.StatusBusyHere, "Busy Here")
		u.metrics.call("incoming", "busy")
	}
}

func (u *UserAgent) receiveInvite(peer string, e RequestEvent) error {
	if peer == "" {
		return fmt.Errorf("INVITE without valid From")
	}
	if u.closed.Load() {
		return ErrAgentClosed
	}
	if e.Tx == nil {
		return fmt.Errorf("INVITE without transaction")
	}

	ringing := sip.NewResponseFromRequest(e.Request, sip.StatusRinging, "Ringing", nil)
	contact := u.contact
	ringing.AppendHeader(&contact)
	if err := u.stack.Respond(e.Tx, ringing); err != nil {
		return fmt.Errorf("sending 180: %w", err)
	}

	inv := &pendingInvite{tx: e.Tx, req: e.Request}
	if _, loaded := u.pending.LoadOrStore(peer, inv); loaded {
		return fmt.Errorf("%w: invite already pending", ErrCallInProgress)
	}

	// Observer may answer right away, so pending invite is stored before
	if !u.calls.AcceptIncoming(peer) {
		u.pending.CompareAndDelete(peer, inv)
		return ErrCallInProgress
	}

	if d := u.stack.DialogFor(e.Tx); d != nil {
		if err := u.calls.AttachDialog(peer, d); err != nil {
			u.log.Warn().Err(err).Str("peer", peer).Msg("Attaching incoming dialog failed")
		}
	}
	u.log.Info().Str("peer", peer).Msg("Incoming call")
	return nil
}

func (u *UserAgent) handleBye(e RequestEvent) {
	u.respond(e, sip.StatusOK, "OK")

	peer := senderOf(e.Request)
	u.log.Info().Str("peer", peer).Msg("Remote hung up")
	u.endCall(peer, true)
}

// handleAck confirms answered incoming call
func (u *UserAgent) handleAck(e RequestEvent) {
	peer := senderOf(e.Request)
	s, ok := u.calls.FindByRemote(peer)
	if !ok {
		return
	}

	if e.Dialog != nil && s.Dialog == nil {
		if err := u.calls.AttachDialog(peer, e.Dialog); err != nil {
			u.log.Warn().Err(err).Str("peer", peer).Msg("Attaching dialog on ACK failed")
		}
	}
	u.calls.MarkActive(peer)
}

func (u *UserAgent) handleResponse(e ResponseEvent) {
	if e.Request == nil || e.Response == nil {
		return
	}

	switch e.Request.Method {
	case sip.REGISTER:
		u.handleRegisterResponse(e)
	case sip.INVITE:
		u.handleInviteResponse(e)
	default:
		if e.Kind == ResponseProvisional || e.Kind == ResponseSuccess {
			return
		}
		if isChallenge(e.Response) && u.retryWithAuth(e) {
			return
		}
		u.authAttempts.Delete(e.Request.CallID().Value())
		u.log.Warn().
			Str("method", e.Request.Method.String()).
			Int("status", int(e.Response.StatusCode)).
			Str("reason", e.Response.Reason).
			Msg("Request failed")
	}
}

// handleTransactionFailure handles timeout or transport error of client transaction
func (u *UserAgent) handleTransactionFailure(method sip.RequestMethod, req *sip.Request, reason string) {
	switch method {
	case sip.REGISTER, "":
		u.failRegister(reason)
	case sip.INVITE:
		if req == nil || req.To() == nil {
			return
		}
		peer := canonicalURI(req.To().Address)
		u.log.Warn().Str("peer", peer).Str("reason", reason).Msg("Call attempt failed")
		u.endCall(peer, false)
		u.metrics.call("outgoing", reason)
	default:
		u.log.Warn().Str("method", method.String()).Str("reason", reason).Msg("Request failed")
	}
}

// handleDialogTerminated cleans up call whose dialog was dropped by stack,
// like INVITE canceled before answer.
func (u *UserAgent) handleDialogTerminated(e DialogTerminatedEvent) {
	if e.Dialog == nil {
		return
	}
	peer, ok := u.peerByDialog(e.Dialog)
	if !ok {
		return
	}
	u.log.Info().Str("peer", peer).Str("dialog", e.Dialog.ID()).Msg("Dialog terminated")
	u.endCall(peer, true)
}

// retryWithAuth resends challenged request with credentials.
// Returns false when retry budget is exhausted or request can not be built.
func (u *UserAgent) retryWithAuth(e ResponseEvent) bool {
	callID := e.Request.CallID()
	if callID == nil {
		return false
	}

	v, _ := u.authAttempts.LoadOrStore(callID.Value(), new(atomic.Int32))
	n := int(v.(*atomic.Int32).Add(1))
	if n > u.authRetries {
		u.log.Error().Err(errAuthBudget).Str("method", e.Request.Method.String()).Int("attempts", n-1).Msg("Giving up authentication")
		return false
	}

	req, err := u.digestRequest(e.Request, e.Response, n)
	if err != nil {
		u.log.Error().Err(err).Str("method", e.Request.Method.String()).Msg("Failed to build authenticated request")
		return false
	}
	if err := u.send(req); err != nil {
		u.log.Error().Err(err).Msg("Failed to resend authenticated request")
		return false
	}
	u.log.Debug().Str("method", req.Method.String()).Int("attempt", n).Msg("Request resent with credentials")
	return true
}

// senderOf returns normalized From address
func senderOf(req *sip.Request) string {
	from := req.From()
	if from == nil {
		return ""
	}
	return canonicalURI(from.Address)
}
