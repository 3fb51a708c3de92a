// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package softphone

import (
	"errors"
	"fmt"

	"github.com/emiago/sipgo/sip"
	"github.com/gophone/softphone/call"
	"github.com/gophone/softphone/media/sdp"
)

// StartCall sends INVITE with SDP offer and records outgoing ringing call.
// Outcome is observed through call registry.
func (u *UserAgent) StartCall(target string) error {
	if u.closed.Load() {
		return ErrAgentClosed
	}

	uri, err := parseSipURI(target)
	if err != nil {
		return err
	}
	peer := canonicalURI(uri)

	req := u.newRequest(sip.INVITE, uri)
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	req.SetBody(sdp.Encode(u.localIP, u.mediaPort))

	if !u.calls.StartOutgoing(peer) {
		return fmt.Errorf("%w: %s", ErrCallInProgress, peer)
	}

	if err := u.send(req); err != nil {
		u.calls.TerminateLocal(peer)
		u.metrics.call("outgoing", "failed")
		return err
	}
	u.log.Info().Str("peer", peer).Msg("Calling")
	return nil
}

func (u *UserAgent) handleInviteResponse(ev ResponseEvent) {
	res := ev.Response
	to := ev.Request.To()
	if to == nil {
		return
	}
	peer := canonicalURI(to.Address)
	log := u.log.With().Str("peer", peer).Int("status", int(res.StatusCode)).Logger()

	switch ev.Kind {
	case ResponseProvisional:
		log.Debug().Msg("Call progress")
		return

	case ResponseSuccess:
		u.authAttempts.Delete(ev.Request.CallID().Value())

		if _, ok := u.calls.FindByRemote(peer); !ok {
			// Hung up before answer. Confirm and tear down the dialog.
			log.Info().Msg("Answered call no longer wanted, sending BYE")
			if ev.Dialog != nil {
				if err := u.stack.SendAck(ev.Dialog); err != nil {
					log.Error().Err(err).Msg("Failed to send ACK")
				}
				if err := u.stack.SendBye(ev.Dialog); err != nil {
					log.Error().Err(err).Msg("Failed to send BYE")
				}
			}
			return
		}

		if err := sdp.Validate(res.Body()); err != nil {
			log.Debug().Err(err).Msg("Answer SDP does not conform")
		}
		desc := sdp.Decode(res.Body())
		if desc.Valid() {
			u.startAudio(peer, desc.IP, desc.Port)
		} else {
			log.Warn().Msg("Answer has no usable SDP, audio not started")
		}

		if ev.Dialog == nil {
			log.Error().Msg("Answer without dialog, cannot acknowledge")
		} else {
			if err := u.calls.AttachDialog(peer, ev.Dialog); err != nil {
				log.Error().Err(err).Msg("Failed to attach dialog")
			}
			if err := u.stack.SendAck(ev.Dialog); err != nil {
				log.Error().Err(err).Msg("Failed to send ACK")
			}
		}
		u.calls.MarkActive(peer)
		u.metrics.call("outgoing", "answered")
		return
	}

	if isChallenge(res) && u.retryWithAuth(ev) {
		return
	}

	u.authAttempts.Delete(ev.Request.CallID().Value())
	log.Info().Str("reason", res.Reason).Msg("Call failed")
	u.endCall(peer, false)
	u.metrics.call("outgoing", "rejected")
}

// AnswerCall answers pending incoming call with 200 OK and starts audio
// toward caller offer.
func (u *UserAgent) AnswerCall(from string) error {
	peer, err := NormalizeURI(from)
	if err != nil {
		return err
	}

	v, ok := u.pending.LoadAndDelete(peer)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoPendingInvite, peer)
	}
	inv := v.(*pendingInvite)

	if err := sdp.Validate(inv.req.Body()); err != nil {
		u.log.Debug().Err(err).Str("peer", peer).Msg("Offer SDP does not conform")
	}
	desc := sdp.Decode(inv.req.Body())
	if desc.Valid() {
		u.startAudio(peer, desc.IP, desc.Port)
	} else {
		u.log.Warn().Str("peer", peer).Msg("Offer has no usable SDP, audio not started")
	}

	res := sip.NewResponseFromRequest(inv.req, sip.StatusOK, "OK", nil)
	contact := u.contact
	res.AppendHeader(&contact)
	res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	res.SetBody(sdp.Encode(u.localIP, u.mediaPort))
	if err := u.stack.Respond(inv.tx, res); err != nil {
		u.stopAudio(peer)
		u.calls.TerminateLocal(peer)
		u.metrics.call("incoming", "failed")
		return fmt.Errorf("%w: answering: %w", ErrSignaling, err)
	}

	if err := u.calls.AnswerCall(peer); err != nil {
		u.log.Warn().Err(err).Str("peer", peer).Msg("Answer state change failed, marking active")
		u.calls.MarkActive(peer)
	}
	u.metrics.call("incoming", "answered")
	return nil
}

// RejectCall answers pending incoming call with 486 Busy Here
func (u *UserAgent) RejectCall(from string) error {
	peer, err := NormalizeURI(from)
	if err != nil {
		return err
	}

	v, ok := u.pending.LoadAndDelete(peer)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoPendingInvite, peer)
	}
	inv := v.(*pendingInvite)

	res := sip.NewResponseFromRequest(inv.req, sip.StatusBusyHere, "Busy Here", nil)
	respErr := u.stack.Respond(inv.tx, res)

	if err := u.calls.RejectCall(peer); err != nil {
		u.calls.TerminateLocal(peer)
	}
	u.metrics.call("incoming", "rejected")

	if respErr != nil {
		return fmt.Errorf("%w: rejecting: %w", ErrSignaling, respErr)
	}
	return nil
}

// Hangup stops audio owned by peer, sends BYE if call has dialog and removes call.
// Pending incoming call is rejected instead.
func (u *UserAgent) Hangup(target string) error {
	peer, err := NormalizeURI(target)
	if err != nil {
		return err
	}

	u.stopAudio(peer)

	if _, ok := u.pending.Load(peer); ok {
		return u.RejectCall(peer)
	}

	var byeErr error
	if s, ok := u.calls.FindByRemote(peer); ok && s.Dialog != nil {
		if d, ok := s.Dialog.(Dialog); ok {
			if err := u.stack.SendBye(d); err != nil {
				byeErr = fmt.Errorf("%w: sending BYE: %w", ErrSignaling, err)
			}
		}
	}

	u.calls.TerminateLocal(peer)
	u.log.Info().Str("peer", peer).Msg("Call hung up")
	return byeErr
}

// endCall removes call and its resources
func (u *UserAgent) endCall(peer string, byRemote bool) {
	u.stopAudio(peer)
	u.pending.Delete(peer)
	if byRemote {
		u.calls.TerminateByRemote(peer)
		return
	}
	u.calls.TerminateLocal(peer)
}

// peerByDialog finds call using dialog
func (u *UserAgent) peerByDialog(d Dialog) (string, bool) {
	peer := ""
	u.calls.Range(func(s call.Snapshot) bool {
		if sd, ok := s.Dialog.(Dialog); ok && sd == d {
			peer = s.Peer
			return false
		}
		return true
	})
	return peer, peer != ""
}

func isChallenge(res *sip.Response) bool {
	return res.StatusCode == sip.StatusUnauthorized || res.StatusCode == sip.StatusProxyAuthRequired
}

var errAuthBudget = errors.New("authentication retries exhausted")
