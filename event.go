// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package softphone

import (
	"github.com/emiago/sipgo/sip"
)

// Event is raised by Stack and consumed by UserAgent.HandleEvent.
// It is one of RequestEvent, ResponseEvent, TimeoutEvent, IOErrorEvent, DialogTerminatedEvent.
type Event interface {
	event()
}

type RequestKind int

const (
	RequestMessage RequestKind = iota
	RequestInvite
	RequestBye
	RequestAck
	RequestOther
)

func (k RequestKind) String() string {
	switch k {
	case RequestMessage:
		return "message"
	case RequestInvite:
		return "invite"
	case RequestBye:
		return "bye"
	case RequestAck:
		return "ack"
	}
	return "other"
}

// RequestKindOf maps method to dispatch kind
func RequestKindOf(m sip.RequestMethod) RequestKind {
	switch m {
	case sip.MESSAGE:
		return RequestMessage
	case sip.INVITE:
		return RequestInvite
	case sip.BYE:
		return RequestBye
	case sip.ACK:
		return RequestAck
	}
	return RequestOther
}

type ResponseKind int

const (
	ResponseProvisional ResponseKind = iota
	ResponseSuccess
	ResponseRedirect
	ResponseClientError
	ResponseServerError
	ResponseGlobalError
)

func (k ResponseKind) String() string {
	switch k {
	case ResponseProvisional:
		return "provisional"
	case ResponseSuccess:
		return "success"
	case ResponseRedirect:
		return "redirect"
	case ResponseClientError:
		return "client_error"
	case ResponseServerError:
		return "server_error"
	}
	return "global_error"
}

// ResponseKindOf maps status code class to dispatch kind
func ResponseKindOf(statusCode int) ResponseKind {
	switch {
	case statusCode < 200:
		return ResponseProvisional
	case statusCode < 300:
		return ResponseSuccess
	case statusCode < 400:
		return ResponseRedirect
	case statusCode < 500:
		return ResponseClientError
	case statusCode < 600:
		return ResponseServerError
	}
	return ResponseGlobalError
}

// RequestEvent is inbound request.
type RequestEvent struct {
	Kind    RequestKind
	Request *sip.Request
	// Tx is nil for ACK
	Tx ServerTx
	// Dialog is set for in dialog requests when stack knows dialog
	Dialog Dialog
}

// ResponseEvent is response on request sent with Stack.Send.
type ResponseEvent struct {
	Kind     ResponseKind
	Response *sip.Response
	// Request is request this response belongs to
	Request *sip.Request
	// Dialog is set on 2xx to INVITE
	Dialog Dialog
}

// TimeoutEvent is raised when client transaction timed out without final response.
type TimeoutEvent struct {
	Method  sip.RequestMethod
	Request *sip.Request
}

// IOErrorEvent is raised when transport failed for client transaction.
type IOErrorEvent struct {
	Method  sip.RequestMethod
	Request *sip.Request
	Err     error
}

// DialogTerminatedEvent is raised when stack forgets dialog.
type DialogTerminatedEvent struct {
	Dialog Dialog
}

func (RequestEvent) event()          {}
func (ResponseEvent) event()         {}
func (TimeoutEvent) event()          {}
func (IOErrorEvent) event()          {}
func (DialogTerminatedEvent) event() {}
