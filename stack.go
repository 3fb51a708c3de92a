// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package softphone

import (
	"github.com/emiago/sipgo/sip"
)

// ServerTx is opaque inbound transaction handle owned by Stack.
type ServerTx any

// Dialog is opaque dialog handle owned by Stack.
type Dialog interface {
	ID() string
}

// Stack is SIP transaction and transport layer.
// It delivers events to handler, possibly from many goroutines at once.
type Stack interface {
	// Serve starts delivering events to handler. It does not block.
	Serve(handler func(ev Event)) error
	// Send starts client transaction. Responses, timeout or transport
	// errors are delivered as events.
	Send(req *sip.Request) error
	// Respond sends response on server transaction
	Respond(tx ServerTx, res *sip.Response) error
	// DialogFor returns dialog created by inbound INVITE transaction.
	// It returns nil if no dialog can be formed.
	DialogFor(tx ServerTx) Dialog
	// SendAck acknowledges 2xx in dialog
	SendAck(d Dialog) error
	// SendBye terminates dialog
	SendBye(d Dialog) error
	// Close releases signaling endpoint
	Close() error
}
