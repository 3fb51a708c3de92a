// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package call

import (
	"context"
	"sync"
	"time"

	"github.com/looplab/fsm"
)

type Direction int

const (
	Outgoing Direction = iota
	Incoming
)

func (d Direction) String() string {
	switch d {
	case Outgoing:
		return "outgoing"
	case Incoming:
		return "incoming"
	}
	return "unknown"
}

type State int

const (
	Ringing State = iota
	Active
)

func (s State) String() string {
	switch s {
	case Ringing:
		return "ringing"
	case Active:
		return "active"
	}
	return "unknown"
}

const (
	stateRinging = "ringing"
	stateActive  = "active"

	eventActivate = "activate"
)

// Session is single call with remote peer. Fields are guarded by mu,
// and state transitions are driven by fsm.
type Session struct {
	peer      string
	direction Direction
	createdAt time.Time

	mu     sync.Mutex
	dialog any
	// removed is set once session is deleted from registry
	removed bool
	fsm     *fsm.FSM
}

func newSession(peer string, dir Direction, now time.Time) *Session {
	return &Session{
		peer:      peer,
		direction: dir,
		createdAt: now,
		fsm: fsm.NewFSM(
			stateRinging,
			fsm.Events{
				{Name: eventActivate, Src: []string{stateRinging}, Dst: stateActive},
			},
			fsm.Callbacks{},
		),
	}
}

// activate must be called with mu held.
// Returns true only when state changed.
func (s *Session) activate() (bool, error) {
	if s.fsm.Is(stateActive) {
		return false, nil
	}
	if err := s.fsm.Event(context.Background(), eventActivate); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Session) state() State {
	if s.fsm.Is(stateActive) {
		return Active
	}
	return Ringing
}

// Snapshot returns copy of current session values
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot()
}

func (s *Session) snapshot() Snapshot {
	return Snapshot{
		Peer:      s.peer,
		Direction: s.direction,
		State:     s.state(),
		Dialog:    s.dialog,
		CreatedAt: s.createdAt,
	}
}

// Snapshot is immutable view of session.
type Snapshot struct {
	Peer      string
	Direction Direction
	State     State
	// Dialog is opaque handle owned by signaling stack. Nil until call is confirmed.
	Dialog    any
	CreatedAt time.Time
}
