// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package call

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrSessionNotFound = errors.New("call session not found")
	ErrInvalidState    = errors.New("call session in invalid state")
	ErrDialogAttached  = errors.New("call session already has dialog")
)

// Observer is notified on call changes. Methods are called outside of any lock.
type Observer interface {
	IncomingCall(peer string)
	CallActive(peer string)
	CallEnded(peer string, byRemote bool)
}

// ObserverFuncs implements Observer with optional funcs
type ObserverFuncs struct {
	OnIncoming func(peer string)
	OnActive   func(peer string)
	OnEnded    func(peer string, byRemote bool)
}

func (o ObserverFuncs) IncomingCall(peer string) {
	if o.OnIncoming != nil {
		o.OnIncoming(peer)
	}
}

func (o ObserverFuncs) CallActive(peer string) {
	if o.OnActive != nil {
		o.OnActive(peer)
	}
}

func (o ObserverFuncs) CallEnded(peer string, byRemote bool) {
	if o.OnEnded != nil {
		o.OnEnded(peer, byRemote)
	}
}

// Registry holds call sessions keyed by normalized peer identity.
// Keys are used as is, normalizing is up to caller.
//
// Operations on different peers never contend on shared lock.
type Registry struct {
	sessions sync.Map
	observer Observer
	log      zerolog.Logger
	now      func() time.Time
}

type Option func(r *Registry)

func WithObserver(o Observer) Option {
	return func(r *Registry) {
		r.observer = o
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(r *Registry) {
		r.log = l
	}
}

// WithClock overrides time source for session creation timestamp
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		observer: ObserverFuncs{},
		log:      log.Logger,
		now:      time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	r.log = r.log.With().Str("caller", "call").Logger()
	return r
}

// StartOutgoing inserts Ringing outgoing session.
// It returns false if session for peer already exists.
func (r *Registry) StartOutgoing(peer string) bool {
	_, loaded := r.sessions.LoadOrStore(peer, newSession(peer, Outgoing, r.now()))
	if loaded {
		r.log.Warn().Str("peer", peer).Msg("Outgoing call not started, session exists")
		return false
	}
	r.log.Info().Str("peer", peer).Msg("Outgoing call ringing")
	return true
}

// AcceptIncoming inserts Ringing incoming session and notifies observer.
// It returns false if session for peer already exists.
func (r *Registry) AcceptIncoming(peer string) bool {
	_, loaded := r.sessions.LoadOrStore(peer, newSession(peer, Incoming, r.now()))
	if loaded {
		r.log.Warn().Str("peer", peer).Msg("Incoming call not accepted, session exists")
		return false
	}
	r.log.Info().Str("peer", peer).Msg("Incoming call ringing")
	r.observer.IncomingCall(peer)
	return true
}

// AttachDialog sets dialog handle on existing session. Handle is set once,
// later attach keeps the first one and returns ErrDialogAttached.
func (r *Registry) AttachDialog(peer string, dialog any) error {
	s, ok := r.load(peer)
	if !ok {
		r.log.Warn().Str("peer", peer).Msg("Attach dialog skipped, no session")
		return ErrSessionNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removed {
		return ErrSessionNotFound
	}
	if s.dialog != nil {
		r.log.Warn().Str("peer", s.peer).Msg("Dialog already attached, keeping first")
		return ErrDialogAttached
	}
	s.dialog = dialog
	return nil
}

// MarkActive moves Ringing session to Active. It does nothing if session
// is already active or absent.
func (r *Registry) MarkActive(peer string) {
	s, ok := r.load(peer)
	if !ok {
		r.log.Debug().Str("peer", peer).Msg("Mark active skipped, no session")
		return
	}

	changed, err := r.activate(s)
	if err != nil {
		r.log.Error().Err(err).Str("peer", peer).Msg("Failed to activate session")
		return
	}
	if changed {
		r.log.Info().Str("peer", peer).Msg("Call active")
		r.observer.CallActive(peer)
	}
}

// AnswerCall moves incoming ringing session to Active.
func (r *Registry) AnswerCall(peer string) error {
	s, ok := r.load(peer)
	if !ok {
		return ErrSessionNotFound
	}

	s.mu.Lock()
	if s.removed {
		s.mu.Unlock()
		return ErrSessionNotFound
	}
	if s.direction != Incoming || s.state() != Ringing {
		st := s.state()
		s.mu.Unlock()
		return fmt.Errorf("answer %s %s call: %w", st, s.direction, ErrInvalidState)
	}
	_, err := s.activate()
	s.mu.Unlock()
	if err != nil {
		return err
	}

	r.log.Info().Str("peer", peer).Msg("Call answered")
	r.observer.CallActive(peer)
	return nil
}

// RejectCall removes incoming ringing session.
func (r *Registry) RejectCall(peer string) error {
	s, ok := r.load(peer)
	if !ok {
		return ErrSessionNotFound
	}

	s.mu.Lock()
	if s.removed {
		s.mu.Unlock()
		return ErrSessionNotFound
	}
	if s.direction != Incoming || s.state() != Ringing {
		st := s.state()
		s.mu.Unlock()
		return fmt.Errorf("reject %s %s call: %w", st, s.direction, ErrInvalidState)
	}
	s.removed = true
	r.sessions.CompareAndDelete(peer, s)
	s.mu.Unlock()

	r.log.Info().Str("peer", peer).Msg("Call rejected")
	r.observer.CallEnded(peer, false)
	return nil
}

// TerminateLocal removes session on local hangup.
func (r *Registry) TerminateLocal(peer string) {
	r.terminate(peer, false)
}

// TerminateByRemote removes session on remote hangup.
func (r *Registry) TerminateByRemote(peer string) {
	r.terminate(peer, true)
}

func (r *Registry) terminate(peer string, byRemote bool) {
	v, ok := r.sessions.LoadAndDelete(peer)
	if !ok {
		return
	}
	s := v.(*Session)
	s.mu.Lock()
	s.removed = true
	s.mu.Unlock()

	r.log.Info().Str("peer", peer).Bool("remote", byRemote).Msg("Call terminated")
	r.observer.CallEnded(peer, byRemote)
}

// FindByRemote returns snapshot of session for peer.
func (r *Registry) FindByRemote(peer string) (Snapshot, bool) {
	s, ok := r.load(peer)
	if !ok {
		return Snapshot{}, false
	}
	return s.Snapshot(), true
}

// Len returns number of sessions. It is not atomic with concurrent writes.
func (r *Registry) Len() int {
	n := 0
	r.sessions.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Range iterates over session snapshots until f returns false
func (r *Registry) Range(f func(s Snapshot) bool) {
	r.sessions.Range(func(_, v any) bool {
		return f(v.(*Session).Snapshot())
	})
}

func (r *Registry) load(peer string) (*Session, bool) {
	v, ok := r.sessions.Load(peer)
	if !ok {
		return nil, false
	}
	return v.(*Session), true
}

func (r *Registry) activate(s *Session) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removed {
		return false, nil
	}
	return s.activate()
}
