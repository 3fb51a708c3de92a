// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package softphone

import (
	"math/rand"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/gophone/softphone/call"
	"github.com/stretchr/testify/require"
)

type fakeDialog struct {
	id string
}

func (d *fakeDialog) ID() string { return d.id }

type fakeTx struct {
	req *sip.Request
}

type fakeResponse struct {
	tx  ServerTx
	res *sip.Response
}

// fakeStack records commands. Events are injected with UserAgent.HandleEvent.
type fakeStack struct {
	mu       sync.Mutex
	handler  func(ev Event)
	acks     []Dialog
	byes     []Dialog
	sendErr  error
	// finalErr fails final responses, provisional still pass
	finalErr error
	closed   bool

	sent      chan *sip.Request
	responses chan fakeResponse
	closedCh  chan struct{}
}

func newFakeStack() *fakeStack {
	return &fakeStack{
		sent:      make(chan *sip.Request, 64),
		responses: make(chan fakeResponse, 64),
		closedCh:  make(chan struct{}),
	}
}

func (s *fakeStack) Serve(handler func(ev Event)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = handler
	return nil
}

func (s *fakeStack) Send(req *sip.Request) error {
	s.mu.Lock()
	err := s.sendErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.sent <- req
	return nil
}

func (s *fakeStack) Respond(tx ServerTx, res *sip.Response) error {
	s.mu.Lock()
	err := s.finalErr
	s.mu.Unlock()
	if err != nil && res.StatusCode >= 200 {
		return err
	}
	s.responses <- fakeResponse{tx: tx, res: res}
	return nil
}

func (s *fakeStack) DialogFor(tx ServerTx) Dialog {
	ftx, ok := tx.(*fakeTx)
	if !ok {
		return nil
	}
	return &fakeDialog{id: ftx.req.CallID().Value()}
}

func (s *fakeStack) SendAck(d Dialog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acks = append(s.acks, d)
	return nil
}

func (s *fakeStack) SendBye(d Dialog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byes = append(s.byes, d)
	return nil
}

func (s *fakeStack) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.closedCh)
	}
	return nil
}

func (s *fakeStack) setSendErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErr = err
}

func (s *fakeStack) setFinalErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalErr = err
}

func (s *fakeStack) ackedBye() ([]Dialog, []Dialog) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Dialog(nil), s.acks...), append([]Dialog(nil), s.byes...)
}

func (s *fakeStack) waitSent(t *testing.T) *sip.Request {
	t.Helper()
	select {
	case req := <-s.sent:
		return req
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting sent request")
		return nil
	}
}

func (s *fakeStack) waitResponse(t *testing.T) fakeResponse {
	t.Helper()
	select {
	case r := <-s.responses:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting response")
		return fakeResponse{}
	}
}

func (s *fakeStack) noMoreSent(t *testing.T) {
	t.Helper()
	select {
	case req := <-s.sent:
		t.Fatalf("unexpected request sent: %s", req.StartLine())
	default:
	}
}

type recordObserver struct {
	mu       sync.Mutex
	incoming []string
	active   []string
	ended    []string
}

func (o *recordObserver) IncomingCall(peer string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.incoming = append(o.incoming, peer)
}

func (o *recordObserver) CallActive(peer string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.active = append(o.active, peer)
}

func (o *recordObserver) CallEnded(peer string, byRemote bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ended = append(o.ended, peer+" remote="+strconv.FormatBool(byRemote))
}

var _ call.Observer = (*recordObserver)(nil)

func newTestAgent(t *testing.T, opts ...Option) (*UserAgent, *fakeStack) {
	t.Helper()
	stack := newFakeStack()
	opts = append([]Option{
		WithStack(stack),
		WithLocalAddr("127.0.0.1", 5070),
		WithRand(rand.New(rand.NewSource(1))),
	}, opts...)

	ua, err := NewUserAgent("sip:alice@example.com", "secret", opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ua.stopAudio("")
	})
	return ua, stack
}

// newInbound builds request as received from remote
func newInbound(method sip.RequestMethod, from string, body []byte) *sip.Request {
	var fromURI sip.Uri
	sip.ParseUri(from, &fromURI)
	toURI := sip.Uri{Scheme: "sip", User: "alice", Host: "127.0.0.1", Port: 5070}

	req := sip.NewRequest(method, toURI)
	fromHdr := sip.FromHeader{Address: fromURI, Params: sip.NewParams().Add("tag", "remote-tag")}
	toHdr := sip.ToHeader{Address: toURI, Params: sip.NewParams()}
	callID := sip.CallIDHeader("call-" + from)
	req.AppendHeader(&fromHdr)
	req.AppendHeader(&toHdr)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: method})
	if body != nil {
		req.SetBody(body)
	}
	return req
}

func respondTo(req *sip.Request, code int, reason string) ResponseEvent {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	return ResponseEvent{
		Kind:     ResponseKindOf(code),
		Response: res,
		Request:  req,
	}
}
