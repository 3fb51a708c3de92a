// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package softphone

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrStackServing  = errors.New("stack already serving")
	ErrUnknownTx     = errors.New("unknown server transaction")
	ErrUnknownDialog = errors.New("unknown dialog")
)

type StackConfig struct {
	// Transport is udp or tcp. Default udp
	Transport string
	// LocalIP is bind and advertised address
	LocalIP   string
	LocalPort int
	// UserAgent is used for User-Agent header
	UserAgent string
	Logger    *zerolog.Logger
}

// SipgoStack is Stack backed by sipgo transaction and transport layer.
// Dialogs are tracked by Call-ID, as agent holds one dialog per call.
type SipgoStack struct {
	ua     *sipgo.UserAgent
	client *sipgo.Client
	server *sipgo.Server

	transport string
	packet    net.PacketConn
	listener  net.Listener

	ctx    context.Context
	cancel context.CancelFunc

	handler atomic.Pointer[func(ev Event)]
	serving atomic.Bool
	dialogs sync.Map // Call-ID -> *sipgoDialog

	log zerolog.Logger
}

// NewSipgoStack binds signaling endpoint. Serving starts with Serve.
func NewSipgoStack(conf StackConfig) (*SipgoStack, error) {
	transport := strings.ToLower(conf.Transport)
	if transport == "" {
		transport = "udp"
	}
	if transport != "udp" && transport != "tcp" {
		return nil, fmt.Errorf("transport %q not supported", conf.Transport)
	}

	l := log.Logger
	if conf.Logger != nil {
		l = *conf.Logger
	}

	uaOpts := []sipgo.UserAgentOption{sipgo.WithUserAgentHostname(conf.LocalIP)}
	if conf.UserAgent != "" {
		uaOpts = append(uaOpts, sipgo.WithUserAgent(conf.UserAgent))
	}
	ua, err := sipgo.NewUA(uaOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating user agent: %w", err)
	}

	s := &SipgoStack{
		ua:        ua,
		transport: transport,
		log:       l.With().Str("caller", "stack").Logger(),
	}

	hostport := net.JoinHostPort(conf.LocalIP, strconv.Itoa(conf.LocalPort))
	switch transport {
	case "udp":
		s.packet, err = net.ListenPacket("udp", hostport)
	case "tcp":
		s.listener, err = net.Listen("tcp", hostport)
	}
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("binding signaling endpoint %s/%s: %w", hostport, transport, err)
	}

	s.client, err = sipgo.NewClient(ua,
		sipgo.WithClientHostname(conf.LocalIP),
		sipgo.WithClientPort(conf.LocalPort),
		sipgo.WithClientNAT(),
	)
	if err != nil {
		s.closeEndpoint()
		ua.Close()
		return nil, fmt.Errorf("creating client: %w", err)
	}

	s.server, err = sipgo.NewServer(ua)
	if err != nil {
		s.closeEndpoint()
		ua.Close()
		return nil, fmt.Errorf("creating server: %w", err)
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

// LocalAddr returns bound signaling address
func (s *SipgoStack) LocalAddr() net.Addr {
	if s.packet != nil {
		return s.packet.LocalAddr()
	}
	return s.listener.Addr()
}

func (s *SipgoStack) Serve(handler func(ev Event)) error {
	if !s.serving.CompareAndSwap(false, true) {
		return ErrStackServing
	}
	s.handler.Store(&handler)

	srv := s.server
	srv.OnInvite(s.onInvite)
	srv.OnAck(s.onRequest)
	srv.OnBye(s.onBye)
	srv.OnMessage(s.onRequest)
	srv.OnOptions(s.onRequest)
	srv.OnInfo(s.onRequest)
	srv.OnNotify(s.onRequest)
	srv.OnRefer(s.onRequest)
	srv.OnCancel(func(req *sip.Request, tx sip.ServerTransaction) {
		// Matching CANCEL is handled by transaction layer
		if err := tx.Respond(sip.NewResponseFromRequest(req, sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist", nil)); err != nil {
			s.log.Error().Err(err).Msg("Failed to respond CANCEL")
		}
	})

	go func() {
		var err error
		if s.packet != nil {
			err = srv.ServeUDP(s.packet)
		} else {
			err = srv.ServeTCP(s.listener)
		}
		if err != nil && s.ctx.Err() == nil {
			s.log.Error().Err(err).Msg("Serving signaling stopped")
		}
	}()

	// Client reuses listener connection, so wait until transport layer has it
	deadline := time.Now().Add(time.Second)
	for len(s.ua.TransportLayer().ListenPorts(s.transport)) == 0 {
		if time.Now().After(deadline) {
			s.log.Warn().Msg("Listener not reported by transport layer")
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	return nil
}

func (s *SipgoStack) emit(ev Event) {
	h := s.handler.Load()
	if h == nil {
		return
	}
	(*h)(ev)
}

func (s *SipgoStack) onRequest(req *sip.Request, tx sip.ServerTransaction) {
	ev := RequestEvent{
		Kind:    RequestKindOf(req.Method),
		Request: req,
		Dialog:  s.matchDialog(req),
	}
	// ACK has no transaction
	if tx != nil && req.Method != sip.ACK {
		ev.Tx = &sipgoServerTx{tx: tx, req: req, final: make(chan struct{})}
	}
	s.emit(ev)
}

func (s *SipgoStack) onInvite(req *sip.Request, tx sip.ServerTransaction) {
	stx := &sipgoServerTx{tx: tx, req: req, final: make(chan struct{})}

	if d := s.matchDialog(req); d == nil {
		d, err := newServerDialog(req)
		if err != nil {
			s.log.Error().Err(err).Msg("Failed to create dialog from INVITE")
		} else {
			// Responses built from request carry our tag
			to := req.To()
			if to.Params == nil {
				to.Params = sip.NewParams()
			}
			to.Params = to.Params.Add("tag", d.localTag)
			stx.dialog = d
			s.dialogs.Store(d.callID, d)
		}
	}

	// Transaction layer answers CANCEL with 487, dialog is gone from then on
	canceled := make(chan struct{})
	var cancelOnce sync.Once
	tx.OnCancel(func(r *sip.Request) {
		cancelOnce.Do(func() { close(canceled) })
	})

	s.emit(RequestEvent{Kind: RequestInvite, Request: req, Tx: stx})

	// Transaction must live until local answer
	select {
	case <-stx.final:
	case <-canceled:
		s.forgetUnanswered(stx)
	case <-tx.Done():
		s.forgetUnanswered(stx)
	case <-s.ctx.Done():
	}
}

func (s *SipgoStack) forgetUnanswered(stx *sipgoServerTx) {
	if d := stx.dialog; d != nil && !stx.answered.Load() {
		s.forget(d)
	}
}

func (s *SipgoStack) onBye(req *sip.Request, tx sip.ServerTransaction) {
	d := s.matchDialog(req)
	s.emit(RequestEvent{
		Kind:    RequestBye,
		Request: req,
		Tx:      &sipgoServerTx{tx: tx, req: req, final: make(chan struct{})},
		Dialog:  d,
	})
	if d != nil {
		s.forget(d)
	}
}

func (s *SipgoStack) Send(req *sip.Request) error {
	tx, err := s.client.TransactionRequest(s.ctx, req, sipgo.ClientRequestAddVia)
	if err != nil {
		return err
	}
	go s.readTx(req, tx)
	return nil
}

func (s *SipgoStack) readTx(req *sip.Request, tx sip.ClientTransaction) {
	defer tx.Terminate()

	responses := tx.Responses()
	for {
		select {
		case res, more := <-responses:
			if !more {
				responses = nil
				continue
			}
			ev := ResponseEvent{
				Kind:     ResponseKindOf(int(res.StatusCode)),
				Response: res,
				Request:  req,
			}
			if req.Method == sip.INVITE && ev.Kind == ResponseSuccess {
				d, err := newClientDialog(req, res)
				if err != nil {
					s.log.Error().Err(err).Msg("Failed to create dialog from response")
				} else {
					s.dialogs.Store(d.callID, d)
					ev.Dialog = d
				}
			}
			s.emit(ev)

			if res.StatusCode < 200 {
				continue
			}
			if req.Method == sip.BYE {
				if d := s.matchDialog(req); d != nil {
					s.forget(d)
				}
			}
			return

		case <-tx.Done():
			err := tx.Err()
			if err == nil {
				return
			}
			if errors.Is(err, sip.ErrTransactionTimeout) {
				s.emit(TimeoutEvent{Method: req.Method, Request: req})
			} else {
				s.emit(IOErrorEvent{Method: req.Method, Request: req, Err: err})
			}
			if req.Method == sip.BYE {
				if d := s.matchDialog(req); d != nil {
					s.forget(d)
				}
			}
			return

		case <-s.ctx.Done():
			return
		}
	}
}

func (s *SipgoStack) Respond(tx ServerTx, res *sip.Response) error {
	stx, ok := tx.(*sipgoServerTx)
	if !ok {
		return ErrUnknownTx
	}

	if err := stx.tx.Respond(res); err != nil {
		return err
	}

	if res.StatusCode < 200 {
		return nil
	}
	if d := stx.dialog; d != nil {
		if res.StatusCode < 300 {
			stx.answered.Store(true)
		} else {
			s.forget(d)
		}
	}
	stx.finalOnce.Do(func() { close(stx.final) })
	return nil
}

func (s *SipgoStack) DialogFor(tx ServerTx) Dialog {
	stx, ok := tx.(*sipgoServerTx)
	if !ok || stx.dialog == nil {
		return nil
	}
	return stx.dialog
}

func (s *SipgoStack) SendAck(d Dialog) error {
	sd, ok := d.(*sipgoDialog)
	if !ok {
		return ErrUnknownDialog
	}
	ack := sd.makeRequest(sip.ACK)
	return s.client.WriteRequest(ack, sipgo.ClientRequestAddVia)
}

func (s *SipgoStack) SendBye(d Dialog) error {
	sd, ok := d.(*sipgoDialog)
	if !ok {
		return ErrUnknownDialog
	}
	return s.Send(sd.makeRequest(sip.BYE))
}

func (s *SipgoStack) Close() error {
	s.cancel()
	return errors.Join(s.ua.Close(), s.closeEndpoint())
}

func (s *SipgoStack) closeEndpoint() error {
	var err error
	if s.packet != nil {
		err = s.packet.Close()
	}
	if s.listener != nil {
		err = s.listener.Close()
	}
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (s *SipgoStack) matchDialog(req *sip.Request) *sipgoDialog {
	callID := req.CallID()
	if callID == nil {
		return nil
	}
	v, ok := s.dialogs.Load(callID.Value())
	if !ok {
		return nil
	}
	return v.(*sipgoDialog)
}

func (s *SipgoStack) forget(d *sipgoDialog) {
	if s.dialogs.CompareAndDelete(d.callID, d) {
		s.emit(DialogTerminatedEvent{Dialog: d})
	}
}

type sipgoServerTx struct {
	tx  sip.ServerTransaction
	req *sip.Request
	// dialog is set for INVITE
	dialog *sipgoDialog

	answered  atomic.Bool
	final     chan struct{}
	finalOnce sync.Once
}

// sipgoDialog is minimal dialog state to build in dialog ACK and BYE
type sipgoDialog struct {
	callID string

	localURI  sip.Uri
	localTag  string
	remoteURI sip.Uri
	remoteTag string
	// remoteTarget is remote Contact
	remoteTarget sip.Uri

	inviteCSeq uint32
	cseq       atomic.Uint32
}

func (d *sipgoDialog) ID() string {
	return d.callID + ";" + d.localTag + ";" + d.remoteTag
}

func newClientDialog(req *sip.Request, res *sip.Response) (*sipgoDialog, error) {
	from, to, callID, cseq := req.From(), res.To(), req.CallID(), req.CSeq()
	if from == nil || to == nil || callID == nil || cseq == nil {
		return nil, fmt.Errorf("missing dialog headers")
	}

	d := &sipgoDialog{
		callID:       callID.Value(),
		localURI:     from.Address,
		remoteURI:    to.Address,
		remoteTarget: req.Recipient,
		inviteCSeq:   cseq.SeqNo,
	}
	d.localTag, _ = from.Params.Get("tag")
	d.remoteTag, _ = to.Params.Get("tag")
	if cont := res.Contact(); cont != nil {
		d.remoteTarget = cont.Address
	}
	d.cseq.Store(cseq.SeqNo)
	return d, nil
}

func newServerDialog(req *sip.Request) (*sipgoDialog, error) {
	from, to, callID, cseq := req.From(), req.To(), req.CallID(), req.CSeq()
	if from == nil || to == nil || callID == nil || cseq == nil {
		return nil, fmt.Errorf("missing dialog headers")
	}

	d := &sipgoDialog{
		callID:     callID.Value(),
		localURI:   to.Address,
		localTag:   uuid.NewString()[:8],
		remoteURI:  from.Address,
		inviteCSeq: cseq.SeqNo,
	}
	d.remoteTag, _ = from.Params.Get("tag")
	if cont := req.Contact(); cont != nil {
		d.remoteTarget = cont.Address
	} else {
		d.remoteTarget = from.Address
	}
	return d, nil
}

func (d *sipgoDialog) makeRequest(method sip.RequestMethod) *sip.Request {
	trg := d.remoteTarget
	req := sip.NewRequest(method, trg)

	from := sip.FromHeader{
		Address: d.localURI,
		Params:  sip.NewParams().Add("tag", d.localTag),
	}
	to := sip.ToHeader{
		Address: d.remoteURI,
		Params:  sip.NewParams(),
	}
	if d.remoteTag != "" {
		to.Params = to.Params.Add("tag", d.remoteTag)
	}
	callID := sip.CallIDHeader(d.callID)

	seq := d.inviteCSeq
	if method != sip.ACK {
		seq = d.cseq.Add(1)
	}
	maxFwd := sip.MaxForwardsHeader(70)
	contentLen := sip.ContentLengthHeader(0)

	req.AppendHeader(&from)
	req.AppendHeader(&to)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: seq, MethodName: method})
	req.AppendHeader(&maxFwd)
	req.AppendHeader(&contentLen)
	return req
}
