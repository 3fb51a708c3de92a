// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package softphone

import (
	"errors"
	"math/rand"
	"os"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	lev, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil || lev == zerolog.NoLevel {
		lev = zerolog.InfoLevel
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro
	log.Logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.StampMicro,
	}).With().Timestamp().Logger().Level(lev)

	os.Exit(m.Run())
}

func TestParseIdentity(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		id, err := ParseIdentity("sip:alice@example.com")
		require.NoError(t, err)
		assert.Equal(t, Identity{Username: "alice", Host: "example.com", Port: 5060, Transport: "udp"}, id)
		assert.Equal(t, "sip:alice@example.com:5060", id.String())
	})

	t.Run("PortAndTransport", func(t *testing.T) {
		id, err := ParseIdentity(" <sip:bob@10.0.0.1:5080;transport=TCP> ")
		require.NoError(t, err)
		assert.Equal(t, Identity{Username: "bob", Host: "10.0.0.1", Port: 5080, Transport: "tcp"}, id)
		tr, _ := id.RegistrarURI().UriParams.Get("transport")
		assert.Equal(t, "tcp", tr)
	})

	t.Run("Errors", func(t *testing.T) {
		_, err := ParseIdentity("sips:alice@example.com")
		assert.ErrorIs(t, err, ErrUnsupportedScheme)
		_, err = ParseIdentity("tel:+1234")
		assert.ErrorIs(t, err, ErrUnsupportedScheme)
		_, err = ParseIdentity("alice")
		assert.ErrorIs(t, err, ErrInvalidTarget)
		_, err = ParseIdentity("sip:example.com")
		assert.ErrorIs(t, err, ErrInvalidTarget)
	})
}

func TestNormalizeURI(t *testing.T) {
	tests := []struct {
		in  string
		out string
	}{
		{"sip:b@h", "sip:b@h"},
		{"SIP:b@H", "sip:b@h"},
		{"<sip:b@h>", "sip:b@h"},
		{"sip:b@h;transport=udp", "sip:b@h"},
		{"sip:b@h:5070", "sip:b@h:5070"},
		{"  sip:b@Example.COM  ", "sip:b@example.com"},
		{"sip:h", "sip:h"},
	}

	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			out, err := NormalizeURI(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.out, out)
		})
	}

	_, err := NormalizeURI("")
	assert.ErrorIs(t, err, ErrInvalidTarget)
}

func TestNewUserAgent(t *testing.T) {
	_, err := NewUserAgent("sips:alice@example.com", "secret", WithStack(newFakeStack()))
	assert.ErrorIs(t, err, ErrUnsupportedScheme)

	ua, _ := newTestAgent(t)
	assert.Equal(t, "alice", ua.Identity().Username)
	assert.GreaterOrEqual(t, ua.LocalMediaPort(), MediaPortBase)
	assert.Less(t, ua.LocalMediaPort(), MediaPortBase+MediaPortRange)
	assert.False(t, ua.Registered())

	// Same random source gives same media port
	ua2, _ := newTestAgent(t, WithRand(rand.New(rand.NewSource(1))))
	assert.Equal(t, ua.LocalMediaPort(), ua2.LocalMediaPort())
}

func TestSendMessage(t *testing.T) {
	ua, stack := newTestAgent(t)

	require.NoError(t, ua.SendMessage("sip:bob@example.com", "hello"))
	req := stack.waitSent(t)
	assert.Equal(t, sip.MESSAGE, req.Method)
	assert.Equal(t, "hello", string(req.Body()))
	assert.Equal(t, "text/plain", req.GetHeader("Content-Type").Value())
	assert.Equal(t, "bob", req.Recipient.User)
	from := req.From()
	require.NotNil(t, from)
	assert.Equal(t, "alice", from.Address.User)
	tag, _ := from.Params.Get("tag")
	assert.NotEmpty(t, tag)

	assert.ErrorIs(t, ua.SendMessage("not a uri", "x"), ErrInvalidTarget)
	assert.ErrorIs(t, ua.SendMessage("sips:bob@example.com", "x"), ErrUnsupportedScheme)
	stack.noMoreSent(t)

	stack.setSendErr(errors.New("down"))
	assert.ErrorIs(t, ua.SendMessage("sip:bob@example.com", "x"), ErrSignaling)
}

func TestMessageAuthRetry(t *testing.T) {
	ua, stack := newTestAgent(t)
	require.NoError(t, ua.SendMessage("sip:bob@example.com", "hello"))
	req := stack.waitSent(t)

	ev := respondTo(req, sip.StatusUnauthorized, "Unauthorized")
	ev.Response.AppendHeader(sip.NewHeader("WWW-Authenticate", `Digest realm="example.com", nonce="m1", algorithm=MD5`))
	ua.HandleEvent(ev)

	authReq := stack.waitSent(t)
	assert.NotNil(t, authReq.GetHeader("Authorization"))
	assert.Equal(t, "hello", string(authReq.Body()))
	require.NotNil(t, authReq.ContentLength())
	assert.EqualValues(t, 5, *authReq.ContentLength())
}

func TestInboundMessage(t *testing.T) {
	type msg struct{ from, body string }
	got := make(chan msg, 1)
	ua, stack := newTestAgent(t, WithMessageHandler(func(from, body string) {
		got <- msg{from, body}
	}))

	req := newInbound(sip.MESSAGE, "sip:Bob@Example.com:5060", []byte("hi alice"))
	ua.HandleEvent(RequestEvent{Kind: RequestMessage, Request: req, Tx: &fakeTx{req: req}})

	r := stack.waitResponse(t)
	assert.Equal(t, sip.StatusOK, r.res.StatusCode)
	select {
	case m := <-got:
		assert.Equal(t, msg{"sip:Bob@example.com:5060", "hi alice"}, m)
	case <-time.After(time.Second):
		t.Fatal("message handler not called")
	}
}

func TestInboundOther(t *testing.T) {
	ua, stack := newTestAgent(t)

	opt := newInbound(sip.OPTIONS, "sip:bob@example.com", nil)
	ua.HandleEvent(RequestEvent{Kind: RequestKindOf(opt.Method), Request: opt, Tx: &fakeTx{req: opt}})
	assert.Equal(t, sip.StatusOK, stack.waitResponse(t).res.StatusCode)

	info := newInbound(sip.INFO, "sip:bob@example.com", nil)
	ua.HandleEvent(RequestEvent{Kind: RequestKindOf(info.Method), Request: info, Tx: &fakeTx{req: info}})
	assert.Equal(t, 405, stack.waitResponse(t).res.StatusCode)
}

func TestEventKinds(t *testing.T) {
	assert.Equal(t, RequestInvite, RequestKindOf(sip.INVITE))
	assert.Equal(t, RequestAck, RequestKindOf(sip.ACK))
	assert.Equal(t, RequestOther, RequestKindOf(sip.REGISTER))

	assert.Equal(t, ResponseProvisional, ResponseKindOf(180))
	assert.Equal(t, ResponseSuccess, ResponseKindOf(202))
	assert.Equal(t, ResponseRedirect, ResponseKindOf(302))
	assert.Equal(t, ResponseClientError, ResponseKindOf(486))
	assert.Equal(t, ResponseServerError, ResponseKindOf(503))
	assert.Equal(t, ResponseGlobalError, ResponseKindOf(603))
	assert.Equal(t, "client_error", ResponseClientError.String())
}

func TestShutdown(t *testing.T) {
	t.Run("Registered", func(t *testing.T) {
		ua, stack := newTestAgent(t)
		ch := registerAsync(ua.Register, time.Second)
		ua.HandleEvent(withExpires(respondTo(stack.waitSent(t), 200, "OK"), 3600))
		require.True(t, waitResult(t, ch).ok)

		done := make(chan struct{})
		go func() {
			ua.Shutdown()
			close(done)
		}()

		unreg := stack.waitSent(t)
		assert.Equal(t, "0", unreg.GetHeader("Expires").Value())
		ua.HandleEvent(withExpires(respondTo(unreg, 200, "OK"), 0))

		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Fatal("shutdown blocked")
		}
		select {
		case <-stack.closedCh:
		case <-time.After(time.Second):
			t.Fatal("stack not closed")
		}
		assert.False(t, ua.Registered())

		_, err := ua.Register(time.Second)
		assert.ErrorIs(t, err, ErrAgentClosed)
		assert.ErrorIs(t, ua.SendMessage("sip:bob@example.com", "x"), ErrAgentClosed)
		assert.ErrorIs(t, ua.StartCall("sip:bob@example.com"), ErrAgentClosed)
	})

	t.Run("UnregisterFails", func(t *testing.T) {
		ua, stack := newTestAgent(t)
		ch := registerAsync(ua.Register, time.Second)
		ua.HandleEvent(withExpires(respondTo(stack.waitSent(t), 200, "OK"), 3600))
		require.True(t, waitResult(t, ch).ok)

		// No response, unregister is bounded
		start := time.Now()
		ua.Shutdown()
		assert.Less(t, time.Since(start), 3*time.Second)
		<-stack.closedCh
		assert.False(t, ua.Registered())
	})

	t.Run("NotRegistered", func(t *testing.T) {
		ua, stack := newTestAgent(t)
		ua.Shutdown()
		<-stack.closedCh
		stack.noMoreSent(t)

		// Idempotent
		ua.Shutdown()
	})
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	ua, stack := newTestAgent(t, WithMetrics(m))

	ch := registerAsync(ua.Register, time.Second)
	ua.HandleEvent(withExpires(respondTo(stack.waitSent(t), 200, "OK"), 3600))
	require.True(t, waitResult(t, ch).ok)

	req := newInbound(sip.MESSAGE, "sip:bob@example.com", []byte("x"))
	ua.HandleEvent(RequestEvent{Kind: RequestMessage, Request: req, Tx: &fakeTx{req: req}})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Registrations.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsSent.WithLabelValues("REGISTER")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsReceived.WithLabelValues("MESSAGE")))
}
