// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package softphone

import (
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/gophone/softphone/audio"
	"github.com/gophone/softphone/call"
	"github.com/gophone/softphone/media"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultPort        = 5060
	DefaultLocalPort   = 5070
	DefaultTransport   = "udp"
	DefaultUserAgent   = "softphone"
	DefaultAuthRetries = 5

	// Media port is chosen once in [MediaPortBase, MediaPortBase+MediaPortRange)
	MediaPortBase  = 50000
	MediaPortRange = 1000

	shutdownUnregisterTimeout = 2 * time.Second
)

var (
	ErrInvalidTarget     = errors.New("invalid target address")
	ErrUnsupportedScheme = errors.New("unsupported address scheme")
	ErrNoPendingInvite   = errors.New("no pending invite")
	ErrCallInProgress    = errors.New("call already in progress")
	ErrSignaling         = errors.New("signaling failed")
	ErrAgentClosed       = errors.New("user agent closed")
	ErrInvalidTimeout    = errors.New("invalid timeout")
)

// Identity is local account. It is fixed for agent lifetime.
type Identity struct {
	Username  string
	Host      string
	Port      int
	Transport string
}

// URI is address of record
func (i Identity) URI() sip.Uri {
	return sip.Uri{Scheme: "sip", User: i.Username, Host: i.Host}
}

// RegistrarURI is REGISTER request uri
func (i Identity) RegistrarURI() sip.Uri {
	return i.route(sip.Uri{Scheme: "sip", Host: i.Host, Port: i.Port})
}

// route marks uri with account transport so requests leave over it
func (i Identity) route(uri sip.Uri) sip.Uri {
	if i.Transport == "" || i.Transport == DefaultTransport {
		return uri
	}
	uri.UriParams = sip.NewParams().Add("transport", i.Transport)
	return uri
}

func (i Identity) String() string {
	return "sip:" + i.Username + "@" + net.JoinHostPort(i.Host, strconv.Itoa(i.Port))
}

// ParseIdentity parses account address like sip:alice@example.com:5060;transport=tcp
func ParseIdentity(address string) (Identity, error) {
	uri, err := parseSipURI(address)
	if err != nil {
		return Identity{}, err
	}
	if uri.User == "" {
		return Identity{}, fmt.Errorf("%w: missing user in %q", ErrInvalidTarget, address)
	}

	id := Identity{
		Username:  uri.User,
		Host:      uri.Host,
		Port:      uri.Port,
		Transport: DefaultTransport,
	}
	if id.Port == 0 {
		id.Port = DefaultPort
	}
	if uri.UriParams != nil {
		if t, ok := uri.UriParams.Get("transport"); ok && t != "" {
			id.Transport = strings.ToLower(t)
		}
	}
	return id, nil
}

func parseSipURI(address string) (sip.Uri, error) {
	s := strings.TrimSpace(address)
	s = strings.TrimSuffix(strings.TrimPrefix(s, "<"), ">")

	scheme, rest, found := strings.Cut(s, ":")
	if !found || rest == "" {
		return sip.Uri{}, fmt.Errorf("%w: %q", ErrInvalidTarget, address)
	}
	if !strings.EqualFold(scheme, "sip") {
		return sip.Uri{}, fmt.Errorf("%w: %q", ErrUnsupportedScheme, scheme)
	}

	var uri sip.Uri
	if err := sip.ParseUri("sip:"+rest, &uri); err != nil {
		return sip.Uri{}, fmt.Errorf("%w: %q: %w", ErrInvalidTarget, address, err)
	}
	if uri.Host == "" {
		return sip.Uri{}, fmt.Errorf("%w: missing host in %q", ErrInvalidTarget, address)
	}
	return uri, nil
}

// NormalizeURI returns canonical peer key, so that equivalent addresses collide.
// Parameters, headers and display name are dropped, scheme and host are lowercased.
func NormalizeURI(address string) (string, error) {
	uri, err := parseSipURI(address)
	if err != nil {
		return "", err
	}
	return canonicalURI(uri), nil
}

func canonicalURI(uri sip.Uri) string {
	sb := strings.Builder{}
	sb.WriteString("sip:")
	if uri.User != "" {
		sb.WriteString(uri.User)
		sb.WriteString("@")
	}
	sb.WriteString(strings.ToLower(uri.Host))
	if uri.Port > 0 {
		sb.WriteString(":")
		sb.WriteString(strconv.Itoa(uri.Port))
	}
	return sb.String()
}

// CredentialsFunc returns digest credentials for realm
type CredentialsFunc func(realm string) (username string, password string)

type Option func(u *UserAgent)

// WithLocalAddr sets signaling bind and advertised address
func WithLocalAddr(ip string, port int) Option {
	return func(u *UserAgent) {
		u.localIP = ip
		u.localPort = port
	}
}

// WithStack replaces default sipgo stack
func WithStack(s Stack) Option {
	return func(u *UserAgent) {
		u.stack = s
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(u *UserAgent) {
		u.log = l
	}
}

// WithRand sets random source for media port, tags and Call-IDs
func WithRand(r *rand.Rand) Option {
	return func(u *UserAgent) {
		u.rand = r
	}
}

// WithMessageHandler is called for every inbound MESSAGE
func WithMessageHandler(f func(from string, body string)) Option {
	return func(u *UserAgent) {
		u.onMessage = f
	}
}

func WithCallRegistry(r *call.Registry) Option {
	return func(u *UserAgent) {
		u.calls = r
	}
}

// WithCallObserver is used when registry is created by agent
func WithCallObserver(o call.Observer) Option {
	return func(u *UserAgent) {
		u.observer = o
	}
}

func WithAudioDevices(d audio.Devices) Option {
	return func(u *UserAgent) {
		u.devices = d
	}
}

func WithMetrics(m *Metrics) Option {
	return func(u *UserAgent) {
		u.metrics = m
	}
}

func WithUserAgentName(name string) Option {
	return func(u *UserAgent) {
		u.name = name
	}
}

// WithAuthRetries sets how many times challenged request is resent with credentials
func WithAuthRetries(n int) Option {
	return func(u *UserAgent) {
		u.authRetries = n
	}
}

func WithCredentials(f CredentialsFunc) Option {
	return func(u *UserAgent) {
		u.credentials = f
	}
}

// UserAgent is SIP softphone. It registers, exchanges messages and handles calls
// with single audio stream at a time.
type UserAgent struct {
	identity    Identity
	password    string
	credentials CredentialsFunc
	name        string
	authRetries int

	localIP   string
	localPort int
	mediaPort int
	contact   sip.ContactHeader

	stack    Stack
	calls    *call.Registry
	observer call.Observer
	devices  audio.Devices
	audio    *media.AudioSession
	metrics  *Metrics

	onMessage func(from string, body string)

	randMu sync.Mutex
	rand   *rand.Rand

	cseq atomic.Uint32

	// Registration state
	regMu        sync.Mutex
	registered   bool
	expiry       time.Duration
	regCallID    string
	regFromTag   string
	registerGate atomic.Pointer[registerGate]

	// Digest retries per Call-ID
	authAttempts sync.Map

	// Peer -> *pendingInvite
	pending sync.Map

	audioMu   sync.Mutex
	audioPeer string

	closed atomic.Bool
	log    zerolog.Logger
}

type pendingInvite struct {
	tx  ServerTx
	req *sip.Request
}

// NewUserAgent creates agent for account address like sip:alice@example.com.
// Signaling endpoint is bound and served before returning.
func NewUserAgent(address string, password string, opts ...Option) (*UserAgent, error) {
	id, err := ParseIdentity(address)
	if err != nil {
		return nil, err
	}

	u := &UserAgent{
		identity:    id,
		password:    password,
		name:        DefaultUserAgent,
		authRetries: DefaultAuthRetries,
		localPort:   DefaultLocalPort,
		devices:     audio.NullDevices{},
		log:         log.Logger,
	}
	for _, o := range opts {
		o(u)
	}

	u.log = u.log.With().Str("caller", "softphone").Str("aor", id.String()).Logger()
	if u.rand == nil {
		u.rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if u.credentials == nil {
		u.credentials = func(realm string) (string, string) {
			return u.identity.Username, u.password
		}
	}
	if u.localIP == "" {
		u.localIP = outboundIP(id.Host, id.Port)
	}
	if u.calls == nil {
		ropts := []call.Option{call.WithLogger(u.log)}
		if u.observer != nil {
			ropts = append(ropts, call.WithObserver(u.observer))
		}
		u.calls = call.NewRegistry(ropts...)
	}

	var mediaMetrics *media.Metrics
	if u.metrics != nil {
		mediaMetrics = u.metrics.Audio
	}
	u.audio = media.NewAudioSession(
		media.WithDevices(u.devices),
		media.WithAudioLogger(u.log),
		media.WithAudioMetrics(mediaMetrics),
	)

	u.mediaPort = MediaPortBase + u.randIntn(MediaPortRange)
	u.cseq.Store(uint32(u.randIntn(10000)))
	u.regCallID = u.newCallID()
	u.regFromTag = u.newTag()
	u.contact = sip.ContactHeader{
		Address: sip.Uri{Scheme: "sip", User: id.Username, Host: u.localIP, Port: u.localPort},
	}

	if u.stack == nil {
		s, err := NewSipgoStack(StackConfig{
			Transport: id.Transport,
			LocalIP:   u.localIP,
			LocalPort: u.localPort,
			UserAgent: u.name,
			Logger:    &u.log,
		})
		if err != nil {
			return nil, err
		}
		u.stack = s
	}

	if err := u.stack.Serve(u.HandleEvent); err != nil {
		u.stack.Close()
		return nil, fmt.Errorf("serving stack: %w", err)
	}

	u.log.Info().Str("local", net.JoinHostPort(u.localIP, strconv.Itoa(u.localPort))).Int("media_port", u.mediaPort).Msg("User agent started")
	return u, nil
}

func (u *UserAgent) Identity() Identity {
	return u.identity
}

func (u *UserAgent) Registered() bool {
	u.regMu.Lock()
	defer u.regMu.Unlock()
	return u.registered
}

// Expiry is effective registration expiry from last final REGISTER response
func (u *UserAgent) Expiry() time.Duration {
	u.regMu.Lock()
	defer u.regMu.Unlock()
	return u.expiry
}

// LocalMediaPort is audio port used for every call of this agent
func (u *UserAgent) LocalMediaPort() int {
	return u.mediaPort
}

func (u *UserAgent) Calls() *call.Registry {
	return u.calls
}

// Shutdown unregisters if registered, stops audio and releases signaling endpoint.
// Unregister failure is only logged. Stack is closed in background.
func (u *UserAgent) Shutdown() {
	if !u.closed.CompareAndSwap(false, true) {
		return
	}

	if u.Registered() {
		ok, err := u.sendRegister(0, shutdownUnregisterTimeout)
		if err != nil || !ok {
			u.log.Warn().Err(err).Msg("Unregister on shutdown failed")
		}
	}
	u.setRegistration(false, 0)
	u.stopAudio("")

	go func() {
		if err := u.stack.Close(); err != nil {
			u.log.Error().Err(err).Msg("Closing stack failed")
			return
		}
		u.log.Info().Msg("User agent stopped")
	}()
}

func (u *UserAgent) randIntn(n int) int {
	u.randMu.Lock()
	defer u.randMu.Unlock()
	return u.rand.Intn(n)
}

func (u *UserAgent) newCallID() string {
	u.randMu.Lock()
	defer u.randMu.Unlock()
	id, err := uuid.NewRandomFromReader(u.rand)
	if err != nil {
		// Reader from math/rand never fails
		return strconv.FormatInt(u.rand.Int63(), 16)
	}
	return id.String()
}

func (u *UserAgent) newTag() string {
	u.randMu.Lock()
	defer u.randMu.Unlock()
	return strconv.FormatUint(uint64(u.rand.Uint32()), 16)
}

// send passes request to stack and counts it
func (u *UserAgent) send(req *sip.Request) error {
	if err := u.stack.Send(req); err != nil {
		return fmt.Errorf("%w: sending %s: %w", ErrSignaling, req.Method, err)
	}
	u.metrics.requestSent(req.Method.String())
	return nil
}

func (u *UserAgent) startAudio(peer string, remoteIP string, remotePort int) {
	u.audioMu.Lock()
	defer u.audioMu.Unlock()

	if u.audio.Running() {
		u.log.Warn().Str("peer", peer).Str("owner", u.audioPeer).Msg("Audio already running, not starting")
		return
	}
	if err := u.audio.Start(remoteIP, remotePort, u.mediaPort); err != nil {
		u.log.Error().Err(err).Str("peer", peer).Msg("Failed to start audio")
		return
	}
	u.audioPeer = peer
}

// stopAudio stops audio if peer owns it. Empty peer stops unconditionally.
func (u *UserAgent) stopAudio(peer string) {
	u.audioMu.Lock()
	defer u.audioMu.Unlock()

	if peer != "" && peer != u.audioPeer {
		return
	}
	u.audio.Stop()
	u.audioPeer = ""
}

// outboundIP returns local address used to reach host. No packets are sent.
func outboundIP(host string, port int) string {
	conn, err := net.Dial("udp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return "127.0.0.1"
}
