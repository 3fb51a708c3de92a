// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"

	"github.com/gophone/softphone/audio"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// When reading datagrams use at least MTU size.
	RTPBufSize = 1500

	// DefaultChunkSize is capture read size sent as single datagram
	DefaultChunkSize = 1024
)

// AudioSession streams raw audio between local devices and remote UDP endpoint.
// There is no RTP header, sequencing or jitter buffering. Captured bytes are sent
// as is and received datagrams are played as is. Payload label in SDP is PCMU,
// but samples are 16 bit linear in audio.FormatTelephony.
//
// Only one stream runs at a time. Start and Stop are idempotent.
type AudioSession struct {
	devices   audio.Devices
	format    audio.Format
	chunkSize int
	metrics   *Metrics
	log       zerolog.Logger

	mu  sync.Mutex
	run *audioRun
}

// audioRun is single Start..Stop lifetime
type audioRun struct {
	ctx    context.Context
	cancel context.CancelFunc
	conn   *net.UDPConn
	raddr  *net.UDPAddr
	wg     sync.WaitGroup
}

type AudioOption func(s *AudioSession)

func WithDevices(d audio.Devices) AudioOption {
	return func(s *AudioSession) {
		s.devices = d
	}
}

func WithAudioLogger(l zerolog.Logger) AudioOption {
	return func(s *AudioSession) {
		s.log = l
	}
}

func WithChunkSize(n int) AudioOption {
	return func(s *AudioSession) {
		if n > 0 {
			s.chunkSize = n
		}
	}
}

func WithAudioMetrics(m *Metrics) AudioOption {
	return func(s *AudioSession) {
		s.metrics = m
	}
}

func NewAudioSession(opts ...AudioOption) *AudioSession {
	s := &AudioSession{
		devices:   audio.NullDevices{},
		format:    audio.FormatTelephony,
		chunkSize: DefaultChunkSize,
		log:       log.Logger,
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With().Str("caller", "media").Logger()
	return s
}

// Start binds localPort and starts sender and receiver.
// Calling Start on running session does nothing.
// Error is returned only if remote address is invalid or binding failed,
// in which case session stays stopped.
func (s *AudioSession) Start(remoteIP string, remotePort int, localPort int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.run != nil {
		return nil
	}

	raddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(remoteIP, strconv.Itoa(remotePort)))
	if err != nil {
		return fmt.Errorf("resolving remote media addr: %w", err)
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: localPort})
	if err != nil {
		return fmt.Errorf("binding media port %d: %w", localPort, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	run := &audioRun{
		ctx:    ctx,
		cancel: cancel,
		conn:   conn,
		raddr:  raddr,
	}

	run.wg.Add(2)
	go s.captureAndSend(run)
	go s.receiveAndPlay(run)
	s.run = run

	s.log.Info().Str("laddr", conn.LocalAddr().String()).Str("raddr", raddr.String()).Msg("Audio session started")
	return nil
}

// Stop cancels workers and closes socket, which unblocks receiver.
// It returns after both workers exited.
func (s *AudioSession) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	run := s.run
	if run == nil {
		return
	}
	s.run = nil

	run.cancel()
	if err := run.conn.Close(); err != nil {
		s.log.Debug().Err(err).Msg("Closing media socket")
	}
	run.wg.Wait()
	s.log.Info().Msg("Audio session stopped")
}

func (s *AudioSession) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run != nil
}

// LocalAddr returns bound address or nil when stopped
func (s *AudioSession) LocalAddr() *net.UDPAddr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run == nil {
		return nil
	}
	addr, _ := s.run.conn.LocalAddr().(*net.UDPAddr)
	return addr
}

// RemoteAddr returns destination address or nil when stopped
func (s *AudioSession) RemoteAddr() *net.UDPAddr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run == nil {
		return nil
	}
	return s.run.raddr
}

func (s *AudioSession) captureAndSend(run *audioRun) {
	defer run.wg.Done()

	mic, err := s.devices.OpenCapture(s.format)
	if err != nil {
		s.log.Error().Err(err).Msg("Opening capture device failed, sending disabled")
		return
	}
	defer closeAndLog(s.log, mic, "closing capture device")

	buf := make([]byte, s.chunkSize)
	for {
		select {
		case <-run.ctx.Done():
			return
		default:
		}

		n, err := mic.Read(buf)
		if err != nil {
			if run.ctx.Err() == nil && !errors.Is(err, io.EOF) {
				s.log.Error().Err(err).Msg("Capture read failed")
			}
			return
		}
		if n == 0 {
			continue
		}

		if _, err := run.conn.WriteToUDP(buf[:n], run.raddr); err != nil {
			if run.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			// Best effort, drop this chunk
			s.log.Debug().Err(err).Msg("Sending audio datagram failed")
			continue
		}
		s.metrics.sent(n)
	}
}

func (s *AudioSession) receiveAndPlay(run *audioRun) {
	defer run.wg.Done()

	speaker, err := s.devices.OpenPlayback(s.format)
	if err != nil {
		s.log.Error().Err(err).Msg("Opening playback device failed, receiving disabled")
		return
	}
	defer closeAndLog(s.log, speaker, "closing playback device")

	buf := make([]byte, RTPBufSize)
	for {
		n, _, err := run.conn.ReadFromUDP(buf)
		if err != nil {
			// Socket close is our stop signal
			if errors.Is(err, net.ErrClosed) || run.ctx.Err() != nil {
				return
			}
			s.log.Debug().Err(err).Msg("Receiving audio datagram failed")
			continue
		}
		s.metrics.received(n)

		if _, err := speaker.Write(buf[:n]); err != nil {
			s.log.Error().Err(err).Msg("Playback write failed")
			return
		}
	}
}

func closeAndLog(l zerolog.Logger, c io.Closer, msg string) {
	if err := c.Close(); err != nil {
		l.Error().Err(err).Msg(msg)
	}
}
