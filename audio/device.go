// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package audio

import (
	"errors"
	"io"
	"sync/atomic"
	"time"
)

var ErrDeviceClosed = errors.New("audio device closed")

// Devices opens local capture (microphone) and playback (speaker).
// Each call returns new handle owned by caller.
type Devices interface {
	OpenCapture(f Format) (io.ReadCloser, error)
	OpenPlayback(f Format) (io.WriteCloser, error)
}

// NullDevices captures silence at real time rate and discards playback.
type NullDevices struct{}

func (NullDevices) OpenCapture(f Format) (io.ReadCloser, error) {
	return &silenceCapture{pace: newPacer(f)}, nil
}

func (NullDevices) OpenPlayback(f Format) (io.WriteCloser, error) {
	return &discardPlayback{}, nil
}

type silenceCapture struct {
	pace   *pacer
	closed atomic.Bool
}

func (s *silenceCapture) Read(b []byte) (int, error) {
	if s.closed.Load() {
		return 0, ErrDeviceClosed
	}
	clear(b)
	s.pace.wait(len(b))
	return len(b), nil
}

func (s *silenceCapture) Close() error {
	s.closed.Store(true)
	return nil
}

type discardPlayback struct {
	closed atomic.Bool
}

func (d *discardPlayback) Write(b []byte) (int, error) {
	if d.closed.Load() {
		return 0, ErrDeviceClosed
	}
	return len(b), nil
}

func (d *discardPlayback) Close() error {
	d.closed.Store(true)
	return nil
}

// pacer blocks reader so that data is consumed no faster than real time,
// as sound card would do.
type pacer struct {
	bps   int
	start time.Time
	total int64
}

func newPacer(f Format) *pacer {
	return &pacer{bps: f.BytesPerSecond()}
}

func (p *pacer) wait(n int) {
	if p.bps <= 0 {
		return
	}
	if p.start.IsZero() {
		p.start = time.Now()
	}
	p.total += int64(n)
	due := p.start.Add(time.Duration(p.total) * time.Second / time.Duration(p.bps))
	if d := time.Until(due); d > 0 {
		time.Sleep(d)
	}
}
