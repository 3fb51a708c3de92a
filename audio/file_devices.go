// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-audio/wav"
)

// FileDevices uses wav files in place of sound card.
// Capture reads PCM16 or mu-law mono wav, playback writes PCM16 wav.
// Empty path falls back to NullDevices behavior.
type FileDevices struct {
	CapturePath  string
	PlaybackPath string

	// Loop restarts capture file when it ends
	Loop bool
	// Unpaced disables real time pacing of capture
	Unpaced bool
}

func (d FileDevices) OpenCapture(f Format) (io.ReadCloser, error) {
	if d.CapturePath == "" {
		return NullDevices{}.OpenCapture(f)
	}
	if f.BitDepth != 16 {
		return nil, fmt.Errorf("capture supports only 16 bit output, got %d", f.BitDepth)
	}

	file, err := os.Open(d.CapturePath)
	if err != nil {
		return nil, err
	}

	c := &wavCapture{
		file:   file,
		format: f,
		loop:   d.Loop,
	}
	if !d.Unpaced {
		c.pace = newPacer(f)
	}

	if err := c.open(); err != nil {
		file.Close()
		return nil, err
	}
	return c, nil
}

func (d FileDevices) OpenPlayback(f Format) (io.WriteCloser, error) {
	if d.PlaybackPath == "" {
		return NullDevices{}.OpenPlayback(f)
	}
	if f.BitDepth != 16 {
		return nil, fmt.Errorf("playback supports only 16 bit input, got %d", f.BitDepth)
	}

	file, err := os.Create(d.PlaybackPath)
	if err != nil {
		return nil, err
	}

	return &wavPlayback{
		file:   file,
		enc:    wav.NewEncoder(file, f.SampleRate, f.BitDepth, f.Channels, WavFormatPCM),
		format: f,
	}, nil
}

type wavCapture struct {
	file   *os.File
	reader *WavReader
	format Format
	loop   bool
	pace   *pacer

	ulaw    bool
	ulawBuf []byte
}

func (c *wavCapture) open() error {
	r := NewWavReader(c.file)
	if err := r.ReadHeaders(); err != nil {
		return fmt.Errorf("reading wav headers failed: %w", err)
	}

	ff := r.Format()
	if ff.SampleRate != c.format.SampleRate || ff.Channels != c.format.Channels {
		return fmt.Errorf("wav format mismatch file=%s want=%s", ff, c.format)
	}

	switch r.WavAudioFormat {
	case WavFormatPCM:
		if r.BitsPerSample != 16 {
			return fmt.Errorf("wav bit depth %d not supported", r.BitsPerSample)
		}
		c.ulaw = false
	case WavFormatULaw:
		c.ulaw = true
	default:
		return fmt.Errorf("wav audio format %d not supported", r.WavAudioFormat)
	}

	c.reader = r
	return nil
}

func (c *wavCapture) rewind() error {
	if _, err := c.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	return c.open()
}

func (c *wavCapture) Read(b []byte) (int, error) {
	// Keep whole samples
	b = b[:len(b)&^1]
	if len(b) == 0 {
		return 0, nil
	}

	n, err := c.read(b)
	if errors.Is(err, io.EOF) && c.loop {
		if err := c.rewind(); err != nil {
			return 0, err
		}
		n, err = c.read(b)
	}
	if n == 0 {
		return 0, err
	}

	if c.format.BigEndian {
		SwapByteOrder16(b[:n])
	}
	if c.pace != nil {
		c.pace.wait(n)
	}
	return n, nil
}

func (c *wavCapture) read(b []byte) (int, error) {
	if !c.ulaw {
		n, err := io.ReadFull(c.reader, b)
		if errors.Is(err, io.ErrUnexpectedEOF) {
			// Short tail, next read reports EOF
			return n &^ 1, nil
		}
		return n, err
	}

	if cap(c.ulawBuf) < len(b)/2 {
		c.ulawBuf = make([]byte, len(b)/2)
	}
	ulaw := c.ulawBuf[:len(b)/2]
	n, err := io.ReadFull(c.reader, ulaw)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		err = nil
	}
	if n == 0 {
		return 0, err
	}
	return DecodeUlawTo(b, ulaw[:n])
}

func (c *wavCapture) Close() error {
	return c.file.Close()
}

type wavPlayback struct {
	file   *os.File
	enc    *wav.Encoder
	format Format
}

func (p *wavPlayback) Write(b []byte) (int, error) {
	order := binary.ByteOrder(binary.LittleEndian)
	if p.format.BigEndian {
		order = binary.BigEndian
	}

	n := 0
	for ; n+1 < len(b); n += 2 {
		sample := int16(order.Uint16(b[n:]))
		if err := p.enc.WriteFrame(sample); err != nil {
			return n, err
		}
	}
	// Odd byte is dropped, there is no half sample
	return len(b), nil
}

func (p *wavPlayback) Close() error {
	err := p.enc.Close()
	return errors.Join(err, p.file.Close())
}
