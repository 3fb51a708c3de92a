// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package audio

import (
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-audio/riff"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func samplesBE(vals ...int16) []byte {
	b := make([]byte, 2*len(vals))
	for i, v := range vals {
		binary.BigEndian.PutUint16(b[2*i:], uint16(v))
	}
	return b
}

func TestFileDevicesRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "call.wav")
	devs := FileDevices{CapturePath: path, PlaybackPath: path, Unpaced: true}

	play, err := devs.OpenPlayback(FormatTelephony)
	require.NoError(t, err)

	data := samplesBE(1, -2, 300, -400, 32767, -32768)
	n, err := play.Write(data)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)
	require.NoError(t, play.Close())

	// File must be little endian PCM16 wav
	f, err := os.Open(path)
	require.NoError(t, err)
	p := riff.New(f)
	require.NoError(t, p.ParseHeaders())
	for {
		chunk, err := p.NextChunk()
		require.NoError(t, err)
		if chunk.ID != riff.FmtID {
			chunk.Drain()
			continue
		}
		require.NoError(t, chunk.DecodeWavHeader(p))
		break
	}
	f.Close()
	assert.EqualValues(t, 8000, p.SampleRate)
	assert.EqualValues(t, 1, p.NumChannels)
	assert.EqualValues(t, 16, p.BitsPerSample)

	capture, err := devs.OpenCapture(FormatTelephony)
	require.NoError(t, err)
	defer capture.Close()

	buf := make([]byte, 64)
	n, err = capture.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, data, buf[:n])

	_, err = capture.Read(buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestFileDevicesLoop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loop.wav")
	play, err := FileDevices{PlaybackPath: path}.OpenPlayback(FormatTelephony)
	require.NoError(t, err)
	_, err = play.Write(samplesBE(7, 8))
	require.NoError(t, err)
	require.NoError(t, play.Close())

	capture, err := FileDevices{CapturePath: path, Loop: true, Unpaced: true}.OpenCapture(FormatTelephony)
	require.NoError(t, err)
	defer capture.Close()

	buf := make([]byte, 4)
	for i := 0; i < 3; i++ {
		n, err := capture.Read(buf)
		require.NoError(t, err)
		assert.Equal(t, samplesBE(7, 8), buf[:n])
	}
}

func TestFileDevicesFormatMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wide.wav")
	wide := Format{SampleRate: 16000, BitDepth: 16, Channels: 1}
	play, err := FileDevices{PlaybackPath: path}.OpenPlayback(wide)
	require.NoError(t, err)
	_, err = play.Write(make([]byte, 8))
	require.NoError(t, err)
	require.NoError(t, play.Close())

	_, err = FileDevices{CapturePath: path}.OpenCapture(FormatTelephony)
	assert.Error(t, err)

	_, err = FileDevices{CapturePath: filepath.Join(t.TempDir(), "missing.wav")}.OpenCapture(FormatTelephony)
	assert.Error(t, err)
}

func TestNullDevices(t *testing.T) {
	c, err := NullDevices{}.OpenCapture(FormatTelephony)
	require.NoError(t, err)

	// 320 bytes is 20ms of telephony audio
	buf := make([]byte, 320)
	start := time.Now()
	for i := 0; i < 3; i++ {
		n, err := c.Read(buf)
		require.NoError(t, err)
		require.Equal(t, 320, n)
	}
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	require.NoError(t, c.Close())
	_, err = c.Read(buf)
	assert.ErrorIs(t, err, ErrDeviceClosed)

	p, err := NullDevices{}.OpenPlayback(FormatTelephony)
	require.NoError(t, err)
	n, err := p.Write(buf)
	require.NoError(t, err)
	assert.Equal(t, 320, n)
}

func TestSwapByteOrder16(t *testing.T) {
	b := []byte{1, 2, 3, 4, 5}
	SwapByteOrder16(b)
	assert.Equal(t, []byte{2, 1, 4, 3, 5}, b)
}

func TestDecodeUlawTo(t *testing.T) {
	lpcm := make([]byte, 4)
	n, err := DecodeUlawTo(lpcm, []byte{0xFF, 0x7F})
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	_, err = DecodeUlawTo(make([]byte, 1), []byte{0xFF})
	assert.ErrorIs(t, err, io.ErrShortBuffer)
}
