// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package audio

import (
	"fmt"
	"time"
)

// Format describes raw linear PCM layout.
type Format struct {
	SampleRate int
	BitDepth   int
	Channels   int
	BigEndian  bool
}

// FormatTelephony is the layout exchanged during call. 8kHz, 16 bit, mono, big endian.
var FormatTelephony = Format{
	SampleRate: 8000,
	BitDepth:   16,
	Channels:   1,
	BigEndian:  true,
}

func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * f.BitDepth / 8
}

// Duration returns how much audio n bytes hold.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps == 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(bps)
}

func (f Format) String() string {
	order := "le"
	if f.BigEndian {
		order = "be"
	}
	return fmt.Sprintf("rate=%d bits=%d chans=%d order=%s", f.SampleRate, f.BitDepth, f.Channels, order)
}
