// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package audio

import (
	"io"

	"github.com/zaf/g711"
)

// DecodeUlawTo decodes mu-law into 16 bit little endian LPCM
func DecodeUlawTo(lpcm []byte, ulaw []byte) (n int, err error) {
	if ulaw == nil {
		return 0, nil
	}

	if len(lpcm) < 2*len(ulaw) {
		return 0, io.ErrShortBuffer
	}
	for i, j := 0, 0; i < len(ulaw); i, j = i+1, j+2 {
		frame := g711.DecodeUlawFrame(ulaw[i])
		lpcm[j] = byte(frame)
		lpcm[j+1] = byte(frame >> 8)
		n += 2
	}
	return n, nil
}

// SwapByteOrder16 converts 16 bit samples between little and big endian in place.
// Trailing odd byte is left untouched.
func SwapByteOrder16(pcm []byte) {
	for i := 0; i+1 < len(pcm); i += 2 {
		pcm[i], pcm[i+1] = pcm[i+1], pcm[i]
	}
}
