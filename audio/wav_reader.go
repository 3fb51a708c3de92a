// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package audio

import (
	"io"

	"github.com/go-audio/riff"
)

const (
	WavFormatPCM  = 1
	WavFormatULaw = 7
)

// WavReader streams data chunk of wav file. It does not need seeking
type WavReader struct {
	riff.Parser
	chunkData *riff.Chunk
	DataSize  int
}

func NewWavReader(r io.Reader) *WavReader {
	parser := riff.New(r)
	reader := WavReader{Parser: *parser}
	return &reader
}

// ReadHeaders reads until data chunk
func (r *WavReader) ReadHeaders() error {
	if err := r.readHeaders(); err != nil {
		return err
	}

	return r.readDataChunk()
}

func (r *WavReader) readHeaders() error {
	if err := r.Parser.ParseHeaders(); err != nil {
		return err
	}
	for {
		chunk, err := r.NextChunk()
		if err != nil {
			return err
		}

		if chunk.ID != riff.FmtID {
			chunk.Drain()
			continue
		}
		return chunk.DecodeWavHeader(&r.Parser)
	}
}

func (r *WavReader) readDataChunk() error {
	for {
		chunk, err := r.NextChunk()
		if err != nil {
			return err
		}

		if chunk.ID != riff.DataFormatID {
			chunk.Drain()
			continue
		}
		r.chunkData = chunk
		r.DataSize = chunk.Size
		return nil
	}
}

// Format returns layout of samples as stored in file.
// Wav stores little endian samples, mu-law is reported as its decoded 16 bit form.
func (r *WavReader) Format() Format {
	bits := int(r.BitsPerSample)
	if r.WavAudioFormat == WavFormatULaw {
		bits = 16
	}
	return Format{
		SampleRate: int(r.SampleRate),
		BitDepth:   bits,
		Channels:   int(r.NumChannels),
	}
}

// Read returns raw data chunk bytes
func (r *WavReader) Read(buf []byte) (n int, err error) {
	if r.chunkData != nil {
		return r.chunkData.Read(buf)
	}

	if err := r.readDataChunk(); err != nil {
		return 0, err
	}
	return r.chunkData.Read(buf)
}
