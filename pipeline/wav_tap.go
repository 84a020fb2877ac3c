// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package pipeline

import (
	"fmt"
	"io"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// wavTap is the local branch of the pipeline tee. It stores the raw PCM
// stream as 16 bit WAV while the network branch keeps streaming.
type wavTap struct {
	enc    *wav.Encoder
	format SampleFormat
	pcm    []byte
	ints   []int
}

func newWavTap(w io.WriteSeeker, format SampleFormat, sampleRate, channels int) *wavTap {
	return &wavTap{
		enc:    wav.NewEncoder(w, sampleRate, 16, channels, 1),
		format: format,
	}
}

// write tees one source chunk into the recording. G.711 chunks are decoded
// back to PCM first so the file is always plain 16 bit audio.
func (t *wavTap) write(chunk []byte) error {
	pcm := chunk
	switch t.format {
	case FormatAlaw, FormatUlaw:
		if cap(t.pcm) < len(chunk)*2 {
			t.pcm = make([]byte, len(chunk)*2)
		}
		pcm = t.pcm[:len(chunk)*2]
		var err error
		if t.format == FormatAlaw {
			_, err = DecodeAlawTo(pcm, chunk)
		} else {
			_, err = DecodeUlawTo(pcm, chunk)
		}
		if err != nil {
			return fmt.Errorf("decode tap chunk: %w", err)
		}
	}

	samples := len(pcm) / 2
	if cap(t.ints) < samples {
		t.ints = make([]int, samples)
	}
	data := t.ints[:samples]
	for i := 0; i < samples; i++ {
		data[i] = int(int16(pcm[2*i]) | int16(pcm[2*i+1])<<8)
	}

	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: t.enc.NumChans, SampleRate: t.enc.SampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := t.enc.Write(buf); err != nil {
		return fmt.Errorf("write tap chunk: %w", err)
	}
	return nil
}

// close finalizes the WAV headers.
func (t *wavTap) close() error {
	return t.enc.Close()
}
