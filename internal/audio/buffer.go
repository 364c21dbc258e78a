// Package audio assembles synthesized speech into chapter and book files.
package audio

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// Format is an audio container.
type Format string

const (
	FormatWAV Format = "wav"
	FormatMP3 Format = "mp3"
	FormatOGG Format = "ogg"
)

// ParseFormat accepts a format name, case-insensitively.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatWAV, FormatMP3, FormatOGG:
		return f, nil
	}
	return "", fmt.Errorf("unknown audio format %q", s)
}

// Ext returns the file extension including the dot.
func (f Format) Ext() string { return "." + string(f) }

// Buffer holds interleaved signed 16-bit samples.
type Buffer struct {
	Samples    []int16
	SampleRate int
	Channels   int
}

// Frames returns the number of sample frames.
func (b Buffer) Frames() int {
	if b.Channels <= 0 {
		return 0
	}
	return len(b.Samples) / b.Channels
}

// Duration returns the playback length in seconds.
func (b Buffer) Duration() float64 {
	if b.SampleRate <= 0 {
		return 0
	}
	return float64(b.Frames()) / float64(b.SampleRate)
}

// Silence returns a zeroed buffer of the given length.
func Silence(seconds float64, sampleRate, channels int) Buffer {
	frames := 0
	if seconds > 0 {
		frames = int(math.Round(seconds * float64(sampleRate)))
	}
	return Buffer{
		Samples:    make([]int16, frames*channels),
		SampleRate: sampleRate,
		Channels:   channels,
	}
}

// FromPCM16LE decodes little-endian PCM16 bytes.
func FromPCM16LE(pcm []byte, sampleRate, channels int) (Buffer, error) {
	if len(pcm)%2 != 0 {
		return Buffer{}, fmt.Errorf("pcm payload not aligned")
	}
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return Buffer{Samples: samples, SampleRate: sampleRate, Channels: channels}, nil
}

// PCM16LE encodes the samples as little-endian bytes.
func (b Buffer) PCM16LE() []byte {
	return appendPCM16LE(nil, b.Samples)
}

func appendPCM16LE(dst []byte, samples []int16) []byte {
	for _, s := range samples {
		dst = binary.LittleEndian.AppendUint16(dst, uint16(s))
	}
	return dst
}

// downmixInto averages interleaved stereo frames into dst, which must hold
// at least len(stereo)/2 samples.
func downmixInto(dst, stereo []int16) []int16 {
	frames := len(stereo) / 2
	for i := range frames {
		dst[i] = int16((int32(stereo[2*i]) + int32(stereo[2*i+1])) / 2)
	}
	return dst[:frames]
}
