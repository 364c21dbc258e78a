package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/hajimehoshi/go-mp3"
)

// mp3Reader decodes MP3 into PCM16. go-mp3 always produces interleaved
// stereo; with mono set the two channels are averaged.
type mp3Reader struct {
	dec    *mp3.Decoder
	mono   bool
	raw    []byte
	stereo []int16
}

func newMP3Reader(r io.Reader, mono bool) (*mp3Reader, error) {
	dec, err := mp3.NewDecoder(r)
	if err != nil {
		return nil, fmt.Errorf("decode mp3: %w", err)
	}
	return &mp3Reader{dec: dec, mono: mono}, nil
}

func (r *mp3Reader) SampleRate() int { return r.dec.SampleRate() }

func (r *mp3Reader) Channels() int {
	if r.mono {
		return 1
	}
	return 2
}

func (r *mp3Reader) Read(dst []int16) (int, error) {
	// Four bytes per stereo frame.
	frames := len(dst)
	if !r.mono {
		frames = len(dst) / 2
	}
	if frames == 0 {
		return 0, nil
	}
	want := frames * 4
	if cap(r.raw) < want {
		r.raw = make([]byte, want)
	}
	raw := r.raw[:want]
	n, err := io.ReadFull(r.dec, raw)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		err = nil
	}
	if n == 0 {
		if err == nil {
			err = io.EOF
		}
		return 0, err
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, fmt.Errorf("read mp3 samples: %w", err)
	}

	got := n / 4
	stereo := dst
	if r.mono {
		if cap(r.stereo) < 2*got {
			r.stereo = make([]int16, 2*got)
		}
		stereo = r.stereo
	}
	for i := range 2 * got {
		stereo[i] = int16(binary.LittleEndian.Uint16(raw[2*i:]))
	}
	if r.mono {
		downmixInto(dst, stereo[:2*got])
		return got, nil
	}
	return got * 2, nil
}

// DecodeMP3 decodes an in-memory MP3 stream, optionally down-mixing to mono.
func DecodeMP3(data []byte, mono bool) (Buffer, error) {
	r, err := newMP3Reader(bytes.NewReader(data), mono)
	if err != nil {
		return Buffer{}, err
	}
	return readAll(r)
}
