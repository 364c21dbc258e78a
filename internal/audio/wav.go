package audio

import (
	"errors"
	"fmt"
	"io"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// wavWriter streams PCM16 samples into a WAV container. The header sizes are
// patched on Close, so the destination must be seekable.
type wavWriter struct {
	enc     *wav.Encoder
	buf     *goaudio.IntBuffer
	wrote   bool
	samples int64
}

func newWAVWriter(w io.WriteSeeker, sampleRate, channels int) *wavWriter {
	return &wavWriter{
		enc: wav.NewEncoder(w, sampleRate, 16, channels, 1),
		buf: &goaudio.IntBuffer{
			Format:         &goaudio.Format{NumChannels: channels, SampleRate: sampleRate},
			SourceBitDepth: 16,
		},
	}
}

func (w *wavWriter) Write(samples []int16) error {
	if cap(w.buf.Data) < len(samples) {
		w.buf.Data = make([]int, len(samples))
	}
	w.buf.Data = w.buf.Data[:len(samples)]
	for i, s := range samples {
		w.buf.Data[i] = int(s)
	}
	if err := w.enc.Write(w.buf); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	w.wrote = true
	w.samples += int64(len(samples))
	return nil
}

func (w *wavWriter) Close() error {
	if !w.wrote {
		// The encoder only emits its header on the first write.
		if err := w.Write(nil); err != nil {
			return err
		}
	}
	if err := w.enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

// WriteWAV writes a complete buffer as a WAV file.
func WriteWAV(w io.WriteSeeker, b Buffer) error {
	ww := newWAVWriter(w, b.SampleRate, b.Channels)
	if err := ww.Write(b.Samples); err != nil {
		return err
	}
	return ww.Close()
}

// sampleReader yields interleaved PCM16 samples from a decoded file.
type sampleReader interface {
	SampleRate() int
	Channels() int
	// Read fills dst and returns io.EOF once the stream is exhausted.
	Read(dst []int16) (int, error)
}

type wavReader struct {
	dec      *wav.Decoder
	buf      *goaudio.IntBuffer
	rate     int
	channels int
}

func newWAVReader(r io.ReadSeeker) (*wavReader, error) {
	dec := wav.NewDecoder(r)
	dec.ReadInfo()
	if err := dec.Err(); err != nil {
		return nil, fmt.Errorf("read wav header: %w", err)
	}
	if dec.NumChans == 0 || dec.SampleRate == 0 {
		return nil, errors.New("not a valid wav file")
	}
	if dec.BitDepth != 16 {
		return nil, fmt.Errorf("unsupported wav bit depth %d", dec.BitDepth)
	}
	return &wavReader{
		dec:      dec,
		buf:      &goaudio.IntBuffer{},
		rate:     int(dec.SampleRate),
		channels: int(dec.NumChans),
	}, nil
}

func (r *wavReader) SampleRate() int { return r.rate }
func (r *wavReader) Channels() int   { return r.channels }

func (r *wavReader) Read(dst []int16) (int, error) {
	if cap(r.buf.Data) < len(dst) {
		r.buf.Data = make([]int, len(dst))
	}
	r.buf.Data = r.buf.Data[:len(dst)]
	n, err := r.dec.PCMBuffer(r.buf)
	if err != nil {
		return 0, fmt.Errorf("read wav samples: %w", err)
	}
	if n == 0 {
		return 0, io.EOF
	}
	for i := 0; i < n; i++ {
		dst[i] = int16(r.buf.Data[i])
	}
	return n, nil
}

// ReadWAV decodes a whole WAV stream into memory.
func ReadWAV(r io.ReadSeeker) (Buffer, error) {
	wr, err := newWAVReader(r)
	if err != nil {
		return Buffer{}, err
	}
	return readAll(wr)
}

func readAll(r sampleReader) (Buffer, error) {
	out := Buffer{SampleRate: r.SampleRate(), Channels: r.Channels()}
	block := make([]int16, 8192)
	for {
		n, err := r.Read(block)
		out.Samples = append(out.Samples, block[:n]...)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return Buffer{}, err
		}
	}
}
