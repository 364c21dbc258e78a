package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/loqalabs/loqa-narrator/internal/progress"
)

// AssemblerConfig controls where chapters are written. SampleRate and
// Channels shape silence appended before any synthesized buffer.
type AssemblerConfig struct {
	Dir        string
	Format     Format
	SampleRate int
	Channels   int
}

// ChapterSpec identifies the chapter being assembled. An empty Format falls
// back to the assembler default.
type ChapterSpec struct {
	Index  int
	Title  string
	Format Format
	// Total is the expected number of buffers, used for progress only.
	Total int
}

// Assembler writes chapter artifacts.
type Assembler struct {
	cfg      AssemblerConfig
	encoder  Encoder
	observer progress.Observer
	logger   *slog.Logger
}

// NewAssembler returns an assembler. encoder may be nil, in which case
// compressed chapter formats degrade to WAV.
func NewAssembler(cfg AssemblerConfig, encoder Encoder, observer progress.Observer, logger *slog.Logger) *Assembler {
	if cfg.Format == "" {
		cfg.Format = FormatWAV
	}
	return &Assembler{
		cfg:      cfg,
		encoder:  encoder,
		observer: progress.OrNop(observer),
		logger:   logger.With(slog.String("component", "assembler")),
	}
}

// Assemble writes buffers as one chapter file.
func (a *Assembler) Assemble(ctx context.Context, spec ChapterSpec, buffers []Buffer) (ChapterArtifact, error) {
	if spec.Total == 0 {
		spec.Total = len(buffers)
	}
	w, err := a.Begin(spec)
	if err != nil {
		return ChapterArtifact{}, err
	}
	for _, buf := range buffers {
		if err := w.Append(buf); err != nil {
			w.Abort()
			return ChapterArtifact{}, err
		}
	}
	return w.Commit(ctx)
}

// Begin opens a hidden temporary file for a chapter. The final file only
// appears when Commit succeeds.
func (a *Assembler) Begin(spec ChapterSpec) (*ChapterWriter, error) {
	format := spec.Format
	if format == "" {
		format = a.cfg.Format
	}
	if format != FormatWAV && a.encoder == nil {
		a.logger.Warn("no audio encoder available, writing wav instead",
			slog.Int("chapter", spec.Index),
			slog.String("requested_format", string(format)),
		)
		format = FormatWAV
	}

	dir := a.cfg.Dir
	if dir == "" {
		dir = "."
	}
	final := filepath.Join(dir, ChapterFileName(spec.Index, spec.Title, format))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &PersistError{ChapterIndex: spec.Index, Path: final, Err: err}
	}
	tmp, err := os.CreateTemp(dir, fmt.Sprintf(".chapter_%03d_*.wav.partial", spec.Index))
	if err != nil {
		return nil, &PersistError{ChapterIndex: spec.Index, Path: final, Err: err}
	}
	return &ChapterWriter{
		a:      a,
		spec:   spec,
		format: format,
		final:  final,
		tmp:    tmp,
	}, nil
}

// ChapterWriter accumulates one chapter. It is not safe for concurrent use.
type ChapterWriter struct {
	a        *Assembler
	spec     ChapterSpec
	format   Format
	final    string
	tmp      *os.File
	wav      *wavWriter
	rate     int
	channels int
	appended int
	done     bool
}

// Path is where the chapter will appear on commit.
func (w *ChapterWriter) Path() string { return w.final }

// Append writes the next buffer. All buffers must share the shape of the
// first one.
func (w *ChapterWriter) Append(buf Buffer) error {
	if w.done {
		return &PersistError{ChapterIndex: w.spec.Index, Path: w.final, Err: os.ErrClosed}
	}
	if buf.SampleRate <= 0 || buf.Channels <= 0 {
		return &FormatMismatchError{
			ChapterIndex: w.spec.Index,
			WantRate:     w.rate,
			WantChannels: w.channels,
			GotRate:      buf.SampleRate,
			GotChannels:  buf.Channels,
		}
	}
	if err := w.write(buf); err != nil {
		return err
	}
	w.appended++
	fraction := 0.0
	if w.spec.Total > 0 {
		fraction = float64(w.appended) / float64(w.spec.Total)
	}
	w.a.observer.OnProgress(progress.Event{
		Stage:        progress.StageAssemble,
		ChapterIndex: w.spec.Index,
		Title:        w.spec.Title,
		Sequence:     w.appended - 1,
		Total:        w.spec.Total,
		Fraction:     fraction,
	})
	return nil
}

// AppendSilence writes seconds of silence in the chapter's shape, or the
// configured default shape when nothing has been appended yet.
func (w *ChapterWriter) AppendSilence(seconds float64) error {
	if w.done {
		return &PersistError{ChapterIndex: w.spec.Index, Path: w.final, Err: os.ErrClosed}
	}
	rate, channels := w.rate, w.channels
	if w.wav == nil {
		rate, channels = w.a.cfg.SampleRate, w.a.cfg.Channels
	}
	if rate <= 0 || channels <= 0 {
		return &FormatMismatchError{ChapterIndex: w.spec.Index, GotRate: rate, GotChannels: channels}
	}
	return w.write(Silence(seconds, rate, channels))
}

func (w *ChapterWriter) write(buf Buffer) error {
	if w.wav == nil {
		w.rate, w.channels = buf.SampleRate, buf.Channels
		w.wav = newWAVWriter(w.tmp, w.rate, w.channels)
	} else if buf.SampleRate != w.rate || buf.Channels != w.channels {
		return &FormatMismatchError{
			ChapterIndex: w.spec.Index,
			WantRate:     w.rate,
			WantChannels: w.channels,
			GotRate:      buf.SampleRate,
			GotChannels:  buf.Channels,
		}
	}
	if err := w.wav.Write(buf.Samples); err != nil {
		return &PersistError{ChapterIndex: w.spec.Index, Path: w.tmp.Name(), Err: err}
	}
	return nil
}

// Commit finalizes the chapter and moves it into place. On error the
// temporary files are removed.
func (w *ChapterWriter) Commit(ctx context.Context) (ChapterArtifact, error) {
	if w.done {
		return ChapterArtifact{}, &PersistError{ChapterIndex: w.spec.Index, Path: w.final, Err: os.ErrClosed}
	}
	if w.wav == nil {
		w.Abort()
		return ChapterArtifact{}, &PersistError{ChapterIndex: w.spec.Index, Path: w.final, Err: ErrNoAudio}
	}
	if err := ctx.Err(); err != nil {
		w.Abort()
		return ChapterArtifact{}, err
	}
	if err := w.wav.Close(); err != nil {
		w.Abort()
		return ChapterArtifact{}, &PersistError{ChapterIndex: w.spec.Index, Path: w.tmp.Name(), Err: err}
	}

	var err error
	if w.format == FormatWAV {
		err = w.promoteWAV()
	} else {
		err = w.encode(ctx)
	}
	if err != nil {
		w.Abort()
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return ChapterArtifact{}, err
		}
		return ChapterArtifact{}, &PersistError{ChapterIndex: w.spec.Index, Path: w.final, Err: err}
	}
	w.done = true

	artifact := ChapterArtifact{
		ChapterIndex:    w.spec.Index,
		Title:           w.spec.Title,
		FilePath:        w.final,
		DurationSeconds: float64(w.wav.samples/int64(w.channels)) / float64(w.rate),
		Format:          w.format,
		SampleRate:      w.rate,
		Channels:        w.channels,
	}
	w.a.observer.OnProgress(progress.Event{
		Stage:            progress.StageAssemble,
		ChapterIndex:     w.spec.Index,
		Title:            w.spec.Title,
		Sequence:         w.appended,
		Total:            w.spec.Total,
		Fraction:         1,
		NarrationSeconds: artifact.DurationSeconds,
	})
	return artifact, nil
}

func (w *ChapterWriter) promoteWAV() error {
	if err := w.tmp.Close(); err != nil {
		return err
	}
	return os.Rename(w.tmp.Name(), w.final)
}

func (w *ChapterWriter) encode(ctx context.Context) error {
	if _, err := w.tmp.Seek(0, io.SeekStart); err != nil {
		return err
	}
	src, err := newWAVReader(w.tmp)
	if err != nil {
		return err
	}
	out, err := os.CreateTemp(filepath.Dir(w.final), fmt.Sprintf(".chapter_%03d_*%s.partial", w.spec.Index, w.format.Ext()))
	if err != nil {
		return err
	}
	err = encodeStream(ctx, w.a.encoder, w.rate, w.channels, w.format, out, func(emit func([]int16) error) error {
		return copySamples(src, emit)
	})
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(out.Name(), w.final)
	}
	if err != nil {
		os.Remove(out.Name())
		return err
	}
	w.tmp.Close()
	os.Remove(w.tmp.Name())
	return nil
}

// Abort discards the chapter. It is safe to call more than once and after
// a successful Commit, where it does nothing.
func (w *ChapterWriter) Abort() {
	if w.done {
		return
	}
	w.done = true
	w.tmp.Close()
	if err := os.Remove(w.tmp.Name()); err != nil && !errors.Is(err, os.ErrNotExist) {
		w.a.logger.Warn("remove partial chapter", slog.String("path", w.tmp.Name()), slog.String("error", err.Error()))
	}
}

func copySamples(src sampleReader, emit func([]int16) error) error {
	block := make([]int16, 8192)
	for {
		n, err := src.Read(block)
		if n > 0 {
			if werr := emit(block[:n]); werr != nil {
				return werr
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
