package audio

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/loqalabs/loqa-narrator/internal/progress"
)

// CombineRequest describes the book to produce. Omitted lists chapter
// indices that legitimately have no artifact. ChapterCount, when set, is the
// number of chapters the book has, so a missing final chapter is detected.
type CombineRequest struct {
	Artifacts    []ChapterArtifact
	Omitted      []int
	ChapterCount int
	OutputPath   string
	Format       Format
	GapSeconds   float64
}

// Combiner concatenates chapter artifacts into a single audiobook file.
type Combiner struct {
	encoder  Encoder
	observer progress.Observer
	logger   *slog.Logger
}

func NewCombiner(encoder Encoder, observer progress.Observer, logger *slog.Logger) *Combiner {
	return &Combiner{
		encoder:  encoder,
		observer: progress.OrNop(observer),
		logger:   logger.With(slog.String("component", "combiner")),
	}
}

// Combine writes the book. Chapter files are read in index order and are
// never modified.
func (c *Combiner) Combine(ctx context.Context, req CombineRequest) (AudiobookArtifact, error) {
	ordered, err := checkCoverage(req.Artifacts, req.Omitted, req.ChapterCount)
	if err != nil {
		return AudiobookArtifact{}, err
	}
	if len(ordered) == 0 {
		return AudiobookArtifact{}, &IncompleteBookError{}
	}

	format := req.Format
	if format == "" {
		format = FormatWAV
	}
	path := req.OutputPath
	if format != FormatWAV && c.encoder == nil {
		c.logger.Warn("no audio encoder available, combining as wav",
			slog.String("requested_format", string(format)),
		)
		format = FormatWAV
		path = strings.TrimSuffix(path, filepath.Ext(path)) + FormatWAV.Ext()
	}

	first, closeFirst, err := openArtifact(ordered[0])
	if err != nil {
		return AudiobookArtifact{}, err
	}
	rate, channels := first.SampleRate(), first.Channels()
	closeFirst()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return AudiobookArtifact{}, fmt.Errorf("create output dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.partial")
	if err != nil {
		return AudiobookArtifact{}, fmt.Errorf("create combined file: %w", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	var frames int64
	produce := func(emit func([]int16) error) error {
		counted := func(samples []int16) error {
			frames += int64(len(samples) / channels)
			return emit(samples)
		}
		return c.stream(ctx, ordered, rate, channels, req.GapSeconds, counted)
	}

	if format == FormatWAV {
		ww := newWAVWriter(tmp, rate, channels)
		if err := produce(ww.Write); err != nil {
			return AudiobookArtifact{}, err
		}
		if err := ww.Close(); err != nil {
			return AudiobookArtifact{}, fmt.Errorf("finish combined file: %w", err)
		}
	} else {
		if err := encodeStream(ctx, c.encoder, rate, channels, format, tmp, produce); err != nil {
			return AudiobookArtifact{}, err
		}
	}
	if err := tmp.Close(); err != nil {
		return AudiobookArtifact{}, fmt.Errorf("close combined file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return AudiobookArtifact{}, fmt.Errorf("move combined file: %w", err)
	}

	book := AudiobookArtifact{
		FilePath:             path,
		Format:               format,
		TotalDurationSeconds: float64(frames) / float64(rate),
		ChapterCount:         len(ordered),
	}
	c.observer.OnProgress(progress.Event{
		Stage:            progress.StageCombine,
		Sequence:         len(ordered),
		Total:            len(ordered),
		Fraction:         1,
		NarrationSeconds: book.TotalDurationSeconds,
	})
	return book, nil
}

func (c *Combiner) stream(ctx context.Context, ordered []ChapterArtifact, rate, channels int, gap float64, emit func([]int16) error) error {
	var silence []int16
	if gap > 0 {
		silence = Silence(gap, rate, channels).Samples
	}
	for i, artifact := range ordered {
		if err := ctx.Err(); err != nil {
			return err
		}
		if i > 0 && len(silence) > 0 {
			if err := emit(silence); err != nil {
				return err
			}
		}
		src, closeSrc, err := openArtifact(artifact)
		if err != nil {
			return err
		}
		if src.SampleRate() != rate || src.Channels() != channels {
			closeSrc()
			return &FormatMismatchError{
				ChapterIndex: artifact.ChapterIndex,
				WantRate:     rate,
				WantChannels: channels,
				GotRate:      src.SampleRate(),
				GotChannels:  src.Channels(),
			}
		}
		err = copySamples(src, emit)
		closeSrc()
		if err != nil {
			return fmt.Errorf("chapter %d: %w", artifact.ChapterIndex, err)
		}
		c.observer.OnProgress(progress.Event{
			Stage:        progress.StageCombine,
			ChapterIndex: artifact.ChapterIndex,
			Title:        artifact.Title,
			Sequence:     i,
			Total:        len(ordered),
			Fraction:     float64(i+1) / float64(len(ordered)),
		})
	}
	return nil
}

// checkCoverage sorts artifacts and verifies that, with omitted, they cover
// 1..N exactly once. N is the highest index seen or expected, whichever is
// larger.
func checkCoverage(artifacts []ChapterArtifact, omitted []int, expected int) ([]ChapterArtifact, error) {
	ordered := slices.Clone(artifacts)
	slices.SortFunc(ordered, func(a, b ChapterArtifact) int { return a.ChapterIndex - b.ChapterIndex })

	seen := make(map[int]int)
	maxIndex := expected
	for _, a := range ordered {
		seen[a.ChapterIndex]++
		maxIndex = max(maxIndex, a.ChapterIndex)
	}
	for _, idx := range omitted {
		seen[idx]++
		maxIndex = max(maxIndex, idx)
	}

	var incomplete IncompleteBookError
	for idx := 1; idx <= maxIndex; idx++ {
		switch n := seen[idx]; {
		case n == 0:
			incomplete.Missing = append(incomplete.Missing, idx)
		case n > 1:
			incomplete.Duplicates = append(incomplete.Duplicates, idx)
		}
	}
	for idx := range seen {
		if idx < 1 {
			incomplete.Missing = append(incomplete.Missing, idx)
		}
	}
	if len(incomplete.Missing) > 0 || len(incomplete.Duplicates) > 0 {
		return nil, &incomplete
	}
	return ordered, nil
}

func openArtifact(a ChapterArtifact) (sampleReader, func(), error) {
	f, err := os.Open(a.FilePath)
	if err != nil {
		return nil, nil, fmt.Errorf("open chapter %d: %w", a.ChapterIndex, err)
	}
	closeFn := func() { f.Close() }

	format := a.Format
	if format == "" {
		format = Format(strings.TrimPrefix(strings.ToLower(filepath.Ext(a.FilePath)), "."))
	}
	var src sampleReader
	switch format {
	case FormatWAV:
		src, err = newWAVReader(f)
	case FormatMP3:
		src, err = newMP3Reader(f, a.Channels == 1)
	default:
		err = fmt.Errorf("cannot read %s chapters", format)
	}
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("open chapter %d: %w", a.ChapterIndex, err)
	}
	return src, closeFn, nil
}
