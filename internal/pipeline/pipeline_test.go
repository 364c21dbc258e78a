package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/audio"
	"github.com/loqalabs/loqa-narrator/internal/book"
	"github.com/loqalabs/loqa-narrator/internal/checkpoint"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/progress"
	"github.com/loqalabs/loqa-narrator/internal/text"
	"github.com/loqalabs/loqa-narrator/internal/tts"
)

const rate = 100

// One word is narrated in one second.
var estimator = text.Estimator{WordsPerMinute: 60}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	dir      string
	recorder *progress.Recorder
	calls    atomic.Int32
}

func (h *harness) pipeline(t *testing.T, opts Options, synth tts.Synthesizer, store Checkpoints) *Pipeline {
	t.Helper()
	if opts.OutputDir == "" {
		opts.OutputDir = h.dir
	}
	if opts.Voice == "" {
		opts.Voice = "af_heart"
	}
	if opts.MaxChunkChars == 0 {
		opts.MaxChunkChars = 20
	}
	if opts.ChapterFormat == "" {
		opts.ChapterFormat = audio.FormatWAV
	}
	logger := newLogger()
	counted := tts.SynthesizerFunc(func(ctx context.Context, req tts.Request) (audio.Buffer, error) {
		h.calls.Add(1)
		return synth.Synthesize(ctx, req)
	})
	coord := tts.NewCoordinator(counted, tts.DefaultVoices(), tts.CoordinatorConfig{RetryBackoff: time.Millisecond}, h.recorder, logger)
	asm := audio.NewAssembler(audio.AssemblerConfig{Dir: opts.OutputDir, Format: audio.FormatWAV, SampleRate: rate, Channels: 1}, nil, h.recorder, logger)
	comb := audio.NewCombiner(nil, h.recorder, logger)
	return New(opts, estimator, coord, asm, comb, store, h.recorder, logger)
}

func newHarness(t *testing.T) *harness {
	return &harness{dir: t.TempDir(), recorder: &progress.Recorder{}}
}

func mockSynth() tts.Synthesizer {
	return tts.NewMockSynth(rate, 1, 0, estimator)
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func sampleBook() book.Book {
	return book.Book{
		Title:  "Small Book",
		Author: "Someone",
		Chapters: []book.Chapter{
			{Index: 1, Title: "First", RawText: "One two three. Four five."},
			{Index: 2, Title: "Second", RawText: "<p>Six seven.</p><p>Eight nine ten.</p>"},
		},
	}
}

func TestRunWritesChapters(t *testing.T) {
	h := newHarness(t)
	var announced []int
	p := h.pipeline(t, Options{OnChapter: func(a audio.ChapterArtifact, reused bool) {
		announced = append(announced, a.ChapterIndex)
	}}, mockSynth(), nil)

	report, err := p.Run(context.Background(), "run-1", sampleBook())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Partial() || report.Status() != checkpoint.StatusCompleted {
		t.Fatalf("unexpected partial report %+v", report)
	}
	if len(report.Chapters) != 2 {
		t.Fatalf("expected 2 chapters, got %d", len(report.Chapters))
	}
	if report.Chapters[0].DurationSeconds != 5 || report.Chapters[1].DurationSeconds != 5 {
		t.Fatalf("unexpected durations %+v", report.Chapters)
	}
	if report.EstimatedSeconds != 10 || report.NarratedSeconds != 10 {
		t.Fatalf("estimated %v narrated %v", report.EstimatedSeconds, report.NarratedSeconds)
	}
	if got := listDir(t, h.dir); !slices.Equal(got, []string{"chapter_001_First.wav", "chapter_002_Second.wav"}) {
		t.Fatalf("unexpected files %v", got)
	}
	if len(announced) != 2 {
		t.Fatalf("expected 2 chapter notifications, got %v", announced)
	}

	done := h.recorder.Stage(progress.StageChapterDone)
	if len(done) != 2 || done[1].Fraction != 1 {
		t.Fatalf("unexpected chapter events %+v", done)
	}
	// One book-level estimate plus one per chapter.
	if n := len(h.recorder.Stage(progress.StageEstimate)); n != 3 {
		t.Fatalf("expected 3 estimate events, got %d", n)
	}
	if n := len(h.recorder.Stage(progress.StageSynthesize)); n != 4 {
		t.Fatalf("expected 4 synthesize events, got %d", n)
	}
}

func TestRunSkipsEmptyChapter(t *testing.T) {
	h := newHarness(t)
	p := h.pipeline(t, Options{Combine: true, CombinedFormat: audio.FormatWAV}, mockSynth(), nil)
	b := book.Book{
		Title: "Scenario",
		Chapters: []book.Chapter{
			{Index: 1, Title: "Words", RawText: "Hello world. This is a test."},
			{Index: 2, Title: "Blank", RawText: "<div>  \n\t </div>"},
		},
	}

	report, err := p.Run(context.Background(), "run-1", b)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(report.Chapters) != 1 || report.Chapters[0].ChapterIndex != 1 {
		t.Fatalf("expected exactly chapter 1, got %+v", report.Chapters)
	}
	if len(report.Skipped) != 1 || report.Skipped[0].Index != 2 || !errors.Is(report.Skipped[0].Err, text.ErrEmptyInput) {
		t.Fatalf("expected chapter 2 skipped, got %+v", report.Skipped)
	}
	if report.Partial() {
		t.Fatalf("skipped chapters do not make a run partial: %+v", report)
	}
	if report.Book == nil || report.Book.ChapterCount != 1 || report.Book.TotalDurationSeconds != 6 {
		t.Fatalf("unexpected book %+v (combine err %v)", report.Book, report.CombineErr)
	}
	if filepath.Base(report.Book.FilePath) != "Scenario_complete.wav" {
		t.Fatalf("unexpected book path %s", report.Book.FilePath)
	}
}

func TestRunIsolatesChapterFailure(t *testing.T) {
	h := newHarness(t)
	failing := tts.SynthesizerFunc(func(ctx context.Context, req tts.Request) (audio.Buffer, error) {
		if req.ChapterIndex == 2 {
			return audio.Buffer{}, errors.New("backend unavailable")
		}
		return mockSynth().Synthesize(ctx, req)
	})
	p := h.pipeline(t, Options{Combine: true, Workers: 2}, failing, nil)
	b := sampleBook()
	b.Chapters = append(b.Chapters, book.Chapter{Index: 3, Title: "Third", RawText: "Eleven twelve."})

	report, err := p.Run(context.Background(), "run-1", b)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !report.Partial() || report.Status() != checkpoint.StatusPartial {
		t.Fatal("expected partial report")
	}
	if len(report.Failed) != 1 || report.Failed[0].Index != 2 {
		t.Fatalf("expected chapter 2 failed, got %+v", report.Failed)
	}
	var chunkErr *tts.ChunkSynthesisError
	if !errors.As(report.Failed[0].Err, &chunkErr) {
		t.Fatalf("expected ChunkSynthesisError, got %v", report.Failed[0].Err)
	}
	if len(report.Chapters) != 2 || report.Chapters[0].ChapterIndex != 1 || report.Chapters[1].ChapterIndex != 3 {
		t.Fatalf("expected chapters 1 and 3, got %+v", report.Chapters)
	}
	var incomplete *audio.IncompleteBookError
	if !errors.As(report.CombineErr, &incomplete) || !slices.Equal(incomplete.Missing, []int{2}) {
		t.Fatalf("expected combine to report chapter 2 missing, got %v", report.CombineErr)
	}
	for _, name := range listDir(t, h.dir) {
		if strings.HasPrefix(name, ".") || strings.Contains(name, "Second") || strings.Contains(name, "complete") {
			t.Fatalf("unexpected file %s", name)
		}
	}
}

func TestRunSilencePolicy(t *testing.T) {
	h := newHarness(t)
	synth := tts.SynthesizerFunc(func(ctx context.Context, req tts.Request) (audio.Buffer, error) {
		if strings.HasPrefix(req.Text, "Fail") {
			return audio.Buffer{}, errors.New("cannot pronounce")
		}
		return mockSynth().Synthesize(ctx, req)
	})
	p := h.pipeline(t, Options{MaxChunkChars: 12, OnChunkFailure: OnFailureSilence}, synth, nil)
	b := book.Book{Title: "Gaps", Chapters: []book.Chapter{
		{Index: 1, Title: "Only", RawText: "Alpha beta. Fail here. Gamma delta. Eps zeta."},
	}}

	report, err := p.Run(context.Background(), "run-1", b)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Partial() || len(report.Chapters) != 1 {
		t.Fatalf("expected chapter written with silence, got %+v", report)
	}
	if d := report.Chapters[0].DurationSeconds; d != 8 {
		t.Fatalf("duration = %v, want 8", d)
	}

	// Every chunk reports once against the whole chapter, the silent one included.
	events := h.recorder.Stage(progress.StageSynthesize)
	if len(events) != 4 {
		t.Fatalf("expected 4 synthesize events, got %d", len(events))
	}
	for i, e := range events {
		if e.Sequence != i || e.Total != 4 || e.Fraction != float64(i+1)/4 {
			t.Fatalf("event %d: sequence=%d total=%d fraction=%v", i, e.Sequence, e.Total, e.Fraction)
		}
		if (e.Err != nil) != (i == 1) {
			t.Fatalf("event %d: unexpected error %v", i, e.Err)
		}
	}

	// A chapter where every chunk fails is still a failure.
	h2 := newHarness(t)
	allFail := tts.SynthesizerFunc(func(ctx context.Context, req tts.Request) (audio.Buffer, error) {
		return audio.Buffer{}, errors.New("down")
	})
	p2 := h2.pipeline(t, Options{MaxChunkChars: 12, OnChunkFailure: OnFailureSilence}, allFail, nil)
	report, err = p2.Run(context.Background(), "run-2", b)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(report.Failed) != 1 || len(listDir(t, h2.dir)) != 0 {
		t.Fatalf("expected failed chapter and no files, got %+v", report)
	}
}

func TestRunFatalErrors(t *testing.T) {
	h := newHarness(t)

	p := h.pipeline(t, Options{Voice: "zz_unknown"}, mockSynth(), nil)
	_, err := p.Run(context.Background(), "run-1", sampleBook())
	var unknown *tts.UnknownVoiceError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownVoiceError, got %v", err)
	}

	p = h.pipeline(t, Options{}, mockSynth(), nil)
	b := sampleBook()
	b.Chapters[1].Index = 5
	if _, err := p.Run(context.Background(), "run-2", b); !errors.Is(err, book.ErrInvalidChapters) {
		t.Fatalf("expected ErrInvalidChapters, got %v", err)
	}
	if h.calls.Load() != 0 {
		t.Fatalf("fatal validation must happen before synthesis, got %d calls", h.calls.Load())
	}
}

func TestRunCancellation(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	synth := tts.SynthesizerFunc(func(ctx context.Context, req tts.Request) (audio.Buffer, error) {
		if req.ChapterIndex == 2 {
			cancel()
			return audio.Buffer{}, ctx.Err()
		}
		return mockSynth().Synthesize(ctx, req)
	})
	p := h.pipeline(t, Options{}, synth, nil)
	b := sampleBook()
	b.Chapters = append(b.Chapters, book.Chapter{Index: 3, Title: "Third", RawText: "Eleven twelve."})

	report, err := p.Run(ctx, "run-1", b)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(report.Chapters) != 1 || report.Chapters[0].ChapterIndex != 1 {
		t.Fatalf("completed chapter should be kept, got %+v", report.Chapters)
	}
	if got := listDir(t, h.dir); !slices.Equal(got, []string{"chapter_001_First.wav"}) {
		t.Fatalf("unexpected files after cancellation %v", got)
	}
}

func TestRunResumesFromCheckpoint(t *testing.T) {
	store, err := checkpoint.Open(context.Background(), config.CheckpointConfig{
		Path:          filepath.Join(t.TempDir(), "narrator.db"),
		RetentionMode: "persistent",
	}, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	h := newHarness(t)
	first, err := h.pipeline(t, Options{}, mockSynth(), store).Run(context.Background(), "run-1", sampleBook())
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	callsAfterFirst := h.calls.Load()

	second, err := h.pipeline(t, Options{}, mockSynth(), store).Run(context.Background(), "run-2", sampleBook())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if h.calls.Load() != callsAfterFirst {
		t.Fatalf("second run synthesized again (%d calls)", h.calls.Load()-callsAfterFirst)
	}
	if !slices.Equal(second.Reused, []int{1, 2}) {
		t.Fatalf("expected both chapters reused, got %v", second.Reused)
	}
	if second.Chapters[0].FilePath != first.Chapters[0].FilePath || second.NarratedSeconds != first.NarratedSeconds {
		t.Fatalf("reused artifacts differ: %+v vs %+v", second.Chapters, first.Chapters)
	}

	// A missing file or a changed voice invalidates the checkpoint.
	if err := os.Remove(first.Chapters[0].FilePath); err != nil {
		t.Fatalf("remove: %v", err)
	}
	third, err := h.pipeline(t, Options{}, mockSynth(), store).Run(context.Background(), "run-3", sampleBook())
	if err != nil {
		t.Fatalf("third run: %v", err)
	}
	if !slices.Equal(third.Reused, []int{2}) {
		t.Fatalf("expected only chapter 2 reused, got %v", third.Reused)
	}
	fourth, err := h.pipeline(t, Options{Voice: "bm_george"}, mockSynth(), store).Run(context.Background(), "run-4", sampleBook())
	if err != nil {
		t.Fatalf("fourth run: %v", err)
	}
	if len(fourth.Reused) != 0 {
		t.Fatalf("voice change must not reuse chapters, got %v", fourth.Reused)
	}
}

func TestRunWorkerPoolKeepsOrder(t *testing.T) {
	h := newHarness(t)
	synth := tts.SynthesizerFunc(func(ctx context.Context, req tts.Request) (audio.Buffer, error) {
		time.Sleep(time.Duration(6-req.ChapterIndex) * 2 * time.Millisecond)
		return mockSynth().Synthesize(ctx, req)
	})
	p := h.pipeline(t, Options{Workers: 3, Combine: true}, synth, nil)
	b := book.Book{Title: "Many"}
	for i := 1; i <= 5; i++ {
		b.Chapters = append(b.Chapters, book.Chapter{Index: i, Title: "Part", RawText: "Some narrated words here."})
	}

	report, err := p.Run(context.Background(), "run-1", b)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for i, a := range report.Chapters {
		if a.ChapterIndex != i+1 {
			t.Fatalf("chapters out of order: %+v", report.Chapters)
		}
	}
	if report.Book == nil || report.Book.TotalDurationSeconds != 20 {
		t.Fatalf("unexpected book %+v (%v)", report.Book, report.CombineErr)
	}
}

func TestBookKey(t *testing.T) {
	b := sampleBook()
	if BookKey(b, "out") != BookKey(b, "./out/") {
		t.Fatal("equivalent output dirs should share a key")
	}
	if BookKey(b, "out") == BookKey(b, "elsewhere") {
		t.Fatal("different output dirs should not share a key")
	}
}
