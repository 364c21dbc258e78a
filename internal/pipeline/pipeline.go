// Package pipeline turns a parsed book into chapter audio files and,
// optionally, a single combined audiobook.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-narrator/internal/audio"
	"github.com/loqalabs/loqa-narrator/internal/book"
	"github.com/loqalabs/loqa-narrator/internal/checkpoint"
	"github.com/loqalabs/loqa-narrator/internal/progress"
	"github.com/loqalabs/loqa-narrator/internal/text"
	"github.com/loqalabs/loqa-narrator/internal/tts"
)

// Chunk failure policies.
const (
	OnFailureAbort   = "abort"
	OnFailureSilence = "silence"
)

// Options configures a pipeline.
type Options struct {
	OutputDir     string
	Voice         string
	MaxChunkChars int
	ChapterFormat audio.Format
	Combine       bool
	// CombinedFormat is the container of the combined file.
	CombinedFormat audio.Format
	ChapterGap     time.Duration
	// OnChunkFailure is abort (the chapter fails) or silence (the failed
	// chunk is replaced by silence of its estimated length).
	OnChunkFailure string
	Workers        int
	// DeviationTolerance is the relative difference between estimated and
	// real chapter duration above which a warning is logged. Zero disables it.
	DeviationTolerance float64
	// OnChapter, if set, is called for every chapter artifact, reused or new.
	OnChapter func(a audio.ChapterArtifact, reused bool)
}

// Checkpoints persists finished chapters so later runs can reuse them.
type Checkpoints interface {
	LookupChapter(ctx context.Context, bookKey string, index int) (checkpoint.Chapter, bool, error)
	SaveChapter(ctx context.Context, ch checkpoint.Chapter) error
}

// Pipeline runs books through normalization, chunking, synthesis and
// assembly. It is safe to reuse across runs but not to run concurrently.
type Pipeline struct {
	opts        Options
	chunker     text.Chunker
	coordinator *tts.Coordinator
	assembler   *audio.Assembler
	combiner    *audio.Combiner
	checkpoints Checkpoints
	observer    progress.Observer
	logger      *slog.Logger
	tracer      trace.Tracer
}

// New builds a pipeline. checkpoints may be nil.
func New(opts Options, estimator text.Estimator, coordinator *tts.Coordinator, assembler *audio.Assembler, combiner *audio.Combiner, checkpoints Checkpoints, observer progress.Observer, logger *slog.Logger) *Pipeline {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.MaxChunkChars <= 0 {
		opts.MaxChunkChars = text.DefaultMaxChunkChars
	}
	if opts.OnChunkFailure == "" {
		opts.OnChunkFailure = OnFailureAbort
	}
	return &Pipeline{
		opts:        opts,
		chunker:     text.Chunker{MaxChars: opts.MaxChunkChars, Estimator: estimator},
		coordinator: coordinator,
		assembler:   assembler,
		combiner:    combiner,
		checkpoints: checkpoints,
		observer:    progress.OrNop(observer),
		logger:      logger.With(slog.String("component", "pipeline")),
		tracer:      otel.Tracer("github.com/loqalabs/loqa-narrator/internal/pipeline"),
	}
}

// chapterPlan is a chapter ready for synthesis.
type chapterPlan struct {
	chapter     book.Chapter
	chunks      []text.Chunk
	estimate    float64
	fingerprint string
}

type chapterResult struct {
	plan     chapterPlan
	artifact audio.ChapterArtifact
	reused   bool
	err      error
}

// BookKey identifies a book for checkpointing. Output directory is part of
// the key because artifacts are only reusable where they were written.
func BookKey(b book.Book, outputDir string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%d", b.Title, b.Author, filepath.Clean(outputDir), len(b.Chapters))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// Run converts b. Errors returned directly are fatal to the whole run
// (invalid chapters, unknown voice, cancellation); per-chapter failures are
// listed in the report instead.
func (p *Pipeline) Run(ctx context.Context, runID string, b book.Book) (Report, error) {
	report := Report{
		RunID:     runID,
		BookKey:   BookKey(b, p.opts.OutputDir),
		BookTitle: b.Title,
	}
	if err := book.ValidateChapters(b.Chapters); err != nil {
		return report, err
	}
	if _, err := p.coordinator.Voices().Lookup(p.opts.Voice); err != nil {
		return report, err
	}

	ctx, span := p.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("narrator.run_id", runID),
		attribute.String("narrator.book", b.Title),
		attribute.Int("narrator.chapters", len(b.Chapters)),
	))
	defer span.End()

	plans, skipped := p.plan(b)
	report.Skipped = skipped
	for _, pl := range plans {
		report.EstimatedSeconds += pl.estimate
	}
	p.observer.OnProgress(progress.Event{
		Stage:            progress.StageEstimate,
		Total:            len(plans),
		NarrationSeconds: report.EstimatedSeconds,
	})
	p.logger.Info("planned book",
		slog.String("run_id", runID),
		slog.String("title", b.Title),
		slog.Int("chapters", len(plans)),
		slog.Int("skipped", len(skipped)),
		slog.String("estimated_duration", text.FormatDuration(report.EstimatedSeconds)),
	)

	start := time.Now()
	done := 0
	for res := range p.runChapters(ctx, report.BookKey, runID, plans) {
		done++
		ch := res.plan.chapter
		event := progress.Event{
			ChapterIndex: ch.Index,
			Title:        ch.Title,
			Sequence:     done,
			Total:        len(plans),
			Fraction:     float64(done) / float64(len(plans)),
			Remaining:    time.Since(start) / time.Duration(done) * time.Duration(len(plans)-done),
		}
		if res.err != nil {
			report.Failed = append(report.Failed, ChapterOutcome{Index: ch.Index, Title: ch.Title, Err: res.err})
			event.Stage = progress.StageChapterFailed
			event.Err = res.err
			p.observer.OnProgress(event)
			continue
		}
		report.Chapters = append(report.Chapters, res.artifact)
		report.NarratedSeconds += res.artifact.DurationSeconds
		if res.reused {
			report.Reused = append(report.Reused, ch.Index)
		}
		event.Stage = progress.StageChapterDone
		event.NarrationSeconds = res.artifact.DurationSeconds
		p.observer.OnProgress(event)
	}
	slices.SortFunc(report.Chapters, func(a, b audio.ChapterArtifact) int { return a.ChapterIndex - b.ChapterIndex })
	slices.SortFunc(report.Failed, func(a, b ChapterOutcome) int { return a.Index - b.Index })
	slices.Sort(report.Reused)

	if err := ctx.Err(); err != nil {
		span.SetStatus(codes.Error, "cancelled")
		return report, err
	}

	if p.opts.Combine {
		p.combine(ctx, b, &report)
	}
	if report.Partial() {
		span.SetStatus(codes.Error, "partial")
	}
	span.SetAttributes(attribute.Float64("narrator.narrated_seconds", report.NarratedSeconds))
	return report, nil
}

// plan normalizes and chunks every chapter. Chapters without narratable
// text are returned as skipped.
func (p *Pipeline) plan(b book.Book) ([]chapterPlan, []ChapterOutcome) {
	var (
		plans   []chapterPlan
		skipped []ChapterOutcome
	)
	for _, ch := range b.Chapters {
		normalized := text.Normalize(ch.RawText)
		chunks, err := p.chunker.Split(normalized, ch.Index)
		if err != nil {
			skipped = append(skipped, ChapterOutcome{Index: ch.Index, Title: ch.Title, Err: err})
			p.observer.OnProgress(progress.Event{
				Stage:        progress.StageChapterSkipped,
				ChapterIndex: ch.Index,
				Title:        ch.Title,
				Err:          err,
			})
			continue
		}
		pl := chapterPlan{
			chapter:     ch,
			chunks:      chunks,
			estimate:    p.chunker.Estimator.EstimateChunks(chunks),
			fingerprint: p.fingerprint(ch, normalized),
		}
		plans = append(plans, pl)
		p.observer.OnProgress(progress.Event{
			Stage:            progress.StageEstimate,
			ChapterIndex:     ch.Index,
			Title:            ch.Title,
			Total:            len(chunks),
			NarrationSeconds: pl.estimate,
		})
	}
	return plans, skipped
}

// fingerprint covers every input that shapes a chapter's audio file.
func (p *Pipeline) fingerprint(ch book.Chapter, normalized string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d\x00%s\x00%s\x00%d\x00%s\x00", ch.Index, ch.Title, p.opts.Voice, p.opts.MaxChunkChars, p.opts.ChapterFormat)
	io.WriteString(h, normalized)
	return hex.EncodeToString(h.Sum(nil))
}

// runChapters processes plans on a pool of workers and yields results as
// they finish. The channel is closed once every started chapter reported.
func (p *Pipeline) runChapters(ctx context.Context, bookKey, runID string, plans []chapterPlan) <-chan chapterResult {
	jobs := make(chan chapterPlan)
	results := make(chan chapterResult)

	workers := min(p.opts.Workers, max(len(plans), 1))
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for pl := range jobs {
				artifact, reused, err := p.runChapter(ctx, bookKey, runID, pl)
				results <- chapterResult{plan: pl, artifact: artifact, reused: reused, err: err}
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, pl := range plans {
			select {
			case jobs <- pl:
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		wg.Wait()
		close(results)
	}()
	return results
}

func (p *Pipeline) runChapter(ctx context.Context, bookKey, runID string, pl chapterPlan) (audio.ChapterArtifact, bool, error) {
	ch := pl.chapter
	if err := ctx.Err(); err != nil {
		return audio.ChapterArtifact{}, false, err
	}
	ctx, span := p.tracer.Start(ctx, "pipeline.chapter", trace.WithAttributes(
		attribute.Int("narrator.chapter", ch.Index),
		attribute.Int("narrator.chunks", len(pl.chunks)),
	))
	defer span.End()

	if artifact, ok := p.reuse(ctx, bookKey, pl); ok {
		span.SetAttributes(attribute.Bool("narrator.reused", true))
		p.logger.Info("reusing chapter from earlier run",
			slog.Int("chapter", ch.Index),
			slog.String("path", artifact.FilePath),
		)
		p.notify(artifact, true)
		return artifact, true, nil
	}

	artifact, err := p.synthesize(ctx, pl)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "chapter failed")
		return audio.ChapterArtifact{}, false, err
	}

	if tol := p.opts.DeviationTolerance; tol > 0 {
		if dev := text.Deviation(pl.estimate, artifact.DurationSeconds); dev > tol {
			p.logger.Warn("chapter duration differs from estimate",
				slog.Int("chapter", ch.Index),
				slog.String("estimated", text.FormatDuration(pl.estimate)),
				slog.String("actual", text.FormatDuration(artifact.DurationSeconds)),
				slog.Float64("deviation", dev),
			)
		}
	}

	if p.checkpoints != nil {
		err := p.checkpoints.SaveChapter(context.WithoutCancel(ctx), checkpoint.Chapter{
			BookKey:         bookKey,
			ChapterIndex:    ch.Index,
			Title:           ch.Title,
			Fingerprint:     pl.fingerprint,
			FilePath:        artifact.FilePath,
			Format:          string(artifact.Format),
			DurationSeconds: artifact.DurationSeconds,
			SampleRate:      artifact.SampleRate,
			Channels:        artifact.Channels,
			RunID:           runID,
		})
		if err != nil {
			p.logger.Warn("save chapter checkpoint failed", slog.Int("chapter", ch.Index), slog.String("error", err.Error()))
		}
	}
	p.notify(artifact, false)
	return artifact, false, nil
}

func (p *Pipeline) notify(a audio.ChapterArtifact, reused bool) {
	if p.opts.OnChapter != nil {
		p.opts.OnChapter(a, reused)
	}
}

// reuse returns the artifact of an earlier run when its fingerprint matches
// and the file is still on disk.
func (p *Pipeline) reuse(ctx context.Context, bookKey string, pl chapterPlan) (audio.ChapterArtifact, bool) {
	if p.checkpoints == nil {
		return audio.ChapterArtifact{}, false
	}
	rec, ok, err := p.checkpoints.LookupChapter(ctx, bookKey, pl.chapter.Index)
	if err != nil {
		p.logger.Warn("checkpoint lookup failed", slog.Int("chapter", pl.chapter.Index), slog.String("error", err.Error()))
		return audio.ChapterArtifact{}, false
	}
	if !ok || rec.Fingerprint != pl.fingerprint {
		return audio.ChapterArtifact{}, false
	}
	if _, err := os.Stat(rec.FilePath); err != nil {
		return audio.ChapterArtifact{}, false
	}
	return audio.ChapterArtifact{
		ChapterIndex:    rec.ChapterIndex,
		Title:           rec.Title,
		FilePath:        rec.FilePath,
		DurationSeconds: rec.DurationSeconds,
		Format:          audio.Format(rec.Format),
		SampleRate:      rec.SampleRate,
		Channels:        rec.Channels,
	}, true
}

// synthesize streams a chapter's chunks through the coordinator into a
// chapter writer. Under the silence policy a failed chunk is replaced and
// synthesis resumes with the next one.
func (p *Pipeline) synthesize(ctx context.Context, pl chapterPlan) (audio.ChapterArtifact, error) {
	ch := pl.chapter
	w, err := p.assembler.Begin(audio.ChapterSpec{
		Index:  ch.Index,
		Title:  ch.Title,
		Format: p.opts.ChapterFormat,
		Total:  len(pl.chunks),
	})
	if err != nil {
		return audio.ChapterArtifact{}, err
	}

	deliver := func(_ text.Chunk, buf audio.Buffer) error { return w.Append(buf) }
	substituted := 0
	for next := 0; next < len(pl.chunks); {
		err := p.coordinator.StreamFrom(ctx, pl.chunks, next, p.opts.Voice, deliver)
		if err == nil {
			break
		}
		var chunkErr *tts.ChunkSynthesisError
		if p.opts.OnChunkFailure != OnFailureSilence || !errors.As(err, &chunkErr) {
			w.Abort()
			return audio.ChapterArtifact{}, err
		}
		failed := pl.chunks[chunkErr.Sequence]
		substituted++
		if substituted == len(pl.chunks) {
			w.Abort()
			return audio.ChapterArtifact{}, fmt.Errorf("every chunk failed: %w", err)
		}
		p.logger.Warn("substituting silence for failed chunk",
			slog.Int("chapter", ch.Index),
			slog.Int("sequence", chunkErr.Sequence),
			slog.Float64("seconds", failed.EstimatedSeconds),
			slog.String("error", chunkErr.Err.Error()),
		)
		if err := w.AppendSilence(failed.EstimatedSeconds); err != nil {
			w.Abort()
			return audio.ChapterArtifact{}, err
		}
		p.observer.OnProgress(progress.Event{
			Stage:            progress.StageSynthesize,
			ChapterIndex:     ch.Index,
			Sequence:         chunkErr.Sequence,
			Total:            len(pl.chunks),
			Fraction:         float64(chunkErr.Sequence+1) / float64(len(pl.chunks)),
			NarrationSeconds: failed.EstimatedSeconds,
			Err:              chunkErr,
		})
		next = chunkErr.Sequence + 1
	}

	artifact, err := w.Commit(ctx)
	if err != nil {
		return audio.ChapterArtifact{}, err
	}
	if substituted > 0 {
		p.logger.Warn("chapter written with silent gaps", slog.Int("chapter", ch.Index), slog.Int("chunks", substituted))
	}
	return artifact, nil
}

func (p *Pipeline) combine(ctx context.Context, b book.Book, report *Report) {
	omitted := make([]int, 0, len(report.Skipped))
	for _, s := range report.Skipped {
		omitted = append(omitted, s.Index)
	}
	format := p.opts.CombinedFormat
	if format == "" {
		format = audio.FormatWAV
	}
	artifact, err := p.combiner.Combine(ctx, audio.CombineRequest{
		Artifacts:    report.Chapters,
		Omitted:      omitted,
		ChapterCount: len(b.Chapters),
		OutputPath:   filepath.Join(p.opts.OutputDir, audio.BookFileName(b.Title, format)),
		Format:       format,
		GapSeconds:   p.opts.ChapterGap.Seconds(),
	})
	if err != nil {
		report.CombineErr = err
		p.logger.Error("combine failed", slog.String("error", err.Error()))
		return
	}
	report.Book = &artifact
	p.logger.Info("audiobook written",
		slog.String("path", artifact.FilePath),
		slog.String("duration", text.FormatDuration(artifact.TotalDurationSeconds)),
		slog.Int("chapters", artifact.ChapterCount),
	)
}
