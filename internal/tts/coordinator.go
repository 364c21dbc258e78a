package tts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-narrator/internal/audio"
	"github.com/loqalabs/loqa-narrator/internal/progress"
	"github.com/loqalabs/loqa-narrator/internal/text"
)

// CoordinatorConfig tunes how chunks are sent to the backend.
type CoordinatorConfig struct {
	// MaxRetries is the number of extra attempts after the first failure.
	MaxRetries   int
	RetryBackoff time.Duration
	// Timeout bounds a single backend call. Zero means no limit.
	Timeout time.Duration
	// Lookahead is how many backend calls may be in flight. Values below
	// one mean strictly sequential.
	Lookahead int
}

// Coordinator turns a chapter's chunks into audio buffers, delivered in
// sequence order.
type Coordinator struct {
	synth    Synthesizer
	voices   VoiceSet
	cfg      CoordinatorConfig
	observer progress.Observer
	logger   *slog.Logger
	tracer   trace.Tracer
}

func NewCoordinator(synth Synthesizer, voices VoiceSet, cfg CoordinatorConfig, observer progress.Observer, logger *slog.Logger) *Coordinator {
	if cfg.Lookahead < 1 {
		cfg.Lookahead = 1
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Coordinator{
		synth:    synth,
		voices:   voices,
		cfg:      cfg,
		observer: progress.OrNop(observer),
		logger:   logger.With(slog.String("component", "tts-coordinator")),
		tracer:   otel.Tracer("github.com/loqalabs/loqa-narrator/internal/tts"),
	}
}

// Voices returns the voice set the coordinator validates against.
func (c *Coordinator) Voices() VoiceSet { return c.voices }

// SynthesizeChapter returns one buffer per chunk, in order.
func (c *Coordinator) SynthesizeChapter(ctx context.Context, chunks []text.Chunk, voiceID string) ([]audio.Buffer, error) {
	buffers := make([]audio.Buffer, 0, len(chunks))
	err := c.Stream(ctx, chunks, voiceID, func(_ text.Chunk, buf audio.Buffer) error {
		buffers = append(buffers, buf)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return buffers, nil
}

type chunkResult struct {
	buf audio.Buffer
	err error
}

// Stream synthesizes chunks and hands each buffer to deliver in sequence
// order. The first failure, from the backend or from deliver, cancels the
// calls still in flight and is returned.
func (c *Coordinator) Stream(ctx context.Context, chunks []text.Chunk, voiceID string, deliver func(text.Chunk, audio.Buffer) error) error {
	return c.StreamFrom(ctx, chunks, 0, voiceID, deliver)
}

// StreamFrom is Stream starting at chapter[from]. Progress events still count
// against the whole chapter.
func (c *Coordinator) StreamFrom(ctx context.Context, chapter []text.Chunk, from int, voiceID string, deliver func(text.Chunk, audio.Buffer) error) error {
	voice, err := c.voices.Lookup(voiceID)
	if err != nil {
		return err
	}
	if from < 0 || from > len(chapter) {
		return fmt.Errorf("stream start %d outside chapter of %d chunks", from, len(chapter))
	}
	chunks := chapter[from:]
	if len(chunks) == 0 {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	results := make([]chan chunkResult, len(chunks))
	for i := range results {
		results[i] = make(chan chunkResult, 1)
	}
	slots := make(chan struct{}, c.cfg.Lookahead)

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i, chunk := range chunks {
			select {
			case slots <- struct{}{}:
			case <-ctx.Done():
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				buf, err := c.synthesizeChunk(ctx, voice, chunk)
				results[i] <- chunkResult{buf: buf, err: err}
			}()
		}
	}()

	var totalEstimate float64
	for _, chunk := range chunks {
		totalEstimate += chunk.EstimatedSeconds
	}
	start := time.Now()
	var doneEstimate float64

	for i, chunk := range chunks {
		var res chunkResult
		select {
		case res = <-results[i]:
		case <-ctx.Done():
			return ctx.Err()
		}
		if res.err != nil {
			return res.err
		}
		if err := deliver(chunk, res.buf); err != nil {
			return err
		}
		<-slots

		doneEstimate += chunk.EstimatedSeconds
		c.observer.OnProgress(progress.Event{
			Stage:            progress.StageSynthesize,
			ChapterIndex:     chunk.ChapterIndex,
			Sequence:         chunk.Sequence,
			Total:            len(chapter),
			Fraction:         float64(from+i+1) / float64(len(chapter)),
			Remaining:        remaining(time.Since(start), i+1, len(chunks), doneEstimate, totalEstimate),
			NarrationSeconds: res.buf.Duration(),
		})
	}
	return nil
}

// remaining extrapolates wall-clock time for the rest of the chapter from the
// time spent so far, weighted by estimated narration length.
func remaining(elapsed time.Duration, done, total int, doneEstimate, totalEstimate float64) time.Duration {
	if done >= total {
		return 0
	}
	if doneEstimate > 0 && totalEstimate > doneEstimate {
		return time.Duration(float64(elapsed) * (totalEstimate - doneEstimate) / doneEstimate)
	}
	return elapsed / time.Duration(done) * time.Duration(total-done)
}

func (c *Coordinator) synthesizeChunk(ctx context.Context, voice Voice, chunk text.Chunk) (audio.Buffer, error) {
	ctx, span := c.tracer.Start(ctx, "tts.synthesize", trace.WithAttributes(
		attribute.Int("narrator.chapter", chunk.ChapterIndex),
		attribute.Int("narrator.sequence", chunk.Sequence),
		attribute.String("narrator.voice", voice.ID),
		attribute.Int("narrator.chars", len(chunk.Text)),
	))
	defer span.End()

	policy := backoff.NewExponentialBackOff()
	if c.cfg.RetryBackoff > 0 {
		policy.InitialInterval = c.cfg.RetryBackoff
	}

	attempts := 0
	buf, err := backoff.Retry(ctx, func() (audio.Buffer, error) {
		attempts++
		callCtx := ctx
		if c.cfg.Timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
			defer cancel()
		}
		buf, err := c.synth.Synthesize(callCtx, Request{
			ChapterIndex: chunk.ChapterIndex,
			Sequence:     chunk.Sequence,
			Text:         chunk.Text,
			Voice:        voice,
		})
		if err != nil {
			if ctx.Err() != nil {
				return audio.Buffer{}, backoff.Permanent(ctx.Err())
			}
			return audio.Buffer{}, err
		}
		if buf.SampleRate <= 0 || buf.Channels <= 0 {
			return audio.Buffer{}, fmt.Errorf("backend returned audio without a format")
		}
		return buf, nil
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(c.cfg.MaxRetries+1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Warn("chunk synthesis failed, retrying",
				slog.Int("chapter", chunk.ChapterIndex),
				slog.Int("sequence", chunk.Sequence),
				slog.Int("attempt", attempts),
				slog.Duration("backoff", next),
				slogError(err),
			)
		}),
	)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return audio.Buffer{}, ctxErr
		}
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			err = permanent.Unwrap()
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "synthesis failed")
		return audio.Buffer{}, &ChunkSynthesisError{
			ChapterIndex: chunk.ChapterIndex,
			Sequence:     chunk.Sequence,
			Attempts:     attempts,
			Err:          err,
		}
	}
	span.SetAttributes(attribute.Float64("narrator.audio_seconds", buf.Duration()))
	return buf, nil
}
