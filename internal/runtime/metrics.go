package runtime

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-narrator/internal/progress"
	"github.com/loqalabs/loqa-narrator/internal/tts"
)

// Metrics turns progress events into OpenTelemetry instruments.
type Metrics struct {
	chunks          metric.Int64Counter
	chunkFailures   metric.Int64Counter
	chapters        metric.Int64Counter
	narrated        metric.Float64Counter
	chapterDuration metric.Float64Histogram
	estimated       metric.Float64Gauge
}

func NewMetrics(provider metric.MeterProvider) (*Metrics, error) {
	meter := provider.Meter("github.com/loqalabs/loqa-narrator")
	var (
		m    Metrics
		err  error
		errs []error
	)
	m.chunks, err = meter.Int64Counter("narrator.chunks.synthesized",
		metric.WithDescription("Chunks synthesized and delivered in order"))
	errs = append(errs, err)
	m.chunkFailures, err = meter.Int64Counter("narrator.chunks.failed",
		metric.WithDescription("Chunks that exhausted their retries"))
	errs = append(errs, err)
	m.chapters, err = meter.Int64Counter("narrator.chapters",
		metric.WithDescription("Chapters by outcome"))
	errs = append(errs, err)
	m.narrated, err = meter.Float64Counter("narrator.narrated",
		metric.WithUnit("s"),
		metric.WithDescription("Seconds of audio produced"))
	errs = append(errs, err)
	m.chapterDuration, err = meter.Float64Histogram("narrator.chapter.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Length of finished chapters"),
		metric.WithExplicitBucketBoundaries(60, 300, 900, 1800, 3600, 7200))
	errs = append(errs, err)
	m.estimated, err = meter.Float64Gauge("narrator.book.estimated",
		metric.WithUnit("s"),
		metric.WithDescription("Estimated narration length of the current book"))
	errs = append(errs, err)
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Metrics) OnProgress(e progress.Event) {
	ctx := context.Background()
	switch e.Stage {
	case progress.StageSynthesize:
		// Err marks a chunk replaced by silence.
		if e.Err != nil {
			m.chunkFailures.Add(ctx, 1)
		} else {
			m.chunks.Add(ctx, 1)
		}
		m.narrated.Add(ctx, e.NarrationSeconds)
	case progress.StageEstimate:
		if e.ChapterIndex == 0 {
			m.estimated.Record(ctx, e.NarrationSeconds)
		}
	case progress.StageChapterDone:
		m.chapters.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "done")))
		m.chapterDuration.Record(ctx, e.NarrationSeconds)
	case progress.StageChapterSkipped:
		m.chapters.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "skipped")))
	case progress.StageChapterFailed:
		m.chapters.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "failed")))
		var chunkErr *tts.ChunkSynthesisError
		if errors.As(e.Err, &chunkErr) {
			m.chunkFailures.Add(ctx, 1)
		}
	}
}
