// Package progress carries pipeline progress to interested observers.
package progress

import (
	"log/slog"
	"sync"
	"time"
)

// Stage identifies where in the pipeline an event originated.
type Stage string

const (
	StageEstimate       Stage = "estimate"
	StageSynthesize     Stage = "synthesize"
	StageAssemble       Stage = "assemble"
	StageChapterDone    Stage = "chapter_done"
	StageChapterSkipped Stage = "chapter_skipped"
	StageChapterFailed  Stage = "chapter_failed"
	StageCombine        Stage = "combine"
)

// Event is a single progress notification. Fields that do not apply to a
// stage are left zero.
type Event struct {
	Stage            Stage
	ChapterIndex     int
	Title            string
	Sequence         int
	Total            int
	Fraction         float64
	Remaining        time.Duration
	NarrationSeconds float64
	Err              error
}

// Observer receives events synchronously. Implementations must be safe for
// concurrent use because chapter workers report in parallel.
type Observer interface {
	OnProgress(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) OnProgress(e Event) { f(e) }

type nop struct{}

func (nop) OnProgress(Event) {}

// Nop discards every event.
var Nop Observer = nop{}

// OrNop returns o, or Nop when o is nil.
func OrNop(o Observer) Observer {
	if o == nil {
		return Nop
	}
	return o
}

type multi []Observer

func (m multi) OnProgress(e Event) {
	for _, o := range m {
		o.OnProgress(e)
	}
}

// Multi fans events out to every non-nil observer in order.
func Multi(observers ...Observer) Observer {
	var out multi
	for _, o := range observers {
		if o != nil {
			out = append(out, o)
		}
	}
	switch len(out) {
	case 0:
		return Nop
	case 1:
		return out[0]
	}
	return out
}

// LogObserver writes events to a structured logger. Per-chunk stages are
// logged at debug level.
type LogObserver struct {
	logger *slog.Logger
}

func NewLogObserver(logger *slog.Logger) *LogObserver {
	return &LogObserver{logger: logger.With(slog.String("component", "progress"))}
}

func (l *LogObserver) OnProgress(e Event) {
	attrs := []any{
		slog.String("stage", string(e.Stage)),
		slog.Int("chapter", e.ChapterIndex),
	}
	if e.Title != "" {
		attrs = append(attrs, slog.String("title", e.Title))
	}
	if e.Total > 0 {
		attrs = append(attrs, slog.Int("sequence", e.Sequence), slog.Int("total", e.Total))
	}
	if e.Fraction > 0 {
		attrs = append(attrs, slog.Float64("fraction", e.Fraction))
	}
	if e.Remaining > 0 {
		attrs = append(attrs, slog.Duration("remaining", e.Remaining))
	}
	if e.NarrationSeconds > 0 {
		attrs = append(attrs, slog.Float64("narration_seconds", e.NarrationSeconds))
	}

	switch e.Stage {
	case StageSynthesize, StageAssemble:
		l.logger.Debug("progress", attrs...)
	case StageChapterFailed:
		if e.Err != nil {
			attrs = append(attrs, slog.String("error", e.Err.Error()))
		}
		l.logger.Warn("chapter failed", attrs...)
	case StageChapterSkipped:
		if e.Err != nil {
			attrs = append(attrs, slog.String("reason", e.Err.Error()))
		}
		l.logger.Info("chapter skipped", attrs...)
	default:
		if e.Err != nil {
			attrs = append(attrs, slog.String("error", e.Err.Error()))
		}
		l.logger.Info("progress", attrs...)
	}
}

// Recorder keeps every event it sees. It is mostly useful in tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) OnProgress(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Stage returns the recorded events of one stage.
func (r *Recorder) Stage(stage Stage) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Stage == stage {
			out = append(out, e)
		}
	}
	return out
}
