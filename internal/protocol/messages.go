package protocol

import (
	"time"

	"github.com/loqalabs/loqa-narrator/internal/progress"
)

// Progress is the wire form of a progress event.
type Progress struct {
	RunID            string    `json:"run_id"`
	Stage            string    `json:"stage"`
	ChapterIndex     int       `json:"chapter_index,omitempty"`
	Title            string    `json:"title,omitempty"`
	Sequence         int       `json:"sequence"`
	Total            int       `json:"total,omitempty"`
	Fraction         float64   `json:"fraction"`
	RemainingMS      int64     `json:"remaining_ms,omitempty"`
	NarrationSeconds float64   `json:"narration_seconds,omitempty"`
	Error            string    `json:"error,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// ChapterCompleted announces a persisted chapter artifact.
type ChapterCompleted struct {
	RunID           string    `json:"run_id"`
	ChapterIndex    int       `json:"chapter_index"`
	Title           string    `json:"title"`
	FilePath        string    `json:"file_path"`
	Format          string    `json:"format"`
	DurationSeconds float64   `json:"duration_seconds"`
	Reused          bool      `json:"reused,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

const (
	SubjectProgressPrefix  = "progress"
	SubjectChapterComplete = "chapter.completed"
)

// ProgressFrom converts an event for publication or storage.
func ProgressFrom(runID string, e progress.Event, now time.Time) Progress {
	msg := Progress{
		RunID:            runID,
		Stage:            string(e.Stage),
		ChapterIndex:     e.ChapterIndex,
		Title:            e.Title,
		Sequence:         e.Sequence,
		Total:            e.Total,
		Fraction:         e.Fraction,
		RemainingMS:      e.Remaining.Milliseconds(),
		NarrationSeconds: e.NarrationSeconds,
		Timestamp:        now.UTC(),
	}
	if e.Err != nil {
		msg.Error = e.Err.Error()
	}
	return msg
}
