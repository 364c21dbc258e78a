package pipeline

import (
	"github.com/loqalabs/loqa-narrator/internal/audio"
	"github.com/loqalabs/loqa-narrator/internal/checkpoint"
)

// ChapterOutcome names a chapter that produced no artifact and why.
type ChapterOutcome struct {
	Index int
	Title string
	Err   error
}

// Report summarizes a run. A partially failed run still lists every
// artifact it produced.
type Report struct {
	RunID     string
	BookKey   string
	BookTitle string
	// Chapters holds the chapter artifacts in index order.
	Chapters []audio.ChapterArtifact
	// Reused lists chapters taken from an earlier run.
	Reused  []int
	Skipped []ChapterOutcome
	Failed  []ChapterOutcome
	// Book is set when the combined file was written.
	Book       *audio.AudiobookArtifact
	CombineErr error

	EstimatedSeconds float64
	NarratedSeconds  float64
}

// Partial reports whether any requested output is missing.
func (r Report) Partial() bool {
	return len(r.Failed) > 0 || r.CombineErr != nil
}

// Status maps the report onto a checkpoint run status.
func (r Report) Status() string {
	if r.Partial() {
		return checkpoint.StatusPartial
	}
	return checkpoint.StatusCompleted
}
