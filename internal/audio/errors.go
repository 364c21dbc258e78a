package audio

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNoAudio is returned when a chapter is committed without any samples.
var ErrNoAudio = errors.New("no audio appended")

// FormatMismatchError reports buffers that disagree on sample rate or
// channel count. ChapterIndex is zero when the mismatch is found while
// combining.
type FormatMismatchError struct {
	ChapterIndex int
	WantRate     int
	WantChannels int
	GotRate      int
	GotChannels  int
}

func (e *FormatMismatchError) Error() string {
	return fmt.Sprintf("chapter %d: audio format mismatch: want %d Hz/%d ch, got %d Hz/%d ch",
		e.ChapterIndex, e.WantRate, e.WantChannels, e.GotRate, e.GotChannels)
}

// PersistError reports a storage failure for one chapter.
type PersistError struct {
	ChapterIndex int
	Path         string
	Err          error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("chapter %d: persist %s: %v", e.ChapterIndex, e.Path, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }

// IncompleteBookError is returned by the combiner when the chapter set has
// holes or repeats.
type IncompleteBookError struct {
	Missing    []int
	Duplicates []int
}

func (e *IncompleteBookError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, fmt.Sprintf("missing chapters %v", e.Missing))
	}
	if len(e.Duplicates) > 0 {
		parts = append(parts, fmt.Sprintf("duplicate chapters %v", e.Duplicates))
	}
	if len(parts) == 0 {
		return "incomplete book"
	}
	return "incomplete book: " + strings.Join(parts, ", ")
}
