package tts

import (
	"fmt"
	"strings"
)

// UnknownVoiceError is returned before any backend call when the requested
// voice is not in the configured set.
type UnknownVoiceError struct {
	ID    string
	Known []string
}

func (e *UnknownVoiceError) Error() string {
	return fmt.Sprintf("unknown voice %q (available: %s)", e.ID, strings.Join(e.Known, ", "))
}

// ChunkSynthesisError reports a chunk that still failed after every retry.
type ChunkSynthesisError struct {
	ChapterIndex int
	Sequence     int
	Attempts     int
	Err          error
}

func (e *ChunkSynthesisError) Error() string {
	return fmt.Sprintf("chapter %d chunk %d: synthesis failed after %d attempts: %v",
		e.ChapterIndex, e.Sequence, e.Attempts, e.Err)
}

func (e *ChunkSynthesisError) Unwrap() error { return e.Err }
