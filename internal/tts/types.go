// Package tts drives speech synthesis backends chunk by chunk.
package tts

import (
	"context"
	"log/slog"

	"github.com/loqalabs/loqa-narrator/internal/audio"
)

// Request is one synthesis call.
type Request struct {
	ChapterIndex int
	Sequence     int
	Text         string
	Voice        Voice
}

// Synthesizer is the contract for producing audio. Implementations must
// honour ctx cancellation.
type Synthesizer interface {
	Synthesize(ctx context.Context, req Request) (audio.Buffer, error)
}

// SynthesizerFunc adapts a function to Synthesizer.
type SynthesizerFunc func(ctx context.Context, req Request) (audio.Buffer, error)

func (f SynthesizerFunc) Synthesize(ctx context.Context, req Request) (audio.Buffer, error) {
	return f(ctx, req)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
