package tts

import (
	"context"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/audio"
	"github.com/loqalabs/loqa-narrator/internal/text"
)

// mockSynth returns silence as long as the estimator predicts the narration
// of the text would be.
type mockSynth struct {
	sampleRate int
	channels   int
	latency    time.Duration
	estimator  text.Estimator
}

func NewMockSynth(sampleRate, channels int, latency time.Duration, estimator text.Estimator) Synthesizer {
	return &mockSynth{sampleRate: sampleRate, channels: channels, latency: latency, estimator: estimator}
}

func (m *mockSynth) Synthesize(ctx context.Context, req Request) (audio.Buffer, error) {
	if m.latency > 0 {
		timer := time.NewTimer(m.latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return audio.Buffer{}, ctx.Err()
		case <-timer.C:
		}
	} else if err := ctx.Err(); err != nil {
		return audio.Buffer{}, err
	}
	return audio.Silence(m.estimator.Estimate(req.Text), m.sampleRate, m.channels), nil
}
