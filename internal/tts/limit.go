package tts

import (
	"context"

	"github.com/loqalabs/loqa-narrator/internal/audio"
	"golang.org/x/time/rate"
)

type limitedSynth struct {
	next    Synthesizer
	limiter *rate.Limiter
}

// RateLimited wraps s so that calls start at most perSecond times per second.
// A non-positive perSecond returns s unchanged.
func RateLimited(s Synthesizer, perSecond float64, burst int) Synthesizer {
	if perSecond <= 0 {
		return s
	}
	if burst < 1 {
		burst = 1
	}
	return &limitedSynth{next: s, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (l *limitedSynth) Synthesize(ctx context.Context, req Request) (audio.Buffer, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return audio.Buffer{}, err
	}
	return l.next.Synthesize(ctx, req)
}
