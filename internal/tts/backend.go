package tts

import (
	"fmt"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/text"
)

// New builds the backend selected by cfg.Mode, rate limited when configured.
func New(cfg config.TTSConfig, estimator text.Estimator) (Synthesizer, error) {
	var (
		synth Synthesizer
		err   error
	)
	switch cfg.Mode {
	case "mock":
		synth = NewMockSynth(cfg.SampleRate, cfg.Channels, time.Duration(cfg.LatencyMS)*time.Millisecond, estimator)
	case "exec":
		synth, err = NewExecSynth(cfg.Command, cfg.SampleRate, cfg.Channels)
	case "edge":
		synth = NewEdgeSynth()
	default:
		err = fmt.Errorf("unsupported tts mode %q", cfg.Mode)
	}
	if err != nil {
		return nil, err
	}
	return RateLimited(synth, cfg.RateLimit, cfg.Burst), nil
}

// VoicesFromConfig returns the configured voice set, or the default
// catalogue when none is configured.
func VoicesFromConfig(cfg config.TTSConfig) (VoiceSet, error) {
	if len(cfg.Voices) == 0 {
		return DefaultVoices(), nil
	}
	voices := make([]Voice, 0, len(cfg.Voices))
	for _, v := range cfg.Voices {
		voices = append(voices, Voice{
			ID:       v.ID,
			Language: v.Language,
			Region:   v.Region,
			Gender:   v.Gender,
			Alias:    v.Alias,
		})
	}
	return NewVoiceSet(voices...)
}

// CoordinatorConfigFrom maps the tts section onto coordinator settings.
func CoordinatorConfigFrom(cfg config.TTSConfig) CoordinatorConfig {
	return CoordinatorConfig{
		MaxRetries:   cfg.MaxRetries,
		RetryBackoff: time.Duration(cfg.RetryBackoffMS) * time.Millisecond,
		Timeout:      time.Duration(cfg.TimeoutMS) * time.Millisecond,
		Lookahead:    cfg.Lookahead,
	}
}
