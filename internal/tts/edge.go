package tts

import (
	"bytes"
	"context"
	"fmt"

	"github.com/loqalabs/loqa-narrator/internal/audio"
	"github.com/pp-group/edge-tts-go/biz/service/tts/edge"
)

// edgeSynth synthesizes through the Microsoft Edge read-aloud service. The
// service answers with MP3, which is decoded and down-mixed to mono.
type edgeSynth struct{}

func NewEdgeSynth() Synthesizer {
	return &edgeSynth{}
}

func (e *edgeSynth) Synthesize(ctx context.Context, req Request) (audio.Buffer, error) {
	comm, err := edge.NewCommunicate(req.Text, edge.WithVoice(req.Voice.BackendName()))
	if err != nil {
		return audio.Buffer{}, fmt.Errorf("edge tts: %w", err)
	}
	stream, err := comm.Stream()
	if err != nil {
		return audio.Buffer{}, fmt.Errorf("edge tts stream: %w", err)
	}

	var mp3Buf bytes.Buffer
	for {
		select {
		case <-ctx.Done():
			// Let the stream finish in the background.
			go func() {
				for range stream {
				}
			}()
			return audio.Buffer{}, ctx.Err()
		case msg, ok := <-stream:
			if !ok {
				if mp3Buf.Len() == 0 {
					return audio.Buffer{}, fmt.Errorf("edge tts: no audio received")
				}
				return audio.DecodeMP3(mp3Buf.Bytes(), true)
			}
			if msgType, ok := msg["type"].(string); ok && msgType == "audio" {
				if data, ok := msg["data"].([]byte); ok {
					mp3Buf.Write(data)
				}
			}
		}
	}
}
