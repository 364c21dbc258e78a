package tts

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/loqalabs/loqa-narrator/internal/audio"
	"github.com/mattn/go-shellwords"
)

const maxExecLine = 16 << 20

// execSynth runs an external command per request. The command reads one JSON
// request on stdin and answers with JSON lines carrying base64 PCM16; the
// line with final set ends the utterance.
type execSynth struct {
	cmd        []string
	sampleRate int
	channels   int
	mu         sync.Mutex
}

type execRequest struct {
	Text       string `json:"text"`
	Voice      string `json:"voice"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

type execResponse struct {
	PCMBase64 string `json:"pcm_base64"`
	Final     bool   `json:"final"`
	Error     string `json:"error,omitempty"`
}

func NewExecSynth(command string, sampleRate, channels int) (Synthesizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("tts command empty")
	}
	return &execSynth{cmd: args, sampleRate: sampleRate, channels: channels}, nil
}

func (e *execSynth) Synthesize(ctx context.Context, req Request) (audio.Buffer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	data, err := json.Marshal(execRequest{
		Text:       req.Text,
		Voice:      req.Voice.BackendName(),
		SampleRate: e.sampleRate,
		Channels:   e.channels,
	})
	if err != nil {
		return audio.Buffer{}, err
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(append(data, '\n'))
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return audio.Buffer{}, err
	}
	if err := cmd.Start(); err != nil {
		return audio.Buffer{}, fmt.Errorf("start tts command: %w", err)
	}

	var pcm []byte
	final := false
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxExecLine)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp execResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			cmd.Process.Kill()
			cmd.Wait()
			return audio.Buffer{}, fmt.Errorf("decode tts response: %w", err)
		}
		if resp.Error != "" {
			cmd.Process.Kill()
			cmd.Wait()
			return audio.Buffer{}, fmt.Errorf("tts command: %s", resp.Error)
		}
		chunk, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
		if err != nil {
			cmd.Process.Kill()
			cmd.Wait()
			return audio.Buffer{}, fmt.Errorf("decode tts pcm: %w", err)
		}
		pcm = append(pcm, chunk...)
		if resp.Final {
			final = true
			break
		}
	}
	scanErr := scanner.Err()
	if final {
		// Drain anything after the final line so the process can exit.
		for scanner.Scan() {
		}
	}
	if err := cmd.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return audio.Buffer{}, ctxErr
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return audio.Buffer{}, fmt.Errorf("tts command: %w: %s", err, msg)
		}
		return audio.Buffer{}, fmt.Errorf("tts command: %w", err)
	}
	if scanErr != nil {
		return audio.Buffer{}, fmt.Errorf("read tts output: %w", scanErr)
	}
	if !final {
		return audio.Buffer{}, fmt.Errorf("tts command exited without a final response")
	}
	return audio.FromPCM16LE(pcm, e.sampleRate, e.channels)
}
