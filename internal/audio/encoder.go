package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"

	"github.com/mattn/go-shellwords"
)

// Encoder converts raw little-endian PCM16 into a compressed container.
type Encoder interface {
	Encode(ctx context.Context, pcm io.Reader, sampleRate, channels int, format Format, dst io.Writer) error
}

// ExecEncoder pipes PCM through an ffmpeg-compatible command.
type ExecEncoder struct {
	cmd     []string
	bitrate string
}

// NewExecEncoder parses command and checks that its binary can be found.
func NewExecEncoder(command, bitrate string) (*ExecEncoder, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse encoder command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("encoder command empty")
	}
	if _, err := exec.LookPath(args[0]); err != nil {
		return nil, fmt.Errorf("encoder binary: %w", err)
	}
	return &ExecEncoder{cmd: args, bitrate: bitrate}, nil
}

func (e *ExecEncoder) Encode(ctx context.Context, pcm io.Reader, sampleRate, channels int, format Format, dst io.Writer) error {
	args := append([]string{}, e.cmd[1:]...)
	args = append(args,
		"-hide_banner", "-loglevel", "error",
		"-f", "s16le",
		"-ar", strconv.Itoa(sampleRate),
		"-ac", strconv.Itoa(channels),
		"-i", "pipe:0",
	)
	switch format {
	case FormatMP3:
		args = append(args, "-c:a", "libmp3lame")
	case FormatOGG:
		args = append(args, "-c:a", "libvorbis")
	case FormatWAV:
		args = append(args, "-c:a", "pcm_s16le")
	default:
		return fmt.Errorf("unsupported encoder format %q", format)
	}
	if e.bitrate != "" && format != FormatWAV {
		args = append(args, "-b:a", e.bitrate)
	}
	args = append(args, "-f", string(format), "pipe:1")

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, e.cmd[0], args...)
	cmd.Stdin = pcm
	cmd.Stdout = dst
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("encode %s: %w: %s", format, err, msg)
		}
		return fmt.Errorf("encode %s: %w", format, err)
	}
	return nil
}

var errEncoderStopped = errors.New("encoder stopped reading input")

// encodeStream feeds the samples produced by produce to enc as raw PCM.
// produce runs on its own goroutine and must stop once emit fails.
func encodeStream(ctx context.Context, enc Encoder, sampleRate, channels int, format Format, dst io.Writer, produce func(emit func([]int16) error) error) error {
	pr, pw := io.Pipe()
	done := make(chan error, 1)
	go func() {
		var scratch []byte
		err := produce(func(samples []int16) error {
			scratch = appendPCM16LE(scratch[:0], samples)
			_, err := pw.Write(scratch)
			return err
		})
		pw.CloseWithError(err)
		done <- err
	}()

	encErr := enc.Encode(ctx, pr, sampleRate, channels, format, dst)
	pr.CloseWithError(errEncoderStopped)
	prodErr := <-done

	switch {
	case prodErr != nil && !errors.Is(prodErr, errEncoderStopped):
		return prodErr
	case encErr != nil:
		return encErr
	case prodErr != nil:
		return prodErr
	}
	return nil
}
