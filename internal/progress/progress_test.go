package progress

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

func TestMultiSkipsNilAndFansOut(t *testing.T) {
	var a, b Recorder
	obs := Multi(nil, &a, nil, &b)
	obs.OnProgress(Event{Stage: StageChapterDone, ChapterIndex: 3})

	if len(a.Events()) != 1 || len(b.Events()) != 1 {
		t.Fatalf("expected both recorders to see the event")
	}
	if Multi() != Nop || Multi(nil) != Nop {
		t.Fatalf("empty Multi should be Nop")
	}
	if Multi(&a) != Observer(&a) {
		t.Fatalf("single observer should be returned as is")
	}
}

func TestRecorderConcurrent(t *testing.T) {
	var rec Recorder
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec.OnProgress(Event{Stage: StageSynthesize, ChapterIndex: i})
		}(i)
	}
	wg.Wait()
	if got := len(rec.Stage(StageSynthesize)); got != 8 {
		t.Fatalf("expected 8 events, got %d", got)
	}
}

func TestLogObserverLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	obs := NewLogObserver(logger)

	obs.OnProgress(Event{Stage: StageSynthesize, ChapterIndex: 1, Sequence: 0, Total: 3})
	if buf.Len() != 0 {
		t.Fatalf("synthesize events should log at debug, got %q", buf.String())
	}

	obs.OnProgress(Event{Stage: StageChapterFailed, ChapterIndex: 2, Title: "Two", Err: errors.New("boom")})
	out := buf.String()
	if !strings.Contains(out, "level=WARN") || !strings.Contains(out, "error=boom") || !strings.Contains(out, "chapter=2") {
		t.Fatalf("unexpected log output %q", out)
	}
}
