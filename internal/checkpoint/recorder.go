package checkpoint

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/loqalabs/loqa-narrator/internal/progress"
	"github.com/loqalabs/loqa-narrator/internal/protocol"
)

// Recorder stores chapter-level progress events of one run. Per-chunk
// stages are not stored.
type Recorder struct {
	store *Store
	runID string
	ctx   context.Context
}

// Recorder returns an observer that appends events for runID. Writes outlive
// cancellation of ctx so that failures caused by it are still recorded.
func (s *Store) Recorder(ctx context.Context, runID string) *Recorder {
	return &Recorder{store: s, runID: runID, ctx: context.WithoutCancel(ctx)}
}

func (r *Recorder) OnProgress(e progress.Event) {
	switch e.Stage {
	case progress.StageSynthesize, progress.StageAssemble:
		return
	}
	if r.store.disabled() {
		return
	}
	payload, err := json.Marshal(protocol.ProgressFrom(r.runID, e, r.store.clock()))
	if err != nil {
		return
	}
	err = r.store.AppendEvent(r.ctx, Event{
		RunID:        r.runID,
		Stage:        string(e.Stage),
		ChapterIndex: e.ChapterIndex,
		Payload:      payload,
	})
	if err != nil {
		r.store.log.Warn("record progress event failed",
			slog.String("run_id", r.runID),
			slog.String("stage", string(e.Stage)),
			slog.String("error", err.Error()),
		)
	}
}
