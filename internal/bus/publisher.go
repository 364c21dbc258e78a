package bus

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/audio"
	"github.com/loqalabs/loqa-narrator/internal/progress"
	"github.com/loqalabs/loqa-narrator/internal/protocol"
)

// Publisher forwards progress events and chapter completions of one run to
// NATS. Subjects are <prefix>.progress.<stage> and <prefix>.chapter.completed.
type Publisher struct {
	client *Client
	prefix string
	runID  string
	log    *slog.Logger
	clock  func() time.Time
}

func NewPublisher(client *Client, prefix, runID string) *Publisher {
	return &Publisher{
		client: client,
		prefix: prefix,
		runID:  runID,
		log:    client.log.With(slog.String("run_id", runID)),
		clock:  time.Now,
	}
}

// ProgressSubject returns the subject a stage is published on.
func (p *Publisher) ProgressSubject(stage progress.Stage) string {
	return p.subject(protocol.SubjectProgressPrefix + "." + string(stage))
}

// ChapterSubject returns the subject chapter completions are published on.
func (p *Publisher) ChapterSubject() string {
	return p.subject(protocol.SubjectChapterComplete)
}

func (p *Publisher) subject(s string) string {
	if p.prefix == "" {
		return s
	}
	return p.prefix + "." + s
}

func (p *Publisher) OnProgress(e progress.Event) {
	p.publish(p.ProgressSubject(e.Stage), protocol.ProgressFrom(p.runID, e, p.clock()))
}

// PublishChapter announces a chapter artifact.
func (p *Publisher) PublishChapter(a audio.ChapterArtifact, reused bool) {
	p.publish(p.ChapterSubject(), protocol.ChapterCompleted{
		RunID:           p.runID,
		ChapterIndex:    a.ChapterIndex,
		Title:           a.Title,
		FilePath:        a.FilePath,
		Format:          string(a.Format),
		DurationSeconds: a.DurationSeconds,
		Reused:          reused,
		Timestamp:       p.clock().UTC(),
	})
}

func (p *Publisher) publish(subject string, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		p.log.Warn("encode bus message failed", slog.String("subject", subject), slog.String("error", err.Error()))
		return
	}
	if err := p.client.conn.Publish(subject, data); err != nil {
		p.log.Warn("publish failed", slog.String("subject", subject), slog.String("error", err.Error()))
	}
}
