package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/config"
	_ "modernc.org/sqlite"
)

// Run statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusPartial   = "partial"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Run is one invocation of the pipeline over a book.
type Run struct {
	ID         string
	BookKey    string
	BookTitle  string
	Voice      string
	Status     string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Chapter records a persisted chapter artifact. Fingerprint identifies the
// inputs that produced it; a record is only reused when it matches.
type Chapter struct {
	BookKey         string
	ChapterIndex    int
	Title           string
	Fingerprint     string
	FilePath        string
	Format          string
	DurationSeconds float64
	SampleRate      int
	Channels        int
	RunID           string
	CompletedAt     time.Time
}

// Event is a stored progress entry.
type Event struct {
	ID           int64
	RunID        string
	Stage        string
	ChapterIndex int
	Payload      []byte
	CreatedAt    time.Time
}

// Store is the SQLite-backed checkpoint store. In ephemeral mode it keeps
// nothing and every lookup misses.
type Store struct {
	db    *sql.DB
	cfg   config.CheckpointConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the store according to config.
func Open(ctx context.Context, cfg config.CheckpointConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "checkpoint"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init checkpoint schema: %w", err)
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("checkpoint vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("checkpoint prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS runs (
    run_id TEXT PRIMARY KEY,
    book_key TEXT NOT NULL,
    book_title TEXT,
    voice TEXT,
    status TEXT NOT NULL,
    started_at INTEGER NOT NULL,
    finished_at INTEGER
);
CREATE TABLE IF NOT EXISTS chapters (
    book_key TEXT NOT NULL,
    chapter_index INTEGER NOT NULL,
    title TEXT,
    fingerprint TEXT NOT NULL,
    file_path TEXT NOT NULL,
    format TEXT NOT NULL,
    duration_seconds REAL NOT NULL,
    sample_rate INTEGER NOT NULL,
    channels INTEGER NOT NULL,
    run_id TEXT,
    completed_at INTEGER NOT NULL,
    PRIMARY KEY (book_key, chapter_index)
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL,
    stage TEXT NOT NULL,
    chapter_index INTEGER,
    payload BLOB,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(run_id) REFERENCES runs(run_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_run_created ON events(run_id, created_at);
CREATE INDEX IF NOT EXISTS idx_runs_book ON runs(book_key, started_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) disabled() bool {
	return s == nil || s.db == nil
}

func (s *Store) now() int64 {
	return s.clock().UTC().UnixMilli()
}

// StartRun records a new run in the running state.
func (s *Store) StartRun(ctx context.Context, run Run) error {
	if s.disabled() {
		return nil
	}
	started := run.StartedAt
	if started.IsZero() {
		started = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(run_id, book_key, book_title, voice, status, started_at)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		run.ID, run.BookKey, run.BookTitle, run.Voice, StatusRunning, started.UTC().UnixMilli())
	return err
}

// FinishRun sets the final status of a run. In session mode a completed run
// clears the chapter records of its book, so only interrupted runs resume.
func (s *Store) FinishRun(ctx context.Context, runID, status string) error {
	if s.disabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx,
		`UPDATE runs SET status = ?, finished_at = ? WHERE run_id = ?`,
		status, s.now(), runID); err != nil {
		return err
	}
	if s.cfg.RetentionMode == "session" && status == StatusCompleted {
		if _, err = tx.ExecContext(ctx,
			`DELETE FROM chapters WHERE book_key = (SELECT book_key FROM runs WHERE run_id = ?)`,
			runID); err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

// GetRun loads a run by id.
func (s *Store) GetRun(ctx context.Context, runID string) (Run, bool, error) {
	if s.disabled() {
		return Run{}, false, nil
	}
	var (
		r        Run
		started  int64
		finished sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, book_key, book_title, voice, status, started_at, finished_at
		 FROM runs WHERE run_id = ?`, runID).
		Scan(&r.ID, &r.BookKey, &r.BookTitle, &r.Voice, &r.Status, &started, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, false, nil
	}
	if err != nil {
		return Run{}, false, err
	}
	r.StartedAt = time.UnixMilli(started).UTC()
	if finished.Valid {
		r.FinishedAt = time.UnixMilli(finished.Int64).UTC()
	}
	return r, true, nil
}

// SaveChapter upserts the record for a chapter of a book.
func (s *Store) SaveChapter(ctx context.Context, ch Chapter) error {
	if s.disabled() {
		return nil
	}
	completed := ch.CompletedAt
	if completed.IsZero() {
		completed = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chapters(book_key, chapter_index, title, fingerprint, file_path, format,
		     duration_seconds, sample_rate, channels, run_id, completed_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(book_key, chapter_index) DO UPDATE SET
		     title=excluded.title, fingerprint=excluded.fingerprint, file_path=excluded.file_path,
		     format=excluded.format, duration_seconds=excluded.duration_seconds,
		     sample_rate=excluded.sample_rate, channels=excluded.channels,
		     run_id=excluded.run_id, completed_at=excluded.completed_at`,
		ch.BookKey, ch.ChapterIndex, ch.Title, ch.Fingerprint, ch.FilePath, ch.Format,
		ch.DurationSeconds, ch.SampleRate, ch.Channels, ch.RunID, completed.UTC().UnixMilli())
	return err
}

// LookupChapter returns the record for a chapter if one exists.
func (s *Store) LookupChapter(ctx context.Context, bookKey string, index int) (Chapter, bool, error) {
	if s.disabled() {
		return Chapter{}, false, nil
	}
	var (
		ch        Chapter
		runID     sql.NullString
		completed int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT book_key, chapter_index, title, fingerprint, file_path, format,
		        duration_seconds, sample_rate, channels, run_id, completed_at
		 FROM chapters WHERE book_key = ? AND chapter_index = ?`, bookKey, index).
		Scan(&ch.BookKey, &ch.ChapterIndex, &ch.Title, &ch.Fingerprint, &ch.FilePath, &ch.Format,
			&ch.DurationSeconds, &ch.SampleRate, &ch.Channels, &runID, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return Chapter{}, false, nil
	}
	if err != nil {
		return Chapter{}, false, err
	}
	ch.RunID = runID.String
	ch.CompletedAt = time.UnixMilli(completed).UTC()
	return ch, true, nil
}

// AppendEvent writes an event into the store.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if s.disabled() {
		return nil
	}
	created := evt.CreatedAt
	if created.IsZero() {
		created = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(run_id, stage, chapter_index, payload, created_at)
		 VALUES(?, ?, ?, ?, ?)`,
		evt.RunID, evt.Stage, evt.ChapterIndex, evt.Payload, created.UTC().UnixMilli())
	return err
}

// ListRunEvents retrieves up to limit events for a run in insertion order.
func (s *Store) ListRunEvents(ctx context.Context, runID string, limit int) ([]Event, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, stage, chapter_index, payload, created_at
		 FROM events WHERE run_id = ? ORDER BY id ASC LIMIT ?`, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e       Event
			created int64
		)
		if err := rows.Scan(&e.ID, &e.RunID, &e.Stage, &e.ChapterIndex, &e.Payload, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = time.UnixMilli(created).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) error {
	if s.disabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC().UnixMilli()
		if _, err = tx.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM chapters WHERE completed_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxRuns > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM runs WHERE run_id IN (
			SELECT run_id FROM runs ORDER BY started_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxRuns)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}
