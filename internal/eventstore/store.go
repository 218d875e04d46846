package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-transcribe/internal/config"
	"github.com/loqalabs/loqa-transcribe/internal/protocol"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a job id has no record.
var ErrNotFound = errors.New("job not found")

// Job status values.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Job is the latest known state of one transcription run.
type Job struct {
	ID                string
	Filename          string
	Status            string
	Transcript        string
	Error             string
	SegmentsTotal     int
	SegmentsCompleted int
	FailedSegment     int
	BitrateKbps       int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Event is one journaled job event.
type Event struct {
	ID        int64
	JobID     string
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// Store is a SQLite-backed job history.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the store according to config. Ephemeral mode keeps nothing.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "eventstore"))
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
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}
	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS jobs (
    job_id TEXT PRIMARY KEY,
    filename TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    transcript TEXT NOT NULL DEFAULT '',
    error TEXT NOT NULL DEFAULT '',
    segments_total INTEGER NOT NULL DEFAULT 0,
    segments_completed INTEGER NOT NULL DEFAULT 0,
    failed_segment INTEGER NOT NULL DEFAULT -1,
    bitrate_kbps INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    payload BLOB,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(job_id) REFERENCES jobs(job_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_job ON events(job_id, id);
CREATE INDEX IF NOT EXISTS idx_jobs_updated ON jobs(updated_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

func (s *Store) disabled() bool {
	return s == nil || s.db == nil || s.cfg.RetentionMode == "ephemeral"
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Emit journals evt and folds it into the job row. It satisfies the
// pipeline's event sink.
func (s *Store) Emit(ctx context.Context, subject string, evt protocol.JobEvent) (err error) {
	if s.disabled() {
		return nil
	}
	if evt.JobID == "" {
		return errors.New("event store: job event without job id")
	}
	now := evt.Timestamp
	if now.IsZero() {
		now = s.clock()
	}
	ts := now.UTC().UnixNano()
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode job event: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO jobs(job_id, filename, status, created_at, updated_at) VALUES(?, ?, ?, ?, ?)
		 ON CONFLICT(job_id) DO UPDATE SET updated_at=excluded.updated_at`,
		evt.JobID, evt.Filename, StatusRunning, ts, ts); err != nil {
		return err
	}

	switch subject {
	case protocol.SubjectJobCompressed:
		_, err = tx.ExecContext(ctx, `UPDATE jobs SET bitrate_kbps=? WHERE job_id=?`, evt.BitrateKbps, evt.JobID)
	case protocol.SubjectJobSegmented:
		_, err = tx.ExecContext(ctx, `UPDATE jobs SET segments_total=? WHERE job_id=?`, evt.SegmentCount, evt.JobID)
	case protocol.SubjectSegmentCompleted:
		_, err = tx.ExecContext(ctx, `UPDATE jobs SET segments_completed=? WHERE job_id=?`, evt.SegmentIndex+1, evt.JobID)
	case protocol.SubjectJobCompleted:
		_, err = tx.ExecContext(ctx,
			`UPDATE jobs SET status=?, transcript=?, segments_total=?, segments_completed=? WHERE job_id=?`,
			StatusCompleted, evt.Text, evt.SegmentCount, evt.SegmentCount, evt.JobID)
	case protocol.SubjectJobFailed:
		_, err = tx.ExecContext(ctx,
			`UPDATE jobs SET status=?, transcript=?, error=?, failed_segment=? WHERE job_id=?`,
			StatusFailed, evt.Text, evt.Error, evt.SegmentIndex, evt.JobID)
	}
	if err != nil {
		return err
	}

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO events(job_id, event_type, payload, created_at) VALUES(?, ?, ?, ?)`,
		evt.JobID, subject, payload, ts); err != nil {
		return err
	}
	return tx.Commit()
}

const jobColumns = `job_id, filename, status, transcript, error, segments_total, segments_completed, failed_segment, bitrate_kbps, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (Job, error) {
	var j Job
	var created, updated int64
	err := row.Scan(&j.ID, &j.Filename, &j.Status, &j.Transcript, &j.Error,
		&j.SegmentsTotal, &j.SegmentsCompleted, &j.FailedSegment, &j.BitrateKbps, &created, &updated)
	if err != nil {
		return Job{}, err
	}
	j.CreatedAt = time.Unix(0, created).UTC()
	j.UpdatedAt = time.Unix(0, updated).UTC()
	return j, nil
}

// GetJob returns the stored job or ErrNotFound.
func (s *Store) GetJob(ctx context.Context, jobID string) (Job, error) {
	if s.disabled() {
		return Job{}, ErrNotFound
	}
	job, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	return job, err
}

// ListJobs returns up to limit jobs, most recently updated first.
func (s *Store) ListJobs(ctx context.Context, limit int) ([]Job, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// ListJobEvents retrieves up to limit events for a job in emission order.
func (s *Store) ListJobEvents(ctx context.Context, jobID string, limit int) ([]Event, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, event_type, payload, created_at
		 FROM events WHERE job_id = ? ORDER BY id ASC LIMIT ?`, jobID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var created int64
		if err := rows.Scan(&e.ID, &e.JobID, &e.Type, &e.Payload, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = time.Unix(0, created).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.disabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM jobs WHERE updated_at < ?`, cutoff.UTC().UnixNano()); err != nil {
			return err
		}
	}
	if s.cfg.MaxJobs > 0 {
		if _, err = tx.ExecContext(ctx, `DELETE FROM jobs WHERE job_id IN (
			SELECT job_id FROM jobs ORDER BY updated_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxJobs); err != nil {
			return err
		}
	}
	return tx.Commit()
}
