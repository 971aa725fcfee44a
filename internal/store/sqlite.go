package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite"

	"jobflow/internal/domain"
)

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS jobs (
  id TEXT PRIMARY KEY,
  kind TEXT NOT NULL DEFAULT '',
  name TEXT NOT NULL DEFAULT '',
  idempotency_key TEXT,
  attempt INTEGER NOT NULL DEFAULT 1,
  retry_of TEXT NOT NULL DEFAULT '',
  state TEXT NOT NULL CHECK(state IN ('scheduled','ready','running','succeeded','failed','cancelled')),
  created_at DATETIME NOT NULL,
  due_at DATETIME NOT NULL,
  started_at DATETIME,
  finished_at DATETIME,
  error TEXT NOT NULL DEFAULT '',
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_jobs_state_due ON jobs(state, due_at);
CREATE TABLE IF NOT EXISTS schedules (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  cron_expr TEXT NOT NULL,
  kind TEXT NOT NULL,
  job_name TEXT NOT NULL DEFAULT '',
  enabled INTEGER NOT NULL DEFAULT 1,
  last_run DATETIME,
  next_run DATETIME NOT NULL,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_schedules_next_run ON schedules(enabled, next_run);
`
	_, err := db.Exec(schema)
	return err
}

// SQLite checkpoints job records and stores recurring schedules.
// Timestamps are written in UTC so text comparisons order correctly.
type SQLite struct{ db *sql.DB }

// Open opens (creating if needed) the database at path.
func Open(path string) (*SQLite, error) {
	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open db")
	}
	db.SetMaxOpenConns(1) // SQLite single writer
	if err := EnsureSchema(db); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ensure schema")
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

// Save upserts the latest snapshot of a job.
func (s *SQLite) Save(ctx context.Context, r domain.Record) error {
	var idem sql.NullString
	if r.IdempotencyKey != "" {
		idem = sql.NullString{String: r.IdempotencyKey, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO jobs (id,kind,name,idempotency_key,attempt,retry_of,state,created_at,due_at,started_at,finished_at,error,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,CURRENT_TIMESTAMP)
ON CONFLICT(id) DO UPDATE SET
  state=excluded.state,
  due_at=excluded.due_at,
  started_at=excluded.started_at,
  finished_at=excluded.finished_at,
  error=excluded.error,
  updated_at=CURRENT_TIMESTAMP
`, r.ID, r.Kind, r.Name, idem, r.Attempt, r.RetryOf, string(r.State), r.CreatedAt.UTC(), r.DueAt.UTC(),
		nullTime(r.StartedAt), nullTime(r.FinishedAt), r.Error)
	return errors.Wrapf(err, "save job %s", r.ID)
}

const jobColumns = `id,kind,name,idempotency_key,attempt,retry_of,state,created_at,due_at,started_at,finished_at,error`

type scanner interface{ Scan(dest ...any) error }

func scanRecord(row scanner) (domain.Record, error) {
	var (
		r                 domain.Record
		state             string
		idem              sql.NullString
		started, finished sql.NullTime
	)
	if err := row.Scan(&r.ID, &r.Kind, &r.Name, &idem, &r.Attempt, &r.RetryOf, &state, &r.CreatedAt, &r.DueAt, &started, &finished, &r.Error); err != nil {
		return domain.Record{}, err
	}
	r.State = domain.State(state)
	if idem.Valid {
		r.IdempotencyKey = idem.String
	}
	if started.Valid {
		t := started.Time
		r.StartedAt = &t
	}
	if finished.Valid {
		t := finished.Time
		r.FinishedAt = &t
	}
	return r, nil
}

func (s *SQLite) Get(ctx context.Context, id string) (domain.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Record{}, errors.Wrapf(domain.ErrNotFound, "job %s", id)
	}
	return r, err
}

// Pending returns rebuildable jobs that had not reached a terminal state,
// oldest due first.
func (s *SQLite) Pending(ctx context.Context) ([]domain.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+jobColumns+`
FROM jobs
WHERE state IN ('scheduled','ready','running') AND kind <> ''
ORDER BY due_at ASC, created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Prune deletes terminal jobs that finished before the given instant.
func (s *SQLite) Prune(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM jobs
WHERE state IN ('succeeded','failed','cancelled') AND finished_at IS NOT NULL AND finished_at < ?`, before.UTC())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
