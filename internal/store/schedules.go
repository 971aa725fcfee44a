package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/cockroachdb/errors"

	"jobflow/internal/domain"
)

const scheduleColumns = `id,name,cron_expr,kind,job_name,enabled,last_run,next_run,created_at,updated_at`

func scanSchedule(row scanner) (domain.Schedule, error) {
	var (
		sc      domain.Schedule
		lastRun sql.NullTime
	)
	if err := row.Scan(&sc.ID, &sc.Name, &sc.CronExpr, &sc.Kind, &sc.JobName, &sc.Enabled, &lastRun, &sc.NextRun, &sc.CreatedAt, &sc.UpdatedAt); err != nil {
		return domain.Schedule{}, err
	}
	if lastRun.Valid {
		t := lastRun.Time
		sc.LastRun = &t
	}
	return sc, nil
}

func (s *SQLite) CreateSchedule(ctx context.Context, sc domain.Schedule) (string, error) {
	id := sc.ID
	if id == "" {
		id = domain.NewScheduleID()
	}
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO schedules (id,name,cron_expr,kind,job_name,enabled,last_run,next_run,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?)
`, id, sc.Name, sc.CronExpr, sc.Kind, sc.JobName, sc.Enabled, nullTime(sc.LastRun), sc.NextRun.UTC(), now.UTC(), now.UTC())
	return id, errors.Wrap(err, "create schedule")
}

func (s *SQLite) GetSchedule(ctx context.Context, id string) (domain.Schedule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id=?`, id)
	sc, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Schedule{}, errors.Wrapf(domain.ErrScheduleNotFound, "schedule %s", id)
	}
	return sc, err
}

func (s *SQLite) ListSchedules(ctx context.Context) ([]domain.Schedule, error) {
	return s.querySchedules(ctx, `SELECT `+scheduleColumns+` FROM schedules ORDER BY name`)
}

func (s *SQLite) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM schedules WHERE id=?", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(domain.ErrScheduleNotFound, "schedule %s", id)
	}
	return nil
}

func (s *SQLite) GetDueSchedules(ctx context.Context, until time.Time) ([]domain.Schedule, error) {
	return s.querySchedules(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE enabled=1 AND next_run <= ? ORDER BY next_run`, until.UTC())
}

func (s *SQLite) UpdateScheduleRun(ctx context.Context, id string, lastRun, nextRun time.Time) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE schedules SET last_run=?,next_run=?,updated_at=? WHERE id=?`, lastRun.UTC(), nextRun.UTC(), time.Now().UTC(), id)
	return err
}

func (s *SQLite) querySchedules(ctx context.Context, q string, args ...any) ([]domain.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}
