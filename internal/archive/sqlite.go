// Package archive keeps terminal jobs evicted from the in-memory store in a
// SQLite database so they stay queryable.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/example/automation-gateway/internal/model"
)

type SQLite struct {
	db *sql.DB
}

func Open(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// database/sql pools connections; keep one so writers never see SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	// Timestamps are unix nanoseconds.
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS automation_jobs (
  id TEXT PRIMARY KEY,
  action TEXT NOT NULL,
  target TEXT NOT NULL,
  requested_by TEXT NOT NULL,
  parameters_json TEXT NOT NULL,
  status TEXT NOT NULL,
  created_at INTEGER NOT NULL,
  started_at INTEGER,
  finished_at INTEGER,
  error_message TEXT
);
CREATE INDEX IF NOT EXISTS automation_jobs_finished ON automation_jobs (finished_at);
`); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

// ArchiveJobs stores terminal jobs in one transaction. Re-archiving a job
// overwrites the previous row.
func (s *SQLite) ArchiveJobs(ctx context.Context, jobs []model.Job) error {
	if len(jobs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO automation_jobs
           (id, action, target, requested_by, parameters_json, status, created_at, started_at, finished_at, error_message)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, job := range jobs {
		if !job.Status.Terminal() {
			return fmt.Errorf("archive job %s: status %s is not terminal", job.ID, job.Status)
		}
		params, err := json.Marshal(job.Parameters)
		if err != nil {
			return fmt.Errorf("archive job %s: %w", job.ID, err)
		}
		if _, err := stmt.ExecContext(ctx,
			job.ID,
			string(job.Action),
			job.Target,
			job.RequestedBy,
			string(params),
			string(job.Status),
			job.CreatedAt.UnixNano(),
			nullableTime(job.StartedAt),
			nullableTime(job.FinishedAt),
			nullableString(job.Error),
		); err != nil {
			return fmt.Errorf("archive job %s: %w", job.ID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLite) GetJob(ctx context.Context, id string) (model.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, action, target, requested_by, parameters_json, status, created_at, started_at, finished_at, error_message
       FROM automation_jobs WHERE id = ?`, id,
	)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Job{}, model.ErrNotFound
	}
	return job, err
}

// ListJobs returns archived jobs, most recently finished first.
func (s *SQLite) ListJobs(ctx context.Context, status *model.JobStatus, limit int) ([]model.Job, error) {
	if limit <= 0 {
		limit = 25
	}

	query := `SELECT id, action, target, requested_by, parameters_json, status, created_at, started_at, finished_at, error_message
       FROM automation_jobs`
	args := []any{}
	if status != nil {
		query += " WHERE status = ?"
		args = append(args, string(*status))
	}
	query += " ORDER BY finished_at DESC, id ASC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(sc scanner) (model.Job, error) {
	var (
		id, action, target, requestedBy, paramsJSON, status string
		createdNs                                           int64
		startedNs, finishedNs                               sql.NullInt64
		errorMsg                                            sql.NullString
	)
	if err := sc.Scan(&id, &action, &target, &requestedBy, &paramsJSON, &status, &createdNs, &startedNs, &finishedNs, &errorMsg); err != nil {
		return model.Job{}, err
	}
	job := model.Job{
		ID:          id,
		Action:      model.Action(action),
		Target:      target,
		RequestedBy: requestedBy,
		Status:      model.JobStatus(status),
		CreatedAt:   time.Unix(0, createdNs).UTC(),
	}
	if err := json.Unmarshal([]byte(paramsJSON), &job.Parameters); err != nil {
		return model.Job{}, fmt.Errorf("decode parameters of job %s: %w", id, err)
	}
	if startedNs.Valid {
		t := time.Unix(0, startedNs.Int64).UTC()
		job.StartedAt = &t
	}
	if finishedNs.Valid {
		t := time.Unix(0, finishedNs.Int64).UTC()
		job.FinishedAt = &t
	}
	if errorMsg.Valid {
		job.Error = errorMsg.String
	}
	return job, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
