package repo

import (
	"context"
	"database/sql"
	"strings"

	"agentdash/internal/domain"
)

const jobColumns = `id,queue,payload,status,attempts,max_attempts,run_at,last_error,created_at,updated_at`

func scanJob(row rowScanner) (domain.Job, error) {
	var j domain.Job
	var lastErr sql.NullString
	err := row.Scan(&j.ID, &j.Queue, &j.Payload, &j.Status, &j.Attempts, &j.MaxAttempts, &j.RunAt, &lastErr, &j.CreatedAt, &j.UpdatedAt)
	if err == sql.ErrNoRows {
		return j, ErrNotFound
	}
	if err != nil {
		return j, err
	}
	j.LastError = stringPtr(lastErr)
	return j, nil
}

// InsertJob stores a pending job. Re-inserting an existing id is ignored so enqueue stays idempotent per job id.
func (r Repo) InsertJob(ctx context.Context, j domain.Job) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO jobs(id,queue,payload,status,attempts,max_attempts,run_at,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?) ON CONFLICT(id) DO NOTHING`,
		j.ID, j.Queue, j.Payload, domain.JobPending, 0, j.MaxAttempts, j.RunAt, j.CreatedAt, j.UpdatedAt)
	return err
}

// ClaimJob atomically marks the oldest ready job of queue as running and bumps its attempt counter.
func (r Repo) ClaimJob(ctx context.Context, queue, now string) (domain.Job, error) {
	return scanJob(r.DB.QueryRowContext(ctx, `UPDATE jobs SET status=?, attempts=attempts+1, updated_at=?
WHERE id = (SELECT id FROM jobs WHERE queue=? AND status=? AND run_at<=? ORDER BY run_at, created_at LIMIT 1)
RETURNING `+jobColumns, domain.JobRunning, now, queue, domain.JobPending, now))
}

func (r Repo) CompleteJob(ctx context.Context, id, now string) error {
	return r.setJobState(ctx, id, domain.JobCompleted, nil, "", now)
}

func (r Repo) FailJob(ctx context.Context, id, cause, now string) error {
	return r.setJobState(ctx, id, domain.JobFailed, &cause, "", now)
}

// RescheduleJob returns a running job to pending with a new run_at.
func (r Repo) RescheduleJob(ctx context.Context, id, cause, runAt, now string) error {
	return r.setJobState(ctx, id, domain.JobPending, &cause, runAt, now)
}

func (r Repo) setJobState(ctx context.Context, id, status string, cause *string, runAt, now string) error {
	fields := []string{"status=?", "updated_at=?"}
	args := []any{status, now}
	if cause != nil {
		fields = append(fields, "last_error=?")
		args = append(args, *cause)
	}
	if runAt != "" {
		fields = append(fields, "run_at=?")
		args = append(args, runAt)
	}
	args = append(args, id)
	res, err := r.DB.ExecContext(ctx, `UPDATE jobs SET `+strings.Join(fields, ",")+` WHERE id=?`, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetJob(ctx context.Context, id string) (domain.Job, error) {
	return scanJob(r.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id))
}

// RequeueStaleJobs returns jobs left running by a crashed process to pending.
func (r Repo) RequeueStaleJobs(ctx context.Context, queue, now string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE jobs SET status=?, run_at=?, updated_at=? WHERE queue=? AND status=?`,
		domain.JobPending, now, now, queue, domain.JobRunning)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type JobFilters struct {
	Queue  string
	Status string
	Limit  int
}

func (r Repo) ListJobs(ctx context.Context, f JobFilters) ([]domain.Job, error) {
	var clauses []string
	var args []any
	if f.Queue != "" {
		clauses = append(clauses, "queue=?")
		args = append(args, f.Queue)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + jobColumns + ` FROM jobs ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}
