package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"agentdash/internal/domain"
	"agentdash/internal/repo"
)

// SQLite keeps jobs in the jobs table of the workspace database.
type SQLite struct {
	Repo  repo.Repo
	Queue string
	Now   func() time.Time
}

func (s SQLite) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s SQLite) Enqueue(ctx context.Context, job Job) error {
	now := domain.FormatTime(s.now())
	err := s.Repo.InsertJob(ctx, domain.Job{
		ID:          job.ID,
		Queue:       s.Queue,
		Payload:     string(job.Payload),
		MaxAttempts: job.MaxAttempts,
		RunAt:       now,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		return err
	}
	stored, err := s.Repo.GetJob(ctx, job.ID)
	if err != nil {
		return err
	}
	if stored.Queue != s.Queue || stored.Payload != string(job.Payload) {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, job.ID)
	}
	return nil
}

func (s SQLite) Next(ctx context.Context) (Delivery, error) {
	row, err := s.Repo.ClaimJob(ctx, s.Queue, domain.FormatTime(s.now()))
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, err
	}
	return sqliteDelivery{s: s, row: row}, nil
}

// Recover returns jobs left running by a previous process to pending.
func (s SQLite) Recover(ctx context.Context) (int64, error) {
	return s.Repo.RequeueStaleJobs(ctx, s.Queue, domain.FormatTime(s.now()))
}

type sqliteDelivery struct {
	s   SQLite
	row domain.Job
}

func (d sqliteDelivery) Job() Job {
	return Job{
		ID:          d.row.ID,
		Queue:       d.row.Queue,
		Payload:     []byte(d.row.Payload),
		Attempt:     d.row.Attempts,
		MaxAttempts: d.row.MaxAttempts,
	}
}

func (d sqliteDelivery) Complete(ctx context.Context) error {
	return d.s.Repo.CompleteJob(ctx, d.row.ID, domain.FormatTime(d.s.now()))
}

func (d sqliteDelivery) Retry(ctx context.Context, cause error, delay time.Duration) error {
	now := d.s.now()
	return d.s.Repo.RescheduleJob(ctx, d.row.ID, cause.Error(), domain.FormatTime(now.Add(delay)), domain.FormatTime(now))
}

func (d sqliteDelivery) Fail(ctx context.Context, cause error) error {
	return d.s.Repo.FailJob(ctx, d.row.ID, cause.Error(), domain.FormatTime(d.s.now()))
}
