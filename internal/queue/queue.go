// Package queue runs durable, retrying, multi-worker job queues over a pluggable transport.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"agentdash/internal/config"
)

// ErrEmpty is returned by Transport.Next when no job is ready.
var ErrEmpty = errors.New("queue: no job ready")

// ErrDuplicateJob is returned by Enqueue when the id is already taken by a job with a different payload.
var ErrDuplicateJob = errors.New("queue: job id already used with a different payload")

// Job is one unit of queued work as seen by a handler.
type Job struct {
	ID          string
	Queue       string
	Payload     []byte
	Attempt     int
	MaxAttempts int
}

// Decode unmarshals the payload into v.
func (j Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return Permanent(fmt.Errorf("decode %s job %s: %w", j.Queue, j.ID, err))
	}
	return nil
}

// Handler processes one job. Returning an error wrapped with Permanent skips the remaining attempts.
type Handler func(ctx context.Context, job Job) error

// Delivery is a claimed job and the transport operations that settle it.
type Delivery interface {
	Job() Job
	Complete(ctx context.Context) error
	Retry(ctx context.Context, cause error, delay time.Duration) error
	Fail(ctx context.Context, cause error) error
}

// Transport is the durable store behind a queue.
type Transport interface {
	Enqueue(ctx context.Context, job Job) error
	Next(ctx context.Context) (Delivery, error)
}

// Recoverer is implemented by transports that can return jobs abandoned by a crashed process.
type Recoverer interface {
	Recover(ctx context.Context) (int64, error)
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// RetryPolicy bounds attempts and spaces them out.
type RetryPolicy struct {
	Attempts    int
	Backoff     time.Duration
	Exponential bool
}

// PolicyFrom converts a configured queue policy.
func PolicyFrom(p config.QueuePolicy) RetryPolicy {
	return RetryPolicy{Attempts: p.Attempts, Backoff: p.Backoff, Exponential: p.Strategy == "exponential"}
}

// Delay is the wait before the attempt following failed attempt n (1-based).
func (p RetryPolicy) Delay(n int) time.Duration {
	if !p.Exponential || n <= 1 {
		return p.Backoff
	}
	d := p.Backoff
	for i := 1; i < n && d < time.Hour; i++ {
		d *= 2
	}
	return d
}

// Hooks observe job outcomes. All are optional.
type Hooks struct {
	OnStart        func(ctx context.Context, job Job)
	OnSuccess      func(ctx context.Context, job Job)
	OnFinalFailure func(ctx context.Context, job Job, err error)
}

// Options configures a Queue. Zero values fall back to one worker, one attempt and a 250ms poll.
type Options struct {
	Workers      int
	Policy       RetryPolicy
	PollInterval time.Duration
	Logger       *zap.Logger
	Hooks        Hooks
}

// Queue feeds jobs from a transport to a handler under a retry policy.
type Queue struct {
	name      string
	transport Transport
	handler   Handler
	opts      Options
	logger    *zap.Logger
}

// New builds a queue named name. Call Run or Drain to process it.
func New(name string, t Transport, h Handler, opts Options) *Queue {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Policy.Attempts < 1 {
		opts.Policy.Attempts = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 250 * time.Millisecond
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{name: name, transport: t, handler: h, opts: opts, logger: logger.With(zap.String("queue", name))}
}

func (q *Queue) Name() string { return q.name }

// Enqueue stores payload as a new job. An empty id gets a random UUID. Re-enqueueing an id with the same
// payload is a no-op on transports that deduplicate; the SQLite transport rejects a different payload with
// ErrDuplicateJob.
func (q *Queue) Enqueue(ctx context.Context, id string, payload any) (Job, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Job{}, fmt.Errorf("encode %s job: %w", q.name, err)
	}
	if id == "" {
		id = uuid.NewString()
	}
	job := Job{ID: id, Queue: q.name, Payload: data, MaxAttempts: q.opts.Policy.Attempts}
	if err := q.transport.Enqueue(ctx, job); err != nil {
		return Job{}, fmt.Errorf("enqueue %s job: %w", q.name, err)
	}
	q.logger.Debug("job enqueued", zap.String("job_id", id))
	return job, nil
}

// Run starts the workers and blocks until ctx is done. Jobs already running finish before Run returns.
func (q *Queue) Run(ctx context.Context) error {
	if r, ok := q.transport.(Recoverer); ok {
		n, err := r.Recover(ctx)
		if err != nil {
			return fmt.Errorf("recover %s jobs: %w", q.name, err)
		}
		if n > 0 {
			q.logger.Info("requeued abandoned jobs", zap.Int64("count", n))
		}
	}
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < q.opts.Workers; i++ {
		worker := i
		g.Go(func() error {
			q.work(gctx, worker)
			return nil
		})
	}
	q.logger.Info("queue started", zap.Int("workers", q.opts.Workers))
	return g.Wait()
}

func (q *Queue) work(ctx context.Context, worker int) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		ok, err := q.ProcessOne(ctx)
		if err != nil && ctx.Err() == nil {
			q.logger.Warn("poll failed", zap.Int("worker", worker), zap.Error(err))
		}
		if ok {
			timer.Reset(0)
		} else {
			timer.Reset(q.opts.PollInterval)
		}
	}
}

// ProcessOne claims and settles at most one ready job. It reports whether a job was processed.
func (q *Queue) ProcessOne(ctx context.Context) (bool, error) {
	d, err := q.transport.Next(ctx)
	if errors.Is(err, ErrEmpty) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	// A claimed job runs to completion even when the queue is shutting down.
	jobCtx := context.WithoutCancel(ctx)
	return true, q.settle(jobCtx, d)
}

// Drain processes ready jobs until none is left. Delayed retries are not waited for.
func (q *Queue) Drain(ctx context.Context) (int, error) {
	n := 0
	for {
		ok, err := q.ProcessOne(ctx)
		if err != nil {
			return n, err
		}
		if !ok {
			return n, nil
		}
		n++
	}
}

func (q *Queue) settle(ctx context.Context, d Delivery) error {
	job := d.Job()
	if job.MaxAttempts < 1 {
		job.MaxAttempts = q.opts.Policy.Attempts
	}
	log := q.logger.With(zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
	// Rows recovered after a crash can come back with their attempts already spent.
	if job.Attempt > job.MaxAttempts {
		err := fmt.Errorf("attempt %d exceeds the limit of %d", job.Attempt, job.MaxAttempts)
		log.Error("job failed", zap.Error(err))
		if q.opts.Hooks.OnFinalFailure != nil {
			q.opts.Hooks.OnFinalFailure(ctx, job, err)
		}
		return d.Fail(ctx, err)
	}
	if q.opts.Hooks.OnStart != nil {
		q.opts.Hooks.OnStart(ctx, job)
	}
	start := time.Now()
	err := q.invoke(ctx, job)
	if err == nil {
		log.Debug("job completed", zap.Duration("took", time.Since(start)))
		if q.opts.Hooks.OnSuccess != nil {
			q.opts.Hooks.OnSuccess(ctx, job)
		}
		return d.Complete(ctx)
	}
	if !IsPermanent(err) && job.Attempt < job.MaxAttempts {
		delay := q.opts.Policy.Delay(job.Attempt)
		log.Warn("job failed, retrying", zap.Duration("delay", delay), zap.Error(err))
		return d.Retry(ctx, err, delay)
	}
	log.Error("job failed", zap.Bool("permanent", IsPermanent(err)), zap.Error(err))
	if q.opts.Hooks.OnFinalFailure != nil {
		q.opts.Hooks.OnFinalFailure(ctx, job, err)
	}
	return d.Fail(ctx, err)
}

func (q *Queue) invoke(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("job panicked", zap.String("job_id", job.ID), zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return q.handler(ctx, job)
}
