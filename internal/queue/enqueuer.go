package queue

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/znz-systems/relaywarm/internal/delivery"
	"github.com/znz-systems/relaywarm/internal/models"
	"github.com/znz-systems/relaywarm/internal/store"
)

type EnqueueOptions struct {
	RandomDelayMin time.Duration
	RandomDelayMax time.Duration
}

// Enqueuer writes delivery jobs. New jobs are spread out by a random delay
// so replies do not go out in lockstep with the mail that triggered them.
type Enqueuer struct {
	jobs store.QueueStore
	opts EnqueueOptions
	now  func() time.Time

	mu  sync.Mutex
	rnd *rand.Rand
}

func NewEnqueuer(jobs store.QueueStore, opts EnqueueOptions, src rand.Source) *Enqueuer {
	if opts.RandomDelayMax < opts.RandomDelayMin {
		opts.RandomDelayMax = opts.RandomDelayMin
	}
	if src == nil {
		src = rand.NewSource(time.Now().UnixNano())
	}
	return &Enqueuer{jobs: jobs, opts: opts, now: time.Now, rnd: rand.New(src)}
}

func (e *Enqueuer) Enqueue(ctx context.Context, serverID int64, to, from, subject string, meta models.JobMeta) (int64, error) {
	job, err := e.jobs.EnqueueJob(ctx, models.QueueJobCreateParams{
		ServerID:    serverID,
		To:          to,
		From:        from,
		Subject:     subject,
		Meta:        meta,
		ScheduledAt: e.now().Add(e.randomDelay()),
	})
	if err != nil {
		return 0, fmt.Errorf("enqueue job: %w", err)
	}
	return job.ID, nil
}

// Reschedule overrides the scheduled time of a job that is still queued.
func (e *Enqueuer) Reschedule(ctx context.Context, jobID int64, at time.Time) error {
	if err := e.jobs.RescheduleJob(ctx, jobID, at); err != nil {
		return fmt.Errorf("reschedule job %d: %w", jobID, err)
	}
	return nil
}

// ScheduleRetry requeues the job behind task, or creates one when the
// attempt did not come from the queue.
func (e *Enqueuer) ScheduleRetry(ctx context.Context, task delivery.RetryTask, at time.Time) error {
	if task.JobID != 0 {
		if err := e.jobs.MarkJobRetry(ctx, task.JobID, task.Attempt, at, task.LastError); err != nil {
			return fmt.Errorf("requeue job %d: %w", task.JobID, err)
		}
		return nil
	}

	meta := task.Meta
	if meta.Domain == "" {
		meta.Domain = task.Domain
	}
	if meta.Prefix == "" {
		meta.Prefix = task.Prefix
	}
	from := ""
	if meta.Prefix != "" && meta.Domain != "" {
		from = meta.Prefix + "@" + meta.Domain
	}
	_, err := e.jobs.EnqueueJob(ctx, models.QueueJobCreateParams{
		ServerID:    task.ServerID,
		To:          task.To,
		From:        from,
		Subject:     task.Subject,
		Meta:        meta,
		Attempts:    task.Attempt,
		ScheduledAt: at,
	})
	if err != nil {
		return fmt.Errorf("enqueue retry: %w", err)
	}
	return nil
}

func (e *Enqueuer) randomDelay() time.Duration {
	span := int64(e.opts.RandomDelayMax - e.opts.RandomDelayMin)
	if span <= 0 {
		return e.opts.RandomDelayMin
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.opts.RandomDelayMin + time.Duration(e.rnd.Int63n(span+1))
}
