package queue

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/znz-systems/relaywarm/internal/delivery"
	"github.com/znz-systems/relaywarm/internal/models"
	"github.com/znz-systems/relaywarm/internal/recipient"
	"github.com/znz-systems/relaywarm/internal/stats"
	"github.com/znz-systems/relaywarm/internal/store"
)

type Sender interface {
	Send(ctx context.Context, req delivery.Request) (delivery.Outcome, error)
}

type ServerLookup interface {
	GetServerByID(ctx context.Context, id int64) (*models.Server, error)
}

type SentCounter interface {
	SentToday(ctx context.Context, serverID int64) (int, error)
}

type Pacer interface {
	Wait(ctx context.Context, key string) error
}

type DispatcherOptions struct {
	BatchSize       int
	PollInterval    time.Duration
	WindowStartHour int
	WindowEndHour   int
	Quota           stats.QuotaParams
}

// Dispatcher drains due queue jobs into the delivery pipeline.
type Dispatcher struct {
	jobs    store.QueueStore
	sender  Sender
	servers ServerLookup
	sent    SentCounter
	pacer   Pacer
	opts    DispatcherOptions
	now     func() time.Time
}

func NewDispatcher(jobs store.QueueStore, sender Sender, servers ServerLookup, sent SentCounter, pacer Pacer, opts DispatcherOptions) *Dispatcher {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 20
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.WindowEndHour <= 0 || opts.WindowEndHour > 24 {
		opts.WindowEndHour = 24
	}
	return &Dispatcher{
		jobs:    jobs,
		sender:  sender,
		servers: servers,
		sent:    sent,
		pacer:   pacer,
		opts:    opts,
		now:     time.Now,
	}
}

func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := d.ProcessBatch(ctx)
		if err != nil {
			slog.Error("queue dispatcher cycle failed", "error", err)
		}
		if n > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ProcessBatch claims one batch of due jobs and handles each of them. It
// returns the number of jobs claimed.
func (d *Dispatcher) ProcessBatch(ctx context.Context) (int, error) {
	jobs, err := d.jobs.ClaimDueJobs(ctx, d.opts.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("claim queue jobs: %w", err)
	}
	for _, job := range jobs {
		if err := d.process(ctx, job); err != nil {
			slog.Error("queue job failed", "job_id", job.ID, "server_id", job.ServerID, "error", err)
		}
	}
	return len(jobs), nil
}

func (d *Dispatcher) process(ctx context.Context, job models.QueueJob) error {
	now := d.now()
	if !d.inWindow(now) {
		return d.postpone(ctx, job, d.nextWindowStart(now), "outside sending window")
	}

	server, err := d.servers.GetServerByID(ctx, job.ServerID)
	if err != nil {
		return d.fail(ctx, job, fmt.Errorf("load server: %w", err))
	}
	if !server.Active {
		return d.fail(ctx, job, fmt.Errorf("server %d is inactive", server.ID))
	}

	sent, err := d.sent.SentToday(ctx, server.ID)
	if err != nil {
		return d.postpone(ctx, job, now.Add(d.opts.PollInterval), "quota check failed: "+err.Error())
	}
	if quota := stats.DailyQuota(server, d.opts.Quota); sent >= quota {
		slog.Info("daily quota reached, deferring job", "job_id", job.ID, "server_id", server.ID, "sent", sent, "quota", quota)
		tomorrow := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, now.Location())
		return d.postpone(ctx, job, d.nextWindowStart(tomorrow), "daily quota reached")
	}

	if d.pacer != nil {
		if err := d.pacer.Wait(ctx, strconv.FormatInt(server.ID, 10)); err != nil {
			return d.postpone(context.WithoutCancel(ctx), job, d.now(), "pacing interrupted")
		}
	}

	out, err := d.sender.Send(ctx, d.request(job))
	switch {
	case err != nil:
		return d.fail(ctx, job, err)
	case out.Success:
		if err := d.jobs.MarkJobSent(ctx, job.ID); err != nil {
			return fmt.Errorf("mark job sent: %w", err)
		}
	case out.Terminal:
		if err := d.jobs.MarkJobFailed(ctx, job.ID, out.Error); err != nil {
			return fmt.Errorf("mark job failed: %w", err)
		}
	}
	// A scheduled retry has already requeued the row.
	return nil
}

func (d *Dispatcher) request(job models.QueueJob) delivery.Request {
	prefix, domain := job.Meta.Prefix, job.Meta.Domain
	if prefix == "" || domain == "" {
		local, host := recipient.SplitAddress(job.From)
		if prefix == "" {
			prefix = local
		}
		if domain == "" {
			domain = host
		}
	}
	return delivery.Request{
		ServerID:    job.ServerID,
		Domain:      domain,
		Prefix:      prefix,
		To:          job.To,
		Subject:     job.Subject,
		Attempt:     job.Attempts,
		HandleRetry: true,
		JobID:       job.ID,
		Meta:        job.Meta,
	}
}

func (d *Dispatcher) fail(ctx context.Context, job models.QueueJob, cause error) error {
	if err := d.jobs.MarkJobFailed(ctx, job.ID, cause.Error()); err != nil {
		return fmt.Errorf("mark job failed after %v: %w", cause, err)
	}
	return cause
}

func (d *Dispatcher) postpone(ctx context.Context, job models.QueueJob, at time.Time, reason string) error {
	if err := d.jobs.MarkJobRetry(ctx, job.ID, job.Attempts, at, reason); err != nil {
		return fmt.Errorf("defer job: %w", err)
	}
	return nil
}

func (d *Dispatcher) inWindow(t time.Time) bool {
	h := t.Hour()
	return h >= d.opts.WindowStartHour && h < d.opts.WindowEndHour
}

// nextWindowStart returns t itself when t is inside the sending window,
// otherwise the next time the window opens.
func (d *Dispatcher) nextWindowStart(t time.Time) time.Time {
	if d.inWindow(t) {
		return t
	}
	start := time.Date(t.Year(), t.Month(), t.Day(), d.opts.WindowStartHour, 0, 0, 0, t.Location())
	if !start.After(t) {
		start = start.AddDate(0, 0, 1)
	}
	return start
}
