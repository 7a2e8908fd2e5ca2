package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronv3 "github.com/robfig/cron/v3"
)

// Job is a named unit of periodic work.
type Job struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) error
}

// Scheduler runs jobs on cron schedules with a seconds field. A job that is
// still running when its next tick fires is skipped.
type Scheduler struct {
	ctx    context.Context
	cron   *cronv3.Cron
	mu     sync.Mutex
	jobIDs map[string]cronv3.EntryID
}

// New creates a scheduler whose jobs receive ctx.
func New(ctx context.Context) *Scheduler {
	logger := slogLogger{}
	c := cronv3.New(
		cronv3.WithSeconds(),
		cronv3.WithLogger(logger),
		cronv3.WithChain(
			cronv3.SkipIfStillRunning(logger),
			cronv3.Recover(logger),
		),
	)
	return &Scheduler{ctx: ctx, cron: c, jobIDs: make(map[string]cronv3.EntryID)}
}

func (s *Scheduler) Register(job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobIDs[job.Name]; ok {
		return fmt.Errorf("job %q already registered", job.Name)
	}
	id, err := s.cron.AddFunc(job.Schedule, func() { s.run(job) })
	if err != nil {
		return fmt.Errorf("schedule job %q (%s): %w", job.Name, job.Schedule, err)
	}
	s.jobIDs[job.Name] = id
	slog.Info("registered scheduled job", "job", job.Name, "schedule", job.Schedule)
	return nil
}

func (s *Scheduler) run(job Job) {
	start := time.Now()
	slog.Info("scheduled job started", "job", job.Name)
	if err := job.Run(s.ctx); err != nil {
		slog.Error("scheduled job failed", "job", job.Name, "duration", time.Since(start).String(), "error", err)
		return
	}
	slog.Info("scheduled job finished", "job", job.Name, "duration", time.Since(start).String())
}

// Next returns the next activation time of a registered job.
func (s *Scheduler) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	id, ok := s.jobIDs[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return s.cron.Entry(id).Next, true
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop prevents new runs and waits for running jobs or ctx, whichever
// finishes first.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		slog.Warn("scheduler stop timed out with jobs still running")
	}
}

type slogLogger struct{}

func (slogLogger) Info(msg string, keysAndValues ...interface{}) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (slogLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	slog.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
