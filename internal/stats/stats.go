package stats

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/znz-systems/relaywarm/internal/models"
	"github.com/znz-systems/relaywarm/internal/store"
)

// QuotaParams are the warmup curve settings.
type QuotaParams struct {
	StartVolume   int
	GrowthPercent int
}

// Quota is floor(start * (1 + growth/100)^(day-1)); days below 1 count as 1.
func Quota(p QuotaParams, day int) int {
	if day < 1 {
		day = 1
	}
	v := float64(p.StartVolume) * math.Pow(1+float64(p.GrowthPercent)/100, float64(day-1))
	// absorb float error so 100 * 1.15 stays 115
	return int(math.Floor(v + 1e-9))
}

// DailyQuota is the server's fixed daily limit when set, otherwise the
// curve value for its current warmup day.
func DailyQuota(server *models.Server, p QuotaParams) int {
	if server.DailyLimit > 0 {
		return server.DailyLimit
	}
	return Quota(p, server.WarmupDay)
}

type Service struct {
	servers     store.ServerStore
	classes     store.ClassStatStore
	serverStats store.ServerStatStore
	history     store.HistoryStore
	retention   time.Duration
	now         func() time.Time
}

func NewService(servers store.ServerStore, classes store.ClassStatStore, serverStats store.ServerStatStore, history store.HistoryStore, retentionDays int) *Service {
	if retentionDays <= 0 {
		retentionDays = 90
	}
	return &Service{
		servers:     servers,
		classes:     classes,
		serverStats: serverStats,
		history:     history,
		retention:   time.Duration(retentionDays) * 24 * time.Hour,
		now:         time.Now,
	}
}

// Attempt is one delivery attempt as seen by the stats layer.
type Attempt struct {
	ServerID int64
	ClassKey string
	Success  bool
	Latency  time.Duration
}

// RecordAttempt updates the server aggregate, the hourly stat and the
// recipient-class counters. Every write is attempted; the first error wins.
func (s *Service) RecordAttempt(ctx context.Context, a Attempt) error {
	var firstErr error
	keep := func(what string, err error) {
		if err == nil {
			return
		}
		slog.ErrorContext(ctx, "failed to record delivery stat", "stat", what, "server_id", a.ServerID, "error", err)
		if firstErr == nil {
			firstErr = fmt.Errorf("record %s: %w", what, err)
		}
	}

	keep("server aggregate", s.servers.RecordServerResult(ctx, a.ServerID, a.Success))
	keep("hourly stat", s.serverStats.RecordServerStat(ctx, a.ServerID, a.Success, a.Latency, s.now()))
	if a.ClassKey != "" {
		keep("class usage", s.classes.IncrementClassUsage(ctx, a.ServerID, a.ClassKey, a.Success))
	}
	return firstErr
}

// RecordFailureEvent counts a failure reported after the send itself was
// already recorded.
func (s *Service) RecordFailureEvent(ctx context.Context, serverID int64) error {
	if err := s.servers.RecordServerFailure(ctx, serverID); err != nil {
		return fmt.Errorf("record server failure: %w", err)
	}
	if err := s.serverStats.RecordServerError(ctx, serverID, s.now()); err != nil {
		return fmt.Errorf("record hourly error: %w", err)
	}
	return nil
}

func (s *Service) SentToday(ctx context.Context, serverID int64) (int, error) {
	return s.serverStats.SentOn(ctx, serverID, s.now())
}

// SweepResult counts rows removed by the retention sweep.
type SweepResult struct {
	History     int64
	ServerStats int64
}

// Sweep deletes history events and hourly stats older than the retention window.
func (s *Service) Sweep(ctx context.Context) (SweepResult, error) {
	cutoff := s.now().Add(-s.retention)

	var res SweepResult
	var err error
	if res.History, err = s.history.DeleteHistoryBefore(ctx, cutoff); err != nil {
		return res, fmt.Errorf("purge history: %w", err)
	}
	if res.ServerStats, err = s.serverStats.DeleteServerStatsBefore(ctx, cutoff); err != nil {
		return res, fmt.Errorf("purge server stats: %w", err)
	}
	slog.InfoContext(ctx, "retention sweep complete", "cutoff", cutoff.Format(time.RFC3339), "history", res.History, "server_stats", res.ServerStats)
	return res, nil
}

// AggregateDaily rolls hourly stats up to daily rows through yesterday.
func (s *Service) AggregateDaily(ctx context.Context) error {
	yesterday := s.now().AddDate(0, 0, -1)
	if err := s.serverStats.AggregateDailyStats(ctx, yesterday); err != nil {
		return fmt.Errorf("aggregate daily stats: %w", err)
	}
	return nil
}

func (s *Service) ThreadStats(ctx context.Context, serverID int64) (models.ThreadStats, error) {
	now := s.now()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return s.history.ThreadStats(ctx, serverID, dayStart, now.Add(-24*time.Hour))
}
