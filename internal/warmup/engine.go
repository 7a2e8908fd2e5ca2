package warmup

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"golang.org/x/sync/errgroup"

	"github.com/znz-systems/relaywarm/internal/models"
	"github.com/znz-systems/relaywarm/internal/stats"
	"github.com/znz-systems/relaywarm/internal/store"
)

const (
	ModeSmart  = "smart"
	ModeLinear = "linear"
)

type Options struct {
	Mode        string
	Thresholds  Thresholds
	Quota       stats.QuotaParams
	Concurrency int
}

type Engine struct {
	servers   store.ServerStore
	classes   store.ClassStatStore
	observers []Observer
	opts      Options
}

func NewEngine(servers store.ServerStore, classes store.ClassStatStore, opts Options, observers ...Observer) *Engine {
	if opts.Mode == "" {
		opts.Mode = ModeSmart
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	return &Engine{servers: servers, classes: classes, observers: observers, opts: opts}
}

// Quota is the curve value for day. The server is accepted so per-server
// curves can be introduced without touching callers.
func (e *Engine) Quota(_ *models.Server, day int) int {
	return stats.Quota(e.opts.Quota, day)
}

// AdvanceAll runs the daily warmup pass over every active server.
func (e *Engine) AdvanceAll(ctx context.Context) error {
	if e.opts.Mode == ModeLinear {
		return e.advanceLinear(ctx)
	}

	servers, err := e.servers.ListServers(ctx, true)
	if err != nil {
		return fmt.Errorf("list active servers: %w", err)
	}
	if len(servers) == 0 {
		slog.InfoContext(ctx, "warmup pass skipped, no active servers")
		return nil
	}
	classes, err := e.classes.ListActiveClasses(ctx)
	if err != nil {
		return fmt.Errorf("list active classes: %w", err)
	}

	var g errgroup.Group
	g.SetLimit(e.opts.Concurrency)
	for i := range servers {
		server := servers[i]
		g.Go(func() error {
			if err := e.AdvanceServer(ctx, &server, classes); err != nil {
				slog.ErrorContext(ctx, "warmup pass failed for server", "server_id", server.ID, "error", err)
				return fmt.Errorf("server %d: %w", server.ID, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("warmup pass: %w", err)
	}
	slog.InfoContext(ctx, "warmup pass complete", "servers", len(servers), "classes", len(classes))
	return nil
}

func (e *Engine) advanceLinear(ctx context.Context) error {
	if err := e.servers.IncrementActiveServerDays(ctx); err != nil {
		return fmt.Errorf("advance server days: %w", err)
	}
	if err := e.classes.AdvanceAllClassDays(ctx); err != nil {
		return fmt.Errorf("advance class days: %w", err)
	}
	slog.InfoContext(ctx, "linear warmup pass complete")
	return nil
}

// AdvanceServer decides and persists the next day for each class of one
// server, then sets the server's global day to the rounded class mean.
func (e *Engine) AdvanceServer(ctx context.Context, server *models.Server, classes []models.RecipientClass) error {
	if len(classes) == 0 {
		return nil
	}

	days := make([]int, 0, len(classes))
	for _, class := range classes {
		var decision Decision
		_, err := e.classes.ResetClassDay(ctx, server.ID, class.Key, func(stat models.ClassStat) int {
			day := max(1, stat.WarmupDay)
			decision = Decide(stat, e.Quota(server, day), e.opts.Thresholds)
			return decision.NewDay
		})
		if err != nil {
			return fmt.Errorf("reset class %s: %w", class.Key, err)
		}
		days = append(days, decision.NewDay)

		if decision.Notable() {
			e.publish(ctx, server.ID, class.Key, decision)
		}
	}

	sum := 0
	for _, d := range days {
		sum += d
	}
	global := int(math.Round(float64(sum) / float64(len(days))))
	if err := e.servers.SetServerWarmupDay(ctx, server.ID, global); err != nil {
		return fmt.Errorf("set server day: %w", err)
	}
	return nil
}

func (e *Engine) publish(ctx context.Context, serverID int64, classKey string, d Decision) {
	level := slog.LevelInfo
	if d.Action == ActionRetreatCritical {
		level = slog.LevelWarn
	}
	slog.Log(ctx, level, "warmup decision",
		"server_id", serverID,
		"class", classKey,
		"action", string(d.Action),
		"old_day", d.OldDay,
		"new_day", d.NewDay,
		"sent", d.Sent,
		"quota", d.Quota,
		"error_rate", math.Round(d.ErrorRate*10)/10,
	)

	change := StatusChange{
		ServerID: serverID,
		ClassKey: classKey,
		OldDay:   d.OldDay,
		NewDay:   d.NewDay,
		Action:   d.Action,
		Metrics:  Metrics{Sent: d.Sent, Quota: d.Quota, ErrorRate: d.ErrorRate},
	}
	for _, obs := range e.observers {
		if err := obs.OnStatusChange(ctx, change); err != nil {
			slog.WarnContext(ctx, "warmup observer failed", "server_id", serverID, "class", classKey, "error", err)
		}
	}
}
