package store

import (
	"context"
	"errors"
	"time"

	"github.com/znz-systems/relaywarm/internal/models"
)

// ErrNotFound is returned by every store when the requested row does not exist.
var ErrNotFound = errors.New("not found")

type ServerStore interface {
	GetServerByID(ctx context.Context, id int64) (*models.Server, error)
	GetServerByDomain(ctx context.Context, domain string) (*models.Server, error)
	ListServers(ctx context.Context, activeOnly bool) ([]models.Server, error)
	SetServerWarmupDay(ctx context.Context, id int64, day int) error
	IncrementActiveServerDays(ctx context.Context) error
	RecordServerResult(ctx context.Context, id int64, success bool) error
	RecordServerFailure(ctx context.Context, id int64) error
}

// ClassStatStore holds per server × recipient class warmup counters. All
// mutations are additive SQL increments or a single locked read-modify-write
// per class; callers never write counters back directly.
type ClassStatStore interface {
	ListActiveClasses(ctx context.Context) ([]models.RecipientClass, error)
	GetClassStat(ctx context.Context, serverID int64, classKey string) (*models.ClassStat, error)
	IncrementClassUsage(ctx context.Context, serverID int64, classKey string, success bool) error
	ResetClassDay(ctx context.Context, serverID int64, classKey string, decide func(models.ClassStat) int) (models.ClassDayUpdate, error)
	AdvanceAllClassDays(ctx context.Context) error
}

type ServerStatStore interface {
	RecordServerStat(ctx context.Context, serverID int64, success bool, latency time.Duration, at time.Time) error
	RecordServerError(ctx context.Context, serverID int64, at time.Time) error
	SentOn(ctx context.Context, serverID int64, day time.Time) (int, error)
	AggregateDailyStats(ctx context.Context, through time.Time) error
	DeleteServerStatsBefore(ctx context.Context, before time.Time) (int64, error)
}

type HistoryStore interface {
	CreateHistoryEvent(ctx context.Context, params models.HistoryEventCreateParams) (*models.HistoryEvent, error)
	FindHistoryByMessageID(ctx context.Context, messageIDs ...string) (*models.HistoryEvent, error)
	DeleteHistoryBefore(ctx context.Context, before time.Time) (int64, error)
	ThreadStats(ctx context.Context, serverID int64, dayStart, activeSince time.Time) (models.ThreadStats, error)
}

type TemplateMetricStore interface {
	IncrementTemplateMetric(ctx context.Context, templateID *int64, serverID int64, eventType models.EventType, day time.Time) error
}

type QueueStore interface {
	EnqueueJob(ctx context.Context, params models.QueueJobCreateParams) (*models.QueueJob, error)
	RescheduleJob(ctx context.Context, id int64, at time.Time) error
	ClaimDueJobs(ctx context.Context, limit int) ([]models.QueueJob, error)
	MarkJobSent(ctx context.Context, id int64) error
	MarkJobRetry(ctx context.Context, id int64, attempts int, at time.Time, lastError string) error
	MarkJobFailed(ctx context.Context, id int64, lastError string) error
}

type TemplateStore interface {
	GetTemplateByID(ctx context.Context, id int64) (*models.Template, error)
	GetTemplateByName(ctx context.Context, name string) (*models.Template, error)
	ListTemplates(ctx context.Context) ([]models.Template, error)
}

type SettingStore interface {
	GetSetting(ctx context.Context, key string) (string, error)
	// PutSettingIfAbsent stores value unless the key already exists and
	// returns whichever value is persisted afterwards.
	PutSettingIfAbsent(ctx context.Context, key, value string) (string, error)
}
