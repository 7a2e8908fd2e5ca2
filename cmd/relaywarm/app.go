package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/znz-systems/relaywarm/internal/config"
	"github.com/znz-systems/relaywarm/internal/database"
	"github.com/znz-systems/relaywarm/internal/delivery"
	"github.com/znz-systems/relaywarm/internal/metrics"
	"github.com/znz-systems/relaywarm/internal/notify"
	"github.com/znz-systems/relaywarm/internal/queue"
	"github.com/znz-systems/relaywarm/internal/ratelimit"
	"github.com/znz-systems/relaywarm/internal/recipient"
	"github.com/znz-systems/relaywarm/internal/relay"
	"github.com/znz-systems/relaywarm/internal/scheduler"
	"github.com/znz-systems/relaywarm/internal/stats"
	"github.com/znz-systems/relaywarm/internal/store/postgres"
	"github.com/znz-systems/relaywarm/internal/template"
	"github.com/znz-systems/relaywarm/internal/thread"
	"github.com/znz-systems/relaywarm/internal/warmup"
	"github.com/znz-systems/relaywarm/internal/web"
	"github.com/znz-systems/relaywarm/internal/web/handlers"
	"github.com/znz-systems/relaywarm/internal/web/middleware"
	"github.com/znz-systems/relaywarm/internal/webhook"
	"github.com/znz-systems/relaywarm/migrations"
)

// app holds every wired component. Commands use the parts they need.
type app struct {
	cfg *config.Config
	db  *sql.DB

	servers      *postgres.ServerStore
	templates    *postgres.TemplateStore
	counterStore *postgres.CounterStore
	memCounter   *ratelimit.MemoryCounter
	counter      ratelimit.Counter

	metrics    *metrics.Metrics
	stats      *stats.Service
	engine     *warmup.Engine
	pipeline   *delivery.Pipeline
	dispatcher *queue.Dispatcher
	webhooks   *webhook.Service
	secrets    *webhook.SecretProvider
	publisher  *notify.AMQPPublisher

	stopPacer context.CancelFunc
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	db, err := postgres.NewDB(cfg.DatabaseURL, postgres.PoolConfig{
		MaxOpenConns: cfg.DBMaxConns,
		MaxIdleConns: cfg.DBMaxConns / 2,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	a := &app{cfg: cfg, db: db, metrics: metrics.New()}

	// Stores
	serverStore := postgres.NewServerStore(db)
	a.servers = serverStore
	classStore := postgres.NewClassStatStore(db)
	serverStatStore := postgres.NewServerStatStore(db)
	historyStore := postgres.NewHistoryStore(db)
	metricStore := postgres.NewTemplateMetricStore(db)
	queueStore := postgres.NewQueueStore(db)
	settingStore := postgres.NewSettingStore(db)
	a.templates = postgres.NewTemplateStore(db)

	switch cfg.Webhook.CounterBackend {
	case "memory":
		a.memCounter = ratelimit.NewMemoryCounter()
		a.counter = a.memCounter
	default:
		a.counterStore = postgres.NewCounterStore(db)
		a.counter = a.counterStore
	}

	classes, err := classStore.ListActiveClasses(ctx)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("load recipient classes: %w", err)
	}

	strategy, err := delivery.ParseStrategy(cfg.Retry.Strategy)
	if err != nil {
		a.Close()
		return nil, err
	}
	quota := stats.QuotaParams{StartVolume: cfg.Warmup.StartVolume, GrowthPercent: cfg.Warmup.GrowthPercent}

	// Services
	a.stats = stats.NewService(serverStore, classStore, serverStatStore, historyStore, cfg.RetentionDays)
	preparer := template.NewPreparer(a.templates, nil)
	enqueuer := queue.NewEnqueuer(queueStore, queue.EnqueueOptions{
		RandomDelayMin: cfg.Queue.RandomDelayMin,
		RandomDelayMax: cfg.Queue.RandomDelayMax,
	}, nil)

	a.pipeline = delivery.NewPipeline(delivery.Deps{
		Servers:   serverStore,
		History:   historyStore,
		Templates: preparer,
		Relay:     relay.NewClient(cfg.Relay.Timeout),
		Stats:     a.stats,
		Classes:   recipient.NewClassifier(classes),
		Retries:   enqueuer,
		Observer:  a.metrics,
	}, delivery.Options{
		FromOverride:    cfg.Delivery.FromOverride,
		DefaultFromName: cfg.Delivery.DefaultFromName,
		CustomHeaders:   cfg.Delivery.CustomHeaders,
		GlobalTag:       cfg.Delivery.GlobalTag,
		Source:          "relaywarm/" + version,
		Retry: delivery.RetryPolicy{
			MaxRetries: cfg.Retry.MaxRetries,
			BaseDelay:  cfg.Retry.BaseDelay,
			Strategy:   strategy,
			MaxDelay:   cfg.Retry.MaxDelay,
		},
	})

	observers := []warmup.Observer{a.metrics}
	if cfg.AMQP.URL != "" {
		a.publisher, err = notify.NewAMQPPublisher(cfg.AMQP.URL, cfg.AMQP.Exchange)
		if err != nil {
			a.Close()
			return nil, err
		}
		observers = append(observers, a.publisher)
	}
	a.engine = warmup.NewEngine(serverStore, classStore, warmup.Options{
		Mode: cfg.Warmup.Mode,
		Thresholds: warmup.Thresholds{
			AdvancePercent: cfg.Warmup.AdvancePercent,
			RetreatPercent: cfg.Warmup.RetreatPercent,
			MinVolume:      cfg.Warmup.MinVolume,
		},
		Quota:       quota,
		Concurrency: cfg.Warmup.Concurrency,
	}, observers...)

	pacerCtx, stopPacer := context.WithCancel(context.Background())
	a.stopPacer = stopPacer
	a.dispatcher = queue.NewDispatcher(queueStore, a.pipeline, serverStore, a.stats,
		ratelimit.NewPacer(pacerCtx, cfg.Queue.PerServerRPS, 1),
		queue.DispatcherOptions{
			BatchSize:       cfg.Queue.BatchSize,
			PollInterval:    cfg.Queue.PollInterval,
			WindowStartHour: cfg.Queue.WindowStartHour,
			WindowEndHour:   cfg.Queue.WindowEndHour,
			Quota:           quota,
		})

	machine := thread.NewMachine(historyStore, preparer, enqueuer, thread.Config{
		MaxExchanges:       cfg.Thread.MaxExchanges,
		DelayMin:           cfg.Thread.DelayMin,
		DelayMax:           cfg.Thread.DelayMax,
		Suffix:             cfg.Thread.Suffix,
		TagPrefix:          cfg.Thread.TagPrefix,
		FallbackTemplateID: cfg.Thread.FallbackTemplateID,
	}, nil)

	a.secrets = webhook.NewSecretProvider(settingStore)
	a.webhooks = webhook.NewService(webhook.Deps{
		Servers:   serverStore,
		History:   historyStore,
		Metrics:   metricStore,
		Templates: preparer,
		Failures:  a.stats,
		Dedup:     ratelimit.NewDeduper(a.counter, cfg.Webhook.DedupWindow),
		Threads:   machine,
		Queue:     enqueuer,
		Observer:  a.metrics,
	}, webhook.Options{ThreadEnabled: cfg.Thread.Enabled})

	return a, nil
}

func (a *app) Close() {
	if a.stopPacer != nil {
		a.stopPacer()
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			slog.Warn("failed to close amqp connection", "error", err)
		}
	}
	if a.memCounter != nil {
		a.memCounter.Close()
	}
	a.db.Close()
}

// maintenance runs the retention sweep, the daily roll-up and admission
// counter cleanup. Each step runs even if an earlier one fails.
func (a *app) maintenance(ctx context.Context) error {
	var errs []error
	if _, err := a.stats.Sweep(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.stats.AggregateDaily(ctx); err != nil {
		errs = append(errs, err)
	}
	if a.counterStore != nil {
		n, err := a.counterStore.DeleteExpired(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("delete expired counters: %w", err))
		} else {
			slog.Info("expired admission counters removed", "count", n)
		}
	}
	return errors.Join(errs...)
}

func (a *app) router() (http.Handler, error) {
	allow, err := middleware.ParseAllowList(a.cfg.Webhook.AllowList)
	if err != nil {
		return nil, err
	}
	proxies, err := middleware.ParseAllowList(a.cfg.Webhook.TrustedProxies)
	if err != nil {
		return nil, fmt.Errorf("WEBHOOK_TRUSTED_PROXIES: %w", err)
	}
	limiter := ratelimit.NewWindowLimiter(a.counter,
		ratelimit.WindowLimit{Name: "minute", Window: time.Minute, Limit: int64(a.cfg.Webhook.RateLimitMinute)},
		ratelimit.WindowLimit{Name: "hour", Window: time.Hour, Limit: int64(a.cfg.Webhook.RateLimitHour)},
	)
	return web.NewRouter(web.RouterDeps{
		WebhookHandler: handlers.NewWebhookHandler(a.webhooks),
		HealthHandler:  handlers.NewHealthHandler(version),
		Metrics:        a.metrics.Handler(),
		AllowList:      allow,
		TrustedProxies: proxies,
		Limiter:        limiter,
		Verifier:       a.secrets,
		Signature: middleware.SignatureOptions{
			Strict: a.cfg.Webhook.StrictMode,
			Action: a.cfg.Webhook.InvalidSignatureAction,
		},
		Rejections: a.metrics,
	}), nil
}

func serve(c *cli.Context) error {
	cfg := configFrom(c)

	// Migrations
	if err := database.RunMigrations(migrations.FS, cfg.DatabaseURL); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if cfg.Webhook.StrictMode {
		if _, err := a.secrets.Secret(ctx); err != nil {
			return fmt.Errorf("initialise webhook secret: %w", err)
		}
	}

	router, err := a.router()
	if err != nil {
		return err
	}

	// Scheduled jobs
	sched := scheduler.New(ctx)
	if err := sched.Register(scheduler.Job{Name: "warmup", Schedule: cfg.Warmup.Schedule, Run: a.engine.AdvanceAll}); err != nil {
		return err
	}
	if err := sched.Register(scheduler.Job{Name: "maintenance", Schedule: cfg.Warmup.MaintenanceCron, Run: a.maintenance}); err != nil {
		return err
	}
	sched.Start()

	dispatcherDone := make(chan struct{})
	go func() {
		defer close(dispatcherDone)
		a.dispatcher.Run(ctx)
	}()

	// Server
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("relaywarm starting", "addr", addr, "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		slog.Error("server error", "error", err)
		stop()
	}
	slog.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	sched.Stop(shutdownCtx)
	select {
	case <-dispatcherDone:
	case <-shutdownCtx.Done():
		slog.Warn("dispatcher did not stop in time")
	}
	return nil
}
