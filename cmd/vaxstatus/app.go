package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ehr/vaxstatus/internal/config"
	"github.com/ehr/vaxstatus/internal/domain/facts"
	"github.com/ehr/vaxstatus/internal/domain/statusupdater"
	"github.com/ehr/vaxstatus/internal/platform/db"
	"github.com/ehr/vaxstatus/internal/platform/queue"
	"github.com/ehr/vaxstatus/internal/platform/telemetry"
	"github.com/ehr/vaxstatus/internal/platform/webhook"
	"github.com/ehr/vaxstatus/internal/platform/worker"
)

var version = "dev"

const cursorKeySuffix = ":reconcile-cursor"

// app holds the dependencies shared by the subcommands.
type app struct {
	cfg     *config.Config
	logger  zerolog.Logger
	loc     *time.Location
	metrics *telemetry.Metrics

	pool    *pgxpool.Pool
	repo    facts.Repository
	store   statusupdater.Store
	updater *statusupdater.Updater

	redis  *redis.Client
	queue  *queue.RedisQueue
	cursor *queue.RedisCursor

	notifier *webhook.Notifier
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg != nil && cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	level := zerolog.InfoLevel
	if cfg != nil {
		if l, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel)); err == nil && l != zerolog.NoLevel {
			level = l
		}
	}
	return logger.Level(level)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// redisMode says whether a subcommand needs Redis.
type redisMode int

const (
	redisOff redisMode = iota
	redisOptional
	redisRequired
)

func newApp(ctx context.Context, mode redisMode) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg)
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:    cfg,
		logger: logger,
		loc:    loc,
		metrics: telemetry.New(telemetry.TelemetryConfig{
			ServiceVersion: version,
			Environment:    cfg.Env,
			RuntimeMetrics: true,
		}),
	}

	endpoints, err := webhook.ParseEndpoints(cfg.WebhookURLList(), cfg.WebhookSecret)
	if err != nil {
		return nil, fmt.Errorf("invalid WEBHOOK_URLS: %w", err)
	}

	a.pool, err = db.NewPool(ctx, cfg.DatabaseURL, cfg.DBSchema, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, err
	}
	logger.Info().Str("schema", cfg.DBSchema).Msg("connected to database")

	if mode != redisOff {
		client, err := queue.NewClient(ctx, cfg.RedisURL)
		switch {
		case err == nil:
			a.redis = client
			a.queue = queue.NewRedisQueue(client, cfg.QueueName)
			a.cursor = queue.NewRedisCursor(client, cfg.QueueName+cursorKeySuffix)
			logger.Info().Str("queue", cfg.QueueName).Msg("connected to redis")
		case mode == redisRequired:
			a.Close()
			return nil, err
		default:
			logger.Warn().Err(err).Msg("redis unavailable, status updates run synchronously")
		}
	}

	listener := statusupdater.LogListener(logger)
	if len(endpoints) > 0 {
		a.notifier = webhook.New(webhook.Config{
			Endpoints:   endpoints,
			Timeout:     cfg.WebhookTimeout,
			MaxAttempts: cfg.WebhookAttempts,
		}, a.metrics, logger)
		listener = statusupdater.MultiListener(listener, a.notifier)
		logger.Info().Int("endpoints", len(endpoints)).Msg("webhook notifications enabled")
	}

	a.repo = facts.NewRepoPG(a.pool, loc)
	a.store = statusupdater.NewStorePG(a.pool, statusupdater.StorePGConfig{Retries: cfg.UpsertRetries}, a.metrics, logger)
	a.updater = statusupdater.NewUpdater(a.repo, a.store, statusupdater.Options{
		BatchSize: cfg.StatusBatchSize,
		Workers:   cfg.StatusWorkers,
		YearsBack: cfg.AcademicYearsBack,
		Location:  loc,
		ReadTx:    a.snapshotTx,
		Listener:  listener,
		Metrics:   a.metrics,
		Logger:    logger,
	})
	return a, nil
}

// snapshotTx reads a batch of facts from one consistent snapshot.
func (a *app) snapshotTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return db.RunInTx(ctx, a.pool, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}, fn)
}

// writeTx wraps fact mutations.
func (a *app) writeTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return db.RunInTx(ctx, a.pool, pgx.TxOptions{}, fn)
}

// factsService returns the mutation service, recomputing status caches in
// the writing transaction.
func (a *app) factsService() *facts.Service {
	return facts.NewService(a.repo, statusupdater.NewInline(a.updater), a.writeTx, a.loc)
}

func (a *app) enqueuer() statusupdater.Enqueuer {
	if a.queue == nil {
		return nil
	}
	return a.queue
}

func (a *app) newWorker() *worker.Worker {
	return worker.New(a.queue, a.cursor, a.updater, worker.Config{
		Consumers:         a.cfg.StatusWorkers,
		BatchSize:         a.cfg.StatusBatchSize,
		ReconcileInterval: a.cfg.ReconcileInterval,
	}, a.metrics, a.logger)
}

// startNotifier delivers webhook events in the background. The returned
// function stops the delivery loop and flushes what is left.
func (a *app) startNotifier(ctx context.Context) func() {
	if a.notifier == nil {
		return func() {}
	}
	runCtx, stop := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.notifier.Run(runCtx)
	}()
	return func() {
		stop()
		<-done
		flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		a.notifier.Flush(flushCtx)
		if n := a.notifier.Pending(); n > 0 {
			a.logger.Warn().Int("events", n).Msg("undelivered webhook events discarded")
		}
	}
}

// reportPoolStats keeps the pool gauges current until ctx is cancelled.
func (a *app) reportPoolStats(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		stat := a.pool.Stat()
		a.metrics.SetDBPool(int64(stat.AcquiredConns()), int64(stat.IdleConns()))
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (a *app) Close() {
	if a.redis != nil {
		a.redis.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}
