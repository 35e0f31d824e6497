// Package app は設定から通知配信の各コンポーネントを組み立てる。
//
// cmd/notification と cmd/dispatcher はどちらもこのパッケージでストア、
// キュー、スケジューラー、ワーカープールを生成し、役割に応じて起動する。
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nao1215/notifier/internal/config"
	"github.com/nao1215/notifier/internal/dispatch"
	"github.com/nao1215/notifier/internal/metrics"
	"github.com/nao1215/notifier/internal/queue"
	"github.com/nao1215/notifier/internal/recipient"
	"github.com/nao1215/notifier/internal/scheduler"
	"github.com/nao1215/notifier/internal/store"
)

// collectInterval はキュー件数のゲージを更新する間隔。
const collectInterval = 15 * time.Second

// App は1プロセス分のコンポーネント一式。
type App struct {
	Config   *config.Config
	Logger   *zap.Logger
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics

	DB            *sqlx.DB
	Redis         redis.UniversalClient
	Queue         queue.Queue
	Notifications *store.NotificationStore
	Deliveries    *store.DeliveryStore
	Users         *store.UserStore
	Scheduler     *scheduler.Scheduler
}

// Options はNewの動作を変える。
type Options struct {
	// RequireRedis がtrueの場合、キューのバックエンドによらずRedisに接続する。
	RequireRedis bool
}

// New はデータベースを開き、必要であればRedisに接続してコンポーネントを生成する。
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts Options) (*App, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a := &App{
		Config:   cfg,
		Logger:   logger,
		Registry: reg,
		Metrics:  metrics.New(reg),
	}

	db, err := store.Open(ctx, store.Options{
		Path:         cfg.Database.Path,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		BusyTimeout:  cfg.Database.BusyTimeout,
	}, logger)
	if err != nil {
		return nil, err
	}
	a.DB = db
	a.Notifications = store.NewNotificationStore(db)
	a.Deliveries = store.NewDeliveryStore(db)
	a.Users = store.NewUserStore(db)

	if opts.RequireRedis || cfg.Queue.Backend == "redis" {
		rdb, err := connectRedis(ctx, cfg.Redis)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Redis = rdb
	}

	q, err := a.openQueue(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Queue = q

	a.Scheduler = scheduler.New(a.Notifications, q, scheduler.Config{
		Interval: cfg.Scheduler.Interval,
		Lookback: cfg.Scheduler.Lookback,
		CatchUp:  cfg.Scheduler.CatchUp,
	}, a.Metrics, logger)
	return a, nil
}

// connectRedis はRedisに接続して疎通を確認する。
func connectRedis(ctx context.Context, cfg config.RedisConfig) (redis.UniversalClient, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.ConnectTimeout,
		ReadTimeout:  cfg.CommandTimeout,
		WriteTimeout: cfg.CommandTimeout,
	})
	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("Redis %s への接続に失敗: %w", cfg.Addr, err)
	}
	return rdb, nil
}

// openQueue は設定されたバックエンドのキューを生成する。
func (a *App) openQueue(ctx context.Context) (queue.Queue, error) {
	qc := a.Config.Queue
	opts := queue.Options{
		MaxAttempts:   qc.MaxAttempts,
		Backoff:       qc.Backoff,
		Lease:         qc.Lease,
		KeepCompleted: qc.KeepCompleted,
		KeepFailed:    qc.KeepFailed,
		KeepFailedFor: max(a.Config.Scheduler.CatchUp, a.Config.Scheduler.Lookback),
	}
	switch qc.Backend {
	case "redis":
		a.Logger.Info("Redisのディスパッチキューを使用します", zap.String("name", qc.Name))
		return queue.NewRedisQueue(a.Redis, qc.Name, opts), nil
	case "sqlite":
		a.Logger.Info("SQLiteのディスパッチキューを使用します")
		return queue.NewSQLiteQueue(ctx, a.DB, opts)
	default:
		return nil, fmt.Errorf("未対応のキューバックエンドです: %q", qc.Backend)
	}
}

// NewPool はpusherでライブ配信するワーカープールを生成する。
func (a *App) NewPool(pusher dispatch.Pusher) *dispatch.Pool {
	wc := a.Config.Worker
	resolver := recipient.NewResolver(a.Users, wc.BatchSize, a.Logger)
	proc := dispatch.NewProcessor(a.Notifications, a.Deliveries, resolver, pusher, dispatch.ProcessorConfig{
		Concurrency: wc.BatchConcurrency,
		OpTimeout:   wc.OpTimeout,
	}, a.Metrics, a.Logger)
	return dispatch.NewPool(a.Queue, proc, dispatch.PoolConfig{
		Concurrency:     wc.Concurrency,
		RateLimit:       wc.RateLimit,
		PollInterval:    wc.PollInterval,
		JobTimeout:      wc.JobTimeout,
		Lease:           a.Config.Queue.Lease,
		StalledInterval: wc.StalledInterval,
	}, a.Metrics, a.Logger)
}

// RunCollector はctxがキャンセルされるまでキューと未送信通知のゲージを更新する。
func (a *App) RunCollector(ctx context.Context) {
	a.Metrics.RunCollector(ctx, collectInterval, a.Queue, a.Notifications, a.Logger)
}

// Close は接続を閉じる。
func (a *App) Close() error {
	var errs []error
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	return errors.Join(errs...)
}
