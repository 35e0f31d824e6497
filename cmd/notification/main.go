// 通知サービスのエントリポイント。
// ユーザー向けAPI、SSEによるライブ配信、業務サービス向けの内部APIを提供する。
// 設定により同じプロセスでスケジューラーと配信ワーカーも動かす。
package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nao1215/notifier/internal/app"
	"github.com/nao1215/notifier/internal/config"
	"github.com/nao1215/notifier/internal/gateway"
	"github.com/nao1215/notifier/internal/intake"
	"github.com/nao1215/notifier/internal/logger"
	"github.com/nao1215/notifier/internal/notification"
	"github.com/nao1215/notifier/internal/tracing"
)

func main() {
	configPath := flag.String("config", "", "設定ファイルのパス（YAML）")
	flag.Parse()

	// .env は無くてもよい
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("設定の読み込みに失敗: %v", err)
	}
	zl, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatalf("ロガーの生成に失敗: %v", err)
	}
	defer zl.Sync() //nolint:errcheck

	if err := run(cfg, zl); err != nil {
		zl.Fatal("通知サービスが異常終了しました", zap.Error(err))
	}
}

func run(cfg *config.Config, zl *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, "notification", cfg.Tracing.Endpoint, cfg.Tracing.Insecure, zl)
	if err != nil {
		return err
	}
	defer shutdownTracing()

	// ワーカーを動かさない場合は別プロセスのディスパッチャーからRedis経由でプッシュを受ける
	a, err := app.New(ctx, cfg, zl, app.Options{RequireRedis: !cfg.Worker.Enabled})
	if err != nil {
		return err
	}
	defer a.Close()

	hub := gateway.NewHub(gateway.DefaultBuffer, a.Metrics, zl)
	svc := notification.NewService(a.Notifications, a.Deliveries, a.Users, a.Scheduler, a.Metrics, zl)
	server := notification.NewServer(notification.ServerConfig{
		Port:            cfg.Server.Port,
		JWTSecret:       cfg.Server.JWTSecret,
		InternalToken:   cfg.Server.InternalToken,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		Heartbeat:       cfg.Server.Heartbeat,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, svc, hub, a.Queue, a.Metrics, a.Registry, zl)

	if cfg.Scheduler.Enabled {
		a.Scheduler.Start(ctx)
		defer a.Scheduler.Stop()
	}
	if cfg.Worker.Enabled {
		pool := a.NewPool(hub)
		pool.Start(ctx)
		defer pool.Stop()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(gctx)
	})
	g.Go(func() error {
		a.RunCollector(gctx)
		return nil
	})
	if a.Redis != nil {
		relay := gateway.NewRelay(a.Redis, cfg.Redis.Channel, hub, zl)
		g.Go(func() error {
			return relay.Run(gctx)
		})
	}
	if cfg.Kafka.Enabled {
		consumer := intake.NewConsumer(intake.Config{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
			GroupID: cfg.Kafka.GroupID,
		}, svc, a.Metrics, zl)
		g.Go(func() error {
			return consumer.Run(gctx)
		})
	}

	zl.Info("通知サービスを起動しました",
		zap.String("port", cfg.Server.Port),
		zap.String("queue_backend", cfg.Queue.Backend),
		zap.Bool("scheduler", cfg.Scheduler.Enabled),
		zap.Bool("worker", cfg.Worker.Enabled),
		zap.Bool("kafka", cfg.Kafka.Enabled),
	)
	err = g.Wait()
	zl.Info("通知サービスを停止します")
	return err
}
