// ディスパッチャーのエントリポイント。
// スケジューラーと配信ワーカーだけを動かし、ライブ配信はRedis経由で
// 通知サービスのプロセスに依頼する。
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nao1215/notifier/internal/app"
	"github.com/nao1215/notifier/internal/config"
	"github.com/nao1215/notifier/internal/gateway"
	"github.com/nao1215/notifier/internal/logger"
	"github.com/nao1215/notifier/internal/tracing"
	"github.com/nao1215/notifier/pkg/middleware"
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
		zl.Fatal("ディスパッチャーが異常終了しました", zap.Error(err))
	}
}

func run(cfg *config.Config, zl *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, "dispatcher", cfg.Tracing.Endpoint, cfg.Tracing.Insecure, zl)
	if err != nil {
		return err
	}
	defer shutdownTracing()

	a, err := app.New(ctx, cfg, zl, app.Options{RequireRedis: true})
	if err != nil {
		return err
	}
	defer a.Close()

	if cfg.Scheduler.Enabled {
		a.Scheduler.Start(ctx)
		defer a.Scheduler.Stop()
	}
	pool := a.NewPool(gateway.NewRedisPublisher(a.Redis, cfg.Redis.Channel))
	pool.Start(ctx)
	defer pool.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.RunCollector(gctx)
		return nil
	})
	g.Go(func() error {
		return serveMetrics(gctx, cfg.Server.Port, a.Registry, zl)
	})

	zl.Info("ディスパッチャーを起動しました",
		zap.String("queue_backend", cfg.Queue.Backend),
		zap.Int("concurrency", cfg.Worker.Concurrency),
		zap.Float64("rate_limit", cfg.Worker.RateLimit),
	)
	err = g.Wait()
	zl.Info("ディスパッチャーを停止します")
	return err
}

// serveMetrics は /metrics と /health だけを公開するHTTPサーバーを動かす。
func serveMetrics(ctx context.Context, port string, gatherer prometheus.Gatherer, zl *zap.Logger) error {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(middleware.Recovery(zl))
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "dispatcher"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	srv := &http.Server{Addr: ":" + port, Handler: router, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("メトリクスサーバーの起動に失敗: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
