package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/nao1215/notifier/internal/metrics"
	"github.com/nao1215/notifier/internal/queue"
)

// PoolConfig はワーカープールの設定。
type PoolConfig struct {
	// Concurrency は同時に処理するジョブ数。
	Concurrency int
	// RateLimit は1秒あたりに取り出すジョブ数の上限。0以下で無制限。
	RateLimit float64
	// PollInterval はキューが空のときの待ち時間。
	PollInterval time.Duration
	// JobTimeout は1ジョブの処理時間の上限。
	JobTimeout time.Duration
	// Lease はキューのリース期間。この半分の間隔でリースを延長する。
	Lease time.Duration
	// StalledInterval は停滞ジョブの回収間隔。
	StalledInterval time.Duration
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.Concurrency <= 0 {
		c.Concurrency = 10
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 5 * time.Minute
	}
	if c.Lease <= 0 {
		c.Lease = 30 * time.Second
	}
	if c.StalledInterval <= 0 {
		c.StalledInterval = 5 * time.Second
	}
	return c
}

// Pool はキューからジョブを取り出してProcessorで処理するワーカーの集まり。
type Pool struct {
	queue   queue.Queue
	proc    *Processor
	cfg     PoolConfig
	limiter *rate.Limiter
	metrics *metrics.Metrics
	logger  *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool は新しいPoolを生成する。
func NewPool(q queue.Queue, proc *Processor, cfg PoolConfig, m *metrics.Metrics, logger *zap.Logger) *Pool {
	cfg = cfg.withDefaults()
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	return &Pool{
		queue:   q,
		proc:    proc,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, cfg.Concurrency),
		metrics: m,
		logger:  logger,
	}
}

// Start はワーカーと停滞ジョブの回収をバックグラウンドで開始する。
func (p *Pool) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.logger.Info("ワーカープールを開始します",
		zap.Int("concurrency", p.cfg.Concurrency),
		zap.Float64("rate_limit", p.cfg.RateLimit),
	)
	for i := 0; i < p.cfg.Concurrency; i++ {
		workerID := fmt.Sprintf("worker-%d-%s", i, uuid.New().String()[:8])
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.work(ctx, workerID)
		}()
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.recoverStalled(ctx)
	}()
}

// Stop は新しいジョブの取り出しを止め、処理中のジョブの終了を待つ。
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info("ワーカープールを停止しました")
}

// work はctxがキャンセルされるまでジョブを取り出して処理する。
func (p *Pool) work(ctx context.Context, workerID string) {
	for {
		if err := p.limiter.Wait(ctx); err != nil {
			return
		}
		job, err := p.queue.Claim(ctx, workerID)
		switch {
		case err == nil:
			p.run(ctx, job)
			continue
		case ctx.Err() != nil:
			return
		case errors.Is(err, queue.ErrNoJob):
		default:
			p.logger.Error("ジョブの取り出しに失敗", zap.String("worker_id", workerID), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(p.cfg.PollInterval):
		}
	}
}

// run は1件のジョブを処理して結果をキューに記録する。
// 停止要求を受けても処理中のジョブはJobTimeoutまで続行する。
func (p *Pool) run(ctx context.Context, job *queue.Job) {
	start := time.Now()
	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.JobTimeout)
	defer cancel()

	stopHeartbeat := p.heartbeat(jobCtx, cancel, job)
	res, err := p.proc.Process(jobCtx, job.NotificationID)
	stopHeartbeat()
	p.metrics.JobDuration.Observe(time.Since(start).Seconds())

	ackCtx, ackCancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.Lease)
	defer ackCancel()

	logger := p.logger.With(
		zap.String("job_id", job.ID),
		zap.String("notification_id", job.NotificationID),
		zap.Int("attempt", job.Attempts),
	)
	if err == nil {
		if cerr := p.queue.Complete(ackCtx, job); cerr != nil {
			logger.Warn("ジョブの完了記録に失敗", zap.Error(cerr))
		}
		result := "completed"
		if res.Skipped {
			result = "skipped"
		}
		p.metrics.JobsProcessedTotal.WithLabelValues(result).Inc()
		return
	}

	dead, ferr := p.queue.Fail(ackCtx, job, err)
	if ferr != nil {
		logger.Warn("ジョブの失敗記録に失敗", zap.Error(ferr), zap.NamedError("cause", err))
		return
	}
	if dead {
		p.metrics.JobsProcessedTotal.WithLabelValues("failed").Inc()
		logger.Error("再試行の上限に達したためジョブを失敗セットに移動しました", zap.Error(err))
		return
	}
	p.metrics.JobsProcessedTotal.WithLabelValues("retry").Inc()
	logger.Warn("ジョブが失敗したため再試行します", zap.Error(err))
}

// heartbeat はリースを定期的に延長する。リースを失った場合は処理を中断させる。
func (p *Pool) heartbeat(ctx context.Context, abort context.CancelFunc, job *queue.Job) func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(p.cfg.Lease / 2)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := p.queue.Extend(ctx, job)
				if errors.Is(err, queue.ErrLeaseLost) {
					p.logger.Warn("リースを失ったため処理を中断", zap.String("job_id", job.ID))
					abort()
					return
				}
				if err != nil {
					p.logger.Warn("リースの延長に失敗", zap.String("job_id", job.ID), zap.Error(err))
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

// recoverStalled はリースが失効したジョブを定期的に回収する。
func (p *Pool) recoverStalled(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.StalledInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.queue.RecoverStalled(ctx)
			if err != nil {
				p.logger.Error("停滞ジョブの回収に失敗", zap.Error(err))
				continue
			}
			if n > 0 {
				p.logger.Warn("停滞ジョブを回収しました", zap.Int("count", n))
			}
		}
	}
}
