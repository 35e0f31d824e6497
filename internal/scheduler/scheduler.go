// Package scheduler は通知を配信可能になった時点でディスパッチキューへ投入する。
//
// 投入の契機は2つある。作成時に配信予定日時を迎えている通知の即時投入と、
// 一定間隔で未送信の通知を探す定期スイープである。どちらも通知IDから決まる
// 同じジョブIDで投入するため、同じ通知が重複して処理されることはない。
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nao1215/notifier/internal/metrics"
	"github.com/nao1215/notifier/internal/model"
	"github.com/nao1215/notifier/internal/queue"
)

// NotificationFinder は配信予定の通知を検索する。
type NotificationFinder interface {
	FindDue(ctx context.Context, windowStart, windowEnd time.Time) ([]model.Notification, error)
}

// Enqueuer はジョブを投入する。
type Enqueuer interface {
	Add(ctx context.Context, id, notificationID string, priority int, runAt time.Time) (bool, error)
}

// Config はスケジューラーの設定。
type Config struct {
	// Interval は定期スイープの間隔。
	Interval time.Duration
	// Lookback はスイープで遡る期間。Intervalより長くしてスイープ間の取りこぼしを防ぐ。
	Lookback time.Duration
	// CatchUp は起動時のスイープで遡る期間。0の場合はLookbackと同じ。
	CatchUp time.Duration
}

// Scheduler は即時投入と定期スイープを行う。
type Scheduler struct {
	store   NotificationFinder
	queue   Enqueuer
	cfg     Config
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time

	// cancel はバックグラウンドゴルーチンを停止するためのキャンセル関数。
	cancel context.CancelFunc
	// wg はバックグラウンドゴルーチンの終了を待つ。
	wg sync.WaitGroup
}

// New は新しいSchedulerを生成する。
func New(store NotificationFinder, q Enqueuer, cfg Config, m *metrics.Metrics, logger *zap.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = 2 * cfg.Interval
	}
	if cfg.CatchUp < cfg.Lookback {
		cfg.CatchUp = cfg.Lookback
	}
	return &Scheduler{
		store:   store,
		queue:   q,
		cfg:     cfg,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

// Enqueue は配信予定日時を迎えた通知をキューに投入する。
// 未来の通知は定期スイープに任せ、falseを返す。
func (s *Scheduler) Enqueue(ctx context.Context, n *model.Notification) (bool, error) {
	if n.HasBeenSent || n.Deleted || !n.Due(s.now()) {
		return false, nil
	}
	return s.enqueue(ctx, n, "immediate")
}

// Sweep は [now-Lookback, now) に配信予定日時がある未送信の通知を投入し、新たに投入した件数を返す。
func (s *Scheduler) Sweep(ctx context.Context) (int, error) {
	now := s.now()
	return s.sweep(ctx, now.Add(-s.cfg.Lookback), now, "sweep")
}

// CatchUp は起動時に [now-CatchUp, now) の未送信の通知を投入する。
// 全プロセスが停止している間に配信予定日時を迎えた通知を拾う。
func (s *Scheduler) CatchUp(ctx context.Context) (int, error) {
	now := s.now()
	return s.sweep(ctx, now.Add(-s.cfg.CatchUp), now, "catch_up")
}

func (s *Scheduler) sweep(ctx context.Context, start, end time.Time, trigger string) (int, error) {
	due, err := s.store.FindDue(ctx, start, end)
	if err != nil {
		return 0, fmt.Errorf("配信予定の通知の検索に失敗: %w", err)
	}

	added := 0
	for i := range due {
		ok, err := s.enqueue(ctx, &due[i], trigger)
		if err != nil {
			return added, err
		}
		if ok {
			added++
		}
	}
	if added > 0 {
		s.logger.Info("配信予定の通知を投入しました",
			zap.String("trigger", trigger),
			zap.Int("found", len(due)),
			zap.Int("added", added),
		)
	}
	return added, nil
}

func (s *Scheduler) enqueue(ctx context.Context, n *model.Notification, trigger string) (bool, error) {
	added, err := s.queue.Add(ctx, queue.JobID(n.ID), n.ID, n.Priority(), s.now())
	if err != nil {
		s.metrics.JobsEnqueuedTotal.WithLabelValues(trigger, "error").Inc()
		return false, fmt.Errorf("通知 %s の投入に失敗: %w", n.ID, err)
	}
	result := "duplicate"
	if added {
		result = "added"
	}
	s.metrics.JobsEnqueuedTotal.WithLabelValues(trigger, result).Inc()
	return added, nil
}

// Start はバックグラウンドで起動時のスイープと定期スイープを開始する。
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("スケジューラーを開始します",
			zap.Duration("interval", s.cfg.Interval),
			zap.Duration("lookback", s.cfg.Lookback),
		)

		if _, err := s.CatchUp(ctx); err != nil {
			s.logger.Error("起動時のスイープに失敗", zap.Error(err))
		}

		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.logger.Info("スケジューラーを停止しました")
				return
			case <-ticker.C:
				if _, err := s.Sweep(ctx); err != nil {
					s.logger.Error("定期スイープに失敗", zap.Error(err))
				}
			}
		}
	}()
}

// Stop は定期スイープを停止し、実行中のスイープの終了を待つ。
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}
