// Package dispatch はディスパッチキューのジョブを処理して通知をファンアウトする。
//
// 1件のジョブの処理は次の順に進む。
//  1. 通知を読み込み、削除済みか送信済みなら何もせず終了する
//  2. 受信者をページ単位で解決する
//  3. 配信済みのユーザーを除く
//  4. 残りのユーザーにライブ配信を試み、配信記録を書く
//  5. 通知を送信済みにする
//
// どの操作も繰り返して安全なため、再試行や重複投入があっても配信記録は1件に保たれる。
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nao1215/notifier/internal/gateway"
	"github.com/nao1215/notifier/internal/metrics"
	"github.com/nao1215/notifier/internal/model"
	"github.com/nao1215/notifier/internal/store"
	"github.com/nao1215/notifier/internal/tracing"
	"github.com/nao1215/notifier/pkg/event"
)

// NotificationStore は通知の読み込みと送信済みの記録を行う。
type NotificationStore interface {
	Get(ctx context.Context, id string) (*model.Notification, error)
	MarkSent(ctx context.Context, id string) error
}

// DeliveryStore は配信記録を読み書きする。
type DeliveryStore interface {
	FindDeliveredUserSet(ctx context.Context, notificationID string, userIDs []string) (map[string]struct{}, error)
	UpsertDelivered(ctx context.Context, userID, notificationID string) error
}

// Resolver は通知の受信者をページ単位で列挙する。
type Resolver interface {
	Each(ctx context.Context, n *model.Notification, fn func(userIDs []string) error) error
}

// Pusher はユーザーのライブ接続に通知を送る。オフラインのユーザーには0を返す。
type Pusher interface {
	Push(ctx context.Context, userID string, p event.LivePayload) (int, error)
}

// ProcessorConfig は処理の設定。
type ProcessorConfig struct {
	// Concurrency はページ内で同時に処理する受信者数。
	Concurrency int
	// OpTimeout はストアとプッシュの1回の操作の時間の上限。
	OpTimeout time.Duration
}

// Result は1件のジョブの処理結果。
type Result struct {
	// Skipped は通知が削除済みまたは送信済みで何もしなかったかどうか。
	Skipped bool
	// Recipients は解決された受信者数。
	Recipients int
	// AlreadyDelivered は配信済みとして除いた受信者数。
	AlreadyDelivered int
	// Recorded は今回配信記録を書いた受信者数。
	Recorded int
	// Pushed はライブ配信が1接続以上に届いた受信者数。
	Pushed int
	// Failed は個別のエラーで記録できなかった受信者数。
	Failed int
}

// ErrPageFailed はページ内の未配信の受信者すべてで配信記録に失敗したことを表す。
// 配信済みを含むページの受信者の過半数に及ぶ場合だけ返す。
var ErrPageFailed = errors.New("ページの受信者の配信記録がすべて失敗しました")

// Processor は1件の通知のファンアウトを行う。
type Processor struct {
	notifications NotificationStore
	deliveries    DeliveryStore
	resolver      Resolver
	pusher        Pusher
	cfg           ProcessorConfig
	metrics       *metrics.Metrics
	logger        *zap.Logger
}

// NewProcessor は新しいProcessorを生成する。
func NewProcessor(ns NotificationStore, ds DeliveryStore, r Resolver, p Pusher, cfg ProcessorConfig, m *metrics.Metrics, logger *zap.Logger) *Processor {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 5 * time.Second
	}
	return &Processor{
		notifications: ns,
		deliveries:    ds,
		resolver:      r,
		pusher:        p,
		cfg:           cfg,
		metrics:       m,
		logger:        logger,
	}
}

// Process は通知をファンアウトする。エラーを返した場合はジョブを再試行させる。
func (p *Processor) Process(ctx context.Context, notificationID string) (Result, error) {
	ctx, span := tracing.Tracer().Start(ctx, "dispatch.Process")
	defer span.End()
	span.SetAttributes(attribute.String("notification.id", notificationID))

	var res Result
	n, err := p.load(ctx, notificationID)
	if errors.Is(err, store.ErrNotFound) {
		p.logger.Warn("通知が存在しないためジョブを終了", zap.String("notification_id", notificationID))
		res.Skipped = true
		return res, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}
	if n.Deleted || n.HasBeenSent {
		res.Skipped = true
		span.SetAttributes(attribute.Bool("dispatch.skipped", true))
		return res, nil
	}
	span.SetAttributes(attribute.String("notification.target_mode", string(n.Mode())))

	payload := gateway.PayloadOf(n)
	err = p.resolver.Each(ctx, n, func(userIDs []string) error {
		return p.deliverPage(ctx, n, payload, userIDs, &res)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}

	if err := p.withTimeout(ctx, func(ctx context.Context) error {
		return p.notifications.MarkSent(ctx, n.ID)
	}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}

	span.SetAttributes(
		attribute.Int("dispatch.recipients", res.Recipients),
		attribute.Int("dispatch.recorded", res.Recorded),
		attribute.Int("dispatch.failed", res.Failed),
	)
	p.logger.Info("通知の配信が完了しました",
		zap.String("notification_id", n.ID),
		zap.String("target_mode", string(n.Mode())),
		zap.Int("recipients", res.Recipients),
		zap.Int("already_delivered", res.AlreadyDelivered),
		zap.Int("recorded", res.Recorded),
		zap.Int("pushed", res.Pushed),
		zap.Int("failed", res.Failed),
	)
	return res, nil
}

func (p *Processor) load(ctx context.Context, id string) (*model.Notification, error) {
	var n *model.Notification
	err := p.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		n, err = p.notifications.Get(ctx, id)
		return err
	})
	return n, err
}

// deliverPage は1ページの受信者に配信する。
// 個別の受信者の失敗は記録して続行する。書き込みがすべて失敗し、
// その数が配信済みを含むページの受信者の過半数に及ぶ場合だけエラーを返す。
func (p *Processor) deliverPage(ctx context.Context, n *model.Notification, payload event.LivePayload, userIDs []string, res *Result) error {
	ctx, span := tracing.Tracer().Start(ctx, "dispatch.deliverPage")
	defer span.End()
	span.SetAttributes(attribute.Int("dispatch.page_size", len(userIDs)))

	res.Recipients += len(userIDs)

	var delivered map[string]struct{}
	if err := p.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		delivered, err = p.deliveries.FindDeliveredUserSet(ctx, n.ID, userIDs)
		return err
	}); err != nil {
		return err
	}

	remaining := make([]string, 0, len(userIDs))
	for _, u := range userIDs {
		if _, ok := delivered[u]; !ok {
			remaining = append(remaining, u)
		}
	}
	res.AlreadyDelivered += len(userIDs) - len(remaining)
	if len(remaining) == 0 {
		return nil
	}

	var (
		mu       sync.Mutex
		failures []error
		recorded int
		pushed   int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for _, userID := range remaining {
		userID := userID
		g.Go(func() error {
			online := p.push(gctx, userID, payload)
			err := p.withTimeout(gctx, func(ctx context.Context) error {
				return p.deliveries.UpsertDelivered(ctx, userID, n.ID)
			})

			mu.Lock()
			defer mu.Unlock()
			if online {
				pushed++
			}
			if err != nil {
				failures = append(failures, fmt.Errorf("ユーザー %s: %w", userID, err))
				return nil
			}
			recorded++
			return nil
		})
	}
	_ = g.Wait()

	res.Recorded += recorded
	res.Pushed += pushed
	res.Failed += len(failures)
	p.metrics.DeliveriesRecordedTotal.Add(float64(recorded))
	p.metrics.RecipientFailuresTotal.Add(float64(len(failures)))

	if len(failures) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	joined := errors.Join(failures...)
	if pageFailed(len(failures), len(remaining), len(userIDs)) {
		span.RecordError(joined)
		return fmt.Errorf("通知 %s: %w (%d/%d): %w", n.ID, ErrPageFailed, len(failures), len(userIDs), joined)
	}
	p.logger.Warn("一部の受信者の配信記録に失敗",
		zap.String("notification_id", n.ID),
		zap.Int("failed", len(failures)),
		zap.Int("page", len(remaining)),
		zap.Error(joined),
	)
	return nil
}

// pageFailed はページの失敗が個別の受信者ではなくストア全体の障害によるものかを判定する。
// 再試行では配信済みのユーザーが除かれるため、分母には配信済みを含むページの受信者数を使う。
func pageFailed(failed, attempted, page int) bool {
	return failed > 0 && failed == attempted && failed*2 > page
}

// push はライブ配信を試み、1接続以上に届いたかを返す。失敗は記録するだけでエラーにしない。
func (p *Processor) push(ctx context.Context, userID string, payload event.LivePayload) bool {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.OpTimeout)
	defer cancel()

	n, err := p.pusher.Push(ctx, userID, payload)
	switch {
	case err != nil:
		p.metrics.PushTotal.WithLabelValues("error").Inc()
		p.logger.Debug("ライブ配信に失敗", zap.String("user_id", userID), zap.Error(err))
		return false
	case n == 0:
		p.metrics.PushTotal.WithLabelValues("offline").Inc()
		return false
	default:
		p.metrics.PushTotal.WithLabelValues("delivered").Inc()
		return true
	}
}

func (p *Processor) withTimeout(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.OpTimeout)
	defer cancel()
	return fn(ctx)
}
