// Package intake はKafkaのトピックから通知作成の依頼を受け取る。
//
// メッセージは pkg/event の NotificationRequested イベントで、AggregateID を
// 通知IDとして使う。少なくとも1回の配送で同じメッセージが再送されても
// 通知は1件しか作られない。
package intake

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/nao1215/notifier/internal/metrics"
	"github.com/nao1215/notifier/internal/model"
	"github.com/nao1215/notifier/internal/notification"
	"github.com/nao1215/notifier/pkg/event"
)

// errPoison は再試行しても処理できないメッセージを表す。コミットして読み飛ばす。
var errPoison = errors.New("処理できないメッセージです")

// 集計用の処理結果。
const (
	resultCreated   = "created"
	resultDuplicate = "duplicate"
	resultInvalid   = "invalid"
	resultError     = "error"
)

// Creator は通知を作成する。
type Creator interface {
	CreateNotification(ctx context.Context, in model.CreateInput, source string) (*notification.CreateResult, error)
}

// messageReader はkafka.Readerのうち使用する操作。
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config はコンシューマーの設定。
type Config struct {
	Brokers []string
	Topic   string
	GroupID string
	// MaxBackoff は一時的な失敗で再試行するときの待ち時間の上限。
	MaxBackoff time.Duration
}

// Consumer は通知作成の依頼を読み取り、Creatorに渡す。
type Consumer struct {
	reader     messageReader
	creator    Creator
	topic      string
	maxBackoff time.Duration
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

// NewConsumer は新しいConsumerを生成する。
func NewConsumer(cfg Config, creator Creator, m *metrics.Metrics, logger *zap.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MaxBytes: 10e6,
	})
	return newConsumer(reader, cfg, creator, m, logger)
}

func newConsumer(reader messageReader, cfg Config, creator Creator, m *metrics.Metrics, logger *zap.Logger) *Consumer {
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	return &Consumer{
		reader:     reader,
		creator:    creator,
		topic:      cfg.Topic,
		maxBackoff: cfg.MaxBackoff,
		metrics:    m,
		logger:     logger.With(zap.String("topic", cfg.Topic)),
	}
}

// Run はctxがキャンセルされるまでメッセージを処理する。
// 一時的な失敗はオフセットをコミットせずに同じメッセージを再試行する。
func (c *Consumer) Run(ctx context.Context) error {
	defer c.reader.Close()
	c.logger.Info("通知作成依頼の受信を開始します")

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("通知作成依頼の受信を停止しました")
				return nil
			}
			return fmt.Errorf("メッセージの取得に失敗: %w", err)
		}

		if err := c.process(ctx, msg); err != nil {
			// ctxのキャンセルで中断した。未コミットのため次回の起動で再配送される
			return nil
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("オフセットのコミットに失敗: %w", err)
		}
	}
}

// process は1件のメッセージを成功するか読み飛ばすまで処理する。ctxが終了した場合だけエラーを返す。
func (c *Consumer) process(ctx context.Context, msg kafka.Message) error {
	backoff := time.Second
	for {
		err := c.handle(ctx, msg)
		if err == nil {
			return nil
		}
		if errors.Is(err, errPoison) {
			c.logger.Warn("処理できない通知作成依頼を読み飛ばします",
				zap.Int64("offset", msg.Offset), zap.Int("partition", msg.Partition), zap.Error(err))
			return nil
		}

		c.logger.Error("通知作成依頼の処理に失敗したため再試行します",
			zap.Int64("offset", msg.Offset), zap.Duration("backoff", backoff), zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, c.maxBackoff)
	}
}

// handle はメッセージを通知作成の入力に変換してCreatorに渡す。
func (c *Consumer) handle(ctx context.Context, msg kafka.Message) error {
	in, err := decode(msg.Value)
	if err != nil {
		c.metrics.IntakeMessagesTotal.WithLabelValues(c.topic, resultInvalid).Inc()
		return fmt.Errorf("%w: %w", errPoison, err)
	}

	res, err := c.creator.CreateNotification(ctx, *in, notification.SourceKafka)
	if err != nil {
		if model.IsValidationError(err) {
			c.metrics.IntakeMessagesTotal.WithLabelValues(c.topic, resultInvalid).Inc()
			return fmt.Errorf("%w: %w", errPoison, err)
		}
		c.metrics.IntakeMessagesTotal.WithLabelValues(c.topic, resultError).Inc()
		return err
	}

	result := resultCreated
	if !res.Created {
		result = resultDuplicate
	}
	c.metrics.IntakeMessagesTotal.WithLabelValues(c.topic, result).Inc()
	c.logger.Debug("通知作成依頼を処理しました",
		zap.String("notification_id", res.Notification.ID), zap.String("result", result))
	return nil
}

// decode はNotificationRequestedイベントを通知作成の入力に変換する。
// 通知IDはAggregateID、空の場合はイベントIDを使う。
func decode(b []byte) (*model.CreateInput, error) {
	ev, data, err := event.Open[event.NotificationRequestedData](b, event.TypeNotificationRequested)
	if err != nil {
		return nil, err
	}

	id := ev.AggregateID
	if id == "" {
		id = ev.ID
	}
	return &model.CreateInput{
		ID:      id,
		Title:   data.Title,
		Message: data.Message,
		Kind:    model.Kind(data.Type),
		Targeting: model.Targeting{
			TargetUser:      data.TargetUser,
			TargetCompanies: data.TargetCompanies,
			Broadcast:       data.Broadcast,
		},
		Link:         data.Link,
		Metadata:     data.Metadata,
		CreatedBy:    data.CreatedBy,
		ScheduledFor: data.ScheduledFor,
	}, nil
}
