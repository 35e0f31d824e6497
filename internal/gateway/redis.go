package gateway

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nao1215/notifier/pkg/event"
)

// RedisPublisher はRedisのPub/Subでプッシュを依頼する。
// 接続を保持しないワーカープロセスから使う。
type RedisPublisher struct {
	rdb     redis.UniversalClient
	channel string
}

// NewRedisPublisher は新しいRedisPublisherを生成する。
func NewRedisPublisher(rdb redis.UniversalClient, channel string) *RedisPublisher {
	return &RedisPublisher{rdb: rdb, channel: channel}
}

// Push はプッシュ依頼を発行し、受け取ったRelayの数を返す。
// 接続数は各Relayの側でしか分からないため、戻り値は接続数ではない。
func (p *RedisPublisher) Push(ctx context.Context, userID string, payload event.LivePayload) (int, error) {
	b, err := event.Encode(payload.ID, event.TypeNotificationPushed,
		event.NotificationPushedData{UserID: userID, Payload: payload})
	if err != nil {
		return 0, err
	}
	n, err := p.rdb.Publish(ctx, p.channel, b).Result()
	if err != nil {
		return 0, fmt.Errorf("ユーザー %s へのプッシュ依頼の発行に失敗: %w", userID, err)
	}
	return int(n), nil
}

// Relay はRedisのプッシュ依頼を購読してHubに渡す。
type Relay struct {
	rdb     redis.UniversalClient
	channel string
	hub     *Hub
	logger  *zap.Logger
}

// NewRelay は新しいRelayを生成する。
func NewRelay(rdb redis.UniversalClient, channel string, hub *Hub, logger *zap.Logger) *Relay {
	return &Relay{rdb: rdb, channel: channel, hub: hub, logger: logger}
}

// Run はctxがキャンセルされるまでプッシュ依頼を中継する。
func (r *Relay) Run(ctx context.Context) error {
	sub := r.rdb.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("チャネル %s の購読に失敗: %w", r.channel, err)
	}
	r.logger.Info("プッシュ依頼の中継を開始します", zap.String("channel", r.channel))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("プッシュ依頼の中継を停止しました")
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.handle(ctx, []byte(msg.Payload))
		}
	}
}

// handle は1件のプッシュ依頼をHubに渡す。不正なメッセージは記録して捨てる。
func (r *Relay) handle(ctx context.Context, b []byte) {
	_, data, err := event.Open[event.NotificationPushedData](b, event.TypeNotificationPushed)
	if err != nil {
		r.logger.Warn("不正なプッシュ依頼を破棄", zap.Error(err))
		return
	}
	if _, err := r.hub.Push(ctx, data.UserID, data.Payload); err != nil {
		r.logger.Warn("プッシュに失敗", zap.String("user_id", data.UserID), zap.Error(err))
	}
}
