package notification

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nao1215/notifier/internal/metrics"
	"github.com/nao1215/notifier/internal/model"
	"github.com/nao1215/notifier/internal/store"
)

// 作成依頼の経路。メトリクスのsourceラベルに使う。
const (
	SourceAPI   = "api"
	SourceKafka = "kafka"
	SourceGo    = "go"
)

// Enqueuer は作成された通知をディスパッチキューへ投入する。
type Enqueuer interface {
	Enqueue(ctx context.Context, n *model.Notification) (bool, error)
}

// CreateResult は通知作成の結果。
type CreateResult struct {
	// Notification は保存された通知。
	Notification *model.Notification `json:"notification"`
	// Created は新規に作成されたかどうか。同じIDが既にあればfalse。
	Created bool `json:"created"`
	// Enqueued は即時にキューへ投入されたかどうか。
	Enqueued bool `json:"enqueued"`
}

// ListResult はユーザー向け通知一覧。
type ListResult struct {
	Notifications []model.UserNotification `json:"notifications"`
	UnreadCount   int                      `json:"unread_count"`
}

// Service は通知の作成とユーザー操作を扱う。
type Service struct {
	notifications *store.NotificationStore
	deliveries    *store.DeliveryStore
	users         *store.UserStore
	enqueuer      Enqueuer
	metrics       *metrics.Metrics
	logger        *zap.Logger
	now           func() time.Time
}

// NewService は新しいServiceを生成する。enqueuerがnilの場合は定期スイープに任せる。
func NewService(ns *store.NotificationStore, ds *store.DeliveryStore, us *store.UserStore, enqueuer Enqueuer, m *metrics.Metrics, logger *zap.Logger) *Service {
	return &Service{
		notifications: ns,
		deliveries:    ds,
		users:         us,
		enqueuer:      enqueuer,
		metrics:       m,
		logger:        logger,
		now:           time.Now,
	}
}

// CreateNotification は通知を検証して保存し、配信予定日時を迎えていればキューへ投入する。
// 入力が不正な場合は*model.ValidationErrorを返し、何も保存しない。
// キューへの投入に失敗しても通知は保存済みのため成功として返し、定期スイープで回収する。
func (s *Service) CreateNotification(ctx context.Context, in model.CreateInput, source string) (*CreateResult, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	n := model.Notification{
		ID:              in.ID,
		Title:           in.Title,
		Message:         in.Message,
		Kind:            in.Kind,
		Targeting:       in.Targeting,
		Link:            in.Link,
		Metadata:        in.Metadata,
		CreatedBy:       in.CreatedBy,
		SystemGenerated: in.CreatedBy == "",
	}
	if in.ScheduledFor != nil {
		n.ScheduledFor = in.ScheduledFor.UTC()
	}

	saved, created, err := s.notifications.Create(ctx, n)
	if err != nil {
		return nil, err
	}
	res := &CreateResult{Notification: saved, Created: created}
	if created {
		s.metrics.NotificationsCreatedTotal.WithLabelValues(string(saved.Kind), source).Inc()
		s.logger.Info("通知を作成しました",
			zap.String("notification_id", saved.ID),
			zap.String("target_mode", string(saved.Mode())),
			zap.Time("scheduled_for", saved.ScheduledFor),
			zap.String("source", source),
		)
	}

	if s.enqueuer == nil {
		return res, nil
	}
	enqueued, err := s.enqueuer.Enqueue(ctx, saved)
	if err != nil {
		s.logger.Warn("即時投入に失敗したため定期スイープで回収します",
			zap.String("notification_id", saved.ID), zap.Error(err))
		return res, nil
	}
	res.Enqueued = enqueued
	return res, nil
}

// SoftDelete は通知を論理削除する。送信前であれば配信もされなくなる。
func (s *Service) SoftDelete(ctx context.Context, id, by string) error {
	if err := s.notifications.SoftDelete(ctx, id, by); err != nil {
		return err
	}
	s.logger.Info("通知を削除しました", zap.String("notification_id", id), zap.String("deleted_by", by))
	return nil
}

// ListForUser はユーザーに適用される通知と未読件数を返す。
func (s *Service) ListForUser(ctx context.Context, userID, companyID string, limit, offset int) (*ListResult, error) {
	now := s.now()
	list, err := s.notifications.ListForUser(ctx, store.ListQuery{
		UserID:    userID,
		CompanyID: companyID,
		Now:       now,
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		return nil, err
	}
	unread, err := s.notifications.CountUnread(ctx, userID, companyID, now)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []model.UserNotification{}
	}
	return &ListResult{Notifications: list, UnreadCount: unread}, nil
}

// MarkRead は通知を既読にする。ユーザーの対象外の通知はstore.ErrNotApplicableを返す。
func (s *Service) MarkRead(ctx context.Context, userID, companyID, notificationID string) error {
	if _, err := s.notifications.GetApplicable(ctx, notificationID, userID, companyID, s.now()); err != nil {
		return err
	}
	return s.deliveries.MarkRead(ctx, userID, notificationID)
}

// MarkAllRead はユーザーに適用される全ての通知を既読にし、新たに既読になった件数を返す。
func (s *Service) MarkAllRead(ctx context.Context, userID, companyID string) (int, error) {
	ids, err := s.notifications.ApplicableIDs(ctx, userID, companyID, s.now())
	if err != nil {
		return 0, err
	}
	return s.deliveries.MarkAllRead(ctx, userID, ids)
}

// MarkDeleted は通知をユーザーの一覧から非表示にする。既読状態は変えない。
func (s *Service) MarkDeleted(ctx context.Context, userID, companyID, notificationID string) error {
	if _, err := s.notifications.GetApplicable(ctx, notificationID, userID, companyID, s.now()); err != nil {
		return err
	}
	return s.deliveries.MarkDeleted(ctx, userID, notificationID)
}

// SyncUsers はユーザーディレクトリを更新する。
func (s *Service) SyncUsers(ctx context.Context, users []model.User) error {
	if err := s.users.Upsert(ctx, users); err != nil {
		return fmt.Errorf("ユーザーの同期に失敗: %w", err)
	}
	s.logger.Info("ユーザーを同期しました", zap.Int("count", len(users)))
	return nil
}
