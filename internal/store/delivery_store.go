package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/nao1215/notifier/internal/model"
)

// inChunkSize はIN句に渡すパラメータ数の上限。
const inChunkSize = 500

// deliveryRow はdeliveriesテーブルの1行。
type deliveryRow struct {
	ID             string        `db:"id"`
	UserID         string        `db:"user_id"`
	NotificationID string        `db:"notification_id"`
	IsRead         bool          `db:"is_read"`
	Deleted        bool          `db:"deleted"`
	DeliveredAt    sql.NullInt64 `db:"delivered_at"`
	CreatedAt      int64         `db:"created_at"`
	UpdatedAt      int64         `db:"updated_at"`
}

func (r deliveryRow) toModel() model.Delivery {
	d := model.Delivery{
		ID:             r.ID,
		UserID:         r.UserID,
		NotificationID: r.NotificationID,
		IsRead:         r.IsRead,
		Deleted:        r.Deleted,
		CreatedAt:      fromMillis(r.CreatedAt),
		UpdatedAt:      fromMillis(r.UpdatedAt),
	}
	if r.DeliveredAt.Valid {
		t := fromMillis(r.DeliveredAt.Int64)
		d.DeliveredAt = &t
	}
	return d
}

// DeliveryStore はユーザーごとの配信記録を永続化する。
type DeliveryStore struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewDeliveryStore は新しいDeliveryStoreを生成する。
func NewDeliveryStore(db *sqlx.DB) *DeliveryStore {
	return &DeliveryStore{db: db, now: time.Now}
}

// UpsertDelivered は配信済みを記録する。
// 行が無ければ作成し、既に配信済みの行は変更しない。既読や非表示の状態は保持される。
// 単一のSQL文で行うため、並行に呼び出されても行は1件だけになる。
func (s *DeliveryStore) UpsertDelivered(ctx context.Context, userID, notificationID string) error {
	now := toMillis(s.now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO deliveries (id, user_id, notification_id, is_read, deleted, delivered_at, created_at, updated_at)
		VALUES (?, ?, ?, 0, 0, ?, ?, ?)
		ON CONFLICT(user_id, notification_id) DO UPDATE SET
			delivered_at = excluded.delivered_at,
			updated_at = excluded.updated_at
		WHERE deliveries.delivered_at IS NULL`,
		uuid.New().String(), userID, notificationID, now, now, now,
	)
	if err != nil {
		return fmt.Errorf("ユーザー %s への通知 %s の配信記録に失敗: %w", userID, notificationID, err)
	}
	return nil
}

// MarkRead は通知を既読にする。配信記録が無い場合は作成する。
func (s *DeliveryStore) MarkRead(ctx context.Context, userID, notificationID string) error {
	if err := upsertFlag(ctx, s.db, "is_read", userID, notificationID, toMillis(s.now())); err != nil {
		return fmt.Errorf("ユーザー %s の通知 %s の既読更新に失敗: %w", userID, notificationID, err)
	}
	return nil
}

// MarkDeleted は通知をユーザーの一覧から非表示にする。既読状態は変更しない。
func (s *DeliveryStore) MarkDeleted(ctx context.Context, userID, notificationID string) error {
	if err := upsertFlag(ctx, s.db, "deleted", userID, notificationID, toMillis(s.now())); err != nil {
		return fmt.Errorf("ユーザー %s の通知 %s の非表示更新に失敗: %w", userID, notificationID, err)
	}
	return nil
}

// MarkAllRead は指定した通知をすべて既読にし、新たに既読になった件数を返す。
func (s *DeliveryStore) MarkAllRead(ctx context.Context, userID string, notificationIDs []string) (int, error) {
	if len(notificationIDs) == 0 {
		return 0, nil
	}
	now := toMillis(s.now())

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	changed := 0
	for _, id := range notificationIDs {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO deliveries (id, user_id, notification_id, is_read, deleted, created_at, updated_at)
			VALUES (?, ?, ?, 1, 0, ?, ?)
			ON CONFLICT(user_id, notification_id) DO UPDATE SET
				is_read = 1,
				updated_at = excluded.updated_at
			WHERE deliveries.is_read = 0`,
			uuid.New().String(), userID, id, now, now,
		)
		if err != nil {
			return 0, fmt.Errorf("ユーザー %s の通知 %s の既読更新に失敗: %w", userID, id, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			changed++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("コミットに失敗: %w", err)
	}
	return changed, nil
}

// FindDeliveredUserSet は指定ユーザーのうち、通知が配信済みまたは既読のユーザーの集合を返す。
func (s *DeliveryStore) FindDeliveredUserSet(ctx context.Context, notificationID string, userIDs []string) (map[string]struct{}, error) {
	set := make(map[string]struct{})
	for start := 0; start < len(userIDs); start += inChunkSize {
		end := min(start+inChunkSize, len(userIDs))

		query, args, err := sqlx.In(`
			SELECT user_id FROM deliveries
			WHERE notification_id = ? AND user_id IN (?)
			  AND (delivered_at IS NOT NULL OR is_read = 1)`,
			notificationID, userIDs[start:end],
		)
		if err != nil {
			return nil, fmt.Errorf("配信済みユーザーのクエリ生成に失敗: %w", err)
		}
		var found []string
		if err := s.db.SelectContext(ctx, &found, s.db.Rebind(query), args...); err != nil {
			return nil, fmt.Errorf("通知 %s の配信済みユーザーの取得に失敗: %w", notificationID, err)
		}
		for _, u := range found {
			set[u] = struct{}{}
		}
	}
	return set, nil
}

// Get はユーザーと通知の組の配信記録を取得する。
func (s *DeliveryStore) Get(ctx context.Context, userID, notificationID string) (*model.Delivery, error) {
	var row deliveryRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, user_id, notification_id, is_read, deleted, delivered_at, created_at, updated_at
		FROM deliveries WHERE user_id = ? AND notification_id = ?`,
		userID, notificationID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ユーザー %s の通知 %s の配信記録: %w", userID, notificationID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("配信記録の取得に失敗: %w", err)
	}
	d := row.toModel()
	return &d, nil
}

// CountForNotification は通知の配信記録の件数を返す。
func (s *DeliveryStore) CountForNotification(ctx context.Context, notificationID string) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n,
		"SELECT COUNT(*) FROM deliveries WHERE notification_id = ?", notificationID); err != nil {
		return 0, fmt.Errorf("通知 %s の配信記録件数の取得に失敗: %w", notificationID, err)
	}
	return n, nil
}

// upsertFlag は配信記録の真偽値列を1にする。行が無ければ作成する。
// columnはパッケージ内の固定値だけを受け取る。
func upsertFlag(ctx context.Context, db *sqlx.DB, column, userID, notificationID string, now int64) error {
	query := fmt.Sprintf(`
		INSERT INTO deliveries (id, user_id, notification_id, %[1]s, created_at, updated_at)
		VALUES (?, ?, ?, 1, ?, ?)
		ON CONFLICT(user_id, notification_id) DO UPDATE SET
			%[1]s = 1,
			updated_at = excluded.updated_at`, column)
	_, err := db.ExecContext(ctx, query, uuid.New().String(), userID, notificationID, now, now)
	return err
}
