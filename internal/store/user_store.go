package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nao1215/notifier/internal/model"
)

// UserStore は配信対象の解決に使うユーザーの写しを保持する。
type UserStore struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewUserStore は新しいUserStoreを生成する。
func NewUserStore(db *sqlx.DB) *UserStore {
	return &UserStore{db: db, now: time.Now}
}

// Upsert はユーザーをまとめて登録または更新する。
func (s *UserStore) Upsert(ctx context.Context, users []model.User) error {
	if len(users) == 0 {
		return nil
	}
	for _, u := range users {
		if u.ID == "" {
			return &model.ValidationError{Field: "id", Reason: "ユーザーIDは必須です"}
		}
		switch u.Status {
		case model.UserActive, model.UserInactive, model.UserSuspended, model.UserPending:
		default:
			return &model.ValidationError{Field: "status", Reason: "未定義のユーザー状態です: " + string(u.Status)}
		}
	}

	now := toMillis(s.now())
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, u := range users {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO users (id, company_id, status, updated_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				company_id = excluded.company_id,
				status = excluded.status,
				updated_at = excluded.updated_at`,
			u.ID, u.CompanyID, string(u.Status), now,
		); err != nil {
			return fmt.Errorf("ユーザー %s の保存に失敗: %w", u.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("コミットに失敗: %w", err)
	}
	return nil
}

// Get はIDでユーザーを取得する。
func (s *UserStore) Get(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	err := s.db.GetContext(ctx, &u, "SELECT id, company_id, status FROM users WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ユーザー %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("ユーザー %s の取得に失敗: %w", id, err)
	}
	return &u, nil
}

// PageQuery はアクティブユーザーのページ取得条件。
type PageQuery struct {
	// CompanyIDs が空でなければ、これらの会社に所属するユーザーに限定する。
	CompanyIDs []string
	// UserID が空でなければ、そのユーザーだけに限定する。
	UserID string
	// After より大きいIDのユーザーを返す。
	After string
	// Limit は1ページの件数。
	Limit int
}

// ActivePage はアクティブユーザーのIDをID順に最大Limit件返す。
// 戻り値の最後のIDを次のAfterに渡すと続きを取得できる。
func (s *UserStore) ActivePage(ctx context.Context, q PageQuery) ([]string, error) {
	if q.Limit <= 0 {
		q.Limit = 50
	}

	query := "SELECT id FROM users WHERE status = ? AND id > ?"
	args := []any{string(model.UserActive), q.After}
	if q.UserID != "" {
		query += " AND id = ?"
		args = append(args, q.UserID)
	}
	if len(q.CompanyIDs) > 0 {
		query += " AND company_id IN (?)"
		args = append(args, q.CompanyIDs)
	}
	query += " ORDER BY id LIMIT ?"
	args = append(args, q.Limit)

	query, args, err := sqlx.In(query, args...)
	if err != nil {
		return nil, fmt.Errorf("ユーザー検索クエリの生成に失敗: %w", err)
	}

	var ids []string
	if err := s.db.SelectContext(ctx, &ids, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("アクティブユーザーの取得に失敗: %w", err)
	}
	return ids, nil
}

// CountActive はアクティブユーザーの件数を返す。
func (s *UserStore) CountActive(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n,
		"SELECT COUNT(*) FROM users WHERE status = ?", string(model.UserActive)); err != nil {
		return 0, fmt.Errorf("アクティブユーザーの件数取得に失敗: %w", err)
	}
	return n, nil
}
