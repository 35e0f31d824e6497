// Package recipient は通知の対象指定をアクティブユーザーのIDへ解決する。
//
// 解決結果はページ単位で順に返すため、全ユーザー宛の通知でも
// 受信者全体をメモリに載せる必要はない。
package recipient

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/nao1215/notifier/internal/model"
	"github.com/nao1215/notifier/internal/store"
)

// DefaultPageSize は1ページあたりのユーザー数の既定値。
const DefaultPageSize = 50

// ErrNoTarget は通知に有効な対象指定が無いことを表す。
// データ不備として記録され、受信者0件として扱われる。
var ErrNoTarget = errors.New("通知に配信対象が指定されていません")

// Directory はアクティブユーザーをページ単位で返すユーザーディレクトリ。
type Directory interface {
	Get(ctx context.Context, id string) (*model.User, error)
	ActivePage(ctx context.Context, q store.PageQuery) ([]string, error)
}

// Resolver は対象指定を受信者の集合に解決する。
type Resolver struct {
	dir      Directory
	pageSize int
	logger   *zap.Logger
}

// NewResolver は新しいResolverを生成する。pageSizeが0以下の場合は既定値を使う。
func NewResolver(dir Directory, pageSize int, logger *zap.Logger) *Resolver {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Resolver{dir: dir, pageSize: pageSize, logger: logger}
}

// PageSize は1ページあたりのユーザー数を返す。
func (r *Resolver) PageSize() int {
	return r.pageSize
}

// Each は受信者をページ単位でfnに渡す。fnがエラーを返すと中断する。
// 対象指定が無い通知はログに記録し、fnを呼ばずにnilを返す。
func (r *Resolver) Each(ctx context.Context, n *model.Notification, fn func(userIDs []string) error) error {
	q := store.PageQuery{Limit: r.pageSize}
	switch n.Mode() {
	case model.TargetBroadcast:
	case model.TargetCompanies:
		q.CompanyIDs = n.TargetCompanies
	case model.TargetUser:
		return r.eachUser(ctx, n, fn)
	default:
		r.logger.Warn("配信対象が無い通知をスキップ",
			zap.String("notification_id", n.ID),
			zap.Error(ErrNoTarget),
		)
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ids, err := r.dir.ActivePage(ctx, q)
		if err != nil {
			return fmt.Errorf("通知 %s の受信者の解決に失敗: %w", n.ID, err)
		}
		if len(ids) == 0 {
			return nil
		}
		if err := fn(ids); err != nil {
			return err
		}
		if len(ids) < q.Limit {
			return nil
		}
		q.After = ids[len(ids)-1]
	}
}

// eachUser は単一ユーザー宛の受信者を渡す。
// 写しに未同期のユーザーはそのまま受信者とし、非アクティブと分かっている場合だけ除く。
func (r *Resolver) eachUser(ctx context.Context, n *model.Notification, fn func(userIDs []string) error) error {
	u, err := r.dir.Get(ctx, n.TargetUser)
	switch {
	case errors.Is(err, store.ErrNotFound):
		r.logger.Debug("未同期のユーザー宛の通知", zap.String("notification_id", n.ID), zap.String("user_id", n.TargetUser))
	case err != nil:
		return fmt.Errorf("通知 %s の受信者の解決に失敗: %w", n.ID, err)
	case u.Status != model.UserActive:
		return nil
	}
	return fn([]string{n.TargetUser})
}

// Resolve は受信者のIDをすべて返す。件数が少ないと分かっている場合に使う。
func (r *Resolver) Resolve(ctx context.Context, n *model.Notification) ([]string, error) {
	var all []string
	err := r.Each(ctx, n, func(ids []string) error {
		all = append(all, ids...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return all, nil
}
