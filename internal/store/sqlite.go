package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/nao1215/notifier/pkg/migration"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound は対象のレコードが存在しないことを表す。
var ErrNotFound = errors.New("レコードが見つかりません")

// ErrNotApplicable は通知が指定ユーザーの配信対象ではないことを表す。
var ErrNotApplicable = errors.New("この通知はユーザーの配信対象ではありません")

// Options はデータベース接続の設定。
type Options struct {
	// Path はSQLiteファイルのパス。":memory:" でインメモリDBになる。
	Path string
	// MaxOpenConns は最大接続数。
	MaxOpenConns int
	// BusyTimeout はロック待ちのタイムアウト。
	BusyTimeout time.Duration
}

// Open はSQLiteデータベースを開き、未適用のマイグレーションを適用する。
func Open(ctx context.Context, opts Options, logger *zap.Logger) (*sqlx.DB, error) {
	db, err := sqlx.Open("sqlite", dsn(opts))
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}

	// インメモリDBは接続ごとに別のDBになるため1接続に固定する
	if opts.Path == ":memory:" || opts.MaxOpenConns <= 0 {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("データベースへの疎通確認に失敗: %w", err)
	}

	if _, err := migration.Run(ctx, db.DB, migrationsFS, "migrations", logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("マイグレーションに失敗: %w", err)
	}
	return db, nil
}

// dsn はmodernc.org/sqlite向けの接続文字列を組み立てる。
func dsn(opts Options) string {
	pragmas := []string{"_pragma=foreign_keys(1)"}
	busy := opts.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	pragmas = append(pragmas, fmt.Sprintf("_pragma=busy_timeout(%d)", busy.Milliseconds()))

	if opts.Path == ":memory:" {
		return ":memory:?" + strings.Join(pragmas, "&")
	}
	pragmas = append(pragmas, "_pragma=journal_mode(WAL)")
	return "file:" + opts.Path + "?" + strings.Join(pragmas, "&")
}

// toMillis は時刻をUnixミリ秒に変換する。
func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

// fromMillis はUnixミリ秒をUTCの時刻に変換する。
func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
