package queue

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// スキーマ定義。時刻はUnixミリ秒で保持する。
const schema = `
CREATE TABLE IF NOT EXISTS dispatch_jobs (
    id TEXT PRIMARY KEY,
    notification_id TEXT NOT NULL,
    priority INTEGER NOT NULL,
    state TEXT NOT NULL DEFAULT 'waiting',
    attempts INTEGER NOT NULL DEFAULT 0,
    max_attempts INTEGER NOT NULL,
    last_error TEXT NOT NULL DEFAULT '',
    run_at INTEGER NOT NULL,
    lease_token TEXT NOT NULL DEFAULT '',
    lease_until INTEGER NOT NULL DEFAULT 0,
    worker_id TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    finished_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_dispatch_jobs_ready ON dispatch_jobs(state, priority, run_at);
CREATE INDEX IF NOT EXISTS idx_dispatch_jobs_lease ON dispatch_jobs(state, lease_until);
CREATE INDEX IF NOT EXISTS idx_dispatch_jobs_finished ON dispatch_jobs(state, finished_at);
`

// initSchema はSQLiteデータベースにキューのスキーマを適用する。
func initSchema(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("キューのスキーマの適用に失敗: %w", err)
	}
	return nil
}
