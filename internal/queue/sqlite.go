package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const jobColumns = `id, notification_id, priority, state, attempts, max_attempts, last_error,
	run_at, lease_token, worker_id, created_at, finished_at`

// jobRow はdispatch_jobsテーブルの1行。
type jobRow struct {
	Job
	RunAtMillis      int64         `db:"run_at"`
	CreatedAtMillis  int64         `db:"created_at"`
	FinishedAtMillis sql.NullInt64 `db:"finished_at"`
}

func (r jobRow) toJob() *Job {
	j := r.Job
	j.RunAt = time.UnixMilli(r.RunAtMillis).UTC()
	j.CreatedAt = time.UnixMilli(r.CreatedAtMillis).UTC()
	if r.FinishedAtMillis.Valid {
		t := time.UnixMilli(r.FinishedAtMillis.Int64).UTC()
		j.FinishedAt = &t
	}
	return &j
}

// SQLiteQueue はSQLiteのテーブルを使ったキュー。
// 通知ストアと同じデータベースに置くことで単一プロセス構成でも永続化される。
type SQLiteQueue struct {
	db   *sqlx.DB
	opts Options
	now  func() time.Time
}

var _ Queue = (*SQLiteQueue)(nil)

// NewSQLiteQueue はスキーマを適用して新しいSQLiteQueueを生成する。
func NewSQLiteQueue(ctx context.Context, db *sqlx.DB, opts Options) (*SQLiteQueue, error) {
	if err := initSchema(ctx, db); err != nil {
		return nil, err
	}
	return &SQLiteQueue{db: db, opts: opts.withDefaults(), now: time.Now}, nil
}

// Add はジョブを投入する。完了済みの同じIDのジョブは新しいジョブで置き換える。
func (q *SQLiteQueue) Add(ctx context.Context, id, notificationID string, priority int, runAt time.Time) (bool, error) {
	now := q.now().UnixMilli()
	res, err := q.db.ExecContext(ctx, `
		INSERT INTO dispatch_jobs (id, notification_id, priority, state, max_attempts, run_at, created_at, updated_at)
		VALUES (?, ?, ?, 'waiting', ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			notification_id = excluded.notification_id,
			priority = excluded.priority,
			state = 'waiting',
			attempts = 0,
			max_attempts = excluded.max_attempts,
			last_error = '',
			run_at = excluded.run_at,
			lease_token = '',
			lease_until = 0,
			worker_id = '',
			created_at = excluded.created_at,
			updated_at = excluded.updated_at,
			finished_at = NULL
		WHERE dispatch_jobs.state = 'completed'`,
		id, notificationID, priority, q.opts.MaxAttempts, runAt.UnixMilli(), now, now,
	)
	if err != nil {
		return false, fmt.Errorf("ジョブ %s の投入に失敗: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Claim は実行可能なジョブのうち最も優先度の高いものを1件取り出す。
// 選択と更新を1つのSQL文で行うため、複数のワーカーが同じジョブを取り出すことはない。
func (q *SQLiteQueue) Claim(ctx context.Context, workerID string) (*Job, error) {
	now := q.now().UnixMilli()
	var row jobRow
	err := q.db.GetContext(ctx, &row, `
		UPDATE dispatch_jobs SET
			state = 'active',
			attempts = attempts + 1,
			lease_token = ?,
			lease_until = ?,
			worker_id = ?,
			updated_at = ?
		WHERE state = 'waiting' AND id = (
			SELECT id FROM dispatch_jobs
			WHERE state = 'waiting' AND run_at <= ?
			ORDER BY priority ASC, run_at ASC, rowid ASC
			LIMIT 1
		)
		RETURNING `+jobColumns,
		uuid.New().String(), now+q.opts.Lease.Milliseconds(), workerID, now, now,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoJob
	}
	if err != nil {
		return nil, fmt.Errorf("ジョブの取り出しに失敗: %w", err)
	}
	return row.toJob(), nil
}

// Extend はリースを延長する。
func (q *SQLiteQueue) Extend(ctx context.Context, job *Job) error {
	now := q.now().UnixMilli()
	res, err := q.db.ExecContext(ctx, `
		UPDATE dispatch_jobs SET lease_until = ?, updated_at = ?
		WHERE id = ? AND state = 'active' AND lease_token = ?`,
		now+q.opts.Lease.Milliseconds(), now, job.ID, job.LeaseToken,
	)
	if err != nil {
		return fmt.Errorf("ジョブ %s のリース延長に失敗: %w", job.ID, err)
	}
	return leaseResult(res, job.ID)
}

// Complete はジョブを完了にし、保持件数を超えた古い完了ジョブを削除する。
func (q *SQLiteQueue) Complete(ctx context.Context, job *Job) error {
	now := q.now().UnixMilli()
	res, err := q.db.ExecContext(ctx, `
		UPDATE dispatch_jobs SET state = 'completed', lease_token = '', lease_until = 0,
			last_error = '', finished_at = ?, updated_at = ?
		WHERE id = ? AND state = 'active' AND lease_token = ?`,
		now, now, job.ID, job.LeaseToken,
	)
	if err != nil {
		return fmt.Errorf("ジョブ %s の完了に失敗: %w", job.ID, err)
	}
	if err := leaseResult(res, job.ID); err != nil {
		return err
	}
	return q.trim(ctx, StateCompleted, q.opts.KeepCompleted, now+1)
}

// Fail はジョブの失敗を記録する。
// 試行回数が上限未満であればバックオフ後に再実行されるよう待機に戻す。
func (q *SQLiteQueue) Fail(ctx context.Context, job *Job, cause error) (bool, error) {
	now := q.now()
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}

	dead := job.Attempts >= job.MaxAttempts
	var (
		res sql.Result
		err error
	)
	if dead {
		res, err = q.db.ExecContext(ctx, `
			UPDATE dispatch_jobs SET state = 'failed', lease_token = '', lease_until = 0,
				last_error = ?, finished_at = ?, updated_at = ?
			WHERE id = ? AND state = 'active' AND lease_token = ?`,
			reason, now.UnixMilli(), now.UnixMilli(), job.ID, job.LeaseToken,
		)
	} else {
		res, err = q.db.ExecContext(ctx, `
			UPDATE dispatch_jobs SET state = 'waiting', lease_token = '', lease_until = 0,
				last_error = ?, run_at = ?, updated_at = ?
			WHERE id = ? AND state = 'active' AND lease_token = ?`,
			reason, now.Add(q.opts.BackoffDelay(job.Attempts)).UnixMilli(), now.UnixMilli(), job.ID, job.LeaseToken,
		)
	}
	if err != nil {
		return false, fmt.Errorf("ジョブ %s の失敗記録に失敗: %w", job.ID, err)
	}
	if err := leaseResult(res, job.ID); err != nil {
		return false, err
	}
	if dead {
		if err := q.trimFailed(ctx); err != nil {
			return true, err
		}
	}
	return dead, nil
}

// RecoverStalled はリースが失効した処理中のジョブを回収する。
// 停滞も1回の失敗として数え、上限に達したものは失敗セットに移す。
func (q *SQLiteQueue) RecoverStalled(ctx context.Context) (int, error) {
	now := q.now().UnixMilli()

	tx, err := q.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	dead, err := tx.ExecContext(ctx, `
		UPDATE dispatch_jobs SET state = 'failed', lease_token = '', lease_until = 0,
			last_error = 'リースが失効しました', finished_at = ?, updated_at = ?
		WHERE state = 'active' AND lease_until < ? AND attempts >= max_attempts`,
		now, now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("停滞ジョブの失敗確定に失敗: %w", err)
	}
	retried, err := tx.ExecContext(ctx, `
		UPDATE dispatch_jobs SET state = 'waiting', lease_token = '', lease_until = 0,
			last_error = 'リースが失効しました', run_at = ?, updated_at = ?
		WHERE state = 'active' AND lease_until < ?`,
		now, now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("停滞ジョブの再投入に失敗: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("コミットに失敗: %w", err)
	}

	d, _ := dead.RowsAffected()
	r, _ := retried.RowsAffected()
	if d > 0 {
		if err := q.trimFailed(ctx); err != nil {
			return int(d + r), err
		}
	}
	return int(d + r), nil
}

// Counts は状態ごとの件数を返す。
func (q *SQLiteQueue) Counts(ctx context.Context) (Counts, error) {
	var rows []struct {
		State   string `db:"state"`
		Delayed bool   `db:"delayed"`
		N       int    `db:"n"`
	}
	err := q.db.SelectContext(ctx, &rows, `
		SELECT state, (state = 'waiting' AND run_at > ?) AS delayed, COUNT(*) AS n
		FROM dispatch_jobs GROUP BY 1, 2`,
		q.now().UnixMilli(),
	)
	if err != nil {
		return Counts{}, fmt.Errorf("ジョブ件数の取得に失敗: %w", err)
	}

	var c Counts
	for _, r := range rows {
		switch State(r.State) {
		case StateWaiting:
			if r.Delayed {
				c.Delayed += r.N
			} else {
				c.Waiting += r.N
			}
		case StateActive:
			c.Active += r.N
		case StateCompleted:
			c.Completed += r.N
		case StateFailed:
			c.Failed += r.N
		}
	}
	return c, nil
}

// Failed は失敗セットのジョブを新しい順に返す。
func (q *SQLiteQueue) Failed(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = q.opts.KeepFailed
	}
	var rows []jobRow
	err := q.db.SelectContext(ctx, &rows,
		"SELECT "+jobColumns+" FROM dispatch_jobs WHERE state = 'failed' ORDER BY finished_at DESC, rowid DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("失敗ジョブの取得に失敗: %w", err)
	}
	jobs := make([]Job, 0, len(rows))
	for _, r := range rows {
		jobs = append(jobs, *r.toJob())
	}
	return jobs, nil
}

// Retry は失敗セットのジョブを再投入する。
func (q *SQLiteQueue) Retry(ctx context.Context, id string) error {
	now := q.now().UnixMilli()
	res, err := q.db.ExecContext(ctx, `
		UPDATE dispatch_jobs SET state = 'waiting', attempts = 0, last_error = '',
			run_at = ?, finished_at = NULL, updated_at = ?
		WHERE id = ? AND state = 'failed'`,
		now, now, id,
	)
	if err != nil {
		return fmt.Errorf("ジョブ %s の再投入に失敗: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("失敗ジョブ %s: %w", id, ErrJobNotFound)
	}
	return nil
}

// trimFailed は失敗セットを保持件数と保持期間に合わせて整理する。
func (q *SQLiteQueue) trimFailed(ctx context.Context) error {
	before := q.now().Add(-q.opts.KeepFailedFor).UnixMilli()
	return q.trim(ctx, StateFailed, q.opts.KeepFailed, before)
}

// trim は指定状態のジョブのうち新しいものからkeep件を超え、
// かつ確定日時がbefore(Unixミリ秒)より前のものを削除する。
func (q *SQLiteQueue) trim(ctx context.Context, state State, keep int, before int64) error {
	_, err := q.db.ExecContext(ctx, `
		DELETE FROM dispatch_jobs
		WHERE state = ? AND finished_at < ? AND id NOT IN (
			SELECT id FROM dispatch_jobs WHERE state = ?
			ORDER BY finished_at DESC, rowid DESC LIMIT ?
		)`,
		string(state), before, string(state), keep,
	)
	if err != nil {
		return fmt.Errorf("%sジョブの整理に失敗: %w", state, err)
	}
	return nil
}

// leaseResult は更新件数が0件の場合にErrLeaseLostを返す。
func leaseResult(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("ジョブ %s の更新件数の取得に失敗: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("ジョブ %s: %w", id, ErrLeaseLost)
	}
	return nil
}
