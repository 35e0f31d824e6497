// Package queue は通知のファンアウトジョブを保持する永続キューを提供する。
//
// ジョブは優先度の小さい順、同じ優先度では実行予定日時の早い順に取り出される。
// 取り出したワーカーはリースを保持し、期限切れのリースは停滞ジョブとして回収される。
// 失敗したジョブは指数バックオフで再試行され、試行回数の上限に達すると
// 失敗セットに移り、運用者が明示的に再投入するまで残る。
//
// 同じIDのジョブは待機中、処理中、失敗セットにある間は再投入されない。
// 完了済みのジョブだけは同じIDで新しいジョブとして投入し直せる。
// 失敗セットのジョブは保持件数を超えても KeepFailedFor の間は削除せず、
// 起動時の遡り投入で同じ通知が自動で再投入されないようにする。
package queue

import (
	"context"
	"errors"
	"time"
)

// ErrNoJob は取り出せるジョブが無いことを表す。
var ErrNoJob = errors.New("実行可能なジョブがありません")

// ErrLeaseLost はジョブのリースが失効し、他のワーカーに渡った可能性があることを表す。
var ErrLeaseLost = errors.New("ジョブのリースが失われました")

// ErrJobNotFound は指定したジョブが存在しないことを表す。
var ErrJobNotFound = errors.New("ジョブが見つかりません")

// State はジョブの状態。
type State string

const (
	// StateWaiting は実行待ち。実行予定日時が未来のものは遅延中として数える。
	StateWaiting State = "waiting"
	// StateDelayed は再試行のバックオフ中。Countsでのみ使う。
	StateDelayed State = "delayed"
	// StateActive はワーカーが処理中。
	StateActive State = "active"
	// StateCompleted は処理完了。
	StateCompleted State = "completed"
	// StateFailed は試行回数の上限に達した失敗。
	StateFailed State = "failed"
)

// Job はキュー内の1件のファンアウトジョブ。
type Job struct {
	// ID はジョブID。通知IDから決定的に作られる。
	ID string `json:"id" db:"id"`
	// NotificationID はファンアウト対象の通知ID。
	NotificationID string `json:"notification_id" db:"notification_id"`
	// Priority は優先度。値が小さいほど先に処理される。
	Priority int `json:"priority" db:"priority"`
	// State はジョブの状態。
	State State `json:"state" db:"state"`
	// Attempts はこれまでに取り出された回数。
	Attempts int `json:"attempts" db:"attempts"`
	// MaxAttempts は試行回数の上限。
	MaxAttempts int `json:"max_attempts" db:"max_attempts"`
	// LastError は直近の失敗理由。
	LastError string `json:"last_error,omitempty" db:"last_error"`
	// RunAt は次に実行可能になる日時。
	RunAt time.Time `json:"run_at" db:"-"`
	// LeaseToken は現在のリースの識別子。
	LeaseToken string `json:"-" db:"lease_token"`
	// WorkerID はリースを保持しているワーカー。
	WorkerID string `json:"worker_id,omitempty" db:"worker_id"`
	// CreatedAt は投入日時。
	CreatedAt time.Time `json:"created_at" db:"-"`
	// FinishedAt は完了または失敗の確定日時。
	FinishedAt *time.Time `json:"finished_at,omitempty" db:"-"`
}

// Counts は状態ごとのジョブ件数。
type Counts struct {
	Waiting   int `json:"waiting"`
	Delayed   int `json:"delayed"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Options はキューの動作設定。
type Options struct {
	// MaxAttempts は試行回数の上限。
	MaxAttempts int
	// Backoff は最初の再試行までの待ち時間。以降は倍々に伸びる。
	Backoff time.Duration
	// Lease はワーカーがジョブを保持できる期間。延長しなければ停滞とみなされる。
	Lease time.Duration
	// KeepCompleted は保持する完了ジョブの件数。
	KeepCompleted int
	// KeepFailed は保持する失敗ジョブの件数。
	KeepFailed int
	// KeepFailedFor は件数を超えても失敗ジョブを残す期間。
	// スケジューラが遡る期間以上にする。
	KeepFailedFor time.Duration
}

// DefaultOptions は既定のキュー設定を返す。
func DefaultOptions() Options {
	return Options{
		MaxAttempts:   3,
		Backoff:       time.Second,
		Lease:         30 * time.Second,
		KeepCompleted: 100,
		KeepFailed:    500,
		KeepFailedFor: 24 * time.Hour,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = d.MaxAttempts
	}
	if o.Backoff <= 0 {
		o.Backoff = d.Backoff
	}
	if o.Lease <= 0 {
		o.Lease = d.Lease
	}
	if o.KeepCompleted <= 0 {
		o.KeepCompleted = d.KeepCompleted
	}
	if o.KeepFailed <= 0 {
		o.KeepFailed = d.KeepFailed
	}
	if o.KeepFailedFor <= 0 {
		o.KeepFailedFor = d.KeepFailedFor
	}
	return o
}

// BackoffDelay は attempts 回目の失敗後に待つ時間を返す。
func (o Options) BackoffDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	if attempts > 20 {
		attempts = 20
	}
	return o.Backoff << (attempts - 1)
}

// JobID は通知IDからジョブIDを決定する。
// 即時投入と定期スイープが同じ通知を投入しても1件に収束する。
func JobID(notificationID string) string {
	return "notif-" + notificationID
}

// Queue はファンアウトジョブの永続キュー。
type Queue interface {
	// Add はジョブを投入する。同じIDのジョブが完了以外の状態で残っていれば何もせずfalseを返す。
	Add(ctx context.Context, id, notificationID string, priority int, runAt time.Time) (bool, error)
	// Claim は次のジョブを取り出してリースを取得する。無ければErrNoJobを返す。
	Claim(ctx context.Context, workerID string) (*Job, error)
	// Extend はリースを延長する。
	Extend(ctx context.Context, job *Job) error
	// Complete はジョブを完了にする。
	Complete(ctx context.Context, job *Job) error
	// Fail はジョブの失敗を記録する。上限に達して失敗セットに移った場合はtrueを返す。
	Fail(ctx context.Context, job *Job, cause error) (bool, error)
	// RecoverStalled はリースが失効したジョブを回収し、その件数を返す。
	RecoverStalled(ctx context.Context) (int, error)
	// Counts は状態ごとの件数を返す。
	Counts(ctx context.Context) (Counts, error)
	// Failed は失敗セットのジョブを新しい順に返す。
	Failed(ctx context.Context, limit int) ([]Job, error)
	// Retry は失敗セットのジョブを試行回数を戻して再投入する。
	Retry(ctx context.Context, id string) error
}
