package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisQueue はRedisのハッシュとソート済みセットを使ったキュー。
// 状態の遷移はすべてLuaスクリプトで原子的に行う。
type RedisQueue struct {
	rdb    redis.UniversalClient
	prefix string
	opts   Options
	now    func() time.Time
}

var _ Queue = (*RedisQueue)(nil)

// NewRedisQueue は新しいRedisQueueを生成する。
// prefixはクラスタ構成でも同じスロットに載るようハッシュタグで囲む。
func NewRedisQueue(rdb redis.UniversalClient, name string, opts Options) *RedisQueue {
	if name == "" {
		name = "notifications"
	}
	return &RedisQueue{
		rdb:    rdb,
		prefix: "{notifier:" + name + "}:",
		opts:   opts.withDefaults(),
		now:    time.Now,
	}
}

func (q *RedisQueue) key(name string) string { return q.prefix + name }

func (q *RedisQueue) keys() []string {
	return []string{
		q.key("waiting"),
		q.key("delayed"),
		q.key("active"),
		q.key("completed"),
		q.key("failed"),
	}
}

// 各スクリプトのKEYSは keys() の順に waiting, delayed, active, completed, failed。
// ARGV[1] は常にジョブハッシュのキー接頭辞。
const luaHelpers = `
local function jobkey(id) return ARGV[1] .. 'job:' .. id end
-- 古いものから件数の超過分を削除する。スコアがbefore以上のものは残す
local function trim(set, keep, before)
  local n = redis.call('ZCARD', set)
  if n <= keep then return end
  local old = redis.call('ZRANGEBYSCORE', set, '-inf', '(' .. before, 'LIMIT', 0, n - keep)
  for _, id in ipairs(old) do
    redis.call('DEL', jobkey(id))
    redis.call('ZREM', set, id)
  end
end
-- 待機セットのスコアは優先度を実行予定日時より上位の桁に置く
local function ready(id, prio, runat)
  local score = string.format('%.0f', tonumber(prio) * 1e14 + tonumber(runat))
  redis.call('ZADD', KEYS[1], score, id)
end
`

// ARGV: prefix, id, notification_id, priority, run_at, now, max_attempts
var addScript = redis.NewScript(luaHelpers + `
local k = jobkey(ARGV[2])
local state = redis.call('HGET', k, 'state')
if state then
  if state ~= 'completed' then return 0 end
  redis.call('ZREM', KEYS[4], ARGV[2])
  redis.call('HDEL', k, 'finished_at')
end
redis.call('HSET', k, 'notification_id', ARGV[3], 'priority', ARGV[4], 'state', 'waiting',
  'attempts', 0, 'max_attempts', ARGV[7], 'last_error', '', 'run_at', ARGV[5],
  'lease_token', '', 'worker_id', '', 'created_at', ARGV[6])
if tonumber(ARGV[5]) > tonumber(ARGV[6]) then
  redis.call('ZADD', KEYS[2], ARGV[5], ARGV[2])
else
  ready(ARGV[2], ARGV[4], ARGV[5])
end
return 1
`)

// ARGV: prefix, now, lease_until, token, worker_id
var claimScript = redis.NewScript(luaHelpers + `
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[2])
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[2], id)
  local j = redis.call('HMGET', jobkey(id), 'priority', 'run_at')
  ready(id, j[1], j[2])
end
local popped = redis.call('ZPOPMIN', KEYS[1])
if #popped == 0 then return false end
local id = popped[1]
local k = jobkey(id)
redis.call('HINCRBY', k, 'attempts', 1)
redis.call('HSET', k, 'state', 'active', 'lease_token', ARGV[4], 'worker_id', ARGV[5])
redis.call('ZADD', KEYS[3], ARGV[3], id)
return id
`)

// ARGV: prefix, id, token, lease_until
var extendScript = redis.NewScript(luaHelpers + `
local k = jobkey(ARGV[2])
local j = redis.call('HMGET', k, 'state', 'lease_token')
if j[1] ~= 'active' or j[2] ~= ARGV[3] then return 0 end
redis.call('ZADD', KEYS[3], ARGV[4], ARGV[2])
return 1
`)

// ARGV: prefix, id, token, now, keep
var completeScript = redis.NewScript(luaHelpers + `
local k = jobkey(ARGV[2])
local j = redis.call('HMGET', k, 'state', 'lease_token')
if j[1] ~= 'active' or j[2] ~= ARGV[3] then return 0 end
redis.call('HSET', k, 'state', 'completed', 'lease_token', '', 'last_error', '', 'finished_at', ARGV[4])
redis.call('ZREM', KEYS[3], ARGV[2])
redis.call('ZADD', KEYS[4], ARGV[4], ARGV[2])
trim(KEYS[4], tonumber(ARGV[5]), string.format('%.0f', tonumber(ARGV[4]) + 1))
return 1
`)

// ARGV: prefix, id, token, now, reason, retry_at, keep, keep_before
var failScript = redis.NewScript(luaHelpers + `
local k = jobkey(ARGV[2])
local j = redis.call('HMGET', k, 'state', 'lease_token', 'attempts', 'max_attempts')
if j[1] ~= 'active' or j[2] ~= ARGV[3] then return 0 end
redis.call('ZREM', KEYS[3], ARGV[2])
if tonumber(j[3]) >= tonumber(j[4]) then
  redis.call('HSET', k, 'state', 'failed', 'lease_token', '', 'last_error', ARGV[5], 'finished_at', ARGV[4])
  redis.call('ZADD', KEYS[5], ARGV[4], ARGV[2])
  trim(KEYS[5], tonumber(ARGV[7]), ARGV[8])
  return 2
end
redis.call('HSET', k, 'state', 'waiting', 'lease_token', '', 'last_error', ARGV[5], 'run_at', ARGV[6])
redis.call('ZADD', KEYS[2], ARGV[6], ARGV[2])
return 1
`)

// ARGV: prefix, now, reason, keep, keep_before
var recoverScript = redis.NewScript(luaHelpers + `
local stalled = redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', '(' .. ARGV[2])
for _, id in ipairs(stalled) do
  local k = jobkey(id)
  redis.call('ZREM', KEYS[3], id)
  local j = redis.call('HMGET', k, 'attempts', 'max_attempts', 'priority')
  if tonumber(j[1]) >= tonumber(j[2]) then
    redis.call('HSET', k, 'state', 'failed', 'lease_token', '', 'last_error', ARGV[3], 'finished_at', ARGV[2])
    redis.call('ZADD', KEYS[5], ARGV[2], id)
  else
    redis.call('HSET', k, 'state', 'waiting', 'lease_token', '', 'last_error', ARGV[3], 'run_at', ARGV[2])
    ready(id, j[3], ARGV[2])
  end
end
trim(KEYS[5], tonumber(ARGV[4]), ARGV[5])
return #stalled
`)

// ARGV: prefix, id, now
var retryScript = redis.NewScript(luaHelpers + `
local k = jobkey(ARGV[2])
if redis.call('HGET', k, 'state') ~= 'failed' then return 0 end
redis.call('ZREM', KEYS[5], ARGV[2])
redis.call('HSET', k, 'state', 'waiting', 'attempts', 0, 'last_error', '', 'run_at', ARGV[3])
redis.call('HDEL', k, 'finished_at')
ready(ARGV[2], redis.call('HGET', k, 'priority'), ARGV[3])
return 1
`)

// Add はジョブを投入する。完了済みの同じIDのジョブは新しいジョブで置き換える。
func (q *RedisQueue) Add(ctx context.Context, id, notificationID string, priority int, runAt time.Time) (bool, error) {
	n, err := addScript.Run(ctx, q.rdb, q.keys(),
		q.prefix, id, notificationID, priority, runAt.UnixMilli(), q.now().UnixMilli(), q.opts.MaxAttempts,
	).Int()
	if err != nil {
		return false, fmt.Errorf("ジョブ %s の投入に失敗: %w", id, err)
	}
	return n == 1, nil
}

// Claim は実行予定日時を迎えた遅延ジョブを待機に戻してから、最も優先度の高いジョブを取り出す。
func (q *RedisQueue) Claim(ctx context.Context, workerID string) (*Job, error) {
	now := q.now().UnixMilli()
	id, err := claimScript.Run(ctx, q.rdb, q.keys(),
		q.prefix, now, now+q.opts.Lease.Milliseconds(), uuid.New().String(), workerID,
	).Text()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoJob
	}
	if err != nil {
		return nil, fmt.Errorf("ジョブの取り出しに失敗: %w", err)
	}
	return q.load(ctx, id)
}

// Extend はリースを延長する。
func (q *RedisQueue) Extend(ctx context.Context, job *Job) error {
	n, err := extendScript.Run(ctx, q.rdb, q.keys(),
		q.prefix, job.ID, job.LeaseToken, q.now().UnixMilli()+q.opts.Lease.Milliseconds(),
	).Int()
	if err != nil {
		return fmt.Errorf("ジョブ %s のリース延長に失敗: %w", job.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("ジョブ %s: %w", job.ID, ErrLeaseLost)
	}
	return nil
}

// Complete はジョブを完了にする。
func (q *RedisQueue) Complete(ctx context.Context, job *Job) error {
	n, err := completeScript.Run(ctx, q.rdb, q.keys(),
		q.prefix, job.ID, job.LeaseToken, q.now().UnixMilli(), q.opts.KeepCompleted,
	).Int()
	if err != nil {
		return fmt.Errorf("ジョブ %s の完了に失敗: %w", job.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("ジョブ %s: %w", job.ID, ErrLeaseLost)
	}
	return nil
}

// Fail はジョブの失敗を記録する。
func (q *RedisQueue) Fail(ctx context.Context, job *Job, cause error) (bool, error) {
	now := q.now()
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	n, err := failScript.Run(ctx, q.rdb, q.keys(),
		q.prefix, job.ID, job.LeaseToken, now.UnixMilli(), reason,
		now.Add(q.opts.BackoffDelay(job.Attempts)).UnixMilli(), q.opts.KeepFailed, q.keepFailedBefore(now),
	).Int()
	if err != nil {
		return false, fmt.Errorf("ジョブ %s の失敗記録に失敗: %w", job.ID, err)
	}
	if n == 0 {
		return false, fmt.Errorf("ジョブ %s: %w", job.ID, ErrLeaseLost)
	}
	return n == 2, nil
}

// RecoverStalled はリースが失効した処理中のジョブを回収する。
func (q *RedisQueue) RecoverStalled(ctx context.Context) (int, error) {
	now := q.now()
	n, err := recoverScript.Run(ctx, q.rdb, q.keys(),
		q.prefix, now.UnixMilli(), "リースが失効しました", q.opts.KeepFailed, q.keepFailedBefore(now),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("停滞ジョブの回収に失敗: %w", err)
	}
	return n, nil
}

// Counts は状態ごとの件数を返す。
func (q *RedisQueue) Counts(ctx context.Context) (Counts, error) {
	pipe := q.rdb.Pipeline()
	waiting := pipe.ZCard(ctx, q.key("waiting"))
	delayed := pipe.ZCard(ctx, q.key("delayed"))
	active := pipe.ZCard(ctx, q.key("active"))
	completed := pipe.ZCard(ctx, q.key("completed"))
	failed := pipe.ZCard(ctx, q.key("failed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return Counts{}, fmt.Errorf("ジョブ件数の取得に失敗: %w", err)
	}
	return Counts{
		Waiting:   int(waiting.Val()),
		Delayed:   int(delayed.Val()),
		Active:    int(active.Val()),
		Completed: int(completed.Val()),
		Failed:    int(failed.Val()),
	}, nil
}

// Failed は失敗セットのジョブを新しい順に返す。
func (q *RedisQueue) Failed(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = q.opts.KeepFailed
	}
	ids, err := q.rdb.ZRevRange(ctx, q.key("failed"), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("失敗ジョブの取得に失敗: %w", err)
	}
	jobs := make([]Job, 0, len(ids))
	for _, id := range ids {
		j, err := q.load(ctx, id)
		if errors.Is(err, ErrJobNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, nil
}

// Retry は失敗セットのジョブを再投入する。
func (q *RedisQueue) Retry(ctx context.Context, id string) error {
	n, err := retryScript.Run(ctx, q.rdb, q.keys(), q.prefix, id, q.now().UnixMilli()).Int()
	if err != nil {
		return fmt.Errorf("ジョブ %s の再投入に失敗: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("失敗ジョブ %s: %w", id, ErrJobNotFound)
	}
	return nil
}

// keepFailedBefore は失敗ジョブを件数の超過で削除してよい確定日時の上限を返す。
func (q *RedisQueue) keepFailedBefore(now time.Time) int64 {
	return now.Add(-q.opts.KeepFailedFor).UnixMilli()
}

// load はジョブのハッシュを読み出す。
func (q *RedisQueue) load(ctx context.Context, id string) (*Job, error) {
	h, err := q.rdb.HGetAll(ctx, q.key("job:"+id)).Result()
	if err != nil {
		return nil, fmt.Errorf("ジョブ %s の読み出しに失敗: %w", id, err)
	}
	if len(h) == 0 {
		return nil, fmt.Errorf("ジョブ %s: %w", id, ErrJobNotFound)
	}

	j := &Job{
		ID:             id,
		NotificationID: h["notification_id"],
		State:          State(h["state"]),
		LastError:      h["last_error"],
		LeaseToken:     h["lease_token"],
		WorkerID:       h["worker_id"],
	}
	j.Priority, _ = strconv.Atoi(h["priority"])
	j.Attempts, _ = strconv.Atoi(h["attempts"])
	j.MaxAttempts, _ = strconv.Atoi(h["max_attempts"])
	j.RunAt = millisField(h["run_at"])
	j.CreatedAt = millisField(h["created_at"])
	if v, ok := h["finished_at"]; ok && v != "" {
		t := millisField(v)
		j.FinishedAt = &t
	}
	return j, nil
}

func millisField(v string) time.Time {
	ms, _ := strconv.ParseInt(v, 10, 64)
	return time.UnixMilli(ms).UTC()
}
