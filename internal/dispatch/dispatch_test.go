package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/nao1215/notifier/internal/metrics"
	"github.com/nao1215/notifier/internal/model"
	"github.com/nao1215/notifier/internal/queue"
	"github.com/nao1215/notifier/internal/recipient"
	"github.com/nao1215/notifier/internal/store"
	"github.com/nao1215/notifier/pkg/event"
)

// recordingPusher はプッシュ内容を記録するテスト用のPusher。
// onlineに含まれるユーザーだけを接続中として扱う。
type recordingPusher struct {
	mu     sync.Mutex
	online map[string]bool
	pushes map[string]int
	fail   map[string]bool
}

func newRecordingPusher(online ...string) *recordingPusher {
	p := &recordingPusher{online: map[string]bool{}, pushes: map[string]int{}, fail: map[string]bool{}}
	for _, u := range online {
		p.online[u] = true
	}
	return p
}

func (p *recordingPusher) Push(_ context.Context, userID string, _ event.LivePayload) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail[userID] {
		return 0, errors.New("ゲートウェイ障害")
	}
	p.pushes[userID]++
	if p.online[userID] {
		return 1, nil
	}
	return 0, nil
}

func (p *recordingPusher) count(userID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pushes[userID]
}

// flakyDeliveries は指定したユーザーの配信記録を失敗させる。
type flakyDeliveries struct {
	*store.DeliveryStore
	failUsers map[string]bool
	failAll   bool
}

func (f *flakyDeliveries) UpsertDelivered(ctx context.Context, userID, notificationID string) error {
	if f.failAll || f.failUsers[userID] {
		return errors.New("書き込み失敗")
	}
	return f.DeliveryStore.UpsertDelivered(ctx, userID, notificationID)
}

// flakyNotifications はMarkSentを指定回数だけ失敗させる。
type flakyNotifications struct {
	*store.NotificationStore
	mu           sync.Mutex
	markSentFail int
}

func (f *flakyNotifications) MarkSent(ctx context.Context, id string) error {
	f.mu.Lock()
	if f.markSentFail > 0 {
		f.markSentFail--
		f.mu.Unlock()
		return errors.New("ストア障害")
	}
	f.mu.Unlock()
	return f.NotificationStore.MarkSent(ctx, id)
}

type fixture struct {
	db            *sqlx.DB
	notifications *store.NotificationStore
	deliveries    *store.DeliveryStore
	users         *store.UserStore
	resolver      *recipient.Resolver
}

// setupFixture はインメモリSQLiteにユーザーを登録したテスト環境を構築する。
func setupFixture(t *testing.T, users []model.User) *fixture {
	t.Helper()

	ctx := context.Background()
	db, err := store.Open(ctx, store.Options{Path: ":memory:"}, zap.NewNop())
	if err != nil {
		t.Fatalf("インメモリDBの作成に失敗: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	f := &fixture{
		db:            db,
		notifications: store.NewNotificationStore(db),
		deliveries:    store.NewDeliveryStore(db),
		users:         store.NewUserStore(db),
	}
	if err := f.users.Upsert(ctx, users); err != nil {
		t.Fatalf("ユーザーの登録に失敗: %v", err)
	}
	f.resolver = recipient.NewResolver(f.users, 50, zap.NewNop())
	return f
}

func (f *fixture) create(t *testing.T, targeting model.Targeting) *model.Notification {
	t.Helper()

	n, _, err := f.notifications.Create(context.Background(), model.Notification{
		Title: "フォローアップ期限", Message: "本日が期限です", Targeting: targeting,
	})
	if err != nil {
		t.Fatalf("通知の作成に失敗: %v", err)
	}
	return n
}

func (f *fixture) deliveryCount(t *testing.T, notificationID string) int {
	t.Helper()

	n, err := f.deliveries.CountForNotification(context.Background(), notificationID)
	if err != nil {
		t.Fatalf("配信記録の件数取得に失敗: %v", err)
	}
	return n
}

func newProcessor(ns NotificationStore, ds DeliveryStore, r Resolver, p Pusher) *Processor {
	return NewProcessor(ns, ds, r, p, ProcessorConfig{Concurrency: 10, OpTimeout: 5 * time.Second}, metrics.New(nil), zap.NewNop())
}

func activeUsers(n int, company string) []model.User {
	users := make([]model.User, 0, n)
	for i := 0; i < n; i++ {
		users = append(users, model.User{ID: fmt.Sprintf("%s-user-%05d", company, i), CompanyID: company, Status: model.UserActive})
	}
	return users
}

func TestProcessor_Process(t *testing.T) {
	t.Parallel()

	t.Run("二回処理しても配信記録は一件ずつであること", func(t *testing.T) {
		t.Parallel()
		f := setupFixture(t, activeUsers(5, "c1"))
		ctx := context.Background()
		n := f.create(t, model.Targeting{TargetCompanies: []string{"c1"}})

		// 一回目はMarkSentで失敗させ、再試行を再現する
		ns := &flakyNotifications{NotificationStore: f.notifications, markSentFail: 1}
		pusher := newRecordingPusher("c1-user-00000")
		proc := newProcessor(ns, f.deliveries, f.resolver, pusher)

		if _, err := proc.Process(ctx, n.ID); err == nil {
			t.Fatal("一回目の処理が失敗していない")
		}
		res, err := proc.Process(ctx, n.ID)
		if err != nil {
			t.Fatalf("二回目の処理に失敗: %v", err)
		}
		if res.AlreadyDelivered != 5 || res.Recorded != 0 {
			t.Errorf("再試行で配信済みのユーザーが除かれていない: %+v", res)
		}
		if got := f.deliveryCount(t, n.ID); got != 5 {
			t.Errorf("配信記録の件数が一致しない: got=%d, want=5", got)
		}
		if pusher.count("c1-user-00000") != 1 {
			t.Errorf("再試行で重複してプッシュされた: %d", pusher.count("c1-user-00000"))
		}

		// 送信済みになった後の処理は何もしない
		res, err = proc.Process(ctx, n.ID)
		if err != nil || !res.Skipped {
			t.Errorf("送信済みの通知が処理された: res=%+v, err=%v", res, err)
		}
		got, err := f.notifications.Get(ctx, n.ID)
		if err != nil {
			t.Fatalf("通知の取得に失敗: %v", err)
		}
		if !got.HasBeenSent {
			t.Error("送信済みになっていない")
		}
	})

	t.Run("削除済みの通知は配信しないこと", func(t *testing.T) {
		t.Parallel()
		f := setupFixture(t, activeUsers(3, "c1"))
		ctx := context.Background()
		n := f.create(t, model.Targeting{Broadcast: true})
		if err := f.notifications.SoftDelete(ctx, n.ID, "admin"); err != nil {
			t.Fatalf("削除に失敗: %v", err)
		}

		proc := newProcessor(f.notifications, f.deliveries, f.resolver, newRecordingPusher())
		res, err := proc.Process(ctx, n.ID)
		if err != nil || !res.Skipped {
			t.Errorf("削除済みの通知が処理された: res=%+v, err=%v", res, err)
		}
		if got := f.deliveryCount(t, n.ID); got != 0 {
			t.Errorf("配信記録が作成された: %d", got)
		}
	})

	t.Run("受信者がいなくても送信済みになること", func(t *testing.T) {
		t.Parallel()
		f := setupFixture(t, nil)
		ctx := context.Background()
		n := f.create(t, model.Targeting{TargetCompanies: []string{"c-empty"}})

		proc := newProcessor(f.notifications, f.deliveries, f.resolver, newRecordingPusher())
		if _, err := proc.Process(ctx, n.ID); err != nil {
			t.Fatalf("処理に失敗: %v", err)
		}
		got, err := f.notifications.Get(ctx, n.ID)
		if err != nil {
			t.Fatalf("通知の取得に失敗: %v", err)
		}
		if !got.HasBeenSent {
			t.Error("送信済みになっていない")
		}
	})

	t.Run("一部の受信者の失敗では処理が失敗しないこと", func(t *testing.T) {
		t.Parallel()
		f := setupFixture(t, activeUsers(10, "c1"))
		ctx := context.Background()
		n := f.create(t, model.Targeting{Broadcast: true})

		ds := &flakyDeliveries{DeliveryStore: f.deliveries, failUsers: map[string]bool{"c1-user-00003": true}}
		pusher := newRecordingPusher()
		pusher.fail["c1-user-00004"] = true
		proc := newProcessor(f.notifications, ds, f.resolver, pusher)

		res, err := proc.Process(ctx, n.ID)
		if err != nil {
			t.Fatalf("処理に失敗: %v", err)
		}
		if res.Recorded != 9 || res.Failed != 1 {
			t.Errorf("処理結果が一致しない: %+v", res)
		}
		// プッシュの失敗は配信記録を妨げない
		if _, err := f.deliveries.Get(ctx, "c1-user-00004", n.ID); err != nil {
			t.Errorf("プッシュに失敗したユーザーの配信記録がない: %v", err)
		}
	})

	t.Run("ページの全受信者の記録が失敗した場合は処理が失敗すること", func(t *testing.T) {
		t.Parallel()
		f := setupFixture(t, activeUsers(4, "c1"))
		ctx := context.Background()
		n := f.create(t, model.Targeting{Broadcast: true})

		ds := &flakyDeliveries{DeliveryStore: f.deliveries, failAll: true}
		proc := newProcessor(f.notifications, ds, f.resolver, newRecordingPusher())

		_, err := proc.Process(ctx, n.ID)
		if !errors.Is(err, ErrPageFailed) {
			t.Fatalf("ErrPageFailedが返っていない: %v", err)
		}
		got, err := f.notifications.Get(ctx, n.ID)
		if err != nil {
			t.Fatalf("通知の取得に失敗: %v", err)
		}
		if got.HasBeenSent {
			t.Error("失敗した通知が送信済みになっている")
		}
	})
}

func TestProcessor_PermanentRecipientFailure(t *testing.T) {
	t.Parallel()

	t.Run("再試行で記録できない受信者だけが残っても送信済みになること", func(t *testing.T) {
		t.Parallel()
		f := setupFixture(t, activeUsers(50, "c1"))
		ctx := context.Background()
		n := f.create(t, model.Targeting{Broadcast: true})

		ds := &flakyDeliveries{DeliveryStore: f.deliveries, failUsers: map[string]bool{"c1-user-00000": true}}
		ns := &flakyNotifications{NotificationStore: f.notifications, markSentFail: 1}
		proc := newProcessor(ns, ds, f.resolver, newRecordingPusher())

		if _, err := proc.Process(ctx, n.ID); err == nil {
			t.Fatal("一回目の処理が失敗していない")
		}
		res, err := proc.Process(ctx, n.ID)
		if err != nil {
			t.Fatalf("再試行の処理に失敗: %v", err)
		}
		if res.AlreadyDelivered != 49 || res.Failed != 1 {
			t.Errorf("処理結果が一致しない: %+v", res)
		}
		got, err := f.notifications.Get(ctx, n.ID)
		if err != nil {
			t.Fatalf("通知の取得に失敗: %v", err)
		}
		if !got.HasBeenSent {
			t.Error("送信済みになっていない")
		}
		if c := f.deliveryCount(t, n.ID); c != 49 {
			t.Errorf("配信記録の件数が一致しない: got=%d, want=49", c)
		}
	})

	t.Run("ページの過半数が失敗しても成功した受信者がいれば処理は成功すること", func(t *testing.T) {
		t.Parallel()
		f := setupFixture(t, activeUsers(100, "c1"))
		ctx := context.Background()
		n := f.create(t, model.Targeting{Broadcast: true})

		fail := map[string]bool{}
		for i := 0; i < 26; i++ {
			fail[fmt.Sprintf("c1-user-%05d", i)] = true
		}
		ds := &flakyDeliveries{DeliveryStore: f.deliveries, failUsers: fail}
		proc := newProcessor(f.notifications, ds, f.resolver, newRecordingPusher())

		res, err := proc.Process(ctx, n.ID)
		if err != nil {
			t.Fatalf("処理に失敗: %v", err)
		}
		if res.Recorded != 74 || res.Failed != 26 {
			t.Errorf("処理結果が一致しない: %+v", res)
		}
	})
}

func TestPageFailed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		failed    int
		attempted int
		page      int
		want      bool
	}{
		{name: "失敗がなければ成功", failed: 0, attempted: 0, page: 50, want: false},
		{name: "全件失敗はストア障害", failed: 50, attempted: 50, page: 50, want: true},
		{name: "一部成功していれば成功", failed: 49, attempted: 50, page: 50, want: false},
		{name: "配信済みが多いページの残り全件失敗は成功", failed: 1, attempted: 1, page: 50, want: false},
		{name: "単一受信者の失敗はストア障害", failed: 1, attempted: 1, page: 1, want: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := pageFailed(tt.failed, tt.attempted, tt.page); got != tt.want {
				t.Errorf("pageFailed(%d, %d, %d) = %v, want %v", tt.failed, tt.attempted, tt.page, got, tt.want)
			}
		})
	}
}

func TestProcessor_Broadcast10000(t *testing.T) {
	if testing.Short() {
		t.Skip("-short のためスキップ")
	}
	t.Parallel()

	f := setupFixture(t, activeUsers(10000, "c1"))
	ctx := context.Background()
	n := f.create(t, model.Targeting{Broadcast: true})

	proc := newProcessor(f.notifications, f.deliveries, f.resolver, newRecordingPusher())
	res, err := proc.Process(ctx, n.ID)
	if err != nil {
		t.Fatalf("処理に失敗: %v", err)
	}
	if res.Recipients != 10000 || res.Recorded != 10000 || res.Failed != 0 {
		t.Errorf("処理結果が一致しない: %+v", res)
	}
	if got := f.deliveryCount(t, n.ID); got != 10000 {
		t.Errorf("配信記録の件数が一致しない: got=%d, want=10000", got)
	}
}

func TestPool(t *testing.T) {
	t.Parallel()

	t.Run("ジョブが処理されて完了すること", func(t *testing.T) {
		t.Parallel()
		f := setupFixture(t, []model.User{{ID: "u1", CompanyID: "c1", Status: model.UserActive}})
		ctx := context.Background()
		n := f.create(t, model.Targeting{TargetUser: "u1"})

		q, err := queue.NewSQLiteQueue(ctx, f.db, queue.Options{})
		if err != nil {
			t.Fatalf("キューの生成に失敗: %v", err)
		}
		if _, err := q.Add(ctx, queue.JobID(n.ID), n.ID, n.Priority(), time.Now()); err != nil {
			t.Fatalf("投入に失敗: %v", err)
		}

		pusher := newRecordingPusher("u1")
		pool := NewPool(q, newProcessor(f.notifications, f.deliveries, f.resolver, pusher),
			PoolConfig{Concurrency: 2, PollInterval: 10 * time.Millisecond}, metrics.New(nil), zap.NewNop())
		pool.Start(ctx)
		defer pool.Stop()

		waitFor(t, func() bool {
			c, err := q.Counts(ctx)
			return err == nil && c.Completed == 1
		})
		if pusher.count("u1") != 1 {
			t.Errorf("プッシュ回数が一致しない: %d", pusher.count("u1"))
		}
		d, err := f.deliveries.Get(ctx, "u1", n.ID)
		if err != nil {
			t.Fatalf("配信記録の取得に失敗: %v", err)
		}
		if d.IsRead {
			t.Error("配信記録が既読になっている")
		}
	})

	t.Run("再試行の上限に達したジョブは失敗セットに残ること", func(t *testing.T) {
		t.Parallel()
		f := setupFixture(t, activeUsers(3, "c1"))
		ctx := context.Background()
		n := f.create(t, model.Targeting{Broadcast: true})

		q, err := queue.NewSQLiteQueue(ctx, f.db, queue.Options{MaxAttempts: 3, Backoff: time.Millisecond})
		if err != nil {
			t.Fatalf("キューの生成に失敗: %v", err)
		}
		if _, err := q.Add(ctx, queue.JobID(n.ID), n.ID, n.Priority(), time.Now()); err != nil {
			t.Fatalf("投入に失敗: %v", err)
		}

		ds := &flakyDeliveries{DeliveryStore: f.deliveries, failAll: true}
		pool := NewPool(q, newProcessor(f.notifications, ds, f.resolver, newRecordingPusher()),
			PoolConfig{Concurrency: 1, PollInterval: 5 * time.Millisecond}, metrics.New(nil), zap.NewNop())
		pool.Start(ctx)

		waitFor(t, func() bool {
			c, err := q.Counts(ctx)
			return err == nil && c.Failed == 1
		})
		pool.Stop()

		failed, err := q.Failed(ctx, 10)
		if err != nil {
			t.Fatalf("失敗ジョブの取得に失敗: %v", err)
		}
		if len(failed) != 1 || failed[0].Attempts != 3 {
			t.Errorf("失敗ジョブが一致しない: %+v", failed)
		}
		got, err := f.notifications.Get(ctx, n.ID)
		if err != nil {
			t.Fatalf("通知の取得に失敗: %v", err)
		}
		if got.HasBeenSent {
			t.Error("失敗した通知が送信済みになっている")
		}
		if c := f.deliveryCount(t, n.ID); c != 0 {
			t.Errorf("配信記録が残っている: %d", c)
		}
	})
}

// waitFor は条件が満たされるまで待つ。
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("条件が満たされないままタイムアウトした")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
