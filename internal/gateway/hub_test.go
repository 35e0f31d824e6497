package gateway

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nao1215/notifier/internal/metrics"
	"github.com/nao1215/notifier/pkg/event"
)

func newTestHub(buffer int) *Hub {
	return NewHub(buffer, metrics.New(nil), zap.NewNop())
}

func TestHub_Join(t *testing.T) {
	t.Parallel()

	t.Run("本人のチャネルには参加できること", func(t *testing.T) {
		t.Parallel()
		h := newTestHub(0)
		c, err := h.Join("u1", "u1", "c1")
		if err != nil {
			t.Fatalf("参加に失敗: %v", err)
		}
		if c.UserID != "u1" || h.Online("u1") != 1 {
			t.Errorf("参加状態が一致しない: user=%s, online=%d", c.UserID, h.Online("u1"))
		}
	})

	t.Run("他人のチャネルには参加できないこと", func(t *testing.T) {
		t.Parallel()
		h := newTestHub(0)
		if _, err := h.Join("u2", "u1", "c1"); !errors.Is(err, ErrForbidden) {
			t.Errorf("ErrForbiddenが返っていない: %v", err)
		}
		if _, err := h.Join("", "u1", "c1"); !errors.Is(err, ErrForbidden) {
			t.Errorf("未認証でErrForbiddenが返っていない: %v", err)
		}
		if h.Online("u1") != 0 {
			t.Error("拒否された接続が登録されている")
		}
	})

	t.Run("停止後は参加できないこと", func(t *testing.T) {
		t.Parallel()
		h := newTestHub(0)
		c, err := h.Join("u1", "u1", "c1")
		if err != nil {
			t.Fatalf("参加に失敗: %v", err)
		}
		h.Close()
		if _, ok := <-c.Events(); ok {
			t.Error("停止後も接続が開いている")
		}
		if _, err := h.Join("u1", "u1", "c2"); !errors.Is(err, ErrClosed) {
			t.Errorf("ErrClosedが返っていない: %v", err)
		}
	})
}

func TestHub_Push(t *testing.T) {
	t.Parallel()

	t.Run("ユーザーの全接続に届くこと", func(t *testing.T) {
		t.Parallel()
		h := newTestHub(0)
		c1, _ := h.Join("u1", "u1", "c1")
		c2, _ := h.Join("u1", "u1", "c2")
		other, _ := h.Join("u2", "u2", "c3")

		n, err := h.Push(context.Background(), "u1", event.LivePayload{ID: "n1", Title: "t"})
		if err != nil {
			t.Fatalf("プッシュに失敗: %v", err)
		}
		if n != 2 {
			t.Errorf("届いた接続数が一致しない: got=%d, want=2", n)
		}
		for _, c := range []*Conn{c1, c2} {
			if p := <-c.Events(); p.ID != "n1" {
				t.Errorf("接続 %s に届いた通知が一致しない: %+v", c.ID, p)
			}
		}
		select {
		case p := <-other.Events():
			t.Errorf("他のユーザーに届いた: %+v", p)
		default:
		}
	})

	t.Run("オフラインのユーザーには0件でエラーにならないこと", func(t *testing.T) {
		t.Parallel()
		h := newTestHub(0)
		n, err := h.Push(context.Background(), "nobody", event.LivePayload{ID: "n1"})
		if err != nil || n != 0 {
			t.Errorf("結果が一致しない: n=%d, err=%v", n, err)
		}
	})

	t.Run("読み出しが遅い接続でもブロックしないこと", func(t *testing.T) {
		t.Parallel()
		h := newTestHub(1)
		c, _ := h.Join("u1", "u1", "c1")

		done := make(chan struct{})
		go func() {
			defer close(done)
			for i := 0; i < 3; i++ {
				_, _ = h.Push(context.Background(), "u1", event.LivePayload{ID: "n"})
			}
		}()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("プッシュがブロックした")
		}
		h.Leave(c)
		if h.Online("u1") != 0 {
			t.Error("離脱後も接続が残っている")
		}
	})
}

func TestRelay(t *testing.T) {
	t.Parallel()

	addr := os.Getenv("NOTIFIER_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("NOTIFIER_TEST_REDIS_ADDR が未設定のためスキップ")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { rdb.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	channel := "test-push-" + uuid.New().String()
	h := newTestHub(0)
	c, err := h.Join("u1", "u1", "c1")
	if err != nil {
		t.Fatalf("参加に失敗: %v", err)
	}

	relay := NewRelay(rdb, channel, h, zap.NewNop())
	go func() { _ = relay.Run(ctx) }()

	pub := NewRedisPublisher(rdb, channel)
	deadline := time.After(5 * time.Second)
	for {
		// 購読の開始を待つため届くまで発行を繰り返す
		if _, err := pub.Push(ctx, "u1", event.LivePayload{ID: "n1"}); err != nil {
			t.Fatalf("発行に失敗: %v", err)
		}
		select {
		case p := <-c.Events():
			if p.ID != "n1" {
				t.Errorf("届いた通知が一致しない: %+v", p)
			}
			return
		case <-time.After(100 * time.Millisecond):
		case <-deadline:
			t.Fatal("中継された通知が届かない")
		}
	}
}

func TestRelay_handle(t *testing.T) {
	t.Parallel()

	h := newTestHub(0)
	c, _ := h.Join("u1", "u1", "c1")
	r := NewRelay(nil, "ch", h, zap.NewNop())

	r.handle(context.Background(), []byte("not json"))
	b, err := event.Encode("n1", event.TypeNotificationPushed,
		event.NotificationPushedData{UserID: "u1", Payload: event.LivePayload{ID: "n1"}})
	if err != nil {
		t.Fatalf("イベントの生成に失敗: %v", err)
	}
	r.handle(context.Background(), b)

	select {
	case p := <-c.Events():
		if p.ID != "n1" {
			t.Errorf("届いた通知が一致しない: %+v", p)
		}
	default:
		t.Error("中継された通知が届かない")
	}
}
