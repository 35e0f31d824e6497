package recipient

import (
	"context"
	"fmt"
	"slices"
	"testing"

	"go.uber.org/zap"

	"github.com/nao1215/notifier/internal/model"
	"github.com/nao1215/notifier/internal/store"
)

// setupDirectory はテスト用のユーザーディレクトリを構築する。
func setupDirectory(t *testing.T, users []model.User) *store.UserStore {
	t.Helper()

	db, err := store.Open(context.Background(), store.Options{Path: ":memory:"}, zap.NewNop())
	if err != nil {
		t.Fatalf("インメモリDBの作成に失敗: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	us := store.NewUserStore(db)
	if err := us.Upsert(context.Background(), users); err != nil {
		t.Fatalf("ユーザーの登録に失敗: %v", err)
	}
	return us
}

func TestResolver_Resolve(t *testing.T) {
	t.Parallel()

	dir := setupDirectory(t, []model.User{
		{ID: "A", CompanyID: "X", Status: model.UserActive},
		{ID: "B", CompanyID: "X", Status: model.UserActive},
		{ID: "C", CompanyID: "Y", Status: model.UserActive},
		{ID: "D", CompanyID: "X", Status: model.UserInactive},
	})
	r := NewResolver(dir, 0, zap.NewNop())

	tests := []struct {
		name      string
		targeting model.Targeting
		want      []string
	}{
		{name: "会社宛はその会社のアクティブユーザーだけ", targeting: model.Targeting{TargetCompanies: []string{"X"}}, want: []string{"A", "B"}},
		{name: "全体宛は他の指定より優先される", targeting: model.Targeting{Broadcast: true, TargetUser: "A"}, want: []string{"A", "B", "C"}},
		{name: "会社宛はユーザー指定より優先される", targeting: model.Targeting{TargetCompanies: []string{"Y"}, TargetUser: "A"}, want: []string{"C"}},
		{name: "ユーザー宛", targeting: model.Targeting{TargetUser: "B"}, want: []string{"B"}},
		{name: "非アクティブのユーザー宛は0件", targeting: model.Targeting{TargetUser: "D"}, want: nil},
		{name: "未同期のユーザー宛はそのユーザーだけ", targeting: model.Targeting{TargetUser: "u-not-synced"}, want: []string{"u-not-synced"}},
		{name: "対象指定なしは0件", targeting: model.Targeting{}, want: nil},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Resolve(context.Background(), &model.Notification{ID: "n1", Targeting: tt.targeting})
			if err != nil {
				t.Fatalf("解決に失敗: %v", err)
			}
			if !slices.Equal(got, tt.want) {
				t.Errorf("受信者が一致しない: got=%v, want=%v", got, tt.want)
			}
		})
	}
}

func TestResolver_Each(t *testing.T) {
	t.Parallel()

	users := make([]model.User, 0, 120)
	for i := 0; i < 120; i++ {
		users = append(users, model.User{ID: fmt.Sprintf("user-%03d", i), CompanyID: "X", Status: model.UserActive})
	}
	dir := setupDirectory(t, users)
	r := NewResolver(dir, 50, zap.NewNop())

	var sizes []int
	seen := make(map[string]struct{})
	err := r.Each(context.Background(), &model.Notification{ID: "n1", Targeting: model.Targeting{Broadcast: true}}, func(ids []string) error {
		sizes = append(sizes, len(ids))
		for _, id := range ids {
			seen[id] = struct{}{}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("解決に失敗: %v", err)
	}
	if !slices.Equal(sizes, []int{50, 50, 20}) {
		t.Errorf("ページの大きさが一致しない: got=%v", sizes)
	}
	if len(seen) != 120 {
		t.Errorf("受信者の件数が一致しない: got=%d, want=120", len(seen))
	}
}
