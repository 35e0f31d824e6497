package event

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestEncodeOpen(t *testing.T) {
	t.Parallel()

	t.Run("プッシュ依頼を封筒に包んで開けること", func(t *testing.T) {
		t.Parallel()

		data := NotificationPushedData{
			UserID: "user-1",
			Payload: LivePayload{
				ID:       "n-1",
				Title:    "リード割り当て",
				Message:  "新しいリードが割り当てられました",
				Type:     "info",
				Metadata: map[string]any{"lead_id": "l-1"},
			},
		}

		before := time.Now().UTC()
		b, err := Encode("n-1", TypeNotificationPushed, data)
		if err != nil {
			t.Fatalf("Encode()でエラーが発生: %v", err)
		}

		ev, got, err := Open[NotificationPushedData](b, TypeNotificationPushed)
		if err != nil {
			t.Fatalf("Open()でエラーが発生: %v", err)
		}
		if ev.ID == "" {
			t.Error("IDが空文字列")
		}
		if ev.AggregateID != "n-1" || ev.AggregateType != AggregateTypeNotification {
			t.Errorf("集約 = %s/%s", ev.AggregateType, ev.AggregateID)
		}
		if ev.CreatedAt.Before(before.Add(-time.Second)) {
			t.Errorf("CreatedAt = %v", ev.CreatedAt)
		}
		if got.UserID != data.UserID || got.Payload.Title != data.Payload.Title {
			t.Errorf("Data = %+v, want %+v", got, data)
		}
	})

	t.Run("シリアライズできないデータはエラーになること", func(t *testing.T) {
		t.Parallel()

		if _, err := Encode("n-1", TypeNotificationPushed, make(chan int)); err == nil {
			t.Fatal("チャネルのシリアライズでエラーが返らなかった")
		}
	})
}

func TestOpen(t *testing.T) {
	t.Parallel()

	b, err := Encode("", TypeNotificationRequested, NotificationRequestedData{
		Title: "t", Message: "m", Broadcast: true,
	})
	if err != nil {
		t.Fatalf("Encode()でエラーが発生: %v", err)
	}

	tests := []struct {
		name     string
		input    []byte
		want     Type
		wantErr  bool
		mismatch bool
	}{
		{name: "種類が一致すれば開けること", input: b, want: TypeNotificationRequested},
		{name: "種類が異なればエラーになること", input: b, want: TypeNotificationPushed, wantErr: true, mismatch: true},
		{name: "不正なJSONはエラーになること", input: []byte("{"), want: TypeNotificationRequested, wantErr: true},
		{name: "データがなければエラーになること", input: []byte(`{"id":"e1","event_type":"NotificationRequested"}`), want: TypeNotificationRequested, wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, data, err := Open[NotificationRequestedData](tt.input, tt.want)
			if tt.wantErr {
				if err == nil {
					t.Fatal("エラーが返らなかった")
				}
				if errors.Is(err, ErrTypeMismatch) != tt.mismatch {
					t.Errorf("ErrTypeMismatch判定 = %v, want %v", !tt.mismatch, tt.mismatch)
				}
				return
			}
			if err != nil {
				t.Fatalf("Open()でエラーが発生: %v", err)
			}
			if !data.Broadcast {
				t.Error("Broadcastが復元されていない")
			}
		})
	}
}

func TestLivePayload_JSON(t *testing.T) {
	t.Parallel()

	b, err := json.Marshal(LivePayload{ID: "n-1", Title: "t", Message: "m", Type: "info"})
	if err != nil {
		t.Fatalf("シリアライズに失敗: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("デシリアライズに失敗: %v", err)
	}
	for _, key := range []string{"id", "title", "message", "type", "createdAt"} {
		if _, ok := m[key]; !ok {
			t.Errorf("キー %q が含まれていない: %s", key, b)
		}
	}
}
