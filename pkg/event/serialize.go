package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrTypeMismatch は封筒のイベント種類が期待と異なることを表す。
var ErrTypeMismatch = errors.New("イベントの種類が一致しません")

// Encode はdataを通知の封筒に包んでJSONにする。
// aggregateIDは対象の通知ID。作成依頼でIDを採番させる場合は空にする。
func Encode(aggregateID string, eventType Type, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("%s のデータのシリアライズに失敗: %w", eventType, err)
	}
	b, err := json.Marshal(Event{
		ID:            uuid.NewString(),
		AggregateID:   aggregateID,
		AggregateType: AggregateTypeNotification,
		EventType:     eventType,
		Data:          raw,
		CreatedAt:     time.Now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("%s の封筒のシリアライズに失敗: %w", eventType, err)
	}
	return b, nil
}

// Open はJSONの封筒を開いて種類を確かめ、データをTとして取り出す。
func Open[T any](b []byte, want Type) (*Event, *T, error) {
	var ev Event
	if err := json.Unmarshal(b, &ev); err != nil {
		return nil, nil, fmt.Errorf("封筒のデシリアライズに失敗: %w", err)
	}
	if ev.EventType != want {
		return nil, nil, fmt.Errorf("%w: got=%s, want=%s", ErrTypeMismatch, ev.EventType, want)
	}

	var data T
	if len(ev.Data) == 0 {
		return nil, nil, fmt.Errorf("イベント %s にデータがありません", ev.ID)
	}
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		return nil, nil, fmt.Errorf("イベント %s のデータのデシリアライズに失敗: %w", ev.ID, err)
	}
	return &ev, &data, nil
}
