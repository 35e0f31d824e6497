package event

import (
	"encoding/json"
	"time"
)

// AggregateType はイベントの対象となるエンティティの種類を表す。
type AggregateType string

const (
	// AggregateTypeNotification は通知エンティティを表す。
	AggregateTypeNotification AggregateType = "Notification"
)

// Type はイベントの種類を表す。
type Type string

const (
	// TypeNotificationRequested は業務サービスが通知の作成を依頼したことを表す。
	TypeNotificationRequested Type = "NotificationRequested"
	// TypeNotificationPushed は通知をユーザーのライブ接続へ届ける依頼を表す。
	TypeNotificationPushed Type = "NotificationPushed"
)

// LiveEventName はライブ接続に送るイベント名。
const LiveEventName = "notification"

// Event はサービス間でやり取りするイベントの封筒。
// Kafkaからの通知作成依頼とRedisでのライブ配信の中継に使う。
type Event struct {
	// ID はイベントの一意識別子（UUID）。
	ID string `json:"id"`
	// AggregateID は対象の通知ID。作成依頼では空の場合がある。
	AggregateID string `json:"aggregate_id"`
	// AggregateType は対象エンティティの種類。
	AggregateType AggregateType `json:"aggregate_type"`
	// EventType はイベントの種類。
	EventType Type `json:"event_type"`
	// Data はイベント固有のデータ（JSON形式）。
	Data json.RawMessage `json:"data"`
	// CreatedAt はイベントが作成された日時。
	CreatedAt time.Time `json:"created_at"`
}

// LivePayload はライブ接続に送る通知の内容。
type LivePayload struct {
	// ID は通知ID。
	ID string `json:"id"`
	// Title は通知のタイトル。
	Title string `json:"title"`
	// Message は通知の本文。
	Message string `json:"message"`
	// Type は通知の種類。
	Type string `json:"type"`
	// Link は任意のディープリンク。
	Link string `json:"link,omitempty"`
	// Metadata は任意のキーと値の組。
	Metadata map[string]any `json:"metadata,omitempty"`
	// CreatedAt は通知の作成日時。
	CreatedAt time.Time `json:"createdAt"`
}

// NotificationPushedData はNotificationPushedイベントのデータ。
type NotificationPushedData struct {
	// UserID は配信先のユーザーID。
	UserID string `json:"user_id"`
	// Payload はライブ接続に送る内容。
	Payload LivePayload `json:"payload"`
}

// NotificationRequestedData はNotificationRequestedイベントのデータ。
type NotificationRequestedData struct {
	// Title は通知のタイトル。
	Title string `json:"title"`
	// Message は通知の本文。
	Message string `json:"message"`
	// Type は通知の種類。
	Type string `json:"type,omitempty"`
	// TargetUser は単一ユーザー宛の場合のユーザーID。
	TargetUser string `json:"target_user,omitempty"`
	// TargetCompanies は会社宛の場合の会社IDの集合。
	TargetCompanies []string `json:"target_companies,omitempty"`
	// Broadcast は全ユーザー宛かどうか。
	Broadcast bool `json:"broadcast,omitempty"`
	// Link は任意のディープリンク。
	Link string `json:"link,omitempty"`
	// Metadata は任意のキーと値の組。
	Metadata map[string]any `json:"metadata,omitempty"`
	// CreatedBy は依頼したユーザーのID。
	CreatedBy string `json:"created_by,omitempty"`
	// ScheduledFor は配信予定日時。nilの場合は即時。
	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`
}
