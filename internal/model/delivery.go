package model

import "time"

// Delivery は通知とユーザーの組ごとの配信記録。
// (UserID, NotificationID) の組に対して高々1件だけ存在する。
type Delivery struct {
	// ID は配信記録の一意識別子。
	ID string `json:"id"`
	// UserID は受信ユーザーのID。
	UserID string `json:"user_id"`
	// NotificationID は対象通知のID。
	NotificationID string `json:"notification_id"`
	// IsRead はユーザーが既読にしたかどうか。
	IsRead bool `json:"is_read"`
	// Deleted はユーザーが非表示にしたかどうか。既読状態とは独立している。
	Deleted bool `json:"deleted"`
	// DeliveredAt はワーカーが配信を記録した日時。既読操作で遅延生成された行ではnil。
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	// CreatedAt は作成日時。
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt は更新日時。
	UpdatedAt time.Time `json:"updated_at"`
}
