package model

import (
	"strings"
	"time"
)

// Kind は通知の種類を表す。
type Kind string

const (
	// KindInfo は一般的なお知らせ。
	KindInfo Kind = "info"
	// KindSuccess は処理成功の通知。
	KindSuccess Kind = "success"
	// KindWarning は注意を促す通知。
	KindWarning Kind = "warning"
	// KindError はエラーの通知。
	KindError Kind = "error"
	// KindSystem はシステムからの通知。
	KindSystem Kind = "system"
	// KindCustom は用途を限定しない通知。
	KindCustom Kind = "custom"
)

// Valid は通知の種類が定義済みの値かどうかを返す。
func (k Kind) Valid() bool {
	switch k {
	case KindInfo, KindSuccess, KindWarning, KindError, KindSystem, KindCustom:
		return true
	default:
		return false
	}
}

// TargetMode は配信対象の解決方法を表す。
// 複数の対象指定がある場合は broadcast > companies > user の優先順位で決まる。
type TargetMode string

const (
	// TargetBroadcast は全アクティブユーザーが対象。
	TargetBroadcast TargetMode = "broadcast"
	// TargetCompanies は指定された会社に所属するアクティブユーザーが対象。
	TargetCompanies TargetMode = "companies"
	// TargetUser は単一ユーザーが対象。
	TargetUser TargetMode = "user"
	// TargetNone は有効な対象がない。
	TargetNone TargetMode = "none"
)

// Targeting は通知の配信対象の指定。
type Targeting struct {
	// TargetUser は単一ユーザー宛の場合のユーザーID。
	TargetUser string `json:"target_user,omitempty"`
	// TargetCompanies は会社宛の場合の会社IDの集合。
	TargetCompanies []string `json:"target_companies,omitempty"`
	// Broadcast は全ユーザー宛かどうか。
	Broadcast bool `json:"broadcast"`
}

// Mode は優先順位に従って配信対象の解決方法を決定する。
func (t Targeting) Mode() TargetMode {
	switch {
	case t.Broadcast:
		return TargetBroadcast
	case len(t.TargetCompanies) > 0:
		return TargetCompanies
	case t.TargetUser != "":
		return TargetUser
	default:
		return TargetNone
	}
}

// Ambiguous は複数の対象指定が同時に設定されているかを返す。
func (t Targeting) Ambiguous() bool {
	n := 0
	if t.Broadcast {
		n++
	}
	if len(t.TargetCompanies) > 0 {
		n++
	}
	if t.TargetUser != "" {
		n++
	}
	return n > 1
}

// Validate は対象指定が正しい形式かを検証する。
func (t Targeting) Validate() error {
	if t.Mode() == TargetNone {
		return &ValidationError{Field: "targeting", Reason: "target_user、target_companies、broadcastのいずれかが必要です"}
	}
	for _, c := range t.TargetCompanies {
		if strings.TrimSpace(c) == "" {
			return &ValidationError{Field: "target_companies", Reason: "空の会社IDは指定できません"}
		}
	}
	return nil
}

// Priority はキュー内での優先度を返す。値が小さいほど先に処理される。
func (t Targeting) Priority() int {
	switch t.Mode() {
	case TargetBroadcast:
		return 1
	case TargetCompanies:
		return 3
	default:
		return 5
	}
}

// Notification はユーザーに提示するイベントの永続レコード。
type Notification struct {
	// ID は通知の一意識別子。
	ID string `json:"id"`
	// Title は通知のタイトル。
	Title string `json:"title"`
	// Message は通知の本文。
	Message string `json:"message"`
	// Kind は通知の種類。
	Kind Kind `json:"type"`
	// Targeting は配信対象の指定。
	Targeting
	// Link は任意のディープリンク。
	Link string `json:"link,omitempty"`
	// Metadata は任意のキーと値の組。
	Metadata map[string]any `json:"metadata,omitempty"`
	// CreatedBy は作成者のユーザーID。システム生成の場合は空。
	CreatedBy string `json:"created_by,omitempty"`
	// SystemGenerated はシステムが生成した通知かどうか。
	SystemGenerated bool `json:"system_generated"`
	// ScheduledFor は配信予定日時。
	ScheduledFor time.Time `json:"scheduled_for"`
	// HasBeenSent はファンアウト処理が完了したかどうか。一度trueになると戻らない。
	HasBeenSent bool `json:"has_been_sent"`
	// SentAt はファンアウト処理が完了した日時。
	SentAt *time.Time `json:"sent_at,omitempty"`
	// Deleted は論理削除済みかどうか。
	Deleted bool `json:"deleted"`
	// DeletedBy は削除したユーザーのID。
	DeletedBy string `json:"deleted_by,omitempty"`
	// DeletedAt は削除日時。
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
	// CreatedAt は作成日時。
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt は更新日時。
	UpdatedAt time.Time `json:"updated_at"`
}

// Due は指定時刻の時点で配信予定日時を迎えているかを返す。
func (n *Notification) Due(now time.Time) bool {
	return !n.ScheduledFor.After(now)
}

// CreateInput は通知作成時の入力。
type CreateInput struct {
	// ID は呼び出し側が指定する冪等キー。空の場合は採番する。
	ID string `json:"id,omitempty"`
	// Title は通知のタイトル。
	Title string `json:"title"`
	// Message は通知の本文。
	Message string `json:"message"`
	// Kind は通知の種類。空の場合は info。
	Kind Kind `json:"type,omitempty"`
	// Targeting は配信対象の指定。
	Targeting
	// Link は任意のディープリンク。
	Link string `json:"link,omitempty"`
	// Metadata は任意のキーと値の組。
	Metadata map[string]any `json:"metadata,omitempty"`
	// CreatedBy は作成者のユーザーID。
	CreatedBy string `json:"created_by,omitempty"`
	// ScheduledFor は配信予定日時。nilの場合は即時。
	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`
}

// Validate は入力の必須項目と対象指定を検証する。
func (in *CreateInput) Validate() error {
	if strings.TrimSpace(in.Title) == "" {
		return &ValidationError{Field: "title", Reason: "タイトルは必須です"}
	}
	if strings.TrimSpace(in.Message) == "" {
		return &ValidationError{Field: "message", Reason: "本文は必須です"}
	}
	if in.Kind != "" && !in.Kind.Valid() {
		return &ValidationError{Field: "type", Reason: "未定義の通知種別です: " + string(in.Kind)}
	}
	return in.Targeting.Validate()
}

// UserNotification はユーザーから見た通知と既読状態の組。
type UserNotification struct {
	Notification
	// IsRead はこのユーザーが既読にしたかどうか。
	IsRead bool `json:"is_read"`
}
