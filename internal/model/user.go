package model

// UserStatus はユーザーの状態を表す。
type UserStatus string

const (
	UserActive    UserStatus = "active"
	UserInactive  UserStatus = "inactive"
	UserSuspended UserStatus = "suspended"
	UserPending   UserStatus = "pending"
)

// User は配信対象の解決に必要なユーザー情報。
// 業務データの正本は外部にあり、ここには同期された写しだけを持つ。
type User struct {
	// ID はユーザーID。
	ID string `json:"id" db:"id"`
	// CompanyID は所属する会社のID。
	CompanyID string `json:"company_id" db:"company_id"`
	// Status はユーザーの状態。activeのユーザーだけが配信対象になる。
	Status UserStatus `json:"status" db:"status"`
}
