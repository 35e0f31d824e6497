package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/nao1215/notifier/internal/model"
)

// notificationColumns はnotificationsテーブルから読み出す列。
var notificationColumns = []string{
	"id", "title", "message", "kind", "target_mode", "target_user", "broadcast",
	"link", "metadata", "created_by", "system_generated", "scheduled_for",
	"has_been_sent", "sent_at", "deleted", "deleted_by", "deleted_at",
	"created_at", "updated_at",
}

// selectColumns は別名付きのテーブル参照でも列名が変わらないSELECT句を返す。
func selectColumns(alias string) string {
	cols := make([]string, len(notificationColumns))
	for i, c := range notificationColumns {
		cols[i] = fmt.Sprintf("%s.%s AS %s", alias, c, c)
	}
	return strings.Join(cols, ", ")
}

// notificationRow はnotificationsテーブルの1行。
type notificationRow struct {
	ID              string        `db:"id"`
	Title           string        `db:"title"`
	Message         string        `db:"message"`
	Kind            string        `db:"kind"`
	TargetMode      string        `db:"target_mode"`
	TargetUser      string        `db:"target_user"`
	Broadcast       bool          `db:"broadcast"`
	Link            string        `db:"link"`
	Metadata        string        `db:"metadata"`
	CreatedBy       string        `db:"created_by"`
	SystemGenerated bool          `db:"system_generated"`
	ScheduledFor    int64         `db:"scheduled_for"`
	HasBeenSent     bool          `db:"has_been_sent"`
	SentAt          sql.NullInt64 `db:"sent_at"`
	Deleted         bool          `db:"deleted"`
	DeletedBy       string        `db:"deleted_by"`
	DeletedAt       sql.NullInt64 `db:"deleted_at"`
	CreatedAt       int64         `db:"created_at"`
	UpdatedAt       int64         `db:"updated_at"`
}

func (r notificationRow) toModel() (model.Notification, error) {
	n := model.Notification{
		ID:              r.ID,
		Title:           r.Title,
		Message:         r.Message,
		Kind:            model.Kind(r.Kind),
		Link:            r.Link,
		CreatedBy:       r.CreatedBy,
		SystemGenerated: r.SystemGenerated,
		ScheduledFor:    fromMillis(r.ScheduledFor),
		HasBeenSent:     r.HasBeenSent,
		Deleted:         r.Deleted,
		DeletedBy:       r.DeletedBy,
		CreatedAt:       fromMillis(r.CreatedAt),
		UpdatedAt:       fromMillis(r.UpdatedAt),
	}
	n.TargetUser = r.TargetUser
	n.Broadcast = r.Broadcast
	if r.SentAt.Valid {
		t := fromMillis(r.SentAt.Int64)
		n.SentAt = &t
	}
	if r.DeletedAt.Valid {
		t := fromMillis(r.DeletedAt.Int64)
		n.DeletedAt = &t
	}
	if r.Metadata != "" && r.Metadata != "{}" {
		if err := json.Unmarshal([]byte(r.Metadata), &n.Metadata); err != nil {
			return model.Notification{}, fmt.Errorf("通知 %s のmetadataの解析に失敗: %w", r.ID, err)
		}
	}
	return n, nil
}

// NotificationStore は通知本体を永続化する。
type NotificationStore struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewNotificationStore は新しいNotificationStoreを生成する。
func NewNotificationStore(db *sqlx.DB) *NotificationStore {
	return &NotificationStore{db: db, now: time.Now}
}

// Create は通知を has_been_sent=false で保存する。
// 同じIDの通知が既に存在する場合は保存済みの通知を返し、createdはfalseになる。
func (s *NotificationStore) Create(ctx context.Context, n model.Notification) (*model.Notification, bool, error) {
	if err := n.Targeting.Validate(); err != nil {
		return nil, false, err
	}
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.Kind == "" {
		n.Kind = model.KindInfo
	}
	now := s.now().UTC()
	if n.ScheduledFor.IsZero() {
		n.ScheduledFor = now
	}
	n.CreatedAt = now
	n.UpdatedAt = now
	n.HasBeenSent = false
	n.SentAt = nil
	n.Deleted = false

	metadata := "{}"
	if len(n.Metadata) > 0 {
		b, err := json.Marshal(n.Metadata)
		if err != nil {
			return nil, false, fmt.Errorf("metadataのシリアライズに失敗: %w", err)
		}
		metadata = string(b)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `
		INSERT INTO notifications (
			id, title, message, kind, target_mode, target_user, broadcast,
			link, metadata, created_by, system_generated, scheduled_for,
			has_been_sent, deleted, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		n.ID, n.Title, n.Message, string(n.Kind), string(n.Mode()), n.TargetUser, boolToInt(n.Broadcast),
		n.Link, metadata, n.CreatedBy, boolToInt(n.SystemGenerated), toMillis(n.ScheduledFor),
		toMillis(n.CreatedAt), toMillis(n.UpdatedAt),
	)
	if err != nil {
		return nil, false, fmt.Errorf("通知の作成に失敗: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			return nil, false, fmt.Errorf("ロールバックに失敗: %w", err)
		}
		existing, err := s.Get(ctx, n.ID)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}

	for _, c := range uniqueStrings(n.TargetCompanies) {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO notification_companies (notification_id, company_id) VALUES (?, ?)",
			n.ID, c,
		); err != nil {
			return nil, false, fmt.Errorf("通知 %s の対象会社の保存に失敗: %w", n.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("コミットに失敗: %w", err)
	}
	n.TargetCompanies = uniqueStrings(n.TargetCompanies)
	n.ScheduledFor = fromMillis(toMillis(n.ScheduledFor))
	n.CreatedAt = fromMillis(toMillis(n.CreatedAt))
	n.UpdatedAt = n.CreatedAt
	return &n, true, nil
}

// Get はIDで通知を取得する。論理削除済みの通知も返す。
func (s *NotificationStore) Get(ctx context.Context, id string) (*model.Notification, error) {
	var row notificationRow
	err := s.db.GetContext(ctx, &row,
		"SELECT "+strings.Join(notificationColumns, ", ")+" FROM notifications WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("通知 %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("通知 %s の取得に失敗: %w", id, err)
	}

	ns, err := s.hydrate(ctx, []notificationRow{row})
	if err != nil {
		return nil, err
	}
	return &ns[0], nil
}

// FindDue は配信予定日時が [windowStart, windowEnd) に含まれ、
// 未削除かつ未送信の通知を配信予定日時の昇順で返す。
func (s *NotificationStore) FindDue(ctx context.Context, windowStart, windowEnd time.Time) ([]model.Notification, error) {
	var rows []notificationRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+strings.Join(notificationColumns, ", ")+`
		FROM notifications
		WHERE has_been_sent = 0 AND deleted = 0
		  AND scheduled_for >= ? AND scheduled_for < ?
		ORDER BY scheduled_for ASC`,
		toMillis(windowStart), toMillis(windowEnd),
	)
	if err != nil {
		return nil, fmt.Errorf("配信予定の通知の検索に失敗: %w", err)
	}
	return s.hydrate(ctx, rows)
}

// MarkSent は通知を送信済みにする。既に送信済みの場合は何もしない。
func (s *NotificationStore) MarkSent(ctx context.Context, id string) error {
	now := toMillis(s.now())
	res, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET has_been_sent = 1, sent_at = ?, updated_at = ?
		WHERE id = ? AND has_been_sent = 0`,
		now, now, id,
	)
	if err != nil {
		return fmt.Errorf("通知 %s の送信済み更新に失敗: %w", id, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return s.ensureExists(ctx, id)
	}
	return nil
}

// SoftDelete は通知を論理削除する。削除済みの場合は何もしない。
func (s *NotificationStore) SoftDelete(ctx context.Context, id, by string) error {
	now := toMillis(s.now())
	res, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET deleted = 1, deleted_by = ?, deleted_at = ?, updated_at = ?
		WHERE id = ? AND deleted = 0`,
		by, now, now, id,
	)
	if err != nil {
		return fmt.Errorf("通知 %s の削除に失敗: %w", id, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return s.ensureExists(ctx, id)
	}
	return nil
}

// ListQuery はユーザー向け通知一覧の検索条件。
type ListQuery struct {
	UserID    string
	CompanyID string
	// Now より後に配信予定の通知は含めない。
	Now    time.Time
	Limit  int
	Offset int
}

// applicableClause は対象指定を逆向きに解決する条件。
// 作成時に優先順位を適用したtarget_modeを使うため、受信者の解決と同じ結果になる。
const applicableClause = `
	n.deleted = 0 AND n.scheduled_for <= ?
	AND (
		n.target_mode = 'broadcast'
		OR (n.target_mode = 'companies' AND EXISTS (
			SELECT 1 FROM notification_companies c
			WHERE c.notification_id = n.id AND c.company_id = ?))
		OR (n.target_mode = 'user' AND n.target_user = ?)
	)`

// ListForUser はユーザーに適用される通知を新しい順に返す。
// ユーザーが非表示にした通知は含めない。
func (s *NotificationStore) ListForUser(ctx context.Context, q ListQuery) ([]model.UserNotification, error) {
	if q.Now.IsZero() {
		q.Now = s.now()
	}
	query := `
		SELECT ` + selectColumns("n") + `, COALESCE(d.is_read, 0) AS is_read
		FROM notifications n
		LEFT JOIN deliveries d ON d.notification_id = n.id AND d.user_id = ?
		WHERE ` + applicableClause + `
		  AND COALESCE(d.deleted, 0) = 0
		ORDER BY n.created_at DESC, n.id DESC`
	args := []any{q.UserID, toMillis(q.Now), q.CompanyID, q.UserID}
	if q.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, q.Limit, q.Offset)
	}

	var rows []struct {
		notificationRow
		IsRead bool `db:"is_read"`
	}
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("ユーザー %s の通知一覧の取得に失敗: %w", q.UserID, err)
	}

	base := make([]notificationRow, len(rows))
	for i := range rows {
		base[i] = rows[i].notificationRow
	}
	ns, err := s.hydrate(ctx, base)
	if err != nil {
		return nil, err
	}

	result := make([]model.UserNotification, len(ns))
	for i := range ns {
		result[i] = model.UserNotification{Notification: ns[i], IsRead: rows[i].IsRead}
	}
	return result, nil
}

// CountUnread はListForUserと同じ条件で未読の通知の件数を返す。
func (s *NotificationStore) CountUnread(ctx context.Context, userID, companyID string, now time.Time) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `
		SELECT COUNT(*)
		FROM notifications n
		LEFT JOIN deliveries d ON d.notification_id = n.id AND d.user_id = ?
		WHERE `+applicableClause+`
		  AND COALESCE(d.deleted, 0) = 0
		  AND COALESCE(d.is_read, 0) = 0`,
		userID, toMillis(now), companyID, userID,
	)
	if err != nil {
		return 0, fmt.Errorf("ユーザー %s の未読件数の取得に失敗: %w", userID, err)
	}
	return n, nil
}

// ApplicableIDs はユーザーに適用される未削除の通知IDを返す。
// ユーザーが非表示にした通知も含む。
func (s *NotificationStore) ApplicableIDs(ctx context.Context, userID, companyID string, now time.Time) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids,
		"SELECT n.id FROM notifications n WHERE "+applicableClause+" ORDER BY n.created_at",
		toMillis(now), companyID, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("ユーザー %s の対象通知IDの取得に失敗: %w", userID, err)
	}
	return ids, nil
}

// GetApplicable は通知がnow時点でユーザーに適用される場合にその通知を返す。
// 通知が存在しないか削除済み、または配信予定日時前の場合はErrNotFound、
// 対象外の場合はErrNotApplicableを返す。
func (s *NotificationStore) GetApplicable(ctx context.Context, id, userID, companyID string, now time.Time) (*model.Notification, error) {
	n, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if n.Deleted || !n.Due(now) {
		return nil, fmt.Errorf("通知 %s: %w", id, ErrNotFound)
	}

	switch n.Mode() {
	case model.TargetBroadcast:
		return n, nil
	case model.TargetCompanies:
		for _, c := range n.TargetCompanies {
			if c == companyID {
				return n, nil
			}
		}
	case model.TargetUser:
		if n.TargetUser == userID {
			return n, nil
		}
	}
	return nil, fmt.Errorf("通知 %s, ユーザー %s: %w", id, userID, ErrNotApplicable)
}

// CountUnsent は未削除かつ未送信の通知の件数を返す。
func (s *NotificationStore) CountUnsent(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n,
		"SELECT COUNT(*) FROM notifications WHERE has_been_sent = 0 AND deleted = 0"); err != nil {
		return 0, fmt.Errorf("未送信通知の件数取得に失敗: %w", err)
	}
	return n, nil
}

// ensureExists は通知が存在しない場合にErrNotFoundを返す。
func (s *NotificationStore) ensureExists(ctx context.Context, id string) error {
	var exists int
	err := s.db.GetContext(ctx, &exists, "SELECT 1 FROM notifications WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("通知 %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("通知 %s の存在確認に失敗: %w", id, err)
	}
	return nil
}

// hydrate は行をモデルに変換し、対象会社をまとめて読み込む。
func (s *NotificationStore) hydrate(ctx context.Context, rows []notificationRow) ([]model.Notification, error) {
	result := make([]model.Notification, 0, len(rows))
	var companyTargeted []string
	for _, r := range rows {
		n, err := r.toModel()
		if err != nil {
			return nil, err
		}
		result = append(result, n)
		if r.TargetMode == string(model.TargetCompanies) {
			companyTargeted = append(companyTargeted, r.ID)
		}
	}
	if len(companyTargeted) == 0 {
		return result, nil
	}

	query, args, err := sqlx.In(
		"SELECT notification_id, company_id FROM notification_companies WHERE notification_id IN (?) ORDER BY company_id",
		companyTargeted,
	)
	if err != nil {
		return nil, fmt.Errorf("対象会社のクエリ生成に失敗: %w", err)
	}
	var pairs []struct {
		NotificationID string `db:"notification_id"`
		CompanyID      string `db:"company_id"`
	}
	if err := s.db.SelectContext(ctx, &pairs, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("対象会社の取得に失敗: %w", err)
	}

	companies := make(map[string][]string, len(companyTargeted))
	for _, p := range pairs {
		companies[p.NotificationID] = append(companies[p.NotificationID], p.CompanyID)
	}
	for i := range result {
		if cs, ok := companies[result[i].ID]; ok {
			result[i].TargetCompanies = cs
		}
	}
	return result, nil
}

// uniqueStrings は空文字を除き、出現順を保って重複を取り除く。
func uniqueStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
