package notifyclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// headerInternalToken は内部APIの共有トークンを運ぶヘッダー。
const headerInternalToken = "X-Internal-Token"

// apiPrefix は内部APIのパスの接頭辞。
const apiPrefix = "/api/v1/internal"

// Client は通知サービスの内部APIクライアント。
type Client struct {
	// httpClient は内部で使用するHTTPクライアント。
	httpClient *http.Client
	// baseURL は通知サービスのベースURL。
	baseURL string
	// token は内部APIの共有トークン。
	token string
}

// Option はClientの設定を変更する関数。
type Option func(*Client)

// WithHTTPClient は内部で使用するHTTPクライアントを差し替える。
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// New は新しいクライアントを生成する。
// baseURLには通知サービスのベースURL（例: "http://notification:8080"）を指定する。
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		baseURL: baseURL,
		token:   token,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateRequest は通知作成の依頼内容。
type CreateRequest struct {
	// ID は冪等キー。同じIDで再送しても通知は1件だけ作られる。
	ID string `json:"id,omitempty"`
	// Title は通知のタイトル。
	Title string `json:"title"`
	// Message は通知の本文。
	Message string `json:"message"`
	// Type は通知の種類（info, success, warning, error, system, custom）。
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
	// CreatedBy は作成者のユーザーID。
	CreatedBy string `json:"created_by,omitempty"`
	// ScheduledFor は配信予定日時。nilの場合は即時。
	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`
}

// Notification は作成された通知。
type Notification struct {
	ID              string         `json:"id"`
	Title           string         `json:"title"`
	Message         string         `json:"message"`
	Type            string         `json:"type"`
	TargetUser      string         `json:"target_user,omitempty"`
	TargetCompanies []string       `json:"target_companies,omitempty"`
	Broadcast       bool           `json:"broadcast"`
	Link            string         `json:"link,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	ScheduledFor    time.Time      `json:"scheduled_for"`
	HasBeenSent     bool           `json:"has_been_sent"`
	CreatedAt       time.Time      `json:"created_at"`
}

// CreateResult は通知作成の結果。
type CreateResult struct {
	// Notification は保存された通知。
	Notification Notification `json:"notification"`
	// Created は新規に作成されたかどうか。同じIDが既にある場合はfalse。
	Created bool `json:"created"`
	// Enqueued は即時にディスパッチキューへ投入されたかどうか。
	Enqueued bool `json:"enqueued"`
}

// User はディレクトリ同期で送るユーザー。
type User struct {
	ID        string `json:"id"`
	CompanyID string `json:"company_id"`
	// Status は active, inactive, suspended, pending のいずれか。
	Status string `json:"status"`
}

// APIError は通知サービスが2xx以外を返したことを表す。
type APIError struct {
	// StatusCode はHTTPステータスコード。
	StatusCode int
	// Message はレスポンスのerrorフィールド。読めない場合はボディそのもの。
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTPエラー: status=%d, message=%s", e.StatusCode, e.Message)
}

// IsStatus はerrが指定ステータスのAPIErrorかどうかを返す。
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == status
}

// CreateNotification は通知を作成する。入力が不正な場合は400のAPIErrorを返す。
func (c *Client) CreateNotification(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	var res CreateResult
	if err := c.doJSON(ctx, http.MethodPost, apiPrefix+"/notifications", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// DeleteNotification は通知を論理削除する。
func (c *Client) DeleteNotification(ctx context.Context, id, deletedBy string) error {
	path := apiPrefix + "/notifications/" + url.PathEscape(id)
	if deletedBy != "" {
		path += "?deleted_by=" + url.QueryEscape(deletedBy)
	}
	return c.doJSON(ctx, http.MethodDelete, path, nil, nil)
}

// SyncUsers はユーザーディレクトリを更新する。
func (c *Client) SyncUsers(ctx context.Context, users []User) error {
	body := struct {
		Users []User `json:"users"`
	}{Users: users}
	return c.doJSON(ctx, http.MethodPut, apiPrefix+"/users", body, nil)
}

// doJSON はJSON形式のHTTPリクエストを実行する共通処理。
func (c *Client) doJSON(ctx context.Context, method, path string, body any, result any) error {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("リクエストボディのシリアライズに失敗: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("HTTPリクエストの作成に失敗: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(headerInternalToken, c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTPリクエストの送信に失敗: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: string(respBody)}
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(respBody, &e) == nil && e.Error != "" {
			apiErr.Message = e.Error
		}
		return apiErr
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("レスポンスボディのデシリアライズに失敗: %w", err)
		}
	}
	return nil
}
