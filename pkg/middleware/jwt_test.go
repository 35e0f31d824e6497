package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testSecret はテスト用のJWTシークレット。
const testSecret = "test-secret-key-for-unit-tests"

func parseClaims(t *testing.T, tokenStr, secret string) (*JWTClaims, error) {
	t.Helper()
	claims := &JWTClaims{}
	_, err := jwt.ParseWithClaims(tokenStr, claims, func(_ *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	return claims, err
}

// TestGenerateJWT はGenerateJWT関数を検証する。
func TestGenerateJWT(t *testing.T) {
	t.Parallel()

	t.Run("ユーザーIDと会社IDがクレームに含まれること", func(t *testing.T) {
		t.Parallel()

		tokenStr, err := GenerateJWT(testSecret, "user-123", "company-1", time.Hour)
		if err != nil {
			t.Fatalf("GenerateJWT()でエラーが発生: %v", err)
		}
		claims, err := parseClaims(t, tokenStr, testSecret)
		if err != nil {
			t.Fatalf("トークンのパースに失敗: %v", err)
		}
		if claims.UserID != "user-123" {
			t.Errorf("UserID = %q, want %q", claims.UserID, "user-123")
		}
		if claims.CompanyID != "company-1" {
			t.Errorf("CompanyID = %q, want %q", claims.CompanyID, "company-1")
		}
		if claims.Issuer != "notifier" {
			t.Errorf("Issuer = %q, want %q", claims.Issuer, "notifier")
		}
		if claims.Subject != "user-123" {
			t.Errorf("Subject = %q, want %q", claims.Subject, "user-123")
		}
	})

	t.Run("有効期限がttl後に設定されること", func(t *testing.T) {
		t.Parallel()

		before := time.Now()
		tokenStr, err := GenerateJWT(testSecret, "user-exp", "", 2*time.Hour)
		if err != nil {
			t.Fatalf("GenerateJWT()でエラーが発生: %v", err)
		}
		claims, err := parseClaims(t, tokenStr, testSecret)
		if err != nil {
			t.Fatalf("トークンのパースに失敗: %v", err)
		}
		want := before.Add(2 * time.Hour)
		if d := claims.ExpiresAt.Time.Sub(want); d < -time.Minute || d > time.Minute {
			t.Errorf("ExpiresAt = %v, want %v 前後", claims.ExpiresAt.Time, want)
		}
	})

	t.Run("異なるシークレットでは検証に失敗すること", func(t *testing.T) {
		t.Parallel()

		tokenStr, err := GenerateJWT(testSecret, "user-wrong", "", time.Hour)
		if err != nil {
			t.Fatalf("GenerateJWT()でエラーが発生: %v", err)
		}
		if _, err := parseClaims(t, tokenStr, "wrong-secret"); err == nil {
			t.Fatal("異なるシークレットでの検証がエラーを返すべき")
		}
	})
}

// TestJWTAuth はJWTAuthミドルウェアを検証する。
func TestJWTAuth(t *testing.T) {
	t.Parallel()

	newRouter := func(captured *[2]string) *gin.Engine {
		router := gin.New()
		router.Use(JWTAuth(testSecret))
		router.GET("/test", func(c *gin.Context) {
			captured[0] = GetUserID(c)
			captured[1] = GetCompanyID(c)
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
		})
		return router
	}

	t.Run("有効なトークンでユーザーIDと会社IDが設定されること", func(t *testing.T) {
		t.Parallel()

		tokenStr, err := GenerateJWT(testSecret, "user-ok", "company-ok", time.Hour)
		if err != nil {
			t.Fatalf("GenerateJWT()でエラーが発生: %v", err)
		}

		var captured [2]string
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set("Authorization", "Bearer "+tokenStr)
		w := httptest.NewRecorder()
		newRouter(&captured).ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		if captured[0] != "user-ok" {
			t.Errorf("user_id = %q, want %q", captured[0], "user-ok")
		}
		if captured[1] != "company-ok" {
			t.Errorf("company_id = %q, want %q", captured[1], "company-ok")
		}
	})

	t.Run("access_tokenクエリでも認証できること", func(t *testing.T) {
		t.Parallel()

		tokenStr, err := GenerateJWT(testSecret, "user-sse", "", time.Hour)
		if err != nil {
			t.Fatalf("GenerateJWT()でエラーが発生: %v", err)
		}

		var captured [2]string
		req := httptest.NewRequest(http.MethodGet, "/test?access_token="+tokenStr, nil)
		w := httptest.NewRecorder()
		newRouter(&captured).ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		if captured[0] != "user-sse" {
			t.Errorf("user_id = %q, want %q", captured[0], "user-sse")
		}
	})

	tests := []struct {
		name    string
		header  string
		wantMsg string
	}{
		{name: "Authorizationヘッダーがない場合401が返ること", header: "", wantMsg: "Authorizationヘッダーが必要です"},
		{name: "Bearer形式でない場合401が返ること", header: "Basic abc", wantMsg: "Bearer トークン形式が不正です"},
		{name: "不正なトークンの場合401が返ること", header: "Bearer invalid.token.value", wantMsg: "トークンが無効です"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var captured [2]string
			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			newRouter(&captured).ServeHTTP(w, req)

			if w.Code != http.StatusUnauthorized {
				t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusUnauthorized)
			}
			var body map[string]string
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
				t.Fatalf("レスポンスボディのパースに失敗: %v", err)
			}
			if body["error"] != tt.wantMsg {
				t.Errorf("error = %q, want %q", body["error"], tt.wantMsg)
			}
		})
	}

	t.Run("有効期限切れのトークンで401が返ること", func(t *testing.T) {
		t.Parallel()

		tokenStr, err := GenerateJWT(testSecret, "user-old", "", -time.Minute)
		if err != nil {
			t.Fatalf("GenerateJWT()でエラーが発生: %v", err)
		}

		var captured [2]string
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set("Authorization", "Bearer "+tokenStr)
		w := httptest.NewRecorder()
		newRouter(&captured).ServeHTTP(w, req)

		if w.Code != http.StatusUnauthorized {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusUnauthorized)
		}
	})
}

// TestInternalAuth はInternalAuthミドルウェアを検証する。
func TestInternalAuth(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		configured string
		sent       string
		want       int
	}{
		{name: "一致するトークンで通過すること", configured: "s3cret", sent: "s3cret", want: http.StatusOK},
		{name: "異なるトークンで401が返ること", configured: "s3cret", sent: "other", want: http.StatusUnauthorized},
		{name: "トークン未送信で401が返ること", configured: "s3cret", sent: "", want: http.StatusUnauthorized},
		{name: "未設定の場合は全て拒否すること", configured: "", sent: "", want: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			router := gin.New()
			router.Use(InternalAuth(tt.configured))
			router.GET("/internal", func(c *gin.Context) {
				c.Status(http.StatusOK)
			})

			req := httptest.NewRequest(http.MethodGet, "/internal", nil)
			if tt.sent != "" {
				req.Header.Set(HeaderInternalToken, tt.sent)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if w.Code != tt.want {
				t.Errorf("ステータスコード = %d, want %d", w.Code, tt.want)
			}
		})
	}
}
