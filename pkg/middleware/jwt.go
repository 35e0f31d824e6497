package middleware

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// JWTClaims は通知APIの利用者を表すクレーム。
// ユーザーIDと所属会社IDで通知の対象判定を行う。
type JWTClaims struct {
	jwt.RegisteredClaims
	// UserID は認証済みユーザーの一意識別子。
	UserID string `json:"user_id"`
	// CompanyID はユーザーが所属する会社のID。未所属なら空。
	CompanyID string `json:"company_id,omitempty"`
}

const (
	// ContextKeyUserID はGinコンテキストに格納するユーザーIDのキー。
	ContextKeyUserID = "user_id"
	// ContextKeyCompanyID はGinコンテキストに格納する会社IDのキー。
	ContextKeyCompanyID = "company_id"
	// HeaderInternalToken は内部APIの共有トークンを運ぶヘッダー。
	HeaderInternalToken = "X-Internal-Token"

	// tokenQueryKey はEventSourceのようにヘッダーを付与できないクライアント向けのクエリキー。
	tokenQueryKey = "access_token"
	issuer        = "notifier"
)

// GenerateJWT はユーザー情報から有効期限ttlのJWTトークンを生成する。
func GenerateJWT(secret, userID, companyID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
		UserID:    userID,
		CompanyID: companyID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("JWTトークンの署名に失敗: %w", err)
	}
	return signed, nil
}

// JWTAuth はJWTトークンを検証するGinミドルウェアを返す。
// トークンはAuthorizationヘッダー、なければ access_token クエリから読む。
// 検証に成功した場合、コンテキストに "user_id" と "company_id" を設定する。
func JWTAuth(secret string) gin.HandlerFunc {
	keyFunc := func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("想定外の署名アルゴリズム: %s", t.Method.Alg())
		}
		return []byte(secret), nil
	}

	return func(c *gin.Context) {
		tokenString, msg := bearerToken(c)
		if msg != "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg})
			return
		}

		claims := &JWTClaims{}
		token, err := jwt.ParseWithClaims(tokenString, claims, keyFunc)
		if err != nil || !token.Valid || claims.UserID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "トークンが無効です",
			})
			return
		}

		c.Set(ContextKeyUserID, claims.UserID)
		c.Set(ContextKeyCompanyID, claims.CompanyID)
		c.Next()
	}
}

// bearerToken はリクエストからトークン文字列を取り出す。失敗時は利用者向けメッセージを返す。
func bearerToken(c *gin.Context) (string, string) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		if q := c.Query(tokenQueryKey); q != "" {
			return q, ""
		}
		return "", "Authorizationヘッダーが必要です"
	}
	tokenString, found := strings.CutPrefix(authHeader, "Bearer ")
	if !found || tokenString == "" {
		return "", "Bearer トークン形式が不正です"
	}
	return tokenString, ""
}

// InternalAuth は内部APIの共有トークンを検証するGinミドルウェアを返す。
// tokenが空の場合は全リクエストを拒否する。
func InternalAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader(HeaderInternalToken)
		if token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "内部トークンが無効です",
			})
			return
		}
		c.Next()
	}
}

// GetUserID はGinコンテキストからユーザーIDを取得する。
// JWTAuthミドルウェアが事前に適用されている必要がある。
func GetUserID(c *gin.Context) string {
	return c.GetString(ContextKeyUserID)
}

// GetCompanyID はGinコンテキストから会社IDを取得する。
func GetCompanyID(c *gin.Context) string {
	return c.GetString(ContextKeyCompanyID)
}
