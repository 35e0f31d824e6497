// Package middleware は通知APIで使用するGinミドルウェアを提供する。
//
// JWTによる利用者認証、内部APIの共有トークン検証、zapによるアクセスログと
// パニックリカバリ、Prometheusのリクエスト計測、CORS設定を含む。
package middleware
