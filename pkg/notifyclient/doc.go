// Package notifyclient は他サービスから通知サービスの内部APIを呼び出すクライアントを提供する。
//
// 通知の作成と削除、ユーザーディレクトリの同期を行う。
// リクエストには共有トークンを X-Internal-Token ヘッダーで付与する。
package notifyclient
