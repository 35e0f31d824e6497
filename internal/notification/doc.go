// Package notification は通知の作成とユーザー向けの参照・既読管理を提供する。
//
// Service は業務サービスからの作成依頼を受けて通知を永続化し、配信予定日時を
// 迎えていればディスパッチキューへ投入する。配信の完了は待たない。
// Server はServiceをGinのHTTP APIとSSEのライブチャネルとして公開する。
package notification
